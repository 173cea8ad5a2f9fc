package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Delivery request headers.
const (
	HeaderSignature = "X-Hub-Signature-256"
	HeaderEvent     = "X-Babel-Event"
	HeaderDelivery  = "X-Babel-Delivery"
)

const signaturePrefix = "sha256="

// Sign returns the signature header value of body: "sha256=" followed by
// the lowercase hex HMAC-SHA256 of body keyed with secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether header is a valid signature of body. Receivers use
// it to authenticate deliveries.
func Verify(secret string, body []byte, header string) bool {
	hexSum, ok := strings.CutPrefix(header, signaturePrefix)
	if !ok {
		return false
	}
	got, err := hex.DecodeString(hexSum)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
