package model

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewID generates a new ULID string for use as an entity identifier.
func NewID() string {
	return ulid.Make().String()
}

// NewHolderID generates a random identifier for a lock holder or a webhook
// delivery. These never need to sort by creation time.
func NewHolderID() string {
	return uuid.NewString()
}
