package rest

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is a non-2xx response from an engine service.
type APIError struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("engine api error (%d): %s", e.Status, e.Message)
}

// Transient reports whether the request may succeed if retried.
func (e *APIError) Transient() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests || e.Status == http.StatusRequestTimeout
}

// isTransient treats transport errors and 5xx responses as retryable. Client
// errors and an open breaker end the attempt.
func isTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	return !isBreakerOpen(err)
}
