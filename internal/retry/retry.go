// Package retry repeats idempotent calls after transient failures.
package retry

import (
	"context"
	"time"
)

// Policy retries with linear back-off: the n-th retry waits n*BaseDelay.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration

	// Retryable reports whether err is worth another attempt. A nil
	// Retryable retries every error.
	Retryable func(error) bool
}

// Do calls fn until it succeeds, fails with a permanent error, runs out of
// retries or ctx ends. It returns the last error of fn.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; i <= p.MaxRetries; i++ {
		err = fn()
		if err == nil || i == p.MaxRetries || (p.Retryable != nil && !p.Retryable(err)) {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(p.BaseDelay * time.Duration(i+1)):
		}
	}
	return err
}
