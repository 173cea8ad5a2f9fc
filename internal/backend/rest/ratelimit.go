package rest

import (
	"context"

	"golang.org/x/time/rate"
)

type rateLimiter struct{ l *rate.Limiter }

// newRateLimiter allows rpm requests per minute with the given burst. A
// non-positive rpm disables limiting.
func newRateLimiter(rpm, burst int) *rateLimiter {
	if rpm <= 0 {
		return &rateLimiter{l: rate.NewLimiter(rate.Inf, 0)}
	}
	return &rateLimiter{l: rate.NewLimiter(rate.Limit(rpm)/60, max(burst, 1))}
}

func (r *rateLimiter) Wait(ctx context.Context) error { return r.l.Wait(ctx) }
