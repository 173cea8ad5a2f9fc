package rest

import (
	"errors"

	"github.com/sony/gobreaker"
)

// circuitBreaker stops calling an engine service that keeps failing.
type circuitBreaker interface {
	Execute(fn func() error) error
}

type noopBreaker struct{}

func (noopBreaker) Execute(fn func() error) error {
	return fn()
}

type gobreakerWrapper struct {
	cb *gobreaker.CircuitBreaker
}

func (g *gobreakerWrapper) Execute(fn func() error) error {
	_, err := g.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	return err
}

func newCircuitBreaker(name string, cfg Config) circuitBreaker {
	if !cfg.BreakerEnabled {
		return noopBreaker{}
	}
	settings := gobreaker.Settings{
		Name:        "engine-" + name,
		MaxRequests: uint32(cfg.BreakerHalfOpenMax),
		Interval:    cfg.BreakerSamplingWindow,
		Timeout:     cfg.BreakerRecoveryTime,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < uint32(cfg.BreakerMinRequests) {
				return false
			}
			return counts.TotalFailures >= uint32(cfg.BreakerFailureThreshold)
		},
		// A rejected request says nothing about the health of the service.
		IsSuccessful: func(err error) bool {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return !apiErr.Transient()
			}
			return err == nil
		},
	}
	return &gobreakerWrapper{cb: gobreaker.NewCircuitBreaker(settings)}
}

// isBreakerOpen reports whether err came from an open or saturated breaker.
func isBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
