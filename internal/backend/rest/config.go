package rest

import "time"

// Config controls how the client talks to one engine service.
type Config struct {
	BaseURL string
	Timeout time.Duration

	RetryCount int
	RetryDelay time.Duration

	// RateLimit is the number of requests per minute; zero disables limiting.
	RateLimit int
	RateBurst int

	BreakerEnabled          bool
	BreakerFailureThreshold int
	BreakerMinRequests      int
	BreakerRecoveryTime     time.Duration
	BreakerSamplingWindow   time.Duration
	BreakerHalfOpenMax      int
}

// DefaultConfig returns the settings used for engines declared in the engine
// catalog without overrides.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:                 baseURL,
		Timeout:                 30 * time.Second,
		RetryCount:              3,
		RetryDelay:              500 * time.Millisecond,
		RateLimit:               600,
		RateBurst:               10,
		BreakerEnabled:          true,
		BreakerFailureThreshold: 5,
		BreakerMinRequests:      10,
		BreakerRecoveryTime:     30 * time.Second,
		BreakerSamplingWindow:   60 * time.Second,
		BreakerHalfOpenMax:      3,
	}
}
