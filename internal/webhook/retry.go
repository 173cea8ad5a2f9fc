package webhook

import "time"

// MaxAttempts is the number of delivery attempts before a delivery is marked
// failed.
const MaxAttempts = 20

const maxRetryDelay = 2048 * time.Second

// RetryDelay returns the wait before the next attempt after the given number
// of failed attempts: 1s, 2s, 4s and so on, capped at 2048s.
func RetryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 12 {
		return maxRetryDelay
	}
	return min(time.Second<<(attempts-1), maxRetryDelay)
}
