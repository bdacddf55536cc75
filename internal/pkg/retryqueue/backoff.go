package retryqueue

import "time"

const (
	// BaseRetryDelay is the wait before the first retry; each further failed
	// attempt doubles it.
	BaseRetryDelay = 30 * time.Second

	// MaxRetryDelay caps the exponential growth.
	MaxRetryDelay = 1 * time.Hour
)

// BackoffDelay returns how long to wait before retrying an event that has
// already failed the given number of attempts. The first attempt (attempts=1)
// waits BaseRetryDelay, then 1m, 2m, 4m and so on up to MaxRetryDelay.
func BackoffDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	delay := BaseRetryDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= MaxRetryDelay {
			return MaxRetryDelay
		}
	}
	return delay
}
