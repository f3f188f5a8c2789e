package schedule

import "time"

const (
	backoffBase = 5 * time.Second
	backoffMax  = 300 * time.Second
)

// BackoffDelay returns the retry delay after the given number of consecutive
// failed cycles: zero when there are no failures, otherwise
// min(5s * 2^(n-1), 300s).
func BackoffDelay(consecutiveFailures int) time.Duration {
	if consecutiveFailures <= 0 {
		return 0
	}
	delay := backoffBase
	for attempt := 1; attempt < consecutiveFailures; attempt++ {
		delay *= 2
		if delay >= backoffMax {
			return backoffMax
		}
	}
	return delay
}
