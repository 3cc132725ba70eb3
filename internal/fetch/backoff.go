package fetch

import "time"

// BackoffFunc maps a zero-based attempt index to the delay before the next try.
type BackoffFunc func(attempt int) time.Duration

// Exponential doubles the initial delay per attempt, capped at max.
func Exponential(initial, max time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		delay := initial
		for i := 0; i < attempt; i++ {
			delay *= 2
			if delay >= max {
				return max
			}
		}
		if delay > max {
			return max
		}
		return delay
	}
}

// Fixed waits the same delay between every attempt.
func Fixed(delay time.Duration) BackoffFunc {
	return func(int) time.Duration {
		return delay
	}
}
