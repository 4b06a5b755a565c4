package resilience

import "time"

// Backoff returns the delay before retry number attempt (0-based):
// min(base * 2^attempt, max). Non-positive inputs yield 0; the doubling is
// capped before it can overflow.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 || max <= 0 || attempt < 0 {
		return 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		if d >= max/2 {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}
