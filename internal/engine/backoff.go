package engine

import "time"

// Backoff returns the retry delay after the given number of stage failures:
// the base doubles per failure and never exceeds the cap.
func Backoff(base, ceiling time.Duration, failures int) time.Duration {
	if base <= 0 {
		base = 30 * time.Second
	}
	if ceiling <= 0 {
		ceiling = 10 * time.Minute
	}
	if failures < 1 {
		failures = 1
	}
	delay := base
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= ceiling {
			return ceiling
		}
	}
	if delay > ceiling {
		return ceiling
	}
	return delay
}
