package engine

import "time"

// maxBackoff caps retry spacing; past this, waiting longer only risks
// tripping the max-delay staleness guard.
const maxBackoff = time.Hour

// retryBackoff computes the requeue delay before the next attempt:
// base doubled per prior retry, capped at one hour.
func retryBackoff(base time.Duration, retryCount int) time.Duration {
	if base <= 0 {
		base = time.Minute
	}
	d := base
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}
