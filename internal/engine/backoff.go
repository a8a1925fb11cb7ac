package engine

import (
	"math/rand"
	"time"
)

// RetryDelay returns how long to wait before retry number retry (zero
// based), doubling from base up to max with up to 20% jitter added so
// retries for jobs that failed together spread out.
func RetryDelay(retry int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 5 * time.Minute
	}

	delay := max
	if retry < 16 {
		delay = base * time.Duration(1<<uint(retry))
		if delay > max {
			delay = max
		}
	}

	jitter := time.Duration(float64(delay) * 0.2 * rand.Float64())
	return delay + jitter
}
