package coordinator

import (
	"math/rand/v2"
	"time"
)

// maxJitter caps the random offset applied to each scheduled run
const maxJitter = 30 * time.Second

// jitterFor returns the jitter bound for interval: a tenth of it, capped at maxJitter
func jitterFor(interval time.Duration) time.Duration {
	return min(interval/10, maxJitter)
}

// nextDelay returns interval shifted by a random offset in [-jitter, +jitter).
// The result is never below half the interval.
func nextDelay(interval, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return interval
	}
	//nolint:gosec // G404: Non-cryptographic randomness is sufficient for scheduling jitter
	offset := time.Duration(rand.Int64N(int64(2*jitter))) - jitter
	return max(interval+offset, interval/2)
}
