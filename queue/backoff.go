package queue

import (
	"math"
	"math/rand"
	"time"
)

// backoff returns the delay before a job that has now failed attempts times
// becomes eligible again: base * 2^attempts, capped at BackoffMax, with
// jitter so a batch of failures does not re-materialize as a thundering
// herd. Because the factor doubles while the jitter band is only 0.8x-1.2x,
// consecutive delays for the same job never shrink until the cap.
func (m *Manager) backoff(attempts uint8) time.Duration {
	d := time.Duration(float64(m.cfg.BackoffBase) * math.Pow(2, float64(attempts)))
	if d > m.cfg.BackoffMax || d <= 0 {
		d = m.cfg.BackoffMax
	}
	return time.Duration(jitter(float64(d)))
}

// Jitter returns a value that's around the given val, but not exactly it.
// The jitter is randomly chosen between 0.8 and 1.2 times the given value,
// evenly distributed.
func jitter(val float64) float64 {
	return val*0.8 + rand.Float64()*0.2*2*val
}
