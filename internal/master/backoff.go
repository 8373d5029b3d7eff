package master

import (
	"math/rand"
	"time"
)

// backoff paces the reconnection loop. A refused connection fails in
// microseconds; without pacing the loop would hammer the slave. The
// caller sleeps in a select so the stop flag still interrupts the wait.
type backoff struct {
	base time.Duration
	max  time.Duration
	cur  time.Duration
}

func newBackoff(base, max time.Duration) *backoff {
	return &backoff{base: base, max: max}
}

// Next returns the delay before the next attempt, doubling up to max
// with ~20% jitter.
func (b *backoff) Next() time.Duration {
	if b.cur <= 0 {
		b.cur = b.base
	} else {
		b.cur *= 2
		if b.cur > b.max {
			b.cur = b.max
		}
	}
	j := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(b.cur) * j)
}

func (b *backoff) Reset() { b.cur = 0 }
