package stream

import (
	"math/rand"
	"time"
)

// Backoff computes reconnect delays: Base doubled per consecutive
// failure, capped at Max, then reduced by a random fraction of at most
// Jitter. With Jitter below 0.5 jittered delays still increase
// strictly until the cap.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	// Rand returns a value in [0,1). Nil uses math/rand/v2.
	Rand func() float64
}

// Delay returns the un-jittered delay for the given 1-based attempt
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		if d >= b.Max/2 {
			return b.Max
		}
		d *= 2
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// Next returns the jittered delay for the given 1-based attempt
func (b Backoff) Next(attempt int) time.Duration {
	d := b.Delay(attempt)
	if b.Jitter <= 0 {
		return d
	}
	r := b.Rand
	if r == nil {
		r = rand.Float64
	}
	return d - time.Duration(float64(d)*b.Jitter*r())
}
