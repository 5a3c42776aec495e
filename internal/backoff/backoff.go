// Package backoff computes exponential retry delays with jitter. Queue item
// retries and transport reconnects share it.
package backoff

import (
	"math/rand"
	"time"
)

// DefaultJitter is the ± band applied around the capped delay.
const DefaultJitter = 0.2

// Policy is base * 2^attempt, capped at Max, then spread by ±Jitter.
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	// Rand returns a value in [0, 1). Nil uses math/rand.
	Rand func() float64
}

// New returns a Policy with DefaultJitter.
func New(base, max time.Duration) Policy {
	return Policy{Base: base, Max: max, Jitter: DefaultJitter}
}

// Raw returns base * 2^attempt capped at Max, without jitter.
func (p Policy) Raw(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.Base
	for i := 0; i < attempt; i++ {
		if p.Max > 0 && d >= p.Max {
			break
		}
		if d > time.Duration(1<<62) {
			break
		}
		d *= 2
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d
}

// Delay returns the jittered delay for the given zero-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	d := p.Raw(attempt)
	if p.Jitter <= 0 || d <= 0 {
		return d
	}
	r := rand.Float64
	if p.Rand != nil {
		r = p.Rand
	}
	spread := float64(d) * p.Jitter * (2*r() - 1)
	out := time.Duration(float64(d) + spread)
	if out < 0 {
		return 0
	}
	return out
}
