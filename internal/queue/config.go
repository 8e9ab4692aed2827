package queue

import (
	"math/rand"
	"time"
)

// Config is the immutable configuration of one named queue.
type Config struct {
	Name        string
	Concurrency int
	Timeout     time.Duration
	Retry       RetryPolicy
}

// RetryPolicy decides how often and how late a failed job runs again.
type RetryPolicy struct {
	// MaxAttempts counts the first run. 1 means never retry.
	MaxAttempts int
	Base        time.Duration
	MaxDelay    time.Duration
	// Jitter widens each delay by up to this fraction (0..1).
	Jitter float64
}

const (
	DefaultRetryBase     = 500 * time.Millisecond
	DefaultRetryMaxDelay = 5 * time.Minute
	DefaultRetryJitter   = 0.2
)

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Base <= 0 {
		p.Base = DefaultRetryBase
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultRetryMaxDelay
	}
	if p.MaxDelay < p.Base {
		p.MaxDelay = p.Base
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Delay returns the wait before the attempt that follows attempt n (n >= 1).
//
// The raw delay is Base*2^(n-1); jitter only ever adds up to Jitter*raw, and
// the result is capped at MaxDelay. With Jitter <= 1 the jittered band of
// attempt n ends where attempt n+1 starts, so Delay is non-decreasing in n
// for any draw of rng. A nil rng disables jitter.
func (p RetryPolicy) Delay(n int, rng *rand.Rand) time.Duration {
	p = p.withDefaults()
	if n < 1 {
		n = 1
	}
	d := p.Base
	for i := 1; i < n && d < p.MaxDelay; i++ {
		d *= 2
	}
	if d >= p.MaxDelay {
		return p.MaxDelay
	}
	if p.Jitter > 0 && rng != nil {
		d += time.Duration(rng.Float64() * p.Jitter * float64(d))
	}
	return min(d, p.MaxDelay)
}

// DelayWithHint honours a RetryAfter hint carried by err without ever going
// below the policy delay or above MaxDelay.
func (p RetryPolicy) DelayWithHint(n int, err error, rng *rand.Rand) time.Duration {
	d := p.Delay(n, rng)
	if hint, ok := RetryAfterHint(err); ok && hint > d {
		d = min(hint, p.withDefaults().MaxDelay)
	}
	return d
}
