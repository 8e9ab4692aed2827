package queue

import (
	"errors"
	"math/rand"
	"testing"
	"time"
)

func TestDelayIsMonotoneForAnySeed(t *testing.T) {
	t.Parallel()

	policies := []RetryPolicy{
		{Base: 500 * time.Millisecond, MaxDelay: 15 * time.Second, Jitter: 0.2},
		{Base: time.Second, MaxDelay: 10 * time.Second, Jitter: 1},
		{Base: 100 * time.Millisecond, MaxDelay: 150 * time.Millisecond, Jitter: 0.5},
		{Base: time.Second, MaxDelay: time.Hour, Jitter: 0},
	}
	for _, p := range policies {
		for seed := int64(0); seed < 50; seed++ {
			rng := rand.New(rand.NewSource(seed))
			prev := time.Duration(0)
			for n := 1; n <= 40; n++ {
				d := p.Delay(n, rng)
				if d < prev {
					t.Fatalf("policy %+v seed %d: Delay(%d) = %v < Delay(%d) = %v", p, seed, n, d, n-1, prev)
				}
				if d > p.MaxDelay {
					t.Fatalf("Delay(%d) = %v exceeds cap %v", n, d, p.MaxDelay)
				}
				prev = d
			}
		}
	}
}

func TestDelayIsDeterministicForSeed(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{Base: time.Second, MaxDelay: time.Minute, Jitter: 0.3}
	a := rand.New(rand.NewSource(42))
	b := rand.New(rand.NewSource(42))
	for n := 1; n < 8; n++ {
		if da, db := p.Delay(n, a), p.Delay(n, b); da != db {
			t.Fatalf("Delay(%d) differs for same seed: %v vs %v", n, da, db)
		}
	}
}

func TestDelayWithoutJitter(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{Base: time.Second, MaxDelay: 5 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := p.Delay(i+1, nil); got != w {
			t.Fatalf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestDelayWithHint(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{Base: time.Second, MaxDelay: 30 * time.Second}
	err := RetryAfter(errors.New("429"), 10*time.Second)
	if got := p.DelayWithHint(1, err, nil); got != 10*time.Second {
		t.Fatalf("DelayWithHint = %v, want 10s", got)
	}
	err = RetryAfter(errors.New("429"), time.Hour)
	if got := p.DelayWithHint(1, err, nil); got != 30*time.Second {
		t.Fatalf("DelayWithHint = %v, want cap 30s", got)
	}
	if got := p.DelayWithHint(3, errors.New("plain"), nil); got != 4*time.Second {
		t.Fatalf("DelayWithHint = %v, want 4s", got)
	}
}

func TestFatalWrapping(t *testing.T) {
	t.Parallel()

	base := errors.New("bad payload")
	err := Fatal(base)
	if !IsFatal(err) || !errors.Is(err, base) {
		t.Fatalf("Fatal lost its identity: %v", err)
	}
	if IsFatal(base) {
		t.Fatalf("plain error reported as fatal")
	}
	if Fatal(nil) != nil {
		t.Fatalf("Fatal(nil) should be nil")
	}
	wrapped := &HandlerFault{Handler: "echo", Err: err}
	if !IsFatal(wrapped) {
		t.Fatalf("fatal should survive HandlerFault wrapping")
	}
}
