package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRestartRecoversPanics(t *testing.T) {
	t.Parallel()

	sup := New(context.Background())
	var runs atomic.Int32
	sup.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			panic("boom")
		}
		<-ctx.Done()
		return ctx.Err()
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond), WithPublishFirstError(true))

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if runs.Load() < 3 {
		t.Fatalf("runs = %d, want >= 3", runs.Load())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sup.Cancel()
	if err := sup.Wait(ctx); err == nil {
		t.Fatalf("Wait() error = nil, want published panic")
	}

	snap := sup.Snapshot()
	if len(snap.Goroutines) != 1 || snap.Goroutines[0].Panics != 2 || snap.Goroutines[0].Restarts != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestGoCancelOnError(t *testing.T) {
	t.Parallel()

	sup := New(context.Background(), WithCancelOnError(true))
	sentinel := errors.New("bad config")
	sup.Go("fails", func(context.Context) error { return sentinel })
	sup.Go("waits", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sup.Wait(ctx); !errors.Is(err, sentinel) {
		t.Fatalf("Wait() = %v, want %v", err, sentinel)
	}
}

func TestGoRestartStopsOnNilReturn(t *testing.T) {
	t.Parallel()

	sup := New(context.Background())
	var runs atomic.Int32
	sup.GoRestart("once-more", func(context.Context) error {
		if runs.Add(1) < 2 {
			return errors.New("not yet")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sup.Wait(ctx); err != nil {
		t.Fatalf("Wait() = %v, want nil without WithPublishFirstError", err)
	}
	if runs.Load() != 2 {
		t.Fatalf("runs = %d, want 2", runs.Load())
	}
	snap := sup.Snapshot()
	if snap.Active != 0 || snap.Goroutines[0].Running || snap.Goroutines[0].LastErr == "" {
		t.Fatalf("snapshot = %+v", snap)
	}
}
