// Package storetest holds behaviour checks shared by every schedule.Store.
package storetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sector7g/internal/schedule"
)

// Run exercises store. The store must be empty and must have been opened
// with a tolerance below one second.
func Run(t *testing.T, store schedule.Store) {
	t.Helper()
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	e := schedule.Entry{
		ID:        "reports",
		Schedule:  "every 60s",
		Queue:     "lenny",
		Handler:   "build_report",
		Payload:   `{"at":"{{.ScheduledAt}}"}`,
		Enabled:   true,
		CreatedAt: t0,
	}
	require.NoError(t, store.Create(ctx, e))
	require.ErrorIs(t, store.Create(ctx, e), schedule.ErrExists)

	got, err := store.Get(ctx, "reports")
	require.NoError(t, err)
	require.Equal(t, "lenny", got.Queue)
	require.True(t, got.CreatedAt.Equal(t0))
	require.Nil(t, got.LastFiredAt)

	_, err = store.Get(ctx, "missing")
	require.ErrorIs(t, err, schedule.ErrNotFound)

	// Not due before the first window closes; DueEntries is repeatable.
	due, err := store.DueEntries(ctx, t0.Add(30*time.Second))
	require.NoError(t, err)
	require.Empty(t, due)
	for i := 0; i < 3; i++ {
		due, err = store.DueEntries(ctx, t0.Add(61*time.Second))
		require.NoError(t, err)
		require.Len(t, due, 1)
		require.True(t, due[0].Occurrence.Equal(t0.Add(time.Minute)))
	}

	occ := due[0].Occurrence
	require.NoError(t, store.MarkFired(ctx, "reports", occ))
	require.ErrorIs(t, store.MarkFired(ctx, "reports", occ), schedule.ErrDuplicateScheduleClaim)
	require.ErrorIs(t, store.MarkFired(ctx, "reports", occ.Add(100*time.Millisecond)), schedule.ErrDuplicateScheduleClaim)

	due, err = store.DueEntries(ctx, t0.Add(119*time.Second))
	require.NoError(t, err)
	require.Empty(t, due)

	// Missed occurrences coalesce into the latest.
	due, err = store.DueEntries(ctx, t0.Add(10*time.Minute+5*time.Second))
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.True(t, due[0].Occurrence.Equal(t0.Add(10*time.Minute)))

	// Concurrent claims: exactly one winner.
	var wins, losses atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.MarkFired(ctx, "reports", due[0].Occurrence)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, schedule.ErrDuplicateScheduleClaim):
				losses.Add(1)
			default:
				t.Errorf("MarkFired: %v", err)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, wins.Load())
	require.EqualValues(t, 7, losses.Load())

	got, err = store.Get(ctx, "reports")
	require.NoError(t, err)
	require.NotNil(t, got.LastFiredAt)
	require.True(t, got.LastFiredAt.Equal(t0.Add(10*time.Minute)))

	// Update keeps LastFiredAt.
	got.Schedule = "every 2m"
	require.NoError(t, store.Update(ctx, got))
	got, err = store.Get(ctx, "reports")
	require.NoError(t, err)
	require.Equal(t, "every 2m", got.Schedule)
	require.NotNil(t, got.LastFiredAt)

	// Disabled entries are never due and cannot be claimed.
	require.NoError(t, store.SetEnabled(ctx, "reports", false))
	due, err = store.DueEntries(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Empty(t, due)
	require.ErrorIs(t, store.MarkFired(ctx, "reports", t0.Add(time.Hour)), schedule.ErrDuplicateScheduleClaim)
	require.NoError(t, store.SetEnabled(ctx, "reports", true))

	// Register preserves persisted definitions unless forced.
	cfg := schedule.Entry{ID: "reports", Schedule: "every 5m", Queue: "lenny", Handler: "build_report", Enabled: true}
	res, err := store.Register(ctx, cfg, false)
	require.NoError(t, err)
	require.Equal(t, schedule.Preserved, res)
	res, err = store.Register(ctx, cfg, true)
	require.NoError(t, err)
	require.Equal(t, schedule.Updated, res)
	res, err = store.Register(ctx, cfg, true)
	require.NoError(t, err)
	require.Equal(t, schedule.Unchanged, res)
	got, err = store.Get(ctx, "reports")
	require.NoError(t, err)
	require.Equal(t, "every 5m", got.Schedule)
	require.NotNil(t, got.LastFiredAt)

	res, err = store.Register(ctx, schedule.Entry{ID: "health", Schedule: "every 15s", Queue: "homer", Handler: "system_health_check", Enabled: true}, false)
	require.NoError(t, err)
	require.Equal(t, schedule.Created, res)

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "health", list[0].ID)

	require.NoError(t, store.Delete(ctx, "health"))
	require.ErrorIs(t, store.Delete(ctx, "health"), schedule.ErrNotFound)
	require.ErrorIs(t, store.SetEnabled(ctx, "health", true), schedule.ErrNotFound)
}
