package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testContract exercises the behaviour every driver must share.
func testContract(t *testing.T, b Broker) {
	t.Run("dequeue timeout returns nil", func(t *testing.T) {
		ctx := context.Background()
		start := time.Now()
		job, err := b.Dequeue(ctx, "empty", 150*time.Millisecond)
		require.NoError(t, err)
		assert.Nil(t, job)
		assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	})

	t.Run("enqueue dequeue ack", func(t *testing.T) {
		ctx := context.Background()
		id, err := b.Enqueue(ctx, "lenny", "echo", []byte(`{"n":1}`), WithMaxAttempts(3), WithTimeout(2*time.Second))
		require.NoError(t, err)
		require.NotEmpty(t, id)

		job, err := b.Dequeue(ctx, "lenny", time.Second)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, id, job.ID)
		assert.Equal(t, "echo", job.Handler)
		assert.Equal(t, []byte(`{"n":1}`), job.Payload)
		assert.Equal(t, 1, job.Attempts)
		assert.Equal(t, 3, job.MaxAttempts)
		assert.Equal(t, 2*time.Second, job.Timeout)

		require.NoError(t, b.Ack(ctx, id))
		require.NoError(t, b.Ack(ctx, id), "second ack is a no-op")
		require.NoError(t, b.Requeue(ctx, id, 0), "requeue after ack is a no-op")

		job, err = b.Dequeue(ctx, "lenny", 100*time.Millisecond)
		require.NoError(t, err)
		assert.Nil(t, job)
	})

	t.Run("depth counts ready jobs", func(t *testing.T) {
		ctx := context.Background()
		dr, ok := b.(DepthReporter)
		if !ok {
			t.Skip("driver does not report depth")
		}
		for range 2 {
			_, err := b.Enqueue(ctx, "depthq", "echo", nil)
			require.NoError(t, err)
		}
		n, err := dr.Depth(ctx, "depthq")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		job, err := b.Dequeue(ctx, "depthq", time.Second)
		require.NoError(t, err)
		require.NotNil(t, job)
		n, err = dr.Depth(ctx, "depthq")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("status follows the job", func(t *testing.T) {
		ctx := context.Background()
		sr, ok := b.(StatusReader)
		require.True(t, ok, "driver must support status lookups")
		ra, ok := b.(ResultAcker)
		require.True(t, ok, "driver must keep results")

		_, err := sr.Get(ctx, "no-such-job")
		require.ErrorIs(t, err, ErrJobNotFound)

		id, err := b.Enqueue(ctx, "status", "echo", []byte(`{"n":2}`))
		require.NoError(t, err)
		st, err := sr.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StateReady, st.State)
		assert.Equal(t, "status", st.Queue)

		job, err := b.Dequeue(ctx, "status", time.Second)
		require.NoError(t, err)
		require.NotNil(t, job)
		st, err = sr.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StateInFlight, st.State)
		assert.Equal(t, 1, st.Attempts)

		require.NoError(t, ra.AckResult(ctx, id, []byte(`{"donuts":3}`)))
		st, err = sr.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StateDone, st.State)
		assert.JSONEq(t, `{"donuts":3}`, string(st.Result))
		assert.False(t, st.FinishedAt.IsZero())

		id, err = b.Enqueue(ctx, "status", "echo", nil)
		require.NoError(t, err)
		_, err = b.Dequeue(ctx, "status", time.Second)
		require.NoError(t, err)
		require.NoError(t, b.Fail(ctx, id, "d'oh"))
		st, err = sr.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StateFailed, st.State)
		assert.Equal(t, "d'oh", st.Reason)
	})

	t.Run("requeue increments attempts", func(t *testing.T) {
		ctx := context.Background()
		id, err := b.Enqueue(ctx, "carl", "echo", nil)
		require.NoError(t, err)

		for want := 1; want <= 3; want++ {
			job, err := b.Dequeue(ctx, "carl", time.Second)
			require.NoError(t, err)
			require.NotNil(t, job)
			assert.Equal(t, want, job.Attempts)
			require.NoError(t, b.Requeue(ctx, id, 0))
		}
	})

	t.Run("release refunds attempt", func(t *testing.T) {
		ctx := context.Background()
		_, err := b.Enqueue(ctx, "grimey", "echo", nil)
		require.NoError(t, err)

		job, err := b.Dequeue(ctx, "grimey", time.Second)
		require.NoError(t, err)
		require.NotNil(t, job)
		require.NoError(t, b.Release(ctx, job.ID))

		job, err = b.Dequeue(ctx, "grimey", time.Second)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, 1, job.Attempts)
		require.NoError(t, b.Ack(ctx, job.ID))
	})

	t.Run("delayed job is invisible until due", func(t *testing.T) {
		ctx := context.Background()
		_, err := b.Enqueue(ctx, "charlie", "echo", nil, NotBefore(time.Now().Add(300*time.Millisecond)))
		require.NoError(t, err)

		job, err := b.Dequeue(ctx, "charlie", 50*time.Millisecond)
		require.NoError(t, err)
		assert.Nil(t, job)

		job, err = b.Dequeue(ctx, "charlie", 2*time.Second)
		require.NoError(t, err)
		require.NotNil(t, job)
		require.NoError(t, b.Ack(ctx, job.ID))
	})

	t.Run("duplicate job id", func(t *testing.T) {
		ctx := context.Background()
		_, err := b.Enqueue(ctx, "homer", "echo", nil, WithJobID("sched:daily:1"))
		require.NoError(t, err)
		_, err = b.Enqueue(ctx, "homer", "echo", nil, WithJobID("sched:daily:1"))
		require.ErrorIs(t, err, ErrDuplicateJob)
	})

	t.Run("fail parks job", func(t *testing.T) {
		ctx := context.Background()
		id, err := b.Enqueue(ctx, "rod", "echo", nil)
		require.NoError(t, err)
		job, err := b.Dequeue(ctx, "rod", time.Second)
		require.NoError(t, err)
		require.NotNil(t, job)

		require.NoError(t, b.Fail(ctx, id, "handler fatal: bad input"))
		require.NoError(t, b.Fail(ctx, id, "again"), "second fail is a no-op")

		fl, ok := b.(FailedLister)
		require.True(t, ok)
		failed, err := fl.Failed(ctx, "rod", 10)
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, id, failed[0].ID)
		assert.Equal(t, "handler fatal: bad input", failed[0].Reason)
	})

	t.Run("fifo within a queue", func(t *testing.T) {
		ctx := context.Background()
		var ids []string
		for i := 0; i < 3; i++ {
			id, err := b.Enqueue(ctx, "fifo", "echo", nil)
			require.NoError(t, err)
			ids = append(ids, id)
			time.Sleep(2 * time.Millisecond)
		}
		for _, want := range ids {
			job, err := b.Dequeue(ctx, "fifo", time.Second)
			require.NoError(t, err)
			require.NotNil(t, job)
			assert.Equal(t, want, job.ID)
			require.NoError(t, b.Ack(ctx, job.ID))
		}
	})

	t.Run("ping", func(t *testing.T) {
		require.NoError(t, b.Ping(context.Background()))
	})
}
