package health

import (
	"context"
	"strings"
	"testing"
	"time"

	"sector7g/internal/broker"
	"sector7g/internal/queue"
	"sector7g/internal/worker"
	logx "sector7g/pkg/logx"
)

func newPool(t *testing.T, name string, handlers ...string) *queue.Pool {
	t.Helper()
	p := queue.NewPool(queue.Config{Name: name, Concurrency: 2, Timeout: time.Second, Retry: queue.RetryPolicy{MaxAttempts: 3}})
	for _, h := range handlers {
		if err := p.Register(h, func(context.Context, *broker.Job) error { return nil }); err != nil {
			t.Fatal(err)
		}
	}
	return p
}

type fakeStats worker.Stats

func (f fakeStats) Stats() worker.Stats { return worker.Stats(f) }

func TestProbeHealthy(t *testing.T) {
	t.Parallel()

	brk := broker.NewMemory()
	_, _ = brk.Enqueue(context.Background(), "lenny", "echo", nil)
	m := New(brk, Config{}, logx.Nop())

	rep := m.Probe(context.Background(), []PoolInfo{
		{Pool: newPool(t, "lenny", "echo", "sleep"), Worker: fakeStats{InFlight: 1, LastError: "boom"}},
		{Pool: newPool(t, "carl", "echo")},
	})
	if !rep.Healthy() {
		t.Fatalf("report unhealthy: %+v", rep)
	}
	q := rep.Queues[0]
	if q.Queue != "lenny" || q.Handlers != 2 || q.Concurrency != 2 || q.Depth != 1 || q.InFlight != 1 || q.LastError != "boom" {
		t.Fatalf("lenny = %+v", q)
	}
}

func TestProbeReportsUnreachableBroker(t *testing.T) {
	t.Parallel()

	brk := broker.NewMemory()
	brk.SetDown(true)
	rep := New(brk, Config{}, logx.Nop()).Probe(context.Background(), []PoolInfo{{Pool: newPool(t, "homer", "echo")}})
	if rep.Healthy() || rep.Partial {
		t.Fatalf("report = %+v", rep)
	}
	if q := rep.Queues[0]; q.Reachable || !strings.Contains(q.Error, "unavailable") {
		t.Fatalf("homer = %+v", q)
	}
}

func TestProbeReportsConfigErrors(t *testing.T) {
	t.Parallel()

	rep := New(broker.NewMemory(), Config{}, logx.Nop()).Probe(context.Background(), []PoolInfo{{Pool: newPool(t, "grimey")}})
	if rep.Healthy() || rep.Queues[0].ConfigError == "" || !rep.Queues[0].Reachable {
		t.Fatalf("report = %+v", rep)
	}
}

// stuckBroker ignores its context on Ping.
type stuckBroker struct {
	*broker.Memory
	release chan struct{}
}

func (s stuckBroker) Ping(context.Context) error {
	<-s.release
	return nil
}

func TestProbeHonoursBudget(t *testing.T) {
	t.Parallel()

	brk := stuckBroker{Memory: broker.NewMemory(), release: make(chan struct{})}
	defer close(brk.release)
	m := New(brk, Config{ProbeTimeout: 20 * time.Millisecond, Budget: 50 * time.Millisecond}, logx.Nop())

	start := time.Now()
	rep := m.Probe(context.Background(), []PoolInfo{{Pool: newPool(t, "lenny", "echo")}, {Pool: newPool(t, "carl", "echo")}})
	if took := time.Since(start); took > time.Second {
		t.Fatalf("Probe took %v", took)
	}
	if !rep.Partial || rep.Healthy() {
		t.Fatalf("report = %+v", rep)
	}
	for _, q := range rep.Queues {
		if q.Reachable || q.Error != ErrProbeTimeout.Error() {
			t.Fatalf("%s = %+v", q.Queue, q)
		}
	}
}
