package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sector7g/internal/broker"
	"sector7g/internal/config"
	"sector7g/internal/queue"
	logx "sector7g/pkg/logx"
)

const testConfig = `
logging:
  level: error
  console: false
broker:
  driver: memory
storage:
  driver: memory
worker:
  wait_timeout: 50ms
  shutdown_grace: 1s
queues:
  - name: lenny
    concurrency: 2
    timeout: 5s
    max_attempts: 3
    handlers: [echo, system_health_check]
  - name: grimey
    concurrency: 1
    timeout: 5s
    max_attempts: 1
    handlers: [echo, cleanup_temp_files]
scheduler:
  enabled: true
  tick: 100ms
  schedules:
    - id: heartbeat
      schedule: every 1s
      queue: lenny
      handler: echo
      payload: '{"message":"{{.EntryID}}"}'
`

func newTestApp(t *testing.T, body string, opts Options) *App {
	t.Helper()
	p := filepath.Join(t.TempDir(), "sector7g.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	opts.ConfigPath = p
	a, err := New(context.Background(), opts)
	require.NoError(t, err)
	return a
}

func TestRunProcessesScheduledJobs(t *testing.T) {
	a := newTestApp(t, testConfig, Options{Workers: true, Scheduler: true})
	mem, ok := a.brk.(*broker.Memory)
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	_, err := mem.Enqueue(ctx, "grimey", "echo", []byte(`{"message":"hi"}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, err := a.Scheduler().Snapshot(ctx)
		if err != nil || snap.Fired == 0 {
			return false
		}
		_, _, _, done := mem.Counts()
		return done >= 2
	}, 5*time.Second, 50*time.Millisecond)

	rep := a.Health(ctx)
	assert.True(t, rep.Healthy())
	assert.Len(t, rep.Queues, 2)

	state := a.State()
	require.NotNil(t, state.Supervisor)
	var loops []string
	for _, g := range state.Supervisor.Goroutines {
		loops = append(loops, g.Name)
	}
	assert.Contains(t, loops, "worker.grimey")
	assert.Contains(t, loops, "scheduler")
	require.Eventually(t, func() bool { return len(a.State().Workers["grimey"].History) > 0 }, 2*time.Second, 20*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopAppStop))
	assert.NoError(t, a.Err())
}

func TestWorkerOnlySelectsQueues(t *testing.T) {
	a := newTestApp(t, testConfig, Options{Workers: true, Queues: []string{"grimey"}})
	defer func() { _ = a.Stop(context.Background(), StopAppStop) }()

	require.Len(t, a.Workers(), 1)
	assert.Equal(t, "grimey", a.Workers()[0].Queue())
	assert.Nil(t, a.Scheduler())
	// Every configured queue is still probed.
	assert.Len(t, a.Health(context.Background()).Queues, 2)
}

func TestUnknownQueueSelection(t *testing.T) {
	p := filepath.Join(t.TempDir(), "sector7g.yaml")
	require.NoError(t, os.WriteFile(p, []byte(testConfig), 0o600))
	_, err := New(context.Background(), Options{ConfigPath: p, Workers: true, Queues: []string{"moe"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "moe")
}

func TestMisconfiguredQueueAbortsStartup(t *testing.T) {
	cases := map[string]struct {
		from, to string
		want     []string
	}{
		"zero concurrency": {
			from: "concurrency: 1", to: "concurrency: 0",
			want: []string{"queues.grimey.concurrency"},
		},
		"unknown handler": {
			from: "handlers: [echo, cleanup_temp_files]", to: "handlers: [echo, flanders]",
			want: []string{"grimey", `unknown handler "flanders"`},
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			body := strings.Replace(testConfig, tc.from, tc.to, 1)
			require.NotEqual(t, testConfig, body)
			p := filepath.Join(t.TempDir(), "sector7g.yaml")
			require.NoError(t, os.WriteFile(p, []byte(body), 0o600))

			a, err := New(context.Background(), Options{ConfigPath: p, Workers: true, Queues: []string{"lenny"}})
			require.Error(t, err)
			assert.Nil(t, a)
			for _, w := range tc.want {
				assert.Contains(t, err.Error(), w)
			}
		})
	}
}

func TestRequireSchedulerWhenDisabled(t *testing.T) {
	body := strings.Replace(testConfig, "enabled: true", "enabled: false", 1)
	p := filepath.Join(t.TempDir(), "sector7g.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	_, err := New(context.Background(), Options{ConfigPath: p, Scheduler: true, RequireScheduler: true})
	require.Error(t, err)
}

func TestHealthReportsBrokerDown(t *testing.T) {
	a := newTestApp(t, testConfig, Options{Workers: true})
	defer func() { _ = a.Stop(context.Background(), StopAppStop) }()
	a.brk.(*broker.Memory).SetDown(true)

	rep := a.Health(context.Background())
	assert.False(t, rep.Healthy())
	body, ok := a.ready(context.Background())
	assert.False(t, ok)
	assert.NotNil(t, body)
}

func TestMapEntriesDefaultsEnabled(t *testing.T) {
	off := false
	cfg := &config.Config{Scheduler: config.SchedulerConfig{Schedules: []config.ScheduleConfig{
		{ID: "a", Schedule: "every 1m", Queue: "lenny", Handler: "echo"},
		{ID: "b", Schedule: "every 1m", Queue: "lenny", Handler: "echo", Enabled: &off},
	}}}
	got := mapEntries(cfg)
	require.Len(t, got, 2)
	assert.True(t, got[0].Enabled)
	assert.False(t, got[1].Enabled)
}

func TestMapQueueDefaultsJitter(t *testing.T) {
	qc, err := mapQueue(config.QueueConfig{Name: "carl", Concurrency: 15, Timeout: "120s", MaxAttempts: 3})
	require.NoError(t, err)
	assert.Equal(t, queue.DefaultRetryJitter, qc.Retry.Jitter)
	assert.Equal(t, 120*time.Second, qc.Timeout)

	_, err = mapQueue(config.QueueConfig{Name: "carl", Timeout: "soon"})
	require.Error(t, err)
}

func TestMapBrokerLeasesCoverQueueTimeouts(t *testing.T) {
	bc, err := mapBroker(config.Default())
	require.NoError(t, err)
	assert.Equal(t, 600*time.Second, bc.Redis.QueueTimeouts["homer"])
	assert.Equal(t, 120*time.Second, bc.Redis.QueueTimeouts["lenny"])
	assert.Equal(t, 300*time.Second, bc.Redis.QueueTimeouts["inanimate_rod"])
	assert.Equal(t, broker.DefaultKeepResult, bc.Redis.KeepResult)
}

func TestMapSchedulerDefaults(t *testing.T) {
	_, opts, loc, err := mapScheduler(config.Default())
	require.NoError(t, err)
	assert.Equal(t, config.DefaultTimezone, loc.String())
	assert.Equal(t, 250*time.Millisecond, opts.Tolerance)
}

func TestApplyConfigSyncsSchedules(t *testing.T) {
	a := newTestApp(t, testConfig, Options{Scheduler: true})
	defer func() { _ = a.Stop(context.Background(), StopAppStop) }()
	ctx := context.Background()

	prev := a.cfgm.Get()
	require.NoError(t, a.sched.Sync(ctx, mapEntries(prev), false))

	next := *prev
	next.Scheduler.Schedules = append([]config.ScheduleConfig{}, prev.Scheduler.Schedules...)
	next.Scheduler.Schedules = append(next.Scheduler.Schedules, config.ScheduleConfig{
		ID: "nightly", Schedule: "0 2 * * *", Queue: "grimey", Handler: "cleanup_temp_files",
	})
	a.applyConfig(ctx, prev, &next)

	entries, err := a.store.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "heartbeat", entries[0].ID)
	assert.Equal(t, "nightly", entries[1].ID)
}

func TestStatusOfUnknownJob(t *testing.T) {
	cfg := config.Default()
	cfg.Broker.Driver = "memory"
	_, err := Status(context.Background(), cfg, "sched:heartbeat:0", logx.Nop())
	require.ErrorIs(t, err, broker.ErrJobNotFound)
}
