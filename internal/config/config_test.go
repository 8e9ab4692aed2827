package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
  file:
    enabled: false
    path: ""
broker:
  driver: memory
  redis:
    url: redis://localhost:6379/0
storage:
  driver: memory
worker: {}
queues:
  - name: lenny
    concurrency: 15
    timeout: 120s
    max_attempts: 3
    handlers: [echo, system_health_check]
scheduler:
  enabled: true
  timezone: America/Chicago
  tolerance: 250ms
  schedules:
    - id: health
      schedule: every 15s
      queue: lenny
      handler: system_health_check
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	p := writeFile(t, "sector7g.yaml", sampleYAML)
	cfg, err := NewConfigManager(p, Overrides{}).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" || len(cfg.Queues) != 1 || cfg.Queues[0].Concurrency != 15 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if len(cfg.Scheduler.Schedules) != 1 || cfg.Scheduler.Schedules[0].Handler != "system_health_check" {
		t.Fatalf("schedules = %+v", cfg.Scheduler.Schedules)
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	if _, err := Decode("c.json", []byte(`{"queues":[],"workers":3}`)); err == nil {
		t.Fatal("unknown field accepted")
	}
	if _, err := Decode("c.json", []byte(`{} {}`)); err == nil {
		t.Fatal("trailing data accepted")
	}
}

func TestOverridesApply(t *testing.T) {
	t.Setenv("SECTOR7G_REDIS_URL", "redis://cache:6379/2")
	t.Setenv("SECTOR7G_DATABASE_URL", "postgres://u:p@db/sector7g")
	t.Setenv("SECTOR7G_LOG_LEVEL", "warn")
	t.Setenv("SECTOR7G_SCHEDULER_FORCE_UPDATE", "true")

	o, err := LoadOverrides()
	if err != nil {
		t.Fatal(err)
	}
	cfg := Default()
	o.Apply(cfg)
	if cfg.Broker.Redis.URL != "redis://cache:6379/2" || cfg.Logging.Level != "warn" || !cfg.Scheduler.ForceUpdate {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Storage.URL != "postgres://u:p@db/sector7g" {
		t.Fatalf("storage url = %q", cfg.Storage.URL)
	}
}

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()

	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	t.Parallel()

	jitter := 1.5
	cfg := Default()
	cfg.Logging.Level = "loud"
	cfg.Queues[0].Timeout = "soon"
	cfg.Queues[1].RetryJitter = &jitter
	cfg.Queues = append(cfg.Queues, QueueConfig{Name: "homer"}, QueueConfig{Name: "burns", Timeout: "0s", Handlers: []string{"echo"}})
	cfg.Scheduler.Tolerance = "2s"
	cfg.Scheduler.Schedules = append(cfg.Scheduler.Schedules,
		ScheduleConfig{ID: "x", Schedule: "every 1m", Queue: "moes", Handler: "echo"},
		ScheduleConfig{ID: "y", Schedule: "every 1m", Queue: "carl", Handler: "cleanup_temp_files"},
	)

	err := cfg.Validate()
	if err == nil {
		t.Fatal("invalid config accepted")
	}
	for _, want := range []string{
		"logging.level",
		"queues.homer.timeout",
		"queues.homer.concurrency",
		"queues.homer.max_attempts",
		"queues.homer.handlers",
		"queues.burns.timeout: must be > 0",
		"retry_jitter",
		"duplicate queue name",
		"scheduler.tolerance",
		`unknown queue "moes"`,
		"not bound on queue carl",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q:\n%v", want, err)
		}
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	a := Default()
	b := Default()
	b.Logging.Level = "debug"
	b.Scheduler.Schedules = b.Scheduler.Schedules[:1]
	b.Queues[2].Concurrency = 20
	b.Diag.Token = "secret"

	sections, attrs := SummarizeConfigChange(a, b)
	got := strings.Join(sections, ",")
	if got != "logging,queues,schedules,diag" {
		t.Fatalf("sections = %s", got)
	}
	if len(attrs) == 0 {
		t.Fatal("no attrs")
	}
	if RestartRequired["schedules"] || !RestartRequired["queues"] {
		t.Fatal("restart table wrong")
	}
}

func TestWatchPublishesChanges(t *testing.T) {
	p := writeFile(t, "sector7g.yaml", sampleYAML)
	m := NewConfigManager(p, Overrides{})
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	updated := strings.Replace(sampleYAML, "level: debug", "level: warn", 1)
	if err := os.WriteFile(p, []byte(updated), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "warn" {
			t.Fatalf("published level = %s", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Skip("no fsnotify event delivered on this platform")
	}

	// A broken file is rejected and the last good config stays current.
	if err := os.WriteFile(p, []byte("queues: ["), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(600 * time.Millisecond)
	if m.Get().Logging.Level != "warn" {
		t.Fatal("invalid config replaced the committed one")
	}
}

func TestExampleConfigLoads(t *testing.T) {
	cfg, err := NewConfigManager(filepath.Join("..", "..", "configs", "sector7g.example.yaml"), Overrides{}).Load()
	if err != nil {
		t.Fatalf("example config: %v", err)
	}
	if len(cfg.Queues) != 6 || len(cfg.Scheduler.Schedules) != 2 {
		t.Fatalf("queues=%d schedules=%d", len(cfg.Queues), len(cfg.Scheduler.Schedules))
	}
}

func TestEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := NewConfigManager("", Overrides{}).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if q, ok := cfg.Queue("grimey"); !ok || q.Concurrency != 1 {
		t.Fatalf("grimey = %+v", q)
	}
}

func TestYAMLRejectsEmptyAndMultiDoc(t *testing.T) {
	for name, body := range map[string]string{
		"empty": "",
		"multi": "logging: {level: info}\n---\nlogging: {level: debug}\n",
	} {
		if _, err := Decode("x.yaml", []byte(body)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
