package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	logx "sector7g/pkg/logx"
)

// MaxTolerance bounds scheduler.tolerance; a larger window could swallow a
// whole one-second interval.
const MaxTolerance = time.Second

// Validate checks the whole file and reports every problem at once.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) time.Duration {
		d, err := ParseDurationField(path, raw)
		add(err)
		return d
	}

	if lv := strings.TrimSpace(c.Logging.Level); lv != "" && !logx.ValidLevel(lv) {
		add(fmt.Errorf("logging.level: unknown level %q", lv))
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "", "console", "json":
	default:
		add(fmt.Errorf("logging.format: must be console or json"))
	}

	switch strings.ToLower(strings.TrimSpace(c.Broker.Driver)) {
	case "", "redis", "memory":
	default:
		add(fmt.Errorf("broker.driver: unknown driver %q", c.Broker.Driver))
	}
	r := c.Broker.Redis
	dur("broker.redis.conn_timeout", r.ConnTimeout)
	dur("broker.redis.conn_retry_delay", r.ConnRetryDelay)
	dur("broker.redis.poll_interval", r.PollInterval)
	dur("broker.redis.visibility", r.Visibility)
	dur("broker.redis.keep_result", r.KeepResult)
	dur("broker.redis.failed_ttl", r.FailedTTL)
	if r.ConnRetries != nil && *r.ConnRetries < 0 {
		add(fmt.Errorf("broker.redis.conn_retries: must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "memory":
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(c.Storage.URL) == "" {
			add(fmt.Errorf("storage.url: required when storage.driver=postgres"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	dur("storage.busy_timeout", c.Storage.BusyTimeout)

	dur("worker.wait_timeout", c.Worker.WaitTimeout)
	dur("worker.shutdown_grace", c.Worker.ShutdownGrace)
	dur("worker.cancel_grace", c.Worker.CancelGrace)
	dur("worker.settle_timeout", c.Worker.SettleTimeout)
	if c.Worker.HistorySize < 0 {
		add(fmt.Errorf("worker.history_size: must be >= 0"))
	}

	if len(c.Queues) == 0 {
		add(errors.New("queues: at least one queue is required"))
	}
	seen := map[string]bool{}
	for i, q := range c.Queues {
		path := fmt.Sprintf("queues[%d]", i)
		name := strings.TrimSpace(q.Name)
		if name == "" {
			add(fmt.Errorf("%s.name: required", path))
		} else {
			path = "queues." + name
			if seen[name] {
				add(fmt.Errorf("%s: duplicate queue name", path))
			}
			seen[name] = true
		}
		if q.Concurrency <= 0 {
			add(fmt.Errorf("%s.concurrency: must be > 0", path))
		}
		if strings.TrimSpace(q.Timeout) == "" {
			add(fmt.Errorf("%s.timeout: required", path))
		} else if d, err := ParseDurationField(path+".timeout", q.Timeout); err != nil {
			add(err)
		} else if d <= 0 {
			add(fmt.Errorf("%s.timeout: must be > 0", path))
		}
		if q.MaxAttempts < 1 {
			add(fmt.Errorf("%s.max_attempts: must be >= 1", path))
		}
		if len(q.Handlers) == 0 {
			add(fmt.Errorf("%s.handlers: at least one handler is required", path))
		}
		dur(path+".retry_base", q.RetryBase)
		dur(path+".retry_max_delay", q.RetryMaxDelay)
		if q.RetryJitter != nil && (*q.RetryJitter < 0 || *q.RetryJitter > 1) {
			add(fmt.Errorf("%s.retry_jitter: must be within [0,1]", path))
		}
	}

	s := c.Scheduler
	if tz := strings.TrimSpace(s.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err))
		}
	}
	dur("scheduler.tick", s.Tick)
	dur("scheduler.startup_jitter", s.StartupJitter)
	dur("scheduler.enqueue_retry_delay", s.EnqueueRetryDelay)
	if tol := dur("scheduler.tolerance", s.Tolerance); tol >= MaxTolerance {
		add(fmt.Errorf("scheduler.tolerance: must be < %s", MaxTolerance))
	}
	if s.EnqueueRetries < 0 {
		add(fmt.Errorf("scheduler.enqueue_retries: must be >= 0"))
	}
	ids := map[string]bool{}
	for i, e := range s.Schedules {
		path := fmt.Sprintf("scheduler.schedules[%d]", i)
		if strings.TrimSpace(e.ID) == "" {
			add(fmt.Errorf("%s.id: required", path))
		} else {
			path = "scheduler.schedules." + e.ID
			if ids[e.ID] {
				add(fmt.Errorf("%s: duplicate schedule id", path))
			}
			ids[e.ID] = true
		}
		if strings.TrimSpace(e.Schedule) == "" {
			add(fmt.Errorf("%s.schedule: required", path))
		}
		if strings.TrimSpace(e.Handler) == "" {
			add(fmt.Errorf("%s.handler: required", path))
		}
		q, ok := c.Queue(e.Queue)
		if !ok {
			add(fmt.Errorf("%s.queue: unknown queue %q", path, e.Queue))
			continue
		}
		if e.Handler != "" && !slices.Contains(q.Handlers, e.Handler) {
			add(fmt.Errorf("%s.handler: %q is not bound on queue %s", path, e.Handler, q.Name))
		}
		if tz := strings.TrimSpace(e.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				add(fmt.Errorf("%s.timezone: invalid %q: %w", path, tz, err))
			}
		}
	}

	dur("health.probe_timeout", c.Health.ProbeTimeout)
	dur("health.budget", c.Health.Budget)
	dur("handlers.temp_max_age", c.Handlers.TempMaxAge)
	dur("diag.read_timeout", c.Diag.ReadTimeout)
	dur("diag.write_timeout", c.Diag.WriteTimeout)
	dur("diag.idle_timeout", c.Diag.IdleTimeout)

	return errors.Join(errs...)
}
