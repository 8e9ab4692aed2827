package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"sector7g/internal/broker"
	"sector7g/internal/config"
	"sector7g/internal/handlers"
	"sector7g/internal/health"
	"sector7g/internal/observability/diag"
	"sector7g/internal/queue"
	"sector7g/internal/schedule"
	"sector7g/internal/scheduler"
	"sector7g/internal/storage"
	"sector7g/internal/worker"
	logx "sector7g/pkg/logx"
)

// Config values are validated by config.Validate before they get here; the
// mappers still return parse errors so a bad hot-reload never panics.

func mapLogging(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Format:  lc.Format,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Limit: logx.LimitConfig{
			Enabled:   lc.Limit.Enabled,
			PerSecond: int(lc.Limit.PerSecond),
			Burst:     lc.Limit.Burst,
			MaxLevel:  lc.Limit.MaxLevel,
		},
	}
}

func mapBroker(cfg *config.Config) (broker.Config, error) {
	rc := cfg.Broker.Redis
	out := broker.Config{
		Driver: cfg.Broker.Driver,
		Redis: broker.RedisConfig{
			URL:        rc.URL,
			KeyPrefix:  rc.KeyPrefix,
			FailedKeep: rc.FailedKeep,
			// nil means the documented default of 5
			ConnRetries: 5,
		},
	}
	if rc.ConnRetries != nil {
		out.Redis.ConnRetries = *rc.ConnRetries
	}
	var err error
	fields := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"broker.redis.conn_timeout", rc.ConnTimeout, &out.Redis.ConnTimeout},
		{"broker.redis.conn_retry_delay", rc.ConnRetryDelay, &out.Redis.ConnRetryDelay},
		{"broker.redis.poll_interval", rc.PollInterval, &out.Redis.PollInterval},
		{"broker.redis.visibility", rc.Visibility, &out.Redis.Visibility},
		{"broker.redis.failed_ttl", rc.FailedTTL, &out.Redis.FailedTTL},
	}
	for _, f := range fields {
		if *f.dst, err = config.ParseDurationField(f.path, f.raw); err != nil {
			return broker.Config{}, err
		}
	}
	if out.Redis.KeepResult, err = config.DurationOr("broker.redis.keep_result", rc.KeepResult, broker.DefaultKeepResult); err != nil {
		return broker.Config{}, err
	}
	out.Redis.QueueTimeouts = make(map[string]time.Duration, len(cfg.Queues))
	for _, qc := range cfg.Queues {
		d, err := config.ParseDurationField("queues."+qc.Name+".timeout", qc.Timeout)
		if err != nil {
			return broker.Config{}, err
		}
		out.Redis.QueueTimeouts[qc.Name] = d
	}
	return out, nil
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	auto := true
	if sc.AutoMigrate != nil {
		auto = *sc.AutoMigrate
	}
	return storage.Config{
		Driver:      sc.Driver,
		Path:        sc.Path,
		URL:         sc.URL,
		BusyTimeout: busy,
		MaxConns:    sc.MaxConns,
		AutoMigrate: auto,
	}, nil
}

func mapWorker(cfg *config.Config) (worker.Config, error) {
	wc := cfg.Worker
	out := worker.Config{HistorySize: wc.HistorySize}
	var err error
	if out.WaitTimeout, err = config.ParseDurationField("worker.wait_timeout", wc.WaitTimeout); err != nil {
		return out, err
	}
	if out.ShutdownGrace, err = config.ParseDurationField("worker.shutdown_grace", wc.ShutdownGrace); err != nil {
		return out, err
	}
	if out.CancelGrace, err = config.ParseDurationField("worker.cancel_grace", wc.CancelGrace); err != nil {
		return out, err
	}
	if out.SettleTimeout, err = config.ParseDurationField("worker.settle_timeout", wc.SettleTimeout); err != nil {
		return out, err
	}
	return out, nil
}

func mapQueue(qc config.QueueConfig) (queue.Config, error) {
	path := "queues." + qc.Name
	timeout, err := config.ParseDurationField(path+".timeout", qc.Timeout)
	if err != nil {
		return queue.Config{}, err
	}
	base, err := config.ParseDurationField(path+".retry_base", qc.RetryBase)
	if err != nil {
		return queue.Config{}, err
	}
	maxDelay, err := config.ParseDurationField(path+".retry_max_delay", qc.RetryMaxDelay)
	if err != nil {
		return queue.Config{}, err
	}
	jitter := queue.DefaultRetryJitter
	if qc.RetryJitter != nil {
		jitter = *qc.RetryJitter
	}
	return queue.Config{
		Name:        qc.Name,
		Concurrency: qc.Concurrency,
		Timeout:     timeout,
		Retry: queue.RetryPolicy{
			MaxAttempts: qc.MaxAttempts,
			Base:        base,
			MaxDelay:    maxDelay,
			Jitter:      jitter,
		},
	}, nil
}

// buildPools creates one pool per configured queue and binds its handlers
// from reg. Any pool that fails to bind or validate aborts startup; every
// problem is reported together.
func buildPools(cfg *config.Config, reg *queue.Registry) ([]*queue.Pool, error) {
	pools := make([]*queue.Pool, 0, len(cfg.Queues))
	var errs []error
	for _, qc := range cfg.Queues {
		qcfg, err := mapQueue(qc)
		if err != nil {
			return nil, err
		}
		p := queue.NewPool(qcfg)
		if err := reg.Bind(p, qc.Handlers); err != nil {
			errs = append(errs, err)
		} else if err := p.Validate(); err != nil {
			errs = append(errs, err)
		}
		pools = append(pools, p)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return pools, nil
}

// selectPools keeps the named pools in configuration order. An empty
// selection keeps every pool.
func selectPools(pools []*queue.Pool, names []string) ([]*queue.Pool, error) {
	if len(names) == 0 {
		return pools, nil
	}
	byName := make(map[string]*queue.Pool, len(pools))
	for _, p := range pools {
		byName[p.Name()] = p
	}
	want := map[string]bool{}
	var unknown []string
	for _, n := range names {
		n = strings.TrimSpace(n)
		if _, ok := byName[n]; !ok {
			unknown = append(unknown, n)
			continue
		}
		want[n] = true
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("unknown queue(s): %s", strings.Join(unknown, ", "))
	}
	out := make([]*queue.Pool, 0, len(want))
	for _, p := range pools {
		if want[p.Name()] {
			out = append(out, p)
		}
	}
	return out, nil
}

func mapScheduler(cfg *config.Config) (scheduler.Config, schedule.Options, *time.Location, error) {
	sc := cfg.Scheduler
	tz := strings.TrimSpace(sc.Timezone)
	if tz == "" {
		tz = config.DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return scheduler.Config{}, schedule.Options{}, nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	out := scheduler.Config{EnqueueRetries: sc.EnqueueRetries}
	if out.Tick, err = config.ParseDurationField("scheduler.tick", sc.Tick); err != nil {
		return out, schedule.Options{}, nil, err
	}
	if out.StartupJitter, err = config.ParseDurationField("scheduler.startup_jitter", sc.StartupJitter); err != nil {
		return out, schedule.Options{}, nil, err
	}
	if out.EnqueueRetryDelay, err = config.ParseDurationField("scheduler.enqueue_retry_delay", sc.EnqueueRetryDelay); err != nil {
		return out, schedule.Options{}, nil, err
	}
	tol, err := config.DurationOr("scheduler.tolerance", sc.Tolerance, schedule.DefaultTolerance)
	if err != nil {
		return out, schedule.Options{}, nil, err
	}
	return out, schedule.Options{Location: loc, Tolerance: tol}, loc, nil
}

func mapEntries(cfg *config.Config) []schedule.Entry {
	out := make([]schedule.Entry, 0, len(cfg.Scheduler.Schedules))
	for _, s := range cfg.Scheduler.Schedules {
		enabled := true
		if s.Enabled != nil {
			enabled = *s.Enabled
		}
		out = append(out, schedule.Entry{
			ID:       s.ID,
			Schedule: s.Schedule,
			Timezone: s.Timezone,
			Queue:    s.Queue,
			Handler:  s.Handler,
			Payload:  s.Payload,
			Enabled:  enabled,
		})
	}
	return out
}

func mapHealth(cfg *config.Config) (health.Config, error) {
	probe, err := config.ParseDurationField("health.probe_timeout", cfg.Health.ProbeTimeout)
	if err != nil {
		return health.Config{}, err
	}
	budget, err := config.ParseDurationField("health.budget", cfg.Health.Budget)
	if err != nil {
		return health.Config{}, err
	}
	return health.Config{ProbeTimeout: probe, Budget: budget}, nil
}

func mapHandlers(cfg *config.Config, brk broker.Broker, log logx.Logger) (handlers.Deps, error) {
	age, err := config.ParseDurationField("handlers.temp_max_age", cfg.Handlers.TempMaxAge)
	if err != nil {
		return handlers.Deps{}, err
	}
	return handlers.Deps{
		Broker:      brk,
		Log:         log,
		TempDir:     cfg.Handlers.TempDir,
		TempPattern: cfg.Handlers.TempPattern,
		TempMaxAge:  age,
		SimSeed:     cfg.Handlers.SimSeed,
	}, nil
}

func mapDiag(cfg *config.Config) (diag.Config, error) {
	dc := cfg.Diag
	out := diag.Config{
		Enabled:       dc.Enabled,
		Addr:          dc.Addr,
		Token:         dc.Token,
		AllowInsecure: dc.AllowInsecure,
		Pprof:         dc.Pprof,
	}
	var err error
	if out.ReadTimeout, err = config.DurationOr("diag.read_timeout", dc.ReadTimeout, 10*time.Second); err != nil {
		return out, err
	}
	// pprof profile/trace stream for up to 30s by default
	if out.WriteTimeout, err = config.DurationOr("diag.write_timeout", dc.WriteTimeout, 60*time.Second); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.DurationOr("diag.idle_timeout", dc.IdleTimeout, 60*time.Second); err != nil {
		return out, err
	}
	return out, nil
}
