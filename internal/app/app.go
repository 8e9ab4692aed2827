package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"sector7g/internal/broker"
	"sector7g/internal/config"
	"sector7g/internal/eventbus"
	"sector7g/internal/handlers"
	"sector7g/internal/health"
	"sector7g/internal/observability/diag"
	"sector7g/internal/observability/metrics"
	"sector7g/internal/queue"
	"sector7g/internal/runtime/supervisor"
	"sector7g/internal/schedule"
	"sector7g/internal/scheduler"
	"sector7g/internal/storage"
	"sector7g/internal/worker"
	logx "sector7g/pkg/logx"
	"sector7g/pkg/systemd"
)

const (
	healthPollInterval = 15 * time.Second
	eventLogPerSecond  = 20
)

// Options selects which roles this process runs.
type Options struct {
	ConfigPath string
	Overrides  config.Overrides

	Workers bool
	// Queues limits the worker loops to these queues. Empty runs all.
	Queues []string
	// Scheduler runs the scheduler loop when scheduler.enabled is set.
	Scheduler bool
	// RequireScheduler turns a disabled scheduler into a startup error.
	RequireScheduler bool
}

type App struct {
	opts Options
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	root logx.Logger
	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus

	brk   broker.Broker
	store schedule.Store

	pools   []*queue.Pool
	order   []string
	workers map[string]*worker.Worker
	sched   *scheduler.Service

	monMu   sync.RWMutex
	monitor *health.Monitor
	healthy bool

	metrics *metrics.Collector
	diag    *diag.Service
	sd      *systemd.Notifier
}

// New loads configuration and builds every component without starting
// any goroutine. Resources opened before a failure are closed.
func New(ctx context.Context, opts Options) (*App, error) {
	cfgm := config.NewConfigManager(opts.ConfigPath, opts.Overrides)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogging(cfg))
	a := &App{
		opts:    opts,
		cfgm:    cfgm,
		root:    root,
		log:     root.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     eventbus.New(),
		workers: map[string]*worker.Worker{},
		metrics: metrics.New(),
		sd:      systemd.New(),
		healthy: true,
	}
	if err := a.build(ctx, cfg); err != nil {
		a.closeResources()
		logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config) error {
	bcfg, err := mapBroker(cfg)
	if err != nil {
		return err
	}
	brk, err := broker.Open(bcfg, a.root.With(logx.String("comp", "broker")))
	if err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	a.brk = brk

	deps, err := mapHandlers(cfg, brk, a.root)
	if err != nil {
		return err
	}
	pools, err := buildPools(cfg, handlers.Registry(deps))
	if err != nil {
		return err
	}
	a.pools = pools

	if a.opts.Workers {
		sel, err := selectPools(pools, a.opts.Queues)
		if err != nil {
			return err
		}
		wcfg, err := mapWorker(cfg)
		if err != nil {
			return err
		}
		for _, p := range sel {
			a.workers[p.Name()] = worker.New(p, brk, wcfg, a.root, a.bus)
			a.order = append(a.order, p.Name())
		}
	}

	if a.opts.Scheduler {
		switch {
		case cfg.Scheduler.Enabled:
			if err := a.buildScheduler(ctx, cfg); err != nil {
				return err
			}
		case a.opts.RequireScheduler:
			return errors.New("scheduler.enabled is false")
		default:
			a.log.Info("scheduler disabled by config")
		}
	}

	hcfg, err := mapHealth(cfg)
	if err != nil {
		return err
	}
	a.monitor = health.New(brk, hcfg, a.root)

	dcfg, err := mapDiag(cfg)
	if err != nil {
		return err
	}
	a.diag = diag.New(dcfg, a.metrics.Handler(), a.ready, a.root)
	a.diag.SetState(func() any { return a.State() })
	return nil
}

func (a *App) buildScheduler(ctx context.Context, cfg *config.Config) error {
	scfg, sopts, loc, err := mapScheduler(cfg)
	if err != nil {
		return err
	}
	stc, err := mapStorage(cfg)
	if err != nil {
		return err
	}
	store, err := storage.Open(ctx, stc, sopts, a.root.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	a.store = store
	a.sched = scheduler.New(store, a.brk, scfg, loc, a.root, a.bus)
	return nil
}

// Done is closed when the app supervisor context is cancelled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Workers returns the running worker loops in configuration order.
func (a *App) Workers() []*worker.Worker {
	out := make([]*worker.Worker, 0, len(a.order))
	for _, name := range a.order {
		out = append(out, a.workers[name])
	}
	return out
}

// Health probes every configured queue. Queues without a local worker are
// still probed for reachability and depth.
func (a *App) Health(ctx context.Context) health.Report {
	infos := make([]health.PoolInfo, 0, len(a.pools))
	for _, p := range a.pools {
		pi := health.PoolInfo{Pool: p}
		if w, ok := a.workers[p.Name()]; ok {
			pi.Worker = w
		}
		infos = append(infos, pi)
	}
	a.monMu.RLock()
	mon := a.monitor
	a.monMu.RUnlock()

	rep := mon.Probe(ctx, infos)
	for _, q := range rep.Queues {
		a.metrics.SetQueueGauges(q.Queue, q.Depth, q.InFlight)
	}
	return rep
}

func (a *App) ready(ctx context.Context) (any, bool) {
	rep := a.Health(ctx)
	return rep, rep.Healthy()
}

// RuntimeState is the supervised loops plus each worker's counters and
// recent jobs.
type RuntimeState struct {
	Supervisor *supervisor.Snapshot       `json:"supervisor,omitempty"`
	Workers    map[string]worker.Snapshot `json:"workers"`
}

func (a *App) State() RuntimeState {
	st := RuntimeState{Workers: make(map[string]worker.Snapshot, len(a.workers))}
	if a.sup != nil {
		snap := a.sup.Snapshot()
		st.Supervisor = &snap
	}
	for _, w := range a.Workers() {
		st.Workers[w.Queue()] = w.Snapshot()
	}
	return st
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.root.With(logx.String("comp", "config")))
	cfg := a.cfgm.Get()

	a.sup.Go("metrics", func(c context.Context) error { return a.metrics.Run(c, a.bus) })
	a.sup.Go("events.log", a.logEvents)

	for _, name := range a.order {
		a.sup.GoRestart("worker."+name, a.workers[name].Run,
			supervisor.WithPublishFirstError(true),
			supervisor.WithRestartBackoff(time.Second, 30*time.Second),
		)
	}

	if a.sched != nil {
		if err := a.sched.Sync(a.sup.Context(), mapEntries(cfg), cfg.Scheduler.ForceUpdate); err != nil {
			return fmt.Errorf("scheduler sync: %w", err)
		}
		a.sup.GoRestart("scheduler", a.sched.Run,
			supervisor.WithPublishFirstError(true),
			supervisor.WithRestartBackoff(time.Second, 30*time.Second),
		)
	}

	a.diag.Start(a.sup.Context())
	a.sup.Go("health.poll", a.pollHealth)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return a.sd.Watchdog(c, func() bool { return a.sup.Err() == nil })
	})

	_, _ = a.sd.Ready()
	_, _ = a.sd.Status("workers=%d scheduler=%t", len(a.order), a.sched != nil)
	a.log.Info("app started",
		logx.Any("queues", a.order),
		logx.Bool("scheduler", a.sched != nil),
		logx.String("config", a.cfgm.Path()),
	)
	return nil
}

func (a *App) logEvents(ctx context.Context) error {
	events, unsub := a.bus.Subscribe(256)
	defer unsub()
	lim := rate.NewLimiter(rate.Limit(eventLogPerSecond), eventLogPerSecond*2)
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			// Debug only: workers and the scheduler log their own failures.
			if !lim.Allow() {
				continue
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
		}
	}
}

func (a *App) pollHealth(ctx context.Context) error {
	t := time.NewTicker(healthPollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		rep := a.Health(ctx)
		ok := rep.Healthy()
		a.monMu.Lock()
		prev := a.healthy
		a.healthy = ok
		a.monMu.Unlock()
		switch {
		case prev && !ok:
			a.log.Warn("health degraded", logx.Any("queues", unhealthyQueues(rep)), logx.Bool("partial", rep.Partial))
		case !prev && ok:
			a.log.Info("health recovered")
		}
	}
}

func unhealthyQueues(rep health.Report) []string {
	var out []string
	for _, q := range rep.Queues {
		if !q.Reachable || q.ConfigError != "" {
			out = append(out, q.Queue)
		}
	}
	return out
}

// reloadLoop applies live-reloadable sections and warns about the rest.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		var newCfg *config.Config
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub:
			if !ok {
				return
			}
			newCfg = c
		}
		// Coalesce bursts: keep only the latest config.
	drain:
		for {
			select {
			case newer := <-sub:
				if newer != nil {
					newCfg = newer
				}
			default:
				break drain
			}
		}
		a.applyConfig(ctx, lastApplied, newCfg)
		lastApplied = newCfg
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	_, _ = a.sd.Reloading()
	defer func() { _, _ = a.sd.Ready() }()

	var restart []string
	for _, s := range sections {
		if config.RestartRequired[s] {
			restart = append(restart, s)
		}
	}
	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for these sections", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogging(next))

	if hcfg, err := mapHealth(next); err != nil {
		a.log.Warn("invalid health config; keeping previous", logx.Err(err))
	} else {
		a.monMu.Lock()
		a.monitor = health.New(a.brk, hcfg, a.root)
		a.monMu.Unlock()
	}

	if dcfg, err := mapDiag(next); err != nil {
		a.log.Warn("invalid diag config; keeping previous", logx.Err(err))
	} else {
		a.diag.Reconfigure(ctx, dcfg)
	}

	if a.sched != nil && slices.Contains(sections, "schedules") {
		if err := a.sched.Sync(ctx, mapEntries(next), next.Scheduler.ForceUpdate); err != nil {
			a.log.Warn("schedule sync failed", logx.Err(err))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop cancels every loop, waits for in-flight jobs up to the worker
// shutdown grace, and closes the broker and store.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		a.logs.Close()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = a.sd.Stopping()

	a.sup.Cancel()

	wait := 5 * time.Second
	if wcfg, err := mapWorker(a.cfgm.Get()); err == nil && wcfg.ShutdownGrace > 0 {
		wait += wcfg.ShutdownGrace
	} else {
		wait += 30 * time.Second
	}

	a.step(ctx, "diag", time.Second, func(c context.Context) error { a.diag.Stop(c); return nil })
	a.step(ctx, "supervisor", wait, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "resources", 2*time.Second, func(context.Context) error { return a.closeResources() })

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}

// step runs fn with an upper bound so one component cannot stall the whole
// stop. The caller's deadline is never extended.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < limit {
			limit = rem
		}
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
	}
}

func (a *App) closeResources() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
		a.store = nil
	}
	if a.brk != nil {
		errs = append(errs, a.brk.Close())
		a.brk = nil
	}
	return errors.Join(errs...)
}
