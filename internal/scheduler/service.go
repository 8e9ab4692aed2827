package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"sector7g/internal/broker"
	"sector7g/internal/eventbus"
	"sector7g/internal/schedule"
	logx "sector7g/pkg/logx"
)

// Service is the scheduler loop.
type Service struct {
	store schedule.Store
	brk   broker.Broker
	cfg   Config
	loc   *time.Location
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time

	running atomic.Bool

	ticks         atomic.Uint64
	fired         atomic.Uint64
	duplicates    atomic.Uint64
	claimsLost    atomic.Uint64
	enqueueFailed atomic.Uint64

	mu          sync.Mutex
	lastTick    time.Time
	lastErr     string
	lastEnqWarn map[string]time.Time
}

// New builds a scheduler. loc is the default timezone for cron entries and
// only affects Snapshot; due evaluation happens in the store.
func New(store schedule.Store, brk broker.Broker, cfg Config, loc *time.Location, log logx.Logger, bus eventbus.Bus) *Service {
	cfg = cfg.withDefaults()
	if cfg.Instance == "" {
		cfg.Instance = uuid.NewString()
	}
	if loc == nil {
		loc = time.UTC
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Service{
		store:       store,
		brk:         brk,
		cfg:         cfg,
		loc:         loc,
		log:         log.With(logx.String("comp", "scheduler"), logx.String("instance", cfg.Instance)),
		bus:         bus,
		now:         time.Now,
		lastEnqWarn: map[string]time.Time{},
	}
}

func (s *Service) Instance() string { return s.cfg.Instance }

// Run ticks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("scheduler already running")
	}
	defer s.running.Store(false)

	if d := startupDelay(s.cfg.StartupJitter, s.cfg.Instance); d > 0 {
		s.log.Debug("startup jitter", logx.Duration("delay", d))
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}

	s.log.Info("scheduler started", logx.Duration("tick", s.cfg.Tick), logx.String("tz", s.loc.String()))
	tk := time.NewTicker(s.cfg.Tick)
	defer tk.Stop()
	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.setErr(err)
			s.log.Warn("scheduler tick failed", logx.Err(err))
		}
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped",
				logx.Uint64("ticks", s.ticks.Load()),
				logx.Uint64("fired", s.fired.Load()),
			)
			return nil
		case <-tk.C:
		}
	}
}

// Tick handles every entry due at the current time and returns how many
// jobs this instance enqueued.
func (s *Service) Tick(ctx context.Context) (int, error) {
	now := s.now()
	s.ticks.Add(1)
	s.mu.Lock()
	s.lastTick = now
	s.mu.Unlock()

	due, err := s.store.DueEntries(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("due entries: %w", err)
	}
	n := 0
	for _, d := range due {
		if ctx.Err() != nil {
			break
		}
		if s.fire(ctx, d) {
			n++
		}
	}
	return n, nil
}

// JobID is the deterministic broker id for an occurrence.
func JobID(entryID string, occ time.Time) string {
	return "sched:" + entryID + ":" + strconv.FormatInt(occ.Unix(), 10)
}

func (s *Service) fire(ctx context.Context, d schedule.Due) bool {
	ev := eventbus.ScheduleEvent{
		EntryID:    d.ID,
		Queue:      d.Queue,
		Handler:    d.Handler,
		Occurrence: d.Occurrence,
		Instance:   s.cfg.Instance,
	}

	if err := s.store.MarkFired(ctx, d.ID, d.Occurrence); err != nil {
		if errors.Is(err, schedule.ErrDuplicateScheduleClaim) {
			s.claimsLost.Add(1)
			s.log.Debug("schedule claim lost", logx.String("schedule", d.ID), logx.Time("occurrence", d.Occurrence))
			ev.Outcome = eventbus.ScheduleClaimLost
			eventbus.PublishSchedule(s.bus, ev)
			return false
		}
		s.setErr(err)
		s.log.Warn("schedule claim failed", logx.String("schedule", d.ID), logx.Err(err))
		return false
	}

	jobID := JobID(d.ID, d.Occurrence)
	ev.JobID = jobID
	payload, err := RenderPayload(d.Payload, d.ID, d.Occurrence, s.now())
	if err == nil {
		err = s.enqueue(ctx, d, jobID, payload)
	}
	if err != nil {
		s.enqueueFailed.Add(1)
		s.reportEnqueueError(d.ID, err)
		ev.Outcome = eventbus.ScheduleEnqueueFailed
		ev.Error = err.Error()
		eventbus.PublishSchedule(s.bus, ev)
		return false
	}

	s.fired.Add(1)
	s.log.Info("schedule fired",
		logx.String("schedule", d.ID),
		logx.String("queue", d.Queue),
		logx.String("handler", d.Handler),
		logx.String("job_id", jobID),
		logx.Time("occurrence", d.Occurrence),
	)
	ev.Outcome = eventbus.ScheduleFired
	eventbus.PublishSchedule(s.bus, ev)
	return true
}

// enqueue retries while the broker is unavailable. A duplicate id means an
// earlier attempt already landed.
func (s *Service) enqueue(ctx context.Context, d schedule.Due, jobID string, payload []byte) error {
	var err error
	for attempt := 1; attempt <= s.cfg.EnqueueRetries; attempt++ {
		_, err = s.brk.Enqueue(ctx, d.Queue, d.Handler, payload, broker.WithJobID(jobID))
		switch {
		case err == nil:
			return nil
		case errors.Is(err, broker.ErrDuplicateJob):
			s.duplicates.Add(1)
			s.log.Debug("scheduled job already enqueued", logx.String("job_id", jobID))
			return nil
		case !errors.Is(err, broker.ErrBrokerUnavailable):
			return err
		}
		if attempt == s.cfg.EnqueueRetries {
			break
		}
		t := time.NewTimer(s.cfg.EnqueueRetryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(err, ctx.Err())
		case <-t.C:
		}
	}
	return err
}

func (s *Service) setErr(err error) {
	s.mu.Lock()
	s.lastErr = err.Error()
	s.mu.Unlock()
}

// Sync registers configured entries. force replaces persisted definitions
// that differ from the configuration.
func (s *Service) Sync(ctx context.Context, entries []schedule.Entry, force bool) error {
	var errs []error
	for _, e := range entries {
		res, err := s.store.Register(ctx, e, force)
		if err != nil {
			errs = append(errs, fmt.Errorf("register %s: %w", e.ID, err))
			continue
		}
		switch res {
		case schedule.Preserved:
			s.log.Info("schedule preserved (persisted definition differs; set force_update to replace)", logx.String("schedule", e.ID))
		case schedule.Unchanged:
			s.log.Debug("schedule unchanged", logx.String("schedule", e.ID))
		default:
			s.log.Info("schedule registered", logx.String("schedule", e.ID), logx.String("result", string(res)), logx.String("spec", e.Schedule))
		}
	}
	return errors.Join(errs...)
}

// Snapshot lists entries with their next occurrence.
func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	snap := Snapshot{
		Instance:  s.cfg.Instance,
		Running:   s.running.Load(),
		Timezone:  s.loc.String(),
		LastTick:  s.lastTick,
		LastError: s.lastErr,
	}
	s.mu.Unlock()
	snap.Ticks = s.ticks.Load()
	snap.Fired = s.fired.Load()
	snap.Duplicates = s.duplicates.Load()
	snap.ClaimsLost = s.claimsLost.Load()
	snap.EnqueueFailed = s.enqueueFailed.Load()

	entries, err := s.store.List(ctx)
	if err != nil {
		return snap, err
	}
	for _, e := range entries {
		info := EntryInfo{
			ID:          e.ID,
			Schedule:    e.Schedule,
			Timezone:    e.Timezone,
			Queue:       e.Queue,
			Handler:     e.Handler,
			Enabled:     e.Enabled,
			LastFiredAt: e.LastFiredAt,
		}
		if rec, err := e.Recurrence(s.loc); err != nil {
			info.Error = err.Error()
		} else if e.Enabled {
			anchor := e.CreatedAt
			if e.LastFiredAt != nil {
				anchor = *e.LastFiredAt
			}
			// A Next in the past means the entry is due on the next tick.
			info.Next = rec.Next(anchor)
		}
		snap.Entries = append(snap.Entries, info)
	}
	return snap, nil
}
