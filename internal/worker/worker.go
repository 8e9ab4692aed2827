package worker

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"sector7g/internal/broker"
	"sector7g/internal/eventbus"
	"sector7g/internal/queue"
	logx "sector7g/pkg/logx"
)

// Worker consumes one queue.
type Worker struct {
	pool *queue.Pool
	brk  broker.Broker
	cfg  Config
	log  logx.Logger
	bus  eventbus.Bus

	slots   chan struct{}
	running atomic.Bool

	rngMu sync.Mutex
	rng   *rand.Rand

	mu        sync.Mutex
	inflight  map[string]struct{}
	settled   *settledSet
	history   []HistoryItem
	lastErr   string
	lastErrAt time.Time

	dispatched atomic.Uint64
	succeeded  atomic.Uint64
	retried    atomic.Uint64
	failed     atomic.Uint64
	released   atomic.Uint64
	duplicates atomic.Uint64
}

func New(pool *queue.Pool, brk broker.Broker, cfg Config, log logx.Logger, bus eventbus.Bus) *Worker {
	cfg = cfg.withDefaults()
	seed := cfg.Seed
	if seed == 0 {
		h := fnv.New64a()
		_, _ = h.Write([]byte(pool.Name()))
		seed = time.Now().UnixNano() ^ int64(h.Sum64())
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Worker{
		pool:     pool,
		brk:      brk,
		cfg:      cfg,
		log:      log.With(logx.String("comp", "worker"), logx.String("queue", pool.Name())),
		bus:      bus,
		slots:    make(chan struct{}, max(pool.Config().Concurrency, 1)),
		rng:      rand.New(rand.NewSource(seed)),
		inflight: map[string]struct{}{},
		settled:  newSettledSet(4096),
	}
}

func (w *Worker) Queue() string { return w.pool.Name() }

// Run consumes until ctx is cancelled, then drains: in-flight jobs get
// ShutdownGrace to finish, the rest are cancelled and released back to the
// broker. Run returns once every dispatch has settled.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.pool.Validate(); err != nil {
		return err
	}
	if !w.running.CompareAndSwap(false, true) {
		return fmt.Errorf("worker %s: already running", w.pool.Name())
	}
	defer w.running.Store(false)
	w.pool.Freeze()

	// Handlers outlive the shutdown signal by up to ShutdownGrace.
	hardCtx, hardCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer hardCancel()

	cfg := w.pool.Config()
	w.log.Info("worker started",
		logx.Int("concurrency", cfg.Concurrency),
		logx.Duration("timeout", cfg.Timeout),
		logx.Int("max_attempts", cfg.Retry.MaxAttempts),
		logx.Any("handlers", w.pool.Handlers()),
	)

	var g dispatchGroup
	w.consume(ctx, hardCtx, &g)
	w.drain(hardCancel, &g)
	return nil
}

// dispatchGroup tracks deliveries until they settle and handler goroutines
// until they return. A timed-out handler settles first but keeps its slot.
type dispatchGroup struct {
	settling sync.WaitGroup
	handlers sync.WaitGroup
}

func (w *Worker) consume(ctx, hardCtx context.Context, g *dispatchGroup) {
	name := w.pool.Name()
	backoff := time.Duration(0)
	for {
		// A slot is taken before dequeueing so a saturated pool stops pulling.
		select {
		case w.slots <- struct{}{}:
		case <-ctx.Done():
			return
		}

		job, err := w.brk.Dequeue(ctx, name, w.cfg.WaitTimeout)
		if err != nil {
			<-w.slots
			if ctx.Err() != nil {
				return
			}
			backoff = min(max(backoff*2, 100*time.Millisecond), 5*time.Second)
			w.noteErr(fmt.Errorf("dequeue: %w", err))
			w.log.Warn("dequeue failed", logx.Err(err), logx.Duration("backoff", backoff))
			if !sleepCtx(ctx, backoff) {
				return
			}
			continue
		}
		backoff = 0
		if job == nil {
			<-w.slots
			continue
		}

		if !w.track(job.ID) {
			// The broker redelivered a job we are still running (lease expiry).
			<-w.slots
			w.duplicates.Add(1)
			w.log.Warn("duplicate delivery ignored", logx.String("job_id", job.ID), logx.Int("attempt", job.Attempts))
			eventbus.PublishJob(w.bus, eventbus.JobEvent{JobID: job.ID, Queue: name, Handler: job.Handler, Outcome: eventbus.JobDuplicate, Attempt: job.Attempts})
			continue
		}

		g.settling.Add(1)
		g.handlers.Add(1)
		go func(job *broker.Job) {
			defer g.handlers.Done()
			running := w.dispatch(hardCtx, job)
			w.untrack(job.ID)
			g.settling.Done()
			if running != nil {
				w.awaitHandler(job, running)
			}
			<-w.slots
		}(job)
	}
}

func (w *Worker) drain(hardCancel context.CancelFunc, g *dispatchGroup) {
	settled := waitChan(&g.settling)
	n := w.InFlight()
	if n > 0 {
		w.log.Info("worker draining", logx.Int("in_flight", n), logx.Duration("grace", w.cfg.ShutdownGrace))
	}
	t := time.NewTimer(w.cfg.ShutdownGrace)
	defer t.Stop()
	select {
	case <-settled:
	case <-t.C:
		w.log.Warn("shutdown grace expired, cancelling in-flight jobs", logx.Int("in_flight", w.InFlight()))
		hardCancel()
		<-settled
	}

	// Every delivery is settled. Handlers that ignore cancellation get
	// CancelGrace more; after that they are left behind.
	returned := waitChan(&g.handlers)
	t.Reset(w.cfg.CancelGrace)
	select {
	case <-returned:
	case <-t.C:
		w.log.Warn("handlers still running after stop", logx.Int("busy", len(w.slots)))
	}
	w.log.Info("worker stopped")
}

func waitChan(wg *sync.WaitGroup) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		wg.Wait()
		close(ch)
	}()
	return ch
}

// awaitHandler holds the caller's slot until a cancelled handler returns.
func (w *Worker) awaitHandler(job *broker.Job, running <-chan error) {
	t := time.NewTimer(w.cfg.CancelGrace)
	defer t.Stop()
	select {
	case <-running:
		return
	case <-t.C:
	}
	w.log.Warn("handler ignored cancellation; slot held until it returns",
		logx.String("job_id", job.ID), logx.String("handler", job.Handler))
	<-running
	w.log.Debug("cancelled handler returned", logx.String("job_id", job.ID))
}

func (w *Worker) track(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.inflight[id]; ok {
		return false
	}
	w.inflight[id] = struct{}{}
	return true
}

func (w *Worker) untrack(id string) {
	w.mu.Lock()
	delete(w.inflight, id)
	w.mu.Unlock()
}

// dispatch runs one delivery to a terminal transition. When the job timed
// out or was cancelled before its handler returned, the handler's result
// channel is returned so the caller can keep the slot until it finishes.
func (w *Worker) dispatch(hardCtx context.Context, job *broker.Job) <-chan error {
	w.dispatched.Add(1)
	cfg := w.pool.Config()
	start := time.Now()
	queueDelay := time.Duration(0)
	if !job.EnqueuedAt.IsZero() {
		ready := job.EnqueuedAt
		if job.NotBefore.After(ready) {
			ready = job.NotBefore
		}
		queueDelay = max(start.Sub(ready), 0)
	}

	maxAttempts := cfg.Retry.MaxAttempts
	if job.MaxAttempts > 0 && job.MaxAttempts < maxAttempts {
		maxAttempts = job.MaxAttempts
	}
	timeout := cfg.Timeout
	if job.Timeout > 0 {
		timeout = job.Timeout
	}

	res := result{job: job, start: start, queueDelay: queueDelay, maxAttempts: maxAttempts}

	// A lease can expire while the job sits in a dead worker, which charges
	// an attempt without running it. Never run past the limit.
	if job.Attempts > maxAttempts {
		res.err = queue.Fatal(fmt.Errorf("attempts exhausted (%d/%d)", job.Attempts, maxAttempts))
		w.settle(hardCtx, res)
		return nil
	}

	h, ok := w.pool.Lookup(job.Handler)
	if !ok {
		res.err = queue.Fatal(fmt.Errorf("unknown handler %q", job.Handler))
		w.settle(hardCtx, res)
		return nil
	}

	w.log.Debug("job.dispatched", logx.String("job_id", job.ID), logx.String("handler", job.Handler), logx.Int("attempt", job.Attempts), logx.Duration("queue_delay", queueDelay))

	runCtx, cancel := context.WithTimeout(hardCtx, timeout)
	runCtx, readResult := queue.WithResult(runCtx)
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				w.log.Error("job.panic", logx.String("job_id", job.ID), logx.String("handler", job.Handler), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- h(runCtx, job)
	}()

	var running <-chan error
	select {
	case res.err = <-done:
		switch {
		case res.err == nil:
			res.output = readResult()
		case hardCtx.Err() != nil && errors.Is(res.err, context.Canceled):
			res.released = true
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			// The handler noticed the deadline before we did.
			res.timedOut = true
			res.err = fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
	case <-runCtx.Done():
		if hardCtx.Err() != nil {
			res.released = true
		} else {
			res.timedOut = true
			res.err = fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		running = done
	}
	cancel()
	res.dur = time.Since(start)
	w.settle(hardCtx, res)
	return running
}

type result struct {
	job         *broker.Job
	start       time.Time
	dur         time.Duration
	queueDelay  time.Duration
	maxAttempts int
	err         error
	output      []byte
	timedOut    bool
	released    bool
}

// settle performs exactly one broker transition per delivery.
func (w *Worker) settle(hardCtx context.Context, res result) {
	job := res.job
	key := job.ID + "#" + strconv.Itoa(job.Attempts)
	w.mu.Lock()
	fresh := w.settled.add(key)
	w.mu.Unlock()
	if !fresh {
		w.log.Debug("settle skipped, already settled", logx.String("job_id", job.ID))
		return
	}

	ev := eventbus.JobEvent{
		JobID:       job.ID,
		Queue:       w.pool.Name(),
		Handler:     job.Handler,
		Attempt:     job.Attempts,
		MaxAttempts: res.maxAttempts,
		Latency:     res.dur,
		QueueDelay:  res.queueDelay,
		TimedOut:    res.timedOut,
	}
	fields := []logx.Field{
		logx.String("job_id", job.ID),
		logx.String("handler", job.Handler),
		logx.Int("attempt", job.Attempts),
		logx.Int("max_attempts", res.maxAttempts),
		logx.Duration("dur", res.dur),
	}

	if res.err != nil && !res.timedOut && !res.released && !queue.IsFatal(res.err) {
		res.err = &queue.HandlerFault{Handler: job.Handler, Err: res.err}
	}

	var outcome Outcome
	var op func(ctx context.Context) error
	switch {
	case res.released:
		outcome = Released
		op = func(ctx context.Context) error { return w.brk.Release(ctx, job.ID) }
		w.released.Add(1)
		w.log.Info("job.released", fields...)

	case res.err == nil:
		outcome = Succeeded
		op = func(ctx context.Context) error {
			if ra, ok := w.brk.(broker.ResultAcker); ok && res.output != nil {
				return ra.AckResult(ctx, job.ID, res.output)
			}
			return w.brk.Ack(ctx, job.ID)
		}
		w.succeeded.Add(1)
		if res.dur >= 750*time.Millisecond {
			w.log.Info("job.succeeded", fields...)
		} else {
			w.log.Debug("job.succeeded", fields...)
		}

	case queue.IsFatal(res.err) || job.Attempts >= res.maxAttempts:
		outcome = Failed
		reason := res.err.Error()
		op = func(ctx context.Context) error { return w.brk.Fail(ctx, job.ID, reason) }
		w.failed.Add(1)
		w.noteErr(fmt.Errorf("job %s failed: %w", job.ID, res.err))
		w.log.Error("job.failed", append(fields, logx.Err(res.err), logx.Bool("fatal", queue.IsFatal(res.err)))...)

	default:
		outcome = RetryScheduled
		w.rngMu.Lock()
		delay := w.pool.Config().Retry.DelayWithHint(job.Attempts, res.err, w.rng)
		w.rngMu.Unlock()
		ev.RetryIn = delay
		op = func(ctx context.Context) error { return w.brk.Requeue(ctx, job.ID, delay) }
		w.retried.Add(1)
		w.log.Warn("job.retry_scheduled", append(fields, logx.Err(res.err), logx.Duration("retry_in", delay))...)
	}

	if res.err != nil {
		ev.Error = res.err.Error()
	}
	ev.Outcome = string(outcome)

	if err := w.brokerOp(hardCtx, op); err != nil {
		// The lease will lapse and the broker redelivers; nothing is lost.
		w.noteErr(fmt.Errorf("settle %s: %w", outcome, err))
		w.log.Error("job settle failed", append(fields, logx.String("outcome", string(outcome)), logx.Err(err))...)
	}

	eventbus.PublishJob(w.bus, ev)
	w.record(HistoryItem{
		JobID:      job.ID,
		Handler:    job.Handler,
		Attempt:    job.Attempts,
		Outcome:    outcome,
		Started:    res.start,
		Duration:   res.dur,
		QueueDelay: res.queueDelay,
		Error:      ev.Error,
	})
}

// brokerOp retries transient broker failures a few times. Cancellation of
// hardCtx is ignored; a released job must still reach the broker.
func (w *Worker) brokerOp(hardCtx context.Context, op func(ctx context.Context) error) error {
	base := context.WithoutCancel(hardCtx)
	var err error
	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(base, w.cfg.SettleTimeout)
		err = op(ctx)
		cancel()
		if err == nil || !errors.Is(err, broker.ErrBrokerUnavailable) {
			return err
		}
		time.Sleep(time.Duration(100*(i+1)) * time.Millisecond)
	}
	return err
}

func (w *Worker) record(it HistoryItem) {
	w.mu.Lock()
	w.history = append(w.history, it)
	if len(w.history) > w.cfg.HistorySize {
		w.history = w.history[len(w.history)-w.cfg.HistorySize:]
	}
	w.mu.Unlock()
}

func (w *Worker) noteErr(err error) {
	w.mu.Lock()
	w.lastErr = err.Error()
	w.lastErrAt = time.Now()
	w.mu.Unlock()
}

func (w *Worker) InFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.inflight)
}

func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{
		Queue:       w.pool.Name(),
		Concurrency: w.pool.Config().Concurrency,
		InFlight:    len(w.inflight),
		Busy:        len(w.slots),
		Dispatched:  w.dispatched.Load(),
		Succeeded:   w.succeeded.Load(),
		Retried:     w.retried.Load(),
		Failed:      w.failed.Load(),
		Released:    w.released.Load(),
		Duplicates:  w.duplicates.Load(),
		LastError:   w.lastErr,
		LastErrorAt: w.lastErrAt,
	}
}

func (w *Worker) Snapshot() Snapshot {
	st := w.Stats()
	w.mu.Lock()
	h := append([]HistoryItem(nil), w.history...)
	w.mu.Unlock()
	return Snapshot{Stats: st, History: h}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
