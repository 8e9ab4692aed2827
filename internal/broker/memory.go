package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type memState int

const (
	stateReady memState = iota
	stateInFlight
	stateFailed
	stateDone
)

func (s memState) public() State {
	switch s {
	case stateInFlight:
		return StateInFlight
	case stateFailed:
		return StateFailed
	case stateDone:
		return StateDone
	default:
		return StateReady
	}
}

type memRecord struct {
	job     Job
	state   memState
	readyAt time.Time
	seq     uint64
	reason  string
	result  []byte
	doneAt  time.Time
}

// memSweepEvery bounds how often finished records are pruned.
const memSweepEvery = time.Minute

// Memory is an in-process broker. It honours the same contract as the redis
// driver except durability and leases. Finished records are kept for the
// same windows the redis driver uses and pruned afterwards.
type Memory struct {
	mu        sync.Mutex
	jobs      map[string]*memRecord
	ready     map[string][]*memRecord // per queue, unordered
	failed    map[string][]*memRecord // per queue, oldest first
	seq       uint64
	wake      chan struct{}
	closed    bool
	nextSweep time.Time

	keepResult time.Duration
	failedTTL  time.Duration
	failedKeep int

	down atomic.Bool
	now  func() time.Time
}

type MemoryOption func(*Memory)

// WithRetention sets how long acked records (keep) and failed records (ttl)
// are kept, and how many failed records each queue keeps at most. A zero
// keep drops acked records at once.
func WithRetention(keep, ttl time.Duration, failedKeep int) MemoryOption {
	return func(m *Memory) {
		m.keepResult = max(keep, 0)
		if ttl > 0 {
			m.failedTTL = ttl
		}
		if failedKeep > 0 {
			m.failedKeep = failedKeep
		}
	}
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		jobs:       map[string]*memRecord{},
		ready:      map[string][]*memRecord{},
		failed:     map[string][]*memRecord{},
		wake:       make(chan struct{}),
		keepResult: DefaultKeepResult,
		failedTTL:  7 * 24 * time.Hour,
		failedKeep: 1000,
		now:        time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// sweep drops finished records past their window. Caller holds mu.
func (m *Memory) sweep(now time.Time) {
	if now.Before(m.nextSweep) {
		return
	}
	m.nextSweep = now.Add(min(memSweepEvery, max(m.keepResult, time.Second)))
	for id, r := range m.jobs {
		if r.state == stateDone && !now.Before(r.doneAt.Add(m.keepResult)) {
			delete(m.jobs, id)
		}
	}
	for q, list := range m.failed {
		cut := 0
		for cut < len(list) && !now.Before(list[cut].doneAt.Add(m.failedTTL)) {
			delete(m.jobs, list[cut].job.ID)
			cut++
		}
		if cut == len(list) {
			delete(m.failed, q)
		} else if cut > 0 {
			m.failed[q] = append([]*memRecord(nil), list[cut:]...)
		}
	}
}

// SetDown simulates an unreachable broker: every call fails with ErrBrokerUnavailable.
func (m *Memory) SetDown(down bool) { m.down.Store(down) }

func (m *Memory) check() error {
	if m.down.Load() {
		return ErrBrokerUnavailable
	}
	return nil
}

// broadcast wakes every blocked Dequeue. Caller holds mu.
func (m *Memory) broadcast() {
	close(m.wake)
	m.wake = make(chan struct{})
}

func (m *Memory) Enqueue(ctx context.Context, queue, handler string, payload []byte, opts ...EnqueueOption) (string, error) {
	if err := m.check(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	o := buildOptions(opts)
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweep(now)

	id := o.id
	if id == "" {
		id = uuid.NewString()
	}
	if _, ok := m.jobs[id]; ok {
		return id, ErrDuplicateJob
	}
	readyAt := now
	if o.notBefore.After(now) {
		readyAt = o.notBefore
	}
	m.seq++
	rec := &memRecord{
		job: Job{
			ID:          id,
			Queue:       queue,
			Handler:     handler,
			Payload:     append([]byte(nil), payload...),
			EnqueuedAt:  now,
			MaxAttempts: o.maxAttempts,
			Timeout:     o.timeout,
			NotBefore:   o.notBefore,
		},
		readyAt: readyAt,
		seq:     m.seq,
	}
	m.jobs[id] = rec
	m.ready[queue] = append(m.ready[queue], rec)
	m.broadcast()
	return id, nil
}

// pop removes the oldest visible job of queue. Caller holds mu.
// The second result is the earliest future ready time, if any.
func (m *Memory) pop(queue string, now time.Time) (*memRecord, time.Time) {
	list := m.ready[queue]
	best := -1
	var next time.Time
	for i, r := range list {
		if r.readyAt.After(now) {
			if next.IsZero() || r.readyAt.Before(next) {
				next = r.readyAt
			}
			continue
		}
		if best < 0 || r.seq < list[best].seq {
			best = i
		}
	}
	if best < 0 {
		return nil, next
	}
	rec := list[best]
	m.ready[queue] = append(list[:best], list[best+1:]...)
	return rec, next
}

func (m *Memory) Dequeue(ctx context.Context, queue string, wait time.Duration) (*Job, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	for {
		m.mu.Lock()
		now := m.now()
		rec, next := m.pop(queue, now)
		if rec != nil {
			rec.state = stateInFlight
			rec.job.Attempts++
			job := rec.job
			job.Payload = append([]byte(nil), rec.job.Payload...)
			m.mu.Unlock()
			return &job, nil
		}
		wake := m.wake
		m.mu.Unlock()

		var delayed <-chan time.Time
		var t *time.Timer
		if !next.IsZero() {
			t = time.NewTimer(next.Sub(now))
			delayed = t.C
		}
		select {
		case <-ctx.Done():
			stopTimer(t)
			return nil, ctx.Err()
		case <-deadline.C:
			stopTimer(t)
			return nil, nil
		case <-wake:
		case <-delayed:
		}
		stopTimer(t)
		if err := m.check(); err != nil {
			return nil, err
		}
	}
}

// inFlight returns the record if id is currently dequeued. Caller holds mu.
func (m *Memory) inFlight(id string) *memRecord {
	rec, ok := m.jobs[id]
	if !ok || rec.state != stateInFlight {
		return nil
	}
	return rec
}

func (m *Memory) Ack(ctx context.Context, id string) error {
	return m.AckResult(ctx, id, nil)
}

func (m *Memory) AckResult(ctx context.Context, id string, result []byte) error {
	if err := m.check(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if rec := m.inFlight(id); rec != nil {
		if m.keepResult <= 0 {
			delete(m.jobs, id)
		} else {
			rec.state = stateDone
			rec.doneAt = now
			rec.result = append([]byte(nil), result...)
			rec.job.Payload = nil
		}
	}
	m.sweep(now)
	return nil
}

func (m *Memory) Requeue(ctx context.Context, id string, delay time.Duration) error {
	return m.putBack(id, delay, false)
}

func (m *Memory) Release(ctx context.Context, id string) error {
	return m.putBack(id, 0, true)
}

func (m *Memory) putBack(id string, delay time.Duration, refund bool) error {
	if err := m.check(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.inFlight(id)
	if rec == nil {
		return nil
	}
	rec.state = stateReady
	rec.readyAt = m.now().Add(max(delay, 0))
	if refund && rec.job.Attempts > 0 {
		rec.job.Attempts--
	} else {
		// Retries go to the back of the line.
		m.seq++
		rec.seq = m.seq
	}
	m.ready[rec.job.Queue] = append(m.ready[rec.job.Queue], rec)
	m.broadcast()
	return nil
}

func (m *Memory) Fail(ctx context.Context, id string, reason string) error {
	if err := m.check(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.inFlight(id)
	if rec == nil {
		return nil
	}
	now := m.now()
	rec.state = stateFailed
	rec.reason = reason
	rec.doneAt = now
	list := append(m.failed[rec.job.Queue], rec)
	if over := len(list) - m.failedKeep; over > 0 {
		for _, old := range list[:over] {
			delete(m.jobs, old.job.ID)
		}
		list = append([]*memRecord(nil), list[over:]...)
	}
	m.failed[rec.job.Queue] = list
	m.sweep(now)
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	if err := m.check(); err != nil {
		return err
	}
	return ctx.Err()
}

func (m *Memory) Depth(ctx context.Context, queue string) (int64, error) {
	if err := m.check(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.ready[queue])), nil
}

// Failed lists dead jobs, newest first.
func (m *Memory) Failed(ctx context.Context, queue string, limit int) ([]FailedJob, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.failed[queue]
	out := make([]FailedJob, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		r := list[i]
		out = append(out, FailedJob{Job: r.job, Reason: r.reason, FailedAt: r.doneAt})
	}
	return out, nil
}

func (m *Memory) Get(ctx context.Context, id string) (*Status, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	st := &Status{Job: rec.job, State: rec.state.public(), Reason: rec.reason, FinishedAt: rec.doneAt}
	st.Payload = append([]byte(nil), rec.job.Payload...)
	if len(rec.result) > 0 {
		st.Result = append([]byte(nil), rec.result...)
	}
	return st, nil
}

// Lookup returns a copy of a job in any state, plus whether it was found.
func (m *Memory) Lookup(id string) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[id]
	if !ok {
		return Job{}, false
	}
	return rec.job, true
}

// Counts reports how many jobs are in each state.
func (m *Memory) Counts() (ready, inFlight, failed, done int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.jobs {
		switch r.state {
		case stateReady:
			ready++
		case stateInFlight:
			inFlight++
		case stateFailed:
			failed++
		case stateDone:
			done++
		}
	}
	return
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.broadcast()
	}
	return nil
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
