package broker

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// DefaultKeepResult is how long finished job records stay readable.
const DefaultKeepResult = time.Hour

var (
	// ErrBrokerUnavailable means the broker could not be reached after the
	// configured connection retries. Callers retry with backoff.
	ErrBrokerUnavailable = errors.New("broker unavailable")
	// ErrDuplicateJob is returned when a job id supplied via WithJobID already
	// exists. The earlier submission stands.
	ErrDuplicateJob = errors.New("duplicate job id")
	// ErrJobNotFound means the id was never enqueued or its record has
	// outlived the retention window.
	ErrJobNotFound = errors.New("job not found")
)

// State is where a job record currently sits.
type State string

const (
	StateReady    State = "ready"
	StateInFlight State = "inflight"
	StateDone     State = "done"
	StateFailed   State = "failed"
)

// Job is one unit of work as stored by the broker.
type Job struct {
	ID          string        `json:"id"`
	Queue       string        `json:"queue"`
	Handler     string        `json:"handler"`
	Payload     []byte        `json:"payload,omitempty"`
	EnqueuedAt  time.Time     `json:"enqueued_at"`
	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"max_attempts,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
	NotBefore   time.Time     `json:"not_before,omitempty"`
}

// FailedJob is a job parked in a queue's dead list.
type FailedJob struct {
	Job
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}

// Status is a job record with its state. Result is set for jobs whose
// handler recorded one; Reason for failed jobs.
type Status struct {
	Job
	State      State           `json:"state"`
	Reason     string          `json:"reason,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	FinishedAt time.Time       `json:"finished_at,omitempty"`
}

// Broker is the narrow contract the worker and scheduler loops depend on.
//
// Ack, Requeue, Fail and Release on an id that is not currently in flight are
// no-ops and return nil.
type Broker interface {
	Enqueue(ctx context.Context, queue, handler string, payload []byte, opts ...EnqueueOption) (string, error)
	// Dequeue waits up to wait for a ready job. It returns (nil, nil) on timeout.
	Dequeue(ctx context.Context, queue string, wait time.Duration) (*Job, error)
	Ack(ctx context.Context, id string) error
	Requeue(ctx context.Context, id string, delay time.Duration) error
	Fail(ctx context.Context, id string, reason string) error
	// Release puts an in-flight job back without charging the attempt.
	Release(ctx context.Context, id string) error
	Ping(ctx context.Context) error
	Close() error
}

// DepthReporter is implemented by brokers that can count ready jobs.
type DepthReporter interface {
	Depth(ctx context.Context, queue string) (int64, error)
}

// StatusReader looks up a job by id in any state.
type StatusReader interface {
	Get(ctx context.Context, id string) (*Status, error)
}

// ResultAcker acks a job and keeps the handler's JSON result with the
// finished record.
type ResultAcker interface {
	AckResult(ctx context.Context, id string, result []byte) error
}

// FailedLister is implemented by brokers that keep a dead list.
type FailedLister interface {
	Failed(ctx context.Context, queue string, limit int) ([]FailedJob, error)
}

type enqueueOptions struct {
	id          string
	notBefore   time.Time
	maxAttempts int
	timeout     time.Duration
}

type EnqueueOption func(*enqueueOptions)

// NotBefore delays visibility until t.
func NotBefore(t time.Time) EnqueueOption { return func(o *enqueueOptions) { o.notBefore = t } }

// WithJobID makes enqueue idempotent on id.
func WithJobID(id string) EnqueueOption { return func(o *enqueueOptions) { o.id = id } }

func WithMaxAttempts(n int) EnqueueOption { return func(o *enqueueOptions) { o.maxAttempts = n } }

func WithTimeout(d time.Duration) EnqueueOption { return func(o *enqueueOptions) { o.timeout = d } }

func buildOptions(opts []EnqueueOption) enqueueOptions {
	var o enqueueOptions
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
