package worker

import (
	"errors"
	"time"
)

// ErrTimeout is the cause recorded when a handler exceeds its job timeout.
var ErrTimeout = errors.New("job timed out")

type Config struct {
	// WaitTimeout bounds each broker dequeue.
	WaitTimeout time.Duration
	// ShutdownGrace is how long in-flight jobs may finish after shutdown starts.
	ShutdownGrace time.Duration
	// CancelGrace is how long a cancelled handler may take to return before
	// a warning is logged. Its slot stays taken until it does return.
	CancelGrace time.Duration
	// SettleTimeout bounds each ack/requeue/fail/release call.
	SettleTimeout time.Duration
	// Seed feeds the retry jitter source. 0 derives one from the clock.
	Seed        int64
	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = time.Second
	}
	if c.SettleTimeout <= 0 {
		c.SettleTimeout = 5 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Outcome of one dispatch.
type Outcome string

const (
	Succeeded      Outcome = "succeeded"
	RetryScheduled Outcome = "retry_scheduled"
	Failed         Outcome = "failed"
	Released       Outcome = "released"
)

type HistoryItem struct {
	JobID      string        `json:"job_id"`
	Handler    string        `json:"handler"`
	Attempt    int           `json:"attempt"`
	Outcome    Outcome       `json:"outcome"`
	Started    time.Time     `json:"started"`
	Duration   time.Duration `json:"duration"`
	QueueDelay time.Duration `json:"queue_delay"`
	Error      string        `json:"error,omitempty"`
}

// Stats is a point-in-time view used by the health monitor and diagnostics.
type Stats struct {
	Queue       string    `json:"queue"`
	Concurrency int       `json:"concurrency"`
	InFlight    int       `json:"in_flight"`
	Busy        int       `json:"busy"`
	Dispatched  uint64    `json:"dispatched"`
	Succeeded   uint64    `json:"succeeded"`
	Retried     uint64    `json:"retried"`
	Failed      uint64    `json:"failed"`
	Released    uint64    `json:"released"`
	Duplicates  uint64    `json:"duplicates"`
	LastError   string    `json:"last_error,omitempty"`
	LastErrorAt time.Time `json:"last_error_at,omitempty"`
}

type Snapshot struct {
	Stats
	History []HistoryItem `json:"history"`
}
