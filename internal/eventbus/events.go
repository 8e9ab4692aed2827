package eventbus

import "time"

const (
	TypeJob      = "job"
	TypeSchedule = "schedule"
)

// Job outcomes.
const (
	JobSucceeded      = "succeeded"
	JobRetryScheduled = "retry_scheduled"
	JobFailed         = "failed"
	JobReleased       = "released"
	JobDuplicate      = "duplicate_delivery"
)

// Schedule outcomes.
const (
	ScheduleFired         = "fired"
	ScheduleClaimLost     = "claim_lost"
	ScheduleEnqueueFailed = "enqueue_failed"
)

// JobEvent is emitted once per dispatch transition.
type JobEvent struct {
	JobID       string        `json:"job_id"`
	Queue       string        `json:"queue"`
	Handler     string        `json:"handler"`
	Outcome     string        `json:"outcome"`
	Attempt     int           `json:"attempt"`
	MaxAttempts int           `json:"max_attempts"`
	Latency     time.Duration `json:"latency"`
	QueueDelay  time.Duration `json:"queue_delay"`
	RetryIn     time.Duration `json:"retry_in,omitempty"`
	TimedOut    bool          `json:"timed_out,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// ScheduleEvent is emitted by the scheduler for each due entry it handles.
type ScheduleEvent struct {
	EntryID    string    `json:"entry_id"`
	Queue      string    `json:"queue"`
	Handler    string    `json:"handler"`
	Outcome    string    `json:"outcome"`
	Occurrence time.Time `json:"occurrence"`
	JobID      string    `json:"job_id,omitempty"`
	Instance   string    `json:"instance,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// PublishJob wraps ev in an Event. A nil bus is ignored.
func PublishJob(b Bus, ev JobEvent) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: TypeJob, Data: ev})
}

// PublishSchedule wraps ev in an Event. A nil bus is ignored.
func PublishSchedule(b Bus, ev ScheduleEvent) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: TypeSchedule, Data: ev})
}
