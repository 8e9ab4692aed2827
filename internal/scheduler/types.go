package scheduler

import (
	"time"
)

type Config struct {
	// Tick is how often due entries are evaluated.
	Tick time.Duration
	// StartupJitter delays the first tick by a random amount up to this
	// value so restarted fleets do not hit the store in lockstep.
	StartupJitter time.Duration

	EnqueueRetries    int
	EnqueueRetryDelay time.Duration

	// Instance identifies this scheduler in logs and events. Empty means a
	// random uuid.
	Instance string
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	if c.StartupJitter < 0 {
		c.StartupJitter = 0
	}
	if c.EnqueueRetries <= 0 {
		c.EnqueueRetries = 3
	}
	if c.EnqueueRetryDelay <= 0 {
		c.EnqueueRetryDelay = time.Second
	}
	return c
}

type EntryInfo struct {
	ID          string     `json:"id"`
	Schedule    string     `json:"schedule"`
	Timezone    string     `json:"timezone,omitempty"`
	Queue       string     `json:"queue"`
	Handler     string     `json:"handler"`
	Enabled     bool       `json:"enabled"`
	LastFiredAt *time.Time `json:"last_fired_at,omitempty"`
	Next        time.Time  `json:"next,omitempty"`
	Error       string     `json:"error,omitempty"`
}

type Snapshot struct {
	Instance      string      `json:"instance"`
	Running       bool        `json:"running"`
	Timezone      string      `json:"timezone"`
	Ticks         uint64      `json:"ticks"`
	Fired         uint64      `json:"fired"`
	Duplicates    uint64      `json:"duplicates"`
	ClaimsLost    uint64      `json:"claims_lost"`
	EnqueueFailed uint64      `json:"enqueue_failed"`
	LastTick      time.Time   `json:"last_tick,omitempty"`
	LastError     string      `json:"last_error,omitempty"`
	Entries       []EntryInfo `json:"entries"`
}
