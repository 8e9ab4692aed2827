package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "10s", "1m"); omitted values take the defaults documented on
// each section.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Broker    BrokerConfig    `json:"broker"`
	Storage   StorageConfig   `json:"storage"`
	Worker    WorkerConfig    `json:"worker"`
	Queues    []QueueConfig   `json:"queues"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Health    HealthConfig    `json:"health,omitempty"`
	Handlers  HandlersConfig  `json:"handlers,omitempty"`
	Diag      DiagConfig      `json:"diag,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Format  string       `json:"format,omitempty"` // console | json
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Limit   LoggingLimit `json:"limit,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingLimit rate limits chatty levels. MaxLevel is the most severe level
// that may be dropped (default "info").
type LoggingLimit struct {
	Enabled   bool    `json:"enabled"`
	PerSecond float64 `json:"per_second,omitempty"`
	Burst     int     `json:"burst,omitempty"`
	MaxLevel  string  `json:"max_level,omitempty"`
}

// BrokerConfig selects the job broker.
//
// Defaults: driver "redis", conn_timeout 5s, conn_retries 5,
// conn_retry_delay 1s, keep_result 3600s.
type BrokerConfig struct {
	Driver string      `json:"driver"` // redis | memory
	Redis  RedisConfig `json:"redis"`
}

type RedisConfig struct {
	URL            string `json:"url"`
	KeyPrefix      string `json:"key_prefix,omitempty"`
	ConnTimeout    string `json:"conn_timeout,omitempty"`
	ConnRetries    *int   `json:"conn_retries,omitempty"`
	ConnRetryDelay string `json:"conn_retry_delay,omitempty"`
	PollInterval   string `json:"poll_interval,omitempty"`
	Visibility     string `json:"visibility,omitempty"`
	KeepResult     string `json:"keep_result,omitempty"`
	FailedTTL      string `json:"failed_ttl,omitempty"`
	FailedKeep     int64  `json:"failed_keep,omitempty"`
}

// StorageConfig selects the schedule store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/sector7g.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // sqlite | postgres | memory
	Path        string `json:"path,omitempty"`
	URL         string `json:"url,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxConns    int32  `json:"max_conns,omitempty"`
	AutoMigrate *bool  `json:"auto_migrate,omitempty"` // default true
}

// WorkerConfig holds settings shared by every queue's worker loop.
type WorkerConfig struct {
	WaitTimeout   string `json:"wait_timeout,omitempty"`
	ShutdownGrace string `json:"shutdown_grace,omitempty"`
	CancelGrace   string `json:"cancel_grace,omitempty"`
	SettleTimeout string `json:"settle_timeout,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
}

// QueueConfig is one named queue pool.
type QueueConfig struct {
	Name          string   `json:"name"`
	Concurrency   int      `json:"concurrency"`
	Timeout       string   `json:"timeout"`
	MaxAttempts   int      `json:"max_attempts"`
	RetryBase     string   `json:"retry_base,omitempty"`
	RetryMaxDelay string   `json:"retry_max_delay,omitempty"`
	RetryJitter   *float64 `json:"retry_jitter,omitempty"`
	Handlers      []string `json:"handlers"`
}

// SchedulerConfig controls the scheduler loop and the configured entries.
//
// Persisted entries keep their definition across restarts unless
// force_update is set.
type SchedulerConfig struct {
	Enabled           bool             `json:"enabled"`
	Timezone          string           `json:"timezone,omitempty"` // default America/Chicago
	Tick              string           `json:"tick,omitempty"`
	Tolerance         string           `json:"tolerance,omitempty"`
	StartupJitter     string           `json:"startup_jitter,omitempty"`
	EnqueueRetries    int              `json:"enqueue_retries,omitempty"`
	EnqueueRetryDelay string           `json:"enqueue_retry_delay,omitempty"`
	ForceUpdate       bool             `json:"force_update,omitempty"`
	Schedules         []ScheduleConfig `json:"schedules,omitempty"`
}

type ScheduleConfig struct {
	ID       string `json:"id"`
	Schedule string `json:"schedule"`
	Timezone string `json:"timezone,omitempty"`
	Queue    string `json:"queue"`
	Handler  string `json:"handler"`
	Payload  string `json:"payload,omitempty"`
	Enabled  *bool  `json:"enabled,omitempty"` // default true
}

type HealthConfig struct {
	ProbeTimeout string `json:"probe_timeout,omitempty"` // default 2s
	Budget       string `json:"budget,omitempty"`
}

type HandlersConfig struct {
	TempDir     string `json:"temp_dir,omitempty"`
	TempPattern string `json:"temp_pattern,omitempty"`
	TempMaxAge  string `json:"temp_max_age,omitempty"`
	SimSeed     uint64 `json:"sim_seed,omitempty"`
}

// DiagConfig controls the optional diagnostics listener (/metrics,
// /healthz, /readyz, /debug/pprof).
//
// Prefer binding to localhost. A non-loopback address needs a token or
// allow_insecure.
type DiagConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default 127.0.0.1:9090
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

func (c *Config) Queue(name string) (QueueConfig, bool) {
	for _, q := range c.Queues {
		if q.Name == name {
			return q, true
		}
	}
	return QueueConfig{}, false
}
