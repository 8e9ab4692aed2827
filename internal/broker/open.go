package broker

import (
	"errors"
	"strings"
	"time"

	logx "sector7g/pkg/logx"
)

// Config selects and configures a broker driver. The retention fields of
// Redis (KeepResult, FailedTTL, FailedKeep) apply to the memory driver too.
type Config struct {
	Driver string // redis | memory
	Redis  RedisConfig
}

type RedisConfig struct {
	URL       string
	KeyPrefix string

	ConnTimeout    time.Duration
	ConnRetries    int
	ConnRetryDelay time.Duration

	// PollInterval bounds how long Dequeue sleeps between empty polls.
	PollInterval time.Duration
	// Visibility is added to a job's timeout to form its lease.
	Visibility time.Duration
	// QueueTimeouts is the per-queue handler timeout. It stands in for the
	// timeout of jobs enqueued without one so their lease covers a full run.
	QueueTimeouts map[string]time.Duration
	// KeepResult keeps acked job records around for inspection and dedup.
	KeepResult time.Duration
	FailedTTL  time.Duration
	FailedKeep int64
}

func (c RedisConfig) withDefaults() RedisConfig {
	if strings.TrimSpace(c.URL) == "" {
		c.URL = "redis://localhost:6379/0"
	}
	if strings.TrimSpace(c.KeyPrefix) == "" {
		c.KeyPrefix = "sector7g"
	}
	if c.ConnTimeout <= 0 {
		c.ConnTimeout = 5 * time.Second
	}
	if c.ConnRetries < 0 {
		c.ConnRetries = 0
	}
	if c.ConnRetryDelay <= 0 {
		c.ConnRetryDelay = time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	if c.Visibility <= 0 {
		c.Visibility = time.Minute
	}
	if c.KeepResult < 0 {
		c.KeepResult = 0
	}
	if c.FailedTTL <= 0 {
		c.FailedTTL = 7 * 24 * time.Hour
	}
	if c.FailedKeep <= 0 {
		c.FailedKeep = 1000
	}
	return c
}

// Open returns the configured broker.
func Open(cfg Config, log logx.Logger) (Broker, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "redis":
		r, err := NewRedis(cfg.Redis, log)
		if err != nil {
			return nil, err
		}
		return r, nil
	case "memory":
		rc := cfg.Redis.withDefaults()
		return NewMemory(WithRetention(rc.KeepResult, rc.FailedTTL, int(rc.FailedKeep))), nil
	default:
		return nil, errors.New("unknown broker driver: " + cfg.Driver)
	}
}
