// Package health probes broker reachability and queue configuration.
package health

import (
	"context"
	"errors"
	"time"

	"sector7g/internal/broker"
	"sector7g/internal/queue"
	"sector7g/internal/worker"
	logx "sector7g/pkg/logx"
)

var ErrProbeTimeout = errors.New("probe budget exceeded")

type Config struct {
	// ProbeTimeout bounds each pool's broker round trip.
	ProbeTimeout time.Duration
	// Budget bounds the whole Probe call.
	Budget time.Duration
}

func (c Config) withDefaults() Config {
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 2 * time.Second
	}
	if c.Budget <= 0 {
		c.Budget = 2*c.ProbeTimeout + time.Second
	}
	return c
}

// StatsSource is satisfied by *worker.Worker.
type StatsSource interface {
	Stats() worker.Stats
}

// PoolInfo is one queue to probe. Worker may be nil when no worker runs in
// this process.
type PoolInfo struct {
	Pool   *queue.Pool
	Worker StatsSource
}

type QueueHealth struct {
	Queue       string        `json:"queue"`
	Reachable   bool          `json:"reachable"`
	Handlers    int           `json:"handlers"`
	Concurrency int           `json:"concurrency"`
	InFlight    int           `json:"in_flight"`
	Depth       int64         `json:"depth"` // -1 when the broker cannot count
	Latency     time.Duration `json:"latency"`
	Error       string        `json:"error,omitempty"`
	ConfigError string        `json:"config_error,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	LastErrorAt time.Time     `json:"last_error_at,omitempty"`
}

// Report is recomputed on every probe and never persisted.
type Report struct {
	At      time.Time     `json:"at"`
	Took    time.Duration `json:"took"`
	Partial bool          `json:"partial"`
	Queues  []QueueHealth `json:"queues"`
}

// Healthy reports whether every queue is reachable and validly configured.
func (r Report) Healthy() bool {
	if r.Partial {
		return false
	}
	for _, q := range r.Queues {
		if !q.Reachable || q.ConfigError != "" {
			return false
		}
	}
	return true
}

type Monitor struct {
	brk broker.Broker
	cfg Config
	log logx.Logger
}

func New(brk broker.Broker, cfg Config, log logx.Logger) *Monitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Monitor{brk: brk, cfg: cfg.withDefaults(), log: log.With(logx.String("comp", "health"))}
}

type probeResult struct {
	idx     int
	err     error
	depth   int64
	latency time.Duration
}

// Probe checks every pool concurrently. It never returns an error: broker
// failures are reported per queue, and pools that miss the overall budget
// come back unreachable with Partial set.
func (m *Monitor) Probe(ctx context.Context, pools []PoolInfo) Report {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Budget)
	defer cancel()

	rep := Report{At: start, Queues: make([]QueueHealth, len(pools))}
	for i, p := range pools {
		rep.Queues[i] = staticHealth(p)
	}

	results := make(chan probeResult, len(pools))
	for i := range pools {
		go func(i int) {
			results <- m.probeOne(ctx, i, pools[i].Pool.Name())
		}(i)
	}

	answered := make([]bool, len(pools))
	pending := len(pools)
wait:
	for pending > 0 {
		select {
		case r := <-results:
			pending--
			answered[r.idx] = true
			q := &rep.Queues[r.idx]
			q.Latency = r.latency
			q.Depth = r.depth
			if r.err != nil {
				q.Reachable = false
				q.Error = r.err.Error()
			} else {
				q.Reachable = true
			}
		case <-ctx.Done():
			break wait
		}
	}
	for i, ok := range answered {
		if !ok {
			rep.Partial = true
			rep.Queues[i].Reachable = false
			rep.Queues[i].Error = ErrProbeTimeout.Error()
		}
	}
	rep.Took = time.Since(start)

	if !rep.Healthy() {
		m.log.Debug("probe unhealthy", logx.Bool("partial", rep.Partial), logx.Duration("took", rep.Took))
	}
	return rep
}

func (m *Monitor) probeOne(ctx context.Context, idx int, queueName string) probeResult {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	res := probeResult{idx: idx, depth: -1}
	t := time.Now()
	res.err = m.brk.Ping(pctx)
	res.latency = time.Since(t)
	if res.err != nil {
		return res
	}
	if dr, ok := m.brk.(broker.DepthReporter); ok {
		if d, err := dr.Depth(pctx, queueName); err == nil {
			res.depth = d
		}
	}
	return res
}

func staticHealth(p PoolInfo) QueueHealth {
	cfg := p.Pool.Config()
	q := QueueHealth{
		Queue:       p.Pool.Name(),
		Handlers:    len(p.Pool.Handlers()),
		Concurrency: cfg.Concurrency,
		Depth:       -1,
	}
	if err := p.Pool.Validate(); err != nil {
		q.ConfigError = err.Error()
	}
	if p.Worker != nil {
		st := p.Worker.Stats()
		q.InFlight = st.InFlight
		q.LastError = st.LastError
		q.LastErrorAt = st.LastErrorAt
	}
	return q
}
