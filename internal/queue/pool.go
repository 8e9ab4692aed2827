package queue

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"sector7g/internal/broker"
)

// Handler executes one job. It must honour ctx: the worker cancels it when
// the job times out or the process shuts down.
type Handler func(ctx context.Context, job *broker.Job) error

// Pool is one named queue: its configuration plus its handler table.
type Pool struct {
	cfg Config

	mu       sync.RWMutex
	handlers map[string]Handler
	frozen   bool
}

func NewPool(cfg Config) *Pool {
	cfg.Name = strings.TrimSpace(cfg.Name)
	// Jitter is kept as given so Validate can report it; delays clamp it.
	jitter := cfg.Retry.Jitter
	cfg.Retry = cfg.Retry.withDefaults()
	cfg.Retry.Jitter = jitter
	return &Pool{cfg: cfg, handlers: map[string]Handler{}}
}

func (p *Pool) Name() string   { return p.cfg.Name }
func (p *Pool) Config() Config { return p.cfg }

// Register adds a handler under name.
func (p *Pool) Register(name string, h Handler) error {
	name = strings.TrimSpace(name)
	if name == "" || h == nil {
		return fmt.Errorf("queue %s: register: empty name or nil handler", p.cfg.Name)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.frozen {
		return fmt.Errorf("queue %s: register %q after start", p.cfg.Name, name)
	}
	if _, ok := p.handlers[name]; ok {
		return fmt.Errorf("queue %s: %q: %w", p.cfg.Name, name, ErrDuplicateHandler)
	}
	p.handlers[name] = h
	return nil
}

// Freeze rejects further registrations. The worker calls it on start.
func (p *Pool) Freeze() {
	p.mu.Lock()
	p.frozen = true
	p.mu.Unlock()
}

func (p *Pool) Lookup(name string) (Handler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[name]
	return h, ok
}

// Handlers returns the registered names, sorted.
func (p *Pool) Handlers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.handlers))
	for name := range p.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Validate returns a *ConfigError listing every problem, or nil.
func (p *Pool) Validate() error {
	var probs []string
	c := p.cfg
	if c.Name == "" {
		probs = append(probs, "name is empty")
	}
	if c.Concurrency <= 0 {
		probs = append(probs, fmt.Sprintf("concurrency must be > 0 (got %d)", c.Concurrency))
	}
	if c.Timeout <= 0 {
		probs = append(probs, fmt.Sprintf("timeout must be > 0 (got %s)", c.Timeout))
	}
	if c.Retry.MaxAttempts < 1 {
		probs = append(probs, fmt.Sprintf("retry.max_attempts must be >= 1 (got %d)", c.Retry.MaxAttempts))
	}
	if j := c.Retry.Jitter; !(j >= 0 && j <= 1) {
		probs = append(probs, fmt.Sprintf("retry.jitter must be within [0,1] (got %g)", j))
	}
	p.mu.RLock()
	n := len(p.handlers)
	p.mu.RUnlock()
	if n == 0 {
		probs = append(probs, "no handlers registered")
	}
	if len(probs) == 0 {
		return nil
	}
	return &ConfigError{Queue: c.Name, Problems: probs}
}
