package queue

import (
	"errors"
	"fmt"
	"sort"
)

// Registry is the process-wide table of handler implementations, built once
// at startup. Pools pick handlers from it by name.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry { return &Registry{handlers: map[string]Handler{}} }

func (r *Registry) Add(name string, h Handler) error {
	if _, ok := r.handlers[name]; ok {
		return fmt.Errorf("registry: %q: %w", name, ErrDuplicateHandler)
	}
	if h == nil {
		return fmt.Errorf("registry: %q: nil handler", name)
	}
	r.handlers[name] = h
	return nil
}

// MustAdd is Add for static tables; it panics on conflict.
func (r *Registry) MustAdd(name string, h Handler) {
	if err := r.Add(name, h); err != nil {
		panic(err)
	}
}

func (r *Registry) Get(name string) (Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Bind registers the named handlers on p. Unknown names are reported
// together as a ConfigError.
func (r *Registry) Bind(p *Pool, names []string) error {
	var unknown []string
	var errs []error
	for _, n := range names {
		h, ok := r.handlers[n]
		if !ok {
			unknown = append(unknown, fmt.Sprintf("unknown handler %q", n))
			continue
		}
		if err := p.Register(n, h); err != nil {
			errs = append(errs, err)
		}
	}
	if len(unknown) > 0 {
		errs = append(errs, &ConfigError{Queue: p.Name(), Problems: unknown})
	}
	return errors.Join(errs...)
}
