package queue

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"sector7g/internal/broker"
)

func nopHandler(context.Context, *broker.Job) error { return nil }

func TestRegisterDuplicate(t *testing.T) {
	t.Parallel()

	p := NewPool(Config{Name: "lenny", Concurrency: 1, Timeout: time.Second, Retry: RetryPolicy{MaxAttempts: 1}})
	if err := p.Register("echo", nopHandler); err != nil {
		t.Fatalf("Register: %v", err)
	}
	err := p.Register("echo", nopHandler)
	if !errors.Is(err, ErrDuplicateHandler) {
		t.Fatalf("Register duplicate = %v, want ErrDuplicateHandler", err)
	}
	if got := p.Handlers(); len(got) != 1 || got[0] != "echo" {
		t.Fatalf("Handlers() = %v", got)
	}
}

func TestRegisterAfterFreeze(t *testing.T) {
	t.Parallel()

	p := NewPool(Config{Name: "carl"})
	p.Freeze()
	if err := p.Register("echo", nopHandler); err == nil {
		t.Fatalf("Register after Freeze should fail")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		cfg     Config
		handler bool
		want    []string
	}{
		{
			name:    "valid",
			cfg:     Config{Name: "homer", Concurrency: 3, Timeout: 10 * time.Minute, Retry: RetryPolicy{MaxAttempts: 1}},
			handler: true,
		},
		{
			name: "everything wrong",
			cfg:  Config{Name: "", Concurrency: 0, Timeout: 0},
			want: []string{"name is empty", "concurrency", "timeout", "max_attempts", "no handlers"},
		},
		{
			name:    "negative concurrency",
			cfg:     Config{Name: "grimey", Concurrency: -1, Timeout: time.Second, Retry: RetryPolicy{MaxAttempts: 1}},
			handler: true,
			want:    []string{"concurrency must be > 0 (got -1)"},
		},
		{
			name:    "jitter above one",
			cfg:     Config{Name: "carl", Concurrency: 1, Timeout: time.Second, Retry: RetryPolicy{MaxAttempts: 3, Jitter: 1.5}},
			handler: true,
			want:    []string{"retry.jitter must be within [0,1] (got 1.5)"},
		},
		{
			name:    "negative jitter",
			cfg:     Config{Name: "carl", Concurrency: 1, Timeout: time.Second, Retry: RetryPolicy{MaxAttempts: 3, Jitter: -0.1}},
			handler: true,
			want:    []string{"retry.jitter must be within [0,1] (got -0.1)"},
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := NewPool(tc.cfg)
			if tc.handler {
				_ = p.Register("echo", nopHandler)
			}
			err := p.Validate()
			if len(tc.want) == 0 {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			var ce *ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("Validate() = %v, want *ConfigError", err)
			}
			if len(ce.Problems) != len(tc.want) {
				t.Fatalf("problems = %v, want %d entries", ce.Problems, len(tc.want))
			}
			for i, w := range tc.want {
				if !strings.Contains(ce.Problems[i], w) {
					t.Fatalf("problem[%d] = %q, want it to mention %q", i, ce.Problems[i], w)
				}
			}
		})
	}
}

func TestRegistryBind(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.MustAdd("echo", nopHandler)
	r.MustAdd("sleep", nopHandler)
	if err := r.Add("echo", nopHandler); !errors.Is(err, ErrDuplicateHandler) {
		t.Fatalf("Add duplicate = %v", err)
	}

	p := NewPool(Config{Name: "charlie"})
	err := r.Bind(p, []string{"echo", "missing", "sleep"})
	if !IsConfigError(err) {
		t.Fatalf("Bind = %v, want ConfigError", err)
	}
	if got := p.Handlers(); len(got) != 2 {
		t.Fatalf("Handlers() = %v, want echo+sleep", got)
	}
}
