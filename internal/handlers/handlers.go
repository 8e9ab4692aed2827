// Package handlers holds the builtin job handlers.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sector7g/internal/broker"
	"sector7g/internal/queue"
	logx "sector7g/pkg/logx"
)

const (
	SystemHealthCheck = "system_health_check"
	CleanupTempFiles  = "cleanup_temp_files"
	Echo              = "echo"
	Sleep             = "sleep"
)

type Deps struct {
	Broker broker.Broker
	Log    logx.Logger
	// TempDir and TempPattern are the cleanup defaults when a job payload
	// does not name its own.
	TempDir     string
	TempPattern string
	TempMaxAge  time.Duration
	// SimSeed fixes the simulation handlers' random source. Zero seeds it
	// at random.
	SimSeed uint64
}

// Registry returns every builtin handler bound to deps.
func Registry(deps Deps) *queue.Registry {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	deps.Log = deps.Log.With(logx.String("comp", "handler"))
	r := queue.NewRegistry()
	r.MustAdd(SystemHealthCheck, healthCheck(deps))
	r.MustAdd(CleanupTempFiles, cleanupTempFiles(deps))
	r.MustAdd(Echo, echo(deps.Log))
	r.MustAdd(Sleep, sleep)
	d := newDice(deps.SimSeed)
	for _, s := range sims {
		r.MustAdd(s.name, s.handler(deps.Log, d))
	}
	return r
}

// decode unmarshals an optional JSON payload. Malformed payloads are fatal:
// retrying cannot fix them.
func decode(job *broker.Job, v any) error {
	if len(job.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(job.Payload, v); err != nil {
		return queue.Fatal(fmt.Errorf("decode payload: %w", err))
	}
	return nil
}

// Duration accepts "1m30s" style strings in payloads.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

type echoPayload struct {
	Message string `json:"message"`
	Fail    bool   `json:"fail"`
	Fatal   bool   `json:"fatal"`
}

// echo logs its payload. fail and fatal exercise the retry paths.
func echo(log logx.Logger) queue.Handler {
	return func(ctx context.Context, job *broker.Job) error {
		var p echoPayload
		if err := decode(job, &p); err != nil {
			return err
		}
		log.Info("echo", logx.String("job_id", job.ID), logx.Int("attempt", job.Attempts), logx.String("message", p.Message))
		switch {
		case p.Fatal:
			return queue.Fatal(errors.New("echo: asked to fail permanently"))
		case p.Fail:
			return errors.New("echo: asked to fail")
		}
		return nil
	}
}

type sleepPayload struct {
	Duration Duration `json:"duration"`
}

func sleep(ctx context.Context, job *broker.Job) error {
	p := sleepPayload{Duration: Duration(time.Second)}
	if err := decode(job, &p); err != nil {
		return err
	}
	t := time.NewTimer(time.Duration(p.Duration))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
