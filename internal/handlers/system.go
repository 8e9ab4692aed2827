package handlers

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"sector7g/internal/broker"
	"sector7g/internal/queue"
	logx "sector7g/pkg/logx"
)

var startedAt = time.Now()

// healthCheck records process and broker vitals. A broker that does not
// answer fails the job so it is retried.
func healthCheck(deps Deps) queue.Handler {
	return func(ctx context.Context, job *broker.Job) error {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		fields := []logx.Field{
			logx.String("job_id", job.ID),
			logx.Duration("uptime", time.Since(startedAt).Truncate(time.Second)),
			logx.Int("goroutines", runtime.NumGoroutine()),
			logx.Uint64("heap_alloc", m.HeapAlloc),
			logx.Uint64("sys", m.Sys),
			logx.Uint64("gc", uint64(m.NumGC)),
		}
		if deps.Broker != nil {
			t := time.Now()
			if err := deps.Broker.Ping(ctx); err != nil {
				deps.Log.Warn("system health check: broker unreachable", append(fields, logx.Err(err))...)
				return fmt.Errorf("broker ping: %w", err)
			}
			fields = append(fields, logx.Duration("broker_rtt", time.Since(t)))
		}
		deps.Log.Info("system health check", fields...)
		return nil
	}
}

type cleanupPayload struct {
	Dir     string   `json:"dir"`
	Pattern string   `json:"pattern"`
	MaxAge  Duration `json:"max_age"`
}

// cleanupTempFiles removes regular files directly under Dir that match
// Pattern and are older than MaxAge.
func cleanupTempFiles(deps Deps) queue.Handler {
	return func(ctx context.Context, job *broker.Job) error {
		p := cleanupPayload{Dir: deps.TempDir, Pattern: deps.TempPattern, MaxAge: Duration(deps.TempMaxAge)}
		if err := decode(job, &p); err != nil {
			return err
		}
		if p.Dir == "" {
			p.Dir = os.TempDir()
		}
		if p.Pattern == "" {
			p.Pattern = "sector7g-*"
		}
		if p.MaxAge <= 0 {
			p.MaxAge = Duration(24 * time.Hour)
		}
		if _, err := filepath.Match(p.Pattern, ""); err != nil {
			return queue.Fatal(fmt.Errorf("pattern %q: %w", p.Pattern, err))
		}

		removed, err := removeOlder(ctx, p.Dir, p.Pattern, time.Now().Add(-time.Duration(p.MaxAge)))
		deps.Log.Info("temp files cleaned",
			logx.String("job_id", job.ID),
			logx.String("dir", p.Dir),
			logx.String("pattern", p.Pattern),
			logx.Int("removed", removed),
		)
		return err
	}
}

func removeOlder(ctx context.Context, dir, pattern string, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	removed := 0
	var errs []error
	for _, de := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !de.Type().IsRegular() {
			continue
		}
		if ok, _ := filepath.Match(pattern, de.Name()); !ok {
			continue
		}
		info, err := de.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, de.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
