package logx

import (
	"io"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// LimitConfig sheds lines at or below MaxLevel once PerSecond is exceeded.
// Warnings and errors pass through when MaxLevel is info (the default).
type LimitConfig struct {
	Enabled   bool
	PerSecond int
	Burst     int
	MaxLevel  string
}

type limitedWriter struct {
	next    zerolog.LevelWriter
	bucket  *rate.Limiter
	ceiling zerolog.Level
	dropped *atomic.Uint64
}

func newLimitedWriter(next io.Writer, cfg LimitConfig, dropped *atomic.Uint64) *limitedWriter {
	perSec := cfg.PerSecond
	if perSec <= 0 {
		perSec = 200
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = perSec
	}
	lw, ok := next.(zerolog.LevelWriter)
	if !ok {
		lw = zerolog.MultiLevelWriter(next)
	}
	return &limitedWriter{
		next:    lw,
		bucket:  rate.NewLimiter(rate.Limit(perSec), burst),
		ceiling: parseLevel(cfg.MaxLevel, zerolog.InfoLevel),
		dropped: dropped,
	}
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.NoLevel, p)
}

func (w *limitedWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level <= w.ceiling && !w.bucket.Allow() {
		w.dropped.Add(1)
		// Report success so zerolog does not surface a write error.
		return len(p), nil
	}
	return w.next.WriteLevel(level, p)
}
