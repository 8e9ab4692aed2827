package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Format  string // console | json
	Console bool
	File    FileConfig
	Limit   LimitConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

const defaultLogFile = "sector7g.log"

// Service owns the sinks. Loggers obtained from it pick up every Apply.
type Service struct {
	mu   sync.Mutex
	file *os.File

	zl      atomic.Pointer[zerolog.Logger]
	dropped atomic.Uint64
}

// New applies cfg and returns the service with a root logger bound to it.
func New(cfg Config) (*Service, Logger) {
	s := &Service{}
	s.Apply(cfg)
	return s, s.Logger()
}

func (s *Service) current() zerolog.Logger {
	if zl := s.zl.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{src: s} }

// Dropped counts lines shed by the rate limit.
func (s *Service) Dropped() uint64 { return s.dropped.Load() }

// Apply rebuilds the sinks from cfg. A file that cannot be opened is
// reported on stderr and skipped; output then falls back to the console.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.file
	s.file = nil

	asJSON := strings.EqualFold(strings.TrimSpace(cfg.Format), "json")
	var sinks []io.Writer
	if cfg.Console {
		if asJSON {
			sinks = append(sinks, os.Stdout)
		} else {
			sinks = append(sinks, consoleWriter(os.Stdout))
		}
	}
	if cfg.File.Enabled {
		if f, err := openLogFile(cfg.File.Path); err != nil {
			fmt.Fprintf(os.Stderr, "logx: %v\n", err)
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter(os.Stdout))
	}

	var out io.Writer = zerolog.MultiLevelWriter(sinks...)
	if cfg.Limit.Enabled {
		out = newLimitedWriter(out, cfg.Limit, &s.dropped)
	}
	zl := zerolog.New(out).Level(parseLevel(cfg.Level, zerolog.InfoLevel)).With().Timestamp().Logger()
	s.zl.Store(&zl)

	// Close the old file only after new lines stop going to it.
	if prev != nil {
		_ = prev.Close()
	}
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultLogFile
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir %q: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return f, nil
}

// Close releases the file sink. Later lines go to the console sinks only
// if Apply is called again.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
