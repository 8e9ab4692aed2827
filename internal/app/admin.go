package app

import (
	"context"
	"fmt"
	"slices"

	"sector7g/internal/broker"
	"sector7g/internal/config"
	"sector7g/internal/scheduler"
	"sector7g/internal/storage"
	logx "sector7g/pkg/logx"
)

// LoadConfig parses and validates path. An empty path loads the builtin
// defaults.
func LoadConfig(path string, o config.Overrides) (*config.Config, error) {
	return config.NewConfigManager(path, o).Parse()
}

// Migrate applies pending schedule store migrations and returns the schema
// version.
func Migrate(ctx context.Context, cfg *config.Config, log logx.Logger) (uint, error) {
	sc, err := mapStorage(cfg)
	if err != nil {
		return 0, err
	}
	return storage.Migrate(ctx, sc, log)
}

// ListSchedules reads persisted entries and their next occurrence without
// starting a scheduler.
func ListSchedules(ctx context.Context, cfg *config.Config, log logx.Logger) ([]scheduler.EntryInfo, error) {
	scfg, sopts, loc, err := mapScheduler(cfg)
	if err != nil {
		return nil, err
	}
	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, sc, sopts, log)
	if err != nil {
		return nil, err
	}
	defer func() { _ = store.Close() }()

	snap, err := scheduler.New(store, nil, scfg, loc, log, nil).Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Entries, nil
}

// ListFailed returns up to limit dead-lettered jobs of queue, newest first.
func ListFailed(ctx context.Context, cfg *config.Config, queueName string, limit int, log logx.Logger) ([]broker.FailedJob, error) {
	bcfg, err := mapBroker(cfg)
	if err != nil {
		return nil, err
	}
	if _, ok := cfg.Queue(queueName); !ok {
		return nil, fmt.Errorf("unknown queue %q", queueName)
	}
	brk, err := broker.Open(bcfg, log)
	if err != nil {
		return nil, err
	}
	defer func() { _ = brk.Close() }()
	fl, ok := brk.(broker.FailedLister)
	if !ok {
		return nil, fmt.Errorf("broker %q cannot list failed jobs", bcfg.Driver)
	}
	return fl.Failed(ctx, queueName, limit)
}

// Status looks up one job by id in any state.
func Status(ctx context.Context, cfg *config.Config, id string, log logx.Logger) (*broker.Status, error) {
	bcfg, err := mapBroker(cfg)
	if err != nil {
		return nil, err
	}
	brk, err := broker.Open(bcfg, log)
	if err != nil {
		return nil, err
	}
	defer func() { _ = brk.Close() }()
	sr, ok := brk.(broker.StatusReader)
	if !ok {
		return nil, fmt.Errorf("broker %q cannot look up jobs", bcfg.Driver)
	}
	return sr.Get(ctx, id)
}

// Enqueue submits one job to queueName. The handler must be bound to the
// queue in cfg.
func Enqueue(ctx context.Context, cfg *config.Config, queueName, handler string, payload []byte, log logx.Logger) (string, error) {
	qc, ok := cfg.Queue(queueName)
	if !ok {
		return "", fmt.Errorf("unknown queue %q", queueName)
	}
	if !slices.Contains(qc.Handlers, handler) {
		return "", fmt.Errorf("handler %q is not bound to queue %q", handler, queueName)
	}
	bcfg, err := mapBroker(cfg)
	if err != nil {
		return "", err
	}
	brk, err := broker.Open(bcfg, log)
	if err != nil {
		return "", err
	}
	defer func() { _ = brk.Close() }()
	return brk.Enqueue(ctx, queueName, handler, payload)
}
