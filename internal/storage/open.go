package storage

import (
	"context"
	"errors"
	"fmt"

	"sector7g/internal/schedule"
	logx "sector7g/pkg/logx"
)

// Open initializes the configured schedule store.
func Open(ctx context.Context, cfg Config, opts schedule.Options, log logx.Logger) (schedule.Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()

	switch cfg.driver() {
	case "memory":
		return schedule.NewMemoryStore(opts), nil
	case "sqlite":
		return openSQLite(ctx, cfg, opts, log)
	case "postgres":
		return openPostgres(ctx, cfg, opts, log)
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}

// Migrate applies pending migrations and returns the resulting version.
func Migrate(ctx context.Context, cfg Config, log logx.Logger) (uint, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	switch cfg.driver() {
	case "memory":
		return 0, nil
	case "sqlite":
		return migrateSQLite(ctx, cfg, log)
	case "postgres":
		return migratePostgres(ctx, cfg, log)
	default:
		return 0, fmt.Errorf("unknown storage driver: %s", cfg.Driver)
	}
}
