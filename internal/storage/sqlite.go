package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	sq "github.com/Masterminds/squirrel"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "modernc.org/sqlite"

	"sector7g/internal/schedule"
	logx "sector7g/pkg/logx"
)

func openSQLiteDB(cfg Config) (*sql.DB, error) {
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// One writer; the claim update relies on it being serialized.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, p := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite %q: %w", p, err)
		}
	}
	return db, nil
}

func openSQLite(ctx context.Context, cfg Config, opts schedule.Options, log logx.Logger) (schedule.Store, error) {
	if cfg.AutoMigrate {
		if _, err := migrateSQLite(ctx, cfg, log); err != nil {
			return nil, err
		}
	}
	db, err := openSQLiteDB(cfg)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("schedule store opened", logx.String("driver", "sqlite"), logx.String("path", cfg.Path))
	return newSQLStore(db, sq.Question, opts, db.Close), nil
}

func migrateSQLite(_ context.Context, cfg Config, log logx.Logger) (uint, error) {
	db, err := openSQLiteDB(cfg)
	if err != nil {
		return 0, err
	}
	// The migrate driver closes db with the migrator.
	drv, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		_ = db.Close()
		return 0, fmt.Errorf("migration driver: %w", err)
	}
	return runMigrations("migrations/sqlite", "sqlite", drv, log)
}
