package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"sector7g/internal/schedule"
	logx "sector7g/pkg/logx"
)

func openPostgres(ctx context.Context, cfg Config, opts schedule.Options, log logx.Logger) (schedule.Store, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("postgres url is required")
	}
	if cfg.AutoMigrate {
		if _, err := migratePostgres(ctx, cfg, log); err != nil {
			return nil, err
		}
	}
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse db url: %w", err)
	}
	pcfg.MaxConns = cfg.MaxConns
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	db := stdlib.OpenDBFromPool(pool)
	log.Info("schedule store opened", logx.String("driver", "postgres"), logx.String("host", pcfg.ConnConfig.Host))
	return newSQLStore(db, sq.Dollar, opts, func() error {
		err := db.Close()
		pool.Close()
		return err
	}), nil
}

func migratePostgres(_ context.Context, cfg Config, log logx.Logger) (uint, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return 0, errors.New("postgres url is required")
	}
	connCfg, err := pgx.ParseConfig(cfg.URL)
	if err != nil {
		return 0, fmt.Errorf("parse db url: %w", err)
	}
	// Simple protocol so multi-statement migration files run as written.
	connCfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	db := stdlib.OpenDB(*connCfg)

	drv, err := migratepg.WithInstance(db, &migratepg.Config{MultiStatementEnabled: true})
	if err != nil {
		_ = db.Close()
		return 0, fmt.Errorf("migration driver: %w", err)
	}
	return runMigrations("migrations/postgres", "postgres", drv, log)
}
