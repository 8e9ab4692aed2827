package storage

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	logx "sector7g/pkg/logx"
)

//go:embed migrations
var migrationsFS embed.FS

// runMigrations applies every pending migration under dir using drv.
func runMigrations(dir, dbName string, drv database.Driver, log logx.Logger) (uint, error) {
	src, err := iofs.New(migrationsFS, dir)
	if err != nil {
		return 0, fmt.Errorf("migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, dbName, drv)
	if err != nil {
		return 0, fmt.Errorf("migrate init: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("migrate up: %w", err)
	}
	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, fmt.Errorf("migrate version: %w", err)
	}
	if dirty {
		return version, fmt.Errorf("migration %d is dirty", version)
	}
	log.Debug("migrations applied", logx.String("db", dbName), logx.Uint64("version", uint64(version)))
	return version, nil
}
