package storage

import (
	"strings"
	"time"
)

// Config configures the schedule store.
type Config struct {
	Driver string // sqlite | postgres | memory
	// Path is the sqlite database file.
	Path string
	// URL is the postgres connection string.
	URL         string
	BusyTimeout time.Duration // sqlite only
	MaxConns    int32         // postgres only
	// AutoMigrate applies pending migrations on Open.
	AutoMigrate bool
}

func (c Config) driver() string {
	d := strings.ToLower(strings.TrimSpace(c.Driver))
	switch d {
	case "", "sqlite3":
		return "sqlite"
	case "postgresql", "pg":
		return "postgres"
	}
	return d
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Path) == "" {
		c.Path = "data/sector7g.db"
	}
	if c.BusyTimeout <= 0 {
		c.BusyTimeout = 5 * time.Second
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 4
	}
	return c
}
