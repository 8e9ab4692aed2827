// Package storage persists schedule entries.
//
// Drivers:
//   - "sqlite": single file via modernc.org/sqlite (default)
//   - "postgres": pgx pool, shared by every scheduler instance
//   - "memory": process-local, for tests and single-binary demos
//
// Both SQL drivers share SQLStore; only the placeholder format and the
// migration set differ. Migrations are embedded and applied with
// golang-migrate.
package storage
