// Package storage persists scheduled tasks.
//
// A Store is the single source of truth across restarts. Drivers:
//   - "sqlite": embedded database file (default)
//   - "postgres": server database through a pgx connection pool
//   - "memory": process-local, for tests and dry runs
package storage
