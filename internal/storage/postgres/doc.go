// Package postgres persists burner lifecycle records in PostgreSQL through a
// pgx connection pool. Schema migrations are embedded and applied under an
// advisory lock so several replicas can start concurrently.
package postgres
