package db

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	defaultMaxConns = 25
	defaultMinConns = 5
)

// OpenPostgres opens a PostgreSQL connection through the pgx stdlib
// driver and verifies it with a ping. Zero conn limits fall back to the
// package defaults.
func OpenPostgres(dsn string, maxConns, minConns int) (*sql.DB, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if maxConns <= 0 {
		maxConns = defaultMaxConns
	}
	if minConns <= 0 {
		minConns = defaultMinConns
	}
	conn.SetMaxOpenConns(maxConns)
	conn.SetMaxIdleConns(minConns)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}
	return conn, nil
}
