// Package db provides database connection management for the Agor daemon.
// It supports SQLite (default, single-node) and PostgreSQL (pgx) backends
// behind a shared read/write pool abstraction.
package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/agor/agor/internal/common/config"
	"github.com/agor/agor/internal/common/logger"
	"github.com/agor/agor/internal/db/dialect"
)

// Open creates the database pool used by repositories, selecting the backend
// from the configured driver. The returned cleanup closes all connections.
func Open(cfg *config.DatabaseConfig, log *logger.Logger) (*Pool, func() error, error) {
	switch cfg.Driver {
	case dialect.SQLite3:
		writer, err := OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		reader, err := OpenSQLiteReader(cfg.SQLitePath)
		if err != nil {
			_ = writer.Close()
			return nil, nil, fmt.Errorf("failed to open sqlite reader: %w", err)
		}
		if log != nil {
			log.Info("Database initialized",
				zap.String("db_driver", cfg.Driver),
				zap.String("db_path", cfg.SQLitePath))
		}

		pool := NewPool(
			sqlx.NewDb(writer, dialect.SQLite3),
			sqlx.NewDb(reader, dialect.SQLite3),
		)
		cleanup := func() error {
			// Run PRAGMA optimize before closing to update query planner
			// statistics for tables that need it. This is the SQLite-recommended
			// way to maintain stats, lightweight and safe to call on every close.
			_, _ = writer.Exec("PRAGMA optimize")
			return pool.Close()
		}
		return pool, cleanup, nil

	case dialect.PGX:
		conn, err := OpenPostgres(cfg.DSN(), cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres database: %w", err)
		}
		if log != nil {
			log.Info("Database initialized",
				zap.String("db_driver", cfg.Driver),
				zap.String("db_host", cfg.Host),
				zap.String("db_name", cfg.DBName))
		}

		// pgx pools internally; the same handle serves reads and writes.
		sqlxDB := sqlx.NewDb(conn, dialect.PGX)
		pool := NewPool(sqlxDB, sqlxDB)
		return pool, pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}
