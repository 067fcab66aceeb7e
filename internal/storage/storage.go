// Package storage opens the ledger store selected by configuration.
package storage

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/onnwee/auditledger/internal/audit"
	"github.com/onnwee/auditledger/internal/config"
	"github.com/onnwee/auditledger/internal/db"
)

// Open opens the ledger store for cfg.Driver, applying pending migrations.
// The returned pool is nil for the memory driver; callers close it otherwise.
func Open(ctx context.Context, cfg db.Config, lockTimeout time.Duration, logger *slog.Logger) (audit.Store, *sql.DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Driver == db.DriverMemory {
		logger.Warn("using in-memory storage; events are lost on restart")
		return audit.NewInMemoryStore(), nil, nil
	}

	pool, err := db.Open(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Migrate(ctx, pool, cfg.Driver, logger); err != nil {
		pool.Close()
		return nil, nil, err
	}

	if cfg.Driver == db.DriverSQLite {
		return audit.NewSQLiteStore(pool, logger), pool, nil
	}
	return audit.NewPostgresStore(pool, audit.PostgresOptions{
		LockTimeout: lockTimeout,
		Logger:      logger,
	}), pool, nil
}

// OpenConfigured opens the store described by the ledger configuration.
func OpenConfigured(ctx context.Context, cfg *config.Config, logger *slog.Logger) (audit.Store, *sql.DB, error) {
	return Open(ctx, db.Config{
		Driver:       cfg.StorageDriver,
		DatabaseURL:  cfg.DatabaseURL,
		SQLitePath:   cfg.SQLitePath,
		MaxOpenConns: cfg.DBMaxOpenConns,
	}, cfg.LockTimeout(), logger)
}
