// Package db opens the ledger's SQL connection pool for the configured driver
// and brings its schema up to date.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	_ "github.com/lib/pq"  // PostgreSQL driver
	_ "modernc.org/sqlite" // SQLite driver (pure Go)

	"github.com/onnwee/auditledger/migrations"
)

// Supported storage drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// ErrNoDatabase is returned by Open for the memory driver, which needs no pool.
var ErrNoDatabase = errors.New("memory driver has no database")

// Config configures the connection pool.
type Config struct {
	Driver       string
	DatabaseURL  string        // postgres
	SQLitePath   string        // sqlite; ":memory:" for a private in-memory database
	MaxOpenConns int           // postgres only; sqlite is always a single writer
	ConnMaxLife  time.Duration // postgres only
}

// Open opens and pings the pool described by cfg.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	switch cfg.Driver {
	case DriverPostgres:
		return openPostgres(ctx, cfg)
	case DriverSQLite:
		return openSQLite(ctx, cfg)
	case DriverMemory:
		return nil, ErrNoDatabase
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

func openPostgres(ctx context.Context, cfg Config) (*sql.DB, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("database_url is required for the postgres driver")
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 20
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen / 2)
	if cfg.ConnMaxLife > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLife)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// openSQLite opens a single-connection pool. SQLite allows one writer at a time,
// so one connection serializes every append transaction in-process, and
// _txlock=immediate takes the write lock at BEGIN for other processes sharing the file.
func openSQLite(ctx context.Context, cfg Config) (*sql.DB, error) {
	path := cfg.SQLitePath
	if path == "" {
		return nil, errors.New("sqlite_path is required for the sqlite driver")
	}

	db, err := sql.Open("sqlite", SQLiteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// SQLiteDSN builds a modernc.org/sqlite DSN with the pragmas the ledger needs.
func SQLiteDSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Set("_txlock", "immediate")
	if path != ":memory:" {
		q.Add("_pragma", "journal_mode(WAL)")
		q.Add("_pragma", "synchronous(NORMAL)")
	}
	return "file:" + path + "?" + q.Encode()
}

// Migrate applies pending schema migrations for driver.
func Migrate(ctx context.Context, db *sql.DB, driver string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	var dialect migrations.Dialect
	switch driver {
	case DriverPostgres:
		dialect = migrations.Postgres
	case DriverSQLite:
		dialect = migrations.SQLite
	default:
		return fmt.Errorf("no migrations for driver %q", driver)
	}

	n, err := migrations.Apply(ctx, db, dialect)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	if n > 0 {
		logger.Info("applied schema migrations", "driver", driver, "count", n)
	}
	return nil
}
