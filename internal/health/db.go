package health

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrSchemaNotMigrated is returned when the database answers but holds no ledger schema.
var ErrSchemaNotMigrated = errors.New("ledger schema not migrated")

// DBChecker implements health checking for the ledger's SQL database.
type DBChecker struct {
	db *sql.DB
}

// NewDBChecker creates a new database health checker.
func NewDBChecker(db *sql.DB) *DBChecker {
	return &DBChecker{
		db: db,
	}
}

// HealthCheck pings the database and confirms at least one migration has been applied.
func (d *DBChecker) HealthCheck(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return err
	}
	var applied int
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&applied); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaNotMigrated, err)
	}
	if applied == 0 {
		return ErrSchemaNotMigrated
	}
	return nil
}
