package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// Constraint names from the Postgres schema.
const (
	pgConstraintDedupeKey = "audit_events_stream_dedupe_key"
	pgConstraintStreamSeq = "audit_events_stream_seq_unique"
)

// PostgresOptions configures a Postgres-backed store.
type PostgresOptions struct {
	// LockTimeout bounds the wait for a stream's row lock. Zero leaves the server default.
	LockTimeout time.Duration
	Logger      *slog.Logger
}

// NewPostgresStore creates a Store over a lib/pq pool. Appends serialize per
// stream on a SELECT ... FOR UPDATE of the stream row.
func NewPostgresStore(db *sql.DB, opts PostgresOptions) *SQLStore {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &SQLStore{
		db:      db,
		dialect: postgresDialect{lockTimeout: opts.LockTimeout},
		logger:  opts.Logger,
	}
}

type postgresDialect struct {
	lockTimeout time.Duration
}

func (postgresDialect) system() string { return "postgresql" }

func (postgresDialect) rebind(query string) string { return query }

func (postgresDialect) timeValue(t time.Time) any { return t.UTC() }

func (postgresDialect) txOptions() *sql.TxOptions {
	return &sql.TxOptions{Isolation: sql.LevelReadCommitted}
}

func (d postgresDialect) lockStream(ctx context.Context, tx *sql.Tx, streamID string) error {
	if d.lockTimeout > 0 {
		// Transaction-local; reverts on commit or rollback.
		ms := fmt.Sprintf("%dms", d.lockTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, `SELECT set_config('lock_timeout', $1, true)`, ms); err != nil {
			return d.classify(err)
		}
	}

	var id string
	err := tx.QueryRowContext(ctx,
		`SELECT stream_id FROM audit_streams WHERE stream_id = $1 FOR UPDATE`, streamID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrStreamNotFound
	}
	if err != nil {
		return d.classify(err)
	}
	return nil
}

// classify maps SQLSTATE codes: unique violations become ledger sentinels,
// lock/serialization/connection failures become InfrastructureError, and data
// exceptions become errUnrepresentable.
func (postgresDialect) classify(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}

	switch pqErr.Code {
	case "23505": // unique_violation
		switch pqErr.Constraint {
		case pgConstraintDedupeKey:
			return fmt.Errorf("%w: %v", ErrDuplicateDedupeKey, err)
		case pgConstraintStreamSeq:
			return fmt.Errorf("%w: %v", ErrSequenceConflict, err)
		}
		return err
	case "55P03": // lock_not_available
		return &InfrastructureError{Op: "acquire stream lock", Err: err}
	case "40001", "40P01": // serialization_failure, deadlock_detected
		return &InfrastructureError{Op: "transaction aborted", Err: err}
	case "57014": // query_canceled
		return &InfrastructureError{Op: "statement cancelled", Err: err}
	}
	switch pqErr.Code.Class() {
	case "08": // connection_exception
		return &InfrastructureError{Op: "database connection", Err: err}
	case "22": // data_exception, e.g. invalid_text_representation of a uuid
		return fmt.Errorf("%w: %v", errUnrepresentable, err)
	}
	return err
}
