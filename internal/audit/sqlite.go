package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// NewSQLiteStore creates a Store over a modernc.org/sqlite pool. The pool must
// be limited to one connection (see db.Open), which serializes append
// transactions in-process; BEGIN IMMEDIATE serializes them across processes.
func NewSQLiteStore(db *sql.DB, logger *slog.Logger) *SQLStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLStore{db: db, dialect: sqliteDialect{}, logger: logger}
}

type sqliteDialect struct{}

func (sqliteDialect) system() string { return "sqlite" }

// rebind turns $1..$n into positional ? markers. Every query in this package
// uses each placeholder once, in ascending order.
func (sqliteDialect) rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query))
	for i := 0; i < len(query); i++ {
		c := query[i]
		if c == '$' && i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
			b.WriteByte('?')
			for i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
				i++
			}
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func (sqliteDialect) timeValue(t time.Time) any {
	return t.UTC().Format(sqliteTimeLayout)
}

func (sqliteDialect) txOptions() *sql.TxOptions { return nil }

func (d sqliteDialect) lockStream(ctx context.Context, tx *sql.Tx, streamID string) error {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT stream_id FROM audit_streams WHERE stream_id = ?`, streamID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrStreamNotFound
	}
	if err != nil {
		return d.classify(err)
	}
	return nil
}

func (sqliteDialect) classify(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}

	code := sqliteErr.Code()
	switch code {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		msg := sqliteErr.Error()
		switch {
		case strings.Contains(msg, "audit_events.dedupe_key"):
			return fmt.Errorf("%w: %v", ErrDuplicateDedupeKey, err)
		case strings.Contains(msg, "audit_events.seq"):
			return fmt.Errorf("%w: %v", ErrSequenceConflict, err)
		}
		return err
	}
	switch code & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return &InfrastructureError{Op: "database locked", Err: err}
	case sqlite3.SQLITE_INTERRUPT:
		return &InfrastructureError{Op: "statement interrupted", Err: err}
	}
	return err
}
