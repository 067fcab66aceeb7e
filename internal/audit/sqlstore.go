package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/auditledger/internal/tracing"
)

const (
	tableStreams = "audit_streams"
	tableEvents  = "audit_events"
)

const eventColumns = `event_id, stream_id, seq, created_at, actor_type, actor_id, service, action,
	resource_type, resource_id, before_hash, after_hash, payload_json, payload_hash,
	prev_event_hash, event_hash, dedupe_key, compliance_mode`

// dialect isolates what differs between the SQL backends.
type dialect interface {
	// system is the OpenTelemetry db.system value.
	system() string
	// rebind rewrites $1..$n placeholders for the driver.
	rebind(query string) string
	timeValue(t time.Time) any
	txOptions() *sql.TxOptions
	// lockStream takes the per-stream ordering lock inside tx.
	lockStream(ctx context.Context, tx *sql.Tx, streamID string) error
	// classify maps driver errors onto ledger sentinels.
	classify(err error) error
}

// SQLStore is a Store backed by database/sql. The append lock is dialect
// specific; see NewPostgresStore and NewSQLiteStore.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	logger  *slog.Logger
}

// DB returns the underlying pool.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// ResolveStream inserts the stream row, falling back to a lookup when a
// concurrent writer created it first.
func (s *SQLStore) ResolveStream(ctx context.Context, streamType, streamKey string) (st *Stream, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, s.dialect.system(), tableStreams, tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	query := s.dialect.rebind(`
		INSERT INTO audit_streams (stream_id, stream_type, stream_key, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (stream_type, stream_key) DO NOTHING
		RETURNING stream_id, stream_type, stream_key, created_at`)

	st, err = scanStream(s.db.QueryRowContext(ctx, query,
		uuid.New().String(), streamType, streamKey, s.dialect.timeValue(time.Now().UTC())))
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, s.dialect.classify(err)
	}

	st, err = scanStream(s.db.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT stream_id, stream_type, stream_key, created_at
		FROM audit_streams WHERE stream_type = $1 AND stream_key = $2`), streamType, streamKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stream (%s, %s) vanished after insert conflict: %w", streamType, streamKey, err)
	}
	if err != nil {
		return nil, s.dialect.classify(err)
	}
	return st, nil
}

// GetStream returns a stream by id.
func (s *SQLStore) GetStream(ctx context.Context, streamID string) (st *Stream, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, s.dialect.system(), tableStreams, tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	st, err = scanStream(s.db.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT stream_id, stream_type, stream_key, created_at
		FROM audit_streams WHERE stream_id = $1`), streamID))
	if err != nil {
		return nil, s.lookupErr(err, ErrStreamNotFound)
	}
	return st, nil
}

// ListStreams returns every stream ordered by creation time.
func (s *SQLStore) ListStreams(ctx context.Context) (streams []*Stream, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, s.dialect.system(), tableStreams, tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	rows, err := s.db.QueryContext(ctx, `
		SELECT stream_id, stream_type, stream_key, created_at
		FROM audit_streams ORDER BY created_at, stream_id`)
	if err != nil {
		return nil, s.dialect.classify(err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		st, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		streams = append(streams, st)
	}
	if err := rows.Err(); err != nil {
		return nil, s.dialect.classify(err)
	}
	return streams, nil
}

// FindByDedupeKey looks up an event without taking the stream lock.
func (s *SQLStore) FindByDedupeKey(ctx context.Context, streamID, key string) (e *Event, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, s.dialect.system(), tableEvents, tracing.DBOperationQuery)
	defer func() { endSpan(err) }()
	return s.findByDedupeKey(ctx, s.db, streamID, key)
}

func (s *SQLStore) findByDedupeKey(ctx context.Context, q queryer, streamID, key string) (*Event, error) {
	e, err := scanEvent(q.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT `+eventColumns+`
		FROM audit_events WHERE stream_id = $1 AND dedupe_key = $2`), streamID, key))
	if err != nil {
		return nil, s.lookupErr(err, ErrEventNotFound)
	}
	return e, nil
}

// BeginAppend opens a transaction and takes the stream lock.
func (s *SQLStore) BeginAppend(ctx context.Context, streamID string) (AppendTx, error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, s.dialect.system(), tableStreams, tracing.DBOperationLock)

	tx, err := s.db.BeginTx(ctx, s.dialect.txOptions())
	if err != nil {
		err = s.dialect.classify(err)
		endSpan(err)
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := s.dialect.lockStream(ctx, tx, streamID); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("failed to rollback transaction", "stream_id", streamID, "error", rbErr)
		}
		endSpan(err)
		return nil, err
	}
	endSpan(nil)
	return &sqlTx{store: s, tx: tx, streamID: streamID}, nil
}

// ListStreamEvents returns a stream's events, seq ascending.
func (s *SQLStore) ListStreamEvents(ctx context.Context, streamID string) (events []*Event, err error) {
	if _, err := s.GetStream(ctx, streamID); err != nil {
		return nil, err
	}

	ctx, endSpan := tracing.StartDBSpan(ctx, s.dialect.system(), tableEvents, tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT `+eventColumns+`
		FROM audit_events WHERE stream_id = $1 ORDER BY seq ASC`), streamID)
	if err != nil {
		return nil, s.dialect.classify(err)
	}
	return s.collectEvents(rows)
}

// GetEvent returns an event by id.
func (s *SQLStore) GetEvent(ctx context.Context, eventID string) (e *Event, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, s.dialect.system(), tableEvents, tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	e, err = scanEvent(s.db.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT `+eventColumns+` FROM audit_events WHERE event_id = $1`), eventID))
	if err != nil {
		return nil, s.lookupErr(err, ErrEventNotFound)
	}
	return e, nil
}

// lookupErr maps the error of a single-row lookup by key. An id the column
// type cannot hold matches no row, so it reports notFound as well.
func (s *SQLStore) lookupErr(err, notFound error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return notFound
	}
	err = s.dialect.classify(err)
	if errors.Is(err, errUnrepresentable) {
		return notFound
	}
	return err
}

// QueryEvents returns events matching filter, oldest first.
func (s *SQLStore) QueryEvents(ctx context.Context, filter EventFilter) (events []*Event, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, s.dialect.system(), tableEvents, tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query, args := s.buildFilterQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		err = s.dialect.classify(err)
		if errors.Is(err, errUnrepresentable) {
			return nil, nil
		}
		return nil, err
	}
	return s.collectEvents(rows)
}

func (s *SQLStore) buildFilterQuery(f EventFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, strings.Replace(cond, "?", "$"+strconv.Itoa(len(args)), 1))
	}

	if f.StreamID != "" {
		add("stream_id = ?", f.StreamID)
	}
	if f.ActorType != "" {
		add("actor_type = ?", string(f.ActorType))
	}
	if f.ActorID != "" {
		add("actor_id = ?", f.ActorID)
	}
	if f.ResourceType != "" {
		add("resource_type = ?", f.ResourceType)
	}
	if f.ResourceID != "" {
		add("resource_id = ?", f.ResourceID)
	}
	if f.Action != "" {
		add("action = ?", f.Action)
	}
	if !f.From.IsZero() {
		add("created_at >= ?", s.dialect.timeValue(f.From.UTC()))
	}
	if !f.To.IsZero() {
		add("created_at <= ?", s.dialect.timeValue(f.To.UTC()))
	}

	var b strings.Builder
	b.WriteString("SELECT " + eventColumns + " FROM audit_events")
	if len(conds) > 0 {
		b.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}
	b.WriteString(" ORDER BY created_at, stream_id, seq")
	if f.Limit > 0 {
		args = append(args, f.Limit)
		b.WriteString(" LIMIT $" + strconv.Itoa(len(args)))
	}
	return s.dialect.rebind(b.String()), args
}

func (s *SQLStore) collectEvents(rows *sql.Rows) ([]*Event, error) {
	defer func() { _ = rows.Close() }()

	var events []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, s.dialect.classify(err)
	}
	return events, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlTx struct {
	store    *SQLStore
	tx       *sql.Tx
	streamID string
	done     bool
}

func (t *sqlTx) FindByDedupeKey(ctx context.Context, key string) (*Event, error) {
	return t.store.findByDedupeKey(ctx, t.tx, t.streamID, key)
}

func (t *sqlTx) LastEvent(ctx context.Context) (*Event, error) {
	s := t.store
	e, err := scanEvent(t.tx.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT `+eventColumns+`
		FROM audit_events WHERE stream_id = $1 ORDER BY seq DESC LIMIT 1`), t.streamID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.dialect.classify(err)
	}
	return e, nil
}

func (t *sqlTx) Insert(ctx context.Context, e *Event) (err error) {
	s := t.store
	ctx, endSpan := tracing.StartDBSpan(ctx, s.dialect.system(), tableEvents, tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	payload, err := e.Payload.Encode()
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	_, err = t.tx.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO audit_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`),
		e.ID,
		e.StreamID,
		e.Seq,
		s.dialect.timeValue(e.CreatedAt),
		string(e.ActorType),
		nullString(e.ActorID),
		e.Service,
		e.Action,
		e.ResourceType,
		e.ResourceID,
		nullString(e.BeforeHash),
		nullString(e.AfterHash),
		string(payload),
		e.PayloadHash,
		e.PrevEventHash,
		e.EventHash,
		nullString(e.DedupeKey),
		string(e.ComplianceMode),
	)
	if err != nil {
		return s.dialect.classify(err)
	}
	return nil
}

func (t *sqlTx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return t.store.dialect.classify(err)
	}
	return nil
}

func (t *sqlTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStream(row rowScanner) (*Stream, error) {
	var (
		st        Stream
		createdAt dbTime
	)
	if err := row.Scan(&st.ID, &st.Type, &st.Key, &createdAt); err != nil {
		return nil, err
	}
	st.CreatedAt = createdAt.Time
	return &st, nil
}

func scanEvent(row rowScanner) (*Event, error) {
	var (
		e                              Event
		createdAt                      dbTime
		actorType, mode                string
		actorID, before, after, dedupe sql.NullString
		payload                        []byte
	)
	err := row.Scan(
		&e.ID,
		&e.StreamID,
		&e.Seq,
		&createdAt,
		&actorType,
		&actorID,
		&e.Service,
		&e.Action,
		&e.ResourceType,
		&e.ResourceID,
		&before,
		&after,
		&payload,
		&e.PayloadHash,
		&e.PrevEventHash,
		&e.EventHash,
		&dedupe,
		&mode,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &e.Payload); err != nil {
		return nil, fmt.Errorf("event %s: %w", e.ID, err)
	}
	e.CreatedAt = createdAt.Time
	e.ActorType = ActorType(actorType)
	e.ComplianceMode = ComplianceMode(mode)
	e.ActorID = fromNullString(actorID)
	e.BeforeHash = fromNullString(before)
	e.AfterHash = fromNullString(after)
	e.DedupeKey = fromNullString(dedupe)
	return &e, nil
}

// sqliteTimeLayout is fixed width so lexical order equals time order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// dbTime scans both native timestamps and the SQLite text layout.
type dbTime struct {
	Time time.Time
}

func (t *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		t.Time = v.UTC()
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	case nil:
		return errors.New("created_at is NULL")
	}
	return fmt.Errorf("unsupported timestamp type %T", src)
}

func (t *dbTime) parse(s string) error {
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	t.Time = parsed.UTC()
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
