package audit

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
)

var streamCols = []string{"stream_id", "stream_type", "stream_key", "created_at"}

var eventCols = []string{
	"event_id", "stream_id", "seq", "created_at", "actor_type", "actor_id", "service", "action",
	"resource_type", "resource_id", "before_hash", "after_hash", "payload_json", "payload_hash",
	"prev_event_hash", "event_hash", "dedupe_key", "compliance_mode",
}

func newMockPostgresStore(t *testing.T, opts PostgresOptions) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	opts.Logger = discardLogger()
	return NewPostgresStore(db, opts), mock
}

func eventRow(e *Event) []any {
	payload, _ := e.Payload.Canonical()
	return []any{
		e.ID, e.StreamID, e.Seq, e.CreatedAt, string(e.ActorType), nullString(e.ActorID),
		e.Service, e.Action, e.ResourceType, e.ResourceID, nullString(e.BeforeHash),
		nullString(e.AfterHash), payload, e.PayloadHash, e.PrevEventHash, e.EventHash,
		nullString(e.DedupeKey), string(e.ComplianceMode),
	}
}

func toDriverValues(vals []any) []driver.Value {
	out := make([]driver.Value, len(vals))
	for i, v := range vals {
		if ns, ok := v.(driver.Valuer); ok {
			dv, _ := ns.Value()
			out[i] = dv
			continue
		}
		out[i] = v
	}
	return out
}

func TestPostgresStore_ResolveStream(t *testing.T) {
	store, mock := newMockPostgresStore(t, PostgresOptions{})
	ctx := context.Background()
	now := time.Now().UTC()

	mock.ExpectQuery("INSERT INTO audit_streams").
		WithArgs(sqlmock.AnyArg(), "MANUSCRIPT", "ms-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(streamCols).AddRow("stream-1", "MANUSCRIPT", "ms-1", now))

	st, err := store.ResolveStream(ctx, "MANUSCRIPT", "ms-1")
	if err != nil {
		t.Fatalf("ResolveStream() error = %v", err)
	}
	if st.ID != "stream-1" {
		t.Errorf("ResolveStream().ID = %s, want stream-1", st.ID)
	}

	// A concurrent creator won: the insert returns nothing and the row is read back.
	mock.ExpectQuery("INSERT INTO audit_streams").
		WithArgs(sqlmock.AnyArg(), "MANUSCRIPT", "ms-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(streamCols))
	mock.ExpectQuery("SELECT stream_id, stream_type, stream_key, created_at FROM audit_streams WHERE stream_type").
		WithArgs("MANUSCRIPT", "ms-1").
		WillReturnRows(sqlmock.NewRows(streamCols).AddRow("stream-1", "MANUSCRIPT", "ms-1", now))

	st, err = store.ResolveStream(ctx, "MANUSCRIPT", "ms-1")
	if err != nil {
		t.Fatalf("ResolveStream() after conflict error = %v", err)
	}
	if st.ID != "stream-1" {
		t.Errorf("ResolveStream().ID = %s, want stream-1", st.ID)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestPostgresStore_AppendFlow(t *testing.T) {
	store, mock := newMockPostgresStore(t, PostgresOptions{LockTimeout: 250 * time.Millisecond})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l, err := NewLedger(LedgerConfig{
		Store:  store,
		Logger: discardLogger(),
		now:    func() time.Time { return now },
		newID:  func() string { return "evt-1" },
	})
	if err != nil {
		t.Fatal(err)
	}

	mock.ExpectQuery("INSERT INTO audit_streams").
		WillReturnRows(sqlmock.NewRows(streamCols).AddRow("stream-1", "MANUSCRIPT", "ms-1", now))
	mock.ExpectQuery("FROM audit_events WHERE stream_id = \\$1 AND dedupe_key = \\$2").
		WithArgs("stream-1", "req-77").
		WillReturnRows(sqlmock.NewRows(eventCols))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT set_config('lock_timeout', $1, true)")).
		WithArgs("250ms").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("stream-1").
		WillReturnRows(sqlmock.NewRows([]string{"stream_id"}).AddRow("stream-1"))
	mock.ExpectQuery("FROM audit_events WHERE stream_id = \\$1 AND dedupe_key = \\$2").
		WithArgs("stream-1", "req-77").
		WillReturnRows(sqlmock.NewRows(eventCols))
	mock.ExpectQuery("ORDER BY seq DESC LIMIT 1").
		WithArgs("stream-1").
		WillReturnRows(sqlmock.NewRows(eventCols))
	mock.ExpectExec("INSERT INTO audit_events").
		WithArgs("evt-1", "stream-1", int64(1), sqlmock.AnyArg(), "USER", "user-1", "editorial", "UPDATE",
			"MANUSCRIPT", "ms-1", nil, nil, `{"title":"Draft"}`, sqlmock.AnyArg(), GenesisHash,
			sqlmock.AnyArg(), "req-77", "STANDARD").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	req := validRequest()
	req.Action = "UPDATE"
	req.DedupeKey = StringPtr("req-77")
	res, err := l.Append(context.Background(), req, AppendOptions{})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if res.Outcome != OutcomeCreated || res.Event.Seq != 1 {
		t.Errorf("Append() = %q seq %d, want created seq 1", res.Outcome, res.Event.Seq)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestPostgresStore_AppendDedupeRace(t *testing.T) {
	store, mock := newMockPostgresStore(t, PostgresOptions{})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l, err := NewLedger(LedgerConfig{Store: store, Logger: discardLogger(), now: func() time.Time { return now }})
	if err != nil {
		t.Fatal(err)
	}

	winner := &Event{
		ID: "winner", StreamID: "stream-1", Seq: 4, CreatedAt: now, ActorType: ActorUser,
		ActorID: StringPtr("user-1"), Service: "editorial", Action: "UPDATE", ResourceType: "MANUSCRIPT",
		ResourceID: "ms-1", Payload: Payload{"title": "Draft"}, PayloadHash: GenesisHash,
		PrevEventHash: GenesisHash, EventHash: GenesisHash, DedupeKey: StringPtr("req-77"),
		ComplianceMode: ModeStandard,
	}

	mock.ExpectQuery("INSERT INTO audit_streams").
		WillReturnRows(sqlmock.NewRows(streamCols).AddRow("stream-1", "MANUSCRIPT", "ms-1", now))
	mock.ExpectQuery("dedupe_key = \\$2").WillReturnRows(sqlmock.NewRows(eventCols))
	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WillReturnRows(sqlmock.NewRows([]string{"stream_id"}).AddRow("stream-1"))
	mock.ExpectQuery("dedupe_key = \\$2").WillReturnRows(sqlmock.NewRows(eventCols))
	mock.ExpectQuery("ORDER BY seq DESC LIMIT 1").WillReturnRows(sqlmock.NewRows(eventCols))
	mock.ExpectExec("INSERT INTO audit_events").
		WillReturnError(&pq.Error{Code: "23505", Constraint: pgConstraintDedupeKey})
	mock.ExpectRollback()
	mock.ExpectQuery("dedupe_key = \\$2").
		WithArgs("stream-1", "req-77").
		WillReturnRows(sqlmock.NewRows(eventCols).AddRow(toDriverValues(eventRow(winner))...))

	req := validRequest()
	req.Action = "UPDATE"
	req.DedupeKey = StringPtr("req-77")
	res, err := l.Append(context.Background(), req, AppendOptions{})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if res.Outcome != OutcomeDuplicate || res.Event.ID != "winner" {
		t.Errorf("Append() = %q %s, want duplicate of winner", res.Outcome, res.Event.ID)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestPostgresStore_LockTimeout(t *testing.T) {
	store, mock := newMockPostgresStore(t, PostgresOptions{})

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("stream-1").
		WillReturnError(&pq.Error{Code: "55P03", Message: "canceling statement due to lock timeout"})
	mock.ExpectRollback()

	_, err := store.BeginAppend(context.Background(), "stream-1")
	if !errors.Is(err, ErrTransient) {
		t.Errorf("BeginAppend() error = %v, want ErrTransient", err)
	}

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WithArgs("missing").WillReturnRows(sqlmock.NewRows([]string{"stream_id"}))
	mock.ExpectRollback()

	_, err = store.BeginAppend(context.Background(), "missing")
	if !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("BeginAppend() error = %v, want ErrStreamNotFound", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestPostgresStore_ListStreamEvents(t *testing.T) {
	store, mock := newMockPostgresStore(t, PostgresOptions{})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := buildChain(t, 2)

	mock.ExpectQuery("FROM audit_streams WHERE stream_id = \\$1").
		WithArgs("stream-1").
		WillReturnRows(sqlmock.NewRows(streamCols).AddRow("stream-1", "MANUSCRIPT", "ms-1", now))
	rows := sqlmock.NewRows(eventCols)
	for _, e := range events {
		rows.AddRow(toDriverValues(eventRow(e))...)
	}
	mock.ExpectQuery("ORDER BY seq ASC").WithArgs("stream-1").WillReturnRows(rows)

	got, err := store.ListStreamEvents(context.Background(), "stream-1")
	if err != nil {
		t.Fatalf("ListStreamEvents() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(got))
	}
	if result := VerifyEvents("stream-1", got); !result.Valid {
		t.Errorf("VerifyEvents() on scanned rows = %+v, want valid", result)
	}
	if *got[0].ActorID != "svc-1" || got[0].BeforeHash != nil {
		t.Errorf("nullable columns scanned as actor=%v before=%v", got[0].ActorID, got[0].BeforeHash)
	}

	mock.ExpectQuery("FROM audit_streams WHERE stream_id = \\$1").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(streamCols))
	if _, err := store.ListStreamEvents(context.Background(), "missing"); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("ListStreamEvents(missing) error = %v, want ErrStreamNotFound", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestPostgresStore_BuildFilterQuery(t *testing.T) {
	store, _ := newMockPostgresStore(t, PostgresOptions{})
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	query, args := store.buildFilterQuery(EventFilter{
		ActorType:  ActorUser,
		ResourceID: "ms-1",
		From:       from,
		Limit:      10,
	})
	want := "SELECT " + eventColumns + " FROM audit_events WHERE actor_type = $1 AND resource_id = $2 AND created_at >= $3 ORDER BY created_at, stream_id, seq LIMIT $4"
	if query != want {
		t.Errorf("buildFilterQuery() query =\n%s\nwant\n%s", query, want)
	}
	if len(args) != 4 || args[0] != "USER" || args[1] != "ms-1" || args[3] != 10 {
		t.Errorf("buildFilterQuery() args = %v", args)
	}

	query, args = store.buildFilterQuery(EventFilter{})
	if len(args) != 0 || query != "SELECT "+eventColumns+" FROM audit_events ORDER BY created_at, stream_id, seq" {
		t.Errorf("buildFilterQuery(empty) = %s %v", query, args)
	}
}

func TestPostgresDialect_Classify(t *testing.T) {
	d := postgresDialect{}
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"dedupe violation", &pq.Error{Code: "23505", Constraint: pgConstraintDedupeKey}, ErrDuplicateDedupeKey},
		{"seq violation", &pq.Error{Code: "23505", Constraint: pgConstraintStreamSeq}, ErrSequenceConflict},
		{"lock timeout", &pq.Error{Code: "55P03"}, ErrTransient},
		{"serialization failure", &pq.Error{Code: "40001"}, ErrTransient},
		{"deadlock", &pq.Error{Code: "40P01"}, ErrTransient},
		{"query cancelled", &pq.Error{Code: "57014"}, ErrTransient},
		{"connection failure", &pq.Error{Code: "08006"}, ErrTransient},
		{"wrapped", fmt.Errorf("insert: %w", &pq.Error{Code: "40P01"}), ErrTransient},
		{"malformed uuid", &pq.Error{Code: "22P02"}, errUnrepresentable},
		{"untranslatable character", &pq.Error{Code: "22P05"}, errUnrepresentable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := d.classify(tt.err); !errors.Is(got, tt.want) {
				t.Errorf("classify() = %v, want %v", got, tt.want)
			}
		})
	}

	other := &pq.Error{Code: "23502"}
	if got := d.classify(other); errors.Is(got, ErrTransient) || got != error(other) {
		t.Errorf("classify(not_null_violation) = %v, want unchanged", got)
	}
	if d.classify(nil) != nil {
		t.Error("classify(nil) != nil")
	}
}

func TestPostgresStore_MalformedIDsAreNotFound(t *testing.T) {
	store, mock := newMockPostgresStore(t, PostgresOptions{})
	l, err := NewLedger(LedgerConfig{Store: store, Logger: discardLogger()})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	badUUID := &pq.Error{Code: "22P02", Message: `invalid input syntax for type uuid: "abc"`}

	mock.ExpectQuery("FROM audit_events WHERE event_id = \\$1").WithArgs("abc").WillReturnError(badUUID)
	_, err = l.Event(ctx, "abc")
	if !errors.Is(err, ErrEventNotFound) || IsRetryable(err) {
		t.Errorf("Event(abc) error = %v, want ErrEventNotFound", err)
	}

	mock.ExpectQuery("FROM audit_streams WHERE stream_id = \\$1").WithArgs("abc").WillReturnError(badUUID)
	_, err = l.VerifyStream(ctx, "abc")
	if !errors.Is(err, ErrStreamNotFound) || IsRetryable(err) {
		t.Errorf("VerifyStream(abc) error = %v, want ErrStreamNotFound", err)
	}

	mock.ExpectQuery("FROM audit_streams WHERE stream_id = \\$1").WithArgs("abc").WillReturnError(badUUID)
	_, err = l.ExportStream(ctx, "abc", ExportFormatJSON)
	if !errors.Is(err, ErrStreamNotFound) || IsRetryable(err) {
		t.Errorf("ExportStream(abc) error = %v, want ErrStreamNotFound", err)
	}

	mock.ExpectQuery("FROM audit_events WHERE stream_id = \\$1").WithArgs("abc").WillReturnError(badUUID)
	events, err := l.Query(ctx, EventFilter{StreamID: "abc"})
	if err != nil || len(events) != 0 {
		t.Errorf("Query(stream abc) = %d events, %v, want none", len(events), err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestPostgresStore_StatementErrorsAreNotRetryable(t *testing.T) {
	store, mock := newMockPostgresStore(t, PostgresOptions{})
	l, err := NewLedger(LedgerConfig{Store: store, Logger: discardLogger()})
	if err != nil {
		t.Fatal(err)
	}

	mock.ExpectQuery("FROM audit_events WHERE event_id").
		WillReturnError(&pq.Error{Code: "42P01", Message: `relation "audit_events" does not exist`})
	_, err = l.Event(context.Background(), "0b6f2c1e-1111-4a4a-8b8b-222222222222")
	if err == nil || IsRetryable(err) || errors.Is(err, ErrEventNotFound) {
		t.Errorf("Event() error = %v, want a non-retryable failure", err)
	}

	mock.ExpectQuery("FROM audit_events WHERE event_id").WillReturnError(&net.OpError{Op: "read", Net: "tcp", Err: errors.New("connection reset by peer")})
	_, err = l.Event(context.Background(), "0b6f2c1e-1111-4a4a-8b8b-222222222222")
	if !IsRetryable(err) {
		t.Errorf("Event() error = %v, want retryable", err)
	}
}
