package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/auditledger/internal/tracing"
)

// DefaultAppendTimeout bounds a whole append, including lock wait and commit.
const DefaultAppendTimeout = 5 * time.Second

// CommitHook runs after an event is committed and the stream lock is released.
// Hooks must not block; they receive a copy of the event.
type CommitHook func(e *Event)

// LedgerConfig configures a Ledger. Only Store is required.
type LedgerConfig struct {
	Store                 Store
	Cache                 StreamCache    // Optional stream-id cache
	Redactor              Redactor       // Defaults to DefaultRedactionPolicy
	Metrics               *Metrics       // Optional
	Logger                *slog.Logger   // Defaults to slog.Default
	AppendTimeout         time.Duration  // Defaults to DefaultAppendTimeout; negative disables
	DefaultComplianceMode ComplianceMode // Used when AppendOptions leaves the mode unset

	now   func() time.Time
	newID func() string
}

// Ledger is the append engine and read surface of the audit event ledger.
type Ledger struct {
	store    Store
	registry *Registry
	redactor Redactor
	metrics  *Metrics
	logger   *slog.Logger
	timeout  time.Duration
	mode     ComplianceMode
	now      func() time.Time
	newID    func() string

	hooksMu sync.RWMutex
	hooks   []CommitHook
}

// NewLedger creates a ledger over the given configuration.
func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	if cfg.Store == nil {
		return nil, ErrNilStore
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Redactor == nil {
		cfg.Redactor = DefaultRedactionPolicy()
	}
	if cfg.AppendTimeout == 0 {
		cfg.AppendTimeout = DefaultAppendTimeout
	}
	if cfg.DefaultComplianceMode == "" {
		cfg.DefaultComplianceMode = ModeStandard
	}
	if !cfg.DefaultComplianceMode.Valid() {
		return nil, fmt.Errorf("invalid default compliance mode %q", cfg.DefaultComplianceMode)
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	if cfg.newID == nil {
		cfg.newID = func() string { return uuid.New().String() }
	}

	return &Ledger{
		store:    cfg.Store,
		registry: NewRegistry(cfg.Store, cfg.Cache, cfg.Logger),
		redactor: cfg.Redactor,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		timeout:  cfg.AppendTimeout,
		mode:     cfg.DefaultComplianceMode,
		now:      cfg.now,
		newID:    cfg.newID,
	}, nil
}

// OnCommit registers a hook invoked after every newly created event.
func (l *Ledger) OnCommit(h CommitHook) {
	l.hooksMu.Lock()
	l.hooks = append(l.hooks, h)
	l.hooksMu.Unlock()
}

// Append records an event. A dedupe key that matches an existing event in the
// stream returns that event with OutcomeDuplicate; no sequence number is consumed.
//
// Errors are *ValidationError (do not retry) or *InfrastructureError (safe to
// retry the whole call; nothing was committed). The ledger never retries itself.
func (l *Ledger) Append(ctx context.Context, req AppendRequest, opts AppendOptions) (result AppendResult, err error) {
	start := time.Now()
	ctx, endSpan := tracing.StartSpan(ctx, "ledger.append")
	defer func() {
		l.metrics.ObserveAppendDuration(time.Since(start).Seconds())
		switch {
		case err == nil:
			l.metrics.IncAppend(result.Outcome)
			tracing.SetAttributes(ctx,
				tracing.AttrOutcome.String(string(result.Outcome)),
				tracing.AttrSeq.Int64(result.Event.Seq),
			)
		case errors.Is(err, ErrValidation):
			l.metrics.IncAppendError(ErrorKindValidation)
		case errors.Is(err, ErrTransient):
			l.metrics.IncAppendError(ErrorKindTransient)
		default:
			l.metrics.IncAppendError(ErrorKindInternal)
		}
		endSpan(err)
	}()

	if err := ValidateRequest(req); err != nil {
		return AppendResult{}, err
	}
	mode, err := resolveMode(opts.ComplianceMode, l.mode)
	if err != nil {
		return AppendResult{}, err
	}

	// Hashing and redaction run before any lock is taken. Both work from the
	// normalized payload so the stored form rehashes to payload_hash.
	normalized, err := req.Payload.Normalize()
	if err != nil {
		return AppendResult{}, &ValidationError{Field: "payload", Reason: err.Error()}
	}
	if err := checkPayloadText(normalized); err != nil {
		return AppendResult{}, err
	}
	payloadHash, err := ComputePayloadHash(normalized)
	if err != nil {
		return AppendResult{}, &ValidationError{Field: "payload", Reason: err.Error()}
	}
	stored := l.sanitize(req.ResourceType, normalized, mode)

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	stream, err := l.registry.Resolve(ctx, req.StreamType, req.StreamKey)
	if err != nil {
		return AppendResult{}, transient("resolve stream", err)
	}
	tracing.SetAttributes(ctx, tracing.AttrStreamID.String(stream.ID))

	if req.DedupeKey != nil {
		existing, err := l.store.FindByDedupeKey(ctx, stream.ID, *req.DedupeKey)
		switch {
		case err == nil:
			return l.duplicate(existing), nil
		case !errors.Is(err, ErrEventNotFound):
			return AppendResult{}, transient("lookup dedupe key", err)
		}
	}

	e, err := l.commit(ctx, stream.ID, req, stored, payloadHash, mode)
	if errors.Is(err, ErrDuplicateDedupeKey) {
		// Lost the insert race to an identical request; the winner is committed.
		winner, lookupErr := l.store.FindByDedupeKey(ctx, stream.ID, *req.DedupeKey)
		if lookupErr != nil {
			return AppendResult{}, transient("re-read dedupe winner", lookupErr)
		}
		return l.duplicate(winner), nil
	}
	if err != nil {
		return AppendResult{}, err
	}

	l.logger.Info("audit event appended",
		"stream_id", e.StreamID,
		"seq", e.Seq,
		"event_id", e.ID,
		"action", e.Action,
		"resource_type", e.ResourceType,
		"compliance_mode", string(e.ComplianceMode),
	)
	l.runHooks(e)
	return AppendResult{Event: e, Outcome: OutcomeCreated}, nil
}

// commit performs the locked read-last/compute/insert/commit section.
// It returns ErrDuplicateDedupeKey unwrapped when the dedupe key was taken.
func (l *Ledger) commit(ctx context.Context, streamID string, req AppendRequest, stored Payload, payloadHash string, mode ComplianceMode) (e *Event, err error) {
	tx, err := l.store.BeginAppend(ctx, streamID)
	if err != nil {
		return nil, transient("acquire stream lock", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(); rbErr != nil {
				l.logger.Warn("append rollback failed", "stream_id", streamID, "error", rbErr)
			}
		}
	}()

	if req.DedupeKey != nil {
		_, err := tx.FindByDedupeKey(ctx, *req.DedupeKey)
		switch {
		case err == nil:
			return nil, ErrDuplicateDedupeKey
		case !errors.Is(err, ErrEventNotFound):
			return nil, transient("lookup dedupe key", err)
		}
	}

	last, err := tx.LastEvent(ctx)
	if err != nil {
		return nil, transient("read last event", err)
	}

	seq := int64(1)
	prev := GenesisHash
	// Microseconds are the finest precision every backend round-trips.
	createdAt := l.now().UTC().Truncate(time.Microsecond)
	if last != nil {
		seq = last.Seq + 1
		prev = last.EventHash
		if createdAt.Before(last.CreatedAt) {
			createdAt = last.CreatedAt
		}
	}

	e = &Event{
		ID:             l.newID(),
		StreamID:       streamID,
		Seq:            seq,
		CreatedAt:      createdAt,
		ActorType:      req.ActorType,
		ActorID:        cloneString(req.ActorID),
		Service:        req.Service,
		Action:         req.Action,
		ResourceType:   req.ResourceType,
		ResourceID:     req.ResourceID,
		BeforeHash:     cloneString(req.BeforeHash),
		AfterHash:      cloneString(req.AfterHash),
		Payload:        stored,
		PayloadHash:    payloadHash,
		PrevEventHash:  prev,
		DedupeKey:      cloneString(req.DedupeKey),
		ComplianceMode: mode,
	}
	e.EventHash = ComputeEventHash(FieldsOf(e))

	if err := tx.Insert(ctx, e); err != nil {
		if errors.Is(err, ErrDuplicateDedupeKey) {
			return nil, ErrDuplicateDedupeKey
		}
		return nil, transient("insert event", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, transient("commit append", err)
	}
	committed = true
	return e, nil
}

func (l *Ledger) duplicate(e *Event) AppendResult {
	l.logger.Info("duplicate append resolved to existing event",
		"stream_id", e.StreamID,
		"seq", e.Seq,
		"event_id", e.ID,
	)
	return AppendResult{Event: e, Outcome: OutcomeDuplicate}
}

// sanitize shields the append path from a misbehaving pluggable redactor.
// A panic in STRICT mode withholds every field rather than storing raw content.
func (l *Ledger) sanitize(resourceType string, p Payload, mode ComplianceMode) (out Payload) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("redactor panicked", "resource_type", resourceType, "panic", r)
			out = withholdAll(p, mode)
		}
	}()
	out = l.redactor.Sanitize(resourceType, p, mode)
	if out == nil {
		out = Payload{}
	}
	return out
}

func withholdAll(p Payload, mode ComplianceMode) Payload {
	if mode != ModeStrict {
		return p.Clone()
	}
	out := make(Payload, len(p))
	for k := range p {
		out[k] = nil
	}
	return out
}

func (l *Ledger) runHooks(e *Event) {
	l.hooksMu.RLock()
	hooks := l.hooks
	l.hooksMu.RUnlock()
	for _, h := range hooks {
		h(e.Clone())
	}
}

// Stream returns the stream with the given id.
func (l *Ledger) Stream(ctx context.Context, streamID string) (*Stream, error) {
	st, err := l.store.GetStream(ctx, streamID)
	return st, transient("get stream", err)
}

// ResolveStream returns the stream for (streamType, streamKey), creating it if needed.
func (l *Ledger) ResolveStream(ctx context.Context, streamType, streamKey string) (*Stream, error) {
	if streamType == "" || streamKey == "" {
		return nil, &ValidationError{Field: "stream", Reason: "type and key are required"}
	}
	st, err := l.registry.Resolve(ctx, streamType, streamKey)
	return st, transient("resolve stream", err)
}

// Streams lists every stream.
func (l *Ledger) Streams(ctx context.Context) ([]*Stream, error) {
	streams, err := l.store.ListStreams(ctx)
	return streams, transient("list streams", err)
}

// StreamEvents returns a stream's events, seq ascending.
func (l *Ledger) StreamEvents(ctx context.Context, streamID string) ([]*Event, error) {
	events, err := l.store.ListStreamEvents(ctx, streamID)
	return events, transient("list stream events", err)
}

// Event returns a single event by id.
func (l *Ledger) Event(ctx context.Context, eventID string) (*Event, error) {
	e, err := l.store.GetEvent(ctx, eventID)
	return e, transient("get event", err)
}

// Query returns events matching filter.
func (l *Ledger) Query(ctx context.Context, filter EventFilter) ([]*Event, error) {
	events, err := l.store.QueryEvents(ctx, filter)
	return events, transient("query events", err)
}
