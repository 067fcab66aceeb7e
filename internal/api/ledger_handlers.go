package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/auditledger/internal/archive"
	"github.com/onnwee/auditledger/internal/audit"
	"github.com/onnwee/auditledger/internal/broadcast"
	"github.com/onnwee/auditledger/internal/idempotency"
	"github.com/onnwee/auditledger/internal/middleware"
)

// Query limits for GET /v1/events.
const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

// MaxAppendBodyBytes bounds the body of an append request.
const MaxAppendBodyBytes = 1 << 20

// OutcomeHeader reports whether an append created an event or matched a dedupe key.
const OutcomeHeader = "X-Ledger-Outcome"

// Ledger is the ledger surface the handlers need. *audit.Ledger satisfies it.
type Ledger interface {
	Append(ctx context.Context, req audit.AppendRequest, opts audit.AppendOptions) (audit.AppendResult, error)
	Event(ctx context.Context, eventID string) (*audit.Event, error)
	Query(ctx context.Context, filter audit.EventFilter) ([]*audit.Event, error)
	Stream(ctx context.Context, streamID string) (*audit.Stream, error)
	Streams(ctx context.Context) ([]*audit.Stream, error)
	StreamEvents(ctx context.Context, streamID string) ([]*audit.Event, error)
	VerifyStream(ctx context.Context, streamID string) (audit.VerificationResult, error)
	ExportStream(ctx context.Context, streamID string, format audit.ExportFormat) (*audit.Export, error)
}

// Archiver uploads stream exports. *archive.Service satisfies it.
type Archiver interface {
	ArchiveStream(ctx context.Context, streamID string, format audit.ExportFormat) (*archive.Result, error)
}

// LedgerHandlers holds dependencies for ledger HTTP handlers.
type LedgerHandlers struct {
	ledger      Ledger
	archiver    Archiver
	broadcaster *broadcast.Broadcaster
	metrics     *middleware.Metrics
	logger      *slog.Logger
}

// LedgerHandlersConfig configures LedgerHandlers. Archiver and Broadcaster are optional:
// without them the archive and tail endpoints answer 404.
type LedgerHandlersConfig struct {
	Ledger      Ledger
	Archiver    Archiver
	Broadcaster *broadcast.Broadcaster
	Metrics     *middleware.Metrics // Optional; counts open tail connections
	Logger      *slog.Logger
}

// NewLedgerHandlers creates a new LedgerHandlers instance.
func NewLedgerHandlers(cfg LedgerHandlersConfig) *LedgerHandlers {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &LedgerHandlers{
		ledger:      cfg.Ledger,
		archiver:    cfg.Archiver,
		broadcaster: cfg.Broadcaster,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
	}
}

// AppendEventResponse is the body of a successful append.
type AppendEventResponse struct {
	Outcome audit.Outcome `json:"outcome"`
	Event   *audit.Event  `json:"event"`
}

// AppendEvent handles POST /v1/events.
// The dedupe key comes from the Idempotency-Key header or the dedupe_key field.
// Responds 201 for a new event and 200 when the key matched an earlier one.
func (h *LedgerHandlers) AppendEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req audit.AppendRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxAppendBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			WriteError(w, ctx, http.StatusRequestEntityTooLarge, ErrCodeBadRequest, "Request body too large")
			return
		}
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON in request body")
		return
	}

	dedupeKey, err := idempotency.FromRequest(r, req.DedupeKey)
	if err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}
	req.DedupeKey = dedupeKey

	// Authenticated callers fill in the actor fields they left out
	if actor, ok := middleware.GetActor(ctx); ok {
		if req.ActorType == "" {
			req.ActorType = audit.ActorType(actor.Type)
		}
		if req.ActorID == nil && actor.ID != "" {
			req.ActorID = audit.StringPtr(actor.ID)
		}
		if req.Service == "" {
			req.Service = actor.Service
		}
	}

	opts := audit.AppendOptions{
		ComplianceMode: audit.ComplianceMode(strings.ToUpper(r.URL.Query().Get("compliance_mode"))),
	}

	result, err := h.ledger.Append(ctx, req, opts)
	if err != nil {
		WriteLedgerError(w, ctx, err)
		return
	}

	status := http.StatusCreated
	if result.Outcome == audit.OutcomeDuplicate {
		status = http.StatusOK
	}
	w.Header().Set(OutcomeHeader, string(result.Outcome))
	w.Header().Set("Location", "/v1/events/"+result.Event.ID)
	writeJSON(w, ctx, status, AppendEventResponse{Outcome: result.Outcome, Event: result.Event})
}

// GetEvent handles GET /v1/events/{id}.
func (h *LedgerHandlers) GetEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	e, err := h.ledger.Event(ctx, r.PathValue("id"))
	if err != nil {
		WriteLedgerError(w, ctx, err)
		return
	}
	writeJSON(w, ctx, http.StatusOK, e)
}

// EventListResponse is the body of event listings.
type EventListResponse struct {
	StreamID string         `json:"stream_id,omitempty"`
	Events   []*audit.Event `json:"events"`
	Count    int            `json:"count"`
}

// QueryEvents handles GET /v1/events with optional filters:
// stream_id, actor_type, actor_id, resource_type, resource_id, action,
// from and to (RFC 3339, inclusive) and limit.
func (h *LedgerHandlers) QueryEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	filter, err := parseEventFilter(r)
	if err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}

	events, err := h.ledger.Query(ctx, filter)
	if err != nil {
		WriteLedgerError(w, ctx, err)
		return
	}
	if events == nil {
		events = []*audit.Event{}
	}
	writeJSON(w, ctx, http.StatusOK, EventListResponse{Events: events, Count: len(events)})
}

func parseEventFilter(r *http.Request) (audit.EventFilter, error) {
	q := r.URL.Query()
	filter := audit.EventFilter{
		StreamID:     q.Get("stream_id"),
		ActorType:    audit.ActorType(strings.ToUpper(q.Get("actor_type"))),
		ActorID:      q.Get("actor_id"),
		ResourceType: q.Get("resource_type"),
		ResourceID:   q.Get("resource_id"),
		Action:       q.Get("action"),
		Limit:        DefaultQueryLimit,
	}

	if filter.ActorType != "" && !filter.ActorType.Valid() {
		return filter, errors.New("actor_type must be one of SYSTEM, USER, SERVICE")
	}

	for _, p := range []struct {
		name string
		dst  *time.Time
	}{
		{"from", &filter.From},
		{"to", &filter.To},
	} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return filter, fmt.Errorf("%s must be an RFC 3339 timestamp", p.name)
		}
		*p.dst = t
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return filter, errors.New("to must not be before from")
	}

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > MaxQueryLimit {
			return filter, fmt.Errorf("limit must be between 1 and %d", MaxQueryLimit)
		}
		filter.Limit = limit
	}
	return filter, nil
}

// StreamListResponse is the body of GET /v1/streams.
type StreamListResponse struct {
	Streams []*audit.Stream `json:"streams"`
	Count   int             `json:"count"`
}

// ListStreams handles GET /v1/streams.
func (h *LedgerHandlers) ListStreams(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	streams, err := h.ledger.Streams(ctx)
	if err != nil {
		WriteLedgerError(w, ctx, err)
		return
	}
	if streams == nil {
		streams = []*audit.Stream{}
	}
	writeJSON(w, ctx, http.StatusOK, StreamListResponse{Streams: streams, Count: len(streams)})
}

// StreamEvents handles GET /v1/streams/{id}/events. Events are returned seq ascending.
func (h *LedgerHandlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	streamID := r.PathValue("id")

	events, err := h.ledger.StreamEvents(ctx, streamID)
	if err != nil {
		WriteLedgerError(w, ctx, err)
		return
	}
	if events == nil {
		events = []*audit.Event{}
	}
	writeJSON(w, ctx, http.StatusOK, EventListResponse{StreamID: streamID, Events: events, Count: len(events)})
}

// VerifyStream handles GET /v1/streams/{id}/verify.
// A readable stream always yields 200 with the verdict, valid or not; a broken
// chain is not an HTTP error.
func (h *LedgerHandlers) VerifyStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	result, err := h.ledger.VerifyStream(ctx, r.PathValue("id"))
	if err != nil {
		WriteLedgerError(w, ctx, err)
		return
	}
	writeJSON(w, ctx, http.StatusOK, result)
}

// ExportStream handles GET /v1/streams/{id}/export?format=csv|json|cbor.
func (h *LedgerHandlers) ExportStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	format, err := audit.ParseExportFormat(r.URL.Query().Get("format"))
	if err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeUnsupportedFormat, "format must be csv, json or cbor")
		return
	}

	exp, err := h.ledger.ExportStream(ctx, r.PathValue("id"), format)
	if err != nil {
		WriteLedgerError(w, ctx, err)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-%d.%s"`, exp.StreamID, exp.HeadSeq, format))
	w.Header().Set("X-Ledger-Head-Seq", strconv.FormatInt(exp.HeadSeq, 10))
	w.Header().Set("X-Ledger-Head-Hash", exp.HeadHash)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(exp.Data); err != nil {
		h.logger.WarnContext(ctx, "failed to write export", "error", err, "stream_id", exp.StreamID)
	}
}

// ArchiveStream handles POST /v1/streams/{id}/archive?format=.
// Answers 404 archive_disabled when no bucket is configured.
func (h *LedgerHandlers) ArchiveStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.archiver == nil {
		WriteError(w, ctx, http.StatusNotFound, ErrCodeArchiveDisabled, "Archival is not configured")
		return
	}

	format, err := audit.ParseExportFormat(r.URL.Query().Get("format"))
	if err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeUnsupportedFormat, "format must be csv, json or cbor")
		return
	}

	streamID := r.PathValue("id")
	result, err := h.archiver.ArchiveStream(ctx, streamID, format)
	if err != nil {
		if errors.Is(err, audit.ErrStreamNotFound) || audit.IsRetryable(err) {
			WriteLedgerError(w, ctx, err)
			return
		}
		h.logger.ErrorContext(ctx, "archive upload failed", "error", err, "stream_id", streamID)
		w.Header().Set("Retry-After", retryAfterSeconds)
		WriteError(w, ctx, http.StatusBadGateway, ErrCodeUnavailable, "Archive upload failed")
		return
	}

	h.logger.InfoContext(ctx, "stream archived",
		"stream_id", streamID,
		"key", result.Key,
		"head_seq", result.HeadSeq,
		"size_bytes", result.SizeBytes,
	)
	writeJSON(w, ctx, http.StatusCreated, result)
}
