package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/onnwee/auditledger/internal/tracing"
)

// ExportFormat defines supported export formats.
type ExportFormat string

const (
	// ExportFormatCSV exports events as comma-separated values.
	ExportFormatCSV ExportFormat = "csv"
	// ExportFormatJSON exports events as a JSON array.
	ExportFormatJSON ExportFormat = "json"
	// ExportFormatCBOR exports events as a deterministic CBOR array.
	ExportFormatCBOR ExportFormat = "cbor"
)

// ParseExportFormat returns the format named s, defaulting to JSON for "".
func ParseExportFormat(s string) (ExportFormat, error) {
	switch ExportFormat(s) {
	case "":
		return ExportFormatJSON, nil
	case ExportFormatCSV, ExportFormatJSON, ExportFormatCBOR:
		return ExportFormat(s), nil
	}
	return "", fmt.Errorf("unsupported export format: %s", s)
}

// ContentType returns the MIME type of the format.
func (f ExportFormat) ContentType() string {
	switch f {
	case ExportFormatCSV:
		return "text/csv"
	case ExportFormatCBOR:
		return "application/cbor"
	default:
		return "application/json"
	}
}

// Export is a rendered snapshot of a stream.
type Export struct {
	StreamID string
	HeadSeq  int64
	HeadHash string
	Format   ExportFormat
	Data     []byte
}

// ExportStream renders every event of a stream in the requested format.
func (l *Ledger) ExportStream(ctx context.Context, streamID string, format ExportFormat) (_ *Export, err error) {
	ctx, endSpan := tracing.StartStreamSpan(ctx, "ledger.export", streamID, tracing.AttrExportFmt.String(string(format)))
	defer func() { endSpan(err) }()

	events, err := l.StreamEvents(ctx, streamID)
	if err != nil {
		return nil, err
	}
	data, err := ExportEvents(events, format)
	if err != nil {
		return nil, err
	}

	exp := &Export{StreamID: streamID, HeadHash: GenesisHash, Format: format, Data: data}
	if n := len(events); n > 0 {
		exp.HeadSeq = events[n-1].Seq
		exp.HeadHash = events[n-1].EventHash
	}
	return exp, nil
}

// ExportEvents renders events in the given format.
func ExportEvents(events []*Event, format ExportFormat) ([]byte, error) {
	switch format {
	case ExportFormatCSV:
		return exportToCSV(events)
	case ExportFormatJSON:
		return exportToJSON(events)
	case ExportFormatCBOR:
		return exportToCBOR(events)
	default:
		return nil, fmt.Errorf("unsupported export format: %s", format)
	}
}

type exportEvent struct {
	ID             string          `json:"event_id"`
	StreamID       string          `json:"stream_id"`
	Seq            int64           `json:"seq"`
	Timestamp      string          `json:"timestamp"` // RFC 3339, UTC
	ActorType      string          `json:"actor_type"`
	ActorID        *string         `json:"actor_id,omitempty"`
	Service        string          `json:"service"`
	Action         string          `json:"action"`
	ResourceType   string          `json:"resource_type"`
	ResourceID     string          `json:"resource_id"`
	BeforeHash     *string         `json:"before_hash,omitempty"`
	AfterHash      *string         `json:"after_hash,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	PayloadHash    string          `json:"payload_hash"`
	PrevEventHash  string          `json:"prev_event_hash"`
	EventHash      string          `json:"event_hash"`
	DedupeKey      *string         `json:"dedupe_key,omitempty"`
	ComplianceMode string          `json:"compliance_mode"`
}

func toExportEvent(e *Event) (exportEvent, error) {
	payload, err := e.Payload.Canonical()
	if err != nil {
		return exportEvent{}, fmt.Errorf("event %s: %w", e.ID, err)
	}
	return exportEvent{
		ID:             e.ID,
		StreamID:       e.StreamID,
		Seq:            e.Seq,
		Timestamp:      e.CreatedAt.UTC().Format(time.RFC3339Nano),
		ActorType:      string(e.ActorType),
		ActorID:        e.ActorID,
		Service:        e.Service,
		Action:         e.Action,
		ResourceType:   e.ResourceType,
		ResourceID:     e.ResourceID,
		BeforeHash:     e.BeforeHash,
		AfterHash:      e.AfterHash,
		Payload:        payload,
		PayloadHash:    e.PayloadHash,
		PrevEventHash:  e.PrevEventHash,
		EventHash:      e.EventHash,
		DedupeKey:      e.DedupeKey,
		ComplianceMode: string(e.ComplianceMode),
	}, nil
}

// exportToCSV exports events to CSV format. The payload column holds canonical JSON.
func exportToCSV(events []*Event) ([]byte, error) {
	buf := new(bytes.Buffer)
	writer := csv.NewWriter(buf)

	header := []string{
		"Event ID",
		"Stream ID",
		"Seq",
		"Timestamp (UTC)",
		"Actor Type",
		"Actor ID",
		"Service",
		"Action",
		"Resource Type",
		"Resource ID",
		"Before Hash",
		"After Hash",
		"Payload",
		"Payload Hash",
		"Previous Hash",
		"Event Hash",
		"Dedupe Key",
		"Compliance Mode",
	}
	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, e := range events {
		x, err := toExportEvent(e)
		if err != nil {
			return nil, err
		}
		row := []string{
			x.ID,
			x.StreamID,
			strconv.FormatInt(x.Seq, 10),
			x.Timestamp,
			x.ActorType,
			deref(x.ActorID),
			x.Service,
			x.Action,
			x.ResourceType,
			x.ResourceID,
			deref(x.BeforeHash),
			deref(x.AfterHash),
			string(x.Payload),
			x.PayloadHash,
			x.PrevEventHash,
			x.EventHash,
			deref(x.DedupeKey),
			x.ComplianceMode,
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}

	return buf.Bytes(), nil
}

// exportToJSON exports events to an indented JSON array.
func exportToJSON(events []*Event) ([]byte, error) {
	out := make([]exportEvent, len(events))
	for i, e := range events {
		x, err := toExportEvent(e)
		if err != nil {
			return nil, err
		}
		out[i] = x
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// exportToCBOR exports events using core deterministic CBOR encoding. The
// payload is embedded as its canonical JSON text so it can be re-hashed as is.
func exportToCBOR(events []*Event) ([]byte, error) {
	type cborEvent struct {
		exportEvent
		Payload string `cbor:"payload"`
	}

	out := make([]cborEvent, len(events))
	for i, e := range events {
		x, err := toExportEvent(e)
		if err != nil {
			return nil, err
		}
		out[i] = cborEvent{exportEvent: x, Payload: string(x.Payload)}
	}

	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("failed to create CBOR encoder: %w", err)
	}
	data, err := em.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal CBOR: %w", err)
	}
	return data, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
