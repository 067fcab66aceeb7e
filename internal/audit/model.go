// Package audit implements the tamper-evident audit event ledger: an append-only,
// per-stream hash chain of every state-changing action in the platform, with
// idempotent appends and compliance-mode payload redaction.
package audit

import (
	"time"
)

// ActorType identifies what kind of principal performed an action.
type ActorType string

// Actor types accepted by the ledger.
const (
	ActorSystem  ActorType = "SYSTEM"
	ActorUser    ActorType = "USER"
	ActorService ActorType = "SERVICE"
)

// Valid reports whether a is one of the known actor types.
func (a ActorType) Valid() bool {
	switch a {
	case ActorSystem, ActorUser, ActorService:
		return true
	}
	return false
}

// ComplianceMode selects how aggressively payload content is redacted before storage.
type ComplianceMode string

// Compliance modes.
const (
	ModeStandard ComplianceMode = "STANDARD"
	ModeStrict   ComplianceMode = "STRICT"
)

// Valid reports whether m is one of the known compliance modes.
func (m ComplianceMode) Valid() bool {
	return m == ModeStandard || m == ModeStrict
}

// Stream is a logical ordered sequence of events scoped by (Type, Key).
// Streams are created lazily on first append and never mutated or deleted.
type Stream struct {
	ID        string    `json:"stream_id"`
	Type      string    `json:"stream_type"`
	Key       string    `json:"stream_key"`
	CreatedAt time.Time `json:"created_at"`
}

// Event is an immutable record belonging to exactly one stream.
type Event struct {
	ID        string    `json:"event_id"`
	StreamID  string    `json:"stream_id"`
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`

	ActorType ActorType `json:"actor_type"`
	ActorID   *string   `json:"actor_id,omitempty"`
	Service   string    `json:"service"`

	Action       string `json:"action"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`

	BeforeHash *string `json:"before_hash,omitempty"`
	AfterHash  *string `json:"after_hash,omitempty"`

	// Payload is the storage form of the payload, after redaction.
	Payload     Payload `json:"payload"`
	PayloadHash string  `json:"payload_hash"`

	PrevEventHash string `json:"prev_event_hash"`
	EventHash     string `json:"event_hash"`

	DedupeKey *string `json:"dedupe_key,omitempty"`

	// ComplianceMode records the mode the payload was stored under. It is not
	// part of the hashed tuple.
	ComplianceMode ComplianceMode `json:"compliance_mode"`
}

// Clone returns a deep copy of the event so callers can never mutate stored state.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	c := *e
	c.ActorID = cloneString(e.ActorID)
	c.BeforeHash = cloneString(e.BeforeHash)
	c.AfterHash = cloneString(e.AfterHash)
	c.DedupeKey = cloneString(e.DedupeKey)
	c.Payload = e.Payload.Clone()
	return &c
}

// AppendRequest is the input of an append, as supplied by the workflow engine,
// API layer or background workers.
type AppendRequest struct {
	StreamType string `json:"stream_type"`
	StreamKey  string `json:"stream_key"`

	ActorType ActorType `json:"actor_type"`
	ActorID   *string   `json:"actor_id,omitempty"`
	Service   string    `json:"service"`

	Action       string `json:"action"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`

	BeforeHash *string `json:"before_hash,omitempty"`
	AfterHash  *string `json:"after_hash,omitempty"`

	Payload   Payload `json:"payload"`
	DedupeKey *string `json:"dedupe_key,omitempty"`
}

// AppendOptions carries per-call append options.
type AppendOptions struct {
	ComplianceMode ComplianceMode
}

// Outcome describes how an append was resolved.
type Outcome string

const (
	// OutcomeCreated means a new event was committed.
	OutcomeCreated Outcome = "created"
	// OutcomeDuplicate means the dedupe key matched an existing event, which is returned unchanged.
	OutcomeDuplicate Outcome = "duplicate"
)

// AppendResult is the successful result of an append.
type AppendResult struct {
	Event   *Event
	Outcome Outcome
}

// Verification failure reasons.
const (
	ReasonSequenceGap         = "sequence_gap"
	ReasonEventHashMismatch   = "event_hash_mismatch"
	ReasonChainLinkMismatch   = "chain_link_mismatch"
	ReasonPayloadHashMismatch = "payload_hash_mismatch"
)

// VerificationResult is the verdict of a chain verification.
type VerificationResult struct {
	StreamID      string `json:"stream_id"`
	Valid         bool   `json:"valid"`
	BrokenAtSeq   int64  `json:"broken_at_seq,omitempty"`
	Reason        string `json:"reason,omitempty"`
	EventsChecked int    `json:"events_checked"`
	HeadHash      string `json:"head_hash,omitempty"`
}

// EventFilter selects events for read-only queries. Zero-valued fields are ignored.
type EventFilter struct {
	StreamID     string
	ActorType    ActorType
	ActorID      string
	ResourceType string
	ResourceID   string
	Action       string
	From         time.Time // inclusive
	To           time.Time // inclusive
	Limit        int       // 0 = no limit
}

// Matches reports whether e satisfies the filter.
func (f EventFilter) Matches(e *Event) bool {
	if f.StreamID != "" && e.StreamID != f.StreamID {
		return false
	}
	if f.ActorType != "" && e.ActorType != f.ActorType {
		return false
	}
	if f.ActorID != "" && (e.ActorID == nil || *e.ActorID != f.ActorID) {
		return false
	}
	if f.ResourceType != "" && e.ResourceType != f.ResourceType {
		return false
	}
	if f.ResourceID != "" && e.ResourceID != f.ResourceID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if !f.From.IsZero() && e.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.CreatedAt.After(f.To) {
		return false
	}
	return true
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// StringPtr returns a pointer to s. Handy for optional request fields.
func StringPtr(s string) *string {
	return &s
}
