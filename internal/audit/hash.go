package audit

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"strconv"
	"strings"
)

// Digest domains. The version suffix is part of every digest; changing either
// serialization below requires a new domain string.
const (
	DomainPayload = "auditledger/payload/v1"
	DomainEvent   = "auditledger/event/v1"
)

// GenesisHash is the prev_event_hash of the first event in every stream.
var GenesisHash = strings.Repeat("0", sha256.Size*2)

// EventFields is the fixed tuple covered by an event digest.
type EventFields struct {
	StreamID      string
	Seq           int64
	PrevEventHash string
	PayloadHash   string
	BeforeHash    *string
	AfterHash     *string
	ActorType     ActorType
	ActorID       *string
	Service       string
	Action        string
	ResourceType  string
	ResourceID    string
}

// FieldsOf extracts the hashed tuple from a stored event.
func FieldsOf(e *Event) EventFields {
	return EventFields{
		StreamID:      e.StreamID,
		Seq:           e.Seq,
		PrevEventHash: e.PrevEventHash,
		PayloadHash:   e.PayloadHash,
		BeforeHash:    e.BeforeHash,
		AfterHash:     e.AfterHash,
		ActorType:     e.ActorType,
		ActorID:       e.ActorID,
		Service:       e.Service,
		Action:        e.Action,
		ResourceType:  e.ResourceType,
		ResourceID:    e.ResourceID,
	}
}

// ComputePayloadHash returns the digest of the canonical serialization of payload.
// Semantically identical payloads hash identically regardless of map iteration order.
func ComputePayloadHash(payload Payload) (string, error) {
	canonical, err := payload.Canonical()
	if err != nil {
		return "", err
	}
	h := newDomainHash(DomainPayload)
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ComputeEventHash returns the digest of the event tuple. Each field is written
// as a presence byte followed, when present, by a 4-byte big-endian length and
// the raw bytes, so adjacent fields can never be confused.
func ComputeEventHash(f EventFields) string {
	h := newDomainHash(DomainEvent)
	writeField(h, &f.StreamID)
	seq := strconv.FormatInt(f.Seq, 10)
	writeField(h, &seq)
	writeField(h, &f.PrevEventHash)
	writeField(h, &f.PayloadHash)
	writeField(h, f.BeforeHash)
	writeField(h, f.AfterHash)
	actorType := string(f.ActorType)
	writeField(h, &actorType)
	writeField(h, f.ActorID)
	writeField(h, &f.Service)
	writeField(h, &f.Action)
	writeField(h, &f.ResourceType)
	writeField(h, &f.ResourceID)
	return hex.EncodeToString(h.Sum(nil))
}

func newDomainHash(domain string) hash.Hash {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	return h
}

func writeField(h hash.Hash, v *string) {
	if v == nil {
		h.Write([]byte{0x00})
		return
	}
	var hdr [5]byte
	hdr[0] = 0x01
	// Hashed fields are hex digests, ids, the decimal seq or request text that
	// ValidateRequest caps at MaxFieldLength bytes, far below 1<<32.
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(*v)))
	h.Write(hdr[:])
	h.Write([]byte(*v))
}
