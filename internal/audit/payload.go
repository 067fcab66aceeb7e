package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// Payload is the structured data describing an action. Values must be JSON
// serializable. Numbers decoded through UnmarshalJSON are kept as json.Number so
// their textual form survives a storage round trip.
type Payload map[string]any

// UnmarshalJSON decodes a JSON object, preserving numbers as json.Number.
func (p *Payload) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	*p = m
	return nil
}

// Clone returns a deep copy of the payload.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	return cloneValue(map[string]any(p)).(map[string]any)
}

// Normalize returns the payload in the form the ledger hashes and stores: its
// JSON encoding decoded again, so typed slices, typed maps and structs become
// []any and map[string]any and numbers become json.Number, with every string
// and object key then put in Unicode NFC. The result equals what a store hands
// back after a round trip. A nil payload normalizes to an empty one.
func (p Payload) Normalize() (Payload, error) {
	if p == nil {
		return Payload{}, nil
	}
	raw, err := json.Marshal(map[string]any(p))
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	var decoded Payload
	if err := decoded.UnmarshalJSON(raw); err != nil {
		return nil, err
	}
	return normalizeValue(map[string]any(decoded)).(map[string]any), nil
}

// Canonical returns the RFC 8785 (JCS) serialization of the normalized payload.
// A nil payload canonicalizes to "{}".
func (p Payload) Canonical() ([]byte, error) {
	n, err := p.Normalize()
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(map[string]any(n))
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	return out, nil
}

// Encode returns the normalized payload as compact JSON. Unlike Canonical it
// keeps numbers in their decoded textual form, so integers beyond 2^53 survive
// storage exactly.
func (p Payload) Encode() ([]byte, error) {
	n, err := p.Normalize()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(map[string]any(n)); err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = cloneValue(e)
		}
		return m
	case Payload:
		return Payload(cloneValue(map[string]any(t)).(map[string]any))
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = cloneValue(e)
		}
		return s
	default:
		return v
	}
}

// normalizeValue walks a decoded JSON value.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t)
	case map[string]any:
		// Sorted iteration keeps the result deterministic when two keys collapse
		// to the same NFC form.
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		m := make(map[string]any, len(t))
		for _, k := range keys {
			m[norm.NFC.String(k)] = normalizeValue(t[k])
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = normalizeValue(e)
		}
		return s
	default:
		return v
	}
}
