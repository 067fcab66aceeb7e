package audit

import (
	"errors"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/onnwee/auditledger/internal/idempotency"
)

// MaxFieldLength bounds every free-text request field.
const MaxFieldLength = 256

// ValidateRequest checks the required actor, action and resource fields of req.
// It never touches storage.
func ValidateRequest(req AppendRequest) error {
	required := []struct {
		field string
		value string
	}{
		{"stream_type", req.StreamType},
		{"stream_key", req.StreamKey},
		{"service", req.Service},
		{"action", req.Action},
		{"resource_type", req.ResourceType},
		{"resource_id", req.ResourceID},
	}
	for _, f := range required {
		if f.value == "" {
			return &ValidationError{Field: f.field, Reason: "is required"}
		}
		if err := checkText(f.field, f.value); err != nil {
			return err
		}
	}

	if !req.ActorType.Valid() {
		return &ValidationError{Field: "actor_type", Reason: "must be one of SYSTEM, USER, SERVICE"}
	}

	optional := []struct {
		field string
		value *string
	}{
		{"actor_id", req.ActorID},
		{"before_hash", req.BeforeHash},
		{"after_hash", req.AfterHash},
	}
	for _, f := range optional {
		if f.value == nil {
			continue
		}
		if err := checkText(f.field, *f.value); err != nil {
			return err
		}
	}

	if req.DedupeKey != nil {
		if err := idempotency.ValidateKey(*req.DedupeKey); err != nil {
			reason := "must be 1-128 printable ASCII characters"
			if errors.Is(err, idempotency.ErrKeyTooLong) {
				reason = "exceeds 128 characters"
			}
			return &ValidationError{Field: "dedupe_key", Reason: reason}
		}
	}
	return nil
}

// resolveMode applies the ledger default to an unset mode.
func resolveMode(mode, fallback ComplianceMode) (ComplianceMode, error) {
	if mode == "" {
		mode = fallback
	}
	if !mode.Valid() {
		return "", &ValidationError{Field: "compliance_mode", Reason: "must be STANDARD or STRICT"}
	}
	return mode, nil
}

func checkText(field, value string) error {
	if !utf8.ValidString(value) {
		return &ValidationError{Field: field, Reason: "must be valid UTF-8"}
	}
	if strings.IndexByte(value, 0) >= 0 {
		return &ValidationError{Field: field, Reason: "must not contain NUL"}
	}
	if len(value) > MaxFieldLength {
		return &ValidationError{Field: field, Reason: "exceeds 256 bytes"}
	}
	return nil
}

// checkPayloadText rejects U+0000 in any string or key of a normalized
// payload. Postgres text and jsonb columns cannot hold it, and a payload must
// be storable on every backend.
func checkPayloadText(p Payload) error {
	var walk func(path string, v any) error
	walk = func(path string, v any) error {
		switch t := v.(type) {
		case string:
			if strings.IndexByte(t, 0) >= 0 {
				return &ValidationError{Field: path, Reason: "must not contain NUL"}
			}
		case map[string]any:
			for k, e := range t {
				if strings.IndexByte(k, 0) >= 0 {
					return &ValidationError{Field: path, Reason: "keys must not contain NUL"}
				}
				if err := walk(path+"."+k, e); err != nil {
					return err
				}
			}
		case []any:
			for i, e := range t {
				if err := walk(path+"["+strconv.Itoa(i)+"]", e); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return walk("payload", map[string]any(p))
}
