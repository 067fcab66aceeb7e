// Package idempotency validates caller-supplied dedupe keys and extracts them
// from HTTP requests.
package idempotency

import (
	"errors"
	"net/http"
	"strings"
)

// HeaderName is the HTTP header carrying a dedupe key.
const HeaderName = "Idempotency-Key"

var (
	// ErrInvalidKey is returned when the key is empty or contains characters outside printable ASCII.
	ErrInvalidKey = errors.New("invalid idempotency key")

	// ErrKeyTooLong is returned when the key exceeds maximum length.
	ErrKeyTooLong = errors.New("idempotency key exceeds maximum length of 128 characters")

	// ErrConflictingKeys is returned when the header and the request body carry different keys.
	ErrConflictingKeys = errors.New("idempotency key header does not match dedupe_key")
)

// MaxKeyLength is the maximum allowed length for an idempotency key.
const MaxKeyLength = 128

// ValidateKey checks if an idempotency key is valid.
// Returns ErrInvalidKey if the key is empty or not printable ASCII.
// Returns ErrKeyTooLong if the key exceeds MaxKeyLength.
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	for i := 0; i < len(key); i++ {
		if key[i] < 0x21 || key[i] > 0x7e {
			return ErrInvalidKey
		}
	}
	return nil
}

// FromRequest resolves the dedupe key of a request from the Idempotency-Key
// header and an optional key already decoded from the body. Both may be set
// only when they agree. Returns nil when neither is present.
func FromRequest(r *http.Request, bodyKey *string) (*string, error) {
	header := strings.TrimSpace(r.Header.Get(HeaderName))
	switch {
	case header == "" && bodyKey == nil:
		return nil, nil
	case header == "":
		if err := ValidateKey(*bodyKey); err != nil {
			return nil, err
		}
		return bodyKey, nil
	case bodyKey != nil && *bodyKey != header:
		return nil, ErrConflictingKeys
	}
	if err := ValidateKey(header); err != nil {
		return nil, err
	}
	return &header, nil
}
