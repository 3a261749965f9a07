package keygen

import (
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Formatting errors
var (
	ErrMalformedKey = errors.New("malformed key string")
)

// groupSize is the number of hex characters per hyphen-separated group
const groupSize = 4

// keyPattern matches the hyphen-stripped, lowercased form of a key string:
// 32 hex characters, one nibble pair per payload byte.
var keyPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// FormatKey renders a 16-byte payload as uppercase hex split into
// hyphen-separated groups of 4 characters
func FormatKey(payload []byte) (string, error) {
	if len(payload) != PayloadSize {
		return "", ErrInvalidPayload
	}

	encoded := strings.ToUpper(hex.EncodeToString(payload))
	groups := make([]string, 0, len(encoded)/groupSize)
	for i := 0; i < len(encoded); i += groupSize {
		groups = append(groups, encoded[i:i+groupSize])
	}
	return strings.Join(groups, "-"), nil
}

// ParseKey converts a formatted key string back to its 16-byte payload.
// Hyphens are stripped and case is normalized before validation.
func ParseKey(keyString string) ([]byte, error) {
	stripped := strings.ToLower(strings.ReplaceAll(keyString, "-", ""))
	if !keyPattern.MatchString(stripped) {
		return nil, fmt.Errorf("%w: %q", ErrMalformedKey, keyString)
	}

	payload, err := hex.DecodeString(stripped)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrMalformedKey, keyString)
	}
	return payload, nil
}

// CanonicalKey normalizes a key string to its stored form: uppercase hex in
// hyphen-separated groups. Accepted variants (lowercase, missing or misplaced
// hyphens) all canonicalize to the same string, which is the one storage
// lookups must use.
func CanonicalKey(keyString string) (string, error) {
	payload, err := ParseKey(keyString)
	if err != nil {
		return "", err
	}
	return FormatKey(payload)
}

// IsValidKeyFormat reports whether keyString parses as a key. This is a pure
// format check: no storage lookup, no signature verification.
func IsValidKeyFormat(keyString string) bool {
	_, err := ParseKey(keyString)
	return err == nil
}
