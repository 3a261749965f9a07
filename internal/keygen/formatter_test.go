package keygen

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

func TestFormatKeyShape(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, PayloadSize)
	keyString, err := FormatKey(payload)
	if err != nil {
		t.Fatalf("FormatKey failed: %v", err)
	}

	groups := strings.Split(keyString, "-")
	if len(groups) != PayloadSize*2/groupSize {
		t.Fatalf("Expected %d groups, got %d in %q", PayloadSize*2/groupSize, len(groups), keyString)
	}
	for _, group := range groups {
		if group != "ABAB" {
			t.Fatalf("Unexpected group %q in %q", group, keyString)
		}
	}
}

func TestFormatKeyRejectsWrongSize(t *testing.T) {
	for _, size := range []int{0, 8, 15, 17} {
		if _, err := FormatKey(make([]byte, size)); !errors.Is(err, ErrInvalidPayload) {
			t.Fatalf("Expected ErrInvalidPayload for %d bytes, got %v", size, err)
		}
	}
}

func TestFormatParseRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		payload := rapid.SliceOfN(rapid.Byte(), PayloadSize, PayloadSize).Draw(rt, "payload")

		keyString, err := FormatKey(payload)
		if err != nil {
			t.Fatalf("FormatKey failed: %v", err)
		}

		parsed, err := ParseKey(keyString)
		if err != nil {
			t.Fatalf("ParseKey(%q) failed: %v", keyString, err)
		}
		if !bytes.Equal(parsed, payload) {
			t.Fatalf("Round trip mismatch: %x -> %q -> %x", payload, keyString, parsed)
		}
	})
}

// ParseKey normalizes case and hyphen placement before matching, so these
// variants all decode to the same payload
func TestParseKeyNormalization(t *testing.T) {
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0A, 0x0B, 0x0C}
	canonical, err := FormatKey(payload)
	if err != nil {
		t.Fatalf("FormatKey failed: %v", err)
	}

	variants := []string{
		canonical,
		strings.ToLower(canonical),
		strings.ReplaceAll(canonical, "-", ""),
		"DEAD-BEEF0102-0304-0506-07-08-090A0B0C",
	}
	for _, variant := range variants {
		parsed, err := ParseKey(variant)
		if err != nil {
			t.Fatalf("ParseKey(%q) failed: %v", variant, err)
		}
		if !bytes.Equal(parsed, payload) {
			t.Fatalf("ParseKey(%q) = %x, want %x", variant, parsed, payload)
		}
	}
}

func TestCanonicalKey(t *testing.T) {
	payload := []byte{0xAB, 0xCD, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0A, 0x0B, 0x0C, 0x0D, 0x0E}
	canonical, err := FormatKey(payload)
	if err != nil {
		t.Fatalf("FormatKey failed: %v", err)
	}

	for _, variant := range []string{
		canonical,
		strings.ToLower(canonical),
		strings.ReplaceAll(canonical, "-", ""),
	} {
		got, err := CanonicalKey(variant)
		if err != nil {
			t.Fatalf("CanonicalKey(%q) failed: %v", variant, err)
		}
		if got != canonical {
			t.Fatalf("CanonicalKey(%q) = %q, want %q", variant, got, canonical)
		}
	}

	if _, err := CanonicalKey("not-a-key"); !errors.Is(err, ErrMalformedKey) {
		t.Fatalf("Expected ErrMalformedKey, got %v", err)
	}
}

func TestParseKeyRejectsMalformedInput(t *testing.T) {
	for _, keyString := range []string{
		"",
		"ABCD-1234",
		"ABCD-1234-ABCD-1234-ABCD-1234-ABCD-123",   // 31 chars
		"ABCD-1234-ABCD-1234-ABCD-1234-ABCD-12345", // 33 chars
		"GHIJ-1234-ABCD-1234-ABCD-1234-ABCD-1234",  // non-hex
		"ABCD 1234 ABCD 1234 ABCD 1234 ABCD 1234",  // spaces
	} {
		if _, err := ParseKey(keyString); !errors.Is(err, ErrMalformedKey) {
			t.Fatalf("Expected ErrMalformedKey for %q, got %v", keyString, err)
		}
		if IsValidKeyFormat(keyString) {
			t.Fatalf("IsValidKeyFormat accepted %q", keyString)
		}
	}
}
