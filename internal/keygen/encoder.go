package keygen

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Encoding errors
var (
	ErrInvalidProductID = errors.New("product id does not yield 2 hex bytes")
	ErrInvalidPayload   = errors.New("payload must be exactly 16 bytes")
)

const (
	// PayloadSize is the fixed size of an encoded key payload
	PayloadSize = 16
	// productIDSize is the number of leading payload bytes derived from the product id
	productIDSize = 2
	// entropySize is the number of random bytes appended after the product id
	entropySize = PayloadSize - productIDSize
)

// EncodePayload packs the first 4 hex characters of productID into 2 bytes and
// appends 14 bytes from crypto/rand. The random source is a CSPRNG; key
// uniqueness rests on these 14 bytes.
func EncodePayload(productID string) ([]byte, error) {
	if len(productID) < 2*productIDSize {
		return nil, ErrInvalidProductID
	}

	prefix, err := hex.DecodeString(strings.ToLower(productID[:2*productIDSize]))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidProductID, productID[:2*productIDSize])
	}

	payload := make([]byte, PayloadSize)
	copy(payload, prefix)
	if _, err := rand.Read(payload[productIDSize:]); err != nil {
		return nil, fmt.Errorf("failed to read entropy: %w", err)
	}
	return payload, nil
}

// DecodeProductID extracts the leading product bytes of a payload as 4
// uppercase hex characters
func DecodeProductID(payload []byte) (string, error) {
	if len(payload) != PayloadSize {
		return "", ErrInvalidPayload
	}
	return strings.ToUpper(hex.EncodeToString(payload[:productIDSize])), nil
}
