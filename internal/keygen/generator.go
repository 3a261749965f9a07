package keygen

import (
	"errors"
	"fmt"
	"time"

	"github.com/keyforge/keyforge/internal/logging"
	"github.com/keyforge/keyforge/internal/monitoring"
	"github.com/rs/zerolog"
)

// Generator errors
var (
	ErrInvalidCount     = errors.New("count must be between 1 and 10000")
	ErrInvalidBatchSize = errors.New("batch size must be between 1 and 1000")
	ErrTooManyRetries   = errors.New("collision retries exhausted, entropy source suspect")
)

const (
	// MaxBatchCount is the largest number of keys a single generation request may produce
	MaxBatchCount = 10000
	// MaxBatchSize is the largest per-batch slice a stream will yield
	MaxBatchSize = 1000
	// maxCollisionRetries bounds regeneration of a single slot. With 14 bytes
	// of entropy a single collision is already a near-impossibility; hitting
	// this bound means the entropy source is broken.
	maxCollisionRetries = 5
)

// Signer signs a key string, producing the combined signature stored next to it
type Signer interface {
	SignCombined(data string) (string, error)
}

// GeneratedKey is a freshly generated key string with its combined signature
type GeneratedKey struct {
	KeyString string `json:"key_string"`
	Signature string `json:"signature"`
}

// Generator produces unique, signed license keys
type Generator struct {
	signer Signer
	logger zerolog.Logger
}

// NewGenerator creates a key generator backed by the given signer
func NewGenerator(signer Signer) *Generator {
	return &Generator{
		signer: signer,
		logger: logging.NewLogger("keygen"),
	}
}

// Generate produces a single signed key for a product
func (g *Generator) Generate(productID string) (GeneratedKey, error) {
	key, err := g.generateOne(productID)
	if err != nil {
		return GeneratedKey{}, err
	}
	monitoring.RecordKeysGenerated(1)
	return key, nil
}

// GenerateBatch produces count unique signed keys for a product. Uniqueness
// within the batch is enforced with a seen-set; a collision regenerates that
// single slot rather than failing the batch.
func (g *Generator) GenerateBatch(productID string, count int) ([]GeneratedKey, error) {
	if count < 1 || count > MaxBatchCount {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCount, count)
	}

	start := time.Now()
	seen := make(map[string]struct{}, count)
	keys := make([]GeneratedKey, 0, count)
	for len(keys) < count {
		key, err := g.generateUnique(productID, seen)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	monitoring.RecordKeysGenerated(count)
	monitoring.ObserveKeyGenerationDuration(time.Since(start))
	g.logger.Debug().
		Str("product_id", productID).
		Int("count", count).
		Dur("elapsed", time.Since(start)).
		Msg("Generated key batch")
	return keys, nil
}

// IsValidFormat reports whether keyString has the shape of a license key.
// Cheap pre-filter before any storage lookup; no cryptographic check.
func (g *Generator) IsValidFormat(keyString string) bool {
	return IsValidKeyFormat(keyString)
}

// generateUnique produces one key not present in seen, retrying a bounded
// number of times on collision and recording the key in seen on success
func (g *Generator) generateUnique(productID string, seen map[string]struct{}) (GeneratedKey, error) {
	for attempt := 0; attempt <= maxCollisionRetries; attempt++ {
		key, err := g.generateOne(productID)
		if err != nil {
			return GeneratedKey{}, err
		}
		if _, dup := seen[key.KeyString]; dup {
			g.logger.Warn().
				Str("product_id", productID).
				Int("attempt", attempt).
				Msg("Key collision within batch, regenerating slot")
			continue
		}
		seen[key.KeyString] = struct{}{}
		return key, nil
	}
	return GeneratedKey{}, ErrTooManyRetries
}

// generateOne runs the encode -> format -> sign pipeline once
func (g *Generator) generateOne(productID string) (GeneratedKey, error) {
	payload, err := EncodePayload(productID)
	if err != nil {
		return GeneratedKey{}, fmt.Errorf("failed to generate key: %w", err)
	}

	keyString, err := FormatKey(payload)
	if err != nil {
		return GeneratedKey{}, fmt.Errorf("failed to generate key: %w", err)
	}

	signature, err := g.signer.SignCombined(keyString)
	if err != nil {
		return GeneratedKey{}, fmt.Errorf("failed to sign key: %w", err)
	}

	return GeneratedKey{KeyString: keyString, Signature: signature}, nil
}
