package license

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/keyforge/keyforge/internal/keygen"
	"github.com/keyforge/keyforge/internal/logging"
	"github.com/keyforge/keyforge/internal/models"
	"github.com/keyforge/keyforge/internal/monitoring"
	"github.com/rs/zerolog"
)

// Verdict is the machine-readable outcome of a validation
type Verdict string

const (
	VerdictValid          Verdict = "VALID"
	VerdictInvalidFormat  Verdict = "INVALID_FORMAT"
	VerdictNotFound       Verdict = "NOT_FOUND"
	VerdictInvalid        Verdict = "INVALID"
	VerdictRevoked        Verdict = "REVOKED"
	VerdictExpired        Verdict = "EXPIRED"
	VerdictMaxActivations Verdict = "MAX_ACTIVATIONS_REACHED"
)

// ValidationResult is the structured verdict returned for every validation
// request, success or failure. API consumers branch on Status, never on error
// messages.
type ValidationResult struct {
	Valid                bool           `json:"is_valid"`
	Status               Verdict        `json:"status"`
	Reason               string         `json:"reason,omitempty"`
	ActivationsRemaining int            `json:"activations_remaining"`
	ExpiresAt            *time.Time     `json:"expires_at,omitempty"`
	ValidatedAt          time.Time      `json:"validated_at"`
	ProductName          string         `json:"product_name,omitempty"`
	ProductFeatures      map[string]any `json:"product_features,omitempty"`
}

// Metadata carries caller context recorded in the validation log
type Metadata struct {
	IPAddress string
	UserAgent string
	Extra     map[string]string
}

// Verifier checks a stored combined signature against a key string
type Verifier interface {
	VerifyCombined(data, combined string) bool
}

// Service implements license validation and lifecycle operations over the
// collaborator stores
type Service struct {
	keys     KeyStore
	products ProductStore
	verifier Verifier
	audit    *AuditWriter
	logger   zerolog.Logger
}

// NewService creates a license service. audit may be nil, in which case no
// validation log entries are written.
func NewService(keys KeyStore, products ProductStore, verifier Verifier, audit *AuditWriter) *Service {
	return &Service{
		keys:     keys,
		products: products,
		verifier: verifier,
		audit:    audit,
		logger:   logging.NewLogger("license"),
	}
}

// ValidateKey evaluates a key against format, existence, signature, lifecycle
// and quota checks, in that order, short-circuiting on the first failure.
// Cheap checks run before expensive ones and before any persistence write.
// Store failures propagate as errors: admitting an unverifiable key is worse
// than a temporary outage.
func (s *Service) ValidateKey(ctx context.Context, keyString string, meta Metadata) (*ValidationResult, error) {
	now := time.Now()

	// 1. Format check and canonicalization, no storage access. Accepted
	// variants (lowercase, stray hyphens) normalize to the stored form so the
	// lookup below sees the same string generation produced.
	canonical, err := keygen.CanonicalKey(keyString)
	if err != nil {
		s.logger.Debug().
			Str("input", logging.SanitizeForLog(keyString, 16)).
			Msg("Malformed key string")
		return s.verdict(VerdictInvalidFormat, "malformed key string", now), nil
	}

	// 2. Existence lookup.
	key, err := s.keys.FindByKeyString(ctx, canonical)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return s.verdict(VerdictNotFound, "key does not exist", now), nil
		}
		return nil, fmt.Errorf("failed to look up key: %w", err)
	}

	// 3. Signature check. A mismatch means tampering or data corruption and
	// is non-recoverable for this key.
	if !s.verifier.VerifyCombined(key.KeyString, key.Signature) {
		monitoring.RecordSignatureFailure()
		s.logger.Warn().
			Str("key_id", key.ID.String()).
			Str("client_ip", meta.IPAddress).
			Msg("Combined signature verification failed")
		return s.verdict(VerdictInvalid, "signature verification failed", now), nil
	}

	// 4. Revocation.
	if key.Status == models.KeyStatusRevoked {
		reason := "key has been revoked"
		if key.RevokedReason != nil {
			reason = fmt.Sprintf("key has been revoked: %s", *key.RevokedReason)
		}
		return s.verdict(VerdictRevoked, reason, now), nil
	}

	// 5. Stored expiry.
	if key.Status == models.KeyStatusExpired {
		result := s.verdict(VerdictExpired, "key has expired", now)
		result.ExpiresAt = key.ExpiresAt
		return result, nil
	}

	// 6. Time-based expiry, discovered lazily and persisted here.
	if key.ExpiredAt(now) {
		if err := s.keys.MarkExpired(ctx, key.ID); err != nil {
			// The verdict is correct regardless; the sweep or the next
			// validation will persist it.
			s.logger.Warn().Err(err).
				Str("key_id", key.ID.String()).
				Msg("Failed to persist lazy expiry")
		}
		result := s.verdict(VerdictExpired, "key has expired", now)
		result.ExpiresAt = key.ExpiresAt
		return result, nil
	}

	// 7. Activation quota.
	if key.Activations >= key.MaxActivations {
		result := s.verdict(VerdictMaxActivations, "activation limit reached", now)
		result.ExpiresAt = key.ExpiresAt
		return result, nil
	}

	// 8. Success.
	result := &ValidationResult{
		Valid:                true,
		Status:               VerdictValid,
		ActivationsRemaining: key.ActivationsRemaining(),
		ExpiresAt:            key.ExpiresAt,
		ValidatedAt:          now,
	}

	product, err := s.products.FindByID(ctx, key.ProductID)
	switch {
	case err == nil:
		result.ProductName = product.Name
		result.ProductFeatures = product.Features
	case errors.Is(err, ErrProductNotFound):
		s.logger.Warn().
			Str("key_id", key.ID.String()).
			Str("product_id", key.ProductID.String()).
			Msg("Key references missing product")
	default:
		return nil, fmt.Errorf("failed to look up product: %w", err)
	}

	if s.audit != nil {
		keyID := key.ID
		s.audit.Enqueue(models.ValidationLog{
			LicenseKeyID: &keyID,
			IsValid:      true,
			IPAddress:    meta.IPAddress,
			UserAgent:    meta.UserAgent,
			Metadata:     meta.Extra,
			CreatedAt:    now,
		})
	}

	monitoring.RecordValidation(string(VerdictValid))
	return result, nil
}

// IncrementActivation consumes one activation from a key's quota and
// transitions it to ACTIVE. The increment is a single atomic read-modify-write
// in the store, so concurrent calls can never breach max_activations.
// This is deliberately separate from ValidateKey: validation is a read check,
// activation is a consumption event.
func (s *Service) IncrementActivation(ctx context.Context, keyID uuid.UUID) (*models.LicenseKey, error) {
	key, err := s.keys.IncrementActivation(ctx, keyID)
	if err != nil {
		return nil, err
	}

	monitoring.RecordActivation()
	s.logger.Info().
		Str("key_id", keyID.String()).
		Int("activations", key.Activations).
		Int("max_activations", key.MaxActivations).
		Msg("License key activated")
	return key, nil
}

// RevokeKey terminally revokes a key. Revoking an already revoked key is a
// conflict, distinct from not-found.
func (s *Service) RevokeKey(ctx context.Context, keyString, reason string, notes *string) (*models.LicenseKey, error) {
	canonical, err := keygen.CanonicalKey(keyString)
	if err != nil {
		return nil, ErrKeyNotFound
	}

	key, err := s.keys.Revoke(ctx, canonical, reason, notes)
	if err != nil {
		return nil, err
	}

	monitoring.RecordRevocation()
	s.logger.Info().
		Str("key_id", key.ID.String()).
		Str("reason", reason).
		Msg("License key revoked")
	return key, nil
}

// AllocateKey claims one AVAILABLE key for a product and marks it SOLD
func (s *Service) AllocateKey(ctx context.Context, productID uuid.UUID) (*models.LicenseKey, error) {
	key, err := s.keys.Allocate(ctx, productID)
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("key_id", key.ID.String()).
		Str("product_id", productID.String()).
		Msg("License key allocated")
	return key, nil
}

// GetKey returns a key by its public key string, accepting any variant that
// canonicalizes to a stored key
func (s *Service) GetKey(ctx context.Context, keyString string) (*models.LicenseKey, error) {
	canonical, err := keygen.CanonicalKey(keyString)
	if err != nil {
		return nil, ErrKeyNotFound
	}
	return s.keys.FindByKeyString(ctx, canonical)
}

// StoreGeneratedKeys persists a batch of freshly generated keys as AVAILABLE
// stock for a product. Duplicates are skipped by the storage layer; the
// returned count is the number actually inserted.
func (s *Service) StoreGeneratedKeys(ctx context.Context, productID uuid.UUID, generated []keygen.GeneratedKey, maxActivations int, expiresAt *time.Time) (int64, error) {
	if maxActivations < 1 {
		return 0, fmt.Errorf("max activations must be positive, got %d", maxActivations)
	}

	now := time.Now()
	keys := make([]*models.LicenseKey, 0, len(generated))
	for _, g := range generated {
		keys = append(keys, &models.LicenseKey{
			ID:             uuid.New(),
			KeyString:      g.KeyString,
			Signature:      g.Signature,
			ProductID:      productID,
			Status:         models.KeyStatusAvailable,
			MaxActivations: maxActivations,
			ExpiresAt:      expiresAt,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}

	inserted, err := s.keys.CreateMany(ctx, keys)
	if err != nil {
		return 0, fmt.Errorf("failed to persist generated keys: %w", err)
	}
	return inserted, nil
}

// verdict builds a failure result, stamps it, and records the metric
func (s *Service) verdict(status Verdict, reason string, at time.Time) *ValidationResult {
	monitoring.RecordValidation(string(status))
	return &ValidationResult{
		Valid:       false,
		Status:      status,
		Reason:      reason,
		ValidatedAt: at,
	}
}
