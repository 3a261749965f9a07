package license

import (
	"context"

	"github.com/google/uuid"
	"github.com/keyforge/keyforge/internal/models"
)

// KeyStore is the persistence contract the license engine consumes. The
// Postgres implementation lives in internal/store; tests substitute an
// in-memory one.
type KeyStore interface {
	// FindByKeyString returns the key with the given public key string, or
	// ErrKeyNotFound.
	FindByKeyString(ctx context.Context, keyString string) (*models.LicenseKey, error)
	// FindByID returns the key with the given id, or ErrKeyNotFound.
	FindByID(ctx context.Context, id uuid.UUID) (*models.LicenseKey, error)
	// Create persists a single new key.
	Create(ctx context.Context, key *models.LicenseKey) error
	// CreateMany persists a batch of keys, skipping duplicates on the unique
	// key_string constraint, and returns the number actually inserted.
	CreateMany(ctx context.Context, keys []*models.LicenseKey) (int64, error)
	// MarkExpired transitions a key to EXPIRED.
	MarkExpired(ctx context.Context, id uuid.UUID) error
	// IncrementActivation atomically increments the activation counter and
	// transitions the key to ACTIVE, as one read-modify-write against the
	// store. Returns ErrKeyNotFound, ErrQuotaExceeded, ErrAlreadyRevoked or
	// ErrKeyExpired when the increment is not permitted.
	IncrementActivation(ctx context.Context, id uuid.UUID) (*models.LicenseKey, error)
	// Revoke terminally transitions a key to REVOKED, stamping revoked_at and
	// the reason. Returns ErrKeyNotFound or ErrAlreadyRevoked.
	Revoke(ctx context.Context, keyString, reason string, notes *string) (*models.LicenseKey, error)
	// Allocate atomically claims one AVAILABLE key for the product,
	// transitioning it to SOLD. Returns ErrNoAvailableKey when the pool for
	// the product is empty.
	Allocate(ctx context.Context, productID uuid.UUID) (*models.LicenseKey, error)
}

// ProductStore resolves product metadata for validation responses
type ProductStore interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Product, error)
}

// AuditSink receives validation log entries. Writes are fire-and-forget from
// the validator's perspective; sink failures never fail a validation.
type AuditSink interface {
	AppendBatch(ctx context.Context, entries []models.ValidationLog) error
}
