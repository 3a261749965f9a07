package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/keyforge/keyforge/internal/license"
	"github.com/keyforge/keyforge/internal/models"
	"github.com/keyforge/keyforge/internal/monitoring"
)

const keyColumns = `id, key_string, signature, product_id, status, activations,
	max_activations, expires_at, revoked_at, revoked_reason, revoked_notes,
	created_at, updated_at`

// KeyStore is the Postgres implementation of license.KeyStore. The unique
// constraint on key_string is the storage-layer backstop against the
// near-impossible generation collision.
type KeyStore struct {
	db *pgxpool.Pool
}

// NewKeyStore creates a Postgres-backed key store
func NewKeyStore(db *pgxpool.Pool) *KeyStore {
	return &KeyStore{db: db}
}

// FindByKeyString returns the key with the given public key string
func (s *KeyStore) FindByKeyString(ctx context.Context, keyString string) (*models.LicenseKey, error) {
	defer observe("key_find", time.Now())

	row := s.db.QueryRow(ctx, `
		SELECT `+keyColumns+`
		FROM license_keys
		WHERE key_string = $1
	`, keyString)
	return scanKey(row)
}

// FindByID returns the key with the given id
func (s *KeyStore) FindByID(ctx context.Context, id uuid.UUID) (*models.LicenseKey, error) {
	defer observe("key_find", time.Now())

	row := s.db.QueryRow(ctx, `
		SELECT `+keyColumns+`
		FROM license_keys
		WHERE id = $1
	`, id)
	return scanKey(row)
}

// Create persists a single key
func (s *KeyStore) Create(ctx context.Context, key *models.LicenseKey) error {
	defer observe("key_create", time.Now())

	_, err := s.db.Exec(ctx, `
		INSERT INTO license_keys (id, key_string, signature, product_id, status,
			activations, max_activations, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, key.ID, key.KeyString, key.Signature, key.ProductID, key.Status,
		key.Activations, key.MaxActivations, key.ExpiresAt, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create license key: %w", err)
	}
	return nil
}

// CreateMany inserts a batch of keys, skipping rows that collide on the
// unique key_string constraint, and returns the number actually inserted
func (s *KeyStore) CreateMany(ctx context.Context, keys []*models.LicenseKey) (int64, error) {
	defer observe("key_create_many", time.Now())

	batch := &pgx.Batch{}
	for _, key := range keys {
		batch.Queue(`
			INSERT INTO license_keys (id, key_string, signature, product_id, status,
				activations, max_activations, expires_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (key_string) DO NOTHING
		`, key.ID, key.KeyString, key.Signature, key.ProductID, key.Status,
			key.Activations, key.MaxActivations, key.ExpiresAt, key.CreatedAt, key.UpdatedAt)
	}

	results := s.db.SendBatch(ctx, batch)
	defer results.Close()

	var inserted int64
	for range keys {
		tag, err := results.Exec()
		if err != nil {
			return inserted, fmt.Errorf("failed to insert license keys: %w", err)
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

// MarkExpired transitions a key to EXPIRED. Revoked keys stay revoked.
func (s *KeyStore) MarkExpired(ctx context.Context, id uuid.UUID) error {
	defer observe("key_expire", time.Now())

	tag, err := s.db.Exec(ctx, `
		UPDATE license_keys
		SET status = 'EXPIRED', updated_at = NOW()
		WHERE id = $1 AND status <> 'REVOKED'
	`, id)
	if err != nil {
		return fmt.Errorf("failed to mark key expired: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return license.ErrKeyNotFound
	}
	return nil
}

// IncrementActivation performs the quota check and increment as a single
// conditional UPDATE, so two concurrent activations can never both pass the
// check and breach max_activations
func (s *KeyStore) IncrementActivation(ctx context.Context, id uuid.UUID) (*models.LicenseKey, error) {
	defer observe("key_activate", time.Now())

	row := s.db.QueryRow(ctx, `
		UPDATE license_keys
		SET activations = activations + 1, status = 'ACTIVE', updated_at = NOW()
		WHERE id = $1
		  AND activations < max_activations
		  AND status NOT IN ('REVOKED', 'EXPIRED')
		RETURNING `+keyColumns+`
	`, id)

	key, err := scanKey(row)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, license.ErrKeyNotFound) {
		return nil, err
	}

	// The conditional update matched nothing; look at the row to say why.
	var status models.KeyStatus
	lookupErr := s.db.QueryRow(ctx, `
		SELECT status FROM license_keys WHERE id = $1
	`, id).Scan(&status)
	if lookupErr != nil {
		if errors.Is(lookupErr, pgx.ErrNoRows) {
			return nil, license.ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to inspect key: %w", lookupErr)
	}

	switch status {
	case models.KeyStatusRevoked:
		return nil, license.ErrAlreadyRevoked
	case models.KeyStatusExpired:
		return nil, license.ErrKeyExpired
	default:
		return nil, license.ErrQuotaExceeded
	}
}

// Revoke terminally transitions a key to REVOKED, once
func (s *KeyStore) Revoke(ctx context.Context, keyString, reason string, notes *string) (*models.LicenseKey, error) {
	defer observe("key_revoke", time.Now())

	row := s.db.QueryRow(ctx, `
		UPDATE license_keys
		SET status = 'REVOKED', revoked_at = NOW(), revoked_reason = $2,
			revoked_notes = $3, updated_at = NOW()
		WHERE key_string = $1 AND status <> 'REVOKED'
		RETURNING `+keyColumns+`
	`, keyString, reason, notes)

	key, err := scanKey(row)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, license.ErrKeyNotFound) {
		return nil, err
	}

	var exists bool
	lookupErr := s.db.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM license_keys WHERE key_string = $1)
	`, keyString).Scan(&exists)
	if lookupErr != nil {
		return nil, fmt.Errorf("failed to inspect key: %w", lookupErr)
	}
	if !exists {
		return nil, license.ErrKeyNotFound
	}
	return nil, license.ErrAlreadyRevoked
}

// Allocate claims one AVAILABLE key for a product and marks it SOLD.
// SKIP LOCKED keeps concurrent sales from contending on the same row.
func (s *KeyStore) Allocate(ctx context.Context, productID uuid.UUID) (*models.LicenseKey, error) {
	defer observe("key_allocate", time.Now())

	row := s.db.QueryRow(ctx, `
		UPDATE license_keys
		SET status = 'SOLD', updated_at = NOW()
		WHERE id = (
			SELECT id FROM license_keys
			WHERE product_id = $1 AND status = 'AVAILABLE'
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+keyColumns+`
	`, productID)

	key, err := scanKey(row)
	if err != nil {
		if errors.Is(err, license.ErrKeyNotFound) {
			return nil, license.ErrNoAvailableKey
		}
		return nil, err
	}
	return key, nil
}

func scanKey(row pgx.Row) (*models.LicenseKey, error) {
	var key models.LicenseKey
	err := row.Scan(
		&key.ID, &key.KeyString, &key.Signature, &key.ProductID, &key.Status,
		&key.Activations, &key.MaxActivations, &key.ExpiresAt, &key.RevokedAt,
		&key.RevokedReason, &key.RevokedNotes, &key.CreatedAt, &key.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, license.ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to scan license key: %w", err)
	}
	return &key, nil
}

func observe(queryType string, start time.Time) {
	monitoring.RecordDBQuery(queryType, time.Since(start))
}
