package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/keyforge/keyforge/internal/models"
)

// AuditStore is the Postgres implementation of license.AuditSink. The
// validation log is append-only; nothing in the engine ever updates or
// deletes entries.
type AuditStore struct {
	db *pgxpool.Pool
}

// NewAuditStore creates a Postgres-backed validation log sink
func NewAuditStore(db *pgxpool.Pool) *AuditStore {
	return &AuditStore{db: db}
}

// AppendBatch inserts a batch of validation log entries
func (s *AuditStore) AppendBatch(ctx context.Context, entries []models.ValidationLog) error {
	defer observe("audit_append", time.Now())

	batch := &pgx.Batch{}
	for _, entry := range entries {
		id := entry.ID
		if id == uuid.Nil {
			id = uuid.New()
		}

		var metadata []byte
		if len(entry.Metadata) > 0 {
			encoded, err := json.Marshal(entry.Metadata)
			if err != nil {
				return fmt.Errorf("failed to encode log metadata: %w", err)
			}
			metadata = encoded
		}

		batch.Queue(`
			INSERT INTO validation_logs (id, license_key_id, is_valid, reason,
				ip_address, user_agent, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, id, entry.LicenseKeyID, entry.IsValid, entry.Reason,
			entry.IPAddress, entry.UserAgent, metadata, entry.CreatedAt)
	}

	results := s.db.SendBatch(ctx, batch)
	defer results.Close()

	for range entries {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to append validation logs: %w", err)
		}
	}
	return nil
}

// Append inserts a single validation log entry
func (s *AuditStore) Append(ctx context.Context, entry models.ValidationLog) error {
	return s.AppendBatch(ctx, []models.ValidationLog{entry})
}
