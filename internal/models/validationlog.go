package models

import (
	"time"

	"github.com/google/uuid"
)

// ValidationLog is an append-only record of a validation attempt
type ValidationLog struct {
	ID           uuid.UUID         `json:"id" db:"id"`
	LicenseKeyID *uuid.UUID        `json:"license_key_id,omitempty" db:"license_key_id"`
	IsValid      bool              `json:"is_valid" db:"is_valid"`
	Reason       string            `json:"reason,omitempty" db:"reason"`
	IPAddress    string            `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent    string            `json:"user_agent,omitempty" db:"user_agent"`
	Metadata     map[string]string `json:"metadata,omitempty" db:"metadata"`
	CreatedAt    time.Time         `json:"created_at" db:"created_at"`
}
