package models

import (
	"time"

	"github.com/google/uuid"
)

// KeyStatus represents the lifecycle state of a license key
type KeyStatus string

const (
	KeyStatusAvailable KeyStatus = "AVAILABLE"
	KeyStatusSold      KeyStatus = "SOLD"
	KeyStatusActive    KeyStatus = "ACTIVE"
	KeyStatusRevoked   KeyStatus = "REVOKED"
	KeyStatusExpired   KeyStatus = "EXPIRED"
)

// Valid reports whether s is one of the known lifecycle states
func (s KeyStatus) Valid() bool {
	switch s {
	case KeyStatusAvailable, KeyStatusSold, KeyStatusActive, KeyStatusRevoked, KeyStatusExpired:
		return true
	}
	return false
}

// Terminal reports whether s admits no further transitions
func (s KeyStatus) Terminal() bool {
	return s == KeyStatusRevoked || s == KeyStatusExpired
}

// LicenseKey represents a signed license key
type LicenseKey struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	KeyString      string     `json:"key_string" db:"key_string"`
	Signature      string     `json:"-" db:"signature"`
	ProductID      uuid.UUID  `json:"product_id" db:"product_id"`
	Status         KeyStatus  `json:"status" db:"status"`
	Activations    int        `json:"activations" db:"activations"`
	MaxActivations int        `json:"max_activations" db:"max_activations"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
	RevokedReason  *string    `json:"revoked_reason,omitempty" db:"revoked_reason"`
	RevokedNotes   *string    `json:"revoked_notes,omitempty" db:"revoked_notes"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// ActivationsRemaining returns the unused activation budget
func (k *LicenseKey) ActivationsRemaining() int {
	remaining := k.MaxActivations - k.Activations
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ExpiredAt reports whether the key's expiry is set and in the past at t
func (k *LicenseKey) ExpiredAt(t time.Time) bool {
	return k.ExpiresAt != nil && k.ExpiresAt.Before(t)
}
