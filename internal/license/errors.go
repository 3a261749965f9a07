package license

import "errors"

// Service errors. Conflict conditions are distinct from not-found so callers
// can branch on them.
var (
	ErrKeyNotFound     = errors.New("license key not found")
	ErrProductNotFound = errors.New("product not found")
	ErrAlreadyRevoked  = errors.New("license key is already revoked")
	ErrKeyExpired      = errors.New("license key is expired")
	ErrQuotaExceeded   = errors.New("activation quota exceeded")
	ErrNoAvailableKey  = errors.New("no available key for product")
)
