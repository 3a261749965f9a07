package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	apierrors "github.com/keyforge/keyforge/internal/errors"
	"github.com/keyforge/keyforge/internal/keygen"
	"github.com/keyforge/keyforge/internal/license"
	"github.com/rs/zerolog/log"
)

// ValidateRequest is the public validation request body
type ValidateRequest struct {
	Key      string            `json:"key" binding:"required"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// GenerateKeysRequest is the admin request to mint key stock for a product
type GenerateKeysRequest struct {
	ProductID      uuid.UUID  `json:"product_id" binding:"required"`
	Count          int        `json:"count" binding:"required"`
	BatchSize      int        `json:"batch_size,omitempty"`
	MaxActivations int        `json:"max_activations,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// GenerateKeysResponse reports the outcome of a generation job
type GenerateKeysResponse struct {
	ProductID uuid.UUID `json:"product_id"`
	Requested int       `json:"requested"`
	Inserted  int64     `json:"inserted"`
	Batches   int       `json:"batches"`
}

// RevokeKeyRequest is the admin revocation request body
type RevokeKeyRequest struct {
	Reason string  `json:"reason" binding:"required"`
	Notes  *string `json:"notes,omitempty"`
}

// ResetRateLimitRequest identifies the bucket to delete
type ResetRateLimitRequest struct {
	Class      string `json:"class" binding:"required,oneof=api_key ip user"`
	Identifier string `json:"identifier" binding:"required"`
}

// handleValidate answers the public validation endpoint. Every verdict,
// including failures, is a 200 with a structured result; only store outages
// surface as errors.
func (s *APIServer) handleValidate(c *gin.Context) {
	var req ValidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithError(c, apierrors.NewInvalidRequestError("key is required"))
		return
	}

	result, err := s.licenses.ValidateKey(c.Request.Context(), req.Key, license.Metadata{
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
		Extra:     req.Metadata,
	})
	if err != nil {
		log.Error().Err(err).Msg("Validation failed on storage error")
		respondWithError(c, apierrors.ErrStorageUnavailableError)
		return
	}

	c.JSON(http.StatusOK, result)
}

// handleGenerateKeys mints count signed keys for a product, persisting batch
// by batch so large jobs never hold the full set in memory
func (s *APIServer) handleGenerateKeys(c *gin.Context) {
	var req GenerateKeysRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithError(c, apierrors.NewValidationError(err.Error()))
		return
	}
	if req.BatchSize == 0 {
		req.BatchSize = 500
	}
	if req.MaxActivations == 0 {
		req.MaxActivations = 1
	}

	product, err := s.products.FindByID(c.Request.Context(), req.ProductID)
	if err != nil {
		if errors.Is(err, license.ErrProductNotFound) {
			respondWithError(c, apierrors.ErrProductNotFoundError)
			return
		}
		respondWithError(c, apierrors.ErrStorageUnavailableError)
		return
	}

	// The product's first 4 id characters become the key prefix.
	stream, err := s.generator.NewBatchStream(product.ID.String(), req.Count, req.BatchSize)
	if err != nil {
		respondWithError(c, apierrors.NewInvalidCountError(err.Error()))
		return
	}

	var inserted int64
	batches := 0
	for {
		batch, ok := stream.Next()
		if !ok {
			break
		}
		n, err := s.licenses.StoreGeneratedKeys(c.Request.Context(), product.ID, batch, req.MaxActivations, req.ExpiresAt)
		if err != nil {
			log.Error().Err(err).
				Str("product_id", product.ID.String()).
				Int("batches_done", batches).
				Msg("Key generation aborted mid-job")
			respondWithError(c, apierrors.ErrStorageUnavailableError)
			return
		}
		inserted += n
		batches++
	}
	if err := stream.Err(); err != nil {
		log.Error().Err(err).Msg("Key generation stream failed")
		respondWithError(c, apierrors.ErrInternalServerError)
		return
	}

	c.JSON(http.StatusCreated, GenerateKeysResponse{
		ProductID: product.ID,
		Requested: req.Count,
		Inserted:  inserted,
		Batches:   batches,
	})
}

// handleGetKey returns a key by its public key string. The stored signature
// is never exposed.
func (s *APIServer) handleGetKey(c *gin.Context) {
	keyString := c.Param("key")
	if !keygen.IsValidKeyFormat(keyString) {
		respondWithError(c, apierrors.NewInvalidRequestError("malformed key string"))
		return
	}

	key, err := s.licenses.GetKey(c.Request.Context(), keyString)
	if err != nil {
		if errors.Is(err, license.ErrKeyNotFound) {
			respondWithError(c, apierrors.ErrKeyNotFoundError)
			return
		}
		respondWithError(c, apierrors.ErrStorageUnavailableError)
		return
	}

	c.JSON(http.StatusOK, key)
}

// handleRevokeKey terminally revokes a key
func (s *APIServer) handleRevokeKey(c *gin.Context) {
	var req RevokeKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithError(c, apierrors.NewInvalidRequestError("reason is required"))
		return
	}

	key, err := s.licenses.RevokeKey(c.Request.Context(), c.Param("key"), req.Reason, req.Notes)
	if err != nil {
		switch {
		case errors.Is(err, license.ErrKeyNotFound):
			respondWithError(c, apierrors.ErrKeyNotFoundError)
		case errors.Is(err, license.ErrAlreadyRevoked):
			respondWithError(c, apierrors.ErrAlreadyRevokedError)
		default:
			respondWithError(c, apierrors.ErrStorageUnavailableError)
		}
		return
	}

	c.JSON(http.StatusOK, key)
}

// handleIncrementActivation consumes one activation against a key's quota
func (s *APIServer) handleIncrementActivation(c *gin.Context) {
	keyID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondWithError(c, apierrors.NewInvalidRequestError("invalid key id"))
		return
	}

	key, err := s.licenses.IncrementActivation(c.Request.Context(), keyID)
	if err != nil {
		switch {
		case errors.Is(err, license.ErrKeyNotFound):
			respondWithError(c, apierrors.ErrKeyNotFoundError)
		case errors.Is(err, license.ErrQuotaExceeded):
			respondWithError(c, apierrors.ErrQuotaExceededError)
		case errors.Is(err, license.ErrAlreadyRevoked):
			respondWithError(c, apierrors.ErrAlreadyRevokedError)
		case errors.Is(err, license.ErrKeyExpired):
			respondWithError(c, apierrors.ErrKeyExpiredError)
		default:
			respondWithError(c, apierrors.ErrStorageUnavailableError)
		}
		return
	}

	c.JSON(http.StatusOK, key)
}

// handleAllocateKey claims an AVAILABLE key for a product sale
func (s *APIServer) handleAllocateKey(c *gin.Context) {
	productID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondWithError(c, apierrors.NewInvalidRequestError("invalid product id"))
		return
	}

	key, err := s.licenses.AllocateKey(c.Request.Context(), productID)
	if err != nil {
		if errors.Is(err, license.ErrNoAvailableKey) {
			respondWithError(c, apierrors.ErrNoKeyAvailableError)
			return
		}
		respondWithError(c, apierrors.ErrStorageUnavailableError)
		return
	}

	c.JSON(http.StatusOK, key)
}

// handleResetRateLimit deletes a rate limit bucket, immediately restoring the
// caller's full budget
func (s *APIServer) handleResetRateLimit(c *gin.Context) {
	var req ResetRateLimitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithError(c, apierrors.NewInvalidRequestError("class and identifier are required"))
		return
	}

	if err := s.limiter.Reset(c.Request.Context(), req.Class, req.Identifier); err != nil {
		log.Error().Err(err).Str("identifier", req.Identifier).Msg("Failed to reset rate limit")
		respondWithError(c, apierrors.ErrInternalServerError)
		return
	}

	c.Status(http.StatusNoContent)
}

// respondWithError sends a standardized error response
func respondWithError(c *gin.Context, err *apierrors.APIError) {
	requestID, _ := c.Get("request_id")
	reqIDStr, _ := requestID.(string)
	c.JSON(err.HTTPStatus, apierrors.NewErrorResponse(err, reqIDStr))
}
