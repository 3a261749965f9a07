package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/alexedwards/argon2id"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/keyforge/keyforge/internal/config"
	apierrors "github.com/keyforge/keyforge/internal/errors"
	"github.com/keyforge/keyforge/internal/logging"
	"github.com/keyforge/keyforge/internal/ratelimit"
)

// Context keys
const (
	ContextKeyRequestID = "request_id"
	ContextKeyRateLimit = "rate_limit"
)

// RequestID assigns a unique id to every request and echoes it in the
// X-Request-ID response header
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set(ContextKeyRequestID, requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// CORS sets cross-origin headers for the public validation surface
func CORS(allowedOrigins []string) gin.HandlerFunc {
	allowAll := len(allowedOrigins) == 1 && allowedOrigins[0] == "*"
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[strings.TrimSpace(origin)] = struct{}{}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if allowAll {
			c.Header("Access-Control-Allow-Origin", "*")
		} else if _, ok := allowed[origin]; ok {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key, X-Request-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// AdminAuth verifies the bearer token of the administrative surface against
// the configured argon2id hash. With no hash configured (development), the
// admin surface is open and a warning is logged by the caller at startup.
func AdminAuth(cfg *config.AdminConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.TokenHash == "" {
			c.Next()
			return
		}

		token := extractBearerToken(c.GetHeader("Authorization"))
		if token == "" {
			respondWithError(c, apierrors.ErrInvalidAdminTokenError)
			c.Abort()
			return
		}

		match, err := argon2id.ComparePasswordAndHash(token, cfg.TokenHash)
		if err != nil || !match {
			logging.LogSecurityEvent("admin_auth_failed", "", c.ClientIP(), "admin token rejected")
			respondWithError(c, apierrors.ErrInvalidAdminTokenError)
			c.Abort()
			return
		}

		c.Next()
	}
}

// RateLimit gates a route group with the token bucket limiter. The identifier
// class is resolved per request (API key, gateway-asserted user id, or client
// IP) and picks the configured bucket size. Rate limit state is surfaced in
// the conventional X-RateLimit-* headers on every response.
func RateLimit(limiter *ratelimit.Limiter, cfg *config.RateLimitConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		class, identifier, classCfg := resolveLimitClass(c, cfg)

		result := limiter.Check(c.Request.Context(), class, identifier, classCfg)

		c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
		c.Set(ContextKeyRateLimit, result)

		if !result.Allowed {
			respondWithError(c, apierrors.ErrRateLimitedError)
			c.Abort()
			return
		}

		c.Next()
	}
}

// resolveLimitClass picks the bucket for a request. An API key outranks a
// user id asserted by the fronting gateway in X-User-ID, which outranks the
// client IP fallback.
func resolveLimitClass(c *gin.Context, cfg *config.RateLimitConfig) (string, string, config.ClassLimit) {
	if apiKey := c.GetHeader("X-API-Key"); apiKey != "" {
		return "api_key", apiKey, cfg.APIKey
	}
	if userID := c.GetHeader("X-User-ID"); userID != "" {
		return "user", userID, cfg.User
	}
	return "ip", c.ClientIP(), cfg.IP
}

func extractBearerToken(authHeader string) string {
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return ""
	}
	return authHeader[len(bearerPrefix):]
}

// respondWithError sends a standardized error response
func respondWithError(c *gin.Context, err *apierrors.APIError) {
	requestID, _ := c.Get(ContextKeyRequestID)
	reqIDStr, _ := requestID.(string)
	c.JSON(err.HTTPStatus, apierrors.NewErrorResponse(err, reqIDStr))
}
