package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/keyforge/keyforge/internal/cache"
	"github.com/keyforge/keyforge/internal/config"
	"github.com/keyforge/keyforge/internal/crypto"
	"github.com/keyforge/keyforge/internal/keygen"
	"github.com/keyforge/keyforge/internal/license"
	"github.com/keyforge/keyforge/internal/logging"
	"github.com/keyforge/keyforge/internal/middleware"
	"github.com/keyforge/keyforge/internal/monitoring"
	"github.com/keyforge/keyforge/internal/ratelimit"
	"github.com/keyforge/keyforge/internal/store"
	"github.com/rs/zerolog/log"
)

// APIServer represents the main API server
type APIServer struct {
	config      *config.Config
	router      *gin.Engine
	db          *pgxpool.Pool
	redis       *cache.Redis
	generator   *keygen.Generator
	licenses    *license.Service
	products    *store.ProductStore
	limiter     *ratelimit.Limiter
	auditWriter *license.AuditWriter
}

// NewAPIServer creates a new API server instance
func NewAPIServer(cfg *config.Config, db *pgxpool.Pool, redis *cache.Redis, signer *crypto.Signer) *APIServer {
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.CORS(cfg.CORS.AllowedOrigins))
	router.Use(monitoring.MetricsMiddleware())
	router.Use(logging.RequestLogger())

	keyStore := store.NewKeyStore(db)
	productStore := store.NewProductStore(db)
	auditWriter := license.NewAuditWriter(store.NewAuditStore(db), 2*time.Second)

	srv := &APIServer{
		config:      cfg,
		router:      router,
		db:          db,
		redis:       redis,
		generator:   keygen.NewGenerator(signer),
		licenses:    license.NewService(keyStore, productStore, signer, auditWriter),
		products:    productStore,
		limiter:     ratelimit.NewLimiter(redis),
		auditWriter: auditWriter,
	}

	if cfg.Admin.TokenHash == "" {
		log.Warn().Msg("ADMIN_TOKEN_HASH not set, admin endpoints are unauthenticated")
	}

	srv.setupRoutes()
	return srv
}

// Router returns the gin router
func (s *APIServer) Router() http.Handler {
	return s.router
}

// Close flushes the audit writer
func (s *APIServer) Close() {
	s.auditWriter.Close()
}

// setupRoutes configures all API routes
func (s *APIServer) setupRoutes() {
	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/api/v1")
	{
		// Public validation surface, gated by the token bucket limiter.
		licenses := v1.Group("/licenses")
		licenses.Use(middleware.RateLimit(s.limiter, &s.config.RateLimit))
		{
			licenses.POST("/validate", s.handleValidate)
		}

		// Administrative surface.
		admin := v1.Group("/admin")
		admin.Use(middleware.AdminAuth(&s.config.Admin))
		{
			admin.POST("/keys", s.handleGenerateKeys)
			admin.GET("/keys/:key", s.handleGetKey)
			admin.POST("/keys/:key/revoke", s.handleRevokeKey)
			admin.POST("/activations/:id", s.handleIncrementActivation)
			admin.POST("/products/:id/allocate", s.handleAllocateKey)
			admin.POST("/ratelimit/reset", s.handleResetRateLimit)
		}
	}
}

// healthCheck reports liveness of the server and its backing stores
func (s *APIServer) healthCheck(c *gin.Context) {
	ctx := c.Request.Context()

	status := http.StatusOK
	dbStatus := "ok"
	if err := s.db.Ping(ctx); err != nil {
		dbStatus = "unreachable"
		status = http.StatusServiceUnavailable
	}

	// Redis being down degrades rate limiting to fail-open but does not make
	// the service unhealthy.
	redisStatus := "ok"
	if err := s.redis.Health(ctx); err != nil {
		redisStatus = "unreachable"
	}

	c.JSON(status, gin.H{
		"status":   dbStatus,
		"database": dbStatus,
		"redis":    redisStatus,
	})
}
