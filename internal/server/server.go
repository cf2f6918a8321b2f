// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/freeflowhq/marketplace/internal/config"
	"github.com/freeflowhq/marketplace/internal/dispute"
	"github.com/freeflowhq/marketplace/internal/health"
	"github.com/freeflowhq/marketplace/internal/listing"
	"github.com/freeflowhq/marketplace/internal/logging"
	"github.com/freeflowhq/marketplace/internal/metrics"
	"github.com/freeflowhq/marketplace/internal/notify"
	"github.com/freeflowhq/marketplace/internal/order"
	"github.com/freeflowhq/marketplace/internal/payment"
	"github.com/freeflowhq/marketplace/internal/ratelimit"
	"github.com/freeflowhq/marketplace/internal/realtime"
	"github.com/freeflowhq/marketplace/internal/reconciliation"
	"github.com/freeflowhq/marketplace/internal/security"
	"github.com/freeflowhq/marketplace/internal/traces"
	"github.com/freeflowhq/marketplace/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	orders         *order.Service
	disputes       *dispute.Service
	gateway        payment.Gateway
	webhookStore   notify.SubscriptionStore
	realtimeHub    *realtime.Hub
	reconQueue     *reconciliation.Queue
	reconRunner    *reconciliation.Runner
	reconTimer     *reconciliation.Timer
	orderTimer     *order.Timer
	disputeTimer   *dispute.Timer
	rateLimiter    *ratelimit.Limiter
	healthChecks   *health.Registry
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	tracesShutdown func(context.Context) error
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGateway sets a custom payment gateway (for testing)
func WithGateway(g payment.Gateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:          cfg,
		logger:       logging.New(cfg.LogLevel, "json"),
		healthChecks: health.NewRegistry(),
	}

	// Apply options first (may set gateway/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Tracing (no-op when no OTLP endpoint is configured)
	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.tracesShutdown = shutdown
	}

	// Payment gateway: Stripe in production, fake custody in development
	if s.gateway == nil {
		if cfg.StripeSecretKey != "" {
			s.gateway = payment.NewBreakeredGateway(payment.NewStripeGateway(cfg.StripeSecretKey))
			s.logger.Info("stripe payment custody enabled")
		} else {
			s.gateway = payment.NewFakeGateway()
			s.logger.Info("using fake payment gateway (development only)")
		}
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		orderStore   order.Store
		disputeStore dispute.Store
		catalog      listing.Catalog
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		orderStore = order.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		catalog = listing.NewPostgresCatalog(db)
		s.webhookStore = notify.NewPostgresSubscriptionStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.healthChecks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		orderStore = order.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
		memCatalog := listing.NewMemoryCatalog()
		seedDemoListings(memCatalog)
		catalog = memCatalog
		s.webhookStore = notify.NewMemorySubscriptionStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Realtime hub for WebSocket notification streaming
	s.realtimeHub = realtime.NewHub(s.logger)

	// Notifications fan out to the log, registered webhooks, and any
	// connected WebSocket clients.
	notifier := notify.Fanout{
		&notify.LogSender{Logger: s.logger},
		notify.NewWebhookSender(s.webhookStore, s.logger),
		s.realtimeHub,
	}

	// Reconciliation queue replays payment operations that failed at a
	// state transition.
	s.reconQueue = reconciliation.NewQueue()
	s.reconRunner = reconciliation.NewRunner(s.reconQueue, s.gateway)
	s.reconTimer = reconciliation.NewTimer(s.reconRunner, s.logger)

	// Order lifecycle engine
	s.orders = order.NewService(orderStore, catalog, s.gateway, notifier, s.reconQueue, s.logger, order.Options{
		ServiceFeeRate:  cfg.ServiceFeeRate,
		AutoAcceptGrace: cfg.AutoAcceptGrace,
	})
	s.orderTimer = order.NewTimer(s.orders, s.logger)

	// Dispute engine, resolving onto the order service
	s.disputes = dispute.NewService(disputeStore, s.orders, notifier, s.logger, dispute.Options{
		ResponseDeadline: cfg.ResponseDeadline,
		ProposalExpiry:   cfg.ProposalExpiry,
		AppealLimit:      cfg.AppealLimit,
	})
	s.disputeTimer = dispute.NewTimer(s.disputes, s.logger)

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// identityMiddleware resolves the authenticated user from the X-User-ID
// header set by the upstream API gateway after session validation, and
// rejects requests without one. Handlers read it via
// c.GetString("authUserID").
func (s *Server) identityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader("X-User-ID")
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthenticated",
				"message": "Missing X-User-ID header",
			})
			return
		}
		c.Set("authUserID", userID)
		c.Next()
	}
}

// adminMiddleware guards back-office routes with the shared admin
// secret. In development mode with no secret configured, any
// authenticated caller is allowed through.
func (s *Server) adminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			if !s.cfg.IsProduction() {
				c.Next()
				return
			}
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin API is not configured",
			})
			return
		}
		if c.GetHeader("X-Admin-Secret") != s.cfg.AdminSecret {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin secret",
			})
			return
		}
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/api", s.infoHandler)

	// WebSocket for real-time notification streaming (per-user)
	s.router.GET("/ws", s.identityMiddleware(), func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request, c.GetString("authUserID"))
	})

	// V1 API group: everything below requires an authenticated user
	v1 := s.router.Group("/v1")
	v1.Use(s.identityMiddleware())

	orderHandler := order.NewHandler(s.orders)
	orderHandler.RegisterRoutes(v1)

	disputeHandler := dispute.NewHandler(s.disputes)
	disputeHandler.RegisterRoutes(v1)

	webhookHandler := notify.NewHandler(s.webhookStore)
	webhookHandler.RegisterRoutes(v1)

	// Admin routes: mediator assignment and payment reconciliation
	admin := v1.Group("/admin")
	admin.Use(s.adminMiddleware())
	disputeHandler.RegisterAdminRoutes(admin)
	admin.GET("/reconciliation", s.reconciliationStatusHandler)
	admin.POST("/reconciliation/replay", s.reconciliationReplayHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.healthChecks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "FreeFlow Marketplace",
		"description": "Order lifecycle and dispute resolution for freelance services",
		"version":     "0.1.0",
	})
}

// reconciliationStatusHandler returns the pending payment operations
// awaiting replay.
func (s *Server) reconciliationStatusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"pending": s.reconQueue.Pending(),
		"depth":   s.reconQueue.Depth(),
	})
}

// reconciliationReplayHandler forces an immediate replay pass instead of
// waiting for the timer.
func (s *Server) reconciliationReplayHandler(c *gin.Context) {
	settled, err := s.reconRunner.RunAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "replay_failed",
			"message": err.Error(),
			"settled": settled,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"settled":   settled,
		"remaining": s.reconQueue.Depth(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start maintenance timers: delivery auto-accept, dispute deadline
	// sweeps, and payment reconciliation
	go s.orderTimer.Start(runCtx)
	go s.disputeTimer.Start(runCtx)
	go s.reconTimer.Start(runCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, timers)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop maintenance timers
	s.orderTimer.Stop()
	s.disputeTimer.Stop()
	s.reconTimer.Stop()

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil {
			s.logger.Error("traces shutdown error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// seedDemoListings fills the in-memory catalog so the API is usable
// out of the box in development mode.
func seedDemoListings(catalog *listing.MemoryCatalog) {
	catalog.Put(&listing.Listing{
		ID:       "lst_demo_logo",
		SellerID: "usr_demo_seller",
		Title:    "Minimalist logo design",
		Currency: "USD",
		Active:   true,
		Packages: []listing.Package{
			{Name: "basic", PriceCents: 5000, DeliveryDays: 3, Revisions: 1},
			{Name: "standard", PriceCents: 12000, DeliveryDays: 5, Revisions: 3},
			{Name: "premium", PriceCents: 30000, DeliveryDays: 7, Revisions: order.UnlimitedRevisions},
		},
		Extras: []listing.Extra{
			{ID: "ext_rush", Title: "Rush delivery", PriceCents: 2500, DeliveryDaysModifier: -2},
			{ID: "ext_source", Title: "Source files", PriceCents: 1500},
		},
	})
	catalog.Put(&listing.Listing{
		ID:       "lst_demo_copy",
		SellerID: "usr_demo_seller",
		Title:    "Website copywriting",
		Currency: "USD",
		Active:   true,
		Packages: []listing.Package{
			{Name: "basic", PriceCents: 8000, DeliveryDays: 4, Revisions: 2},
		},
	})
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
