// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
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
	"github.com/shopspring/decimal"

	"github.com/otcmesh/otcmesh/internal/auth"
	"github.com/otcmesh/otcmesh/internal/config"
	"github.com/otcmesh/otcmesh/internal/health"
	"github.com/otcmesh/otcmesh/internal/idgen"
	"github.com/otcmesh/otcmesh/internal/kyc"
	"github.com/otcmesh/otcmesh/internal/ledger"
	"github.com/otcmesh/otcmesh/internal/logging"
	"github.com/otcmesh/otcmesh/internal/messaging"
	"github.com/otcmesh/otcmesh/internal/metrics"
	"github.com/otcmesh/otcmesh/internal/offers"
	"github.com/otcmesh/otcmesh/internal/payments"
	"github.com/otcmesh/otcmesh/internal/ratelimit"
	"github.com/otcmesh/otcmesh/internal/ratings"
	"github.com/otcmesh/otcmesh/internal/realtime"
	"github.com/otcmesh/otcmesh/internal/security"
	"github.com/otcmesh/otcmesh/internal/traces"
	"github.com/otcmesh/otcmesh/internal/trades"
	"github.com/otcmesh/otcmesh/internal/users"
	"github.com/otcmesh/otcmesh/internal/validation"
	"github.com/otcmesh/otcmesh/internal/webhooks"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg        *config.Config
	authMgr    *auth.Manager
	users      *users.Service
	ledger     *ledger.Ledger
	offers     *offers.Service
	trades     *trades.Service
	tradeTimer *trades.Timer
	ratings    *ratings.Service
	messaging  *messaging.Service
	payments   *payments.Service
	kyc        *kyc.Service

	dispatcher   *webhooks.Dispatcher
	webhookStore webhooks.Store
	hub          *realtime.Hub
	rateLimiter  *ratelimit.Limiter
	checks       *health.Registry

	gateway     payments.Gateway
	kycProvider kyc.Provider

	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	stopTracing  func(context.Context) error

	// Health state
	ready atomic.Bool
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
func WithGateway(g payments.Gateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// WithKYCProvider sets a custom identity verification provider (for testing)
func WithKYCProvider(p kyc.Provider) Option {
	return func(s *Server) {
		s.kycProvider = p
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set gateway/provider/logger)
	for _, opt := range opts {
		opt(s)
	}

	unverifiedCap := decimal.Zero
	if cfg.UnverifiedTradeCap != "" {
		v, err := decimal.NewFromString(cfg.UnverifiedTradeCap)
		if err != nil {
			return nil, fmt.Errorf("invalid KYC_UNVERIFIED_TRADE_CAP: %w", err)
		}
		unverifiedCap = v
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		userStore   users.Store
		ledgerStore ledger.Store
		offerStore  offers.Store
		tradeStore  trades.Store
		ratingStore ratings.Store
		msgStore    messaging.Store
		authStore   auth.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		s.db = db
		s.logger.Info("connected to PostgreSQL", "dsn", maskDSN(cfg.DatabaseURL))

		userStore = users.NewPostgresStore(db)
		ledgerStore = ledger.NewPostgresStore(db)
		offerStore = offers.NewPostgresStore(db)
		tradeStore = trades.NewPostgresStore(db)
		ratingStore = ratings.NewPostgresStore(db)
		msgStore = messaging.NewPostgresStore(db)
		authStore = auth.NewPostgresStore(db)
		s.webhookStore = webhooks.NewPostgresStore(db)
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")

		userStore = users.NewMemoryStore()
		ledgerStore = ledger.NewMemoryStore()
		offerStore = offers.NewMemoryStore()
		tradeStore = trades.NewMemoryStore()
		ratingStore = ratings.NewMemoryStore()
		msgStore = messaging.NewMemoryStore()
		authStore = auth.NewMemoryStore()
		s.webhookStore = webhooks.NewMemoryStore()
	}

	// Core services
	s.authMgr = auth.NewManager(authStore)
	s.users = users.NewService(userStore)
	s.ledger = ledger.New(ledgerStore)
	s.offers = offers.NewService(offerStore, cfg.DefaultTradeWindow, cfg.MaxTradeWindow)
	s.trades = trades.NewService(tradeStore, s.offers, s.ledger, s.users, unverifiedCap)
	s.ratings = ratings.NewService(ratingStore, s.trades, s.users)
	s.messaging = messaging.NewService(msgStore, s.trades)
	s.tradeTimer = trades.NewTimer(tradeStore, s.logger)

	// Payment gateway (Paystack or Stripe, per config)
	if s.gateway == nil {
		switch cfg.PaymentProvider {
		case "stripe":
			s.gateway = payments.NewStripe(cfg.StripeSecret, cfg.StripeWebhookSecret)
		default:
			s.gateway = payments.NewPaystack(cfg.PaystackSecret, cfg.PaystackBaseURL)
		}
	}
	s.payments = payments.NewService(s.gateway, s.ledger)
	s.logger.Info("payment gateway configured", "provider", s.gateway.Name())

	// Identity verification (sandbox unless an external provider is configured)
	if s.kycProvider == nil {
		if cfg.KYCBaseURL != "" {
			s.kycProvider = kyc.NewHTTPProvider(cfg.KYCBaseURL, cfg.KYCAPIKey)
			s.logger.Info("KYC provider configured", "baseUrl", cfg.KYCBaseURL)
		} else {
			s.kycProvider = kyc.Sandbox{}
			s.logger.Info("KYC sandbox enabled (no external provider)")
		}
	}
	s.kyc = kyc.NewService(s.kycProvider, s.users)

	// Event side channels: outbound webhooks and the websocket feed.
	// Both receive every trade transition; neither is on the settlement path.
	s.dispatcher = webhooks.NewDispatcher(s.webhookStore)
	emitter := webhooks.NewEmitter(s.dispatcher, s.logger)
	s.hub = realtime.NewHub(s.logger)
	s.trades.SetEmitter(multiEmitter{emitter, s.hub})
	s.ledger.SetNotifier(emitter)
	s.payments.SetNotifier(emitter)

	// Readiness checks
	s.checks = health.NewRegistry()
	s.checks.Register("server", func(ctx context.Context) error {
		if !s.ready.Load() {
			return errors.New("starting up")
		}
		return nil
	})
	if s.db != nil {
		s.checks.Register("database", func(ctx context.Context) error {
			return s.db.PingContext(ctx)
		})
	}

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// multiEmitter fans a trade event out to every attached side channel.
type multiEmitter []trades.Emitter

func (m multiEmitter) Emit(ctx context.Context, event string, trade *trades.Trade) {
	for _, e := range m {
		e.Emit(ctx, event, trade)
	}
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

	// CORS (allow all origins for development - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
		rlCfg.BurstSize = s.cfg.RateLimitRPS
	}
	s.rateLimiter = ratelimit.New(rlCfg)
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
			requestID = idgen.Hex(8)
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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.checks.RegisterRoutes(s.router)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/", s.infoHandler)

	// WebSocket trade event feed
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})
	s.router.GET("/ws/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.hub.Stats())
	})

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :id URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.IDParamMiddleware("id"))
	// Resolve API keys when present; individual groups decide whether
	// authentication is required.
	v1.Use(auth.Middleware(s.authMgr))

	usersHandler := users.NewHandler(s.users, s.authMgr)
	tradesHandler := trades.NewHandler(s.trades)
	ledgerHandler := ledger.NewHandler(s.ledger)
	paymentsHandler := payments.NewHandler(s.payments, s.paystack(), s.stripe())

	// PUBLIC ROUTES (no auth required)
	usersHandler.RegisterRoutes(v1)

	// Gateway callbacks authenticate with signatures, not API keys
	paymentsHandler.RegisterWebhookRoutes(v1)

	// PROTECTED ROUTES (require API key)
	authed := v1.Group("")
	authed.Use(auth.RequireAuth(s.authMgr))

	offers.NewHandler(s.offers).RegisterRoutes(v1, authed)
	ratings.NewHandler(s.ratings).RegisterRoutes(v1, authed)
	tradesHandler.RegisterRoutes(authed)
	ledgerHandler.RegisterRoutes(authed)
	messaging.NewHandler(s.messaging).RegisterRoutes(authed)
	kyc.NewHandler(s.kyc).RegisterRoutes(authed)
	webhooks.NewHandler(s.webhookStore).RegisterRoutes(authed)
	paymentsHandler.RegisterRoutes(authed)

	// ADMIN ROUTES (X-Admin-Secret on top of API key auth)
	admin := v1.Group("/admin")
	admin.Use(auth.RequireAuth(s.authMgr), auth.RequireAdmin(s.cfg.AdminSecret))

	usersHandler.RegisterAdminRoutes(admin)
	tradesHandler.RegisterAdminRoutes(admin)
	ledgerHandler.RegisterAdminRoutes(admin)
}

// paystack returns the gateway as a Paystack client when it is one.
// The payments handler needs the concrete type for webhook signature checks.
func (s *Server) paystack() *payments.Paystack {
	p, _ := s.gateway.(*payments.Paystack)
	return p
}

func (s *Server) stripe() *payments.Stripe {
	p, _ := s.gateway.(*payments.Stripe)
	return p
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "OTCMesh",
		"description": "Peer-to-peer fiat/stablecoin OTC trading",
		"version":     "0.1.0",
		"docs":        "/v1",
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

	// Tracing (no-op without an OTLP endpoint)
	stopTracing, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.stopTracing = stopTracing
	}

	// Settle trades that completed mid-crash before accepting traffic.
	if err := s.trades.ReconcileSettlements(runCtx); err != nil {
		s.logger.Error("settlement reconciliation failed", "error", err)
	}

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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.hub.Run(runCtx)

	// Start payment deadline sweeper
	go s.tradeTimer.Start(runCtx)

	// Sample connection pool stats
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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

	// Cancel the context for all background goroutines (hub, timer, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop payment deadline sweeper
	if s.tradeTimer != nil {
		s.tradeTimer.Stop()
		s.logger.Info("trade timer stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush pending trace spans
	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
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
