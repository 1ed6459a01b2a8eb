// Package server sets up the HTTP server with all routes.
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

	"github.com/mbd888/tgbtcpay/internal/config"
	"github.com/mbd888/tgbtcpay/internal/contracts"
	"github.com/mbd888/tgbtcpay/internal/health"
	"github.com/mbd888/tgbtcpay/internal/idgen"
	"github.com/mbd888/tgbtcpay/internal/ledger"
	"github.com/mbd888/tgbtcpay/internal/lifecycle"
	"github.com/mbd888/tgbtcpay/internal/logging"
	"github.com/mbd888/tgbtcpay/internal/metrics"
	"github.com/mbd888/tgbtcpay/internal/notify"
	"github.com/mbd888/tgbtcpay/internal/observer"
	"github.com/mbd888/tgbtcpay/internal/profiles"
	"github.com/mbd888/tgbtcpay/internal/ratelimit"
	"github.com/mbd888/tgbtcpay/internal/realtime"
	"github.com/mbd888/tgbtcpay/internal/security"
	"github.com/mbd888/tgbtcpay/internal/settlement"
	"github.com/mbd888/tgbtcpay/internal/toncenter"
	"github.com/mbd888/tgbtcpay/internal/validation"
	"github.com/mbd888/tgbtcpay/internal/wallet"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	store       ledger.Store
	cursors     observer.CursorStore
	chain       *toncenter.Client
	wallet      *wallet.Wallet
	observer    *observer.Observer
	manager     *lifecycle.Manager
	sweeper     *lifecycle.Sweeper
	provisioner *contracts.Provisioner
	coordinator *settlement.Coordinator
	reconciler  *settlement.Reconciler
	profiles    *profiles.Service
	notifier    *notify.Notifier
	realtimeHub *realtime.Hub
	rateLimiter *ratelimit.Limiter
	checks      *health.Registry
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	cancelRun   context.CancelFunc // cancels background goroutines started in Run

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

// WithWallet injects a pre-built wallet (for testing)
func WithWallet(w *wallet.Wallet) Option {
	return func(s *Server) {
		s.wallet = w
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	// Apply options first (may set wallet/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
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
		s.store = ledger.NewPostgresStore(db)
		s.cursors = observer.NewPostgresCursorStore(db)
		s.profiles = profiles.NewService(profiles.NewPostgresStore(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.store = ledger.NewMemoryStore()
		s.cursors = observer.NewMemoryCursorStore()
		s.profiles = profiles.NewService(profiles.NewMemoryStore())
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Chain access. In production the endpoint must be a public host;
	// a loopback or private address here is a misconfiguration.
	if cfg.IsProduction() {
		if err := security.ValidateEndpointURL(cfg.TONEndpoint); err != nil {
			return nil, fmt.Errorf("invalid TON endpoint: %w", err)
		}
	}
	s.chain = toncenter.NewClient(cfg.TONEndpoint, cfg.TONAPIKey)

	// Service wallet. Without a key the API still serves reads, but
	// deploy and settle report the wallet as unavailable.
	if s.wallet == nil && cfg.WalletKey != "" {
		signer, err := wallet.NewKeySigner(cfg.WalletKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load wallet key: %w", err)
		}
		s.wallet = wallet.New(s.chain, signer, wallet.DefaultConfig(cfg.WalletAddress), s.logger)
		s.logger.Info("service wallet loaded", "address", cfg.WalletAddress)
	}
	if s.wallet == nil {
		s.logger.Warn("no wallet key configured, deploy and settle disabled")
	}

	// Confirmed-transfer observer
	obsCfg := observer.DefaultConfig()
	obsCfg.PollInterval = cfg.PollInterval
	s.observer = observer.New(s.chain, s.cursors, obsCfg, s.logger)

	// Realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)

	// Telegram notifications (optional)
	if cfg.TelegramBotToken != "" {
		tgBot, err := notify.NewBot(cfg.TelegramBotToken)
		if err != nil {
			s.logger.Warn("telegram bot unavailable, notifications disabled", "error", err)
		} else {
			s.notifier = notify.New(tgBot, s.profiles, cfg.AppURL, s.logger)
			s.logger.Info("telegram notifications enabled")
		}
	}

	// Request lifecycle
	s.manager = lifecycle.NewManager(s.store, s.logger).WithEventSink(s.realtimeHub)
	if s.notifier != nil {
		s.manager = s.manager.WithNotifier(s.notifier)
	}
	s.sweeper = lifecycle.NewSweeper(s.manager, s.store, cfg.SweepInterval, s.logger)

	// Escrow provisioning and settlement need the wallet
	if s.wallet != nil {
		s.provisioner = contracts.NewProvisioner(s.manager, s.wallet, s.logger)
		s.coordinator = settlement.NewCoordinator(s.store, s.manager, s.wallet, s.observer,
			settlement.Config{ConfirmTimeout: cfg.SettleTimeout}, s.logger)
		s.reconciler = settlement.NewReconciler(s.coordinator, s.store, s.chain, cfg.ReconcileEvery, s.logger)
	}

	// Health checks
	s.checks = health.NewRegistry()
	if s.db != nil {
		db := s.db
		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}
	if cfg.WalletAddress != "" {
		chain := s.chain
		addr := cfg.WalletAddress
		s.checks.Register("chain", func(ctx context.Context) health.Status {
			if _, err := chain.GetAccountState(ctx, addr); err != nil {
				return health.Status{Name: "chain", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "chain", Healthy: true}
		})
	}

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

	// CORS. The mini app is served from Telegram's web origins.
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerSecond: s.cfg.RateLimitRPS,
		BurstSize:         s.cfg.RateLimitBurst,
		CleanupInterval:   time.Minute,
	})
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
			requestID = idgen.Hex(16)
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time request updates
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :address URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.AddressParamMiddleware())

	// Payment requests
	v1.POST("/requests", s.createRequest)
	v1.GET("/requests", s.listRequests)
	v1.GET("/requests/:id", s.getRequest)
	v1.POST("/requests/:id/deploy", s.deployRequest)
	v1.POST("/requests/:id/settle", s.settleRequest)
	v1.GET("/requests/:id/settlement", s.getSettlement)

	// Profiles
	v1.POST("/profiles", s.upsertProfile)
	v1.GET("/profiles/:telegramId", s.getProfile)

	// On-chain balance
	v1.GET("/balance/:address", s.getBalance)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel

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

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start expiry sweeper
	go s.sweeper.Start(runCtx)

	// Start dangling-settlement reconciler
	if s.reconciler != nil {
		go s.reconciler.Start(runCtx)
	}

	// Export pool and goroutine gauges
	if s.db != nil {
		go metrics.StartCollector(runCtx, s.db, 15*time.Second)
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

	// Cancel the context for all background goroutines (hub, sweeper, reconciler)
	if s.cancelRun != nil {
		s.cancelRun()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.sweeper.Stop()
	if s.reconciler != nil {
		s.reconciler.Stop()
	}

	// Stop account poll loops
	s.observer.Stop()

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
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
