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

	"github.com/obike/campuspay/internal/config"
	"github.com/obike/campuspay/internal/escrow"
	"github.com/obike/campuspay/internal/gateway"
	"github.com/obike/campuspay/internal/health"
	"github.com/obike/campuspay/internal/logging"
	"github.com/obike/campuspay/internal/metrics"
	"github.com/obike/campuspay/internal/money"
	"github.com/obike/campuspay/internal/notify"
	"github.com/obike/campuspay/internal/payments"
	"github.com/obike/campuspay/internal/ratelimit"
	"github.com/obike/campuspay/internal/rewards"
	"github.com/obike/campuspay/internal/security"
	"github.com/obike/campuspay/internal/traces"
	"github.com/obike/campuspay/internal/validation"
	"github.com/obike/campuspay/internal/wallet"
)

// reconcileInterval is how often the background sweep polls the gateway
// for pending payments whose webhook never arrived.
const reconcileInterval = 5 * time.Minute

// reconcileMinAge leaves fresh payments alone so the sweep does not race
// a webhook that is simply still in flight.
const reconcileMinAge = 15 * time.Minute

const reconcileBatchSize = 50

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg             *config.Config
	wallets         *wallet.Service
	escrows         *escrow.Service
	payments        *payments.Service
	rewards         *rewards.Service
	notifyStore     notify.Store
	dispatcher      *notify.Dispatcher
	usage           *gateway.Usage
	selector        *gateway.Selector
	rateLimiter     *ratelimit.Limiter
	rewardsLimiter  *ratelimit.Limiter
	healthRegistry  *health.Registry
	db              *sql.DB // nil if using in-memory
	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run
	tracesShutdown  func(context.Context) error

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

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		walletStore  wallet.Store
		escrowStore  escrow.Store
		paymentStore payments.Store
		rewardStore  rewards.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		walletStore = wallet.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		paymentStore = payments.NewPostgresStore(db)
		rewardStore = rewards.NewPostgresStore(db)
		s.notifyStore = notify.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		walletStore = wallet.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		paymentStore = payments.NewMemoryStore()
		rewardStore = rewards.NewMemoryStore()
		s.notifyStore = notify.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Notifications
	s.dispatcher = notify.NewDispatcher(s.notifyStore)
	if cfg.NotifyURL != "" {
		s.dispatcher = s.dispatcher.WithFirehose(cfg.NotifyURL, cfg.NotifySecret)
		s.logger.Info("notification firehose enabled")
	}
	emitter := notify.NewEmitter(s.dispatcher)

	// Gateway providers, Paystack-compatible REST first
	s.usage = gateway.NewUsage()
	providers := []gateway.Client{
		gateway.NewRESTProvider(cfg.GatewayBaseURL, cfg.GatewaySecretKey, cfg.GatewayMaxRetries),
	}
	if cfg.StripeSecretKey != "" {
		providers = append(providers,
			gateway.NewStripeProvider(cfg.StripeSecretKey, cfg.StripeSuccessURL, cfg.StripeCancelURL))
		s.logger.Info("stripe card channel enabled")
	}
	s.selector = gateway.NewSelector(s.usage, providers...)

	// Core services
	s.wallets = wallet.NewService(walletStore)
	s.escrows = escrow.NewService(escrowStore, s.wallets, cfg.PlatformFeePercent).WithNotifier(emitter)
	s.payments = payments.NewService(paymentStore, s.wallets, s.selector, cfg.GatewayWebhookSecret).WithNotifier(emitter)

	rewardOpts, err := rewardOptions(cfg)
	if err != nil {
		return nil, err
	}
	s.rewards = rewards.NewService(rewardStore, s.wallets, rewardOpts).WithNotifier(emitter)

	// Health checks
	s.healthRegistry = health.NewRegistry()
	if s.db != nil {
		s.healthRegistry.Register("database", health.Database(s.db))
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// rewardOptions converts the configured naira amounts into kobo.
func rewardOptions(cfg *config.Config) (rewards.Options, error) {
	opts := rewards.Options{StreakSecret: cfg.StreakSecret}

	for _, field := range []struct {
		name  string
		value string
		dst   *int64
	}{
		{"WELCOME_BONUS_MIN", cfg.WelcomeBonusMin, &opts.WelcomeMin},
		{"WELCOME_BONUS_MAX", cfg.WelcomeBonusMax, &opts.WelcomeMax},
		{"REFERRAL_BONUS", cfg.ReferralBonus, &opts.ReferralBonus},
		{"STREAK_BASE_AWARD", cfg.StreakBaseAward, &opts.StreakBase},
	} {
		kobo, ok := money.Parse(field.value)
		if !ok || kobo <= 0 {
			return opts, fmt.Errorf("%s must be a positive naira amount, got %q", field.name, field.value)
		}
		*field.dst = kobo
	}

	if opts.WelcomeMax < opts.WelcomeMin {
		return opts, fmt.Errorf("WELCOME_BONUS_MAX must be at least WELCOME_BONUS_MIN")
	}
	return opts, nil
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
	limitCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		limitCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(limitCfg)
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

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

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

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :userID URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.UserIDParamMiddleware())

	wallet.NewHandler(s.wallets).RegisterRoutes(v1)
	escrow.NewHandler(s.escrows).RegisterRoutes(v1)
	payments.NewHandler(s.payments).RegisterRoutes(v1)
	notify.NewHandler(s.notifyStore).RegisterRoutes(v1)

	// Reward claims get a much tighter per-user budget: they mint money.
	s.rewardsLimiter = ratelimit.New(ratelimit.StrictConfig())
	limited := v1.Group("")
	limited.Use(s.rewardsLimiter.PerUserMiddleware())
	rewards.NewHandler(s.rewards).RegisterRoutes(limited)

	// Gateway observability
	v1.GET("/gateway/providers", s.providersHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.healthRegistry.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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
		"name":        "CampusPay",
		"description": "Wallet, escrow and rewards for campus marketplaces",
		"version":     "0.1.0",
		"currency":    "NGN",
	})
}

// providersHandler reports which gateway providers are configured and
// how often each has been selected.
func (s *Server) providersHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"usage": s.usage.Snapshot(),
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

	shutdownTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.tracesShutdown = shutdownTraces
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

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Reconciliation sweep for payments whose webhook never arrived
	go s.runReconcileLoop(runCtx)

	// Database pool metrics
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

func (s *Server) runReconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.ReconcileRunsTotal.Inc()
			settled, err := s.payments.ReconcilePending(ctx, reconcileMinAge, reconcileBatchSize)
			if err != nil {
				s.logger.Error("reconcile sweep failed", "error", err)
				continue
			}
			metrics.ReconcileSettledTotal.Add(float64(settled))
			if settled > 0 {
				s.logger.Info("reconcile sweep settled payments", "count", settled)
			}
		}
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines
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

	// Stop rate limiter cleanup goroutines
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.rewardsLimiter != nil {
		s.rewardsLimiter.Stop()
	}

	// Let in-flight webhook deliveries land
	if s.dispatcher != nil {
		s.dispatcher.Wait()
		s.logger.Info("notification dispatcher drained")
	}

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
