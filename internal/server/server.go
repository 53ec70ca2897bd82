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

	"github.com/auwntech/walletd/internal/account"
	"github.com/auwntech/walletd/internal/admin"
	"github.com/auwntech/walletd/internal/alerts"
	"github.com/auwntech/walletd/internal/config"
	"github.com/auwntech/walletd/internal/credential"
	"github.com/auwntech/walletd/internal/health"
	"github.com/auwntech/walletd/internal/idgen"
	"github.com/auwntech/walletd/internal/ledger"
	"github.com/auwntech/walletd/internal/logging"
	"github.com/auwntech/walletd/internal/metrics"
	"github.com/auwntech/walletd/internal/ratelimit"
	"github.com/auwntech/walletd/internal/security"
	"github.com/auwntech/walletd/internal/session"
	"github.com/auwntech/walletd/internal/settlement"
	"github.com/auwntech/walletd/internal/validation"
	"github.com/auwntech/walletd/internal/wallet"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// Version is the running build, overridden with -ldflags at release time.
var Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	now    func() time.Time

	db         *sql.DB // nil if using in-memory
	accounts   account.Store
	ledger     ledger.Store
	alertStore alerts.Store
	dispatcher *alerts.Dispatcher
	verifier   *credential.Verifier
	codec      *session.Codec
	processor  *wallet.Processor
	adjuster   *wallet.AdminProcessor
	reporter   *admin.Reporter
	checks     *health.Registry

	rateLimiter *ratelimit.Limiter
	router      *gin.Engine
	httpSrv     *http.Server
	drainDelay  time.Duration

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

// WithClock sets the time source for lockout decisions (for testing)
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// WithVerifier sets the PIN verifier, e.g. a cheap bcrypt cost in tests
func WithVerifier(v *credential.Verifier) Option {
	return func(s *Server) {
		s.verifier = v
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// routing before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		now:        time.Now,
		checks:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}
	if s.verifier == nil {
		s.verifier = credential.New(credential.DefaultCost)
	}

	policy := account.LockoutPolicy{Threshold: cfg.PINLockThreshold, Duration: cfg.PINLockDuration}
	var uow settlement.UnitOfWork

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

		ctx, cancel := context.WithTimeout(context.Background(), cfg.StorageTimeout)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		accounts := account.NewPostgresStore(db, policy)
		entries := ledger.NewPostgresStore(db)
		s.db = db
		s.accounts = accounts
		s.ledger = entries
		s.alertStore = alerts.NewPostgresStore(db)
		uow = settlement.NewPostgres(db, accounts, entries)
		s.checks.Register("database", health.Database(db))
		if err := metrics.RegisterDB(db); err != nil {
			s.logger.Warn("db stats collector not registered", "error", err)
		}
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		accounts := account.NewMemoryStore(policy)
		entries := ledger.NewMemoryStore()
		s.accounts = accounts
		s.ledger = entries
		s.alertStore = alerts.NewMemoryStore()
		uow = settlement.NewLocking(accounts, entries, s.logger)
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.dispatcher = alerts.NewDispatcher(s.alertStore, alerts.DispatcherConfig{
		QueueSize: cfg.AlertQueueSize,
		Attempts:  cfg.AlertRetryAttempts,
	}, s.logger)
	s.checks.Register("alert_store", health.Breaker(s.dispatcher.Breaker()))

	deps := wallet.Deps{
		Accounts:       s.accounts,
		Ledger:         s.ledger,
		UnitOfWork:     uow,
		Verifier:       s.verifier,
		Alerts:         s.dispatcher,
		Logger:         s.logger,
		StorageTimeout: cfg.StorageTimeout,
		Now:            s.now,
	}
	s.processor = wallet.NewProcessor(deps)
	s.adjuster = wallet.NewAdminProcessor(deps)
	s.reporter = admin.NewReporter(s.ledger, s.accounts, s.alertStore, cfg.SummaryAlertLimit).WithClock(s.now)
	s.codec = session.NewCodec(cfg.SessionSecret, session.DefaultTTL)
	s.logger.Info("pin lockout policy", "threshold", policy.Threshold, "duration", policy.Duration.String())

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	storage := "memory"
	if s.db != nil {
		storage = "postgres"
	}
	metrics.BuildInfo.WithLabelValues(Version, storage).Set(1)

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

	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := validation.SanitizeString(c.GetHeader("X-Request-ID"), 64)
		if requestID == "" {
			requestID = idgen.Hex(16)
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

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		if caller, ok := session.GetCaller(c); ok {
			attrs = append(attrs, "account_id", caller.AccountID)
		}

		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// rateLimitKey charges authenticated requests to their account and
// anonymous ones to the client address.
func rateLimitKey(c *gin.Context) string {
	if caller, ok := session.GetCaller(c); ok {
		return "acct:" + caller.AccountID
	}
	return "ip:" + c.ClientIP()
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

	s.rateLimiter = ratelimit.New(ratelimit.Config{RequestsPerMinute: s.cfg.RateLimitRPM})

	v1 := s.router.Group("/v1",
		session.Middleware(s.codec),
		s.rateLimiter.Middleware(rateLimitKey),
		session.RequireSession(),
	)

	walletHandler := wallet.NewHandler(s.processor, s.adjuster)
	walletHandler.RegisterRoutes(v1)

	adminGroup := v1.Group("/admin", session.RequireRole(session.RoleAdmin))
	walletHandler.RegisterAdminRoutes(adminGroup)
	admin.NewHandler(s.reporter, s.cfg.StorageTimeout).RegisterRoutes(adminGroup)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.StorageTimeout)
	defer cancel()

	healthy, checks := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: s.now().UTC().Format(time.RFC3339),
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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "version", Version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server. In-flight requests finish before
// the alert queue is drained and the database is closed.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if err := s.dispatcher.Close(ctx); err != nil {
		s.logger.Warn("alert queue not fully drained", "error", err)
	} else {
		s.logger.Info("alert dispatcher stopped")
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
