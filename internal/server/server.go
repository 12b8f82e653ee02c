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

	"github.com/mbd888/revolve/internal/auth"
	"github.com/mbd888/revolve/internal/config"
	"github.com/mbd888/revolve/internal/credit"
	"github.com/mbd888/revolve/internal/health"
	"github.com/mbd888/revolve/internal/installment"
	"github.com/mbd888/revolve/internal/ledger"
	"github.com/mbd888/revolve/internal/logging"
	"github.com/mbd888/revolve/internal/metrics"
	"github.com/mbd888/revolve/internal/notify"
	"github.com/mbd888/revolve/internal/rail"
	"github.com/mbd888/revolve/internal/ratelimit"
	"github.com/mbd888/revolve/internal/security"
	"github.com/mbd888/revolve/internal/validation"
	"github.com/mbd888/revolve/migrations"
)

// Version is reported by /health.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg              *config.Config
	store            ledger.Store
	hub              *notify.Hub
	creditService    *credit.Service
	creditTimer      *credit.Timer
	engine           *installment.Engine
	overdueTimer     *installment.Timer
	railService      *rail.Service
	chargeResolver   rail.ChargeResolver
	rateLimiter      *ratelimit.Limiter
	healthChecks     *health.Registry
	db               *sql.DB // nil if using in-memory
	router           *gin.Engine
	httpSrv          *http.Server
	logger           *slog.Logger
	cancelRunCtx     context.CancelFunc // cancels background goroutines started in Run
	shutdownDrainDur time.Duration

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

// WithStore sets the ledger store, bypassing DATABASE_URL (for testing)
func WithStore(store ledger.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithChargeResolver lets rail confirmations name an external charge
// instead of a payment ID.
func WithChargeResolver(r rail.ChargeResolver) Option {
	return func(s *Server) {
		s.chargeResolver = r
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:              cfg,
		logger:           logging.New(cfg.LogLevel, cfg.LogFormat),
		healthChecks:     health.NewRegistry(),
		shutdownDrainDur: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	if s.store == nil {
		if cfg.DatabaseURL != "" {
			db, err := sql.Open("postgres", cfg.DatabaseURL)
			if err != nil {
				return nil, fmt.Errorf("failed to open database: %w", err)
			}

			db.SetMaxOpenConns(25)
			db.SetMaxIdleConns(5)
			db.SetConnMaxLifetime(5 * time.Minute)

			if err := db.PingContext(ctx); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("failed to connect to database: %w", err)
			}

			if cfg.AutoMigrate {
				if err := migrations.Up(ctx, db); err != nil {
					_ = db.Close()
					return nil, fmt.Errorf("failed to apply migrations: %w", err)
				}
				s.logger.Info("migrations applied")
			}

			s.db = db
			s.store = ledger.NewPostgresStore(db)
			s.healthChecks.Register("database", health.DBChecker(db))
			s.logger.Info("using postgres storage", "dsn", maskDSN(cfg.DatabaseURL))
		} else {
			s.store = ledger.NewMemoryStore()
			s.logger.Warn("DATABASE_URL not set, using in-memory storage (data is lost on restart)")
		}
	}

	// Events fan out to the log and to websocket subscribers
	s.hub = notify.NewHub(s.logger)
	events := notify.NewEmitter(s.logger, notify.NewLogSink(s.logger), s.hub)

	s.creditService = credit.NewService(s.store, events, credit.Policy{
		DefaultMaxInstallments: cfg.DefaultMaxInstallments,
		DefaultInterestRateBps: cfg.DefaultInterestRateBps,
		TokenTTL:               cfg.TokenTTL(),
	}, s.logger)
	s.creditTimer = credit.NewTimer(s.creditService, cfg.TokenExpiryInterval, s.logger)

	s.engine = installment.NewEngine(s.store, s.creditService, events, installment.Options{
		Mode:            installment.InterestMode(cfg.InterestMode),
		Period:          cfg.InstallmentPeriod(),
		FreezeThreshold: cfg.FreezeThreshold,
	}, s.logger)

	overdueTimer, err := installment.NewTimer(s.engine.Scanner, cfg.OverdueScanSchedule, s.logger)
	if err != nil {
		s.closeDB()
		return nil, fmt.Errorf("invalid overdue scan schedule: %w", err)
	}
	s.overdueTimer = overdueTimer

	s.railService = rail.NewService(s.store, s.engine.Reconciler, s.chargeResolver, s.logger)

	if cfg.RateLimitRPM > 0 {
		s.rateLimiter = ratelimit.New(ratelimit.Config{
			RequestsPerMinute: cfg.RateLimitRPM,
			BurstSize:         cfg.RateLimitBurst,
			CleanupInterval:   time.Minute,
		})
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())

	// Caller identity must be known before logging and rate limiting key on it
	s.router.Use(auth.Middleware())
	s.router.Use(s.loggingMiddleware())

	if s.rateLimiter != nil {
		s.router.Use(s.rateLimiter.Middleware())
	}
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an ID set upstream (load balancer, gateway)
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	creditHandler := credit.NewHandler(s.creditService)
	installmentHandler := installment.NewHandler(s.engine)
	railHandler := rail.NewHandler(s.railService, s.cfg.RailWebhookSecret)

	v1 := s.router.Group("/v1")

	// Public: quotes and the signed rail webhook
	installmentHandler.RegisterRoutes(v1)
	railHandler.RegisterRoutes(v1)

	protected := v1.Group("", auth.RequireCaller())
	creditHandler.RegisterProtectedRoutes(protected)
	installmentHandler.RegisterProtectedRoutes(protected)
	protected.GET("/ws", s.ownerStreamHandler)

	admin := v1.Group("", auth.RequireAdmin(s.cfg.AdminSecret))
	creditHandler.RegisterAdminRoutes(admin)
	installmentHandler.RegisterAdminRoutes(admin)
	admin.GET("/admin/ws", s.adminStreamHandler)
	admin.GET("/admin/stats", s.statsHandler)
}

// ownerStreamHandler streams the caller's own lifecycle events.
func (s *Server) ownerStreamHandler(c *gin.Context) {
	s.hub.HandleOwnerWebSocket(c.Writer, c.Request, auth.CallerID(c))
}

// adminStreamHandler streams every event, filtered by query parameters.
func (s *Server) adminStreamHandler(c *gin.Context) {
	s.hub.HandleWebSocket(c.Writer, c.Request)
}

func (s *Server) statsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"stream":          s.hub.Stats(),
		"creditTimer":     s.creditTimer.Running(),
		"overdueTimer":    s.overdueTimer.Running(),
		"postgres":        s.db != nil,
		"rateLimited":     s.rateLimiter != nil,
		"interestMode":    s.cfg.InterestMode,
		"freezeThreshold": s.cfg.FreezeThreshold,
	})
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse is the body of /health
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.healthChecks.CheckAll(ctx)

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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancelled by Shutdown to stop the hub and timers.
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

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"interest_mode", s.cfg.InterestMode,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)

	go s.creditTimer.Start(runCtx)
	s.healthChecks.Register("token_expiry_timer", health.RunningChecker(s.creditTimer.Running))

	go s.overdueTimer.Start(runCtx)
	s.healthChecks.Register("overdue_scanner", health.RunningChecker(s.overdueTimer.Running))

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		cancel()
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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.shutdownDrainDur)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.creditTimer.Stop()
	s.logger.Info("token expiry timer stopped")

	s.overdueTimer.Stop()
	s.logger.Info("overdue scanner stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	s.closeDB()

	s.logger.Info("server stopped")
	return nil
}

func (s *Server) closeDB() {
	if s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	} else {
		s.logger.Info("database connection closed")
	}
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
