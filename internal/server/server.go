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

	"github.com/tmarkov/timebank/internal/auth"
	"github.com/tmarkov/timebank/internal/config"
	"github.com/tmarkov/timebank/internal/directory"
	"github.com/tmarkov/timebank/internal/dispute"
	"github.com/tmarkov/timebank/internal/handshake"
	"github.com/tmarkov/timebank/internal/health"
	"github.com/tmarkov/timebank/internal/idgen"
	"github.com/tmarkov/timebank/internal/ledger"
	"github.com/tmarkov/timebank/internal/logging"
	"github.com/tmarkov/timebank/internal/metrics"
	"github.com/tmarkov/timebank/internal/notify"
	"github.com/tmarkov/timebank/internal/ratelimit"
	"github.com/tmarkov/timebank/internal/realtime"
	"github.com/tmarkov/timebank/internal/security"
	"github.com/tmarkov/timebank/internal/traces"
	"github.com/tmarkov/timebank/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies.
type Server struct {
	cfg            *config.Config
	verifier       *auth.Verifier
	ledger         *ledger.Ledger
	ledgerVerifier *ledger.Verifier
	listings       *directory.Service
	handshakes     *handshake.Service
	disputes       *dispute.Service
	dispatcher     *notify.Dispatcher
	webhookStore   notify.Store
	hub            *realtime.Hub
	rateLimiter    *ratelimit.Limiter
	healthReg      *health.Registry
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	shutdownTraces func(context.Context) error
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// fanoutNotifier delivers handshake transitions to every sink: outbound
// webhooks plus the live activity feed.
type fanoutNotifier struct {
	sinks []handshake.Notifier
}

func (f *fanoutNotifier) Emit(event string, h *handshake.Handshake) {
	for _, sink := range f.sinks {
		sink.Emit(event, h)
	}
}

// New creates a new server instance.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("trace exporter disabled", "error", err)
	} else {
		s.shutdownTraces = shutdownTraces
	}

	var (
		ledgerStore    ledger.Store
		handshakeStore handshake.Store
		disputeStore   dispute.Store
		listingStore   directory.Store
		webhookStore   notify.Store
	)

	// Storage: Postgres if DATABASE_URL is set, otherwise in-memory.
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
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		lps := ledger.NewPostgresStore(db)
		if err := lps.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate ledger store", "error", err)
		}
		ledgerStore = lps

		hps := handshake.NewPostgresStore(db)
		if err := hps.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate handshake store", "error", err)
		}
		handshakeStore = hps

		dps := dispute.NewPostgresStore(db)
		if err := dps.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate report store", "error", err)
		}
		disputeStore = dps

		sps := directory.NewPostgresStore(db)
		if err := sps.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate listing store", "error", err)
		}
		listingStore = sps

		wps := notify.NewPostgresStore(db)
		if err := wps.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate webhook store", "error", err)
		}
		webhookStore = wps
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		ledgerStore = ledger.NewMemoryStore()
		handshakeStore = handshake.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
		listingStore = directory.NewMemoryStore()
		webhookStore = notify.NewMemoryStore()
	}

	// Ledger and its chain verifier.
	s.ledger = ledger.New(ledgerStore)
	s.ledgerVerifier = ledger.NewVerifier(s.ledger, s.logger)

	// Listing catalog.
	s.listings = directory.NewService(listingStore)

	// Activity feed and webhook delivery.
	s.hub = realtime.NewHub(s.logger)
	s.webhookStore = webhookStore
	s.dispatcher = notify.NewDispatcher(webhookStore)
	emitter := notify.NewEmitter(s.dispatcher, s.logger)

	// Negotiation state machine with settlement and dispute hooks.
	s.handshakes = handshake.NewService(handshakeStore, s.ledger, s.listings).
		WithMinHours(cfg.MinOfferHours).
		WithNotifier(&fanoutNotifier{sinks: []handshake.Notifier{emitter, s.hub}})

	s.disputes = dispute.NewService(disputeStore, s.handshakes)
	s.handshakes.WithDisputeChecker(s.disputes)

	// Identity.
	s.verifier = auth.NewVerifier(cfg.JWTSecret)

	// Health checks.
	s.healthReg = health.NewRegistry()
	s.healthReg.Register("database", func(ctx context.Context) health.Status {
		if s.db == nil {
			return health.Status{Name: "database", Healthy: true, Detail: "in-memory"}
		}
		if err := s.db.PingContext(ctx); err != nil {
			return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "database", Healthy: true}
	})

	// Configure gin.
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides the password in a connection string for logging.
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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
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
		// Honor an existing request ID (from a load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.Hex(8)
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
	// Health and observability
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Live activity feed
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.verifier))

	// Public reads
	v1.GET("/feed/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.hub.Stats())
	})

	// Authenticated member surface
	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	// Ledger routes key :id by member, which is not a prefixed
	// identifier, so the id check applies to the resource routes only.
	ledger.NewHandler(s.ledger).RegisterRoutes(protected)

	resources := protected.Group("")
	resources.Use(validation.IDParamMiddleware())
	handshake.NewHandler(s.handshakes).RegisterRoutes(resources)
	dispute.NewHandler(s.disputes).RegisterRoutes(resources)
	directory.NewHandler(s.listings).RegisterRoutes(resources)
	notify.NewHandler(s.webhookStore).RegisterRoutes(resources)

	// Admin surface
	admin := v1.Group("/admin")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	dispute.NewHandler(s.disputes).RegisterAdminRoutes(admin)
	ledger.NewHandler(s.ledger).RegisterAdminRoutes(admin)
	admin.POST("/members/:id/enroll", s.enrollHandler)
}

// enrollHandler grants the configured signup hours to a new member.
func (s *Server) enrollHandler(c *gin.Context) {
	userID := c.Param("id")
	if err := s.ledger.Grant(c.Request.Context(), userID, s.cfg.SignupGrantHours, "signup grant"); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "grant_failed",
			"message": err.Error(),
		})
		return
	}
	bal, err := s.ledger.GetBalance(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "balance": bal})
}

// -----------------------------------------------------------------------------
// Health handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.healthReg.CheckAll(c.Request.Context())
	code := http.StatusOK
	if !healthy || !s.healthy.Load() {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"healthy": healthy && s.healthy.Load(),
		"checks":  statuses,
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context so Shutdown() can stop background goroutines.
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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Activity feed
	go s.hub.Run(runCtx)

	// Ledger chain verification sweep
	go s.ledgerVerifier.Start(runCtx)

	// Database pool stats
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Stop background goroutines (feed hub, chain verifier).
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

	s.ledgerVerifier.Stop()

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Warn("trace exporter shutdown error", "error", err)
		}
	}

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

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}
