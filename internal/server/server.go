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

	"github.com/tradewire/p2p-escrow/internal/audit"
	"github.com/tradewire/p2p-escrow/internal/config"
	"github.com/tradewire/p2p-escrow/internal/dispute"
	"github.com/tradewire/p2p-escrow/internal/fraud"
	"github.com/tradewire/p2p-escrow/internal/health"
	"github.com/tradewire/p2p-escrow/internal/ledger"
	"github.com/tradewire/p2p-escrow/internal/logging"
	"github.com/tradewire/p2p-escrow/internal/metrics"
	"github.com/tradewire/p2p-escrow/internal/notify"
	"github.com/tradewire/p2p-escrow/internal/offers"
	"github.com/tradewire/p2p-escrow/internal/trade"
	"github.com/tradewire/p2p-escrow/internal/validation"
)

// Server wraps the HTTP server and dependencies.
type Server struct {
	cfg *config.Config

	offerRegistry  *offers.MemoryRegistry
	paymentMethods *offers.MemoryPaymentMethods
	ledgerService  *ledger.Ledger
	activityLog    *audit.Log
	tradeService   *trade.Service
	tradeStore     trade.Store
	disputeService *dispute.Service
	arbiters       dispute.StaticArbiters
	sweeper        *trade.Sweeper
	emitter        *notify.Emitter
	healthReg      *health.Registry

	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc

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

// WithDispatcher sets a custom notification dispatcher (for testing).
func WithDispatcher(d notify.Dispatcher) Option {
	return func(s *Server) {
		s.emitter = notify.NewEmitter(d, s.logger)
	}
}

// New creates a new server instance.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}
	for _, opt := range opts {
		opt(s)
	}

	// The offer catalog and payment method registry belong to an upstream
	// marketplace; both modes carry the in-memory stand-in, fed through the
	// admin routes.
	s.offerRegistry = offers.NewMemoryRegistry()
	s.paymentMethods = offers.NewMemoryPaymentMethods()
	s.arbiters = dispute.NewStaticArbiters(cfg.ArbiterIDs)

	var (
		ledgerStore  ledger.Store
		auditStore   audit.Store
		tradeStore   trade.Store
		disputeStore dispute.Store
	)

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory.
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

		ledgerPG := ledger.NewPostgresStore(db)
		auditPG := audit.NewPostgresStore(db)
		ledgerStore = ledgerPG
		auditStore = auditPG
		tradeStore = trade.NewPostgresStore(db, ledgerPG, auditPG)
		disputeStore = dispute.NewPostgresStore(db)
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		memLedger := ledger.NewMemoryStore()
		memAudit := audit.NewMemoryStore()
		ledgerStore = memLedger
		auditStore = memAudit
		tradeStore = trade.NewMemoryStore(memLedger, memAudit)
		disputeStore = dispute.NewMemoryStore()
	}

	s.ledgerService = ledger.New(ledgerStore)
	s.activityLog = audit.New(auditStore)
	s.tradeStore = tradeStore

	if s.emitter == nil {
		s.emitter = notify.NewEmitter(&notify.LogDispatcher{Logger: s.logger}, s.logger)
	}

	guard := fraud.New(&tradeHistoryAdapter{tradeStore}, fraud.Limits{
		MaxTradesPerDay:   cfg.MaxTradesPerDay,
		MaxCancelsPerDay:  cfg.MaxCancelsPerDay,
		MaxDisputesPerDay: cfg.MaxDisputesPerDay,
		MaxTradeAmount:    cfg.MaxTradeAmount,
		BlockThreshold:    cfg.FraudBlockThreshold,
	})

	s.disputeService = dispute.NewService(disputeStore, s.arbiters, &tradePartiesAdapter{tradeStore}).
		WithEmitter(s.emitter).
		WithActivityLog(s.activityLog)

	s.tradeService = trade.NewService(tradeStore, s.offerRegistry, s.paymentMethods, cfg.Escrow()).
		WithFraudGuard(guard).
		WithDisputeOpener(s.disputeService).
		WithEmitter(s.emitter)

	s.disputeService.WithResolver(&tradeResolverAdapter{s.tradeService})

	s.sweeper = trade.NewSweeper(s.tradeService, tradeStore,
		time.Duration(cfg.SweepIntervalSec)*time.Second, s.logger)

	s.healthReg = health.NewRegistry()
	if s.db != nil {
		s.healthReg.Register("database", health.DBChecker("database", s.db))
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

	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
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

// identityMiddleware resolves the caller from the X-Actor-ID header. Identity
// is asserted, not authenticated: an upstream gateway terminates real auth
// and forwards the verified actor id.
func (s *Server) identityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		actorID := c.GetHeader("X-Actor-ID")
		if actorID != "" && !validation.IsValidActorID(actorID) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_actor",
				"message": "X-Actor-ID must be 4-64 chars of [a-zA-Z0-9_-]",
			})
			return
		}
		c.Set("actorID", actorID)
		c.Next()
	}
}

// requireIdentity rejects requests without a caller identity.
func (s *Server) requireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString("actorID") == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "identity_required",
				"message": "X-Actor-ID header is required",
			})
			return
		}
		c.Next()
	}
}

// requireArbiter gates operator routes behind the arbiter allow-list.
func (s *Server) requireArbiter() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.arbiters.IsArbiter(c.Request.Context(), c.GetString("actorID")) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "unauthorized",
				"message": "Arbiter role required",
			})
			return
		}
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/api", s.infoHandler)

	v1 := s.router.Group("/v1")
	v1.Use(s.identityMiddleware())

	tradeHandler := trade.NewHandler(s.tradeService)
	disputeHandler := dispute.NewHandler(s.disputeService)
	ledgerHandler := ledger.NewHandler(s.ledgerService)
	activityHandler := audit.NewHandler(s.activityLog)

	authed := v1.Group("")
	authed.Use(s.requireIdentity())
	tradeHandler.RegisterRoutes(authed)
	disputeHandler.RegisterRoutes(authed)
	ledgerHandler.RegisterRoutes(authed)

	admin := v1.Group("/admin")
	admin.Use(s.requireIdentity(), s.requireArbiter())
	ledgerHandler.RegisterAdminRoutes(admin)
	activityHandler.RegisterRoutes(admin)
	admin.POST("/offers", s.putOffer)
	admin.POST("/payment-methods", s.putPaymentMethod)
}

// putOffer handles POST /v1/admin/offers. The catalog is owned by an
// upstream marketplace; this feed exists so deployments without one can
// still exercise the engine.
func (s *Server) putOffer(c *gin.Context) {
	var offer offers.Offer
	if err := c.ShouldBindJSON(&offer); err != nil || offer.ID == "" || offer.OwnerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Offer id and ownerId are required",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidActor("ownerId", offer.OwnerID),
		validation.ValidCurrency("currency", offer.Currency),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	s.offerRegistry.Put(&offer)
	c.JSON(http.StatusCreated, gin.H{"offer": offer})
}

// putPaymentMethod handles POST /v1/admin/payment-methods.
func (s *Server) putPaymentMethod(c *gin.Context) {
	var pm offers.PaymentMethod
	if err := c.ShouldBindJSON(&pm); err != nil || pm.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Payment method id is required",
		})
		return
	}
	s.paymentMethods.Put(&pm)
	c.JSON(http.StatusCreated, gin.H{"paymentMethod": pm})
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.healthReg.CheckAll(c.Request.Context())

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
		"name":        "p2p-escrow",
		"description": "Escrow engine for peer-to-peer trades",
		"version":     "0.1.0",
	})
}

// Run starts the HTTP server with graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
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
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.sweeper.Start(runCtx)

	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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

	s.sweeper.Stop()
	s.logger.Info("sweeper stopped")

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
