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
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/shopspring/decimal"

	"github.com/mbd888/escrowbot/internal/auth"
	"github.com/mbd888/escrowbot/internal/config"
	"github.com/mbd888/escrowbot/internal/disputes"
	"github.com/mbd888/escrowbot/internal/escrow"
	"github.com/mbd888/escrowbot/internal/health"
	"github.com/mbd888/escrowbot/internal/ledger"
	"github.com/mbd888/escrowbot/internal/logging"
	"github.com/mbd888/escrowbot/internal/metrics"
	"github.com/mbd888/escrowbot/internal/oracle"
	"github.com/mbd888/escrowbot/internal/pricing"
	"github.com/mbd888/escrowbot/internal/ratelimit"
	"github.com/mbd888/escrowbot/internal/realtime"
	"github.com/mbd888/escrowbot/internal/reconciliation"
	"github.com/mbd888/escrowbot/internal/security"
	"github.com/mbd888/escrowbot/internal/signer"
	"github.com/mbd888/escrowbot/internal/traces"
	"github.com/mbd888/escrowbot/internal/users"
	"github.com/mbd888/escrowbot/internal/validation"
	"github.com/mbd888/escrowbot/internal/webhooks"
	"github.com/mbd888/escrowbot/internal/withdrawals"
)

// Version is reported by /health.
const Version = "0.1.0"

// Signer is everything the server needs from the key/signing collaborator.
type Signer interface {
	ledger.KeyManager
	escrow.Payer
	withdrawals.Sender
}

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	db             *sql.DB // nil if using in-memory
	ethClient      oracle.EthClient
	signer         Signer
	ledger         *ledger.Ledger
	users          *users.Registry
	escrowService  *escrow.Service
	escrowTimer    *escrow.Timer
	reconciler     *reconciliation.Service
	reconcileTimer *reconciliation.Timer
	disputes       *disputes.Service
	withdrawals    *withdrawals.Service
	prices         *pricing.Client
	webhookStore   webhooks.Store
	webhooks       *webhooks.Dispatcher
	stream         *realtime.Hub
	rateLimiter    *ratelimit.Limiter
	health         *health.Registry
	shutdownTraces func(context.Context) error
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
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

// WithSigner replaces the signer chosen from configuration (for testing)
func WithSigner(sg Signer) Option {
	return func(s *Server) {
		s.signer = sg
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	shutdown, err := traces.Init(context.Background(), cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.shutdownTraces = shutdown

	policy, err := escrowPolicy(cfg)
	if err != nil {
		return nil, err
	}

	s.setupSigner()

	oracles, err := s.setupOracles()
	if err != nil {
		return nil, err
	}

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	var (
		ledgerStore     ledger.Store
		userStore       users.Store
		escrowStore     escrow.Store
		disputeStore    disputes.Store
		withdrawalStore withdrawals.Store
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
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		ledgerStore = ledger.NewPostgresStore(db)
		userStore = users.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		disputeStore = disputes.NewPostgresStore(db)
		withdrawalStore = withdrawals.NewPostgresStore(db)
		s.webhookStore = webhooks.NewPostgresStore(db)
		s.health.Register("database", health.Database(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		ledgerStore = ledger.NewMemoryStore()
		userStore = users.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		disputeStore = disputes.NewMemoryStore()
		withdrawalStore = withdrawals.NewMemoryStore()
		s.webhookStore = webhooks.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.webhooks = webhooks.NewDispatcher(s.webhookStore, s.logger)
	s.stream = realtime.NewHub(s.logger)
	emitter := webhooks.NewEmitter(s.webhooks, s.logger).WithBroadcaster(s.stream)

	s.ledger = ledger.New(ledgerStore, s.signer)
	s.users = users.NewRegistry(userStore, s.logger)

	s.escrowService = escrow.NewService(escrowStore, s.ledger, s.users, s.signer, s.logger).
		WithPolicy(policy).
		WithNotifier(emitter)
	s.escrowTimer = escrow.NewTimer(s.escrowService, cfg.SweepInterval, s.logger)
	s.users.WithLinker(s.escrowService)

	s.reconciler = reconciliation.NewService(s.ledger, oracles, s.logger)
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)

	s.disputes = disputes.NewService(disputeStore, s.escrowService, s.logger).WithNotifier(emitter)

	s.withdrawals = withdrawals.NewService(withdrawalStore, s.ledger, s.escrowService, s.signer, s.logger).
		WithRefresher(s.reconciler.ReconcileFor).
		WithNotifier(emitter)

	s.prices = pricing.NewClient(cfg.PriceAPIURL, pricing.DefaultTTL)

	s.logger.Info("escrow enabled",
		"feePercent", policy.FeePercent.String(),
		"onChain", strings.Join(policy.OnChain, ","),
		"expiryWindow", policy.ExpiryWindow.String(),
	)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// escrowPolicy builds the money rules from configuration.
func escrowPolicy(cfg *config.Config) (escrow.Policy, error) {
	policy := escrow.DefaultPolicy()
	for _, p := range []struct {
		name  string
		value string
		dst   *decimal.Decimal
	}{
		{"FEE_PERCENT", cfg.FeePercent, &policy.FeePercent},
		{"RELEASE_PERCENT", cfg.ReleasePercent, &policy.ReleasePercent},
		{"REFUND_PERCENT", cfg.RefundPercent, &policy.RefundPercent},
	} {
		if p.value == "" {
			continue
		}
		d, err := decimal.NewFromString(p.value)
		if err != nil {
			return escrow.Policy{}, fmt.Errorf("invalid %s: %w", p.name, err)
		}
		*p.dst = d
	}
	if cfg.ExpiryWindow > 0 {
		policy.ExpiryWindow = cfg.ExpiryWindow
	}
	policy.FeeAddresses = make(map[string]string, len(cfg.FeeAddresses))
	for cur, addr := range cfg.FeeAddresses {
		policy.FeeAddresses[strings.ToUpper(cur)] = addr
	}
	policy.OnChain = cfg.OnChainCurrencies
	return policy, nil
}

// setupSigner picks the signing collaborator: the HTTP client when
// SIGNER_URL is set, the dry-run signer otherwise.
func (s *Server) setupSigner() {
	if s.signer != nil {
		return
	}
	if s.cfg.SignerURL == "" {
		s.signer = signer.NewDryRun(s.logger)
		s.logger.Warn("SIGNER_URL not set, using dry-run signer (nothing is broadcast)")
		return
	}

	client := signer.New(s.cfg.SignerURL, s.cfg.SignerToken, signer.WithLogger(s.logger))
	s.signer = client
	s.health.Register("signer", health.Breaker("signer", client.Breaker().OpenKeys))
	s.logger.Info("signer configured", "url", s.cfg.SignerURL)
}

// setupOracles registers a balance source per supported currency.
func (s *Server) setupOracles() (*oracle.Router, error) {
	router := oracle.NewRouter().
		Register("BTC", oracle.NewBlockchainInfo(s.cfg.BTCOracleURL))

	if s.cfg.ETHRPCURL == "" {
		s.logger.Info("ETH_RPC_URL not set, ETH and USDT balances will not reconcile")
		return router, nil
	}

	client, err := oracle.Dial(s.cfg.ETHRPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ethereum rpc: %w", err)
	}
	s.ethClient = client

	usdt, err := oracle.NewToken(client, s.cfg.USDTContract, 6)
	if err != nil {
		return nil, fmt.Errorf("invalid USDT_CONTRACT: %w", err)
	}
	router.Register("ETH", oracle.NewEther(client)).Register("USDT", usdt)
	return router, nil
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Acting user and admin flag, needed by the per-user rate limit
	s.router.Use(auth.Middleware())
	s.router.Use(auth.MarkAdmin(s.cfg.AdminSecret))

	if s.cfg.RateLimitPerMinute > 0 {
		rl := ratelimit.DefaultConfig()
		rl.PerMinute = s.cfg.RateLimitPerMinute
		rl.Burst = s.cfg.RateLimitBurst
		s.rateLimiter = ratelimit.New(rl)
		s.router.Use(s.rateLimiter.Middleware())
	}

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from the chat collaborator, etc.)
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
				"latencyMs", latency.Milliseconds(),
				"clientIp", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latencyMs", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latencyMs", latency.Milliseconds(),
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

	v1 := s.router.Group("/v1")
	v1.Use(auth.RequireAuth())

	users.NewHandler(s.users).RegisterRoutes(v1)
	ledger.NewHandler(s.ledger, s.logger).WithConverter(s.prices).RegisterRoutes(v1)

	escrowHandler := escrow.NewHandler(s.escrowService, s.logger).WithRefresher(s.reconciler.ReconcileFor)
	escrowHandler.RegisterRoutes(v1)

	reconcileHandler := reconciliation.NewHandler(s.reconciler, s.logger)
	reconcileHandler.RegisterRoutes(v1)

	disputeHandler := disputes.NewHandler(s.disputes, s.logger)
	disputeHandler.RegisterRoutes(v1)

	withdrawals.NewHandler(s.withdrawals, s.logger).RegisterRoutes(v1)

	admin := v1.Group("")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	escrowHandler.RegisterAdminRoutes(admin)
	reconcileHandler.RegisterAdminRoutes(admin)
	disputeHandler.RegisterAdminRoutes(admin)
	webhooks.NewHandler(s.webhookStore, s.logger).RegisterAdminRoutes(admin)
	s.stream.RegisterAdminRoutes(admin)
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
	healthy, checks := s.health.CheckAll(c.Request.Context())

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

// startBackground launches the timers and collectors bound to ctx.
func (s *Server) startBackground(ctx context.Context) {
	s.health.Register("expiry_sweeper", health.Loop("expiry_sweeper", s.escrowTimer.Running))
	go s.escrowTimer.Start(ctx)

	s.health.Register("reconciler", health.Loop("reconciler", s.reconcileTimer.Running))
	go s.reconcileTimer.Start(ctx)

	s.health.Register("event_stream", health.Loop("event_stream", s.stream.Running))
	go s.stream.Run(ctx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}
}

// Run starts the HTTP server with graceful shutdown
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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startBackground(runCtx)

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
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.escrowTimer.Stop()
	s.reconcileTimer.Stop()
	s.logger.Info("timers stopped")

	// Deliveries use the database for their bookkeeping.
	s.webhooks.Wait()

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.ethClient != nil {
		s.ethClient.Close()
	}

	if err := s.shutdownTraces(ctx); err != nil {
		s.logger.Error("tracer shutdown error", "error", err)
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
