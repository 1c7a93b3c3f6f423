// Package server sets up the HTTP server with all routes and background jobs
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
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/shortlet/internal/auth"
	"github.com/mbd888/shortlet/internal/circuitbreaker"
	"github.com/mbd888/shortlet/internal/config"
	"github.com/mbd888/shortlet/internal/disbursement"
	"github.com/mbd888/shortlet/internal/dispute"
	"github.com/mbd888/shortlet/internal/gateway"
	"github.com/mbd888/shortlet/internal/health"
	"github.com/mbd888/shortlet/internal/joblock"
	"github.com/mbd888/shortlet/internal/jobs"
	"github.com/mbd888/shortlet/internal/ledger"
	"github.com/mbd888/shortlet/internal/logging"
	"github.com/mbd888/shortlet/internal/metrics"
	"github.com/mbd888/shortlet/internal/money"
	"github.com/mbd888/shortlet/internal/notify"
	"github.com/mbd888/shortlet/internal/ratelimit"
	"github.com/mbd888/shortlet/internal/realtime"
	"github.com/mbd888/shortlet/internal/reconciliation"
	"github.com/mbd888/shortlet/internal/refund"
	"github.com/mbd888/shortlet/internal/retry"
	"github.com/mbd888/shortlet/internal/security"
	"github.com/mbd888/shortlet/internal/settlement"
	"github.com/mbd888/shortlet/internal/traces"
	"github.com/mbd888/shortlet/internal/validation"
	"github.com/mbd888/shortlet/internal/webhooks"
	"github.com/mbd888/shortlet/migrations"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string

	db    *sql.DB       // nil if using in-memory
	redis *redis.Client // nil unless REDIS_URL is set

	gateway      gateway.Client
	ledger       *ledger.Service
	executor     *disbursement.Executor
	disputes     *dispute.Service
	settlement   *settlement.Service
	webhooks     *webhooks.Service
	webhookStore webhooks.Store
	locks        *joblock.Manager
	scheduler    *jobs.Scheduler
	reconciler   *reconciliation.Job
	realtimeHub  *realtime.Hub
	amqp         *notify.AMQPPublisher
	checks       *health.Registry
	reporter     *health.Reporter
	rateLimiter  *ratelimit.Limiter

	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	traceShutdown func(context.Context) error

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

// WithGateway sets the payment gateway client (for testing)
func WithGateway(gw gateway.Client) Option {
	return func(s *Server) {
		s.gateway = gw
	}
}

// WithVersion sets the build version reported by /health and traces
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		version: "dev",
		logger:  logging.New(cfg.LogLevel, cfg.LogFormat),
		checks:  health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()
	metrics.SetBuildInfo(s.version)

	var (
		ledgerStore  ledger.Store
		disputeStore dispute.Store
		lockStore    joblock.Store
	)

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

		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if cfg.AutoMigrate {
			if err := migrations.Up(ctx, db); err != nil {
				return nil, fmt.Errorf("failed to apply migrations: %w", err)
			}
			s.logger.Info("migrations applied")
		}

		s.db = db
		if err := metrics.RegisterDB(db, "shortlet"); err != nil {
			s.logger.Warn("db pool metrics unavailable", "error", err)
		}
		ledgerStore = ledger.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		lockStore = joblock.NewPostgresStore(db)
		s.webhookStore = webhooks.NewPostgresStore(db)
		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Healthy: false, Detail: err.Error()}
			}
			return health.Status{Healthy: true}
		})
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		ledgerStore = ledger.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
		lockStore = joblock.NewMemoryStore()
		s.webhookStore = webhooks.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Job locks move to Redis when configured so several engines can share them.
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(redisOpts)
		if err := s.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		lockStore = joblock.NewRedisStore(s.redis, "shortlet:joblock:")
		s.checks.Register("redis", func(ctx context.Context) health.Status {
			if err := s.redis.Ping(ctx).Err(); err != nil {
				return health.Status{Healthy: false, Detail: err.Error()}
			}
			return health.Status{Healthy: true}
		})
		s.logger.Info("job locks stored in redis")
	}

	// Realtime hub receives every appended escrow event and resolved delivery.
	s.realtimeHub = realtime.NewHub(s.logger)

	s.ledger = ledger.NewService(ledgerStore, s.logger).WithPublisher(s.realtimeHub)

	if s.gateway == nil {
		gw, err := newGateway(cfg, s.logger)
		if err != nil {
			return nil, err
		}
		s.gateway = gw
	}
	s.executor = disbursement.NewExecutor(s.ledger, s.gateway, s.logger)
	s.executor.Observe(s.realtimeHub)

	notifier, err := s.newNotifier()
	if err != nil {
		return nil, err
	}

	commission := money.BasisPoints(cfg.CommissionBps)
	s.disputes = dispute.NewService(disputeStore, s.ledger, s.executor, dispute.Config{
		CommissionRate:        commission,
		FallbackCustomerShare: money.BasisPoints(cfg.DisputeFallbackBps),
		AdminDeadline:         cfg.DisputeAdminDeadline,
	}, s.logger).WithNotifier(notifier)

	policy := refund.DefaultPolicy()
	policy.EarlyThreshold = cfg.EarlyRefundThreshold
	policy.MediumThreshold = cfg.MediumRefundThreshold
	s.settlement = settlement.NewService(s.ledger, s.executor, s.disputes, settlement.Config{
		CommissionRate:    commission,
		Policy:            policy,
		ReleaseBatch:      cfg.BatchSize,
		PayoutBatch:       cfg.BatchSize,
		PayoutConcurrency: cfg.PayoutConcurrency,
		MaxPayoutAttempts: cfg.MaxPayoutAttempts,
	}, s.logger).WithNotifier(notifier)

	var parsers []webhooks.Parser
	if cfg.StripeWebhookSecret != "" {
		parsers = append(parsers, webhooks.NewStripeParser(cfg.StripeWebhookSecret, 5*time.Minute))
	}
	if cfg.GatewayWebhookSecret != "" {
		parsers = append(parsers, webhooks.NewHMACParser(cfg.GatewayWebhookSecret))
	}
	if len(parsers) == 0 {
		s.logger.Warn("no gateway webhook secret configured, provider webhooks will be rejected")
	}
	s.webhooks = webhooks.NewService(s.webhookStore, s.ledger, s.executor, s.logger, parsers...)

	// Scheduled jobs
	s.locks = joblock.NewManager(lockStore, s.logger)
	s.scheduler = jobs.NewScheduler(s.locks, holderName(), s.logger)
	s.scheduler.Register(settlement.NewRoomFeeReleaseJob(s.settlement), cfg.ReleaseInterval, cfg.JobLockTTL)
	s.scheduler.Register(settlement.NewPayoutJob(s.settlement), cfg.PayoutInterval, cfg.JobLockTTL)
	s.scheduler.Register(dispute.NewSLASweeper(s.disputes, cfg.BatchSize), cfg.SLAInterval, cfg.JobLockTTL)
	rc := reconciliation.DefaultConfig()
	rc.StaleAfter = cfg.TransferTimeout
	rc.MaxAttempts = cfg.MaxDeliveryAttempts
	s.reconciler = reconciliation.NewJob(s.ledger, s.executor, rc)
	s.scheduler.Register(s.reconciler, cfg.ReconcileInterval, cfg.JobLockTTL)

	s.checks.Register("scheduler", func(context.Context) health.Status {
		if !s.scheduler.Running() {
			return health.Status{Healthy: false, Detail: "not started"}
		}
		return health.Status{Healthy: true}
	})
	s.reporter = health.NewReporter(s.webhookStore, ledgerStore, s.locks).
		WithMismatches(func() int { return len(s.reconciler.Mismatches()) })

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

// newGateway builds the provider client and wraps it with timeouts, retries
// and a circuit breaker.
func newGateway(cfg *config.Config, logger *slog.Logger) (gateway.Client, error) {
	var inner gateway.Client
	switch cfg.GatewayProvider {
	case "stripe":
		inner = gateway.NewStripeClient(cfg.StripeSecretKey, cfg.StripeBaseURL, nil)
		logger.Info("using stripe gateway")
	case "memory":
		inner = gateway.NewMemoryClient()
		logger.Warn("using in-memory gateway (no real money moves)")
	default:
		return nil, fmt.Errorf("unknown gateway provider %q", cfg.GatewayProvider)
	}
	return gateway.NewGuarded(inner, gateway.GuardOptions{
		Timeout: cfg.GatewayTimeout,
		Retry: retry.Policy{
			MaxAttempts: cfg.GatewayRetries,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    2 * time.Second,
		},
		Breaker: circuitbreaker.New(5, 30*time.Second),
		Logger:  logger,
	}), nil
}

// newNotifier publishes to the broker and the platform callback when they
// are configured, and to the log otherwise.
func (s *Server) newNotifier() (notify.Publisher, error) {
	var out notify.Fanout
	if s.cfg.AMQPURL != "" {
		p, err := notify.NewAMQPPublisher(s.cfg.AMQPURL, s.cfg.AMQPExchange)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to amqp: %w", err)
		}
		s.amqp = p
		s.checks.Register("amqp", func(context.Context) health.Status {
			return health.Status{Healthy: p.Healthy()}
		})
		out = append(out, p)
		s.logger.Info("notifications published to amqp", "exchange", s.cfg.AMQPExchange)
	}
	if s.cfg.NotifyWebhookURL != "" {
		if err := security.ValidateEndpointURL(s.cfg.NotifyWebhookURL, s.cfg.IsProduction()); err != nil {
			return nil, fmt.Errorf("NOTIFY_WEBHOOK_URL: %w", err)
		}
		out = append(out, webhooks.NewForwarder(s.cfg.NotifyWebhookURL, s.cfg.NotifyWebhookSecret, nil))
		s.logger.Info("notifications forwarded to platform callback")
	}
	if len(out) == 0 {
		return notify.NewLogPublisher(s.logger), nil
	}
	return out, nil
}

// holderName identifies this process in job locks.
func holderName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
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
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())

	// Request ID, booking ID and access log
	s.router.Use(logging.Middleware(s.logger))

	// Actor headers
	s.router.Use(auth.Middleware())

	store := ratelimit.NewMemoryStore()
	if s.redis != nil {
		rs, err := ratelimit.NewRedisStore(s.redis)
		if err != nil {
			s.logger.Warn("redis rate limit store unavailable, using memory", "error", err)
		} else {
			store = rs
		}
	}
	s.rateLimiter = ratelimit.New(s.cfg.RateLimitPerMinute, store, s.logger)
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

	// Provider webhooks authenticate by signature, not by actor.
	webhookHandler := webhooks.NewHandler(s.webhooks)
	webhookHandler.RegisterRoutes(s.router.Group(""))

	// Guest and realtor routes
	participant := s.router.Group("", auth.RequireAuth(), s.rateLimiter.Middleware(), validation.IDParamMiddleware())
	ledgerHandler := ledger.NewHandler(s.ledger, s.cfg.DisputeWindow)
	settlementHandler := settlement.NewHandler(s.settlement)
	disputeHandler := dispute.NewHandler(s.disputes)
	ledgerHandler.RegisterRoutes(participant)
	settlementHandler.RegisterRoutes(participant)
	disputeHandler.RegisterRoutes(participant)

	// Operator routes
	admin := s.router.Group("", auth.RequireAdmin(s.cfg.AdminSecret), validation.IDParamMiddleware())
	ledgerHandler.RegisterAdminRoutes(admin)
	settlementHandler.RegisterAdminRoutes(admin)
	disputeHandler.RegisterAdminRoutes(admin)
	webhookHandler.RegisterAdminRoutes(admin)
	jobs.NewHandler(s.scheduler).RegisterAdminRoutes(admin)
	joblock.NewHandler(s.locks).RegisterAdminRoutes(admin)
	admin.GET("/admin/system/health-stats", s.reporter.StatsHandler)
	admin.GET("/admin/system/checks", s.checks.ReadyHandler())
	admin.GET("/admin/stream", s.realtimeHub.Handler())
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

	healthy, statuses := s.checks.CheckAll(ctx)
	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background jobs with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		s.logger.Warn("tracing disabled", "error", err)
	} else {
		s.traceShutdown = shutdown
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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"gateway", s.cfg.GatewayProvider,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.scheduler.Start(runCtx)

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

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Let in-flight job runs finish before their stores go away.
	s.scheduler.Stop()
	for s.scheduler.Running() && ctx.Err() == nil {
		time.Sleep(50 * time.Millisecond)
	}
	s.logger.Info("scheduler stopped")

	// Cancel the context for all background goroutines (hub, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
		}
	}

	if s.amqp != nil {
		if err := s.amqp.Close(); err != nil {
			s.logger.Error("amqp close error", "error", err)
		}
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
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
