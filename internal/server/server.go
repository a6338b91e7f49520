// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/discard/internal/audit"
	"github.com/mbd888/discard/internal/auth"
	"github.com/mbd888/discard/internal/breaker"
	"github.com/mbd888/discard/internal/cardctx"
	"github.com/mbd888/discard/internal/clock"
	"github.com/mbd888/discard/internal/config"
	"github.com/mbd888/discard/internal/encryption"
	"github.com/mbd888/discard/internal/guard"
	"github.com/mbd888/discard/internal/health"
	"github.com/mbd888/discard/internal/isolation"
	"github.com/mbd888/discard/internal/kvstore"
	"github.com/mbd888/discard/internal/logging"
	"github.com/mbd888/discard/internal/metrics"
	"github.com/mbd888/discard/internal/mfa"
	"github.com/mbd888/discard/internal/ratelimit"
	"github.com/mbd888/discard/internal/realtime"
	"github.com/mbd888/discard/internal/retry"
	"github.com/mbd888/discard/internal/risk"
	"github.com/mbd888/discard/internal/totp"
	"github.com/mbd888/discard/internal/traces"
)

// Correlation violations within this window count toward tripping the
// global kill switch.
const (
	violationThreshold = 3
	violationWindow    = 10 * time.Minute
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg   *config.Config
	clock clock.Clock

	authMgr       *auth.Manager
	cards         *cardctx.Registry
	breakers      *breaker.Registry
	breakerTimer  *breaker.Timer
	mfaService    *mfa.Service
	gate          *guard.Gate
	auditLog      *audit.Log
	anchorer      *audit.Anchorer
	kv            kvstore.Store
	kafka         *audit.KafkaPublisher
	stream        *realtime.Hub
	health        *health.Registry
	rateLimiter   *ratelimit.Limiter
	stepUpLimiter *ratelimit.Limiter
	seeded        sync.Map // userID -> struct{}, users whose default breakers exist

	db      *sql.DB // nil if using in-memory
	router  *gin.Engine
	httpSrv *http.Server
	logger  *slog.Logger

	cancelRunCtx  context.CancelFunc
	stopTracing   func(context.Context) error
	background    *errgroup.Group
	shutdownDelay time.Duration

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

// WithClock replaces the wall clock (for testing).
func WithClock(c clock.Clock) Option {
	return func(s *Server) {
		s.clock = c
	}
}

// WithKV replaces the ephemeral KV store (for testing).
func WithKV(kv kvstore.Store) Option {
	return func(s *Server) {
		s.kv = kv
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:           cfg,
		clock:         clock.Real(),
		logger:        logging.New(cfg.LogLevel, cfg.LogFormat),
		health:        health.NewRegistry(),
		shutdownDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		keyStore     auth.Store
		cardStore    cardctx.Store
		mfaStore     mfa.Store
		breakerStore breaker.Store
		auditStore   interface {
			audit.Store
			audit.AnchorStore
		}
	)
	if cfg.DatabaseURL != "" {
		db, err := openDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.db = db
		keyStore = auth.NewPostgresStore(db)
		cardStore = cardctx.NewPostgresStore(db)
		mfaStore = mfa.NewPostgresStore(db)
		breakerStore = breaker.NewPostgresStore(db)
		auditStore = audit.NewPostgresStore(db)
		s.health.Register("postgres", health.PingChecker(db.PingContext))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		keyStore = auth.NewMemoryStore()
		cardStore = cardctx.NewMemoryStore()
		mfaStore = mfa.NewMemoryStore()
		breakerStore = breaker.NewMemoryStore()
		auditStore = audit.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Ephemeral KV (Redis if REDIS_URL set)
	if s.kv == nil {
		if cfg.RedisURL != "" {
			var rs *kvstore.RedisStore
			err := retry.Policy{MaxAttempts: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second}.
				Do(ctx, func(ctx context.Context) error {
					var err error
					rs, err = kvstore.NewRedisStore(ctx, cfg.RedisURL)
					return err
				})
			if err != nil {
				s.closeDB()
				return nil, err
			}
			s.kv = rs
			s.health.Register("redis", health.PingChecker(rs.HealthCheck))
			s.logger.Info("using Redis for ephemeral state")
		} else {
			s.kv = kvstore.NewMemoryStore(s.clock)
			s.logger.Info("using in-memory ephemeral state")
		}
	}

	// Audit log, fanned out to the live operator stream and optionally Kafka
	s.stream = realtime.NewHub(s.logger)
	publishers := []audit.Publisher{s.stream}
	if cfg.KafkaBrokers != "" {
		s.kafka = audit.NewKafkaPublisher(audit.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaAuditTopic))
		publishers = append(publishers, s.kafka)
		s.logger.Info("audit streaming enabled", "topic", cfg.KafkaAuditTopic)
	}
	s.auditLog = audit.NewLog(auditStore, s.clock, publishers...)
	if cfg.AnchorSchedule != "" {
		s.anchorer = audit.NewAnchorer(auditStore, auditStore, s.clock, 0)
	}

	// Secrets
	master, err := hex.DecodeString(cfg.ContextSecret)
	if err != nil {
		return nil, fmt.Errorf("decode CONTEXT_SECRET: %w", err)
	}
	pepper, err := hex.DecodeString(cfg.BackupCodePepper)
	if err != nil {
		return nil, fmt.Errorf("decode BACKUP_CODE_PEPPER: %w", err)
	}
	var keys encryption.KeyWrapper
	if cfg.KMSKeyID != "" {
		keys, err = encryption.NewKMSKeyWrapperFromEnv(ctx, cfg.KMSKeyID)
		s.logger.Info("using AWS KMS for MFA secret envelopes")
	} else {
		keys, err = encryption.NewLocalKeyWrapper(cfg.EncryptionKey)
	}
	if err != nil {
		return nil, fmt.Errorf("key wrapper: %w", err)
	}

	// Card contexts and isolation
	deriver, err := cardctx.NewDeriver(master)
	if err != nil {
		return nil, err
	}
	s.cards = cardctx.NewRegistry(cardStore, deriver, s.clock, cfg.SessionBoundaryTTL, s.auditLog)
	enforcer := isolation.NewEnforcer(s.cards, s.clock, s.auditLog)

	// Risk and MFA
	limits, err := risk.Preset(cfg.VelocityPreset)
	if err != nil {
		return nil, err
	}
	dir := mfa.NewDirectory(s.cards, mfaStore, s.kv, s.clock)
	engine := risk.NewEngine(dir, dir, s.clock).
		WithLocation(cfg.Location()).
		WithVelocityLimits(limits).
		WithCounters(s.kv).
		WithRecorder(s.auditLog)
	s.mfaService = mfa.NewService(dir, engine, totp.NewGenerator(), encryption.NewSealer(keys), pepper).
		WithRecorder(s.auditLog)

	// Breakers and the gate
	s.breakers = breaker.NewRegistry(breakerStore, s.clock, s.auditLog)
	s.breakerTimer = breaker.NewTimer(s.breakers, cfg.BreakerSweepInterval, s.logger)
	s.health.Register("breaker_timer", health.RunningChecker(s.breakerTimer.Running))
	s.gate = guard.New(s.breakers, enforcer, engine, s.mfaService, s.auditLog).
		WithViolationReporter(breaker.NewDetector(s.breakers, s.kv, violationThreshold, violationWindow))

	s.authMgr = auth.NewManager(keyStore, s.clock)

	// HTTP
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	err = retry.Policy{MaxAttempts: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second}.
		Do(ctx, func(ctx context.Context) error {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return db.PingContext(pingCtx)
		})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
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
// Lifecycle
// -----------------------------------------------------------------------------

// Start launches background workers: the breaker auto-reset sweep, the live
// audit stream, audit anchoring, DB stats sampling and tracing. Run calls it; tests may call it
// directly and pair it with Shutdown.
func (s *Server) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	stopTracing, err := traces.Init(runCtx, traces.Config{
		Endpoint:    s.cfg.OTLPEndpoint,
		ServiceName: "discard-guard",
		Version:     version,
		SampleRatio: s.cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		cancel()
		return fmt.Errorf("init tracing: %w", err)
	}
	s.stopTracing = stopTracing

	if s.anchorer != nil {
		if err := s.anchorer.Start(runCtx, s.cfg.AnchorSchedule); err != nil {
			cancel()
			return err
		}
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		s.breakerTimer.Start(gctx)
		return nil
	})
	g.Go(func() error { return s.stream.Run(gctx) })
	if s.db != nil {
		g.Go(func() error {
			metrics.StartDBStatsCollector(gctx, s.db, 15*time.Second)
			return nil
		})
	}
	s.background = g
	return nil
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

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

	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
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

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		// Give load balancers time to stop sending traffic
		time.Sleep(s.shutdownDelay)
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.breakerTimer.Stop()
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	if s.background != nil {
		_ = s.background.Wait()
		s.logger.Info("background workers stopped")
	}
	if s.anchorer != nil {
		s.anchorer.Stop()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.stepUpLimiter != nil {
		s.stepUpLimiter.Stop()
	}
	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}
	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.Error("kafka close error", "error", err)
		}
	}
	if rs, ok := s.kv.(*kvstore.RedisStore); ok {
		if err := rs.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
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

// Auth exposes key management for bootstrapping and tests.
func (s *Server) Auth() *auth.Manager {
	return s.authMgr
}
