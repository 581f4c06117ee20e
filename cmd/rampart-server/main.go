package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"github.com/redis/go-redis/v9"
	"github.com/triage-ai/rampart/internal/api"
	"github.com/triage-ai/rampart/internal/auth"
	"github.com/triage-ai/rampart/internal/breaker"
	"github.com/triage-ai/rampart/internal/chread"
	"github.com/triage-ai/rampart/internal/config"
	"github.com/triage-ai/rampart/internal/engine"
	"github.com/triage-ai/rampart/internal/engine/guards"
	"github.com/triage-ai/rampart/internal/incremental"
	"github.com/triage-ai/rampart/internal/pool"
	"github.com/triage-ai/rampart/internal/server"
	"github.com/triage-ai/rampart/internal/shed"
	"github.com/triage-ai/rampart/internal/storage"
	"github.com/triage-ai/rampart/internal/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
)

const (
	breakerKeyPrefix = "rampart:breaker:"
	healthService    = server.ServiceName
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	// Logger
	logger := mustBuildLogger(cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	logger.Info("starting rampart server",
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("grpc_addr", cfg.GRPCAddr),
		zap.Duration("stage_timeout", cfg.Engine.StageTimeout),
		zap.String("block_severity", cfg.Engine.BlockSeverity),
		zap.String("checkpoint_backend", cfg.CheckpointBackend),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Redis: optional; mirrors breaker state and can hold checkpoints
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("failed to ping redis", zap.Error(err))
		}
		logger.Info("redis connected", zap.String("addr", cfg.RedisAddr))
	}

	// Postgres: optional; API keys and guard policies
	var pgStore *store.Store
	if cfg.PostgresDSN != "" {
		db, err := sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("failed to open postgres", zap.Error(err))
		}
		defer func() { _ = db.Close() }()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("failed to ping postgres", zap.Error(err))
		}
		pgStore = store.NewStore(db)
		if err := pgStore.Migrate(ctx); err != nil {
			logger.Fatal("failed to migrate postgres", zap.Error(err))
		}
		logger.Info("postgres connected")
	} else {
		logger.Info("no postgres_dsn set, policies come from config only")
	}

	// Circuit breaker and load shedder
	var breakerOpts []breaker.Option
	if rdb != nil {
		breakerOpts = append(breakerOpts, breaker.WithMirror(breaker.NewRedisMirror(rdb, breakerKeyPrefix, cfg.Breaker.MirrorTTL)))
	}
	br := breaker.New(cfg.BreakerConfig(), logger, breakerOpts...)
	shedder := shed.New(cfg.ShedConfig(), shed.SystemSampler{}, logger)

	// Shared resource pools
	patterns, err := pool.NewPatternCache(cfg.PatternCacheSize)
	if err != nil {
		logger.Fatal("failed to create pattern cache", zap.Error(err))
	}
	pools := pool.NewManager(logger)
	if err := pools.Attach("patterns", patterns); err != nil {
		logger.Fatal("failed to attach pattern cache", zap.Error(err))
	}
	engineCfg := cfg.EngineConfig()
	if _, err := pool.Register[*engine.ExecutionPlan](pools, engine.PlanCachePool, pool.Options{
		MaxSize: engineCfg.Planner.CacheSize,
	}); err != nil {
		logger.Fatal("failed to register plan cache", zap.Error(err))
	}
	go pools.Run(ctx, cfg.PoolJanitorPeriod)

	// Engine
	builtin, err := guards.Default(patterns)
	if err != nil {
		logger.Fatal("failed to build guards", zap.Error(err))
	}
	policies := &cfg.Policies
	if pgStore != nil {
		stored, err := pgStore.LoadPolicyConfig(ctx)
		if err != nil {
			logger.Fatal("failed to load guard policies", zap.Error(err))
		}
		policies = policies.Merge(stored)
	}
	eng, err := engine.New(engineCfg, builtin, policies, engine.Deps{
		Breaker: br,
		Shedder: shedder,
		Pools:   pools,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal("failed to build engine", zap.Error(err))
	}

	// Incremental inspection with checkpoint storage
	checkpoints, closeCheckpoints := mustOpenCheckpointStore(ctx, cfg, rdb, logger)
	defer closeCheckpoints()
	inc, err := incremental.New(cfg.IncrementalConfig(), checkpoints, logger)
	if err != nil {
		logger.Fatal("failed to build incremental inspector", zap.Error(err))
	}

	// Storage: ClickHouse or LogWriter fallback
	var writer storage.EventWriter
	if cfg.ClickHouseDSN != "" {
		chWriter, err := storage.NewClickHouseWriter(cfg.ClickHouseDSN, storage.DefaultBatchConfig(), logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer",
				zap.Error(err),
			)
			writer = storage.NewLogWriter(logger)
		} else {
			writer = chWriter
			logger.Info("clickhouse writer connected")
		}
	} else {
		writer = storage.NewLogWriter(logger)
		logger.Info("no clickhouse_dsn set, using log writer")
	}
	defer writer.Close()

	// Event history reads share the writer's DSN
	var reader *chread.Reader
	if cfg.ClickHouseDSN != "" {
		reader, err = chread.NewReader(cfg.ClickHouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse reader unavailable, event routes disabled", zap.Error(err))
		} else {
			defer reader.Close()
		}
	}

	// Auth: configured hashes and/or Postgres api_keys
	var keyStores []auth.KeyStore
	if len(cfg.APIKeyHashes) > 0 {
		keyStores = append(keyStores, auth.NewStaticKeys(cfg.APIKeyHashes))
	}
	if pgStore != nil {
		keyStores = append(keyStores, pgStore)
	}
	var authenticator auth.Authenticator
	if len(keyStores) > 0 {
		authenticator = auth.NewKeyAuthenticator(auth.KeyAuthConfig{
			Stores:   keyStores,
			CacheTTL: cfg.AuthCacheTTL,
			Logger:   logger,
		})
	} else {
		logger.Warn("no api keys configured, authentication disabled")
	}

	// HTTP API server
	deps := &api.Dependencies{
		Engine:         eng,
		Incremental:    inc,
		Breaker:        br,
		Shedder:        shedder,
		Pools:          pools,
		BasePolicies:   &cfg.Policies,
		Writer:         writer,
		Auth:           authenticator,
		Logger:         logger,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		MaxStreamBytes: cfg.MaxStreamBytes,
	}
	if reader != nil {
		deps.Events = reader
	}
	if pgStore != nil {
		deps.Policies = pgStore
		go refreshPolicies(ctx, deps, cfg.PolicyRefresh, logger)
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// gRPC server
	var grpcServer *grpc.Server
	healthServer := health.NewServer()
	if cfg.GRPCAddr != "" {
		var interceptors []grpc.UnaryServerInterceptor
		interceptors = append(interceptors, server.RecoveryInterceptor(logger), server.LoggingInterceptor(logger))
		if authenticator != nil {
			interceptors = append(interceptors, server.AuthInterceptor(authenticator, logger,
				healthpb.Health_Check_FullMethodName,
			))
		}
		grpcServer = grpc.NewServer(
			grpc.ChainUnaryInterceptor(interceptors...),
			grpc.KeepaliveParams(keepalive.ServerParameters{
				MaxConnectionIdle:     5 * time.Minute,
				MaxConnectionAge:      30 * time.Minute,
				MaxConnectionAgeGrace: 10 * time.Second,
				Time:                  30 * time.Second,
				Timeout:               5 * time.Second,
			}),
			grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
				MinTime:             10 * time.Second,
				PermitWithoutStream: true,
			}),
			grpc.MaxRecvMsgSize(int(cfg.MaxBodyBytes)+64*1024),
		)
		server.RegisterInspectorService(grpcServer, server.NewInspectorServer(eng, inc, writer, logger))
		healthpb.RegisterHealthServer(grpcServer, healthServer)
		healthServer.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)

		// Enable reflection for debugging with grpcurl
		reflection.Register(grpcServer)

		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			logger.Fatal("failed to listen", zap.String("addr", cfg.GRPCAddr), zap.Error(err))
		}
		go func() {
			logger.Info("grpc server listening", zap.String("addr", lis.Addr().String()))
			if err := grpcServer.Serve(lis); err != nil {
				logger.Fatal("grpc server failed", zap.Error(err))
			}
		}()
	}

	// Block until shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	// Graceful shutdown
	healthServer.SetServingStatus(healthService, healthpb.HealthCheckResponse_NOT_SERVING)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if grpcServer != nil {
		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-shutdownCtx.Done():
			grpcServer.Stop()
		}
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}
	cancel()

	logger.Info("rampart server stopped")
}

// mustOpenCheckpointStore opens the configured checkpoint backend and, for
// the local backends, starts a sweeper for expired entries.
func mustOpenCheckpointStore(ctx context.Context, cfg config.Config, rdb *redis.Client, logger *zap.Logger) (incremental.Store, func()) {
	switch cfg.CheckpointBackend {
	case config.BackendPebble:
		ps, err := incremental.OpenPebbleStore(cfg.CheckpointDir, logger)
		if err != nil {
			logger.Fatal("failed to open checkpoint store", zap.String("dir", cfg.CheckpointDir), zap.Error(err))
		}
		go sweep(ctx, cfg.PoolJanitorPeriod, ps.Sweep, logger)
		return ps, func() {
			if err := ps.Close(); err != nil {
				logger.Error("checkpoint store close error", zap.Error(err))
			}
		}
	case config.BackendRedis:
		if rdb == nil {
			logger.Fatal("checkpoint_backend redis requires redis_addr")
		}
		return incremental.NewRedisStore(rdb, ""), func() {}
	default:
		ms := incremental.NewMemoryStore()
		go sweep(ctx, cfg.PoolJanitorPeriod, func() (int, error) { return ms.Sweep(), nil }, logger)
		return ms, func() {}
	}
}

func sweep(ctx context.Context, interval time.Duration, fn func() (int, error), logger *zap.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := fn()
			if err != nil {
				logger.Warn("checkpoint sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Debug("checkpoint sweep", zap.Int("removed", n))
			}
		}
	}
}

// refreshPolicies reloads stored guard policies so edits made by other
// replicas take effect here.
func refreshPolicies(ctx context.Context, deps *api.Dependencies, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := deps.ReloadPolicies(ctx); err != nil {
				logger.Warn("policy refresh failed", zap.Error(err))
			}
		}
	}
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}
