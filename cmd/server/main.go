// Command server runs the authentication API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/welldanyogia/authguard/internal/audit"
	"github.com/welldanyogia/authguard/internal/auth"
	"github.com/welldanyogia/authguard/internal/config"
	"github.com/welldanyogia/authguard/internal/health"
	"github.com/welldanyogia/authguard/internal/logger"
	"github.com/welldanyogia/authguard/internal/metrics"
	authmw "github.com/welldanyogia/authguard/internal/middleware"
	"github.com/welldanyogia/authguard/internal/notify"
	"github.com/welldanyogia/authguard/internal/repository"
	"github.com/welldanyogia/authguard/internal/sanitizer"
	"github.com/welldanyogia/authguard/internal/storage"
)

var version = "dev"

func main() {
	log := logger.New(logger.DefaultConfig())
	slog.SetDefault(log)

	if err := run(log); err != nil {
		log.Error("server exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	db, err := repository.Open(connectCtx, cfg.Database.DSN(), repository.DefaultPoolOptions())
	if err != nil {
		return err
	}
	defer db.Close()
	store := repository.NewStore(db)

	healthPool, err := setupHealthPool(connectCtx, cfg)
	if err != nil {
		return err
	}
	defer healthPool.Close()
	log.Info("connected to database",
		slog.String("database", cfg.Database.DBName),
		slog.String("host", cfg.Database.Host),
	)

	var redisClient *redis.Client
	if cfg.Redis.Enabled() {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	}

	sinks := []audit.Sink{audit.NewRepositorySink(store.AuditLogs())}
	if redisClient != nil {
		sinks = append(sinks, audit.NewRedisStreamSink(redisClient, cfg.Redis.StreamKey, cfg.Redis.StreamMaxLen))
	}
	if cfg.Audit.LogEvents {
		sinks = append(sinks, audit.NewLogSink(log))
	}
	dispatcher := audit.NewDispatcher(audit.Config{BufferSize: cfg.Audit.BufferSize}, log, sinks...)
	defer dispatcher.Close()

	opts, err := auth.OptionsFromConfig(cfg.Security, cfg.Archive.PageSize)
	if err != nil {
		return err
	}

	deps := auth.Dependencies{
		Users:         store.Users(),
		Ledger:        store.LoginAttempts(),
		RefreshTokens: store.RefreshTokens(),
		Tx:            store,
		Tokens:        auth.NewTokenService(auth.TokenServiceConfigFrom(cfg), store.RefreshTokens()),
		Hasher:        auth.NewCredentialHasher(),
		Audit:         dispatcher,
		Sanitizer:     sanitizer.NewTextSanitizer(sanitizer.DefaultMaxLength),
		Logger:        log,
	}
	if redisClient != nil {
		deps.Notifier = notify.NewResetStreamNotifier(redisClient, cfg.Redis.ResetStreamKey)
	}

	healthCfg := health.Config{
		DBPool:      healthPool,
		RedisClient: redisClient,
		Version:     version,
	}
	if cfg.Archive.Enabled() {
		client, err := storage.NewS3Client(cfg.Archive)
		if err != nil {
			return err
		}
		deps.Archiver = storage.NewLedgerArchiver(client, cfg.Archive.Bucket, cfg.Archive.Prefix, log)
		healthCfg.Archive = func(ctx context.Context) error {
			return storage.CheckBucket(ctx, client, cfg.Archive.Bucket)
		}
	}

	authService := auth.NewAuthService(deps, opts)
	authHandler := auth.NewAuthHandler(authService, auth.HandlerConfig{
		SecureCookies:    cfg.Server.SecureCookies,
		ExposeResetToken: cfg.Server.ExposeResetToken,
	}, log)
	authMiddleware := authmw.NewAuthMiddleware(deps.Tokens)
	healthHandler := health.NewHandler(healthCfg)

	loginLimiter := authmw.NewIPRateLimiter("login", cfg.RateLimit.LoginPerMinute, cfg.RateLimit.LoginBurst, cfg.RateLimit.EntryTTL)
	resetLimiter := authmw.NewIPRateLimiter("password_reset", cfg.RateLimit.ResetPerMinute, cfg.RateLimit.ResetBurst, cfg.RateLimit.EntryTTL)
	go loginLimiter.Run(ctx)
	go resetLimiter.Run(ctx)

	collector := metrics.NewDBStatsCollector(db.DB, healthPool, log)
	collector.Start(15 * time.Second)
	defer collector.Stop()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(authmw.NewLoggingMiddleware(log).Handler)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(authmw.SecurityHeaders)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler.Health)
	r.Get("/health/ready", healthHandler.Readiness)
	r.Get("/health/live", healthHandler.Liveness)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		auth.RegisterRoutes(r, authHandler, auth.RouteMiddleware{
			Authenticate: authMiddleware.Authenticate,
			RequireAdmin: authmw.RequireRole("admin"),
			LoginLimit:   loginLimiter.Middleware,
			ResetLimit:   resetLimiter.Middleware,
		})
	})

	addr := cfg.Server.Host + ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", slog.String("addr", addr), slog.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	healthHandler.SetReady(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	authService.Wait()

	log.Info("server exited")
	return nil
}

// setupHealthPool opens a small pgx pool used only for health probes and
// pool statistics, so probes still answer when the application pool is
// saturated.
func setupHealthPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = 2
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = 5 * time.Minute
	poolConfig.MaxConnIdleTime = time.Minute
	poolConfig.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create health pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}
