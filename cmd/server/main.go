// Package main is the entrypoint for the docpipe intake API server.
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

	"github.com/kiranshivaraju/docpipe/internal/api"
	"github.com/kiranshivaraju/docpipe/internal/api/handler"
	mw "github.com/kiranshivaraju/docpipe/internal/api/middleware"
	"github.com/kiranshivaraju/docpipe/internal/cache"
	"github.com/kiranshivaraju/docpipe/internal/config"
	"github.com/kiranshivaraju/docpipe/internal/intake"
	"github.com/kiranshivaraju/docpipe/internal/queue"
	"github.com/kiranshivaraju/docpipe/internal/storage"
	"github.com/kiranshivaraju/docpipe/internal/store"
	"github.com/kiranshivaraju/docpipe/pkg/models"
)

const (
	shutdownTimeout = 30 * time.Second
	// writeTimeout leaves room for the longest result poll.
	writeTimeout = intake.MaxPollTimeout + 30*time.Second
	readTimeout  = 10 * time.Minute
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "upload_dir", cfg.Server.UploadDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Redis cache and queue
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	jobQueue, err := queue.NewRedisQueue(cfg.Redis.URL, cfg.Redis.ResultTTL)
	if err != nil {
		return fmt.Errorf("create redis queue: %w", err)
	}
	defer jobQueue.Close()
	slog.Info("redis connected")

	// 5. Object storage, only probed by the health check here
	objects, err := storage.New(storage.Config{
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		Bucket:    cfg.Storage.Bucket,
		Secure:    cfg.Storage.Secure,
	})
	if err != nil {
		return fmt.Errorf("create object storage: %w", err)
	}

	// 6. Create store and seed the admin key
	pgStore := store.NewPostgresStore(pool)
	if cfg.Server.AdminAPIKey != "" {
		if err := ensureAdminKey(ctx, pgStore, cfg.Server.AdminAPIKey); err != nil {
			return fmt.Errorf("seed admin key: %w", err)
		}
	}

	if err := os.MkdirAll(cfg.Server.UploadDir, 0o755); err != nil {
		return fmt.Errorf("create upload dir: %w", err)
	}
	svc := intake.New(pgStore, jobQueue, redisCache, cfg.Server.UploadDir)
	maxUpload := int64(cfg.Server.MaxUploadMB) << 20

	// 7. Build router with dependencies
	deps := api.Dependencies{
		Auth:      mw.NewAuth(pgStore),
		RateLimit: mw.NewRateLimit(redisCache, cfg.Server.RateLimitPerMinute),

		HealthHandler:  handler.NewHealthHandler(healthChecks(cfg, pgStore, redisCache, objects), 0),
		DevicesHandler: handler.NewDevicesHandler(redisCache),

		ExtractHandler:        handler.NewSubmitHandler(models.JobKindExtract, svc, maxUpload),
		ImageHandler:          handler.NewSubmitHandler(models.JobKindImage, svc, maxUpload),
		CombinedHandler:       handler.NewSubmitHandler(models.JobKindCombined, svc, maxUpload),
		ExtractResultHandler:  handler.NewPollHandler(models.JobKindExtract, svc),
		ImageResultHandler:    handler.NewPollHandler(models.JobKindImage, svc),
		CombinedResultHandler: handler.NewPollHandler(models.JobKindCombined, svc),

		ListJobsHandler: handler.NewListJobsHandler(pgStore),
		GetJobHandler:   handler.NewGetJobHandler(pgStore),

		CreateKeyHandler: handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:  handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 8. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// adminKeyStore is the part of the store used to seed the admin key.
type adminKeyStore interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
}

// ensureAdminKey stores raw as an admin key unless an active key already matches it.
func ensureAdminKey(ctx context.Context, keys adminKeyStore, raw string) error {
	if len(raw) < mw.KeyPrefixLen {
		return fmt.Errorf("ADMIN_API_KEY must be at least %d characters", mw.KeyPrefixLen)
	}
	candidates, err := keys.GetAPIKeyByPrefix(ctx, raw[:mw.KeyPrefixLen])
	if err != nil {
		return err
	}
	if mw.MatchKey(candidates, raw) != nil {
		return nil
	}

	key, err := mw.KeyRecord("bootstrap-admin", raw, []string{mw.ScopeAdmin})
	if err != nil {
		return err
	}
	if err := keys.CreateAPIKey(ctx, key); err != nil {
		return err
	}
	slog.Info("admin api key seeded", "key_id", key.ID, "key_prefix", key.KeyPrefix)
	return nil
}
