// Package main is the entrypoint for the docpipe worker. It runs the extract,
// image and combined consumers side by side until SIGINT or SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/docpipe/internal/cache"
	"github.com/kiranshivaraju/docpipe/internal/clock"
	"github.com/kiranshivaraju/docpipe/internal/config"
	"github.com/kiranshivaraju/docpipe/internal/consumer"
	"github.com/kiranshivaraju/docpipe/internal/executor"
	"github.com/kiranshivaraju/docpipe/internal/gpu"
	"github.com/kiranshivaraju/docpipe/internal/office"
	"github.com/kiranshivaraju/docpipe/internal/pipeline"
	"github.com/kiranshivaraju/docpipe/internal/queue"
	"github.com/kiranshivaraju/docpipe/internal/remote"
	"github.com/kiranshivaraju/docpipe/internal/storage"
	"github.com/kiranshivaraju/docpipe/internal/store"
	"github.com/kiranshivaraju/docpipe/internal/vision"
	"github.com/kiranshivaraju/docpipe/pkg/models"
)

var consumerKinds = []models.JobKind{
	models.JobKindExtract,
	models.JobKindImage,
	models.JobKindCombined,
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"worker", cfg.Worker.Name,
		"vision_provider", cfg.Vision.Provider,
		"gpu_enabled", cfg.GPU.Enabled,
		"remote_devices", len(cfg.Remote.Devices),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Job ledger
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	pgStore := store.NewPostgresStore(pool)
	slog.Info("database connected")

	// 3. Redis cache and queue
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

	// 4. Object storage
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
	if err := objects.EnsureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}
	slog.Info("object storage ready", "bucket", cfg.Storage.Bucket)

	deps := pipeline.Deps{
		Executor:  executor.New(cfg.Extractor.Binary),
		Converter: newConverter(cfg.Office),
		Storage:   objects,
		Images:    vision.NewPDFImageExtractor(cfg.Vision.PDFImagesBinary),
		Ledger:    pgStore,
		Cache:     redisCache,
	}

	// 5. Local GPUs
	var scheduler *gpu.Scheduler
	if cfg.GPU.Enabled {
		probe, err := gpu.NewNVMLProbe()
		if err != nil {
			slog.Warn("gpu driver unavailable, retrying on the next local job", "error", err)
		}
		defer probe.Close()
		scheduler = gpu.NewScheduler(probe, gpu.Options{
			MaxAttempts:   cfg.GPU.MaxAttempts,
			BackoffStep:   cfg.GPU.BackoffStep,
			MemoryFloorMB: cfg.GPU.MemoryFloorMB,
		})
		if err := scheduler.Discover(ctx); err != nil {
			slog.Warn("gpu discovery failed, retrying on the next local job", "error", err)
		}
		deps.Scheduler = scheduler
	}

	// 6. Remote devices
	var balancer *remote.Balancer
	if len(cfg.Remote.Devices) > 0 {
		client := remote.NewClient(remote.ClientConfig{
			ExtractPath:    cfg.Remote.ExtractPath,
			HealthTimeout:  cfg.Remote.HealthTimeout,
			ConnectTimeout: cfg.Remote.ConnectTimeout,
			ReadTimeout:    cfg.Remote.ReadTimeout,
		})
		balancer = remote.NewBalancer(cfg.Remote.Devices, client)
		deps.Dispatcher = remote.NewDispatcher(balancer, client, clock.Real{}, cfg.Remote.MaxRetries)
	}

	// 7. Vision provider
	model, err := vision.NewModel(cfg.Vision)
	if err != nil {
		return fmt.Errorf("create vision provider: %w", err)
	}
	deps.Describer = vision.NewDescriber(model, cfg.Vision.MaxImageDim, cfg.Vision.InferenceTimeout)
	slog.Info("vision provider initialized", "provider", model.Name())

	orchestrator := pipeline.New(deps, pipeline.Options{
		OutputBaseDir:  cfg.Worker.OutputBaseDir,
		UploadDir:      cfg.Server.UploadDir,
		MinMemoryRatio: cfg.GPU.MinMemoryRatio,
		StatusTTL:      cfg.Redis.ResultTTL,
	})

	// 8. Consumers and the device snapshot publisher
	g, gctx := errgroup.WithContext(ctx)
	for _, kind := range consumerKinds {
		c, err := consumer.New(kind, jobQueue, orchestrator, consumer.Options{
			Concurrency:  cfg.Worker.Concurrency,
			PollTimeout:  cfg.Worker.PollTimeout,
			ErrorBackoff: cfg.Worker.ErrorBackoff,
		})
		if err != nil {
			return fmt.Errorf("create %s consumer: %w", kind, err)
		}
		g.Go(func() error { return c.Run(gctx) })
	}

	pub := &devicePublisher{
		worker:   cfg.Worker.Name,
		sink:     redisCache,
		interval: cfg.Worker.SnapshotInterval,
	}
	if scheduler != nil {
		pub.gpus = scheduler.Devices
	}
	if balancer != nil {
		pub.remote = balancer.Devices
		pub.refresh = balancer.Refresh
	}
	g.Go(func() error { return pub.Run(gctx) })

	slog.Info("worker started", "worker", cfg.Worker.Name, "concurrency", cfg.Worker.Concurrency)
	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("worker stopped gracefully")
	return nil
}

func newConverter(cfg config.OfficeConfig) *office.Converter {
	c := office.New(office.Options{
		Binary:   cfg.Binary,
		Timeout:  cfg.Timeout,
		Attempts: cfg.Attempts,
		Delay:    cfg.Delay,
	})
	if err := c.Available(); err != nil {
		slog.Warn("office conversion unavailable", "error", err)
	}
	return c
}
