package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/kiranshivaraju/docpipe/internal/api/handler"
	"github.com/kiranshivaraju/docpipe/internal/config"
	"github.com/kiranshivaraju/docpipe/internal/executor"
	"github.com/kiranshivaraju/docpipe/internal/office"
	"github.com/kiranshivaraju/docpipe/internal/remote"
	"github.com/kiranshivaraju/docpipe/internal/vision"
	"github.com/kiranshivaraju/docpipe/pkg/models"
)

type pinger interface {
	Ping(ctx context.Context) error
}

// healthChecks lists the dependencies reported by /health. The data stores are
// critical; tools and inference backends live on workers and are only listed.
func healthChecks(cfg *config.Config, db, redis, objects pinger) []handler.HealthCheck {
	checks := []handler.HealthCheck{
		{Name: "postgres", Critical: true, Check: db.Ping},
		{Name: "redis", Critical: true, Check: redis.Ping},
		{Name: "minio", Critical: true, Check: objects.Ping},
		{Name: "extractor", Check: binaryCheck(executor.New(cfg.Extractor.Binary).Available)},
		{Name: "libreoffice", Check: binaryCheck(office.New(office.Options{Binary: cfg.Office.Binary}).Available)},
		{Name: "vision", Check: func(ctx context.Context) error { return vision.Probe(ctx, cfg.Vision) }},
	}
	if len(cfg.Remote.Devices) > 0 {
		client := remote.NewClient(remote.ClientConfig{HealthTimeout: cfg.Remote.HealthTimeout})
		checks = append(checks, handler.HealthCheck{
			Name:  "remote_devices",
			Check: anyRemoteHealthy(client, cfg.Remote.Devices),
		})
	}
	return checks
}

func binaryCheck(available func() error) func(context.Context) error {
	return func(context.Context) error { return available() }
}

// anyRemoteHealthy passes when at least one configured device answers.
func anyRemoteHealthy(checker remote.HealthChecker, devices []models.RemoteDevice) func(context.Context) error {
	return func(ctx context.Context) error {
		var errs []error
		for _, d := range devices {
			err := checker.Health(ctx, d)
			if err == nil {
				return nil
			}
			errs = append(errs, fmt.Errorf("%s: %w", d.Name, err))
		}
		return errors.Join(errs...)
	}
}
