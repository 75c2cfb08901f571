package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/docpipe/pkg/models"
)

const defaultSnapshotInterval = 15 * time.Second

type snapshotSink interface {
	PutDeviceSnapshot(ctx context.Context, worker string, snapshot []byte, ttl time.Duration) error
}

// devicePublisher periodically writes this worker's device view to the cache.
// A snapshot lives for three intervals, so a dead worker drops out.
type devicePublisher struct {
	worker   string
	sink     snapshotSink
	interval time.Duration
	gpus     func() []models.Device
	remote   func() []models.RemoteDevice
	refresh  func(ctx context.Context)
	now      func() time.Time
}

// Run publishes immediately and then every interval until ctx is done.
func (p *devicePublisher) Run(ctx context.Context) error {
	if p.interval <= 0 {
		p.interval = defaultSnapshotInterval
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.publish(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *devicePublisher) publish(ctx context.Context) {
	if p.refresh != nil {
		p.refresh(ctx)
	}

	snap := p.snapshot()
	b, err := json.Marshal(snap)
	if err != nil {
		slog.Warn("encoding device snapshot failed", "error", err)
		return
	}
	if err := p.sink.PutDeviceSnapshot(ctx, p.worker, b, 3*p.interval); err != nil && ctx.Err() == nil {
		slog.Warn("publishing device snapshot failed", "worker", p.worker, "error", err)
	}
}

func (p *devicePublisher) snapshot() models.DeviceSnapshot {
	now := time.Now
	if p.now != nil {
		now = p.now
	}
	snap := models.DeviceSnapshot{
		Worker:    p.worker,
		GPUs:      []models.Device{},
		Remote:    []models.RemoteDevice{},
		UpdatedAt: now().UTC(),
	}
	if p.gpus != nil {
		snap.GPUs = p.gpus()
	}
	if p.remote != nil {
		snap.Remote = p.remote()
	}
	return snap
}
