// Package remote sends extraction jobs to remote inference devices.
package remote

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kiranshivaraju/docpipe/pkg/models"
)

// HealthChecker probes a single device.
type HealthChecker interface {
	Health(ctx context.Context, device models.RemoteDevice) error
}

// Balancer tracks the health and busy state of a fixed device list.
// State is per process; it is not shared with other workers.
type Balancer struct {
	checker HealthChecker

	mu      sync.Mutex
	devices []models.RemoteDevice
}

// NewBalancer copies devices; every device starts idle.
func NewBalancer(devices []models.RemoteDevice, checker HealthChecker) *Balancer {
	own := make([]models.RemoteDevice, len(devices))
	copy(own, devices)
	for i := range own {
		own[i].Status = models.DeviceIdle
	}
	return &Balancer{checker: checker, devices: own}
}

// Devices returns a copy of the device list with current status.
func (b *Balancer) Devices() []models.RemoteDevice {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.RemoteDevice(nil), b.devices...)
}

// Refresh health-checks every device that is not busy and sets it idle or error.
// Busy devices are serving a job and keep their status.
func (b *Balancer) Refresh(ctx context.Context) {
	for _, d := range b.Devices() {
		if d.Status == models.DeviceBusy {
			continue
		}
		status := models.DeviceIdle
		if err := b.checker.Health(ctx, d); err != nil {
			slog.Warn("remote device unhealthy", "device", d.Name, "error", err)
			status = models.DeviceError
		}

		b.mu.Lock()
		for i := range b.devices {
			if b.devices[i].Name == d.Name && b.devices[i].Status != models.DeviceBusy {
				b.devices[i].Status = status
			}
		}
		b.mu.Unlock()
	}
}

// Acquire refreshes health, then marks the first idle device busy and returns it.
func (b *Balancer) Acquire(ctx context.Context) (models.RemoteDevice, error) {
	b.Refresh(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.devices {
		if b.devices[i].Status == models.DeviceIdle {
			b.devices[i].Status = models.DeviceBusy
			slog.Info("remote device marked busy", "device", b.devices[i].Name)
			return b.devices[i], nil
		}
	}
	return models.RemoteDevice{}, ErrNoRemoteDevice
}

// Release returns a device to idle regardless of how its job ended.
func (b *Balancer) Release(name string) {
	b.MarkStatus(name, models.DeviceIdle)
}

// MarkStatus sets the status of the named device.
func (b *Balancer) MarkStatus(name string, status models.DeviceStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.devices {
		if b.devices[i].Name == name {
			b.devices[i].Status = status
			slog.Info("remote device status changed", "device", name, "status", status)
			return
		}
	}
}

// Status reports the status of the named device.
func (b *Balancer) Status(name string) (models.DeviceStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range b.devices {
		if d.Name == name {
			return d.Status, nil
		}
	}
	return "", fmt.Errorf("unknown remote device %q", name)
}
