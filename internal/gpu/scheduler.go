// Package gpu admits local extraction jobs onto discovered accelerators.
//
// A capacity token set sized to the device count bounds how many jobs run at
// once. Within a held token, a device is chosen by live free memory, retrying
// with linear back-off while nothing qualifies.
package gpu

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kiranshivaraju/docpipe/internal/clock"
	"github.com/kiranshivaraju/docpipe/pkg/models"
)

const (
	DefaultMinMemoryRatio = 0.7
	DefaultMaxAttempts    = 10
	DefaultBackoffStep    = 15 * time.Second
	DefaultMemoryFloorMB  = 12288
)

// Options tunes acquisition. Zero values take the defaults above.
type Options struct {
	MaxAttempts   int
	BackoffStep   time.Duration
	MemoryFloorMB int
	Sleeper       clock.Sleeper
}

// Scheduler owns the local device table. Create one per process and inject it.
type Scheduler struct {
	probe   Probe
	sleeper clock.Sleeper

	maxAttempts   int
	backoffStep   time.Duration
	memoryFloorMB int

	discoverMu sync.Mutex

	mu      sync.Mutex
	devices []models.Device
	tokens  *semaphore.Weighted
}

// NewScheduler returns a scheduler with an empty device table. Call Discover
// before the first Acquire.
func NewScheduler(probe Probe, opts Options) *Scheduler {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BackoffStep <= 0 {
		opts.BackoffStep = DefaultBackoffStep
	}
	if opts.MemoryFloorMB <= 0 {
		opts.MemoryFloorMB = DefaultMemoryFloorMB
	}
	if opts.Sleeper == nil {
		opts.Sleeper = clock.Real{}
	}
	return &Scheduler{
		probe:         probe,
		sleeper:       opts.Sleeper,
		maxAttempts:   opts.MaxAttempts,
		backoffStep:   opts.BackoffStep,
		memoryFloorMB: opts.MemoryFloorMB,
		tokens:        semaphore.NewWeighted(0),
	}
}

// Discover replaces the device table with a fresh driver snapshot. Devices
// reporting no memory are ignored. A device that is busy and still present
// keeps its busy status. The token set is only rebuilt when the device count
// changes; leases taken before that return their token to the old set.
func (s *Scheduler) Discover(ctx context.Context) error {
	s.discoverMu.Lock()
	defer s.discoverMu.Unlock()

	infos, err := s.probe.Devices(ctx)
	if err != nil {
		return fmt.Errorf("discover gpus: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	busy := make(map[int]bool, len(s.devices))
	for _, d := range s.devices {
		if d.Status == models.DeviceBusy {
			busy[d.ID] = true
		}
	}

	devices := make([]models.Device, 0, len(infos))
	ids := make([]int, 0, len(infos))
	for _, info := range infos {
		if info.MemoryTotalMB <= 0 {
			continue
		}
		status := models.DeviceIdle
		if busy[info.ID] {
			status = models.DeviceBusy
		}
		devices = append(devices, models.Device{
			ID:            info.ID,
			Status:        status,
			MemoryTotalMB: info.MemoryTotalMB,
		})
		ids = append(ids, info.ID)
	}

	if len(devices) != len(s.devices) {
		s.tokens = semaphore.NewWeighted(int64(len(devices)))
	}
	s.devices = devices

	slog.Info("gpus discovered", "count", len(devices), "ids", ids)
	return nil
}

// Devices returns a copy of the device table.
func (s *Scheduler) Devices() []models.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Device(nil), s.devices...)
}

// Capacity is the number of jobs that may hold a device at once.
func (s *Scheduler) Capacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.devices)
}

// MinRequiredMemory is ratio times the average total memory of the table, in MB.
func (s *Scheduler) MinRequiredMemory(ratio float64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.minRequiredLocked(ratio)
}

func (s *Scheduler) minRequiredLocked(ratio float64) int {
	if len(s.devices) == 0 {
		return s.memoryFloorMB
	}
	total := 0
	for _, d := range s.devices {
		total += d.MemoryTotalMB
	}
	avg := float64(total) / float64(len(s.devices))
	return int(avg * ratio)
}

// Acquire waits for a capacity token and then for a device with at least
// ratio of the average total memory free. An empty device table is
// rediscovered first. A ratio <= 0 uses DefaultMinMemoryRatio.
// The returned Lease must be released.
func (s *Scheduler) Acquire(ctx context.Context, ratio float64) (*Lease, error) {
	if ratio <= 0 {
		ratio = DefaultMinMemoryRatio
	}

	if err := s.ensureDevices(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if len(s.devices) == 0 {
		s.mu.Unlock()
		return nil, ErrNoDevice
	}
	minRequired := s.minRequiredLocked(ratio)
	tokens := s.tokens
	s.mu.Unlock()

	if err := tokens.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for gpu capacity: %w", err)
	}

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		id, free, ok := s.selectDevice(ctx, minRequired)
		if ok {
			slog.Info("gpu assigned", "device_id", id, "free_mb", free, "attempt", attempt)
			return &Lease{sched: s, tokens: tokens, deviceID: id}, nil
		}
		if attempt == s.maxAttempts {
			break
		}

		wait := time.Duration(attempt) * s.backoffStep
		slog.Info("no gpu with enough free memory",
			"required_mb", minRequired,
			"attempt", attempt,
			"max_attempts", s.maxAttempts,
			"wait", wait,
		)
		if err := s.sleeper.Sleep(ctx, wait); err != nil {
			tokens.Release(1)
			return nil, fmt.Errorf("waiting for gpu memory: %w", err)
		}
	}

	tokens.Release(1)
	return nil, fmt.Errorf("%w: no device with %d MB free after %d attempts",
		ErrNoDeviceAvailable, minRequired, s.maxAttempts)
}

// ensureDevices re-runs discovery when the table is empty, so a driver that
// was not ready at startup is picked up by the next job.
func (s *Scheduler) ensureDevices(ctx context.Context) error {
	s.mu.Lock()
	empty := len(s.devices) == 0
	s.mu.Unlock()
	if !empty {
		return nil
	}
	if err := s.Discover(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrNoDevice, err)
	}
	return nil
}

// selectDevice picks the idle device with the most free memory at or above
// minRequired and marks it busy. Ties go to the lowest id.
func (s *Scheduler) selectDevice(ctx context.Context, minRequired int) (int, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type candidate struct{ id, free int }
	var candidates []candidate
	for _, d := range s.devices {
		if d.Status != models.DeviceIdle {
			continue
		}
		free, err := s.probe.FreeMemory(ctx, d.ID)
		if err != nil {
			slog.Warn("reading gpu free memory failed", "device_id", d.ID, "error", err)
			continue
		}
		if free >= minRequired {
			candidates = append(candidates, candidate{id: d.ID, free: free})
		}
	}
	if len(candidates) == 0 {
		return 0, 0, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].free != candidates[j].free {
			return candidates[i].free > candidates[j].free
		}
		return candidates[i].id < candidates[j].id
	})
	chosen := candidates[0]
	s.setStatusLocked(chosen.id, models.DeviceBusy)
	return chosen.id, chosen.free, true
}

func (s *Scheduler) setStatusLocked(id int, status models.DeviceStatus) {
	for i := range s.devices {
		if s.devices[i].ID == id {
			s.devices[i].Status = status
			return
		}
	}
}

// WithDevice runs fn on an acquired device and releases it on every exit path,
// including a panic in fn.
func (s *Scheduler) WithDevice(ctx context.Context, ratio float64, fn func(deviceID int) error) error {
	lease, err := s.Acquire(ctx, ratio)
	if err != nil {
		return err
	}
	defer lease.Release(context.WithoutCancel(ctx))
	return fn(lease.DeviceID())
}

// Lease is a held device plus its capacity token.
type Lease struct {
	sched    *Scheduler
	tokens   *semaphore.Weighted
	deviceID int
	once     sync.Once
}

func (l *Lease) DeviceID() int { return l.deviceID }

// Release marks the device idle, frees its cache and returns the token.
// Safe to call more than once.
func (l *Lease) Release(ctx context.Context) {
	l.once.Do(func() {
		l.sched.mu.Lock()
		l.sched.setStatusLocked(l.deviceID, models.DeviceIdle)
		l.sched.mu.Unlock()

		if err := l.sched.probe.ReleaseCache(ctx, l.deviceID); err != nil {
			slog.Warn("releasing gpu cache failed", "device_id", l.deviceID, "error", err)
		}

		l.tokens.Release(1)
		slog.Info("gpu released", "device_id", l.deviceID)
	})
}
