package gpu_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kiranshivaraju/docpipe/internal/clock"
	"github.com/kiranshivaraju/docpipe/internal/gpu"
	"github.com/kiranshivaraju/docpipe/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fake probe ---

type fakeProbe struct {
	mu       sync.Mutex
	devices  []gpu.DeviceInfo
	free     map[int]int
	released []int
	freeErr  error
	listErr  error
}

func newFakeProbe(devices ...gpu.DeviceInfo) *fakeProbe {
	p := &fakeProbe{devices: devices, free: make(map[int]int)}
	for _, d := range devices {
		p.free[d.ID] = d.MemoryTotalMB
	}
	return p
}

func (p *fakeProbe) Devices(_ context.Context) ([]gpu.DeviceInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listErr != nil {
		return nil, p.listErr
	}
	return append([]gpu.DeviceInfo(nil), p.devices...), nil
}

func (p *fakeProbe) setListErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listErr = err
}

func (p *fakeProbe) FreeMemory(_ context.Context, id int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.freeErr != nil {
		return 0, p.freeErr
	}
	return p.free[id], nil
}

func (p *fakeProbe) ReleaseCache(_ context.Context, id int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = append(p.released, id)
	return nil
}

func (p *fakeProbe) setFree(id, mb int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free[id] = mb
}

func (p *fakeProbe) releasedIDs() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.released...)
}

func newScheduler(t *testing.T, p gpu.Probe, sleeper clock.Sleeper, maxAttempts int) *gpu.Scheduler {
	t.Helper()
	s := gpu.NewScheduler(p, gpu.Options{MaxAttempts: maxAttempts, Sleeper: sleeper})
	require.NoError(t, s.Discover(context.Background()))
	return s
}

func statusOf(s *gpu.Scheduler, id int) models.DeviceStatus {
	for _, d := range s.Devices() {
		if d.ID == id {
			return d.Status
		}
	}
	return ""
}

// --- discovery ---

func TestDiscover_IgnoresDevicesWithoutMemory(t *testing.T) {
	p := newFakeProbe(
		gpu.DeviceInfo{ID: 0, MemoryTotalMB: 24000},
		gpu.DeviceInfo{ID: 1, MemoryTotalMB: 0},
		gpu.DeviceInfo{ID: 2, MemoryTotalMB: 16000},
	)
	s := newScheduler(t, p, &clock.Fake{}, 1)

	devices := s.Devices()
	require.Len(t, devices, 2)
	assert.Equal(t, 0, devices[0].ID)
	assert.Equal(t, 2, devices[1].ID)
	for _, d := range devices {
		assert.Equal(t, models.DeviceIdle, d.Status)
	}
	assert.Equal(t, 2, s.Capacity())
}

func TestDiscover_IsIdempotent(t *testing.T) {
	p := newFakeProbe(gpu.DeviceInfo{ID: 0, MemoryTotalMB: 16000})
	s := newScheduler(t, p, &clock.Fake{}, 1)

	require.NoError(t, s.Discover(context.Background()))
	require.NoError(t, s.Discover(context.Background()))

	assert.Len(t, s.Devices(), 1)
	assert.Equal(t, 1, s.Capacity())
}

func TestDiscover_KeepsBusyStatus(t *testing.T) {
	p := newFakeProbe(gpu.DeviceInfo{ID: 0, MemoryTotalMB: 16000})
	s := newScheduler(t, p, &clock.Fake{}, 1)

	lease, err := s.Acquire(context.Background(), 0.7)
	require.NoError(t, err)

	require.NoError(t, s.Discover(context.Background()))
	assert.Equal(t, models.DeviceBusy, statusOf(s, 0))

	lease.Release(context.Background())
	assert.Equal(t, models.DeviceIdle, statusOf(s, 0))
}

func TestDiscover_ConcurrentCallsAreSerialized(t *testing.T) {
	p := newFakeProbe(gpu.DeviceInfo{ID: 0, MemoryTotalMB: 16000}, gpu.DeviceInfo{ID: 1, MemoryTotalMB: 16000})
	s := gpu.NewScheduler(p, gpu.Options{Sleeper: &clock.Fake{}})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Discover(context.Background()))
		}()
	}
	wg.Wait()

	assert.Len(t, s.Devices(), 2)
}

// --- acquisition ---

func TestAcquire_NoDevicesFailsImmediately(t *testing.T) {
	sleeper := &clock.Fake{}
	s := newScheduler(t, newFakeProbe(), sleeper, 10)

	done := make(chan error, 1)
	go func() {
		_, err := s.Acquire(context.Background(), 0.7)
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, gpu.ErrNoDevice)
	case <-time.After(time.Second):
		t.Fatal("Acquire blocked with zero devices")
	}
	assert.Empty(t, sleeper.Sleeps())
}

func TestAcquire_RediscoversAfterStartupFailure(t *testing.T) {
	p := newFakeProbe(gpu.DeviceInfo{ID: 0, MemoryTotalMB: 16000})
	p.setListErr(errors.New("driver not loaded yet"))
	s := gpu.NewScheduler(p, gpu.Options{MaxAttempts: 1, Sleeper: &clock.Fake{}})
	require.Error(t, s.Discover(context.Background()))

	_, err := s.Acquire(context.Background(), 0.7)
	require.ErrorIs(t, err, gpu.ErrNoDevice)
	assert.Contains(t, err.Error(), "driver not loaded yet")

	p.setListErr(nil)
	lease, err := s.Acquire(context.Background(), 0.7)
	require.NoError(t, err)
	assert.Equal(t, 0, lease.DeviceID())
	assert.Equal(t, 1, s.Capacity())
	lease.Release(context.Background())
	assert.Equal(t, models.DeviceIdle, statusOf(s, 0))
}

func TestMinRequiredMemory(t *testing.T) {
	s := newScheduler(t, newFakeProbe(gpu.DeviceInfo{ID: 0, MemoryTotalMB: 16000}), &clock.Fake{}, 1)
	assert.Equal(t, 11200, s.MinRequiredMemory(0.7))

	empty := newScheduler(t, newFakeProbe(), &clock.Fake{}, 1)
	assert.Equal(t, gpu.DefaultMemoryFloorMB, empty.MinRequiredMemory(0.7))
}

func TestAcquire_DeviceBelowThresholdDoesNotQualify(t *testing.T) {
	p := newFakeProbe(gpu.DeviceInfo{ID: 0, MemoryTotalMB: 16000})
	p.setFree(0, 10000)
	sleeper := &clock.Fake{}
	s := newScheduler(t, p, sleeper, 3)

	_, err := s.Acquire(context.Background(), 0.7)
	require.ErrorIs(t, err, gpu.ErrNoDeviceAvailable)

	// Linear back-off between attempts, none after the last one.
	assert.Equal(t, []time.Duration{15 * time.Second, 30 * time.Second}, sleeper.Sleeps())
	assert.Equal(t, models.DeviceIdle, statusOf(s, 0))

	// Token was returned: once memory frees up a new acquire succeeds at once.
	p.setFree(0, 12000)
	lease, err := s.Acquire(context.Background(), 0.7)
	require.NoError(t, err)
	defer lease.Release(context.Background())
	assert.Equal(t, 0, lease.DeviceID())
	assert.Len(t, sleeper.Sleeps(), 2)
}

func TestAcquire_DeviceAboveThresholdQualifiesImmediately(t *testing.T) {
	p := newFakeProbe(gpu.DeviceInfo{ID: 0, MemoryTotalMB: 16000})
	p.setFree(0, 12000)
	sleeper := &clock.Fake{}
	s := newScheduler(t, p, sleeper, 10)

	lease, err := s.Acquire(context.Background(), 0.7)
	require.NoError(t, err)
	defer lease.Release(context.Background())

	assert.Equal(t, 0, lease.DeviceID())
	assert.Equal(t, models.DeviceBusy, statusOf(s, 0))
	assert.Empty(t, sleeper.Sleeps())
}

func TestAcquire_PicksDeviceWithMostFreeMemory(t *testing.T) {
	p := newFakeProbe(
		gpu.DeviceInfo{ID: 0, MemoryTotalMB: 16000},
		gpu.DeviceInfo{ID: 1, MemoryTotalMB: 16000},
		gpu.DeviceInfo{ID: 2, MemoryTotalMB: 16000},
	)
	p.setFree(0, 12000)
	p.setFree(1, 15000)
	p.setFree(2, 13000)
	s := newScheduler(t, p, &clock.Fake{}, 1)

	lease, err := s.Acquire(context.Background(), 0.7)
	require.NoError(t, err)
	defer lease.Release(context.Background())
	assert.Equal(t, 1, lease.DeviceID())
}

func TestAcquire_TieBreaksOnLowestID(t *testing.T) {
	p := newFakeProbe(
		gpu.DeviceInfo{ID: 3, MemoryTotalMB: 16000},
		gpu.DeviceInfo{ID: 1, MemoryTotalMB: 16000},
	)
	s := newScheduler(t, p, &clock.Fake{}, 1)

	lease, err := s.Acquire(context.Background(), 0.7)
	require.NoError(t, err)
	defer lease.Release(context.Background())
	assert.Equal(t, 1, lease.DeviceID())
}

func TestAcquire_SkipsBusyDevice(t *testing.T) {
	p := newFakeProbe(
		gpu.DeviceInfo{ID: 0, MemoryTotalMB: 16000},
		gpu.DeviceInfo{ID: 1, MemoryTotalMB: 16000},
	)
	p.setFree(1, 12000)
	s := newScheduler(t, p, &clock.Fake{}, 1)

	first, err := s.Acquire(context.Background(), 0.7)
	require.NoError(t, err)
	defer first.Release(context.Background())

	second, err := s.Acquire(context.Background(), 0.7)
	require.NoError(t, err)
	defer second.Release(context.Background())

	assert.Equal(t, 0, first.DeviceID())
	assert.Equal(t, 1, second.DeviceID())
}

func TestAcquire_RetriesUntilMemoryFrees(t *testing.T) {
	p := newFakeProbe(gpu.DeviceInfo{ID: 0, MemoryTotalMB: 16000})
	p.setFree(0, 1000)
	sleeper := &clock.Fake{OnSleep: func(time.Duration) { p.setFree(0, 16000) }}
	s := newScheduler(t, p, sleeper, 10)

	lease, err := s.Acquire(context.Background(), 0.7)
	require.NoError(t, err)
	defer lease.Release(context.Background())

	assert.Equal(t, []time.Duration{15 * time.Second}, sleeper.Sleeps())
}

func TestAcquire_ProbeErrorsDisqualifyDevice(t *testing.T) {
	p := newFakeProbe(gpu.DeviceInfo{ID: 0, MemoryTotalMB: 16000})
	p.freeErr = errors.New("driver gone")
	s := newScheduler(t, p, &clock.Fake{}, 2)

	_, err := s.Acquire(context.Background(), 0.7)
	assert.ErrorIs(t, err, gpu.ErrNoDeviceAvailable)
}

func TestAcquire_CancelledWhileWaitingForToken(t *testing.T) {
	p := newFakeProbe(gpu.DeviceInfo{ID: 0, MemoryTotalMB: 16000})
	s := newScheduler(t, p, &clock.Fake{}, 1)

	held, err := s.Acquire(context.Background(), 0.7)
	require.NoError(t, err)
	defer held.Release(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Acquire(ctx, 0.7)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAcquire_ZeroRatioUsesDefault(t *testing.T) {
	p := newFakeProbe(gpu.DeviceInfo{ID: 0, MemoryTotalMB: 16000})
	p.setFree(0, 11000)
	s := newScheduler(t, p, &clock.Fake{}, 1)

	_, err := s.Acquire(context.Background(), 0)
	assert.ErrorIs(t, err, gpu.ErrNoDeviceAvailable)
}

// --- release ---

func TestLease_ReleaseRestoresDeviceAndToken(t *testing.T) {
	p := newFakeProbe(gpu.DeviceInfo{ID: 0, MemoryTotalMB: 16000})
	s := newScheduler(t, p, &clock.Fake{}, 1)

	lease, err := s.Acquire(context.Background(), 0.7)
	require.NoError(t, err)
	lease.Release(context.Background())
	lease.Release(context.Background())

	assert.Equal(t, models.DeviceIdle, statusOf(s, 0))
	assert.Equal(t, []int{0}, p.releasedIDs())

	again, err := s.Acquire(context.Background(), 0.7)
	require.NoError(t, err)
	again.Release(context.Background())
}

func TestWithDevice_ReleasesOnError(t *testing.T) {
	p := newFakeProbe(gpu.DeviceInfo{ID: 0, MemoryTotalMB: 16000})
	s := newScheduler(t, p, &clock.Fake{}, 1)
	boom := errors.New("extraction failed")

	err := s.WithDevice(context.Background(), 0.7, func(id int) error {
		assert.Equal(t, models.DeviceBusy, statusOf(s, id))
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, models.DeviceIdle, statusOf(s, 0))

	require.NoError(t, s.WithDevice(context.Background(), 0.7, func(int) error { return nil }))
}

func TestWithDevice_ReleasesOnPanic(t *testing.T) {
	p := newFakeProbe(gpu.DeviceInfo{ID: 0, MemoryTotalMB: 16000})
	s := newScheduler(t, p, &clock.Fake{}, 1)

	func() {
		defer func() { _ = recover() }()
		_ = s.WithDevice(context.Background(), 0.7, func(int) error { panic("boom") })
	}()

	assert.Equal(t, models.DeviceIdle, statusOf(s, 0))
	require.NoError(t, s.WithDevice(context.Background(), 0.7, func(int) error { return nil }))
}

func TestWithDevice_ConcurrencyNeverExceedsDeviceCount(t *testing.T) {
	p := newFakeProbe(
		gpu.DeviceInfo{ID: 0, MemoryTotalMB: 16000},
		gpu.DeviceInfo{ID: 1, MemoryTotalMB: 16000},
	)
	s := newScheduler(t, p, &clock.Fake{}, 10)

	var (
		active  atomic.Int32
		maxSeen atomic.Int32
		inUse   sync.Map
		wg      sync.WaitGroup
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithDevice(context.Background(), 0.7, func(id int) error {
				if _, loaded := inUse.LoadOrStore(id, true); loaded {
					t.Errorf("device %d handed to two jobs", id)
				}
				n := active.Add(1)
				for {
					m := maxSeen.Load()
					if n <= m || maxSeen.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				active.Add(-1)
				inUse.Delete(id)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, maxSeen.Load(), int32(2))
	for _, d := range s.Devices() {
		assert.Equal(t, models.DeviceIdle, d.Status)
	}
}
