package gpu

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

const bytesPerMB = 1024 * 1024

// NVMLProbe implements Probe on top of the NVIDIA management library.
type NVMLProbe struct {
	mu   sync.Mutex
	open bool
}

// NewNVMLProbe initializes NVML. The probe is returned even when init fails;
// Devices retries init, so a driver that loads later is still found.
// Call Close when the process shuts down.
func NewNVMLProbe() (*NVMLProbe, error) {
	p := &NVMLProbe{}
	return p, p.ensureOpen()
}

func (p *NVMLProbe) ensureOpen() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.open {
		return nil
	}
	if ret := nvml.Init(); ret != nvml.SUCCESS {
		return fmt.Errorf("nvml init: %s", nvml.ErrorString(ret))
	}
	p.open = true
	return nil
}

func (p *NVMLProbe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		return nil
	}
	p.open = false
	if ret := nvml.Shutdown(); ret != nvml.SUCCESS {
		return fmt.Errorf("nvml shutdown: %s", nvml.ErrorString(ret))
	}
	return nil
}

func (p *NVMLProbe) Devices(_ context.Context) ([]DeviceInfo, error) {
	if err := p.ensureOpen(); err != nil {
		return nil, err
	}
	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("nvml device count: %s", nvml.ErrorString(ret))
	}

	devices := make([]DeviceInfo, 0, count)
	for i := 0; i < count; i++ {
		mem, err := memoryInfo(i)
		if err != nil {
			slog.Warn("skipping gpu", "device_id", i, "error", err)
			continue
		}
		devices = append(devices, DeviceInfo{
			ID:            i,
			MemoryTotalMB: int(mem.Total / bytesPerMB),
		})
	}
	return devices, nil
}

func (p *NVMLProbe) FreeMemory(_ context.Context, id int) (int, error) {
	mem, err := memoryInfo(id)
	if err != nil {
		return 0, err
	}
	return int(mem.Free / bytesPerMB), nil
}

// ReleaseCache cannot reach into the exited extraction process, whose
// allocations the driver reclaims on exit. It reports what is left resident.
func (p *NVMLProbe) ReleaseCache(_ context.Context, id int) error {
	mem, err := memoryInfo(id)
	if err != nil {
		return err
	}
	slog.Debug("gpu memory after release",
		"device_id", id,
		"used_mb", mem.Used/bytesPerMB,
		"free_mb", mem.Free/bytesPerMB,
	)
	return nil
}

func memoryInfo(id int) (nvml.Memory, error) {
	device, ret := nvml.DeviceGetHandleByIndex(id)
	if ret != nvml.SUCCESS {
		return nvml.Memory{}, fmt.Errorf("nvml handle for device %d: %s", id, nvml.ErrorString(ret))
	}
	mem, ret := nvml.DeviceGetMemoryInfo(device)
	if ret != nvml.SUCCESS {
		return nvml.Memory{}, fmt.Errorf("nvml memory info for device %d: %s", id, nvml.ErrorString(ret))
	}
	return mem, nil
}

var _ Probe = (*NVMLProbe)(nil)
