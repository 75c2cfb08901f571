package gpu

import "context"

// DeviceInfo is a snapshot of one accelerator as reported by the driver.
type DeviceInfo struct {
	ID            int
	MemoryTotalMB int
}

// Probe talks to the accelerator driver.
// Implementations must be safe for concurrent use.
type Probe interface {
	// Devices lists every accelerator visible to the host.
	Devices(ctx context.Context) ([]DeviceInfo, error)
	// FreeMemory reports live free memory on device id, in MB.
	FreeMemory(ctx context.Context, id int) (int, error)
	// ReleaseCache frees device-side cache after a job. Best effort.
	ReleaseCache(ctx context.Context, id int) error
}
