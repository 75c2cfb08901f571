package gpu

import "errors"

var (
	// ErrNoDevice means discovery found no accelerator, so no local job can run.
	ErrNoDevice = errors.New("no local gpu device discovered")
	// ErrNoDeviceAvailable means no device met the memory threshold within the attempt budget.
	ErrNoDeviceAvailable = errors.New("no local gpu device available")
)
