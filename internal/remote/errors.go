package remote

import (
	"errors"
	"fmt"
)

var (
	// ErrNoRemoteDevice means no configured device is idle and healthy.
	ErrNoRemoteDevice = errors.New("no remote device available")
	// ErrTransport is a network-layer failure; the dispatcher retries it.
	ErrTransport = errors.New("remote transport failure")
	// ErrApplication means the device processed the job and reported failure.
	ErrApplication = errors.New("remote processing failed")
	// ErrExhausted means every retry failed at the transport layer.
	ErrExhausted = errors.New("remote retries exhausted")
)

// ApplicationError carries what the device answered. It is never retried.
type ApplicationError struct {
	Device     string
	StatusCode int
	Message    string
}

func (e *ApplicationError) Error() string {
	if e.StatusCode != 0 && e.StatusCode != 200 {
		return fmt.Sprintf("remote device %s returned status %d: %s", e.Device, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("remote device %s reported error: %s", e.Device, e.Message)
}

func (e *ApplicationError) Unwrap() error { return ErrApplication }
