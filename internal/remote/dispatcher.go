package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/docpipe/internal/clock"
	"github.com/kiranshivaraju/docpipe/pkg/models"
)

const DefaultMaxRetries = 3

// Extractor runs one extraction attempt on a device.
type Extractor interface {
	Extract(ctx context.Context, d models.RemoteDevice, req ExtractRequest) (*ExtractResponse, error)
}

// Request is a job handed to the dispatcher.
type Request struct {
	RequestID uuid.UUID
	InputPath string
	Params    models.ExtractParams
}

// Result is a successful remote extraction.
type Result struct {
	Response *ExtractResponse
	Device   string
}

// Dispatcher sends jobs to remote devices and retries transport failures
// with exponential back-off.
type Dispatcher struct {
	balancer   *Balancer
	client     Extractor
	sleeper    clock.Sleeper
	maxRetries int
}

// NewDispatcher creates a Dispatcher. maxRetries <= 0 uses DefaultMaxRetries;
// a nil sleeper sleeps for real.
func NewDispatcher(b *Balancer, client Extractor, sleeper clock.Sleeper, maxRetries int) *Dispatcher {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if sleeper == nil {
		sleeper = clock.Real{}
	}
	return &Dispatcher{balancer: b, client: client, sleeper: sleeper, maxRetries: maxRetries}
}

// Backoff is the delay after the n-th transport failure: 2^n seconds.
func Backoff(n int) time.Duration {
	return time.Duration(1<<n) * time.Second
}

// Dispatch runs req on an idle device. Transport failures re-select a device
// and retry up to maxRetries; application failures and a missing device end
// the dispatch at once. The device of every attempt is back to idle before
// Dispatch returns or starts the next attempt.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Result, error) {
	content, err := os.ReadFile(req.InputPath)
	if err != nil {
		return nil, fmt.Errorf("reading input: %w", err)
	}

	retries := 0
	for retries < d.maxRetries {
		device, err := d.balancer.Acquire(ctx)
		if err != nil {
			return nil, err
		}

		slog.Info("dispatching to remote device",
			"request_id", req.RequestID,
			"device", device.Name,
			"addr", fmt.Sprintf("%s:%d", device.IP, device.Port),
			"attempt", retries+1,
			"max_retries", d.maxRetries,
		)

		resp, err := d.attempt(ctx, device, ExtractRequest{
			FileName: filepath.Base(req.InputPath),
			Content:  content,
			Params:   req.Params,
		})
		if err == nil {
			slog.Info("remote extraction succeeded", "request_id", req.RequestID, "device", device.Name)
			return &Result{Response: resp, Device: device.Name}, nil
		}
		if !errors.Is(err, ErrTransport) {
			slog.Error("remote extraction failed", "request_id", req.RequestID, "device", device.Name, "error", err)
			return nil, err
		}

		retries++
		slog.Warn("remote transport failure",
			"request_id", req.RequestID,
			"device", device.Name,
			"retry", retries,
			"max_retries", d.maxRetries,
			"error", err,
		)
		if err := d.sleeper.Sleep(ctx, Backoff(retries)); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("%w: %d attempts failed", ErrExhausted, d.maxRetries)
}

func (d *Dispatcher) attempt(ctx context.Context, device models.RemoteDevice, req ExtractRequest) (*ExtractResponse, error) {
	defer d.balancer.Release(device.Name)
	return d.client.Extract(ctx, device, req)
}
