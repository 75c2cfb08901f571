package clock

import (
	"context"
	"sync"
	"time"
)

// Fake records requested delays and returns immediately.
type Fake struct {
	mu     sync.Mutex
	sleeps []time.Duration

	// OnSleep, if set, runs before Sleep returns.
	OnSleep func(d time.Duration)
}

func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	f.mu.Lock()
	f.sleeps = append(f.sleeps, d)
	hook := f.OnSleep
	f.mu.Unlock()
	if hook != nil {
		hook(d)
	}
	return ctx.Err()
}

// Sleeps returns a copy of every delay requested so far.
func (f *Fake) Sleeps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.sleeps...)
}

var _ Sleeper = (*Fake)(nil)
