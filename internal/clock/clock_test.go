package clock_test

import (
	"context"
	"testing"
	"time"

	"github.com/kiranshivaraju/docpipe/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReal_SleepReturnsAfterDelay(t *testing.T) {
	start := time.Now()
	err := clock.Real{}.Sleep(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestReal_SleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := clock.Real{}.Sleep(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFake_RecordsDelays(t *testing.T) {
	f := &clock.Fake{}
	require.NoError(t, f.Sleep(context.Background(), 2*time.Second))
	require.NoError(t, f.Sleep(context.Background(), 4*time.Second))

	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, f.Sleeps())
}
