package ratelimit

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGovernor() *Governor {
	return NewGovernor(Config{
		ModelAPIRPS:      0.5,
		ImageAPIRPS:      2.0,
		MaxConcurrentAPI: 2,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestNewGovernor_ChannelCeilings(t *testing.T) {
	g := testGovernor()

	assert.Equal(t, 0.5, g.Rate(ChannelModelAPI))
	assert.Equal(t, 2.0, g.Rate(ChannelImageAPI))
	// File channels have no token bucket.
	assert.Zero(t, g.Rate(ChannelModelFile))
	assert.Zero(t, g.Rate(ChannelImageFile))
}

func TestAcquire_FileChannelIsFree(t *testing.T) {
	g := testGovernor()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// Many acquisitions without tokens must not block.
	for i := 0; i < 100; i++ {
		require.NoError(t, g.Acquire(ctx, ChannelModelFile))
	}
}

func TestThrottle_HalvesDownToFloor(t *testing.T) {
	g := testGovernor()

	g.Throttle(ChannelImageAPI)
	assert.Equal(t, 1.0, g.Rate(ChannelImageAPI))

	g.Throttle(ChannelImageAPI)
	assert.Equal(t, 0.5, g.Rate(ChannelImageAPI))

	for i := 0; i < 20; i++ {
		g.Throttle(ChannelImageAPI)
	}

	assert.Equal(t, float64(minRate), g.Rate(ChannelImageAPI))
}

func TestThrottle_UnknownChannelIsNoop(t *testing.T) {
	g := testGovernor()

	g.Throttle(ChannelModelFile)
	g.Throttle(Channel("bogus"))
}

func TestMaybeRestore_GeometricStepsPerCleanMinute(t *testing.T) {
	g := testGovernor()

	now := time.Unix(1_700_000_000, 0)
	g.nowFunc = func() time.Time { return now }

	g.Throttle(ChannelImageAPI)
	g.Throttle(ChannelImageAPI)
	require.Equal(t, 0.5, g.Rate(ChannelImageAPI))

	// Under a minute: no restore.
	now = now.Add(30 * time.Second)
	require.NoError(t, g.Acquire(context.Background(), ChannelImageAPI))
	assert.Equal(t, 0.5, g.Rate(ChannelImageAPI))

	// One clean minute: one 1.25x step.
	now = now.Add(31 * time.Second)
	require.NoError(t, g.Acquire(context.Background(), ChannelImageAPI))
	assert.InDelta(t, 0.625, g.Rate(ChannelImageAPI), 1e-9)

	// Many clean minutes: restored up to the ceiling, never beyond.
	now = now.Add(60 * time.Minute)
	require.NoError(t, g.Acquire(context.Background(), ChannelImageAPI))
	assert.Equal(t, 2.0, g.Rate(ChannelImageAPI))
}

func TestAcquireSlot_BoundsConcurrency(t *testing.T) {
	g := testGovernor()

	ctx := context.Background()

	require.NoError(t, g.AcquireSlot(ctx))
	require.NoError(t, g.AcquireSlot(ctx))

	// Third slot blocks until one is released.
	blocked, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()

	err := g.AcquireSlot(blocked)
	assert.Error(t, err)

	g.ReleaseSlot()
	require.NoError(t, g.AcquireSlot(ctx))
}
