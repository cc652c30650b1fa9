// Package ratelimit implements the per-channel token-bucket admission
// control for API and file traffic, with adaptive backoff after throttled
// responses.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Channel is a logical rate-accounting bucket.
type Channel string

const (
	ChannelModelAPI  Channel = "model-api"
	ChannelImageAPI  Channel = "image-api"
	ChannelModelFile Channel = "model-file"
	ChannelImageFile Channel = "image-file"
)

// Adaptive feedback constants: a throttled response halves the refill
// rate; each minute of clean traffic restores it geometrically up to the
// configured ceiling.
const (
	throttleFactor = 0.5
	restoreFactor  = 1.25
	restorePeriod  = time.Minute
	minRate        = rate.Limit(0.05)
)

// channelState tracks one adaptive token bucket.
type channelState struct {
	limiter  *rate.Limiter
	ceiling  rate.Limit
	lastBump time.Time
}

// Governor owns one token bucket per API channel plus a shared concurrency
// permit for API requests. File channels have no token limit; their
// admission is the scheduler's pipeline permits.
type Governor struct {
	mu       sync.Mutex
	channels map[Channel]*channelState
	apiSem   *semaphore.Weighted
	logger   *slog.Logger
	nowFunc  func() time.Time
}

// Config holds the governor ceilings.
type Config struct {
	ModelAPIRPS      float64
	ImageAPIRPS      float64
	MaxConcurrentAPI int
}

// NewGovernor creates a governor with the configured per-channel ceilings.
func NewGovernor(cfg Config, logger *slog.Logger) *Governor {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.MaxConcurrentAPI < 1 {
		cfg.MaxConcurrentAPI = 1
	}

	g := &Governor{
		channels: map[Channel]*channelState{
			ChannelModelAPI: newChannel(cfg.ModelAPIRPS, 1),
			ChannelImageAPI: newChannel(cfg.ImageAPIRPS, 4),
		},
		apiSem:  semaphore.NewWeighted(int64(cfg.MaxConcurrentAPI)),
		logger:  logger,
		nowFunc: time.Now,
	}

	return g
}

func newChannel(rps float64, burst int) *channelState {
	limit := rate.Limit(rps)

	return &channelState{
		limiter:  rate.NewLimiter(limit, burst),
		ceiling:  limit,
		lastBump: time.Time{},
	}
}

// Acquire blocks until a token is available on the channel. File channels
// return immediately. A geometric restore step is applied lazily before
// waiting, so clean minutes raise a previously throttled rate.
func (g *Governor) Acquire(ctx context.Context, ch Channel) error {
	st := g.channel(ch)
	if st == nil {
		return nil
	}

	g.maybeRestore(ch, st)

	if err := st.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("ratelimit: acquiring %s token: %w", ch, err)
	}

	return nil
}

// AcquireSlot takes a shared API concurrency permit. It bounds how many
// API-heavy operations run at once, independently of the per-channel
// token buckets. Release with ReleaseSlot.
func (g *Governor) AcquireSlot(ctx context.Context) error {
	if err := g.apiSem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("ratelimit: acquiring api permit: %w", err)
	}

	return nil
}

// ReleaseSlot returns a shared API concurrency permit.
func (g *Governor) ReleaseSlot() {
	g.apiSem.Release(1)
}

// Throttle halves the refill rate of a channel after a 429/503. The rate
// never drops below minRate.
func (g *Governor) Throttle(ch Channel) {
	st := g.channel(ch)
	if st == nil {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	current := st.limiter.Limit()

	next := current * throttleFactor
	if next < minRate {
		next = minRate
	}

	st.limiter.SetLimit(next)
	st.lastBump = g.nowFunc()

	g.logger.Warn("channel rate throttled",
		slog.String("channel", string(ch)),
		slog.Float64("rate", float64(next)),
	)
}

// Rate returns the current refill rate of a channel, for stats emission.
func (g *Governor) Rate(ch Channel) float64 {
	st := g.channel(ch)
	if st == nil {
		return 0
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	return float64(st.limiter.Limit())
}

// maybeRestore applies one ×1.25 restore step per full clean minute since
// the last throttle or restore, capped at the ceiling.
func (g *Governor) maybeRestore(ch Channel, st *channelState) {
	g.mu.Lock()
	defer g.mu.Unlock()

	current := st.limiter.Limit()
	if current >= st.ceiling {
		return
	}

	now := g.nowFunc()
	if st.lastBump.IsZero() {
		st.lastBump = now
		return
	}

	steps := int(now.Sub(st.lastBump) / restorePeriod)
	if steps <= 0 {
		return
	}

	next := current
	for i := 0; i < steps; i++ {
		next *= restoreFactor
		if next >= st.ceiling {
			next = st.ceiling
			break
		}
	}

	st.limiter.SetLimit(next)
	st.lastBump = now

	g.logger.Info("channel rate restored",
		slog.String("channel", string(ch)),
		slog.Float64("rate", float64(next)),
	)
}

func (g *Governor) channel(ch Channel) *channelState {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.channels[ch]
}
