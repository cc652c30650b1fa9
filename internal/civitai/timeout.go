package civitai

import (
	"sync"
	"time"
)

// Adaptive timeout parameters: total = max(base, sizeMB × perMB × (1 +
// recent timeout rate)). The rate is the timeout fraction of the last
// timeoutWindow downloads.
const (
	timeoutBase   = 30 * time.Second
	timeoutPerMB  = 2 * time.Second
	timeoutWindow = 100
)

// TimeoutTracker computes adaptive total timeouts for file transfers from
// a sliding window of recent outcomes. Thread-safe.
type TimeoutTracker struct {
	mu     sync.Mutex
	ring   [timeoutWindow]bool
	idx    int
	filled int
}

// NewTimeoutTracker returns a tracker with an empty window (failure rate
// zero).
func NewTimeoutTracker() *TimeoutTracker {
	return &TimeoutTracker{}
}

// Record adds one download outcome to the window.
func (t *TimeoutTracker) Record(timedOut bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ring[t.idx] = timedOut
	t.idx = (t.idx + 1) % timeoutWindow

	if t.filled < timeoutWindow {
		t.filled++
	}
}

// TimeoutRate returns the fraction of recent downloads that timed out.
func (t *TimeoutTracker) TimeoutRate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.filled == 0 {
		return 0
	}

	count := 0
	for i := 0; i < t.filled; i++ {
		if t.ring[i] {
			count++
		}
	}

	return float64(count) / float64(t.filled)
}

// TotalTimeout returns the adaptive total deadline for a transfer of the
// given declared size. Unknown sizes (<= 0) get the base timeout.
func (t *TimeoutTracker) TotalTimeout(sizeBytes int64) time.Duration {
	if sizeBytes <= 0 {
		return timeoutBase
	}

	sizeMB := float64(sizeBytes) / (1024 * 1024)
	scaled := time.Duration(sizeMB * float64(timeoutPerMB) * (1 + t.TimeoutRate()))

	if scaled < timeoutBase {
		return timeoutBase
	}

	return scaled
}
