package engine

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/civitai-downloader/civitai-go/internal/civitai"
	"github.com/civitai-downloader/civitai-go/internal/ratelimit"
)

// Supervisor thresholds. Rates are evaluated over a one minute rolling
// window; the sample floor avoids tripping on the first failure of an
// idle window.
const (
	evalInterval       = 5 * time.Second
	emergencyPoll      = 2 * time.Second
	windowSeconds      = 60
	minWindowSamples   = 20
	timeoutRateLimit   = 0.01
	safeModeErrorRate  = 0.05
	safeModeSustain    = 3 * time.Minute
	criticalErrorRate  = 0.20
	maxConsecutiveFail = 3
	throttleCooldown   = time.Minute

	// EmergencyStopName is the sentinel file inside the state directory
	// whose presence aborts all pipelines.
	EmergencyStopName = "emergency_stop"
)

// Operating modes reported in supervisor.mode_changed events.
const (
	ModeNormal   = "normal"
	ModeSafe     = "safe"
	ModeCritical = "critical"
)

// bucket is one second of outcome counts.
type bucket struct {
	total    int
	errors   int
	timeouts int
}

// window is a per-second ring over the last minute.
type window struct {
	buckets [windowSeconds]bucket
	lastSec int64
}

func (w *window) advance(nowSec int64) {
	if w.lastSec == 0 {
		w.lastSec = nowSec
		return
	}

	gap := nowSec - w.lastSec
	if gap <= 0 {
		return
	}

	if gap >= windowSeconds {
		w.buckets = [windowSeconds]bucket{}
		w.lastSec = nowSec

		return
	}

	for s := w.lastSec + 1; s <= nowSec; s++ {
		w.buckets[s%windowSeconds] = bucket{}
	}

	w.lastSec = nowSec
}

func (w *window) record(nowSec int64, isErr, isTimeout bool) {
	w.advance(nowSec)

	b := &w.buckets[nowSec%windowSeconds]
	b.total++

	if isErr {
		b.errors++
	}

	if isTimeout {
		b.timeouts++
	}
}

func (w *window) rates(nowSec int64) (errRate, timeoutRate float64, total int) {
	w.advance(nowSec)

	var errs, timeouts int
	for _, b := range w.buckets {
		total += b.total
		errs += b.errors
		timeouts += b.timeouts
	}

	if total == 0 {
		return 0, 0, 0
	}

	return float64(errs) / float64(total), float64(timeouts) / float64(total), total
}

// Supervisor watches task outcomes over a rolling window and degrades
// the pipelines before sustained failure wastes the whole batch: halve
// a channel rate on timeouts, collapse to sequential safe mode on
// sustained errors, halt globally on critical error rates or the
// emergency stop sentinel.
type Supervisor struct {
	governor *ratelimit.Governor
	events   *Emitter
	logger   *slog.Logger
	stateDir string

	// setSafeMode collapses the scheduler pipelines to one permit each.
	setSafeMode func(bool)

	// onHalt cancels the engine's run context.
	onHalt func()

	mu           sync.Mutex
	global       window
	channels     map[ratelimit.Channel]*window
	lastThrottle map[ratelimit.Channel]time.Time
	errHighSince time.Time
	consecutive  int
	mode         string

	halted     atomic.Bool
	emergency  atomic.Bool
	haltReason string

	nowFunc func() time.Time
}

// NewSupervisor wires a supervisor. stateDir is where the emergency
// stop sentinel is watched.
func NewSupervisor(governor *ratelimit.Governor, events *Emitter, stateDir string, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}

	return &Supervisor{
		governor:     governor,
		events:       events,
		logger:       logger,
		stateDir:     stateDir,
		channels:     make(map[ratelimit.Channel]*window),
		lastThrottle: make(map[ratelimit.Channel]time.Time),
		mode:         ModeNormal,
		nowFunc:      time.Now,
	}
}

// SetSafeModeFunc registers the scheduler's safe mode switch.
func (s *Supervisor) SetSafeModeFunc(fn func(bool)) {
	s.setSafeMode = fn
}

// SetHaltFunc registers the cancel applied on global halt.
func (s *Supervisor) SetHaltFunc(fn func()) {
	s.onHalt = fn
}

// Record feeds one task outcome into the rolling windows. Canceled
// contexts are not outcomes.
func (s *Supervisor) Record(ch ratelimit.Channel, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}

	isErr := err != nil
	isTimeout := isErr && civitai.Classify(err) == civitai.ClassTimeout

	s.mu.Lock()
	defer s.mu.Unlock()

	nowSec := s.nowFunc().Unix()
	s.global.record(nowSec, isErr, isTimeout)

	w := s.channels[ch]
	if w == nil {
		w = &window{}
		s.channels[ch] = w
	}

	w.record(nowSec, isErr, isTimeout)

	if isErr {
		s.consecutive++
	} else {
		s.consecutive = 0
	}
}

// Halted reports whether a global halt is in effect.
func (s *Supervisor) Halted() bool {
	return s.halted.Load()
}

// Emergency reports whether the halt came from the emergency stop
// sentinel (exit code 3) rather than the failure-rate rules.
func (s *Supervisor) Emergency() bool {
	return s.emergency.Load()
}

// HaltReason returns the recorded halt reason, if any.
func (s *Supervisor) HaltReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.haltReason
}

// Run evaluates the degradation rules until ctx is done. The emergency
// stop sentinel is watched via fsnotify with a polling fallback.
func (s *Supervisor) Run(ctx context.Context) {
	evalTicker := time.NewTicker(evalInterval)
	defer evalTicker.Stop()

	pollTicker := time.NewTicker(emergencyPoll)
	defer pollTicker.Stop()

	var watchCh chan fsnotify.Event

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()

		if addErr := watcher.Add(s.stateDir); addErr == nil {
			watchCh = make(chan fsnotify.Event)

			go func() {
				for ev := range watcher.Events {
					select {
					case watchCh <- ev:
					case <-ctx.Done():
						return
					}
				}
			}()
		}
	} else {
		s.logger.Warn("fsnotify unavailable, polling only", slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-evalTicker.C:
			s.evaluate()
		case <-pollTicker.C:
			s.checkEmergencyStop()
		case ev := <-watchCh:
			if filepath.Base(ev.Name) == EmergencyStopName {
				s.checkEmergencyStop()
			}
		}
	}
}

// checkEmergencyStop halts everything when the sentinel file exists.
func (s *Supervisor) checkEmergencyStop() {
	if s.halted.Load() {
		return
	}

	sentinel := filepath.Join(s.stateDir, EmergencyStopName)
	if _, err := os.Stat(sentinel); err != nil {
		return
	}

	s.emergency.Store(true)
	s.halt("emergency stop file present")
}

// evaluate applies the degradation rules to the current windows.
func (s *Supervisor) evaluate() {
	if s.halted.Load() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	nowSec := now.Unix()

	for ch, w := range s.channels {
		_, timeoutRate, total := w.rates(nowSec)
		if total < minWindowSamples || timeoutRate <= timeoutRateLimit {
			continue
		}

		if now.Sub(s.lastThrottle[ch]) < throttleCooldown {
			continue
		}

		s.lastThrottle[ch] = now
		s.governor.Throttle(ch)

		s.logger.Warn("timeout rate above threshold, channel throttled",
			slog.String("channel", string(ch)),
			slog.Float64("timeout_rate", timeoutRate),
		)
	}

	errRate, _, total := s.global.rates(nowSec)

	if s.consecutive >= maxConsecutiveFail {
		s.haltLocked("consecutive failures reached limit")
		return
	}

	if total < minWindowSamples {
		return
	}

	if errRate > criticalErrorRate {
		s.haltLocked("error rate critical")
		return
	}

	if errRate > safeModeErrorRate {
		if s.errHighSince.IsZero() {
			s.errHighSince = now
		} else if now.Sub(s.errHighSince) >= safeModeSustain && s.mode == ModeNormal {
			s.enterSafeModeLocked(errRate)
		}

		return
	}

	s.errHighSince = time.Time{}
}

// enterSafeModeLocked collapses both pipelines to one permit. Safe mode
// is sticky for the rest of the run. Caller holds s.mu.
func (s *Supervisor) enterSafeModeLocked(errRate float64) {
	s.mode = ModeSafe

	if s.setSafeMode != nil {
		s.setSafeMode(true)
	}

	s.events.Emit(Event{
		Type:   EventSupervisorMode,
		From:   ModeNormal,
		To:     ModeSafe,
		Reason: "sustained error rate",
	})

	s.logger.Warn("entering hybrid safe mode",
		slog.Float64("error_rate", errRate))
}

func (s *Supervisor) halt(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.haltLocked(reason)
}

// haltLocked raises the global halt. Caller holds s.mu.
func (s *Supervisor) haltLocked(reason string) {
	if s.halted.Load() {
		return
	}

	from := s.mode
	s.mode = ModeCritical
	s.haltReason = reason
	s.halted.Store(true)

	s.events.Emit(Event{
		Type:   EventSupervisorMode,
		From:   from,
		To:     ModeCritical,
		Reason: reason,
	})

	s.logger.Error("global halt", slog.String("reason", reason))

	if s.onHalt != nil {
		s.onHalt()
	}
}

// ScanOrphans walks the destination tree for leftover .tmp files from a
// previous run. Zero-length partials are deleted; resumable ones are
// kept for their still-pending tasks. The state directory is skipped.
func ScanOrphans(root string, logger *slog.Logger) (kept, removed int) {
	stateDir := filepath.Join(root, ".state")

	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}

		if d.IsDir() {
			if path == stateDir {
				return filepath.SkipDir
			}

			return nil
		}

		if !strings.HasSuffix(d.Name(), tmpSuffix) {
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}

		if info.Size() == 0 {
			os.Remove(path)
			removed++

			return nil
		}

		kept++
		logger.Info("keeping resumable partial file",
			slog.String("path", path),
			slog.Int64("bytes", info.Size()),
		)

		return nil
	})

	if removed > 0 {
		logger.Info("removed empty partial files", slog.Int("count", removed))
	}

	return kept, removed
}
