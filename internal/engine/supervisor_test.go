package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civitai-downloader/civitai-go/internal/ratelimit"
)

func newTestSupervisor(t *testing.T) (*Supervisor, *ratelimit.Governor) {
	t.Helper()

	gov := ratelimit.NewGovernor(ratelimit.Config{
		ModelAPIRPS:      0.5,
		ImageAPIRPS:      2.0,
		MaxConcurrentAPI: 2,
	}, discardLogger())

	events := NewEmitter()
	t.Cleanup(events.Close)

	return NewSupervisor(gov, events, t.TempDir(), discardLogger()), gov
}

func TestWindow_RatesOverLastMinute(t *testing.T) {
	w := &window{}

	sec := int64(1000)
	w.record(sec, false, false)
	w.record(sec, false, false)
	w.record(sec+1, true, false)
	w.record(sec+2, true, true)
	w.record(sec+3, false, false)

	errRate, timeoutRate, total := w.rates(sec + 3)
	assert.Equal(t, 5, total)
	assert.InDelta(t, 0.4, errRate, 1e-9)
	assert.InDelta(t, 0.2, timeoutRate, 1e-9)

	// Samples age out of the window entirely.
	errRate, timeoutRate, total = w.rates(sec + 120)
	assert.Zero(t, total)
	assert.Zero(t, errRate)
	assert.Zero(t, timeoutRate)
}

func TestSupervisor_ConsecutiveFailuresHalt(t *testing.T) {
	s, _ := newTestSupervisor(t)

	for i := 0; i < maxConsecutiveFail; i++ {
		s.Record(ratelimit.ChannelModelFile, errors.New("boom"))
	}

	s.evaluate()

	assert.True(t, s.Halted())
	assert.False(t, s.Emergency())
	assert.Equal(t, "consecutive failures reached limit", s.HaltReason())
}

func TestSupervisor_SuccessResetsConsecutiveCount(t *testing.T) {
	s, _ := newTestSupervisor(t)

	s.Record(ratelimit.ChannelModelFile, errors.New("boom"))
	s.Record(ratelimit.ChannelModelFile, errors.New("boom"))
	s.Record(ratelimit.ChannelModelFile, nil)
	s.Record(ratelimit.ChannelModelFile, errors.New("boom"))

	s.evaluate()

	assert.False(t, s.Halted())
}

func TestSupervisor_CriticalErrorRateHalts(t *testing.T) {
	s, _ := newTestSupervisor(t)

	// 66% errors with no run of three consecutive failures.
	for i := 0; i < 10; i++ {
		s.Record(ratelimit.ChannelModelFile, errors.New("boom"))
		s.Record(ratelimit.ChannelModelFile, errors.New("boom"))
		s.Record(ratelimit.ChannelModelFile, nil)
	}

	s.evaluate()

	assert.True(t, s.Halted())
	assert.Equal(t, "error rate critical", s.HaltReason())
}

func TestSupervisor_BelowSampleFloorNeverTrips(t *testing.T) {
	s, _ := newTestSupervisor(t)

	// 100% error rate, but too few samples and too few consecutive.
	s.Record(ratelimit.ChannelModelFile, errors.New("boom"))
	s.Record(ratelimit.ChannelModelFile, nil)
	s.Record(ratelimit.ChannelModelFile, errors.New("boom"))

	s.evaluate()

	assert.False(t, s.Halted())
}

func TestSupervisor_SustainedErrorsEnterSafeMode(t *testing.T) {
	s, _ := newTestSupervisor(t)

	now := time.Unix(1_700_000_000, 0)
	s.nowFunc = func() time.Time { return now }

	var safeMode bool
	s.SetSafeModeFunc(func(on bool) { safeMode = on })

	feed := func() {
		// Just under 10% errors, spread out: above the safe mode
		// threshold, below critical, never three in a row.
		for i := 0; i < 21; i++ {
			var err error
			if i == 5 || i == 12 {
				err = errors.New("boom")
			}

			s.Record(ratelimit.ChannelModelFile, err)
		}
	}

	feed()
	s.evaluate()
	assert.False(t, safeMode)

	// Still elevated after the sustain period: safe mode engages.
	now = now.Add(safeModeSustain + 5*time.Second)
	feed()
	s.evaluate()

	assert.True(t, safeMode)
	assert.False(t, s.Halted())
}

func TestSupervisor_TimeoutRateThrottlesChannel(t *testing.T) {
	s, gov := newTestSupervisor(t)

	for i := 0; i < 25; i++ {
		var err error
		if i == 5 || i == 15 {
			err = context.DeadlineExceeded
		}

		s.Record(ratelimit.ChannelModelAPI, err)
	}

	s.evaluate()

	assert.Equal(t, 0.25, gov.Rate(ratelimit.ChannelModelAPI))

	// Within the cooldown a second evaluation does not throttle again.
	s.evaluate()
	assert.Equal(t, 0.25, gov.Rate(ratelimit.ChannelModelAPI))
}

func TestSupervisor_EmergencyStopSentinel(t *testing.T) {
	s, _ := newTestSupervisor(t)

	// No sentinel: nothing happens.
	s.checkEmergencyStop()
	assert.False(t, s.Halted())

	require.NoError(t, os.WriteFile(filepath.Join(s.stateDir, EmergencyStopName), nil, 0o644))

	s.checkEmergencyStop()

	assert.True(t, s.Halted())
	assert.True(t, s.Emergency())
	assert.Equal(t, "emergency stop file present", s.HaltReason())
}

func TestSupervisor_HaltInvokesCancel(t *testing.T) {
	s, _ := newTestSupervisor(t)

	var canceled bool
	s.SetHaltFunc(func() { canceled = true })

	s.halt("testing halt")

	assert.True(t, canceled)
	assert.True(t, s.Halted())

	// A second halt keeps the first reason.
	s.halt("other reason")
	assert.Equal(t, "testing halt", s.HaltReason())
}

func TestSupervisor_RecordIgnoresCanceledContexts(t *testing.T) {
	s, _ := newTestSupervisor(t)

	for i := 0; i < 10; i++ {
		s.Record(ratelimit.ChannelModelFile, context.Canceled)
	}

	s.evaluate()

	assert.False(t, s.Halted())
}

func TestScanOrphans(t *testing.T) {
	root := t.TempDir()

	stateDir := filepath.Join(root, ".state")
	require.NoError(t, os.MkdirAll(stateDir, 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "models"), 0o755))

	empty := filepath.Join(root, "models", "a.safetensors.tmp")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))

	partial := filepath.Join(root, "models", "b.safetensors.tmp")
	require.NoError(t, os.WriteFile(partial, []byte("partial bytes"), 0o644))

	complete := filepath.Join(root, "models", "c.safetensors")
	require.NoError(t, os.WriteFile(complete, []byte("done"), 0o644))

	// Temp files under the state dir are not touched.
	stateTmp := filepath.Join(stateDir, "tasks.db.tmp")
	require.NoError(t, os.WriteFile(stateTmp, nil, 0o644))

	kept, removed := ScanOrphans(root, discardLogger())

	assert.Equal(t, 1, kept)
	assert.Equal(t, 1, removed)

	assert.False(t, fileExists(empty))
	assert.True(t, fileExists(partial))
	assert.True(t, fileExists(complete))
	assert.True(t, fileExists(stateTmp))
}
