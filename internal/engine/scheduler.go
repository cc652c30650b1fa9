package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/civitai-downloader/civitai-go/internal/civitai"
	"github.com/civitai-downloader/civitai-go/internal/ratelimit"
	"github.com/civitai-downloader/civitai-go/internal/taskstore"
)

const (
	idlePoll      = 200 * time.Millisecond
	monitorPoll   = 500 * time.Millisecond
	statsInterval = 5 * time.Second
)

// Executor runs one claimed task to completion or error.
type Executor interface {
	Execute(ctx context.Context, task *taskstore.Task) error
}

// pipeline is one scheduling lane with its own worker pool and task-kind
// affinity. The two pipelines never share permits, so saturation of one
// cannot stall the other.
type pipeline struct {
	name    string
	kinds   []taskstore.Kind
	workers int

	active atomic.Int32

	// safeMu serializes executions within the pipeline when hybrid safe
	// mode is on, collapsing its effective permit count to one.
	safeMu sync.Mutex
}

// Scheduler claims tasks FIFO from the store and dispatches them to the
// registered executors across the model and image pipelines.
type Scheduler struct {
	store      *taskstore.Store
	governor   *ratelimit.Governor
	supervisor *Supervisor
	events     *Emitter
	logger     *slog.Logger

	maxAttempts int
	executors   map[taskstore.Kind]Executor

	// filterStats feeds the base model filter counters into the
	// pipeline.stats emissions. May be nil.
	filterStats func() (accepted, rejected int64)

	model *pipeline
	image *pipeline

	safeMode atomic.Bool
}

// NewScheduler wires a scheduler with the given per-pipeline worker
// counts.
func NewScheduler(store *taskstore.Store, governor *ratelimit.Governor, supervisor *Supervisor, events *Emitter, maxAttempts, modelWorkers, imageWorkers int, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	if modelWorkers < 1 {
		modelWorkers = 1
	}

	if imageWorkers < 1 {
		imageWorkers = 1
	}

	return &Scheduler{
		store:       store,
		governor:    governor,
		supervisor:  supervisor,
		events:      events,
		logger:      logger,
		maxAttempts: maxAttempts,
		executors:   make(map[taskstore.Kind]Executor),
		model: &pipeline{
			name:    "model",
			kinds:   taskstore.ModelKinds,
			workers: modelWorkers,
		},
		image: &pipeline{
			name:    "image",
			kinds:   taskstore.ImageKinds,
			workers: imageWorkers,
		},
	}
}

// Register binds an executor to a task kind.
func (s *Scheduler) Register(kind taskstore.Kind, ex Executor) {
	s.executors[kind] = ex
}

// SetFilterStats registers the source of the filter counters carried on
// pipeline.stats events.
func (s *Scheduler) SetFilterStats(fn func() (accepted, rejected int64)) {
	s.filterStats = fn
}

// SetSafeMode toggles hybrid safe mode: both pipelines fall back to one
// execution at a time.
func (s *Scheduler) SetSafeMode(on bool) {
	s.safeMode.Store(on)

	s.logger.Info("scheduler safe mode changed", slog.Bool("on", on))
}

// Run drains the task store. It returns when no eligible work remains,
// the context is canceled, or the supervisor halts the run.
func (s *Scheduler) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		s.monitor(gctx, cancel)
		return nil
	})

	for _, p := range []*pipeline{s.model, s.image} {
		p := p
		for i := 0; i < p.workers; i++ {
			g.Go(func() error {
				s.worker(gctx, p)
				return nil
			})
		}
	}

	g.Wait()

	if s.supervisor.Halted() {
		return ErrHalted
	}

	return ctx.Err()
}

// monitor cancels the run when the store is drained and emits periodic
// pipeline stats.
func (s *Scheduler) monitor(ctx context.Context, cancel context.CancelFunc) {
	poll := time.NewTicker(monitorPoll)
	defer poll.Stop()

	stats := time.NewTicker(statsInterval)
	defer stats.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			counts, err := s.store.CountByStatus(ctx)
			if err != nil {
				continue
			}

			if counts.Remaining() == 0 {
				cancel()
				return
			}
		case <-stats.C:
			s.emitStats(ctx)
		}
	}
}

func (s *Scheduler) emitStats(ctx context.Context) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return
	}

	var errorRate float64
	if done := counts.Done + counts.Failed; done > 0 {
		errorRate = float64(counts.Failed) / float64(done)
	}

	var accepted, rejected int64
	if s.filterStats != nil {
		accepted, rejected = s.filterStats()
	}

	for _, p := range []*pipeline{s.model, s.image} {
		s.events.Emit(Event{
			Type:           EventPipelineStats,
			Pipeline:       p.name,
			Active:         int(p.active.Load()),
			Queued:         counts.Pending,
			ErrorRate:      errorRate,
			FilterAccepted: accepted,
			FilterRejected: rejected,
		})
	}
}

// worker claims and executes tasks for one pipeline until the run ends.
func (s *Scheduler) worker(ctx context.Context, p *pipeline) {
	for {
		if ctx.Err() != nil || s.supervisor.Halted() {
			return
		}

		tasks, err := s.store.Claim(ctx, p.kinds, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			s.logger.Error("claiming task failed", slog.String("error", err.Error()))

			if sleepErr := sleepFor(ctx, idlePoll); sleepErr != nil {
				return
			}

			continue
		}

		if len(tasks) == 0 {
			if sleepErr := sleepFor(ctx, idlePoll); sleepErr != nil {
				return
			}

			continue
		}

		s.runTask(ctx, p, tasks[0])
	}
}

// runTask executes one claimed task and records its outcome in the
// store.
func (s *Scheduler) runTask(ctx context.Context, p *pipeline, t *taskstore.Task) {
	if s.safeMode.Load() {
		p.safeMu.Lock()
		defer p.safeMu.Unlock()
	}

	p.active.Add(1)
	defer p.active.Add(-1)

	ex := s.executors[t.Kind]
	if ex == nil {
		s.completeTask(t, taskstore.StatusFailed, string(civitai.ClassUnknown),
			"no executor for kind "+string(t.Kind))

		return
	}

	err := ex.Execute(ctx, t)

	s.recordOutcome(ctx, t, err)
}

// recordOutcome maps an execution result to the task's next lifecycle
// state, applying the per-class retry policy.
func (s *Scheduler) recordOutcome(ctx context.Context, t *taskstore.Task, err error) {
	if err == nil {
		s.supervisor.Record(channelFor(t.Kind), nil)
		s.completeTask(t, taskstore.StatusDone, "", "")

		return
	}

	if se, ok := asSkip(err); ok {
		s.logger.Debug("task skipped", slog.String("id", t.ID), slog.String("reason", se.reason))
		s.completeTask(t, taskstore.StatusSkipped, "", se.reason)

		return
	}

	// Shutdown or drain cancellation: put the task back without charging
	// an attempt.
	if errors.Is(err, context.Canceled) {
		s.releaseTask(t)
		return
	}

	class := civitai.Classify(err)
	s.supervisor.Record(channelFor(t.Kind), err)

	if class == civitai.ClassRateLimit {
		s.governor.Throttle(apiChannelFor(t.Kind))
	}

	s.events.Emit(Event{
		Type:       EventDownloadFailed,
		TaskID:     t.ID,
		Kind:       string(t.Kind),
		ErrorClass: string(class),
		Message:    err.Error(),
		Attempt:    t.Attempts + 1,
	})

	switch {
	case class == civitai.ClassIntegrity:
		// Quarantine keys off the unbroken run of digest mismatches, not
		// the total attempt count: failures of other classes in between
		// reset the streak.
		if t.IntegrityAttempts+1 >= civitai.MaxIntegrityAttempts {
			s.completeTask(t, taskstore.StatusQuarantined, string(class), err.Error())
			return
		}

		s.requeueTask(t, 0, class, err)

	case class.Retryable() && t.Attempts+1 < s.maxAttempts:
		s.requeueTask(t, retryDelayFor(err, class, t.Attempts), class, err)

	default:
		s.logger.Warn("task failed",
			slog.String("id", t.ID),
			slog.String("kind", string(t.Kind)),
			slog.String("class", string(class)),
			slog.String("error", err.Error()),
		)

		s.completeTask(t, taskstore.StatusFailed, string(class), err.Error())
	}
}

func (s *Scheduler) completeTask(t *taskstore.Task, status taskstore.Status, class, msg string) {
	if err := s.store.Complete(context.Background(), t.ID, status, class, msg); err != nil {
		s.logger.Error("recording task completion failed",
			slog.String("id", t.ID), slog.String("error", err.Error()))
	}
}

func (s *Scheduler) requeueTask(t *taskstore.Task, delay time.Duration, class civitai.ErrorClass, cause error) {
	s.logger.Info("task requeued",
		slog.String("id", t.ID),
		slog.String("class", string(class)),
		slog.Int("attempt", t.Attempts+1),
		slog.Duration("delay", delay),
	)

	if err := s.store.Requeue(context.Background(), t.ID, delay, string(class), cause.Error()); err != nil {
		s.logger.Error("requeueing task failed",
			slog.String("id", t.ID), slog.String("error", err.Error()))
	}
}

func (s *Scheduler) releaseTask(t *taskstore.Task) {
	if err := s.store.Release(context.Background(), t.ID); err != nil {
		s.logger.Error("releasing task failed",
			slog.String("id", t.ID), slog.String("error", err.Error()))
	}
}

// retryDelayFor picks the backoff before the next attempt; a declared
// Retry-After wins for rate-limited responses.
func retryDelayFor(err error, class civitai.ErrorClass, attempt int) time.Duration {
	if class == civitai.ClassRateLimit {
		var apiErr *civitai.APIError
		if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
			return apiErr.RetryAfter
		}
	}

	return civitai.Backoff(class, attempt)
}

// sleepFor waits for d or until the context is canceled.
func sleepFor(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
