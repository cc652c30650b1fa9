package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/civitai-downloader/civitai-go/internal/civitai"
	"github.com/civitai-downloader/civitai-go/internal/config"
	"github.com/civitai-downloader/civitai-go/internal/metadata"
	"github.com/civitai-downloader/civitai-go/internal/planner"
	"github.com/civitai-downloader/civitai-go/internal/ratelimit"
	"github.com/civitai-downloader/civitai-go/internal/taskstore"
)

const userAgent = "civitai-go/1.0"

// failedReportName is the machine-readable failure summary written at
// shutdown.
const failedReportName = "failed.txt"

// ErrTasksFailed is returned by Run when the batch finished but at least
// one task ended failed (resumable via --retry-failed).
var ErrTasksFailed = errors.New("engine: some tasks failed")

// Engine owns the full pipeline: enumeration, scheduling, download
// execution, and supervision, sharing one task store and one rate
// governor.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	store      *taskstore.Store
	client     *civitai.Client
	governor   *ratelimit.Governor
	planner    *planner.Planner
	filter     *BaseModelFilter
	emitter    *Emitter
	timeouts   *civitai.TimeoutTracker
	enumerator *Enumerator
	scheduler  *Scheduler
	supervisor *Supervisor
}

// New builds an engine over an opened task store.
func New(cfg *config.Config, store *taskstore.Store, logger *slog.Logger, sinks ...Sink) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	root := cfg.EffectiveRoot()
	plan := planner.New(root, config.TagMappings())

	filter, err := LoadBaseModelFilter(cfg.BaseModelFilterPath, logger)
	if err != nil {
		return nil, fmt.Errorf("engine: loading base model filter: %w", err)
	}

	governor := ratelimit.NewGovernor(ratelimit.Config{
		ModelAPIRPS:      cfg.Rate.ModelAPIRPS,
		ImageAPIRPS:      cfg.Rate.ImageAPIRPS,
		MaxConcurrentAPI: cfg.Rate.MaxConcurrentAPI,
	}, logger)

	httpClient := civitai.NewHTTPClient()

	// Enumeration runs outside the task store, so its client retries
	// transient failures itself. Task execution retries through the
	// scheduler's requeue path instead: the task client gets exactly one
	// HTTP attempt per task attempt, keeping the per-task ceiling at the
	// configured maximum.
	client := civitai.NewClient(cfg.APIBaseURL, httpClient, cfg.APIToken, userAgent, logger)
	client.SetMaxAttempts(cfg.Retry.MaxAttempts)

	taskClient := civitai.NewClient(cfg.APIBaseURL, httpClient, cfg.APIToken, userAgent, logger)
	taskClient.SetMaxAttempts(1)

	for _, c := range []*civitai.Client{client, taskClient} {
		c.SetAcquireHook(func(ctx context.Context, path string) error {
			return governor.Acquire(ctx, channelForPath(path))
		})
		c.SetThrottleHook(func(path string) {
			governor.Throttle(channelForPath(path))
		})
	}

	emitter := NewEmitter(sinks...)
	timeouts := civitai.NewTimeoutTracker()
	supervisor := NewSupervisor(governor, emitter, plan.StateDir(), logger)

	modelWorkers, imageWorkers := pipelineWorkers(cfg)

	scheduler := NewScheduler(store, governor, supervisor, emitter,
		cfg.Retry.MaxAttempts, modelWorkers, imageWorkers, logger)

	mat := metadata.New()
	fetcher := NewMetadataFetcher(taskClient, store, plan, mat, filter, governor, logger)
	downloader := NewDownloader(taskClient, store, plan, timeouts, emitter, cfg.SkipExisting, logger)

	scheduler.Register(taskstore.KindMetadataFetch, fetcher)
	scheduler.Register(taskstore.KindModelFile, downloader)
	scheduler.Register(taskstore.KindPreviewImage, downloader)
	scheduler.Register(taskstore.KindGalleryImage, downloader)
	scheduler.Register(taskstore.KindUserImage, downloader)

	supervisor.SetSafeModeFunc(scheduler.SetSafeMode)
	scheduler.SetFilterStats(filter.Stats)

	return &Engine{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		client:     client,
		governor:   governor,
		planner:    plan,
		filter:     filter,
		emitter:    emitter,
		timeouts:   timeouts,
		enumerator: NewEnumerator(client, store, plan, cfg.MaxUserImages, logger),
		scheduler:  scheduler,
		supervisor: supervisor,
	}, nil
}

// pipelineWorkers derives the per-pipeline worker counts from the
// configured concurrency budget: roughly one third to the model
// pipeline, the rest to images. Sequential mode runs one of each.
func pipelineWorkers(cfg *config.Config) (model, image int) {
	if !cfg.ParallelMode {
		return 1, 1
	}

	budget := cfg.MaxConcurrent
	if budget < 1 {
		budget = 1
	}

	model = budget / 3
	if model < 1 {
		model = 1
	}

	image = budget - model
	if image < 1 {
		image = 1
	}

	return model, image
}

// channelForPath maps an API request path to its rate channel.
func channelForPath(path string) ratelimit.Channel {
	if strings.Contains(path, "/images") {
		return ratelimit.ChannelImageAPI
	}

	return ratelimit.ChannelModelAPI
}

// Run executes a full batch: recover prior state, enumerate the inputs,
// drain the task store, report. Returns ErrHalted on emergency stop or
// critical failure, ErrTasksFailed when the batch finished with failed
// tasks.
func (e *Engine) Run(ctx context.Context, users []string, models []int64) error {
	if err := e.prepareDirs(); err != nil {
		return err
	}

	ScanOrphans(e.planner.Root(), e.logger)

	if e.cfg.Resume.Enabled {
		if _, err := e.store.Resume(ctx); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.supervisor.SetHaltFunc(cancel)

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()
		e.supervisor.Run(runCtx)
	}()

	err := e.runBatch(runCtx, users, models)

	cancel()
	wg.Wait()

	e.reportFilterStats()

	if reportErr := e.writeFailureReport(ctx); reportErr != nil {
		e.logger.Warn("writing failure report failed", slog.String("error", reportErr.Error()))
	}

	return e.resolveOutcome(ctx, err)
}

// runBatch enumerates the inputs and drains the store.
func (e *Engine) runBatch(ctx context.Context, users []string, models []int64) error {
	if err := e.enumerator.Run(ctx, users, models); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		return err
	}

	return e.scheduler.Run(ctx)
}

// resolveOutcome maps the run result and the final store counts onto
// the exit contract.
func (e *Engine) resolveOutcome(ctx context.Context, runErr error) error {
	if e.supervisor.Halted() {
		return fmt.Errorf("%w: %s", ErrHalted, e.supervisor.HaltReason())
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}

	counts, err := e.store.CountByStatus(ctx)
	if err != nil {
		return err
	}

	e.logger.Info("batch finished",
		slog.Int("done", counts.Done),
		slog.Int("skipped", counts.Skipped),
		slog.Int("failed", counts.Failed),
		slog.Int("quarantined", counts.Quarantined),
		slog.Int("pending", counts.Pending),
	)

	if counts.Failed > 0 {
		return fmt.Errorf("%w: %d tasks", ErrTasksFailed, counts.Failed)
	}

	if errors.Is(runErr, context.Canceled) {
		return runErr
	}

	return nil
}

// Emergency reports whether the run halted via the emergency stop
// sentinel.
func (e *Engine) Emergency() bool {
	return e.supervisor.Emergency()
}

// Counts returns the final task counts for the CLI summary.
func (e *Engine) Counts(ctx context.Context) (taskstore.Counts, error) {
	return e.store.CountByStatus(ctx)
}

// Close flushes the event emitter.
func (e *Engine) Close() {
	e.emitter.Close()
}

func (e *Engine) prepareDirs() error {
	for _, dir := range []string{e.planner.Root(), e.planner.StateDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("engine: creating %s: %w", dir, err)
		}
	}

	return nil
}

func (e *Engine) reportFilterStats() {
	if !e.filter.Active() {
		return
	}

	accepted, rejected := e.filter.Stats()

	e.emitter.Emit(Event{
		Type:           EventPipelineStats,
		FilterAccepted: accepted,
		FilterRejected: rejected,
	})

	e.logger.Info("base model filter summary",
		slog.Int64("accepted", accepted),
		slog.Int64("rejected", rejected),
	)
}

// writeFailureReport emits failed.txt: one tab-separated line per failed
// or quarantined task (id, kind, class, message). Removed when the
// batch had no failures.
func (e *Engine) writeFailureReport(ctx context.Context) error {
	target := filepath.Join(e.planner.Root(), failedReportName)

	failed, err := e.store.ListByStatus(ctx, taskstore.StatusFailed)
	if err != nil {
		return err
	}

	quarantined, err := e.store.ListByStatus(ctx, taskstore.StatusQuarantined)
	if err != nil {
		return err
	}

	all := append(failed, quarantined...)
	if len(all) == 0 {
		os.Remove(target)
		return nil
	}

	var b strings.Builder
	for _, t := range all {
		fmt.Fprintf(&b, "%s\t%s\t%s\t%s\n",
			t.ID, t.Kind, t.ErrorClass, sanitizeMessage(t.ErrorMessage))
	}

	return metadata.WriteFileAtomic(target, []byte(b.String()))
}

// sanitizeMessage keeps the report one line per task.
func sanitizeMessage(msg string) string {
	msg = strings.ReplaceAll(msg, "\n", " ")
	msg = strings.ReplaceAll(msg, "\t", " ")

	return msg
}
