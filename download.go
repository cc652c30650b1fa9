package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/civitai-downloader/civitai-go/internal/config"
	"github.com/civitai-downloader/civitai-go/internal/engine"
	"github.com/civitai-downloader/civitai-go/internal/taskstore"
)

// taskDBName is the task store file inside <root>/.state/.
const taskDBName = "tasks.db"

// downloadFlags holds the per-invocation flag values for the download
// command.
type downloadFlags struct {
	token         string
	output        string
	testMode      bool
	usersFile     string
	modelsFile    string
	users         []string
	models        []string
	maxConcurrent int
	sequential    bool
	skipExisting  bool
	filterFile    string
	maxUserImages int
	retryFailed   bool
}

func newDownloadCmd() *cobra.Command {
	var flags downloadFlags

	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download models and images for the configured inputs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDownload(cmd, &flags)
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.token, "token", "", "Civitai API token (or CIVITAI_API_TOKEN)")
	f.StringVar(&flags.output, "output", "", "destination root directory")
	f.BoolVar(&flags.testMode, "test", false, "download into ./test_downloads instead of the configured root")
	f.StringVar(&flags.usersFile, "users-file", "", "file listing user handles or profile URLs, one per line")
	f.StringVar(&flags.modelsFile, "models-file", "", "file listing model ids or URLs, one per line")
	f.StringArrayVar(&flags.users, "user", nil, "user handle or profile URL (repeatable)")
	f.StringArrayVar(&flags.models, "model", nil, "model id or URL (repeatable)")
	f.IntVar(&flags.maxConcurrent, "max-concurrent", 0, "total concurrent download budget")
	f.BoolVar(&flags.sequential, "sequential", false, "disable parallel pipelines")
	f.BoolVar(&flags.skipExisting, "skip-existing", false, "trust existing files by name without re-verifying")
	f.StringVar(&flags.filterFile, "filter-file", "", "base model whitelist file")
	f.IntVar(&flags.maxUserImages, "max-user-images", 0, "cap on posted images fetched per user")
	f.BoolVar(&flags.retryFailed, "retry-failed", false, "revive failed tasks from the previous run")

	return cmd
}

func runDownload(cmd *cobra.Command, flags *downloadFlags) error {
	cfg, err := resolveConfig(cmd, flags)
	if err != nil {
		return exitWith(exitConfigError, err)
	}

	users, models, err := resolveInputs(cfg, flags)
	if err != nil {
		return exitWith(exitConfigError, err)
	}

	if len(users) == 0 && len(models) == 0 && !flags.retryFailed {
		return exitWith(exitConfigError,
			errors.New("no inputs: provide --user/--model, list files, configured inputs, or --retry-failed"))
	}

	logger := buildLogger()
	ctx := shutdownContext(context.Background(), logger)

	stateDir := filepath.Join(cfg.EffectiveRoot(), ".state")
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return exitWith(exitConfigError, fmt.Errorf("creating state dir: %w", err))
	}

	store, err := taskstore.Open(filepath.Join(stateDir, taskDBName), logger)
	if err != nil {
		return exitWith(exitConfigError, err)
	}
	defer store.Close()

	if flags.retryFailed {
		revived, retryErr := store.RetryFailed(ctx)
		if retryErr != nil {
			return exitWith(exitConfigError, retryErr)
		}

		logger.Info("revived failed tasks", "count", revived)
	}

	sinks := buildSinks()

	eng, err := engine.New(cfg, store, logger, sinks...)
	if err != nil {
		return exitWith(exitConfigError, err)
	}
	defer eng.Close()

	runErr := eng.Run(ctx, users, models)

	closeSinks(sinks)
	printSummary(cmd, eng)

	switch {
	case runErr == nil:
		return nil
	case errors.Is(runErr, engine.ErrHalted) && eng.Emergency():
		return exitWith(exitEmergencyStop, runErr)
	case errors.Is(runErr, engine.ErrHalted),
		errors.Is(runErr, engine.ErrTasksFailed),
		errors.Is(runErr, context.Canceled):
		return exitWith(exitTasksFailed, runErr)
	default:
		return exitWith(exitConfigError, runErr)
	}
}

// resolveConfig loads the config file and applies the flag overrides on
// top, flags winning.
func resolveConfig(cmd *cobra.Command, flags *downloadFlags) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(flagConfigPath)
	if err != nil {
		return nil, err
	}

	set := cmd.Flags().Changed

	if set("token") {
		cfg.APIToken = flags.token
	}

	if set("output") {
		cfg.OutputRoot = flags.output
	}

	if set("test") {
		cfg.TestMode = flags.testMode
	}

	if set("max-concurrent") {
		cfg.MaxConcurrent = flags.maxConcurrent
	}

	if flags.sequential {
		cfg.ParallelMode = false
	}

	if set("skip-existing") {
		cfg.SkipExisting = flags.skipExisting
	}

	if set("filter-file") {
		cfg.BaseModelFilterPath = flags.filterFile
	}

	if set("max-user-images") {
		cfg.MaxUserImages = flags.maxUserImages
	}

	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// resolveInputs merges the config file inputs, list files, and repeated
// flags, then normalizes every entry.
func resolveInputs(cfg *config.Config, flags *downloadFlags) (users []string, models []int64, err error) {
	userEntries := append([]string(nil), cfg.Inputs.Users...)
	userEntries = append(userEntries, flags.users...)

	if flags.usersFile != "" {
		fromFile, readErr := config.ParseListFile(flags.usersFile)
		if readErr != nil {
			return nil, nil, readErr
		}

		userEntries = append(userEntries, fromFile...)
	}

	modelEntries := append([]string(nil), cfg.Inputs.Models...)
	modelEntries = append(modelEntries, flags.models...)

	if flags.modelsFile != "" {
		fromFile, readErr := config.ParseListFile(flags.modelsFile)
		if readErr != nil {
			return nil, nil, readErr
		}

		modelEntries = append(modelEntries, fromFile...)
	}

	seenUsers := make(map[string]bool)

	for _, entry := range userEntries {
		handle, normErr := config.NormalizeUserEntry(entry)
		if normErr != nil {
			return nil, nil, normErr
		}

		if !seenUsers[handle] {
			seenUsers[handle] = true
			users = append(users, handle)
		}
	}

	seenModels := make(map[int64]bool)

	for _, entry := range modelEntries {
		id, normErr := config.NormalizeModelEntry(entry)
		if normErr != nil {
			return nil, nil, normErr
		}

		if !seenModels[id] {
			seenModels[id] = true
			models = append(models, id)
		}
	}

	return users, models, nil
}

// buildSinks picks the event sinks for this invocation: JSON lines when
// requested, a progress bar on interactive terminals, nothing otherwise.
func buildSinks() []engine.Sink {
	if flagJSON {
		return []engine.Sink{newJSONSink(os.Stdout)}
	}

	if !flagQuiet && isatty.IsTerminal(os.Stdout.Fd()) {
		return []engine.Sink{newProgressSink()}
	}

	return nil
}

func closeSinks(sinks []engine.Sink) {
	for _, s := range sinks {
		if c, ok := s.(interface{ Close() }); ok {
			c.Close()
		}
	}
}

func printSummary(cmd *cobra.Command, eng *engine.Engine) {
	counts, err := eng.Counts(context.Background())
	if err != nil {
		return
	}

	fmt.Fprintf(cmd.OutOrStdout(),
		"done %d, skipped %d, failed %d, quarantined %d, pending %d\n",
		counts.Done, counts.Skipped, counts.Failed, counts.Quarantined, counts.Pending)
}
