package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via ldflags.
var version = "dev"

// Exit codes: full success, at least one failed (resumable) task,
// unrecoverable configuration or I/O error, emergency stop.
const (
	exitOK            = 0
	exitTasksFailed   = 1
	exitConfigError   = 2
	exitEmergencyStop = 3
)

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// exitCodeError carries an explicit process exit code out of a command.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string {
	if e.err == nil {
		return "exit"
	}

	return e.err.Error()
}

func (e *exitCodeError) Unwrap() error {
	return e.err
}

func exitWith(code int, err error) error {
	return &exitCodeError{code: code, err: err}
}

// newRootCmd builds the fully-assembled root command. Called once from
// main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "civitai-go",
		Short:   "Bulk downloader for Civitai models and images",
		Long:    "Downloads models, previews, and galleries from Civitai with resumable, verified transfers.",
		Version: version,
		// Silence cobra's default error/usage printing; main handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "emit events as JSON lines")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newDownloadCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// newVersionCmd prints the build version, mirroring the --version flag
// for scripts that prefer a subcommand.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the civitai-go version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "civitai-go %s\n", version)
			return nil
		},
	}
}

// buildLogger creates the slog logger from the verbosity flags. CLI
// flags always win.
func buildLogger() *slog.Logger {
	level := slog.LevelInfo

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
