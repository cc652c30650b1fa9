package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/civitai-downloader/civitai-go/internal/config"
	"github.com/civitai-downloader/civitai-go/internal/taskstore"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show task counts from the last run",
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadOrDefault(flagConfigPath)
	if err != nil {
		return exitWith(exitConfigError, err)
	}

	dbPath := filepath.Join(cfg.EffectiveRoot(), ".state", taskDBName)
	if _, err := os.Stat(dbPath); err != nil {
		return exitWith(exitConfigError, fmt.Errorf("no task store at %s", dbPath))
	}

	store, err := taskstore.Open(dbPath, buildLogger())
	if err != nil {
		return exitWith(exitConfigError, err)
	}
	defer store.Close()

	counts, err := store.CountByStatus(context.Background())
	if err != nil {
		return exitWith(exitConfigError, err)
	}

	out := cmd.OutOrStdout()

	if flagJSON {
		enc := json.NewEncoder(out)
		return enc.Encode(map[string]int{
			"pending":     counts.Pending,
			"in_flight":   counts.InFlight,
			"done":        counts.Done,
			"failed":      counts.Failed,
			"quarantined": counts.Quarantined,
			"skipped":     counts.Skipped,
			"total":       counts.Total(),
		})
	}

	fmt.Fprintf(out, "pending:     %d\n", counts.Pending)
	fmt.Fprintf(out, "in-flight:   %d\n", counts.InFlight)
	fmt.Fprintf(out, "done:        %d\n", counts.Done)
	fmt.Fprintf(out, "failed:      %d\n", counts.Failed)
	fmt.Fprintf(out, "quarantined: %d\n", counts.Quarantined)
	fmt.Fprintf(out, "skipped:     %d\n", counts.Skipped)
	fmt.Fprintf(out, "total:       %d\n", counts.Total())

	return nil
}
