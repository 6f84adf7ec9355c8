package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"
	"time"

	"loom/pkg/state"

	"github.com/spf13/cobra"
)

// runsConfig holds the filter flags for the runs command.
type runsConfig struct {
	repo  string
	stage string
	since time.Duration
	limit int
}

// newRunsCmd creates the "loom runs" subcommand.
func newRunsCmd() *cobra.Command {
	var (
		configPath string
		rc         runsConfig
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent stage runs",
		Long:  "Queries the run history recorded by the daemon, newest first.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadDaemonConfig(configPath)
			if err != nil {
				return err
			}
			store, err := state.Open(filepath.Join(cfg.DataDir, "state.db"))
			if err != nil {
				return fmt.Errorf("open state store: %w", err)
			}
			defer store.Close() //nolint:errcheck // read-only query

			return printRuns(cmd.Context(), cmd.OutOrStdout(), store, rc)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to config.toml (default ~/.loom/config.toml)")
	cmd.Flags().StringVar(&rc.repo, "repo", "", "filter by repository (owner/name)")
	cmd.Flags().StringVar(&rc.stage, "stage", "", "filter by stage (research, plan, implement)")
	cmd.Flags().DurationVar(&rc.since, "since", 0, "only show runs started within this window (e.g. 24h)")
	cmd.Flags().IntVar(&rc.limit, "limit", 30, "maximum number of runs to show")

	return cmd
}

// printRuns writes a table of run records to w.
func printRuns(ctx context.Context, w io.Writer, store *state.Store, rc runsConfig) error {
	filter := state.RunFilter{
		Repo:  rc.repo,
		Stage: rc.stage,
		Limit: rc.limit,
	}
	if rc.since > 0 {
		filter.Since = time.Now().Add(-rc.since)
	}

	records, err := store.GetRunRecords(ctx, filter)
	if err != nil {
		return fmt.Errorf("query runs: %w", err)
	}
	if len(records) == 0 {
		fmt.Fprintln(w, "no runs recorded")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tREPO\tTICKET\tSTAGE\tOUTCOME\tDURATION")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t#%d\t%s\t%s\t%s\n",
			r.StartedAt.Local().Format("2006-01-02 15:04"),
			r.Repo, r.Ticket, r.Stage,
			outcomeLabel(r), durationLabel(r))
	}
	return tw.Flush()
}

// outcomeLabel renders the outcome column, marking in-flight runs.
func outcomeLabel(r state.RunRecord) string {
	if r.Outcome == "" {
		return "running"
	}
	return r.Outcome
}

// durationLabel renders how long a run took, or how long it has been
// running so far.
func durationLabel(r state.RunRecord) string {
	end := r.CompletedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(r.StartedAt).Round(time.Second).String()
}
