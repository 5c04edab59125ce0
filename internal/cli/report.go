package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/brightmetrics/cohortsync/internal/engine"
	"github.com/brightmetrics/cohortsync/internal/store"
)

// ReportOptions holds flags for the report command.
type ReportOptions struct {
	*RootOptions
	Database string
	RunID    string
}

// NewReportCommand creates the report command.
func NewReportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Show the outcome of a past sync run",
		Long: `Print the report for a finished sync run: per-entity counters, skip
and error totals, and any anomalies recorded during the run.

Defaults to the most recent run; use --run to inspect a specific one.

Example:
  cohortsync report
  cohortsync report --run 01890a5d-ac96-774b-bcce-b302099a8057 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReport(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "run id to report on (defaults to latest)")

	return cmd
}

func runReport(opts *ReportOptions, cmd *cobra.Command) error {
	setupLogging(opts.RootOptions)

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	st, err := openStore(cmd.Context(), cfg, opts.Database)
	if err != nil {
		return err
	}
	defer closeStore(st)

	ctx := cmd.Context()
	var run *store.SyncRun
	if opts.RunID != "" {
		run, err = st.GetSyncRun(ctx, opts.RunID)
	} else {
		run, err = st.LatestSyncRun(ctx)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return NewExitError(ExitCommandError, "no matching sync run found")
		}
		return WrapExitError(ExitCommandError, "failed to load sync run", err)
	}

	return printReport(opts.RootOptions, cmd, engine.BuildReport(run))
}

// printRunReport renders a finished run in the requested format.
func printRunReport(opts *SyncOptions, cmd *cobra.Command, run *store.SyncRun) error {
	return printReport(opts.RootOptions, cmd, engine.BuildReport(run))
}

func printReport(opts *RootOptions, cmd *cobra.Command, rep engine.Report) error {
	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		b, err := rep.JSON()
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to render report", err)
		}
		fmt.Fprintln(out, string(b))
		return nil
	}
	fmt.Fprint(out, rep.Text())
	return nil
}
