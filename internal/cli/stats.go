package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/brightmetrics/cohortsync/internal/engine"
	"github.com/brightmetrics/cohortsync/internal/period"
	"github.com/brightmetrics/cohortsync/internal/store"
)

// StatsOptions holds flags for the stats command.
type StatsOptions struct {
	*RootOptions
	Database  string
	Period    string
	Scope     string
	Recompute bool
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show aggregate statistics for an academic period",
		Long: `Display per-element cohort statistics for a scope and period.
With --recompute the statistic rows are rebuilt from the stored facts
first, without touching the facts themselves.

Example:
  cohortsync stats --period 2025/2026
  cohortsync stats --scope school:s-042 --recompute --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")
	cmd.Flags().StringVar(&opts.Period, "period", "", "academic period (defaults to the current one)")
	cmd.Flags().StringVar(&opts.Scope, "scope", engine.ScopeNational, `statistic scope ("national" or "school:<id>")`)
	cmd.Flags().BoolVar(&opts.Recompute, "recompute", false, "rebuild statistic rows from stored facts first")

	return cmd
}

// statView is the JSON shape for one statistic row.
type statView struct {
	Scope     string  `json:"scope"`
	Period    string  `json:"period"`
	Ordinal   int     `json:"ordinal"`
	Element   string  `json:"element"`
	Count     int64   `json:"count"`
	Mean      float64 `json:"mean"`
	StdDev    float64 `json:"stddev"`
	P25       float64 `json:"p25"`
	P50       float64 `json:"p50"`
	P75       float64 `json:"p75"`
	Histogram []int64 `json:"histogram"`
}

func runStats(opts *StatsOptions, cmd *cobra.Command) error {
	setupLogging(opts.RootOptions)

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	mode, err := cfg.Mode()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid period mode", err)
	}

	st, err := openStore(cmd.Context(), cfg, opts.Database)
	if err != nil {
		return err
	}
	defer closeStore(st)

	periodLabel := opts.Period
	if periodLabel == "" {
		periodLabel = period.Resolve(time.Now(), mode, cfg.Cutoff())
	}

	ctx := cmd.Context()
	if opts.Recompute {
		eng := engine.New(st, nil,
			engine.WithRegionMode(mode),
			engine.WithCutoff(cfg.Cutoff()))
		n, err := eng.RecomputeStatistics(ctx, periodLabel)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to recompute statistics", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "recomputed %d statistic rows for %s\n", n, periodLabel)
	}

	stats, err := st.ListStatistics(ctx, opts.Scope, periodLabel)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list statistics", err)
	}

	return printStats(opts, cmd, stats, periodLabel)
}

func printStats(opts *StatsOptions, cmd *cobra.Command, stats []store.CohortStatistic, periodLabel string) error {
	out := cmd.OutOrStdout()

	if opts.Format == "json" {
		views := make([]statView, 0, len(stats))
		for _, s := range stats {
			views = append(views, statView{
				Scope:   s.Scope,
				Period:  s.Period,
				Ordinal: s.Ordinal,
				Element: s.Element,
				Count:   s.Count,
				Mean:    s.Mean,
				StdDev:  s.StdDev,
				P25:     s.P25,
				P50:     s.P50,
				P75:     s.P75,
				Histogram: append([]int64(nil), s.Histogram[:]...),
			})
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	}

	if len(stats) == 0 {
		fmt.Fprintf(out, "no statistics for scope=%s period=%s\n", opts.Scope, periodLabel)
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Statistics scope=%s period=%s\n", opts.Scope, periodLabel)
	for _, s := range stats {
		fmt.Fprintf(&b, "  cycle %d %-10s n=%-5d mean=%6.2f stddev=%6.2f p25=%6.2f p50=%6.2f p75=%6.2f\n",
			s.Ordinal, s.Element, s.Count, s.Mean, s.StdDev, s.P25, s.P50, s.P75)
	}
	fmt.Fprint(out, b.String())
	return nil
}
