package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/brightmetrics/cohortsync/internal/engine"
	"github.com/brightmetrics/cohortsync/internal/metrics"
	"github.com/brightmetrics/cohortsync/internal/source"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Database    string
	DryRun      bool
	Period      string
	MetricsAddr string

	// RunIDGenerator allows overriding run id generation (for testing).
	// If nil, defaults to UUIDv7Generator.
	RunIDGenerator engine.RunIDGenerator
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run a full synchronization against the assessment source",
		Long: `Fetch the complete student listing from the assessment source and
reconcile it into the durable store, then recompute statistics for the
current academic period.

Example:
  cohortsync sync --config cohortsync.yaml
  cohortsync sync --dry-run --period 2025/2026 --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "compute the full pipeline without writing")
	cmd.Flags().StringVar(&opts.Period, "period", "", "force the academic period instead of resolving from the clock")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address during the run")

	return cmd
}

func runSync(opts *SyncOptions, cmd *cobra.Command) error {
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

	src := source.New(cfg.Source.BaseURL,
		source.WithToken(cfg.Token()),
		source.WithPageSize(cfg.Source.PageSize),
		source.WithWorkers(cfg.Source.Workers),
		source.WithRetryPolicy(source.RetryPolicy{
			MaxAttempts: cfg.Source.Retry.MaxAttempts,
			BackoffBase: cfg.Source.Retry.BackoffBase(),
			Multiplier:  2,
			MaxBackoff:  cfg.Source.Retry.MaxBackoff(),
		}),
	)

	engOpts := []engine.Option{
		engine.WithRegionMode(mode),
		engine.WithCutoff(cfg.Cutoff()),
	}
	if opts.RunIDGenerator != nil {
		engOpts = append(engOpts, engine.WithRunIDGenerator(opts.RunIDGenerator))
	}

	// Setup signal handling for graceful shutdown.
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, aborting run", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	metricsAddr := opts.MetricsAddr
	if metricsAddr == "" {
		metricsAddr = cfg.MetricsAddr
	}
	if metricsAddr != "" {
		rec := metrics.NewRecorder()
		engOpts = append(engOpts, engine.WithMetrics(rec))
		go func() {
			if err := metrics.Serve(ctx, metricsAddr, rec); err != nil {
				slog.Error("metrics listener failed", "addr", metricsAddr, "error", err)
			}
		}()
	}

	eng := engine.New(st, src, engOpts...)
	run, err := eng.Run(ctx, engine.RunOptions{
		PeriodOverride: opts.Period,
		DryRun:         opts.DryRun,
	})
	if err != nil {
		var syncErr *engine.SyncError
		if errors.As(err, &syncErr) && syncErr.Code == engine.ErrCodeLockHeld {
			return WrapExitError(ExitFailure, "run lock held", err)
		}
		// A failed run still produced a report worth showing.
		if run != nil {
			printRunReport(opts, cmd, run)
		}
		return WrapExitError(ExitFailure, "sync failed", err)
	}

	if err := printRunReport(opts, cmd, run); err != nil {
		return err
	}
	// Skips do not fail the run, but they must never pass unnoticed.
	if run.TotalSkipped() > 0 || run.TotalErrored() > 0 {
		slog.Warn("run completed with dropped records",
			"skipped", run.TotalSkipped(), "errored", run.TotalErrored())
	}
	return nil
}
