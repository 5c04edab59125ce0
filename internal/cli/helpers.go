package cli

import (
	"context"
	"log/slog"
	"os"

	"github.com/brightmetrics/cohortsync/internal/config"
	"github.com/brightmetrics/cohortsync/internal/store"
	"github.com/brightmetrics/cohortsync/internal/store/postgres"
	"github.com/brightmetrics/cohortsync/internal/store/sqlite"
)

// setupLogging configures the process-wide slog default based on --verbose.
func setupLogging(opts *RootOptions) {
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// loadConfig loads the config from --config or the default location.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	path := opts.ConfigPath
	if path == "" {
		path = config.DefaultPath
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, nil
}

// openStore opens the configured store backend. dbOverride, when non-empty,
// replaces the sqlite path from the config.
func openStore(ctx context.Context, cfg *config.Config, dbOverride string) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		st, err := postgres.Open(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open postgres store", err)
		}
		return st, nil
	default:
		path := cfg.Store.Path
		if dbOverride != "" {
			path = dbOverride
		}
		st, err := sqlite.Open(path)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open database", err)
		}
		return st, nil
	}
}

// closeStore closes the store, logging rather than failing on error.
func closeStore(st store.Store) {
	if err := st.Close(); err != nil {
		slog.Error("error closing store", "error", err)
	}
}
