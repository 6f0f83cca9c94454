package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/flowstep-io/flowstep/internal/fetch"
	"github.com/flowstep-io/flowstep/internal/logging"
	"github.com/flowstep-io/flowstep/internal/scheduler"
	"github.com/flowstep-io/flowstep/internal/store"
	"github.com/flowstep-io/flowstep/internal/substrate"
	"github.com/flowstep-io/flowstep/internal/validation"
	"github.com/flowstep-io/flowstep/pkg/mcp"
	"github.com/flowstep-io/flowstep/pkg/schema"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "flowstep:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	providers := fetch.NewRegistry()
	fetch.RegisterBuiltins(providers)

	local := substrate.NewLocal(st, providers, substrate.Config{
		PoolSize: cfg.PoolSize,
		Platform: schema.PlatformConfig{
			StudioURL: cfg.StudioURL,
			StoreURL:  cfg.StoreURL,
		},
		AuthToken: cfg.AuthToken,
		Debug:     cfg.Debug,
		Logger:    logger,
	})
	defer local.Shutdown()
	substrate.RegisterBuiltins(local)

	validator, err := validation.NewSpecValidator()
	if err != nil {
		return fmt.Errorf("build spec validator: %w", err)
	}

	specs, err := loadSpecs(cfg.SpecDir)
	if err != nil {
		return err
	}
	for _, spec := range specs {
		if err := validator.Validate(spec); err != nil {
			return fmt.Errorf("workflow %q: %w", spec.Name, err)
		}
		if err := checkProviders(spec, providers); err != nil {
			return fmt.Errorf("workflow %q: %w", spec.Name, err)
		}
		if err := local.RegisterWorkflow(spec); err != nil {
			return err
		}
		logger.Info("workflow loaded", slog.String("workflow", spec.Name))
	}

	if len(cfg.Schedules) > 0 {
		sched := scheduler.New(local, logger)
		for _, s := range cfg.Schedules {
			if err := sched.Add(s); err != nil {
				return fmt.Errorf("schedule for %q: %w", s.Workflow, err)
			}
		}
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer func() { _ = sched.Stop() }()
	}

	srv := mcp.NewFlowstepServer(mcp.ServerDeps{
		Substrate: local,
		Validator: validator,
		Logger:    logger,
	})
	logger.Info("flowstep ready", slog.Int("workflows", len(specs)))
	return srv.Serve(ctx)
}

// newLogger builds the process logger: JSON records on stderr with
// correlation IDs injected from the context.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
