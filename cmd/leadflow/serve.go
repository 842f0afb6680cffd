package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/leadflow-ai/leadflow/internal/config"
	"github.com/leadflow-ai/leadflow/internal/engine"
	"github.com/leadflow-ai/leadflow/internal/queue"
	"github.com/leadflow-ai/leadflow/internal/security"
	"github.com/leadflow-ai/leadflow/internal/step"
	"github.com/leadflow-ai/leadflow/internal/store"
	"github.com/leadflow-ai/leadflow/internal/tool"
	"github.com/leadflow-ai/leadflow/internal/tool/builtins"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the workflow scheduler",
	Long: `Starts the scheduler loop: recovers persisted runs, then dispatches
queued runs on a fixed tick until interrupted. SIGINT and SIGTERM drain
in-flight runs before exiting.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg)

		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		eng, err := buildEngine(cfg, st, logger)
		if err != nil {
			return err
		}

		scheduler := queue.NewScheduler(st, eng,
			queue.WithLogger(logger),
			queue.WithTickInterval(time.Duration(cfg.Scheduler.TickSeconds)*time.Second),
			queue.WithConcurrency(cfg.Scheduler.Concurrency),
		)

		ctx := cmd.Context()
		if err := scheduler.Recover(ctx); err != nil {
			return err
		}

		err = scheduler.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

// openStore selects the backend from config.
func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.Database.Path == ":memory:" {
		return store.NewMemoryStore(), nil
	}
	return store.OpenSQLite(cfg.Database.Path)
}

// buildEngine wires the tool client, registries, and engine from config.
func buildEngine(cfg *config.Config, st store.Store, logger *slog.Logger) (*engine.Engine, error) {
	validatorOpts := []security.ValidatorOption{}
	if cfg.HTTP.AllowLoopback {
		validatorOpts = append(validatorOpts, security.WithAllowLoopback())
	}

	client := tool.NewSecureClient(
		tool.WithClientLogger(logger),
		tool.WithURLValidator(security.NewURLValidator(validatorOpts...)),
		tool.WithRateLimit(cfg.HTTP.RateLimitPerSecond, cfg.HTTP.RateLimitBurst),
	)

	tools := tool.NewRegistry(
		tool.WithLogger(logger),
		tool.WithHTTPClient(client),
	)
	if err := builtins.Register(tools); err != nil {
		return nil, err
	}

	steps := step.NewRegistry(step.WithLogger(logger))
	if err := step.RegisterBuiltins(steps); err != nil {
		return nil, err
	}

	return engine.New(st, steps, tools, engine.WithLogger(logger)), nil
}
