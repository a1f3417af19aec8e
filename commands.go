package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"hnharvest/internal/app"
	"hnharvest/internal/config"
	"hnharvest/internal/dispatcher"
	"hnharvest/internal/progress"
	"hnharvest/internal/worker"
)

func newDispatchCmd(log *slog.Logger) *cobra.Command {
	var (
		reset     bool
		workers   int
		inProcess bool
	)
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Seed the work queue and supervise workers until it drains",
		Long: `Seed the chunk queue up to the current max item id, launch the worker
processes and restart them on failure. Progress is persisted in the store, so
an interrupted harvest resumes where it stopped on the next run.

Examples:
  hnharvest dispatch
  hnharvest dispatch --workers 8
  hnharvest dispatch --reset`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(log)
			if err != nil {
				return err
			}
			if workers > 0 {
				cfg.WorkerCount = workers
			}
			return runDispatch(cmd.Context(), cfg, log, reset, inProcess)
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "clear the queue and every stored item before seeding")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "number of workers (default: WORKER_COUNT)")
	cmd.Flags().BoolVar(&inProcess, "in-process", false, "run workers as goroutines instead of child processes")
	return cmd
}

func runDispatch(ctx context.Context, cfg *config.Config, log *slog.Logger, reset, inProcess bool) error {
	deps, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		log.Error("bootstrap failed", "error", err)
		return err
	}
	defer deps.Close()

	a, err := app.New(cfg, deps.DB, deps.Events, log)
	if err != nil {
		return err
	}

	var launcher dispatcher.Launcher
	if inProcess {
		launcher = a.InProcessLauncher()
	} else {
		pl, err := dispatcher.NewProcessLauncher("worker")
		if err != nil {
			return err
		}
		launcher = pl
	}

	if cfg.StatusAddr != "" {
		serveCtx, stopServe := context.WithCancel(ctx)
		defer stopServe()
		go func() {
			if err := a.Run(serveCtx); err != nil {
				log.Warn("status server stopped", "error", err)
			}
		}()
	} else {
		log.Info("status server disabled")
	}

	if err := a.NewDispatcher(reset, launcher).Run(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Error("harvest failed", "error", err)
		}
		return err
	}
	return nil
}

func newWorkerCmd(log *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Claim and harvest chunks until the queue is drained",
		Hidden: true,
		Run: func(cmd *cobra.Command, _ []string) {
			cfg, err := loadConfig(log)
			if err != nil {
				os.Exit(worker.ExitFatal)
			}
			os.Exit(runWorker(cmd.Context(), cfg, log))
		},
	}
}

func runWorker(ctx context.Context, cfg *config.Config, log *slog.Logger) int {
	id := worker.Identity()
	log = log.With("worker_id", id, "slot", cfg.WorkerSlot)

	deps, err := app.Connect(ctx, cfg)
	if err != nil {
		log.Error("store unavailable", "error", err)
		return worker.ExitStoreUnavailable
	}
	defer deps.Close()

	a, err := app.New(cfg, deps.DB, deps.Events, log)
	if err != nil {
		log.Error("worker setup failed", "error", err)
		return worker.ExitFatal
	}

	err = a.NewWorker(id).Run(ctx)
	code := worker.ExitCode(err)
	if code != worker.ExitOK {
		log.Error("worker exiting", "exit_code", code, "error", err)
	}
	return code
}

func newResetCmd(log *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Clear the work queue, stored items and the failure ledger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(log)
			if err != nil {
				return err
			}
			deps, err := app.Bootstrap(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer deps.Close()

			a, err := app.New(cfg, deps.DB, deps.Events, log)
			if err != nil {
				return err
			}
			if err := a.Queue.Reset(cmd.Context()); err != nil {
				log.Error("reset failed", "error", err)
				return err
			}
			log.Info("work queue reset")
			return nil
		},
	}
}

func newReconcileCmd(log *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Refetch every id in the failure ledger once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(log)
			if err != nil {
				return err
			}
			deps, err := app.Bootstrap(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer deps.Close()

			a, err := app.New(cfg, deps.DB, deps.Events, log)
			if err != nil {
				return err
			}
			result, err := a.FailureService.Reconcile(cmd.Context())
			if err != nil {
				log.Error("reconcile failed", "error", err)
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
}

func newServeCmd(log *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve stats, failures, trends and metrics over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(log)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, log)
		},
	}
}

// run serves the status endpoints and keeps the progress gauges current.
func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	if cfg.StatusAddr == "" {
		log.Error("serve needs STATUS_ADDR")
		return app.ErrStatusDisabled
	}
	deps, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		log.Error("bootstrap failed", "error", err)
		return err
	}
	defer deps.Close()

	a, err := app.New(cfg, deps.DB, deps.Events, log)
	if err != nil {
		return err
	}

	go progress.Poll(ctx, a.Queue, cfg.ProgressInterval, a.Metrics)

	return a.Run(ctx)
}
