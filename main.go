package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"hnharvest/internal/config"
	"hnharvest/internal/logger"
)

func main() {
	// Initialize structured logger
	log := slog.New(logger.NewContextHandler(slog.NewJSONHandler(os.Stdout, nil)))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(log).ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd(log *slog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "hnharvest",
		Short:         "Harvest the full Hacker News item history into Postgres",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newDispatchCmd(log),
		newWorkerCmd(log),
		newResetCmd(log),
		newReconcileCmd(log),
		newServeCmd(log),
	)
	return root
}

// loadConfig wraps config.Load so every command logs failures the same way.
func loadConfig(log *slog.Logger) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load config", "error", err)
		return nil, err
	}
	return cfg, nil
}
