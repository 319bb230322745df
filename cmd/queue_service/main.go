package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aradsms/queue_services/internal/platform/config"
	"github.com/aradsms/queue_services/internal/platform/logger"
)

const serviceName = "queue_service"

// cli carries state shared by every subcommand once the root has loaded config.
type cli struct {
	cfg    *config.Config
	logger *slog.Logger
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c := &cli{}
	root := &cobra.Command{
		Use:           serviceName,
		Short:         "Walk-in queue ordering and SMS notification service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.logger = logger.New(cfg.LogLevel).With("service", serviceName)
			return nil
		},
	}
	root.AddCommand(
		c.serveCommand(),
		c.sweepCommand(),
		c.migrateCommand(),
	)

	if err := root.ExecuteContext(ctx); err != nil {
		slog.Error("Command failed", "service", serviceName, "error", err)
		os.Exit(1)
	}
}
