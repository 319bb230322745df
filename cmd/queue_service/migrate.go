package main

import (
	"github.com/spf13/cobra"

	"github.com/aradsms/queue_services/internal/platform/database"
)

func (c *cli) migrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back database migrations",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(*cobra.Command, []string) error {
			return database.MigrateUp(c.cfg.PostgresDSN, c.logger)
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(*cobra.Command, []string) error {
			return database.MigrateDown(c.cfg.PostgresDSN, steps, c.logger)
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	cmd.AddCommand(up, down)
	return cmd
}
