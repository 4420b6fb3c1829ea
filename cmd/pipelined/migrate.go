package main

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/orchestrix/pipeline/internal/config"
	"github.com/orchestrix/pipeline/internal/logging"
	"github.com/orchestrix/pipeline/internal/migrations"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			db, err := sql.Open("postgres", cfg.Database.DSN)
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer db.Close()

			logger := logging.NewOperational(false)
			runner := migrations.NewRunner(db, logger)
			if err := runner.Up(context.Background()); err != nil {
				return fmt.Errorf("run migrations: %w", err)
			}

			logger.Info("migrations up to date")
			return nil
		},
	}
}
