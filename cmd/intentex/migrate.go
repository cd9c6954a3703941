package main

import (
	"github.com/Aidin1998/intentex/internal/database"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, zapLogger, err := bootstrap()
		if err != nil {
			return err
		}
		defer zapLogger.Sync()

		db, err := database.Open(cfg.Database, zapLogger)
		if err != nil {
			return err
		}
		svc := newServices(cfg, db, nil, zapLogger)
		if err := database.Migrate(svc.migrators()...); err != nil {
			return err
		}
		zapLogger.Info("Schema migrated", zap.String("driver", cfg.Database.Driver))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
