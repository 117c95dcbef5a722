package main

import (
	"github.com/spf13/cobra"

	"github.com/mauv0809/snapval/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireDatabaseURL(); err != nil {
			return err
		}
		if err := db.RunMigrations(cfg.DatabaseURL); err != nil {
			return err
		}
		logg.Info("Migrations completed")
		return nil
	},
}
