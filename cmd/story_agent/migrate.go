package main

import (
	"fmt"

	"github.com/jonathan/storyforge/internal/db"
	"github.com/jonathan/storyforge/migrations"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Long:  `Apply the embedded SQL migrations for the event log and container tables to database_url.`,
	Args:  cobra.NoArgs,
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database_url is required (set DATABASE_URL or database_url in --config)")
	}

	database, err := db.Connect(cmd.Context(), cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := database.RunMigrations(cmd.Context(), migrations.FS); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
	return nil
}
