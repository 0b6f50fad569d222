package cmd

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"
	"github.com/tuimorsa/stationmaster/stationmaster"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and run migrations",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("Environment variable SM_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable SM_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}
		db, err := stationmaster.CreateDB(
			ctx,
			cfg.DatabaseType,
			cfg.Database,
			cfg.DatabaseSlowThreshold,
		)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}
		sqlDB, err := db.DB()
		if err == nil {
			defer func() {
				_ = sqlDB.Close()
			}()
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
