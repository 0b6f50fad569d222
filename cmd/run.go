package cmd

import (
	"log"

	"github.com/spf13/cobra"
	"github.com/tuimorsa/stationmaster/stationmaster"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the Stationmaster bot and (optionally) the admin API",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			sm, err := stationmaster.New(cfg)
			if err != nil {
				log.Fatalf("error creating stationmaster: %s", err.Error())
			}

			if err = sm.Run(ctx); err != nil {
				log.Fatalf("error running stationmaster: %s", err.Error())
			}
		},
	}
)

func init() {
	rootCmd.AddCommand(runCmd)
}
