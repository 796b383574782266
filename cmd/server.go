package cmd

import (
	"github.com/spf13/cobra"

	"github.com/casspangell/drone-choir-app-sub000/server"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the choir hub",
	Long:  `Runs the hub: the websocket fan-out, the authoritative per-voice state store, and master arbitration.`,
	Run: func(cmd *cobra.Command, args []string) {
		server.Start()
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
