// Package cmd holds the dronechoir command-line entry points.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/casspangell/drone-choir-app-sub000/server"
)

var rootCmd = &cobra.Command{
	Use:   "dronechoir",
	Short: "Drone choir synchronized playback engine",
	Long: `Drone choir runs a distributed ensemble of voice clients rendering
synchronized long tones under one authoritative controller. Run "server"
for the hub, "voice" for a playback client.`,
	Run: func(cmd *cobra.Command, args []string) {
		// Bare invocation runs the hub.
		server.Start()
	},
}

// Execute executes the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
