package cmd

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/casspangell/drone-choir-app-sub000/core/auth"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen <director-key>",
	Short: "Hash a director key for configuration",
	Long:  `Prints the bcrypt hash of a director key, suitable for DIRECTOR_KEY_HASH.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		hash, err := auth.HashDirectorKey(args[0])
		if err != nil {
			log.Fatalf("failed to hash key: %v", err)
		}
		fmt.Println(hash)
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}
