package cmd

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/casspangell/drone-choir-app-sub000/cache"
	"github.com/casspangell/drone-choir-app-sub000/config"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify Redis connectivity",
	Long:  `Connects to Redis with the configured settings and runs a set/get/del round trip.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()
		fmt.Printf("Redis: %s:%s, DB %d\n", cfg.RedisHost, cfg.RedisPort, cfg.RedisDB)

		if err := cache.ConnectRedis(cfg); err != nil {
			log.Fatalf("Redis connection failed: %v", err)
		}
		fmt.Println("Redis connection OK")

		if err := cache.TestRedis(); err != nil {
			log.Fatalf("Redis round trip failed: %v", err)
		}
		fmt.Println("Redis round trip OK")

		if err := cache.CloseRedis(); err != nil {
			log.Printf("error closing Redis connection: %v", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}
