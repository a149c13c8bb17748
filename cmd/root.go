package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/itzcole03/recompute-core/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "recompute-core",
	Short: "Provider resilience and adaptive recompute core",
	Long:  "Tracks upstream provider health, batches recompute events under load, keeps the prop/edge/ticket dependency index consistent and drives partial refreshes of optimization runs.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
