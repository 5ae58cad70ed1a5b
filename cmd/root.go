package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/imagefilter/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "imagefilter",
	Short: "Incremental disaster-imagery ingestion pipeline",
	Long:  "Filters social-media images attached to disaster events through a relevance and a type classifier, and keeps a per-event running average of accepted confidences.",
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
