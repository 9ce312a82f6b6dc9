package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nucleus/imageindex/internal/config"
	"github.com/nucleus/imageindex/internal/logging"
)

var (
	// Global flags
	configPath string
	logLevel   string
	bucket     string

	globalConfig *config.Config
	logger       *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "imageindex",
	Short: "Sync an image directory into object storage and search it by similarity",
	Long: `imageindex keeps a directory of images mirrored in an object store,
records every image in a pgvector-backed metadata table, embeds each image
with the configured provider, and answers nearest-neighbor queries.

Configuration comes from an optional YAML file (--config) overlaid by
IMAGEINDEX_* environment variables and DATABASE_URL.

Examples:
  # Mirror ./images into the "photos" bucket and embed everything
  imageindex sync --bucket photos

  # Images most like a.jpg
  imageindex neighbors a.jpg --limit 10

  # Serve the HTTP API
  imageindex serve`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if bucket != "" {
			cfg.Bucket = bucket
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		globalConfig = cfg

		logger, err = logging.New(cfg.Log.Level, cfg.Log.Format)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&bucket, "bucket", "b", "", "bucket identifier (overrides config)")
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
