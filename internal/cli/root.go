package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ppiankov/dropwatch/internal/config"
	"github.com/ppiankov/dropwatch/internal/logging"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "dropwatch",
	Short: "Reliable file consumer and producer",
	Long: `Polls directories, takes exclusive access to each file, hands it to a
route and moves, deletes or keeps it once processing commits. Files are written
out through a temp name and a rename so readers never see partial content.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config YAML (default "+config.DefaultConfigPath()+")")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolvedConfigPath is the file run and poll read and reload watches.
func resolvedConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the configuration and builds the logger it describes.
func loadConfig() (*config.Config, zerolog.Logger, io.Closer, error) {
	cfg, err := config.Load(resolvedConfigPath())
	if err != nil {
		return nil, zerolog.Nop(), nil, fmt.Errorf("load config: %w", err)
	}
	log, closer, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return nil, zerolog.Nop(), nil, err
	}
	return cfg, log, closer, nil
}
