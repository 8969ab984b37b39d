package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/weiawesome/wes-io-live/chat-session/internal/config"
	"github.com/weiawesome/wes-io-live/chat-session/pkg/log"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "chat-session",
	Short:         "Realtime chat sessions and a development relay",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/config.yaml", "config file or directory")
}

// loadConfig reads the config and sets up the global logger. Interactive
// commands log to stderr.
func loadConfig(interactive bool) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load config: %w", err)
	}
	if interactive {
		cfg.Log.Stderr = true
	}
	log.Init(cfg.Log)
	return cfg, log.L(), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
