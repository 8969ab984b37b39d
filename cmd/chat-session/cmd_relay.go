package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/weiawesome/wes-io-live/chat-session/internal/config"
	"github.com/weiawesome/wes-io-live/chat-session/internal/history"
	"github.com/weiawesome/wes-io-live/chat-session/internal/metrics"
	"github.com/weiawesome/wes-io-live/chat-session/internal/relay"
	"github.com/weiawesome/wes-io-live/chat-session/pkg/jwt"
)

func init() {
	rootCmd.AddCommand(relayCmd)
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the realtime chat relay and history API",
	RunE:  runRelay,
}

func openStore(cfg *config.Config) (history.Log, error) {
	switch cfg.Relay.Store {
	case "", "memory":
		return history.NewMemoryStore(), nil
	case "redis":
		return history.NewRedisStore(cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown relay store %q", cfg.Relay.Store)
	}
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(false)
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	var tokens *jwt.Manager
	if cfg.Relay.JWTSecret != "" {
		tokens = jwt.NewManager(cfg.Relay.JWTSecret, 24*time.Hour, "chat-relay")
	} else {
		logger.Warn().Msg("relay.jwt_secret is empty, joins are not authenticated")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := relay.NewServer(cfg, store, tokens, metrics.New(), logger)
	if err := srv.Run(ctx); err != nil {
		return err
	}
	logger.Info().Msg("relay exited")
	return nil
}
