// Package relay is a small realtime chat server speaking the session wire
// protocol, with the paged history API next to it. It backs local runs and
// end-to-end tests of the session layer.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/weiawesome/wes-io-live/chat-session/internal/config"
	"github.com/weiawesome/wes-io-live/chat-session/internal/history"
	"github.com/weiawesome/wes-io-live/chat-session/internal/metrics"
	"github.com/weiawesome/wes-io-live/chat-session/pkg/jwt"
	"github.com/weiawesome/wes-io-live/chat-session/pkg/log"
	"github.com/weiawesome/wes-io-live/chat-session/pkg/middleware"
)

const shutdownTimeout = 5 * time.Second

type Server struct {
	Hub    *Hub
	router *gin.Engine
	addr   string
	logger zerolog.Logger
}

// NewServer wires the hub, websocket endpoint and history API. tokens may be
// nil to run without authentication.
func NewServer(cfg *config.Config, store history.Log, tokens *jwt.Manager, m *metrics.Metrics, logger zerolog.Logger) *Server {
	hub := NewHub(logger, m)

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(log.GinMiddleware(logger))

	ws := NewWSHandler(hub, store, tokens, cfg.Relay, cfg.WebSocket, m, logger)
	router.GET("/chat/ws", gin.WrapF(ws.HandleWebSocket))
	router.GET("/metrics", gin.WrapH(m.Handler()))

	NewHistoryHandler(store, middleware.NewAuthMiddleware(tokens)).RegisterRoutes(router)

	return &Server{
		Hub:    hub,
		router: router,
		addr:   fmt.Sprintf("%s:%d", cfg.Relay.Host, cfg.Relay.Port),
		logger: logger,
	}
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	go s.Hub.Run(ctx)

	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.addr).Msg("starting chat relay")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("relay server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info().Msg("shutting down chat relay")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("relay forced to shutdown: %w", err)
	}
	return nil
}
