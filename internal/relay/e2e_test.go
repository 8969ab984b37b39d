package relay_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weiawesome/wes-io-live/chat-session/internal/auth"
	"github.com/weiawesome/wes-io-live/chat-session/internal/config"
	"github.com/weiawesome/wes-io-live/chat-session/internal/domain"
	"github.com/weiawesome/wes-io-live/chat-session/internal/history"
	"github.com/weiawesome/wes-io-live/chat-session/internal/metrics"
	"github.com/weiawesome/wes-io-live/chat-session/internal/relay"
	"github.com/weiawesome/wes-io-live/chat-session/internal/session"
	"github.com/weiawesome/wes-io-live/chat-session/internal/transport"
	"github.com/weiawesome/wes-io-live/chat-session/pkg/jwt"
)

func startRelay(t *testing.T, cfg *config.Config, tokens *jwt.Manager) *httptest.Server {
	t.Helper()
	s := relay.NewServer(cfg, history.NewMemoryStore(), tokens, metrics.New(), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go s.Hub.Run(ctx)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return srv
}

func sessionDeps(cfg *config.Config, srv *httptest.Server, provider auth.Provider) session.Deps {
	return sessionDepsWithHistory(cfg, srv, provider, nil)
}

func sessionDepsWithHistory(cfg *config.Config, srv *httptest.Server, provider auth.Provider, token auth.TokenSource) session.Deps {
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/chat/ws"
	histCfg := cfg.History
	histCfg.BaseURL = srv.URL
	return session.Deps{
		Transport: transport.NewWSFactory(url, cfg.WebSocket, zerolog.Nop()),
		Auth:      provider,
		History:   history.NewHTTPClient(histCfg, nil).WithBearer(token),
		Logger:    zerolog.Nop(),
		Metrics:   metrics.New(),
	}
}

func TestSessionsChatThroughRelay(t *testing.T) {
	cfg := config.Default()
	tokens := jwt.NewManager("secret", time.Hour, "chat-relay")
	srv := startRelay(t, cfg, tokens)

	source := func(id string) auth.TokenSource {
		return func(context.Context) (string, error) { return tokens.Issue(id) }
	}
	deps := func(id string) session.Deps {
		return sessionDepsWithHistory(cfg, srv, auth.NewJWTProvider(source(id)), source(id))
	}
	room := domain.Room{ID: "lobby", Kind: domain.RoomGroup}

	alice := session.New(room, cfg, deps("alice"))
	t.Cleanup(alice.Close)
	bob := session.New(room, cfg, deps("bob"))
	t.Cleanup(bob.Close)

	require.NoError(t, alice.Start())
	require.NoError(t, bob.Start())
	require.Eventually(t, func() bool {
		return alice.Status() == domain.StatusActive && bob.Status() == domain.StatusActive
	}, 5*time.Second, 10*time.Millisecond)

	pending, err := alice.Send("hello bob")
	require.NoError(t, err)
	assert.Equal(t, domain.MessagePending, pending.State)

	var confirmed domain.Message
	require.Eventually(t, func() bool {
		msgs := alice.Snapshot().Messages
		if len(msgs) != 1 || msgs[0].State != domain.MessageConfirmed {
			return false
		}
		confirmed = msgs[0]
		return true
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, pending.ClientTempID, confirmed.ClientTempID)
	assert.Equal(t, "alice", confirmed.SenderID)

	require.Eventually(t, func() bool {
		msgs := bob.Snapshot().Messages
		return len(msgs) == 1 && msgs[0].ID == confirmed.ID
	}, 5*time.Second, 10*time.Millisecond)

	// A late joiner hydrates the stored message from the history API.
	carol := session.New(room, cfg, deps("carol"))
	t.Cleanup(carol.Close)
	require.NoError(t, carol.Start())
	require.Eventually(t, func() bool {
		msgs := carol.Snapshot().Messages
		return carol.Status() == domain.StatusActive && len(msgs) == 1 && msgs[0].ID == confirmed.ID
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSessionRejectedByRelayWithBadCredential(t *testing.T) {
	cfg := config.Default()
	srv := startRelay(t, cfg, jwt.NewManager("secret", time.Hour, "chat-relay"))

	forged := jwt.NewManager("other-secret", time.Hour, "chat-relay")
	token, err := forged.Issue("mallory")
	require.NoError(t, err)

	s := session.New(domain.Room{ID: "lobby", Kind: domain.RoomGroup}, cfg,
		sessionDeps(cfg, srv, auth.StaticProvider{Token: token, ParticipantID: "mallory"}))
	t.Cleanup(s.Close)
	require.NoError(t, s.Start())

	require.Eventually(t, func() bool { return s.Status() == domain.StatusError }, 5*time.Second, 10*time.Millisecond)
	snap := s.Snapshot()
	require.NotNil(t, snap.LastError)
	assert.Equal(t, domain.ErrJoinRejectedKind, snap.LastError.Kind)
}
