package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weiawesome/wes-io-live/chat-session/internal/domain"
	"github.com/weiawesome/wes-io-live/chat-session/pkg/jwt"
)

func tokenFor(t *testing.T, participant string, ttl time.Duration) string {
	t.Helper()
	token, err := jwt.NewManager("dev", ttl, "test").Issue(participant)
	require.NoError(t, err)
	return token
}

func TestNegotiateStatic(t *testing.T) {
	cred, err := Negotiate(context.Background(), StaticProvider{Token: "t", ParticipantID: "me"})
	require.NoError(t, err)
	assert.Equal(t, domain.Credential{Token: "t", ParticipantID: "me"}, cred)

	_, err = Negotiate(context.Background(), StaticProvider{})
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)

	_, err = Negotiate(context.Background(), nil)
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
}

func TestNegotiateProviderFailure(t *testing.T) {
	boom := errors.New("keychain locked")
	_, err := Negotiate(context.Background(), ProviderFunc(func(context.Context) (*domain.Credential, error) {
		return nil, boom
	}))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, domain.ErrUnauthenticated)
}

func TestNegotiateFetchesEveryTime(t *testing.T) {
	calls := 0
	p := ProviderFunc(func(context.Context) (*domain.Credential, error) {
		calls++
		return &domain.Credential{Token: "t", ParticipantID: "me"}, nil
	})
	for i := 0; i < 3; i++ {
		_, err := Negotiate(context.Background(), p)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, calls)
}

func TestJWTProvider(t *testing.T) {
	token := tokenFor(t, "alice", time.Hour)
	p := NewJWTProvider(func(context.Context) (string, error) { return "Bearer " + token, nil })

	cred, err := p.Credential(context.Background())
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, "alice", cred.ParticipantID)
	assert.Equal(t, token, cred.Token)
}

func TestJWTProviderExpiredTokenIsNoCredential(t *testing.T) {
	token := tokenFor(t, "alice", time.Minute)
	p := NewJWTProvider(func(context.Context) (string, error) { return token, nil })
	p.now = func() time.Time { return time.Now().Add(time.Hour) }

	cred, err := p.Credential(context.Background())
	require.NoError(t, err)
	assert.Nil(t, cred)

	_, err = Negotiate(context.Background(), p)
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
}

func TestJWTProviderSignedOutAndGarbage(t *testing.T) {
	for _, raw := range []string{"", "   ", "not.a.jwt"} {
		p := NewJWTProvider(func(context.Context) (string, error) { return raw, nil })
		cred, err := p.Credential(context.Background())
		require.NoError(t, err)
		assert.Nil(t, cred, raw)
	}
}
