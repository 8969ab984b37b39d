// Package auth supplies the credential a session presents before every
// connect attempt.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/weiawesome/wes-io-live/chat-session/internal/domain"
	"github.com/weiawesome/wes-io-live/chat-session/pkg/jwt"
)

// Provider returns the current credential. A nil credential with a nil error
// means the user is not signed in.
type Provider interface {
	Credential(ctx context.Context) (*domain.Credential, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context) (*domain.Credential, error)

func (f ProviderFunc) Credential(ctx context.Context) (*domain.Credential, error) {
	return f(ctx)
}

// StaticProvider always hands out the same credential.
type StaticProvider struct {
	Token         string
	ParticipantID string
}

func (p StaticProvider) Credential(context.Context) (*domain.Credential, error) {
	if p.Token == "" {
		return nil, nil
	}
	return &domain.Credential{Token: p.Token, ParticipantID: p.ParticipantID}, nil
}

// TokenSource returns the raw token currently held by the app, or "" when
// signed out.
type TokenSource func(ctx context.Context) (string, error)

// JWTProvider derives the participant id from the claims of a JWT. Expired
// tokens count as no credential.
type JWTProvider struct {
	source TokenSource
	now    func() time.Time
}

func NewJWTProvider(source TokenSource) *JWTProvider {
	return &JWTProvider{source: source, now: time.Now}
}

func (p *JWTProvider) Credential(ctx context.Context) (*domain.Credential, error) {
	token, err := p.source(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read token: %w", err)
	}
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return nil, nil
	}

	claims, err := jwt.ParseUnverified(token)
	if err != nil {
		return nil, nil
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.After(p.now()) {
		return nil, nil
	}
	participant := claims.Participant()
	if participant == "" {
		return nil, nil
	}
	return &domain.Credential{Token: token, ParticipantID: participant}, nil
}

// Negotiate fetches a fresh credential. It returns domain.ErrUnauthenticated
// when the provider has none; any other error is a provider failure the
// caller may retry.
func Negotiate(ctx context.Context, p Provider) (domain.Credential, error) {
	if p == nil {
		return domain.Credential{}, domain.ErrUnauthenticated
	}
	cred, err := p.Credential(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrUnauthenticated) {
			return domain.Credential{}, domain.ErrUnauthenticated
		}
		return domain.Credential{}, fmt.Errorf("credential provider failed: %w", err)
	}
	if cred == nil || cred.Token == "" {
		return domain.Credential{}, domain.ErrUnauthenticated
	}
	return *cred, nil
}
