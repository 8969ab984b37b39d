package jwt

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// Claims are the chat credential claims.
type Claims struct {
	jwt.RegisteredClaims
	ParticipantID string `json:"participant_id"`
}

// Participant is the participant id carried by the token, falling back to
// the subject.
func (c *Claims) Participant() string {
	if c.ParticipantID != "" {
		return c.ParticipantID
	}
	return c.Subject
}

// Manager signs and validates HMAC chat tokens.
type Manager struct {
	secret   []byte
	duration time.Duration
	issuer   string
	now      func() time.Time
}

// NewManager creates a manager for secret. Tokens it issues live for duration.
func NewManager(secret string, duration time.Duration, issuer string) *Manager {
	return &Manager{
		secret:   []byte(secret),
		duration: duration,
		issuer:   issuer,
		now:      time.Now,
	}
}

// Issue creates a signed token for participantID.
func (m *Manager) Issue(participantID string) (string, error) {
	now := m.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   participantID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.duration)),
		},
		ParticipantID: participantID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// ValidateToken validates a token and returns claims.
func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(m.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Participant() == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ParseUnverified reads the claims without checking the signature. Clients
// use it to learn their participant id and the expiry of a token they were
// handed; only the server validates.
func ParseUnverified(tokenString string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
