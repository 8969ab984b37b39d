package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/weiawesome/wes-io-live/chat-session/pkg/jwt"
	"github.com/weiawesome/wes-io-live/chat-session/pkg/response"
)

const (
	UserIDKey     = "user_id"
	AuthHeaderKey = "Authorization"
	BearerPrefix  = "Bearer "
)

// AuthMiddleware validates chat tokens locally.
type AuthMiddleware struct {
	tokens *jwt.Manager
}

// NewAuthMiddleware creates a new auth middleware. A nil manager lets every
// request through anonymously.
func NewAuthMiddleware(tokens *jwt.Manager) *AuthMiddleware {
	return &AuthMiddleware{tokens: tokens}
}

// RequireAuth returns a Gin middleware that validates JWT tokens.
func (m *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.tokens == nil {
			c.Next()
			return
		}

		token, ok := BearerToken(c.GetHeader(AuthHeaderKey))
		if !ok {
			response.Unauthorized(c, "missing or malformed authorization header")
			c.Abort()
			return
		}

		claims, err := m.tokens.ValidateToken(token)
		if err != nil {
			response.Unauthorized(c, err.Error())
			c.Abort()
			return
		}

		c.Set(UserIDKey, claims.Participant())
		c.Next()
	}
}

// BearerToken extracts the token of an "Authorization: Bearer" header value.
func BearerToken(header string) (string, bool) {
	if !strings.HasPrefix(header, BearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, BearerPrefix))
	return token, token != ""
}

// GetUserID extracts user ID from Gin context.
func GetUserID(c *gin.Context) string {
	if id, exists := c.Get(UserIDKey); exists {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}
