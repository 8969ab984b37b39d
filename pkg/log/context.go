package log

import (
	"context"

	"github.com/rs/zerolog"
)

type ctxKey struct{}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// Ctx retrieves the logger from the context, or the global logger when the
// context carries none.
func Ctx(ctx context.Context) zerolog.Logger {
	if ctx == nil {
		return L()
	}
	if l, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
		return l
	}
	return L()
}

// ForRoom scopes logger to one chat room.
func ForRoom(logger zerolog.Logger, roomID, roomKind string) zerolog.Logger {
	return logger.With().
		Str(FieldRoomID, roomID).
		Str(FieldRoomKind, roomKind).
		Logger()
}

// ForConn scopes logger to one realtime connection.
func ForConn(logger zerolog.Logger, connID string) zerolog.Logger {
	return logger.With().Str(FieldConnID, connID).Logger()
}
