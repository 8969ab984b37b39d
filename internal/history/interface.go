// Package history provides the message-history collaborator consumed by chat
// sessions, and the append log the dev relay persists into.
package history

import (
	"context"

	"github.com/weiawesome/wes-io-live/chat-session/internal/domain"
)

const (
	DefaultLimit = 50
	MaxLimit     = 100
)

// Store returns the limit most recent messages of roomID strictly older than
// the message with id before (or the newest ones when before is empty),
// in ascending CreatedAt order.
type Store interface {
	FetchHistory(ctx context.Context, roomID, before string, limit int) ([]domain.Message, error)
}

// Log is a Store that also accepts new messages.
type Log interface {
	Store
	// Append stores m unless a message from the same sender with the same
	// ClientTempID already exists in the room, in which case the stored copy
	// is returned with duplicate set.
	Append(ctx context.Context, m domain.Message) (stored domain.Message, duplicate bool, err error)
	// React adds or removes userID's symbol on a stored message and returns
	// the updated message, or domain.ErrUnknownMessage.
	React(ctx context.Context, roomID, messageID, symbol, userID string, add bool) (domain.Message, error)
	Close() error
}

// ClampLimit applies the default and upper bound to a requested page size.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

func applyReaction(m *domain.Message, symbol, userID string, add bool) bool {
	if add {
		if m.Reactions == nil {
			m.Reactions = make(domain.Reactions)
		}
		return m.Reactions.Add(symbol, userID)
	}
	if m.Reactions == nil {
		return false
	}
	return m.Reactions.Remove(symbol, userID)
}

func tempKey(senderID, clientTempID string) string {
	return senderID + "/" + clientTempID
}
