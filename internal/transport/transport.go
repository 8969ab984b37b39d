// Package transport carries chat frames between a session and the realtime
// channel.
package transport

import (
	"context"

	"github.com/weiawesome/wes-io-live/chat-session/internal/domain"
)

// Handler receives one inbound frame.
type Handler func(domain.Frame)

// Handle is one network connection to the realtime channel.
//
// A Handle is single-use: after Disconnect, or after the connection was lost,
// Connect fails with domain.ErrHandleClosed and a new Handle must be created.
type Handle interface {
	// Connect dials the channel with cred. It fails with
	// domain.ErrAlreadyConnected when called twice.
	Connect(ctx context.Context, cred domain.Credential) error
	// Send marshals payload into a frame of type event and queues it.
	Send(event string, payload interface{}) error
	// On registers h for inbound frames of type event. A lost connection is
	// reported once as a domain.EventDisconnect frame.
	On(event string, h Handler) (unsubscribe func())
	// Disconnect closes the connection and drops every handler before it
	// returns. It is idempotent.
	Disconnect()
}

// Factory creates a fresh Handle for every connect attempt.
type Factory interface {
	NewHandle() Handle
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func() Handle

func (f FactoryFunc) NewHandle() Handle {
	return f()
}
