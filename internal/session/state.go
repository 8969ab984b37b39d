package session

import "github.com/weiawesome/wes-io-live/chat-session/internal/domain"

// Event drives the session state machine.
type Event string

const (
	EventStart           Event = "start"
	EventConnected       Event = "connected"
	EventUnauthenticated Event = "unauthenticated"
	EventTransportLost   Event = "transport_lost"
	EventJoined          Event = "joined"
	EventJoinRejected    Event = "join_rejected"
	EventJoinTimeout     Event = "join_timeout"
	EventExhausted       Event = "exhausted"
	EventRetry           Event = "retry"
	EventManualReconnect Event = "manual_reconnect"
	EventClose           Event = "close"
)

// Next returns the state reached from s on e. ok is false when e is not
// accepted in s; the state is then unchanged.
func Next(s domain.Status, e Event) (domain.Status, bool) {
	if e == EventClose {
		if s == domain.StatusClosed {
			return s, false
		}
		return domain.StatusClosed, true
	}

	switch s {
	case domain.StatusIdle:
		if e == EventStart {
			return domain.StatusConnecting, true
		}

	case domain.StatusConnecting:
		switch e {
		case EventConnected:
			return domain.StatusJoining, true
		case EventUnauthenticated, EventExhausted:
			return domain.StatusError, true
		case EventTransportLost:
			return domain.StatusReconnecting, true
		case EventManualReconnect:
			return domain.StatusConnecting, true
		}

	case domain.StatusJoining:
		switch e {
		case EventJoined:
			return domain.StatusActive, true
		case EventJoinRejected, EventExhausted:
			return domain.StatusError, true
		case EventJoinTimeout, EventTransportLost:
			return domain.StatusReconnecting, true
		case EventManualReconnect:
			return domain.StatusConnecting, true
		}

	case domain.StatusActive:
		switch e {
		case EventTransportLost:
			return domain.StatusReconnecting, true
		case EventExhausted:
			return domain.StatusError, true
		case EventManualReconnect:
			return domain.StatusConnecting, true
		}

	case domain.StatusReconnecting:
		switch e {
		case EventRetry, EventManualReconnect:
			return domain.StatusConnecting, true
		case EventExhausted:
			return domain.StatusError, true
		}
	}
	return s, false
}
