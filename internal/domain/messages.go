package domain

import (
	"encoding/json"
	"time"
)

// Outbound event types (client -> server).
const (
	EventJoin           = "join"
	EventSendMessage    = "send_message"
	EventTyping         = "typing"
	EventStopTyping     = "stop_typing"
	EventLeave          = "leave"
	EventAddReaction    = "add_reaction"
	EventRemoveReaction = "remove_reaction"
	EventPing           = "ping"
)

// Inbound event types (server -> client).
const (
	EventJoined          = "joined"
	EventJoinError       = "join_error"
	EventHistory         = "history"
	EventNewMessage      = "new_message"
	EventUserTyping      = "user_typing"
	EventUserStopTyping  = "user_stop_typing"
	EventReactionAdded   = "reaction_added"
	EventReactionRemoved = "reaction_removed"
	EventDisconnect      = "disconnect"
	EventError           = "error"
	EventPong            = "pong"
)

// Error codes carried by EventError and EventJoinError frames.
const (
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeBadRequest    = "BAD_REQUEST"
	ErrCodeNotInRoom     = "NOT_IN_ROOM"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// Frame is the envelope of every message on the realtime channel.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewFrame marshals payload into a frame of the given type.
func NewFrame(eventType string, payload interface{}) (Frame, error) {
	if payload == nil {
		return Frame{Type: eventType}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: eventType, Payload: data}, nil
}

// Decode unmarshals the frame payload into v.
func (f Frame) Decode(v interface{}) error {
	if len(f.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(f.Payload, v)
}

// Client -> Server payloads

type JoinPayload struct {
	RoomID        string   `json:"room_id"`
	RoomKind      RoomKind `json:"room_kind"`
	ParticipantID string   `json:"participant_id"`
	Credential    string   `json:"credential"`
}

type SendMessagePayload struct {
	RoomID       string `json:"room_id"`
	ClientTempID string `json:"client_temp_id"`
	Content      string `json:"content"`
}

type TypingPayload struct {
	RoomID        string `json:"room_id"`
	ParticipantID string `json:"participant_id"`
}

type LeavePayload struct {
	RoomID string `json:"room_id"`
}

type ReactionPayload struct {
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
	Symbol    string `json:"symbol"`
	UserID    string `json:"user_id,omitempty"`
}

// Server -> Client payloads

type JoinedPayload struct {
	RoomID string `json:"room_id"`
}

type JoinErrorPayload struct {
	RoomID string `json:"room_id"`
	Reason string `json:"reason"`
}

type HistoryPayload struct {
	RoomID   string    `json:"room_id"`
	Messages []Message `json:"messages"`
}

type NewMessagePayload struct {
	ID           string    `json:"id"`
	RoomID       string    `json:"room_id"`
	SenderID     string    `json:"sender_id"`
	Content      string    `json:"content"`
	CreatedAt    time.Time `json:"created_at"`
	ClientTempID string    `json:"client_temp_id,omitempty"`
	Reactions    Reactions `json:"reactions,omitempty"`
}

// Message converts the push payload into a confirmed message.
func (p NewMessagePayload) Message() Message {
	return Message{
		ID:           p.ID,
		RoomID:       p.RoomID,
		SenderID:     p.SenderID,
		Content:      p.Content,
		CreatedAt:    p.CreatedAt,
		ClientTempID: p.ClientTempID,
		Reactions:    p.Reactions.Clone(),
		State:        MessageConfirmed,
	}
}

type UserTypingPayload struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

type DisconnectPayload struct {
	Reason string `json:"reason"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
