package domain

import (
	"encoding/json"
	"sort"
	"time"
)

// MessageState tells confirmed server messages apart from local sends.
type MessageState string

const (
	MessageConfirmed MessageState = "confirmed"
	MessagePending   MessageState = "pending"
	MessageFailed    MessageState = "failed"
)

// Message is one chat line as exposed to screens.
type Message struct {
	ID           string       `json:"id"`
	RoomID       string       `json:"room_id"`
	SenderID     string       `json:"sender_id"`
	Content      string       `json:"content"`
	CreatedAt    time.Time    `json:"created_at"`
	ClientTempID string       `json:"client_temp_id,omitempty"`
	Reactions    Reactions    `json:"reactions,omitempty"`
	State        MessageState `json:"state,omitempty"`
	// Error is set on failed local sends only.
	Error ErrorKind `json:"error,omitempty"`
}

// IsPending reports whether the message still waits for its server echo.
func (m Message) IsPending() bool {
	return m.State == MessagePending
}

// Clone returns a copy sharing no mutable state with m.
func (m Message) Clone() Message {
	m.Reactions = m.Reactions.Clone()
	return m
}

// Reactions maps a reaction symbol to the set of user ids that used it.
type Reactions map[string]map[string]struct{}

// Add records userID under symbol. It reports whether the set changed.
func (r Reactions) Add(symbol, userID string) bool {
	users, ok := r[symbol]
	if !ok {
		users = make(map[string]struct{})
		r[symbol] = users
	}
	if _, exists := users[userID]; exists {
		return false
	}
	users[userID] = struct{}{}
	return true
}

// Remove drops userID from symbol. It reports whether the set changed.
func (r Reactions) Remove(symbol, userID string) bool {
	users, ok := r[symbol]
	if !ok {
		return false
	}
	if _, exists := users[userID]; !exists {
		return false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(r, symbol)
	}
	return true
}

// Users returns the sorted user ids for symbol.
func (r Reactions) Users(symbol string) []string {
	users := make([]string, 0, len(r[symbol]))
	for id := range r[symbol] {
		users = append(users, id)
	}
	sort.Strings(users)
	return users
}

// Clone deep-copies the reaction sets.
func (r Reactions) Clone() Reactions {
	if r == nil {
		return nil
	}
	out := make(Reactions, len(r))
	for symbol, users := range r {
		set := make(map[string]struct{}, len(users))
		for id := range users {
			set[id] = struct{}{}
		}
		out[symbol] = set
	}
	return out
}

// MarshalJSON encodes reactions as symbol -> sorted user id list.
func (r Reactions) MarshalJSON() ([]byte, error) {
	out := make(map[string][]string, len(r))
	for symbol := range r {
		out[symbol] = r.Users(symbol)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the symbol -> user id list form.
func (r *Reactions) UnmarshalJSON(data []byte) error {
	var in map[string][]string
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in == nil {
		*r = nil
		return nil
	}
	out := make(Reactions, len(in))
	for symbol, users := range in {
		for _, id := range users {
			out.Add(symbol, id)
		}
	}
	*r = out
	return nil
}
