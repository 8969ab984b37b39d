package domain

import (
	"fmt"
	"strings"
)

// RoomKind partitions chat surfaces.
type RoomKind string

const (
	RoomEvent   RoomKind = "event"
	RoomPrivate RoomKind = "private"
	RoomGroup   RoomKind = "group"
)

// ParseRoomKind validates a kind string.
func ParseRoomKind(s string) (RoomKind, error) {
	switch k := RoomKind(strings.ToLower(strings.TrimSpace(s))); k {
	case RoomEvent, RoomPrivate, RoomGroup:
		return k, nil
	default:
		return "", fmt.Errorf("unknown room kind %q", s)
	}
}

// Room identifies one chat scope.
type Room struct {
	ID   string
	Kind RoomKind
}

// Key is the map key used to keep one session per room.
func (r Room) Key() string {
	return string(r.Kind) + ":" + r.ID
}

// Credential is what the auth provider hands the session before each connect.
type Credential struct {
	Token         string
	ParticipantID string
}
