package relay

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
	"github.com/weiawesome/wes-io-live/chat-session/internal/metrics"
	"github.com/weiawesome/wes-io-live/chat-session/pkg/log"
)

// Hub tracks connected clients and the rooms they joined.
type Hub struct {
	clients    map[string]*Client            // clientID -> client
	rooms      map[string]map[string]*Client // roomID -> clientID -> client
	register   chan *Client
	unregister chan *Client
	broadcast  chan *RoomMessage
	done       chan struct{}
	mu         sync.RWMutex
	logger     zerolog.Logger
	metrics    *metrics.Metrics
}

type RoomMessage struct {
	RoomID  string
	Message []byte
	Exclude string // Client ID to exclude
}

func NewHub(logger zerolog.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		rooms:      make(map[string]map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *RoomMessage, 256),
		done:       make(chan struct{}),
		logger:     logger,
		metrics:    m,
	}
}

// Run serves registrations and broadcasts until ctx is done, then closes
// every client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()
			h.metrics.ConnectionOpened()
			h.logger.Debug().Str(log.FieldConnID, client.ID).Msg("client registered")

		case client := <-h.unregister:
			h.remove(client)

		case msg := <-h.broadcast:
			h.mu.RLock()
			var slow []*Client
			for clientID, client := range h.rooms[msg.RoomID] {
				if clientID == msg.Exclude {
					continue
				}
				if !client.trySend(msg.Message) {
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()
			for _, client := range slow {
				h.remove(client)
			}

		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			clients := make([]*Client, 0, len(h.clients))
			for _, client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.Unlock()
			for _, client := range clients {
				h.remove(client)
			}
			return
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client.ID]
	if ok {
		for roomID, members := range h.rooms {
			delete(members, client.ID)
			if len(members) == 0 {
				delete(h.rooms, roomID)
			}
		}
		delete(h.clients, client.ID)
	}
	h.mu.Unlock()

	if ok {
		client.close()
		h.metrics.ConnectionClosed()
		h.logger.Debug().Str(log.FieldConnID, client.ID).Msg("client unregistered")
	}
}

// Register adds client. It reports false once the hub stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) JoinRoom(client *Client, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.rooms[roomID]; !ok {
		h.rooms[roomID] = make(map[string]*Client)
	}
	h.rooms[roomID][client.ID] = client
	h.logger.Info().
		Str(log.FieldConnID, client.ID).
		Str(log.FieldParticipantID, client.ParticipantID()).
		Str(log.FieldRoomID, roomID).
		Msg("client joined room")
}

func (h *Hub) LeaveRoom(client *Client, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if members, ok := h.rooms[roomID]; ok {
		delete(members, client.ID)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
	h.logger.Info().Str(log.FieldConnID, client.ID).Str(log.FieldRoomID, roomID).Msg("client left room")
}

// InRoom reports whether client joined roomID.
func (h *Hub) InRoom(client *Client, roomID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[roomID][client.ID]
	return ok
}

// BroadcastToRoom queues message for every member of roomID except exclude.
func (h *Hub) BroadcastToRoom(roomID string, message interface{}, exclude string) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	select {
	case h.broadcast <- &RoomMessage{RoomID: roomID, Message: data, Exclude: exclude}:
	case <-h.done:
	}
	return nil
}

func (h *Hub) RoomClientCount(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}
