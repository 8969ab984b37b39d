package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/weiawesome/wes-io-live/chat-session/internal/config"
	"github.com/weiawesome/wes-io-live/chat-session/internal/domain"
	"golang.org/x/time/rate"
)

type Client struct {
	ID      string
	Hub     *Hub
	Conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	config  config.WebSocketConfig
	logger  zerolog.Logger

	mu          sync.Mutex
	closed      bool
	participant string
}

func NewClient(id string, hub *Hub, conn *websocket.Conn, cfg config.WebSocketConfig, limiter *rate.Limiter, logger zerolog.Logger) *Client {
	return &Client{
		ID:      id,
		Hub:     hub,
		Conn:    conn,
		send:    make(chan []byte, 256),
		limiter: limiter,
		config:  cfg,
		logger:  logger,
	}
}

// ParticipantID is the identity bound by the first successful join.
func (c *Client) ParticipantID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.participant
}

// bind records the participant of a join. A connection keeps one identity.
func (c *Client) bind(participantID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.participant != "" && c.participant != participantID {
		return false
	}
	c.participant = participantID
	return true
}

func (c *Client) ReadPump(handler func(*Client, []byte)) {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("websocket read failed")
			}
			break
		}
		c.Conn.SetReadDeadline(time.Now().Add(c.config.PongWait))

		handler(c, message)
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendFrame queues one frame for this client. Frames to a client whose
// buffer is full are dropped.
func (c *Client) SendFrame(eventType string, payload interface{}) error {
	frame, err := domain.NewFrame(eventType, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if !c.trySend(data) {
		c.logger.Debug().Str("type", eventType).Msg("client buffer full, frame dropped")
	}
	return nil
}

func (c *Client) SendError(code, message string) {
	c.SendFrame(domain.EventError, domain.ErrorPayload{Code: code, Message: message})
}

func (c *Client) trySend(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// close stops the write pump. Safe to call more than once.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// allow applies the per-connection frame limit.
func (c *Client) allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}
