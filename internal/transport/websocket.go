package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/weiawesome/wes-io-live/chat-session/internal/config"
	"github.com/weiawesome/wes-io-live/chat-session/internal/domain"
	"github.com/weiawesome/wes-io-live/chat-session/pkg/log"
)

const sendBufferSize = 256

// ErrSendBufferFull is returned by Send when the write pump is behind.
var ErrSendBufferFull = errors.New("transport send buffer full")

type handleState int

const (
	stateIdle handleState = iota
	stateDialing
	stateOpen
	stateLost
	stateClosed
)

// WSHandle is a Handle over a gorilla/websocket connection.
type WSHandle struct {
	id     string
	url    string
	cfg    config.WebSocketConfig
	dialer *websocket.Dialer
	logger zerolog.Logger

	mu       sync.Mutex
	state    handleState
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	stopOnce sync.Once
	handlers map[string]map[uint64]Handler
	nextID   uint64
}

// NewWSHandle creates an unconnected handle for url.
func NewWSHandle(url string, cfg config.WebSocketConfig, logger zerolog.Logger) *WSHandle {
	id := uuid.New().String()
	return &WSHandle{
		id:  id,
		url: url,
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		logger:   logger.With().Str(log.FieldConnID, id).Logger(),
		send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
		handlers: make(map[string]map[uint64]Handler),
	}
}

// NewWSFactory returns a Factory producing WSHandles for url.
func NewWSFactory(url string, cfg config.WebSocketConfig, logger zerolog.Logger) Factory {
	return FactoryFunc(func() Handle {
		return NewWSHandle(url, cfg, logger)
	})
}

func (h *WSHandle) Connect(ctx context.Context, cred domain.Credential) error {
	h.mu.Lock()
	switch h.state {
	case stateDialing, stateOpen:
		h.mu.Unlock()
		return domain.ErrAlreadyConnected
	case stateLost, stateClosed:
		h.mu.Unlock()
		return domain.ErrHandleClosed
	}
	h.state = stateDialing
	h.mu.Unlock()

	header := http.Header{}
	if cred.Token != "" {
		header.Set("Authorization", "Bearer "+cred.Token)
	}

	conn, resp, err := h.dialer.DialContext(ctx, h.url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err != nil {
		if h.state == stateDialing {
			h.state = stateLost
		}
		return fmt.Errorf("failed to dial %s: %w", h.url, err)
	}
	if h.state != stateDialing {
		// Disconnected while dialing.
		conn.Close()
		return domain.ErrHandleClosed
	}

	h.conn = conn
	h.state = stateOpen
	go h.writePump(conn)
	go h.readPump(conn)

	h.logger.Debug().Msg("transport connected")
	return nil
}

func (h *WSHandle) Send(event string, payload interface{}) error {
	frame, err := domain.NewFrame(event, payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s frame: %w", event, err)
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to encode %s frame: %w", event, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != stateOpen {
		return domain.ErrNotConnected
	}
	select {
	case h.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (h *WSHandle) On(event string, handler Handler) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == stateClosed {
		return func() {}
	}
	h.nextID++
	id := h.nextID
	if h.handlers[event] == nil {
		h.handlers[event] = make(map[uint64]Handler)
	}
	h.handlers[event][id] = handler

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.handlers[event], id)
	}
}

func (h *WSHandle) Disconnect() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == stateClosed {
		return
	}
	h.state = stateClosed
	h.handlers = make(map[string]map[uint64]Handler)
	h.stop()
	h.logger.Debug().Msg("transport disconnected")
}

// stop signals the write pump to close the connection. Caller holds mu.
func (h *WSHandle) stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// handlersFor snapshots the handlers of event. Caller holds mu.
func (h *WSHandle) handlersFor(event string) []Handler {
	out := make([]Handler, 0, len(h.handlers[event]))
	for _, fn := range h.handlers[event] {
		out = append(out, fn)
	}
	return out
}

func (h *WSHandle) dispatch(frame domain.Frame) {
	h.mu.Lock()
	if h.state != stateOpen {
		h.mu.Unlock()
		return
	}
	handlers := h.handlersFor(frame.Type)
	h.mu.Unlock()

	for _, fn := range handlers {
		fn(frame)
	}
}

// lost reports the end of an open connection exactly once.
func (h *WSHandle) lost(reason string) {
	h.mu.Lock()
	if h.state != stateOpen {
		h.mu.Unlock()
		return
	}
	h.state = stateLost
	h.stop()
	handlers := h.handlersFor(domain.EventDisconnect)
	h.mu.Unlock()

	h.logger.Warn().Str("reason", reason).Msg("transport lost")

	frame, err := domain.NewFrame(domain.EventDisconnect, domain.DisconnectPayload{Reason: reason})
	if err != nil {
		return
	}
	for _, fn := range handlers {
		fn(frame)
	}
}

func (h *WSHandle) readPump(conn *websocket.Conn) {
	if h.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(h.cfg.MaxMessageSize)
	}
	h.extendReadDeadline(conn)
	conn.SetPongHandler(func(string) error {
		h.extendReadDeadline(conn)
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			h.lost(closeReason(err))
			return
		}
		h.extendReadDeadline(conn)

		var frame domain.Frame
		if err := json.Unmarshal(message, &frame); err != nil || frame.Type == "" {
			h.logger.Debug().Err(err).Msg("dropping malformed frame")
			continue
		}
		h.dispatch(frame)
	}
}

func (h *WSHandle) writePump(conn *websocket.Conn) {
	var tick <-chan time.Time
	if h.cfg.PingInterval > 0 {
		ticker := time.NewTicker(h.cfg.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	defer conn.Close()

	for {
		select {
		case message := <-h.send:
			h.extendWriteDeadline(conn)
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.lost(err.Error())
				return
			}

		case <-tick:
			h.extendWriteDeadline(conn)
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.lost(err.Error())
				return
			}

		case <-h.done:
			h.extendWriteDeadline(conn)
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (h *WSHandle) extendReadDeadline(conn *websocket.Conn) {
	if h.cfg.PongWait > 0 {
		conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	}
}

func (h *WSHandle) extendWriteDeadline(conn *websocket.Conn) {
	if h.cfg.WriteWait > 0 {
		conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
	}
}

func closeReason(err error) string {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Text != "" {
			return ce.Text
		}
		return fmt.Sprintf("closed with code %d", ce.Code)
	}
	return err.Error()
}
