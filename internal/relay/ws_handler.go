package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/weiawesome/wes-io-live/chat-session/internal/config"
	"github.com/weiawesome/wes-io-live/chat-session/internal/domain"
	"github.com/weiawesome/wes-io-live/chat-session/internal/history"
	"github.com/weiawesome/wes-io-live/chat-session/internal/metrics"
	"github.com/weiawesome/wes-io-live/chat-session/pkg/jwt"
	"github.com/weiawesome/wes-io-live/chat-session/pkg/log"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type WSHandler struct {
	hub     *Hub
	log     history.Log
	tokens  *jwt.Manager
	cfg     config.RelayConfig
	wsCfg   config.WebSocketConfig
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

// NewWSHandler builds the realtime endpoint. A nil tokens manager accepts the
// participant id a join claims.
func NewWSHandler(h *Hub, store history.Log, tokens *jwt.Manager, cfg config.RelayConfig, wsCfg config.WebSocketConfig, m *metrics.Metrics, logger zerolog.Logger) *WSHandler {
	return &WSHandler{
		hub:     h,
		log:     store,
		tokens:  tokens,
		cfg:     cfg,
		wsCfg:   wsCfg,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

func (h *WSHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	var limiter *rate.Limiter
	if h.cfg.FramesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(h.cfg.FramesPerSecond), h.cfg.FrameBurst)
	}
	id := uuid.New().String()
	client := NewClient(id, h.hub, conn, h.wsCfg, limiter, log.ForConn(h.logger, id))

	if !h.hub.Register(client) {
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump(h.handleMessage)
}

func (h *WSHandler) handleMessage(client *Client, message []byte) {
	if !client.allow() {
		h.metrics.ObserveRateLimited()
		client.SendError(domain.ErrCodeRateLimited, "too many frames")
		return
	}

	var frame domain.Frame
	if err := json.Unmarshal(message, &frame); err != nil || frame.Type == "" {
		client.SendError(domain.ErrCodeBadRequest, "Invalid message format")
		return
	}
	h.metrics.ObserveFrame(frame.Type)

	ctx := log.WithLogger(context.Background(), client.logger)

	switch frame.Type {
	case domain.EventJoin:
		var p domain.JoinPayload
		if err := frame.Decode(&p); err != nil {
			client.SendError(domain.ErrCodeBadRequest, "Invalid join message")
			return
		}
		h.handleJoin(ctx, client, p)

	case domain.EventSendMessage:
		var p domain.SendMessagePayload
		if err := frame.Decode(&p); err != nil {
			client.SendError(domain.ErrCodeBadRequest, "Invalid send_message")
			return
		}
		h.handleSend(ctx, client, p)

	case domain.EventTyping, domain.EventStopTyping:
		var p domain.TypingPayload
		if err := frame.Decode(&p); err != nil {
			client.SendError(domain.ErrCodeBadRequest, "Invalid typing message")
			return
		}
		h.handleTyping(client, frame.Type, p)

	case domain.EventAddReaction, domain.EventRemoveReaction:
		var p domain.ReactionPayload
		if err := frame.Decode(&p); err != nil {
			client.SendError(domain.ErrCodeBadRequest, "Invalid reaction message")
			return
		}
		h.handleReaction(ctx, client, frame.Type, p)

	case domain.EventLeave:
		var p domain.LeavePayload
		if err := frame.Decode(&p); err != nil {
			client.SendError(domain.ErrCodeBadRequest, "Invalid leave message")
			return
		}
		h.hub.LeaveRoom(client, p.RoomID)

	case domain.EventPing:
		client.SendFrame(domain.EventPong, nil)

	default:
		client.SendError(domain.ErrCodeBadRequest, "Unknown message type")
	}
}

func (h *WSHandler) handleJoin(ctx context.Context, client *Client, p domain.JoinPayload) {
	reject := func(reason string) {
		l := log.Ctx(ctx)
		l.Info().Str(log.FieldRoomID, p.RoomID).Str("reason", reason).Msg("join rejected")
		client.SendFrame(domain.EventJoinError, domain.JoinErrorPayload{RoomID: p.RoomID, Reason: reason})
	}

	if p.RoomID == "" {
		reject("room_id is required")
		return
	}
	if _, err := domain.ParseRoomKind(string(p.RoomKind)); err != nil {
		reject(err.Error())
		return
	}

	participant := p.ParticipantID
	if h.tokens != nil {
		claims, err := h.tokens.ValidateToken(p.Credential)
		if err != nil {
			reject("invalid credential: " + err.Error())
			return
		}
		if participant != "" && participant != claims.Participant() {
			reject("participant does not match credential")
			return
		}
		participant = claims.Participant()
	}
	if participant == "" {
		reject("participant_id is required")
		return
	}
	if !client.bind(participant) {
		reject("connection is bound to another participant")
		return
	}

	h.hub.JoinRoom(client, p.RoomID)
	client.SendFrame(domain.EventJoined, domain.JoinedPayload{RoomID: p.RoomID})

	msgs, err := h.log.FetchHistory(ctx, p.RoomID, "", history.DefaultLimit)
	if err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldRoomID, p.RoomID).Msg("history push skipped")
		return
	}
	client.SendFrame(domain.EventHistory, domain.HistoryPayload{RoomID: p.RoomID, Messages: msgs})
}

func (h *WSHandler) handleSend(ctx context.Context, client *Client, p domain.SendMessagePayload) {
	if !h.hub.InRoom(client, p.RoomID) {
		client.SendError(domain.ErrCodeNotInRoom, "join the room first")
		return
	}
	content := strings.TrimSpace(p.Content)
	if content == "" {
		client.SendError(domain.ErrCodeBadRequest, "content is empty")
		return
	}
	if h.cfg.MaxContentLength > 0 && len([]rune(content)) > h.cfg.MaxContentLength {
		client.SendError(domain.ErrCodeBadRequest, "content is too long")
		return
	}

	stored, duplicate, err := h.log.Append(ctx, domain.Message{
		ID:           ulid.Make().String(),
		RoomID:       p.RoomID,
		SenderID:     client.ParticipantID(),
		Content:      content,
		CreatedAt:    h.now().UTC(),
		ClientTempID: p.ClientTempID,
	})
	if err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Str(log.FieldRoomID, p.RoomID).Msg("failed to store message")
		client.SendError(domain.ErrCodeInternalError, "failed to store message")
		return
	}

	out := newMessagePayload(stored)
	if duplicate {
		// A resend after reconnect; only the sender still waits for it.
		l := log.Ctx(ctx)
		l.Debug().Str(log.FieldClientTempID, p.ClientTempID).Str(log.FieldMessageID, stored.ID).Msg("duplicate send echoed")
		client.SendFrame(domain.EventNewMessage, out)
		return
	}

	frame, err := domain.NewFrame(domain.EventNewMessage, out)
	if err != nil {
		return
	}
	h.hub.BroadcastToRoom(p.RoomID, frame, "")
}

func (h *WSHandler) handleTyping(client *Client, eventType string, p domain.TypingPayload) {
	if !h.hub.InRoom(client, p.RoomID) {
		client.SendError(domain.ErrCodeNotInRoom, "join the room first")
		return
	}
	out := domain.EventUserTyping
	if eventType == domain.EventStopTyping {
		out = domain.EventUserStopTyping
	}
	frame, err := domain.NewFrame(out, domain.UserTypingPayload{RoomID: p.RoomID, UserID: client.ParticipantID()})
	if err != nil {
		return
	}
	h.hub.BroadcastToRoom(p.RoomID, frame, client.ID)
}

func (h *WSHandler) handleReaction(ctx context.Context, client *Client, eventType string, p domain.ReactionPayload) {
	if !h.hub.InRoom(client, p.RoomID) {
		client.SendError(domain.ErrCodeNotInRoom, "join the room first")
		return
	}
	if p.MessageID == "" || p.Symbol == "" {
		client.SendError(domain.ErrCodeBadRequest, "message_id and symbol are required")
		return
	}
	add := eventType == domain.EventAddReaction
	if _, err := h.log.React(ctx, p.RoomID, p.MessageID, p.Symbol, client.ParticipantID(), add); err != nil {
		if errors.Is(err, domain.ErrUnknownMessage) {
			client.SendError(domain.ErrCodeBadRequest, "unknown message")
			return
		}
		l := log.Ctx(ctx)
		l.Error().Err(err).Str(log.FieldMessageID, p.MessageID).Msg("failed to store reaction")
		client.SendError(domain.ErrCodeInternalError, "failed to store reaction")
		return
	}

	out := domain.EventReactionAdded
	if !add {
		out = domain.EventReactionRemoved
	}
	frame, err := domain.NewFrame(out, domain.ReactionPayload{
		RoomID:    p.RoomID,
		MessageID: p.MessageID,
		Symbol:    p.Symbol,
		UserID:    client.ParticipantID(),
	})
	if err != nil {
		return
	}
	h.hub.BroadcastToRoom(p.RoomID, frame, "")
}

func newMessagePayload(m domain.Message) domain.NewMessagePayload {
	return domain.NewMessagePayload{
		ID:           m.ID,
		RoomID:       m.RoomID,
		SenderID:     m.SenderID,
		Content:      m.Content,
		CreatedAt:    m.CreatedAt,
		ClientTempID: m.ClientTempID,
		Reactions:    m.Reactions,
	}
}
