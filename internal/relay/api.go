package relay

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/weiawesome/wes-io-live/chat-session/internal/domain"
	"github.com/weiawesome/wes-io-live/chat-session/internal/history"
	"github.com/weiawesome/wes-io-live/chat-session/pkg/log"
	"github.com/weiawesome/wes-io-live/chat-session/pkg/middleware"
	"github.com/weiawesome/wes-io-live/chat-session/pkg/response"
)

// HistoryHandler serves the paged history API sessions read from.
type HistoryHandler struct {
	store history.Store
	auth  *middleware.AuthMiddleware
}

func NewHistoryHandler(store history.Store, auth *middleware.AuthMiddleware) *HistoryHandler {
	return &HistoryHandler{store: store, auth: auth}
}

func (h *HistoryHandler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	api.Use(h.auth.RequireAuth())
	{
		api.GET("/rooms/:room_id/messages", h.GetMessages)
	}

	r.GET("/health", h.HealthCheck)
}

// GetMessages returns up to limit messages older than before, oldest first.
// next_cursor is the id to pass as before for the following page.
func (h *HistoryHandler) GetMessages(c *gin.Context) {
	roomID := c.Param("room_id")
	if roomID == "" {
		response.BadRequest(c, "room_id is required")
		return
	}

	limit := history.DefaultLimit
	if limitStr := c.Query("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			response.BadRequest(c, "limit must be a positive integer")
			return
		}
		limit = history.ClampLimit(parsed)
	}

	msgs, err := h.store.FetchHistory(c.Request.Context(), roomID, c.Query("before"), limit)
	if err != nil {
		l := log.Ctx(c.Request.Context())
		l.Error().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to fetch history")
		response.InternalError(c, "failed to get chat history")
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}

	page := response.Page{Items: msgs, HasMore: len(msgs) == limit}
	if page.HasMore {
		page.NextCursor = msgs[0].ID
	}
	response.Paged(c, "messages", page)
}

func (h *HistoryHandler) HealthCheck(c *gin.Context) {
	response.Success(c, gin.H{"status": "ok"})
}
