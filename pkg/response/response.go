// Package response writes the JSON envelope shared by the chat HTTP APIs:
// {"success": bool, "data": ..., "error": {"code", "message"}}.
package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response is the envelope.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
}

type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Page is the data block of a cursor-paged listing.
type Page struct {
	Items      interface{} `json:"-"`
	NextCursor string      `json:"next_cursor"`
	HasMore    bool        `json:"has_more"`
}

// Success writes data with status 200.
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{Success: true, Data: data})
}

// Paged writes a listing under the given items key next to its cursor.
func Paged(c *gin.Context, itemsKey string, p Page) {
	Success(c, gin.H{
		itemsKey:      p.Items,
		"next_cursor": p.NextCursor,
		"has_more":    p.HasMore,
	})
}

// Error writes an error envelope with statusCode.
func Error(c *gin.Context, statusCode int, code, message string) {
	c.AbortWithStatusJSON(statusCode, Response{
		Error: &ErrorInfo{Code: code, Message: message},
	})
}

func BadRequest(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, "BAD_REQUEST", message)
}

func Unauthorized(c *gin.Context, message string) {
	Error(c, http.StatusUnauthorized, "UNAUTHORIZED", message)
}

func TooManyRequests(c *gin.Context, message string) {
	Error(c, http.StatusTooManyRequests, "RATE_LIMITED", message)
}

func InternalError(c *gin.Context, message string) {
	Error(c, http.StatusInternalServerError, "INTERNAL_ERROR", message)
}
