// Package responses formats API replies: a success envelope for results and
// RFC 7807 problem details for failures.
package responses

import (
	"net/http"
	"time"

	apperrors "github.com/Aidin1998/intentex/common/errors"
	"github.com/gin-gonic/gin"
)

// StandardResponse is the envelope of every successful reply
type StandardResponse struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	TraceID   string    `json:"trace_id,omitempty"`
}

// ListResponse carries a collection with its length
type ListResponse struct {
	StandardResponse
	Count int `json:"count"`
}

var handler = apperrors.NewUnifiedErrorHandler()

func reply(c *gin.Context, status int, data any, message []string) {
	resp := StandardResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
		TraceID:   getTraceID(c),
	}
	if len(message) > 0 {
		resp.Message = message[0]
	}
	c.JSON(status, resp)
}

// Success sends a 200 OK response
func Success(c *gin.Context, data any, message ...string) {
	reply(c, http.StatusOK, data, message)
}

// Created sends a 201 Created response
func Created(c *gin.Context, data any, message ...string) {
	reply(c, http.StatusCreated, data, message)
}

// Accepted sends a 202 Accepted response
func Accepted(c *gin.Context, data any, message ...string) {
	reply(c, http.StatusAccepted, data, message)
}

// List sends a 200 OK response for a collection
func List[T any](c *gin.Context, items []T) {
	if items == nil {
		items = []T{}
	}
	c.JSON(http.StatusOK, ListResponse{
		StandardResponse: StandardResponse{
			Success:   true,
			Data:      items,
			Timestamp: time.Now().UTC(),
			TraceID:   getTraceID(c),
		},
		Count: len(items),
	})
}

// Error maps err onto its problem details and aborts the request
func Error(c *gin.Context, err error) {
	handler.HandleError(c, err)
}

// BadRequest reports an unparseable request
func BadRequest(c *gin.Context, format string, args ...any) {
	handler.HandleError(c, apperrors.NewValidation(format, args...))
}

// Unauthorized sends a 401 Unauthorized response
func Unauthorized(c *gin.Context, detail string) {
	handler.Unauthorized(c, detail)
}

// getTraceID extracts trace ID from context
func getTraceID(c *gin.Context) string {
	if traceID, exists := c.Get("trace_id"); exists {
		if id, ok := traceID.(string); ok {
			return id
		}
	}
	return c.GetHeader("X-Trace-ID")
}
