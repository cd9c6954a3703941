package errors

import (
	stderrors "errors"

	"github.com/gin-gonic/gin"
)

// UnifiedErrorHandler provides a single interface for all error handling in the API
type UnifiedErrorHandler struct{}

// NewUnifiedErrorHandler creates a new unified error handler
func NewUnifiedErrorHandler() *UnifiedErrorHandler {
	return &UnifiedErrorHandler{}
}

// HandleError processes any error type and converts it to RFC 7807 format
func (h *UnifiedErrorHandler) HandleError(c *gin.Context, err error) {
	instance := c.Request.URL.Path
	var problemDetails *ProblemDetails

	var pd *ProblemDetails
	var appErr *Error
	switch {
	case stderrors.As(err, &pd):
		problemDetails = pd
	case stderrors.As(err, &appErr):
		problemDetails = appErr.ToProblemDetails(instance)
	default:
		problemDetails = NewInternalError(err.Error(), instance)
	}

	if traceID := c.GetHeader("X-Trace-ID"); traceID != "" {
		problemDetails.WithTraceID(traceID)
	}

	c.Header("Content-Type", "application/problem+json")
	c.AbortWithStatusJSON(problemDetails.Status, problemDetails)
}

// Unauthorized creates an unauthorized error response
func (h *UnifiedErrorHandler) Unauthorized(c *gin.Context, detail string) {
	h.HandleError(c, NewUnauthorizedError(detail, c.Request.URL.Path))
}

// Middleware creates a Gin middleware for unified error handling
func (h *UnifiedErrorHandler) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 && !c.Writer.Written() {
			h.HandleError(c, c.Errors.Last().Err)
		}
	}
}
