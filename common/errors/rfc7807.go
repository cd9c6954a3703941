package errors

import (
	"fmt"
	"net/http"
	"time"
)

// ProblemDetails represents RFC 7807 compliant error response
// RFC 7807: Problem Details for HTTP APIs
type ProblemDetails struct {
	// Type is a URI reference that identifies the problem type
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type
	Title string `json:"title"`
	// Status is the HTTP status code
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence of the problem
	Detail string `json:"detail"`
	// Instance is a URI reference that identifies the specific occurrence of the problem
	Instance string `json:"instance,omitempty"`
	// Timestamp when the error occurred
	Timestamp time.Time `json:"timestamp"`
	// TraceID for request tracing and debugging
	TraceID string `json:"traceId,omitempty"`
	// Errors contains field-specific validation errors
	Errors []FieldError `json:"errors,omitempty"`
}

// Standard error types with URIs
const (
	TypeValidationError = "https://api.intentex.io/errors/validation-error"
	TypeInvalidState    = "https://api.intentex.io/errors/invalid-state"
	TypeNotFound        = "https://api.intentex.io/errors/not-found"
	TypeUnauthorized    = "https://api.intentex.io/errors/unauthorized"
	TypeUnavailable     = "https://api.intentex.io/errors/unavailable"
	TypeInternalError   = "https://api.intentex.io/errors/internal-error"
)

// Standard error titles
const (
	TitleValidationError = "Validation Error"
	TitleInvalidState    = "Invalid State"
	TitleNotFound        = "Not Found"
	TitleUnauthorized    = "Unauthorized"
	TitleUnavailable     = "Service Unavailable"
	TitleInternalError   = "Internal Server Error"
)

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(problemType, title string, status int, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:      problemType,
		Title:     title,
		Status:    status,
		Detail:    detail,
		Instance:  instance,
		Timestamp: time.Now().UTC(),
	}
}

// WithTraceID adds a trace ID to the problem details
func (p *ProblemDetails) WithTraceID(traceID string) *ProblemDetails {
	p.TraceID = traceID
	return p
}

// Error implements the error interface
func (p *ProblemDetails) Error() string {
	return fmt.Sprintf("[%d] %s: %s", p.Status, p.Title, p.Detail)
}

func NewUnauthorizedError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeUnauthorized, TitleUnauthorized, http.StatusUnauthorized, detail, instance)
}

func NewInternalError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeInternalError, TitleInternalError, http.StatusInternalServerError, detail, instance)
}

// ToProblemDetails converts an Error to RFC 7807 ProblemDetails
func (e *Error) ToProblemDetails(instance string) *ProblemDetails {
	var problemType, title string
	var status int

	switch e.Kind {
	case KindValidation:
		problemType, title, status = TypeValidationError, TitleValidationError, http.StatusBadRequest
	case KindInvalidState:
		problemType, title, status = TypeInvalidState, TitleInvalidState, http.StatusConflict
	case KindNotFound:
		problemType, title, status = TypeNotFound, TitleNotFound, http.StatusNotFound
	case KindTransientIO:
		problemType, title, status = TypeUnavailable, TitleUnavailable, http.StatusServiceUnavailable
	default:
		problemType, title, status = TypeInternalError, TitleInternalError, http.StatusInternalServerError
	}

	pd := NewProblemDetails(problemType, title, status, e.Message, instance)
	if len(e.Fields) > 0 {
		pd.Errors = append(pd.Errors, e.Fields...)
	}
	return pd
}
