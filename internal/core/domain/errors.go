package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of a pipeline error.
type ErrorType string

const (
	// ErrorTypeFilter indicates a filter failed.
	ErrorTypeFilter ErrorType = "filter"

	// ErrorTypeChannel indicates a channel transport failure.
	ErrorTypeChannel ErrorType = "channel"

	// ErrorTypeAdapter indicates a malformed raw request or response.
	ErrorTypeAdapter ErrorType = "adapter"

	// ErrorTypeCanceled indicates the execution was cancelled or timed out.
	ErrorTypeCanceled ErrorType = "canceled"

	// ErrorTypeAuthentication indicates no usable credential was resolvable.
	ErrorTypeAuthentication ErrorType = "authentication"

	// ErrorTypeServer indicates an internal failure.
	ErrorTypeServer ErrorType = "server"
)

// ErrAuthentication is matched by errors.Is for every authentication failure.
var ErrAuthentication = errors.New("authentication failed")

// PipelineError is the canonical error surfaced by a pipeline execution.
// Fatal errors halt the filter sequence and produce a fault response.
type PipelineError struct {
	// Type is the category of error
	Type ErrorType `json:"type"`

	// Message is the human-readable error message
	Message string `json:"message"`

	// FilterName and FilterID identify the filter that raised the error, if any.
	FilterName string `json:"filter_name,omitempty"`
	FilterID   string `json:"filter_id,omitempty"`

	// ChannelName identifies the channel that raised the error, if any.
	ChannelName string `json:"channel_name,omitempty"`

	// Fatal halts the pipeline.
	Fatal bool `json:"fatal"`

	// StatusCode and Body override the fault response.
	StatusCode int    `json:"-"`
	Body       []byte `json:"-"`

	// Err is the originating error.
	Err error `json:"-"`
}

// Error implements the error interface. It returns the originating message
// so hosts see exactly what the failing stage reported.
func (e *PipelineError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Type)
}

// Unwrap returns the originating error.
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Describe returns a diagnostic form including the type and source.
func (e *PipelineError) Describe() string {
	switch {
	case e.FilterName != "":
		return fmt.Sprintf("%s (filter %s): %s", e.Type, e.FilterName, e.Error())
	case e.ChannelName != "":
		return fmt.Sprintf("%s (channel %s): %s", e.Type, e.ChannelName, e.Error())
	default:
		return fmt.Sprintf("%s: %s", e.Type, e.Error())
	}
}

// HTTPStatusCode returns the status code for the fault response.
func (e *PipelineError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}

	switch e.Type {
	case ErrorTypeAdapter:
		return http.StatusBadRequest
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypeCanceled:
		if errors.Is(e.Err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorDetail converts the error into the form recorded on an OperationContext.
func (e *PipelineError) ErrorDetail() *ErrorDetail {
	return &ErrorDetail{
		Message:    e.Error(),
		FilterName: e.FilterName,
		FilterID:   e.FilterID,
		Fatal:      e.Fatal,
	}
}

// NewPipelineError creates a new pipeline error.
func NewPipelineError(errType ErrorType, message string) *PipelineError {
	return &PipelineError{
		Type:    errType,
		Message: message,
	}
}

// WithFilter records the filter that raised the error.
func (e *PipelineError) WithFilter(name, id string) *PipelineError {
	e.FilterName = name
	e.FilterID = id
	return e
}

// WithChannel records the channel that raised the error.
func (e *PipelineError) WithChannel(name string) *PipelineError {
	e.ChannelName = name
	return e
}

// WithStatusCode sets a specific HTTP status code.
func (e *PipelineError) WithStatusCode(code int) *PipelineError {
	e.StatusCode = code
	return e
}

// WithBody sets the fault response body.
func (e *PipelineError) WithBody(body []byte) *PipelineError {
	e.Body = body
	return e
}

// WithCause sets the originating error.
func (e *PipelineError) WithCause(err error) *PipelineError {
	e.Err = err
	return e
}

// AsFatal marks the error fatal.
func (e *PipelineError) AsFatal() *PipelineError {
	e.Fatal = true
	return e
}

// Convenience constructors for common errors

// ErrFilter creates a non-fatal filter error. Chain AsFatal to halt the pipeline.
func ErrFilter(message string) *PipelineError {
	return NewPipelineError(ErrorTypeFilter, message)
}

// ErrFatalFilter creates a fatal filter error.
func ErrFatalFilter(message string) *PipelineError {
	return NewPipelineError(ErrorTypeFilter, message).AsFatal()
}

// ErrAdapter creates a fatal adapter error.
func ErrAdapter(message string) *PipelineError {
	return NewPipelineError(ErrorTypeAdapter, message).AsFatal()
}

// ErrCanceled wraps a context error into a fatal pipeline error.
func ErrCanceled(cause error) *PipelineError {
	return NewPipelineError(ErrorTypeCanceled, "pipeline execution cancelled: "+cause.Error()).
		WithCause(cause).
		AsFatal()
}

// ErrUnauthenticated creates an authentication error matching ErrAuthentication.
func ErrUnauthenticated(message string) *PipelineError {
	return NewPipelineError(ErrorTypeAuthentication, message).WithCause(ErrAuthentication)
}

// AsPipelineError extracts a *PipelineError from err.
func AsPipelineError(err error) (*PipelineError, bool) {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
