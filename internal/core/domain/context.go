package domain

import (
	"bytes"
	"maps"
	"net/http"
	"net/url"
	"strings"
)

// PropertyExecutionID holds the id of the pipeline execution that owns a
// context.
const PropertyExecutionID = "pipeline.execution_id"

// OperationContext is the mutable envelope that flows through a pipeline.
// It is owned by a single execution and must not be shared between
// concurrent requests.
type OperationContext struct {
	// Request is the original raw request handed to the input adapter.
	Request any

	Method string
	URL    *url.URL

	// Content is the request or response payload. Nil means absent.
	Content     []byte
	ContentType string
	StatusCode  int

	Headers    Headers
	Properties map[string]any

	// Status gates which filters and channels are eligible to run.
	Status StatusType

	// Error describes the condition that put the context into Fault, if any.
	Error *ErrorDetail
}

// ErrorDetail records an error raised while processing a context.
type ErrorDetail struct {
	Message    string `json:"message"`
	FilterName string `json:"filter_name,omitempty"`
	FilterID   string `json:"filter_id,omitempty"`
	Fatal      bool   `json:"fatal"`
}

// NewOperationContext creates a context in Normal status with empty headers
// and properties.
func NewOperationContext(method string, u *url.URL) *OperationContext {
	return &OperationContext{
		Method:     method,
		URL:        u,
		StatusCode: http.StatusOK,
		Headers:    Headers{},
		Properties: make(map[string]any),
		Status:     StatusNormal,
	}
}

// SetContent replaces the payload and its content type.
func (c *OperationContext) SetContent(content []byte, contentType string) {
	c.Content = content
	c.ContentType = contentType
}

// Fault moves the context into Fault status and records detail.
func (c *OperationContext) Fault(statusCode int, detail *ErrorDetail) {
	c.Status = StatusFault
	if statusCode != 0 {
		c.StatusCode = statusCode
	}
	c.Error = detail
}

// SetHeader replaces all values for name, creating the header map if needed.
func (c *OperationContext) SetHeader(name string, values ...string) {
	if c.Headers == nil {
		c.Headers = Headers{}
	}
	c.Headers.Set(name, values...)
}

// AddHeader appends a header value, creating the header map if needed.
func (c *OperationContext) AddHeader(name, value string) {
	if c.Headers == nil {
		c.Headers = Headers{}
	}
	c.Headers.Add(name, value)
}

// Property returns a property value.
func (c *OperationContext) Property(name string) (any, bool) {
	if c.Properties == nil {
		return nil, false
	}
	v, ok := c.Properties[name]
	return v, ok
}

// ExecutionID returns the owning execution's id, or "" outside a pipeline.
func (c *OperationContext) ExecutionID() string {
	id, _ := c.Properties[PropertyExecutionID].(string)
	return id
}

// SetProperty stores a value for later filters.
func (c *OperationContext) SetProperty(name string, value any) {
	if c.Properties == nil {
		c.Properties = make(map[string]any)
	}
	c.Properties[name] = value
}

// Clone returns a copy whose payload, headers and property map can be
// mutated without affecting c. Property values themselves are shared.
func (c *OperationContext) Clone() *OperationContext {
	if c == nil {
		return nil
	}
	out := *c
	if c.URL != nil {
		u := *c.URL
		out.URL = &u
	}
	if c.Content != nil {
		out.Content = bytes.Clone(c.Content)
	}
	out.Headers = c.Headers.Clone()
	out.Properties = maps.Clone(c.Properties)
	if c.Error != nil {
		e := *c.Error
		out.Error = &e
	}
	return &out
}

// Headers maps header names to ordered values. Keys are case-insensitive;
// the first spelling of a name is the one reported by Keys. Like a map,
// a nil Headers reads as empty but must not be written; see
// OperationContext.SetHeader.
type Headers map[string]*headerEntry

type headerEntry struct {
	name   string
	values []string
}

func headerKey(name string) string {
	return strings.ToLower(name)
}

// Add appends a value, preserving the order of existing values.
func (h Headers) Add(name, value string) {
	k := headerKey(name)
	if e, ok := h[k]; ok {
		e.values = append(e.values, value)
		return
	}
	h[k] = &headerEntry{name: name, values: []string{value}}
}

// Set replaces all values for name.
func (h Headers) Set(name string, values ...string) {
	h[headerKey(name)] = &headerEntry{name: name, values: append([]string(nil), values...)}
}

// Get returns the first value for name or "".
func (h Headers) Get(name string) string {
	if e, ok := h[headerKey(name)]; ok && len(e.values) > 0 {
		return e.values[0]
	}
	return ""
}

// Values returns all values for name in insertion order.
func (h Headers) Values(name string) []string {
	if e, ok := h[headerKey(name)]; ok {
		return append([]string(nil), e.values...)
	}
	return nil
}

// Has reports whether name is present.
func (h Headers) Has(name string) bool {
	_, ok := h[headerKey(name)]
	return ok
}

// Del removes name.
func (h Headers) Del(name string) {
	delete(h, headerKey(name))
}

// Keys returns the header names as first spelled.
func (h Headers) Keys() []string {
	keys := make([]string, 0, len(h))
	for _, e := range h {
		keys = append(keys, e.name)
	}
	return keys
}

// Clone returns a deep copy.
func (h Headers) Clone() Headers {
	out := make(Headers, len(h))
	for k, e := range h {
		out[k] = &headerEntry{name: e.name, values: append([]string(nil), e.values...)}
	}
	return out
}

// HeadersFromHTTP copies an http.Header preserving value order.
func HeadersFromHTTP(src http.Header) Headers {
	h := make(Headers, len(src))
	for name, values := range src {
		for _, v := range values {
			h.Add(name, v)
		}
	}
	return h
}

// HTTP converts to an http.Header.
func (h Headers) HTTP() http.Header {
	out := make(http.Header, len(h))
	for _, e := range h {
		for _, v := range e.values {
			out.Add(e.name, v)
		}
	}
	return out
}
