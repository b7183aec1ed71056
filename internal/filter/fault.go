package filter

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/tjfontaine/polyglot-pipeline/internal/core/domain"
	"github.com/tjfontaine/polyglot-pipeline/internal/core/ports"
	"github.com/tjfontaine/polyglot-pipeline/internal/registry"
)

// FaultConfig configures a Fault filter.
type FaultConfig struct {
	// StatusCode is used when the context still reports a 2xx status. 500 by default.
	StatusCode int `koanf:"status_code"`
}

// FaultBody is the JSON error body written by Fault.
type FaultBody struct {
	Error FaultError `json:"error"`
}

// FaultError describes the recorded error.
type FaultError struct {
	Message string `json:"message"`
	Filter  string `json:"filter,omitempty"`
	Status  int    `json:"status"`
}

// Fault renders the error recorded on a faulted context as a JSON body.
// It is normally declared with the Fault execution status.
type Fault struct {
	Base
	cfg FaultConfig
}

var _ ports.Filter = (*Fault)(nil)

// NewFault creates a fault filter.
func NewFault(b Base, cfg FaultConfig) *Fault {
	if cfg.StatusCode == 0 {
		cfg.StatusCode = http.StatusInternalServerError
	}
	return &Fault{Base: b, cfg: cfg}
}

func newFaultFromComponent(c registry.Component, _ registry.Deps) (ports.Filter, error) {
	var cfg FaultConfig
	if err := c.Decode(&cfg); err != nil {
		return nil, err
	}
	return NewFault(baseFrom(c), cfg), nil
}

func (f *Fault) Execute(_ context.Context, op *domain.OperationContext) (*domain.OperationContext, error) {
	if op.StatusCode < 400 {
		op.StatusCode = f.cfg.StatusCode
	}

	body := FaultBody{Error: FaultError{
		Message: http.StatusText(op.StatusCode),
		Status:  op.StatusCode,
	}}
	if op.Error != nil {
		body.Error.Message = op.Error.Message
		body.Error.Filter = op.Error.FilterName
	}

	data, err := json.Marshal(body)
	if err != nil {
		return op, domain.ErrFatalFilter("marshal fault body: " + err.Error()).WithCause(err)
	}
	op.SetContent(data, "application/json")
	return op, nil
}
