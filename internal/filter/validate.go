package filter

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"slices"
	"strings"

	"github.com/tjfontaine/polyglot-pipeline/internal/core/domain"
	"github.com/tjfontaine/polyglot-pipeline/internal/core/ports"
	"github.com/tjfontaine/polyglot-pipeline/internal/registry"
)

// ValidateConfig configures a Validate filter. Empty lists accept anything.
type ValidateConfig struct {
	Methods         []string `koanf:"methods"`
	RequiredHeaders []string `koanf:"required_headers"`
	ContentTypes    []string `koanf:"content_types"`
	RequireBody     bool     `koanf:"require_body"`
	// StatusCode of the fault, 400 by default. A method mismatch uses 405.
	StatusCode int `koanf:"status_code"`
	// Fatal halts the pipeline instead of continuing in Fault.
	Fatal bool `koanf:"fatal"`
}

// Validate checks the request shape and faults the context on failure.
type Validate struct {
	Base
	cfg ValidateConfig
}

var _ ports.Filter = (*Validate)(nil)

// NewValidate creates a validation filter.
func NewValidate(b Base, cfg ValidateConfig) *Validate {
	methods := make([]string, len(cfg.Methods))
	for i, m := range cfg.Methods {
		methods[i] = strings.ToUpper(m)
	}
	cfg.Methods = methods
	return &Validate{Base: b, cfg: cfg}
}

func newValidateFromComponent(c registry.Component, _ registry.Deps) (ports.Filter, error) {
	var cfg ValidateConfig
	if err := c.Decode(&cfg); err != nil {
		return nil, err
	}
	return NewValidate(baseFrom(c), cfg), nil
}

func (v *Validate) Execute(_ context.Context, op *domain.OperationContext) (*domain.OperationContext, error) {
	status, message := v.check(op)
	if message == "" {
		return op, nil
	}

	pe := v.fault(op, status, message)
	if v.cfg.Fatal {
		pe.AsFatal()
		op.Error.Fatal = true
	}
	return op, pe
}

func (v *Validate) check(op *domain.OperationContext) (int, string) {
	status := v.cfg.StatusCode
	if status == 0 {
		status = http.StatusBadRequest
	}

	if len(v.cfg.Methods) > 0 && !slices.Contains(v.cfg.Methods, strings.ToUpper(op.Method)) {
		return http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed", op.Method)
	}

	for _, name := range v.cfg.RequiredHeaders {
		if op.Headers.Get(name) == "" {
			return status, fmt.Sprintf("missing required header %s", name)
		}
	}

	if len(v.cfg.ContentTypes) > 0 {
		mediaType, _, err := mime.ParseMediaType(op.ContentType)
		if err != nil || !slices.Contains(v.cfg.ContentTypes, mediaType) {
			return http.StatusUnsupportedMediaType, fmt.Sprintf("content type %q not accepted", op.ContentType)
		}
	}

	if v.cfg.RequireBody && len(op.Content) == 0 {
		return status, "request body is required"
	}

	return 0, ""
}
