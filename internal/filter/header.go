package filter

import (
	"context"

	"github.com/tjfontaine/polyglot-pipeline/internal/core/domain"
	"github.com/tjfontaine/polyglot-pipeline/internal/core/ports"
	"github.com/tjfontaine/polyglot-pipeline/internal/registry"
)

// HeaderConfig configures a Header filter. Remove is applied first, then
// Set, then Add.
type HeaderConfig struct {
	Set    map[string]string `koanf:"set"`
	Add    map[string]string `koanf:"add"`
	Remove []string          `koanf:"remove"`
}

// Header edits the headers of the operation context.
type Header struct {
	Base
	cfg HeaderConfig
}

var _ ports.Filter = (*Header)(nil)

// NewHeader creates a header filter.
func NewHeader(b Base, cfg HeaderConfig) *Header {
	return &Header{Base: b, cfg: cfg}
}

func newHeaderFromComponent(c registry.Component, _ registry.Deps) (ports.Filter, error) {
	var cfg HeaderConfig
	if err := c.Decode(&cfg); err != nil {
		return nil, err
	}
	return NewHeader(baseFrom(c), cfg), nil
}

func (h *Header) Execute(_ context.Context, op *domain.OperationContext) (*domain.OperationContext, error) {
	for _, name := range h.cfg.Remove {
		op.Headers.Del(name)
	}
	for name, value := range h.cfg.Set {
		op.SetHeader(name, value)
	}
	for name, value := range h.cfg.Add {
		op.AddHeader(name, value)
	}
	return op, nil
}
