package filter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tjfontaine/polyglot-pipeline/internal/core/domain"
	"github.com/tjfontaine/polyglot-pipeline/internal/core/ports"
	"github.com/tjfontaine/polyglot-pipeline/internal/registry"
)

// ContentConfig configures a Content filter. Body replaces the payload;
// otherwise JSON sets top-level properties on a JSON object payload.
type ContentConfig struct {
	Body        string         `koanf:"body"`
	ContentType string         `koanf:"content_type"`
	JSON        map[string]any `koanf:"json"`
	StatusCode  int            `koanf:"status_code"`
}

// Content transforms the payload of the operation context.
type Content struct {
	Base
	cfg ContentConfig
}

var _ ports.Filter = (*Content)(nil)

// NewContent creates a content filter.
func NewContent(b Base, cfg ContentConfig) (*Content, error) {
	if cfg.Body != "" && len(cfg.JSON) > 0 {
		return nil, errors.New("body and json are mutually exclusive")
	}
	return &Content{Base: b, cfg: cfg}, nil
}

func newContentFromComponent(c registry.Component, _ registry.Deps) (ports.Filter, error) {
	var cfg ContentConfig
	if err := c.Decode(&cfg); err != nil {
		return nil, err
	}
	return NewContent(baseFrom(c), cfg)
}

func (f *Content) Execute(_ context.Context, op *domain.OperationContext) (*domain.OperationContext, error) {
	if f.cfg.StatusCode != 0 {
		op.StatusCode = f.cfg.StatusCode
	}

	switch {
	case f.cfg.Body != "":
		contentType := f.cfg.ContentType
		if contentType == "" {
			contentType = "text/plain; charset=utf-8"
		}
		op.SetContent([]byte(f.cfg.Body), contentType)

	case len(f.cfg.JSON) > 0:
		doc := make(map[string]any)
		if len(op.Content) > 0 {
			if err := json.Unmarshal(op.Content, &doc); err != nil {
				return op, f.fault(op, http.StatusBadRequest, "content is not a JSON object: "+err.Error())
			}
		}
		for k, v := range f.cfg.JSON {
			doc[k] = v
		}
		body, err := json.Marshal(doc)
		if err != nil {
			return op, domain.ErrFatalFilter("marshal content: " + err.Error()).WithCause(err)
		}
		op.SetContent(body, "application/json")
	}

	return op, nil
}
