package filter

import (
	"context"
	"errors"
	"fmt"

	"github.com/tjfontaine/polyglot-pipeline/internal/core/domain"
	"github.com/tjfontaine/polyglot-pipeline/internal/core/ports"
	"github.com/tjfontaine/polyglot-pipeline/internal/registry"
)

// TokenConfig configures a Token filter.
type TokenConfig struct {
	Resource   string   `koanf:"resource"`
	Scopes     []string `koanf:"scopes"`
	Credential string   `koanf:"credential"` // Default credential when empty
	Header     string   `koanf:"header"`     // Authorization by default
	Scheme     string   `koanf:"scheme"`     // Bearer by default, "-" for none
	// Optional lets the request continue without a token.
	Optional bool `koanf:"optional"`
}

// namedTokenProvider acquires tokens with a specific credential.
type namedTokenProvider interface {
	AcquireTokenWith(ctx context.Context, credential, resource string, scopes ...string) (string, error)
}

// Token acquires a token for an outbound resource and stores it in a header
// of the operation context.
type Token struct {
	Base
	cfg    TokenConfig
	tokens ports.TokenProvider
}

var _ ports.Filter = (*Token)(nil)

// NewToken creates a token filter.
func NewToken(b Base, cfg TokenConfig, tokens ports.TokenProvider) (*Token, error) {
	if tokens == nil {
		return nil, errors.New("token provider is required")
	}
	if cfg.Credential != "" {
		if _, ok := tokens.(namedTokenProvider); !ok {
			return nil, fmt.Errorf("token provider cannot select credential %q", cfg.Credential)
		}
	}
	if cfg.Header == "" {
		cfg.Header = "Authorization"
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "Bearer"
	}
	return &Token{Base: b, cfg: cfg, tokens: tokens}, nil
}

func newTokenFromComponent(c registry.Component, deps registry.Deps) (ports.Filter, error) {
	var cfg TokenConfig
	if err := c.Decode(&cfg); err != nil {
		return nil, err
	}
	return NewToken(baseFrom(c), cfg, deps.Tokens)
}

func (t *Token) Execute(ctx context.Context, op *domain.OperationContext) (*domain.OperationContext, error) {
	token, err := t.acquire(ctx)
	if err != nil {
		if t.cfg.Optional {
			return op, domain.ErrFilter("token acquisition failed: " + err.Error()).WithCause(err)
		}
		return op, domain.ErrUnauthenticated("token acquisition failed: " + err.Error()).AsFatal()
	}

	value := token
	if t.cfg.Scheme != "-" {
		value = t.cfg.Scheme + " " + token
	}
	op.SetHeader(t.cfg.Header, value)
	return op, nil
}

func (t *Token) acquire(ctx context.Context) (string, error) {
	if t.cfg.Credential != "" {
		return t.tokens.(namedTokenProvider).AcquireTokenWith(ctx, t.cfg.Credential, t.cfg.Resource, t.cfg.Scopes...)
	}
	return t.tokens.AcquireToken(ctx, t.cfg.Resource, t.cfg.Scopes...)
}
