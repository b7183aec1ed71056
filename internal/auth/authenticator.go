// Package auth acquires bearer tokens for outbound calls and validates
// inbound API keys.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/tjfontaine/polyglot-pipeline/internal/cache"
	"github.com/tjfontaine/polyglot-pipeline/internal/config"
	"github.com/tjfontaine/polyglot-pipeline/internal/core/domain"
	"github.com/tjfontaine/polyglot-pipeline/internal/core/ports"
)

// expiryDelta is subtracted from a token's expiry when deciding whether a
// cached token is still usable.
const expiryDelta = 30 * time.Second

// Credential produces tokens for a resource.
type Credential interface {
	Name() string
	Token(ctx context.Context, resource string, scopes []string) (*oauth2.Token, error)
}

// StaticCredential always returns the same token.
type StaticCredential struct {
	name  string
	token string
}

// NewStaticCredential creates a credential for a fixed token.
func NewStaticCredential(name, token string) *StaticCredential {
	return &StaticCredential{name: name, token: token}
}

func (c *StaticCredential) Name() string { return c.name }

func (c *StaticCredential) Token(ctx context.Context, resource string, scopes []string) (*oauth2.Token, error) {
	if c.token == "" {
		return nil, errors.New("static credential has no token")
	}
	return &oauth2.Token{AccessToken: c.token, TokenType: "Bearer"}, nil
}

// ClientCredential acquires tokens with the OAuth2 client credentials grant.
// A non-empty resource is sent as the "resource" endpoint parameter.
type ClientCredential struct {
	name   string
	cfg    clientcredentials.Config
	client *http.Client
}

// NewClientCredential creates a client credentials grant credential. A nil
// client uses http.DefaultClient.
func NewClientCredential(name string, cfg clientcredentials.Config, client *http.Client) *ClientCredential {
	return &ClientCredential{name: name, cfg: cfg, client: client}
}

func (c *ClientCredential) Name() string { return c.name }

func (c *ClientCredential) Token(ctx context.Context, resource string, scopes []string) (*oauth2.Token, error) {
	cfg := c.cfg
	if len(scopes) > 0 {
		cfg.Scopes = scopes
	}
	if resource != "" {
		params := url.Values{}
		for k, v := range c.cfg.EndpointParams {
			params[k] = slices.Clone(v)
		}
		params.Set("resource", resource)
		cfg.EndpointParams = params
	}
	if c.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.client)
	}
	return cfg.Token(ctx)
}

// Authenticator acquires tokens from named credentials and caches them until
// shortly before they expire.
type Authenticator struct {
	credentials map[string]Credential
	defaultName string
	cache       ports.CacheStore
	logger      *slog.Logger
	now         func() time.Time
}

var _ ports.TokenProvider = (*Authenticator)(nil)

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithCache caches acquired tokens in store.
func WithCache(store ports.CacheStore) Option {
	return func(a *Authenticator) { a.cache = store }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Authenticator) { a.logger = logger }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) { a.now = now }
}

// NewAuthenticator creates an authenticator over credentials. The first
// credential becomes the default unless SetDefault is called.
func NewAuthenticator(credentials []Credential, opts ...Option) (*Authenticator, error) {
	a := &Authenticator{
		credentials: make(map[string]Credential, len(credentials)),
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}

	for _, c := range credentials {
		if _, dup := a.credentials[c.Name()]; dup {
			return nil, fmt.Errorf("duplicate credential %q", c.Name())
		}
		a.credentials[c.Name()] = c
		if a.defaultName == "" {
			a.defaultName = c.Name()
		}
	}
	return a, nil
}

// FromConfig builds an authenticator from configured credentials.
func FromConfig(creds []config.CredentialConfig, client *http.Client, opts ...Option) (*Authenticator, error) {
	var (
		list        []Credential
		defaultName string
	)
	for _, cc := range creds {
		switch cc.Type {
		case "static":
			list = append(list, NewStaticCredential(cc.Name, cc.Token))
		case "client_credentials":
			list = append(list, NewClientCredential(cc.Name, clientcredentials.Config{
				ClientID:     cc.ClientID,
				ClientSecret: cc.ClientSecret,
				TokenURL:     cc.TokenURL,
				Scopes:       cc.Scopes,
			}, client))
		default:
			return nil, fmt.Errorf("credential %s: unsupported type %q", cc.Name, cc.Type)
		}
		if cc.Default && defaultName == "" {
			defaultName = cc.Name
		}
	}

	a, err := NewAuthenticator(list, opts...)
	if err != nil {
		return nil, err
	}
	if defaultName != "" {
		a.defaultName = defaultName
	}
	return a, nil
}

// SetDefault selects the credential used by AcquireToken.
func (a *Authenticator) SetDefault(name string) error {
	if _, ok := a.credentials[name]; !ok {
		return fmt.Errorf("%w: unknown credential %q", domain.ErrAuthentication, name)
	}
	a.defaultName = name
	return nil
}

// AcquireToken acquires a token with the default credential.
func (a *Authenticator) AcquireToken(ctx context.Context, resource string, scopes ...string) (string, error) {
	if a.defaultName == "" {
		return "", fmt.Errorf("%w: no credentials configured", domain.ErrAuthentication)
	}
	return a.AcquireTokenWith(ctx, a.defaultName, resource, scopes...)
}

type cachedToken struct {
	AccessToken string    `json:"access_token"`
	Expiry      time.Time `json:"expiry,omitempty"`
}

// AcquireTokenWith acquires a token with the named credential. An empty name
// selects the default credential.
func (a *Authenticator) AcquireTokenWith(ctx context.Context, credential, resource string, scopes ...string) (string, error) {
	if credential == "" {
		return a.AcquireToken(ctx, resource, scopes...)
	}
	cred, ok := a.credentials[credential]
	if !ok {
		return "", fmt.Errorf("%w: unknown credential %q", domain.ErrAuthentication, credential)
	}

	key := tokenCacheKey(credential, resource, scopes)
	if a.cache != nil {
		cached, ok, err := cache.Get[cachedToken](ctx, a.cache, key)
		if err != nil {
			a.logger.Warn("token cache lookup failed",
				slog.String("credential", credential),
				slog.String("error", err.Error()))
		} else if ok && a.usable(cached.Expiry) {
			return cached.AccessToken, nil
		}
	}

	tok, err := cred.Token(ctx, resource, scopes)
	if err != nil {
		return "", fmt.Errorf("%w: credential %s: %v", domain.ErrAuthentication, credential, err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("%w: credential %s returned an empty token", domain.ErrAuthentication, credential)
	}

	if a.cache != nil && !tok.Expiry.IsZero() {
		entry := cachedToken{AccessToken: tok.AccessToken, Expiry: tok.Expiry}
		if err := cache.Add(ctx, a.cache, key, entry); err != nil {
			a.logger.Warn("token cache store failed",
				slog.String("credential", credential),
				slog.String("error", err.Error()))
		}
	}

	return tok.AccessToken, nil
}

func (a *Authenticator) usable(expiry time.Time) bool {
	return expiry.IsZero() || a.now().Add(expiryDelta).Before(expiry)
}

func tokenCacheKey(credential, resource string, scopes []string) string {
	sorted := slices.Clone(scopes)
	slices.Sort(sorted)
	return "token:" + credential + "|" + resource + "|" + strings.Join(sorted, " ")
}
