// Package config loads the gateway configuration from a YAML file and
// PIPE_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultPath is loaded when no path is given. A missing default file is not an error.
const DefaultPath = "config.yaml"

// EnvPrefix prefixes environment overrides. PIPE_SERVER__PORT sets server.port.
const EnvPrefix = "PIPE_"

type Config struct {
	Server      ServerConfig       `koanf:"server"`
	Storage     StorageConfig      `koanf:"storage"`
	Telemetry   TelemetryConfig    `koanf:"telemetry"`
	Credentials []CredentialConfig `koanf:"credentials"`
	Pipelines   []PipelineConfig   `koanf:"pipelines"`
}

type ServerConfig struct {
	Port           int            `koanf:"port"`
	RequestTimeout string         `koanf:"request_timeout"` // Duration string like "30s"
	MaxBodyBytes   int64          `koanf:"max_body_bytes"`
	APIKeys        []APIKeyConfig `koanf:"api_keys"`

	// BlockPrivateEgress refuses outbound component connections to
	// loopback and private networks.
	BlockPrivateEgress bool `koanf:"block_private_egress"`
}

type APIKeyConfig struct {
	KeyHash     string `koanf:"key_hash"`
	Description string `koanf:"description"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // memory, sqlite, redis, none
	TTL    string       `koanf:"ttl"`  // Cache entry lifetime, empty for no expiry
	SQLite SQLiteConfig `koanf:"sqlite"`
	Redis  RedisConfig  `koanf:"redis"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Prefix   string `koanf:"prefix"`
}

type TelemetryConfig struct {
	Tracing string `koanf:"tracing"` // none, stdout
	Metrics bool   `koanf:"metrics"`
}

// CredentialConfig describes a credential used to acquire outbound tokens.
type CredentialConfig struct {
	Name         string   `koanf:"name"`
	Type         string   `koanf:"type"` // static, client_credentials
	Default      bool     `koanf:"default"`
	Token        string   `koanf:"token"`
	ClientID     string   `koanf:"client_id"`
	ClientSecret string   `koanf:"client_secret"`
	TokenURL     string   `koanf:"token_url"`
	Scopes       []string `koanf:"scopes"`
}

// PipelineConfig describes one HTTP pipeline.
type PipelineConfig struct {
	Name               string            `koanf:"name"`
	Path               string            `koanf:"path"`
	Methods            []string          `koanf:"methods"`
	Timeout            string            `koanf:"timeout"`
	ChannelErrorPolicy string            `koanf:"channel_error_policy"` // ignore, abort
	ConcurrentDispatch bool              `koanf:"concurrent_dispatch"`
	PersistentChannels *bool             `koanf:"persistent_channels"` // Default true when served
	IgnoreEmptyContext bool              `koanf:"ignore_empty_context"`
	FaultStatusCode    int               `koanf:"fault_status_code"`
	Filters            []ComponentConfig `koanf:"filters"`
	Channels           []ComponentConfig `koanf:"channels"`
}

// ComponentConfig describes a filter or channel. Config is decoded by the
// factory registered for Type.
type ComponentConfig struct {
	ID              string         `koanf:"id"`
	Name            string         `koanf:"name"`
	Type            string         `koanf:"type"`
	ExecutionStatus string         `koanf:"execution_status"` // normal, fault, any
	Config          map[string]any `koanf:"config"`
}

// DisplayName returns Name, falling back to Type.
func (c ComponentConfig) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Type
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads path (DefaultPath when empty), applies PIPE_ environment
// overrides and defaults, and expands ${VAR} references in secrets and
// component configs.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// A missing default file is OK, we'll use env vars
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	// Load environment variables (can override file config)
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, err
	}

	// Default values
	if !k.Exists("server.port") {
		k.Set("server.port", 8080)
	}
	if !k.Exists("server.request_timeout") {
		k.Set("server.request_timeout", "30s")
	}
	if !k.Exists("storage.type") {
		k.Set("storage.type", "memory")
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.expand()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) expand() {
	c.Storage.Redis.Password = substituteEnvVars(c.Storage.Redis.Password)
	for i := range c.Credentials {
		c.Credentials[i].Token = substituteEnvVars(c.Credentials[i].Token)
		c.Credentials[i].ClientID = substituteEnvVars(c.Credentials[i].ClientID)
		c.Credentials[i].ClientSecret = substituteEnvVars(c.Credentials[i].ClientSecret)
	}
	for i := range c.Pipelines {
		for j := range c.Pipelines[i].Filters {
			expandMap(c.Pipelines[i].Filters[j].Config)
		}
		for j := range c.Pipelines[i].Channels {
			expandMap(c.Pipelines[i].Channels[j].Config)
		}
	}
}

// Validate checks the cross-field constraints koanf cannot express.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.RequestTimeout != "" {
		if _, err := time.ParseDuration(c.Server.RequestTimeout); err != nil {
			errs = append(errs, fmt.Errorf("server.request_timeout: %w", err))
		}
	}

	switch c.Storage.Type {
	case "", "memory", "none":
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			errs = append(errs, errors.New("storage.sqlite.path is required"))
		}
	case "redis":
		if c.Storage.Redis.Addr == "" {
			errs = append(errs, errors.New("storage.redis.addr is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.type %q is not supported", c.Storage.Type))
	}
	if c.Storage.TTL != "" {
		if _, err := time.ParseDuration(c.Storage.TTL); err != nil {
			errs = append(errs, fmt.Errorf("storage.ttl: %w", err))
		}
	}

	credentials := make(map[string]bool)
	for i, cred := range c.Credentials {
		if cred.Name == "" {
			errs = append(errs, fmt.Errorf("credentials[%d]: name is required", i))
		} else if credentials[cred.Name] {
			errs = append(errs, fmt.Errorf("credentials[%d]: duplicate name %q", i, cred.Name))
		}
		credentials[cred.Name] = true

		switch cred.Type {
		case "static":
			if cred.Token == "" {
				errs = append(errs, fmt.Errorf("credential %s: token is required", cred.Name))
			}
		case "client_credentials":
			if cred.ClientID == "" || cred.TokenURL == "" {
				errs = append(errs, fmt.Errorf("credential %s: client_id and token_url are required", cred.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("credential %s: type %q is not supported", cred.Name, cred.Type))
		}
	}

	names := make(map[string]bool)
	for i, p := range c.Pipelines {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("pipelines[%d]: name is required", i))
		} else if names[p.Name] {
			errs = append(errs, fmt.Errorf("pipelines[%d]: duplicate name %q", i, p.Name))
		}
		names[p.Name] = true

		if !strings.HasPrefix(p.Path, "/") {
			errs = append(errs, fmt.Errorf("pipeline %s: path must start with /", p.Name))
		}
		if p.Timeout != "" {
			if _, err := time.ParseDuration(p.Timeout); err != nil {
				errs = append(errs, fmt.Errorf("pipeline %s timeout: %w", p.Name, err))
			}
		}
		for j, f := range p.Filters {
			if f.Type == "" {
				errs = append(errs, fmt.Errorf("pipeline %s filters[%d]: type is required", p.Name, j))
			}
		}
		for j, ch := range p.Channels {
			if ch.Type == "" {
				errs = append(errs, fmt.Errorf("pipeline %s channels[%d]: type is required", p.Name, j))
			}
		}
	}

	return errors.Join(errs...)
}

// Timeout returns the parsed request timeout, zero if unset.
func (s ServerConfig) Timeout() time.Duration {
	d, _ := time.ParseDuration(s.RequestTimeout)
	return d
}

// Lifetime returns the parsed cache entry lifetime, zero for no expiry.
func (s StorageConfig) Lifetime() time.Duration {
	d, _ := time.ParseDuration(s.TTL)
	return d
}

// TimeoutDuration returns the parsed per-pipeline timeout, zero if unset.
func (p PipelineConfig) TimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(p.Timeout)
	return d
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func expandMap(m map[string]any) {
	for k, v := range m {
		m[k] = expandValue(v)
	}
}

func expandValue(v any) any {
	switch t := v.(type) {
	case string:
		return substituteEnvVars(t)
	case map[string]any:
		expandMap(t)
		return t
	case []any:
		for i := range t {
			t[i] = expandValue(t[i])
		}
		return t
	default:
		return v
	}
}
