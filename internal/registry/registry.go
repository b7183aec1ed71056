// Package registry provides filter and channel factory registration and lookup.
//
// # Adding a New Filter or Channel
//
// Each package exposes a registration function that is called explicitly
// from internal/registration:
//
//	func RegisterFactory() {
//	    registry.RegisterChannel(registry.ChannelFactory{
//	        Type:        "nats",
//	        Description: "Publishes to a NATS subject",
//	        Create:      createFromConfig,
//	    })
//	}
package registry

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/go-viper/mapstructure/v2"

	"github.com/tjfontaine/polyglot-pipeline/internal/config"
	"github.com/tjfontaine/polyglot-pipeline/internal/core/domain"
	"github.com/tjfontaine/polyglot-pipeline/internal/core/ports"
)

// Deps are the shared collaborators available to factories. Any field may be nil.
type Deps struct {
	Logger     *slog.Logger
	Cache      ports.CacheStore
	Tokens     ports.TokenProvider
	HTTPClient *http.Client
}

// Component is a resolved filter or channel configuration.
type Component struct {
	ID     string
	Name   string
	Type   string
	Status domain.StatusType
	Config map[string]any
}

// NewComponent resolves cfg. The execution status defaults to Normal.
func NewComponent(cfg config.ComponentConfig) (Component, error) {
	status, err := domain.ParseStatusType(cfg.ExecutionStatus)
	if err != nil {
		return Component{}, fmt.Errorf("%s: %w", cfg.DisplayName(), err)
	}
	return Component{
		ID:     cfg.ID,
		Name:   cfg.DisplayName(),
		Type:   cfg.Type,
		Status: status,
		Config: cfg.Config,
	}, nil
}

// Decode decodes the component config into out, a pointer to a struct with
// koanf tags. Unknown keys are an error. Strings like "5s" decode into
// time.Duration fields.
func (c Component) Decode(out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "koanf",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		Result: out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(c.Config); err != nil {
		return fmt.Errorf("%s config: %w", c.Name, err)
	}
	return nil
}

// FilterFactory creates filters of one type.
type FilterFactory struct {
	Type        string
	Description string
	Create      func(c Component, deps Deps) (ports.Filter, error)
}

// ChannelFactory creates channels of one type.
type ChannelFactory struct {
	Type        string
	Description string
	Create      func(c Component, deps Deps) (ports.Channel, error)
}

var (
	mu       sync.RWMutex
	filters  = make(map[string]FilterFactory)
	channels = make(map[string]ChannelFactory)
)

// RegisterFilter registers a filter factory.
// Panics if a factory with the same type is already registered.
func RegisterFilter(f FilterFactory) {
	mu.Lock()
	defer mu.Unlock()

	if f.Type == "" {
		panic("filter factory type cannot be empty")
	}
	if f.Create == nil {
		panic(fmt.Sprintf("filter factory %q must have a Create function", f.Type))
	}
	if _, exists := filters[f.Type]; exists {
		panic(fmt.Sprintf("filter factory %q already registered", f.Type))
	}
	filters[f.Type] = f
}

// RegisterChannel registers a channel factory.
// Panics if a factory with the same type is already registered.
func RegisterChannel(f ChannelFactory) {
	mu.Lock()
	defer mu.Unlock()

	if f.Type == "" {
		panic("channel factory type cannot be empty")
	}
	if f.Create == nil {
		panic(fmt.Sprintf("channel factory %q must have a Create function", f.Type))
	}
	if _, exists := channels[f.Type]; exists {
		panic(fmt.Sprintf("channel factory %q already registered", f.Type))
	}
	channels[f.Type] = f
}

// FilterTypes returns the registered filter types, sorted.
func FilterTypes() []string {
	mu.RLock()
	defer mu.RUnlock()
	return sortedKeys(filters)
}

// ChannelTypes returns the registered channel types, sorted.
func ChannelTypes() []string {
	mu.RLock()
	defer mu.RUnlock()
	return sortedKeys(channels)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CreateFilter creates a filter using the registered factory.
func CreateFilter(cfg config.ComponentConfig, deps Deps) (ports.Filter, error) {
	mu.RLock()
	f, ok := filters[cfg.Type]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown filter type: %s (registered types: %v)", cfg.Type, FilterTypes())
	}

	c, err := NewComponent(cfg)
	if err != nil {
		return nil, err
	}
	filter, err := f.Create(c, deps)
	if err != nil {
		return nil, fmt.Errorf("create filter %s: %w", c.Name, err)
	}
	return filter, nil
}

// CreateChannel creates a channel using the registered factory.
func CreateChannel(cfg config.ComponentConfig, deps Deps) (ports.Channel, error) {
	mu.RLock()
	f, ok := channels[cfg.Type]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown channel type: %s (registered types: %v)", cfg.Type, ChannelTypes())
	}

	c, err := NewComponent(cfg)
	if err != nil {
		return nil, err
	}
	ch, err := f.Create(c, deps)
	if err != nil {
		return nil, fmt.Errorf("create channel %s: %w", c.Name, err)
	}
	return ch, nil
}

// ClearFactories removes all registered factories (for testing only).
func ClearFactories() {
	mu.Lock()
	defer mu.Unlock()

	filters = make(map[string]FilterFactory)
	channels = make(map[string]ChannelFactory)
}
