package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/tjfontaine/polyglot-pipeline/internal/config"
	"github.com/tjfontaine/polyglot-pipeline/internal/core/ports"
	"github.com/tjfontaine/polyglot-pipeline/internal/registry"
)

// BuildComponents creates the configured filters and channels using the
// registered factories. On error every channel already created is closed.
func BuildComponents(cfg config.PipelineConfig, deps registry.Deps) ([]ports.Filter, []ports.Channel, error) {
	filters := make([]ports.Filter, 0, len(cfg.Filters))
	for i, fc := range cfg.Filters {
		f, err := registry.CreateFilter(fc, deps)
		if err != nil {
			return nil, nil, fmt.Errorf("pipeline %s filters[%d]: %w", cfg.Name, i, err)
		}
		filters = append(filters, f)
	}

	channels := make([]ports.Channel, 0, len(cfg.Channels))
	for i, cc := range cfg.Channels {
		ch, err := registry.CreateChannel(cc, deps)
		if err != nil {
			return nil, nil, errors.Join(
				fmt.Errorf("pipeline %s channels[%d]: %w", cfg.Name, i, err),
				closeChannels(channels),
			)
		}
		channels = append(channels, ch)
	}

	return filters, channels, nil
}

// OptionsFromConfig translates the execution settings of cfg into options.
// Filters and channels are not included.
func OptionsFromConfig(cfg config.PipelineConfig) ([]Option, error) {
	opts := []Option{WithName(cfg.Name)}

	if cfg.ChannelErrorPolicy != "" {
		policy, err := ParseChannelErrorPolicy(cfg.ChannelErrorPolicy)
		if err != nil {
			return nil, fmt.Errorf("pipeline %s: %w", cfg.Name, err)
		}
		opts = append(opts, WithChannelErrorPolicy(policy))
	}
	if cfg.ConcurrentDispatch {
		opts = append(opts, WithConcurrentDispatch(true))
	}
	if cfg.PersistentChannels != nil {
		opts = append(opts, WithPersistentChannels(*cfg.PersistentChannels))
	}
	if cfg.IgnoreEmptyContext {
		opts = append(opts, WithIgnoreEmptyContext(true))
	}
	if cfg.FaultStatusCode != 0 {
		opts = append(opts, WithFaultStatusCode(cfg.FaultStatusCode))
	}

	return opts, nil
}

// FromConfig builds a pipeline from configuration. The extra options are
// applied before the configured ones, so configuration wins where both set
// the same thing.
func FromConfig[In, Out any](
	cfg config.PipelineConfig,
	input ports.InputAdapter[In],
	output ports.OutputAdapter[Out],
	deps registry.Deps,
	extra ...Option,
) (*Pipeline[In, Out], error) {
	configured, err := OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	filters, channels, err := BuildComponents(cfg, deps)
	if err != nil {
		return nil, err
	}

	opts := make([]Option, 0, len(extra)+len(configured)+2)
	opts = append(opts, extra...)
	opts = append(opts, configured...)
	opts = append(opts, WithFilters(filters...), WithChannels(channels...))

	p, err := New(input, output, opts...)
	if err != nil {
		return nil, errors.Join(err, closeChannels(channels))
	}
	return p, nil
}

func closeChannels(channels []ports.Channel) error {
	var errs []error
	for _, ch := range channels {
		if err := ch.Close(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
