package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/polyglot-pipeline/internal/core/domain"
	"github.com/tjfontaine/polyglot-pipeline/internal/core/ports"
)

// ErrDuplicateID is returned when an item with the same ID is already in a collection.
var ErrDuplicateID = errors.New("duplicate id")

type identified interface {
	ID() string
	Name() string
}

// collection is an ordered set keyed by ID. Insertion order is execution order.
type collection[T identified] struct {
	items []T
	ids   map[string]struct{}
}

func (c *collection[T]) add(item T) error {
	if c.ids == nil {
		c.ids = make(map[string]struct{})
	}
	if _, ok := c.ids[item.ID()]; ok {
		return fmt.Errorf("%w: %s (%s)", ErrDuplicateID, item.ID(), item.Name())
	}
	c.ids[item.ID()] = struct{}{}
	c.items = append(c.items, item)
	return nil
}

// Len returns the number of items.
func (c *collection[T]) Len() int { return len(c.items) }

// eligible reports whether an item declared for declared runs under current.
func eligible(declared, current domain.StatusType) bool {
	return declared.Allows(current)
}

// FilterCollection is the ordered filter sequence of a pipeline.
type FilterCollection struct {
	collection[ports.Filter]
}

// NewFilterCollection creates a collection from filters in order.
func NewFilterCollection(filters ...ports.Filter) (*FilterCollection, error) {
	c := &FilterCollection{}
	for _, f := range filters {
		if err := c.Add(f); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Add appends a filter.
func (c *FilterCollection) Add(f ports.Filter) error {
	return c.add(f)
}

// Filters returns the filters in execution order.
func (c *FilterCollection) Filters() []ports.Filter {
	return append([]ports.Filter(nil), c.items...)
}

// RunHooks observes a filter run. All fields are optional.
type RunHooks struct {
	Pipeline string
	Logger   *slog.Logger
	Tracer   trace.Tracer

	// IgnoreEmptyContext keeps the previous context when a filter returns
	// neither a context nor an error.
	IgnoreEmptyContext bool

	// OnDecision is called for every gating decision.
	OnDecision func(f ports.Filter, status domain.StatusType, executed bool)

	// OnFilterError is called for every filter error, fatal ones included,
	// before Run returns.
	OnFilterError func(f ports.Filter, err *domain.PipelineError)
}

// Run executes the eligible filters in order. A filter is eligible when its
// execution status is Any or equals the status of the context at the moment
// it is reached, so status changes made by one filter gate the next.
//
// Run returns the latest context even when it fails, so a fault response can
// be built from it. The returned error is always a fatal *domain.PipelineError.
func (c *FilterCollection) Run(ctx context.Context, op *domain.OperationContext, hooks RunHooks) (*domain.OperationContext, error) {
	logger := hooks.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := hooks.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}

	for _, f := range c.items {
		if err := ctx.Err(); err != nil {
			return op, domain.ErrCanceled(err).WithFilter(f.Name(), f.ID())
		}

		status := op.Status
		attrs := []any{
			slog.String("pipeline", hooks.Pipeline),
			slog.String("filter", f.Name()),
			slog.String("filter_id", f.ID()),
			slog.String("status", status.String()),
		}

		if !eligible(f.ExecutionStatus(), status) {
			logger.Debug(fmt.Sprintf("filter %s not executed due to status %s", f.Name(), status),
				append(attrs, slog.String("decision", "skipped"))...)
			if hooks.OnDecision != nil {
				hooks.OnDecision(f, status, false)
			}
			continue
		}

		logger.Debug(fmt.Sprintf("filter %s executed with status %s", f.Name(), status),
			append(attrs, slog.String("decision", "executed"))...)
		if hooks.OnDecision != nil {
			hooks.OnDecision(f, status, true)
		}

		next, err := runFilter(ctx, tracer, f, op)
		if err != nil {
			pe := filterError(ctx, f, err)
			if hooks.OnFilterError != nil {
				hooks.OnFilterError(f, pe)
			}
			if !pe.Fatal {
				logger.Warn("filter reported error", slog.String("pipeline", hooks.Pipeline),
					slog.String("filter", f.Name()), slog.String("error", pe.Error()))
				if next != nil {
					op = next
				}
				continue
			}
			return op, pe
		}

		if next == nil {
			if !hooks.IgnoreEmptyContext {
				return op, domain.ErrFatalFilter(fmt.Sprintf("filter %s returned no context", f.Name())).
					WithFilter(f.Name(), f.ID())
			}
			logger.Warn("filter returned no context, keeping previous",
				slog.String("pipeline", hooks.Pipeline), slog.String("filter", f.Name()))
			continue
		}
		op = next
	}

	return op, nil
}

func runFilter(ctx context.Context, tracer trace.Tracer, f ports.Filter, op *domain.OperationContext) (*domain.OperationContext, error) {
	ctx, span := tracer.Start(ctx, "filter "+f.Name(), trace.WithAttributes(
		attribute.String("filter.name", f.Name()),
		attribute.String("filter.id", f.ID()),
		attribute.String("filter.status", op.Status.String()),
	))
	defer span.End()

	next, err := f.Execute(ctx, op)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return next, err
}

// filterError normalizes err into a *domain.PipelineError attributed to f.
// Errors that are not pipeline errors are fatal.
func filterError(ctx context.Context, f ports.Filter, err error) *domain.PipelineError {
	if pe, ok := domain.AsPipelineError(err); ok {
		if pe.FilterName == "" && pe.FilterID == "" {
			pe.WithFilter(f.Name(), f.ID())
		}
		return pe
	}
	if ctxErr := ctx.Err(); ctxErr != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return domain.ErrCanceled(ctxErr).WithFilter(f.Name(), f.ID())
	}
	return domain.ErrFatalFilter(err.Error()).WithFilter(f.Name(), f.ID()).WithCause(err)
}

// ChannelErrorPolicy decides what a channel error does to the execution.
type ChannelErrorPolicy string

const (
	// ChannelErrorIgnore reports channel errors and continues.
	ChannelErrorIgnore ChannelErrorPolicy = "ignore"
	// ChannelErrorAbort turns the first channel error into a fatal error.
	ChannelErrorAbort ChannelErrorPolicy = "abort"
)

// ParseChannelErrorPolicy parses a configured policy. Empty means ignore.
func ParseChannelErrorPolicy(s string) (ChannelErrorPolicy, error) {
	switch ChannelErrorPolicy(s) {
	case "", ChannelErrorIgnore:
		return ChannelErrorIgnore, nil
	case ChannelErrorAbort:
		return ChannelErrorAbort, nil
	default:
		return "", fmt.Errorf("invalid channel error policy %q (must be 'ignore' or 'abort')", s)
	}
}

// ChannelCollection is the ordered channel set of a pipeline.
type ChannelCollection struct {
	collection[ports.Channel]

	// openMu serializes lazy opens so concurrent dispatches never race a
	// channel through Opening.
	openMu sync.Mutex
}

// NewChannelCollection creates a collection from channels in order.
func NewChannelCollection(channels ...ports.Channel) (*ChannelCollection, error) {
	c := &ChannelCollection{}
	for _, ch := range channels {
		if err := c.Add(ch); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Add appends a channel.
func (c *ChannelCollection) Add(ch ports.Channel) error {
	return c.add(ch)
}

// Channels returns the channels in dispatch order.
func (c *ChannelCollection) Channels() []ports.Channel {
	return append([]ports.Channel(nil), c.items...)
}

// DispatchOptions controls a dispatch. All fields are optional.
type DispatchOptions struct {
	Pipeline   string
	Logger     *slog.Logger
	Tracer     trace.Tracer
	Policy     ChannelErrorPolicy
	Concurrent bool

	// OnError is called for every channel that failed to open or send.
	OnError func(ch ports.Channel, err error)
}

// Dispatch opens each eligible channel if needed and sends the context
// content with the context as item. Channels are left open.
//
// Under ChannelErrorAbort the first error is returned as a fatal
// *domain.PipelineError; otherwise errors are only reported.
func (c *ChannelCollection) Dispatch(ctx context.Context, op *domain.OperationContext, opts DispatchOptions) error {
	if len(c.items) == 0 {
		return nil
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}

	var targets []ports.Channel
	for _, ch := range c.items {
		if !eligible(ch.ExecutionStatus(), op.Status) {
			logger.Debug(fmt.Sprintf("channel %s not dispatched due to status %s", ch.Name(), op.Status),
				slog.String("pipeline", opts.Pipeline), slog.String("channel", ch.Name()))
			continue
		}
		targets = append(targets, ch)
	}

	fail := func(ch ports.Channel, err error) error {
		logger.Warn("channel dispatch failed", slog.String("pipeline", opts.Pipeline),
			slog.String("channel", ch.Name()), slog.String("error", err.Error()))
		if opts.OnError != nil {
			opts.OnError(ch, err)
		}
		if opts.Policy != ChannelErrorAbort {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return domain.ErrCanceled(ctxErr).WithChannel(ch.Name())
		}
		return domain.NewPipelineError(domain.ErrorTypeChannel, err.Error()).
			WithChannel(ch.Name()).
			WithCause(err).
			AsFatal()
	}

	if !opts.Concurrent {
		for _, ch := range targets {
			if err := ctx.Err(); err != nil {
				return domain.ErrCanceled(err).WithChannel(ch.Name())
			}
			if err := c.sendTo(ctx, tracer, ch, op); err != nil {
				if pe := fail(ch, err); pe != nil {
					return pe
				}
			}
		}
		return nil
	}

	if err := ctx.Err(); err != nil {
		return domain.ErrCanceled(err)
	}

	var (
		g        errgroup.Group
		mu       sync.Mutex
		firstErr error
	)
	for _, ch := range targets {
		// Each channel gets its own copy of the payload.
		local := op.Clone()
		g.Go(func() error {
			if err := c.sendTo(ctx, tracer, ch, local); err != nil {
				if pe := fail(ch, err); pe != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = pe
					}
					mu.Unlock()
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return firstErr
}

func (c *ChannelCollection) sendTo(ctx context.Context, tracer trace.Tracer, ch ports.Channel, op *domain.OperationContext) error {
	ctx, span := tracer.Start(ctx, "channel "+ch.Name(), trace.WithAttributes(
		attribute.String("channel.name", ch.Name()),
		attribute.String("channel.id", ch.ID()),
	))
	defer span.End()

	if err := c.ensureOpen(ctx, ch); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if err := ch.Send(ctx, op.Content, op); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (c *ChannelCollection) ensureOpen(ctx context.Context, ch ports.Channel) error {
	if ch.State().IsActive() {
		return nil
	}
	c.openMu.Lock()
	defer c.openMu.Unlock()
	if ch.State().IsActive() {
		return nil
	}
	return ch.Open(ctx)
}

// OpenAll opens every channel, returning the joined errors.
func (c *ChannelCollection) OpenAll(ctx context.Context) error {
	var errs []error
	for _, ch := range c.items {
		if err := ch.Open(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CloseAll closes every channel, returning the joined errors.
func (c *ChannelCollection) CloseAll(ctx context.Context) error {
	var errs []error
	for _, ch := range c.items {
		if err := ch.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
