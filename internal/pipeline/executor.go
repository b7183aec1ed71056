package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/polyglot-pipeline/internal/core/domain"
	"github.com/tjfontaine/polyglot-pipeline/internal/core/ports"
	"github.com/tjfontaine/polyglot-pipeline/internal/events"
	"github.com/tjfontaine/polyglot-pipeline/internal/telemetry"
)

const tracerName = "github.com/tjfontaine/polyglot-pipeline/internal/pipeline"

// settings collects the options shared by every Pipeline instantiation.
type settings struct {
	name               string
	logger             *slog.Logger
	tracer             trace.Tracer
	metrics            *telemetry.Metrics
	filters            []ports.Filter
	channels           []ports.Channel
	channelPolicy      ChannelErrorPolicy
	concurrentDispatch bool
	persistentChannels bool
	ignoreEmptyContext bool
	faultStatusCode    int
	receiveRetryDelay  time.Duration
}

// Option configures a Pipeline.
type Option func(*settings) error

// WithName sets the pipeline name used in traces and events.
func WithName(name string) Option {
	return func(s *settings) error {
		s.name = name
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		s.logger = logger
		return nil
	}
}

// WithTracer sets the OpenTelemetry tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *settings) error {
		s.tracer = tracer
		return nil
	}
}

// WithMetrics records executions, gating decisions and channel errors.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *settings) error {
		s.metrics = m
		return nil
	}
}

// WithFilters appends filters in execution order.
func WithFilters(filters ...ports.Filter) Option {
	return func(s *settings) error {
		s.filters = append(s.filters, filters...)
		return nil
	}
}

// WithChannels appends channels in dispatch order.
func WithChannels(channels ...ports.Channel) Option {
	return func(s *settings) error {
		s.channels = append(s.channels, channels...)
		return nil
	}
}

// WithChannelErrorPolicy sets what a channel error does to the execution.
func WithChannelErrorPolicy(p ChannelErrorPolicy) Option {
	return func(s *settings) error {
		if p != ChannelErrorIgnore && p != ChannelErrorAbort {
			return fmt.Errorf("invalid channel error policy %q", p)
		}
		s.channelPolicy = p
		return nil
	}
}

// WithConcurrentDispatch sends to all eligible channels concurrently.
func WithConcurrentDispatch(enabled bool) Option {
	return func(s *settings) error {
		s.concurrentDispatch = enabled
		return nil
	}
}

// WithPersistentChannels keeps channels open across executions until
// Pipeline.Close. Otherwise channels open on first use and close once no
// execution is in flight.
func WithPersistentChannels(enabled bool) Option {
	return func(s *settings) error {
		s.persistentChannels = enabled
		return nil
	}
}

// WithIgnoreEmptyContext keeps the previous context when a filter returns
// neither a context nor an error, instead of failing the execution.
func WithIgnoreEmptyContext(enabled bool) Option {
	return func(s *settings) error {
		s.ignoreEmptyContext = enabled
		return nil
	}
}

// WithFaultStatusCode sets the status of fault responses for errors that do
// not carry one. The default is 500.
func WithFaultStatusCode(code int) Option {
	return func(s *settings) error {
		if code < 400 || code > 599 {
			return fmt.Errorf("fault status code %d out of range", code)
		}
		s.faultStatusCode = code
		return nil
	}
}

// Pipeline converts a raw request into a raw response by running an input
// adapter, a filter sequence, a channel set and an output adapter.
//
// Execute is safe for concurrent use. Every execution raises exactly one
// terminal event: PipelineEventComplete or PipelineEventError.
type Pipeline[In, Out any] struct {
	settings
	input    ports.InputAdapter[In]
	output   ports.OutputAdapter[Out]
	filters  *FilterCollection
	channels *ChannelCollection
	events   events.Bus[domain.PipelineEvent]

	inflight    executions
	unsubscribe []func()
	closeOnce   sync.Once

	// Receive loops. receiving and stopReceive are guarded by inflight.mu.
	receiving   map[string]bool
	stopReceive []context.CancelFunc
	receivers   sync.WaitGroup
}

// executions counts in-flight executions of a pipeline.
type executions struct {
	mu     sync.Mutex
	n      int
	closed bool
	idle   chan struct{} // closed when n drops to zero
}

// acquire registers an execution. It fails once the pipeline is draining.
func (e *executions) acquire() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	if e.n == 0 {
		e.idle = make(chan struct{})
	}
	e.n++
	return true
}

// release ends an execution. last runs, with new executions held back, when
// it was the only one in flight.
func (e *executions) release(last func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.n--
	if e.n > 0 {
		return
	}
	if last != nil {
		last()
	}
	close(e.idle)
}

// drain refuses new executions and waits for the in-flight ones.
func (e *executions) drain(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	idle := e.idle
	if e.n == 0 {
		idle = nil
	}
	e.mu.Unlock()

	if idle == nil {
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InFlight returns the number of executions currently running.
func (p *Pipeline[In, Out]) InFlight() int {
	p.inflight.mu.Lock()
	defer p.inflight.mu.Unlock()
	return p.inflight.n
}

// New creates a pipeline. Filters and channels must have unique IDs.
func New[In, Out any](input ports.InputAdapter[In], output ports.OutputAdapter[Out], opts ...Option) (*Pipeline[In, Out], error) {
	if input == nil || output == nil {
		return nil, errors.New("input and output adapters are required")
	}

	s := settings{
		name:              "pipeline",
		logger:            slog.Default(),
		channelPolicy:     ChannelErrorIgnore,
		faultStatusCode:   http.StatusInternalServerError,
		receiveRetryDelay: defaultReceiveRetryDelay,
	}
	for _, opt := range opts {
		if err := opt(&s); err != nil {
			return nil, err
		}
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}

	filters, err := NewFilterCollection(s.filters...)
	if err != nil {
		return nil, fmt.Errorf("pipeline %s filters: %w", s.name, err)
	}
	channels, err := NewChannelCollection(s.channels...)
	if err != nil {
		return nil, fmt.Errorf("pipeline %s channels: %w", s.name, err)
	}

	p := &Pipeline[In, Out]{
		settings: s,
		input:    input,
		output:   output,
		filters:  filters,
		channels: channels,
	}

	for _, ch := range channels.items {
		p.unsubscribe = append(p.unsubscribe, ch.Subscribe(p.forwardChannelEvent))
	}

	return p, nil
}

// Name returns the pipeline name.
func (p *Pipeline[In, Out]) Name() string { return p.name }

// Filters returns the filter sequence.
func (p *Pipeline[In, Out]) Filters() *FilterCollection { return p.filters }

// Channels returns the channel set.
func (p *Pipeline[In, Out]) Channels() *ChannelCollection { return p.channels }

// Subscribe registers a listener for every pipeline event.
func (p *Pipeline[In, Out]) Subscribe(fn func(domain.PipelineEvent)) (unsubscribe func()) {
	return p.events.Subscribe(fn)
}

// Execute runs the pipeline for raw. It never fails: errors are turned into
// a fault response from the output adapter and a PipelineEventError.
func (p *Pipeline[In, Out]) Execute(ctx context.Context, raw In) (out Out) {
	execID := uuid.NewString()
	start := time.Now()
	logger := p.logger.With(slog.String("pipeline", p.name), slog.String("execution_id", execID))

	ctx, span := p.tracer.Start(ctx, "pipeline "+p.name, trace.WithAttributes(
		attribute.String("pipeline.name", p.name),
		attribute.String("pipeline.execution_id", execID),
	))
	defer span.End()

	var op *domain.OperationContext
	defer func() {
		if r := recover(); r != nil {
			pe := domain.NewPipelineError(domain.ErrorTypeServer, fmt.Sprintf("pipeline panic: %v", r)).AsFatal()
			out = p.fail(execID, start, span, logger, op, pe)
		}
	}()

	if !p.inflight.acquire() {
		pe := domain.NewPipelineError(domain.ErrorTypeServer, "pipeline closed").
			WithStatusCode(http.StatusServiceUnavailable).
			AsFatal()
		return p.fail(execID, start, span, logger, nil, pe)
	}
	// Without persistent channels, channels live while any execution is in
	// flight and close when the last one ends.
	defer p.inflight.release(func() {
		if !p.persistentChannels {
			p.closeIdleChannels(context.WithoutCancel(ctx), logger)
		}
	})

	if err := ctx.Err(); err != nil {
		return p.fail(execID, start, span, logger, nil, domain.ErrCanceled(err))
	}

	op, err := p.input.Adapt(ctx, raw)
	if err != nil {
		return p.fail(execID, start, span, logger, nil, adapterError(err))
	}
	if op == nil {
		return p.fail(execID, start, span, logger, nil, domain.ErrAdapter("input adapter returned no context"))
	}
	if op.Headers == nil {
		op.Headers = domain.Headers{}
	}
	op.SetProperty(domain.PropertyExecutionID, execID)

	op, err = p.filters.Run(ctx, op, RunHooks{
		Pipeline:           p.name,
		Logger:             logger,
		Tracer:             p.tracer,
		IgnoreEmptyContext: p.ignoreEmptyContext,
		OnDecision: func(f ports.Filter, _ domain.StatusType, executed bool) {
			p.metrics.RecordFilterDecision(p.name, f.Name(), executed)
		},
		OnFilterError: func(f ports.Filter, fe *domain.PipelineError) {
			p.emit(domain.PipelineEvent{
				Kind:        domain.PipelineEventFilterError,
				ExecutionID: execID,
				Err:         fe,
				FilterName:  f.Name(),
				FilterID:    f.ID(),
				Fatal:       fe.Fatal,
			})
		},
	})
	if err != nil {
		return p.fail(execID, start, span, logger, op, err)
	}

	err = p.channels.Dispatch(ctx, op, DispatchOptions{
		Pipeline:   p.name,
		Logger:     logger,
		Tracer:     p.tracer,
		Policy:     p.channelPolicy,
		Concurrent: p.concurrentDispatch,
		OnError: func(ch ports.Channel, _ error) {
			p.metrics.RecordChannelError(p.name, ch.Name())
		},
	})
	if err != nil {
		return p.fail(execID, start, span, logger, op, err)
	}

	out, err = p.output.Adapt(ctx, op)
	if err != nil {
		pe := domain.NewPipelineError(domain.ErrorTypeServer, fmt.Sprintf("output adapter: %v", err)).
			WithCause(err).
			AsFatal()
		return p.fail(execID, start, span, logger, op, pe)
	}

	span.SetAttributes(
		attribute.Int("pipeline.status_code", op.StatusCode),
		attribute.String("pipeline.status", op.Status.String()),
	)
	p.metrics.RecordExecution(p.name, "complete", time.Since(start))
	logger.Debug("pipeline completed",
		slog.Int("status_code", op.StatusCode),
		slog.String("status", op.Status.String()),
		slog.Duration("duration", time.Since(start)))

	p.emitTerminal(logger, domain.PipelineEvent{
		Kind:        domain.PipelineEventComplete,
		ExecutionID: execID,
		Context:     op,
	})
	return out
}

// fail builds the fault response for err and raises the terminal error event.
func (p *Pipeline[In, Out]) fail(execID string, start time.Time, span trace.Span, logger *slog.Logger, op *domain.OperationContext, err error) Out {
	pe, ok := domain.AsPipelineError(err)
	if !ok {
		pe = domain.NewPipelineError(domain.ErrorTypeServer, err.Error()).WithCause(err)
	}
	pe.Fatal = true

	if op == nil {
		op = domain.NewOperationContext("", nil)
	}
	op.SetProperty(domain.PropertyExecutionID, execID)
	code := pe.HTTPStatusCode()
	if pe.StatusCode == 0 && code == http.StatusInternalServerError {
		code = p.faultStatusCode
	}
	op.Fault(code, pe.ErrorDetail())
	// The fault body is the error's body or, when absent, rendered from
	// op.Error by the output adapter.
	op.SetContent(pe.Body, "")

	span.RecordError(pe)
	span.SetStatus(codes.Error, pe.Error())
	p.metrics.RecordExecution(p.name, "fault", time.Since(start))
	logger.Error("pipeline failed",
		slog.String("error", pe.Describe()),
		slog.Int("status_code", code),
		slog.Duration("duration", time.Since(start)))

	out := p.output.Fault(op)
	p.emitTerminal(logger, domain.PipelineEvent{
		Kind:        domain.PipelineEventError,
		ExecutionID: execID,
		Context:     op,
		Err:         pe,
		FilterName:  pe.FilterName,
		FilterID:    pe.FilterID,
		Fatal:       true,
	})
	return out
}

func (p *Pipeline[In, Out]) forwardChannelEvent(ev domain.ChannelEvent) {
	if ev.Kind == domain.ChannelEventError {
		p.logger.Warn("channel error",
			slog.String("pipeline", p.name),
			slog.String("channel", ev.ChannelName),
			slog.Any("error", ev.Err))
	}
	p.emit(domain.PipelineEvent{Kind: domain.PipelineEventChannel, Channel: &ev})
}

// emitTerminal raises a completion or error event. A panicking listener is
// logged; the execution has already ended and must not raise a second
// terminal event.
func (p *Pipeline[In, Out]) emitTerminal(logger *slog.Logger, ev domain.PipelineEvent) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("pipeline listener panicked",
				slog.String("event", string(ev.Kind)),
				slog.Any("panic", r))
		}
	}()
	p.emit(ev)
}

func (p *Pipeline[In, Out]) emit(ev domain.PipelineEvent) {
	ev.Pipeline = p.name
	ev.Timestamp = time.Now()
	p.events.Publish(ev)
}

// Close stops accepting executions, waits for the in-flight ones until ctx
// is done, stops the receive loops, then detaches from and closes every
// channel. It is idempotent.
// Executions started after Close fail with 503.
func (p *Pipeline[In, Out]) Close(ctx context.Context) error {
	var err error
	p.closeOnce.Do(func() {
		var errs []error
		if derr := p.inflight.drain(ctx); derr != nil {
			errs = append(errs, fmt.Errorf("drain pipeline %s: %w", p.name, derr))
		}
		p.stopReceiving()
		if cerr := p.channels.CloseAll(context.WithoutCancel(ctx)); cerr != nil {
			errs = append(errs, cerr)
		}
		for _, unsubscribe := range p.unsubscribe {
			unsubscribe()
		}
		err = errors.Join(errs...)
	})
	return err
}

func adapterError(err error) *domain.PipelineError {
	if pe, ok := domain.AsPipelineError(err); ok {
		return pe
	}
	return domain.ErrAdapter(err.Error()).WithCause(err)
}
