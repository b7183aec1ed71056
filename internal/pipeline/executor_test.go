package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tjfontaine/polyglot-pipeline/internal/channel"
	"github.com/tjfontaine/polyglot-pipeline/internal/core/domain"
	"github.com/tjfontaine/polyglot-pipeline/internal/core/ports"
	"github.com/tjfontaine/polyglot-pipeline/internal/filter"
	"github.com/tjfontaine/polyglot-pipeline/internal/storage/memory"
	"github.com/tjfontaine/polyglot-pipeline/internal/telemetry"
)

type testRequest struct {
	Method string
	URL    string
	Body   []byte
}

type testResponse struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

func testInput() ports.InputAdapter[testRequest] {
	return ports.InputAdapterFunc[testRequest](func(_ context.Context, raw testRequest) (*domain.OperationContext, error) {
		u, err := url.Parse(raw.URL)
		if err != nil {
			return nil, err
		}
		op := domain.NewOperationContext(raw.Method, u)
		op.Content = raw.Body
		return op, nil
	})
}

type testOutput struct {
	adaptErr error
}

func (o testOutput) Adapt(_ context.Context, op *domain.OperationContext) (testResponse, error) {
	if o.adaptErr != nil {
		return testResponse{}, o.adaptErr
	}
	if op == nil {
		return testResponse{StatusCode: http.StatusOK}, nil
	}
	return testResponse{StatusCode: op.StatusCode, Body: op.Content, Header: op.Headers.HTTP()}, nil
}

func (o testOutput) Fault(op *domain.OperationContext) testResponse {
	body := op.Content
	if body == nil && op.Error != nil {
		body = []byte(op.Error.Message)
	}
	return testResponse{StatusCode: op.StatusCode, Body: body}
}

// eventLog records pipeline events.
type eventLog struct {
	mu     sync.Mutex
	events []domain.PipelineEvent
}

func (l *eventLog) record(ev domain.PipelineEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) kinds(kind domain.PipelineEventKind) []domain.PipelineEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.PipelineEvent
	for _, ev := range l.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (l *eventLog) terminal() []domain.PipelineEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.PipelineEvent
	for _, ev := range l.events {
		if ev.Kind.IsTerminal() {
			out = append(out, ev)
		}
	}
	return out
}

func newTestPipeline(t *testing.T, opts ...Option) (*Pipeline[testRequest, testResponse], *eventLog, *bytes.Buffer) {
	t.Helper()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	p, err := New[testRequest, testResponse](testInput(), testOutput{},
		append([]Option{WithName("test"), WithLogger(logger)}, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { p.Close(context.Background()) })

	log := &eventLog{}
	p.Subscribe(log.record)
	return p, log, &buf
}

func faultFilter(name string, status domain.StatusType) ports.Filter {
	return filter.NewFunc(name, status, func(_ context.Context, op *domain.OperationContext) (*domain.OperationContext, error) {
		op.Fault(http.StatusBadRequest, &domain.ErrorDetail{Message: name + " faulted", FilterName: name})
		return op, nil
	})
}

func passFilter(name string, status domain.StatusType, ran *[]string) ports.Filter {
	return filter.NewFunc(name, status, func(_ context.Context, op *domain.OperationContext) (*domain.OperationContext, error) {
		*ran = append(*ran, name)
		return op, nil
	})
}

type failingTransport struct {
	sendErr error
	openErr error
}

func (f *failingTransport) Open(context.Context, func([]byte)) error { return f.openErr }
func (f *failingTransport) Send(context.Context, []byte, ...any) error {
	return f.sendErr
}
func (f *failingTransport) Receive(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}
func (f *failingTransport) Close(context.Context) error { return nil }

func TestExecute_EmptyFiltersWithChannel(t *testing.T) {
	lb := &channel.Loopback{}
	ch := channel.New(lb, channel.Config{Name: "loop"})

	p, log, _ := newTestPipeline(t, WithChannels(ch))
	resp := p.Execute(context.Background(), testRequest{Method: "GET", URL: "http://example.com/"})

	if resp.StatusCode != http.StatusOK || len(resp.Body) != 0 {
		t.Errorf("response = %d %q, want 200 empty", resp.StatusCode, resp.Body)
	}
	if got := len(log.kinds(domain.PipelineEventComplete)); got != 1 {
		t.Errorf("completion events = %d, want 1", got)
	}
	if len(log.kinds(domain.PipelineEventError)) != 0 {
		t.Error("unexpected error event")
	}
	if lb.Sent() != 1 {
		t.Errorf("sent = %d, want 1", lb.Sent())
	}
	// Channels are per-execution by default.
	if ch.State() != domain.ChannelClosed {
		t.Errorf("channel state = %v, want Closed", ch.State())
	}
}

func TestExecute_FaultFilterSkippedUnderNormal(t *testing.T) {
	var ran []string
	p, log, buf := newTestPipeline(t, WithFilters(
		passFilter("first", domain.StatusNormal, &ran),
		passFilter("second", domain.StatusFault, &ran),
	))

	p.Execute(context.Background(), testRequest{Method: "GET", URL: "http://example.com/"})

	if len(ran) != 1 || ran[0] != "first" {
		t.Errorf("ran = %v, want [first]", ran)
	}
	if !strings.Contains(buf.String(), "filter second not executed due to status Normal") {
		t.Errorf("missing skip trace in:\n%s", buf.String())
	}
	if len(log.kinds(domain.PipelineEventComplete)) != 1 {
		t.Error("expected completion event")
	}
}

func TestExecute_StatusChangeGatesLaterFilters(t *testing.T) {
	var ran []string
	p, log, buf := newTestPipeline(t, WithFilters(
		// Skipped: the context is still Normal.
		faultFilter("fault-only", domain.StatusFault),
		faultFilter("faulter", domain.StatusAny),
		passFilter("normal-only", domain.StatusNormal, &ran),
		passFilter("recover", domain.StatusFault, &ran),
	))

	resp := p.Execute(context.Background(), testRequest{Method: "GET", URL: "http://example.com/"})

	if len(ran) != 1 || ran[0] != "recover" {
		t.Errorf("ran = %v, want [recover]", ran)
	}
	trace := buf.String()
	for _, want := range []string{
		"filter fault-only not executed due to status Normal",
		"filter faulter executed with status Normal",
		"filter normal-only not executed due to status Fault",
		"filter recover executed with status Fault",
	} {
		if !strings.Contains(trace, want) {
			t.Errorf("trace missing %q", want)
		}
	}
	if len(log.kinds(domain.PipelineEventComplete)) != 1 || len(log.kinds(domain.PipelineEventError)) != 0 {
		t.Error("a faulted context without a fatal error should complete")
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestExecute_FatalFilterError(t *testing.T) {
	var ran []string
	boom := filter.NewFunc("boom", domain.StatusNormal, func(_ context.Context, op *domain.OperationContext) (*domain.OperationContext, error) {
		return op, domain.ErrFatalFilter("Boom!").WithStatusCode(http.StatusInternalServerError)
	})
	p, log, _ := newTestPipeline(t, WithFilters(boom, passFilter("after", domain.StatusAny, &ran)))

	resp := p.Execute(context.Background(), testRequest{Method: "GET", URL: "http://example.com/"})

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
	if string(resp.Body) != "Boom!" {
		t.Errorf("body = %q, want Boom!", resp.Body)
	}
	if len(ran) != 0 {
		t.Errorf("filters after a fatal error ran: %v", ran)
	}
	if len(log.kinds(domain.PipelineEventComplete)) != 0 {
		t.Error("completion must not fire after a fatal error")
	}

	errs := log.kinds(domain.PipelineEventError)
	if len(errs) != 1 {
		t.Fatalf("error events = %d, want 1", len(errs))
	}
	if errs[0].Err.Error() != "Boom!" || errs[0].FilterName != "boom" || !errs[0].Fatal {
		t.Errorf("error event = %+v", errs[0])
	}

	filterErrs := log.kinds(domain.PipelineEventFilterError)
	if len(filterErrs) != 1 {
		t.Fatalf("filter error events = %d, want 1", len(filterErrs))
	}
	if filterErrs[0].FilterName != "boom" || filterErrs[0].FilterID == "" || !filterErrs[0].Fatal {
		t.Errorf("filter error event = %+v, want fatal boom", filterErrs[0])
	}
}

func TestExecute_ChannelErrorIgnored(t *testing.T) {
	sendErr := errors.New("broker unavailable")
	ch := channel.New(&failingTransport{sendErr: sendErr}, channel.Config{Name: "bus"})

	p, log, _ := newTestPipeline(t, WithChannels(ch))
	resp := p.Execute(context.Background(), testRequest{Method: "POST", URL: "http://example.com/"})

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var channelErrs []domain.PipelineEvent
	for _, ev := range log.kinds(domain.PipelineEventChannel) {
		if ev.Channel.Kind == domain.ChannelEventError {
			channelErrs = append(channelErrs, ev)
		}
	}
	if len(channelErrs) != 1 || !errors.Is(channelErrs[0].Channel.Err, sendErr) {
		t.Errorf("channel error events = %+v", channelErrs)
	}
	if channelErrs[0].Channel.ChannelName != "bus" {
		t.Errorf("channel name = %q", channelErrs[0].Channel.ChannelName)
	}
	if len(log.kinds(domain.PipelineEventComplete)) != 1 {
		t.Error("completion should still fire under the ignore policy")
	}
}

func TestExecute_ChannelErrorAbort(t *testing.T) {
	ch := channel.New(&failingTransport{sendErr: errors.New("nope")}, channel.Config{Name: "bus"})

	p, log, _ := newTestPipeline(t, WithChannels(ch), WithChannelErrorPolicy(ChannelErrorAbort))
	resp := p.Execute(context.Background(), testRequest{Method: "POST", URL: "http://example.com/"})

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
	errs := log.kinds(domain.PipelineEventError)
	if len(errs) != 1 {
		t.Fatalf("error events = %d, want 1", len(errs))
	}
	pe, ok := domain.AsPipelineError(errs[0].Err)
	if !ok || pe.Type != domain.ErrorTypeChannel || pe.ChannelName != "bus" {
		t.Errorf("error = %+v", errs[0].Err)
	}
	if len(log.kinds(domain.PipelineEventComplete)) != 0 {
		t.Error("completion must not fire when a channel aborts")
	}
}

func TestExecute_JSONContentRoundTrip(t *testing.T) {
	content, err := filter.NewContent(filter.NewBase("", "json", domain.StatusNormal), filter.ContentConfig{
		JSON: map[string]any{"property": "value"},
	})
	if err != nil {
		t.Fatalf("NewContent() error = %v", err)
	}
	p, _, _ := newTestPipeline(t, WithFilters(content))

	resp := p.Execute(context.Background(), testRequest{Method: "GET", URL: "http://example.com/"})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if string(resp.Body) != `{"property":"value"}` {
		t.Errorf("body = %s", resp.Body)
	}
}

func TestExecute_GatingProperty(t *testing.T) {
	statuses := []domain.StatusType{domain.StatusNormal, domain.StatusFault, domain.StatusAny}

	for _, ctxStatus := range []domain.StatusType{domain.StatusNormal, domain.StatusFault} {
		for _, declared := range statuses {
			t.Run(fmt.Sprintf("%s-%s", ctxStatus, declared), func(t *testing.T) {
				var ran []string
				var filters []ports.Filter
				if ctxStatus == domain.StatusFault {
					filters = append(filters, faultFilter("setup", domain.StatusNormal))
				}
				filters = append(filters, passFilter("gated", declared, &ran))

				p, _, _ := newTestPipeline(t, WithFilters(filters...))
				p.Execute(context.Background(), testRequest{Method: "GET", URL: "http://example.com/"})

				want := declared == domain.StatusAny || declared == ctxStatus
				if got := len(ran) == 1; got != want {
					t.Errorf("gated filter ran = %v, want %v", got, want)
				}
			})
		}
	}
}

func TestExecute_NonFatalErrorContinues(t *testing.T) {
	var ran []string
	soft := filter.NewFunc("soft", domain.StatusNormal, func(_ context.Context, op *domain.OperationContext) (*domain.OperationContext, error) {
		return op, domain.ErrFilter("minor problem")
	})
	p, log, _ := newTestPipeline(t, WithFilters(soft, passFilter("next", domain.StatusNormal, &ran)))

	p.Execute(context.Background(), testRequest{Method: "GET", URL: "http://example.com/"})

	if len(ran) != 1 {
		t.Error("sequence should continue after a non-fatal error")
	}
	filterErrs := log.kinds(domain.PipelineEventFilterError)
	if len(filterErrs) != 1 || filterErrs[0].FilterName != "soft" || filterErrs[0].Fatal {
		t.Errorf("filter error events = %+v", filterErrs)
	}
	if len(log.terminal()) != 1 || log.terminal()[0].Kind != domain.PipelineEventComplete {
		t.Error("expected a single completion event")
	}
}

func TestExecute_NilContext(t *testing.T) {
	empty := filter.NewFunc("empty", domain.StatusNormal, func(context.Context, *domain.OperationContext) (*domain.OperationContext, error) {
		return nil, nil
	})

	t.Run("fatal by default", func(t *testing.T) {
		p, log, _ := newTestPipeline(t, WithFilters(empty))
		resp := p.Execute(context.Background(), testRequest{Method: "GET", URL: "http://example.com/"})
		if resp.StatusCode != http.StatusInternalServerError || len(log.kinds(domain.PipelineEventError)) != 1 {
			t.Errorf("status = %d, error events = %d", resp.StatusCode, len(log.kinds(domain.PipelineEventError)))
		}
	})

	t.Run("ignored when configured", func(t *testing.T) {
		p, log, _ := newTestPipeline(t, WithFilters(empty), WithIgnoreEmptyContext(true))
		resp := p.Execute(context.Background(), testRequest{Method: "GET", URL: "http://example.com/", Body: []byte("kept")})
		if resp.StatusCode != http.StatusOK || string(resp.Body) != "kept" {
			t.Errorf("response = %d %q", resp.StatusCode, resp.Body)
		}
		if len(log.kinds(domain.PipelineEventComplete)) != 1 {
			t.Error("expected completion")
		}
	})
}

func TestExecute_PlainErrorIsFatal(t *testing.T) {
	bad := filter.NewFunc("bad", domain.StatusNormal, func(_ context.Context, op *domain.OperationContext) (*domain.OperationContext, error) {
		return op, errors.New("disk on fire")
	})
	p, log, _ := newTestPipeline(t, WithFilters(bad), WithFaultStatusCode(http.StatusServiceUnavailable))

	resp := p.Execute(context.Background(), testRequest{Method: "GET", URL: "http://example.com/"})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want configured 503", resp.StatusCode)
	}
	errs := log.kinds(domain.PipelineEventError)
	if len(errs) != 1 || errs[0].Err.Error() != "disk on fire" {
		t.Errorf("error events = %+v", errs)
	}
}

func TestExecute_AdapterErrors(t *testing.T) {
	var ran []string

	t.Run("input", func(t *testing.T) {
		p, log, _ := newTestPipeline(t, WithFilters(passFilter("f", domain.StatusAny, &ran)))
		resp := p.Execute(context.Background(), testRequest{Method: "GET", URL: "http://[::1"})
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
		if len(ran) != 0 {
			t.Error("no filter should run after an input adapter error")
		}
		if len(log.terminal()) != 1 || log.terminal()[0].Kind != domain.PipelineEventError {
			t.Error("expected a single error event")
		}
	})

	t.Run("output", func(t *testing.T) {
		p, err := New[testRequest, testResponse](testInput(), testOutput{adaptErr: errors.New("cannot encode")})
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		log := &eventLog{}
		p.Subscribe(log.record)

		resp := p.Execute(context.Background(), testRequest{Method: "GET", URL: "http://example.com/"})
		if resp.StatusCode != http.StatusInternalServerError {
			t.Errorf("status = %d, want 500", resp.StatusCode)
		}
		if len(log.terminal()) != 1 || log.terminal()[0].Kind != domain.PipelineEventError {
			t.Error("expected a single error event")
		}
	})
}

func TestExecute_Canceled(t *testing.T) {
	var ran []string
	ctx, cancel := context.WithCancel(context.Background())
	stop := filter.NewFunc("stop", domain.StatusNormal, func(_ context.Context, op *domain.OperationContext) (*domain.OperationContext, error) {
		cancel()
		return op, nil
	})
	p, log, _ := newTestPipeline(t, WithFilters(stop, passFilter("after", domain.StatusAny, &ran)))

	resp := p.Execute(ctx, testRequest{Method: "GET", URL: "http://example.com/"})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
	if len(ran) != 0 {
		t.Error("no filter should start after cancellation")
	}
	errs := log.kinds(domain.PipelineEventError)
	if len(errs) != 1 {
		t.Fatalf("error events = %d, want 1", len(errs))
	}
	if !errors.Is(errs[0].Err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", errs[0].Err)
	}
}

func TestExecute_DeadlineExceeded(t *testing.T) {
	slow := filter.NewFunc("slow", domain.StatusNormal, func(ctx context.Context, op *domain.OperationContext) (*domain.OperationContext, error) {
		<-ctx.Done()
		return op, ctx.Err()
	})
	p, _, _ := newTestPipeline(t, WithFilters(slow))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	resp := p.Execute(ctx, testRequest{Method: "GET", URL: "http://example.com/"})
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", resp.StatusCode)
	}
}

func TestExecute_PanicRecovered(t *testing.T) {
	panicky := filter.NewFunc("panicky", domain.StatusNormal, func(context.Context, *domain.OperationContext) (*domain.OperationContext, error) {
		panic("unexpected")
	})
	p, log, _ := newTestPipeline(t, WithFilters(panicky))

	resp := p.Execute(context.Background(), testRequest{Method: "GET", URL: "http://example.com/"})
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
	if len(log.terminal()) != 1 || log.terminal()[0].Kind != domain.PipelineEventError {
		t.Error("expected a single error event")
	}
}

func TestExecute_ExactlyOneTerminalEvent(t *testing.T) {
	lb := &channel.Loopback{}
	ch := channel.New(lb, channel.Config{Name: "loop"})
	noop := filter.NewFunc("noop", domain.StatusNormal, func(_ context.Context, op *domain.OperationContext) (*domain.OperationContext, error) {
		return op, nil
	})

	p, log, _ := newTestPipeline(t,
		WithFilters(noop),
		WithChannels(ch),
		WithPersistentChannels(true),
	)
	if err := p.Channels().OpenAll(context.Background()); err != nil {
		t.Fatalf("OpenAll() error = %v", err)
	}

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Execute(context.Background(), testRequest{Method: "GET", URL: "http://example.com/"})
		}()
	}
	wg.Wait()

	terminal := log.terminal()
	if len(terminal) != n {
		t.Fatalf("terminal events = %d, want %d", len(terminal), n)
	}
	seen := make(map[string]bool)
	for _, ev := range terminal {
		if ev.Kind != domain.PipelineEventComplete {
			t.Errorf("terminal event = %s, want completed", ev.Kind)
		}
		if seen[ev.ExecutionID] {
			t.Errorf("execution %s raised more than one terminal event", ev.ExecutionID)
		}
		seen[ev.ExecutionID] = true
	}
	if lb.Sent() != n {
		t.Errorf("sent = %d, want %d", lb.Sent(), n)
	}
	if ch.State() != domain.ChannelOpen {
		t.Errorf("persistent channel state = %v, want Open", ch.State())
	}
}

func TestExecute_ConcurrentDispatchIsolatesPayload(t *testing.T) {
	var (
		mu       sync.Mutex
		payloads [][]byte
	)
	mutating := &recordingTransport{onSend: func(payload []byte, items []any) {
		if op, ok := items[0].(*domain.OperationContext); ok {
			op.Content[0] = 'X'
		}
		mu.Lock()
		payloads = append(payloads, payload)
		mu.Unlock()
	}}
	observing := &recordingTransport{onSend: func(payload []byte, _ []any) {
		mu.Lock()
		payloads = append(payloads, payload)
		mu.Unlock()
	}}

	p, _, _ := newTestPipeline(t,
		WithChannels(
			channel.New(mutating, channel.Config{Name: "a"}),
			channel.New(observing, channel.Config{Name: "b"}),
		),
		WithConcurrentDispatch(true),
	)

	resp := p.Execute(context.Background(), testRequest{Method: "POST", URL: "http://example.com/", Body: []byte("hello")})
	if string(resp.Body) != "hello" {
		t.Errorf("response body = %q, want hello", resp.Body)
	}
	if len(payloads) != 2 {
		t.Fatalf("payloads = %d, want 2", len(payloads))
	}
}

type recordingTransport struct {
	onSend func(payload []byte, items []any)
}

func (r *recordingTransport) Open(context.Context, func([]byte)) error { return nil }
func (r *recordingTransport) Send(_ context.Context, payload []byte, items ...any) error {
	r.onSend(payload, items)
	return nil
}
func (r *recordingTransport) Receive(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}
func (r *recordingTransport) Close(context.Context) error { return nil }

func TestExecute_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := telemetry.NewMetrics(reg)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	var ran []string
	p, _, _ := newTestPipeline(t, WithMetrics(m), WithFilters(
		passFilter("run", domain.StatusNormal, &ran),
		passFilter("skip", domain.StatusFault, &ran),
	))
	p.Execute(context.Background(), testRequest{Method: "GET", URL: "http://example.com/"})

	if n, err := testutil.GatherAndCount(reg, "pipeline_executions_total"); err != nil || n != 1 {
		t.Errorf("execution series = %d, %v, want 1", n, err)
	}
	if n, err := testutil.GatherAndCount(reg, "pipeline_filters_decisions_total"); err != nil || n != 2 {
		t.Errorf("decision series = %d, %v, want 2", n, err)
	}
}

func TestNew_Validation(t *testing.T) {
	dup := filter.NewBase("same", "a", domain.StatusNormal)
	f1 := &filter.Header{Base: dup}
	f2 := &filter.Header{Base: dup}

	if _, err := New[testRequest, testResponse](testInput(), testOutput{}, WithFilters(f1, f2)); !errors.Is(err, ErrDuplicateID) {
		t.Errorf("error = %v, want ErrDuplicateID", err)
	}
	if _, err := New[testRequest, testResponse](nil, testOutput{}); err == nil {
		t.Error("expected error for missing input adapter")
	}
	if _, err := New[testRequest, testResponse](testInput(), testOutput{}, WithFaultStatusCode(200)); err == nil {
		t.Error("expected error for non-error fault status")
	}
	if _, err := New[testRequest, testResponse](testInput(), testOutput{}, WithChannelErrorPolicy("sometimes")); err == nil {
		t.Error("expected error for invalid policy")
	}
}

func TestClose_Idempotent(t *testing.T) {
	ch := channel.NewLoopback(channel.Config{Name: "loop"})
	p, _, _ := newTestPipeline(t, WithChannels(ch), WithPersistentChannels(true))

	p.Execute(context.Background(), testRequest{Method: "GET", URL: "http://example.com/"})
	if ch.State() != domain.ChannelOpen {
		t.Fatalf("state = %v, want Open", ch.State())
	}
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if ch.State() != domain.ChannelClosed {
		t.Errorf("state = %v, want Closed", ch.State())
	}
}

func TestExecute_PanickingListenerRaisesOneTerminalEvent(t *testing.T) {
	boom := filter.NewFunc("boom", domain.StatusNormal, func(_ context.Context, op *domain.OperationContext) (*domain.OperationContext, error) {
		return op, domain.ErrFatalFilter("Boom!")
	})

	tests := []struct {
		name       string
		filters    []ports.Filter
		panicOn    domain.PipelineEventKind
		wantStatus int
	}{
		{name: "completion", panicOn: domain.PipelineEventComplete, wantStatus: http.StatusOK},
		{name: "error", filters: []ports.Filter{boom}, panicOn: domain.PipelineEventError, wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, log, _ := newTestPipeline(t, WithFilters(tt.filters...))
			p.Subscribe(func(ev domain.PipelineEvent) {
				if ev.Kind == tt.panicOn {
					panic("listener failed")
				}
			})

			resp := p.Execute(context.Background(), testRequest{Method: "GET", URL: "http://example.com/"})
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			terminal := log.terminal()
			if len(terminal) != 1 || terminal[0].Kind != tt.panicOn {
				t.Errorf("terminal events = %+v, want one %s", terminal, tt.panicOn)
			}
		})
	}
}

// slowTransport counts opens and closes and takes time to send and close.
type slowTransport struct {
	mu     sync.Mutex
	opens  int
	closes int
	sent   int
}

func (s *slowTransport) Open(context.Context, func([]byte)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens++
	return nil
}

func (s *slowTransport) Send(context.Context, []byte, ...any) error {
	time.Sleep(time.Millisecond)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent++
	return nil
}

func (s *slowTransport) Receive(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (s *slowTransport) Close(context.Context) error {
	time.Sleep(2 * time.Millisecond)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *slowTransport) counts() (opens, closes, sent int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens, s.closes, s.sent
}

func TestExecute_ConcurrentExecutionsShareChannels(t *testing.T) {
	tr := &slowTransport{}
	ch := channel.New(tr, channel.Config{Name: "slow"})
	p, log, _ := newTestPipeline(t, WithChannels(ch), WithChannelErrorPolicy(ChannelErrorAbort))

	const n = 50
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		statuses = make(map[int]int)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(time.Duration(i%10) * time.Millisecond)
			resp := p.Execute(context.Background(), testRequest{Method: "POST", URL: "http://example.com/", Body: []byte("x")})
			mu.Lock()
			statuses[resp.StatusCode]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if statuses[http.StatusOK] != n {
		t.Errorf("status codes = %v, want %d x 200", statuses, n)
	}
	for _, ev := range log.kinds(domain.PipelineEventChannel) {
		if ev.Channel.Kind == domain.ChannelEventError {
			t.Errorf("channel error: %v", ev.Channel.Err)
		}
	}
	if got := len(log.kinds(domain.PipelineEventComplete)); got != n {
		t.Errorf("completion events = %d, want %d", got, n)
	}

	opens, closes, sent := tr.counts()
	if sent != n {
		t.Errorf("sent = %d, want %d", sent, n)
	}
	if opens == 0 || opens != closes {
		t.Errorf("opens = %d, closes = %d, want balanced", opens, closes)
	}
	if ch.State() != domain.ChannelClosed {
		t.Errorf("channel state = %v, want Closed once idle", ch.State())
	}
	if p.InFlight() != 0 {
		t.Errorf("in flight = %d, want 0", p.InFlight())
	}
}

func TestClose_DrainsInFlightExecutions(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	wait := filter.NewFunc("wait", domain.StatusNormal, func(_ context.Context, op *domain.OperationContext) (*domain.OperationContext, error) {
		close(entered)
		<-release
		return op, nil
	})
	lb := &channel.Loopback{}
	ch := channel.New(lb, channel.Config{Name: "loop"})
	p, _, _ := newTestPipeline(t, WithFilters(wait), WithChannels(ch), WithPersistentChannels(true))

	result := make(chan testResponse, 1)
	go func() {
		result <- p.Execute(context.Background(), testRequest{Method: "GET", URL: "http://example.com/"})
	}()
	<-entered

	closed := make(chan error, 1)
	go func() { closed <- p.Close(context.Background()) }()

	select {
	case err := <-closed:
		t.Fatalf("Close returned %v with an execution in flight", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if resp := <-result; resp.StatusCode != http.StatusOK {
		t.Errorf("in-flight status = %d, want 200", resp.StatusCode)
	}
	if err := <-closed; err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if lb.Sent() != 1 {
		t.Errorf("sent = %d, want 1", lb.Sent())
	}
	if ch.State() != domain.ChannelClosed {
		t.Errorf("channel state = %v, want Closed", ch.State())
	}

	resp := p.Execute(context.Background(), testRequest{Method: "GET", URL: "http://example.com/"})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status after Close = %d, want 503", resp.StatusCode)
	}
}

func TestClose_DrainTimeout(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	wait := filter.NewFunc("wait", domain.StatusNormal, func(_ context.Context, op *domain.OperationContext) (*domain.OperationContext, error) {
		close(entered)
		<-release
		return op, nil
	})
	p, _, _ := newTestPipeline(t, WithFilters(wait))

	go p.Execute(context.Background(), testRequest{Method: "GET", URL: "http://example.com/"})
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := p.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Close() error = %v, want deadline exceeded", err)
	}
}

func TestExecute_CacheLookupServesWithoutForwarding(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(body))
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"fresh":true}`))
	}))
	defer srv.Close()

	store := memory.New()
	lookup, err := filter.NewCache(filter.NewBase("", "orders", domain.StatusNormal), filter.CacheConfig{Mode: filter.CacheLookup}, store, nil)
	if err != nil {
		t.Fatalf("NewCache() error = %v", err)
	}
	save, _ := filter.NewCache(filter.NewBase("", "orders", domain.StatusNormal), filter.CacheConfig{Mode: filter.CacheStore}, store, nil)
	forward, err := filter.NewForward(filter.NewBase("", "forward", domain.StatusNormal), filter.ForwardConfig{ServerURL: srv.URL}, srv.Client(), nil, nil)
	if err != nil {
		t.Fatalf("NewForward() error = %v", err)
	}

	p, _, _ := newTestPipeline(t, WithFilters(lookup, forward, save))

	first := p.Execute(context.Background(), testRequest{Method: "POST", URL: "http://example.com/orders", Body: []byte(`{"q":1}`)})
	second := p.Execute(context.Background(), testRequest{Method: "POST", URL: "http://example.com/orders", Body: []byte(`{"q":2}`)})

	for i, resp := range []testResponse{first, second} {
		if resp.StatusCode != http.StatusOK || string(resp.Body) != `{"fresh":true}` {
			t.Errorf("response %d = %d %s", i, resp.StatusCode, resp.Body)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 1 || bodies[0] != `{"q":1}` {
		t.Errorf("upstream request bodies = %q, want only the first request", bodies)
	}
}

func TestExecute_InputWithoutHeaders(t *testing.T) {
	bare := ports.InputAdapterFunc[testRequest](func(context.Context, testRequest) (*domain.OperationContext, error) {
		return &domain.OperationContext{StatusCode: http.StatusOK}, nil
	})
	tag := filter.NewFunc("tag", domain.StatusNormal, func(_ context.Context, op *domain.OperationContext) (*domain.OperationContext, error) {
		op.Headers.Set("X-Tag", "1")
		return op, nil
	})
	p, err := New[testRequest, testResponse](bare, testOutput{}, WithFilters(tag))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	resp := p.Execute(context.Background(), testRequest{})
	if resp.StatusCode != http.StatusOK || resp.Header.Get("X-Tag") != "1" {
		t.Errorf("response = %d %v", resp.StatusCode, resp.Header)
	}
}
