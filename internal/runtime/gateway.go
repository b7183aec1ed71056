// Package runtime provides the Gateway, which serves configured pipelines
// over HTTP and manages their lifecycle across config reloads.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/polyglot-pipeline/internal/adapters/events/direct"
	"github.com/tjfontaine/polyglot-pipeline/internal/auth"
	"github.com/tjfontaine/polyglot-pipeline/internal/config"
	"github.com/tjfontaine/polyglot-pipeline/internal/core/domain"
	"github.com/tjfontaine/polyglot-pipeline/internal/core/ports"
	"github.com/tjfontaine/polyglot-pipeline/internal/frontdoor/web"
	"github.com/tjfontaine/polyglot-pipeline/internal/pipeline"
	"github.com/tjfontaine/polyglot-pipeline/internal/pkg/safehttp"
	"github.com/tjfontaine/polyglot-pipeline/internal/registry"
	"github.com/tjfontaine/polyglot-pipeline/internal/server"
	"github.com/tjfontaine/polyglot-pipeline/internal/storage/memory"
	"github.com/tjfontaine/polyglot-pipeline/internal/storage/redis"
	"github.com/tjfontaine/polyglot-pipeline/internal/storage/sqlite"
	"github.com/tjfontaine/polyglot-pipeline/internal/telemetry"
)

const serviceName = "polyglot-pipeline"

// defaultDrainTimeout bounds how long replaced pipelines wait for their
// in-flight executions when no request timeout is configured.
const defaultDrainTimeout = 30 * time.Second

type httpPipeline = pipeline.Pipeline[*http.Request, web.Response]

// Gateway is the main entry point for running the pipeline gateway.
// It manages configuration, storage, credentials, pipelines and the HTTP
// server lifecycle. Gateway can be embedded in larger applications or run
// standalone.
type Gateway struct {
	// Dependencies (injected via options)
	config ports.ConfigProvider
	cache  ports.CacheStore
	events ports.EventPublisher

	// Owned resources, closed on Shutdown
	ownedCache  io.Closer
	ownedEvents ports.EventPublisher

	registry    *prometheus.Registry
	metrics     *telemetry.Metrics
	traceOut    io.Writer
	stopTracing func(context.Context) error
	listener    net.Listener

	apiKeys    *auth.APIKeys
	httpClient *http.Client
	pipelines  []*httpPipeline
	retiring   sync.WaitGroup
	server     *server.Server
	serveErr   chan error
	logger     *slog.Logger

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
}

// New creates a new Gateway with the given options. A config provider is
// required; storage and events default from the loaded configuration.
func New(opts ...Option) (*Gateway, error) {
	gw := &Gateway{
		logger:   slog.Default(),
		traceOut: os.Stdout,
	}

	for _, opt := range opts {
		if err := opt(gw); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if gw.config == nil {
		return nil, fmt.Errorf("config provider required (use WithFileConfig or WithConfigProvider)")
	}
	return gw, nil
}

// Start loads configuration, builds every pipeline and begins serving.
// It returns once the server is listening.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.server != nil {
		return errors.New("gateway already started")
	}
	g.ctx, g.cancel = context.WithCancel(ctx)

	cfg, err := g.config.Load(g.ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := g.initStorage(cfg.Storage); err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	if err := g.initTelemetry(cfg.Telemetry); err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	g.httpClient = newHTTPClient(cfg.Server.BlockPrivateEgress)
	g.apiKeys = auth.NewAPIKeys(cfg.Server.APIKeys)

	handler, pipelines, err := g.buildPipelines(cfg)
	if err != nil {
		return fmt.Errorf("init pipelines: %w", err)
	}
	g.pipelines = pipelines

	if err := g.startServer(cfg, handler); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	go g.watchConfig()

	g.logger.Info("gateway started",
		slog.Int("port", cfg.Server.Port),
		slog.Int("pipelines", len(g.pipelines)),
		slog.String("storage", cfg.Storage.Type))

	return nil
}

// Addr returns the address the server listens on, or nil before Start.
func (g *Gateway) Addr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

// Err reports a serve failure after Start. It is closed on shutdown.
func (g *Gateway) Err() <-chan error {
	return g.serveErr
}

// Shutdown gracefully shuts down the gateway.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.logger.Info("shutting down gateway")

	if g.cancel != nil {
		g.cancel()
	}

	var errs []error
	if g.server != nil {
		if err := g.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
		}
	}
	if err := closePipelines(ctx, g.pipelines); err != nil {
		errs = append(errs, fmt.Errorf("close pipelines: %w", err))
	}
	g.pipelines = nil
	if err := waitRetired(ctx, &g.retiring); err != nil {
		errs = append(errs, fmt.Errorf("close replaced pipelines: %w", err))
	}

	if g.ownedEvents != nil {
		if err := g.ownedEvents.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close event publisher: %w", err))
		}
	}
	if g.ownedCache != nil {
		if err := g.ownedCache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage: %w", err))
		}
	}
	if g.stopTracing != nil {
		if err := g.stopTracing(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
		}
	}
	if err := g.config.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close config: %w", err))
	}

	return errors.Join(errs...)
}

// watchConfig watches for config changes and reloads.
func (g *Gateway) watchConfig() {
	onChange := func(newCfg *config.Config) {
		g.logger.Info("config changed, reloading")
		if err := g.reload(newCfg); err != nil {
			g.logger.Error("failed to reload", slog.String("error", err.Error()))
		}
	}

	if err := g.config.Watch(g.ctx, onChange); err != nil {
		if !errors.Is(err, context.Canceled) {
			g.logger.Error("config watch failed", slog.String("error", err.Error()))
		}
	}
}

// reload rebuilds every pipeline from cfg and swaps them in. Storage,
// telemetry and the listen port only change on restart.
func (g *Gateway) reload(cfg *config.Config) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.server == nil || g.ctx.Err() != nil {
		return nil
	}

	handler, pipelines, err := g.buildPipelines(cfg)
	if err != nil {
		return fmt.Errorf("rebuild pipelines: %w", err)
	}

	old := g.pipelines
	g.pipelines = pipelines
	g.server.SetHandler(handler)
	g.apiKeys.Reload(cfg.Server.APIKeys)
	g.retire(old, drainTimeout(cfg))

	g.logger.Info("reload complete", slog.Int("pipelines", len(pipelines)))
	return nil
}

// retire closes replaced pipelines once their in-flight executions finish,
// or after timeout.
func (g *Gateway) retire(old []*httpPipeline, timeout time.Duration) {
	if len(old) == 0 {
		return
	}
	g.retiring.Add(1)
	go func() {
		defer g.retiring.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(g.ctx), timeout)
		defer cancel()
		if err := closePipelines(ctx, old); err != nil {
			g.logger.Warn("failed to close replaced pipelines", slog.String("error", err.Error()))
		}
	}()
}

func drainTimeout(cfg *config.Config) time.Duration {
	if d := cfg.Server.Timeout(); d > 0 {
		return d
	}
	return defaultDrainTimeout
}

func (g *Gateway) initStorage(cfg config.StorageConfig) error {
	if g.cache == nil {
		switch cfg.Type {
		case "", "memory":
			store := memory.New(memory.WithTTL(cfg.Lifetime()))
			g.cache, g.ownedCache = store, store
		case "sqlite":
			store, err := sqlite.New(cfg.SQLite.Path, sqlite.WithTTL(cfg.Lifetime()))
			if err != nil {
				return err
			}
			g.cache, g.ownedCache = store, store
		case "redis":
			store, err := redis.New(g.ctx, redis.Config{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
				Prefix:   cfg.Redis.Prefix,
				TTL:      cfg.Lifetime(),
			})
			if err != nil {
				return err
			}
			g.cache, g.ownedCache = store, store
		case "none":
		}
	}

	if g.events == nil {
		if es, ok := g.cache.(ports.EventStore); ok {
			publisher, err := direct.NewPublisher(es, g.logger)
			if err != nil {
				return fmt.Errorf("create direct event publisher: %w", err)
			}
			g.events, g.ownedEvents = publisher, publisher
		} else {
			g.logger.Info("no event store available, lifecycle events are not persisted")
		}
	}
	return nil
}

func (g *Gateway) initTelemetry(cfg config.TelemetryConfig) error {
	stop, err := telemetry.InitTracer(serviceName, cfg.Tracing, g.traceOut, g.logger)
	if err != nil {
		return err
	}
	g.stopTracing = stop

	if !cfg.Metrics && g.registry == nil {
		return nil
	}
	if g.registry == nil {
		g.registry = prometheus.NewRegistry()
		g.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	m, err := telemetry.NewMetrics(g.registry)
	if err != nil {
		return err
	}
	g.metrics = m
	return nil
}

func (g *Gateway) startServer(cfg *config.Config, handler http.Handler) error {
	var metrics http.Handler
	if g.registry != nil {
		metrics = promhttp.HandlerFor(g.registry, promhttp.HandlerOpts{})
	}

	srv := server.New(server.Options{
		Port:           cfg.Server.Port,
		RequestTimeout: cfg.Server.Timeout(),
		Logger:         g.logger,
		APIKeys:        g.apiKeys,
		Metrics:        metrics,
	})
	srv.SetHandler(handler)

	ln := g.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
		if err != nil {
			return fmt.Errorf("failed to listen on port %d: %w", cfg.Server.Port, err)
		}
		g.listener = ln
	}

	g.server = srv
	g.serveErr = make(chan error, 1)
	go func() {
		defer close(g.serveErr)
		if err := srv.Serve(ln); err != nil {
			g.logger.Error("server failed", slog.String("error", err.Error()))
			g.serveErr <- err
		}
	}()
	return nil
}

// buildPipelines creates every configured pipeline and a router mounting
// them. On failure the pipelines built so far are closed.
func (g *Gateway) buildPipelines(cfg *config.Config) (http.Handler, []*httpPipeline, error) {
	tokens, err := auth.FromConfig(cfg.Credentials, g.httpClient,
		auth.WithCache(g.cache),
		auth.WithLogger(g.logger),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create authenticator: %w", err)
	}

	deps := registry.Deps{
		Logger:     g.logger,
		Cache:      g.cache,
		Tokens:     tokens,
		HTTPClient: g.httpClient,
	}
	input := web.Input{
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		RequestID:    server.GetRequestID,
	}

	r := chi.NewRouter()
	var built []*httpPipeline
	for _, pcfg := range cfg.Pipelines {
		p, err := pipeline.FromConfig[*http.Request, web.Response](pcfg, input, web.Output{}, deps,
			pipeline.WithLogger(g.logger),
			pipeline.WithMetrics(g.metrics),
			pipeline.WithPersistentChannels(true),
		)
		if err != nil {
			return nil, nil, errors.Join(
				fmt.Errorf("pipeline %s: %w", pcfg.Name, err),
				closePipelines(g.ctx, built),
			)
		}
		built = append(built, p)

		if g.events != nil {
			p.Subscribe(g.eventListener())
		}
		receiving := p.StartReceiving(g.ctx)
		mount(r, pcfg, web.NewHandler(p))

		g.logger.Info("pipeline registered",
			slog.String("name", pcfg.Name),
			slog.String("path", pcfg.Path),
			slog.Int("filters", p.Filters().Len()),
			slog.Int("channels", p.Channels().Len()),
			slog.Int("receiving", receiving))
	}
	return r, built, nil
}

// eventListener publishes pipeline events. Close events raised while
// shutting down are still persisted, so the listener outlives g.ctx.
func (g *Gateway) eventListener() func(domain.PipelineEvent) {
	ctx := context.WithoutCancel(g.ctx)
	if p, ok := g.events.(*direct.Publisher); ok {
		return p.Listener(ctx)
	}
	return func(ev domain.PipelineEvent) {
		if err := g.events.Publish(ctx, domain.NewLifecycleEvent(ev)); err != nil {
			g.logger.Warn("failed to publish lifecycle event",
				slog.String("pipeline", ev.Pipeline),
				slog.String("execution_id", ev.ExecutionID),
				slog.String("error", err.Error()))
		}
	}
}

// mount routes pcfg.Path, and everything beneath it, to h.
func mount(r chi.Router, pcfg config.PipelineConfig, h http.Handler) {
	if d := pcfg.TimeoutDuration(); d > 0 {
		h = server.TimeoutMiddleware(d)(h)
	}

	base := strings.TrimSuffix(pcfg.Path, "/")
	patterns := []string{base + "/*"}
	if base != "" {
		patterns = append(patterns, base)
	}

	if len(pcfg.Methods) == 0 {
		for _, pattern := range patterns {
			r.Handle(pattern, h)
		}
		return
	}
	for _, method := range pcfg.Methods {
		for _, pattern := range patterns {
			r.Method(strings.ToUpper(method), pattern, h)
		}
	}
}

// newHTTPClient builds the client components use for outbound calls.
func newHTTPClient(blockPrivate bool) *http.Client {
	var transport http.RoundTripper = http.DefaultTransport
	if blockPrivate {
		transport = safehttp.NewTransport(nil)
	}
	return &http.Client{Transport: otelhttp.NewTransport(transport)}
}

func waitRetired(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func closePipelines(ctx context.Context, pipelines []*httpPipeline) error {
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	var errs []error
	for _, p := range pipelines {
		if err := p.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}
