package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/polyglot-pipeline/internal/auth"
)

// Options configures a Server.
type Options struct {
	Port           int
	RequestTimeout time.Duration
	Logger         *slog.Logger
	APIKeys        *auth.APIKeys

	// Metrics, when set, is served at /metrics without authentication.
	Metrics http.Handler
}

// Server routes /healthz and /metrics directly and every other request to
// the current pipeline handler, which can be replaced while serving.
type Server struct {
	Router *chi.Mux
	Port   int
	logger *slog.Logger

	handler atomic.Pointer[http.Handler]
	srv     *http.Server
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	s := &Server{
		Router: chi.NewRouter(),
		Port:   opts.Port,
		logger: logger,
	}
	s.SetHandler(http.NotFoundHandler())

	r := s.Router
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(opts.APIKeys))
		r.Use(TimeoutMiddleware(timeout))

		// Wrap with OpenTelemetry HTTP instrumentation
		r.Use(func(next http.Handler) http.Handler {
			return otelhttp.NewHandler(next, "pipeline-gateway")
		})
		r.Handle("/*", http.HandlerFunc(s.serveCurrent))
	})

	s.srv = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// SetHandler atomically replaces the handler serving pipeline routes.
func (s *Server) SetHandler(h http.Handler) {
	s.handler.Store(&h)
}

func (s *Server) serveCurrent(w http.ResponseWriter, r *http.Request) {
	(*s.handler.Load()).ServeHTTP(w, r)
}

// Start listens on the configured port and serves until Shutdown. It
// returns nil after a graceful shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.Port, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("starting server", slog.String("addr", ln.Addr().String()))
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
