package http

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/taskdeck/taskdeck/internal/domain/auth"
	"github.com/taskdeck/taskdeck/internal/domain/session"
	"github.com/taskdeck/taskdeck/internal/port/inbound"
)

// HTTPTransport is the inbound adapter exposing the session multiplexer over
// HTTP Streamable Transport: POST for request/response, GET for the SSE
// event stream, DELETE for session teardown.
type HTTPTransport struct {
	registry       *session.Registry
	server         *http.Server
	addr           string
	allowedOrigins []string
	keys           *auth.KeySet
	logger         *slog.Logger
	metrics        *Metrics
	version        string
}

// Option is a functional option for configuring HTTPTransport.
type Option func(*HTTPTransport)

// WithAddr sets the listen address for the HTTP server.
// Default is "127.0.0.1:8080" (localhost only).
func WithAddr(addr string) Option {
	return func(t *HTTPTransport) {
		t.addr = addr
	}
}

// WithAllowedOrigins sets the allowed origins for DNS rebinding protection.
// If empty, all requests with an Origin header are blocked (local-only mode).
func WithAllowedOrigins(origins []string) Option {
	return func(t *HTTPTransport) {
		t.allowedOrigins = origins
	}
}

// WithLogger sets the logger for the HTTP transport.
func WithLogger(logger *slog.Logger) Option {
	return func(t *HTTPTransport) {
		t.logger = logger
	}
}

// WithKeySet enables bearer API key authentication against the given key set.
func WithKeySet(keys *auth.KeySet) Option {
	return func(t *HTTPTransport) {
		t.keys = keys
	}
}

// WithVersion sets the version string reported by the /health endpoint.
func WithVersion(version string) Option {
	return func(t *HTTPTransport) {
		t.version = version
	}
}

// NewHTTPTransport creates an HTTP transport adapter serving the given
// session registry.
func NewHTTPTransport(registry *session.Registry, opts ...Option) *HTTPTransport {
	t := &HTTPTransport{
		registry:       registry,
		addr:           "127.0.0.1:8080",
		allowedOrigins: []string{},
		logger:         slog.Default(),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Start begins accepting HTTP connections and processing MCP messages.
// It blocks until the context is cancelled or an error occurs.
func (t *HTTPTransport) Start(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	t.metrics = NewMetrics(reg, func() float64 {
		return float64(t.registry.Len())
	})

	meter := otel.Meter("github.com/taskdeck/taskdeck/internal/adapter/inbound/http")
	sessionCounter, err := meter.Int64Counter("taskdeck.sessions.created",
		otelmetric.WithDescription("Sessions created over the process lifetime"))
	if err != nil {
		return fmt.Errorf("create session counter: %w", err)
	}

	srv := &mcpServer{
		registry:       t.registry,
		metrics:        t.metrics,
		logger:         t.logger,
		tracer:         otel.Tracer("github.com/taskdeck/taskdeck/internal/adapter/inbound/http"),
		sessionCounter: sessionCounter,
	}

	// Middleware order (outermost first):
	// 1. MetricsMiddleware - record duration and status (outermost to capture full duration)
	// 2. RequestID - extract/generate request ID and enrich logger
	// 3. RealIP - extract client IP from proxy headers
	// 4. DNSRebinding - security check for Origin header
	// 5. APIKey - bearer key verification
	// 6. Handler - MCP request handling
	mcpHandler := srv.Handler()
	mcpHandler = APIKeyMiddleware(t.keys)(mcpHandler)
	mcpHandler = DNSRebindingProtection(t.allowedOrigins)(mcpHandler)
	mcpHandler = RealIPMiddleware(mcpHandler)
	mcpHandler = RequestIDMiddleware(t.logger)(mcpHandler)
	mcpHandler = MetricsMiddleware(t.metrics)(mcpHandler)

	mux := http.NewServeMux()
	mux.Handle("/health", NewHealthChecker(t.registry, t.version).Handler())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		Registry: reg,
	}))
	// Favicon handler to prevent browser 500 errors
	mux.Handle("/favicon.ico", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	// MCP on explicit paths plus catch-all
	mux.Handle("/mcp", mcpHandler)
	mux.Handle("/mcp/", mcpHandler)
	mux.Handle("/", mcpHandler)

	t.server = &http.Server{
		Addr:    t.addr,
		Handler: mux,
	}

	errCh := make(chan error, 1)

	go func() {
		t.logger.Info("starting HTTP server", "addr", t.addr)
		err := t.server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		t.logger.Info("context cancelled, shutting down HTTP server")
		return t.shutdown()
	case err := <-errCh:
		return err
	}
}

// shutdown performs graceful shutdown of the HTTP server.
func (t *HTTPTransport) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Tear down sessions first; this fails blocked requesters and closes
	// SSE sinks so in-flight handlers unblock before Shutdown waits on them.
	t.registry.CloseAll(ctx)

	if err := t.server.Shutdown(ctx); err != nil {
		t.logger.Error("error during server shutdown", "error", err)
		return err
	}

	t.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close gracefully shuts down the transport.
func (t *HTTPTransport) Close() error {
	if t.server == nil {
		return nil
	}
	return t.shutdown()
}

// Compile-time check that HTTPTransport implements the Transport interface.
var _ inbound.Transport = (*HTTPTransport)(nil)
