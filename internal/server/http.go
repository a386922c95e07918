package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/teemow/mailpass/internal/instrumentation"
)

// Default HTTP server timeouts. WriteTimeout must cover a full helper run
// plus the invalid credentials delay; callers set it from their config.
const (
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultWriteTimeout      = 60 * time.Second
	DefaultIdleTimeout       = 120 * time.Second
)

// RouteRegistrar adds application routes to the router.
type RouteRegistrar func(r chi.Router)

// Config configures an HTTPServer.
type Config struct {
	// Name identifies the server in logs ("gateway", "mock-idp").
	Name string

	Logger  *slog.Logger
	Metrics *instrumentation.Metrics

	// Health, when set, serves /healthz, /readyz and /healthz/detailed.
	Health *HealthChecker

	// RateLimiter, when set, guards the application routes (not health).
	RateLimiter *RateLimiter

	// TLSCertFile and TLSKeyFile enable HTTPS when both are set.
	TLSCertFile string
	TLSKeyFile  string

	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
}

// HTTPServer is a chi based HTTP server with request IDs, panic recovery,
// request metrics, optional rate limiting and health endpoints.
type HTTPServer struct {
	config  Config
	router  chi.Router
	logger  *slog.Logger
	metrics *instrumentation.Metrics

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

// NewHTTPServer builds the router and registers the given routes.
func NewHTTPServer(config Config, routes ...RouteRegistrar) *HTTPServer {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Name != "" {
		config.Logger = config.Logger.With(slog.String("server", config.Name))
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultWriteTimeout
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}

	s := &HTTPServer{
		config:  config,
		logger:  config.Logger,
		metrics: config.Metrics,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.instrumentationMiddleware)

	if config.Health != nil {
		config.Health.RegisterHealthEndpoints(r)
	}

	r.Group(func(r chi.Router) {
		if config.RateLimiter != nil {
			r.Use(config.RateLimiter.Middleware)
		}
		for _, register := range routes {
			register(r)
		}
	})

	s.router = r
	return s
}

// Handler returns the server's root handler.
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// Start listens on addr and serves until Shutdown. It returns nil after a
// graceful shutdown.
func (s *HTTPServer) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener.
func (s *HTTPServer) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       s.config.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	s.mu.Lock()
	s.httpServer = srv
	s.listener = ln
	s.mu.Unlock()

	var err error
	if s.config.TLSCertFile != "" && s.config.TLSKeyFile != "" {
		s.logger.Info("starting HTTPS server", "addr", ln.Addr().String())
		err = srv.ServeTLS(ln, s.config.TLSCertFile, s.config.TLSKeyFile)
	} else {
		s.logger.Info("starting HTTP server", "addr", ln.Addr().String())
		err = srv.Serve(ln)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server, marking it as not ready first.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.config.Health != nil {
		s.config.Health.SetShuttingDown()
	}
	if s.config.RateLimiter != nil {
		s.config.RateLimiter.Stop()
	}

	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	s.logger.Info("shutting down HTTP server")
	return srv.Shutdown(ctx)
}

// Addr returns the bound address, or "" before Start.
func (s *HTTPServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// instrumentationMiddleware records request count and duration per route
// pattern and logs each request at debug level.
func (s *HTTPServer) instrumentationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := newResponseWriter(w)

		next.ServeHTTP(rw, r)

		duration := time.Since(start)
		path := routePattern(r)
		s.metrics.RecordHTTPRequest(r.Context(), r.Method, path, rw.statusCode, duration)
		s.logger.Debug("request served",
			"method", r.Method,
			"path", path,
			"status", rw.statusCode,
			"duration", duration,
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// routePattern returns the matched chi pattern so that metric labels stay bounded.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// responseWriter captures the status code written by a handler.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
