package health

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// DefaultCheckTimeout bounds one run of all checks
const DefaultCheckTimeout = 5 * time.Second

// Server exposes a Registry over HTTP/1.1 and cleartext HTTP/2:
//
//	/health  full JSON report
//	/ready   503 while unhealthy
//	/live    always 200
type Server struct {
	registry *Registry
	logger   *slog.Logger
	timeout  time.Duration
	server   *http.Server
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithCheckTimeout bounds each request's check run
func WithCheckTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.timeout = timeout
	}
}

// NewServer creates a health server for registry listening on addr
func NewServer(addr string, registry *Registry, opts ...ServerOption) *Server {
	s := &Server{
		registry: registry,
		logger:   slog.Default(),
		timeout:  DefaultCheckTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.server = &http.Server{
		Addr:              addr,
		Handler:           h2c.NewHandler(s.Mux(), &http2.Server{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Mux returns the routes without the h2c wrapper
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/health", NewHandler(s.registry, s.timeout))
	mux.Handle("/ready", ReadinessHandler(s.registry, s.timeout))
	mux.Handle("/live", LivenessHandler())
	return mux
}

// Serve accepts connections on l until ctx ends, then shuts down gracefully
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("health endpoint listening", "addr", l.Addr().String())
		errCh <- s.server.Serve(l)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}

// ListenAndServe listens on the configured address and serves until ctx ends
func (s *Server) ListenAndServe(ctx context.Context) error {
	l, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}
