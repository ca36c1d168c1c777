package api

import (
	"context"
	"net/http"
	"time"
)

// Server represents the API server.
type Server struct {
	handler http.Handler
	server  *http.Server

	readTimeout  time.Duration
	writeTimeout time.Duration
}

// ServerOptions configures NewServer. Zero timeouts use the defaults.
type ServerOptions struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string
}

// NewServer builds the router for the given dependencies.
func NewServer(deps Dependencies, opts ServerOptions) *Server {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 15 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Minute
	}
	return &Server{
		handler:      SetupRoutes(deps, opts.AllowedOrigins),
		readTimeout:  opts.ReadTimeout,
		writeTimeout: opts.WriteTimeout,
	}
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.handler,
		// A dispatch invocation runs a whole batch before responding, so the
		// write timeout has to cover batch size times the send timeout.
		ReadTimeout:       s.readTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.writeTimeout,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.handler
}
