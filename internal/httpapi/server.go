package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"pkt.systems/pslog"

	"pkt.systems/attractor/internal/loggingutil"
)

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Listen               string
	MaxConcurrentStreams uint32
	IdleTimeout          time.Duration
	Logger               pslog.Logger
}

// Server is a listening HTTP API endpoint. Plaintext HTTP/2 (h2c) and
// HTTP/1.1 are both accepted.
type Server struct {
	srv    *http.Server
	ln     net.Listener
	logger pslog.Logger
}

// Listen binds cfg.Listen and prepares handler for serving.
func Listen(cfg ServerConfig, handler http.Handler) (*Server, error) {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 2 * time.Minute
	}
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("httpapi: listen %s: %w", cfg.Listen, err)
	}
	h2 := &http2.Server{
		MaxConcurrentStreams: cfg.MaxConcurrentStreams,
		IdleTimeout:          cfg.IdleTimeout,
	}
	srv := &http.Server{
		Handler:           h2c.NewHandler(handler, h2),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       cfg.IdleTimeout,
	}
	if err := http2.ConfigureServer(srv, h2); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("httpapi: configure http2: %w", err)
	}
	return &Server{srv: srv, ln: ln, logger: loggingutil.EnsureLogger(cfg.Logger)}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Serve blocks until Shutdown. A graceful stop returns nil.
func (s *Server) Serve() error {
	s.logger.Info("api.http.listening", "listen", s.ln.Addr().String())
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
