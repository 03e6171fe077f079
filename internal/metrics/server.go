package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"firestige.xyz/pcapkit/internal/log"
)

// Server exposes the pcapkit collectors over HTTP while a capture runs.
type Server struct {
	addr   string
	path   string
	ln     net.Listener
	server *http.Server
	done   chan struct{}
}

func NewServer(addr, path string) *Server {
	if path == "" {
		path = "/metrics"
	}
	return &Server{addr: addr, path: path}
}

// Handler serves the metrics path only.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.Handler())
	return mux
}

// Start binds the listen address before returning, so an address in use is
// reported to the caller instead of the log. The server stops when ctx is
// done or on Stop.
func (s *Server) Start(ctx context.Context) error {
	if s.server != nil {
		return fmt.Errorf("metrics server already started on %s", s.Addr())
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("metrics listen %s: %w", s.addr, err)
	}
	s.ln = ln
	s.done = make(chan struct{})
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	logger := log.GetLogger().WithField("addr", ln.Addr().String()).WithField("path", s.path)
	logger.Info("serving metrics")

	go func() {
		defer close(s.done)
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server failed")
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Stop(context.Background())
		case <-s.done:
		}
	}()
	return nil
}

// Addr is the bound address once started, else the configured one.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Stop shuts the server down, waiting at most five seconds for scrapes in
// flight.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics server shutdown: %w", err)
	}
	<-s.done
	return nil
}
