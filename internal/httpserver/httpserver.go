// Package httpserver binds the operator-facing HTTP listener and runs
// it to graceful completion.
//
// The listener is bound up front so the resolved address is known
// before Serve blocks, a goroutine runs http.Server.Serve with its
// error funneled back over a channel, and Shutdown on cancellation is
// bounded by its own context.WithTimeout. Request authentication lives
// in the handler chain (internal/httpapi's bearer check), not in this
// package.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// ShutdownTimeout bounds how long Serve waits for in-flight requests
// to finish once ctx is cancelled.
const ShutdownTimeout = 10 * time.Second

// Server binds a single TCP listener and serves an http.Handler on it.
type Server struct {
	address string
	handler http.Handler
	logger  *slog.Logger

	ready chan struct{}
	addr  net.Addr
}

// New creates a Server that will listen on address.
func New(address string, handler http.Handler, logger *slog.Logger) *Server {
	return &Server{
		address: address,
		handler: handler,
		logger:  logger,
		ready:   make(chan struct{}),
	}
}

// Ready returns a channel closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the resolved listen address. Only valid after Ready()
// closes.
func (s *Server) Addr() net.Addr { return s.addr }

// Serve starts accepting HTTP connections. Blocks until ctx is
// cancelled, then performs a graceful shutdown bounded by
// ShutdownTimeout.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.address, err)
	}
	s.addr = listener.Addr()
	close(s.ready)

	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("http server listening", "address", s.addr.String())

	serveDone := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- err
		}
		close(serveDone)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("http server shutting down")
	case err := <-serveDone:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("http server shutdown error", "error", err)
		return fmt.Errorf("http server shutdown: %w", err)
	}

	s.logger.Info("http server stopped")
	return nil
}
