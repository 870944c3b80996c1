// Package tcpserver accepts the agent-facing TCP listener and spawns
// one session.Handler per connection.
//
// The accept loop binds the listener up front, runs a goroutine that
// closes it on context cancellation to unblock Accept, tracks
// in-flight connections with a WaitGroup, and blocks in Serve until
// every handler has returned or DrainTimeout has elapsed since
// cancellation. Because each accepted connection here is
// long-lived rather than one-shot, admission is additionally bounded
// by a fixed-size semaphore.
package tcpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/opsfleet/controlplane/internal/session"
)

// DrainTimeout bounds how long Serve waits, after ctx is cancelled,
// for active sessions to finish tearing themselves down.
const DrainTimeout = 5 * time.Second

// Server accepts agent connections on a single TCP listener and hands
// each one to a freshly constructed session.Handler.
type Server struct {
	addr           string
	sessionConfig  session.Config
	maxConnections int
	logger         *slog.Logger

	ready chan struct{}
	addrR net.Addr
}

// New creates a Server that will listen on addr. sessionConfig is
// shared by every accepted connection's Handler. maxConnections bounds
// how many sessions may be active at once; additional connections are
// accepted and then closed immediately.
func New(addr string, sessionConfig session.Config, maxConnections int, logger *slog.Logger) *Server {
	return &Server{
		addr:           addr,
		sessionConfig:  sessionConfig,
		maxConnections: maxConnections,
		logger:         logger,
		ready:          make(chan struct{}),
	}
}

// Ready returns a channel closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the resolved listen address. Only valid after Ready()
// closes.
func (s *Server) Addr() net.Addr { return s.addrR }

// Serve binds the listener and accepts connections until ctx is
// cancelled, then stops accepting and waits up to DrainTimeout for
// every active session to finish tearing itself down.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	s.addrR = listener.Addr()
	close(s.ready)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("tcp server listening", "address", s.addrR.String())

	admission := make(chan struct{}, s.maxConnections)
	var active sync.WaitGroup

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		select {
		case admission <- struct{}{}:
		default:
			s.logger.Warn("max connections reached, refusing connection", "remote", conn.RemoteAddr())
			conn.Close()
			continue
		}

		active.Add(1)
		go func() {
			defer active.Done()
			defer func() { <-admission }()
			session.New(conn, s.sessionConfig).Run(ctx)
		}()
	}

	drained := make(chan struct{})
	go func() {
		active.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(DrainTimeout):
		s.logger.Warn("drain timeout elapsed with sessions still active")
	}
	s.logger.Info("tcp server stopped")
	return nil
}
