// Package session implements the server's per-connection state
// machine: an accepted TCP connection moves through Unauth (or
// Handshaking), Auth, Registered, and Closed exactly as drawn in the
// handshake design note, expressed as an explicit enum with timed
// transitions rather than nested inside the read loop.
//
// Shutdown runs through a done channel closed exactly once via
// sync.Once, a dedicated writer goroutine, and a WaitGroup joining
// every goroutine before the handler returns.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/opsfleet/controlplane/internal/auth"
	"github.com/opsfleet/controlplane/internal/clock"
	"github.com/opsfleet/controlplane/internal/completion"
	"github.com/opsfleet/controlplane/internal/opserr"
	"github.com/opsfleet/controlplane/internal/registry"
	"github.com/opsfleet/controlplane/internal/validate"
	"github.com/opsfleet/controlplane/internal/wire"
)

// State is one stage of a connection's lifecycle.
type State int

const (
	StateUnauth State = iota
	StateHandshaking
	StateAuth
	StateRegistered
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauth:
		return "unauth"
	case StateHandshaking:
		return "handshaking"
	case StateAuth:
		return "auth"
	case StateRegistered:
		return "registered"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// HandshakeTimeout bounds how long Handshaking may remain before the
// connection is closed.
const HandshakeTimeout = 10 * time.Second

// WriteDeadline bounds every individual outbound frame write.
const WriteDeadline = 10 * time.Second

// Config bundles the dependencies a Handler needs, shared across every
// connection the server accepts.
type Config struct {
	AuthEnabled   bool
	Authenticator auth.Authenticator
	Validator     validate.Policy
	Registry      *registry.Registry
	Completions   *completion.Store
	Clock         clock.Clock
	ClientTimeout time.Duration
	Logger        *slog.Logger
}

// Handler owns one accepted connection's lifecycle from accept to close.
type Handler struct {
	conn   net.Conn
	codec  *wire.Codec
	config Config

	state   State
	agentID string
	entry   *registry.Entry

	done     chan struct{}
	doneOnce sync.Once
}

// New creates a Handler for a freshly accepted connection. Call Run to
// drive it to completion.
func New(conn net.Conn, config Config) *Handler {
	return &Handler{
		conn:   conn,
		codec:  wire.New(conn),
		config: config,
		state:  StateUnauth,
		done:   make(chan struct{}),
	}
}

// Run drives the connection through handshake, registration, and the
// read loop until the connection closes or ctx is cancelled. It always
// returns once the connection is fully torn down, including its
// registry entry (if one was installed) and writer goroutine.
func (h *Handler) Run(ctx context.Context) {
	defer h.conn.Close()

	go func() {
		select {
		case <-ctx.Done():
			h.triggerClose()
		case <-h.done:
		}
	}()

	if !h.handshake() {
		h.setState(StateClosed)
		return
	}

	var writerWait sync.WaitGroup
	h.readLoop(&writerWait)
	h.triggerClose()
	writerWait.Wait()

	if h.entry != nil {
		h.config.Registry.Remove(h.agentID, h.entry)
	}
	h.setState(StateClosed)
}

// triggerClose signals shutdown and closes the connection so a reader
// blocked in ReceiveRaw (or looping on a heartbeating agent) unblocks
// immediately instead of waiting out the idle read deadline.
func (h *Handler) triggerClose() {
	h.doneOnce.Do(func() {
		close(h.done)
		h.conn.Close()
	})
}

func (h *Handler) setState(s State) {
	h.state = s
}

// handshake performs the authentication handshake if enabled, or
// transitions straight to Auth (backwards-compat path) if not.
// Returns false if the handshake failed or timed out.
func (h *Handler) handshake() bool {
	if !h.config.AuthEnabled {
		h.setState(StateAuth)
		return true
	}

	h.setState(StateHandshaking)
	if err := h.conn.SetDeadline(time.Now().Add(HandshakeTimeout)); err != nil {
		h.logWarn("setting handshake deadline", err)
		return false
	}

	agentID, err := h.config.Authenticator.ServerHandshake(h.codec, h.config.Clock.Now())
	if err != nil {
		h.logWarn("handshake failed", err)
		return false
	}

	if err := h.conn.SetDeadline(time.Time{}); err != nil {
		h.logWarn("clearing handshake deadline", err)
		return false
	}

	h.agentID = agentID
	h.setState(StateAuth)
	return true
}

// readLoop reads frames until the connection errors, the idle timeout
// elapses, or the handler is asked to shut down. On the first
// well-formed HostInfo it transitions to Registered and spawns the
// dedicated writer goroutine, added to writerWait so Run can join it.
func (h *Handler) readLoop(writerWait *sync.WaitGroup) {
	idleTimeout := 2 * h.config.ClientTimeout

	for {
		if err := h.conn.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
			h.logWarn("setting read deadline", err)
			return
		}

		raw, err := h.codec.ReceiveRaw()
		if err != nil {
			if !opserr.Is(err, opserr.KindProtocol) {
				h.logWarn("connection read failed", err)
			} else {
				h.logWarn("protocol error, closing connection", err)
			}
			return
		}

		var envelope wire.Envelope
		if err := json.Unmarshal(raw, &envelope); err != nil {
			h.config.Logger.Warn("malformed frame dropped", "agent_id", h.agentID, "error", err)
			continue
		}

		switch envelope.Type {
		case wire.TypeHostInfo:
			var hostInfo wire.HostInfo
			if err := json.Unmarshal(raw, &hostInfo); err != nil {
				h.config.Logger.Warn("malformed host_info dropped", "error", err)
				continue
			}
			h.handleHostInfo(hostInfo, writerWait)
		case wire.TypeCommandResult:
			var result wire.CommandResult
			if err := json.Unmarshal(raw, &result); err != nil {
				h.config.Logger.Warn("malformed command_result dropped", "error", err)
				continue
			}
			h.handleCommandResult(result)
		default:
			h.config.Logger.Warn("unknown message type dropped", "agent_id", h.agentID, "type", envelope.Type)
		}
	}
}

func (h *Handler) handleHostInfo(hostInfo wire.HostInfo, writerWait *sync.WaitGroup) {
	if h.config.AuthEnabled && hostInfo.AgentID != h.agentID {
		h.config.Logger.Warn("host_info agent_id does not match handshake identity, closing",
			"handshake_agent_id", h.agentID, "reported_agent_id", hostInfo.AgentID)
		h.triggerClose()
		return
	}
	if !h.config.AuthEnabled {
		h.agentID = hostInfo.AgentID
	}

	if h.state != StateRegistered {
		h.entry = h.config.Registry.Register(hostInfo)
		h.setState(StateRegistered)
		writerWait.Add(1)
		go h.runWriter(writerWait)
		h.config.Logger.Info("agent registered", "agent_id", h.agentID, "hostname", hostInfo.Hostname)
		return
	}

	h.config.Registry.Touch(hostInfo)
}

func (h *Handler) handleCommandResult(result wire.CommandResult) {
	record, exists := h.config.Completions.Get(result.CommandID)
	if !exists {
		h.config.Logger.Warn("command_result for unknown command_id dropped", "command_id", result.CommandID)
		return
	}
	if record.AgentID != h.agentID {
		h.config.Logger.Warn("command_result agent_id mismatch dropped",
			"command_id", result.CommandID, "expected_agent_id", record.AgentID, "got_agent_id", h.agentID)
		return
	}

	finishedAt, err := time.Parse(time.RFC3339, result.FinishedAt)
	if err != nil {
		finishedAt = h.config.Clock.Now()
	}
	if err := h.config.Completions.Complete(result.CommandID, result.ExitCode, result.Stdout, result.Stderr, finishedAt); err != nil {
		h.config.Logger.Warn("completing command record failed", "command_id", result.CommandID, "error", err)
	}
}

// runWriter drains the registry entry's outbound queue onto the
// connection until the entry or the handler signals shutdown.
func (h *Handler) runWriter(writerWait *sync.WaitGroup) {
	defer writerWait.Done()

	for {
		select {
		case <-h.done:
			return
		case <-h.entry.Done():
			h.triggerClose()
			return
		case message, ok := <-h.entry.Outbound():
			if !ok {
				return
			}
			if err := h.conn.SetWriteDeadline(time.Now().Add(WriteDeadline)); err != nil {
				h.logWarn("setting write deadline", err)
				h.triggerClose()
				return
			}
			if err := h.codec.Send(message); err != nil {
				h.logWarn("writer send failed", err)
				h.triggerClose()
				return
			}
		}
	}
}

func (h *Handler) logWarn(msg string, err error) {
	h.config.Logger.Warn(msg, "agent_id", h.agentID, "state", h.state.String(), "error", err)
}
