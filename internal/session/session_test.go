package session

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/opsfleet/controlplane/internal/auth"
	"github.com/opsfleet/controlplane/internal/clock"
	"github.com/opsfleet/controlplane/internal/completion"
	"github.com/opsfleet/controlplane/internal/registry"
	"github.com/opsfleet/controlplane/internal/validate"
	"github.com/opsfleet/controlplane/internal/wire"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestConfig(authEnabled bool) (Config, *registry.Registry, *completion.Store) {
	fc := clock.Fake(epoch)
	reg := registry.New(fc)
	store := completion.New(fc, time.Hour)
	cfg := Config{
		AuthEnabled:   authEnabled,
		Authenticator: auth.New([]byte("shared-secret")),
		Validator:     validate.NewDefaultPolicy(),
		Registry:      reg,
		Completions:   store,
		Clock:         fc,
		ClientTimeout: time.Hour,
		Logger:        testLogger(),
	}
	return cfg, reg, store
}

func TestHandlerRegistersOnFirstHostInfoAuthDisabled(t *testing.T) {
	t.Parallel()
	serverConn, clientConn := net.Pipe()
	cfg, reg, _ := newTestConfig(false)

	handler := New(serverConn, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		handler.Run(ctx)
		close(done)
	}()

	clientCodec := wire.New(clientConn)
	if err := clientCodec.Send(wire.NewHostInfo(wire.HostInfo{AgentID: "agent-1", Hostname: "h1"})); err != nil {
		t.Fatalf("sending host_info: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for reg.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if reg.Len() != 1 {
		t.Fatalf("registry has %d entries, want 1", reg.Len())
	}
	if _, exists := reg.Get("agent-1"); !exists {
		t.Error("agent-1 should be registered")
	}

	clientConn.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not shut down after connection close")
	}
}

func TestHandlerAuthEnabledRejectsBadHandshake(t *testing.T) {
	t.Parallel()
	serverConn, clientConn := net.Pipe()
	cfg, reg, _ := newTestConfig(true)

	handler := New(serverConn, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		handler.Run(ctx)
		close(done)
	}()

	attacker := auth.New([]byte("wrong-secret"))
	clientCodec := wire.New(clientConn)
	err := attacker.ClientHandshake(clientCodec, "agent-1")
	if err == nil {
		t.Fatal("expected client handshake to fail against a bad secret")
	}
	clientConn.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not shut down after failed handshake")
	}
	if reg.Len() != 0 {
		t.Errorf("registry has %d entries, want 0 after failed handshake", reg.Len())
	}
}

func TestHandlerCompletesPendingCommandOnResult(t *testing.T) {
	t.Parallel()
	serverConn, clientConn := net.Pipe()
	cfg, reg, store := newTestConfig(false)

	store.Create("cmd-1", "agent-1", "whoami")

	handler := New(serverConn, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		handler.Run(ctx)
		close(done)
	}()

	clientCodec := wire.New(clientConn)
	if err := clientCodec.Send(wire.NewHostInfo(wire.HostInfo{AgentID: "agent-1"})); err != nil {
		t.Fatalf("sending host_info: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for reg.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	result := wire.NewCommandResult(wire.CommandResult{
		CommandID: "cmd-1", ExitCode: 0, Stdout: "root\n", FinishedAt: epoch.Format(time.RFC3339),
	})
	if err := clientCodec.Send(result); err != nil {
		t.Fatalf("sending command_result: %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if record, exists := store.Get("cmd-1"); exists && record.State == completion.StateCompleted {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	record, exists := store.Get("cmd-1")
	if !exists || record.State != completion.StateCompleted {
		t.Fatalf("command record = %+v, want completed", record)
	}
	if record.Stdout != "root\n" {
		t.Errorf("Stdout = %q, want %q", record.Stdout, "root\n")
	}

	clientConn.Close()
	<-done
}
