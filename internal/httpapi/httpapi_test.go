package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

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

func newTestRouter(authToken string) (http.Handler, *registry.Registry, *completion.Store) {
	fc := clock.Fake(epoch)
	reg := registry.New(fc)
	store := completion.New(fc, time.Hour)
	router := NewRouter(Config{
		Registry:    reg,
		Completions: store,
		Validator:   validate.NewDefaultPolicy(),
		AuthToken:   authToken,
		Logger:      testLogger(),
	})
	return router, reg, store
}

func doRequest(t *testing.T, router http.Handler, method, target, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshaling request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthIsPublic(t *testing.T) {
	t.Parallel()
	router, _, _ := newTestRouter("secret-token")

	rec := doRequest(t, router, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %q, want ok", body["status"])
	}
}

func TestAPIRequiresBearerTokenWhenConfigured(t *testing.T) {
	t.Parallel()
	router, _, _ := newTestRouter("secret-token")

	rec := doRequest(t, router, http.MethodGet, "/api/clients", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want 401", rec.Code)
	}

	rec = doRequest(t, router, http.MethodGet, "/api/clients", "wrong-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status with wrong token = %d, want 401", rec.Code)
	}

	rec = doRequest(t, router, http.MethodGet, "/api/clients", "secret-token", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status with correct token = %d, want 200", rec.Code)
	}
}

func TestAPIIsOpenWhenNoTokenConfigured(t *testing.T) {
	t.Parallel()
	router, _, _ := newTestRouter("")

	rec := doRequest(t, router, http.MethodGet, "/api/clients", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestClientsListsRegisteredAgents(t *testing.T) {
	t.Parallel()
	router, reg, _ := newTestRouter("")
	reg.Register(wire.NewHostInfo(wire.HostInfo{AgentID: "agent-1", Hostname: "h1"}))

	rec := doRequest(t, router, http.MethodGet, "/api/clients", "", nil)
	var body struct {
		Clients map[string]wire.HostInfo `json:"clients"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if _, exists := body.Clients["agent-1"]; !exists {
		t.Errorf("clients = %+v, want agent-1 present", body.Clients)
	}
}

func TestPredefinedCommandsReturnsCategories(t *testing.T) {
	t.Parallel()
	router, _, _ := newTestRouter("")

	rec := doRequest(t, router, http.MethodGet, "/api/predefined-commands", "", nil)
	var body struct {
		Categories []CommandCategory `json:"categories"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(body.Categories) == 0 {
		t.Fatal("expected at least one predefined command category")
	}
}

func TestSendCommandRejectedByValidatorReturns400WithoutTouchingRegistry(t *testing.T) {
	t.Parallel()
	router, reg, store := newTestRouter("")
	reg.Register(wire.NewHostInfo(wire.HostInfo{AgentID: "agent-1"}))

	rec := doRequest(t, router, http.MethodPost, "/api/send-command", "", sendCommandRequest{
		ClientID: "agent-1", Command: "rm -rf /",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	entry, _ := reg.Get("agent-1")
	select {
	case <-entry.Outbound():
		t.Fatal("rejected command should not have been enqueued to the agent")
	default:
	}
	if store.History("agent-1", 0)[0].State != completion.StateRejected {
		t.Error("expected a rejected record in history")
	}
}

func TestSendCommandToUnknownAgentReturns404AndMarksRecordRejected(t *testing.T) {
	t.Parallel()
	router, _, store := newTestRouter("")

	rec := doRequest(t, router, http.MethodPost, "/api/send-command", "", sendCommandRequest{
		ClientID: "ghost-agent", Command: "whoami",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	commandID := pollForFirstHistoryCommandID(t, store, "ghost-agent")
	record, exists := store.Get(commandID)
	if !exists || record.State != completion.StateRejected {
		t.Fatalf("record = %+v, want rejected", record)
	}
}

func pollForFirstHistoryCommandID(t *testing.T, store *completion.Store, agentID string) string {
	t.Helper()
	history := store.History(agentID, 0)
	if len(history) == 0 {
		t.Fatal("expected a history entry for " + agentID)
	}
	return history[0].CommandID
}

func TestSendCommandAcceptedEnqueuesOnRegistry(t *testing.T) {
	t.Parallel()
	router, reg, store := newTestRouter("")
	entry := reg.Register(wire.NewHostInfo(wire.HostInfo{AgentID: "agent-1"}))

	rec := doRequest(t, router, http.MethodPost, "/api/send-command", "", sendCommandRequest{
		ClientID: "agent-1", Command: "whoami",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	commandID := body["command_id"]
	if commandID == "" {
		t.Fatal("expected a non-empty command_id")
	}

	select {
	case msg := <-entry.Outbound():
		cmd, ok := msg.(wire.Command)
		if !ok || cmd.CommandID != commandID {
			t.Errorf("enqueued message = %+v, want Command with id %q", msg, commandID)
		}
	default:
		t.Fatal("expected the command to be enqueued to the agent's outbound queue")
	}

	record, exists := store.Get(commandID)
	if !exists || record.State != completion.StateRunning {
		t.Fatalf("record = %+v, want running", record)
	}
}

func TestSendCommandBackpressureReturns503(t *testing.T) {
	t.Parallel()
	router, reg, store := newTestRouter("")
	entry := reg.Register(wire.NewHostInfo(wire.HostInfo{AgentID: "agent-1"}))
	for i := 0; i < registry.OutboundQueueCapacity; i++ {
		if err := reg.Send("agent-1", wire.NewBroadcast("filler")); err != nil {
			t.Fatalf("filling outbound queue: %v", err)
		}
	}
	_ = entry

	rec := doRequest(t, router, http.MethodPost, "/api/send-command", "", sendCommandRequest{
		ClientID: "agent-1", Command: "whoami",
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}

	commandID := pollForFirstHistoryCommandID(t, store, "agent-1")
	record, exists := store.Get(commandID)
	if !exists || record.State != completion.StateRejected {
		t.Fatalf("record = %+v, want rejected after backpressure", record)
	}
}

func TestCommandResultReturnsPendingForUnknownCommandID(t *testing.T) {
	t.Parallel()
	router, _, _ := newTestRouter("")

	rec := doRequest(t, router, http.MethodGet, "/api/command-result?command_id=nonexistent", "", nil)
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if body["state"] != "pending" {
		t.Errorf("state = %q, want pending", body["state"])
	}
}

func TestCommandResultReflectsCompletedRecord(t *testing.T) {
	t.Parallel()
	router, _, store := newTestRouter("")
	store.Create("cmd-1", "agent-1", "whoami")
	if err := store.Complete("cmd-1", 0, "root\n", "", epoch); err != nil {
		t.Fatalf("completing record: %v", err)
	}

	rec := doRequest(t, router, http.MethodGet, "/api/command-result?command_id=cmd-1", "", nil)
	var body commandRecordView
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if body.State != "completed" || body.Stdout != "root\n" {
		t.Errorf("body = %+v, want completed with stdout root", body)
	}
}

func TestClientHistoryReturnsNewestFirstBoundedByLimit(t *testing.T) {
	t.Parallel()
	router, _, store := newTestRouter("")
	store.Create("cmd-1", "agent-1", "whoami")
	store.Create("cmd-2", "agent-1", "uptime")
	store.Create("cmd-3", "agent-1", "date")

	rec := doRequest(t, router, http.MethodGet, "/api/client-history?client_id=agent-1&limit=2", "", nil)
	var body struct {
		Commands []commandRecordView `json:"commands"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(body.Commands) != 2 {
		t.Fatalf("len(commands) = %d, want 2", len(body.Commands))
	}
	if body.Commands[0].CommandID != "cmd-3" {
		t.Errorf("newest command id = %q, want cmd-3", body.Commands[0].CommandID)
	}
}

func TestSendMessageBroadcastsToAllRegisteredAgents(t *testing.T) {
	t.Parallel()
	router, reg, _ := newTestRouter("")
	reg.Register(wire.NewHostInfo(wire.HostInfo{AgentID: "agent-1"}))
	reg.Register(wire.NewHostInfo(wire.HostInfo{AgentID: "agent-2"}))

	rec := doRequest(t, router, http.MethodPost, "/api/send-message", "", sendMessageRequest{Message: "hello fleet"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if body["sent"] != 2 {
		t.Errorf("sent = %d, want 2", body["sent"])
	}
}
