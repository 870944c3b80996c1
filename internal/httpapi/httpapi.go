// Package httpapi implements the operator-facing HTTP/JSON control
// plane: the routed surface a human (or a script) uses to list
// connected agents, broadcast messages, dispatch commands, and poll
// results.
//
// Routing is built on chi plus go-chi/cors: chi.NewRouter with
// middleware.Logger, middleware.Recoverer, and a permissive
// cors.Handler. The listener lifecycle (bind, signal ready, serve,
// context-driven graceful Shutdown) belongs to internal/httpserver and
// cmd/ops-server, this package only builds the http.Handler.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/opsfleet/controlplane/internal/completion"
	"github.com/opsfleet/controlplane/internal/opserr"
	"github.com/opsfleet/controlplane/internal/registry"
	"github.com/opsfleet/controlplane/internal/uiassets"
	"github.com/opsfleet/controlplane/internal/validate"
	"github.com/opsfleet/controlplane/internal/wire"
)

// RequestTimeout bounds every request end to end, per the server-wide
// HTTP timeout named in the concurrency model.
const RequestTimeout = 60 * time.Second

// DefaultHistoryLimit and MaxHistoryLimit bound GET /api/client-history
// when the caller omits or oversizes the limit query parameter.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = completion.HistoryLimit
)

// Config bundles the server-side dependencies the API surface reads
// and writes.
type Config struct {
	Registry    *registry.Registry
	Completions *completion.Store
	Validator   validate.Policy
	AuthToken   string // empty disables bearer auth on /api/*
	Logger      *slog.Logger
}

// NewRouter builds the full HTTP handler: public routes, bearer-
// guarded API routes, logging, panic recovery, and permissive CORS
// (the UI is served from the same origin, but the API is also meant
// to be scriptable from arbitrary tooling).
func NewRouter(cfg Config) http.Handler {
	if cfg.AuthToken == "" {
		cfg.Logger.Warn("OPS_AUTH_TOKEN not set, /api/* is open to any caller")
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	api := &handler{cfg: cfg}

	r.Get("/", uiassets.Handler())
	r.Get("/health", api.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(bearerAuth(cfg.AuthToken))
		r.Get("/clients", api.handleClients)
		r.Get("/predefined-commands", api.handlePredefinedCommands)
		r.Post("/send-message", api.handleSendMessage)
		r.Post("/send-command", api.handleSendCommand)
		r.Get("/command-result", api.handleCommandResult)
		r.Get("/client-history", api.handleClientHistory)
	})

	return r
}

// bearerAuth enforces Authorization: Bearer <token> on every request
// it wraps, using a constant-time comparison so response timing
// cannot be used to recover the token byte by byte. An empty token
// disables the check entirely (single-operator/dev mode).
func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(header, prefix) {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			presented := strings.TrimPrefix(header, prefix)
			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type handler struct {
	cfg Config
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]string{"reason": reason})
}

func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) handleClients(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"clients": h.cfg.Registry.Enumerate()})
}

// CommandCategory groups a named set of pre-validated commands the UI
// can offer as one-click buttons. Metadata only: every command an
// operator actually sends still goes through full admission, so no
// entry here can ever be rejected by it.
type CommandCategory struct {
	Name     string   `json:"name"`
	Commands []string `json:"commands"`
}

// predefinedCategories is assembled from the same allow-list the
// validator enforces, grouped by what an operator is typically
// looking for. Not configurable in this version; see DESIGN.md.
func predefinedCategories() []CommandCategory {
	return []CommandCategory{
		{Name: "Diagnostics", Commands: []string{"ps aux", "df -h", "free -h", "uptime", "uname -a"}},
		{Name: "Network", Commands: []string{"ip addr", "ss -tulpn", "ping -c 3 127.0.0.1"}},
		{Name: "Logs", Commands: []string{"journalctl -n 100", "systemctl status"}},
		{Name: "Identity", Commands: []string{"whoami", "id", "hostname"}},
	}
}

func (h *handler) handlePredefinedCommands(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"categories": predefinedCategories()})
}

type sendMessageRequest struct {
	Message string `json:"message"`
}

func (h *handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message must not be empty")
		return
	}

	summary := h.cfg.Registry.Broadcast(wire.NewBroadcast(req.Message))
	writeJSON(w, http.StatusOK, map[string]int{"sent": summary.Sent, "failed": summary.Failed})
}

type sendCommandRequest struct {
	ClientID string `json:"client_id"`
	Command  string `json:"command"`
}

// handleSendCommand implements the workflow named in §4.7: generate
// a command id, validate, and either reject before touching the
// registry or insert a pending record and attempt delivery. On a
// delivery failure the pending record is overwritten with a rejected
// one (see markUndeliverable); it is not deleted, and stays visible to
// /api/command-result and /api/client-history until swept.
func (h *handler) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	var req sendCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if strings.TrimSpace(req.ClientID) == "" {
		writeError(w, http.StatusBadRequest, "client_id must not be empty")
		return
	}

	result := h.cfg.Validator.Validate(req.Command)
	commandID := uuid.NewString()
	if !result.Accepted {
		h.cfg.Completions.MarkRejected(commandID, req.ClientID, req.Command, string(result.Reason))
		writeError(w, http.StatusBadRequest, string(result.Reason))
		return
	}

	h.cfg.Completions.Create(commandID, req.ClientID, result.Sanitized)
	err := h.cfg.Registry.Send(req.ClientID, wire.NewCommand(commandID, result.Sanitized))
	if err != nil {
		switch {
		case opserr.Is(err, opserr.KindNotFound):
			h.markUndeliverable(commandID, "no_such_agent")
			writeError(w, http.StatusNotFound, "no such agent")
		case opserr.Is(err, opserr.KindBackpressure):
			h.markUndeliverable(commandID, "outbound_queue_full")
			writeError(w, http.StatusServiceUnavailable, "agent outbound queue is full")
		default:
			h.markUndeliverable(commandID, "dispatch_failed")
			h.cfg.Logger.Error("send-command dispatch failed", "command_id", commandID, "error", err)
			writeError(w, http.StatusServiceUnavailable, "dispatch failed")
		}
		return
	}

	_ = h.cfg.Completions.MarkRunning(commandID)
	writeJSON(w, http.StatusOK, map[string]string{"command_id": commandID})
}

// markUndeliverable overwrites a just-created pending record that
// could not be delivered, so it never surfaces as a permanently stuck
// pending command on /api/command-result. The store has no direct
// delete, so the record is kept in rejected state with reason as its
// Reason, and remains in the agent's history.
func (h *handler) markUndeliverable(commandID, reason string) {
	if record, exists := h.cfg.Completions.Get(commandID); exists {
		h.cfg.Completions.MarkRejected(commandID, record.AgentID, record.Command, reason)
	}
}

func (h *handler) handleCommandResult(w http.ResponseWriter, r *http.Request) {
	commandID := r.URL.Query().Get("command_id")
	if commandID == "" {
		writeError(w, http.StatusBadRequest, "command_id is required")
		return
	}

	record, exists := h.cfg.Completions.Get(commandID)
	if !exists {
		writeJSON(w, http.StatusOK, map[string]string{"state": string(completion.StatePending)})
		return
	}
	writeJSON(w, http.StatusOK, commandRecordJSON(record))
}

func (h *handler) handleClientHistory(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		writeError(w, http.StatusBadRequest, "client_id is required")
		return
	}

	limit := DefaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	records := h.cfg.Completions.History(clientID, limit)
	commands := make([]commandRecordView, 0, len(records))
	for _, record := range records {
		commands = append(commands, commandRecordJSON(record))
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": commands})
}

// commandRecordView is CommandRecord's wire shape: optional fields
// are omitted until the record reaches a terminal state, matching the
// glossary's `exit_code?`/`stdout?`/`stderr?`/`finished_at?`/`error?`.
type commandRecordView struct {
	CommandID   string `json:"command_id"`
	AgentID     string `json:"agent_id"`
	CommandText string `json:"command_text"`
	State       string `json:"state"`
	SubmittedAt string `json:"submitted_at"`
	ExitCode    *int   `json:"exit_code,omitempty"`
	Stdout      string `json:"stdout,omitempty"`
	Stderr      string `json:"stderr,omitempty"`
	FinishedAt  string `json:"finished_at,omitempty"`
	Error       string `json:"error,omitempty"`
}

func commandRecordJSON(record completion.Record) commandRecordView {
	view := commandRecordView{
		CommandID:   record.CommandID,
		AgentID:     record.AgentID,
		CommandText: record.Command,
		State:       string(record.State),
		SubmittedAt: record.CreatedAt.UTC().Format(time.RFC3339),
	}
	switch record.State {
	case completion.StateCompleted:
		exitCode := record.ExitCode
		view.ExitCode = &exitCode
		view.Stdout = record.Stdout
		view.Stderr = record.Stderr
		view.FinishedAt = record.FinishedAt.UTC().Format(time.RFC3339)
	case completion.StateRejected:
		view.Error = record.Reason
	}
	return view
}
