package wire

// Message type discriminators carried in every frame's "type" field.
const (
	TypeHostInfo       = "host_info"
	TypeCommand        = "command"
	TypeCommandResult  = "command_result"
	TypeAuthChallenge  = "auth_challenge"
	TypeAuthResponse   = "auth_response"
	TypeAuthResult     = "auth_result"
	TypeBroadcast      = "broadcast"
)

// Envelope carries only the discriminator, used to sniff a frame's
// concrete type before unmarshaling into the matching struct below.
type Envelope struct {
	Type string `json:"type"`
}

// AppVersion is a free-form, opaque {name, version} entry discovered
// by scanning the agent's configured application directory.
type AppVersion struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// HostInfo is the agent's periodic identity + inventory report. It is
// also the registration signal: the server installs or refreshes a
// registry entry on every HostInfo it receives.
type HostInfo struct {
	Type string `json:"type"`

	AgentID      string       `json:"agent_id"`
	Hostname     string       `json:"hostname"`
	OSKind       string       `json:"os_kind"`
	OSVersion    string       `json:"os_version"`
	Kernel       string       `json:"kernel"`
	Arch         string       `json:"arch"`
	CPUCount     int          `json:"cpu_count"`
	TotalMemory  uint64       `json:"total_memory_bytes"`
	LocalIP      string       `json:"local_ip"`
	UptimeSecs   int64        `json:"uptime_seconds"`
	Heartbeat    uint64       `json:"heartbeat"`
	SentAt       string       `json:"sent_at"`
	AppVersions  []AppVersion `json:"app_versions,omitempty"`
}

// NewHostInfo stamps the Type discriminator on a HostInfo value.
func NewHostInfo(h HostInfo) HostInfo {
	h.Type = TypeHostInfo
	return h
}

// Command is a server-issued, already-admitted instruction for one
// agent to execute through its local shell.
type Command struct {
	Type      string `json:"type"`
	CommandID string `json:"command_id"`
	Command   string `json:"command"`
}

// NewCommand stamps the Type discriminator on a Command value.
func NewCommand(commandID, command string) Command {
	return Command{Type: TypeCommand, CommandID: commandID, Command: command}
}

// CommandResult is the agent's report of a completed (or rejected)
// command execution, correlated back to the originating Command by
// CommandID.
type CommandResult struct {
	Type       string `json:"type"`
	CommandID  string `json:"command_id"`
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	FinishedAt string `json:"finished_at"`
}

// NewCommandResult stamps the Type discriminator on a CommandResult value.
func NewCommandResult(r CommandResult) CommandResult {
	r.Type = TypeCommandResult
	return r
}

// Broadcast is a fire-and-forget message sent to every connected agent.
type Broadcast struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewBroadcast stamps the Type discriminator on a Broadcast value.
func NewBroadcast(message string) Broadcast {
	return Broadcast{Type: TypeBroadcast, Message: message}
}

// AuthChallenge is the server's first handshake message: a fresh nonce
// and the server's wall-clock seconds at issuance.
type AuthChallenge struct {
	Type  string `json:"type"`
	Nonce string `json:"nonce"`
	TS    int64  `json:"ts"`
}

// NewAuthChallenge stamps the Type discriminator on an AuthChallenge value.
func NewAuthChallenge(nonce string, ts int64) AuthChallenge {
	return AuthChallenge{Type: TypeAuthChallenge, Nonce: nonce, TS: ts}
}

// AuthResponse is the agent's reply to a challenge: its claimed
// identity, the echoed nonce and timestamp, and the HMAC over them.
type AuthResponse struct {
	Type    string `json:"type"`
	AgentID string `json:"agent_id"`
	Nonce   string `json:"nonce"`
	TS      int64  `json:"ts"`
	MAC     string `json:"mac"`
}

// NewAuthResponse stamps the Type discriminator on an AuthResponse value.
func NewAuthResponse(r AuthResponse) AuthResponse {
	r.Type = TypeAuthResponse
	return r
}

// AuthResult is the server's verdict on a handshake attempt.
type AuthResult struct {
	Type   string `json:"type"`
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// NewAuthResult stamps the Type discriminator on an AuthResult value.
func NewAuthResult(ok bool, reason string) AuthResult {
	return AuthResult{Type: TypeAuthResult, OK: ok, Reason: reason}
}
