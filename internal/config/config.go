// Package config loads server and agent configuration with precedence
// CLI flag > config file > environment variable > default, matching
// the resolution order and the environment-variable table named in
// the operations control plane's external interface.
//
// Structurally: a single declarative struct per component, a Default
// constructor that fills every field with a sensible zero-value
// baseline, and a merge step that only overwrites a field when the
// higher-precedence source actually set it (checked against the zero
// value, with bools called out explicitly since their zero value is
// itself meaningful). Command entrypoints layer CLI flags on top of
// the struct this package returns: most flags default to the empty
// string and overwrite their field after flag.Parse() only when the
// user actually passed them.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ServerConfig is the ops-server process's full configuration.
type ServerConfig struct {
	TCPBindAddr             string
	HTTPBindAddr            string
	CleanupInterval         time.Duration
	ClientTimeout           time.Duration
	MaxConnections          int
	AuthToken               string
	TCPAuthEnabled          bool
	TCPAuthSecret           string
	AllowedScriptDirs       []string
	AllowedScriptExtensions []string
	ResultTTL               time.Duration
}

// DefaultServerConfig returns the baseline defaults named in the
// environment-variable table, before any env/file/flag overrides.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		TCPBindAddr:             "0.0.0.0:12345",
		HTTPBindAddr:            "0.0.0.0:3000",
		CleanupInterval:         60 * time.Second,
		ClientTimeout:           300 * time.Second,
		MaxConnections:          1000,
		AuthToken:               "",
		TCPAuthEnabled:          false,
		TCPAuthSecret:           "",
		AllowedScriptDirs:       []string{"/opt/ops-scripts", "/usr/local/bin/scripts", "/home/ops/scripts"},
		AllowedScriptExtensions: []string{"sh", "py", "pl", "rb"},
		ResultTTL:               15 * time.Minute,
	}
}

// AgentConfig is the ops-agent process's full configuration.
type AgentConfig struct {
	ServerAddr              string
	HeartbeatInterval       time.Duration
	RetryMaxAttempts        int
	RetryBaseDelay          time.Duration
	RetryMaxDelay           time.Duration
	ClientIDFile            string
	TCPAuthEnabled          bool
	TCPAuthSecret           string
	AllowedScriptDirs       []string
	AllowedScriptExtensions []string
	AppScanDir              string
}

// DefaultAgentConfig returns the baseline defaults named in the
// environment-variable table.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		ServerAddr:              "127.0.0.1:12345",
		HeartbeatInterval:       3 * time.Second,
		RetryMaxAttempts:        10,
		RetryBaseDelay:          2 * time.Second,
		RetryMaxDelay:           60 * time.Second,
		ClientIDFile:            "/tmp/client_id.txt",
		TCPAuthEnabled:          false,
		TCPAuthSecret:           "",
		AllowedScriptDirs:       []string{"/opt/ops-scripts", "/usr/local/bin/scripts", "/home/ops/scripts"},
		AllowedScriptExtensions: []string{"sh", "py", "pl", "rb"},
		AppScanDir:              "/opt/apps",
	}
}

// FindConfigPath scans args (typically os.Args[1:]) for --config <path>
// or --config=<path> without requiring the full flag set to be defined
// yet, since the file it names must be read before flag defaults that
// depend on it can be computed.
func FindConfigPath(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if value, ok := strings.CutPrefix(arg, "--config="); ok {
			return value
		}
		if value, ok := strings.CutPrefix(arg, "-config="); ok {
			return value
		}
		if (arg == "--config" || arg == "-config") && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

// fileConfig is the raw shape of the TOML config file, shared by
// server and agent since most keys are disjoint; unused sections are
// simply absent from a given deployment's file. Durations are strings
// in the file (e.g. "60s") since TOML has no native duration type.
type fileConfig struct {
	TCPBindAddr             string   `toml:"tcp_bind_addr"`
	HTTPBindAddr            string   `toml:"http_bind_addr"`
	CleanupInterval         string   `toml:"cleanup_interval"`
	ClientTimeout           string   `toml:"client_timeout"`
	MaxConnections          int      `toml:"max_connections"`
	AuthToken               string   `toml:"auth_token"`
	TCPAuthEnabled          *bool    `toml:"tcp_auth_enabled"`
	TCPAuthSecret           string   `toml:"tcp_auth_secret"`
	AllowedScriptDirs       []string `toml:"allowed_script_dirs"`
	AllowedScriptExtensions []string `toml:"allowed_script_extensions"`
	ResultTTL               string   `toml:"result_ttl"`

	ServerAddr        string `toml:"server_addr"`
	HeartbeatInterval string `toml:"heartbeat_interval"`
	RetryMaxAttempts  int    `toml:"retry_max_attempts"`
	RetryBaseDelay    string `toml:"retry_base_delay"`
	RetryMaxDelay     string `toml:"retry_max_delay"`
	ClientIDFile      string `toml:"client_id_file"`
	AppScanDir        string `toml:"app_scan_dir"`
}

func loadFileConfig(path string) (fileConfig, error) {
	var raw fileConfig
	if path == "" {
		return raw, nil
	}
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return raw, fmt.Errorf("loading config file %s: %w", path, err)
	}
	return raw, nil
}

// LoadServerConfig resolves a ServerConfig from defaults, environment
// variables, and (if configPath is non-empty) a TOML config file.
// The caller layers CLI flag overrides on top of the returned struct.
func LoadServerConfig(configPath string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	applyServerEnv(&cfg)

	raw, err := loadFileConfig(configPath)
	if err != nil {
		return cfg, err
	}
	if err := applyServerFile(&cfg, raw); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadAgentConfig resolves an AgentConfig the same way LoadServerConfig
// does for the server.
func LoadAgentConfig(configPath string) (AgentConfig, error) {
	cfg := DefaultAgentConfig()
	applyAgentEnv(&cfg)

	raw, err := loadFileConfig(configPath)
	if err != nil {
		return cfg, err
	}
	if err := applyAgentFile(&cfg, raw); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyServerEnv(cfg *ServerConfig) {
	if addr := combineAddr(os.Getenv("OPS_TCP_BIND_ADDR"), os.Getenv("OPS_TCP_PORT")); addr != "" {
		cfg.TCPBindAddr = addr
	}
	if addr := combineAddr(os.Getenv("OPS_HTTP_BIND_ADDR"), os.Getenv("OPS_HTTP_PORT")); addr != "" {
		cfg.HTTPBindAddr = addr
	}
	if v, ok := envDuration("OPS_CLEANUP_INTERVAL"); ok {
		cfg.CleanupInterval = v
	}
	if v, ok := envDuration("OPS_CLIENT_TIMEOUT"); ok {
		cfg.ClientTimeout = v
	}
	if v, ok := envInt("OPS_MAX_CONNECTIONS"); ok {
		cfg.MaxConnections = v
	}
	if v, ok := os.LookupEnv("OPS_AUTH_TOKEN"); ok {
		cfg.AuthToken = v
	}
	if v, ok := envBool("OPS_TCP_AUTH_ENABLED"); ok {
		cfg.TCPAuthEnabled = v
	}
	if v, ok := os.LookupEnv("OPS_TCP_AUTH_SECRET"); ok {
		cfg.TCPAuthSecret = v
	}
	if v, ok := envList("OPS_ALLOWED_SCRIPT_DIRS"); ok {
		cfg.AllowedScriptDirs = v
	}
	if v, ok := envList("OPS_ALLOWED_SCRIPT_EXTENSIONS"); ok {
		cfg.AllowedScriptExtensions = v
	}
}

func applyAgentEnv(cfg *AgentConfig) {
	if addr := combineAddr(os.Getenv("OPS_SERVER_HOST"), os.Getenv("OPS_SERVER_PORT")); addr != "" {
		cfg.ServerAddr = addr
	}
	if v, ok := envDuration("OPS_HEARTBEAT_INTERVAL"); ok {
		cfg.HeartbeatInterval = v
	}
	if v, ok := envInt("OPS_RETRY_MAX_ATTEMPTS"); ok {
		cfg.RetryMaxAttempts = v
	}
	if v, ok := envDuration("OPS_RETRY_BASE_DELAY"); ok {
		cfg.RetryBaseDelay = v
	}
	if v, ok := envDuration("OPS_RETRY_MAX_DELAY"); ok {
		cfg.RetryMaxDelay = v
	}
	if v, ok := os.LookupEnv("OPS_CLIENT_ID_FILE"); ok {
		cfg.ClientIDFile = v
	}
	if v, ok := envBool("OPS_TCP_AUTH_ENABLED"); ok {
		cfg.TCPAuthEnabled = v
	}
	if v, ok := os.LookupEnv("OPS_TCP_AUTH_SECRET"); ok {
		cfg.TCPAuthSecret = v
	}
	if v, ok := envList("OPS_ALLOWED_SCRIPT_DIRS"); ok {
		cfg.AllowedScriptDirs = v
	}
	if v, ok := envList("OPS_ALLOWED_SCRIPT_EXTENSIONS"); ok {
		cfg.AllowedScriptExtensions = v
	}
}

func applyServerFile(cfg *ServerConfig, raw fileConfig) error {
	if raw.TCPBindAddr != "" {
		cfg.TCPBindAddr = raw.TCPBindAddr
	}
	if raw.HTTPBindAddr != "" {
		cfg.HTTPBindAddr = raw.HTTPBindAddr
	}
	if err := applyDurationField(&cfg.CleanupInterval, raw.CleanupInterval); err != nil {
		return err
	}
	if err := applyDurationField(&cfg.ClientTimeout, raw.ClientTimeout); err != nil {
		return err
	}
	if raw.MaxConnections != 0 {
		cfg.MaxConnections = raw.MaxConnections
	}
	if raw.AuthToken != "" {
		cfg.AuthToken = raw.AuthToken
	}
	if raw.TCPAuthEnabled != nil {
		cfg.TCPAuthEnabled = *raw.TCPAuthEnabled
	}
	if raw.TCPAuthSecret != "" {
		cfg.TCPAuthSecret = raw.TCPAuthSecret
	}
	if len(raw.AllowedScriptDirs) > 0 {
		cfg.AllowedScriptDirs = raw.AllowedScriptDirs
	}
	if len(raw.AllowedScriptExtensions) > 0 {
		cfg.AllowedScriptExtensions = raw.AllowedScriptExtensions
	}
	if err := applyDurationField(&cfg.ResultTTL, raw.ResultTTL); err != nil {
		return err
	}
	return nil
}

func applyAgentFile(cfg *AgentConfig, raw fileConfig) error {
	if raw.ServerAddr != "" {
		cfg.ServerAddr = raw.ServerAddr
	}
	if err := applyDurationField(&cfg.HeartbeatInterval, raw.HeartbeatInterval); err != nil {
		return err
	}
	if raw.RetryMaxAttempts != 0 {
		cfg.RetryMaxAttempts = raw.RetryMaxAttempts
	}
	if err := applyDurationField(&cfg.RetryBaseDelay, raw.RetryBaseDelay); err != nil {
		return err
	}
	if err := applyDurationField(&cfg.RetryMaxDelay, raw.RetryMaxDelay); err != nil {
		return err
	}
	if raw.ClientIDFile != "" {
		cfg.ClientIDFile = raw.ClientIDFile
	}
	if raw.TCPAuthEnabled != nil {
		cfg.TCPAuthEnabled = *raw.TCPAuthEnabled
	}
	if raw.TCPAuthSecret != "" {
		cfg.TCPAuthSecret = raw.TCPAuthSecret
	}
	if len(raw.AllowedScriptDirs) > 0 {
		cfg.AllowedScriptDirs = raw.AllowedScriptDirs
	}
	if len(raw.AllowedScriptExtensions) > 0 {
		cfg.AllowedScriptExtensions = raw.AllowedScriptExtensions
	}
	if raw.AppScanDir != "" {
		cfg.AppScanDir = raw.AppScanDir
	}
	return nil
}

func applyDurationField(dst *time.Duration, raw string) error {
	if raw == "" {
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", raw, err)
	}
	*dst = parsed
	return nil
}

func envDuration(name string) (time.Duration, bool) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return 0, false
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		// A bare integer is treated as whole seconds, matching the
		// environment-variable table's plain-number defaults (e.g. "60").
		if seconds, err2 := strconv.Atoi(v); err2 == nil {
			return time.Duration(seconds) * time.Second, true
		}
		return 0, false
	}
	return parsed, true
}

func envInt(name string) (int, bool) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return 0, false
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

func envBool(name string) (bool, bool) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return false, false
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return parsed, true
}

func envList(name string) ([]string, bool) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return nil, false
	}
	parts := strings.Split(v, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts, true
}

// combineAddr joins a bind-host and a port into a "host:port" string,
// matching the environment table's combined host/port variable pairs.
// Either part may be empty; if both are empty the result is empty
// (meaning "not set").
func combineAddr(host, port string) string {
	if host == "" && port == "" {
		return ""
	}
	if port == "" {
		return host
	}
	if host == "" {
		host = "0.0.0.0"
	}
	return host + ":" + port
}
