package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultServerConfigMatchesSpecDefaults(t *testing.T) {
	t.Parallel()
	cfg := DefaultServerConfig()
	if cfg.TCPBindAddr != "0.0.0.0:12345" {
		t.Errorf("TCPBindAddr = %q", cfg.TCPBindAddr)
	}
	if cfg.CleanupInterval != 60*time.Second || cfg.ClientTimeout != 300*time.Second {
		t.Errorf("sweeper defaults = %v/%v, want 60s/300s", cfg.CleanupInterval, cfg.ClientTimeout)
	}
	if cfg.MaxConnections != 1000 {
		t.Errorf("MaxConnections = %d, want 1000", cfg.MaxConnections)
	}
}

func TestFindConfigPathHandlesBothForms(t *testing.T) {
	t.Parallel()
	cases := []struct {
		args []string
		want string
	}{
		{[]string{"--config", "/etc/ops/server.toml"}, "/etc/ops/server.toml"},
		{[]string{"--config=/etc/ops/server.toml"}, "/etc/ops/server.toml"},
		{[]string{"--host", "0.0.0.0"}, ""},
		{[]string{}, ""},
	}
	for _, c := range cases {
		if got := FindConfigPath(c.args); got != c.want {
			t.Errorf("FindConfigPath(%v) = %q, want %q", c.args, got, c.want)
		}
	}
}

func TestLoadServerConfigEnvOverridesDefault(t *testing.T) {
	t.Setenv("OPS_MAX_CONNECTIONS", "42")
	t.Setenv("OPS_CLEANUP_INTERVAL", "10s")

	cfg, err := LoadServerConfig("")
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}
	if cfg.MaxConnections != 42 {
		t.Errorf("MaxConnections = %d, want 42", cfg.MaxConnections)
	}
	if cfg.CleanupInterval != 10*time.Second {
		t.Errorf("CleanupInterval = %v, want 10s", cfg.CleanupInterval)
	}
}

func TestLoadServerConfigFileOverridesEnv(t *testing.T) {
	t.Setenv("OPS_MAX_CONNECTIONS", "42")

	dir := t.TempDir()
	path := filepath.Join(dir, "server.toml")
	contents := "max_connections = 99\ntcp_bind_addr = \"127.0.0.1:9000\"\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("writing test config: %v", err)
	}

	cfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}
	if cfg.MaxConnections != 99 {
		t.Errorf("MaxConnections = %d, want 99 (file should beat env)", cfg.MaxConnections)
	}
	if cfg.TCPBindAddr != "127.0.0.1:9000" {
		t.Errorf("TCPBindAddr = %q, want 127.0.0.1:9000", cfg.TCPBindAddr)
	}
}

func TestLoadAgentConfigDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := LoadAgentConfig("")
	if err != nil {
		t.Fatalf("LoadAgentConfig: %v", err)
	}
	if cfg.ServerAddr != "127.0.0.1:12345" {
		t.Errorf("ServerAddr = %q", cfg.ServerAddr)
	}
	if cfg.RetryMaxAttempts != 10 || cfg.RetryBaseDelay != 2*time.Second || cfg.RetryMaxDelay != 60*time.Second {
		t.Errorf("retry defaults = %+v", cfg)
	}
	if cfg.ClientIDFile != "/tmp/client_id.txt" {
		t.Errorf("ClientIDFile = %q", cfg.ClientIDFile)
	}
}

func TestCombineAddrVariants(t *testing.T) {
	t.Parallel()
	cases := []struct {
		host, port, want string
	}{
		{"0.0.0.0", "12345", "0.0.0.0:12345"},
		{"", "12345", "0.0.0.0:12345"},
		{"127.0.0.1", "", "127.0.0.1"},
		{"", "", ""},
	}
	for _, c := range cases {
		if got := combineAddr(c.host, c.port); got != c.want {
			t.Errorf("combineAddr(%q, %q) = %q, want %q", c.host, c.port, got, c.want)
		}
	}
}
