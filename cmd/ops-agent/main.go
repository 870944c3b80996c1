// Command ops-agent is the unprivileged process that runs on each
// fleet member: it maintains a persistent identity, connects to the
// control plane server under a jittered retry budget, reports
// periodic host inventory, and executes admitted commands.
//
// Structured the same way as ops-server: a thin main() delegating to
// run() error, JSON logging to stderr, and a signal-driven shutdown
// context.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opsfleet/controlplane/internal/agentcore"
	authpkg "github.com/opsfleet/controlplane/internal/auth"
	"github.com/opsfleet/controlplane/internal/clock"
	"github.com/opsfleet/controlplane/internal/config"
	"github.com/opsfleet/controlplane/internal/hostinfo"
	"github.com/opsfleet/controlplane/internal/identity"
	"github.com/opsfleet/controlplane/internal/opserr"
	"github.com/opsfleet/controlplane/internal/validate"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	if errors.Is(err, agentcore.ErrRetryBudgetExhausted) {
		return 3
	}
	if opserr.Is(err, opserr.KindConfig) {
		return 1
	}
	return 2
}

func run() error {
	configPath := config.FindConfigPath(os.Args[1:])
	cfg, err := config.LoadAgentConfig(configPath)
	if err != nil {
		return opserr.Wrap(opserr.KindConfig, "loading configuration", err)
	}

	var (
		host              string
		port              string
		heartbeatInterval string
		motdPath          string
	)
	flag.StringVar(&configPath, "config", configPath, "path to a TOML configuration file")
	flag.StringVar(&host, "host", "", "override the control plane server's host")
	flag.StringVar(&port, "port", "", "override the control plane server's port")
	flag.StringVar(&heartbeatInterval, "heartbeat-interval", "", "override the heartbeat cadence (e.g. 3s)")
	flag.StringVar(&motdPath, "motd-path", "", "file to append received broadcast messages to")
	flag.Parse()

	cfg.ServerAddr, err = overrideAddr(cfg.ServerAddr, host, port)
	if err != nil {
		return opserr.Wrap(opserr.KindConfig, "resolving server address", err)
	}
	if heartbeatInterval != "" {
		parsed, parseErr := time.ParseDuration(heartbeatInterval)
		if parseErr != nil {
			return opserr.Wrap(opserr.KindConfig, "parsing --heartbeat-interval", parseErr)
		}
		cfg.HeartbeatInterval = parsed
	}
	if cfg.TCPAuthEnabled && cfg.TCPAuthSecret == "" {
		return opserr.New(opserr.KindConfig, "tcp_auth_enabled is set but tcp_auth_secret is empty")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agentID, err := identity.LoadOrCreate(cfg.ClientIDFile)
	if err != nil {
		return opserr.Wrap(opserr.KindConfig, "loading agent identity", err)
	}
	logger.Info("agent identity resolved", "agent_id", agentID)

	var authenticator authpkg.Authenticator
	if cfg.TCPAuthEnabled {
		authenticator = authpkg.New([]byte(cfg.TCPAuthSecret))
	}

	validator := validate.NewDefaultPolicy()
	validator.AllowedScriptDirs = cfg.AllowedScriptDirs
	validator.AllowedScriptExtensions = cfg.AllowedScriptExtensions

	agentCfg := agentcore.Config{
		ServerAddr:        cfg.ServerAddr,
		AgentID:           agentID,
		AuthEnabled:       cfg.TCPAuthEnabled,
		Authenticator:     authenticator,
		Validator:         validator,
		Collector:         hostinfo.New(agentID, cfg.AppScanDir),
		HeartbeatInterval: cfg.HeartbeatInterval,
		RetryBaseDelay:    cfg.RetryBaseDelay,
		RetryMaxDelay:     cfg.RetryMaxDelay,
		RetryMaxAttempts:  cfg.RetryMaxAttempts,
		MotdPath:          motdPath,
		Clock:             clock.Real(),
		Logger:            logger,
		Dial: func(ctx context.Context, addr string) (net.Conn, error) {
			var dialer net.Dialer
			return dialer.DialContext(ctx, "tcp", addr)
		},
	}

	if err := agentcore.Run(ctx, agentCfg); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func overrideAddr(addr, host, port string) (string, error) {
	if host == "" && port == "" {
		return addr, nil
	}
	existingHost, existingPort, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("parsing address %q: %w", addr, err)
	}
	if host != "" {
		existingHost = host
	}
	if port != "" {
		existingPort = port
	}
	return net.JoinHostPort(existingHost, existingPort), nil
}
