// Command ops-server is the control plane's central process: it
// accepts long-lived authenticated TCP connections from the agent
// fleet, serves the operator-facing HTTP/JSON API, and runs the
// registry and completion-store sweepers that reclaim state from
// agents and commands that go silent.
//
// main() is a thin wrapper that delegates to run() error; the actual
// work starts only after flags are validated and the logger is
// installed.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/opsfleet/controlplane/internal/clock"
	"github.com/opsfleet/controlplane/internal/completion"
	"github.com/opsfleet/controlplane/internal/config"
	"github.com/opsfleet/controlplane/internal/httpapi"
	"github.com/opsfleet/controlplane/internal/httpserver"
	"github.com/opsfleet/controlplane/internal/opserr"
	"github.com/opsfleet/controlplane/internal/registry"
	"github.com/opsfleet/controlplane/internal/session"
	"github.com/opsfleet/controlplane/internal/tcpserver"
	"github.com/opsfleet/controlplane/internal/validate"

	authpkg "github.com/opsfleet/controlplane/internal/auth"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	if opserr.Is(err, opserr.KindConfig) {
		return 1
	}
	return 2
}

func run() error {
	configPath := config.FindConfigPath(os.Args[1:])
	cfg, err := config.LoadServerConfig(configPath)
	if err != nil {
		return opserr.Wrap(opserr.KindConfig, "loading configuration", err)
	}

	var (
		host           string
		tcpPort        string
		httpPort       string
		maxConnections int
	)
	flag.StringVar(&configPath, "config", configPath, "path to a TOML configuration file")
	flag.StringVar(&host, "host", "", "override the bind host for both listeners")
	flag.StringVar(&tcpPort, "tcp-port", "", "override the agent-facing TCP listener's port")
	flag.StringVar(&httpPort, "http-port", "", "override the operator HTTP listener's port")
	flag.IntVar(&maxConnections, "max-connections", cfg.MaxConnections, "maximum concurrent agent connections")
	flag.Parse()

	cfg.TCPBindAddr, err = overrideAddr(cfg.TCPBindAddr, host, tcpPort)
	if err != nil {
		return opserr.Wrap(opserr.KindConfig, "resolving tcp bind address", err)
	}
	cfg.HTTPBindAddr, err = overrideAddr(cfg.HTTPBindAddr, host, httpPort)
	if err != nil {
		return opserr.Wrap(opserr.KindConfig, "resolving http bind address", err)
	}
	cfg.MaxConnections = maxConnections

	if cfg.TCPAuthEnabled && cfg.TCPAuthSecret == "" {
		return opserr.New(opserr.KindConfig, "tcp_auth_enabled is set but tcp_auth_secret is empty")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	realClock := clock.Real()
	reg := registry.New(realClock)
	completions := completion.New(realClock, cfg.ResultTTL)
	validator := validate.NewDefaultPolicy()
	validator.AllowedScriptDirs = cfg.AllowedScriptDirs
	validator.AllowedScriptExtensions = cfg.AllowedScriptExtensions

	var authenticator authpkg.Authenticator
	if cfg.TCPAuthEnabled {
		authenticator = authpkg.New([]byte(cfg.TCPAuthSecret))
	}

	sessionConfig := session.Config{
		AuthEnabled:   cfg.TCPAuthEnabled,
		Authenticator: authenticator,
		Validator:     validator,
		Registry:      reg,
		Completions:   completions,
		Clock:         realClock,
		ClientTimeout: cfg.ClientTimeout,
		Logger:        logger,
	}

	tcp := tcpserver.New(cfg.TCPBindAddr, sessionConfig, cfg.MaxConnections, logger)

	router := httpapi.NewRouter(httpapi.Config{
		Registry:    reg,
		Completions: completions,
		Validator:   validator,
		AuthToken:   cfg.AuthToken,
		Logger:      logger,
	})
	httpSrv := httpserver.New(cfg.HTTPBindAddr, router, logger)

	sweepDone := make(chan struct{})
	var sweepers sync.WaitGroup
	sweepers.Add(2)
	go func() {
		defer sweepers.Done()
		reg.RunSweeper(sweepDone, cfg.CleanupInterval, cfg.ClientTimeout, func(removed int) {
			logger.Info("registry sweep removed stale agents", "removed", removed)
		})
	}()
	go func() {
		defer sweepers.Done()
		completions.RunSweeper(sweepDone, cfg.CleanupInterval, func(removed int) {
			logger.Info("completion sweep removed expired records", "removed", removed)
		})
	}()

	var servers sync.WaitGroup
	errs := make(chan error, 2)
	servers.Add(2)
	go func() {
		defer servers.Done()
		if err := tcp.Serve(ctx); err != nil {
			errs <- fmt.Errorf("tcp server: %w", err)
		}
	}()
	go func() {
		defer servers.Done()
		if err := httpSrv.Serve(ctx); err != nil {
			errs <- fmt.Errorf("http server: %w", err)
		}
	}()

	servers.Wait()
	close(sweepDone)
	sweepers.Wait()
	close(errs)

	var firstErr error
	for err := range errs {
		logger.Error("server exited with error", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return opserr.Wrap(opserr.KindTransport, "server shutdown with errors", firstErr)
	}

	logger.Info("shutdown complete")
	return nil
}

// overrideAddr replaces the host and/or port of addr with host and
// port when they are non-empty, leaving the corresponding piece of
// addr untouched otherwise.
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
