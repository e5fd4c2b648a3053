// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tsuzuki Contributors

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tsuzuki-app/tsuzuki/internal/aggregate"
	"github.com/tsuzuki-app/tsuzuki/internal/api"
	"github.com/tsuzuki-app/tsuzuki/internal/config"
	"github.com/tsuzuki-app/tsuzuki/internal/extension"
	"github.com/tsuzuki-app/tsuzuki/internal/extension/capability"
	"github.com/tsuzuki-app/tsuzuki/internal/extension/hostfunc"
	"github.com/tsuzuki-app/tsuzuki/internal/extension/lua"
	"github.com/tsuzuki-app/tsuzuki/internal/extension/registry"
	"github.com/tsuzuki-app/tsuzuki/internal/extension/wasm"
	"github.com/tsuzuki-app/tsuzuki/internal/logging"
	"github.com/tsuzuki-app/tsuzuki/internal/observability"
	"github.com/tsuzuki-app/tsuzuki/internal/store"
	"github.com/tsuzuki-app/tsuzuki/internal/xdg"
)

// Default values for serve command flags.
const (
	defaultAPIAddr     = "127.0.0.1:8330"
	defaultMetricsAddr = "127.0.0.1:9100"
	defaultLogFormat   = "json"
	defaultLogLevel    = "info"
	defaultCallTimeout = 10 * time.Second
	defaultRetries     = 2
	defaultMaxInFlight = 8
	defaultCursorTTL   = 30 * time.Minute
)

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the extension host and catalog API",
		Long: `Start the extension host: discover and load extractor extensions
from the extensions directory, then serve the aggregated catalog
API over HTTP.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, cmd)
		},
	}

	cmd.Flags().String("api-addr", defaultAPIAddr, "HTTP API listen address")
	cmd.Flags().String("metrics-addr", defaultMetricsAddr, "metrics/health HTTP address (empty = disabled)")
	cmd.Flags().String("data-dir", "", "data directory (default: XDG_DATA_HOME/tsuzuki)")
	cmd.Flags().String("extensions-dir", "", "extensions directory (default: <data-dir>/extensions)")
	cmd.Flags().String("log-format", defaultLogFormat, "log format (json or text)")
	cmd.Flags().String("log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	cmd.Flags().Duration("call-timeout", defaultCallTimeout, "per-attempt extension call timeout")
	cmd.Flags().Uint64("timeout-retries", defaultRetries, "extra attempts after an extension call times out")
	cmd.Flags().Int64("max-in-flight", defaultMaxInFlight, "maximum concurrent extension calls")
	cmd.Flags().Duration("cursor-ttl", defaultCursorTTL, "idle lifetime of pagination cursors")

	return cmd
}

// runServe wires the host together and blocks until shutdown.
func runServe(ctx context.Context, cfg *config.Server, cmd *cobra.Command) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logging.SetDefault("tsuzuki", version, cfg.LogFormat, cfg.LogLevel)

	slog.Info("starting extension host",
		"api_addr", cfg.APIAddr,
		"log_format", cfg.LogFormat,
	)

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = xdg.DataDir()
	}
	extensionsDir := cfg.ExtensionsDir
	if extensionsDir == "" {
		extensionsDir = filepath.Join(dataDir, "extensions")
	}
	registryDir := filepath.Join(dataDir, "registry")

	for _, dir := range []string{extensionsDir, registryDir} {
		if err := xdg.EnsureDir(dir); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	st, err := store.OpenRegistryStore(registryDir)
	if err != nil {
		return fmt.Errorf("failed to open registry store: %w", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Debug("error closing registry store", "error", closeErr)
		}
	}()

	slog.Info("registry store open", "dir", registryDir)

	enforcer := capability.NewEnforcer()
	httpFn := hostfunc.NewHTTP(enforcer, hostfunc.HTTPOptions{})
	logSink := hostfunc.NewLogSink(nil)

	wasmRT, err := wasm.NewRuntime(ctx, httpFn, logSink)
	if err != nil {
		return fmt.Errorf("failed to initialize wasm runtime: %w", err)
	}
	luaRT := lua.NewRuntime(httpFn, logSink)

	reg := registry.New(
		[]extension.Runtime{wasmRT, luaRT},
		registry.WithStore(st),
		registry.WithEnforcer(enforcer),
		registry.WithCallTimeout(cfg.CallTimeout),
		registry.WithTimeoutRetries(cfg.TimeoutRetries),
	)

	if err := reg.DiscoverAndLoad(ctx, extensionsDir); err != nil {
		return fmt.Errorf("failed to load extensions: %w", err)
	}

	loaded := reg.List()
	slog.Info("extensions loaded", "count", len(loaded), "dir", extensionsDir)

	svc := aggregate.New(reg,
		aggregate.WithMaxInFlight(cfg.MaxInFlight),
		aggregate.WithCursorTTL(cfg.CursorTTL),
	)

	apiServer := api.NewServer(cfg.APIAddr, reg, svc)

	// Set up graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Start observability server if configured
	var obsServer *observability.Server
	if cfg.MetricsAddr != "" {
		// Ready once discovery has run; an empty catalog is still servable.
		obsServer = observability.NewServer(cfg.MetricsAddr, func() bool { return true })
		obsErrChan, obsErr := obsServer.Start()
		if obsErr != nil {
			return fmt.Errorf("failed to start observability server: %w", obsErr)
		}
		// Monitor observability server errors - cancel context on error
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability")
		slog.Info("observability server started", "addr", obsServer.Addr())
	}

	// Handle signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	// Start API server in goroutine
	errChan := make(chan error, 1)
	apiDone := make(chan struct{})
	go func() {
		defer close(apiDone)
		if serveErr := apiServer.Run(ctx); serveErr != nil {
			errChan <- serveErr
		}
	}()

	cmd.Println("Tsuzuki started")
	slog.Info("extension host ready",
		"api_addr", cfg.APIAddr,
		"extensions", len(loaded),
	)

	// Wait for shutdown signal or error
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	case err := <-errChan:
		return fmt.Errorf("api server error: %w", err)
	case <-ctx.Done():
		slog.Info("context cancelled, shutting down")
	}

	// Graceful shutdown
	slog.Info("shutting down...")
	cancel()

	// Let the API server drain in-flight requests before the registry
	// goes away underneath it.
	select {
	case <-apiDone:
	case <-time.After(15 * time.Second):
		slog.Warn("timed out waiting for api server to stop")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := reg.Close(shutdownCtx); err != nil {
		slog.Warn("error closing registry", "error", err)
	}

	if obsServer != nil {
		if err := obsServer.Stop(shutdownCtx); err != nil {
			slog.Warn("error stopping observability server", "error", err)
		}
	}

	slog.Info("shutdown complete")
	return nil
}

// monitorServerErrors monitors a server's error channel and cancels the context on error.
// This ensures that server failures trigger graceful shutdown of the entire process.
// It exits when either an error is received, the channel is closed, or the context is cancelled.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			// Channel closed, server stopped gracefully
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
		// Context cancelled, exit monitoring
	}
}
