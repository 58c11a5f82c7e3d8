// Package main is the entry point for licenseserver, the licensing REST API
// with built-in request-rate protection.
//
// licenseserver serves accounts, users, products, licenses and telemetry
// and provides:
//   - Per-client hit counting with decay and a timed ban list on protected calls
//   - In-memory or Redis-backed entity storage
//   - Optional ban/release webhooks
//   - Observability: Prometheus metrics, health checks, structured logging, OpenTelemetry tracing
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/applicenseserver/licenseserver/internal/config"
	"github.com/applicenseserver/licenseserver/internal/observability"
	"github.com/applicenseserver/licenseserver/internal/server"
)

// version is set at build time via ldflags: -ldflags "-X main.version=v1.0.0".
var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("licenseserver %s\n", version)
		return
	}

	// Configuration is read once; a bad value is fatal.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting licenseserver", "version", version, "config_file", config.ConfigFilePath())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg, logger, version)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if cfg.Server.TLS.Enabled {
		watcher := config.NewCertWatcher(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile, func() {
			_ = srv.ReloadCertificates()
		}, logger)
		go func() {
			if watchErr := watcher.Start(ctx); watchErr != nil {
				logger.Error("cert watcher error", "error", watchErr)
			}
		}()
		defer watcher.Stop()
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("licenseserver shut down gracefully")
}
