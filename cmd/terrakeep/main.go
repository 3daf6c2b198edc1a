// Terrakeep - Terraria Server Keeper
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/terrakeep

// Package main is the entry point for the Terrakeep keeper process.
//
// Terrakeep wraps a dedicated Terraria server inside a container: it renders
// the server's config file from environment variables, launches the binary
// with its stdin wired to a named command pipe, restarts it after crashes
// with exponential backoff, and protects the world files with scheduled,
// retained, restorable backups.
//
// # Application Architecture
//
// The keeper initializes components in the following order:
//
//  1. Configuration: layered defaults, optional config.yaml, environment
//     variables (Koanf v2)
//  2. Logging: zerolog, JSON or console format
//  3. Command Channel: the named pipe commands are injected through
//  4. Worker Wrapper and Supervisor: the restart loop around the server
//  5. Backup Engine and Scheduler: periodic snapshots plus retention
//  6. Supervision tree: server layer + maintenance layer (suture)
//
// # Configuration
//
// Everything is optional with defaults. The most common variables:
//
//	WORLD_NAME        world to load or create (default "world")
//	AUTOCREATE        generated world size 1-3 (default 2)
//	MAX_PLAYERS       player slots (default 8)
//	SERVER_PORT       listen port (default 7777)
//	SERVER_PASSWORD   join password (default none)
//	MOTD              message of the day
//	DIFFICULTY        0-3 (default 0)
//	BACKUP_ENABLED    scheduled backups on/off (default true)
//	BACKUP_INTERVAL   minutes between backups (default 30)
//	BACKUP_RETENTION  archives kept per world (default 48)
//	RESTART_DELAY_INITIAL / RESTART_DELAY_MAX / RESTART_DELAY_MULTIPLIER
//	LOG_LEVEL         trace..fatal (default info)
//
// # Signal Handling
//
// SIGINT and SIGTERM trigger a graceful stop: the worker gets an "exit"
// command for a cooperative save, then SIGTERM, then SIGKILL after the
// grace period. The keeper exits 0 only on a deliberate stop; any other
// termination is a failure the container runtime should surface.
//
// # Example Usage
//
//	docker run -d \
//	  -e WORLD_NAME=Alpha \
//	  -e MAX_PLAYERS=16 \
//	  -e BACKUP_INTERVAL=15 \
//	  -v terraria-data:/terraria \
//	  -p 7777:7777 \
//	  ghcr.io/tomtom215/terrakeep
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tomtom215/terrakeep/internal/api"
	"github.com/tomtom215/terrakeep/internal/backup"
	"github.com/tomtom215/terrakeep/internal/conduit"
	"github.com/tomtom215/terrakeep/internal/config"
	"github.com/tomtom215/terrakeep/internal/logging"
	"github.com/tomtom215/terrakeep/internal/supervise"
	"github.com/tomtom215/terrakeep/internal/supervisor"
	"github.com/tomtom215/terrakeep/internal/worker"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		// Config is not available yet, use the default logger.
		logging.Error().Err(err).Msg("Failed to load configuration")
		return 1
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	logging.Info().
		Str("version", version).
		Str("world", cfg.Server.WorldName).
		Str("binary", cfg.Server.Binary).
		Bool("backup_enabled", cfg.Backup.Enabled).
		Msg("Starting Terrakeep")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Build the worker side: command channel, wrapper, restart supervisor.
	channel := conduit.New(cfg.Server.CommandPipe)
	wrapper := worker.New(cfg, channel)
	workerSup := supervise.New(cfg, wrapper)
	// A deliberate worker stop stops the whole keeper, matching container
	// semantics: no server, no reason to keep the container alive.
	workerSup.NotifyStop(cancel)

	// Build the maintenance side: backup engine and scheduler.
	engine := backup.NewEngine(cfg, version)
	scheduler := backup.NewScheduler(cfg, engine)
	restorer := backup.NewRestorer(cfg, engine, wrapper.Running)

	// Bridge zerolog to slog for suture's event hook.
	slogLogger := slog.New(logging.NewSlogHandler())
	tree := supervisor.NewTree(slogLogger, supervisor.DefaultTreeConfig())
	tree.AddServerService(workerSup)
	tree.AddMaintenanceService(scheduler)
	if cfg.HTTP.Enabled {
		ops := api.NewServer(cfg, wrapper, workerSup, engine, restorer, channel, version)
		tree.AddMaintenanceService(ops)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervision tree")
	errCh := tree.ServeBackground(ctx)

	exitCode := 0
	select {
	case <-ctx.Done():
		logging.Info().Msg("Stopping, waiting for services to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervision tree error")
			exitCode = 1
		}
	}

	// Drain until the tree has fully stopped.
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Shutdown error")
			exitCode = 1
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	if exitCode == 0 {
		logging.Info().Msg("Terrakeep stopped gracefully")
	}
	return exitCode
}
