// Terrakeep - Terraria Server Keeper
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/terrakeep

package backup

import (
	"context"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/tomtom215/terrakeep/internal/config"
	"github.com/tomtom215/terrakeep/internal/logging"
	"github.com/tomtom215/terrakeep/internal/metrics"
	"github.com/tomtom215/terrakeep/internal/world"
)

// Scheduler fires periodic backups and retention sweeps. It runs as a
// service in the supervision tree, independent of the worker supervisor:
// backups are file-level copies and do not require the worker to be up.
type Scheduler struct {
	cfg    *config.Config
	engine *Engine
	log    zerolog.Logger
}

// NewScheduler returns a scheduler driving engine on cfg's backup settings.
func NewScheduler(cfg *config.Config, engine *Engine) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		engine: engine,
		log:    logging.Component("scheduler"),
	}
}

// String identifies the service in supervision logs.
func (s *Scheduler) String() string { return "backup-scheduler" }

// Serve runs the scheduler until ctx is canceled. With backups disabled it
// idles; otherwise it optionally fires a startup backup once a world file
// exists, then loops on the configured interval. A fire is one CreateAll
// followed by a retention sweep; failures in either are logged and never
// stop the next cycle.
func (s *Scheduler) Serve(ctx context.Context) error {
	if !s.cfg.Backup.Enabled {
		s.log.Info().Msg("Backups disabled, scheduler idle")
		<-ctx.Done()
		return ctx.Err()
	}

	interval := s.cfg.Backup.Interval()
	s.log.Info().
		Dur("interval", interval).
		Int("retention", s.cfg.Backup.Retention).
		Bool("on_startup", s.cfg.Backup.OnStartup).
		Msg("Backup scheduler started")

	if s.cfg.Backup.OnStartup {
		if err := s.startupBackup(ctx); err != nil {
			return err
		}
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()
	metrics.NextBackupTimestamp.Set(float64(time.Now().Add(interval).Unix()))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			s.fire(ctx)
			timer.Reset(interval)
			metrics.NextBackupTimestamp.Set(float64(time.Now().Add(interval).Unix()))
		}
	}
}

// startupBackup waits the settle period so a fresh worker can finish
// loading or creating its world, then fires once as soon as at least one
// world file exists. Returns only on context cancellation or after firing.
func (s *Scheduler) startupBackup(ctx context.Context) error {
	settle := time.NewTimer(s.cfg.Backup.StartupSettle)
	defer settle.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-settle.C:
	}

	if err := s.waitForWorld(ctx); err != nil {
		return err
	}

	s.log.Info().Msg("Running startup backup")
	s.fire(ctx)
	return nil
}

// waitForWorld blocks until the world directory holds at least one world
// file. It watches the directory for creation events rather than polling;
// if the watch cannot be established the startup backup is skipped with a
// warning rather than wedging the scheduler.
func (s *Scheduler) waitForWorld(ctx context.Context) error {
	worlds, err := world.Scan(s.cfg.Dirs.World)
	if err == nil && len(worlds) > 0 {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.Warn().Err(err).Msg("World watch unavailable, skipping startup backup wait")
		return nil
	}
	defer watcher.Close() //nolint:errcheck // Best effort cleanup

	if err := watcher.Add(s.cfg.Dirs.World); err != nil {
		s.log.Warn().Err(err).Str("dir", s.cfg.Dirs.World).Msg("Cannot watch world directory, skipping startup backup wait")
		return nil
	}

	// Re-check after the watch is in place: a world written between the
	// scan and watcher.Add would otherwise go unnoticed.
	if worlds, err := world.Scan(s.cfg.Dirs.World); err == nil && len(worlds) > 0 {
		return nil
	}

	s.log.Info().Str("dir", s.cfg.Dirs.World).Msg("Waiting for first world file before startup backup")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
				continue
			}
			if strings.HasSuffix(event.Name, world.Extension) {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn().Err(err).Msg("World watch error")
		}
	}
}

// fire runs one backup cycle: snapshot every world, then sweep retention.
func (s *Scheduler) fire(ctx context.Context) {
	result, err := s.engine.CreateAll(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("Scheduled backup failed")
		return
	}
	if len(result.Archives) == 0 && len(result.Failures) == 0 {
		s.log.Debug().Msg("No worlds to back up")
	} else {
		s.log.Info().
			Int("succeeded", len(result.Archives)).
			Int("failed", len(result.Failures)).
			Msg("Scheduled backup completed")
	}

	if _, err := s.engine.Cleanup(s.cfg.Backup.Retention); err != nil {
		s.log.Error().Err(err).Msg("Retention sweep failed")
	}
}
