// Terrakeep - Terraria Server Keeper
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/terrakeep

package supervise

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/terrakeep/internal/config"
	"github.com/tomtom215/terrakeep/internal/logging"
	"github.com/tomtom215/terrakeep/internal/metrics"
	"github.com/tomtom215/terrakeep/internal/worker"
)

// JournalFilename is the crash journal's name inside the log directory.
const JournalFilename = "crash-journal.jsonl"

// Supervisor runs the start → wait → classify → backoff loop around the
// worker wrapper. It implements suture.Service; the enclosing tree owns its
// lifecycle and cancels the context for a deliberate stop.
type Supervisor struct {
	cfg     *config.Config
	wrapper *worker.Wrapper
	policy  *Policy
	journal *Journal
	log     zerolog.Logger

	// restartRequested flags that the next expected exit is an operator
	// restart, not a stop: relaunch immediately with the backoff reset.
	restartRequested atomic.Bool

	// onStop, when set, is invoked after a deliberate worker stop so the
	// rest of the keeper (backup scheduler included) winds down too.
	onStop func()
}

// NotifyStop registers fn to run when the worker stops deliberately. The
// keeper follows container semantics: a stopped server means a stopped
// container, so main wires this to its root context cancel.
func (s *Supervisor) NotifyStop(fn func()) {
	s.onStop = fn
}

// New creates a Supervisor around the given wrapper.
func New(cfg *config.Config, wrapper *worker.Wrapper) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		wrapper: wrapper,
		policy:  NewPolicy(cfg.Restart),
		journal: NewJournal(filepath.Join(cfg.Dirs.Log, JournalFilename)),
		log:     logging.Component("supervisor"),
	}
}

// RequestRestart asks the supervisor to bounce the worker: the wrapper's
// graceful shutdown runs, the exit is classified expected, and the worker
// relaunches immediately with the backoff reset.
func (s *Supervisor) RequestRestart(_ context.Context) error {
	if !s.wrapper.Running() {
		return fmt.Errorf("no worker running")
	}
	s.restartRequested.Store(true)
	// Detached from the caller's context: the HTTP request that asked for
	// the restart returns immediately, and its cancellation must not
	// collapse the grace period mid-save.
	grace := s.cfg.Server.ShutdownGrace
	go func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace*2)
		defer cancel()
		if err := s.wrapper.ShutdownCurrent(shutdownCtx, grace); err != nil {
			s.log.Error().Err(err).Msg("Restart shutdown failed")
		}
	}()
	return nil
}

// String implements fmt.Stringer for suture's event log.
func (s *Supervisor) String() string {
	return "worker-supervisor"
}

// Serve implements suture.Service. It returns only on a canceled context
// (deliberate stop), an operator stop, or, when RESTART_MAX_CRASHES is set,
// after exceeding the give-up threshold.
func (s *Supervisor) Serve(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		handle, err := s.wrapper.Start(ctx)
		if err != nil {
			if stop := s.handleStartFailure(ctx, err); stop != nil {
				return stop
			}
			continue
		}

		code, waitErr := handle.Wait(ctx)
		if waitErr != nil {
			// Deliberate stop: quiesce the worker gracefully, bounded by
			// the grace period, then hand the context error back.
			s.shutdownForStop(handle)
			return waitErr
		}

		if stop := s.handleExit(ctx, handle, code); stop != nil {
			return stop
		}
	}
}

// shutdownForStop runs the graceful shutdown during a top-level stop. A
// fresh bounded context is used because the service context is already
// canceled.
func (s *Supervisor) shutdownForStop(handle *worker.Handle) {
	grace := s.cfg.Server.ShutdownGrace
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace*2)
	defer cancel()

	if err := s.wrapper.Shutdown(shutdownCtx, handle, grace); err != nil {
		s.log.Error().Err(err).Msg("Graceful shutdown failed during stop")
	}
	s.recordExit(JournalEntry{
		Timestamp:      time.Now(),
		RunID:          handle.RunID,
		PID:            handle.PID,
		ExitCode:       handle.ExitCode(),
		Classification: ClassExpected,
	})
	metrics.WorkerExits.WithLabelValues("expected").Inc()
}

// handleStartFailure classifies a failed launch and applies backoff.
// Returns a non-nil error when the supervisor should stop.
func (s *Supervisor) handleStartFailure(ctx context.Context, startErr error) error {
	// A stop canceling the context can abort a launch in flight; that is
	// not a crash and must not pollute the journal.
	if err := ctx.Err(); err != nil {
		return err
	}

	s.log.Error().Err(startErr).Msg("Worker failed to start")
	s.recordExit(JournalEntry{
		Timestamp:      time.Now(),
		ExitCode:       -1,
		Classification: ClassFailedToStart,
		Detail:         startErr.Error(),
	})
	metrics.WorkerExits.WithLabelValues("failed_to_start").Inc()

	return s.backoff(ctx)
}

// handleExit classifies a completed run. Returns a non-nil error when the
// supervisor should stop.
func (s *Supervisor) handleExit(ctx context.Context, handle *worker.Handle, code int) error {
	uptime := time.Since(handle.StartedAt)

	if handle.Expected() {
		s.recordExit(JournalEntry{
			Timestamp:      time.Now(),
			RunID:          handle.RunID,
			PID:            handle.PID,
			ExitCode:       code,
			Classification: ClassExpected,
		})
		metrics.WorkerExits.WithLabelValues("expected").Inc()
		s.policy.Reset()
		metrics.RestartDelaySeconds.Set(s.cfg.Restart.InitialDelay.Seconds())

		if s.restartRequested.CompareAndSwap(true, false) {
			s.log.Info().Str("run_id", handle.RunID).Msg("Operator restart, relaunching immediately")
			return nil
		}
		// An expected exit that is not a restart is a stop: the loop ends
		// and the keeper's top level exits cleanly.
		s.log.Info().Str("run_id", handle.RunID).Msg("Worker stopped deliberately, supervisor exiting")
		if s.onStop != nil {
			s.onStop()
		}
		return suture.ErrDoNotRestart
	}

	s.log.Warn().
		Str("run_id", handle.RunID).
		Int("exit_code", code).
		Dur("uptime", uptime).
		Msg("Worker crashed")
	s.recordExit(JournalEntry{
		Timestamp:      time.Now(),
		RunID:          handle.RunID,
		PID:            handle.PID,
		ExitCode:       code,
		Classification: ClassCrashed,
	})
	metrics.WorkerExits.WithLabelValues("crashed").Inc()

	delay := s.policy.RecordCrash(uptime)
	return s.backoffFor(ctx, delay)
}

// backoff applies the policy's next crash delay (used for launch failures,
// which never accrue uptime).
func (s *Supervisor) backoff(ctx context.Context) error {
	return s.backoffFor(ctx, s.policy.RecordCrash(0))
}

// backoffFor waits out one restart delay, honoring the give-up threshold.
// The sleep is a single interruptible select, never a busy poll.
func (s *Supervisor) backoffFor(ctx context.Context, delay time.Duration) error {
	if maxCrashes := s.cfg.Restart.MaxCrashes; maxCrashes > 0 && s.policy.ConsecutiveCrashes() >= maxCrashes {
		s.log.Error().
			Int("consecutive_crashes", s.policy.ConsecutiveCrashes()).
			Int("max_crashes", maxCrashes).
			Msg("Crash threshold exceeded, giving up")
		return suture.ErrTerminateSupervisorTree
	}

	metrics.RestartDelaySeconds.Set(delay.Seconds())
	s.log.Info().
		Dur("delay", delay).
		Int("consecutive_crashes", s.policy.ConsecutiveCrashes()).
		Msg("Restarting worker after backoff")

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// recordExit writes a journal entry; journal failures are logged, never
// allowed to take the supervisor down.
func (s *Supervisor) recordExit(entry JournalEntry) {
	if err := s.journal.Record(entry); err != nil {
		s.log.Error().Err(err).Msg("Failed to write crash journal entry")
	}
}
