// Terrakeep - Terraria Server Keeper
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/terrakeep

// Package worker owns one running instance of the external server process.
//
// The wrapper renders the server's config file, runs preflight checks,
// launches the binary with its stdin wired to the command channel, and
// performs the two-phase graceful shutdown: a cooperative "exit" command
// through the channel first (so the server saves the world), then SIGTERM,
// then SIGKILL once the grace period runs out.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tomtom215/terrakeep/internal/conduit"
	"github.com/tomtom215/terrakeep/internal/config"
	"github.com/tomtom215/terrakeep/internal/logging"
	"github.com/tomtom215/terrakeep/internal/metrics"
)

// exitSettle is how long the cooperative "exit" command gets before the
// wrapper escalates to SIGTERM.
const exitSettle = 3 * time.Second

// killPollInterval is how often the shutdown path re-checks for process
// exit while the grace period runs down.
const killPollInterval = 250 * time.Millisecond

// Handle describes one launched server process. It is ephemeral: created by
// Start, dead once the process is reaped.
type Handle struct {
	// RunID identifies this launch in logs and the crash journal.
	RunID string

	PID       int
	StartedAt time.Time

	cmd      *exec.Cmd
	expected atomic.Bool

	done     chan struct{}
	exitCode int
	exitErr  error
}

// MarkExpected flags the coming exit as deliberate so the supervisor does
// not classify it as a crash. Must be called before any termination signal
// is raised.
func (h *Handle) MarkExpected() {
	h.expected.Store(true)
}

// Expected reports whether the exit was flagged as deliberate.
func (h *Handle) Expected() bool {
	return h.expected.Load()
}

// Wait blocks until the process exits or ctx is canceled. On process exit
// it returns the exit code; the error is non-nil only when ctx ended first.
func (h *Handle) Wait(ctx context.Context) (int, error) {
	select {
	case <-h.done:
		return h.exitCode, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Alive reports whether the process has not been reaped yet.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// ExitCode returns the process exit code; valid only after Wait returned.
func (h *Handle) ExitCode() int {
	return h.exitCode
}

// Wrapper launches and supervises a single server process at a time.
type Wrapper struct {
	cfg     *config.Config
	channel *conduit.Channel
	log     zerolog.Logger

	mu           sync.Mutex
	handle       *Handle
	shuttingDown bool
}

// New creates a Wrapper using the given command channel.
func New(cfg *config.Config, channel *conduit.Channel) *Wrapper {
	return &Wrapper{
		cfg:     cfg,
		channel: channel,
		log:     logging.Component("worker"),
	}
}

// Running reports whether a worker process is currently alive. The restore
// engine uses this as its precondition probe.
func (w *Wrapper) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.handle != nil && w.handle.Alive()
}

// Current returns the most recent Handle, alive or not, nil before the
// first start.
func (w *Wrapper) Current() *Handle {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.handle
}

// Start renders the server config, runs preflight checks, recreates the
// command channel, and launches the server process. The returned Handle is
// also retained internally for Running and Shutdown.
func (w *Wrapper) Start(ctx context.Context) (*Handle, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.handle != nil && w.handle.Alive() {
		return nil, fmt.Errorf("worker already running (pid %d)", w.handle.PID)
	}

	if err := preflight(w.cfg); err != nil {
		return nil, err
	}
	if err := WriteConfig(w.cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPreflight, err)
	}

	// A stale pipe from an earlier run may hold buffered commands meant
	// for a dead process; always start from a fresh endpoint.
	if err := w.channel.Recreate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPreflight, err)
	}
	stdin, err := w.channel.OpenReader()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPreflight, err)
	}

	logPath := filepath.Join(w.cfg.Dirs.Log, "terraria.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) //nolint:gosec // G302,G304: console log is operator-readable
	if err != nil {
		return nil, fmt.Errorf("%w: worker log %s: %v", ErrPreflight, logPath, err)
	}

	// Deliberately not CommandContext: context cancellation must never
	// signal the process directly, or a top-level stop would race past the
	// cooperative exit phase. Shutdown owns every termination path.
	cmd := exec.Command(w.cfg.Server.Binary, "-config", w.cfg.ServerConfigPath()) //nolint:gosec // G204: binary path from validated config
	cmd.Dir = filepath.Dir(w.cfg.Server.Binary)
	cmd.Stdin = stdin
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		logFile.Close() //nolint:errcheck // launch failed
		return nil, fmt.Errorf("%w: %v", ErrPreflight, err)
	}

	h := &Handle{
		RunID:     uuid.New().String()[:8],
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
		cmd:       cmd,
		done:      make(chan struct{}),
	}
	w.handle = h
	w.shuttingDown = false

	metrics.WorkerStarts.Inc()
	metrics.WorkerUp.Set(1)
	w.log.Info().
		Str("run_id", h.RunID).
		Int("pid", h.PID).
		Str("world", w.cfg.Server.WorldName).
		Msg("Worker started")

	go w.reap(h, logFile)
	return h, nil
}

// reap waits for the process and records its exit state.
func (w *Wrapper) reap(h *Handle, logFile *os.File) {
	err := h.cmd.Wait()
	h.exitErr = err
	h.exitCode = exitCodeOf(err)
	logFile.Close() //nolint:errcheck // process gone, log flushed by kernel
	w.channel.ReleaseReader()
	metrics.WorkerUp.Set(0)
	close(h.done)
}

// exitCodeOf extracts a process exit code from cmd.Wait's error.
func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	// Wait failed for a non-exit reason; treat as a generic failure code.
	return -1
}

// Shutdown performs the graceful stop sequence against h, bounded by grace:
// cooperative "exit" through the command channel, short settle, SIGTERM,
// bounded poll, SIGKILL. It marks the exit expected before signalling.
//
// Re-entrant: a second call during an in-flight shutdown (duplicate SIGTERM
// delivered to the container) does not start a second kill sequence, it just
// waits for the first to finish.
func (w *Wrapper) Shutdown(ctx context.Context, h *Handle, grace time.Duration) error {
	if h == nil {
		return nil
	}

	w.mu.Lock()
	if w.shuttingDown {
		w.mu.Unlock()
		_, err := h.Wait(ctx)
		return err
	}
	w.shuttingDown = true
	w.mu.Unlock()

	h.MarkExpected()

	if !h.Alive() {
		return nil
	}

	// Phase 0: cooperative exit so the server saves the world itself.
	if err := w.channel.Send("exit"); err != nil {
		w.log.Debug().Err(err).Msg("Cooperative exit not delivered, escalating to SIGTERM")
	}
	if w.waitFor(ctx, h, exitSettle) {
		w.log.Info().Str("run_id", h.RunID).Msg("Worker exited cooperatively")
		return nil
	}

	// Phase 1: SIGTERM, then poll until the grace period runs out.
	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		w.log.Warn().Err(err).Msg("SIGTERM delivery failed")
	}
	if w.waitFor(ctx, h, grace) {
		w.log.Info().Str("run_id", h.RunID).Msg("Worker exited after SIGTERM")
		return nil
	}

	// Phase 2: force kill. The world may lose its last autosave interval;
	// nothing else to be done for a process that ignores SIGTERM.
	w.log.Warn().Str("run_id", h.RunID).Dur("grace", grace).Msg("Grace period expired, force-killing worker")
	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill worker pid %d: %w", h.PID, err)
	}

	<-h.done
	return nil
}

// ShutdownCurrent runs the graceful stop sequence against whatever process
// is currently running, if any.
func (w *Wrapper) ShutdownCurrent(ctx context.Context, grace time.Duration) error {
	w.mu.Lock()
	h := w.handle
	w.mu.Unlock()

	if h == nil || !h.Alive() {
		return nil
	}
	return w.Shutdown(ctx, h, grace)
}

// waitFor polls for process exit for at most d, returning true on exit.
// The poll is bounded and interruptible; it never blocks past d.
func (w *Wrapper) waitFor(ctx context.Context, h *Handle, d time.Duration) bool {
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	tick := time.NewTicker(killPollInterval)
	defer tick.Stop()

	for {
		select {
		case <-h.done:
			return true
		case <-deadline.C:
			return false
		case <-ctx.Done():
			return false
		case <-tick.C:
			if !h.Alive() {
				return true
			}
		}
	}
}
