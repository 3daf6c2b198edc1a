// Terrakeep - Terraria Server Keeper
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/terrakeep

package supervise

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/terrakeep/internal/conduit"
	"github.com/tomtom215/terrakeep/internal/config"
	"github.com/tomtom215/terrakeep/internal/worker"
)

// newTestSupervisor builds a supervisor around a fake server script with
// fast restart timing so crash-loop tests stay quick.
func newTestSupervisor(t *testing.T, script string) (*Supervisor, *worker.Wrapper, *config.Config) {
	t.Helper()
	root := t.TempDir()

	binary := filepath.Join(root, "TerrariaServer.bin.x86_64")
	if err := os.WriteFile(binary, []byte("#!/bin/sh\n"+script), 0o755); err != nil { //nolint:gosec // test fixture must be executable
		t.Fatal(err)
	}

	cfg := &config.Config{
		Server: config.ServerConfig{
			WorldName:     "Alpha",
			Autocreate:    2,
			MaxPlayers:    8,
			Port:          7777,
			Secure:        true,
			Language:      "en-US",
			Binary:        binary,
			CommandPipe:   filepath.Join(root, "terraria.cmd"),
			ShutdownGrace: 5 * time.Second,
		},
		Dirs: config.DirsConfig{
			World:  filepath.Join(root, "worlds"),
			Backup: filepath.Join(root, "backups"),
			Log:    filepath.Join(root, "logs"),
			Config: filepath.Join(root, "config"),
		},
		Restart: config.RestartConfig{
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     40 * time.Millisecond,
			Multiplier:   2.0,
			StableUptime: time.Hour,
		},
	}
	if err := os.MkdirAll(cfg.Dirs.Log, 0o755); err != nil {
		t.Fatal(err)
	}

	w := worker.New(cfg, conduit.New(cfg.Server.CommandPipe))
	return New(cfg, w), w, cfg
}

func TestGiveUpThresholdStopsCrashLoop(t *testing.T) {
	s, _, cfg := newTestSupervisor(t, "exit 1\n")
	cfg.Restart.MaxCrashes = 3

	done := make(chan error, 1)
	go func() { done <- s.Serve(t.Context()) }()

	select {
	case err := <-done:
		if !errors.Is(err, suture.ErrTerminateSupervisorTree) {
			t.Errorf("Serve = %v, want ErrTerminateSupervisorTree", err)
		}
	case <-time.After(30 * time.Second):
		t.Fatal("supervisor did not give up")
	}

	entries, err := s.journal.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) < 3 {
		t.Errorf("journal entries = %d, want >= 3", len(entries))
	}
	for _, e := range entries {
		if e.Classification != ClassCrashed {
			t.Errorf("classification = %q, want crashed", e.Classification)
		}
		if e.ExitCode != 1 {
			t.Errorf("exit code = %d, want 1", e.ExitCode)
		}
	}
}

func TestFailedToStartIsJournaledAndRetried(t *testing.T) {
	s, _, cfg := newTestSupervisor(t, "exit 0\n")
	cfg.Server.Binary = filepath.Join(t.TempDir(), "missing-binary")
	cfg.Restart.MaxCrashes = 2

	done := make(chan error, 1)
	go func() { done <- s.Serve(t.Context()) }()

	select {
	case err := <-done:
		if !errors.Is(err, suture.ErrTerminateSupervisorTree) {
			t.Errorf("Serve = %v, want ErrTerminateSupervisorTree", err)
		}
	case <-time.After(30 * time.Second):
		t.Fatal("supervisor did not give up")
	}

	entries, err := s.journal.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) == 0 {
		t.Fatal("expected failed-to-start journal entries")
	}
	for _, e := range entries {
		if e.Classification != ClassFailedToStart {
			t.Errorf("classification = %q, want failed-to-start", e.Classification)
		}
	}
}

func TestStopShutsDownWorkerGracefully(t *testing.T) {
	script := `while read -r line; do
  if [ "$line" = "exit" ]; then exit 0; fi
done
`
	s, w, _ := newTestSupervisor(t, script)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	waitUntil(t, 10*time.Second, w.Running)

	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve = %v, want context.Canceled", err)
		}
	case <-time.After(30 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	if w.Running() {
		t.Error("worker should be stopped after supervisor stop")
	}

	entries, err := s.journal.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Classification != ClassExpected {
		t.Errorf("expected one expected-exit entry, got %+v", entries)
	}
}

func TestOperatorRestartRelaunchesImmediately(t *testing.T) {
	script := `while read -r line; do
  if [ "$line" = "exit" ]; then exit 0; fi
done
`
	s, w, _ := newTestSupervisor(t, script)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	waitUntil(t, 10*time.Second, w.Running)

	if err := s.RequestRestart(ctx); err != nil {
		t.Fatalf("RequestRestart failed: %v", err)
	}

	// The worker must come down and back up without the supervisor exiting.
	waitUntil(t, 10*time.Second, func() bool {
		entries, err := s.journal.Entries()
		return err == nil && len(entries) >= 1
	})
	waitUntil(t, 10*time.Second, w.Running)

	select {
	case err := <-done:
		t.Fatalf("supervisor exited during restart: %v", err)
	default:
	}

	entries, err := s.journal.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if entries[0].Classification != ClassExpected {
		t.Errorf("restart exit classification = %q, want expected", entries[0].Classification)
	}
}

func TestRestartSurvivesCallerContextCancel(t *testing.T) {
	// Records how the process was told to stop: a restart whose caller
	// vanishes right away must still run the full cooperative sequence,
	// not collapse the grace period and force-kill mid-save.
	events := filepath.Join(t.TempDir(), "events")
	script := fmt.Sprintf(`trap 'echo term >> %q; exit 0' TERM
while read -r line; do
  if [ "$line" = "exit" ]; then echo exit >> %q; exit 0; fi
done
`, events, events)
	s, w, _ := newTestSupervisor(t, script)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	waitUntil(t, 10*time.Second, w.Running)

	reqCtx, reqCancel := context.WithCancel(context.Background())
	if err := s.RequestRestart(reqCtx); err != nil {
		t.Fatalf("RequestRestart failed: %v", err)
	}
	// The requesting caller returns immediately, taking its context with it.
	reqCancel()

	waitUntil(t, 10*time.Second, func() bool {
		entries, err := s.journal.Entries()
		return err == nil && len(entries) >= 1
	})
	waitUntil(t, 10*time.Second, w.Running)

	select {
	case err := <-done:
		t.Fatalf("supervisor exited during restart: %v", err)
	default:
	}

	data, err := os.ReadFile(events)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(string(data)); got != "exit" {
		t.Errorf("stop sequence = %q, want the cooperative exit alone", got)
	}
	entries, err := s.journal.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if entries[0].Classification != ClassExpected {
		t.Errorf("restart exit classification = %q, want expected", entries[0].Classification)
	}
}

func TestStartFailureDuringStopIsNotJournaled(t *testing.T) {
	s, _, _ := newTestSupervisor(t, "exit 0\n")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.handleStartFailure(ctx, errors.New("launch aborted")); !errors.Is(err, context.Canceled) {
		t.Errorf("handleStartFailure during stop = %v, want context.Canceled", err)
	}
	entries, err := s.journal.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("journal entries = %d, want none for a stop-aborted launch", len(entries))
	}
}

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
