// Terrakeep - Terraria Server Keeper
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/terrakeep

package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSchedulerDisabledIdlesUntilCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backup.Enabled = false
	writeWorld(t, cfg, "Alpha", []byte("alpha"))

	s := NewScheduler(cfg, NewEngine(cfg, "test"))
	ctx, cancel := context.WithCancel(t.Context())

	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	// Give the scheduler a moment to prove it fires nothing while idle.
	time.Sleep(100 * time.Millisecond)
	if n := countFiles(t, cfg.Dirs.Backup); n != 0 {
		t.Errorf("backup dir entries = %d, want 0 while disabled", n)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("disabled scheduler did not stop on cancel")
	}
}

func TestSchedulerStartupBackupWaitsForFirstWorld(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backup.OnStartup = true
	cfg.Backup.StartupSettle = 10 * time.Millisecond

	s := NewScheduler(cfg, NewEngine(cfg, "test"))
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	// No world yet: the scheduler must be blocked, not firing.
	time.Sleep(150 * time.Millisecond)
	if n := countFiles(t, cfg.Dirs.Backup); n != 0 {
		t.Fatalf("backup fired before any world existed (%d entries)", n)
	}

	// The server finishes generating its world.
	writeWorld(t, cfg, "Alpha", []byte("freshly generated"))

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if countFiles(t, cfg.Dirs.Backup) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if n := countFiles(t, cfg.Dirs.Backup); n != 1 {
		t.Errorf("backup dir entries = %d, want 1 startup backup", n)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop on cancel")
	}
}

func TestSchedulerStartupBackupWithExistingWorld(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backup.OnStartup = true
	cfg.Backup.StartupSettle = 10 * time.Millisecond
	writeWorld(t, cfg, "Alpha", []byte("already here"))

	s := NewScheduler(cfg, NewEngine(cfg, "test"))
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if countFiles(t, cfg.Dirs.Backup) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if n := countFiles(t, cfg.Dirs.Backup); n != 1 {
		t.Errorf("backup dir entries = %d, want 1 startup backup", n)
	}

	cancel()
	<-done
}

func TestFireRunsBackupAndRetention(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backup.Retention = 2
	writeWorld(t, cfg, "Alpha", []byte("alpha"))

	e := NewEngine(cfg, "test")
	s := NewScheduler(cfg, e)

	for range 4 {
		s.fire(t.Context())
	}

	archives, err := e.ListWorld("Alpha")
	if err != nil {
		t.Fatal(err)
	}
	if len(archives) != 2 {
		t.Errorf("archives after retention = %d, want 2", len(archives))
	}
}

func TestFireToleratesMissingWorldDirectory(t *testing.T) {
	cfg := testConfig(t)
	if err := os.RemoveAll(cfg.Dirs.World); err != nil {
		t.Fatal(err)
	}

	e := NewEngine(cfg, "test")
	s := NewScheduler(cfg, e)
	s.fire(t.Context()) // must not panic or create anything

	if n := countFiles(t, cfg.Dirs.Backup); n != 0 {
		t.Errorf("backup dir entries = %d, want 0", n)
	}
}

func TestFireSkipsNonWorldFiles(t *testing.T) {
	cfg := testConfig(t)
	if err := os.WriteFile(filepath.Join(cfg.Dirs.World, "notes.txt"), []byte("not a world"), 0o644); err != nil {
		t.Fatal(err)
	}
	writeWorld(t, cfg, "Alpha", []byte("alpha"))

	e := NewEngine(cfg, "test")
	s := NewScheduler(cfg, e)
	s.fire(t.Context())

	archives, err := e.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(archives) != 1 || archives[0].World != "Alpha" {
		t.Errorf("archives = %+v, want exactly one for Alpha", archives)
	}
}

func TestSchedulerName(t *testing.T) {
	cfg := testConfig(t)
	s := NewScheduler(cfg, NewEngine(cfg, "test"))
	if s.String() != "backup-scheduler" {
		t.Errorf("String() = %q", s.String())
	}
}
