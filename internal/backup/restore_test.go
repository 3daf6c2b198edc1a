// Terrakeep - Terraria Server Keeper
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/terrakeep

package backup

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tomtom215/terrakeep/internal/world"
)

func TestRestoreRoundTripIsByteIdentical(t *testing.T) {
	cfg := testConfig(t)
	original := []byte("the world as it was")
	path := writeWorld(t, cfg, "Alpha", original)

	e := NewEngine(cfg, "test")
	archive, err := e.Create(t.Context(), "Alpha")
	if err != nil {
		t.Fatal(err)
	}

	// The world moves on after the backup.
	if err := os.WriteFile(path, []byte("the world as it is now"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := NewRestorer(cfg, e, nil)
	result, err := r.Restore(t.Context(), archive.Name, RestoreOptions{})
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if result.World != "Alpha" {
		t.Errorf("restored world = %q, want Alpha", result.World)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, original) {
		t.Errorf("restored bytes = %q, want %q", got, original)
	}
}

func TestRestoreTakesPreRestoreSnapshot(t *testing.T) {
	cfg := testConfig(t)
	writeWorld(t, cfg, "Alpha", []byte("before"))

	e := NewEngine(cfg, "test")
	archive, err := e.Create(t.Context(), "Alpha")
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)

	r := NewRestorer(cfg, e, nil)
	result, err := r.Restore(t.Context(), archive.Name, RestoreOptions{})
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if result.PreRestoreSnapshot == "" {
		t.Fatal("no pre-restore snapshot recorded")
	}

	snapshots, err := e.ListWorld("Alpha")
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, s := range snapshots {
		if s.Name == result.PreRestoreSnapshot {
			found = true
			if s.Meta == nil || s.Meta.Trigger != TriggerPreRestore {
				t.Errorf("snapshot trigger = %+v, want pre-restore", s.Meta)
			}
		}
	}
	if !found {
		t.Errorf("pre-restore snapshot %q not in backup directory", result.PreRestoreSnapshot)
	}
}

func TestRestoreSkipSnapshotIsIdempotent(t *testing.T) {
	cfg := testConfig(t)
	path := writeWorld(t, cfg, "Alpha", []byte("canonical"))

	e := NewEngine(cfg, "test")
	archive, err := e.Create(t.Context(), "Alpha")
	if err != nil {
		t.Fatal(err)
	}

	r := NewRestorer(cfg, e, nil)
	opts := RestoreOptions{SkipPreRestoreSnapshot: true}

	if _, err := r.Restore(t.Context(), archive.Name, opts); err != nil {
		t.Fatalf("first Restore failed: %v", err)
	}
	first, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := r.Restore(t.Context(), archive.Name, opts); err != nil {
		t.Fatalf("second Restore failed: %v", err)
	}
	second, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(first, second) {
		t.Error("repeated restore produced different bytes")
	}

	// With the snapshot skipped, no new archives should have appeared.
	archives, err := e.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(archives) != 1 {
		t.Errorf("archives = %d, want 1 (no safety snapshots)", len(archives))
	}
}

func TestRestoreWhileWorkerRunning(t *testing.T) {
	cfg := testConfig(t)
	path := writeWorld(t, cfg, "Alpha", []byte("live"))
	before, err := world.Checksum(path)
	if err != nil {
		t.Fatal(err)
	}

	e := NewEngine(cfg, "test")
	archive, err := e.Create(t.Context(), "Alpha")
	if err != nil {
		t.Fatal(err)
	}
	backupsBefore := countFiles(t, cfg.Dirs.Backup)

	running := func() bool { return true }
	r := NewRestorer(cfg, e, running)
	if _, err := r.Restore(t.Context(), archive.Name, RestoreOptions{}); !errors.Is(err, ErrWorkerRunning) {
		t.Errorf("Restore = %v, want ErrWorkerRunning", err)
	}

	// Zero filesystem writes: world untouched, no new archives, no scratch
	// directories left behind.
	after, err := world.Checksum(path)
	if err != nil {
		t.Fatal(err)
	}
	if after != before {
		t.Error("world file changed by a refused restore")
	}
	if n := countFiles(t, cfg.Dirs.Backup); n != backupsBefore {
		t.Errorf("backup dir entries = %d, want %d", n, backupsBefore)
	}
	if n := countFiles(t, cfg.Dirs.World); n != 1 {
		t.Errorf("world dir entries = %d, want 1", n)
	}
}

func TestRestoreMissingArchiveLeavesWorldUntouched(t *testing.T) {
	cfg := testConfig(t)
	path := writeWorld(t, cfg, "Alpha", []byte("live"))
	before, err := world.Checksum(path)
	if err != nil {
		t.Fatal(err)
	}

	e := NewEngine(cfg, "test")
	r := NewRestorer(cfg, e, nil)
	if _, err := r.Restore(t.Context(), "nonexistent.tar.gz", RestoreOptions{}); !errors.Is(err, ErrArchiveNotFound) {
		t.Errorf("Restore = %v, want ErrArchiveNotFound", err)
	}

	after, err := world.Checksum(path)
	if err != nil {
		t.Fatal(err)
	}
	if after != before {
		t.Error("world file changed by a failed restore")
	}
}

func TestRestoreArchiveWithoutWorldPayload(t *testing.T) {
	cfg := testConfig(t)
	writeWorld(t, cfg, "Alpha", []byte("live"))
	if err := os.MkdirAll(cfg.Dirs.Backup, 0o755); err != nil {
		t.Fatal(err)
	}
	bare := filepath.Join(cfg.Dirs.Backup, "backup_Alpha_20260101_000000.tar.gz")
	writeBareArchive(t, bare, "notes.txt", []byte("no world here"))

	e := NewEngine(cfg, "test")
	r := NewRestorer(cfg, e, nil)
	if _, err := r.Restore(t.Context(), filepath.Base(bare), RestoreOptions{}); !errors.Is(err, ErrNoWorldInArchive) {
		t.Errorf("Restore = %v, want ErrNoWorldInArchive", err)
	}
}

func TestRestoreCompanionFile(t *testing.T) {
	cfg := testConfig(t)
	path := writeWorld(t, cfg, "Alpha", []byte("current"))
	if err := os.WriteFile(path+world.CompanionSuffix, []byte("previous"), 0o644); err != nil {
		t.Fatal(err)
	}

	e := NewEngine(cfg, "test")
	archive, err := e.Create(t.Context(), "Alpha")
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path+world.CompanionSuffix, []byte("overwritten later"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := NewRestorer(cfg, e, nil)
	result, err := r.Restore(t.Context(), archive.Name, RestoreOptions{SkipPreRestoreSnapshot: true})
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if !result.CompanionRestored {
		t.Error("companion not restored")
	}
	got, err := os.ReadFile(path + world.CompanionSuffix)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("previous")) {
		t.Errorf("companion bytes = %q, want %q", got, "previous")
	}
}

func TestRestoreLatestPicksNewestArchive(t *testing.T) {
	cfg := testConfig(t)
	path := writeWorld(t, cfg, "Alpha", []byte("generation one"))

	e := NewEngine(cfg, "test")
	if _, err := e.Create(t.Context(), "Alpha"); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("generation two"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Create(t.Context(), "Alpha"); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("scribbles"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := NewRestorer(cfg, e, nil)
	if _, err := r.RestoreLatest(t.Context(), "Alpha", RestoreOptions{SkipPreRestoreSnapshot: true}); err != nil {
		t.Fatalf("RestoreLatest failed: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("generation two")) {
		t.Errorf("restored bytes = %q, want generation two", got)
	}
}

func TestRestoreLatestUnknownWorld(t *testing.T) {
	cfg := testConfig(t)
	e := NewEngine(cfg, "test")
	r := NewRestorer(cfg, e, nil)
	if _, err := r.RestoreLatest(t.Context(), "Nowhere", RestoreOptions{}); !errors.Is(err, ErrArchiveNotFound) {
		t.Errorf("RestoreLatest = %v, want ErrArchiveNotFound", err)
	}
}

func countFiles(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0
		}
		t.Fatal(err)
	}
	return len(entries)
}
