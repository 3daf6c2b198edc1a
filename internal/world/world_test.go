// Terrakeep - Terraria Server Keeper
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/terrakeep

package world

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestScanMissingDirectory(t *testing.T) {
	worlds, err := Scan(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("Scan on missing dir should not error, got: %v", err)
	}
	if len(worlds) != 0 {
		t.Errorf("expected no worlds, got %d", len(worlds))
	}
}

func TestScanFindsWorldsAndCompanions(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "Alpha.wld"), []byte("alpha-bytes"))
	writeFile(t, filepath.Join(dir, "Alpha.wld.bak"), []byte("alpha-old"))
	writeFile(t, filepath.Join(dir, "Beta.wld"), []byte("beta"))
	writeFile(t, filepath.Join(dir, "notes.txt"), []byte("ignored"))

	worlds, err := Scan(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(worlds) != 2 {
		t.Fatalf("expected 2 worlds, got %d", len(worlds))
	}

	alpha := worlds[0]
	if alpha.Name != "Alpha" {
		t.Errorf("first world = %q, want Alpha (sorted)", alpha.Name)
	}
	if alpha.Size != int64(len("alpha-bytes")) {
		t.Errorf("Alpha size = %d, want %d", alpha.Size, len("alpha-bytes"))
	}
	if !alpha.HasCompanion() {
		t.Error("Alpha should have a companion .bak file")
	}
	if worlds[1].HasCompanion() {
		t.Error("Beta should not have a companion")
	}
}

func TestFind(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "Alpha.wld"), []byte("x"))

	if _, err := Find(dir, "Alpha"); err != nil {
		t.Errorf("Find(Alpha) failed: %v", err)
	}
	if _, err := Find(dir, "Gamma"); err == nil {
		t.Error("Find(Gamma) should fail")
	}
}

func TestChecksum(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Alpha.wld")
	writeFile(t, path, []byte("deterministic"))

	first, err := Checksum(path)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Checksum(path)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("checksum not deterministic: %s vs %s", first, second)
	}
	if len(first) != 64 {
		t.Errorf("checksum length = %d, want 64 hex chars", len(first))
	}

	writeFile(t, path, []byte("different"))
	third, err := Checksum(path)
	if err != nil {
		t.Fatal(err)
	}
	if third == first {
		t.Error("checksum should change when content changes")
	}
}
