// Terrakeep - Terraria Server Keeper
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/terrakeep

// Package world models the on-disk world files the keeper protects.
//
// A world is a single <Name>.wld file, optionally paired with the server's
// own <Name>.wld.bak previous-save companion. The external server process is
// the only writer during normal operation; the keeper reads these files for
// backups and replaces them only during a restore with the worker stopped.
package world

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrNotFound is returned by Find when the named world does not exist.
var ErrNotFound = errors.New("world not found")

// Extension is the world file suffix used by the server.
const Extension = ".wld"

// CompanionSuffix is appended to a world path for the server's previous-save
// file.
const CompanionSuffix = ".bak"

// World describes one world file found in the world directory.
type World struct {
	// Name is the file base name without the .wld extension.
	Name string

	// Path is the absolute path of the .wld file.
	Path string

	Size    int64
	ModTime time.Time

	// CompanionPath is the absolute path of the .wld.bak file, or "" when
	// the server has not produced one yet.
	CompanionPath string
	CompanionSize int64
}

// HasCompanion reports whether the previous-save file exists.
func (w World) HasCompanion() bool {
	return w.CompanionPath != ""
}

// Scan lists the worlds in dir, sorted by name. A directory that does not
// exist yet yields an empty list, matching first-boot behavior before the
// server has generated anything.
func Scan(dir string) ([]World, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read world directory %s: %w", dir, err)
	}

	var worlds []World
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), Extension) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}

		w := World{
			Name:    strings.TrimSuffix(entry.Name(), Extension),
			Path:    filepath.Join(dir, entry.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}

		bakPath := w.Path + CompanionSuffix
		if bakInfo, err := os.Stat(bakPath); err == nil {
			w.CompanionPath = bakPath
			w.CompanionSize = bakInfo.Size()
		}

		worlds = append(worlds, w)
	}

	sort.Slice(worlds, func(i, j int) bool { return worlds[i].Name < worlds[j].Name })
	return worlds, nil
}

// Find returns the named world from dir.
func Find(dir, name string) (World, error) {
	worlds, err := Scan(dir)
	if err != nil {
		return World{}, err
	}
	for _, w := range worlds {
		if w.Name == name {
			return w, nil
		}
	}
	return World{}, fmt.Errorf("world %q in %s: %w", name, dir, ErrNotFound)
}

// Checksum returns the hex-encoded SHA-256 of the file at path.
func Checksum(path string) (string, error) {
	f, err := os.Open(path) //nolint:gosec // G304: path comes from the keeper's own directory scan
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck // read-only handle

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
