// Terrakeep - Terraria Server Keeper
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/terrakeep

// Package backup creates, lists, verifies, retains, and restores world
// snapshot archives.
//
// An archive is a tar file (optionally gzip-compressed) laid out as
//
//	backup_<World>_<YYYYMMDD>_<HHMMSS>.tar.gz
//	├── <World>/
//	│   ├── <World>.wld       (world payload)
//	│   └── <World>.wld.bak   (previous-save companion, if present)
//	└── backup_info.json      (embedded metadata)
//
// Archives are immutable once created and self-describing: identity comes
// from the embedded metadata, with filename parsing kept only as a fallback
// for archives produced by older tooling.
package backup

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

// MetadataName is the metadata entry inside every archive.
const MetadataName = "backup_info.json"

// Archive timestamp layout, e.g. backup_Alpha_20260831_031500.tar.gz.
const timestampLayout = "20060102_150405"

// Triggers recorded in archive metadata.
const (
	TriggerManual     = "manual"
	TriggerScheduled  = "scheduled"
	TriggerPreRestore = "pre-restore"
)

var (
	// ErrArchiveNotFound is returned when a named archive does not exist in
	// the backup directory.
	ErrArchiveNotFound = errors.New("archive not found")

	// ErrCorruptArchive is returned when an archive cannot be opened or
	// read as a tar stream.
	ErrCorruptArchive = errors.New("corrupt archive")

	// ErrNoWorldInArchive is returned when an archive contains no world
	// payload.
	ErrNoWorldInArchive = errors.New("no world file in archive")

	// ErrWorkerRunning is returned by the restore engine when the worker
	// process is still alive.
	ErrWorkerRunning = errors.New("worker is running")
)

// Metadata is embedded inside each archive as backup_info.json. It is the
// authoritative record of what the archive holds, surviving file renames.
type Metadata struct {
	World             string    `json:"world"`
	CreatedAt         time.Time `json:"created_at"`
	Trigger           string    `json:"trigger"`
	WorldSize         int64     `json:"world_size"`
	WorldChecksum     string    `json:"world_checksum"`
	CompanionIncluded bool      `json:"companion_included"`
	CompanionSize     int64     `json:"companion_size,omitempty"`
	Compression       string    `json:"compression"`
	Host              string    `json:"host"`
	KeeperVersion     string    `json:"keeper_version"`
}

// Archive describes one snapshot in the backup directory.
type Archive struct {
	// Name is the archive's base filename within the backup directory.
	Name string
	// Path is the absolute archive path.
	Path string
	// World is the world the archive belongs to, from embedded metadata or,
	// for legacy archives, from the filename.
	World string
	// CreatedAt is the snapshot creation time.
	CreatedAt time.Time
	// Size is the archive file size in bytes.
	Size int64
	// Legacy marks archives whose identity was recovered from the filename
	// because no embedded metadata was found.
	Legacy bool
	// Meta is the embedded metadata, nil for legacy archives.
	Meta *Metadata
}

// Result aggregates a multi-world backup run. Per-world failures are
// isolated: one world failing never aborts the rest of the batch.
type Result struct {
	Archives []*Archive
	Failures []WorldFailure
}

// WorldFailure records one world that could not be backed up.
type WorldFailure struct {
	World string
	Err   error
}

// Succeeded reports whether every world in the batch was archived.
func (r *Result) Succeeded() bool { return len(r.Failures) == 0 }

// archiveName builds the conventional filename for a snapshot.
func archiveName(worldName string, createdAt time.Time, compression string) string {
	name := "backup_" + worldName + "_" + createdAt.Format(timestampLayout) + ".tar"
	if compression == "gzip" {
		name += ".gz"
	}
	return name
}

// legacyNamePattern matches the conventional archive filename so archives
// without embedded metadata can still be attributed to a world. World names
// may themselves contain underscores, so the timestamp anchors the match.
var legacyNamePattern = regexp.MustCompile(`^backup_(.+)_(\d{8}_\d{6})\.tar(\.gz)?$`)

// parseArchiveName recovers (world, createdAt) from a conventional filename.
// The second return is false when the name does not follow the convention.
func parseArchiveName(name string) (string, time.Time, bool) {
	m := legacyNamePattern.FindStringSubmatch(name)
	if m == nil {
		return "", time.Time{}, false
	}
	ts, err := time.ParseInLocation(timestampLayout, m[2], time.Local)
	if err != nil {
		return "", time.Time{}, false
	}
	return m[1], ts, true
}

// isArchiveFile reports whether a directory entry name looks like a snapshot
// archive at all.
func isArchiveFile(name string) bool {
	return strings.HasSuffix(name, ".tar") || strings.HasSuffix(name, ".tar.gz")
}
