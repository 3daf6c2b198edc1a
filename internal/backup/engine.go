// Terrakeep - Terraria Server Keeper
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/terrakeep

package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/terrakeep/internal/config"
	"github.com/tomtom215/terrakeep/internal/logging"
	"github.com/tomtom215/terrakeep/internal/metrics"
	"github.com/tomtom215/terrakeep/internal/world"
)

// Engine implements the snapshot operation set: create, list, verify,
// delete, and retention cleanup. The engine is stateless between calls;
// everything it knows lives in the world and backup directories.
type Engine struct {
	cfg     *config.Config
	log     zerolog.Logger
	version string
}

// NewEngine returns an engine operating on cfg's world and backup
// directories. version is recorded in each archive's metadata.
func NewEngine(cfg *config.Config, version string) *Engine {
	return &Engine{
		cfg:     cfg,
		log:     logging.Component("backup"),
		version: version,
	}
}

// Create snapshots a single world by name.
func (e *Engine) Create(ctx context.Context, worldName string) (*Archive, error) {
	return e.create(ctx, worldName, TriggerManual)
}

// CreateAll snapshots every world in the world directory. Per-world
// failures are collected in the result, not returned as an error; the
// returned error covers only the directory scan itself.
func (e *Engine) CreateAll(ctx context.Context) (*Result, error) {
	return e.createAll(ctx, TriggerScheduled)
}

func (e *Engine) createAll(ctx context.Context, trigger string) (*Result, error) {
	worlds, err := world.Scan(e.cfg.Dirs.World)
	if err != nil {
		return nil, fmt.Errorf("failed to scan world directory: %w", err)
	}

	result := &Result{}
	for _, w := range worlds {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		archive, err := e.snapshot(ctx, w, trigger)
		if err != nil {
			e.log.Error().Err(err).Str("world", w.Name).Msg("World backup failed")
			result.Failures = append(result.Failures, WorldFailure{World: w.Name, Err: err})
			metrics.BackupsTotal.WithLabelValues("failure").Inc()
			continue
		}
		result.Archives = append(result.Archives, archive)
	}
	return result, nil
}

func (e *Engine) create(ctx context.Context, worldName, trigger string) (*Archive, error) {
	w, err := world.Find(e.cfg.Dirs.World, worldName)
	if err != nil {
		return nil, err
	}
	archive, err := e.snapshot(ctx, w, trigger)
	if err != nil {
		metrics.BackupsTotal.WithLabelValues("failure").Inc()
		return nil, err
	}
	return archive, nil
}

// snapshot writes one archive for w. The archive is built under a partial
// name and renamed into place only on success, so the backup directory
// never holds a half-written file under a final name.
func (e *Engine) snapshot(ctx context.Context, w world.World, trigger string) (*Archive, error) {
	if err := os.MkdirAll(e.cfg.Dirs.Backup, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	// Names carry second granularity; bump the timestamp when a snapshot
	// of the same world already landed in this second so an existing
	// archive is never overwritten.
	createdAt := time.Now()
	name := archiveName(w.Name, createdAt, e.cfg.Backup.Compression)
	finalPath := filepath.Join(e.cfg.Dirs.Backup, name)
	for {
		if _, err := os.Stat(finalPath); errors.Is(err, os.ErrNotExist) {
			break
		}
		createdAt = createdAt.Add(time.Second)
		name = archiveName(w.Name, createdAt, e.cfg.Backup.Compression)
		finalPath = filepath.Join(e.cfg.Dirs.Backup, name)
	}
	partialPath := finalPath + ".partial"

	meta, err := e.writeArchive(ctx, partialPath, w, createdAt, trigger)
	if err != nil {
		os.Remove(partialPath) //nolint:errcheck // Best effort cleanup on error
		return nil, err
	}

	if err := os.Rename(partialPath, finalPath); err != nil {
		os.Remove(partialPath) //nolint:errcheck // Best effort cleanup on error
		return nil, fmt.Errorf("failed to finalize archive: %w", err)
	}

	info, err := os.Stat(finalPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}

	metrics.BackupsTotal.WithLabelValues("success").Inc()
	metrics.BackupBytes.Add(float64(info.Size()))
	metrics.LastBackupTimestamp.Set(float64(createdAt.Unix()))

	e.log.Info().
		Str("world", w.Name).
		Str("archive", name).
		Str("trigger", trigger).
		Int64("bytes", info.Size()).
		Msg("Backup created")

	return &Archive{
		Name:      name,
		Path:      finalPath,
		World:     w.Name,
		CreatedAt: createdAt,
		Size:      info.Size(),
		Meta:      meta,
	}, nil
}

// archiveWriters stacks the file, optional gzip, and tar writers.
type archiveWriters struct {
	tarWriter *tar.Writer
	closers   []io.Closer
}

// Close closes the writers in reverse order, returning the first error.
func (aw *archiveWriters) Close() error {
	var firstErr error
	for i := len(aw.closers) - 1; i >= 0; i-- {
		if err := aw.closers[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

//nolint:gosec // G304: path is built from the keeper's own backup directory
func (e *Engine) setupArchiveWriters(path string) (*archiveWriters, error) {
	outFile, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive file: %w", err)
	}

	aw := &archiveWriters{closers: []io.Closer{outFile}}

	var tarDest io.Writer = outFile
	if e.cfg.Backup.Compression == "gzip" {
		gzWriter := gzip.NewWriter(outFile)
		aw.closers = append(aw.closers, gzWriter)
		tarDest = gzWriter
	}

	aw.tarWriter = tar.NewWriter(tarDest)
	aw.closers = append(aw.closers, aw.tarWriter)
	return aw, nil
}

func (e *Engine) writeArchive(ctx context.Context, path string, w world.World, createdAt time.Time, trigger string) (meta *Metadata, err error) {
	aw, err := e.setupArchiveWriters(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		closeErr := aw.Close()
		if err == nil {
			err = closeErr
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	checksum, err := world.Checksum(w.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to checksum world: %w", err)
	}

	worldEntry := w.Name + "/" + w.Name + world.Extension
	worldSize, err := addFileToArchive(aw.tarWriter, w.Path, worldEntry)
	if err != nil {
		return nil, err
	}

	meta = &Metadata{
		World:         w.Name,
		CreatedAt:     createdAt,
		Trigger:       trigger,
		WorldSize:     worldSize,
		WorldChecksum: checksum,
		Compression:   e.cfg.Backup.Compression,
		KeeperVersion: e.version,
	}
	if host, hostErr := os.Hostname(); hostErr == nil {
		meta.Host = host
	}

	if w.HasCompanion() {
		companionSize, err := addFileToArchive(aw.tarWriter, w.CompanionPath, worldEntry+world.CompanionSuffix)
		if err != nil {
			return nil, err
		}
		meta.CompanionIncluded = true
		meta.CompanionSize = companionSize
	}

	if err := addMetadataToArchive(aw.tarWriter, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// addFileToArchive copies one file into the tar stream and returns the
// number of bytes written.
//
//nolint:gosec // G304: srcPath comes from the keeper's own world scan
func addFileToArchive(tw *tar.Writer, srcPath, entryName string) (int64, error) {
	file, err := os.Open(srcPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", srcPath, err)
	}
	defer file.Close() //nolint:errcheck // read-only handle

	info, err := file.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", srcPath, err)
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return 0, fmt.Errorf("failed to build tar header for %s: %w", srcPath, err)
	}
	header.Name = entryName

	if err := tw.WriteHeader(header); err != nil {
		return 0, fmt.Errorf("failed to write tar header for %s: %w", srcPath, err)
	}
	n, err := io.Copy(tw, file)
	if err != nil {
		return 0, fmt.Errorf("failed to copy %s into archive: %w", srcPath, err)
	}
	return n, nil
}

func addMetadataToArchive(tw *tar.Writer, meta *Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal archive metadata: %w", err)
	}

	header := &tar.Header{
		Name:    MetadataName,
		Size:    int64(len(data)),
		Mode:    0o640,
		ModTime: meta.CreatedAt,
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write metadata header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

// List returns every archive in the backup directory, newest first. A
// backup directory that does not exist yet yields an empty list. Files
// that are neither self-describing nor conventionally named are skipped.
func (e *Engine) List() ([]*Archive, error) {
	entries, err := os.ReadDir(e.cfg.Dirs.Backup)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	var archives []*Archive
	for _, entry := range entries {
		if entry.IsDir() || !isArchiveFile(entry.Name()) {
			continue
		}
		archive, err := e.inspect(entry.Name())
		if err != nil {
			e.log.Warn().Err(err).Str("archive", entry.Name()).Msg("Skipping unreadable archive")
			continue
		}
		archives = append(archives, archive)
	}

	sort.Slice(archives, func(i, j int) bool {
		if !archives[i].CreatedAt.Equal(archives[j].CreatedAt) {
			return archives[i].CreatedAt.After(archives[j].CreatedAt)
		}
		return archives[i].Name > archives[j].Name
	})
	return archives, nil
}

// ListWorld returns the archives belonging to one world, newest first.
func (e *Engine) ListWorld(worldName string) ([]*Archive, error) {
	all, err := e.List()
	if err != nil {
		return nil, err
	}
	var archives []*Archive
	for _, a := range all {
		if a.World == worldName {
			archives = append(archives, a)
		}
	}
	return archives, nil
}

// inspect builds an Archive from one backup-directory entry, preferring
// embedded metadata and falling back to filename parsing for legacy files.
func (e *Engine) inspect(name string) (*Archive, error) {
	path := filepath.Join(e.cfg.Dirs.Backup, name)
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	archive := &Archive{Name: name, Path: path, Size: info.Size()}

	meta, err := e.readMetadata(path)
	switch {
	case err == nil:
		archive.World = meta.World
		archive.CreatedAt = meta.CreatedAt
		archive.Meta = meta
		return archive, nil
	case errors.Is(err, ErrCorruptArchive):
		return nil, err
	}

	worldName, createdAt, ok := parseArchiveName(name)
	if !ok {
		return nil, fmt.Errorf("archive %s has no metadata and an unconventional name", name)
	}
	archive.World = worldName
	archive.CreatedAt = createdAt
	archive.Legacy = true
	return archive, nil
}

// errNoMetadata distinguishes "valid archive, no metadata entry" from
// structural corruption inside inspect.
var errNoMetadata = errors.New("archive has no metadata entry")

// readMetadata scans the tar stream for the embedded metadata entry.
func (e *Engine) readMetadata(path string) (*Metadata, error) {
	reader, closer, err := openArchive(path)
	if err != nil {
		return nil, err
	}
	defer closer.Close() //nolint:errcheck // read-only handle

	for {
		header, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil, errNoMetadata
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorruptArchive, path, err)
		}
		if header.Name != MetadataName {
			continue
		}
		var meta Metadata
		if err := json.NewDecoder(io.LimitReader(reader, 1<<20)).Decode(&meta); err != nil {
			return nil, fmt.Errorf("%w: %s: bad metadata: %v", ErrCorruptArchive, path, err)
		}
		if meta.World == "" {
			return nil, fmt.Errorf("%w: %s: metadata missing world name", ErrCorruptArchive, path)
		}
		return &meta, nil
	}
}

// openArchive opens path as a tar stream, layering a gzip reader when the
// filename says so. The returned closer releases the underlying file.
//
//nolint:gosec // G304: path is confined to the backup directory by callers
func openArchive(path string) (*tar.Reader, io.Closer, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: %s", ErrArchiveNotFound, filepath.Base(path))
		}
		return nil, nil, err
	}

	var src io.Reader = file
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(file)
		if err != nil {
			file.Close() //nolint:errcheck // Best effort cleanup on error
			return nil, nil, fmt.Errorf("%w: %s: %v", ErrCorruptArchive, path, err)
		}
		src = gz
	}
	return tar.NewReader(src), file, nil
}

// Verify checks an archive's structural integrity: the tar stream must be
// fully readable and contain at least one world payload. It does not check
// which world the payload belongs to.
func (e *Engine) Verify(name string) error {
	path := filepath.Join(e.cfg.Dirs.Backup, filepath.Base(name))
	reader, closer, err := openArchive(path)
	if err != nil {
		return err
	}
	defer closer.Close() //nolint:errcheck // read-only handle

	foundWorld := false
	for {
		header, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrCorruptArchive, name, err)
		}
		// Every entry must be fully decompressible, not just its header.
		if _, err := io.Copy(io.Discard, reader); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrCorruptArchive, name, err)
		}
		if strings.HasSuffix(header.Name, world.Extension) {
			foundWorld = true
		}
	}
	if !foundWorld {
		return fmt.Errorf("%w: %s", ErrNoWorldInArchive, name)
	}
	return nil
}

// Delete removes one archive by name. The name is reduced to its base so
// callers cannot reach outside the backup directory.
func (e *Engine) Delete(name string) error {
	path := filepath.Join(e.cfg.Dirs.Backup, filepath.Base(name))
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrArchiveNotFound, filepath.Base(name))
		}
		return fmt.Errorf("failed to delete archive: %w", err)
	}
	e.log.Info().Str("archive", filepath.Base(name)).Msg("Archive deleted")
	return nil
}

// Cleanup enforces the retention count per world: for each world with more
// than retention archives, the oldest excess archives are deleted. One
// world's history never counts against another's. Returns the number of
// archives deleted; individual deletion failures are logged and skipped.
func (e *Engine) Cleanup(retention int) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	archives, err := e.List()
	if err != nil {
		return 0, err
	}

	byWorld := make(map[string][]*Archive)
	for _, a := range archives {
		byWorld[a.World] = append(byWorld[a.World], a)
	}

	deleted := 0
	for worldName, group := range byWorld {
		if len(group) <= retention {
			continue
		}
		// List is newest-first, so everything past the retention index is
		// older than everything kept.
		for _, a := range group[retention:] {
			if err := os.Remove(a.Path); err != nil {
				e.log.Error().Err(err).Str("archive", a.Name).Msg("Retention deletion failed")
				continue
			}
			deleted++
			metrics.RetentionDeletions.Inc()
			e.log.Debug().
				Str("world", worldName).
				Str("archive", a.Name).
				Msg("Retention sweep deleted archive")
		}
	}
	if deleted > 0 {
		e.log.Info().Int("deleted", deleted).Int("retention", retention).Msg("Retention sweep complete")
	}
	return deleted, nil
}
