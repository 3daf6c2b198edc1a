// Terrakeep - Terraria Server Keeper
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/terrakeep

package backup

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/terrakeep/internal/config"
	"github.com/tomtom215/terrakeep/internal/logging"
	"github.com/tomtom215/terrakeep/internal/metrics"
	"github.com/tomtom215/terrakeep/internal/world"
)

// WorkerProbe reports whether the worker process is currently alive. The
// restore engine refuses to touch the world directory while it is.
type WorkerProbe func() bool

// RestoreOptions control one restore invocation.
type RestoreOptions struct {
	// SkipPreRestoreSnapshot disables the automatic safety snapshot of the
	// live world taken before it is overwritten.
	SkipPreRestoreSnapshot bool
}

// RestoreResult reports what a completed restore did.
type RestoreResult struct {
	Archive            string
	World              string
	PreRestoreSnapshot string
	CompanionRestored  bool
	Duration           time.Duration
}

// Restorer replaces a live world file with the contents of an archive.
//
// Every step before the final rename is non-destructive: extraction goes to
// a scratch directory on the world volume, and any failure up to that point
// leaves the live world byte-identical to before the call.
type Restorer struct {
	cfg    *config.Config
	engine *Engine
	probe  WorkerProbe
	log    zerolog.Logger
}

// NewRestorer wires a restorer to the engine's directories. probe must
// report worker liveness truthfully; a nil probe never blocks a restore.
func NewRestorer(cfg *config.Config, engine *Engine, probe WorkerProbe) *Restorer {
	return &Restorer{
		cfg:    cfg,
		engine: engine,
		probe:  probe,
		log:    logging.Component("restore"),
	}
}

// RestoreLatest restores the most recent archive for worldName.
func (r *Restorer) RestoreLatest(ctx context.Context, worldName string, opts RestoreOptions) (*RestoreResult, error) {
	archives, err := r.engine.ListWorld(worldName)
	if err != nil {
		return nil, err
	}
	if len(archives) == 0 {
		return nil, fmt.Errorf("%w: no archives for world %q", ErrArchiveNotFound, worldName)
	}
	return r.Restore(ctx, archives[0].Name, opts)
}

// Restore extracts archiveName and replaces the live world it describes.
func (r *Restorer) Restore(ctx context.Context, archiveName string, opts RestoreOptions) (res *RestoreResult, err error) {
	start := time.Now()
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		metrics.RestoresTotal.WithLabelValues(outcome).Inc()
	}()

	if r.probe != nil && r.probe() {
		return nil, ErrWorkerRunning
	}

	archivePath := filepath.Join(r.cfg.Dirs.Backup, filepath.Base(archiveName))
	if _, err := os.Stat(archivePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrArchiveNotFound, filepath.Base(archiveName))
		}
		return nil, err
	}

	// Scratch space lives on the world volume so the final rename is an
	// atomic same-filesystem move.
	scratch, err := os.MkdirTemp(r.cfg.Dirs.World, ".restore-")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(scratch) //nolint:errcheck // Best effort cleanup

	payloadPath, err := r.extract(ctx, archivePath, scratch)
	if err != nil {
		return nil, err
	}

	worldName := strings.TrimSuffix(filepath.Base(payloadPath), world.Extension)
	result := &RestoreResult{
		Archive: filepath.Base(archiveName),
		World:   worldName,
	}

	livePath := r.cfg.WorldPath(worldName)
	if _, statErr := os.Stat(livePath); statErr == nil && !opts.SkipPreRestoreSnapshot {
		snapshot, snapErr := r.engine.create(ctx, worldName, TriggerPreRestore)
		if snapErr != nil {
			return nil, fmt.Errorf("pre-restore snapshot failed: %w", snapErr)
		}
		result.PreRestoreSnapshot = snapshot.Name
	}

	extractedSize, err := fileSize(payloadPath)
	if err != nil {
		return nil, fmt.Errorf("extraction produced unreadable payload: %w", err)
	}

	if err := os.Rename(payloadPath, livePath); err != nil {
		return nil, fmt.Errorf("failed to replace world file: %w", err)
	}

	companionScratch := payloadPath + world.CompanionSuffix
	if _, statErr := os.Stat(companionScratch); statErr == nil {
		if err := os.Rename(companionScratch, livePath+world.CompanionSuffix); err != nil {
			r.log.Warn().Err(err).Str("world", worldName).Msg("Companion file restore failed")
		} else {
			result.CompanionRestored = true
		}
	}

	// Re-read the target to confirm the replacement landed.
	liveSize, err := fileSize(livePath)
	if err != nil {
		return nil, fmt.Errorf("post-restore verification failed: %w", err)
	}
	if liveSize != extractedSize {
		return nil, fmt.Errorf("post-restore verification failed: size mismatch (%d != %d)", liveSize, extractedSize)
	}

	result.Duration = time.Since(start)
	r.log.Info().
		Str("world", worldName).
		Str("archive", result.Archive).
		Str("pre_restore_snapshot", result.PreRestoreSnapshot).
		Dur("duration", result.Duration).
		Msg("World restored")
	return result, nil
}

// extract unpacks the archive's regular files into scratch and returns the
// path of the world payload. Entry names are flattened to their base name;
// anything that is not a world file, a companion, or the metadata entry is
// ignored.
func (r *Restorer) extract(ctx context.Context, archivePath, scratch string) (string, error) {
	reader, closer, err := openArchive(archivePath)
	if err != nil {
		return "", err
	}
	defer closer.Close() //nolint:errcheck // read-only handle

	payloadPath := ""
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		header, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrCorruptArchive, filepath.Base(archivePath), err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		base := filepath.Base(filepath.Clean(header.Name))
		if base == "." || base == ".." || base == MetadataName {
			continue
		}
		isWorld := strings.HasSuffix(base, world.Extension)
		isCompanion := strings.HasSuffix(base, world.Extension+world.CompanionSuffix)
		if !isWorld && !isCompanion {
			continue
		}

		dest := filepath.Join(scratch, base)
		if err := writeEntry(dest, reader); err != nil {
			return "", fmt.Errorf("extraction failed for %s: %w", base, err)
		}
		if isWorld {
			payloadPath = dest
		}
	}

	if payloadPath == "" {
		return "", fmt.Errorf("%w: %s", ErrNoWorldInArchive, filepath.Base(archivePath))
	}
	return payloadPath, nil
}

//nolint:gosec // G304: dest is confined to the scratch directory
func writeEntry(dest string, src io.Reader) error {
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close() //nolint:errcheck // Best effort cleanup on error
		return err
	}
	return out.Close()
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
