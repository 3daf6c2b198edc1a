// Terrakeep - Terraria Server Keeper
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/terrakeep

package worker

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/tomtom215/terrakeep/internal/config"
	"github.com/tomtom215/terrakeep/internal/logging"
)

// ErrPreflight marks a start attempt that failed before the process was
// launched. It is fatal to that attempt only; the supervisor keeps retrying
// per the restart policy.
var ErrPreflight = errors.New("preflight check failed")

// lowDiskThreshold is the free-space floor below which a warning is logged.
// A world autosave plus a backup archive comfortably fit in this budget.
const lowDiskThreshold = 256 << 20 // 256 MiB

// preflight verifies the start preconditions: the server binary exists and
// is executable, and the working directories can be created. Low disk space
// on the world volume is a warning, not a failure.
func preflight(cfg *config.Config) error {
	info, err := os.Stat(cfg.Server.Binary)
	if err != nil {
		return fmt.Errorf("%w: server binary %s: %v", ErrPreflight, cfg.Server.Binary, err)
	}
	if info.IsDir() || info.Mode()&0o111 == 0 {
		return fmt.Errorf("%w: server binary %s is not executable", ErrPreflight, cfg.Server.Binary)
	}

	for _, dir := range []string{cfg.Dirs.World, cfg.Dirs.Log, cfg.Dirs.Config} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: directory %s: %v", ErrPreflight, dir, err)
		}
	}

	warnIfDiskLow(cfg.Dirs.World)
	return nil
}

// warnIfDiskLow emits a warning when free space on the world volume is
// implausibly low. Never fatal: the server may still run fine, and the
// operator gets a clear signal before autosaves start failing.
func warnIfDiskLow(dir string) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return
	}

	free := st.Bavail * uint64(st.Bsize) //nolint:gosec // G115: block size is never negative
	if free < lowDiskThreshold {
		log := logging.Component("worker")
		log.Warn().
			Str("dir", dir).
			Uint64("free_bytes", free).
			Msg("Free disk space on world volume is low")
	}
}
