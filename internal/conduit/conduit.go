// Terrakeep - Terraria Server Keeper
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/terrakeep

// Package conduit implements the out-of-process command channel.
//
// The channel is a named pipe the worker wrapper wires to the server
// process's stdin. External callers (the ops endpoint, a sidecar, a shell
// one-liner) inject line-oriented commands by writing to the pipe:
//
//	echo "say Server restarting soon" > /terraria/terraria.cmd
//
// Delivery is at-most-once and fire-and-forget: a send either reaches the
// attached worker's input stream in order, or fails with ErrUnavailable when
// no worker is reading. Command execution is never acknowledged.
package conduit

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/tomtom215/terrakeep/internal/logging"
	"github.com/tomtom215/terrakeep/internal/metrics"
)

// ErrUnavailable is returned by Send when no worker is attached to the
// channel, either because the pipe is missing or nothing holds its read end.
var ErrUnavailable = errors.New("command channel unavailable: no worker attached")

// Channel is one named-pipe command conduit. A single worker instance holds
// the read end; any number of writers may send, each writer's commands
// arriving in order.
type Channel struct {
	path string

	mu     sync.Mutex
	reader *os.File
}

// New returns a Channel at path. The pipe itself is created by Recreate
// when a worker starts.
func New(path string) *Channel {
	return &Channel{path: path}
}

// Path returns the filesystem location of the pipe.
func (c *Channel) Path() string {
	return c.path
}

// Recreate discards any stale endpoint left behind by an earlier run and
// creates a fresh world-writable pipe. It must be called before every
// worker start; a leftover pipe may have buffered commands intended for a
// process that no longer exists.
func (c *Channel) Recreate() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.reader != nil {
		c.reader.Close() //nolint:errcheck // stale handle
		c.reader = nil
	}

	if err := os.Remove(c.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove stale command pipe %s: %w", c.path, err)
	}

	if err := unix.Mkfifo(c.path, 0o666); err != nil {
		return fmt.Errorf("failed to create command pipe %s: %w", c.path, err)
	}
	// Mkfifo is subject to the umask; the pipe must stay world-writable so
	// unprivileged operators can inject commands.
	if err := os.Chmod(c.path, 0o666); err != nil {
		return fmt.Errorf("failed to set command pipe permissions: %w", err)
	}

	log := logging.Component("conduit")
	log.Debug().Str("path", c.path).Msg("Command pipe recreated")
	return nil
}

// OpenReader opens and retains the read end of the pipe for wiring to the
// worker's stdin. The descriptor is opened read-write so the pipe never
// reports EOF between external writers; the wrapper side never writes.
func (c *Channel) OpenReader() (*os.File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.reader != nil {
		return c.reader, nil
	}

	f, err := os.OpenFile(c.path, os.O_RDWR, 0) //nolint:gosec // G304: pipe path from validated config
	if err != nil {
		return nil, fmt.Errorf("failed to open command pipe %s: %w", c.path, err)
	}
	c.reader = f
	return f, nil
}

// Send writes one command line to the channel. The trailing newline is
// added if missing. Returns ErrUnavailable when no worker is attached.
func (c *Channel) Send(command string) error {
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}

	// O_NONBLOCK makes open fail with ENXIO instead of blocking forever
	// when the read end is not held by anyone.
	fd, err := unix.Open(c.path, unix.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		metrics.CommandsSent.WithLabelValues("unavailable").Inc()
		if errors.Is(err, unix.ENXIO) || errors.Is(err, unix.ENOENT) {
			return ErrUnavailable
		}
		return fmt.Errorf("failed to open command pipe for writing: %w", err)
	}
	defer unix.Close(fd) //nolint:errcheck // nothing to do on close failure

	if _, err := unix.Write(fd, []byte(command)); err != nil {
		metrics.CommandsSent.WithLabelValues("unavailable").Inc()
		if errors.Is(err, unix.EPIPE) {
			return ErrUnavailable
		}
		return fmt.Errorf("failed to write command: %w", err)
	}

	metrics.CommandsSent.WithLabelValues("delivered").Inc()
	return nil
}

// ReleaseReader closes the retained read end without removing the pipe.
// Called when the worker process is reaped so that later sends report
// ErrUnavailable instead of buffering commands nobody will read.
func (c *Channel) ReleaseReader() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reader != nil {
		c.reader.Close() //nolint:errcheck // worker gone
		c.reader = nil
	}
}

// Close releases the retained read end and removes the pipe.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.reader != nil {
		c.reader.Close() //nolint:errcheck // shutting down
		c.reader = nil
	}
	if err := os.Remove(c.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove command pipe: %w", err)
	}
	return nil
}
