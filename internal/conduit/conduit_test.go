// Terrakeep - Terraria Server Keeper
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/terrakeep

package conduit

import (
	"bufio"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestChannel(t *testing.T) *Channel {
	t.Helper()
	c := New(filepath.Join(t.TempDir(), "terraria.cmd"))
	if err := c.Recreate(); err != nil {
		t.Fatalf("Recreate failed: %v", err)
	}
	t.Cleanup(func() { c.Close() }) //nolint:errcheck // test cleanup
	return c
}

func TestSendWithoutReaderIsUnavailable(t *testing.T) {
	c := newTestChannel(t)

	if err := c.Send("save"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Send without reader = %v, want ErrUnavailable", err)
	}
}

func TestSendWithoutPipeIsUnavailable(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "missing.cmd"))

	if err := c.Send("save"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Send without pipe = %v, want ErrUnavailable", err)
	}
}

func TestSendDeliversInOrder(t *testing.T) {
	c := newTestChannel(t)

	reader, err := c.OpenReader()
	if err != nil {
		t.Fatalf("OpenReader failed: %v", err)
	}

	commands := []string{"say hello", "save", "exit"}
	for _, cmd := range commands {
		if err := c.Send(cmd); err != nil {
			t.Fatalf("Send(%q) failed: %v", cmd, err)
		}
	}

	lines := make(chan string, len(commands))
	go func() {
		scanner := bufio.NewScanner(reader)
		for range commands {
			if !scanner.Scan() {
				return
			}
			lines <- scanner.Text()
		}
	}()

	for _, want := range commands {
		select {
		case got := <-lines:
			if got != want {
				t.Errorf("read %q, want %q", got, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestRecreateDiscardsStaleEndpoint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "terraria.cmd")

	// A regular file left at the pipe path counts as a stale endpoint.
	if err := os.WriteFile(path, []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}

	c := New(path)
	if err := c.Recreate(); err != nil {
		t.Fatalf("Recreate over stale file failed: %v", err)
	}
	t.Cleanup(func() { c.Close() }) //nolint:errcheck // test cleanup

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode()&os.ModeNamedPipe == 0 {
		t.Errorf("path is not a named pipe after Recreate: mode %v", info.Mode())
	}
}

func TestCloseRemovesPipe(t *testing.T) {
	c := newTestChannel(t)
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := os.Stat(c.Path()); !os.IsNotExist(err) {
		t.Errorf("pipe should be removed after Close, stat err = %v", err)
	}
}
