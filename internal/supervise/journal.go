// Terrakeep - Terraria Server Keeper
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/terrakeep

package supervise

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// Classification labels how a worker exit is interpreted.
type Classification string

const (
	ClassExpected      Classification = "expected"
	ClassCrashed       Classification = "crashed"
	ClassFailedToStart Classification = "failed-to-start"
)

// JournalEntry is one classified exit event. Entries are append-only; the
// journal never rewrites or truncates (log rotation belongs to the
// surrounding image, not this component).
type JournalEntry struct {
	Timestamp      time.Time      `json:"timestamp"`
	RunID          string         `json:"run_id,omitempty"`
	PID            int            `json:"pid,omitempty"`
	ExitCode       int            `json:"exit_code"`
	Classification Classification `json:"classification"`
	Detail         string         `json:"detail,omitempty"`
}

// Journal persists exit events as one JSON object per line.
type Journal struct {
	path string
	mu   sync.Mutex
}

// NewJournal creates a journal writing to path. The file is created on
// first record.
func NewJournal(path string) *Journal {
	return &Journal{path: path}
}

// Record appends one entry.
func (j *Journal) Record(entry JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode journal entry: %w", err)
	}

	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) //nolint:gosec // G302,G304: journal is operator-readable
	if err != nil {
		return fmt.Errorf("failed to open crash journal %s: %w", j.path, err)
	}
	defer f.Close() //nolint:errcheck // append already flushed below

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append to crash journal: %w", err)
	}
	return nil
}

// Entries reads the journal back, oldest first. A journal that does not
// exist yet yields an empty list. Unparseable lines are skipped rather than
// failing the read; a half-written trailing line after a hard crash must
// not make history unreadable.
func (j *Journal) Entries() ([]JournalEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path) //nolint:gosec // G304: path from validated config
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open crash journal: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only handle

	var entries []JournalEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry JournalEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read crash journal: %w", err)
	}
	return entries, nil
}
