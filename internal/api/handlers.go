// Terrakeep - Terraria Server Keeper
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/terrakeep

package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/tomtom215/terrakeep/internal/backup"
	"github.com/tomtom215/terrakeep/internal/conduit"
	"github.com/tomtom215/terrakeep/internal/world"
)

// statusResponse is the body of GET /api/v1/status.
type statusResponse struct {
	Version       string    `json:"version"`
	World         string    `json:"world"`
	WorkerRunning bool      `json:"worker_running"`
	WorkerPID     int       `json:"worker_pid,omitempty"`
	WorkerStarted time.Time `json:"worker_started,omitempty"`
	BackupEnabled bool      `json:"backup_enabled"`
}

// backupResponse is one archive in GET /api/v1/backups.
type backupResponse struct {
	Name      string    `json:"name"`
	World     string    `json:"world"`
	CreatedAt time.Time `json:"created_at"`
	Size      int64     `json:"size"`
	Legacy    bool      `json:"legacy,omitempty"`
	Trigger   string    `json:"trigger,omitempty"`
}

type commandRequest struct {
	Command string `json:"command"`
}

// restoreResponse is the body of a successful restore.
type restoreResponse struct {
	Archive            string `json:"archive"`
	World              string `json:"world"`
	PreRestoreSnapshot string `json:"pre_restore_snapshot,omitempty"`
	CompanionRestored  bool   `json:"companion_restored"`
	DurationMS         int64  `json:"duration_ms"`
}

func (s *Server) handleHealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealthReady(w http.ResponseWriter, _ *http.Request) {
	if !s.wrapper.Running() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "worker not running"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Version:       s.version,
		World:         s.cfg.Server.WorldName,
		WorkerRunning: s.wrapper.Running(),
		BackupEnabled: s.cfg.Backup.Enabled,
	}
	if h := s.wrapper.Current(); h != nil && h.Alive() {
		resp.WorkerPID = h.PID
		resp.WorkerStarted = h.StartedAt
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	archives, err := s.engine.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if worldName := r.URL.Query().Get("world"); worldName != "" {
		filtered := archives[:0]
		for _, a := range archives {
			if a.World == worldName {
				filtered = append(filtered, a)
			}
		}
		archives = filtered
	}

	resp := make([]backupResponse, 0, len(archives))
	for _, a := range archives {
		b := backupResponse{
			Name:      a.Name,
			World:     a.World,
			CreatedAt: a.CreatedAt,
			Size:      a.Size,
			Legacy:    a.Legacy,
		}
		if a.Meta != nil {
			b.Trigger = a.Meta.Trigger
		}
		resp = append(resp, b)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	if worldName := r.URL.Query().Get("world"); worldName != "" {
		archive, err := s.engine.Create(r.Context(), worldName)
		if err != nil {
			if errors.Is(err, world.ErrNotFound) {
				writeError(w, http.StatusNotFound, err)
				return
			}
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusCreated, backupResponse{
			Name: archive.Name, World: archive.World, CreatedAt: archive.CreatedAt, Size: archive.Size,
		})
		return
	}

	result, err := s.engine.CreateAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	status := http.StatusCreated
	if !result.Succeeded() {
		status = http.StatusMultiStatus
	}
	failures := make([]string, 0, len(result.Failures))
	for _, f := range result.Failures {
		failures = append(failures, f.World+": "+f.Err.Error())
	}
	writeJSON(w, status, map[string]any{
		"succeeded": len(result.Archives),
		"failed":    len(result.Failures),
		"failures":  failures,
	})
}

func (s *Server) handleVerifyBackup(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.engine.Verify(name); err != nil {
		switch {
		case errors.Is(err, backup.ErrArchiveNotFound):
			writeError(w, http.StatusNotFound, err)
		case errors.Is(err, backup.ErrCorruptArchive), errors.Is(err, backup.ErrNoWorldInArchive):
			writeJSON(w, http.StatusOK, map[string]any{"name": name, "valid": false, "error": err.Error()})
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "valid": true})
}

func (s *Server) handleDeleteBackup(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.engine.Delete(name); err != nil {
		if errors.Is(err, backup.ErrArchiveNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRestoreBackup(w http.ResponseWriter, r *http.Request) {
	opts := backup.RestoreOptions{
		SkipPreRestoreSnapshot: r.URL.Query().Get("skip_snapshot") == "true",
	}
	res, err := s.restorer.Restore(r.Context(), chi.URLParam(r, "name"), opts)
	if err != nil {
		writeRestoreError(w, err)
		return
	}
	writeRestoreResult(w, res)
}

func (s *Server) handleRestoreLatest(w http.ResponseWriter, r *http.Request) {
	opts := backup.RestoreOptions{
		SkipPreRestoreSnapshot: r.URL.Query().Get("skip_snapshot") == "true",
	}
	res, err := s.restorer.RestoreLatest(r.Context(), chi.URLParam(r, "world"), opts)
	if err != nil {
		writeRestoreError(w, err)
		return
	}
	writeRestoreResult(w, res)
}

func writeRestoreResult(w http.ResponseWriter, res *backup.RestoreResult) {
	writeJSON(w, http.StatusOK, restoreResponse{
		Archive:            res.Archive,
		World:              res.World,
		PreRestoreSnapshot: res.PreRestoreSnapshot,
		CompanionRestored:  res.CompanionRestored,
		DurationMS:         res.Duration.Milliseconds(),
	})
}

func writeRestoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, backup.ErrWorkerRunning):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, backup.ErrArchiveNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, backup.ErrCorruptArchive), errors.Is(err, backup.ErrNoWorldInArchive):
		writeError(w, http.StatusUnprocessableEntity, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.Command = strings.TrimSpace(req.Command)
	if req.Command == "" || strings.ContainsAny(req.Command, "\r\n") {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "command must be a single non-empty line"})
		return
	}

	if err := s.channel.Send(req.Command); err != nil {
		if errors.Is(err, conduit.ErrUnavailable) {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "delivered"})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if err := s.workers.RequestRestart(r.Context()); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "restarting"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body) //nolint:errcheck // Client disconnects are not actionable
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
