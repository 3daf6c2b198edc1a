// Terrakeep - Terraria Server Keeper
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/terrakeep

// Package api serves the keeper's operations endpoint: health probes,
// Prometheus metrics, backup listing, creation and restore, command
// injection, and worker restart. It is a thin HTTP face over the same components the
// supervision tree runs; it holds no state of its own.
//
// The endpoint is unauthenticated and intended for the container's trusted
// network only.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tomtom215/terrakeep/internal/backup"
	"github.com/tomtom215/terrakeep/internal/conduit"
	"github.com/tomtom215/terrakeep/internal/config"
	"github.com/tomtom215/terrakeep/internal/logging"
	"github.com/tomtom215/terrakeep/internal/supervise"
	"github.com/tomtom215/terrakeep/internal/worker"
)

// Server is the ops HTTP endpoint, run as a maintenance-layer service.
type Server struct {
	cfg      *config.Config
	wrapper  *worker.Wrapper
	workers  *supervise.Supervisor
	engine   *backup.Engine
	restorer *backup.Restorer
	channel  *conduit.Channel
	log      zerolog.Logger
	version  string
}

// NewServer wires the endpoint to the keeper's components.
func NewServer(cfg *config.Config, wrapper *worker.Wrapper, workers *supervise.Supervisor, engine *backup.Engine, restorer *backup.Restorer, channel *conduit.Channel, version string) *Server {
	return &Server{
		cfg:      cfg,
		wrapper:  wrapper,
		workers:  workers,
		engine:   engine,
		restorer: restorer,
		channel:  channel,
		log:      logging.Component("api"),
		version:  version,
	}
}

// String identifies the service in supervision logs.
func (s *Server) String() string { return "ops-endpoint" }

// Routes builds the chi router. Split out from Serve so tests can exercise
// handlers without binding a socket.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/health", func(r chi.Router) {
			r.Get("/live", s.handleHealthLive)
			r.Get("/ready", s.handleHealthReady)
		})
		r.Get("/status", s.handleStatus)

		r.Route("/backups", func(r chi.Router) {
			r.Get("/", s.handleListBackups)
			r.Post("/", s.handleCreateBackup)
			r.Get("/{name}/verify", s.handleVerifyBackup)
			r.Post("/{name}/restore", s.handleRestoreBackup)
			r.Delete("/{name}", s.handleDeleteBackup)
		})
		r.Post("/worlds/{world}/restore", s.handleRestoreLatest)

		r.Post("/command", s.handleCommand)
		r.Post("/restart", s.handleRestart)
	})

	return r
}

// Serve implements suture.Service: it binds the listener and blocks until
// ctx is canceled, then drains with a bounded shutdown.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.HTTP.Addr(),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info().Str("addr", srv.Addr).Msg("Ops endpoint listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error().Err(err).Msg("Ops endpoint shutdown failed")
		}
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// requestLogger emits one zerolog line per request, matching the keeper's
// structured log format.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request")
	})
}
