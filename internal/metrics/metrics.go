// Terrakeep - Terraria Server Keeper
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/terrakeep

// Package metrics exposes Prometheus instrumentation for the keeper.
//
// The core carries no HTTP exposition surface; the default registry is the
// integration point for whatever collector the surrounding deployment runs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Worker lifecycle metrics

	WorkerStarts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "terrakeep_worker_starts_total",
			Help: "Total number of worker process launches",
		},
	)

	WorkerExits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "terrakeep_worker_exits_total",
			Help: "Total number of worker exits by classification",
		},
		[]string{"classification"}, // "expected", "crashed", "failed_to_start"
	)

	RestartDelaySeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "terrakeep_restart_delay_seconds",
			Help: "Current restart backoff delay in seconds",
		},
	)

	WorkerUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "terrakeep_worker_up",
			Help: "Whether the worker process is currently running (1) or not (0)",
		},
	)

	// Backup metrics

	BackupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "terrakeep_backups_total",
			Help: "Total number of world snapshot attempts by outcome",
		},
		[]string{"outcome"}, // "success", "failure"
	)

	BackupBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "terrakeep_backup_bytes_total",
			Help: "Total bytes written to snapshot archives",
		},
	)

	LastBackupTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "terrakeep_last_backup_timestamp_seconds",
			Help: "Unix timestamp of the last successful backup",
		},
	)

	NextBackupTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "terrakeep_next_backup_timestamp_seconds",
			Help: "Unix timestamp of the next scheduled backup fire",
		},
	)

	RetentionDeletions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "terrakeep_retention_deletions_total",
			Help: "Total number of archives deleted by retention sweeps",
		},
	)

	// Restore metrics

	RestoresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "terrakeep_restores_total",
			Help: "Total number of restore attempts by outcome",
		},
		[]string{"outcome"}, // "success", "failure"
	)

	// Command channel metrics

	CommandsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "terrakeep_commands_sent_total",
			Help: "Total number of commands injected through the command channel by outcome",
		},
		[]string{"outcome"}, // "delivered", "unavailable"
	)
)
