// Terrakeep - Terraria Server Keeper
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/terrakeep

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestWorkerExitClassifications(t *testing.T) {
	before := testutil.ToFloat64(WorkerExits.WithLabelValues("crashed"))

	WorkerExits.WithLabelValues("crashed").Inc()
	WorkerExits.WithLabelValues("expected").Inc()

	after := testutil.ToFloat64(WorkerExits.WithLabelValues("crashed"))
	if after != before+1 {
		t.Errorf("crashed counter = %v, want %v", after, before+1)
	}
}

func TestGaugesSettable(t *testing.T) {
	RestartDelaySeconds.Set(40)
	if got := testutil.ToFloat64(RestartDelaySeconds); got != 40 {
		t.Errorf("RestartDelaySeconds = %v, want 40", got)
	}

	WorkerUp.Set(1)
	if got := testutil.ToFloat64(WorkerUp); got != 1 {
		t.Errorf("WorkerUp = %v, want 1", got)
	}
}

func TestBackupCounters(t *testing.T) {
	before := testutil.ToFloat64(BackupsTotal.WithLabelValues("success"))
	BackupsTotal.WithLabelValues("success").Inc()
	if got := testutil.ToFloat64(BackupsTotal.WithLabelValues("success")); got != before+1 {
		t.Errorf("BackupsTotal(success) = %v, want %v", got, before+1)
	}
}
