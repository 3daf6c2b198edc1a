// Terrakeep - Terraria Server Keeper
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/terrakeep

// Package supervise contains the restart loop that keeps the worker alive:
// the exponential-backoff restart policy, the append-only crash journal,
// and the supervisor service that ties them to the worker wrapper.
package supervise

import (
	"time"

	"github.com/tomtom215/terrakeep/internal/config"
)

// Policy is the exponential-backoff restart state machine. It is consulted
// after every worker exit: crashes grow the delay geometrically up to the
// cap, a clean exit or sustained uptime resets it.
//
// With the defaults (5s initial, 60s cap, x2) consecutive crash delays run
// 5, 10, 20, 40, 60, 60, ...
//
// Not safe for concurrent use; the supervisor loop is its only caller.
type Policy struct {
	initial      time.Duration
	max          time.Duration
	multiplier   float64
	stableUptime time.Duration

	current time.Duration
	crashes int
}

// NewPolicy creates a Policy from the restart configuration.
func NewPolicy(cfg config.RestartConfig) *Policy {
	return &Policy{
		initial:      cfg.InitialDelay,
		max:          cfg.MaxDelay,
		multiplier:   cfg.Multiplier,
		stableUptime: cfg.StableUptime,
		current:      cfg.InitialDelay,
	}
}

// RecordCrash registers an unexpected exit after the given uptime and
// returns the delay to wait before the next start attempt. Sustained uptime
// counts as recovery: the sequence restarts from the initial delay.
func (p *Policy) RecordCrash(uptime time.Duration) time.Duration {
	if p.stableUptime > 0 && uptime >= p.stableUptime {
		p.Reset()
	}

	delay := p.current
	p.crashes++

	next := time.Duration(float64(p.current) * p.multiplier)
	if next > p.max {
		next = p.max
	}
	p.current = next

	return delay
}

// Reset returns the policy to its initial state. Called on expected exits
// and implicitly on sustained uptime.
func (p *Policy) Reset() {
	p.current = p.initial
	p.crashes = 0
}

// ConsecutiveCrashes returns the crash count since the last reset.
func (p *Policy) ConsecutiveCrashes() int {
	return p.crashes
}
