// Terrakeep - Terraria Server Keeper
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/terrakeep

package worker

import (
	"fmt"
	"os"
	"strings"

	"github.com/tomtom215/terrakeep/internal/config"
)

// RenderConfig produces the serverconfig.txt contents for the external
// server process. It is a pure function of the keeper configuration: the
// file is regenerated from scratch on every start, never merged with
// whatever a previous run left behind.
func RenderConfig(cfg *config.Config) string {
	secure := 0
	if cfg.Server.Secure {
		secure = 1
	}

	var b strings.Builder
	fmt.Fprintf(&b, "world=%s\n", cfg.WorldPath(cfg.Server.WorldName))
	fmt.Fprintf(&b, "worldname=%s\n", cfg.Server.WorldName)
	fmt.Fprintf(&b, "worldpath=%s\n", cfg.Dirs.World)
	fmt.Fprintf(&b, "autocreate=%d\n", cfg.Server.Autocreate)
	fmt.Fprintf(&b, "difficulty=%d\n", cfg.Server.Difficulty)
	fmt.Fprintf(&b, "maxplayers=%d\n", cfg.Server.MaxPlayers)
	fmt.Fprintf(&b, "port=%d\n", cfg.Server.Port)
	fmt.Fprintf(&b, "password=%s\n", cfg.Server.Password)
	fmt.Fprintf(&b, "motd=%s\n", cfg.Server.MOTD)
	fmt.Fprintf(&b, "secure=%d\n", secure)
	fmt.Fprintf(&b, "language=%s\n", cfg.Server.Language)
	return b.String()
}

// WriteConfig renders and writes serverconfig.txt, replacing any existing
// file unconditionally.
func WriteConfig(cfg *config.Config) error {
	if err := os.MkdirAll(cfg.Dirs.Config, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	path := cfg.ServerConfigPath()
	if err := os.WriteFile(path, []byte(RenderConfig(cfg)), 0o644); err != nil { //nolint:gosec // config file is world-readable on purpose
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
