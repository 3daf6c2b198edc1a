// Terrakeep - Terraria Server Keeper
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/terrakeep

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/terraria/config/config.yaml",
	"/terraria/config/config.yml",
}

// ConfigPathEnvVar overrides the config file search entirely.
const ConfigPathEnvVar = "CONFIG_PATH"

// Load resolves the keeper configuration: defaults, then an optional YAML
// file, then environment variables.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// findConfigFile returns the config file to use, or "" for none.
func findConfigFile() string {
	if path := os.Getenv(ConfigPathEnvVar); path != "" {
		return path
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransformFunc maps the flat environment variables documented by the
// container image onto koanf config paths. Unmapped variables are dropped
// so random environment noise never pollutes the config.
func envTransformFunc(key string) string {
	envMappings := map[string]string{
		// Server options (rendered into serverconfig.txt)
		"world_name":  "server.world",
		"autocreate":  "server.autocreate",
		"max_players": "server.max_players",
		"server_port": "server.port",
		"server_password": "server.password",
		"motd":       "server.motd",
		"difficulty": "server.difficulty",
		"secure":     "server.secure",
		"language":   "server.language",

		// Wrapper process control
		"server_binary":  "server.binary",
		"command_pipe":   "server.command_pipe",
		"shutdown_grace": "server.shutdown_grace",

		// Directory layout
		"world_dir":  "dirs.world",
		"backup_dir": "dirs.backup",
		"log_dir":    "dirs.log",
		"config_dir": "dirs.config",

		// Restart policy
		"restart_delay_initial":    "restart.initial_delay",
		"restart_delay_max":        "restart.max_delay",
		"restart_delay_multiplier": "restart.multiplier",
		"restart_max_crashes":      "restart.max_crashes",
		"restart_stable_uptime":    "restart.stable_uptime",

		// Backup scheduler
		"backup_enabled":        "backup.enabled",
		"backup_interval":       "backup.interval_minutes",
		"backup_retention":      "backup.retention",
		"backup_on_startup":     "backup.on_startup",
		"backup_startup_settle": "backup.startup_settle",
		"backup_compression":    "backup.compression",

		// Ops HTTP endpoint
		"http_enabled": "http.enabled",
		"http_host":    "http.host",
		"http_port":    "http.port",

		// Logging
		"log_level":  "logging.level",
		"log_format": "logging.format",
	}

	if mapped, ok := envMappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}
