// Terrakeep - Terraria Server Keeper
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/terrakeep

// Package config loads and validates the keeper configuration.
//
// Configuration is resolved once at process start from three layers, highest
// priority last:
//
//  1. Built-in defaults
//  2. Optional config.yaml (path override via CONFIG_PATH)
//  3. Flat environment variables (the surface the container image documents:
//     WORLD_NAME, MAX_PLAYERS, BACKUP_INTERVAL, ...)
//
// Components receive an immutable *Config; nothing re-reads the environment
// after startup. Operators who change settings restart the container.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the complete keeper configuration.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Dirs    DirsConfig    `koanf:"dirs"`
	Restart RestartConfig `koanf:"restart"`
	Backup  BackupConfig  `koanf:"backup"`
	HTTP    HTTPConfig    `koanf:"http"`
	Logging LoggingConfig `koanf:"logging"`
}

// ServerConfig holds the options rendered into the Terraria server's
// serverconfig.txt plus the wrapper's own process-control knobs.
type ServerConfig struct {
	// WorldName is the world file base name (WorldName.wld).
	WorldName string `koanf:"world" validate:"required"`

	// Autocreate selects the size of a world generated on first boot:
	// 1 small, 2 medium, 3 large.
	Autocreate int `koanf:"autocreate" validate:"gte=1,lte=3"`

	MaxPlayers int    `koanf:"max_players" validate:"gte=1,lte=255"`
	Port       int    `koanf:"port" validate:"gte=1,lte=65535"`
	Password   string `koanf:"password"`
	MOTD       string `koanf:"motd"`

	// Difficulty: 0 classic, 1 expert, 2 master, 3 journey.
	Difficulty int `koanf:"difficulty" validate:"gte=0,lte=3"`

	// Secure enables the server's anti-cheat protection.
	Secure bool `koanf:"secure"`

	Language string `koanf:"language"`

	// Binary is the absolute path to the server executable.
	Binary string `koanf:"binary" validate:"required"`

	// CommandPipe is the named pipe operators write commands to.
	CommandPipe string `koanf:"command_pipe" validate:"required"`

	// ShutdownGrace bounds how long a graceful stop may take before the
	// process is force-killed.
	ShutdownGrace time.Duration `koanf:"shutdown_grace" validate:"gt=0"`
}

// DirsConfig is the filesystem layout shared with the container image.
type DirsConfig struct {
	World  string `koanf:"world" validate:"required"`
	Backup string `koanf:"backup" validate:"required"`
	Log    string `koanf:"log" validate:"required"`
	Config string `koanf:"config" validate:"required"`
}

// RestartConfig tunes the crash-restart backoff policy.
type RestartConfig struct {
	InitialDelay time.Duration `koanf:"initial_delay" validate:"gt=0"`
	MaxDelay     time.Duration `koanf:"max_delay" validate:"gt=0"`
	Multiplier   float64       `koanf:"multiplier" validate:"gt=1"`

	// MaxCrashes is the give-up threshold: after this many consecutive
	// crashes the supervisor stops retrying. 0 retries forever, which is
	// the historical behavior of the image.
	MaxCrashes int `koanf:"max_crashes" validate:"gte=0"`

	// StableUptime is how long the worker must stay up for the backoff
	// delay to reset to InitialDelay.
	StableUptime time.Duration `koanf:"stable_uptime" validate:"gt=0"`
}

// BackupConfig tunes the backup scheduler and retention sweep.
type BackupConfig struct {
	Enabled bool `koanf:"enabled"`

	// IntervalMinutes is the time between scheduled backups.
	IntervalMinutes int `koanf:"interval_minutes" validate:"gte=1"`

	// Retention is the per-world count of archives kept by the sweep.
	Retention int `koanf:"retention" validate:"gte=1"`

	// OnStartup fires one backup shortly after the keeper starts, once a
	// world file exists.
	OnStartup bool `koanf:"on_startup"`

	// StartupSettle is how long the on-startup backup waits for the worker
	// to finish loading or generating its world.
	StartupSettle time.Duration `koanf:"startup_settle" validate:"gte=0"`

	// Compression selects the archive codec: gzip or none.
	Compression string `koanf:"compression" validate:"oneof=gzip none"`
}

// HTTPConfig tunes the operations endpoint: health, Prometheus metrics,
// backup listing, and command injection over plain HTTP. The endpoint
// carries no authentication and must stay on a trusted network.
type HTTPConfig struct {
	Enabled bool   `koanf:"enabled"`
	Host    string `koanf:"host"`
	Port    int    `koanf:"port" validate:"gte=1,lte=65535"`
}

// Addr returns the host:port the ops endpoint listens on.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// LoggingConfig mirrors logging.Config for the koanf layer.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// defaultConfig returns a Config with the image's documented defaults.
// These match the historical shell-script wrapper so existing deployments
// keep working unchanged.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			WorldName:     "world",
			Autocreate:    2,
			MaxPlayers:    8,
			Port:          7777,
			Password:      "",
			MOTD:          "Welcome to the Terraria Server!",
			Difficulty:    0,
			Secure:        true,
			Language:      "en-US",
			Binary:        "/terraria/server/TerrariaServer.bin.x86_64",
			CommandPipe:   "/terraria/terraria.cmd",
			ShutdownGrace: 25 * time.Second,
		},
		Dirs: DirsConfig{
			World:  "/terraria/worlds",
			Backup: "/terraria/backups",
			Log:    "/terraria/logs",
			Config: "/terraria/config",
		},
		Restart: RestartConfig{
			InitialDelay: 5 * time.Second,
			MaxDelay:     60 * time.Second,
			Multiplier:   2.0,
			MaxCrashes:   0,
			StableUptime: 10 * time.Minute,
		},
		Backup: BackupConfig{
			Enabled:         true,
			IntervalMinutes: 30,
			Retention:       48,
			OnStartup:       false,
			StartupSettle:   30 * time.Second,
			Compression:     "gzip",
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    7878,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Interval returns the backup interval as a duration.
func (b BackupConfig) Interval() time.Duration {
	return time.Duration(b.IntervalMinutes) * time.Minute
}

// WorldPath returns the absolute path of the named world file.
func (c *Config) WorldPath(world string) string {
	return filepath.Join(c.Dirs.World, world+".wld")
}

// ServerConfigPath returns where the rendered serverconfig.txt lives.
func (c *Config) ServerConfigPath() string {
	return filepath.Join(c.Dirs.Config, "serverconfig.txt")
}

// Validate checks the configuration for internal consistency beyond what
// the struct tags express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	for name, dir := range map[string]string{
		"WORLD_DIR":  c.Dirs.World,
		"BACKUP_DIR": c.Dirs.Backup,
		"LOG_DIR":    c.Dirs.Log,
		"CONFIG_DIR": c.Dirs.Config,
	} {
		if !filepath.IsAbs(dir) {
			return fmt.Errorf("%s must be an absolute path, got %q", name, dir)
		}
	}

	if !filepath.IsAbs(c.Server.Binary) {
		return fmt.Errorf("SERVER_BINARY must be an absolute path, got %q", c.Server.Binary)
	}
	if !filepath.IsAbs(c.Server.CommandPipe) {
		return fmt.Errorf("COMMAND_PIPE must be an absolute path, got %q", c.Server.CommandPipe)
	}

	if c.Restart.MaxDelay < c.Restart.InitialDelay {
		return fmt.Errorf("RESTART_DELAY_MAX (%s) must be >= RESTART_DELAY_INITIAL (%s)",
			c.Restart.MaxDelay, c.Restart.InitialDelay)
	}

	return nil
}
