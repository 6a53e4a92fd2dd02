// Package config loads and hot-reloads wlcored's TOML configuration
// file.
package config

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/wlcore/wlcore/internal/logging"
)

// Config is wlcored's on-disk configuration.
type Config struct {
	Log     LogConfig     `toml:"log"`
	Socket  SocketConfig  `toml:"socket"`
	GPU     GPUConfig     `toml:"gpu"`
	Metrics MetricsConfig `toml:"metrics"`
}

// LogConfig controls the default logger.
type LogConfig struct {
	Level string `toml:"level"`
}

// SocketConfig controls the wayland-N socket acceptor.
type SocketConfig struct {
	// Preferred is a fixed socket name, e.g. "wayland-1". It is decoded
	// but not consulted: the acceptor always runs the try-1..999 search.
	Preferred string `toml:"preferred"`
}

// GPUConfig selects which DRM device backs the presentation core.
type GPUConfig struct {
	// DRMDevice is a DRM render or primary node path, e.g.
	// "/dev/dri/renderD128". Empty leaves GPU-backed presentation
	// disabled; no device is auto-detected.
	DRMDevice string `toml:"drm_device"`
}

// MetricsConfig controls the prometheus exporter.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

// Default returns a Config populated with wlcored's built-in defaults.
func Default() *Config {
	return &Config{
		Log:     LogConfig{Level: "info"},
		Metrics: MetricsConfig{Enabled: true, Listen: "127.0.0.1:9090"},
	}
}

// Load reads and decodes the TOML file at path over a copy of Default.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, errors.Wrapf(err, "config: decode %s", path)
	}
	return cfg, nil
}

// LoadOptional behaves like Load, but returns Default (no error) when
// path does not exist.
func LoadOptional(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

func applyLogLevel(log *logging.Logger, level string) {
	var lvl logging.LogLevel
	switch level {
	case "debug":
		lvl = logging.LevelDebug
	case "warn":
		lvl = logging.LevelWarn
	case "error":
		lvl = logging.LevelError
	default:
		lvl = logging.LevelInfo
	}
	_ = log
	logging.SetLevel(lvl)
}

// Apply pushes cfg's values that are read once at startup (currently just
// the log level) into the running process.
func (c *Config) Apply() {
	applyLogLevel(logging.Default(), c.Log.Level)
}
