package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDecodesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wlcored.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[log]
level = "debug"

[gpu]
drm_device = "/dev/dri/renderD128"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "/dev/dri/renderD128", cfg.GPU.DRMDevice)
	require.True(t, cfg.Metrics.Enabled) // untouched default survives partial decode
}

func TestLoadOptionalReturnsDefaultWhenMissing(t *testing.T) {
	cfg, err := LoadOptional(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadRejectsMalformedTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("this is not [ toml"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestWatcherDebouncesAndReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wlcored.toml")
	require.NoError(t, os.WriteFile(path, []byte(`[log]
level = "info"
`), 0o644))

	w, err := NewWatcher(path)
	require.NoError(t, err)
	defer w.Stop()
	w.debounce = 20 * time.Millisecond

	reloaded := make(chan *Config, 4)
	w.OnReload(func(c *Config) error {
		reloaded <- c
		return nil
	})
	w.Start()

	require.NoError(t, os.WriteFile(path, []byte(`[log]
level = "debug"
`), 0o644))

	select {
	case c := <-reloaded:
		require.Equal(t, "debug", c.Log.Level)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a reload callback after writing the watched file")
	}
}
