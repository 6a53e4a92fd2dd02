package wlcore

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wlcore/wlcore/internal/config"
)

// NewTestServer builds a Server against a scratch XDG_RUNTIME_DIR under
// t.TempDir(), with metrics disabled and no GPU device configured, and
// registers t.Cleanup to Shutdown it. Intended for package-level tests
// that need a running compositor without touching the real runtime
// directory or a GPU.
func NewTestServer(t *testing.T) *Server {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.Setenv("XDG_RUNTIME_DIR", dir))

	cfg := config.Default()
	cfg.Metrics.Enabled = false

	srv, err := New(cfg, "")
	require.NoError(t, err)
	require.NoError(t, srv.Start())

	t.Cleanup(func() {
		_ = srv.Shutdown(nil)
	})

	return srv
}
