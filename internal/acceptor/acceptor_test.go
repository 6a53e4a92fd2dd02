package acceptor

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/wlcore/wlcore/internal/logging"
)

func newSockFD(t *testing.T) int {
	t.Helper()
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fd) })
	return fd
}

func TestBindSocketCreatesLockAndSocketFiles(t *testing.T) {
	xrd := t.TempDir()
	plain := newSockFD(t)
	priv := newSockFD(t)

	s, err := bindSocket(plain, priv, xrd, 1)
	require.NoError(t, err)
	defer s.unlink()
	defer unix.Close(s.lockFD)

	require.Equal(t, "wayland-1", s.name)
	require.FileExists(t, s.path)
	require.FileExists(t, s.privPath)
	require.FileExists(t, s.lockPath)
}

func TestBindSocketFailsWhenLockHeld(t *testing.T) {
	xrd := t.TempDir()
	plain1 := newSockFD(t)
	priv1 := newSockFD(t)
	s1, err := bindSocket(plain1, priv1, xrd, 1)
	require.NoError(t, err)
	defer s1.unlink()
	defer unix.Close(s1.lockFD)

	plain2 := newSockFD(t)
	priv2 := newSockFD(t)
	_, err = bindSocket(plain2, priv2, xrd, 1)
	require.Error(t, err)
}

func TestAllocateSocketSkipsHeldID(t *testing.T) {
	xrd := t.TempDir()
	t.Setenv("XDG_RUNTIME_DIR", xrd)

	plain1 := newSockFD(t)
	priv1 := newSockFD(t)
	s1, err := bindSocket(plain1, priv1, xrd, 1)
	require.NoError(t, err)
	defer s1.unlink()
	defer unix.Close(s1.lockFD)

	s2, err := allocateSocket(logging.Default())
	require.NoError(t, err)
	defer s2.unlink()
	defer unix.Close(s2.lockFD)
	defer unix.Close(s2.plain)
	defer unix.Close(s2.priv)

	require.Equal(t, "wayland-2", s2.name)
}

func TestXdgRuntimeDirRequiresEnv(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "")
	require.NoError(t, os.Unsetenv("XDG_RUNTIME_DIR"))
	_, err := xdgRuntimeDir()
	require.ErrorIs(t, err, ErrRuntimeDirNotSet)
}

func TestSocketUnlinkRemovesFiles(t *testing.T) {
	xrd := t.TempDir()
	plain := newSockFD(t)
	priv := newSockFD(t)
	s, err := bindSocket(plain, priv, xrd, 3)
	require.NoError(t, err)
	defer unix.Close(s.lockFD)

	s.unlink()
	require.NoFileExists(t, s.path)
	require.NoFileExists(t, s.privPath)
	require.NoFileExists(t, s.lockPath)
}
