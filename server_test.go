package wlcore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func dialUnix(path string) (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func TestServerAcceptsAndClosesConnection(t *testing.T) {
	srv := NewTestServer(t)

	go func() { _ = srv.Run() }()
	defer srv.Stop()

	sockPath := filepath.Join(os.Getenv("XDG_RUNTIME_DIR"), srv.acc.SocketName())

	var fd int
	require.Eventually(t, func() bool {
		c, err := dialUnix(sockPath)
		if err != nil {
			return false
		}
		fd = c
		return true
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return len(srv.conns) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, unix.Close(fd))

	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return len(srv.conns) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServerPrivSocketIsSeparateFromPlain(t *testing.T) {
	srv := NewTestServer(t)
	require.NotEqual(t, srv.acc.SocketName(), filepath.Base(srv.acc.PrivPath()))
}
