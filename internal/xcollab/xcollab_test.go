package xcollab

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/wlcore/wlcore/internal/async"
	"github.com/wlcore/wlcore/internal/loop"
)

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestCollaboratorReadWrite(t *testing.T) {
	a, b := socketPair(t)
	ca := FromFD(a)
	cb := FromFD(b)

	n, err := ca.Write([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)

	buf := make([]byte, 16)
	n, err = cb.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
}

func TestWatchDeliversDataAndReportsClose(t *testing.T) {
	l, err := loop.New()
	require.NoError(t, err)
	defer l.Close()
	e, err := async.Install(l, nil)
	require.NoError(t, err)

	a, b := socketPair(t)
	ca := FromFD(a)
	cb := FromFD(b)

	received := make(chan string, 1)
	closed := make(chan struct{})
	Watch(e, ca, func(data []byte) {
		received <- string(data)
	}, func(err error) {
		close(closed)
		l.Stop()
	})

	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = cb.Write([]byte("ping"))
		time.Sleep(10 * time.Millisecond)
		_ = cb.Close()
	}()

	require.NoError(t, l.Run())

	select {
	case msg := <-received:
		require.Equal(t, "ping", msg)
	default:
		t.Fatal("expected data to be delivered before close")
	}
	select {
	case <-closed:
	default:
		t.Fatal("expected onClose to run")
	}
}
