package gpu

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/wlcore/wlcore/internal/async"
	"github.com/wlcore/wlcore/internal/loop"
)

func TestCopySubmitRejectsWhileBusy(t *testing.T) {
	l, err := loop.New()
	require.NoError(t, err)
	defer l.Close()
	e, err := async.Install(l, nil)
	require.NoError(t, err)

	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	r, w := fds[0], fds[1]
	defer unix.Close(r)

	semaphores := NewPool([]ResourceHandle{{Value: 1}})
	fences := NewPool([]ResourceHandle{{Value: 2}})
	c := NewCopy(TransferIntra, semaphores, fences)

	sem, err := semaphores.Borrow()
	require.NoError(t, err)
	fence, err := fences.Borrow()
	require.NoError(t, err)

	_, err = c.Submit(e, func() (*Pending, error) {
		return &Pending{SyncFile: SyncFile{FD: r}, Semaphore: sem, Fence: fence}, nil
	})
	require.NoError(t, err)
	require.True(t, c.IsBusy())

	_, err = c.Submit(e, func() (*Pending, error) {
		t.Fatal("fn should not run while busy")
		return nil, nil
	})
	require.ErrorIs(t, err, ErrBusy)

	retired := make(chan struct{})
	go func() {
		for c.IsBusy() {
			time.Sleep(time.Millisecond)
		}
		close(retired)
		l.Stop()
	}()

	go func() {
		time.Sleep(10 * time.Millisecond)
		unix.Write(w, []byte{1})
		unix.Close(w)
	}()

	require.NoError(t, l.Run())
	select {
	case <-retired:
	default:
		t.Fatal("copy was never retired")
	}

	_, err = semaphores.Borrow()
	require.NoError(t, err, "semaphore should have been returned to the pool on retire")
	_, err = fences.Borrow()
	require.NoError(t, err, "fence should have been returned to the pool on retire")
}

func TestCopyResetClearsBusy(t *testing.T) {
	semaphores := NewPool([]ResourceHandle{{Value: 1}})
	fences := NewPool([]ResourceHandle{{Value: 2}})
	sem, err := semaphores.Borrow()
	require.NoError(t, err)
	fence, err := fences.Borrow()
	require.NoError(t, err)

	c := NewCopy(TransferBlit, semaphores, fences)
	c.pending = &Pending{Semaphore: sem, Fence: fence}
	require.True(t, c.IsBusy())
	c.Reset()
	require.False(t, c.IsBusy())

	_, err = semaphores.Borrow()
	require.NoError(t, err, "semaphore should have been returned to the pool on reset")
	_, err = fences.Borrow()
	require.NoError(t, err, "fence should have been returned to the pool on reset")
}

func TestPoolBorrowReturn(t *testing.T) {
	p := NewPool([]ResourceHandle{{Value: 1}, {Value: 2}})
	h1, err := p.Borrow()
	require.NoError(t, err)
	h2, err := p.Borrow()
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)

	_, err = p.Borrow()
	require.ErrorIs(t, err, ErrPoolExhausted)

	p.Return(h1)
	h3, err := p.Borrow()
	require.NoError(t, err)
	require.Equal(t, h1, h3)
}
