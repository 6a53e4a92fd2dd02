package async

import (
	"sync"

	"github.com/wlcore/wlcore/internal/loop"
)

// fdWaiter is always referenced through a pointer so a cancelled wait
// can be located and spliced out of AsyncFd's waiter slices by identity.
type fdWaiter struct {
	phase Phase
	wake  func()
}

// AsyncFd adapts a raw file descriptor into something tasks can suspend
// on. Obtained from Engine.FD; shared across callers that ask for the
// same fd, so registering interest is additive, never exclusive.
type AsyncFd struct {
	engine *Engine
	raw    int
	id     loop.EntryId

	mu           sync.Mutex
	mask         uint32
	readWaiters  []*fdWaiter
	writeWaiters []*fdWaiter
}

// FD returns the AsyncFd wrapping raw, creating and registering it with
// the event loop the first time it is requested.
func (e *Engine) FD(raw int) (*AsyncFd, error) {
	return e.fd(raw)
}

// Raw returns the underlying file descriptor.
func (a *AsyncFd) Raw() int { return a.raw }

// Close removes raw from the event loop. Any task still suspended on it
// is never woken; callers must have drained or cancelled them first.
func (a *AsyncFd) Close() {
	a.engine.releaseFd(a.raw, a.id)
}

// Dispatch implements loop.Dispatcher. Called by the event loop on the
// loop goroutine whenever raw's readiness changes.
func (a *AsyncFd) Dispatch(mask uint32) error {
	a.mu.Lock()
	var readers, writers []*fdWaiter
	if mask&(loop.Readable|loop.HangUp|loop.Err) != 0 {
		readers = a.readWaiters
		a.readWaiters = nil
	}
	if mask&(loop.Writable|loop.HangUp|loop.Err) != 0 {
		writers = a.writeWaiters
		a.writeWaiters = nil
	}
	a.mu.Unlock()

	for _, w := range readers {
		a.engine.push(w.phase, w.wake)
	}
	for _, w := range writers {
		a.engine.push(w.phase, w.wake)
	}
	return nil
}

func (a *AsyncFd) updateInterest() error {
	want := uint32(0)
	a.mu.Lock()
	if len(a.readWaiters) > 0 {
		want |= loop.Readable
	}
	if len(a.writeWaiters) > 0 {
		want |= loop.Writable
	}
	changed := want != a.mask
	a.mask = want
	a.mu.Unlock()
	if !changed {
		return nil
	}
	return a.engine.lp.Modify(a.id, want)
}

func removeFdWaiter(waiters []*fdWaiter, w *fdWaiter) []*fdWaiter {
	for i, existing := range waiters {
		if existing == w {
			return append(waiters[:i], waiters[i+1:]...)
		}
	}
	return waiters
}

// Readable suspends y's task until raw is readable (or hung up / errored).
// Returns ErrCancelled if Cancel is called on the task's future first.
func (y *Yielder) Readable(a *AsyncFd) error {
	y.suspend(func(wake func()) func() {
		w := &fdWaiter{phase: y.phase, wake: wake}
		a.mu.Lock()
		a.readWaiters = append(a.readWaiters, w)
		a.mu.Unlock()
		_ = a.updateInterest()
		return func() {
			a.mu.Lock()
			a.readWaiters = removeFdWaiter(a.readWaiters, w)
			a.mu.Unlock()
			_ = a.updateInterest()
		}
	})
	if y.Cancelled() {
		return ErrCancelled
	}
	return nil
}

// Writable suspends y's task until raw is writable (or hung up / errored).
// Returns ErrCancelled if Cancel is called on the task's future first.
func (y *Yielder) Writable(a *AsyncFd) error {
	y.suspend(func(wake func()) func() {
		w := &fdWaiter{phase: y.phase, wake: wake}
		a.mu.Lock()
		a.writeWaiters = append(a.writeWaiters, w)
		a.mu.Unlock()
		_ = a.updateInterest()
		return func() {
			a.mu.Lock()
			a.writeWaiters = removeFdWaiter(a.writeWaiters, w)
			a.mu.Unlock()
			_ = a.updateInterest()
		}
	})
	if y.Cancelled() {
		return ErrCancelled
	}
	return nil
}
