package async

import (
	"errors"
	"sync"
)

// ErrCancelled is returned by Readable and Writable when the task's
// future had Cancel called on it while the task was parked there (or
// before it got there). Timeout, Wait, Yield and Suspend return no
// error; after them a cancelled task observes Cancelled().
var ErrCancelled = errors.New("async: task cancelled")

// SpawnedFuture is a handle to a task spawned with Spawn. At most one
// goroutine touches engine or task state at a time: the engine goroutine
// and a task's goroutine hand a baton back and forth over a pair of
// unbuffered channels, so the system behaves as a single cooperative
// scheduler even though each task runs on its own goroutine.
type SpawnedFuture[T any] struct {
	done chan struct{}

	mu       sync.Mutex
	result   T
	err      error
	cancelFn func()
}

// Spawn starts fn on phase. fn receives a Yielder it uses to suspend
// until an fd is ready, a timeout elapses, or the next dispatch
// iteration. The task begins running once phase is next drained, not
// synchronously within Spawn.
func Spawn[T any](e *Engine, phase Phase, fn func(y *Yielder) (T, error)) *SpawnedFuture[T] {
	f := &SpawnedFuture[T]{done: make(chan struct{})}
	y := &Yielder{
		engine: e,
		phase:  phase,
		toLoop: make(chan struct{}),
		resume: make(chan struct{}),
	}
	f.cancelFn = y.cancel

	e.push(phase, func() {
		go func() {
			result, err := fn(y)
			f.mu.Lock()
			f.result, f.err = result, err
			f.mu.Unlock()
			close(f.done)
			y.toLoop <- struct{}{}
		}()
		<-y.toLoop
	})

	return f
}

// Done reports whether the task has completed (successfully, with an
// error, or via cancellation that the task observed and returned from).
func (f *SpawnedFuture[T]) Done() <-chan struct{} { return f.done }

// Result returns the task's return value and error once Done is closed.
// Calling it earlier returns the zero value and a nil error.
func (f *SpawnedFuture[T]) Result() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result, f.err
}

// Cancel asks the task to stop at its next suspension point. It is the
// task's own responsibility to check Yielder.Cancelled and return; Cancel
// does not forcibly interrupt running code.
func (f *SpawnedFuture[T]) Cancel() {
	f.mu.Lock()
	cancel := f.cancelFn
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Yielder is passed to a spawned task's body and is its only way to
// suspend execution back to the engine. Not safe for use from any
// goroutine other than the task's own, except for cancel, which Cancel
// invokes from whatever goroutine calls it.
type Yielder struct {
	engine *Engine
	phase  Phase

	toLoop chan struct{} // task signals the engine it has suspended or finished
	resume chan struct{} // engine signals the task it may run again

	mu        sync.Mutex
	cancelled bool
	// onCancel is set for the duration of a suspend call; invoking it
	// deregisters the waiter the active suspension point installed (so
	// the fd/timer/flush-signal stops being watched) and wakes the task
	// so it observes Cancelled() and can return.
	onCancel func()
}

// Cancelled reports whether Cancel has been called on this task's future.
// Long-running tasks should check this at loop boundaries and return.
func (y *Yielder) Cancelled() bool {
	y.mu.Lock()
	defer y.mu.Unlock()
	return y.cancelled
}

// cancel marks the task cancelled and, if it is currently suspended,
// deregisters its waiter and wakes it immediately. Safe to call from any
// goroutine, any number of times.
func (y *Yielder) cancel() {
	y.mu.Lock()
	y.cancelled = true
	hook := y.onCancel
	y.onCancel = nil
	y.mu.Unlock()
	if hook != nil {
		hook()
	}
}

// Suspend exposes the suspend primitive to callers outside this package
// that need a custom wait condition (for example, a connection's flush
// signal). register is called with the baton still held; it must arrange
// for wake to be invoked exactly once, from any goroutine, and return an
// unregister func that undoes whatever waiter it installed (called if
// the task is cancelled before wake naturally fires). unregister may be
// nil if there is nothing to undo.
func (y *Yielder) Suspend(register func(wake func()) (unregister func())) {
	y.suspend(register)
}

// suspend hands control back to the engine, registering wake as the way
// to resume this task, then blocks until wake runs (either because the
// awaited condition became true, or because Cancel forced an early
// wake). wake is meant to be invoked from some other goroutine (the
// engine's dispatch loop, or whatever goroutine calls Cancel) — never
// synchronously from inside register on the task's own goroutine, which
// would deadlock waiting on itself — and runs at most once even if both
// the natural condition and a cancellation race.
//
// If the task is already cancelled when suspend is called, register is
// never invoked and suspend returns immediately without yielding the
// baton; the caller observes Cancelled() and returns.
func (y *Yielder) suspend(register func(wake func()) (unregister func())) {
	y.mu.Lock()
	if y.cancelled {
		y.mu.Unlock()
		return
	}
	y.mu.Unlock()

	var once sync.Once
	wake := func() {
		once.Do(func() {
			y.resume <- struct{}{}
			<-y.toLoop
		})
	}
	unregister := register(wake)

	y.mu.Lock()
	if y.cancelled {
		// cancel() ran concurrently with register() above and found no
		// onCancel hook to invoke yet (we hadn't installed it). Undo the
		// registration ourselves instead of ever yielding the baton.
		y.mu.Unlock()
		if unregister != nil {
			unregister()
		}
		return
	}
	y.onCancel = func() {
		if unregister != nil {
			unregister()
		}
		wake()
	}
	y.mu.Unlock()

	y.toLoop <- struct{}{}
	<-y.resume

	y.mu.Lock()
	y.onCancel = nil
	y.mu.Unlock()
}

// Yield suspends until the engine has fully drained every phase queued as
// of the current dispatch iteration, giving other ready work a chance to
// run first.
func (y *Yielder) Yield() {
	y.suspend(func(wake func()) func() {
		y.engine.pushYield(func() { y.engine.push(y.phase, wake) })
		return nil
	})
}
