package async

import (
	"sync"
	"sync/atomic"

	"github.com/wlcore/wlcore/internal/timer"
)

var nextTimerID atomic.Uint64

func allocTimerID() uint64 { return nextTimerID.Add(1) }

// oneShotWake adapts a single wake callback to timer.Dispatcher. The
// wheel fires a one-shot entry exactly once, so no re-entrancy guard is
// needed here.
type oneShotWake struct {
	engine *Engine
	phase  Phase
	wake   func()
}

func (w *oneShotWake) Fire() { w.engine.push(w.phase, w.wake) }

// Timeout suspends y's task for at least ms milliseconds, coalesced to
// the wheel's resolution. Returns early if Cancel is called on the
// task's future first, in which case the pending wheel entry is
// removed.
func (y *Yielder) Timeout(wheel *timer.Wheel, ms int64) {
	id := allocTimerID()
	y.suspend(func(wake func()) func() {
		wheel.Timeout(id, ms, &oneShotWake{engine: y.engine, phase: y.phase, wake: wake})
		return func() { wheel.Remove(id) }
	})
}

// Ticker fires repeatedly on the shared coalesced wheel, once per period,
// until Stop is called. It is itself the wheel's persistent dispatcher
// for the life of the ticker, so periods are armed without the wake
// target having to re-register every tick.
type Ticker struct {
	wheel *timer.Wheel
	id    uint64

	mu      sync.Mutex
	pending int
	waiter  func()
}

// NewTicker arms a periodic fire every periodMicros microseconds.
func NewTicker(wheel *timer.Wheel, periodMicros int64) *Ticker {
	t := &Ticker{wheel: wheel, id: allocTimerID()}
	wheel.Periodic(t.id, periodMicros, t)
	return t
}

// Fire implements timer.Dispatcher. Called by the wheel from the loop
// goroutine each time the period elapses.
func (t *Ticker) Fire() {
	t.mu.Lock()
	waiter := t.waiter
	t.waiter = nil
	if waiter == nil {
		t.pending++
	}
	t.mu.Unlock()
	if waiter != nil {
		waiter()
	}
}

// Stop cancels the ticker. Safe to call more than once.
func (t *Ticker) Stop() { t.wheel.Remove(t.id) }

// Wait suspends y's task until the next tick. If a tick already arrived
// since the last Wait, it returns immediately and consumes it.
func (y *Yielder) Wait(t *Ticker) {
	t.mu.Lock()
	if t.pending > 0 {
		t.pending--
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	y.suspend(func(wake func()) func() {
		t.mu.Lock()
		t.waiter = func() { y.engine.push(y.phase, wake) }
		t.mu.Unlock()
		return func() {
			t.mu.Lock()
			t.waiter = nil
			t.mu.Unlock()
		}
	})
}
