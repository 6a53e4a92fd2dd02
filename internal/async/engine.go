package async

import (
	"sync"

	"github.com/wlcore/wlcore/internal/loop"
	"github.com/wlcore/wlcore/internal/timer"
)

// Engine owns the phased dispatch queue and lazily-registered AsyncFd
// table. It installs itself into the event loop as a schedulable-only
// entry: pushing a runnable marks the queue dirty and schedules a
// dispatch on the next loop iteration.
type Engine struct {
	lp    *loop.Loop
	wheel *timer.Wheel
	id    loop.EntryId

	mu        sync.Mutex
	queues    [numPhases][]func()
	queued    int
	scheduled bool
	iteration uint64
	yields    []func()

	fds      map[int]*AsyncFd
	nextFdID uint64
}

// Install registers the engine's dispatch queue with lp. wheel is kept on
// the engine but not read by it (Timeout and NewTicker take their wheel
// as an argument); the engine does not own it and does not close it.
func Install(lp *loop.Loop, wheel *timer.Wheel) (*Engine, error) {
	e := &Engine{
		lp:    lp,
		wheel: wheel,
		fds:   make(map[int]*AsyncFd),
	}
	e.id = lp.ID()
	if err := lp.Insert(e.id, -1, 0, e); err != nil {
		return nil, err
	}
	return e, nil
}

// push enqueues fn to run during phase, scheduling a dispatch if the queue
// was idle.
func (e *Engine) push(phase Phase, fn func()) {
	e.mu.Lock()
	e.queues[phase] = append(e.queues[phase], fn)
	e.queued++
	needsSchedule := !e.scheduled
	if needsSchedule {
		e.scheduled = true
	}
	e.mu.Unlock()

	if needsSchedule {
		e.lp.Schedule(e.id)
	}
}

// pushYield registers fn to run once, after the current batch of phase
// queues has fully drained, implementing Yield's "run after everything
// queued so far" semantics.
func (e *Engine) pushYield(fn func()) {
	e.mu.Lock()
	e.yields = append(e.yields, fn)
	e.mu.Unlock()
}

// iterationCount returns the number of dispatch passes started so far.
func (e *Engine) iterationCount() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.iteration
}

// Dispatch implements loop.Dispatcher. It drains every phase queue in
// order, repeating until nothing new was queued by the work it ran, then
// wakes anything parked in Yield.
func (e *Engine) Dispatch(uint32) error {
	for {
		e.mu.Lock()
		if e.queued == 0 {
			e.scheduled = false
			e.mu.Unlock()
			return nil
		}
		e.iteration++
		e.mu.Unlock()

		for phase := Phase(0); phase < numPhases; phase++ {
			for {
				e.mu.Lock()
				batch := e.queues[phase]
				e.queues[phase] = nil
				e.mu.Unlock()

				if len(batch) == 0 {
					break
				}
				e.mu.Lock()
				e.queued -= len(batch)
				e.mu.Unlock()

				for _, fn := range batch {
					fn()
				}
			}
		}

		e.mu.Lock()
		yields := e.yields
		e.yields = nil
		e.mu.Unlock()
		for _, fn := range yields {
			fn()
		}
	}
}

// fd returns the AsyncFd for raw, creating and registering it with the
// event loop on first use.
func (e *Engine) fd(raw int) (*AsyncFd, error) {
	e.mu.Lock()
	if existing, ok := e.fds[raw]; ok {
		e.mu.Unlock()
		return existing, nil
	}
	e.mu.Unlock()

	id := e.lp.ID()
	a := &AsyncFd{
		engine: e,
		raw:    raw,
		id:     id,
	}
	if err := e.lp.Insert(id, raw, 0, a); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.fds[raw] = a
	e.mu.Unlock()
	return a, nil
}

// releaseFd drops raw from the fd table and removes its loop entry. Called
// by AsyncFd.Close; no per-caller count is kept, so this releases the
// entry shared by every caller that obtained raw through FD.
func (e *Engine) releaseFd(raw int, id loop.EntryId) {
	e.mu.Lock()
	delete(e.fds, raw)
	e.mu.Unlock()
	_ = e.lp.Remove(id)
}
