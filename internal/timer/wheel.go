// Package timer implements the L2 timer wheel: absolute-deadline timers
// driven by a single OS timer, firing expirations in non-decreasing
// deadline order.
package timer

import (
	"container/heap"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Dispatcher is invoked once each time its deadline elapses. The wheel
// itself re-inserts periodic entries at now+interval.
type Dispatcher interface {
	// Fire is called on expiration. If the timer is periodic, the caller
	// re-inserts it; Fire itself does not need to know.
	Fire()
}

type timerEntry struct {
	id       uint64
	deadline time.Time
	period   time.Duration // 0 for one-shot
	d        Dispatcher
	index    int // heap index, maintained by container/heap
}

type entryHeap []*timerEntry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	return h[i].deadline.Before(h[j].deadline)
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *entryHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// coalesceResolution is the rounding granularity deadlines are rounded up
// to, so bursts of nearby timeouts coalesce into a single OS timer fire.
const coalesceResolution = time.Millisecond

// Wheel is a min-heap of pending timers backed by a single timerfd armed
// to the earliest pending deadline. Not safe for concurrent use; intended
// to be driven from the single compositor goroutine, registered with
// internal/loop as a readable fd-backed entry.
type Wheel struct {
	fd      int
	heap    entryHeap
	byID    map[uint64]*timerEntry
	nextID  uint64
	armedTo time.Time // zero if nothing armed
}

// New creates a timer wheel backed by a fresh CLOCK_MONOTONIC timerfd.
func New() (*Wheel, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("timerfd_create: %w", err)
	}
	return &Wheel{
		fd:   fd,
		byID: make(map[uint64]*timerEntry),
	}, nil
}

// Fd returns the timerfd, for registration with the event loop.
func (w *Wheel) Fd() int { return w.fd }

// Close releases the timerfd.
func (w *Wheel) Close() error {
	return unix.Close(w.fd)
}

func roundUp(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	if rem := d % coalesceResolution; rem != 0 {
		d += coalesceResolution - rem
	}
	return d
}

// Timeout schedules dispatcher to fire once, ms milliseconds from now.
func (w *Wheel) Timeout(id uint64, ms int64, d Dispatcher) {
	deadline := time.Now().Add(roundUp(time.Duration(ms) * time.Millisecond))
	w.insert(id, deadline, 0, d)
}

// Periodic schedules dispatcher to fire every us microseconds, reinserting
// itself after each fire.
func (w *Wheel) Periodic(id uint64, us int64, d Dispatcher) {
	period := roundUp(time.Duration(us) * time.Microsecond)
	w.insert(id, time.Now().Add(period), period, d)
}

func (w *Wheel) insert(id uint64, deadline time.Time, period time.Duration, d Dispatcher) {
	if existing, ok := w.byID[id]; ok {
		heap.Remove(&w.heap, existing.index)
		delete(w.byID, id)
	}
	e := &timerEntry{id: id, deadline: deadline, period: period, d: d}
	heap.Push(&w.heap, e)
	w.byID[id] = e
	w.rearmIfSooner(deadline)
}

// Remove cancels id, taking its entry out of the heap immediately. If id
// already fired as a one-shot or was already removed, this is a harmless
// no-op.
func (w *Wheel) Remove(id uint64) {
	e, ok := w.byID[id]
	if !ok {
		return
	}
	heap.Remove(&w.heap, e.index)
	delete(w.byID, id)
}

// rearmIfSooner arms the OS timer if deadline is earlier than whatever is
// currently armed (or nothing is armed yet).
func (w *Wheel) rearmIfSooner(deadline time.Time) {
	if w.armedTo.IsZero() || deadline.Before(w.armedTo) {
		w.arm(deadline)
	}
}

func (w *Wheel) arm(deadline time.Time) {
	d := time.Until(deadline)
	if d <= 0 {
		d = 1 // a zero it_value would disarm the timerfd instead of firing it
	}
	spec := unix.ItimerSpec{
		Value: unix.NsecToTimespec(d.Nanoseconds()),
	}
	if err := unix.TimerfdSettime(w.fd, 0, &spec, nil); err != nil {
		return
	}
	w.armedTo = deadline
}

func (w *Wheel) disarm() {
	spec := unix.ItimerSpec{}
	_ = unix.TimerfdSettime(w.fd, 0, &spec, nil)
	w.armedTo = time.Time{}
}

// Expire must be called when the timerfd becomes readable (L1 delivers
// this as a Dispatch callback). It drains the fd's expiration counter,
// pops every entry with deadline <= now, fires each dispatcher exactly
// once (re-inserting periodic ones), then rearms for the new head.
func (w *Wheel) Expire() {
	var buf [8]byte
	_, _ = unix.Read(w.fd, buf[:]) // drain the 8-byte expiration counter

	now := time.Now()
	for w.heap.Len() > 0 {
		head := w.heap[0]
		if head.deadline.After(now) {
			break
		}
		heap.Pop(&w.heap)
		delete(w.byID, head.id)

		head.d.Fire()

		if head.period > 0 {
			w.insert(head.id, now.Add(head.period), head.period, head.d)
		}
	}

	if w.heap.Len() == 0 {
		w.disarm()
		return
	}
	w.arm(w.heap[0].deadline)
}

// Len reports the number of pending timers.
func (w *Wheel) Len() int { return w.heap.Len() }
