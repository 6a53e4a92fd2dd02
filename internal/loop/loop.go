// Package loop implements the L1 event loop: an epoll-backed readiness
// multiplexer that maps opaque entry ids to file descriptors and readiness
// masks, dispatching handlers on readiness or on explicit schedule.
package loop

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/wlcore/wlcore/internal/logging"
)

// EntryId identifies a registered dispatcher. Monotonically increasing,
// never reused.
type EntryId uint64

// Dispatcher is invoked when its entry becomes ready, or is scheduled.
// A non-nil error is fatal: it terminates Run.
type Dispatcher interface {
	Dispatch(mask uint32) error
}

// Readiness masks, matching epoll's EPOLLIN/EPOLLOUT so callers can pass
// them straight through to Insert/Modify.
const (
	Readable = unix.EPOLLIN
	Writable = unix.EPOLLOUT
	HangUp   = unix.EPOLLHUP
	Err      = unix.EPOLLERR
)

type entry struct {
	id         EntryId
	fd         int // -1 if this entry has no fd and is purely schedulable
	mask       uint32
	dispatcher Dispatcher
	removed    bool
}

// Loop owns the OS readiness multiplexer. All methods are intended to be
// called from the single goroutine that runs Run (or before Run starts);
// nothing here is safe for concurrent use, matching the single-threaded
// cooperative scheduling model the rest of the compositor runs under.
type Loop struct {
	epfd int

	nextID atomic.Uint64

	entries map[EntryId]*entry
	byFd    map[int]EntryId

	scheduled      []EntryId
	pendingRemoval []EntryId

	stopped bool
	log     *logging.Logger
}

// New creates an event loop backed by a fresh epoll instance.
func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &Loop{
		epfd:    epfd,
		entries: make(map[EntryId]*entry),
		byFd:    make(map[int]EntryId),
		log:     logging.Default(),
	}, nil
}

// Close releases the underlying epoll fd. Callers must have returned from
// Run (or never started it) before calling Close.
func (l *Loop) Close() error {
	return unix.Close(l.epfd)
}

// ID allocates a fresh monotonic entry id without registering it.
func (l *Loop) ID() EntryId {
	return EntryId(l.nextID.Add(1))
}

// Insert registers dispatcher under id. If fd >= 0 the OS multiplexer
// receives (fd, mask); otherwise the entry is only ever driven by
// Schedule.
func (l *Loop) Insert(id EntryId, fd int, mask uint32, dispatcher Dispatcher) error {
	if _, exists := l.entries[id]; exists {
		return fmt.Errorf("loop: entry %d already registered", id)
	}

	e := &entry{id: id, fd: -1, mask: mask, dispatcher: dispatcher}

	if fd >= 0 {
		ev := unix.EpollEvent{Events: mask, Fd: int32(fd)}
		if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			return fmt.Errorf("epoll_ctl(ADD, fd=%d): %w", fd, err)
		}
		e.fd = fd
		l.byFd[fd] = id
	}

	l.entries[id] = e
	return nil
}

// Modify reprograms the readiness mask for id. A no-op for fd-less
// entries.
func (l *Loop) Modify(id EntryId, mask uint32) error {
	e, ok := l.entries[id]
	if !ok || e.removed {
		return fmt.Errorf("loop: unknown entry %d", id)
	}
	e.mask = mask
	if e.fd < 0 {
		return nil
	}
	ev := unix.EpollEvent{Events: mask, Fd: int32(e.fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, e.fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl(MOD, fd=%d): %w", e.fd, err)
	}
	return nil
}

// Remove unregisters id. The entry is removed from the multiplexer
// immediately (so no further readiness for fd can be observed), but the
// dispatcher value itself is only dropped from the registry at the end of
// the current dispatch batch — this makes Remove safe to call from
// within the very dispatch it is removing, and idempotent against a
// readiness event for id already queued in the current epoll_wait batch.
func (l *Loop) Remove(id EntryId) error {
	e, ok := l.entries[id]
	if !ok || e.removed {
		return nil // idempotent
	}
	e.removed = true
	if e.fd >= 0 {
		_ = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, e.fd, nil)
		delete(l.byFd, e.fd)
	}
	l.pendingRemoval = append(l.pendingRemoval, id)
	return nil
}

// Schedule marks id as ready for a virtual dispatch (mask 0) on the next
// drain, regardless of fd readiness.
func (l *Loop) Schedule(id EntryId) {
	if e, ok := l.entries[id]; ok && !e.removed {
		l.scheduled = append(l.scheduled, id)
	}
}

// Stop requests that Run return as soon as the dispatcher currently
// running returns; entries of the current iteration not yet dispatched
// are skipped.
func (l *Loop) Stop() {
	l.stopped = true
}

const maxEpollEvents = 256

// Run blocks until Stop is called or a dispatcher returns a fatal error.
// Each iteration drains all scheduled ids, then blocks in epoll_wait.
func (l *Loop) Run() error {
	events := make([]unix.EpollEvent, maxEpollEvents)

	for !l.stopped {
		if err := l.drainScheduled(); err != nil {
			return err
		}
		if l.stopped {
			return nil
		}

		n, err := unix.EpollWait(l.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		if err := l.dispatchReady(events[:n]); err != nil {
			return err
		}
		l.finishBatch()
	}
	return nil
}

func (l *Loop) drainScheduled() error {
	for len(l.scheduled) > 0 {
		batch := l.scheduled
		l.scheduled = nil
		for _, id := range batch {
			if l.stopped {
				return nil
			}
			e, ok := l.entries[id]
			if !ok || e.removed {
				continue
			}
			if err := e.dispatcher.Dispatch(0); err != nil {
				return err
			}
		}
		l.finishBatch()
	}
	return nil
}

func (l *Loop) dispatchReady(events []unix.EpollEvent) error {
	for _, ev := range events {
		id, ok := l.byFd[int(ev.Fd)]
		if !ok {
			continue
		}
		e, ok := l.entries[id]
		if !ok || e.removed {
			continue
		}
		if err := e.dispatcher.Dispatch(ev.Events); err != nil {
			return err
		}
		if l.stopped {
			return nil
		}
	}
	return nil
}

// finishBatch reclaims entries queued by Remove during the batch just
// dispatched.
func (l *Loop) finishBatch() {
	if len(l.pendingRemoval) == 0 {
		return
	}
	for _, id := range l.pendingRemoval {
		delete(l.entries, id)
	}
	l.pendingRemoval = l.pendingRemoval[:0]
}

// Len reports the number of registered entries, including removed ones
// not yet reclaimed by the end of the current batch; used by tests to
// assert insert/remove is observationally a no-op.
func (l *Loop) Len() int {
	return len(l.entries)
}
