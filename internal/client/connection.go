package client

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/wlcore/wlcore/internal/async"
	"github.com/wlcore/wlcore/internal/logging"
	"github.com/wlcore/wlcore/internal/wire"
)

const (
	// MaxInFd bounds the number of descriptors a client may have in
	// flight, unconsumed; an fd beyond it is closed and the reader task
	// fails with ErrTooManyFds.
	MaxInFd = 32
	// MaxPendingBuffers is the commit-queue depth past which a
	// connection is flagged slow.
	MaxPendingBuffers = 10
	// outBufSize is the accumulation threshold at which the current
	// swapchain slot is committed to the pending queue.
	outBufSize = 4096
	// recvBufSize is the per-recvmsg read size.
	recvBufSize = 4096
	// cmsgBufSize bounds the ancillary-data buffer for SCM_RIGHTS.
	cmsgBufSize = 4096

	// DisplayObjectID is the well-known id of the wl_display singleton,
	// always present in a fresh connection's registry.
	DisplayObjectID uint32 = 1
	// displayErrorOpcode is wl_display.error's event opcode.
	displayErrorOpcode uint16 = 0
	// displayDeleteIDOpcode is wl_display.delete_id's event opcode.
	displayDeleteIDOpcode uint16 = 1
)

// ConnError is returned by the reader/writer tasks for conditions that
// terminate the connection.
type ConnError string

func (e ConnError) Error() string { return string(e) }

const (
	ErrPeerClosed  ConnError = "client: peer closed the connection"
	ErrSlowClient  ConnError = "client: slow client killed after failing to drain"
	ErrInvalidMsg  ConnError = "client: malformed message"
	ErrTooManyFds  ConnError = "client: peer sent more fds than the in-flight queue allows"
)

type bufSlot struct {
	data []byte
	fds  []int
}

// Connection holds one client's transport and protocol-dispatch state:
// the object registry, the inbound fd queue, and the three-slot outgoing
// swapchain (current/pending/flushing).
type Connection struct {
	raw    int
	UID    uint32
	PID    uint32
	// TraceID is a process-external correlation id, minted once per
	// connection, so its log lines (and anything it reports upstream)
	// can be grepped out of a multi-client log stream.
	TraceID string
	engine  *async.Engine
	afd     *async.AsyncFd
	log     *logging.Logger

	Registry *Registry

	// inFds and inBuf are only ever touched from the reader task, which
	// is the only goroutine that runs concurrently with nothing else by
	// construction (L3's single-baton rule), so no lock is needed here.
	inFds []int
	inBuf []byte

	mu          sync.Mutex
	current     *bufSlot
	pending     []*bufSlot
	flushing    *bufSlot
	slow        bool
	flushWaiter func()
	closed      bool
}

// NewConnection wraps an already-accepted socket fd. uid/pid come from
// SO_PEERCRED at accept time.
func NewConnection(raw int, uid, pid uint32, engine *async.Engine) (*Connection, error) {
	afd, err := engine.FD(raw)
	if err != nil {
		return nil, errors.Wrap(err, "client: register connection fd")
	}
	traceID := uuid.New().String()
	return &Connection{
		raw:      raw,
		UID:      uid,
		PID:      pid,
		TraceID:  traceID,
		engine:   engine,
		afd:      afd,
		log:      logging.Default().With("trace_id", traceID),
		Registry: NewRegistry(),
		current:  &bufSlot{},
	}, nil
}

// NextFd implements wire.FdSource, dequeuing the oldest fd received
// ahead of the message currently being parsed.
func (c *Connection) NextFd() (int, error) {
	if len(c.inFds) == 0 {
		return -1, wire.ErrNoFd
	}
	fd := c.inFds[0]
	c.inFds = c.inFds[1:]
	return fd, nil
}

// Event serializes msg (with any fds that must ride along with it) into
// the current swapchain slot, committing to pending once the slot
// reaches outBufSize. Does not itself trigger a flush unless that
// commit happens, which wakes the writer task.
func (c *Connection) Event(msg []byte, fds []int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current.data = append(c.current.data, msg...)
	c.current.fds = append(c.current.fds, fds...)
	if len(c.current.data) >= outBufSize {
		c.commitLocked()
	}
}

func (c *Connection) commitLocked() {
	c.pending = append(c.pending, c.current)
	c.current = &bufSlot{}
	if len(c.pending) > MaxPendingBuffers {
		c.slow = true
	}
	c.wakeFlusherLocked()
}

// Flush commits any partially-filled current slot and wakes the writer
// task to drain pending to the socket.
func (c *Connection) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.current.data) > 0 {
		c.commitLocked()
		return
	}
	c.wakeFlusherLocked()
}

func (c *Connection) wakeFlusherLocked() {
	if c.flushWaiter != nil {
		w := c.flushWaiter
		c.flushWaiter = nil
		w()
	}
}

// IsSlow reports whether pending has exceeded MaxPendingBuffers.
func (c *Connection) IsSlow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slow
}

func (c *Connection) clearSlowIfDrained() {
	c.mu.Lock()
	if len(c.pending) <= MaxPendingBuffers {
		c.slow = false
	}
	c.mu.Unlock()
}

// Close tears down the connection's registry and releases the socket.
// Safe to call more than once.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.Registry.Destroy()
	for _, fd := range c.inFds {
		_ = unix.Close(fd)
	}
	c.inFds = nil
	c.afd.Close()
	_ = unix.Close(c.raw)
}

// SendProtocolError formats and enqueues a wl_display.error event
// carrying objectID/code/message, and flushes it immediately: the
// connection is about to be torn down and the peer needs to see why.
func (c *Connection) SendProtocolError(objectID, code uint32, message string) {
	f := wire.NewFormatter()
	f.PutObject(objectID)
	f.PutUint(code)
	f.PutString(message)
	msg, fds, err := f.Finish(DisplayObjectID, displayErrorOpcode)
	if err != nil {
		c.log.Warnf("client: failed to format protocol error: %v", err)
		return
	}
	c.Event(msg, fds)
	c.Flush()
}

// DeleteObject removes id from the registry and enqueues the
// wl_display.delete_id event that tells the client the id may be
// reused in a new_id request. For a server-allocated id, the registry
// does not return the freed offset to its allocator until this event
// has actually been enqueued, so a racing request against the old id
// can never collide with a freshly-allocated one still in flight.
func (c *Connection) DeleteObject(id uint32) (Object, error) {
	obj, err := c.Registry.Remove(id)
	if err != nil {
		return nil, err
	}

	f := wire.NewFormatter()
	f.PutUint(id)
	msg, fds, err := f.Finish(DisplayObjectID, displayDeleteIDOpcode)
	if err != nil {
		return obj, errors.Wrap(err, "client: format delete_id")
	}
	c.Event(msg, fds)

	if id >= MinServerID {
		if err := c.Registry.ConfirmDelete(id); err != nil {
			return obj, errors.Wrap(err, "client: confirm delete_id")
		}
	}
	return obj, nil
}

// dispatch looks up h.TargetID, validates the opcode against the
// target's request count, and invokes its handler.
func (c *Connection) dispatch(h wire.Header, payload []byte) error {
	obj, err := c.Registry.Get(h.TargetID)
	if err != nil {
		return err
	}
	if h.Opcode >= uint16(obj.NumRequests()) {
		return errors.Wrapf(ErrInvalidMsg, "opcode %d >= %d requests on %s", h.Opcode, obj.NumRequests(), obj.InterfaceName())
	}
	p := wire.NewParser(payload, c)
	return obj.HandleRequest(h.Opcode, p)
}

// ReaderTask is the reader half of a connection: recvmsg off the
// socket, decode frames, dispatch requests. Intended to be run via
// async.Spawn; returns (and the connection should be torn down) on any
// I/O, parse, validation, or handler error.
func (c *Connection) ReaderTask(y *async.Yielder) (struct{}, error) {
	for {
		if err := y.Readable(c.afd); err != nil {
			return struct{}{}, err
		}

		p := getRecvBuf(recvBufSize)
		oob := getRecvBuf(cmsgBufSize)
		n, oobn, _, _, err := unix.Recvmsg(c.raw, p, oob, 0)
		if err != nil {
			putRecvBuf(p)
			putRecvBuf(oob)
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				continue
			}
			return struct{}{}, errors.Wrap(err, "client: recvmsg")
		}
		if n == 0 {
			putRecvBuf(p)
			putRecvBuf(oob)
			return struct{}{}, ErrPeerClosed
		}

		if oobn > 0 {
			if err := c.absorbFds(oob[:oobn]); err != nil {
				putRecvBuf(p)
				putRecvBuf(oob)
				return struct{}{}, err
			}
		}

		c.inBuf = append(c.inBuf, p[:n]...)
		putRecvBuf(p)
		putRecvBuf(oob)
		for {
			if len(c.inBuf) < wire.HeaderSize {
				break
			}
			h, err := wire.DecodeHeader(c.inBuf)
			if err != nil {
				c.SendProtocolError(DisplayObjectID, 0, err.Error())
				return struct{}{}, err
			}
			if len(c.inBuf) < int(h.Length) {
				break
			}
			frame := c.inBuf[:h.Length]
			c.inBuf = c.inBuf[h.Length:]

			if err := c.dispatch(h, frame[wire.HeaderSize:]); err != nil {
				c.SendProtocolError(h.TargetID, 0, err.Error())
				return struct{}{}, err
			}
		}
	}
}

func (c *Connection) absorbFds(oob []byte) error {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return errors.Wrap(err, "client: parse cmsg")
	}
	for _, scm := range scms {
		fds, err := unix.ParseUnixRights(&scm)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			if len(c.inFds) >= MaxInFd {
				_ = unix.Close(fd)
				return ErrTooManyFds
			}
			c.inFds = append(c.inFds, fd)
		}
	}
	return nil
}

// WriterTask is the writer half of a connection: wait for the flush
// signal, drain pending front-to-back to the socket, retrying a
// would-block send after awaiting writability. Enforces the slow-client
// kill policy: a commit that leaves pending over MaxPendingBuffers gets
// one Yield to drain before the connection is killed.
func (c *Connection) WriterTask(y *async.Yielder) (struct{}, error) {
	for {
		slot := c.nextSlot()
		if slot == nil {
			c.awaitFlush(y)
			if y.Cancelled() {
				return struct{}{}, async.ErrCancelled
			}
			continue
		}

		if err := c.sendSlot(y, slot); err != nil {
			return struct{}{}, err
		}

		c.mu.Lock()
		c.flushing = nil
		c.mu.Unlock()

		if c.IsSlow() {
			y.Yield()
			c.clearSlowIfDrained()
			if c.IsSlow() {
				return struct{}{}, ErrSlowClient
			}
		}
	}
}

func (c *Connection) nextSlot() *bufSlot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flushing == nil && len(c.pending) > 0 {
		c.flushing = c.pending[0]
		c.pending = c.pending[1:]
	}
	return c.flushing
}

func (c *Connection) awaitFlush(y *async.Yielder) {
	y.Suspend(func(wake func()) func() {
		c.mu.Lock()
		if len(c.pending) > 0 {
			c.mu.Unlock()
			// Something committed to pending between nextSlot's check and
			// this registration. wake is only safe to invoke from a
			// goroutine other than this task's own (suspend is still on
			// the stack here), so hand it to a throwaway goroutine rather
			// than calling it inline.
			go wake()
			return nil
		}
		c.flushWaiter = wake
		c.mu.Unlock()
		return func() {
			c.mu.Lock()
			if c.flushWaiter != nil {
				c.flushWaiter = nil
			}
			c.mu.Unlock()
		}
	})
}

func (c *Connection) sendSlot(y *async.Yielder, slot *bufSlot) error {
	data := slot.data
	var oob []byte
	if len(slot.fds) > 0 {
		oob = unix.UnixRights(slot.fds...)
	}
	for len(data) > 0 {
		n, err := unix.SendmsgN(c.raw, data, oob, nil, unix.MSG_NOSIGNAL)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				if err := y.Writable(c.afd); err != nil {
					return err
				}
				continue
			}
			return errors.Wrap(err, "client: sendmsg")
		}
		oob = nil // fds only accompany the first successful send
		data = data[n:]
	}
	return nil
}
