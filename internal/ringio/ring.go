// Package ringio provides an optional io_uring-accelerated path for
// socket I/O, batching recvmsg/sendmsg submissions for connections whose
// reader/writer tasks would otherwise make one syscall per message.
package ringio

import (
	"sync"

	"github.com/pawelgaczynski/giouring"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ErrRingFull is returned when the submission queue has no free entries.
// Callers should flush and retry.
var ErrRingFull = errors.New("ringio: submission queue full")

// opKind distinguishes the two operations a connection ever submits.
type opKind uint8

const (
	opRecvmsg opKind = iota
	opSendmsg
)

// Result is the outcome of one submitted operation.
type Result struct {
	UserData uint64
	Res      int32
	Err      error
}

// Ring wraps a *giouring.Ring, tracking in-flight msghdrs so their
// backing memory survives until the kernel completes the operation.
type Ring struct {
	mu      sync.Mutex
	ring    *giouring.Ring
	entries uint32
	inFlight map[uint64]*inFlightOp
	nextUserData uint64
}

type inFlightOp struct {
	kind  opKind
	msg   *unix.Msghdr
	iov   *unix.Iovec
	cmsg  []byte
}

// New creates a ring with the given submission queue depth.
func New(entries uint32) (*Ring, error) {
	r, err := giouring.CreateRing(entries)
	if err != nil {
		return nil, errors.Wrap(err, "ringio: create ring")
	}
	return &Ring{
		ring:     r,
		entries:  entries,
		inFlight: make(map[uint64]*inFlightOp),
	}, nil
}

// Close releases the ring's kernel resources.
func (r *Ring) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ring.QueueExit()
	return nil
}

func (r *Ring) allocUserData() uint64 {
	r.nextUserData++
	return r.nextUserData
}

// PrepareRecvmsg queues a recvmsg on fd into buf, with oob as the
// ancillary-data buffer for SCM_RIGHTS. Returns the user_data token the
// matching Result will carry. The sqe is not submitted to the kernel
// until Submit is called.
func (r *Ring) PrepareRecvmsg(fd int, buf, oob []byte) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sqe := r.ring.GetSQE()
	if sqe == nil {
		return 0, ErrRingFull
	}

	iov := &unix.Iovec{Base: &buf[0]}
	iov.SetLen(len(buf))
	msg := &unix.Msghdr{
		Iov:    iov,
		Iovlen: 1,
	}
	if len(oob) > 0 {
		msg.Control = &oob[0]
		msg.SetControllen(len(oob))
	}

	userData := r.allocUserData()
	sqe.PrepareRecvMsg(int32(fd), msg, 0)
	sqe.SetUserData(userData)
	r.inFlight[userData] = &inFlightOp{kind: opRecvmsg, msg: msg, iov: iov, cmsg: oob}
	return userData, nil
}

// PrepareSendmsg queues a sendmsg on fd carrying data and the SCM_RIGHTS
// ancillary buffer rights (nil if no fds ride along).
func (r *Ring) PrepareSendmsg(fd int, data []byte, rights []byte) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sqe := r.ring.GetSQE()
	if sqe == nil {
		return 0, ErrRingFull
	}

	iov := &unix.Iovec{Base: &data[0]}
	iov.SetLen(len(data))
	msg := &unix.Msghdr{
		Iov:    iov,
		Iovlen: 1,
	}
	if len(rights) > 0 {
		msg.Control = &rights[0]
		msg.SetControllen(len(rights))
	}

	userData := r.allocUserData()
	sqe.PrepareSendMsg(int32(fd), msg, unix.MSG_NOSIGNAL)
	sqe.SetUserData(userData)
	r.inFlight[userData] = &inFlightOp{kind: opSendmsg, msg: msg, iov: iov, cmsg: rights}
	return userData, nil
}

// Submit flushes queued SQEs to the kernel without waiting for any
// completions, returning the number submitted.
func (r *Ring) Submit() (uint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, err := r.ring.Submit()
	if err != nil {
		return 0, errors.Wrap(err, "ringio: submit")
	}
	return n, nil
}

// WaitCQE blocks for at least one completion and returns every
// completion currently available, releasing their in-flight state.
func (r *Ring) WaitCQE() ([]Result, error) {
	cqe, err := r.ring.WaitCQE()
	if err != nil {
		return nil, errors.Wrap(err, "ringio: wait cqe")
	}

	results := []Result{r.reap(cqe)}

	for {
		more, err := r.ring.PeekCQE()
		if err != nil {
			break
		}
		if more == nil {
			break
		}
		results = append(results, r.reap(more))
	}
	return results, nil
}

func (r *Ring) reap(cqe *giouring.CompletionQueueEvent) Result {
	r.mu.Lock()
	delete(r.inFlight, cqe.UserData)
	r.mu.Unlock()

	r.ring.CQESeen(cqe)

	res := Result{UserData: cqe.UserData, Res: cqe.Res}
	if cqe.Res < 0 {
		res.Err = unix.Errno(-cqe.Res)
	}
	return res
}
