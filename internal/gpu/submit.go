package gpu

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/wlcore/wlcore/internal/async"
)

// SyncFile is a file descriptor that becomes readable exactly when its
// associated GPU work completes.
type SyncFile struct {
	FD int
}

// Pending is the bookkeeping for one in-flight submission: the sync file
// the caller waits on, the semaphore/fence borrowed from their pools for
// the duration of the submission, and whatever imported resources must
// outlive the GPU work (so they are not destroyed while still in use).
type Pending struct {
	SyncFile  SyncFile
	Semaphore ResourceHandle
	Fence     ResourceHandle
	Retained  []ResourceHandle
}

// ResourceHandle is an opaque Vulkan object handle (semaphore, fence, or
// imported buffer/image); kept as a thin wrapper here so this file's
// submission bookkeeping does not need to import vulkan-go directly.
type ResourceHandle struct {
	Value uint64
}

// Pool hands out and reclaims a fixed set of Vulkan resource handles
// (semaphores or fences), matching spec.md's "pool-borrowed" language.
type Pool struct {
	mu   sync.Mutex
	free []ResourceHandle
}

// NewPool seeds a pool with handles (already created by the caller via
// the appropriate vkCreate* call).
func NewPool(handles []ResourceHandle) *Pool {
	return &Pool{free: append([]ResourceHandle(nil), handles...)}
}

// ErrPoolExhausted is returned when a pool has no handle to lend.
var ErrPoolExhausted = errors.New("gpu: resource pool exhausted")

// Borrow removes and returns one handle from the pool.
func (p *Pool) Borrow() (ResourceHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return ResourceHandle{}, ErrPoolExhausted
	}
	h := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return h, nil
}

// Return gives a handle back to the pool.
func (p *Pool) Return(h ResourceHandle) {
	p.mu.Lock()
	p.free = append(p.free, h)
	p.mu.Unlock()
}

// Copy is one compositor-side copy object: the transfer type it runs on,
// the semaphore/fence pools its submissions borrow from, and whether a
// submission against it is still outstanding. A second submission while
// busy is rejected; callers must gate on the previously returned sync
// file themselves.
type Copy struct {
	Type TransferType

	semaphores *Pool
	fences     *Pool

	mu      sync.Mutex
	pending *Pending
}

// NewCopy builds a Copy that borrows semaphores and fences from the
// given pools for each submission, returning both once the submission's
// sync file reports completion.
func NewCopy(t TransferType, semaphores, fences *Pool) *Copy {
	return &Copy{Type: t, semaphores: semaphores, fences: fences}
}

// Submit runs fn (the caller's record-and-submit step, which performs
// the actual Vulkan command recording/queue submit and returns the
// resulting Pending) if no earlier submission on this Copy is still
// outstanding. On success it spawns a watcher task on e that awaits the
// sync file's readability and then releases the submission's pooled
// resources.
func (c *Copy) Submit(e *async.Engine, fn func() (*Pending, error)) (SyncFile, error) {
	c.mu.Lock()
	if c.pending != nil {
		c.mu.Unlock()
		return SyncFile{}, ErrBusy
	}
	c.mu.Unlock()

	pending, err := fn()
	if err != nil {
		return SyncFile{}, err
	}

	c.mu.Lock()
	c.pending = pending
	c.mu.Unlock()

	async.Spawn(e, async.PhaseEventHandling, func(y *async.Yielder) (struct{}, error) {
		afd, err := e.FD(pending.SyncFile.FD)
		if err != nil {
			return struct{}{}, errors.Wrap(err, "gpu: register sync file fd")
		}
		defer afd.Close()

		if err := y.Readable(afd); err != nil {
			return struct{}{}, err
		}

		c.retire(pending)
		return struct{}{}, nil
	})

	return pending.SyncFile, nil
}

// retire returns the submission's borrowed semaphore and fence to their
// pools and clears the busy flag, making the Copy available again.
func (c *Copy) retire(p *Pending) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == p {
		c.pending = nil
	}
	if c.semaphores != nil {
		c.semaphores.Return(p.Semaphore)
	}
	if c.fences != nil {
		c.fences.Return(p.Fence)
	}
}

// IsBusy reports whether a submission against this Copy is outstanding.
func (c *Copy) IsBusy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != nil
}

// Reset implements the reset-on-export-failure semantics: the device
// must already have been hard-idled by the caller (vkDeviceWaitIdle) by
// the time Reset runs; this just drops the in-flight bookkeeping so the
// next submission is treated as a fresh start and the caller observes
// the prior one as synchronously complete.
func (c *Copy) Reset() {
	c.mu.Lock()
	p := c.pending
	c.pending = nil
	c.mu.Unlock()

	if p == nil {
		return
	}
	if c.semaphores != nil {
		c.semaphores.Return(p.Semaphore)
	}
	if c.fences != nil {
		c.fences.Return(p.Fence)
	}
}
