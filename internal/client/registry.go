// Package client implements the L4 per-connection state: the object
// registry, the outgoing swapchain, and the reader/writer task pair that
// drive a Wayland connection's wire traffic.
package client

import (
	"math/bits"

	"github.com/pkg/errors"
)

// MinServerID is the first id in the server-allocated range. Ids below
// it are client-allocated; the client chooses them and the server never
// reassigns them.
const MinServerID uint32 = 0xff000000

// segBits is the width of one bitmap segment: one machine word.
const segBits = bits.UintSize

// Object is anything reachable through the registry and dispatched to by
// the reader task. handle_request is polymorphic over the capability set
// {parse request, produce events, mutate compositor state}; concrete
// interfaces implement it as an opcode switch, never as subclassing.
type Object interface {
	InterfaceName() string
	NumRequests() uint32
	HandleRequest(opcode uint16, p RequestParser) error
	// BreakLoops clears back-references to parent structures so the
	// object can be collected once the registry drops its own reference.
	BreakLoops()
}

// RequestParser is the subset of *wire.Parser an Object needs; kept as
// an interface here so this package does not import wire's concrete
// Parser type into its public surface.
type RequestParser interface {
	Uint() (uint32, error)
	Int() (int32, error)
	String() (string, error)
	Array() ([]byte, error)
	Fd() (int, error)
}

// RegistryError is returned for all registry invariant violations;
// typed so the reader task can map each to a protocol error code.
type RegistryError string

func (e RegistryError) Error() string { return string(e) }

const (
	ErrUnknownID        RegistryError = "client: unknown object id"
	ErrIDAlreadyInUse   RegistryError = "client: id already in use"
	ErrClientIDOOB      RegistryError = "client: client-allocated id out of bounds"
	ErrServerIDOOB      RegistryError = "client: server-allocated id out of bounds"
	ErrTooManyServerIDs RegistryError = "client: exhausted server id space"
	ErrNotPendingDelete RegistryError = "client: id is not awaiting delete_id confirmation"
)

// Registry is the per-connection ObjectId -> Object map, partitioned into
// a client-chosen range and a server-allocated range backed by a
// segmented bitmap free list. A server-range offset freed by Remove is
// not returned to that free list immediately: the client may still have
// the old id in flight (a request racing the deletion), so the offset
// sits in pendingFree until ConfirmDelete reports that the matching
// wl_display.delete_id event has actually been enqueued.
type Registry struct {
	objects     map[uint32]Object
	segs        []uint
	pendingFree map[uint32]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{objects: make(map[uint32]Object), pendingFree: make(map[uint32]struct{})}
}

// Get looks up id, failing if absent.
func (r *Registry) Get(id uint32) (Object, error) {
	o, ok := r.objects[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownID, "id=%#x", id)
	}
	return o, nil
}

// AddClientObject inserts obj at id, which the client chose. id must be
// non-zero, below MinServerID, and not already present.
func (r *Registry) AddClientObject(id uint32, obj Object) error {
	if id == 0 || id >= MinServerID {
		return errors.Wrapf(ErrClientIDOOB, "id=%#x", id)
	}
	if _, exists := r.objects[id]; exists {
		return errors.Wrapf(ErrIDAlreadyInUse, "id=%#x", id)
	}
	r.objects[id] = obj
	return nil
}

// AllocServerID reserves and returns the next free id in the server
// range. Ids are recycled: an offset freed by Remove becomes available
// again once ConfirmDelete has returned it to the segmented free bitmap,
// where the trailing-zero scan finds it.
func (r *Registry) AllocServerID() (uint32, error) {
	for pos, seg := range r.segs {
		if seg != 0 {
			offset := uint32(bits.TrailingZeros(seg))
			r.segs[pos] &^= 1 << offset
			return MinServerID + uint32(pos)*segBits + offset, nil
		}
	}
	maxOffset := ^uint32(0) - MinServerID
	offset := uint32(len(r.segs)) * segBits
	if offset > maxOffset {
		return 0, ErrTooManyServerIDs
	}
	// A fresh segment starts with bit 0 already claimed by this
	// allocation, all others free.
	r.segs = append(r.segs, ^uint(0)&^1)
	return MinServerID + offset, nil
}

// AddServerObject inserts obj at a server-allocated id. id must already
// have come from AllocServerID (or otherwise be ≥ MinServerID and
// absent).
func (r *Registry) AddServerObject(id uint32, obj Object) error {
	if _, exists := r.objects[id]; exists {
		return errors.Wrapf(ErrIDAlreadyInUse, "id=%#x", id)
	}
	r.objects[id] = obj
	return nil
}

// Remove deletes id from the registry. For a server-range id, the freed
// offset is held in pendingFree rather than returned to the bitmap: the
// caller (Connection) still owes the client a delete_id event, and the
// offset must not be handed out again until that event has actually
// been enqueued. Call ConfirmDelete once it has.
func (r *Registry) Remove(id uint32) (Object, error) {
	obj, ok := r.objects[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownID, "id=%#x", id)
	}
	delete(r.objects, id)

	if id >= MinServerID {
		offset := id - MinServerID
		pos := int(offset / segBits)
		if pos >= len(r.segs) {
			return nil, errors.Wrapf(ErrServerIDOOB, "id=%#x", id)
		}
		r.pendingFree[id] = struct{}{}
	}
	return obj, nil
}

// ConfirmDelete returns id's offset to the server-range free bitmap.
// Must only be called once the delete_id event for id has been enqueued
// on the connection; id must have come from a prior Remove that has not
// already been confirmed.
func (r *Registry) ConfirmDelete(id uint32) error {
	if _, pending := r.pendingFree[id]; !pending {
		return errors.Wrapf(ErrNotPendingDelete, "id=%#x", id)
	}
	delete(r.pendingFree, id)

	offset := id - MinServerID
	pos := int(offset / segBits)
	bit := offset % segBits
	r.segs[pos] |= 1 << bit
	return nil
}

// Len reports the number of live objects, for tests and diagnostics.
func (r *Registry) Len() int { return len(r.objects) }

// Destroy runs BreakLoops on every live object (to eliminate reference
// cycles such as back-pointers to parent structures) and empties the
// registry. Called once, on connection teardown.
func (r *Registry) Destroy() {
	for _, obj := range r.objects {
		obj.BreakLoops()
	}
	r.objects = make(map[uint32]Object)
	r.segs = nil
	r.pendingFree = make(map[uint32]struct{})
}
