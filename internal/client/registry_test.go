package client

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type stubObject struct {
	broken bool
}

func (s *stubObject) InterfaceName() string { return "stub" }
func (s *stubObject) NumRequests() uint32   { return 0 }
func (s *stubObject) HandleRequest(uint16, RequestParser) error {
	return nil
}
func (s *stubObject) BreakLoops() { s.broken = true }

func TestAddClientObjectRejectsZeroAndServerRange(t *testing.T) {
	r := NewRegistry()
	require.ErrorIs(t, r.AddClientObject(0, &stubObject{}), ErrClientIDOOB)
	require.ErrorIs(t, r.AddClientObject(MinServerID, &stubObject{}), ErrClientIDOOB)
}

func TestAddClientObjectRejectsDuplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.AddClientObject(1, &stubObject{}))
	require.ErrorIs(t, r.AddClientObject(1, &stubObject{}), ErrIDAlreadyInUse)
}

func TestAllocServerIDStartsAtFloor(t *testing.T) {
	r := NewRegistry()
	id, err := r.AllocServerID()
	require.NoError(t, err)
	require.Equal(t, MinServerID, id)
}

func TestAllocServerIDDoesNotRecycleBeforeConfirmDelete(t *testing.T) {
	r := NewRegistry()
	id, err := r.AllocServerID()
	require.NoError(t, err)
	require.NoError(t, r.AddServerObject(id, &stubObject{}))

	id2, err := r.AllocServerID()
	require.NoError(t, err)
	require.NotEqual(t, id, id2)
	require.NoError(t, r.AddServerObject(id2, &stubObject{}))

	_, err = r.Remove(id)
	require.NoError(t, err)

	id3, err := r.AllocServerID()
	require.NoError(t, err)
	require.NotEqual(t, id, id3, "freed offset must not be reused before the delete_id event is confirmed sent")
}

func TestAllocServerIDRecyclesAfterConfirmDelete(t *testing.T) {
	r := NewRegistry()
	id, err := r.AllocServerID()
	require.NoError(t, err)
	require.NoError(t, r.AddServerObject(id, &stubObject{}))

	_, err = r.Remove(id)
	require.NoError(t, err)
	require.NoError(t, r.ConfirmDelete(id))

	id2, err := r.AllocServerID()
	require.NoError(t, err)
	require.Equal(t, id, id2, "offset should be reused once delete_id has been confirmed sent")
}

func TestConfirmDeleteRejectsIDNotPending(t *testing.T) {
	r := NewRegistry()
	require.ErrorIs(t, r.ConfirmDelete(MinServerID), ErrNotPendingDelete)
}

func TestRemoveUnknownID(t *testing.T) {
	r := NewRegistry()
	_, err := r.Remove(42)
	require.ErrorIs(t, err, ErrUnknownID)
}

func TestDestroyBreaksLoopsAndClears(t *testing.T) {
	r := NewRegistry()
	obj := &stubObject{}
	require.NoError(t, r.AddClientObject(1, obj))
	r.Destroy()
	require.True(t, obj.broken)
	require.Equal(t, 0, r.Len())
}
