package acceptor

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestSigaddsetSetsExpectedBit(t *testing.T) {
	var set unix.Sigset_t
	sigaddset(&set, unix.SIGINT)

	want := uint64(1) << uint((unix.SIGINT-1)%64)
	require.Equal(t, want, set.Val[(unix.SIGINT-1)/64])

	for i, word := range set.Val {
		if i == int((unix.SIGINT-1)/64) {
			continue
		}
		require.Zero(t, word)
	}
}

func TestSigaddsetAccumulates(t *testing.T) {
	var set unix.Sigset_t
	sigaddset(&set, unix.SIGINT)
	sigaddset(&set, unix.SIGTERM)
	sigaddset(&set, unix.SIGPIPE)

	for _, sig := range []unix.Signal{unix.SIGINT, unix.SIGTERM, unix.SIGPIPE} {
		word := (sig - 1) / 64
		bit := uint((sig - 1) % 64)
		require.NotZero(t, set.Val[word]&(1<<bit), "signal %d bit not set", sig)
	}
}
