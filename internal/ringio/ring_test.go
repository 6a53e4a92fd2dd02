package ringio

import (
	"testing"

	"golang.org/x/sys/unix"
)

func newTestRing(t *testing.T) *Ring {
	t.Helper()
	r, err := New(16)
	if err != nil {
		t.Skipf("io_uring unavailable in this environment: %v", err)
	}
	return r
}

func TestRecvmsgSendmsgRoundTrip(t *testing.T) {
	r := newTestRing(t)
	defer r.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	recvBuf := make([]byte, 64)
	recvData, err := r.PrepareRecvmsg(fds[0], recvBuf, nil)
	if err != nil {
		t.Fatalf("PrepareRecvmsg: %v", err)
	}
	if _, err := r.Submit(); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	payload := []byte("hello")
	if err := unix.Sendmsg(fds[1], payload, nil, nil, 0); err != nil {
		t.Fatalf("sendmsg: %v", err)
	}

	results, err := r.WaitCQE()
	if err != nil {
		t.Fatalf("WaitCQE: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].UserData != recvData {
		t.Errorf("user_data = %d, want %d", results[0].UserData, recvData)
	}
	if results[0].Res != int32(len(payload)) {
		t.Errorf("res = %d, want %d", results[0].Res, len(payload))
	}
}

func TestPrepareRecvmsgRejectsWhenFull(t *testing.T) {
	r := newTestRing(t)
	defer r.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	buf := make([]byte, 8)
	var lastErr error
	for i := 0; i < 64; i++ {
		if _, err := r.PrepareRecvmsg(fds[0], buf, nil); err != nil {
			lastErr = err
			break
		}
	}
	if lastErr == nil {
		t.Fatal("expected ErrRingFull once the submission queue saturates")
	}
	if lastErr != ErrRingFull {
		t.Errorf("err = %v, want ErrRingFull", lastErr)
	}
}
