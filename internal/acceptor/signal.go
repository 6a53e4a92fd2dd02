package acceptor

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/wlcore/wlcore/internal/async"
	"github.com/wlcore/wlcore/internal/logging"
)

// sigaddset sets sig's bit in set, matching the C macro of the same
// name; x/sys/unix exposes Sigset_t but not this manipulation.
func sigaddset(set *unix.Sigset_t, sig unix.Signal) {
	word := (sig - 1) / 64
	bit := uint((sig - 1) % 64)
	set.Val[word] |= 1 << bit
}

// SighandError is a typed sentinel for signal-handling setup failures.
type SighandError string

func (e SighandError) Error() string { return string(e) }

const (
	ErrBlockSignals SighandError = "acceptor: could not block SIGINT/SIGTERM/SIGPIPE"
	ErrCreateSigfd  SighandError = "acceptor: could not create signalfd"
)

// InstallSignalHandler blocks SIGINT, SIGTERM and SIGPIPE from their
// default dispositions and spawns a task on e that reads them off a
// signalfd. SIGINT and SIGTERM call stop; SIGPIPE is drained and
// discarded, never surfaced, matching a compositor that must not die
// when a client socket write hits a broken pipe.
func InstallSignalHandler(e *async.Engine, stop func(), log *logging.Logger) error {
	if log == nil {
		log = logging.Default()
	}

	var set unix.Sigset_t
	sigaddset(&set, unix.SIGINT)
	sigaddset(&set, unix.SIGTERM)
	sigaddset(&set, unix.SIGPIPE)
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &set, nil); err != nil {
		return errors.Wrap(err, string(ErrBlockSignals))
	}

	fd, err := unix.Signalfd(-1, &set, unix.SFD_CLOEXEC)
	if err != nil {
		return errors.Wrap(err, string(ErrCreateSigfd))
	}

	async.Spawn(e, async.PhaseEventHandling, func(y *async.Yielder) (struct{}, error) {
		return handleSignals(y, e, fd, stop, log)
	})
	return nil
}

func handleSignals(y *async.Yielder, e *async.Engine, fd int, stop func(), log *logging.Logger) (struct{}, error) {
	afd, err := e.FD(fd)
	if err != nil {
		return struct{}{}, errors.Wrap(err, "acceptor: register signalfd")
	}
	defer unix.Close(fd)

	buf := make([]byte, unsafe.Sizeof(unix.SignalfdSiginfo{}))
	for {
		if err := y.Readable(afd); err != nil {
			return struct{}{}, err
		}
		n, err := unix.Read(fd, buf)
		if err != nil {
			if err == unix.EAGAIN {
				continue
			}
			log.Errorf("acceptor: read signalfd: %v", err)
			return struct{}{}, err
		}
		if n < len(buf) {
			continue
		}
		info := (*unix.SignalfdSiginfo)(unsafe.Pointer(&buf[0]))
		sig := info.Signo
		log.Infof("acceptor: received signal %d", sig)
		switch sig {
		case uint32(unix.SIGINT), uint32(unix.SIGTERM):
			log.Infof("acceptor: exiting")
			stop()
		case uint32(unix.SIGPIPE):
			// drained and discarded
		}
	}
}
