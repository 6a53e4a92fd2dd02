// Package acceptor binds the compositor's listening sockets under
// $XDG_RUNTIME_DIR, picking the first wayland-N name not already held by
// a running compositor, and accepts incoming connections onto the async
// engine.
package acceptor

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/wlcore/wlcore/internal/async"
	"github.com/wlcore/wlcore/internal/logging"
)

// maxUnixPath is the usable length of sockaddr_un.sun_path on Linux,
// including the trailing NUL.
const maxUnixPath = 108

// AcceptorError is a typed sentinel for acceptor setup failures.
type AcceptorError string

func (e AcceptorError) Error() string { return string(e) }

const (
	ErrRuntimeDirNotSet AcceptorError = "acceptor: XDG_RUNTIME_DIR is not set"
	ErrPathTooLong      AcceptorError = "acceptor: XDG_RUNTIME_DIR is too long to form a unix socket address"
	ErrAddressesInUse   AcceptorError = "acceptor: every wayland-N address in 1..1000 is already in use"
)

// socket is one bound wayland-N name: its regular and privileged
// listening sockets, plus the lock file that serializes ownership of
// the name across processes.
type socket struct {
	name string

	path     string
	privPath string
	lockPath string

	lockFD int
	plain  int
	priv   int
}

func xdgRuntimeDir() (string, error) {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		return "", ErrRuntimeDirNotSet
	}
	return dir, nil
}

// bindSocket tries to claim wayland-<id> under xrd: it opens and
// flock(LOCK_EX|LOCK_NB)s <path>.lock, unlinks any stale socket files
// left behind by a crashed compositor, and binds plainFD/privFD to
// <path> and <path>.priv.
func bindSocket(plainFD, privFD int, xrd string, id int) (*socket, error) {
	name := fmt.Sprintf("wayland-%d", id)
	path := xrd + "/" + name
	privPath := path + ".priv"
	lockPath := path + ".lock"

	if len(privPath)+1 > maxUnixPath {
		return nil, ErrPathTooLong
	}

	lockFD, err := unix.Open(lockPath, unix.O_CREAT|unix.O_CLOEXEC|unix.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "acceptor: open lock file")
	}
	if err := unix.Flock(lockFD, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(lockFD)
		return nil, errors.Wrap(err, "acceptor: lock file is held by another process")
	}

	for _, p := range []string{path, privPath} {
		if _, err := os.Lstat(p); err == nil {
			_ = unix.Unlink(p)
		} else if !os.IsNotExist(err) {
			unix.Close(lockFD)
			return nil, errors.Wrapf(err, "acceptor: stat existing socket %s", p)
		}
	}

	if err := unix.Bind(plainFD, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(lockFD)
		return nil, errors.Wrapf(err, "acceptor: bind %s", path)
	}
	if err := unix.Bind(privFD, &unix.SockaddrUnix{Name: privPath}); err != nil {
		unix.Close(lockFD)
		return nil, errors.Wrapf(err, "acceptor: bind %s", privPath)
	}

	return &socket{
		name:     name,
		path:     path,
		privPath: privPath,
		lockPath: lockPath,
		lockFD:   lockFD,
		plain:    plainFD,
		priv:     privFD,
	}, nil
}

func allocateSocket(log *logging.Logger) (*socket, error) {
	xrd, err := xdgRuntimeDir()
	if err != nil {
		return nil, err
	}

	newSocket := func() (int, error) {
		return unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	}
	plainFD, err := newSocket()
	if err != nil {
		return nil, errors.Wrap(err, "acceptor: create socket")
	}
	privFD, err := newSocket()
	if err != nil {
		unix.Close(plainFD)
		return nil, errors.Wrap(err, "acceptor: create socket")
	}

	for id := 1; id < 1000; id++ {
		s, err := bindSocket(plainFD, privFD, xrd, id)
		if err == nil {
			return s, nil
		}
		log.Warnf("acceptor: cannot use wayland-%d: %v", id, err)
	}

	unix.Close(plainFD)
	unix.Close(privFD)
	return nil, ErrAddressesInUse
}

func (s *socket) unlink() {
	_ = unix.Unlink(s.path)
	_ = unix.Unlink(s.privPath)
	_ = unix.Unlink(s.lockPath)
}

// OnAccept is called with a freshly accepted client fd, its peer
// credentials, and whether it arrived on the privileged socket.
type OnAccept func(fd int, uid, pid uint32, secure bool)

// Acceptor owns the bound sockets and drives the accept loops that feed
// new connections to the caller's OnAccept callback.
type Acceptor struct {
	socket *socket
	log    *logging.Logger
}

// Install binds a wayland-N socket pair and spawns accept loops for both
// on e, reporting new connections to onAccept.
func Install(e *async.Engine, onAccept OnAccept, log *logging.Logger) (*Acceptor, error) {
	if log == nil {
		log = logging.Default()
	}
	s, err := allocateSocket(log)
	if err != nil {
		return nil, err
	}
	log.Infof("acceptor: bound to %s", s.path)

	if err := unix.Listen(s.plain, 4096); err != nil {
		s.unlink()
		unix.Close(s.plain)
		unix.Close(s.priv)
		return nil, errors.Wrap(err, "acceptor: listen")
	}
	if err := unix.Listen(s.priv, 4096); err != nil {
		s.unlink()
		unix.Close(s.plain)
		unix.Close(s.priv)
		return nil, errors.Wrap(err, "acceptor: listen")
	}

	a := &Acceptor{socket: s, log: log}
	async.Spawn(e, async.PhaseEventHandling, func(y *async.Yielder) (struct{}, error) {
		return acceptLoop(y, e, s.plain, false, onAccept, log)
	})
	async.Spawn(e, async.PhaseEventHandling, func(y *async.Yielder) (struct{}, error) {
		return acceptLoop(y, e, s.priv, true, onAccept, log)
	})
	return a, nil
}

func acceptLoop(y *async.Yielder, e *async.Engine, fd int, secure bool, onAccept OnAccept, log *logging.Logger) (struct{}, error) {
	afd, err := e.FD(fd)
	if err != nil {
		return struct{}{}, errors.Wrap(err, "acceptor: register listening fd")
	}
	for {
		if err := y.Readable(afd); err != nil {
			return struct{}{}, err
		}
		for {
			connFD, _, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
			if err != nil {
				if err == unix.EAGAIN {
					break
				}
				log.Errorf("acceptor: accept: %v", err)
				break
			}
			cred, err := unix.GetsockoptUcred(connFD, unix.SOL_SOCKET, unix.SO_PEERCRED)
			if err != nil {
				log.Errorf("acceptor: SO_PEERCRED: %v", err)
				unix.Close(connFD)
				continue
			}
			onAccept(connFD, uint32(cred.Uid), uint32(cred.Pid), secure)
		}
	}
}

// SocketName returns the bound name, e.g. "wayland-1".
func (a *Acceptor) SocketName() string { return a.socket.name }

// PrivPath returns the filesystem path of the privileged socket.
func (a *Acceptor) PrivPath() string { return a.socket.privPath }

// Close unlinks the bound socket paths and closes the underlying fds and
// lock file. The accept loops spawned by Install are left running; the
// caller is expected to have already stopped the event loop.
func (a *Acceptor) Close() {
	a.socket.unlink()
	unix.Close(a.socket.plain)
	unix.Close(a.socket.priv)
	unix.Close(a.socket.lockFD)
}
