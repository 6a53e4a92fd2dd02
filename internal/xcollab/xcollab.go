// Package xcollab exposes the narrow interface the compositor core needs
// to collaborate with an X11 server process (Xwayland or otherwise): a
// byte-stream handle and a callback for inbound bytes. The X11 wire
// protocol itself, window management, and X server lifecycle are out of
// scope here — those live entirely on the other side of the handle.
package xcollab

import (
	"io"

	"github.com/pkg/errors"

	"github.com/wlcore/wlcore/internal/async"
)

// Collaborator is a single byte-stream connection to an X11-speaking
// process. Read/Write/Close operate on the underlying transport (a
// socketpair fd, typically); the core never parses what crosses it.
type Collaborator interface {
	io.ReadWriteCloser
}

// fdCollaborator adapts a raw, already-connected file descriptor into a
// Collaborator.
type fdCollaborator struct {
	fd int
}

// FromFD wraps an already-open, already-connected file descriptor (for
// example one half of a socketpair whose other half was passed to an
// Xwayland child process) as a Collaborator.
func FromFD(fd int) Collaborator {
	return &fdCollaborator{fd: fd}
}

func (c *fdCollaborator) Read(p []byte) (int, error) {
	n, err := readFD(c.fd, p)
	if err != nil {
		return n, errors.Wrap(err, "xcollab: read")
	}
	return n, nil
}

func (c *fdCollaborator) Write(p []byte) (int, error) {
	n, err := writeFD(c.fd, p)
	if err != nil {
		return n, errors.Wrap(err, "xcollab: write")
	}
	return n, nil
}

func (c *fdCollaborator) Close() error {
	return closeFD(c.fd)
}

// OnData is called with bytes as they arrive from a Collaborator. It
// must not block: long running work should be handed off.
type OnData func(data []byte)

// Watch spawns a task on e that repeatedly reads from c and invokes
// onData, until c.Read returns an error (including io.EOF), at which
// point it calls onClose and the task exits.
func Watch(e *async.Engine, c Collaborator, onData OnData, onClose func(error)) {
	async.Spawn(e, async.PhaseEventHandling, func(y *async.Yielder) (struct{}, error) {
		fc, ok := c.(*fdCollaborator)
		if !ok {
			return struct{}{}, errors.New("xcollab: Watch requires a Collaborator created with FromFD")
		}
		afd, err := e.FD(fc.fd)
		if err != nil {
			return struct{}{}, errors.Wrap(err, "xcollab: register fd")
		}

		buf := make([]byte, 4096)
		for {
			if err := y.Readable(afd); err != nil {
				if onClose != nil {
					onClose(err)
				}
				return struct{}{}, err
			}
			n, err := c.Read(buf)
			if n > 0 {
				onData(buf[:n])
			}
			if err != nil {
				if onClose != nil {
					onClose(err)
				}
				return struct{}{}, nil
			}
		}
	})
}
