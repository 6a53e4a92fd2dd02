// Package wlcore wires together the event loop, async runtime, client
// transport, GPU presentation core and acceptor into a running
// compositor server.
package wlcore

import (
	goerrors "errors"
	"fmt"
	"syscall"

	"github.com/pkg/errors"
)

// Error is a structured server-level error carrying enough context to
// log or report back to a client without re-deriving it from a bare
// string. ConnID/ObjectID are zero when not applicable.
type Error struct {
	Op       string // Operation that failed (e.g. "accept", "gpu.allocate", "config.load")
	ConnID   uint32 // Connection id, 0 if not applicable
	ObjectID uint32 // Wayland object id, 0 if not applicable
	Code     ErrorCode
	Errno    syscall.Errno
	Msg      string
	Inner    error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	switch {
	case e.ObjectID != 0:
		return fmt.Sprintf("wlcore: %s (op=%s object=%d)", msg, e.Op, e.ObjectID)
	case e.ConnID != 0:
		return fmt.Sprintf("wlcore: %s (op=%s conn=%d)", msg, e.Op, e.ConnID)
	case e.Op != "":
		return fmt.Sprintf("wlcore: %s (op=%s)", msg, e.Op)
	default:
		return fmt.Sprintf("wlcore: %s", msg)
	}
}

func (e *Error) Unwrap() error { return e.Inner }

// Is supports errors.Is comparison against either a bare ErrorCode or
// another *Error with a matching Code.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if code, ok := target.(ErrorCode); ok {
		return e.Code == code
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode is a high-level error category. The protocol-facing ones
// mirror wl_display's wire error codes; the rest are server-internal.
type ErrorCode string

func (c ErrorCode) Error() string { return string(c) }

const (
	// Protocol-facing, numbered to match wl_display.error's argument;
	// see ProtocolErrorArg.
	ErrCodeInvalidObject  ErrorCode = "invalid object"
	ErrCodeInvalidMethod  ErrorCode = "invalid method"
	ErrCodeNoMemory       ErrorCode = "no memory"
	ErrCodeImplementation ErrorCode = "implementation error"

	// Server-internal.
	ErrCodeSocketUnavailable ErrorCode = "no socket name available"
	ErrCodeGPUUnavailable    ErrorCode = "no usable GPU found"
	ErrCodeConfigInvalid     ErrorCode = "invalid configuration"
	ErrCodeIOError           ErrorCode = "I/O error"
	ErrCodeTimeout           ErrorCode = "timeout"
	ErrCodePermissionDenied  ErrorCode = "permission denied"
	ErrCodeAlreadyRunning    ErrorCode = "server already running"
)

// ProtocolErrorArg maps a wl_display error code to its wire argument
// value, per the Wayland core protocol.
func ProtocolErrorArg(code ErrorCode) uint32 {
	switch code {
	case ErrCodeInvalidObject:
		return 0
	case ErrCodeInvalidMethod:
		return 1
	case ErrCodeNoMemory:
		return 2
	default:
		return 3 // IMPLEMENTATION
	}
}

// NewError creates a structured error with no connection/object context.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewConnError creates a structured error scoped to a connection.
func NewConnError(op string, connID uint32, code ErrorCode, msg string) *Error {
	return &Error{Op: op, ConnID: connID, Code: code, Msg: msg}
}

// NewObjectError creates a structured error scoped to a protocol object.
func NewObjectError(op string, connID, objectID uint32, code ErrorCode, msg string) *Error {
	return &Error{Op: op, ConnID: connID, ObjectID: objectID, Code: code, Msg: msg}
}

// WrapError wraps inner with server context, mapping a bare syscall
// errno to its nearest ErrorCode and preserving errors.Is/As through
// github.com/pkg/errors' causer chain.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	if we, ok := inner.(*Error); ok {
		return &Error{
			Op:       op,
			ConnID:   we.ConnID,
			ObjectID: we.ObjectID,
			Code:     we.Code,
			Errno:    we.Errno,
			Msg:      we.Msg,
			Inner:    we.Inner,
		}
	}

	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{
			Op:    op,
			Code:  mapErrnoToCode(errno),
			Errno: errno,
			Msg:   errno.Error(),
			Inner: errors.WithStack(inner),
		}
	}

	return &Error{
		Op:    op,
		Code:  ErrCodeIOError,
		Msg:   inner.Error(),
		Inner: errors.WithStack(inner),
	}
}

func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.ENOENT:
		return ErrCodeInvalidObject
	case syscall.ENOMEM, syscall.ENOSPC:
		return ErrCodeNoMemory
	case syscall.EINVAL, syscall.E2BIG:
		return ErrCodeConfigInvalid
	case syscall.EPERM, syscall.EACCES:
		return ErrCodePermissionDenied
	case syscall.ETIMEDOUT:
		return ErrCodeTimeout
	case syscall.EADDRINUSE:
		return ErrCodeSocketUnavailable
	default:
		return ErrCodeIOError
	}
}

// IsCode reports whether err's chain contains a *Error with the given
// code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if goerrors.As(err, &e) {
		return e.Code == code
	}
	return false
}
