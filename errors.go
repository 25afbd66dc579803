package netsock

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"os"
)

// ErrorKind classifies a socket failure independently of the NIC that
// reported it. ErrorKind values are themselves errors and are meant to be
// matched with [errors.Is]:
//
//	n, err := sock.Recv(buf)
//	if errors.Is(err, netsock.ErrWouldBlock) {
//		// Try again later.
//	}
type ErrorKind uint8

const (
	_ ErrorKind = iota
	// ErrInternal is the fallback for NIC failures with no specific mapping.
	ErrInternal
	// ErrNotConnected is returned when an operation needs a NIC and none was selected.
	ErrNotConnected
	// ErrUnreachable is returned when no attached NIC can route the address.
	ErrUnreachable
	// ErrWouldBlock is returned by non-blocking operations that cannot complete immediately.
	ErrWouldBlock
	// ErrTimedOut is returned when a finite timeout expires. It matches [os.ErrDeadlineExceeded].
	ErrTimedOut
	// ErrInvalidArgument covers malformed addresses, oversized payloads and bad option values.
	ErrInvalidArgument
	// ErrPeerClosed marks an orderly remote shutdown. Recv reports it as a
	// zero length result, not as this error.
	ErrPeerClosed
	// ErrClosed is returned by operations on a closed socket. It matches [net.ErrClosed].
	ErrClosed
	ErrRefused
	ErrReset
	ErrAddrInUse
	// ErrNotSupported matches [errors.ErrUnsupported].
	ErrNotSupported
	// ErrInProgress is returned by a non-blocking connect that has been started
	// but not completed.
	ErrInProgress
	// ErrUnresolvable is returned by GetAddrInfo when a host name yields no address.
	ErrUnresolvable
	numErrorKinds
)

var kindText = [numErrorKinds]string{
	ErrInternal:        "internal error",
	ErrNotConnected:    "not connected",
	ErrUnreachable:     "network unreachable",
	ErrWouldBlock:      "operation would block",
	ErrTimedOut:        "operation timed out",
	ErrInvalidArgument: "invalid argument",
	ErrPeerClosed:      "peer closed connection",
	ErrClosed:          "use of closed socket",
	ErrRefused:         "connection refused",
	ErrReset:           "connection reset",
	ErrAddrInUse:       "address in use",
	ErrNotSupported:    "operation not supported",
	ErrInProgress:      "operation in progress",
	ErrUnresolvable:    "host name not resolvable",
}

func (k ErrorKind) text() string {
	if k == 0 || k >= numErrorKinds {
		return "unknown error kind"
	}
	return kindText[k]
}

func (k ErrorKind) Error() string { return "netsock: " + k.text() }

func (k ErrorKind) String() string { return k.text() }

// Is lets error kinds match the standard library errors of the same meaning.
func (k ErrorKind) Is(target error) bool {
	switch k {
	case ErrTimedOut:
		return target == os.ErrDeadlineExceeded
	case ErrClosed:
		return target == net.ErrClosed
	case ErrNotSupported:
		return target == errors.ErrUnsupported
	}
	return false
}

// Timeout reports whether k is [ErrTimedOut].
func (k ErrorKind) Timeout() bool { return k == ErrTimedOut }

// Temporary reports whether retrying the operation later may succeed.
func (k ErrorKind) Temporary() bool { return k == ErrWouldBlock || k == ErrTimedOut || k == ErrInProgress }

// OpError is the error returned by [Socket] methods. It carries the
// translated [ErrorKind] and the NIC-reported error it was translated from.
type OpError struct {
	// Op is the socket operation, such as "bind" or "recv".
	Op string
	// NIC is the name of the NIC that handled the operation. Empty if the
	// socket had not selected a NIC.
	NIC string
	// Addr is the address argument of the operation, if any.
	Addr netip.AddrPort
	Kind ErrorKind
	// Err is the NIC-level error. Nil when the failure originated in the socket layer.
	Err error
}

func (e *OpError) Error() string {
	s := "netsock: " + e.Op
	if e.NIC != "" {
		s += " " + e.NIC
	}
	if e.Addr.IsValid() {
		s += " " + e.Addr.String()
	}
	s += ": " + e.Kind.text()
	if e.Err != nil && e.Err != error(e.Kind) {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func (e *OpError) Timeout() bool   { return e.Kind.Timeout() }
func (e *OpError) Temporary() bool { return e.Kind.Temporary() }

// ErrorTranslator is implemented by NICs whose failures need a specific
// mapping onto error kinds. TranslateError returns false to fall back on
// the generic translation.
type ErrorTranslator interface {
	TranslateError(err error) (ErrorKind, bool)
}

// Translate maps a NIC-reported error onto an [ErrorKind]. The mapping is total:
// anything without a specific mapping yields [ErrInternal]. nic may be nil.
func Translate(nic NIC, err error) ErrorKind {
	if err == nil {
		return 0
	}
	if tr, ok := nic.(ErrorTranslator); ok {
		if kind, ok := tr.TranslateError(err); ok && kind != 0 && kind < numErrorKinds {
			return kind
		}
	}
	var kind ErrorKind
	if errors.As(err, &kind) && kind != 0 && kind < numErrorKinds {
		return kind
	}
	var errno Errno
	if errors.As(err, &errno) {
		return errno.Kind()
	}
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return ErrTimedOut
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		return ErrClosed
	case errors.Is(err, io.EOF):
		return ErrPeerClosed
	case errors.Is(err, errors.ErrUnsupported):
		return ErrNotSupported
	}
	return ErrInternal
}

// opError builds the error returned to callers. An error that already is an
// *OpError was translated at a socket boundary and is returned untouched.
func opError(op string, nic NIC, nicName string, addr netip.AddrPort, err error) error {
	var oe *OpError
	if errors.As(err, &oe) {
		return err
	}
	return &OpError{
		Op:   op,
		NIC:  nicName,
		Addr: addr,
		Kind: Translate(nic, err),
		Err:  err,
	}
}

// kindError builds an error that originates in the socket layer itself.
func kindError(op string, nicName string, addr netip.AddrPort, kind ErrorKind) error {
	return &OpError{Op: op, NIC: nicName, Addr: addr, Kind: kind}
}
