package netsock

import "strconv"

// Errno is a POSIX-style error number as reported by NICs. Numbering follows
// MicroPython's errno module, so values match the constants used by
// CircuitPython network drivers.
type Errno int32

const (
	EPERM         Errno = 1
	ENOENT        Errno = 2
	EIO           Errno = 5
	EBADF         Errno = 9
	EAGAIN        Errno = 11
	ENOMEM        Errno = 12
	EACCES        Errno = 13
	EEXIST        Errno = 17
	EINVAL        Errno = 22
	EPIPE         Errno = 32
	EDESTADDRREQ  Errno = 89
	EMSGSIZE      Errno = 90
	ENOPROTOOPT   Errno = 92
	EOPNOTSUPP    Errno = 95
	EAFNOSUPPORT  Errno = 97
	EADDRINUSE    Errno = 98
	EADDRNOTAVAIL Errno = 99
	ENETUNREACH   Errno = 101
	ECONNABORTED  Errno = 103
	ECONNRESET    Errno = 104
	ENOBUFS       Errno = 105
	EISCONN       Errno = 106
	ENOTCONN      Errno = 107
	ETIMEDOUT     Errno = 110
	ECONNREFUSED  Errno = 111
	EHOSTUNREACH  Errno = 113
	EALREADY      Errno = 114
	EINPROGRESS   Errno = 115
)

type errnoInfo struct {
	name string
	text string
	kind ErrorKind
}

var errnoTable = map[Errno]errnoInfo{
	EPERM:         {"EPERM", "operation not permitted", ErrInternal},
	ENOENT:        {"ENOENT", "no such entry", ErrInternal},
	EIO:           {"EIO", "input/output error", ErrInternal},
	EBADF:         {"EBADF", "bad socket handle", ErrClosed},
	EAGAIN:        {"EAGAIN", "resource temporarily unavailable", ErrWouldBlock},
	ENOMEM:        {"ENOMEM", "out of memory", ErrInternal},
	EACCES:        {"EACCES", "permission denied", ErrInternal},
	EEXIST:        {"EEXIST", "already exists", ErrInvalidArgument},
	EINVAL:        {"EINVAL", "invalid argument", ErrInvalidArgument},
	EPIPE:         {"EPIPE", "broken pipe", ErrReset},
	EDESTADDRREQ:  {"EDESTADDRREQ", "destination address required", ErrNotConnected},
	EMSGSIZE:      {"EMSGSIZE", "message too long", ErrInvalidArgument},
	ENOPROTOOPT:   {"ENOPROTOOPT", "protocol option not available", ErrNotSupported},
	EOPNOTSUPP:    {"EOPNOTSUPP", "operation not supported", ErrNotSupported},
	EAFNOSUPPORT:  {"EAFNOSUPPORT", "address family not supported", ErrNotSupported},
	EADDRINUSE:    {"EADDRINUSE", "address in use", ErrAddrInUse},
	EADDRNOTAVAIL: {"EADDRNOTAVAIL", "address not available", ErrInvalidArgument},
	ENETUNREACH:   {"ENETUNREACH", "network unreachable", ErrUnreachable},
	ECONNABORTED:  {"ECONNABORTED", "connection aborted", ErrReset},
	ECONNRESET:    {"ECONNRESET", "connection reset by peer", ErrReset},
	ENOBUFS:       {"ENOBUFS", "no buffer space available", ErrInternal},
	EISCONN:       {"EISCONN", "already connected", ErrInvalidArgument},
	ENOTCONN:      {"ENOTCONN", "not connected", ErrNotConnected},
	ETIMEDOUT:     {"ETIMEDOUT", "timed out", ErrTimedOut},
	ECONNREFUSED:  {"ECONNREFUSED", "connection refused", ErrRefused},
	EHOSTUNREACH:  {"EHOSTUNREACH", "host unreachable", ErrUnreachable},
	EALREADY:      {"EALREADY", "operation already in progress", ErrInProgress},
	EINPROGRESS:   {"EINPROGRESS", "operation in progress", ErrInProgress},
}

func (e Errno) Error() string {
	if info, ok := errnoTable[e]; ok {
		return info.text
	}
	return "errno " + strconv.Itoa(int(e))
}

// String returns the symbolic name of e, such as "EAGAIN".
func (e Errno) String() string {
	if info, ok := errnoTable[e]; ok {
		return info.name
	}
	return "Errno(" + strconv.Itoa(int(e)) + ")"
}

// Kind returns the error kind e translates to. Unknown numbers yield [ErrInternal].
func (e Errno) Kind() ErrorKind {
	if info, ok := errnoTable[e]; ok {
		return info.kind
	}
	return ErrInternal
}

// Is makes an Errno match its error kind, so errors.Is(EAGAIN, ErrWouldBlock) holds.
func (e Errno) Is(target error) bool {
	kind, ok := target.(ErrorKind)
	return ok && kind == e.Kind()
}

func (e Errno) Timeout() bool   { return e == ETIMEDOUT }
func (e Errno) Temporary() bool { return e == EAGAIN || e == ETIMEDOUT || e == EINPROGRESS || e == EALREADY }
