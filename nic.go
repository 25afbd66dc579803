package netsock

import (
	"context"
	"net"
	"net/netip"
	"strconv"
)

// Family is a socket address family.
type Family int

const (
	AF_INET  Family = 2
	AF_INET6 Family = 10
)

func (f Family) String() string {
	switch f {
	case AF_INET:
		return "AF_INET"
	case AF_INET6:
		return "AF_INET6"
	}
	return "Family(" + strconv.Itoa(int(f)) + ")"
}

// Type is a socket type.
type Type int

const (
	SOCK_STREAM Type = 1
	SOCK_DGRAM  Type = 2
	SOCK_RAW    Type = 3
)

func (t Type) String() string {
	switch t {
	case SOCK_STREAM:
		return "SOCK_STREAM"
	case SOCK_DGRAM:
		return "SOCK_DGRAM"
	case SOCK_RAW:
		return "SOCK_RAW"
	}
	return "Type(" + strconv.Itoa(int(t)) + ")"
}

// Params are the creation parameters of a socket. They are fixed when the
// socket is constructed and consumed once by [NIC.Open] when a NIC is selected.
type Params struct {
	Family   Family
	Type     Type
	Protocol int
	// Fileno is an existing descriptor for the NIC to adopt. -1 means none.
	Fileno int
}

// DefaultParams returns a TCP over IPv4 socket configuration with no descriptor to adopt.
func DefaultParams() Params {
	return Params{Family: AF_INET, Type: SOCK_STREAM, Fileno: -1}
}

// Handle is a NIC-private socket reference. It is meaningful only to the NIC that issued it.
type Handle int

// NICID identifies an attached NIC. The zero value identifies no NIC.
type NICID uint16

// NIC is a network interface able to host sockets. Implementations report
// failures as plain errors, commonly an [Errno]; the [Socket] translates them
// into an [ErrorKind].
//
// Blocking happens inside the NIC according to the timeout last set with
// SetTimeout: [Blocking] waits indefinitely, [NonBlocking] fails with EAGAIN
// when the operation cannot complete immediately and a finite timeout fails
// with ETIMEDOUT after roughly that duration.
type NIC interface {
	// Name is a human readable identifier used in logs and errors.
	Name() string
	// CanRoute reports whether the NIC can reach or bind addr.
	CanRoute(addr netip.Addr) bool
	Open(params Params) (Handle, error)
	Bind(h Handle, addr netip.AddrPort) error
	Listen(h Handle, backlog int) error
	// Accept returns a new, independently closable handle and the peer address.
	Accept(h Handle) (Handle, netip.AddrPort, error)
	Connect(h Handle, addr netip.AddrPort) error
	Send(h Handle, b []byte) (int, error)
	// Recv returns 0, nil when the peer closed the connection.
	Recv(h Handle, b []byte) (int, error)
	SendTo(h Handle, b []byte, addr netip.AddrPort) (int, error)
	RecvFrom(h Handle, b []byte) (int, netip.AddrPort, error)
	SetSockOpt(h Handle, level, opt int, value []byte) error
	SetTimeout(h Handle, timeout Timeout) error
	Close(h Handle) error
}

// Ioctler is implemented by NICs supporting device-specific requests on sockets.
type Ioctler interface {
	Ioctl(h Handle, request uint32, arg uintptr) (uintptr, error)
}

// Resolver is implemented by NICs able to resolve host names.
type Resolver interface {
	LookupNetIP(ctx context.Context, host string) ([]netip.Addr, error)
}

// NetFlagger is implemented by NICs that can report link state. A NIC that
// does not report [net.FlagUp] is skipped during NIC selection.
type NetFlagger interface {
	NetFlags() net.Flags
}

// LocalAddrer is implemented by NICs that can report the local address a
// handle is bound to, which is needed to learn an ephemeral port.
type LocalAddrer interface {
	LocalAddr(h Handle) (netip.AddrPort, error)
}

func isUp(nic NIC) bool {
	nf, ok := nic.(NetFlagger)
	return !ok || nf.NetFlags()&net.FlagUp != 0
}
