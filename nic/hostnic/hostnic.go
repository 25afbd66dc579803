//go:build linux || darwin

// Package hostnic implements a NIC over the host operating system's sockets.
package hostnic

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/soypat/netsock"
	"golang.org/x/sys/unix"
)

// Config configures a host [NIC].
type Config struct {
	// Name defaults to "host".
	Name string
	// Prefixes restricts the addresses the NIC routes. Empty routes everything.
	Prefixes []netip.Prefix
	Logger   *slog.Logger
}

// NIC forwards socket operations to kernel sockets. Handles are the
// kernel's file descriptors.
type NIC struct {
	log      *slog.Logger
	name     string
	prefixes []netip.Prefix

	mu    sync.Mutex
	socks map[netsock.Handle]*sock
}

type sock struct {
	family  netsock.Family
	typ     netsock.Type
	timeout netsock.Timeout
}

var (
	_ netsock.NIC             = (*NIC)(nil)
	_ netsock.ErrorTranslator = (*NIC)(nil)
	_ netsock.Ioctler         = (*NIC)(nil)
	_ netsock.LocalAddrer     = (*NIC)(nil)
	_ netsock.Resolver        = (*NIC)(nil)
)

func New(cfg Config) *NIC {
	n := &NIC{
		log:      cfg.Logger,
		name:     cfg.Name,
		prefixes: append([]netip.Prefix(nil), cfg.Prefixes...),
		socks:    make(map[netsock.Handle]*sock),
	}
	if n.name == "" {
		n.name = "host"
	}
	return n
}

func (n *NIC) Name() string { return n.name }

func (n *NIC) CanRoute(addr netip.Addr) bool {
	if len(n.prefixes) == 0 {
		return true
	}
	addr = addr.Unmap()
	if addr.IsUnspecified() {
		return true
	}
	for _, p := range n.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Open creates a kernel socket, or duplicates p.Fileno when it is not -1.
// The NIC owns the duplicate; the caller keeps ownership of p.Fileno.
func (n *NIC) Open(p netsock.Params) (netsock.Handle, error) {
	var domain, typ int
	switch p.Family {
	case netsock.AF_INET:
		domain = unix.AF_INET
	case netsock.AF_INET6:
		domain = unix.AF_INET6
	default:
		return -1, unix.EAFNOSUPPORT
	}
	switch p.Type {
	case netsock.SOCK_STREAM:
		typ = unix.SOCK_STREAM
	case netsock.SOCK_DGRAM:
		typ = unix.SOCK_DGRAM
	case netsock.SOCK_RAW:
		typ = unix.SOCK_RAW
	default:
		return -1, unix.EPROTOTYPE
	}
	var fd int
	var err error
	if p.Fileno >= 0 {
		fd, err = unix.Dup(p.Fileno)
	} else {
		fd, err = unix.Socket(domain, typ, p.Protocol)
	}
	if err != nil {
		return -1, err
	}
	unix.CloseOnExec(fd)
	h := netsock.Handle(fd)
	n.mu.Lock()
	n.socks[h] = &sock{family: p.Family, typ: p.Type, timeout: netsock.Blocking}
	n.mu.Unlock()
	n.trace("hostnic:open", slog.Int("fd", fd), slog.Int("adopted", p.Fileno))
	return h, nil
}

func (n *NIC) get(h netsock.Handle) (*sock, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := n.socks[h]
	if s == nil {
		return nil, unix.EBADF
	}
	return s, nil
}

func (n *NIC) timeoutOf(h netsock.Handle) (netsock.Timeout, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := n.socks[h]
	if s == nil {
		return 0, unix.EBADF
	}
	return s.timeout, nil
}

func (n *NIC) Bind(h netsock.Handle, addr netip.AddrPort) error {
	s, err := n.get(h)
	if err != nil {
		return err
	}
	sa, err := sockaddr(s.family, addr)
	if err != nil {
		return err
	}
	return unix.Bind(int(h), sa)
}

func (n *NIC) Listen(h netsock.Handle, backlog int) error {
	if _, err := n.get(h); err != nil {
		return err
	}
	return unix.Listen(int(h), backlog)
}

// Accept returns a blocking socket for the next connection.
func (n *NIC) Accept(h netsock.Handle) (netsock.Handle, netip.AddrPort, error) {
	s, err := n.get(h)
	if err != nil {
		return -1, netip.AddrPort{}, err
	}
	timeout, _ := n.timeoutOf(h)
	var nfd int
	var sa unix.Sockaddr
	err = ignoringEINTR(func() (err error) {
		nfd, sa, err = unix.Accept(int(h))
		return err
	})
	if err != nil {
		return -1, netip.AddrPort{}, timedOut(timeout, err)
	}
	unix.CloseOnExec(nfd)
	// Darwin children inherit O_NONBLOCK from the listener.
	if err = unix.SetNonblock(nfd, false); err != nil {
		unix.Close(nfd)
		return -1, netip.AddrPort{}, err
	}
	child := netsock.Handle(nfd)
	n.mu.Lock()
	n.socks[child] = &sock{family: s.family, typ: s.typ, timeout: netsock.Blocking}
	n.mu.Unlock()
	// Linux children inherit SO_RCVTIMEO and SO_SNDTIMEO from the listener.
	if err = n.SetTimeout(child, netsock.Blocking); err != nil {
		n.Close(child)
		return -1, netip.AddrPort{}, err
	}
	return child, addrPort(sa), nil
}

// Connect connects h to addr. A finite timeout that expires during the
// handshake fails with ETIMEDOUT.
func (n *NIC) Connect(h netsock.Handle, addr netip.AddrPort) error {
	s, err := n.get(h)
	if err != nil {
		return err
	}
	sa, err := sockaddr(s.family, addr)
	if err != nil {
		return err
	}
	timeout, _ := n.timeoutOf(h)
	err = unix.Connect(int(h), sa)
	if err == unix.EINTR {
		// The handshake continues in the background; wait for its outcome.
		err = n.awaitConnect(h, timeout)
	}
	if err == unix.EINPROGRESS && timeout > 0 {
		return unix.ETIMEDOUT
	}
	return err
}

func (n *NIC) awaitConnect(h netsock.Handle, timeout netsock.Timeout) error {
	ms := int(timeout.Millis())
	fds := []unix.PollFd{{Fd: int32(h), Events: unix.POLLOUT}}
	nready, err := unix.Poll(fds, ms)
	switch {
	case err != nil:
		return err
	case nready == 0:
		return unix.EINPROGRESS
	}
	soerr, err := unix.GetsockoptInt(int(h), unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if soerr != 0 {
		return unix.Errno(soerr)
	}
	return nil
}

func (n *NIC) Send(h netsock.Handle, b []byte) (int, error) {
	return n.sendto(h, b, nil)
}

func (n *NIC) SendTo(h netsock.Handle, b []byte, addr netip.AddrPort) (int, error) {
	s, err := n.get(h)
	if err != nil {
		return 0, err
	}
	sa, err := sockaddr(s.family, addr)
	if err != nil {
		return 0, err
	}
	return n.sendto(h, b, sa)
}

func (n *NIC) sendto(h netsock.Handle, b []byte, to unix.Sockaddr) (int, error) {
	timeout, err := n.timeoutOf(h)
	if err != nil {
		return 0, err
	}
	var nw int
	err = ignoringEINTR(func() (err error) {
		nw, err = unix.SendmsgN(int(h), b, nil, to, 0)
		return err
	})
	return nw, timedOut(timeout, err)
}

// Recv returns 0 with a nil error when a stream peer closed.
func (n *NIC) Recv(h netsock.Handle, b []byte) (int, error) {
	nr, _, err := n.RecvFrom(h, b)
	return nr, err
}

func (n *NIC) RecvFrom(h netsock.Handle, b []byte) (int, netip.AddrPort, error) {
	timeout, err := n.timeoutOf(h)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	var nr int
	var from unix.Sockaddr
	err = ignoringEINTR(func() (err error) {
		nr, from, err = unix.Recvfrom(int(h), b, 0)
		return err
	})
	if err != nil {
		return 0, netip.AddrPort{}, timedOut(timeout, err)
	}
	return nr, addrPort(from), nil
}

// SetSockOpt maps the portable option numbers onto the host's. Integer
// values go through setsockopt as int, others as raw bytes.
func (n *NIC) SetSockOpt(h netsock.Handle, level, opt int, value []byte) error {
	if _, err := n.get(h); err != nil {
		return err
	}
	hlevel, hopt, ok := hostOption(level, opt)
	if !ok {
		return unix.ENOPROTOOPT
	}
	if v, ok := netsock.ParseOptInt(value); ok {
		return unix.SetsockoptInt(int(h), hlevel, hopt, int(v))
	}
	return unix.SetsockoptString(int(h), hlevel, hopt, string(value))
}

func hostOption(level, opt int) (hlevel, hopt int, ok bool) {
	switch {
	case level == netsock.SOL_SOCKET && opt == netsock.SO_REUSEADDR:
		return unix.SOL_SOCKET, unix.SO_REUSEADDR, true
	case level == netsock.SOL_SOCKET && opt == netsock.SO_KEEPALIVE:
		return unix.SOL_SOCKET, unix.SO_KEEPALIVE, true
	case level == netsock.SOL_SOCKET && opt == netsock.SO_BROADCAST:
		return unix.SOL_SOCKET, unix.SO_BROADCAST, true
	case level == netsock.IPPROTO_TCP && opt == netsock.TCP_NODELAY:
		return unix.IPPROTO_TCP, unix.TCP_NODELAY, true
	}
	return 0, 0, false
}

// SetTimeout switches the descriptor between non-blocking mode and
// blocking mode with SO_RCVTIMEO and SO_SNDTIMEO limits.
func (n *NIC) SetTimeout(h netsock.Handle, t netsock.Timeout) error {
	s, err := n.get(h)
	if err != nil {
		return err
	}
	fd := int(h)
	err = unix.SetNonblock(fd, t.IsNonBlocking())
	if err != nil {
		return err
	}
	var tv unix.Timeval // Zero is no limit.
	if d, ok := t.Duration(); ok {
		tv = unix.NsecToTimeval(max(d, time.Microsecond).Nanoseconds())
	}
	if !t.IsNonBlocking() {
		if err = unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
			return err
		}
		if err = unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv); err != nil {
			return err
		}
	}
	n.mu.Lock()
	s.timeout = t
	n.mu.Unlock()
	return nil
}

// Ioctl implements [netsock.IoctlPoll] with poll(2).
func (n *NIC) Ioctl(h netsock.Handle, request uint32, arg uintptr) (uintptr, error) {
	if _, err := n.get(h); err != nil {
		return 0, err
	}
	if request != netsock.IoctlPoll {
		return 0, unix.EINVAL
	}
	var events int16
	if arg&netsock.PollRD != 0 {
		events |= unix.POLLIN
	}
	if arg&netsock.PollWR != 0 {
		events |= unix.POLLOUT
	}
	fds := []unix.PollFd{{Fd: int32(h), Events: events}}
	err := ignoringEINTR(func() error {
		_, err := unix.Poll(fds, 0)
		return err
	})
	if err != nil {
		return 0, err
	}
	var ready uintptr
	rev := fds[0].Revents
	if rev&unix.POLLIN != 0 {
		ready |= netsock.PollRD
	}
	if rev&unix.POLLOUT != 0 {
		ready |= netsock.PollWR
	}
	if rev&unix.POLLERR != 0 {
		ready |= netsock.PollErr
	}
	if rev&unix.POLLHUP != 0 {
		ready |= netsock.PollHUP
	}
	return ready, nil
}

func (n *NIC) LocalAddr(h netsock.Handle) (netip.AddrPort, error) {
	if _, err := n.get(h); err != nil {
		return netip.AddrPort{}, err
	}
	sa, err := unix.Getsockname(int(h))
	if err != nil {
		return netip.AddrPort{}, err
	}
	return addrPort(sa), nil
}

func (n *NIC) Close(h netsock.Handle) error {
	n.mu.Lock()
	_, ok := n.socks[h]
	delete(n.socks, h)
	n.mu.Unlock()
	if !ok {
		return unix.EBADF
	}
	n.trace("hostnic:close", slog.Int("fd", int(h)))
	return unix.Close(int(h))
}

// LookupNetIP resolves host with the host's resolver configuration.
func (n *NIC) LookupNetIP(ctx context.Context, host string) ([]netip.Addr, error) {
	return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
}

// TranslateError maps kernel errors onto error kinds.
func (n *NIC) TranslateError(err error) (netsock.ErrorKind, bool) {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return 0, false
	}
	switch errno {
	case unix.EAGAIN:
		return netsock.ErrWouldBlock, true
	case unix.ETIMEDOUT:
		return netsock.ErrTimedOut, true
	case unix.EINPROGRESS, unix.EALREADY:
		return netsock.ErrInProgress, true
	case unix.ECONNREFUSED:
		return netsock.ErrRefused, true
	case unix.ECONNRESET, unix.ECONNABORTED, unix.EPIPE:
		return netsock.ErrReset, true
	case unix.EADDRINUSE:
		return netsock.ErrAddrInUse, true
	case unix.ENOTCONN, unix.EDESTADDRREQ:
		return netsock.ErrNotConnected, true
	case unix.ENETUNREACH, unix.EHOSTUNREACH:
		return netsock.ErrUnreachable, true
	case unix.EINVAL, unix.EADDRNOTAVAIL, unix.EMSGSIZE, unix.EISCONN:
		return netsock.ErrInvalidArgument, true
	case unix.EOPNOTSUPP, unix.ENOPROTOOPT, unix.EAFNOSUPPORT, unix.EPROTOTYPE, unix.EPROTONOSUPPORT:
		return netsock.ErrNotSupported, true
	case unix.EBADF:
		return netsock.ErrClosed, true
	}
	return 0, false
}

func (n *NIC) trace(msg string, attrs ...slog.Attr) {
	if n.log != nil {
		n.log.LogAttrs(context.Background(), slog.LevelDebug-1, msg, attrs...)
	}
}

// timedOut reports an EAGAIN caused by an expired SO_RCVTIMEO or
// SO_SNDTIMEO as ETIMEDOUT.
func timedOut(t netsock.Timeout, err error) error {
	if err == unix.EAGAIN && t > 0 {
		return unix.ETIMEDOUT
	}
	return err
}

func ignoringEINTR(fn func() error) error {
	for {
		err := fn()
		if err != unix.EINTR {
			return err
		}
	}
}

func sockaddr(family netsock.Family, addr netip.AddrPort) (unix.Sockaddr, error) {
	ip := addr.Addr()
	port := int(addr.Port())
	switch family {
	case netsock.AF_INET:
		ip = ip.Unmap()
		if !ip.Is4() {
			return nil, unix.EAFNOSUPPORT
		}
		return &unix.SockaddrInet4{Port: port, Addr: ip.As4()}, nil
	case netsock.AF_INET6:
		if !ip.IsValid() {
			return nil, unix.EINVAL
		}
		return &unix.SockaddrInet6{Port: port, Addr: ip.As16()}, nil
	}
	return nil, unix.EAFNOSUPPORT
}

func addrPort(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port))
	}
	return netip.AddrPort{}
}
