package netsock

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"
)

// Netdever is the Berkeley sockets style interface exposed by TinyGo
// network drivers: integer descriptors and deadline based Send and Recv.
type Netdever interface {
	GetHostByName(name string) (netip.Addr, error)
	Addr() (netip.Addr, error)
	Socket(domain int, stype int, protocol int) (int, error)
	Bind(sockfd int, ip netip.AddrPort) error
	Connect(sockfd int, host string, ip netip.AddrPort) error
	Listen(sockfd int, backlog int) error
	Accept(sockfd int, ip netip.AddrPort) (int, error)
	Send(sockfd int, buf []byte, flags int, deadline time.Time) (int, error)
	Recv(sockfd int, buf []byte, flags int, deadline time.Time) (int, error)
	Close(sockfd int) error
	SetSockOpt(sockfd int, level int, opt int, value interface{}) error
}

// NetdevConfig configures a [NetdevNIC].
type NetdevConfig struct {
	Name string
	// Prefixes the device routes. Empty routes every address.
	Prefixes []netip.Prefix
	// ErrNotSupported is the driver's sentinel for unimplemented calls, such
	// as drivers.ErrNotSupported. It translates to [ErrNotSupported].
	ErrNotSupported error
	Logger          *slog.Logger
}

// NetdevNIC adapts a [Netdever] driver to the [NIC] contract. Socket
// timeouts become per call deadlines. The driver interface has no deadline
// for Accept, so a non-blocking Accept fails with EAGAIN without calling the
// driver and any other timeout blocks until the driver returns.
type NetdevNIC struct {
	logger
	dev        Netdever
	name       string
	prefixes   []netip.Prefix
	notSupport error
	mu         sync.Mutex
	socks      map[Handle]*netdevSock
}

type netdevSock struct {
	timeout Timeout
	peer    netip.AddrPort
}

var _ NIC = (*NetdevNIC)(nil)

// NewNetdevNIC returns a NIC forwarding to dev.
func NewNetdevNIC(dev Netdever, cfg NetdevConfig) *NetdevNIC {
	if dev == nil {
		panic("netsock: nil Netdever")
	}
	name := cfg.Name
	if name == "" {
		name = "netdev"
	}
	return &NetdevNIC{
		logger:     logger{log: cfg.Logger},
		dev:        dev,
		name:       name,
		prefixes:   append([]netip.Prefix(nil), cfg.Prefixes...),
		notSupport: cfg.ErrNotSupported,
		socks:      make(map[Handle]*netdevSock),
	}
}

func (n *NetdevNIC) Name() string { return n.name }

func (n *NetdevNIC) CanRoute(addr netip.Addr) bool {
	if len(n.prefixes) == 0 {
		return true
	}
	addr = addr.Unmap()
	for _, p := range n.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return addr.IsUnspecified()
}

// NetFlags forwards to the driver when it reports link state.
func (n *NetdevNIC) NetFlags() net.Flags {
	if nf, ok := n.dev.(NetFlagger); ok {
		return nf.NetFlags()
	}
	return LinkFlags(true, true)
}

func (n *NetdevNIC) Open(p Params) (Handle, error) {
	if p.Fileno != -1 {
		return -1, EOPNOTSUPP
	}
	fd, err := n.dev.Socket(int(p.Family), int(p.Type), p.Protocol)
	if err != nil {
		return -1, err
	}
	h := Handle(fd)
	n.mu.Lock()
	n.socks[h] = &netdevSock{timeout: Blocking}
	n.mu.Unlock()
	n.trace("netdev:open", slog.Int("fd", fd))
	return h, nil
}

func (n *NetdevNIC) sock(h Handle) (*netdevSock, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := n.socks[h]
	if s == nil {
		return nil, EBADF
	}
	return s, nil
}

func (n *NetdevNIC) Bind(h Handle, addr netip.AddrPort) error {
	if _, err := n.sock(h); err != nil {
		return err
	}
	return n.dev.Bind(int(h), addr)
}

func (n *NetdevNIC) Listen(h Handle, backlog int) error {
	if _, err := n.sock(h); err != nil {
		return err
	}
	return n.dev.Listen(int(h), backlog)
}

func (n *NetdevNIC) Accept(h Handle) (Handle, netip.AddrPort, error) {
	s, err := n.sock(h)
	if err != nil {
		return -1, netip.AddrPort{}, err
	}
	n.mu.Lock()
	nonblocking := s.timeout.IsNonBlocking()
	n.mu.Unlock()
	if nonblocking {
		return -1, netip.AddrPort{}, EAGAIN
	}
	fd, err := n.dev.Accept(int(h), netip.AddrPort{})
	if err != nil {
		return -1, netip.AddrPort{}, err
	}
	child := Handle(fd)
	n.mu.Lock()
	n.socks[child] = &netdevSock{timeout: Blocking}
	n.mu.Unlock()
	// Netdever drivers do not report the peer address.
	return child, netip.AddrPort{}, nil
}

func (n *NetdevNIC) Connect(h Handle, addr netip.AddrPort) error {
	s, err := n.sock(h)
	if err != nil {
		return err
	}
	err = n.dev.Connect(int(h), "", addr)
	if err != nil {
		return err
	}
	n.mu.Lock()
	s.peer = addr
	n.mu.Unlock()
	return nil
}

func (n *NetdevNIC) Send(h Handle, b []byte) (int, error) {
	s, err := n.sock(h)
	if err != nil {
		return 0, err
	}
	timeout := n.timeoutOf(s)
	nw, err := n.dev.Send(int(h), b, 0, timeout.Deadline(time.Now()))
	return nw, n.deadlineErr(timeout, err)
}

func (n *NetdevNIC) Recv(h Handle, b []byte) (int, error) {
	s, err := n.sock(h)
	if err != nil {
		return 0, err
	}
	timeout := n.timeoutOf(s)
	nr, err := n.dev.Recv(int(h), b, 0, timeout.Deadline(time.Now()))
	return nr, n.deadlineErr(timeout, err)
}

// SendTo connects the descriptor to addr when it is not already talking to
// it, which is how datagram sockets are addressed through a Netdever.
func (n *NetdevNIC) SendTo(h Handle, b []byte, addr netip.AddrPort) (int, error) {
	s, err := n.sock(h)
	if err != nil {
		return 0, err
	}
	n.mu.Lock()
	peer := s.peer
	n.mu.Unlock()
	if peer != addr {
		err = n.Connect(h, addr)
		if err != nil {
			return 0, err
		}
	}
	return n.Send(h, b)
}

func (n *NetdevNIC) RecvFrom(h Handle, b []byte) (int, netip.AddrPort, error) {
	s, err := n.sock(h)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	nr, err := n.Recv(h, b)
	n.mu.Lock()
	peer := s.peer
	n.mu.Unlock()
	return nr, peer, err
}

// SetSockOpt passes integer sized values to the driver as int and anything
// else as the raw bytes.
func (n *NetdevNIC) SetSockOpt(h Handle, level, opt int, value []byte) error {
	if _, err := n.sock(h); err != nil {
		return err
	}
	var v interface{} = value
	if iv, ok := ParseOptInt(value); ok {
		v = int(iv)
	}
	return n.dev.SetSockOpt(int(h), level, opt, v)
}

func (n *NetdevNIC) SetTimeout(h Handle, t Timeout) error {
	s, err := n.sock(h)
	if err != nil {
		return err
	}
	n.mu.Lock()
	s.timeout = t
	n.mu.Unlock()
	return nil
}

func (n *NetdevNIC) Close(h Handle) error {
	n.mu.Lock()
	_, ok := n.socks[h]
	delete(n.socks, h)
	n.mu.Unlock()
	if !ok {
		return EBADF
	}
	return n.dev.Close(int(h))
}

// LookupNetIP resolves host through the driver. Netdever drivers return a
// single address.
func (n *NetdevNIC) LookupNetIP(ctx context.Context, host string) ([]netip.Addr, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	addr, err := n.dev.GetHostByName(host)
	if err != nil {
		return nil, err
	}
	if !addr.IsValid() {
		return nil, ErrUnresolvable
	}
	return []netip.Addr{addr}, nil
}

// TranslateError maps the driver's unsupported sentinel.
func (n *NetdevNIC) TranslateError(err error) (ErrorKind, bool) {
	if n.notSupport != nil && errors.Is(err, n.notSupport) {
		return ErrNotSupported, true
	}
	return 0, false
}

func (n *NetdevNIC) timeoutOf(s *netdevSock) Timeout {
	n.mu.Lock()
	defer n.mu.Unlock()
	return s.timeout
}

// deadlineErr reports an expired deadline as EAGAIN for non-blocking
// sockets and ETIMEDOUT otherwise.
func (n *NetdevNIC) deadlineErr(t Timeout, err error) error {
	if err == nil {
		return nil
	}
	var te interface{ Timeout() bool }
	if !errors.Is(err, os.ErrDeadlineExceeded) && !(errors.As(err, &te) && te.Timeout()) {
		return err
	}
	if t.IsNonBlocking() {
		return EAGAIN
	}
	return ETIMEDOUT
}
