// Package loopnic implements an in-memory NIC. Stream and datagram sockets
// opened on it talk only to other sockets of the same NIC, which makes it
// the loopback interface of a [netsock.Registry] and a test double for
// driver-backed NICs.
package loopnic

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/soypat/netsock"
	"github.com/soypat/netsock/internal/blocking"
)

const (
	ephemeralFirst = 49152
	ephemeralLast  = 65535
	// maxDatagram is the largest UDP payload over IPv4.
	maxDatagram = 65507
	// dgramQueueLen is the number of datagrams a socket buffers before dropping.
	dgramQueueLen = 32
	defaultMaxSockets = 16
)

// Config configures a loopback [NIC].
type Config struct {
	// Name defaults to "lo".
	Name string
	// Prefixes routed by the NIC. Defaults to 127.0.0.0/8 and ::1/128.
	Prefixes []netip.Prefix
	// MaxSockets limits the number of open handles. Defaults to 16.
	MaxSockets int
	Logger     *slog.Logger
}

// NIC is an in-memory network interface. It is safe for concurrent use.
type NIC struct {
	log      *slog.Logger
	name     string
	prefixes []netip.Prefix
	maxSocks int

	mu         sync.Mutex
	down       bool
	lastHandle netsock.Handle
	ephemeral  int
	socks      map[netsock.Handle]*sock
}

var (
	_ netsock.NIC         = (*NIC)(nil)
	_ netsock.Ioctler     = (*NIC)(nil)
	_ netsock.NetFlagger  = (*NIC)(nil)
	_ netsock.LocalAddrer = (*NIC)(nil)
	_ netsock.Resolver    = (*NIC)(nil)
)

// New returns a loopback NIC that is up.
func New(cfg Config) *NIC {
	n := &NIC{
		log:      cfg.Logger,
		name:     cfg.Name,
		prefixes: append([]netip.Prefix(nil), cfg.Prefixes...),
		maxSocks: cfg.MaxSockets,
		socks:    make(map[netsock.Handle]*sock),
	}
	if n.name == "" {
		n.name = "lo"
	}
	if len(n.prefixes) == 0 {
		n.prefixes = []netip.Prefix{
			netip.MustParsePrefix("127.0.0.0/8"),
			netip.MustParsePrefix("::1/128"),
		}
	}
	if n.maxSocks <= 0 {
		n.maxSocks = defaultMaxSockets
	}
	return n
}

func (n *NIC) Name() string { return n.name }

// CanRoute reports whether addr is the wildcard address or falls within
// one of the NIC's prefixes.
func (n *NIC) CanRoute(addr netip.Addr) bool {
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

// SetUp brings the interface up or down. A NIC that is down is skipped
// during NIC selection; sockets already bound to it keep working.
func (n *NIC) SetUp(up bool) {
	n.mu.Lock()
	n.down = !up
	n.mu.Unlock()
	n.info("loopnic:link", slog.String("nic", n.name), slog.Bool("up", up))
}

func (n *NIC) NetFlags() net.Flags {
	n.mu.Lock()
	defer n.mu.Unlock()
	return netsock.LinkFlags(!n.down, !n.down) | net.FlagLoopback
}

// LookupNetIP resolves "localhost" to the loopback addresses the NIC routes.
func (n *NIC) LookupNetIP(ctx context.Context, host string) ([]netip.Addr, error) {
	if host != "localhost" {
		return nil, netsock.ENOENT
	}
	var addrs []netip.Addr
	for _, p := range n.prefixes {
		if p.Addr().IsLoopback() {
			addrs = append(addrs, loopbackOf(p))
		}
	}
	if len(addrs) == 0 {
		return nil, netsock.ENOENT
	}
	return addrs, nil
}

// loopbackOf returns the conventional host address of a loopback prefix.
func loopbackOf(p netip.Prefix) netip.Addr {
	addr := p.Masked().Addr()
	if p.Bits() == addr.BitLen() {
		return addr
	}
	return addr.Next()
}

// Open creates a stream or datagram socket.
func (n *NIC) Open(p netsock.Params) (netsock.Handle, error) {
	switch {
	case p.Fileno != -1:
		return -1, netsock.EOPNOTSUPP
	case p.Family != netsock.AF_INET && p.Family != netsock.AF_INET6:
		return -1, netsock.EAFNOSUPPORT
	case p.Type != netsock.SOCK_STREAM && p.Type != netsock.SOCK_DGRAM:
		return -1, netsock.EOPNOTSUPP
	}
	s := newSock(p)
	n.mu.Lock()
	defer n.mu.Unlock()
	h, err := n.alloc(s)
	if err != nil {
		return -1, err
	}
	n.trace("loopnic:open", slog.Int("handle", int(h)), slog.String("type", p.Type.String()))
	return h, nil
}

// alloc adds s to the socket table. Called with n.mu held.
func (n *NIC) alloc(s *sock) (netsock.Handle, error) {
	if len(n.socks) >= n.maxSocks {
		return -1, netsock.ENOBUFS
	}
	n.lastHandle++
	n.socks[n.lastHandle] = s
	return n.lastHandle, nil
}

// get returns the socket for h. Called with n.mu held.
func (n *NIC) get(h netsock.Handle) (*sock, error) {
	s := n.socks[h]
	if s == nil {
		return nil, netsock.EBADF
	}
	return s, nil
}

func (n *NIC) Bind(h netsock.Handle, addr netip.AddrPort) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, err := n.get(h)
	if err != nil {
		return err
	}
	if s.bound {
		return netsock.EINVAL
	}
	return n.bind(s, addr)
}

// bind assigns a local address to s, picking an ephemeral port for port 0.
// Called with n.mu held.
func (n *NIC) bind(s *sock, addr netip.AddrPort) error {
	ip, err := n.familyAddr(s, addr.Addr())
	if err != nil {
		return err
	}
	if !ip.IsUnspecified() && !n.CanRoute(ip) {
		return netsock.EADDRNOTAVAIL
	}
	port := addr.Port()
	if port == 0 {
		port, err = n.ephemeralPort(s, ip)
		if err != nil {
			return err
		}
	} else if n.inUse(s, ip, port) {
		return netsock.EADDRINUSE
	}
	s.local = netip.AddrPortFrom(ip, port)
	s.bound = true
	n.debug("loopnic:bind", slog.String("addr", s.local.String()))
	return nil
}

// familyAddr checks ip against the socket family.
func (n *NIC) familyAddr(s *sock, ip netip.Addr) (netip.Addr, error) {
	if s.params.Family == netsock.AF_INET {
		ip = ip.Unmap()
		if !ip.Is4() {
			return ip, netsock.EAFNOSUPPORT
		}
		return ip, nil
	}
	if !ip.Is6() {
		return ip, netsock.EAFNOSUPPORT
	}
	return ip, nil
}

// inUse reports whether binding s to ip:port conflicts with another socket.
// A socket with SO_REUSEADDR may share the port of sockets that are not listening.
func (n *NIC) inUse(s *sock, ip netip.Addr, port uint16) bool {
	reuse := s.optBool(netsock.SOL_SOCKET, netsock.SO_REUSEADDR)
	for _, o := range n.socks {
		if o == s || !o.bound || o.child || o.params.Type != s.params.Type || o.local.Port() != port {
			continue
		}
		oip := o.local.Addr()
		if oip != ip && !oip.IsUnspecified() && !ip.IsUnspecified() {
			continue
		}
		if reuse && !o.listening {
			continue
		}
		return true
	}
	return false
}

func (n *NIC) ephemeralPort(s *sock, ip netip.Addr) (uint16, error) {
	const count = ephemeralLast - ephemeralFirst + 1
	for i := 0; i < count; i++ {
		port := uint16(ephemeralFirst + (n.ephemeral+i)%count)
		if !n.inUse(s, ip, port) {
			n.ephemeral = (n.ephemeral + i + 1) % count
			return port, nil
		}
	}
	return 0, netsock.EADDRINUSE
}

// autobind binds s to an ephemeral port before it sends or connects to dst.
// Called with n.mu held.
func (n *NIC) autobind(s *sock, dst netip.Addr) error {
	if s.bound {
		return nil
	}
	local := dst.Unmap()
	if s.params.Family == netsock.AF_INET6 {
		local = dst
	}
	if local.IsUnspecified() || !n.CanRoute(local) {
		local = netip.IPv4Unspecified()
		if s.params.Family == netsock.AF_INET6 {
			local = netip.IPv6Unspecified()
		}
	}
	return n.bind(s, netip.AddrPortFrom(local, 0))
}

// Listen starts accepting connections on a bound stream socket. The backlog
// is at least one connection.
func (n *NIC) Listen(h netsock.Handle, backlog int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, err := n.get(h)
	switch {
	case err != nil:
		return err
	case s.params.Type != netsock.SOCK_STREAM:
		return netsock.EOPNOTSUPP
	case s.peer != nil:
		return netsock.EISCONN
	case !s.bound:
		return netsock.EINVAL
	case s.listening:
		return nil
	}
	if n.inUseByListener(s) {
		return netsock.EADDRINUSE
	}
	s.listening = true
	s.accept = make(chan *sock, max(backlog, 1))
	n.debug("loopnic:listen", slog.String("addr", s.local.String()), slog.Int("backlog", cap(s.accept)))
	return nil
}

func (n *NIC) inUseByListener(s *sock) bool {
	for _, o := range n.socks {
		if o != s && o.listening && o.local.Port() == s.local.Port() &&
			(o.local.Addr() == s.local.Addr() || o.local.Addr().IsUnspecified() || s.local.Addr().IsUnspecified()) {
			return true
		}
	}
	return false
}

// Accept waits for a queued connection according to the socket timeout.
func (n *NIC) Accept(h netsock.Handle) (netsock.Handle, netip.AddrPort, error) {
	n.mu.Lock()
	s, err := n.get(h)
	if err == nil && !s.listening {
		err = netsock.EINVAL
	}
	if err != nil {
		n.mu.Unlock()
		return -1, netip.AddrPort{}, err
	}
	queue, timeout := s.accept, s.timeout
	n.mu.Unlock()

	child, ok, err := blocking.Wait(blocking.Start(timeout), queue)
	if err != nil {
		return -1, netip.AddrPort{}, err
	}
	if !ok {
		// Listener closed while waiting.
		return -1, netip.AddrPort{}, netsock.EBADF
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, err := n.alloc(child)
	if err != nil {
		child.shutdown()
		return -1, netip.AddrPort{}, err
	}
	n.debug("loopnic:accept", slog.Int("handle", int(ch)), slog.String("peer", child.remote.String()))
	return ch, child.remote, nil
}

// Connect connects a stream socket to a listener of this NIC or sets the
// default destination of a datagram socket. Stream connections complete
// immediately or fail with ECONNREFUSED.
func (n *NIC) Connect(h netsock.Handle, addr netip.AddrPort) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, err := n.get(h)
	if err != nil {
		return err
	}
	ip, err := n.familyAddr(s, addr.Addr())
	if err != nil {
		return err
	}
	addr = netip.AddrPortFrom(ip, addr.Port())
	if s.params.Type == netsock.SOCK_DGRAM {
		if err = n.autobind(s, addr.Addr()); err != nil {
			return err
		}
		s.remote = addr
		return nil
	}
	switch {
	case s.peer != nil:
		return netsock.EISCONN
	case s.listening:
		return netsock.EINVAL
	}
	l := n.listenerFor(addr)
	if l == nil {
		return netsock.ECONNREFUSED
	}
	if err = n.autobind(s, addr.Addr()); err != nil {
		return err
	}
	child := newSock(s.params)
	child.child = true
	child.bound = true
	child.local = addr
	if child.local.Addr().IsUnspecified() {
		child.local = netip.AddrPortFrom(s.local.Addr(), addr.Port())
	}
	child.remote = s.local
	child.peer, s.peer = s, child
	select {
	case l.accept <- child:
	default:
		child.peer, s.peer = nil, nil
		return netsock.ECONNREFUSED
	}
	s.remote = addr
	n.debug("loopnic:connect", slog.String("local", s.local.String()), slog.String("remote", addr.String()))
	return nil
}

// listenerFor finds the listening socket accepting connections to addr.
// Listeners bound to the exact address take precedence over wildcard ones.
func (n *NIC) listenerFor(addr netip.AddrPort) *sock {
	ip := addr.Addr().Unmap()
	var wildcard *sock
	for _, o := range n.socks {
		if !o.listening || o.closed || o.local.Port() != addr.Port() {
			continue
		}
		switch {
		case o.local.Addr() == ip:
			return o
		case o.local.Addr().IsUnspecified() || ip.IsUnspecified():
			wildcard = o
		}
	}
	return wildcard
}

// Send writes to the connected peer of a stream socket or to the default
// destination of a datagram socket. Stream sends never block.
func (n *NIC) Send(h netsock.Handle, b []byte) (int, error) {
	n.mu.Lock()
	s, err := n.get(h)
	if err != nil {
		n.mu.Unlock()
		return 0, err
	}
	if s.params.Type == netsock.SOCK_DGRAM {
		defer n.mu.Unlock()
		if !s.remote.IsValid() {
			return 0, netsock.EDESTADDRREQ
		}
		return n.sendto(s, b, s.remote)
	}
	peer := s.peer
	n.mu.Unlock()
	if peer == nil {
		return 0, netsock.ENOTCONN
	}
	return peer.in.write(b)
}

// Recv reads from a stream socket, returning 0 once the peer closed and
// all buffered data was read. On datagram sockets it reads one datagram.
func (n *NIC) Recv(h netsock.Handle, b []byte) (int, error) {
	n.mu.Lock()
	s, err := n.get(h)
	if err != nil {
		n.mu.Unlock()
		return 0, err
	}
	if s.params.Type == netsock.SOCK_DGRAM {
		n.mu.Unlock()
		nr, _, err := n.recvfrom(s, b)
		return nr, err
	}
	connected, timeout := s.peer != nil, s.timeout
	n.mu.Unlock()
	if !connected {
		return 0, netsock.ENOTCONN
	}
	return s.in.read(b, blocking.Start(timeout))
}

// SendTo sends a datagram to addr, binding the socket to an ephemeral port
// first if needed. On connected stream sockets addr is ignored.
func (n *NIC) SendTo(h netsock.Handle, b []byte, addr netip.AddrPort) (int, error) {
	n.mu.Lock()
	s, err := n.get(h)
	if err != nil {
		n.mu.Unlock()
		return 0, err
	}
	if s.params.Type == netsock.SOCK_STREAM {
		n.mu.Unlock()
		return n.Send(h, b)
	}
	defer n.mu.Unlock()
	if _, err = n.familyAddr(s, addr.Addr()); err != nil {
		return 0, err
	}
	if err = n.autobind(s, addr.Addr()); err != nil {
		return 0, err
	}
	return n.sendto(s, b, addr)
}

// sendto delivers a datagram. Datagrams to absent destinations or full
// queues are dropped as they would be on a real network. Called with n.mu held.
func (n *NIC) sendto(s *sock, b []byte, addr netip.AddrPort) (int, error) {
	if len(b) > maxDatagram {
		return 0, netsock.EMSGSIZE
	}
	dst := n.datagramDst(addr)
	if dst == nil {
		n.trace("loopnic:drop-unreachable", slog.String("dst", addr.String()))
		return len(b), nil
	}
	from := s.local
	if from.Addr().IsUnspecified() && !addr.Addr().IsUnspecified() {
		from = netip.AddrPortFrom(addr.Addr(), from.Port())
	}
	select {
	case dst.dgrams <- datagram{data: append([]byte(nil), b...), from: from}:
	default:
		n.trace("loopnic:drop-full", slog.String("dst", addr.String()))
	}
	return len(b), nil
}

func (n *NIC) datagramDst(addr netip.AddrPort) *sock {
	ip := addr.Addr().Unmap()
	for _, o := range n.socks {
		if o.params.Type != netsock.SOCK_DGRAM || !o.bound || o.closed || o.local.Port() != addr.Port() {
			continue
		}
		if o.local.Addr() == ip || o.local.Addr().IsUnspecified() || ip.IsUnspecified() {
			return o
		}
	}
	return nil
}

// RecvFrom reads a datagram and its sender. Datagrams larger than b are truncated.
func (n *NIC) RecvFrom(h netsock.Handle, b []byte) (int, netip.AddrPort, error) {
	n.mu.Lock()
	s, err := n.get(h)
	if err != nil {
		n.mu.Unlock()
		return 0, netip.AddrPort{}, err
	}
	if s.params.Type == netsock.SOCK_STREAM {
		remote := s.remote
		n.mu.Unlock()
		nr, err := n.Recv(h, b)
		return nr, remote, err
	}
	n.mu.Unlock()
	return n.recvfrom(s, b)
}

func (n *NIC) recvfrom(s *sock, b []byte) (int, netip.AddrPort, error) {
	n.mu.Lock()
	bound, timeout := s.bound, s.timeout
	n.mu.Unlock()
	if !bound {
		return 0, netip.AddrPort{}, netsock.EINVAL
	}
	dg, ok, err := blocking.Wait(blocking.Start(timeout), s.dgrams)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	if !ok {
		return 0, netip.AddrPort{}, netsock.EBADF
	}
	return copy(b, dg.data), dg.from, nil
}

// SetSockOpt stores an option. SO_REUSEADDR affects subsequent binds; the
// remaining known options are accepted and can be read back with Option.
func (n *NIC) SetSockOpt(h netsock.Handle, level, opt int, value []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, err := n.get(h)
	if err != nil {
		return err
	}
	if !knownOption(level, opt) {
		return netsock.ENOPROTOOPT
	}
	if _, ok := netsock.ParseOptInt(value); !ok {
		return netsock.EINVAL
	}
	s.opts[optKey{level, opt}] = append([]byte(nil), value...)
	return nil
}

func knownOption(level, opt int) bool {
	switch level {
	case netsock.SOL_SOCKET:
		return opt == netsock.SO_REUSEADDR || opt == netsock.SO_KEEPALIVE || opt == netsock.SO_BROADCAST
	case netsock.IPPROTO_TCP:
		return opt == netsock.TCP_NODELAY
	}
	return false
}

// Option returns the value last set for an option on h.
func (n *NIC) Option(h netsock.Handle, level, opt int) ([]byte, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := n.socks[h]
	if s == nil {
		return nil, false
	}
	v, ok := s.opts[optKey{level, opt}]
	return v, ok
}

func (n *NIC) SetTimeout(h netsock.Handle, t netsock.Timeout) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, err := n.get(h)
	if err != nil {
		return err
	}
	s.timeout = t
	return nil
}

// Ioctl implements [netsock.IoctlPoll].
func (n *NIC) Ioctl(h netsock.Handle, request uint32, arg uintptr) (uintptr, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, err := n.get(h)
	if err != nil {
		return 0, err
	}
	if request != netsock.IoctlPoll {
		return 0, netsock.EINVAL
	}
	return s.poll() & (arg | netsock.PollErr | netsock.PollHUP), nil
}

func (n *NIC) LocalAddr(h netsock.Handle) (netip.AddrPort, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, err := n.get(h)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if !s.bound {
		return netip.AddrPort{}, netsock.EINVAL
	}
	return s.local, nil
}

// Close releases h. The connected peer of a stream socket reads end of
// stream and connections queued on a listener are reset.
func (n *NIC) Close(h netsock.Handle) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, err := n.get(h)
	if err != nil {
		return err
	}
	delete(n.socks, h)
	s.shutdown()
	n.trace("loopnic:close", slog.Int("handle", int(h)))
	return nil
}

// NumOpen returns the number of open handles.
func (n *NIC) NumOpen() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.socks)
}

func (n *NIC) info(msg string, attrs ...slog.Attr) {
	n.logattrs(slog.LevelInfo, msg, attrs...)
}

func (n *NIC) debug(msg string, attrs ...slog.Attr) {
	n.logattrs(slog.LevelDebug, msg, attrs...)
}

func (n *NIC) trace(msg string, attrs ...slog.Attr) {
	n.logattrs(slog.LevelDebug-1, msg, attrs...)
}

func (n *NIC) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if n.log != nil {
		n.log.LogAttrs(context.Background(), level, msg, attrs...)
	}
}
