// Package stacknic implements a NIC on top of the seqs userspace TCP/IP
// stack, driving an Ethernet device such as the CYW43439 WiFi chip of the
// Raspberry Pi Pico W.
//
// The NIC hosts stream sockets only. Frames move between the device and the
// stack in [NIC.Run], which must be running for any socket to make progress.
package stacknic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/soypat/netsock"
	"github.com/soypat/netsock/internal/blocking"
	"github.com/soypat/seqs"
	"github.com/soypat/seqs/eth/dhcp"
	"github.com/soypat/seqs/eth/dns"
	"github.com/soypat/seqs/stacks"
)

// maxFrame is the size of the frame buffers exchanged with the device.
const maxFrame = 2048

const (
	defaultMaxConns = 4
	defaultBufSize  = 2048
	ephemeralFirst  = 49152
	// arpTimeout bounds address resolution independently of the socket
	// timeout, since a hardware address must be known before dialing.
	arpTimeout   = 500 * time.Millisecond
	pollMinSleep = time.Millisecond
	pollMaxSleep = 50 * time.Millisecond
)

var (
	errNoDevice = errors.New("stacknic: nil device")
	errNoMAC    = errors.New("stacknic: device has no hardware address")
)

// EthPoller is an Ethernet device that is polled for incoming frames.
type EthPoller interface {
	// SendEth sends a complete Ethernet frame.
	SendEth(pkt []byte) error
	// RecvEthHandle registers the handler PollOne delivers received frames to.
	RecvEthHandle(handler func(pkt []byte) error)
	// PollOne processes at most one pending frame and reports whether it did.
	PollOne() (bool, error)
	HardwareAddr6() ([6]byte, error)
	MTU() int
	NetFlags() net.Flags
}

// Config configures a stack [NIC].
type Config struct {
	// Name defaults to "eth".
	Name string
	// Addr is the static interface address and subnet. Leave it invalid to
	// obtain an address with [NIC.DHCP].
	Addr    netip.Prefix
	Gateway netip.Addr
	// DNSServers used by LookupNetIP. DHCP fills them in when empty.
	DNSServers []netip.Addr
	// Hostname sent in DHCP requests.
	Hostname string
	// MaxConns is the number of TCP connections, listener slots included. Defaults to 4.
	MaxConns int
	// BufSize is the size of each connection's transmit and receive buffer. Defaults to 2048.
	BufSize int
	Logger  *slog.Logger
}

// NIC is a stream-only network interface over a [stacks.PortStack].
type NIC struct {
	log     *slog.Logger
	name    string
	dev     EthPoller
	stack   *stacks.PortStack
	bufSize int

	mu         sync.Mutex
	subnet     netip.Prefix
	gateway    netip.Addr
	dnsServers []netip.Addr
	hostname   string
	lastHandle netsock.Handle
	nextPort   uint16
	socks      map[netsock.Handle]*tcpSock
	// arpMu serializes hardware address resolution over the stack's single ARP client.
	arpMu sync.Mutex
	// dnsMu serializes lookups over the single DNS client.
	dnsMu sync.Mutex
	dns   *stacks.DNSClient
	dhcp  *stacks.DHCPClient
}

type tcpSock struct {
	timeout   netsock.Timeout
	localPort uint16
	remote    netip.AddrPort
	opts      map[[2]int][]byte

	conn *stacks.TCPConn
	// dialing is set while conn is being established.
	dialing bool

	listener *stacks.TCPListener
	accepted chan *stacks.TCPConn
	done     chan struct{}
}

var (
	_ netsock.NIC         = (*NIC)(nil)
	_ netsock.NetFlagger  = (*NIC)(nil)
	_ netsock.Resolver    = (*NIC)(nil)
	_ netsock.LocalAddrer = (*NIC)(nil)
)

// New creates the stack and registers it as the device's frame handler.
func New(dev EthPoller, cfg Config) (*NIC, error) {
	if dev == nil {
		return nil, errNoDevice
	}
	mac, err := dev.HardwareAddr6()
	if err != nil {
		return nil, err
	}
	if mac == [6]byte{} {
		return nil, errNoMAC
	}
	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = defaultMaxConns
	}
	n := &NIC{
		log:        cfg.Logger,
		name:       cfg.Name,
		dev:        dev,
		bufSize:    cfg.BufSize,
		gateway:    cfg.Gateway,
		dnsServers: append([]netip.Addr(nil), cfg.DNSServers...),
		hostname:   cfg.Hostname,
		nextPort:   ephemeralFirst + uint16(time.Now().UnixNano()%1024),
		socks:      make(map[netsock.Handle]*tcpSock),
	}
	if n.name == "" {
		n.name = "eth"
	}
	if n.bufSize <= 0 {
		n.bufSize = defaultBufSize
	}
	n.stack = stacks.NewPortStack(stacks.PortStackConfig{
		MAC: mac,
		// DHCP and DNS clients.
		MaxOpenPortsUDP: 2,
		MaxOpenPortsTCP: maxConns,
		MTU:             maxFrame,
		Logger:          cfg.Logger,
	})
	if cfg.Addr.IsValid() {
		n.subnet = cfg.Addr.Masked()
		n.stack.SetAddr(cfg.Addr.Addr())
	}
	dev.RecvEthHandle(n.stack.RecvEth)
	n.info("stacknic:new",
		slog.String("nic", n.name),
		slog.String("mac", net.HardwareAddr(mac[:]).String()),
		slog.String("addr", cfg.Addr.String()),
		slog.Int("devmtu", dev.MTU()),
	)
	return n, nil
}

func (n *NIC) Name() string { return n.name }

// Stack returns the underlying seqs stack.
func (n *NIC) Stack() *stacks.PortStack { return n.stack }

func (n *NIC) NetFlags() net.Flags { return n.dev.NetFlags() }

// Addr returns the interface address and subnet. It is invalid until an
// address was configured or leased.
func (n *NIC) Addr() netip.Prefix {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.subnet.IsValid() {
		return netip.Prefix{}
	}
	return netip.PrefixFrom(n.stack.Addr(), n.subnet.Bits())
}

// CanRoute accepts IPv4 addresses on the NIC's subnet, or any IPv4 address
// when a gateway is known.
func (n *NIC) CanRoute(addr netip.Addr) bool {
	addr = addr.Unmap()
	if !addr.Is4() {
		return false
	}
	if addr.IsUnspecified() {
		return true
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.subnet.Contains(addr) || n.gateway.IsValid()
}

// Run moves frames between the device and the stack until ctx is done.
// Sleeps between polls back off exponentially while the link is idle.
func (n *NIC) Run(ctx context.Context) error {
	const maxSendRetries = 3
	buf := make([]byte, maxFrame)
	sleep := pollMinSleep
	for ctx.Err() == nil {
		gotPacket, err := n.dev.PollOne()
		if err != nil {
			n.logerr("stacknic:poll", slog.String("err", err.Error()))
		}
		sent := 0
		for {
			nb, err := n.stack.HandleEth(buf)
			if err != nil {
				n.logerr("stacknic:handle", slog.String("err", err.Error()))
				break
			}
			if nb == 0 {
				break
			}
			for retry := 0; retry < maxSendRetries; retry++ {
				err = n.dev.SendEth(buf[:nb])
				if err == nil {
					break
				}
				n.logerr("stacknic:send", slog.Int("retry", retry), slog.String("err", err.Error()))
			}
			sent++
		}
		if gotPacket || sent > 0 {
			sleep = pollMinSleep
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(sleep):
		}
		sleep = min(2*sleep, pollMaxSleep)
	}
	return ctx.Err()
}

// DHCP obtains an address lease and configures the interface with it.
// [NIC.Run] must be running. Gateway and DNS servers given in the Config
// take precedence over the leased ones.
func (n *NIC) DHCP(ctx context.Context) error {
	const pollPeriod = 500 * time.Millisecond
	n.mu.Lock()
	if n.dhcp == nil {
		n.dhcp = stacks.NewDHCPClient(n.stack, dhcp.DefaultClientPort)
	}
	client, hostname := n.dhcp, n.hostname
	n.mu.Unlock()
	err := client.BeginRequest(stacks.DHCPRequestConfig{
		Xid:      uint32(time.Now().Nanosecond()),
		Hostname: hostname,
	})
	if err != nil {
		return err
	}
	ticker := time.NewTicker(pollPeriod)
	defer ticker.Stop()
	for !client.IsDone() {
		n.debug("stacknic:dhcp-ongoing")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	ip := client.Offer()
	prefix := netip.PrefixFrom(ip, int(client.CIDRBits()))
	n.mu.Lock()
	n.subnet = prefix.Masked()
	if !n.gateway.IsValid() {
		n.gateway = client.Router()
	}
	if len(n.dnsServers) == 0 {
		for _, addr := range client.DNSServers() {
			if addr.IsValid() {
				n.dnsServers = append(n.dnsServers, addr)
			}
		}
	}
	gateway := n.gateway
	n.mu.Unlock()
	n.stack.SetAddr(ip)
	n.info("stacknic:dhcp-complete",
		slog.String("addr", prefix.String()),
		slog.String("gateway", gateway.String()),
		slog.Duration("lease", client.IPLeaseTime()),
	)
	return nil
}

// Open creates an unconnected stream socket. Datagram and raw sockets are
// not supported.
func (n *NIC) Open(p netsock.Params) (netsock.Handle, error) {
	switch {
	case p.Fileno != -1, p.Type != netsock.SOCK_STREAM:
		return -1, netsock.EOPNOTSUPP
	case p.Family != netsock.AF_INET:
		return -1, netsock.EAFNOSUPPORT
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lastHandle++
	n.socks[n.lastHandle] = &tcpSock{timeout: netsock.Blocking, opts: make(map[[2]int][]byte)}
	return n.lastHandle, nil
}

func (n *NIC) get(h netsock.Handle) (*tcpSock, error) {
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
	if s.localPort != 0 {
		return netsock.EINVAL
	}
	ip := addr.Addr().Unmap()
	if !ip.Is4() {
		return netsock.EAFNOSUPPORT
	}
	if !ip.IsUnspecified() && ip != n.stack.Addr() {
		return netsock.EADDRNOTAVAIL
	}
	port := addr.Port()
	if port == 0 {
		port = n.ephemeralPort()
	} else if n.portInUse(port) {
		return netsock.EADDRINUSE
	}
	s.localPort = port
	return nil
}

// portInUse is called with n.mu held.
func (n *NIC) portInUse(port uint16) bool {
	for _, s := range n.socks {
		if s.localPort == port {
			return true
		}
	}
	return false
}

// ephemeralPort is called with n.mu held.
func (n *NIC) ephemeralPort() uint16 {
	for {
		port := n.nextPort
		n.nextPort++
		if n.nextPort < ephemeralFirst {
			n.nextPort = ephemeralFirst
		}
		if !n.portInUse(port) {
			return port
		}
	}
}

// Listen starts a seqs TCP listener on the bound port. Connections are
// accepted in the background and handed over by Accept.
func (n *NIC) Listen(h netsock.Handle, backlog int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, err := n.get(h)
	switch {
	case err != nil:
		return err
	case s.conn != nil:
		return netsock.EISCONN
	case s.localPort == 0:
		return netsock.EINVAL
	case s.listener != nil:
		return nil
	}
	l, err := stacks.NewTCPListener(n.stack, stacks.TCPListenerConfig{
		MaxConnections: max(backlog, 1),
		ConnTxBufSize:  n.bufSize,
		ConnRxBufSize:  n.bufSize,
	})
	if err != nil {
		return err
	}
	err = l.StartListening(s.localPort)
	if err != nil {
		return err
	}
	s.listener = l
	s.accepted = make(chan *stacks.TCPConn)
	s.done = make(chan struct{})
	go n.acceptLoop(l, s.accepted, s.done)
	n.debug("stacknic:listen", slog.Uint64("port", uint64(s.localPort)))
	return nil
}

func (n *NIC) acceptLoop(l *stacks.TCPListener, out chan<- *stacks.TCPConn, done <-chan struct{}) {
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-done:
				return
			case <-time.After(pollMaxSleep):
			}
			n.trace("stacknic:accept-retry", slog.String("err", err.Error()))
			continue
		}
		select {
		case out <- conn:
		case <-done:
			conn.Close()
			return
		}
	}
}

func (n *NIC) Accept(h netsock.Handle) (netsock.Handle, netip.AddrPort, error) {
	n.mu.Lock()
	s, err := n.get(h)
	if err == nil && s.listener == nil {
		err = netsock.EINVAL
	}
	if err != nil {
		n.mu.Unlock()
		return -1, netip.AddrPort{}, err
	}
	queue, done, port := s.accepted, s.done, s.localPort
	d := blocking.Start(s.timeout)
	n.mu.Unlock()

	var expired <-chan time.Time
	if left, bounded := d.Remaining(); bounded {
		timer := time.NewTimer(left)
		defer timer.Stop()
		expired = timer.C
	}
	var conn *stacks.TCPConn
	select {
	case conn = <-queue:
	case <-done:
		return -1, netip.AddrPort{}, netsock.EBADF
	case <-expired:
		// A connection may have arrived together with the deadline.
		select {
		case conn = <-queue:
		default:
			return -1, netip.AddrPort{}, d.Err()
		}
	}
	remote, _ := netip.ParseAddrPort(fmt.Sprint(conn.RemoteAddr()))
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lastHandle++
	n.socks[n.lastHandle] = &tcpSock{
		timeout:   netsock.Blocking,
		localPort: port,
		remote:    remote,
		conn:      conn,
		opts:      make(map[[2]int][]byte),
	}
	n.debug("stacknic:accept", slog.String("remote", remote.String()))
	return n.lastHandle, remote, nil
}

// Connect resolves the hardware address of the next hop and dials addr.
// Non-blocking sockets return EINPROGRESS once the handshake is started.
func (n *NIC) Connect(h netsock.Handle, addr netip.AddrPort) error {
	ip := addr.Addr().Unmap()
	if !ip.Is4() {
		return netsock.EAFNOSUPPORT
	}
	n.mu.Lock()
	s, err := n.get(h)
	if err == nil {
		err = n.connectable(s)
	}
	if err != nil {
		n.mu.Unlock()
		return err
	}
	if s.localPort == 0 {
		s.localPort = n.ephemeralPort()
	}
	port, timeout := s.localPort, s.timeout
	hop := ip
	if !n.subnet.Contains(ip) {
		hop = n.gateway
	}
	n.mu.Unlock()
	if !hop.IsValid() {
		return netsock.EHOSTUNREACH
	}

	hw, err := n.resolveHardwareAddr(hop, timeout)
	if err != nil {
		return err
	}
	conn, err := stacks.NewTCPConn(n.stack, stacks.TCPConnConfig{TxBufSize: n.bufSize, RxBufSize: n.bufSize})
	if err != nil {
		return err
	}
	remote := netip.AddrPortFrom(ip, addr.Port())
	err = conn.OpenDialTCP(port, hw, remote, seqs.Value(time.Now().UnixNano()))
	if err != nil {
		conn.Close()
		return err
	}
	n.mu.Lock()
	if n.socks[h] != s {
		n.mu.Unlock()
		conn.Close()
		return netsock.EBADF
	}
	s.conn, s.dialing, s.remote = conn, true, remote
	n.mu.Unlock()
	n.debug("stacknic:dial", slog.String("remote", remote.String()), slog.String("hop", hop.String()))
	if timeout.IsNonBlocking() {
		return netsock.EINPROGRESS
	}

	err = blocking.PollUntil(blocking.Start(timeout), pollMinSleep, pollMaxSleep, func() (bool, error) {
		return dialDone(conn)
	})
	n.mu.Lock()
	defer n.mu.Unlock()
	if err != nil {
		conn.Close()
		if n.socks[h] == s {
			s.conn, s.dialing = nil, false
		}
		return err
	}
	s.dialing = false
	return nil
}

// connectable checks that s may start a connection. Called with n.mu held.
func (n *NIC) connectable(s *tcpSock) error {
	switch {
	case s.listener != nil:
		return netsock.EINVAL
	case s.conn == nil:
		return nil
	case !s.dialing:
		return netsock.EISCONN
	}
	done, err := dialDone(s.conn)
	switch {
	case err != nil:
		s.conn.Close()
		s.conn, s.dialing = nil, false
		return err
	case done:
		s.dialing = false
		return netsock.EISCONN
	}
	return netsock.EALREADY
}

// dialDone reports whether an outgoing connection finished its handshake.
func dialDone(conn *stacks.TCPConn) (bool, error) {
	state := conn.State()
	switch {
	case state == seqs.StateEstablished:
		return true, nil
	case state.IsClosed():
		return false, netsock.ECONNREFUSED
	}
	return false, nil
}

// resolveHardwareAddr obtains the MAC address of ip over ARP. Resolution is
// bounded by arpTimeout or by t when t is shorter.
func (n *NIC) resolveHardwareAddr(ip netip.Addr, t netsock.Timeout) ([6]byte, error) {
	n.arpMu.Lock()
	defer n.arpMu.Unlock()
	arpc := n.stack.ARP()
	arpc.Abort()
	err := arpc.BeginResolve(ip)
	if err != nil {
		return [6]byte{}, err
	}
	limit := netsock.Timeout(arpTimeout)
	if dur, ok := t.Duration(); ok && dur > 0 && dur < arpTimeout {
		limit = t
	}
	err = blocking.PollUntil(blocking.Start(limit), pollMinSleep, pollMaxSleep, func() (bool, error) {
		return arpc.IsDone(), nil
	})
	if err != nil {
		arpc.Abort()
		n.debug("stacknic:arp-timeout", slog.String("ip", ip.String()))
		return [6]byte{}, netsock.EHOSTUNREACH
	}
	_, hw, err := arpc.ResultAs6()
	if err != nil {
		return [6]byte{}, netsock.EHOSTUNREACH
	}
	return hw, nil
}

// stream returns the established connection of h. A non-blocking connect
// still in progress reports EAGAIN.
func (n *NIC) stream(h netsock.Handle) (*stacks.TCPConn, blocking.Deadline, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, err := n.get(h)
	if err != nil {
		return nil, blocking.Deadline{}, err
	}
	d := blocking.Start(s.timeout)
	if s.conn == nil {
		return nil, d, netsock.ENOTCONN
	}
	if s.dialing {
		done, err := dialDone(s.conn)
		switch {
		case err != nil:
			s.conn.Close()
			s.conn, s.dialing = nil, false
			return nil, d, err
		case !done:
			return nil, d, netsock.EAGAIN
		}
		s.dialing = false
	}
	return s.conn, d, nil
}

func (n *NIC) Send(h netsock.Handle, b []byte) (int, error) {
	conn, d, err := n.stream(h)
	if err != nil {
		return 0, err
	}
	conn.SetDeadline(d.Time())
	nw, err := conn.Write(b)
	return nw, ioError(d, err)
}

// Recv reports an orderly shutdown by the peer as a zero length read.
func (n *NIC) Recv(h netsock.Handle, b []byte) (int, error) {
	conn, d, err := n.stream(h)
	if err != nil {
		return 0, err
	}
	conn.SetDeadline(d.Time())
	nr, err := conn.Read(b)
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nr, nil
	}
	return nr, ioError(d, err)
}

func ioError(d blocking.Deadline, err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return d.Err()
	}
	return err
}

// SendTo on a stream socket ignores addr and sends on the connection.
func (n *NIC) SendTo(h netsock.Handle, b []byte, addr netip.AddrPort) (int, error) {
	return n.Send(h, b)
}

func (n *NIC) RecvFrom(h netsock.Handle, b []byte) (int, netip.AddrPort, error) {
	nr, err := n.Recv(h, b)
	if err != nil {
		return nr, netip.AddrPort{}, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	var remote netip.AddrPort
	if s := n.socks[h]; s != nil {
		remote = s.remote
	}
	return nr, remote, nil
}

// SetSockOpt records the options common to TCP sockets. The stack has no
// use for them so they have no effect on the connection.
func (n *NIC) SetSockOpt(h netsock.Handle, level, opt int, value []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, err := n.get(h)
	if err != nil {
		return err
	}
	switch [2]int{level, opt} {
	case [2]int{netsock.SOL_SOCKET, netsock.SO_REUSEADDR},
		[2]int{netsock.SOL_SOCKET, netsock.SO_KEEPALIVE},
		[2]int{netsock.IPPROTO_TCP, netsock.TCP_NODELAY}:
	default:
		return netsock.ENOPROTOOPT
	}
	if _, ok := netsock.ParseOptInt(value); !ok {
		return netsock.EINVAL
	}
	s.opts[[2]int{level, opt}] = append([]byte(nil), value...)
	return nil
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

func (n *NIC) LocalAddr(h netsock.Handle) (netip.AddrPort, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, err := n.get(h)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(n.stack.Addr(), s.localPort), nil
}

// Close releases the handle. Connections are closed gracefully; the
// stack finishes the shutdown handshake in the background.
func (n *NIC) Close(h netsock.Handle) error {
	n.mu.Lock()
	s, err := n.get(h)
	if err != nil {
		n.mu.Unlock()
		return err
	}
	delete(n.socks, h)
	n.mu.Unlock()
	if s.listener != nil {
		close(s.done)
		err = s.listener.Close()
	}
	if s.conn != nil {
		s.conn.FlushOutputBuffer()
		err = s.conn.Close()
	}
	n.trace("stacknic:close", slog.Int("h", int(h)))
	return err
}

// NumOpen returns the number of open handles.
func (n *NIC) NumOpen() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.socks)
}

// LookupNetIP resolves IPv4 addresses of host with the DNS servers
// configured or leased over DHCP. [NIC.Run] must be running.
func (n *NIC) LookupNetIP(ctx context.Context, host string) ([]netip.Addr, error) {
	name, err := dns.NewName(host)
	if err != nil {
		return nil, netsock.EINVAL
	}
	n.mu.Lock()
	var server netip.Addr
	if len(n.dnsServers) > 0 {
		server = n.dnsServers[0]
	}
	hop := server
	if server.IsValid() && !n.subnet.Contains(server) {
		hop = n.gateway
	}
	n.mu.Unlock()
	if !server.IsValid() || !hop.IsValid() {
		return nil, netsock.ENOENT
	}

	n.dnsMu.Lock()
	defer n.dnsMu.Unlock()
	hw, err := n.resolveHardwareAddr(hop, netsock.Blocking)
	if err != nil {
		return nil, err
	}
	if n.dns == nil {
		n.dns = stacks.NewDNSClient(n.stack, dns.ClientPort)
	}
	err = n.dns.StartResolve(stacks.DNSResolveConfig{
		Questions: []dns.Question{
			{Name: name, Type: dns.TypeA, Class: dns.ClassINET},
		},
		DNSAddr:         server,
		DNSHWAddr:       hw,
		EnableRecursion: true,
	})
	if err != nil {
		return nil, err
	}
	const lookupTimeout = 2 * time.Second
	d := blocking.Start(netsock.Timeout(lookupTimeout))
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < lookupTimeout {
		d = blocking.Start(netsock.Timeout(max(time.Until(deadline), time.Nanosecond)))
	}
	err = blocking.PollUntil(d, 5*time.Millisecond, pollMaxSleep, func() (bool, error) {
		done, _ := n.dns.IsDone()
		return done, ctx.Err()
	})
	if err != nil {
		return nil, err
	}
	if _, rcode := n.dns.IsDone(); rcode != dns.RCodeSuccess {
		n.debug("stacknic:dns-failed", slog.String("host", host), slog.String("rcode", rcode.String()))
		return nil, netsock.ENOENT
	}
	var addrs []netip.Addr
	for _, ans := range n.dns.Answers() {
		if data := ans.RawData(); len(data) == 4 {
			addrs = append(addrs, netip.AddrFrom4([4]byte(data)))
		}
	}
	if len(addrs) == 0 {
		return nil, netsock.ENOENT
	}
	return addrs, nil
}

func (n *NIC) logerr(msg string, attrs ...slog.Attr) {
	n.logattrs(slog.LevelError, msg, attrs...)
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
