package hostnic

import (
	"errors"
	"io"
	"net/netip"
	"testing"
	"time"

	"github.com/soypat/netsock"
	"golang.org/x/sys/unix"
)

func newLoopbackRegistry(t *testing.T) *netsock.Registry {
	t.Helper()
	reg := netsock.NewRegistry(netsock.RegistryConfig{})
	_, err := reg.Attach(New(Config{Prefixes: []netip.Prefix{netip.MustParsePrefix("127.0.0.0/8")}}))
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func listen(t *testing.T, reg *netsock.Registry) (*netsock.Socket, netip.AddrPort) {
	t.Helper()
	ln := netsock.NewSocket(reg, netsock.AF_INET, netsock.SOCK_STREAM, 0)
	t.Cleanup(func() { ln.Close() })
	ln.SetSockOpt(netsock.SOL_SOCKET, netsock.SO_REUSEADDR, netsock.OptInt(1))
	if err := ln.Bind(netip.MustParseAddrPort("127.0.0.1:0")); err != nil {
		t.Fatal(err)
	}
	if err := ln.Listen(4); err != nil {
		t.Fatal(err)
	}
	addr, err := ln.LocalAddr()
	if err != nil || addr.Port() == 0 {
		t.Fatalf("listener address %s, %v", addr, err)
	}
	return ln, addr
}

func TestTCPEcho(t *testing.T) {
	reg := newLoopbackRegistry(t)
	ln, addr := listen(t, reg)

	client := netsock.NewSocket(reg, netsock.AF_INET, netsock.SOCK_STREAM, 0)
	defer client.Close()
	client.SetSockOpt(netsock.IPPROTO_TCP, netsock.TCP_NODELAY, netsock.OptInt(1))
	if err := client.Connect(addr); err != nil {
		t.Fatal(err)
	}
	server, peer, err := ln.Accept()
	if err != nil {
		t.Fatal(err)
	}
	defer server.Close()
	if caddr, _ := client.LocalAddr(); caddr != peer {
		t.Errorf("peer %s, client %s", peer, caddr)
	}

	if _, err = client.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	var buf [16]byte
	n, err := server.Recv(buf[:])
	if err != nil || string(buf[:n]) != "ping" {
		t.Fatalf("server got %q, %v", buf[:n], err)
	}
	client.Close()
	rest, err := io.ReadAll(server)
	if err != nil || len(rest) != 0 {
		t.Errorf("after peer close: %q, %v", rest, err)
	}
}

func TestRecvTimeouts(t *testing.T) {
	reg := newLoopbackRegistry(t)
	ln, addr := listen(t, reg)
	client := netsock.NewSocket(reg, netsock.AF_INET, netsock.SOCK_STREAM, 0)
	defer client.Close()
	if err := client.Connect(addr); err != nil {
		t.Fatal(err)
	}
	server, _, err := ln.Accept()
	if err != nil {
		t.Fatal(err)
	}
	defer server.Close()

	var buf [8]byte
	server.SetBlocking(false)
	if _, err = server.Recv(buf[:]); !errors.Is(err, netsock.ErrWouldBlock) {
		t.Errorf("non-blocking recv: %v", err)
	}
	const timeout = 50 * time.Millisecond
	server.SetTimeout(netsock.Timeout(timeout))
	start := time.Now()
	_, err = server.Recv(buf[:])
	if !errors.Is(err, netsock.ErrTimedOut) || !errors.Is(err, unix.ETIMEDOUT) {
		t.Errorf("finite timeout: %v", err)
	}
	if elapsed := time.Since(start); elapsed < timeout-5*time.Millisecond {
		t.Errorf("timed out early after %s", elapsed)
	}
	if got, _ := server.Poll(netsock.PollRD | netsock.PollWR); got != netsock.PollWR {
		t.Errorf("idle poll = %#x", got)
	}
}

func TestAcceptedSocketBlocks(t *testing.T) {
	reg := newLoopbackRegistry(t)
	ln, addr := listen(t, reg)
	const lnTimeout = 50 * time.Millisecond
	if err := ln.SetTimeout(netsock.Timeout(lnTimeout)); err != nil {
		t.Fatal(err)
	}
	client := netsock.NewSocket(reg, netsock.AF_INET, netsock.SOCK_STREAM, 0)
	defer client.Close()
	if err := client.Connect(addr); err != nil {
		t.Fatal(err)
	}
	server, _, err := ln.Accept()
	if err != nil {
		t.Fatal(err)
	}
	defer server.Close()
	if !server.Timeout().IsBlocking() {
		t.Fatalf("accepted socket timeout %v", server.Timeout())
	}

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		var buf [8]byte
		n, err := server.Recv(buf[:])
		done <- result{n, err}
	}()
	select {
	case r := <-done:
		t.Fatalf("blocking recv returned early: %d, %v", r.n, r.err)
	case <-time.After(4 * lnTimeout):
	}
	if _, err = client.Send([]byte("late")); err != nil {
		t.Fatal(err)
	}
	select {
	case r := <-done:
		if r.err != nil || r.n != 4 {
			t.Errorf("recv after wait: %d, %v", r.n, r.err)
		}
	case <-time.After(time.Second):
		t.Fatal("recv did not complete")
	}
}

func TestUDP(t *testing.T) {
	reg := newLoopbackRegistry(t)
	rx := netsock.NewSocket(reg, netsock.AF_INET, netsock.SOCK_DGRAM, 0)
	defer rx.Close()
	rx.SetTimeout(netsock.TimeoutMillis(1000))
	if err := rx.Bind(netip.MustParseAddrPort("127.0.0.1:0")); err != nil {
		t.Fatal(err)
	}
	rxAddr, _ := rx.LocalAddr()

	tx := netsock.NewSocket(reg, netsock.AF_INET, netsock.SOCK_DGRAM, 0)
	defer tx.Close()
	if _, err := tx.SendTo([]byte("datagram"), rxAddr); err != nil {
		t.Fatal(err)
	}
	var buf [32]byte
	n, from, err := rx.RecvFrom(buf[:])
	if err != nil || string(buf[:n]) != "datagram" {
		t.Fatalf("recvfrom %q, %v", buf[:n], err)
	}
	if txAddr, _ := tx.LocalAddr(); from.Port() != txAddr.Port() {
		t.Errorf("from %s, sender %s", from, txAddr)
	}
}

func TestConnectRefused(t *testing.T) {
	reg := newLoopbackRegistry(t)
	// Reserve a port, then free it so nothing listens there.
	spare := netsock.NewSocket(reg, netsock.AF_INET, netsock.SOCK_STREAM, 0)
	spare.Bind(netip.MustParseAddrPort("127.0.0.1:0"))
	addr, _ := spare.LocalAddr()
	spare.Close()

	sock := netsock.NewSocket(reg, netsock.AF_INET, netsock.SOCK_STREAM, 0)
	err := sock.Connect(addr)
	if !errors.Is(err, netsock.ErrRefused) {
		t.Fatalf("want refused, got %v", err)
	}
	if sock.State() != netsock.StateUnbound {
		t.Errorf("state %s after refused connect", sock.State())
	}
}

func TestAdoptDescriptor(t *testing.T) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(fd)
	reg := newLoopbackRegistry(t)
	p := netsock.DefaultParams()
	p.Type = netsock.SOCK_DGRAM
	p.Fileno = fd
	sock := netsock.NewSocketParams(reg, p)
	if err = sock.Bind(netip.MustParseAddrPort("127.0.0.1:0")); err != nil {
		t.Fatal(err)
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		t.Fatal(err)
	}
	local, _ := sock.LocalAddr()
	if addrPort(sa) != local {
		t.Errorf("adopted descriptor bound to %s, socket reports %s", addrPort(sa), local)
	}
	sock.Close()
	// The caller's descriptor survives the socket.
	if _, err = unix.Getsockname(fd); err != nil {
		t.Errorf("original descriptor closed: %v", err)
	}
}

func TestUnsupportedOption(t *testing.T) {
	reg := newLoopbackRegistry(t)
	sock := netsock.NewSocket(reg, netsock.AF_INET, netsock.SOCK_STREAM, 0)
	defer sock.Close()
	sock.Bind(netip.MustParseAddrPort("127.0.0.1:0"))
	err := sock.SetSockOpt(netsock.SOL_SOCKET, 777, netsock.OptInt(1))
	if !errors.Is(err, netsock.ErrNotSupported) {
		t.Errorf("unknown option: %v", err)
	}
}

func TestProtocolNumbers(t *testing.T) {
	for _, tt := range []struct{ got, want int }{
		{netsock.IPPROTO_IP, unix.IPPROTO_IP},
		{netsock.IPPROTO_ICMP, unix.IPPROTO_ICMP},
		{netsock.IPPROTO_IPV4, unix.IPPROTO_IPIP},
		{netsock.IPPROTO_TCP, unix.IPPROTO_TCP},
		{netsock.IPPROTO_UDP, unix.IPPROTO_UDP},
		{netsock.IPPROTO_IPV6, unix.IPPROTO_IPV6},
		{netsock.IPPROTO_RAW, unix.IPPROTO_RAW},
	} {
		if tt.got != tt.want {
			t.Errorf("protocol %d, host uses %d", tt.got, tt.want)
		}
	}
}
