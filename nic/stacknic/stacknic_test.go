package stacknic_test

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/soypat/netsock"
	"github.com/soypat/netsock/nic/stacknic"
)

type fakeDev struct {
	mac     [6]byte
	handler func([]byte) error
	polls   atomic.Int32
	sent    atomic.Int32
}

func (d *fakeDev) SendEth(pkt []byte) error {
	d.sent.Add(1)
	return nil
}

func (d *fakeDev) RecvEthHandle(handler func(pkt []byte) error) { d.handler = handler }

func (d *fakeDev) PollOne() (bool, error) {
	d.polls.Add(1)
	return false, nil
}

func (d *fakeDev) HardwareAddr6() ([6]byte, error) { return d.mac, nil }
func (d *fakeDev) MTU() int                         { return 2048 }
func (d *fakeDev) NetFlags() net.Flags              { return net.FlagUp | net.FlagRunning }

func newNIC(t *testing.T, cfg stacknic.Config) (*stacknic.NIC, *fakeDev) {
	t.Helper()
	dev := &fakeDev{mac: [6]byte{0x02, 0, 0, 0, 0, 1}}
	if !cfg.Addr.IsValid() {
		cfg.Addr = netip.MustParsePrefix("192.168.1.10/24")
	}
	n, err := stacknic.New(dev, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if dev.handler == nil {
		t.Fatal("frame handler not registered")
	}
	return n, dev
}

func open(t *testing.T, n *stacknic.NIC) netsock.Handle {
	t.Helper()
	h, err := n.Open(netsock.DefaultParams())
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func TestNewRejectsDevice(t *testing.T) {
	_, err := stacknic.New(nil, stacknic.Config{})
	if err == nil {
		t.Error("expected error for nil device")
	}
	_, err = stacknic.New(&fakeDev{}, stacknic.Config{})
	if err == nil {
		t.Error("expected error for device without MAC")
	}
}

func TestCanRoute(t *testing.T) {
	n, _ := newNIC(t, stacknic.Config{})
	if n.Name() != "eth" {
		t.Errorf("default name %q", n.Name())
	}
	if got := n.Addr(); got != netip.MustParsePrefix("192.168.1.10/24") {
		t.Errorf("addr %s", got)
	}
	for addr, want := range map[string]bool{
		"192.168.1.20": true,
		"0.0.0.0":      true,
		"10.0.0.1":     false,
		"::1":          false,
	} {
		if got := n.CanRoute(netip.MustParseAddr(addr)); got != want {
			t.Errorf("CanRoute(%s)=%v, want %v", addr, got, want)
		}
	}

	gw, _ := newNIC(t, stacknic.Config{Gateway: netip.MustParseAddr("192.168.1.1")})
	if !gw.CanRoute(netip.MustParseAddr("10.0.0.1")) {
		t.Error("NIC with gateway should route off-subnet addresses")
	}
}

func TestOpenUnsupported(t *testing.T) {
	n, _ := newNIC(t, stacknic.Config{})
	p := netsock.DefaultParams()
	p.Type = netsock.SOCK_DGRAM
	if _, err := n.Open(p); err != netsock.EOPNOTSUPP {
		t.Errorf("datagram open: %v", err)
	}
	p = netsock.DefaultParams()
	p.Family = netsock.AF_INET6
	if _, err := n.Open(p); err != netsock.EAFNOSUPPORT {
		t.Errorf("inet6 open: %v", err)
	}
	p = netsock.DefaultParams()
	p.Fileno = 3
	if _, err := n.Open(p); err != netsock.EOPNOTSUPP {
		t.Errorf("adopt descriptor: %v", err)
	}
}

func TestBind(t *testing.T) {
	n, _ := newNIC(t, stacknic.Config{})
	h1, h2, h3 := open(t, n), open(t, n), open(t, n)
	err := n.Bind(h1, netip.MustParseAddrPort("10.1.1.1:80"))
	if err != netsock.EADDRNOTAVAIL {
		t.Errorf("foreign address: %v", err)
	}
	err = n.Bind(h1, netip.MustParseAddrPort("192.168.1.10:8080"))
	if err != nil {
		t.Fatal(err)
	}
	err = n.Bind(h2, netip.MustParseAddrPort("0.0.0.0:8080"))
	if err != netsock.EADDRINUSE {
		t.Errorf("port conflict: %v", err)
	}
	if err = n.Bind(h1, netip.MustParseAddrPort("0.0.0.0:9090")); err != netsock.EINVAL {
		t.Errorf("rebind: %v", err)
	}
	local, err := n.LocalAddr(h1)
	if err != nil || local != netip.MustParseAddrPort("192.168.1.10:8080") {
		t.Errorf("LocalAddr=%s, %v", local, err)
	}

	err = n.Bind(h3, netip.MustParseAddrPort("0.0.0.0:0"))
	if err != nil {
		t.Fatal(err)
	}
	local, _ = n.LocalAddr(h3)
	if local.Port() < 49152 {
		t.Errorf("ephemeral port %d", local.Port())
	}

	if err := n.Close(h1); err != nil {
		t.Fatal(err)
	}
	if err := n.Bind(h2, netip.MustParseAddrPort("0.0.0.0:8080")); err != nil {
		t.Errorf("port not released on close: %v", err)
	}
	if err := n.Close(h1); err != netsock.EBADF {
		t.Errorf("double close: %v", err)
	}
	if n.NumOpen() != 2 {
		t.Errorf("open handles %d", n.NumOpen())
	}
}

func TestNotConnected(t *testing.T) {
	n, _ := newNIC(t, stacknic.Config{})
	h := open(t, n)
	if _, err := n.Send(h, []byte("x")); err != netsock.ENOTCONN {
		t.Errorf("send: %v", err)
	}
	if _, err := n.Recv(h, make([]byte, 1)); err != netsock.ENOTCONN {
		t.Errorf("recv: %v", err)
	}
	if _, _, err := n.Accept(h); err != netsock.EINVAL {
		t.Errorf("accept: %v", err)
	}
	if err := n.Listen(h, 1); err != netsock.EINVAL {
		t.Errorf("listen unbound: %v", err)
	}
}

func TestConnectWithoutRoute(t *testing.T) {
	n, _ := newNIC(t, stacknic.Config{})
	h := open(t, n)
	err := n.Connect(h, netip.MustParseAddrPort("10.0.0.1:80"))
	if err != netsock.EHOSTUNREACH {
		t.Errorf("off-subnet without gateway: %v", err)
	}
	err = n.Connect(h, netip.MustParseAddrPort("[::1]:80"))
	if err != netsock.EAFNOSUPPORT {
		t.Errorf("inet6 connect: %v", err)
	}
}

func TestSockOpt(t *testing.T) {
	n, _ := newNIC(t, stacknic.Config{})
	h := open(t, n)
	err := n.SetSockOpt(h, netsock.IPPROTO_TCP, netsock.TCP_NODELAY, netsock.OptBool(true))
	if err != nil {
		t.Error(err)
	}
	err = n.SetSockOpt(h, netsock.SOL_SOCKET, netsock.SO_BROADCAST, netsock.OptBool(true))
	if err != netsock.ENOPROTOOPT {
		t.Errorf("unknown option: %v", err)
	}
	err = n.SetSockOpt(h, netsock.SOL_SOCKET, netsock.SO_KEEPALIVE, []byte{1, 2})
	if err != netsock.EINVAL {
		t.Errorf("malformed value: %v", err)
	}
	if err := n.SetTimeout(h, netsock.NonBlocking); err != nil {
		t.Error(err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	n, dev := newNIC(t, stacknic.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
	if dev.polls.Load() == 0 {
		t.Error("device never polled")
	}
}

func TestRegistryDispatch(t *testing.T) {
	n, _ := newNIC(t, stacknic.Config{})
	reg := netsock.NewRegistry(netsock.RegistryConfig{})
	if _, err := reg.Attach(n); err != nil {
		t.Fatal(err)
	}
	sock := netsock.NewSocket(reg, netsock.AF_INET, netsock.SOCK_STREAM, 0)
	defer sock.Close()
	err := sock.Bind(netip.MustParseAddrPort("192.168.1.10:7000"))
	if err != nil {
		t.Fatal(err)
	}
	if name := sock.NICName(); name != "eth" {
		t.Errorf("bound to %q", name)
	}
	_, err = sock.Send([]byte("x"))
	if !errors.Is(err, netsock.ErrNotConnected) {
		t.Errorf("send on unconnected socket: %v", err)
	}
}
