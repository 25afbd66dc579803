package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/soypat/netsock"
)

const loopOnly = `
interfaces:
  - name: lo0
    kind: loop
    prefixes: [127.0.0.0/8, "::1/128"]
`

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.SetArgs(args)
	app.SetOut(&out)
	app.SetErr(&out)
	err := app.ExecuteContext(context.Background())
	if err != nil {
		t.Fatalf("sockctl %v: %v", args, err)
	}
	return out.String()
}

func TestIfacesCommand(t *testing.T) {
	path := writeConfig(t, loopOnly)
	out := run(t, "ifaces", "--config", path)
	for _, want := range []string{"lo0", "127.0.0.0-127.255.255.255", "16777216", "::1/128"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestResolveCommand(t *testing.T) {
	path := writeConfig(t, loopOnly)
	out := run(t, "resolve", "--config", path, "localhost")
	if out != "127.0.0.1\n::1\n" {
		t.Errorf("got %q", out)
	}
	out = run(t, "resolve", "--config", path, "192.0.2.7")
	if out != "192.0.2.7\n" {
		t.Errorf("literal address: got %q", out)
	}
}

func TestSession(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, loopOnly))
	if err != nil {
		t.Fatal(err)
	}
	reg, err := newRegistry(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	addr := netip.MustParseAddrPort("127.0.0.1:9000")
	ln := netsock.NewSocket(reg, netsock.AF_INET, netsock.SOCK_STREAM, 0)
	defer ln.Close()
	if err := ln.Bind(addr); err != nil {
		t.Fatal(err)
	}
	if err := ln.Listen(1); err != nil {
		t.Fatal(err)
	}
	served := make(chan error, 1)
	go func() {
		conn, _, err := ln.Accept()
		if err != nil {
			served <- err
			return
		}
		defer conn.Close()
		buf := make([]byte, 16)
		n, err := conn.Recv(buf)
		if err != nil {
			served <- err
			return
		}
		_, err = conn.Write(append([]byte("re:"), buf[:n]...))
		served <- err
	}()

	sock := netsock.NewSocket(reg, netsock.AF_INET, netsock.SOCK_STREAM, 0)
	defer sock.Close()
	if err := sock.Connect(addr); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = session(ctx, sock, strings.NewReader("ping"), &out)
	if err != nil {
		t.Fatal(err)
	}
	if err := <-served; err != nil {
		t.Fatal(err)
	}
	if out.String() != "re:ping" {
		t.Errorf("got %q", out.String())
	}
}

func TestSessionStopsOnCancel(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, loopOnly))
	if err != nil {
		t.Fatal(err)
	}
	reg, err := newRegistry(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	addr := netip.MustParseAddrPort("127.0.0.1:9001")
	ln := netsock.NewSocket(reg, netsock.AF_INET, netsock.SOCK_STREAM, 0)
	defer ln.Close()
	if err := ln.Bind(addr); err != nil {
		t.Fatal(err)
	}
	if err := ln.Listen(1); err != nil {
		t.Fatal(err)
	}
	release := make(chan struct{})
	defer close(release)
	go func() {
		conn, _, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		<-release // Idle peer.
	}()

	sock := netsock.NewSocket(reg, netsock.AF_INET, netsock.SOCK_STREAM, 0)
	defer sock.Close()
	if err := sock.Connect(addr); err != nil {
		t.Fatal(err)
	}
	stdin, stdinW := io.Pipe()
	defer stdinW.Close()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- session(ctx, sock, stdin, io.Discard) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("session after cancel: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session still running after cancel")
	}
}

func TestAcceptStopsOnCancel(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, loopOnly))
	if err != nil {
		t.Fatal(err)
	}
	reg, err := newRegistry(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	ln := netsock.NewSocket(reg, netsock.AF_INET, netsock.SOCK_STREAM, 0)
	defer ln.Close()
	if err := ln.Bind(netip.MustParseAddrPort("127.0.0.1:9002")); err != nil {
		t.Fatal(err)
	}
	if err := ln.Listen(1); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, _, err = acceptContext(ctx, ln)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("accept: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("accept took %s", elapsed)
	}
}
