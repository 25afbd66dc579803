package netsock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"testing"
)

type translatingNIC struct {
	NIC
	from error
	to   ErrorKind
}

func (n translatingNIC) TranslateError(err error) (ErrorKind, bool) {
	if errors.Is(err, n.from) {
		return n.to, true
	}
	return 0, false
}

func TestTranslate(t *testing.T) {
	errCustom := errors.New("custom driver failure")
	tr := translatingNIC{from: errCustom, to: ErrReset}
	var tests = []struct {
		nic  NIC
		err  error
		want ErrorKind
	}{
		{nil, EAGAIN, ErrWouldBlock},
		{nil, ETIMEDOUT, ErrTimedOut},
		{nil, ENOTCONN, ErrNotConnected},
		{nil, EHOSTUNREACH, ErrUnreachable},
		{nil, ENETUNREACH, ErrUnreachable},
		{nil, EINVAL, ErrInvalidArgument},
		{nil, ECONNREFUSED, ErrRefused},
		{nil, EADDRINUSE, ErrAddrInUse},
		{nil, EINPROGRESS, ErrInProgress},
		{nil, Errno(12345), ErrInternal},
		{nil, fmt.Errorf("wrapped: %w", EAGAIN), ErrWouldBlock},
		{nil, os.ErrDeadlineExceeded, ErrTimedOut},
		{nil, context.DeadlineExceeded, ErrTimedOut},
		{nil, net.ErrClosed, ErrClosed},
		{nil, io.EOF, ErrPeerClosed},
		{nil, errors.ErrUnsupported, ErrNotSupported},
		{nil, ErrUnreachable, ErrUnreachable},
		{nil, errCustom, ErrInternal},
		{tr, errCustom, ErrReset},
		{tr, EAGAIN, ErrWouldBlock},
	}
	for _, tt := range tests {
		got := Translate(tt.nic, tt.err)
		if got != tt.want {
			t.Errorf("Translate(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
	if Translate(nil, nil) != 0 {
		t.Error("nil error must not translate to a kind")
	}
}

func TestOpErrorMatching(t *testing.T) {
	err := opError("recv", nil, "lo", netip.AddrPort{}, ETIMEDOUT)
	if !errors.Is(err, ErrTimedOut) || !errors.Is(err, ETIMEDOUT) || !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Errorf("%v does not match its kind and cause", err)
	}
	if errors.Is(err, ErrWouldBlock) {
		t.Error("timed out error matched would block")
	}
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Error("OpError does not behave as a timeout net.Error")
	}
	again := opError("send", nil, "other", netip.AddrPort{}, err)
	if again != err {
		t.Error("translated error was translated twice")
	}
	want := "netsock: recv lo: operation timed out: timed out"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
	k := kindError("connect", "", netip.MustParseAddrPort("10.0.0.1:80"), ErrUnreachable)
	if k.Error() != "netsock: connect 10.0.0.1:80: network unreachable" {
		t.Errorf("got %q", k.Error())
	}
}

func TestErrnoStrings(t *testing.T) {
	if EAGAIN.String() != "EAGAIN" || Errno(7777).String() != "Errno(7777)" {
		t.Error("errno names")
	}
	if !errors.Is(EADDRINUSE, ErrAddrInUse) {
		t.Error("errno does not match its kind")
	}
	for errno, info := range errnoTable {
		if info.kind == 0 || info.kind >= numErrorKinds {
			t.Errorf("%s maps to invalid kind %d", errno, info.kind)
		}
	}
}
