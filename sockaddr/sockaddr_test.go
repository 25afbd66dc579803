package sockaddr

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net/netip"
	"testing"

	"github.com/soypat/netsock"
)

func TestEncodeLayout(t *testing.T) {
	var tests = []struct {
		codec Codec
		addr  string
		want  []byte
	}{
		{
			codec: Codec{Family: netsock.AF_INET, Order: binary.BigEndian},
			addr:  "192.168.1.10:8080",
			want:  []byte{192, 168, 1, 10, 0x1f, 0x90},
		},
		{
			codec: Codec{Family: netsock.AF_INET, Order: binary.LittleEndian},
			addr:  "192.168.1.10:8080",
			want:  []byte{10, 1, 168, 192, 0x90, 0x1f},
		},
		{
			codec: Codec{Family: netsock.AF_INET},
			addr:  "0.0.0.0:0",
			want:  []byte{0, 0, 0, 0, 0, 0},
		},
		{
			codec: Codec{Family: netsock.AF_INET6, Order: binary.BigEndian},
			addr:  "[::1]:1",
			want:  []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 0, 1},
		},
	}
	for _, tt := range tests {
		addr := netip.MustParseAddrPort(tt.addr)
		buf := make([]byte, tt.codec.Size())
		n, err := tt.codec.Encode(buf, addr)
		if err != nil {
			t.Fatalf("%s: %v", tt.addr, err)
		}
		if n != len(tt.want) || !bytes.Equal(buf, tt.want) {
			t.Errorf("%s: got %v, want %v", tt.addr, buf[:n], tt.want)
		}
		got, err := tt.codec.Decode(buf)
		if err != nil || got != addr {
			t.Errorf("%s: decoded %s, %v", tt.addr, got, err)
		}
	}
}

func TestSizeIndependentOfValue(t *testing.T) {
	c := Codec{Family: netsock.AF_INET, Order: binary.LittleEndian}
	var sizes []int
	for _, s := range []string{"0.0.0.0:0", "255.255.255.255:65535", "10.0.0.1:80"} {
		b, err := c.Append(nil, netip.MustParseAddrPort(s))
		if err != nil {
			t.Fatal(err)
		}
		sizes = append(sizes, len(b))
	}
	for _, size := range sizes {
		if size != SizeIPv4 {
			t.Errorf("encoded size %d, want %d", size, SizeIPv4)
		}
	}
}

func TestCodecErrors(t *testing.T) {
	v4 := Codec{Family: netsock.AF_INET}
	v6 := Codec{Family: netsock.AF_INET6}
	if _, err := v4.Encode(make([]byte, 5), netip.MustParseAddrPort("1.2.3.4:5")); !errors.Is(err, netsock.ErrInvalidArgument) {
		t.Errorf("short buffer: got %v", err)
	}
	if _, err := v4.Encode(make([]byte, 6), netip.MustParseAddrPort("[fe80::1]:5")); !errors.Is(err, netsock.ErrInvalidArgument) {
		t.Errorf("family mismatch: got %v", err)
	}
	if _, err := v6.Encode(make([]byte, 18), netip.MustParseAddrPort("1.2.3.4:5")); !errors.Is(err, netsock.ErrInvalidArgument) {
		t.Errorf("family mismatch v6: got %v", err)
	}
	if _, err := v6.Decode(make([]byte, 17)); !errors.Is(err, netsock.ErrInvalidArgument) {
		t.Errorf("short decode: got %v", err)
	}
	if _, err := (Codec{Family: 99}).Append(nil, netip.MustParseAddrPort("1.2.3.4:5")); !errors.Is(err, netsock.ErrInvalidArgument) {
		t.Errorf("bad family: got %v", err)
	}
	if _, err := v4.Encode(make([]byte, 6), netip.MustParseAddrPort("[::ffff:1.2.3.4]:5")); !errors.Is(err, netsock.ErrInvalidArgument) {
		t.Errorf("mapped address under v4: got %v", err)
	}
	if _, err := v6.Encode(make([]byte, 18), netip.MustParseAddrPort("[fe80::1%eth0]:5")); !errors.Is(err, netsock.ErrInvalidArgument) {
		t.Errorf("zoned address: got %v", err)
	}
	b, err := v4.Append([]byte{0xaa}, netip.MustParseAddrPort("[::1]:5"))
	if err == nil || !bytes.Equal(b, []byte{0xaa}) {
		t.Errorf("failed append must leave dst untouched, got %v %v", b, err)
	}
}

func FuzzRoundTrip(f *testing.F) {
	f.Add([]byte{127, 0, 0, 1}, uint16(80), false)
	f.Add([]byte{0xfe, 0x80, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}, uint16(443), true)
	f.Fuzz(func(t *testing.T, ipb []byte, port uint16, little bool) {
		ip, ok := netip.AddrFromSlice(ipb)
		if !ok {
			return
		}
		var order binary.ByteOrder = binary.BigEndian
		if little {
			order = binary.LittleEndian
		}
		c := Codec{Family: netsock.AF_INET, Order: order}
		if ip.Is6() {
			c.Family = netsock.AF_INET6
		}
		addr := netip.AddrPortFrom(ip, port)
		b, err := c.Append(nil, addr)
		if err != nil {
			t.Fatal(err)
		}
		if len(b) != c.Size() {
			t.Fatalf("size %d, want %d", len(b), c.Size())
		}
		got, err := c.Decode(b)
		if err != nil {
			t.Fatal(err)
		}
		if got != addr {
			t.Fatalf("round trip %s -> %s", addr, got)
		}
	})
}
