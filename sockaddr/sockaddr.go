// Package sockaddr encodes (IP, port) socket addresses into the fixed
// layout used to exchange addresses with NIC drivers: the IP address bytes
// followed by a 16 bit port, both in the codec's byte order.
//
//	IPv4: [4]IP | [2]port  (6 bytes)
//	IPv6: [16]IP | [2]port (18 bytes)
//
// The encoded size depends only on the family, never on the address value.
package sockaddr

import (
	"encoding/binary"
	"net/netip"

	"github.com/soypat/netsock"
)

const (
	SizeIPv4 = 4 + 2
	SizeIPv6 = 16 + 2
)

// Codec encodes and decodes addresses of one family in one byte order.
// Under a little endian order the IP bytes are stored reversed, the way a
// little endian driver stores an address held in a native integer.
type Codec struct {
	Family netsock.Family
	Order  binary.ByteOrder
}

// Size returns the encoded size for the codec's family, or 0 for an
// unsupported family.
func (c Codec) Size() int {
	switch c.Family {
	case netsock.AF_INET:
		return SizeIPv4
	case netsock.AF_INET6:
		return SizeIPv6
	}
	return 0
}

func (c Codec) order() binary.ByteOrder {
	if c.Order == nil {
		return binary.BigEndian
	}
	return c.Order
}

// reversed reports whether IP bytes are stored in reverse network order.
func (c Codec) reversed() bool {
	var probe [2]byte
	c.order().PutUint16(probe[:], 1)
	return probe[0] == 1
}

// Encode writes addr to dst and returns the number of bytes written.
// Only addresses that Decode reproduces exactly are accepted, so IPv4-mapped
// addresses under AF_INET and zoned addresses fail with ErrInvalidArgument.
func (c Codec) Encode(dst []byte, addr netip.AddrPort) (int, error) {
	size := c.Size()
	if size == 0 || len(dst) < size || !addr.IsValid() {
		return 0, netsock.ErrInvalidArgument
	}
	ip := addr.Addr()
	switch {
	case c.Family == netsock.AF_INET && ip.Is4():
		a := ip.As4()
		copy(dst, a[:])
	case c.Family == netsock.AF_INET6 && ip.Is6() && ip.Zone() == "":
		a := ip.As16()
		copy(dst, a[:])
	default:
		return 0, netsock.ErrInvalidArgument
	}
	iplen := size - 2
	if c.reversed() {
		reverse(dst[:iplen])
	}
	c.order().PutUint16(dst[iplen:size], addr.Port())
	return size, nil
}

// Append appends the encoding of addr to dst.
func (c Codec) Append(dst []byte, addr netip.AddrPort) ([]byte, error) {
	size := c.Size()
	if size == 0 {
		return dst, netsock.ErrInvalidArgument
	}
	n := len(dst)
	dst = append(dst, make([]byte, size)...)
	_, err := c.Encode(dst[n:], addr)
	if err != nil {
		return dst[:n], err
	}
	return dst, nil
}

// Decode reads an address encoded by Encode from the start of src.
func (c Codec) Decode(src []byte) (netip.AddrPort, error) {
	size := c.Size()
	if size == 0 || len(src) < size {
		return netip.AddrPort{}, netsock.ErrInvalidArgument
	}
	iplen := size - 2
	var raw [16]byte
	copy(raw[:iplen], src[:iplen])
	if c.reversed() {
		reverse(raw[:iplen])
	}
	port := c.order().Uint16(src[iplen:size])
	var ip netip.Addr
	if c.Family == netsock.AF_INET {
		ip = netip.AddrFrom4([4]byte(raw[:4]))
	} else {
		ip = netip.AddrFrom16(raw)
	}
	return netip.AddrPortFrom(ip, port), nil
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}
