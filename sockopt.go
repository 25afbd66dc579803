package netsock

import (
	"encoding/binary"

	"golang.org/x/exp/constraints"
)

// Socket option levels and names.
const (
	SOL_SOCKET   = 1
	SO_REUSEADDR = 4
	SO_BROADCAST = 6
	SO_KEEPALIVE = 9

	IPPROTO_IP   = 0
	IPPROTO_ICMP = 1
	IPPROTO_IPV4 = 4
	IPPROTO_TCP  = 6
	IPPROTO_UDP  = 17
	IPPROTO_IPV6 = 41
	IPPROTO_RAW  = 255

	TCP_NODELAY = 1
)

// Ioctl requests understood by the NICs in this module.
const (
	// IoctlPoll takes the poll flags of interest as argument and returns the
	// subset that is ready without blocking.
	IoctlPoll uint32 = 3
	// IoctlClose is reserved for stream close and is handled by [Socket.Close].
	IoctlClose uint32 = 4
)

// Poll flags for [IoctlPoll].
const (
	PollRD  uintptr = 0x0001
	PollWR  uintptr = 0x0004
	PollErr uintptr = 0x0008
	PollHUP uintptr = 0x0010
)

// OptInt encodes an integer option value as a 4 byte native endian integer,
// the layout setsockopt expects for int options.
func OptInt[T constraints.Integer](v T) []byte {
	return binary.NativeEndian.AppendUint32(nil, uint32(int32(v)))
}

// OptBool encodes a boolean option value.
func OptBool(v bool) []byte {
	if v {
		return OptInt(1)
	}
	return OptInt(0)
}

// ParseOptInt decodes an option value encoded by [OptInt]. Values of a
// single byte are accepted as well. ok is false for any other length.
func ParseOptInt(value []byte) (v int32, ok bool) {
	switch len(value) {
	case 1:
		return int32(value[0]), true
	case 4:
		return int32(binary.NativeEndian.Uint32(value)), true
	}
	return 0, false
}

type sockopt struct {
	level, opt int
	value      []byte
}
