package netsock

import "net"

// Event is a link event delivered to callbacks registered with [Registry.Notify].
type Event uint8

const (
	_ Event = iota
	// EventNetUp is delivered when the NIC becomes available for selection.
	EventNetUp
	// EventNetDown is delivered when the NIC is detached.
	EventNetDown
)

func (e Event) String() string {
	switch e {
	case EventNetUp:
		return "net-up"
	case EventNetDown:
		return "net-down"
	}
	return "unknown-event"
}

// LinkFlags returns the flags of an interface that is administratively up
// and, if running is set, in running state. NIC implementations use it to
// build their NetFlags result.
func LinkFlags(up, running bool) (flags net.Flags) {
	if !up {
		return 0
	}
	flags |= net.FlagUp
	if running {
		flags |= net.FlagRunning
	}
	return flags
}
