//go:build !linux && !darwin

package main

import (
	"errors"
	"log/slog"
	"net/netip"

	"github.com/soypat/netsock"
)

func newHostNIC(name string, prefixes []netip.Prefix, logger *slog.Logger) (netsock.NIC, error) {
	return nil, errors.New("host sockets not supported on this platform")
}
