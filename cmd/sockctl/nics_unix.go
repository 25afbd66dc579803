//go:build linux || darwin

package main

import (
	"log/slog"
	"net/netip"

	"github.com/soypat/netsock"
	"github.com/soypat/netsock/nic/hostnic"
)

func newHostNIC(name string, prefixes []netip.Prefix, logger *slog.Logger) (netsock.NIC, error) {
	return hostnic.New(hostnic.Config{Name: name, Prefixes: prefixes, Logger: logger}), nil
}
