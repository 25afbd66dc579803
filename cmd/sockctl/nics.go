package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/soypat/netsock"
	"github.com/soypat/netsock/dnsresolve"
	"github.com/soypat/netsock/nic/loopnic"
)

// newRegistry attaches the configured interfaces in order.
func newRegistry(cfg Config, logger *slog.Logger) (*netsock.Registry, error) {
	warnings, err := cfg.validate()
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		if logger != nil {
			logger.Warn("sockctl:overlapping-prefixes", slog.String("detail", w))
		}
	}
	var regcfg netsock.RegistryConfig
	regcfg.Logger = logger
	if cfg.DNS != nil {
		timeout, _ := cfg.DNS.timeout()
		regcfg.Resolver, err = dnsresolve.New(dnsresolve.Config{
			Servers: cfg.DNS.Servers,
			Timeout: timeout,
			IPv6:    cfg.DNS.IPv6,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
	}
	reg := netsock.NewRegistry(regcfg)
	for _, iface := range cfg.Interfaces {
		prefixes, _ := iface.prefixes()
		var nic netsock.NIC
		switch iface.Kind {
		case kindLoop:
			nic = loopnic.New(loopnic.Config{
				Name:       iface.Name,
				Prefixes:   prefixes,
				MaxSockets: iface.MaxSockets,
				Logger:     logger,
			})
		case kindHost:
			nic, err = newHostNIC(iface.Name, prefixes, logger)
			if err != nil {
				return nil, fmt.Errorf("interface %q: %w", iface.Name, err)
			}
		}
		_, err = reg.Attach(nic)
		if err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// socketTimeout reads the --timeout flag value as a socket timeout.
func socketTimeout(d time.Duration) netsock.Timeout {
	if d <= 0 {
		return netsock.Blocking
	}
	return netsock.Timeout(d)
}
