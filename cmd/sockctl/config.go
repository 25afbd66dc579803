package main

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/apparentlymart/go-cidr/cidr"
	"github.com/goccy/go-yaml"
)

const (
	kindLoop = "loop"
	kindHost = "host"
)

// Config is the YAML interface file.
type Config struct {
	// Interfaces are attached in order; the first one is the default NIC.
	Interfaces []InterfaceConfig `yaml:"interfaces"`
	DNS        *DNSConfig        `yaml:"dns,omitempty"`
}

type InterfaceConfig struct {
	Name string `yaml:"name"`
	// Kind is "loop" or "host".
	Kind       string   `yaml:"kind"`
	Prefixes   []string `yaml:"prefixes,omitempty"`
	MaxSockets int      `yaml:"maxSockets,omitempty"`
}

// DNSConfig enables a DNS resolver used when no interface resolves a name.
type DNSConfig struct {
	Servers []string `yaml:"servers,omitempty"`
	// Timeout is a duration such as "2s".
	Timeout string `yaml:"timeout,omitempty"`
	IPv6    bool   `yaml:"ipv6,omitempty"`
}

func defaultConfig() Config {
	return Config{
		Interfaces: []InterfaceConfig{
			{Name: "lo", Kind: kindLoop},
			{Name: "host", Kind: kindHost},
		},
	}
}

// loadConfig reads path, or returns the default configuration when path is empty.
func loadConfig(path string) (Config, error) {
	if path == "" {
		return defaultConfig(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	err = yaml.UnmarshalWithOptions(b, &cfg, yaml.Strict())
	if err != nil {
		return Config{}, fmt.Errorf("cannot parse %q: %w", path, err)
	}
	return cfg, nil
}

func (c *DNSConfig) timeout() (time.Duration, error) {
	if c.Timeout == "" {
		return 0, nil
	}
	return time.ParseDuration(c.Timeout)
}

// validate checks the configuration. Interfaces whose prefixes overlap are
// allowed since the first attached one wins, but are reported as warnings.
func (c Config) validate() (warnings []string, err error) {
	if len(c.Interfaces) == 0 {
		return nil, errors.New("no interfaces configured")
	}
	names := make(map[string]bool)
	var subnets4, subnets6 []*net.IPNet
	for _, iface := range c.Interfaces {
		switch {
		case iface.Name == "":
			return nil, errors.New("interface without name")
		case names[iface.Name]:
			return nil, fmt.Errorf("duplicate interface %q", iface.Name)
		case iface.Kind != kindLoop && iface.Kind != kindHost:
			return nil, fmt.Errorf("interface %q: unknown kind %q", iface.Name, iface.Kind)
		case iface.MaxSockets < 0:
			return nil, fmt.Errorf("interface %q: negative maxSockets", iface.Name)
		}
		names[iface.Name] = true
		prefixes, err := iface.prefixes()
		if err != nil {
			return nil, err
		}
		for _, p := range prefixes {
			if p.Addr().Is4() {
				subnets4 = append(subnets4, ipNet(p))
			} else {
				subnets6 = append(subnets6, ipNet(p))
			}
		}
	}
	if c.DNS != nil {
		if _, err := c.DNS.timeout(); err != nil {
			return nil, fmt.Errorf("dns timeout: %w", err)
		}
	}
	if err := cidr.VerifyNoOverlap(subnets4, ipNet(netip.MustParsePrefix("0.0.0.0/0"))); err != nil {
		warnings = append(warnings, err.Error())
	}
	if err := cidr.VerifyNoOverlap(subnets6, ipNet(netip.MustParsePrefix("::/0"))); err != nil {
		warnings = append(warnings, err.Error())
	}
	return warnings, nil
}

func (iface InterfaceConfig) prefixes() ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	for _, s := range iface.Prefixes {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("interface %q: %w", iface.Name, err)
		}
		prefixes = append(prefixes, p.Masked())
	}
	return prefixes, nil
}

func ipNet(p netip.Prefix) *net.IPNet {
	p = p.Masked()
	return &net.IPNet{
		IP:   p.Addr().AsSlice(),
		Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
	}
}

// describePrefix returns the first and last address of p and its size.
func describePrefix(p netip.Prefix) (first, last net.IP, count uint64) {
	n := ipNet(p)
	first, last = cidr.AddressRange(n)
	return first, last, cidr.AddressCount(n)
}
