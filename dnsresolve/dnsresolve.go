// Package dnsresolve resolves host names over DNS with
// [github.com/miekg/dns]. A [Resolver] can serve as the fallback resolver of
// a [netsock.Registry] when no attached NIC resolves names itself.
package dnsresolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
	"github.com/soypat/netsock"
)

const (
	defaultTimeout = 2 * time.Second
	resolvConf     = "/etc/resolv.conf"
)

// fallbackServers are queried when neither the Config nor the system name
// the servers to use.
var fallbackServers = []string{"8.8.8.8:53", "1.1.1.1:53"}

// Config configures a [Resolver].
type Config struct {
	// Servers are "ip" or "ip:port" addresses queried in order. When empty
	// the nameservers of /etc/resolv.conf are used.
	Servers []string
	// Timeout bounds each exchange with a server. Defaults to 2s.
	Timeout time.Duration
	// Net is "udp" (the default) or "tcp".
	Net string
	// IPv6 enables AAAA queries.
	IPv6   bool
	Logger *slog.Logger
}

// Resolver looks up host addresses with DNS queries.
type Resolver struct {
	log     *slog.Logger
	servers []string
	client  *dns.Client
	ipv6    bool
}

var _ netsock.Resolver = (*Resolver)(nil)

// New returns a Resolver querying cfg.Servers, or the system's nameservers
// when none are given.
func New(cfg Config) (*Resolver, error) {
	r := &Resolver{
		log:  cfg.Logger,
		ipv6: cfg.IPv6,
		client: &dns.Client{
			Net:     cfg.Net,
			Timeout: cfg.Timeout,
		},
	}
	if r.client.Timeout <= 0 {
		r.client.Timeout = defaultTimeout
	}
	switch cfg.Net {
	case "", "udp", "tcp":
	default:
		return nil, fmt.Errorf("dnsresolve: unsupported network %q", cfg.Net)
	}
	servers := cfg.Servers
	if len(servers) == 0 {
		cc, err := dns.ClientConfigFromFile(resolvConf)
		if err != nil {
			r.warn("dnsresolve:no-system-config", slog.String("err", err.Error()))
			servers = fallbackServers
		} else {
			for _, s := range cc.Servers {
				servers = append(servers, net.JoinHostPort(s, cc.Port))
			}
		}
	}
	for _, s := range servers {
		addr, err := serverAddr(s)
		if err != nil {
			return nil, err
		}
		r.servers = append(r.servers, addr)
	}
	if len(r.servers) == 0 {
		return nil, errors.New("dnsresolve: no servers")
	}
	return r, nil
}

func serverAddr(s string) (string, error) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.String(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return "", fmt.Errorf("dnsresolve: bad server address %q", s)
	}
	return netip.AddrPortFrom(addr, 53).String(), nil
}

// Servers returns the server addresses queried, in order.
func (r *Resolver) Servers() []string {
	return append([]string(nil), r.servers...)
}

// LookupNetIP returns the IPv4 addresses of host, followed by its IPv6
// addresses when enabled. A name that does not exist or has no address
// records fails with an error matching [netsock.ENOENT].
func (r *Resolver) LookupNetIP(ctx context.Context, host string) ([]netip.Addr, error) {
	qtypes := []uint16{dns.TypeA}
	if r.ipv6 {
		qtypes = append(qtypes, dns.TypeAAAA)
	}
	var addrs []netip.Addr
	for _, qtype := range qtypes {
		req := new(dns.Msg)
		req.SetQuestion(dns.Fqdn(host), qtype)
		req.RecursionDesired = true
		reply, err := r.exchange(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("dnsresolve: lookup %s: %w", host, err)
		}
		for _, rr := range reply.Answer {
			switch rr := rr.(type) {
			case *dns.A:
				if addr, ok := netip.AddrFromSlice(rr.A.To4()); ok {
					addrs = append(addrs, addr)
				}
			case *dns.AAAA:
				if addr, ok := netip.AddrFromSlice(rr.AAAA.To16()); ok {
					addrs = append(addrs, addr)
				}
			}
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("dnsresolve: lookup %s: %w", host, netsock.ENOENT)
	}
	r.debug("dnsresolve:lookup", slog.String("host", host), slog.Int("addrs", len(addrs)))
	return addrs, nil
}

// exchange sends req to each server in turn until one answers. A name
// error ends the search since every server would give the same answer.
func (r *Resolver) exchange(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	var errs []error
	for _, server := range r.servers {
		reply, rtt, err := r.client.ExchangeContext(ctx, req, server)
		if err != nil {
			r.debug("dnsresolve:exchange-failed", slog.String("server", server), slog.String("err", err.Error()))
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		r.trace("dnsresolve:exchange", slog.String("server", server), slog.Duration("rtt", rtt),
			slog.String("rcode", dns.RcodeToString[reply.Rcode]))
		switch reply.Rcode {
		case dns.RcodeSuccess:
			return reply, nil
		case dns.RcodeNameError:
			return nil, netsock.ENOENT
		}
		errs = append(errs, fmt.Errorf("%s: %s", server, dns.RcodeToString[reply.Rcode]))
	}
	return nil, errors.Join(errs...)
}

func (r *Resolver) warn(msg string, attrs ...slog.Attr) {
	r.logattrs(slog.LevelWarn, msg, attrs...)
}

func (r *Resolver) debug(msg string, attrs ...slog.Attr) {
	r.logattrs(slog.LevelDebug, msg, attrs...)
}

func (r *Resolver) trace(msg string, attrs ...slog.Attr) {
	r.logattrs(slog.LevelDebug-1, msg, attrs...)
}

func (r *Resolver) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if r.log != nil {
		r.log.LogAttrs(context.Background(), level, msg, attrs...)
	}
}
