package netsock

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
)

// AddrInfo is one result of [GetAddrInfo].
type AddrInfo struct {
	Family    Family
	Type      Type
	Protocol  int
	CanonName string
	Addr      netip.AddrPort
}

// GetAddrInfo resolves host into socket addresses with the given port.
// Literal IP addresses are returned as is. Host names are resolved by the
// default NIC if it is a [Resolver], then by every other attached [Resolver]
// NIC in attach order and finally by the registry's configured resolver.
func GetAddrInfo(ctx context.Context, reg *Registry, host string, port int) ([]AddrInfo, error) {
	const op = "getaddrinfo"
	if port < 0 || port > 0xffff {
		return nil, kindError(op, "", netip.AddrPort{}, ErrInvalidArgument)
	}
	if host == "" {
		return nil, kindError(op, "", netip.AddrPort{}, ErrInvalidArgument)
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return []AddrInfo{newAddrInfo(ip, uint16(port))}, nil
	}
	addrs, err := reg.lookupHost(ctx, host)
	if err != nil {
		var oe *OpError
		if errors.As(err, &oe) {
			return nil, err
		}
		return nil, &OpError{Op: op, Kind: ErrUnresolvable, Err: err}
	}
	infos := make([]AddrInfo, 0, len(addrs))
	for _, ip := range addrs {
		infos = append(infos, newAddrInfo(ip, uint16(port)))
	}
	return infos, nil
}

func newAddrInfo(ip netip.Addr, port uint16) AddrInfo {
	ip = ip.Unmap()
	family := AF_INET
	if ip.Is6() {
		family = AF_INET6
	}
	return AddrInfo{
		Family: family,
		Type:   SOCK_STREAM,
		Addr:   netip.AddrPortFrom(ip, port),
	}
}

// lookupHost tries every resolver in order and returns the first non-empty answer.
func (r *Registry) lookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	var resolvers []Resolver
	var names []string
	defID, def, ok := r.Default()
	if res, isRes := def.(Resolver); ok && isRes {
		resolvers = append(resolvers, res)
		names = append(names, def.Name())
	}
	r.Each(func(id NICID, nic NIC) bool {
		if res, isRes := nic.(Resolver); isRes && id != defID && isUp(nic) {
			resolvers = append(resolvers, res)
			names = append(names, nic.Name())
		}
		return true
	})
	if r.resolver != nil {
		resolvers = append(resolvers, r.resolver)
		names = append(names, "registry")
	}
	var errs []error
	for i, res := range resolvers {
		addrs, err := res.LookupNetIP(ctx, host)
		if err == nil && len(addrs) > 0 {
			r.debug("registry:resolve", slog.String("host", host), slog.String("by", names[i]), slog.Int("naddrs", len(addrs)))
			return addrs, nil
		}
		if err != nil {
			errs = append(errs, err)
			r.trace("registry:resolve-fail", slog.String("host", host), slog.String("by", names[i]), slog.String("err", err.Error()))
		}
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return nil, ErrUnresolvable
	}
	return nil, errors.Join(errs...)
}
