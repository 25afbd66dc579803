package netsock_test

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/soypat/netsock"
)

type staticResolver map[string][]netip.Addr

func (r staticResolver) LookupNetIP(ctx context.Context, host string) ([]netip.Addr, error) {
	addrs, ok := r[host]
	if !ok {
		return nil, netsock.ENOENT
	}
	return addrs, nil
}

func TestGetAddrInfo(t *testing.T) {
	fallback := staticResolver{
		"example.org": {netip.MustParseAddr("93.184.216.34"), netip.MustParseAddr("2606:2800:220:1::")},
		"localhost":   {netip.MustParseAddr("10.0.0.1")},
	}
	reg := netsock.NewRegistry(netsock.RegistryConfig{Resolver: fallback})
	reg.Attach(newLoop("lo"))
	ctx := context.Background()

	got, err := netsock.GetAddrInfo(ctx, reg, "example.org", 443)
	if err != nil {
		t.Fatal(err)
	}
	want := []netsock.AddrInfo{
		{Family: netsock.AF_INET, Type: netsock.SOCK_STREAM, Addr: netip.MustParseAddrPort("93.184.216.34:443")},
		{Family: netsock.AF_INET6, Type: netsock.SOCK_STREAM, Addr: netip.MustParseAddrPort("[2606:2800:220:1::]:443")},
	}
	if diff := cmp.Diff(want, got, cmp.Comparer(func(a, b netip.AddrPort) bool { return a == b })); diff != "" {
		t.Errorf("example.org (-want +got):\n%s", diff)
	}

	// The loopback NIC resolves localhost before the registry resolver.
	got, err = netsock.GetAddrInfo(ctx, reg, "localhost", 80)
	if err != nil || len(got) == 0 || got[0].Addr != netip.MustParseAddrPort("127.0.0.1:80") {
		t.Errorf("localhost: %v, %v", got, err)
	}

	got, err = netsock.GetAddrInfo(ctx, reg, "192.168.4.1", 8080)
	if err != nil || len(got) != 1 || got[0].Addr != netip.MustParseAddrPort("192.168.4.1:8080") {
		t.Errorf("literal: %v, %v", got, err)
	}

	_, err = netsock.GetAddrInfo(ctx, reg, "nonexistent.invalid", 80)
	if !errors.Is(err, netsock.ErrUnresolvable) || !errors.Is(err, netsock.ENOENT) {
		t.Errorf("unresolvable: %v", err)
	}
	for _, port := range []int{-1, 65536} {
		if _, err = netsock.GetAddrInfo(ctx, reg, "example.org", port); !errors.Is(err, netsock.ErrInvalidArgument) {
			t.Errorf("port %d: %v", port, err)
		}
	}
}
