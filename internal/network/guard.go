package network

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"net/url"
)

var (
	ErrPrivateAddress = errors.New("address resolves to a private network")
	ErrBadHost        = errors.New("bad host")
)

// Resolver is the subset of *net.Resolver used by GuardHost.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// BlockedAddr reports loopback, private, link-local, multicast and
// unspecified addresses.
func BlockedAddr(a netip.Addr) bool {
	a = a.Unmap()
	return a.IsLoopback() || a.IsPrivate() || a.IsLinkLocalUnicast() ||
		a.IsLinkLocalMulticast() || a.IsUnspecified() || a.IsMulticast()
}

// GuardHost rejects a host that is, or resolves to, a blocked address. Every
// resolved address must pass.
func GuardHost(ctx context.Context, r Resolver, host string) error {
	if host == "" {
		return ErrBadHost
	}
	if a, err := netip.ParseAddr(host); err == nil {
		if BlockedAddr(a) {
			return ErrPrivateAddress
		}
		return nil
	}
	addrs, err := r.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadHost, err)
	}
	if len(addrs) == 0 {
		return ErrBadHost
	}
	for _, a := range addrs {
		if BlockedAddr(a) {
			return ErrPrivateAddress
		}
	}
	return nil
}

// GuardAddr applies GuardHost to the host of a next-hop address as accepted
// by Dial.
func GuardAddr(ctx context.Context, r Resolver, addr string) error {
	u, err := url.Parse(addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadHost, err)
	}
	return GuardHost(ctx, r, u.Hostname())
}
