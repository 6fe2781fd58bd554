// Package hostguard checks the management addresses a caller asks the
// service to contact and pins the connection to the address it checked.
package hostguard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
)

var alwaysBlocked = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("ff00::/8"),
}

var ErrNoAllowedAddress = errors.New("no allowed address for host")

// Resolver looks up host addresses. net.DefaultResolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Guard decides which firewall addresses may be contacted.
// An empty Allow list permits every address that is not always blocked.
type Guard struct {
	Allow    []netip.Prefix
	Resolver Resolver
}

func New(allow []netip.Prefix) *Guard {
	return &Guard{Allow: allow, Resolver: net.DefaultResolver}
}

func (g *Guard) Allowed(ip netip.Addr) bool {
	ip = ip.Unmap()
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return false
	}
	for _, p := range alwaysBlocked {
		if p.Contains(ip) {
			return false
		}
	}
	if len(g.Allow) == 0 {
		return true
	}
	for _, p := range g.Allow {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// ResolveAndPin resolves host (which may carry a port) and returns the first
// allowed address.
func (g *Guard) ResolveAndPin(ctx context.Context, host string) (netip.Addr, error) {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "" {
		return netip.Addr{}, errors.New("empty host")
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		if !g.Allowed(ip) {
			return netip.Addr{}, fmt.Errorf("%s: %w", host, ErrNoAllowedAddress)
		}
		return ip.Unmap(), nil
	}
	ips, err := g.Resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.Addr{}, err
	}
	for _, ip := range ips {
		if g.Allowed(ip) {
			return ip.Unmap(), nil
		}
	}
	return netip.Addr{}, fmt.Errorf("%s: %w", host, ErrNoAllowedAddress)
}
