package guard

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

// privateRanges covers loopback, RFC1918, link-local, CGNAT and the
// IPv6 equivalents. Anything inside is off-limits for outbound fetches
// and webhook deliveries. Addresses are unmapped before matching, so
// 4-in-6 forms like ::ffff:127.0.0.1 hit the IPv4 prefixes.
var privateRanges = []netip.Prefix{
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

// Resolver is the subset of net.Resolver the URL guard needs.
// Swappable in tests.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// URLGuard rejects URLs that resolve to private or loopback network
// space. DNS can change between request validation and dispatch, so
// callers re-run the check immediately before every outbound attempt.
type URLGuard struct {
	Resolver Resolver

	// RequireHTTPS restricts the scheme to https (webhook targets).
	RequireHTTPS bool

	// lookupTimeout bounds the DNS lookup per check.
	LookupTimeout time.Duration
}

// NewURLGuard returns a guard using the default system resolver.
func NewURLGuard(requireHTTPS bool) *URLGuard {
	return &URLGuard{
		Resolver:      net.DefaultResolver,
		RequireHTTPS:  requireHTTPS,
		LookupTimeout: 5 * time.Second,
	}
}

// Check parses and resolves raw and returns an error when the URL is
// unusable or points into private address space. The returned message
// always contains "private" for private-space rejections so callers
// can surface a consistent reason.
func (g *URLGuard) Check(ctx context.Context, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() {
		return fmt.Errorf("invalid URL")
	}
	if g.RequireHTTPS {
		if u.Scheme != "https" {
			return fmt.Errorf("URL scheme must be https")
		}
	} else if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https")
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("URL has no host")
	}
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return fmt.Errorf("URL resolves to a private address (localhost)")
	}

	// Literal IPs need no DNS round trip.
	if addr, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		if isPrivate(addr) {
			return fmt.Errorf("URL resolves to a private address (%s)", addr)
		}
		return nil
	}

	if g.LookupTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.LookupTimeout)
		defer cancel()
	}
	addrs, err := g.Resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("hostname did not resolve: %w", err)
	}
	for _, a := range addrs {
		addr, ok := netip.AddrFromSlice(a.IP)
		if !ok {
			return fmt.Errorf("hostname resolved to an unusable address")
		}
		if isPrivate(addr.Unmap()) {
			return fmt.Errorf("URL resolves to a private address (%s)", addr.Unmap())
		}
	}
	return nil
}

func isPrivate(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range privateRanges {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
