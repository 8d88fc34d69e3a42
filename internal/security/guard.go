// Package security keeps grid downloads away from internal infrastructure.
//
// Catalog mirrors are arbitrary URLs. With HTTP_BLOCK_PRIVATE set, the HTTP
// grid store dials through a Guard, which refuses loopback, private,
// link-local (including the instance metadata endpoint) and other reserved
// ranges, both on the first request and on every redirect.
package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"time"
)

// dnsTimeout bounds each lookup made by the guard.
const dnsTimeout = 2 * time.Second

// DefaultMaxRedirects is the redirect limit of NewHTTPClient.
const DefaultMaxRedirects = 5

var (
	// ErrBlocked is returned when a download targets a blocked range.
	ErrBlocked = errors.New("security: destination address is blocked")
	// ErrTooManyRedirects is returned past the redirect limit.
	ErrTooManyRedirects = errors.New("security: too many redirects")
	// ErrLookup is returned when a host cannot be resolved.
	ErrLookup = errors.New("security: host lookup failed")
)

// blockedPrefixes are the ranges no grid mirror may live in.
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("ff00::/8"),
}

// Resolver abstracts DNS resolution for testability. *net.Resolver
// satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Guard validates destinations before they are dialed.
type Guard struct {
	resolver Resolver
	dialer   *net.Dialer
}

// NewGuard returns a Guard using resolver, or net.DefaultResolver when nil.
func NewGuard(resolver Resolver) *Guard {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Guard{resolver: resolver, dialer: &net.Dialer{Timeout: 10 * time.Second}}
}

// Blocked reports whether addr lies in a blocked range. IPv4-mapped IPv6
// addresses are checked as IPv4.
func Blocked(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// resolve returns the addresses of host after checking every one of them.
// A host mixing public and blocked addresses is refused outright.
func (g *Guard) resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		if Blocked(addr) {
			return nil, fmt.Errorf("%w: %s", ErrBlocked, addr)
		}
		return []netip.Addr{addr}, nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, dnsTimeout)
	defer cancel()
	addrs, err := g.resolver.LookupNetIP(lookupCtx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLookup, host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s has no addresses", ErrLookup, host)
	}
	for _, a := range addrs {
		if Blocked(a) {
			return nil, fmt.Errorf("%w: %s resolves to %s", ErrBlocked, host, a)
		}
	}
	return addrs, nil
}

// DialContext resolves and checks the host, then dials the first address.
// The checked address is dialed directly so a second lookup cannot swap it.
func (g *Guard) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("security: invalid address %q: %w", address, err)
	}
	addrs, err := g.resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	return g.dialer.DialContext(ctx, network, net.JoinHostPort(addrs[0].String(), port))
}

// CheckURL validates the host of rawURL without connecting.
func (g *Guard) CheckURL(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return fmt.Errorf("%w: no host in %q", ErrBlocked, rawURL)
	}
	_, err = g.resolve(ctx, u.Hostname())
	return err
}

// CheckRedirect returns an http.Client CheckRedirect func enforcing
// maxRedirects and the blocklist on every hop.
func (g *Guard) CheckRedirect(maxRedirects int) func(req *http.Request, via []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("%w: limit is %d", ErrTooManyRedirects, maxRedirects)
		}
		return g.CheckURL(req.Context(), req.URL.String())
	}
}

// NewHTTPClient returns a client whose connections and redirects go through
// a Guard on the default resolver.
func NewHTTPClient(timeout time.Duration, maxRedirects int) *http.Client {
	g := NewGuard(nil)
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = g.DialContext
	transport.Proxy = nil
	return &http.Client{
		Transport:     transport,
		Timeout:       timeout,
		CheckRedirect: g.CheckRedirect(maxRedirects),
	}
}
