package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// SSRF GUARD
// =============================================================================
//
// Outbound fetches of caller-supplied URLs pass two gates:
//
//   1. CheckURL, before any connection: https only, no IP literals, host allowlist.
//   2. DialContext, at connect time: every resolved address must be public, and the
//      connection is made to the vetted address so a second lookup cannot swap it.
//
// =============================================================================

// ErrBlocked is returned when a destination fails the SSRF policy.
var ErrBlocked = errors.New("destination blocked")

// Resolver looks up host addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// GuardConfig configures a Guard.
type GuardConfig struct {
	// AllowedHosts holds exact hostnames or "*.suffix" patterns. Empty allows any host.
	AllowedHosts   []string
	Resolver       Resolver
	ConnectTimeout time.Duration
}

// Guard enforces the outbound destination policy.
type Guard struct {
	allowed        []string
	resolver       Resolver
	connectTimeout time.Duration
}

// NewGuard creates a Guard. A nil resolver uses the system resolver.
func NewGuard(cfg GuardConfig) *Guard {
	r := cfg.Resolver
	if r == nil {
		r = net.DefaultResolver
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 200 * time.Millisecond
	}
	allowed := make([]string, 0, len(cfg.AllowedHosts))
	for _, h := range cfg.AllowedHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			allowed = append(allowed, h)
		}
	}
	return &Guard{allowed: allowed, resolver: r, connectTimeout: timeout}
}

func blocked(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBlocked, fmt.Sprintf(format, args...))
}

// CheckURL applies the checks that need no network access.
func (g *Guard) CheckURL(u *url.URL) error {
	if u.Scheme != "https" {
		return blocked("scheme %q not allowed", u.Scheme)
	}
	if u.User != nil {
		return blocked("userinfo not allowed")
	}
	host := u.Hostname()
	if host == "" {
		return blocked("missing host")
	}
	if isIPLiteral(host) {
		return blocked("IP literal host %q", host)
	}
	if !g.HostAllowed(host) {
		return blocked("host %q not in allowlist", host)
	}
	return nil
}

// HostAllowed reports whether host matches the allowlist.
func (g *Guard) HostAllowed(host string) bool {
	if len(g.allowed) == 0 {
		return true
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, pattern := range g.allowed {
		if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
			if strings.HasSuffix(host, "."+suffix) {
				return true
			}
			continue
		}
		if host == pattern {
			return true
		}
	}
	return false
}

// DialContext resolves addr, rejects non-public results, and dials the vetted address.
// All resolved addresses must be public; one bad record blocks the host.
func (g *Guard) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, blocked("bad address %q", addr)
	}
	if isIPLiteral(host) {
		return nil, blocked("IP literal host %q", host)
	}
	if !g.HostAllowed(host) {
		return nil, blocked("host %q not in allowlist", host)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, blocked("bad port %q", portStr)
	}

	addrs, err := g.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolve %s: no addresses", host)
	}
	for i, a := range addrs {
		a = a.Unmap()
		if !IsPublic(a) {
			return nil, blocked("host %q resolves to non-public address %s", host, a)
		}
		addrs[i] = a
	}

	dialer := &net.Dialer{Timeout: g.connectTimeout}
	var lastErr error
	for _, a := range addrs {
		conn, err := dialer.DialContext(ctx, network, netip.AddrPortFrom(a, uint16(port)).String())
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("dial %s: %w", host, lastErr)
}

// NewGuardedTransport returns a transport whose every connection goes through g.
// Environment proxies are ignored so the guard sees the real destination.
func NewGuardedTransport(g *Guard, responseHeaderTimeout time.Duration) *http.Transport {
	return &http.Transport{
		Proxy:                 nil,
		DialContext:           g.DialContext,
		TLSHandshakeTimeout:   2 * time.Second,
		ResponseHeaderTimeout: responseHeaderTimeout,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          16,
		IdleConnTimeout:       30 * time.Second,
	}
}

// nonPublic lists ranges not covered by the netip.Addr predicates.
var nonPublic = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"), // CGNAT
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("64:ff9b::/96"), // NAT64 can reach v4 internals
	netip.MustParsePrefix("2001:db8::/32"),
}

// IsPublic reports whether a is a globally routable unicast address.
func IsPublic(a netip.Addr) bool {
	a = a.Unmap()
	if !a.IsValid() || a.IsUnspecified() || a.IsLoopback() || a.IsPrivate() ||
		a.IsLinkLocalUnicast() || a.IsLinkLocalMulticast() || a.IsMulticast() ||
		a.IsInterfaceLocalMulticast() {
		return false
	}
	for _, p := range nonPublic {
		if p.Contains(a) {
			return false
		}
	}
	return true
}

func isIPLiteral(host string) bool {
	h := strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if i := strings.IndexByte(h, '%'); i >= 0 {
		h = h[:i]
	}
	_, err := netip.ParseAddr(h)
	return err == nil
}
