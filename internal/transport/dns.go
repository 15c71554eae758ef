package transport

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/miekg/dns"
)

// DNSResolver resolves through a fixed DNS server instead of the host's resolver.
// Used when the gateway must not trust /etc/resolv.conf for outbound fetches.
type DNSResolver struct {
	server string
	client *dns.Client
}

// NewDNSResolver creates a resolver querying server ("host:port").
func NewDNSResolver(server string, timeout time.Duration) *DNSResolver {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &DNSResolver{
		server: server,
		client: &dns.Client{Timeout: timeout},
	}
}

// LookupNetIP implements Resolver. network is "ip", "ip4" or "ip6".
func (r *DNSResolver) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	var qtypes []uint16
	switch network {
	case "ip4":
		qtypes = []uint16{dns.TypeA}
	case "ip6":
		qtypes = []uint16{dns.TypeAAAA}
	default:
		qtypes = []uint16{dns.TypeA, dns.TypeAAAA}
	}

	var out []netip.Addr
	for _, qt := range qtypes {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(host), qt)
		m.RecursionDesired = true

		in, _, err := r.client.ExchangeContext(ctx, m, r.server)
		if err != nil {
			return nil, fmt.Errorf("dns query %s: %w", host, err)
		}
		if in.Rcode != dns.RcodeSuccess && in.Rcode != dns.RcodeNameError {
			return nil, fmt.Errorf("dns query %s: %s", host, dns.RcodeToString[in.Rcode])
		}
		for _, rr := range in.Answer {
			switch v := rr.(type) {
			case *dns.A:
				if a, ok := netip.AddrFromSlice(v.A); ok {
					out = append(out, a.Unmap())
				}
			case *dns.AAAA:
				if a, ok := netip.AddrFromSlice(v.AAAA); ok {
					out = append(out, a)
				}
			}
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("dns query %s: no such host", host)
	}
	return out, nil
}
