package authserver

import (
	"context"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/miekg/dns"

	"grimm.is/tollgate/internal/logging"
)

// Resolver turns auth server hostnames into the IPv4 addresses that must
// stay reachable for unauthenticated clients.
type Resolver struct {
	// Nameserver is a host:port queried directly. Empty uses the system
	// resolver only.
	Nameserver string
	Timeout    time.Duration

	logger *logging.Logger
}

// NewResolver creates a Resolver querying nameserver.
func NewResolver(nameserver string, logger *logging.Logger) *Resolver {
	return &Resolver{
		Nameserver: nameserver,
		Timeout:    5 * time.Second,
		logger:     logging.OrDefault(logger).WithComponent("authserver"),
	}
}

// LookupIPv4 resolves host. Literal addresses are returned as is. A failed
// query to Nameserver falls back to the system resolver.
func (r *Resolver) LookupIPv4(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return []net.IP{v4}, nil
		}
		return nil, fmt.Errorf("%s is not an IPv4 address", host)
	}

	if r.Nameserver != "" {
		ips, err := r.query(ctx, host)
		if err == nil && len(ips) > 0 {
			return ips, nil
		}
		r.logger.Debug("nameserver lookup failed, using system resolver",
			"host", host, "nameserver", r.Nameserver, "error", err)
	}

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", host, err)
	}
	return ips, nil
}

func (r *Resolver) query(ctx context.Context, host string) ([]net.IP, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)
	msg.RecursionDesired = true

	c := &dns.Client{Timeout: r.Timeout}
	resp, _, err := c.ExchangeContext(ctx, msg, r.Nameserver)
	if err != nil {
		return nil, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("%s: %s", host, dns.RcodeToString[resp.Rcode])
	}

	var ips []net.IP
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			ips = append(ips, a.A.To4())
		}
	}
	return ips, nil
}

// ResolveAll resolves every host and returns the de-duplicated, sorted
// union. Hosts that fail to resolve are logged and skipped.
func (r *Resolver) ResolveAll(ctx context.Context, hosts []string) []net.IP {
	seen := make(map[string]net.IP)
	for _, h := range hosts {
		ips, err := r.LookupIPv4(ctx, h)
		if err != nil {
			r.logger.Warn("failed to resolve auth server", "host", h, "error", err)
			continue
		}
		for _, ip := range ips {
			seen[ip.String()] = ip
		}
	}

	out := make([]net.IP, 0, len(seen))
	for _, ip := range seen {
		out = append(out, ip)
	}
	sort.Slice(out, func(i, j int) bool {
		return string(out[i].To4()) < string(out[j].To4())
	})
	return out
}
