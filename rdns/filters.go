/*
 * Copyright (c) 2025 rdnsd project
 */

package rdns

import (
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/miekg/dns"
)

// Filters implements the two policy gates evaluated before any outbound
// traffic: a domain allow/block list (longest suffix wins) and a
// destination-address deny/allow net list (deny takes precedence).
type Filters struct {
	allowlistDomains []string
	blocklistDomains []string
	denyNets         []netip.Prefix
	allowNets        []netip.Prefix
}

func NewFilters(cfg FiltersConf) (*Filters, error) {
	f := &Filters{}
	for _, d := range cfg.AllowlistDomains {
		f.allowlistDomains = append(f.allowlistDomains, normDomain(d))
	}
	for _, d := range cfg.BlocklistDomains {
		f.blocklistDomains = append(f.blocklistDomains, normDomain(d))
	}
	for _, n := range cfg.DenyNets {
		p, err := netip.ParsePrefix(n)
		if err != nil {
			return nil, fmt.Errorf("invalid deny_nets entry %q: %v", n, err)
		}
		f.denyNets = append(f.denyNets, p)
	}
	for _, n := range cfg.AllowNets {
		p, err := netip.ParsePrefix(n)
		if err != nil {
			return nil, fmt.Errorf("invalid allow_nets entry %q: %v", n, err)
		}
		f.allowNets = append(f.allowNets, p)
	}
	return f, nil
}

// DomainAllowed decides the domain policy for qname. The longest matching
// suffix between the two lists wins; with a non-empty allowlist, a name
// matching neither list is blocked.
func (f *Filters) DomainAllowed(qname string) bool {
	q := normDomain(qname)

	blockLen := longestSuffixMatch(q, f.blocklistDomains)
	allowLen := longestSuffixMatch(q, f.allowlistDomains)

	if blockLen > allowLen {
		return false
	}
	if len(f.allowlistDomains) > 0 && allowLen < 0 {
		return false
	}
	return true
}

// AddressAllowed checks a candidate upstream address against the
// destination-IP policy. A blocked address is treated by callers as if
// the server were unreachable.
func (f *Filters) AddressAllowed(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	for _, n := range f.denyNets {
		if n.Contains(ip) {
			return false
		}
	}
	if len(f.allowNets) > 0 {
		for _, n := range f.allowNets {
			if n.Contains(ip) {
				return true
			}
		}
		return false
	}
	return true
}

// SyntheticSOA builds the SOA placed in the authority section of policy
// NXDOMAIN responses. These responses are never admitted to the negative
// cache.
func SyntheticSOA(qname string, negTTL uint32) *dns.SOA {
	return &dns.SOA{
		Hdr: dns.RR_Header{
			Name:   ".",
			Rrtype: dns.TypeSOA,
			Class:  dns.ClassINET,
			Ttl:    negTTL,
		},
		Ns:      "blocked.invalid.",
		Mbox:    "nobody.invalid.",
		Serial:  1,
		Refresh: 3600,
		Retry:   900,
		Expire:  604800,
		Minttl:  negTTL,
	}
}

// longestSuffixMatch returns the length of the longest list entry that is
// a suffix of q, or -1 when nothing matches.
func longestSuffixMatch(q string, list []string) int {
	best := -1
	for _, s := range list {
		if s == "" {
			continue
		}
		if (q == s || strings.HasSuffix(q, "."+s)) && len(s) > best {
			best = len(s)
		}
	}
	return best
}

func normDomain(s string) string {
	x := strings.ToLower(strings.TrimSuffix(strings.TrimSpace(s), "."))
	if x == "" {
		x = "."
	}
	return x
}
