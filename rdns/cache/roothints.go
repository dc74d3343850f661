/*
 * Copyright (c) 2025 rdnsd project
 */

package cache

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// CompiledInRootHints is a copy of the IANA named.root zone, used when no
// hints file is configured. A configured file always takes precedence.
const CompiledInRootHints = `
;       This file holds the information on root name servers needed to
;       initialize cache of Internet domain name servers.
.                        3600000      NS    A.ROOT-SERVERS.NET.
A.ROOT-SERVERS.NET.      3600000      A     198.41.0.4
A.ROOT-SERVERS.NET.      3600000      AAAA  2001:503:ba3e::2:30
.                        3600000      NS    B.ROOT-SERVERS.NET.
B.ROOT-SERVERS.NET.      3600000      A     170.247.170.2
B.ROOT-SERVERS.NET.      3600000      AAAA  2801:1b8:10::b
.                        3600000      NS    C.ROOT-SERVERS.NET.
C.ROOT-SERVERS.NET.      3600000      A     192.33.4.12
C.ROOT-SERVERS.NET.      3600000      AAAA  2001:500:2::c
.                        3600000      NS    D.ROOT-SERVERS.NET.
D.ROOT-SERVERS.NET.      3600000      A     199.7.91.13
D.ROOT-SERVERS.NET.      3600000      AAAA  2001:500:2d::d
.                        3600000      NS    E.ROOT-SERVERS.NET.
E.ROOT-SERVERS.NET.      3600000      A     192.203.230.10
E.ROOT-SERVERS.NET.      3600000      AAAA  2001:500:a8::e
.                        3600000      NS    F.ROOT-SERVERS.NET.
F.ROOT-SERVERS.NET.      3600000      A     192.5.5.241
F.ROOT-SERVERS.NET.      3600000      AAAA  2001:500:2f::f
.                        3600000      NS    G.ROOT-SERVERS.NET.
G.ROOT-SERVERS.NET.      3600000      A     192.112.36.4
G.ROOT-SERVERS.NET.      3600000      AAAA  2001:500:12::d0d
.                        3600000      NS    H.ROOT-SERVERS.NET.
H.ROOT-SERVERS.NET.      3600000      A     198.97.190.53
H.ROOT-SERVERS.NET.      3600000      AAAA  2001:500:1::53
.                        3600000      NS    I.ROOT-SERVERS.NET.
I.ROOT-SERVERS.NET.      3600000      A     192.36.148.17
I.ROOT-SERVERS.NET.      3600000      AAAA  2001:7fe::53
.                        3600000      NS    J.ROOT-SERVERS.NET.
J.ROOT-SERVERS.NET.      3600000      A     192.58.128.30
J.ROOT-SERVERS.NET.      3600000      AAAA  2001:503:c27::2:30
.                        3600000      NS    K.ROOT-SERVERS.NET.
K.ROOT-SERVERS.NET.      3600000      A     193.0.14.129
K.ROOT-SERVERS.NET.      3600000      AAAA  2001:7fd::1
.                        3600000      NS    L.ROOT-SERVERS.NET.
L.ROOT-SERVERS.NET.      3600000      A     199.7.83.42
L.ROOT-SERVERS.NET.      3600000      AAAA  2001:500:9f::42
.                        3600000      NS    M.ROOT-SERVERS.NET.
M.ROOT-SERVERS.NET.      3600000      A     202.12.27.33
M.ROOT-SERVERS.NET.      3600000      AAAA  2001:dc3::35
`

// PrimeWithHints seeds the root delegation from a BIND-style named.root
// file, or from the compiled-in copy when hintsfile is empty. Only NS, A
// and AAAA records are consumed.
func (d *DelegationCacheT) PrimeWithHints(hintsfile string) error {
	var data []byte
	var source string

	if strings.TrimSpace(hintsfile) == "" {
		if d.Verbose {
			d.Logger.Printf("PrimeWithHints: no hints file configured, using compiled-in root hints")
		}
		data = []byte(CompiledInRootHints)
		source = "compiled-in"
	} else {
		if _, err := os.Stat(hintsfile); err != nil {
			return fmt.Errorf("root hints file %s not found: %v", hintsfile, err)
		}
		var err error
		data, err = os.ReadFile(hintsfile)
		if err != nil {
			return fmt.Errorf("error reading root hints file %s: %v", hintsfile, err)
		}
		source = hintsfile
	}

	zp := dns.NewZoneParser(strings.NewReader(string(data)), ".", source)
	zp.SetIncludeAllowed(false)

	var rootns []string
	nsMap := map[string]bool{}
	glueRecords := map[string][]dns.RR{}

	for rr, ok := zp.Next(); ok; rr, ok = zp.Next() {
		switch rr.Header().Rrtype {
		case dns.TypeNS:
			if rr.Header().Name != "." {
				d.Logger.Printf("Non-root NS record among hints: %v. Ignored.", rr.String())
				continue
			}
			nsname := dns.CanonicalName(rr.(*dns.NS).Ns)
			nsMap[nsname] = true
			rootns = append(rootns, nsname)

		case dns.TypeA, dns.TypeAAAA:
			name := dns.CanonicalName(rr.Header().Name)
			glueRecords[name] = append(glueRecords[name], rr)
		}
	}
	if err := zp.Err(); err != nil {
		return fmt.Errorf("error parsing root hints from %s: %v", source, err)
	}
	if len(rootns) == 0 {
		return fmt.Errorf("no NS records found in root hints from %s", source)
	}

	for name, rrs := range glueRecords {
		if !nsMap[name] {
			d.Logger.Printf("*** Glue record for a non-root nameserver found: %v. Ignored.", name)
			continue
		}
		server := d.GetOrCreateServer(name)
		server.SetSrc("hint")
		for _, rr := range rrs {
			switch a := rr.(type) {
			case *dns.A:
				server.AddAddr(a.A.String())
			case *dns.AAAA:
				server.AddAddr(a.AAAA.String())
			}
			server.SetExpire(time.Now().Add(time.Duration(rr.Header().Ttl) * time.Second))
		}
	}

	d.Zones.Set(".", &ZoneDelegation{
		Zone:       ".",
		NSNames:    rootns,
		Expiration: time.Now().Add(1000 * time.Hour),
	})
	d.Primed = true

	if d.Verbose {
		d.Logger.Printf("DelegationCache: primed with %d root servers from %s", len(rootns), source)
	}
	return nil
}

// PrimeWithRootAddrs seeds the root delegation from a bare list of root
// server addresses (the `roots` config key), when no hints file is used.
func (d *DelegationCacheT) PrimeWithRootAddrs(addrs []string) error {
	if len(addrs) == 0 {
		return fmt.Errorf("no root server addresses provided")
	}
	nsname := "_roots."
	server := d.GetOrCreateServer(nsname)
	server.SetSrc("priming")
	for _, addr := range addrs {
		server.AddAddr(addr)
	}
	d.Zones.Set(".", &ZoneDelegation{
		Zone:       ".",
		NSNames:    []string{dns.CanonicalName(nsname)},
		Expiration: time.Now().Add(1000 * time.Hour),
	})
	d.Primed = true
	return nil
}
