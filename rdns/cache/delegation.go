/*
 * Copyright (c) 2025 rdnsd project
 */

package cache

import (
	"log"
	"time"

	"github.com/miekg/dns"
	cmap "github.com/orcaman/concurrent-map/v2"
)

// ZoneDelegation is a cached zone cut: the NS names serving a zone, with
// its own TTL. Nameserver addresses live in the separate server map so
// that evicting a delegation never dangles address data (and vice versa).
type ZoneDelegation struct {
	Zone       string
	NSNames    []string
	Stub       bool
	Expiration time.Time
}

// DelegationCacheT holds two maps: zone -> NS-name list, and
// nsname -> *AuthServer (addresses, backoff, RTT). Stub zones are fixed
// delegations injected from configuration; they never expire.
type DelegationCacheT struct {
	Zones   cmap.ConcurrentMap[string, *ZoneDelegation]
	Servers cmap.ConcurrentMap[string, *AuthServer]

	Primed bool

	Logger  *log.Logger
	Verbose bool
	Debug   bool
}

func NewDelegationCache(lg *log.Logger, verbose, debug bool) *DelegationCacheT {
	if lg == nil {
		lg = log.Default()
	}
	return &DelegationCacheT{
		Zones:   cmap.New[*ZoneDelegation](),
		Servers: cmap.New[*AuthServer](),
		Logger:  lg,
		Verbose: verbose,
		Debug:   debug,
	}
}

// GetOrCreateServer returns the shared AuthServer instance for nsname,
// creating it when absent. A single instance per nameserver name is used
// across all zones.
func (d *DelegationCacheT) GetOrCreateServer(nsname string) *AuthServer {
	nsname = dns.CanonicalName(nsname)
	if existing, ok := d.Servers.Get(nsname); ok {
		return existing
	}
	newServer := &AuthServer{
		Name: nsname,
		Src:  "unknown",
	}
	if d.Servers.SetIfAbsent(nsname, newServer) {
		return newServer
	}
	existing, _ := d.Servers.Get(nsname)
	return existing
}

// SetZone records (or refreshes) the NS-name list for a zone cut.
// Stub delegations are never overwritten by learned data.
func (d *DelegationCacheT) SetZone(zone string, nsnames []string, ttl time.Duration) {
	zone = dns.CanonicalName(zone)
	if existing, ok := d.Zones.Get(zone); ok && existing.Stub {
		return
	}
	canonical := make([]string, 0, len(nsnames))
	for _, ns := range nsnames {
		canonical = append(canonical, dns.CanonicalName(ns))
	}
	if ttl <= 0 {
		// NS learned via referral sometimes arrives with TTL 0; apply a
		// small floor to avoid an instant drop.
		ttl = 10 * time.Second
	}
	d.Zones.Set(zone, &ZoneDelegation{
		Zone:       zone,
		NSNames:    canonical,
		Expiration: time.Now().Add(ttl),
	})
	if d.Debug {
		d.Logger.Printf("DelegationCache: zone %q now has %d NS names (ttl=%v)", zone, len(canonical), ttl)
	}
}

// AddGlue records an address for a nameserver.
func (d *DelegationCacheT) AddGlue(nsname, addr string, ttl time.Duration, src string) {
	server := d.GetOrCreateServer(nsname)
	server.AddAddr(addr)
	if src != "" {
		server.SetSrc(src)
	}
	server.SetExpire(time.Now().Add(ttl))
}

// AddStub installs a fixed delegation for a zone from configuration.
func (d *DelegationCacheT) AddStub(zone string, addrs []string) {
	zone = dns.CanonicalName(zone)
	nsname := "_stub." + zone
	server := d.GetOrCreateServer(nsname)
	server.SetSrc("stub")
	for _, addr := range addrs {
		server.AddAddr(addr)
	}
	d.Zones.Set(zone, &ZoneDelegation{
		Zone:    zone,
		NSNames: []string{dns.CanonicalName(nsname)},
		Stub:    true,
	})
	if d.Verbose {
		d.Logger.Printf("DelegationCache: added stub zone %q with servers %v", zone, addrs)
	}
}

// FindClosestKnownZone returns the deepest cached delegation at or above
// qname, together with the shared AuthServer instances for its NS names.
// Expired delegations are skipped (and dropped), so the walk naturally
// falls back toward the root.
func (d *DelegationCacheT) FindClosestKnownZone(qname string) (string, map[string]*AuthServer) {
	qname = dns.CanonicalName(qname)
	now := time.Now()

	var bestmatch string
	var best *ZoneDelegation
	var expired []string
	for item := range d.Zones.IterBuffered() {
		zd := item.Val
		if !zd.Stub && !zd.Expiration.After(now) {
			expired = append(expired, item.Key)
			continue
		}
		if IsSubdomainOf(qname, item.Key) && len(item.Key) > len(bestmatch) {
			bestmatch = item.Key
			best = zd
		}
	}
	for _, key := range expired {
		d.Zones.Remove(key)
	}
	if best == nil {
		return "", nil
	}

	servers := make(map[string]*AuthServer, len(best.NSNames))
	for _, nsname := range best.NSNames {
		if server, ok := d.Servers.Get(nsname); ok {
			servers[nsname] = server
		} else {
			// NS name known but no addresses yet; hand back an empty shared
			// instance so the resolver can fill it in.
			servers[nsname] = d.GetOrCreateServer(nsname)
		}
	}
	if d.Debug {
		d.Logger.Printf("FindClosestKnownZone: best zone match for qname %q is %q (%d servers)", qname, bestmatch, len(servers))
	}
	return bestmatch, servers
}

// FlushDomain drops learned delegations at or below domain. Stubs and the
// root delegation survive.
func (d *DelegationCacheT) FlushDomain(domain string) int {
	domain = dns.CanonicalName(domain)
	if domain == "." {
		return 0
	}
	var keysToRemove []string
	for item := range d.Zones.IterBuffered() {
		if item.Val.Stub {
			continue
		}
		if IsSubdomainOf(item.Key, domain) {
			keysToRemove = append(keysToRemove, item.Key)
		}
	}
	for _, key := range keysToRemove {
		d.Zones.Remove(key)
	}
	return len(keysToRemove)
}

func (d *DelegationCacheT) SetPrimed(primed bool) {
	d.Primed = primed
}

func (d *DelegationCacheT) IsPrimed() bool {
	return d.Primed
}
