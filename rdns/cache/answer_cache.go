/*
 * Copyright (c) 2025 rdnsd project
 */

package cache

import (
	"log"
	"time"

	"github.com/miekg/dns"
	cmap "github.com/orcaman/concurrent-map/v2"

	core "github.com/kvarn/rdnsd/rdns/core"
)

// AnswerCacheT is the positive RRset cache. Sizing is either counted
// (MaxEntries > 0, LRU by last access) or byte-weighted (MaxBytes > 0);
// the configuration picks exactly one mode.
type AnswerCacheT struct {
	Entries cmap.ConcurrentMap[string, *CachedAnswer]

	MaxEntries int
	MaxBytes   int64

	MinTTL            time.Duration
	MaxTTL            time.Duration
	PrefetchThreshold time.Duration
	StaleWindow       time.Duration

	Logger  *log.Logger
	Verbose bool
	Debug   bool
}

type AnswerCacheOptions struct {
	MaxEntries        int
	MaxBytes          int64
	MinTTL            time.Duration
	MaxTTL            time.Duration
	PrefetchThreshold time.Duration
	StaleWindow       time.Duration
}

func NewAnswerCache(opts AnswerCacheOptions, lg *log.Logger, verbose, debug bool) *AnswerCacheT {
	if lg == nil {
		lg = log.Default()
	}
	return &AnswerCacheT{
		Entries:           cmap.New[*CachedAnswer](),
		MaxEntries:        opts.MaxEntries,
		MaxBytes:          opts.MaxBytes,
		MinTTL:            opts.MinTTL,
		MaxTTL:            opts.MaxTTL,
		PrefetchThreshold: opts.PrefetchThreshold,
		StaleWindow:       opts.StaleWindow,
		Logger:            lg,
		Verbose:           verbose,
		Debug:             debug,
	}
}

// EntryWeight is the single tunable weight function used in byte-weighted
// mode. The formula is an approximation: wire RDATA length of every stored
// record, plus the owner name, plus a fixed per-entry overhead.
func EntryWeight(ca *CachedAnswer) int {
	if ca == nil {
		return 0
	}
	w := len(ca.Name) + 64
	for _, sec := range [][]dns.RR{ca.Answer, ca.Authority, ca.Additional} {
		for _, rr := range sec {
			w += core.RdataWireLen(rr)
		}
	}
	return w
}

// ClampTTL applies the configured [MinTTL, MaxTTL] window to an original
// TTL from upstream.
func (c *AnswerCacheT) ClampTTL(ttl time.Duration) time.Duration {
	if ttl < c.MinTTL {
		ttl = c.MinTTL
	}
	if c.MaxTTL > 0 && ttl > c.MaxTTL {
		ttl = c.MaxTTL
	}
	return ttl
}

// Lookup probes the cache, computing now exactly once per probe. Entries
// beyond Expiration+StaleWindow are invisible (and are removed on sight).
func (c *AnswerCacheT) Lookup(now time.Time, qname string, qtype, qclass uint16) (*CachedAnswer, LookupState) {
	lookupKey := MapKey(qname, qtype, qclass)
	ca, ok := c.Entries.Get(lookupKey)
	if !ok {
		return nil, LookupMiss
	}
	if !now.Before(ca.Expiration.Add(c.StaleWindow)) {
		c.Entries.Remove(lookupKey)
		if c.Debug {
			c.Logger.Printf("AnswerCache: removed expired key %s (%s)", lookupKey, dns.TypeToString[qtype])
		}
		return nil, LookupMiss
	}
	ca.Touch(now)

	switch {
	case now.Before(ca.Expiration.Add(-c.PrefetchThreshold)):
		return ca, LookupHit
	case now.Before(ca.Expiration):
		return ca, LookupNearExpiry
	default:
		return ca, LookupStale
	}
}

// Set admits (or refreshes) an entry. The entry expires at the earliest
// admitted TTL among its answer RRsets; re-admitting the same data only
// moves Expiration forward, never back.
func (c *AnswerCacheT) Set(qname string, qtype, qclass uint16, ca *CachedAnswer) {
	if ca == nil {
		c.Logger.Printf("AnswerCache:Set: nil entry for <%s, %s> - ignored", qname, dns.TypeToString[qtype])
		return
	}
	lookupKey := MapKey(qname, qtype, qclass)

	now := time.Now()
	ttl := c.ClampTTL(minRRsetTTL(ca.Answer))
	ca.Name = dns.CanonicalName(qname)
	ca.RRtype = qtype
	ca.InsertedAt = now
	ca.Expiration = now.Add(ttl)
	ca.Weight = EntryWeight(ca)
	ca.Touch(now)

	// Push the admitted TTL back into the stored RRs so that remaining-TTL
	// arithmetic at response time starts from the clamped value.
	setSectionTTLs(ca.Answer, uint32(ttl.Seconds()))

	if prev, ok := c.Entries.Get(lookupKey); ok && prev.Expiration.After(ca.Expiration) {
		// Second admission with a shorter TTL is a no-op.
		prev.Touch(now)
		return
	}
	if c.Debug {
		c.Logger.Printf("AnswerCache: adding key %s (%s), ttl=%v", lookupKey, dns.TypeToString[qtype], ttl)
	}
	c.Entries.Set(lookupKey, ca)
	c.evict(now)
}

// RemainingTTL is the TTL exposed to clients: max(0, Expiration-now),
// floored to 1s while the entry is being served stale.
func (c *AnswerCacheT) RemainingTTL(ca *CachedAnswer, now time.Time) uint32 {
	if ca == nil {
		return 0
	}
	left := ca.Expiration.Sub(now)
	if left <= 0 {
		return 1 // stale floor
	}
	return uint32(left / time.Second)
}

// Sections returns copies of the stored sections with TTLs rewritten to
// the remaining value.
func (c *AnswerCacheT) Sections(ca *CachedAnswer, now time.Time) (answer, authority, additional []dns.RR) {
	ttl := c.RemainingTTL(ca, now)
	answer = core.CloneRRs(ca.Answer)
	authority = core.CloneRRs(ca.Authority)
	additional = core.CloneRRs(ca.Additional)
	setSectionTTLs(answer, ttl)
	setSectionTTLs(authority, ttl)
	setSectionTTLs(additional, ttl)
	return answer, authority, additional
}

// evict enforces the configured budget. LRU is approximate: the scan
// removes the least recently accessed entries until the budget holds.
func (c *AnswerCacheT) evict(now time.Time) {
	switch {
	case c.MaxEntries > 0:
		for c.Entries.Count() > c.MaxEntries {
			if !c.removeOldest() {
				return
			}
		}
	case c.MaxBytes > 0:
		for c.totalWeight() > c.MaxBytes {
			if !c.removeOldest() {
				return
			}
		}
	}
}

func (c *AnswerCacheT) totalWeight() int64 {
	var total int64
	for item := range c.Entries.IterBuffered() {
		total += int64(item.Val.Weight)
	}
	return total
}

func (c *AnswerCacheT) removeOldest() bool {
	var oldestKey string
	var oldest time.Time
	for item := range c.Entries.IterBuffered() {
		la := item.Val.LastAccess()
		if oldestKey == "" || la.Before(oldest) {
			oldestKey = item.Key
			oldest = la
		}
	}
	if oldestKey == "" {
		return false
	}
	c.Entries.Remove(oldestKey)
	if c.Debug {
		c.Logger.Printf("AnswerCache: evicted %s (last access %v)", oldestKey, oldest)
	}
	return true
}

// FlushDomain removes cached entries at or below the provided domain.
// When keepStructural is true, NS entries and the address entries for
// their nameservers are preserved.
func (c *AnswerCacheT) FlushDomain(domain string, keepStructural bool) int {
	domain = dns.CanonicalName(domain)
	if domain == "" {
		return 0
	}

	var nsHosts map[string]struct{}
	if keepStructural {
		nsHosts = make(map[string]struct{})
		for item := range c.Entries.IterBuffered() {
			ca := item.Val
			if ca.RRtype != dns.TypeNS || !IsSubdomainOf(ca.Name, domain) {
				continue
			}
			for _, rr := range ca.Answer {
				if ns, ok := rr.(*dns.NS); ok {
					nsHosts[dns.CanonicalName(ns.Ns)] = struct{}{}
				}
			}
		}
	}

	var keysToRemove []string
	for item := range c.Entries.IterBuffered() {
		ca := item.Val
		if !IsSubdomainOf(ca.Name, domain) {
			continue
		}
		if keepStructural && isStructuralEntry(ca, nsHosts) {
			continue
		}
		keysToRemove = append(keysToRemove, item.Key)
	}
	for _, key := range keysToRemove {
		c.Entries.Remove(key)
	}
	return len(keysToRemove)
}

func isStructuralEntry(ca *CachedAnswer, nsHosts map[string]struct{}) bool {
	if ca == nil {
		return false
	}
	switch ca.RRtype {
	case dns.TypeNS:
		return true
	case dns.TypeA, dns.TypeAAAA:
		if nsHosts == nil {
			return false
		}
		_, ok := nsHosts[ca.Name]
		return ok
	default:
		return false
	}
}

func IsSubdomainOf(name, parent string) bool {
	name = dns.CanonicalName(name)
	parent = dns.CanonicalName(parent)
	if parent == "." {
		return true
	}
	if name == parent {
		return true
	}
	return dns.IsSubDomain(parent, name)
}

// minRRsetTTL computes the per-RRset minimum TTL, then the minimum across
// the RRsets of the section; the entry expires at the earliest one.
func minRRsetTTL(rrs []dns.RR) time.Duration {
	var min time.Duration
	for i, set := range core.RRsetsFromSection(rrs) {
		ttl := core.GetMinTTL(set.RRs)
		if i == 0 || ttl < min {
			min = ttl
		}
	}
	return min
}

func setSectionTTLs(rrs []dns.RR, ttl uint32) {
	for _, rr := range rrs {
		if rr == nil {
			continue
		}
		if rr.Header().Rrtype == dns.TypeOPT {
			continue
		}
		rr.Header().Ttl = ttl
	}
}
