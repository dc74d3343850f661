/*
 * Copyright (c) 2025 rdnsd project
 */

package cache

import (
	"log"
	"strings"
	"time"

	"github.com/miekg/dns"
	cmap "github.com/orcaman/concurrent-map/v2"

	core "github.com/kvarn/rdnsd/rdns/core"
)

type NegKind uint8

const (
	NegNXDOMAIN NegKind = iota + 1
	NegNODATA
)

var NegKindToString = map[NegKind]string{
	NegNXDOMAIN: "NXDOMAIN",
	NegNODATA:   "NODATA",
}

// NegativeEntry is one cached negative result. Authority carries the SOA
// (and whatever else the authoritative server put in the authority
// section) for re-use in synthesized responses.
type NegativeEntry struct {
	Name       string
	RRtype     uint16
	Kind       NegKind
	Authority  []dns.RR
	InsertedAt time.Time
	Expiration time.Time
}

// ProbeEntry implements two-hit admission: the first negative observation
// only plants a probe; a second observation while the probe is live
// upgrades to a full entry. Probes are never served.
type ProbeEntry struct {
	FirstSeen  time.Time
	Expiration time.Time
}

type NegativeCacheT struct {
	Entries cmap.ConcurrentMap[string, *NegativeEntry]
	Probes  cmap.ConcurrentMap[string, *ProbeEntry]

	Enabled       bool
	CacheNXDOMAIN bool
	CacheNODATA   bool
	TwoHit        bool
	TwoHitNODATA  bool

	MaxEntries  int
	MaxBytes    int64
	ProbeTTL    time.Duration
	FallbackTTL time.Duration
	MinTTL      time.Duration
	MaxTTL      time.Duration

	Logger *log.Logger
	Debug  bool
}

type NegativeCacheOptions struct {
	Enabled       bool
	CacheNXDOMAIN bool
	CacheNODATA   bool
	TwoHit        bool
	TwoHitNODATA  bool
	MaxEntries    int
	MaxBytes      int64
	ProbeTTL      time.Duration
	FallbackTTL   time.Duration
	MinTTL        time.Duration
	MaxTTL        time.Duration
}

func NewNegativeCache(opts NegativeCacheOptions, lg *log.Logger, debug bool) *NegativeCacheT {
	if lg == nil {
		lg = log.Default()
	}
	return &NegativeCacheT{
		Entries:       cmap.New[*NegativeEntry](),
		Probes:        cmap.New[*ProbeEntry](),
		Enabled:       opts.Enabled,
		CacheNXDOMAIN: opts.CacheNXDOMAIN,
		CacheNODATA:   opts.CacheNODATA,
		TwoHit:        opts.TwoHit,
		TwoHitNODATA:  opts.TwoHitNODATA,
		MaxEntries:    opts.MaxEntries,
		MaxBytes:      opts.MaxBytes,
		ProbeTTL:      opts.ProbeTTL,
		FallbackTTL:   opts.FallbackTTL,
		MinTTL:        opts.MinTTL,
		MaxTTL:        opts.MaxTTL,
		Logger:        lg,
		Debug:         debug,
	}
}

func (nc *NegativeCacheT) Lookup(now time.Time, qname string, qtype, qclass uint16) *NegativeEntry {
	if !nc.Enabled {
		return nil
	}
	lookupKey := MapKey(qname, qtype, qclass)
	ne, ok := nc.Entries.Get(lookupKey)
	if !ok {
		return nil
	}
	if !ne.Expiration.After(now) {
		nc.Entries.Remove(lookupKey)
		return nil
	}
	return ne
}

// NegativeTTL derives the TTL for a negative response from its authority
// section: SOA MINIMUM if present, else the SOA record's own TTL, else the
// configured fallback; the result is clamped to [MinTTL, MaxTTL].
func (nc *NegativeCacheT) NegativeTTL(authority []dns.RR) time.Duration {
	var ttl time.Duration
	for _, rr := range authority {
		soa, ok := rr.(*dns.SOA)
		if !ok {
			continue
		}
		if soa.Minttl > 0 {
			ttl = time.Duration(soa.Minttl) * time.Second
		} else {
			ttl = time.Duration(soa.Hdr.Ttl) * time.Second
		}
		break
	}
	if ttl == 0 {
		ttl = nc.FallbackTTL
	}
	if ttl < nc.MinTTL {
		ttl = nc.MinTTL
	}
	if nc.MaxTTL > 0 && ttl > nc.MaxTTL {
		ttl = nc.MaxTTL
	}
	return ttl
}

// Observe records a negative result and returns true when a full entry was
// admitted (as opposed to only planting a probe, or the kind being
// excluded by configuration).
func (nc *NegativeCacheT) Observe(now time.Time, qname string, qtype, qclass uint16, kind NegKind, authority []dns.RR) bool {
	if !nc.Enabled {
		return false
	}
	switch kind {
	case NegNXDOMAIN:
		if !nc.CacheNXDOMAIN {
			return false
		}
	case NegNODATA:
		if !nc.CacheNODATA {
			return false
		}
	default:
		return false
	}

	lookupKey := MapKey(qname, qtype, qclass)
	if _, exists := nc.Entries.Get(lookupKey); exists {
		return false // already cached; nothing to upgrade
	}

	twoHit := nc.TwoHit && (kind == NegNXDOMAIN || nc.TwoHitNODATA)
	if twoHit {
		probe, ok := nc.Probes.Get(lookupKey)
		if !ok || !probe.Expiration.After(now) {
			nc.Probes.Set(lookupKey, &ProbeEntry{
				FirstSeen:  now,
				Expiration: now.Add(nc.ProbeTTL),
			})
			if nc.Debug {
				nc.Logger.Printf("NegativeCache: planted probe for %s (%s)", lookupKey, NegKindToString[kind])
			}
			return false
		}
		nc.Probes.Remove(lookupKey)
	}

	ttl := nc.NegativeTTL(authority)
	nc.Entries.Set(lookupKey, &NegativeEntry{
		Name:       dns.CanonicalName(qname),
		RRtype:     qtype,
		Kind:       kind,
		Authority:  core.CloneRRs(authority),
		InsertedAt: now,
		Expiration: now.Add(ttl),
	})
	if nc.Debug {
		nc.Logger.Printf("NegativeCache: admitted %s for %s, ttl=%v", NegKindToString[kind], lookupKey, ttl)
	}
	nc.evict(now)
	return true
}

// entryWeight approximates the in-memory footprint of a negative entry,
// mirroring the positive cache's weight formula.
func entryWeight(ne *NegativeEntry) int64 {
	if ne == nil {
		return 0
	}
	w := int64(len(ne.Name) + 64)
	for _, rr := range ne.Authority {
		w += int64(core.RdataWireLen(rr))
	}
	return w
}

func (nc *NegativeCacheT) overBudget() bool {
	switch {
	case nc.MaxBytes > 0:
		var total int64
		for item := range nc.Entries.IterBuffered() {
			total += entryWeight(item.Val)
		}
		return total > nc.MaxBytes
	case nc.MaxEntries > 0:
		return nc.Entries.Count() > nc.MaxEntries
	default:
		return false
	}
}

func (nc *NegativeCacheT) evict(now time.Time) {
	for nc.overBudget() {
		var oldestKey string
		var oldest time.Time
		for item := range nc.Entries.IterBuffered() {
			if oldestKey == "" || item.Val.InsertedAt.Before(oldest) {
				oldestKey = item.Key
				oldest = item.Val.InsertedAt
			}
		}
		if oldestKey == "" {
			return
		}
		nc.Entries.Remove(oldestKey)
	}
}

// FlushDomain drops negative entries and probes at or below domain.
func (nc *NegativeCacheT) FlushDomain(domain string) int {
	domain = dns.CanonicalName(domain)
	var keysToRemove []string
	for item := range nc.Entries.IterBuffered() {
		if IsSubdomainOf(item.Val.Name, domain) {
			keysToRemove = append(keysToRemove, item.Key)
		}
	}
	for _, key := range keysToRemove {
		nc.Entries.Remove(key)
	}
	removed := len(keysToRemove)
	keysToRemove = keysToRemove[:0]
	for item := range nc.Probes.IterBuffered() {
		name, _, ok := strings.Cut(item.Key, "::")
		if ok && IsSubdomainOf(name, domain) {
			keysToRemove = append(keysToRemove, item.Key)
		}
	}
	for _, key := range keysToRemove {
		nc.Probes.Remove(key)
	}
	return removed
}
