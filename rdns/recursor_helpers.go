/*
 * Copyright (c) 2025 rdnsd project
 */

package rdns

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/kvarn/rdnsd/rdns/cache"
	core "github.com/kvarn/rdnsd/rdns/core"
)

type responseKind int

const (
	responseKindUnknown responseKind = iota
	responseKindAnswer
	responseKindReferral
	responseKindNegativeNoData
	responseKindNegativeNXDOMAIN
	responseKindError
)

func responseKindToString(k responseKind) string {
	switch k {
	case responseKindAnswer:
		return "answer"
	case responseKindReferral:
		return "referral"
	case responseKindNegativeNoData:
		return "negative-noerror-nodata"
	case responseKindNegativeNXDOMAIN:
		return "negative-nxdomain"
	case responseKindError:
		return "error"
	default:
		return "unknown"
	}
}

// classifyResponse inspects a DNS message and classifies it into one of a
// small set of semantic categories, deciding whether an empty-answer
// response with authority data is a negative response (NXDOMAIN /
// NOERROR-NODATA) or a referral.
//
// The rules are intentionally conservative:
//   - Any non-empty Answer -> responseKindAnswer
//   - NXDOMAIN + SOA in authority that can speak for qname -> NegativeNXDOMAIN
//   - NOERROR + SOA in authority that can speak for qname -> NegativeNoData
//   - Otherwise, if there is at least one NS in authority -> Referral
//   - All other shapes are Unknown/Error and left to callers.
func classifyResponse(qname string, qtype uint16, r *dns.Msg) responseKind {
	if r == nil {
		return responseKindError
	}
	if len(r.Answer) > 0 {
		return responseKindAnswer
	}

	rcode := r.Rcode
	if len(r.Ns) == 0 {
		if rcode == dns.RcodeSuccess {
			return responseKindUnknown
		}
		return responseKindError
	}

	hasSOA := false
	hasNS := false
	var soaOwner string
	for _, rr := range r.Ns {
		if rr == nil {
			continue
		}
		switch rr.Header().Rrtype {
		case dns.TypeSOA:
			hasSOA = true
			if soaOwner == "" {
				soaOwner = rr.Header().Name
			}
		case dns.TypeNS:
			hasNS = true
		}
	}

	soaSpeaksForQname := func() bool {
		if !hasSOA || soaOwner == "" {
			return false
		}
		q := dns.CanonicalName(qname)
		s := dns.CanonicalName(soaOwner)
		return q == s || strings.HasSuffix(q, "."+s) || s == "."
	}

	switch rcode {
	case dns.RcodeNameError:
		if soaSpeaksForQname() {
			return responseKindNegativeNXDOMAIN
		}
		// NXDOMAIN without a usable SOA: the caller tries the next server.
		return responseKindError

	case dns.RcodeSuccess:
		if soaSpeaksForQname() {
			return responseKindNegativeNoData
		}
		if hasNS {
			return responseKindReferral
		}
		return responseKindUnknown

	default:
		return responseKindError
	}
}

// extractReferral returns the NS target names and the zone they delegate,
// from the authority section of a referral.
func extractReferral(r *dns.Msg) ([]string, string) {
	var nsNames []string
	zonename := ""
	for _, rr := range r.Ns {
		ns, ok := rr.(*dns.NS)
		if !ok {
			continue
		}
		nsNames = append(nsNames, dns.CanonicalName(ns.Ns))
		zonename = dns.CanonicalName(ns.Hdr.Name)
	}
	return nsNames, zonename
}

func referralNSRRs(r *dns.Msg, zonename string) []dns.RR {
	var out []dns.RR
	for _, rr := range r.Ns {
		if ns, ok := rr.(*dns.NS); ok && dns.CanonicalName(ns.Hdr.Name) == zonename {
			out = append(out, rr)
		}
	}
	return out
}

// negativeAuthority extracts the authority section of a negative response
// for caching and response synthesis. The SOA is what matters; anything
// else the server included rides along.
func negativeAuthority(r *dns.Msg) []dns.RR {
	if r == nil {
		return nil
	}
	return core.CloneRRs(r.Ns)
}

// SOATTLFromAuthority returns the negative TTL implied by the authority
// section per RFC 2308: min(SOA MINIMUM, SOA TTL); 0 when absent.
func SOATTLFromAuthority(authority []dns.RR) uint32 {
	for _, rr := range authority {
		if soa, ok := rr.(*dns.SOA); ok {
			ttl := soa.Hdr.Ttl
			if soa.Minttl < ttl || ttl == 0 {
				ttl = soa.Minttl
			}
			return ttl
		}
	}
	return 0
}

type ServerAddrTuple struct {
	Server *cache.AuthServer
	Addr   string
	NSName string
}

// prioritizeServers flattens the server map into (server, address) tuples
// ordered by lowest recent RTT with a little jitter, skipping addresses
// that are currently backed off.
func (rec *Recursor) prioritizeServers(servers map[string]*cache.AuthServer) []ServerAddrTuple {
	now := time.Now()
	var tuples []ServerAddrTuple
	for nsname, server := range servers {
		for _, addr := range server.SnapshotAddrs() {
			if server.AddressBackedOff(addr, now) {
				continue
			}
			tuples = append(tuples, ServerAddrTuple{Server: server, Addr: addr, NSName: nsname})
		}
	}
	jitter := make(map[string]time.Duration, len(tuples))
	score := func(t ServerAddrTuple) time.Duration {
		j, ok := jitter[t.Addr]
		if !ok {
			j = time.Duration(rand.Int63n(int64(30 * time.Millisecond)))
			jitter[t.Addr] = j
		}
		rtt := t.Server.AddressRTT(t.Addr)
		if rtt == 0 {
			rtt = 50 * time.Millisecond // unmeasured servers get a mid-pack slot
		}
		return rtt + j
	}
	sort.SliceStable(tuples, func(i, j int) bool {
		return score(tuples[i]) < score(tuples[j])
	})
	return tuples
}

// maxNSAddressLookups caps how many glueless NS names we chase per
// delegation before giving up on a zone.
const maxNSAddressLookups = 3

// resolveNSAddresses handles glueless delegations: the NS names are
// known but no addresses are. Their A/AAAA records are resolved through
// the same single-flight map as everything else, so concurrent queries
// into the same dead zone cannot stampede the parent.
func (rec *Recursor) resolveNSAddresses(ctx context.Context, st *resolveState, zone string, servers map[string]*cache.AuthServer) ([]ServerAddrTuple, error) {
	if rec.Verbose {
		log.Printf("Recursor: no server addresses for zone %q; resolving NS names", zone)
	}
	looked := 0
	for nsname, server := range servers {
		if len(server.SnapshotAddrs()) > 0 {
			continue
		}
		if looked >= maxNSAddressLookups {
			break
		}
		looked++
		addrs := rec.lookupNSAddrs(ctx, st, nsname, dns.TypeA)
		if len(addrs) == 0 {
			addrs = rec.lookupNSAddrs(ctx, st, nsname, dns.TypeAAAA)
		}
		for _, a := range addrs {
			server.AddAddr(a)
			server.SetSrc("answer")
		}
	}
	tuples := rec.prioritizeServers(servers)
	if len(tuples) == 0 {
		return nil, fmt.Errorf("recursor: no addresses for any nameserver of zone %q", zone)
	}
	return tuples, nil
}

// lookupNSAddrs resolves one NS name to addresses: answer cache first,
// then a sub-resolution gated by single-flight and charged against the
// parent query's budget.
func (rec *Recursor) lookupNSAddrs(ctx context.Context, st *resolveState, nsname string, qtype uint16) []string {
	now := time.Now()
	if ca, state := rec.Answers.Lookup(now, nsname, qtype, dns.ClassINET); state == cache.LookupHit || state == cache.LookupNearExpiry {
		return addrsFromRRs(ca.Answer, qtype)
	}

	key := cache.MapKey(nsname, qtype, dns.ClassINET)
	if key == st.rootKey {
		// A delegation whose NS name is the very name being resolved
		// would wait on its own single-flight slot. Give up on this NS.
		return nil
	}
	budget := st.budget
	val, _, err := rec.Flight.Do(ctx, key, func() (any, error) {
		sub := &resolveState{budget: budget, visited: make(map[string]bool), rootKey: key}
		return rec.resolve(ctx, sub, dns.CanonicalName(nsname), qtype, dns.ClassINET)
	})
	if err != nil {
		if rec.Verbose {
			log.Printf("Recursor: NS address resolution for %s %s failed: %v", nsname, dns.TypeToString[qtype], err)
		}
		return nil
	}
	res, ok := val.(*ResolveResult)
	if !ok || res == nil || res.Rcode != dns.RcodeSuccess || len(res.Answer) == 0 {
		return nil
	}
	rec.Answers.Set(nsname, qtype, dns.ClassINET, &cache.CachedAnswer{
		Rcode:   uint8(res.Rcode),
		Answer:  core.CloneRRs(res.Answer),
		Context: cache.ContextAnswer,
	})
	return addrsFromRRs(res.Answer, qtype)
}

func addrsFromRRs(rrs []dns.RR, qtype uint16) []string {
	var out []string
	for _, rr := range rrs {
		if rr == nil || rr.Header().Rrtype != qtype {
			continue
		}
		switch a := rr.(type) {
		case *dns.A:
			out = append(out, a.A.String())
		case *dns.AAAA:
			out = append(out, a.AAAA.String())
		}
	}
	return out
}
