/*
 * Copyright (c) 2025 rdnsd project
 */

package rdns

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/miekg/dns"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/kvarn/rdnsd/rdns/cache"
	core "github.com/kvarn/rdnsd/rdns/core"
)

// Dispatcher composes the request pipeline:
// filter -> local zone -> cache probe -> single-flight gate ->
// (forwarder | recursor) -> cache admit -> response shaping.
// It is the only component that constructs final response messages.
type Dispatcher struct {
	Conf      *Config
	Zones     *ZoneStore
	Filters   *Filters
	Answers   *cache.AnswerCacheT
	Negatives *cache.NegativeCacheT
	Deleg     *cache.DelegationCacheT
	Flight    *cache.Flight
	Forwarder *Forwarder // non-nil in forwarder mode
	Recursor  *Recursor  // non-nil in iterative mode
	Stats     *StatsT

	QueryDeadline   time.Duration
	Attempts        int
	AllowOtherTypes bool
	MaxInflight     int // per-client-IP concurrency cap

	inflight cmap.ConcurrentMap[string, int]
	shutdown context.Context
}

// iterativeTypes are the query types answered in iterative mode without
// --allow-other-types.
var iterativeTypes = map[uint16]bool{
	dns.TypeA:     true,
	dns.TypeAAAA:  true,
	dns.TypeCNAME: true,
	dns.TypeNS:    true,
	dns.TypeSOA:   true,
	dns.TypeMX:    true,
	dns.TypeTXT:   true,
	dns.TypePTR:   true,
	dns.TypeSRV:   true,
	dns.TypeCAA:   true,
}

func NewDispatcher(ctx context.Context, conf *Config, zones *ZoneStore, filters *Filters,
	answers *cache.AnswerCacheT, negatives *cache.NegativeCacheT, deleg *cache.DelegationCacheT,
	flight *cache.Flight, fwd *Forwarder, rec *Recursor, stats *StatsT) *Dispatcher {
	return &Dispatcher{
		Conf:            conf,
		Zones:           zones,
		Filters:         filters,
		Answers:         answers,
		Negatives:       negatives,
		Deleg:           deleg,
		Flight:          flight,
		Forwarder:       fwd,
		Recursor:        rec,
		Stats:           stats,
		QueryDeadline:   DefaultQueryDeadline,
		Attempts:        conf.RecursorAttempts(),
		AllowOtherTypes: conf.Internal.AllowOtherTypes,
		MaxInflight:     DefaultClientMaxInflight,
		inflight:        cmap.New[int](),
		shutdown:        ctx,
	}
}

// Handler returns the dns.HandlerFunc shared by the UDP and TCP servers.
func (d *Dispatcher) Handler() dns.HandlerFunc {
	return func(w dns.ResponseWriter, r *dns.Msg) {
		d.handleQuery(w, r)
	}
}

func (d *Dispatcher) handleQuery(w dns.ResponseWriter, r *dns.Msg) {
	d.Stats.Incr(StatQueries)

	msgoptions := core.ExtractMsgOptions(r)
	overUDP := isUDP(w)

	if r.Opcode != dns.OpcodeQuery {
		m := core.ShapeReply(r, true, msgoptions)
		m.Rcode = dns.RcodeNotImplemented
		w.WriteMsg(m)
		return
	}
	if len(r.Question) != 1 {
		m := core.ShapeReply(r, true, msgoptions)
		m.Rcode = dns.RcodeFormatError
		w.WriteMsg(m)
		return
	}
	q := r.Question[0]
	if q.Qclass != dns.ClassINET && q.Qclass != dns.ClassANY {
		m := core.ShapeReply(r, true, msgoptions)
		m.Rcode = dns.RcodeNotImplemented
		w.WriteMsg(m)
		return
	}

	// Per-client concurrency cap: drop on UDP, refuse (close) on TCP.
	clientIP := clientAddr(w)
	if !d.acquireClient(clientIP) {
		d.Stats.Incr(StatDropped)
		if !overUDP {
			w.Close()
		}
		return
	}
	defer d.releaseClient(clientIP)

	qname := q.Name // original case, echoed in the response
	qtype := q.Qtype

	// 1. Domain policy.
	if !d.Filters.DomainAllowed(qname) {
		d.Stats.Incr(StatBlocked)
		d.respondBlocked(w, r, msgoptions, overUDP)
		return
	}

	// 2. Local zone overrides.
	if rrs := d.Zones.Lookup(qname, qtype); len(rrs) > 0 {
		d.Stats.Incr(StatLocalZone)
		m := core.ShapeReply(r, true, msgoptions)
		m.Answer = core.CloneRRs(rrs)
		d.send(w, m, msgoptions, overUDP)
		return
	}

	// Iterative mode only resolves a fixed type set unless overridden.
	if d.Recursor != nil && !d.AllowOtherTypes && !iterativeTypes[qtype] {
		m := core.ShapeReply(r, true, msgoptions)
		m.Rcode = dns.RcodeNotImplemented
		d.send(w, m, msgoptions, overUDP)
		return
	}

	now := time.Now()
	qclass := q.Qclass
	if qclass == dns.ClassANY {
		qclass = dns.ClassINET
	}

	// 3. Positive cache probe.
	if ca, state := d.Answers.Lookup(now, qname, qtype, qclass); state != cache.LookupMiss {
		switch state {
		case cache.LookupHit:
			d.Stats.Incr(StatCacheHits)
		case cache.LookupNearExpiry:
			d.Stats.Incr(StatCachePrefetch)
			d.backgroundRefresh(qname, qtype, qclass)
		case cache.LookupStale:
			d.Stats.Incr(StatCacheStale)
			d.backgroundRefresh(qname, qtype, qclass)
		}
		m := core.ShapeReply(r, true, msgoptions)
		m.Rcode = int(ca.Rcode)
		answer, authority, additional := d.Answers.Sections(ca, now)
		m.Answer = answer
		m.Ns = authority
		m.Extra = append(additional, m.Extra...) // keep the OPT record last
		restoreQuestionCase(m, r)
		d.send(w, m, msgoptions, overUDP)
		return
	}
	d.Stats.Incr(StatCacheMisses)

	// 4. Negative cache probe.
	if ne := d.Negatives.Lookup(now, qname, qtype, qclass); ne != nil {
		d.Stats.Incr(StatNegativeHits)
		m := core.ShapeReply(r, true, msgoptions)
		if ne.Kind == cache.NegNXDOMAIN {
			m.Rcode = dns.RcodeNameError
		}
		m.Ns = negativeSectionWithTTL(ne, now)
		d.send(w, m, msgoptions, overUDP)
		return
	}

	// Recursion not desired and nothing cached: refuse, like any resolver
	// that is not authoritative for the name.
	if !msgoptions.RD {
		m := core.ShapeReply(r, true, msgoptions)
		m.Rcode = dns.RcodeRefused
		m.Ns = append(m.Ns, &dns.TXT{
			Hdr: dns.RR_Header{Name: qname, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 3600},
			Txt: []string{"not in cache, and RD bit not set"},
		})
		d.send(w, m, msgoptions, overUDP)
		return
	}

	// 5. Resolve through the single-flight gate.
	ctx, cancel := context.WithTimeout(d.shutdown, d.QueryDeadline)
	defer cancel()
	res, err := d.resolveCoalesced(ctx, qname, qtype, qclass)
	if err != nil || res == nil {
		d.Stats.Incr(StatServfail)
		m := core.ShapeReply(r, true, msgoptions)
		m.Rcode = dns.RcodeServerFailure
		d.send(w, m, msgoptions, overUDP)
		return
	}

	// 6. Shape the final response from the resolution result.
	m := core.ShapeReply(r, true, msgoptions)
	m.Rcode = res.Rcode
	m.Answer = core.CloneRRs(res.Answer)
	m.Ns = core.CloneRRs(res.Authority)
	restoreQuestionCase(m, r)
	d.send(w, m, msgoptions, overUDP)
}

// resolveCoalesced funnels the resolution through the single-flight map;
// the owner also admits the result to the caches, so waiters and future
// queries see the same data.
func (d *Dispatcher) resolveCoalesced(ctx context.Context, qname string, qtype, qclass uint16) (*ResolveResult, error) {
	key := cache.MapKey(qname, qtype, qclass)
	val, shared, err := d.Flight.Do(ctx, key, func() (any, error) {
		return d.resolveAndAdmit(context.WithoutCancel(ctx), qname, qtype, qclass)
	})
	if shared {
		d.Stats.Incr(StatCoalesced)
	}
	if err != nil {
		return nil, err
	}
	res, ok := val.(*ResolveResult)
	if !ok {
		return nil, fmt.Errorf("dispatcher: unexpected single-flight result type %T", val)
	}
	return res, nil
}

// resolveAndAdmit is the single-flight owner's work: resolve (with a few
// attempts against transient failure) and admit the outcome to the
// caches. It runs detached from any one client's deadline so that a
// waiter timeout cannot abort cache population.
func (d *Dispatcher) resolveAndAdmit(ctx context.Context, qname string, qtype, qclass uint16) (*ResolveResult, error) {
	ctx, cancel := context.WithTimeout(ctx, d.QueryDeadline)
	defer cancel()

	var res *ResolveResult
	var err error
	for attempt := 0; attempt < d.Attempts; attempt++ {
		res, err = d.resolveOnce(ctx, qname, qtype, qclass)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt < d.Attempts-1 {
			time.Sleep(100 * time.Millisecond)
		}
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	switch res.Context {
	case cache.ContextAnswer:
		if len(res.Answer) > 0 {
			d.Answers.Set(qname, qtype, qclass, &cache.CachedAnswer{
				Rcode:     uint8(res.Rcode),
				Answer:    core.CloneRRs(res.Answer),
				Authority: core.CloneRRs(res.Authority),
				Context:   cache.ContextAnswer,
			})
		}
	case cache.ContextNXDOMAIN:
		d.Negatives.Observe(now, qname, qtype, qclass, cache.NegNXDOMAIN, res.Authority)
	case cache.ContextNoErrNoAns:
		d.Negatives.Observe(now, qname, qtype, qclass, cache.NegNODATA, res.Authority)
	}
	return res, nil
}

// resolveOnce picks the mode: forwarder when upstreams are configured,
// iterative otherwise.
func (d *Dispatcher) resolveOnce(ctx context.Context, qname string, qtype, qclass uint16) (*ResolveResult, error) {
	if d.Forwarder != nil {
		r, err := d.Forwarder.Query(ctx, qname, qtype, qclass)
		if err != nil {
			return nil, err
		}
		return resultFromUpstream(qname, qtype, r), nil
	}
	if d.Recursor != nil {
		return d.Recursor.Resolve(ctx, qname, qtype, qclass)
	}
	return nil, fmt.Errorf("dispatcher: neither forwarder nor recursor configured")
}

// resultFromUpstream maps a forwarder response onto a ResolveResult,
// classifying negatives so the admit path treats both modes identically.
func resultFromUpstream(qname string, qtype uint16, r *dns.Msg) *ResolveResult {
	res := &ResolveResult{
		Rcode:     r.Rcode,
		Answer:    core.CloneRRs(r.Answer),
		Authority: core.CloneRRs(r.Ns),
	}
	switch {
	case r.Rcode == dns.RcodeNameError:
		res.Context = cache.ContextNXDOMAIN
	case r.Rcode == dns.RcodeSuccess && len(r.Answer) == 0:
		res.Context = cache.ContextNoErrNoAns
	case r.Rcode == dns.RcodeSuccess:
		res.Context = cache.ContextAnswer
	default:
		res.Context = cache.ContextFailure
	}
	return res
}

// backgroundRefresh fires a prefetch / serve-stale revalidation through
// the same single-flight gate. It never blocks the response path; a
// failed refresh leaves the stale entry in place.
func (d *Dispatcher) backgroundRefresh(qname string, qtype, qclass uint16) {
	key := cache.MapKey(qname, qtype, qclass)
	d.Flight.Background(key, func() (any, error) {
		res, err := d.resolveAndAdmit(d.shutdown, qname, qtype, qclass)
		if err != nil && Globals.Debug {
			log.Printf("Dispatcher: background refresh for %s failed: %v", key, err)
		}
		return res, err
	})
}

// respondBlocked synthesizes the policy NXDOMAIN for blocklisted names:
// synthetic SOA in authority, negative TTL at the configured minimum,
// never admitted to the negative cache.
func (d *Dispatcher) respondBlocked(w dns.ResponseWriter, r *dns.Msg, msgoptions *core.MsgOptions, overUDP bool) {
	negTTL := d.Conf.Cache.Negative.MinTTL
	if negTTL == 0 {
		negTTL = 5
	}
	m := core.ShapeReply(r, true, msgoptions)
	m.Rcode = dns.RcodeNameError
	m.Ns = append(m.Ns, SyntheticSOA(r.Question[0].Name, negTTL))
	d.send(w, m, msgoptions, overUDP)
}

// send applies UDP truncation against the negotiated EDNS payload size
// and writes the message.
func (d *Dispatcher) send(w dns.ResponseWriter, m *dns.Msg, msgoptions *core.MsgOptions, overUDP bool) {
	if overUDP {
		core.TruncateToSize(m, msgoptions.UDPSize)
	}
	if err := w.WriteMsg(m); err != nil {
		log.Printf("Dispatcher: error writing response: %v", err)
	}
}

func (d *Dispatcher) acquireClient(ip string) bool {
	if d.MaxInflight <= 0 {
		return true
	}
	ok := true
	d.inflight.Upsert(ip, 1, func(exist bool, valueInMap, newValue int) int {
		if exist {
			if valueInMap >= d.MaxInflight {
				ok = false
				return valueInMap
			}
			return valueInMap + 1
		}
		return newValue
	})
	return ok
}

func (d *Dispatcher) releaseClient(ip string) {
	if d.MaxInflight <= 0 {
		return
	}
	d.inflight.Upsert(ip, 0, func(exist bool, valueInMap, newValue int) int {
		if exist && valueInMap > 0 {
			return valueInMap - 1
		}
		return 0
	})
}

// negativeSectionWithTTL rewrites the cached authority records with the
// remaining negative TTL.
func negativeSectionWithTTL(ne *cache.NegativeEntry, now time.Time) []dns.RR {
	out := core.CloneRRs(ne.Authority)
	left := ne.Expiration.Sub(now)
	if left < time.Second {
		left = time.Second
	}
	ttl := uint32(left / time.Second)
	for _, rr := range out {
		rr.Header().Ttl = ttl
	}
	return out
}

// restoreQuestionCase puts the client's original spelling back into the
// question section (cache keys are canonical lowercase).
func restoreQuestionCase(m, r *dns.Msg) {
	if len(m.Question) > 0 && len(r.Question) > 0 {
		m.Question[0] = r.Question[0]
	}
}

func clientAddr(w dns.ResponseWriter) string {
	if w == nil || w.RemoteAddr() == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(w.RemoteAddr().String())
	if err != nil {
		return w.RemoteAddr().String()
	}
	return host
}

func isUDP(w dns.ResponseWriter) bool {
	if w == nil || w.RemoteAddr() == nil {
		return true
	}
	_, ok := w.RemoteAddr().(*net.UDPAddr)
	return ok
}
