/*
 * Copyright (c) 2025 rdnsd project
 */

package rdns

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"

	"github.com/kvarn/rdnsd/rdns/cache"
	core "github.com/kvarn/rdnsd/rdns/core"
)

// Recursor is the iterative resolver: it walks delegations from the
// deepest cached zone cut (ultimately the root hints) down to the
// authoritative servers, chasing CNAMEs and collecting glue on the way.
// It performs no DNSSEC validation.
type Recursor struct {
	Deleg   *cache.DelegationCacheT
	Answers *cache.AnswerCacheT
	Flight  *cache.Flight
	Client  core.Exchanger
	Filters *Filters
	Stats   *StatsT

	Timeout     time.Duration // per-server exchange timeout
	MaxChase    int           // max CNAME chain length
	QueryBudget int           // max outbound queries per client query

	Verbose bool
	Debug   bool
}

// ResolveResult is the terminal outcome of one resolution: either an
// answer (possibly a CNAME chain plus the target RRset) or a negative
// result with the authoritative SOA.
type ResolveResult struct {
	Rcode     int
	Answer    []dns.RR
	Authority []dns.RR
	Context   cache.CacheContext
}

// resolveState is carried through one client query, including CNAME
// restarts and NS-address sub-resolutions: the outbound query budget is
// shared so that a delegation full of dead servers cannot amplify.
type resolveState struct {
	budget  *atomic.Int64
	chase   int
	visited map[string]bool
	chain   []dns.RR // accumulated CNAME records
	rootKey string   // fingerprint whose single-flight slot this state owns
}

func NewRecursor(conf *Config, deleg *cache.DelegationCacheT, answers *cache.AnswerCacheT, flight *cache.Flight, client core.Exchanger, filters *Filters, stats *StatsT) *Recursor {
	if client == nil {
		client = core.NewDNSClient("53", core.WithTimeout(conf.RecursorTimeout()))
	}
	return &Recursor{
		Deleg:       deleg,
		Answers:     answers,
		Flight:      flight,
		Client:      client,
		Filters:     filters,
		Stats:       stats,
		Timeout:     conf.RecursorTimeout(),
		MaxChase:    conf.RecursionLimit(),
		QueryBudget: conf.QueryBudget(),
		Verbose:     conf.Recursor.Verbose || Globals.Verbose,
		Debug:       conf.Recursor.Debug || Globals.Debug,
	}
}

// Resolve runs the full state machine for one query.
func (rec *Recursor) Resolve(ctx context.Context, qname string, qtype, qclass uint16) (*ResolveResult, error) {
	var budget atomic.Int64
	budget.Store(int64(rec.QueryBudget))
	st := &resolveState{
		budget:  &budget,
		visited: make(map[string]bool),
		rootKey: cache.MapKey(qname, qtype, qclass),
	}
	return rec.resolve(ctx, st, dns.CanonicalName(qname), qtype, qclass)
}

// maxDelegationSteps bounds the ChooseNS->Query->Delegate loop; the query
// budget is the hard cap, this only guards against referral ping-pong.
const maxDelegationSteps = 32

func (rec *Recursor) resolve(ctx context.Context, st *resolveState, qname string, qtype, qclass uint16) (*ResolveResult, error) {
	for iter := 0; iter < maxDelegationSteps; iter++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		zone, servers := rec.Deleg.FindClosestKnownZone(qname)
		if zone == "" && len(servers) == 0 {
			return nil, fmt.Errorf("recursor: delegation cache is not primed")
		}
		if rec.Debug {
			log.Printf("Recursor: best zone match for qname %q is %q (%d servers)", qname, zone, len(servers))
		}

		r, err := rec.queryServers(ctx, st, qname, qtype, qclass, zone, servers)
		if err != nil {
			return nil, err
		}

		kind := classifyResponse(qname, qtype, r)
		if rec.Debug {
			log.Printf("Recursor: classified response for %s %s as %s (rcode=%s, answer=%d, authority=%d)",
				qname, dns.TypeToString[qtype], responseKindToString(kind), dns.RcodeToString[r.Rcode], len(r.Answer), len(r.Ns))
		}

		switch kind {
		case responseKindAnswer:
			res, chaseTarget, err := rec.handleAnswer(st, qname, qtype, zone, r)
			if err != nil {
				return nil, err
			}
			if chaseTarget != "" {
				// CNAME chase: restart from ChooseNS with the target name.
				qname = chaseTarget
				continue
			}
			return res, nil

		case responseKindReferral:
			if err := rec.handleReferral(ctx, st, qname, zone, r); err != nil {
				return nil, err
			}
			continue

		case responseKindNegativeNXDOMAIN:
			return &ResolveResult{
				Rcode:     dns.RcodeNameError,
				Answer:    core.CloneRRs(st.chain),
				Authority: negativeAuthority(r),
				Context:   cache.ContextNXDOMAIN,
			}, nil

		case responseKindNegativeNoData:
			return &ResolveResult{
				Rcode:     dns.RcodeSuccess,
				Answer:    core.CloneRRs(st.chain),
				Authority: negativeAuthority(r),
				Context:   cache.ContextNoErrNoAns,
			}, nil

		default:
			return nil, fmt.Errorf("recursor: unusable response for \"%s %s\" (rcode=%s)",
				qname, dns.TypeToString[qtype], dns.RcodeToString[r.Rcode])
		}
	}
	return nil, fmt.Errorf("recursor: max delegation steps reached for %q", qname)
}

// queryServers sends the query to the zone's servers in RTT order until
// one produces a usable response. FORMERR/REFUSED/NOTIMP/NOTAUTH and
// SERVFAIL responses advance to the next server (lame delegation
// handling); exhaustion is an error.
func (rec *Recursor) queryServers(ctx context.Context, st *resolveState, qname string, qtype, qclass uint16, zone string, servers map[string]*cache.AuthServer) (*dns.Msg, error) {
	m := buildQuery(qname, qtype, qclass)

	tuples := rec.prioritizeServers(servers)
	if len(tuples) == 0 {
		var err error
		tuples, err = rec.resolveNSAddresses(ctx, st, zone, servers)
		if err != nil {
			return nil, err
		}
	}

	var lastErr error
	for _, tuple := range tuples {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if st.budget.Add(-1) < 0 {
			return nil, fmt.Errorf("recursor: outbound query budget exhausted for %q", qname)
		}
		if rec.Filters != nil && !rec.Filters.AddressAllowed(tuple.Addr) {
			lastErr = fmt.Errorf("address %s blocked by destination policy", tuple.Addr)
			continue
		}

		qctx, cancel := context.WithTimeout(ctx, rec.Timeout)
		rec.Stats.Incr(StatUpstreamQueries)
		r, rtt, err := rec.Client.Exchange(qctx, m, tuple.Addr)
		cancel()
		if err != nil {
			if rec.Verbose {
				log.Printf("Recursor: query \"%s %s\" to %s@%s returned error: %v",
					qname, dns.TypeToString[qtype], tuple.NSName, tuple.Addr, err)
			}
			tuple.Server.RecordAddressFailure(tuple.Addr)
			lastErr = err
			continue
		}
		if r == nil {
			lastErr = fmt.Errorf("nil response from %s", tuple.Addr)
			tuple.Server.RecordAddressFailure(tuple.Addr)
			continue
		}
		tuple.Server.RecordAddressSuccess(tuple.Addr, rtt)

		switch r.Rcode {
		case dns.RcodeFormatError, dns.RcodeRefused, dns.RcodeNotImplemented, dns.RcodeNotAuth:
			if rec.Debug {
				log.Printf("Recursor: %s from %s for %s %s (likely lame delegation for zone %q)",
					dns.RcodeToString[r.Rcode], tuple.Addr, qname, dns.TypeToString[qtype], zone)
			}
			lastErr = fmt.Errorf("%s from %s", dns.RcodeToString[r.Rcode], tuple.Addr)
			continue
		case dns.RcodeServerFailure:
			lastErr = fmt.Errorf("SERVFAIL from %s", tuple.Addr)
			continue
		}
		return r, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no usable server addresses")
	}
	return nil, fmt.Errorf("recursor: all servers for zone %q exhausted looking up \"%s %s\": %v",
		zone, qname, dns.TypeToString[qtype], lastErr)
}

func buildQuery(qname string, qtype, qclass uint16) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(qname), qtype)
	m.Question[0].Qclass = qclass
	m.RecursionDesired = false
	m.Id = dns.Id()
	core.AttachEDNS(m)
	return m
}

// handleAnswer processes a response carrying answer records. Returns
// either a final result, or a non-empty CNAME target to restart with.
func (rec *Recursor) handleAnswer(st *resolveState, qname string, qtype uint16, zone string, r *dns.Msg) (*ResolveResult, string, error) {
	var direct []dns.RR
	var cnameTarget string
	var cnameRR dns.RR

	for _, rr := range r.Answer {
		if rr == nil {
			continue
		}
		owner := dns.CanonicalName(rr.Header().Name)
		// Bailiwick: only accept records at or below the zone cut we
		// queried (anti-cache-poisoning).
		if !cache.IsSubdomainOf(owner, zone) {
			if rec.Debug {
				log.Printf("Recursor: dropping out-of-bailiwick answer RR %s (zone %q)", rr.String(), zone)
			}
			continue
		}
		switch rr.Header().Rrtype {
		case qtype:
			if owner == dns.CanonicalName(qname) {
				direct = append(direct, rr)
			}
		case dns.TypeCNAME:
			if owner == dns.CanonicalName(qname) && cnameTarget == "" {
				cnameRR = rr
				cnameTarget = dns.CanonicalName(rr.(*dns.CNAME).Target)
			}
		}
	}

	if len(direct) > 0 {
		answer := append(core.CloneRRs(st.chain), core.CloneRRs(direct)...)
		return &ResolveResult{
			Rcode:   dns.RcodeSuccess,
			Answer:  answer,
			Context: cache.ContextAnswer,
		}, "", nil
	}

	if cnameTarget != "" && qtype != dns.TypeCNAME {
		st.chase++
		if st.chase > rec.MaxChase {
			return nil, "", fmt.Errorf("recursor: CNAME chain too deep (> %d) for %q", rec.MaxChase, qname)
		}
		st.chain = append(st.chain, dns.Copy(cnameRR))
		if rec.Debug {
			log.Printf("Recursor: chasing CNAME %s -> %s (depth %d)", qname, cnameTarget, st.chase)
		}
		return nil, cnameTarget, nil
	}

	if cnameTarget != "" && qtype == dns.TypeCNAME {
		answer := append(core.CloneRRs(st.chain), dns.Copy(cnameRR))
		return &ResolveResult{
			Rcode:   dns.RcodeSuccess,
			Answer:  answer,
			Context: cache.ContextAnswer,
		}, "", nil
	}

	// Answer section existed but nothing in-bailiwick survived.
	return nil, "", fmt.Errorf("recursor: answer for \"%s %s\" contained no usable records", qname, dns.TypeToString[qtype])
}

// handleReferral installs the delegation carried in the authority section
// and its glue, after bailiwick and loop checks. The caller then re-enters
// ChooseNS, which will find the deeper zone cut.
func (rec *Recursor) handleReferral(ctx context.Context, st *resolveState, qname string, zone string, r *dns.Msg) error {
	nsNames, zonename := extractReferral(r)
	if zonename == "" || len(nsNames) == 0 {
		return fmt.Errorf("recursor: referral without NS records for %q", qname)
	}

	// The delegated zone must sit strictly below the cut we queried and at
	// or above qname; anything else is a poisoning attempt or garbage.
	if !cache.IsSubdomainOf(zonename, zone) || zonename == zone {
		return fmt.Errorf("recursor: out-of-bailiwick referral to %q from zone %q", zonename, zone)
	}
	if !cache.IsSubdomainOf(dns.CanonicalName(qname), zonename) {
		return fmt.Errorf("recursor: referral to %q does not cover %q", zonename, qname)
	}

	referralKey := fmt.Sprintf("%s:%s", qname, zonename)
	if st.visited[referralKey] {
		return fmt.Errorf("recursor: referral loop detected: already referred to zone %q for %q", zonename, qname)
	}
	st.visited[referralKey] = true

	nsTTL := core.GetMinTTL(referralNSRRs(r, zonename))
	rec.Deleg.SetZone(zonename, nsNames, nsTTL)

	// Glue: addresses from the additional section are accepted only for
	// in-bailiwick NS names.
	nsMap := make(map[string]bool, len(nsNames))
	for _, ns := range nsNames {
		nsMap[ns] = true
	}
	for _, rr := range r.Extra {
		if rr == nil {
			continue
		}
		owner := dns.CanonicalName(rr.Header().Name)
		if !nsMap[owner] {
			continue
		}
		if !cache.IsSubdomainOf(owner, zonename) {
			// Out-of-bailiwick glue is dropped; the address gets resolved
			// properly on demand instead.
			continue
		}
		ttl := time.Duration(rr.Header().Ttl) * time.Second
		switch a := rr.(type) {
		case *dns.A:
			rec.Deleg.AddGlue(owner, a.A.String(), ttl, "glue")
		case *dns.AAAA:
			rec.Deleg.AddGlue(owner, a.AAAA.String(), ttl, "glue")
		}
	}

	if rec.Debug {
		log.Printf("Recursor: delegation %q -> %q with %d NS", zone, zonename, len(nsNames))
	}
	return nil
}
