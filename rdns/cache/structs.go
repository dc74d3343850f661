/*
 * Copyright (c) 2025 rdnsd project
 */

package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// MapKey is the cache / single-flight fingerprint: canonical (lowercased,
// fully qualified) owner name, qtype and qclass. EDNS options are not part
// of the key.
func MapKey(qname string, qtype, qclass uint16) string {
	return fmt.Sprintf("%s::%d::%d", dns.CanonicalName(qname), qtype, qclass)
}

type CacheContext uint8

const (
	ContextAnswer CacheContext = iota + 1
	ContextHint
	ContextPriming
	ContextReferral
	ContextNXDOMAIN
	ContextNoErrNoAns
	ContextGlue    // from additional section
	ContextFailure // some sort of general failure that we cannot sort out
)

var CacheContextToString = map[CacheContext]string{
	ContextAnswer:     "answer",
	ContextHint:       "hint",
	ContextPriming:    "priming",
	ContextReferral:   "referral",
	ContextNXDOMAIN:   "NXDOMAIN (negative response type 3)",
	ContextNoErrNoAns: "NOERROR, NODATA (negative response type 0)",
	ContextGlue:       "glue",
	ContextFailure:    "failure",
}

// LookupState is the verdict of a positive-cache probe.
type LookupState uint8

const (
	LookupMiss LookupState = iota
	LookupHit
	LookupNearExpiry
	LookupStale
)

var LookupStateToString = map[LookupState]string{
	LookupMiss:       "miss",
	LookupHit:        "hit",
	LookupNearExpiry: "near-expiry",
	LookupStale:      "stale",
}

// CachedAnswer is one positive cache entry: the full section contents of a
// resolved response for a fingerprint. TTLs on the stored RRs are the
// admitted (clamped) values; remaining TTLs are derived from Expiration at
// response time.
type CachedAnswer struct {
	Name       string // canonical owner
	RRtype     uint16
	Rcode      uint8
	Answer     []dns.RR
	Authority  []dns.RR
	Additional []dns.RR
	Context    CacheContext
	InsertedAt time.Time
	Expiration time.Time
	Weight     int

	mu         sync.Mutex
	lastAccess time.Time
}

func (ca *CachedAnswer) Touch(now time.Time) {
	ca.mu.Lock()
	ca.lastAccess = now
	ca.mu.Unlock()
}

func (ca *CachedAnswer) LastAccess() time.Time {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	return ca.lastAccess
}

// AuthServer is the engine-wide view of one authoritative nameserver:
// its known addresses plus per-address failure backoff and RTT estimates.
// There is a single shared instance per nameserver name.
type AuthServer struct {
	Name string
	Src  string // "answer", "glue", "hint", "stub", ...

	mu       sync.Mutex
	Addrs    []string
	Expire   time.Time
	failures map[string]int
	backoff  map[string]time.Time
	rtt      map[string]time.Duration
}

const (
	backoffBase = 2 * time.Second
	backoffMax  = 60 * time.Second
)

func (as *AuthServer) AddAddr(addr string) {
	if as == nil || addr == "" {
		return
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	for _, a := range as.Addrs {
		if a == addr {
			return
		}
	}
	as.Addrs = append(as.Addrs, addr)
}

func (as *AuthServer) SetSrc(src string) {
	if as == nil {
		return
	}
	as.mu.Lock()
	as.Src = src
	as.mu.Unlock()
}

func (as *AuthServer) SetExpire(t time.Time) {
	if as == nil {
		return
	}
	as.mu.Lock()
	if t.After(as.Expire) {
		as.Expire = t
	}
	as.mu.Unlock()
}

// RecordAddressFailure bumps the consecutive-failure counter for addr and
// extends its backoff window (exponential, capped).
func (as *AuthServer) RecordAddressFailure(addr string) {
	if as == nil {
		return
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.failures == nil {
		as.failures = make(map[string]int)
		as.backoff = make(map[string]time.Time)
	}
	as.failures[addr]++
	d := backoffMax
	if n := as.failures[addr]; n <= 5 {
		d = backoffBase << (n - 1)
	}
	as.backoff[addr] = time.Now().Add(d)
}

func (as *AuthServer) RecordAddressSuccess(addr string, rtt time.Duration) {
	if as == nil {
		return
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.failures != nil {
		delete(as.failures, addr)
		delete(as.backoff, addr)
	}
	if as.rtt == nil {
		as.rtt = make(map[string]time.Duration)
	}
	// Exponentially weighted moving average, same smoothing as for SRTT.
	if prev, ok := as.rtt[addr]; ok {
		as.rtt[addr] = (prev*7 + rtt) / 8
	} else {
		as.rtt[addr] = rtt
	}
}

func (as *AuthServer) AddressBackedOff(addr string, now time.Time) bool {
	if as == nil {
		return false
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	until, ok := as.backoff[addr]
	return ok && now.Before(until)
}

func (as *AuthServer) AddressRTT(addr string) time.Duration {
	if as == nil {
		return 0
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	if d, ok := as.rtt[addr]; ok {
		return d
	}
	return 0
}

// SnapshotAddrs returns a copy of the known addresses.
func (as *AuthServer) SnapshotAddrs() []string {
	if as == nil {
		return nil
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	return append([]string(nil), as.Addrs...)
}
