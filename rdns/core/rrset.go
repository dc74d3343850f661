/*
 * Copyright (c) 2025 rdnsd project
 */

package core

import (
	"time"

	"github.com/miekg/dns"
)

// RRset is a set of records sharing owner name, class and type.
type RRset struct {
	Name   string
	Class  uint16
	RRtype uint16
	RRs    []dns.RR
}

func GetMinTTL(rrs []dns.RR) time.Duration {
	if len(rrs) == 0 {
		return 0
	}
	min := rrs[0].Header().Ttl
	for _, rr := range rrs[1:] {
		if rr.Header().Ttl < min {
			min = rr.Header().Ttl
		}
	}
	return time.Duration(min) * time.Second
}

// RRsetsFromSection groups the records of a message section into RRsets,
// preserving first-seen order.
func RRsetsFromSection(rrs []dns.RR) []*RRset {
	type key struct {
		name   string
		rrtype uint16
	}
	var order []key
	sets := make(map[key]*RRset)
	for _, rr := range rrs {
		if rr == nil {
			continue
		}
		k := key{dns.CanonicalName(rr.Header().Name), rr.Header().Rrtype}
		rs, ok := sets[k]
		if !ok {
			rs = &RRset{Name: k.name, Class: rr.Header().Class, RRtype: k.rrtype}
			sets[k] = rs
			order = append(order, k)
		}
		rs.RRs = append(rs.RRs, rr)
	}
	var out []*RRset
	for _, k := range order {
		out = append(out, sets[k])
	}
	return out
}

func CloneRRs(rrs []dns.RR) []dns.RR {
	if len(rrs) == 0 {
		return nil
	}
	out := make([]dns.RR, 0, len(rrs))
	for _, rr := range rrs {
		if rr == nil {
			continue
		}
		out = append(out, dns.Copy(rr))
	}
	return out
}

// RdataWireLen returns the length of the RDATA portion of rr in wire form.
func RdataWireLen(rr dns.RR) int {
	if rr == nil {
		return 0
	}
	// Wire form of the owner name is its presentation length plus the root
	// label; the fixed header part (type, class, ttl, rdlength) is 10 octets.
	n := dns.Len(rr) - (len(rr.Header().Name) + 1) - 10
	if n < 0 {
		n = 0
	}
	return n
}
