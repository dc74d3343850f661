/*
 * Copyright (c) 2025 rdnsd project
 */

package rdns

import (
	cmap "github.com/orcaman/concurrent-map/v2"
)

// StatsT is a set of named monotonic counters, sharded by cmap so workers
// never contend on a single lock. Aggregation happens only on snapshot.
type StatsT struct {
	counters cmap.ConcurrentMap[string, uint64]
}

const (
	StatQueries         = "queries"
	StatCacheHits       = "cache_hits"
	StatCachePrefetch   = "cache_prefetch"
	StatCacheStale      = "cache_stale"
	StatCacheMisses     = "cache_misses"
	StatNegativeHits    = "negative_hits"
	StatLocalZone       = "local_zone"
	StatBlocked         = "blocked"
	StatDropped         = "dropped"
	StatServfail        = "servfail"
	StatUpstreamQueries = "upstream_queries"
	StatCoalesced       = "coalesced"
)

func NewStats() *StatsT {
	return &StatsT{counters: cmap.New[uint64]()}
}

func (s *StatsT) Incr(name string) {
	if s == nil {
		return
	}
	s.counters.Upsert(name, 1, func(exist bool, valueInMap, newValue uint64) uint64 {
		if exist {
			return valueInMap + 1
		}
		return newValue
	})
}

func (s *StatsT) Get(name string) uint64 {
	if s == nil {
		return 0
	}
	v, _ := s.counters.Get(name)
	return v
}

// Snapshot returns a copy of all counters for reporting.
func (s *StatsT) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if s == nil {
		return out
	}
	for item := range s.counters.IterBuffered() {
		out[item.Key] = item.Val
	}
	return out
}
