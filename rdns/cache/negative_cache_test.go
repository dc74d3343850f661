package cache

import (
	"testing"
	"time"

	"github.com/miekg/dns"
)

func testNegCache(t *testing.T, opts NegativeCacheOptions) *NegativeCacheT {
	t.Helper()
	return NewNegativeCache(opts, nil, false)
}

func testSOA(t *testing.T, owner string, ttl, minttl uint32) dns.RR {
	t.Helper()
	soa := &dns.SOA{
		Hdr:     dns.RR_Header{Name: owner, Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: ttl},
		Ns:      "ns1." + owner,
		Mbox:    "hostmaster." + owner,
		Serial:  2025112001,
		Refresh: 7200,
		Retry:   3600,
		Expire:  1209600,
		Minttl:  minttl,
	}
	return soa
}

// TestNegativeTwoHitAdmission verifies the two-hit law: one observation
// yields no entry, a second within the probe window yields one.
func TestNegativeTwoHitAdmission(t *testing.T) {
	nc := testNegCache(t, NegativeCacheOptions{
		Enabled:       true,
		CacheNXDOMAIN: true,
		CacheNODATA:   true,
		TwoHit:        true,
		ProbeTTL:      60 * time.Second,
		FallbackTTL:   60 * time.Second,
		MinTTL:        5 * time.Second,
		MaxTTL:        300 * time.Second,
	})
	now := time.Now()
	authority := []dns.RR{testSOA(t, "example.", 300, 60)}

	if admitted := nc.Observe(now, "nope.example.", dns.TypeA, dns.ClassINET, NegNXDOMAIN, authority); admitted {
		t.Error("first observation must not admit a full entry")
	}
	if ne := nc.Lookup(now, "nope.example.", dns.TypeA, dns.ClassINET); ne != nil {
		t.Error("negative cache must be empty after a single observation")
	}

	if admitted := nc.Observe(now.Add(10*time.Second), "nope.example.", dns.TypeA, dns.ClassINET, NegNXDOMAIN, authority); !admitted {
		t.Error("second observation inside the probe window must admit")
	}
	ne := nc.Lookup(now.Add(11*time.Second), "nope.example.", dns.TypeA, dns.ClassINET)
	if ne == nil {
		t.Fatal("entry should be cached after the second observation")
	}
	if ne.Kind != NegNXDOMAIN {
		t.Errorf("wrong kind %s", NegKindToString[ne.Kind])
	}
	// TTL from SOA MINIMUM (60), within the probe observation time.
	if got := ne.Expiration.Sub(now.Add(10 * time.Second)); got > 60*time.Second {
		t.Errorf("negative TTL %v exceeds SOA minimum", got)
	}
}

// TestNegativeTwoHitProbeExpiry: a second observation after the probe
// expired starts a fresh probe instead of admitting.
func TestNegativeTwoHitProbeExpiry(t *testing.T) {
	nc := testNegCache(t, NegativeCacheOptions{
		Enabled: true, CacheNXDOMAIN: true, TwoHit: true,
		ProbeTTL: 60 * time.Second, FallbackTTL: 60 * time.Second,
		MinTTL: 5 * time.Second, MaxTTL: 300 * time.Second,
	})
	now := time.Now()
	authority := []dns.RR{testSOA(t, "example.", 300, 60)}

	nc.Observe(now, "nope.example.", dns.TypeA, dns.ClassINET, NegNXDOMAIN, authority)
	if admitted := nc.Observe(now.Add(61*time.Second), "nope.example.", dns.TypeA, dns.ClassINET, NegNXDOMAIN, authority); admitted {
		t.Error("observation after probe expiry must plant a new probe, not admit")
	}
}

// TestNegativeTwoHitScope: by default two-hit gates NXDOMAIN only;
// NODATA admits on first observation unless TwoHitNODATA is set.
func TestNegativeTwoHitScope(t *testing.T) {
	opts := NegativeCacheOptions{
		Enabled: true, CacheNXDOMAIN: true, CacheNODATA: true, TwoHit: true,
		ProbeTTL: 60 * time.Second, FallbackTTL: 60 * time.Second,
		MinTTL: 5 * time.Second, MaxTTL: 300 * time.Second,
	}
	now := time.Now()
	authority := []dns.RR{testSOA(t, "example.", 300, 60)}

	t.Run("NODATAFirstHit", func(t *testing.T) {
		nc := testNegCache(t, opts)
		if admitted := nc.Observe(now, "host.example.", dns.TypeAAAA, dns.ClassINET, NegNODATA, authority); !admitted {
			t.Error("NODATA should admit on first observation by default")
		}
	})

	t.Run("NODATATwoHit", func(t *testing.T) {
		o := opts
		o.TwoHitNODATA = true
		nc := testNegCache(t, o)
		if admitted := nc.Observe(now, "host.example.", dns.TypeAAAA, dns.ClassINET, NegNODATA, authority); admitted {
			t.Error("with two_hit_nodata, first NODATA must only plant a probe")
		}
	})
}

// TestNegativeTTLPrecedence verifies SOA MINIMUM > SOA TTL > fallback,
// followed by clamping.
func TestNegativeTTLPrecedence(t *testing.T) {
	nc := testNegCache(t, NegativeCacheOptions{
		Enabled: true, CacheNXDOMAIN: true,
		FallbackTTL: 77 * time.Second,
		MinTTL:      5 * time.Second,
		MaxTTL:      200 * time.Second,
	})

	t.Run("SOAMinimum", func(t *testing.T) {
		got := nc.NegativeTTL([]dns.RR{testSOA(t, "example.", 300, 60)})
		if got != 60*time.Second {
			t.Errorf("want SOA MINIMUM 60s, got %v", got)
		}
	})
	t.Run("SOATTLWhenNoMinimum", func(t *testing.T) {
		got := nc.NegativeTTL([]dns.RR{testSOA(t, "example.", 120, 0)})
		if got != 120*time.Second {
			t.Errorf("want SOA TTL 120s, got %v", got)
		}
	})
	t.Run("FallbackWithoutSOA", func(t *testing.T) {
		got := nc.NegativeTTL(nil)
		if got != 77*time.Second {
			t.Errorf("want fallback 77s, got %v", got)
		}
	})
	t.Run("ClampToMax", func(t *testing.T) {
		got := nc.NegativeTTL([]dns.RR{testSOA(t, "example.", 300, 7200)})
		if got != 200*time.Second {
			t.Errorf("want clamp to 200s, got %v", got)
		}
	})
	t.Run("ClampToMin", func(t *testing.T) {
		got := nc.NegativeTTL([]dns.RR{testSOA(t, "example.", 300, 1)})
		if got != 5*time.Second {
			t.Errorf("want clamp to 5s, got %v", got)
		}
	})
}

// TestNegativeKindConfig checks cache_nxdomain / cache_nodata switches.
func TestNegativeKindConfig(t *testing.T) {
	now := time.Now()
	authority := []dns.RR{testSOA(t, "example.", 300, 60)}

	nc := testNegCache(t, NegativeCacheOptions{
		Enabled: true, CacheNXDOMAIN: false, CacheNODATA: true,
		FallbackTTL: 60 * time.Second, MinTTL: 5 * time.Second, MaxTTL: 300 * time.Second,
	})
	if admitted := nc.Observe(now, "a.example.", dns.TypeA, dns.ClassINET, NegNXDOMAIN, authority); admitted {
		t.Error("NXDOMAIN caching disabled: must not admit")
	}
	if admitted := nc.Observe(now, "b.example.", dns.TypeA, dns.ClassINET, NegNODATA, authority); !admitted {
		t.Error("NODATA caching enabled: must admit")
	}

	disabled := testNegCache(t, NegativeCacheOptions{Enabled: false})
	if admitted := disabled.Observe(now, "c.example.", dns.TypeA, dns.ClassINET, NegNXDOMAIN, authority); admitted {
		t.Error("disabled cache must never admit")
	}
}

// TestNegativeExpiry: entries become invisible after their TTL.
func TestNegativeExpiry(t *testing.T) {
	nc := testNegCache(t, NegativeCacheOptions{
		Enabled: true, CacheNXDOMAIN: true,
		FallbackTTL: 60 * time.Second, MinTTL: 5 * time.Second, MaxTTL: 300 * time.Second,
	})
	now := time.Now()
	nc.Observe(now, "gone.example.", dns.TypeA, dns.ClassINET, NegNXDOMAIN, []dns.RR{testSOA(t, "example.", 300, 30)})

	if ne := nc.Lookup(now.Add(29*time.Second), "gone.example.", dns.TypeA, dns.ClassINET); ne == nil {
		t.Error("entry should still be visible before expiry")
	}
	if ne := nc.Lookup(now.Add(31*time.Second), "gone.example.", dns.TypeA, dns.ClassINET); ne != nil {
		t.Error("entry must be invisible after expiry")
	}
}
