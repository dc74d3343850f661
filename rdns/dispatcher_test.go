package rdns

import (
	"context"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/kvarn/rdnsd/rdns/cache"
)

// testWriter is a dns.ResponseWriter that captures the written message.
type testWriter struct {
	remote net.Addr
	mu     sync.Mutex
	msg    *dns.Msg
	closed bool
}

func newUDPWriter() *testWriter {
	return &testWriter{remote: &net.UDPAddr{IP: net.ParseIP("192.0.2.200"), Port: 40000}}
}

func newTCPWriter() *testWriter {
	return &testWriter{remote: &net.TCPAddr{IP: net.ParseIP("192.0.2.200"), Port: 40000}}
}

func (w *testWriter) LocalAddr() net.Addr  { return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 53} }
func (w *testWriter) RemoteAddr() net.Addr { return w.remote }
func (w *testWriter) WriteMsg(m *dns.Msg) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msg = m
	return nil
}
func (w *testWriter) Write(b []byte) (int, error) { return len(b), nil }
func (w *testWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}
func (w *testWriter) TsigStatus() error     { return nil }
func (w *testWriter) TsigTimersOnly(bool)   {}
func (w *testWriter) Hijack()               {}

func (w *testWriter) message() *dns.Msg {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.msg
}

func testConfig() *Config {
	conf := &Config{
		ListenUDP: "127.0.0.1:5300",
		ListenTCP: "127.0.0.1:5300",
		Cache: CacheConf{
			AnswerCacheSize:       1000,
			NegativeCacheSize:     100,
			MinTTL:                0,
			MaxTTL:                86400,
			NegativeTTL:           60,
			PrefetchThresholdSecs: 1,
			StaleWindowSecs:       120,
			Negative: NegativeConf{
				ProbeTTLSecs: 60,
				MinTTL:       5,
				MaxTTL:       300,
			},
		},
		Recursor: RecursorConf{Attempts: 1},
	}
	return conf
}

// newForwarderDispatcher builds a dispatcher in forwarder mode against a
// mock upstream.
func newForwarderDispatcher(t *testing.T, conf *Config, upstream func(m *dns.Msg) *dns.Msg) (*Dispatcher, *upstreamExchanger) {
	t.Helper()
	x := newUpstreamExchanger()
	if upstream != nil {
		x.answers["203.0.113.53:53"] = upstream
	}
	conf.Upstreams = []string{"203.0.113.53:53"}

	filters, err := NewFilters(conf.Filters)
	if err != nil {
		t.Fatal(err)
	}
	zones := NewZoneStore()
	answers := NewAnswerCacheFromConfig(conf)
	negatives := NewNegativeCacheFromConfig(conf)
	deleg := cache.NewDelegationCache(log.Default(), false, false)
	stats := NewStats()
	fwd, err := NewForwarder(conf.Upstreams, x, filters, stats)
	if err != nil {
		t.Fatal(err)
	}
	d := NewDispatcher(context.Background(), conf, zones, filters, answers, negatives, deleg,
		&cache.Flight{}, fwd, nil, stats)
	return d, x
}

func queryMsg(qname string, qtype uint16) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(qname, qtype)
	m.SetEdns0(1232, false)
	return m
}

// TestDispatcherResponseInvariants: QR=1, AA=0, AD=0, RA=1, matching ID,
// question echoed with original case.
func TestDispatcherResponseInvariants(t *testing.T) {
	d, _ := newForwarderDispatcher(t, testConfig(), func(m *dns.Msg) *dns.Msg {
		r := new(dns.Msg)
		r.SetReply(m)
		r.Authoritative = true      // upstream flags must be rewritten
		r.AuthenticatedData = true
		r.Answer = append(r.Answer, mustRRT(m.Question[0].Name, "300 IN A 192.0.2.1"))
		return r
	})

	req := queryMsg("WwW.Example.COM.", dns.TypeA)
	req.Id = 0x1234
	w := newUDPWriter()
	d.handleQuery(w, req)

	m := w.message()
	if m == nil {
		t.Fatal("no response written")
	}
	if !m.Response {
		t.Error("QR must be 1")
	}
	if m.Authoritative {
		t.Error("AA must be 0 in every response")
	}
	if m.AuthenticatedData {
		t.Error("AD must be 0 in every response")
	}
	if !m.RecursionAvailable {
		t.Error("RA must be 1 when recursion is offered")
	}
	if m.Id != 0x1234 {
		t.Errorf("response ID %x, want %x", m.Id, 0x1234)
	}
	if m.Question[0].Name != "WwW.Example.COM." {
		t.Errorf("question case not preserved: %s", m.Question[0].Name)
	}
}

func mustRRT(owner, rest string) dns.RR {
	rr, err := dns.NewRR(owner + " " + rest)
	if err != nil {
		panic(err)
	}
	return rr
}

// TestDispatcherForwarderHitThenCache runs end-to-end scenario 1: first
// query goes upstream, the second is served from cache with a TTL no
// larger than the original.
func TestDispatcherForwarderHitThenCache(t *testing.T) {
	d, x := newForwarderDispatcher(t, testConfig(), func(m *dns.Msg) *dns.Msg {
		r := new(dns.Msg)
		r.SetReply(m)
		r.Answer = append(r.Answer, mustRRT("example.com.", "300 IN A 192.0.2.1"))
		return r
	})

	w1 := newUDPWriter()
	d.handleQuery(w1, queryMsg("example.com.", dns.TypeA))
	m1 := w1.message()
	if m1 == nil || len(m1.Answer) != 1 {
		t.Fatalf("first query should be answered: %+v", m1)
	}
	if ttl := m1.Answer[0].Header().Ttl; ttl == 0 || ttl > 300 {
		t.Errorf("TTL %d out of range", ttl)
	}
	upstreamAfterFirst := len(x.contacted())

	w2 := newUDPWriter()
	d.handleQuery(w2, queryMsg("example.com.", dns.TypeA))
	m2 := w2.message()
	if m2 == nil || len(m2.Answer) != 1 {
		t.Fatalf("second query should be served from cache: %+v", m2)
	}
	if len(x.contacted()) != upstreamAfterFirst {
		t.Error("cache hit must not generate upstream traffic")
	}
	if ttl := m2.Answer[0].Header().Ttl; ttl > 300 {
		t.Errorf("cached TTL %d exceeds original", ttl)
	}
}

// TestDispatcherBlocklist runs scenario 6: blocklisted names get a
// synthetic NXDOMAIN with zero outbound traffic and no negative-cache
// admission.
func TestDispatcherBlocklist(t *testing.T) {
	conf := testConfig()
	conf.Filters.BlocklistDomains = []string{"ads.example"}
	d, x := newForwarderDispatcher(t, conf, nil)

	w := newUDPWriter()
	d.handleQuery(w, queryMsg("tracker.ads.example.", dns.TypeA))
	m := w.message()
	if m == nil {
		t.Fatal("no response")
	}
	if m.Rcode != dns.RcodeNameError {
		t.Errorf("blocked name must be NXDOMAIN, got %s", dns.RcodeToString[m.Rcode])
	}
	var haveSOA bool
	for _, rr := range m.Ns {
		if rr.Header().Rrtype == dns.TypeSOA {
			haveSOA = true
		}
	}
	if !haveSOA {
		t.Error("synthetic SOA missing from authority section")
	}
	if len(x.contacted()) != 0 {
		t.Error("no outbound traffic may be generated for blocked names")
	}
	if ne := d.Negatives.Lookup(time.Now(), "tracker.ads.example.", dns.TypeA, dns.ClassINET); ne != nil {
		t.Error("policy NXDOMAIN must not enter the negative cache")
	}
}

// TestDispatcherLocalZone: overrides answer before cache and network.
func TestDispatcherLocalZone(t *testing.T) {
	d, x := newForwarderDispatcher(t, testConfig(), nil)
	d.Zones.Add(mustRRT("printer.lan.example.", "600 IN A 10.0.0.9"))

	w := newUDPWriter()
	d.handleQuery(w, queryMsg("printer.lan.example.", dns.TypeA))
	m := w.message()
	if m == nil || len(m.Answer) != 1 {
		t.Fatalf("local zone should answer: %+v", m)
	}
	if m.Authoritative {
		t.Error("AA stays 0 even for local-zone answers")
	}
	if len(x.contacted()) != 0 {
		t.Error("local zone answers must not touch the network")
	}
}

// TestDispatcherNegativeTwoHit runs scenario 3 end to end.
func TestDispatcherNegativeTwoHit(t *testing.T) {
	conf := testConfig()
	d, x := newForwarderDispatcher(t, conf, func(m *dns.Msg) *dns.Msg {
		r := new(dns.Msg)
		r.SetReply(m)
		r.Rcode = dns.RcodeNameError
		r.Ns = append(r.Ns, mustRRT("example.", "300 IN SOA ns1.example. hostmaster.example. 1 7200 3600 1209600 60"))
		return r
	})

	// First query: NXDOMAIN to the client, nothing cached.
	w1 := newUDPWriter()
	d.handleQuery(w1, queryMsg("nope.example.", dns.TypeA))
	if m := w1.message(); m == nil || m.Rcode != dns.RcodeNameError {
		t.Fatalf("first query should return NXDOMAIN: %+v", w1.message())
	}
	if ne := d.Negatives.Lookup(time.Now(), "nope.example.", dns.TypeA, dns.ClassINET); ne != nil {
		t.Fatal("negative cache must be empty after one observation")
	}
	first := len(x.contacted())

	// Second query: upstream consulted again, entry admitted.
	w2 := newUDPWriter()
	d.handleQuery(w2, queryMsg("nope.example.", dns.TypeA))
	if len(x.contacted()) == first {
		t.Error("second query must go upstream again")
	}
	ne := d.Negatives.Lookup(time.Now(), "nope.example.", dns.TypeA, dns.ClassINET)
	if ne == nil {
		t.Fatal("second observation must admit the negative entry")
	}
	if got := time.Until(ne.Expiration); got > 61*time.Second {
		t.Errorf("negative TTL %v exceeds SOA minimum of 60s", got)
	}

	// Third query: served from the negative cache, no upstream traffic.
	second := len(x.contacted())
	w3 := newUDPWriter()
	d.handleQuery(w3, queryMsg("nope.example.", dns.TypeA))
	if m := w3.message(); m == nil || m.Rcode != dns.RcodeNameError {
		t.Fatalf("third query should be NXDOMAIN from cache: %+v", w3.message())
	}
	if len(x.contacted()) != second {
		t.Error("negative cache hit must not generate upstream traffic")
	}
}

// TestDispatcherServeStale runs scenario 5: a stale entry is served with
// TTL 1 while the upstream is dead; beyond the stale window the query
// fails with SERVFAIL.
func TestDispatcherServeStale(t *testing.T) {
	var dead atomic.Bool
	d, _ := newForwarderDispatcher(t, testConfig(), func(m *dns.Msg) *dns.Msg {
		if dead.Load() {
			return nil // treated as a timeout by the mock exchanger
		}
		r := new(dns.Msg)
		r.SetReply(m)
		r.Answer = append(r.Answer, mustRRT("stale.example.", "300 IN A 192.0.2.7"))
		return r
	})

	// Prime the cache, then kill the upstream.
	w0 := newUDPWriter()
	d.handleQuery(w0, queryMsg("stale.example.", dns.TypeA))
	if m := w0.message(); m == nil || len(m.Answer) != 1 {
		t.Fatal("priming query failed")
	}
	dead.Store(true)

	// Age the entry into the stale window (expired 5s ago).
	key := cache.MapKey("stale.example.", dns.TypeA, dns.ClassINET)
	ca, _ := d.Answers.Entries.Get(key)
	ca.Expiration = time.Now().Add(-5 * time.Second)

	w1 := newUDPWriter()
	d.handleQuery(w1, queryMsg("stale.example.", dns.TypeA))
	m := w1.message()
	if m == nil || len(m.Answer) != 1 {
		t.Fatalf("stale entry should still be served: %+v", m)
	}
	if ttl := m.Answer[0].Header().Ttl; ttl != 1 {
		t.Errorf("stale TTL should be clamped to 1, got %d", ttl)
	}

	// Beyond the stale window the entry is unreachable: SERVFAIL.
	ca.Expiration = time.Now().Add(-121 * time.Second)
	w2 := newUDPWriter()
	d.handleQuery(w2, queryMsg("stale.example.", dns.TypeA))
	if m := w2.message(); m == nil || m.Rcode != dns.RcodeServerFailure {
		t.Errorf("query beyond the stale window with dead upstream must SERVFAIL, got %+v", w2.message())
	}
}

// TestDispatcherCoalescing runs scenario 4: concurrent identical queries
// collapse into one upstream resolution with identical answers.
func TestDispatcherCoalescing(t *testing.T) {
	var upstreamCalls atomic.Int64
	d, _ := newForwarderDispatcher(t, testConfig(), func(m *dns.Msg) *dns.Msg {
		upstreamCalls.Add(1)
		time.Sleep(300 * time.Millisecond)
		r := new(dns.Msg)
		r.SetReply(m)
		r.Answer = append(r.Answer, mustRRT("slow.example.", "300 IN AAAA 2001:db8::7"))
		return r
	})

	const clients = 50
	var wg sync.WaitGroup
	writers := make([]*testWriter, clients)
	for i := 0; i < clients; i++ {
		writers[i] = newUDPWriter()
		wg.Add(1)
		go func(w *testWriter) {
			defer wg.Done()
			d.handleQuery(w, queryMsg("slow.example.", dns.TypeAAAA))
		}(writers[i])
	}
	wg.Wait()

	if got := upstreamCalls.Load(); got != 1 {
		t.Errorf("expected exactly 1 upstream resolution, observed %d", got)
	}
	for i, w := range writers {
		m := w.message()
		if m == nil || len(m.Answer) != 1 {
			t.Fatalf("client %d got no answer", i)
		}
		if m.Answer[0].(*dns.AAAA).AAAA.String() != "2001:db8::7" {
			t.Errorf("client %d got a different answer: %s", i, m.Answer[0])
		}
	}
}

// TestDispatcherTruncation: UDP responses larger than the negotiated
// payload size come back truncated with TC=1.
func TestDispatcherTruncation(t *testing.T) {
	d, _ := newForwarderDispatcher(t, testConfig(), func(m *dns.Msg) *dns.Msg {
		r := new(dns.Msg)
		r.SetReply(m)
		for i := 0; i < 60; i++ {
			r.Answer = append(r.Answer, mustRRT("big.example.", "300 IN TXT \"padding padding padding padding padding padding\""))
		}
		return r
	})

	req := new(dns.Msg)
	req.SetQuestion("big.example.", dns.TypeTXT)
	req.SetEdns0(512, false)
	w := newUDPWriter()
	d.handleQuery(w, req)
	m := w.message()
	if m == nil {
		t.Fatal("no response")
	}
	if !m.Truncated {
		t.Error("oversized UDP response must have TC=1")
	}
	if packed, err := m.Pack(); err == nil && len(packed) > 512 {
		t.Errorf("truncated response is %d octets, want <= 512", len(packed))
	}
}

// TestDispatcherProtocolErrors: NOTIMP for unsupported opcode and class,
// FORMERR for broken question counts, REFUSED for RD=0 misses.
func TestDispatcherProtocolErrors(t *testing.T) {
	d, _ := newForwarderDispatcher(t, testConfig(), nil)

	t.Run("NonQueryOpcode", func(t *testing.T) {
		req := queryMsg("example.com.", dns.TypeA)
		req.Opcode = dns.OpcodeStatus
		w := newUDPWriter()
		d.handleQuery(w, req)
		if m := w.message(); m == nil || m.Rcode != dns.RcodeNotImplemented {
			t.Errorf("want NOTIMP, got %+v", w.message())
		}
	})

	t.Run("NoQuestion", func(t *testing.T) {
		req := new(dns.Msg)
		req.Id = dns.Id()
		w := newUDPWriter()
		d.handleQuery(w, req)
		if m := w.message(); m == nil || m.Rcode != dns.RcodeFormatError {
			t.Errorf("want FORMERR, got %+v", w.message())
		}
	})

	t.Run("UnsupportedClass", func(t *testing.T) {
		req := queryMsg("example.com.", dns.TypeA)
		req.Question[0].Qclass = dns.ClassCHAOS
		w := newUDPWriter()
		d.handleQuery(w, req)
		if m := w.message(); m == nil || m.Rcode != dns.RcodeNotImplemented {
			t.Errorf("want NOTIMP for CH class, got %+v", w.message())
		}
	})

	t.Run("RecursionNotDesired", func(t *testing.T) {
		req := queryMsg("uncached.example.com.", dns.TypeA)
		req.RecursionDesired = false
		w := newUDPWriter()
		d.handleQuery(w, req)
		if m := w.message(); m == nil || m.Rcode != dns.RcodeRefused {
			t.Errorf("want REFUSED on RD=0 miss, got %+v", w.message())
		}
	})
}

// TestDispatcherClientCap: queries beyond the per-client concurrency cap
// are dropped on UDP and closed on TCP.
func TestDispatcherClientCap(t *testing.T) {
	d, _ := newForwarderDispatcher(t, testConfig(), nil)
	d.MaxInflight = 1
	// Occupy the single slot.
	d.inflight.Set("192.0.2.200", 1)

	w := newUDPWriter()
	d.handleQuery(w, queryMsg("example.com.", dns.TypeA))
	if w.message() != nil {
		t.Error("over-cap UDP query must be dropped silently")
	}

	wt := newTCPWriter()
	d.handleQuery(wt, queryMsg("example.com.", dns.TypeA))
	if wt.message() != nil {
		t.Error("over-cap TCP query must not be answered")
	}
	if !wt.closed {
		t.Error("over-cap TCP connection must be closed")
	}
}

// TestDispatcherIterativeTypeGate: iterative mode without
// --allow-other-types answers NOTIMP for exotic types.
func TestDispatcherIterativeTypeGate(t *testing.T) {
	conf := testConfig()
	filters, _ := NewFilters(conf.Filters)
	deleg := cache.NewDelegationCache(log.Default(), false, false)
	deleg.Zones.Set(".", &cache.ZoneDelegation{Zone: ".", NSNames: []string{"a.root-servers.net."}, Expiration: time.Now().Add(time.Hour)})
	stats := NewStats()
	answers := NewAnswerCacheFromConfig(conf)
	flight := &cache.Flight{}
	rec := &Recursor{
		Deleg: deleg, Answers: answers, Flight: flight,
		Client:  newScriptedExchanger(),
		Filters: filters, Stats: stats,
		Timeout: time.Second, MaxChase: 16, QueryBudget: 64,
	}
	d := NewDispatcher(context.Background(), conf, NewZoneStore(), filters, answers,
		NewNegativeCacheFromConfig(conf), deleg, flight, nil, rec, stats)

	w := newUDPWriter()
	d.handleQuery(w, queryMsg("example.com.", dns.TypeNAPTR))
	if m := w.message(); m == nil || m.Rcode != dns.RcodeNotImplemented {
		t.Errorf("exotic type should be NOTIMP without --allow-other-types, got %+v", w.message())
	}
}
