/*
 * Copyright (c) 2025 rdnsd project
 */

package rdns

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/miekg/dns"

	core "github.com/kvarn/rdnsd/rdns/core"
)

// Forwarder sends client queries to a configured upstream list. For each
// query: UDP to the preferred endpoint, TCP retry on TC=1 (inside the
// client), next endpoint on timeout. Sustained failure rotates the
// preferred endpoint; per-endpoint backoff keeps flapping servers out of
// the hot path.
type Forwarder struct {
	Upstreams []string
	Client    core.Exchanger
	Filters   *Filters
	Timeout   time.Duration
	Stats     *StatsT
	Verbose   bool
	Debug     bool

	mu        sync.Mutex
	preferred int
	failures  map[string]int
	backoff   map[string]time.Time
}

func NewForwarder(upstreams []string, client core.Exchanger, filters *Filters, stats *StatsT) (*Forwarder, error) {
	if len(upstreams) == 0 {
		return nil, fmt.Errorf("forwarder: no upstreams configured")
	}
	if client == nil {
		client = core.NewDNSClient("53")
	}
	return &Forwarder{
		Upstreams: upstreams,
		Client:    client,
		Filters:   filters,
		Timeout:   DefaultUpstreamTimeout,
		Stats:     stats,
		failures:  make(map[string]int),
		backoff:   make(map[string]time.Time),
	}, nil
}

// Query forwards <qname, qtype, qclass> and returns the upstream response.
// RA/AA/AD rewriting happens later, in the dispatcher.
func (fwd *Forwarder) Query(ctx context.Context, qname string, qtype, qclass uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(qname), qtype)
	m.Question[0].Qclass = qclass
	m.RecursionDesired = true
	core.AttachEDNS(m)

	now := time.Now()
	order := fwd.endpointOrder()

	var lastErr error
	for _, upstream := range order {
		if fwd.Filters != nil && !fwd.Filters.AddressAllowed(upstream) {
			// Treated exactly like an unreachable upstream.
			lastErr = fmt.Errorf("upstream %s blocked by destination policy", upstream)
			continue
		}
		if fwd.backedOff(upstream, now) {
			continue
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		qctx, cancel := context.WithTimeout(ctx, fwd.Timeout)
		fwd.Stats.Incr(StatUpstreamQueries)
		r, _, err := fwd.Client.Exchange(qctx, m, upstream)
		cancel()
		if err != nil {
			if fwd.Verbose {
				log.Printf("Forwarder: upstream %s failed for \"%s %s\": %v", upstream, qname, dns.TypeToString[qtype], err)
			}
			fwd.recordFailure(upstream)
			lastErr = err
			continue
		}
		if r == nil {
			lastErr = fmt.Errorf("nil response from upstream %s", upstream)
			fwd.recordFailure(upstream)
			continue
		}
		fwd.recordSuccess(upstream)
		return r, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("all upstreams backed off or blocked")
	}
	return nil, fmt.Errorf("forwarder: all upstreams exhausted for \"%s %s\": %v", qname, dns.TypeToString[qtype], lastErr)
}

// endpointOrder returns the upstream list rotated so that the preferred
// endpoint comes first.
func (fwd *Forwarder) endpointOrder() []string {
	fwd.mu.Lock()
	defer fwd.mu.Unlock()
	n := len(fwd.Upstreams)
	order := make([]string, 0, n)
	for i := 0; i < n; i++ {
		order = append(order, fwd.Upstreams[(fwd.preferred+i)%n])
	}
	return order
}

func (fwd *Forwarder) backedOff(upstream string, now time.Time) bool {
	fwd.mu.Lock()
	defer fwd.mu.Unlock()
	until, ok := fwd.backoff[upstream]
	return ok && now.Before(until)
}

func (fwd *Forwarder) recordFailure(upstream string) {
	fwd.mu.Lock()
	defer fwd.mu.Unlock()
	fwd.failures[upstream]++
	n := fwd.failures[upstream]
	d := 30 * time.Second
	if n <= 4 {
		d = (2 << (n - 1)) * time.Second
	}
	fwd.backoff[upstream] = time.Now().Add(d)
	// Round-robin the preferred endpoint away from a timing-out server.
	if len(fwd.Upstreams) > 1 && fwd.Upstreams[fwd.preferred] == upstream {
		fwd.preferred = (fwd.preferred + 1) % len(fwd.Upstreams)
		log.Printf("Forwarder: rotating preferred upstream to %s", fwd.Upstreams[fwd.preferred])
	}
}

func (fwd *Forwarder) recordSuccess(upstream string) {
	fwd.mu.Lock()
	defer fwd.mu.Unlock()
	delete(fwd.failures, upstream)
	delete(fwd.backoff, upstream)
}
