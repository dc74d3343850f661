/*
 * Copyright (c) 2025 rdnsd project
 */

package core

import (
	"context"
	"log"
	"net"
	"time"

	"github.com/miekg/dns"
)

// Exchanger is the network oracle used by the forwarder and the iterative
// resolver. Tests inject scripted implementations; production code uses
// DNSClient. addr is a bare IP or host; the implementation appends its port.
type Exchanger interface {
	Exchange(ctx context.Context, msg *dns.Msg, addr string) (*dns.Msg, time.Duration, error)
}

// DNSClient is a plain Do53 client. Queries go out over UDP first; a
// truncated response (TC=1) is retried over TCP against the same server.
type DNSClient struct {
	Port            string
	Timeout         time.Duration
	DNSClientUDP    *dns.Client
	DNSClientTCP    *dns.Client
	DisableFallback bool
	ForceTCP        bool
}

type DNSClientOption func(*DNSClient)

func WithDisableFallback() DNSClientOption {
	return func(c *DNSClient) {
		c.DisableFallback = true
	}
}

func WithForceTCP() DNSClientOption {
	return func(c *DNSClient) {
		c.ForceTCP = true
	}
}

func WithTimeout(d time.Duration) DNSClientOption {
	return func(c *DNSClient) {
		c.Timeout = d
		c.DNSClientUDP.Timeout = d
		c.DNSClientTCP.Timeout = d
	}
}

func NewDNSClient(port string, opts ...DNSClientOption) *DNSClient {
	client := &DNSClient{
		Port:         port,
		Timeout:      2 * time.Second,
		DNSClientUDP: &dns.Client{Net: "udp", Timeout: 2 * time.Second},
		DNSClientTCP: &dns.Client{Net: "tcp", Timeout: 2 * time.Second},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// Exchange sends a DNS message and returns the response. The transaction ID
// is randomized per query (dns.Client discards responses with a mismatched
// ID or source address) and the source port is an OS-chosen ephemeral port.
func (c *DNSClient) Exchange(ctx context.Context, msg *dns.Msg, server string) (*dns.Msg, time.Duration, error) {
	addr := server
	if _, _, err := net.SplitHostPort(server); err != nil {
		addr = net.JoinHostPort(server, c.Port)
	}

	if c.ForceTCP {
		return c.DNSClientTCP.ExchangeContext(ctx, msg, addr)
	}
	r, rtt, err := c.DNSClientUDP.ExchangeContext(ctx, msg, addr)
	if err == nil && r != nil && r.Truncated && !c.DisableFallback {
		log.Printf("Do53: UDP response from %s truncated (TC=1); retrying over TCP", addr)
		return c.DNSClientTCP.ExchangeContext(ctx, msg, addr)
	}
	return r, rtt, err
}
