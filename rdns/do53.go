/*
 * Copyright (c) 2025 rdnsd project
 */

package rdns

import (
	"context"
	"log"
	"time"

	"github.com/miekg/dns"
)

// MsgAcceptFunc rejects malformed client messages before they reach the
// handler. dns.Server answers rejected messages on its own: FORMERR for
// bad section counts, NOTIMP for opcodes other than QUERY. Messages with
// QR=1 are ignored.
func MsgAcceptFunc(dh dns.Header) dns.MsgAcceptAction {
	if isResponse := dh.Bits&(1<<15) != 0; isResponse {
		return dns.MsgIgnore
	}
	opcode := int(dh.Bits>>11) & 0xF
	if opcode != dns.OpcodeQuery {
		return dns.MsgRejectNotImplemented
	}
	// Impossible section counts for a query.
	if dh.Qdcount != 1 {
		return dns.MsgReject
	}
	if dh.Ancount > 0 {
		return dns.MsgReject
	}
	if dh.Nscount > 0 {
		return dns.MsgReject
	}
	if dh.Arcount > 2 {
		return dns.MsgReject
	}
	return dns.MsgAccept
}

// DnsEngine starts the UDP and TCP listeners sharing one dispatcher
// handler, and shuts them down gracefully when ctx is cancelled.
func DnsEngine(ctx context.Context, conf *Config, handler dns.HandlerFunc) error {
	mux := dns.NewServeMux()
	mux.HandleFunc(".", handler)

	type listener struct {
		addr string
		net  string
	}
	listeners := []listener{
		{conf.ListenUDP, "udp"},
		{conf.ListenTCP, "tcp"},
	}

	servers := make([]*dns.Server, 0, len(listeners))
	for _, l := range listeners {
		server := &dns.Server{
			Addr:          l.addr,
			Net:           l.net,
			Handler:       mux,
			MsgAcceptFunc: MsgAcceptFunc,
			UDPSize:       dns.DefaultMsgSize,
			IdleTimeout: func() time.Duration {
				return DefaultTCPIdleTimeout
			},
		}
		servers = append(servers, server)
		go func(s *dns.Server, addr, transport string) {
			log.Printf("DnsEngine: serving on %s (%s)", addr, transport)
			if err := s.ListenAndServe(); err != nil {
				log.Printf("Failed to setup the %s server: %s", transport, err.Error())
			}
		}(server, l.addr, l.net)
	}

	// Graceful shutdown: stop accepting, drain in-flight work up to 5s.
	go func() {
		<-ctx.Done()
		log.Printf("DnsEngine: ctx cancelled: shutting down servers (%d)", len(servers))
		for _, s := range servers {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.ShutdownContext(sctx); err != nil {
				log.Printf("DnsEngine: error shutting down %s/%s server: %v", s.Addr, s.Net, err)
			}
			cancel()
		}
	}()

	return nil
}
