/*
 * Copyright (c) 2025 rdnsd project
 */

package core

import (
	"github.com/miekg/dns"
)

// AdvertisedUDPSize is the EDNS0 payload size this engine advertises in
// its own responses and outbound queries (RFC 8900 flag-day value).
const AdvertisedUDPSize = 1232

// MinUDPSize and MaxUDPSize bound the client-advertised payload size we
// honor. Anything below 512 is treated as 512; anything above 4096 as 4096.
const (
	MinUDPSize = 512
	MaxUDPSize = 4096
)

// MsgOptions carries the client-request flags and EDNS0 state that the
// dispatcher needs when shaping the response.
type MsgOptions struct {
	RD      bool
	CD      bool
	DO      bool
	HasEDNS bool
	UDPSize uint16
}

func ExtractMsgOptions(r *dns.Msg) *MsgOptions {
	msgoptions := &MsgOptions{
		RD:      r.MsgHdr.RecursionDesired,
		CD:      r.MsgHdr.CheckingDisabled,
		UDPSize: MinUDPSize,
	}
	opt := r.IsEdns0()
	if opt == nil {
		return msgoptions
	}
	msgoptions.HasEDNS = true
	msgoptions.DO = opt.Do()
	size := opt.UDPSize()
	switch {
	case size < MinUDPSize:
		msgoptions.UDPSize = MinUDPSize
	case size > MaxUDPSize:
		msgoptions.UDPSize = MaxUDPSize
	default:
		msgoptions.UDPSize = size
	}
	return msgoptions
}

// ShapeReply builds the skeleton of a response to r. Every response this
// engine emits goes through here: QR=1, AA=0, AD=0, CD echoed, RA per
// configuration, transaction ID and the question section (original case
// included) copied from the request.
func ShapeReply(r *dns.Msg, recursionAvailable bool, msgoptions *MsgOptions) *dns.Msg {
	m := new(dns.Msg)
	m.SetReply(r)
	m.RecursionAvailable = recursionAvailable
	m.Authoritative = false
	m.AuthenticatedData = false
	if msgoptions != nil {
		m.CheckingDisabled = msgoptions.CD
	}
	if msgoptions != nil && msgoptions.HasEDNS {
		m.SetEdns0(AdvertisedUDPSize, false)
	}
	return m
}

// AttachEDNS adds our OPT record to an outbound query.
func AttachEDNS(m *dns.Msg) {
	m.SetEdns0(AdvertisedUDPSize, false)
}

// TruncateToSize shortens m so that its packed form fits within size
// octets, setting TC=1 when anything was dropped. miekg/dns truncates at
// record boundaries, never mid-RR.
func TruncateToSize(m *dns.Msg, size uint16) {
	if m == nil {
		return
	}
	m.Truncate(int(size))
}
