/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package xfrcore

import (
	"fmt"
	"time"

	"github.com/miekg/dns"
)

// MaxAnswerRRsPerPacket bounds how many RRs go into one AXFR/IXFR response
// packet before TSIG/length overhead is accounted for; the final guard is
// always the actual packed wire size against MaxTCPResponseSize.
const MaxAnswerRRsPerPacket = 150

// MaxTCPResponseSize is the largest a single framed TCP response message
// may be; §6 names UDP_MAX_MESSAGE_LEN (<=4096/512) but places no smaller
// bound on TCP, which the source fragments purely by RR count/overhead.
const MaxTCPResponseSize = 16384

// ContentProvider is the external "named-database" collaborator (§1):
// the canonical store of zone content and the journal-derived diff
// history the outbound server streams from.
type ContentProvider interface {
	// ApexSOA returns the zone's current SOA.
	ApexSOA(zone string) (*dns.SOA, error)
	// AllRRs returns every RR in the zone except the apex SOA, in a
	// stable order, for a full AXFR.
	AllRRs(zone string) ([]dns.RR, error)
	// IXFRDiffs returns the ordered diff sequences needed to bring a
	// client from clientSerial to the current serial. ok is false when
	// the journal does not cover clientSerial, meaning the caller must
	// fall back to AXFR.
	IXFRDiffs(zone string, clientSerial uint32) ([]DiffSequence, bool, error)
	// Expired reports whether the zone is currently in the expired state
	// (§8 scenario 5), in which case outbound queries get SERVFAIL.
	Expired(zone string) bool
}

// OutboundQuery is the minimal decoded shape of an inbound AXFR/IXFR
// query the outbound server needs to act on.
type OutboundQuery struct {
	ID           uint16
	Zone         string
	Qtype        uint16 // TypeAXFR or TypeIXFR
	ClientSerial uint32 // from the query's authority-section SOA, IXFR only
	HasClientSOA bool
}

// Responder streams AXFR/IXFR responses per §4.9: authorise (by the
// caller, via ACL, before calling Serve), then produce one or more
// fully-framed, TSIG-signed wire messages ready for TCP continuation.
type Responder struct {
	Content  ContentProvider
	Registry *Registry
	Clock    Clock
}

// NewResponder builds a Responder over a content provider and TSIG
// registry.
func NewResponder(content ContentProvider, reg *Registry, clock Clock) *Responder {
	if clock == nil {
		clock = WallClock{}
	}
	return &Responder{Content: content, Registry: reg, Clock: clock}
}

// Serve builds the full sequence of response packets for q. tsigRR is nil
// for an unsigned exchange (only legal when the provide-xfr ACL entry
// that authorised this peer required no TSIG); when non-nil it must
// already be Reset to the (key, algorithm) pair negotiated for the
// query, with OriginalQueryID and any prior request MAC installed by the
// caller (§4.2).
func (r *Responder) Serve(q OutboundQuery, tsigRR *RR) ([][]byte, error) {
	if r.Content.Expired(q.Zone) {
		return r.servfail(q, tsigRR)
	}

	soa, err := r.Content.ApexSOA(q.Zone)
	if err != nil {
		return nil, fmt.Errorf("xfrcore: outbound: apex soa for %s: %w", q.Zone, err)
	}

	var chunks [][]dns.RR
	if q.Qtype == TypeIXFR && q.HasClientSOA {
		diffs, ok, err := r.Content.IXFRDiffs(q.Zone, q.ClientSerial)
		if err != nil {
			return nil, fmt.Errorf("xfrcore: outbound: ixfr diffs: %w", err)
		}
		if ok {
			if q.ClientSerial == soa.Serial {
				// Client already current: a single-SOA "no changes" IXFR
				// response, the degenerate 1-RR case of §4.9.
				chunks = chunkRRs([]dns.RR{soa}, MaxAnswerRRsPerPacket)
			} else {
				chunks = chunkRRs(buildIXFRAnswer(soa, q.ClientSerial, diffs), MaxAnswerRRsPerPacket)
			}
		}
	}
	if chunks == nil {
		// AXFR, or IXFR falling back to AXFR because the journal does not
		// cover the client's serial (§4.9: "if not coverable, falls back
		// to AXFR").
		all, err := r.Content.AllRRs(q.Zone)
		if err != nil {
			return nil, fmt.Errorf("xfrcore: outbound: zone content: %w", err)
		}
		full := make([]dns.RR, 0, len(all)+2)
		full = append(full, soa)
		full = append(full, all...)
		full = append(full, soa)
		chunks = chunkRRs(full, MaxAnswerRRsPerPacket)
	}

	return r.packAndSign(q, chunks, tsigRR)
}

// servfail builds a single SERVFAIL response for an expired zone (§8
// scenario 5: "outbound AXFR responses to secondaries return RCODE
// SERVFAIL until a new transfer completes").
func (r *Responder) servfail(q OutboundQuery, tsigRR *RR) ([][]byte, error) {
	m := &dns.Msg{}
	m.Id = q.ID
	m.Response = true
	m.Authoritative = true
	m.Rcode = dns.RcodeServerFailure
	m.Question = []dns.Question{{Name: dns.Fqdn(q.Zone), Qtype: q.Qtype, Qclass: dns.ClassINET}}
	wire, err := signOnePacket(m, tsigRR, r.Clock.Now())
	if err != nil {
		return nil, err
	}
	return [][]byte{wire}, nil
}

// packAndSign renders each RR chunk into a full DNS message and signs it,
// threading TSIG's prior-MAC chaining and the "timers only from the
// second response on" elision rule (§4.2) automatically via tsigRR's own
// ResponseCount bookkeeping.
func (r *Responder) packAndSign(q OutboundQuery, chunks [][]dns.RR, tsigRR *RR) ([][]byte, error) {
	out := make([][]byte, 0, len(chunks))
	for _, chunk := range chunks {
		m := &dns.Msg{}
		m.Id = q.ID
		m.Response = true
		m.Authoritative = true
		m.Question = []dns.Question{{Name: dns.Fqdn(q.Zone), Qtype: q.Qtype, Qclass: dns.ClassINET}}
		m.Answer = chunk

		wire, err := signOnePacket(m, tsigRR, r.Clock.Now())
		if err != nil {
			return nil, err
		}
		if len(wire) > MaxTCPResponseSize {
			return nil, fmt.Errorf("xfrcore: outbound: packed response %d bytes exceeds %d", len(wire), MaxTCPResponseSize)
		}
		out = append(out, wire)
	}
	return out, nil
}

// signOnePacket packs msg, optionally appends and signs a TSIG RR over
// it, and returns the final wire bytes.
func signOnePacket(msg *dns.Msg, tsigRR *RR, now time.Time) ([]byte, error) {
	wire, err := msg.Pack()
	if err != nil {
		return nil, fmt.Errorf("xfrcore: outbound: pack: %w", err)
	}
	if tsigRR == nil {
		return wire, nil
	}

	buf, err := NewBuffer(len(wire) + 512)
	if err != nil {
		return nil, err
	}
	if err := buf.WriteBytes(wire); err != nil {
		return nil, err
	}
	if err := tsigRR.Prepare(); err != nil {
		return nil, err
	}
	if err := tsigRR.Update(buf.Bytes(), len(wire)); err != nil {
		return nil, err
	}
	mac, err := tsigRR.Sign(now)
	if err != nil {
		return nil, err
	}
	if err := tsigRR.Append(buf, mac); err != nil {
		return nil, err
	}
	return append([]byte(nil), buf.Bytes()[:buf.Position()]...), nil
}

// buildIXFRAnswer is the inverse of ParseTransfer/applyPacket: it renders
// an ordered diff-sequence list back into the wire-order RR list clients
// expect — final SOA, then for each diff (old-SOA, deleted RRs, new-SOA,
// added RRs), then the final SOA again to close the transfer — mirroring
// §3's "pairs are 'deleted-RRs followed by added-RRs'".
func buildIXFRAnswer(finalSOA *dns.SOA, clientSerial uint32, diffs []DiffSequence) []dns.RR {
	out := make([]dns.RR, 0, 2+2*len(diffs))
	out = append(out, finalSOA)
	for _, d := range diffs {
		startSOA := soaWithSerial(finalSOA, d.StartSOASerial)
		endSOA := soaWithSerial(finalSOA, d.EndSOASerial)
		out = append(out, startSOA)
		out = append(out, d.Deleted...)
		out = append(out, endSOA)
		out = append(out, d.Added...)
	}
	out = append(out, finalSOA)
	return out
}

// soaWithSerial copies base with a different serial, used when rendering
// the intermediate SOAs bracketing each diff sequence.
func soaWithSerial(base *dns.SOA, serial uint32) *dns.SOA {
	cp := *base
	cp.Serial = serial
	return &cp
}

// chunkRRs splits rrs into packets of at most n records each. A
// completely empty input yields one empty chunk so the caller still
// sends a (header-only) response.
func chunkRRs(rrs []dns.RR, n int) [][]dns.RR {
	if len(rrs) == 0 {
		return [][]dns.RR{nil}
	}
	var out [][]dns.RR
	for len(rrs) > 0 {
		end := n
		if end > len(rrs) {
			end = len(rrs)
		}
		out = append(out, rrs[:end])
		rrs = rrs[end:]
	}
	return out
}
