/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package xfrcore

import (
	"fmt"
	"time"

	"github.com/miekg/dns"
)

// NextAction is what the reactor glue (cmd/xfrd) must do after one
// classified response, the decision table underlying §4.7's attempt
// lifecycle.
type NextAction int

const (
	ActionKeepReading     NextAction = iota // MORE: stay on the same TCP connection
	ActionRetryTCP                          // TC on the UDP probe: reopen on TCP, same master, same round
	ActionRetryTCPNoIxfr                     // NOTIMPL: master can't do IXFR, retry AXFR on TCP, same master
	ActionAdvanceMaster                      // BAD, or round exhausted at this master
	ActionRoundDone                          // XFR/NEWLEASE and the notified serial (if any) is satisfied
	ActionRoundContinues                     // XFR/NEWLEASE landed but a higher notified serial is still pending
	ActionBackoffRetry                       // every master tried XfrdMaxRounds times with no success
)

// BuildQuery renders the outbound AXFR/IXFR (or UDP-IXFR probe) query for
// one attempt, carrying the zone's current on-disk serial as the IXFR
// baseline per §4.7 ("queries always carry serial_disk as the IXFR
// baseline, never serial_xfr").
func BuildQuery(z *ZoneState, wire WireChoice, id uint16) *dns.Msg {
	m := new(dns.Msg)
	m.Id = id
	m.Opcode = dns.OpcodeQuery
	qtype := uint16(TypeAXFR)
	if wire != WireTCPAXFR {
		qtype = TypeIXFR
	}
	m.Question = []dns.Question{{Name: dns.Fqdn(z.Name), Qtype: qtype, Qclass: dns.ClassINET}}
	if qtype == TypeIXFR {
		soa := &dns.SOA{
			Hdr:    dns.RR_Header{Name: dns.Fqdn(z.Name), Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: 0},
			Serial: z.SerialDisk,
		}
		m.Ns = []dns.RR{soa}
	}
	return m
}

// SignQuery packs m and, when tsigRR is non-nil, appends a freshly
// signed TSIG RR over it, matching the request side of the same
// Prepare/Update/Sign/Append pipeline §4.9's outbound responses use
// (RFC 8945's query/response symmetry: the first message in any
// exchange always carries the full variables block).
func SignQuery(m *dns.Msg, tsigRR *RR, now time.Time) ([]byte, error) {
	wire, err := m.Pack()
	if err != nil {
		return nil, fmt.Errorf("xfrcore: engine: pack query: %w", err)
	}
	if tsigRR == nil {
		return wire, nil
	}
	tsigRR.OriginalQueryID = m.Id
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

// JournalWriter is the per-zone collaborator that appends one received
// response packet's RRs to the crash-safe transfer journal (§4.10); the
// concrete *Journal satisfies it directly.
type JournalWriter interface {
	BeginPacket() error
	AppendRR(line string) error
	EndPacket() error
	AbandonPacket() error
}

// VerifyResponseTSIG checks one inbound response's TSIG RR (if any)
// against tsigRR's chained prior MAC, per §4.2. A master that signs its
// first response but omits TSIG on later continuation packets is
// rejected only after MaxUnsignedResponses consecutive lapses — that
// tolerance is tracked by the caller via RR.NoteUnsigned/NoteSigned
// (tsig.go), not here.
func VerifyResponseTSIG(reg *Registry, tsigRR *RR, wire []byte, now time.Time) (TsigErrorKind, error) {
	buf, err := NewBuffer(len(wire))
	if err != nil {
		return TsigNotPresent, err
	}
	if err := buf.WriteBytes(wire); err != nil {
		return TsigNotPresent, err
	}
	found, err := Find(buf)
	if err != nil {
		return TsigNotPresent, err
	}
	if found == nil {
		return TsigNotPresent, nil // caller applies the unsigned-response tolerance via RR.NoteUnsigned
	}
	kind, _, _, key, algo := Lookup(reg, found, now)
	if kind != TsigOK {
		return kind, nil
	}
	vkind, _ := Verify(reg, key, algo, buf.PayloadBytes(), found, tsigRR.PriorMAC(), tsigRR.timersOnlyExported())
	return vkind, nil
}

// timersOnlyExported is a small accessor so engine.go (same package) can
// read the unexported predicate without duplicating it; kept as a
// method rather than exporting timersOnly itself since nothing outside
// the package needs it.
func (t *RR) timersOnlyExported() bool { return t.timersOnly() }

// HandleResponse classifies one inbound wire response, advances the
// zone's in-flight bookkeeping, and appends its RRs to the journal when
// the response carries transfer content (every outcome except BAD, TC and
// NOTIMPL, which carry none). It returns the classification and the
// action the caller must take next.
func HandleResponse(z *ZoneState, jw JournalWriter, wire []byte, viaUDP bool, now time.Time) (ClassifyResult, NextAction, error) {
	m := new(dns.Msg)
	if err := m.Unpack(wire); err != nil {
		return ClassifyBad, ActionAdvanceMaster, fmt.Errorf("xfrcore: engine: unpack response: %w", err)
	}

	cr := Classify(z, m, viaUDP)

	switch cr {
	case ClassifyTC:
		return cr, ActionRetryTCP, nil
	case ClassifyNotImpl:
		z.MarkIxfrDisabled(z.CurrentMasterIdx, now)
		return cr, ActionRetryTCPNoIxfr, nil
	case ClassifyBad:
		return cr, ActionAdvanceMaster, nil
	}

	if err := appendResponseToJournal(jw, m); err != nil {
		return cr, ActionAdvanceMaster, err
	}

	if cr == ClassifyMore {
		return cr, ActionKeepReading, nil
	}

	// ClassifyXFR or ClassifyNewLease: a complete transfer landed.
	newSerial := z.InFlight.NewSerial
	if cr == ClassifyNewLease {
		newSerial = z.SerialDisk
	}
	z.ApplySerialDisk(newSerial, now)
	z.SerialXfr = newSerial
	z.SerialXfrAcquired = now
	if soa := lastSOAFromAnswer(m); soa != nil {
		z.CachedSOA = soa
	}

	if z.RoundShouldEnd() {
		return cr, ActionRoundDone, nil
	}
	return cr, ActionRoundContinues, nil
}

// lastSOAFromAnswer extracts the zone's own SOA fields from a landed
// transfer's answer section (always present: AXFR/IXFR responses open
// and close with the zone's SOA), for refresh/retry/expire scheduling.
func lastSOAFromAnswer(m *dns.Msg) *SOA {
	for i := len(m.Answer) - 1; i >= 0; i-- {
		if soa, ok := m.Answer[i].(*dns.SOA); ok {
			return &SOA{
				MName: soa.Ns, RName: soa.Mbox, Serial: soa.Serial,
				Refresh: soa.Refresh, Retry: soa.Retry, Expire: soa.Expire, Minimum: soa.Minttl,
			}
		}
	}
	return nil
}

// appendResponseToJournal frames one response message as a single
// journal packet, writing every answer RR in master-file text form
// (§4.10: "each packet is the verbatim sequence of RRs from one
// inbound response message").
func appendResponseToJournal(jw JournalWriter, m *dns.Msg) error {
	if jw == nil {
		return nil
	}
	if err := jw.BeginPacket(); err != nil {
		return fmt.Errorf("xfrcore: engine: journal begin: %w", err)
	}
	for _, rr := range m.Answer {
		if err := jw.AppendRR(rr.String()); err != nil {
			_ = jw.AbandonPacket()
			return fmt.Errorf("xfrcore: engine: journal append: %w", err)
		}
	}
	if err := jw.EndPacket(); err != nil {
		return fmt.Errorf("xfrcore: engine: journal end: %w", err)
	}
	return nil
}

// AdvanceOrBackoff applies the master-rotation half of §4.7's attempt
// lifecycle after ActionAdvanceMaster/ActionRetryTCPNoIxfr: it moves to
// the next master, returning ActionAdvanceMaster to keep going or
// ActionBackoffRetry once XfrdMaxRounds has been exhausted.
func AdvanceOrBackoff(z *ZoneState) NextAction {
	if z.AdvanceMaster() {
		return ActionAdvanceMaster
	}
	return ActionBackoffRetry
}

// RefreshDeadline computes the wall-clock time of the zone's next
// scheduled attempt after a successful round, from the landed SOA's
// REFRESH field (§4.7 "Round scheduling").
func RefreshDeadline(soa *SOA, now time.Time) time.Time {
	if soa == nil {
		return now.Add(XfrdTCPTimeout)
	}
	return now.Add(time.Duration(soa.Refresh) * time.Second)
}

// RetryDeadline computes the wall-clock time of the next attempt after a
// round failed to complete (master rotation exhausted), from the SOA's
// RETRY field. When no SOA has ever landed (soa is nil), a conservative
// fallback of XfrdTCPTimeout is used so a newly configured zone with an
// initially unreachable master still eventually retries.
func RetryDeadline(soa *SOA, now time.Time) time.Time {
	if soa == nil {
		return now.Add(XfrdTCPTimeout)
	}
	return now.Add(time.Duration(soa.Retry) * time.Second)
}

// ExpireDeadline computes the wall-clock time at which the zone's
// current content is considered expired absent a successful transfer,
// from the SOA's EXPIRE field (§8 scenario 5).
func ExpireDeadline(soa *SOA, lastSuccess time.Time) time.Time {
	if soa == nil {
		return lastSuccess
	}
	return lastSuccess.Add(time.Duration(soa.Expire) * time.Second)
}
