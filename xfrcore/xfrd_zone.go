/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package xfrcore

import (
	"sync"
	"time"

	"github.com/miekg/dns"
)

// XfrdMaxRounds is how many full rounds over the master list are tried
// before backing off to `retry` (§4.7).
const XfrdMaxRounds = 3

// XfrdNoIxfrCache is how long a master stays flagged ixfr-disabled after
// a NOTIMPL/FORMERR/serial-mismatch response, seconds (§4.7).
const XfrdNoIxfrCache = 172800 * time.Second

// XfrdUDPTimeout and XfrdTCPTimeout bound a single UDP probe / TCP
// transfer attempt (§5 Timeouts).
const (
	XfrdUDPTimeout = 5 * time.Second
	XfrdTCPTimeout = 120 * time.Second
)

// MasterState tracks one configured master's negative-IXFR cache, per
// "Negative caching" in §4.7.
type MasterState struct {
	Conf           MasterConf
	IxfrDisabled   bool
	IxfrDisabledAt time.Time
}

// InFlight is the in-progress response being assembled for the current
// attempt (§3 Data Model, "In-flight message").
type InFlight struct {
	QueryID          uint16
	Seq              int
	RRCount          int
	OldSerial        uint32
	NewSerial        uint32
	IsIXFR           bool
	RetransferForced bool

	soasSeen int
	deleting bool // IXFR: toggles between delete-RRs and add-RRs on each interior SOA
}

// ZoneState is the per-zone inbound transfer state, §3's `xfrd` struct.
// The two C-source mutexes (serial_lock, rw_lock) are modelled as
// explicit fields rather than one coarse lock, preserving the documented
// lock order zone_lock -> rw_lock -> serial_lock (§5).
type ZoneState struct {
	serialMu sync.Mutex
	rwMu     sync.Mutex

	Name    string
	Masters []*MasterState

	CurrentMasterIdx   int
	NextMasterOverride int // -1 = none
	RoundNum           int

	SerialXfr            uint32
	SerialXfrAcquired    time.Time
	SerialDisk           uint32
	SerialDiskAcquired   time.Time
	SerialNotify         uint32
	SerialNotifyAcquired time.Time
	haveSerialNotify     bool

	CachedSOA *SOA

	TCPSlot    int // -1 = none
	UDPWaiting bool

	InFlight *InFlight
	Tsig     *RR

	clock Clock
}

// NewZoneState builds a fresh, idle zone state over masters in
// configuration order.
func NewZoneState(name string, masters []MasterConf, clock Clock) *ZoneState {
	if clock == nil {
		clock = WallClock{}
	}
	ms := make([]*MasterState, len(masters))
	for i, m := range masters {
		ms[i] = &MasterState{Conf: m}
	}
	return &ZoneState{
		Name:               name,
		Masters:            ms,
		NextMasterOverride: -1,
		TCPSlot:            -1,
		clock:              clock,
	}
}

// CurrentMaster returns the master the active round is trying, or nil if
// there are none configured.
func (z *ZoneState) CurrentMaster() *MasterState {
	if len(z.Masters) == 0 {
		return nil
	}
	return z.Masters[z.CurrentMasterIdx]
}

// StartRound begins a fresh round. If notifiedMasterIdx >= 0, that master
// is honoured once as the starting point ("next_master is honoured once
// (fresh round starts there)"); otherwise the round starts at the head of
// the configured list.
func (z *ZoneState) StartRound(notifiedMasterIdx int) {
	z.RoundNum = 0
	if notifiedMasterIdx >= 0 && notifiedMasterIdx < len(z.Masters) {
		z.CurrentMasterIdx = notifiedMasterIdx
	} else {
		z.CurrentMasterIdx = 0
	}
}

// AdvanceMaster moves to the next master, wrapping to a new round. It
// returns false once XfrdMaxRounds full rounds have been exhausted,
// meaning the caller should back off until `retry`.
func (z *ZoneState) AdvanceMaster() bool {
	if len(z.Masters) == 0 {
		return false
	}
	z.CurrentMasterIdx++
	if z.CurrentMasterIdx >= len(z.Masters) {
		z.CurrentMasterIdx = 0
		z.RoundNum++
	}
	return z.RoundNum < XfrdMaxRounds
}

// MarkIxfrDisabled flags master as unable to serve IXFR, starting the
// XfrdNoIxfrCache cool-down window.
func (z *ZoneState) MarkIxfrDisabled(masterIdx int, now time.Time) {
	m := z.Masters[masterIdx]
	m.IxfrDisabled = true
	m.IxfrDisabledAt = now
}

// IxfrAllowed reports whether IXFR may be attempted against master,
// clearing an expired negative-cache flag as a side effect.
func (z *ZoneState) IxfrAllowed(masterIdx int, now time.Time) bool {
	m := z.Masters[masterIdx]
	if !m.IxfrDisabled {
		return true
	}
	if now.Sub(m.IxfrDisabledAt) > XfrdNoIxfrCache {
		m.IxfrDisabled = false
		return true
	}
	return false
}

// WireChoice is the result of the "Per-attempt wire choice" decision.
type WireChoice int

const (
	WireUDPIXFR WireChoice = iota
	WireTCPIXFR
	WireTCPAXFR
)

// ChooseWire implements §4.7's "Per-attempt wire choice": UDP IXFR only
// when we already have a baseline serial, the current master allows
// IXFR, and no retransfer is forced; otherwise TCP, AXFR or IXFR
// depending on the same IXFR-allowed predicate.
func (z *ZoneState) ChooseWire(now time.Time, retransferForced bool) WireChoice {
	haveBaseline := z.SerialXfr > 0
	ixfrOK := z.IxfrAllowed(z.CurrentMasterIdx, now)
	switch {
	case haveBaseline && ixfrOK && !retransferForced:
		return WireUDPIXFR
	case haveBaseline && ixfrOK:
		return WireTCPIXFR
	default:
		return WireTCPAXFR
	}
}

// Classify is the wire-protocol-agnostic classifier: it inspects a
// decoded response (using github.com/miekg/dns's RR types, per
// SPEC_FULL.md §B — the wire buffer itself only frames and signs, it
// does not re-implement every RR's RDATA grammar) against the zone's
// cached state and the in-flight message, and returns one of
// {BAD, MORE, NOTIMPL, TC, XFR, NEWLEASE} per §4.7.
func Classify(z *ZoneState, resp *dns.Msg, viaUDP bool) ClassifyResult {
	if resp.Truncated && viaUDP {
		return ClassifyTC
	}
	if resp.Rcode == dns.RcodeNotImplemented || resp.Rcode == dns.RcodeFormatError {
		return ClassifyNotImpl
	}

	first := z.InFlight == nil || z.InFlight.Seq == 0
	if len(resp.Answer) == 0 {
		if first {
			return ClassifyBad
		}
		return ClassifyMore
	}

	if z.InFlight == nil {
		z.InFlight = &InFlight{QueryID: resp.Id}
	}
	fl := z.InFlight

	idx := 0
	if first {
		soa, ok := resp.Answer[0].(*dns.SOA)
		if !ok {
			return ClassifyBad
		}
		newSerial := soa.Serial

		if newSerial == z.SerialDisk && !z.haveSerialNotify {
			return ClassifyNewLease
		}
		if !SerialGT(newSerial, z.SerialDisk) && !fl.RetransferForced {
			return ClassifyBad
		}
		fl.NewSerial = newSerial
		fl.soasSeen = 1
		idx = 1

		if len(resp.Answer) == 1 {
			if viaUDP {
				return ClassifyBad // only TCP may span packets
			}
			return ClassifyMore
		}

		// Per RFC 1995: the second answer RR decides the response shape.
		// If it is not itself an SOA, this is a plain AXFR-style transfer
		// (the zone's first real RR just happens to follow the opening
		// SOA) rather than the incremental SOA/delete/SOA/add framing, so
		// it falls through to the generic scan below starting at idx=1.
		if second, ok := resp.Answer[1].(*dns.SOA); ok {
			if second.Serial == newSerial {
				fl.IsIXFR = false
			} else if SerialGT(newSerial, second.Serial) {
				fl.IsIXFR = true
				fl.OldSerial = second.Serial
				fl.deleting = true
			} else {
				return ClassifyBad
			}
			fl.soasSeen = 2
			idx = 2
		}
	}

	for ; idx < len(resp.Answer); idx++ {
		if soa, ok := resp.Answer[idx].(*dns.SOA); ok {
			fl.soasSeen++
			if fl.IsIXFR {
				// Each SOA alternates delete/add sections. A SOA whose
				// serial matches NewSerial only closes the transfer when
				// it ends an add section (wasDeleting false) — the same
				// serial also appears on the SOA that *opens* the final
				// diff's add section, which must not be mistaken for the
				// closing SOA.
				wasDeleting := fl.deleting
				fl.deleting = !fl.deleting
				if !wasDeleting && soa.Serial == fl.NewSerial {
					return ClassifyXFR
				}
				continue
			}
			if soa.Serial == fl.NewSerial {
				return ClassifyXFR
			}
		}
	}

	fl.Seq++
	fl.RRCount += len(resp.Answer)
	if viaUDP {
		return ClassifyBad // a UDP response must complete in a single packet
	}
	return ClassifyMore
}

// ResetInFlight clears per-attempt state, called at the start of every
// new master attempt.
func (z *ZoneState) ResetInFlight(retransferForced bool) {
	z.InFlight = &InFlight{RetransferForced: retransferForced}
}

// ApplySerialDisk updates serial_disk/serial_disk_acquired on a completed
// transfer (§4.7 "Journal discipline", step 2): a monotonic bump if the
// new serial ties the previous one, matching "monotonic bump if equal to
// previous."
func (z *ZoneState) ApplySerialDisk(newSerial uint32, now time.Time) {
	z.serialMu.Lock()
	defer z.serialMu.Unlock()
	if newSerial == z.SerialDisk {
		newSerial++
	}
	z.SerialDisk = newSerial
	z.SerialDiskAcquired = now
}

// ShouldSignalZoneApply implements step 3 of the journal discipline:
// signal the zone-apply task if a retransfer was forced or serial_disk
// now exceeds serial_xfr.
func (z *ZoneState) ShouldSignalZoneApply(retransferForced bool) bool {
	z.serialMu.Lock()
	defer z.serialMu.Unlock()
	return retransferForced || SerialGT(z.SerialDisk, z.SerialXfr)
}

// RoundShouldEnd implements step 4: the round ends once serial_disk
// satisfies the notified serial (or there was no pending NOTIFY).
func (z *ZoneState) RoundShouldEnd() bool {
	z.serialMu.Lock()
	defer z.serialMu.Unlock()
	if !z.haveSerialNotify {
		return true
	}
	return SerialGE(z.SerialDisk, z.SerialNotify)
}

// NoteNotify records an incoming NOTIFY's serial hint (the SOA carried in
// the NOTIFY's answer section, if any) as the target to chase, and
// returns the index of the notifying master if it is a configured one
// (for the "next_master honoured once" rule), or -1 otherwise.
func (z *ZoneState) NoteNotify(fromAddr string, serial uint32, hasSerial bool, now time.Time) int {
	z.serialMu.Lock()
	z.haveSerialNotify = hasSerial
	if hasSerial {
		z.SerialNotify = serial
		z.SerialNotifyAcquired = now
	}
	z.serialMu.Unlock()

	for i, m := range z.Masters {
		if m.Conf.Address == fromAddr {
			return i
		}
	}
	return -1
}

// Expired reports whether no successful transfer has landed within
// expire seconds of the last success (§8 scenario 5).
func (z *ZoneState) Expired(expire time.Duration, now time.Time) bool {
	if z.SerialXfrAcquired.IsZero() {
		return false
	}
	return now.Sub(z.SerialXfrAcquired) > expire
}
