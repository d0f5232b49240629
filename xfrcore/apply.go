/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package xfrcore

import (
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

// ZoneApplier is the external "zone-apply" collaborator named only by
// interface in §1 PURPOSE & SCOPE: the named-database that stores
// canonical zone contents lives outside this package, identified by zone
// name.
type ZoneApplier interface {
	// ApplyAXFR replaces the zone's entire content with rrs (the apex SOA
	// is included as the first element).
	ApplyAXFR(zone string, rrs []dns.RR) error
	// ApplyIXFR applies one add/delete diff sequence, as parsed from the
	// journal packet (not compressed), to the zone's current content.
	ApplyIXFR(zone string, diff DiffSequence) error
}

// ApplyJournal reads every complete packet from the zone's `<zone>.xfrd`
// journal (§4.10 Journal reader) and hands each one to applier in order,
// returning the serial the zone now holds. A structurally incomplete
// trailing packet has already been rolled back by ReadPackets (§4.7 crash
// recovery); this function only ever sees complete packets.
func ApplyJournal(path, apex string, applier ZoneApplier) (uint32, error) {
	packets, err := ReadPackets(path)
	if err != nil {
		return 0, fmt.Errorf("xfrcore: apply: %w", err)
	}
	if len(packets) == 0 {
		return 0, fmt.Errorf("xfrcore: apply: journal %s has no complete packets", path)
	}

	var serial uint32
	for i, pkt := range packets {
		rrs, err := parsePacketRRs(pkt)
		if err != nil {
			return 0, fmt.Errorf("xfrcore: apply: packet %d: %w", i, err)
		}
		s, err := applyPacket(apex, rrs, applier)
		if err != nil {
			return 0, fmt.Errorf("xfrcore: apply: packet %d: %w", i, err)
		}
		serial = s
	}
	return serial, nil
}

// parsePacketRRs parses one journal packet's master-file text lines into
// RRs, preserving order.
func parsePacketRRs(pkt Packet) ([]dns.RR, error) {
	rrs := make([]dns.RR, 0, len(pkt.Lines))
	for i, line := range pkt.Lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		rr, err := dns.NewRR(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i, err)
		}
		rrs = append(rrs, rr)
	}
	return rrs, nil
}

// applyPacket implements the per-packet rule from §4.10: the first RR
// must be SOA for the apex, the second RR decides AXFR (same/new serial)
// vs IXFR (smaller serial, entering delete mode and flipping on each
// intra-packet SOA).
func applyPacket(apex string, rrs []dns.RR, applier ZoneApplier) (uint32, error) {
	if len(rrs) == 0 {
		return 0, fmt.Errorf("empty packet")
	}
	soa, ok := rrs[0].(*dns.SOA)
	if !ok {
		return 0, fmt.Errorf("first RR is not SOA")
	}
	if !EqualNames(soa.Header().Name, apex) {
		return 0, fmt.Errorf("first RR SOA owner %q does not match zone apex %q", soa.Header().Name, apex)
	}
	newSerial := soa.Serial

	if len(rrs) == 1 {
		return 0, fmt.Errorf("packet has only the opening SOA")
	}

	t, err := ParseTransfer(apex, rrs)
	if err != nil {
		return 0, err
	}

	if t.IsAXFR {
		if err := applier.ApplyAXFR(apex, rrs); err != nil {
			return 0, fmt.Errorf("apply axfr: %w", err)
		}
		return newSerial, nil
	}

	for _, d := range t.Diffs {
		if err := applier.ApplyIXFR(apex, d); err != nil {
			return 0, fmt.Errorf("apply ixfr diff %d->%d: %w", d.StartSOASerial, d.EndSOASerial, err)
		}
	}
	return newSerial, nil
}
