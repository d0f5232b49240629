/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package xfrcore

import (
	"fmt"

	"github.com/miekg/dns"
)

// DiffSequence is one (delete-rrs, add-rrs) pair bracketed by two SOAs in
// an IXFR response or journal packet, per §4.7's "pairs are 'deleted-RRs
// followed by added-RRs' within decreasing -> increasing serial pairs."
type DiffSequence struct {
	StartSOASerial uint32
	EndSOASerial   uint32
	Deleted        []dns.RR
	Added          []dns.RR
}

// Transfer is the parsed, in-memory form of one complete AXFR or IXFR
// response/journal packet: either a flat RR set (AXFR) or an ordered list
// of diff sequences from OldSerial to NewSerial (IXFR).
type Transfer struct {
	Zone      string
	IsAXFR    bool
	OldSerial uint32 // IXFR: the client's starting serial; AXFR: unused
	NewSerial uint32

	AXFRRRs []dns.RR       // ordered RRs between the opening and closing SOA
	Diffs   []DiffSequence // IXFR only, in chronological (oldest-first) order
}

// ParseTransfer interprets a decoded response's answer section (apex SOA
// first, as already validated by Classify) into a Transfer, applying the
// same first/second-RR rule as §4.7's packet classifier: second RR equal
// to the first's serial means AXFR, a smaller serial means IXFR.
func ParseTransfer(zone string, answer []dns.RR) (*Transfer, error) {
	if len(answer) == 0 {
		return nil, fmt.Errorf("xfrcore: ixfr: empty answer section")
	}
	first, ok := answer[0].(*dns.SOA)
	if !ok {
		return nil, fmt.Errorf("xfrcore: ixfr: first RR is not SOA")
	}
	t := &Transfer{Zone: zone, NewSerial: first.Serial}

	if len(answer) == 1 {
		return nil, fmt.Errorf("xfrcore: ixfr: single-RR answer section")
	}
	second, isSOA := answer[1].(*dns.SOA)
	if !isSOA || second.Serial == first.Serial {
		t.IsAXFR = true
		t.AXFRRRs = answer[1 : len(answer)-1] // exclude closing SOA, mirrored by caller
		return t, nil
	}

	t.OldSerial = second.Serial
	deleting := true
	cur := DiffSequence{StartSOASerial: second.Serial}
	for _, rr := range answer[2:] {
		if soa, ok := rr.(*dns.SOA); ok {
			if deleting {
				cur.EndSOASerial = soa.Serial
				deleting = false
				continue
			}
			t.Diffs = append(t.Diffs, cur)
			if soa.Serial == t.NewSerial {
				break
			}
			cur = DiffSequence{StartSOASerial: soa.Serial}
			deleting = true
			continue
		}
		if deleting {
			cur.Deleted = append(cur.Deleted, rr)
		} else {
			cur.Added = append(cur.Added, rr)
		}
	}
	return t, nil
}

// Compressed folds every diff sequence's add/delete sets into one,
// cancelling out RRs that were both deleted and re-added (a later add of
// an identical RR a prior sequence deleted nets to "unchanged"), the
// net effect the zone-apply collaborator actually needs to reach the
// final state from the starting one in a single pass.
func (t *Transfer) Compressed() DiffSequence {
	out := DiffSequence{StartSOASerial: t.OldSerial, EndSOASerial: t.NewSerial}
	var added, deleted []dns.RR
	for _, d := range t.Diffs {
		added = append(added, d.Added...)
		deleted = append(deleted, d.Deleted...)
	}
	out.Added = rrSetDifference(added, deleted)
	out.Deleted = rrSetDifference(deleted, added)
	return out
}

// rrSetDifference returns the RRs in a that are not cancelled out by an
// equal-count occurrence in b, keyed by the RR's full text form (so e.g.
// 2 added copies of one NS record against 1 deleted copy yields 1
// net-added copy, while RRs differing only in RDATA never cancel).
func rrSetDifference(a, b []dns.RR) []dns.RR {
	counts := make(map[string]int, len(a))
	texts := make(map[string][]dns.RR, len(a))
	key := func(rr dns.RR) string { return rr.String() }
	for _, rr := range a {
		k := key(rr)
		counts[k]++
		texts[k] = append(texts[k], rr)
	}
	for _, rr := range b {
		k := key(rr)
		if counts[k] > 0 {
			counts[k]--
			texts[k] = texts[k][1:]
		}
	}
	var out []dns.RR
	for _, rrs := range texts {
		out = append(out, rrs...)
	}
	return out
}
