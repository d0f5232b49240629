package xfrcore

import (
	"testing"
	"time"

	"github.com/miekg/dns"
)

func TestChooseWirePrefersUDPIXFRWithBaseline(t *testing.T) {
	z := NewZoneState("example.com.", []MasterConf{{Address: "10.0.0.1"}}, nil)
	now := time.Unix(1700000000, 0)

	if got := z.ChooseWire(now, false); got != WireTCPAXFR {
		t.Errorf("with no baseline serial, ChooseWire = %v, want WireTCPAXFR", got)
	}

	z.SerialXfr = 5
	if got := z.ChooseWire(now, false); got != WireUDPIXFR {
		t.Errorf("with baseline and no forced retransfer, ChooseWire = %v, want WireUDPIXFR", got)
	}
	if got := z.ChooseWire(now, true); got != WireTCPIXFR {
		t.Errorf("with forced retransfer, ChooseWire = %v, want WireTCPIXFR", got)
	}

	z.MarkIxfrDisabled(0, now)
	if got := z.ChooseWire(now, false); got != WireTCPAXFR {
		t.Errorf("with ixfr disabled, ChooseWire = %v, want WireTCPAXFR", got)
	}
}

func TestIxfrAllowedClearsAfterCooldown(t *testing.T) {
	z := NewZoneState("example.com.", []MasterConf{{Address: "10.0.0.1"}}, nil)
	now := time.Unix(1700000000, 0)
	z.MarkIxfrDisabled(0, now)

	if z.IxfrAllowed(0, now.Add(time.Hour)) {
		t.Errorf("IxfrAllowed should still be false within the cooldown window")
	}
	if !z.IxfrAllowed(0, now.Add(XfrdNoIxfrCache+time.Second)) {
		t.Errorf("IxfrAllowed should clear once the cooldown window has elapsed")
	}
	if z.Masters[0].IxfrDisabled {
		t.Errorf("IxfrDisabled flag should have been cleared as a side effect")
	}
}

func TestAdvanceMasterWrapsAndCountsRounds(t *testing.T) {
	z := NewZoneState("example.com.", []MasterConf{{Address: "10.0.0.1"}, {Address: "10.0.0.2"}}, nil)

	if !z.AdvanceMaster() || z.CurrentMasterIdx != 1 {
		t.Fatalf("first AdvanceMaster: idx=%d, want 1", z.CurrentMasterIdx)
	}
	if !z.AdvanceMaster() || z.CurrentMasterIdx != 0 || z.RoundNum != 1 {
		t.Fatalf("second AdvanceMaster: idx=%d round=%d, want 0/1", z.CurrentMasterIdx, z.RoundNum)
	}
	// Two masters, XfrdMaxRounds=3: exhaust the remaining rounds.
	ok := true
	for i := 0; i < 2*(XfrdMaxRounds-1); i++ {
		ok = z.AdvanceMaster()
	}
	if ok {
		t.Errorf("AdvanceMaster should report exhaustion once RoundNum reaches XfrdMaxRounds")
	}
}

func TestStartRoundHonoursNotifiedMasterOnce(t *testing.T) {
	z := NewZoneState("example.com.", []MasterConf{{Address: "10.0.0.1"}, {Address: "10.0.0.2"}}, nil)
	z.StartRound(1)
	if z.CurrentMasterIdx != 1 || z.RoundNum != 0 {
		t.Errorf("StartRound(1): idx=%d round=%d, want 1/0", z.CurrentMasterIdx, z.RoundNum)
	}
	z.StartRound(-1)
	if z.CurrentMasterIdx != 0 {
		t.Errorf("StartRound(-1): idx=%d, want 0", z.CurrentMasterIdx)
	}
}

func newSOARR(t *testing.T, zone string, serial uint32) *dns.SOA {
	t.Helper()
	soa, err := dns.NewRR(zone + " 3600 IN SOA ns1." + zone + " hostmaster." + zone + " " +
		itoa(serial) + " 3600 300 604800 3600")
	if err != nil {
		t.Fatalf("dns.NewRR soa: %v", err)
	}
	return soa.(*dns.SOA)
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

func TestClassifyNewLeaseWhenSerialUnchanged(t *testing.T) {
	z := NewZoneState("example.com.", []MasterConf{{Address: "10.0.0.1"}}, nil)
	z.SerialDisk = 5
	z.ResetInFlight(false)

	soa := newSOARR(t, "example.com.", 5)
	m := &dns.Msg{Answer: []dns.RR{soa}}
	if got := Classify(z, m, false); got != ClassifyNewLease {
		t.Errorf("Classify = %v, want ClassifyNewLease", got)
	}
}

func TestClassifyBadOnStaleSerial(t *testing.T) {
	z := NewZoneState("example.com.", []MasterConf{{Address: "10.0.0.1"}}, nil)
	z.SerialDisk = 10
	z.haveSerialNotify = true
	z.ResetInFlight(false)

	soa := newSOARR(t, "example.com.", 5)
	m := &dns.Msg{Answer: []dns.RR{soa}}
	if got := Classify(z, m, false); got != ClassifyBad {
		t.Errorf("Classify = %v, want ClassifyBad (stale serial, not a retransfer)", got)
	}
}

func TestClassifyPlainAXFRWhenSecondRRIsNotSOA(t *testing.T) {
	z := NewZoneState("example.com.", []MasterConf{{Address: "10.0.0.1"}}, nil)
	z.ResetInFlight(false)

	soa := newSOARR(t, "example.com.", 5)
	ns, _ := dns.NewRR("example.com. 3600 IN NS ns1.example.com.")
	m := &dns.Msg{Answer: []dns.RR{soa, ns, soa}}
	if got := Classify(z, m, false); got != ClassifyXFR {
		t.Fatalf("Classify = %v, want ClassifyXFR", got)
	}
	if z.InFlight.IsIXFR {
		t.Errorf("a response whose second RR is not SOA must not be classified as IXFR")
	}
}

func TestClassifyIXFRWhenSecondRRIsOlderSOA(t *testing.T) {
	z := NewZoneState("jain.ad.jp.", []MasterConf{{Address: "10.0.0.1"}}, nil)
	z.SerialDisk = 1
	z.ResetInFlight(false)

	// Canonical single-diff RFC 1995 framing: SOA(new) opens the message,
	// SOA(old) opens the delete section, SOA(new) again is the delimiter
	// that opens the add section, and a final SOA(new) closes the
	// transfer. The delimiter must not be mistaken for the close.
	newer := newSOARR(t, "jain.ad.jp.", 3)
	older := newSOARR(t, "jain.ad.jp.", 1)
	deleted, _ := dns.NewRR("jain-bb.jain.ad.jp. 600 IN A 133.69.136.4")
	added, _ := dns.NewRR("jain-bb.jain.ad.jp. 600 IN A 133.69.136.5")
	m := &dns.Msg{Answer: []dns.RR{newer, older, deleted, newer, added, newer}}
	if got := Classify(z, m, false); got != ClassifyXFR {
		t.Fatalf("Classify = %v, want ClassifyXFR", got)
	}
	if !z.InFlight.IsIXFR {
		t.Errorf("a response whose second RR is an older SOA must be classified as IXFR")
	}
}

func TestClassifyIXFRDoesNotCompleteOnAddSectionDelimiter(t *testing.T) {
	z := NewZoneState("jain.ad.jp.", []MasterConf{{Address: "10.0.0.1"}}, nil)
	z.SerialDisk = 1
	z.ResetInFlight(false)

	// A TCP stream split right after the delimiter that opens the final
	// diff's add section: the added RRs and closing SOA haven't arrived
	// yet, so this must read as ClassifyMore, not ClassifyXFR.
	newer := newSOARR(t, "jain.ad.jp.", 3)
	older := newSOARR(t, "jain.ad.jp.", 1)
	deleted, _ := dns.NewRR("jain-bb.jain.ad.jp. 600 IN A 133.69.136.4")
	m := &dns.Msg{Answer: []dns.RR{newer, older, deleted, newer}}
	if got := Classify(z, m, false); got != ClassifyMore {
		t.Fatalf("Classify = %v, want ClassifyMore (must not complete on the add-section delimiter)", got)
	}
	if !z.InFlight.IsIXFR {
		t.Errorf("expected IsIXFR to remain true across the split")
	}

	added, _ := dns.NewRR("jain-bb.jain.ad.jp. 600 IN A 133.69.136.5")
	m2 := &dns.Msg{Answer: []dns.RR{added, newer}}
	if got := Classify(z, m2, false); got != ClassifyXFR {
		t.Fatalf("Classify (continuation) = %v, want ClassifyXFR", got)
	}
}

func TestClassifyUDPSingleSOAIsBad(t *testing.T) {
	z := NewZoneState("example.com.", []MasterConf{{Address: "10.0.0.1"}}, nil)
	z.ResetInFlight(false)

	soa := newSOARR(t, "example.com.", 5)
	m := &dns.Msg{Answer: []dns.RR{soa}}
	if got := Classify(z, m, true); got != ClassifyBad {
		t.Errorf("Classify = %v, want ClassifyBad (single SOA over UDP can't span packets)", got)
	}
}

func TestApplySerialDiskMonotonicBumpOnTie(t *testing.T) {
	z := NewZoneState("example.com.", nil, nil)
	now := time.Unix(1700000000, 0)
	z.SerialDisk = 5
	z.ApplySerialDisk(5, now)
	if z.SerialDisk != 6 {
		t.Errorf("SerialDisk = %d, want 6 (monotonic bump on tie)", z.SerialDisk)
	}
}

func TestShouldSignalZoneApplyAndRoundShouldEnd(t *testing.T) {
	z := NewZoneState("example.com.", nil, nil)
	now := time.Unix(1700000000, 0)

	if !z.RoundShouldEnd() {
		t.Errorf("RoundShouldEnd should be true with no pending notify")
	}
	z.NoteNotify("10.0.0.1", 9, true, now)
	if z.RoundShouldEnd() {
		t.Errorf("RoundShouldEnd should be false: serial_disk(0) has not reached notified(9)")
	}
	z.ApplySerialDisk(9, now)
	if !z.RoundShouldEnd() {
		t.Errorf("RoundShouldEnd should be true once serial_disk reaches the notified serial")
	}

	z.SerialXfr = 9
	if z.ShouldSignalZoneApply(false) {
		t.Errorf("ShouldSignalZoneApply should be false once serial_disk == serial_xfr and no forced retransfer")
	}
	if !z.ShouldSignalZoneApply(true) {
		t.Errorf("ShouldSignalZoneApply should always be true for a forced retransfer")
	}
}

func TestExpired(t *testing.T) {
	z := NewZoneState("example.com.", nil, nil)
	now := time.Unix(1700000000, 0)
	if z.Expired(time.Hour, now) {
		t.Errorf("a zone with no recorded successful transfer should not report expired")
	}
	z.SerialXfrAcquired = now.Add(-2 * time.Hour)
	if !z.Expired(time.Hour, now) {
		t.Errorf("Expired should be true once expire has elapsed since the last success")
	}
}
