package xfrcore

import (
	"bytes"
	"testing"
	"time"
)

func testRegistry(t *testing.T) (*Registry, *Key, *Algorithm) {
	t.Helper()
	reg := NewRegistry()
	if err := reg.AddKey("example-key.", "hmac-sha256", "MTIzNDU2Nzg5MGFiY2RlZg=="); err != nil {
		t.Fatalf("AddKey: %v", err)
	}
	key, ok := reg.KeyLookup("example-key.")
	if !ok {
		t.Fatalf("KeyLookup: not found")
	}
	algo, ok := reg.AlgoLookup("hmac-sha256")
	if !ok {
		t.Fatalf("AlgoLookup: not found")
	}
	return reg, key, algo
}

func buildQuery(t *testing.T, id uint16) *Buffer {
	t.Helper()
	b, err := NewBuffer(512)
	if err != nil {
		t.Fatalf("NewBuffer: %v", err)
	}
	if err := b.SetID(id); err != nil {
		t.Fatalf("SetID: %v", err)
	}
	if err := b.SetOpcode(0); err != nil {
		t.Fatalf("SetOpcode: %v", err)
	}
	if err := b.SetQDCOUNT(1); err != nil {
		t.Fatalf("SetQDCOUNT: %v", err)
	}
	if err := b.SetPosition(HeaderSize); err != nil {
		t.Fatalf("SetPosition: %v", err)
	}
	if err := b.WriteDname("example.com."); err != nil {
		t.Fatalf("WriteDname: %v", err)
	}
	if err := b.WriteU16(6); err != nil { // TYPE SOA
		t.Fatalf("WriteU16 type: %v", err)
	}
	if err := b.WriteU16(1); err != nil { // CLASS IN
		t.Fatalf("WriteU16 class: %v", err)
	}
	return b
}

func TestSignThenVerifyRoundTrip(t *testing.T) {
	reg, key, algo := testRegistry(t)
	now := time.Unix(1700000000, 0)

	b := buildQuery(t, 42)
	query := &RR{registry: reg, Fudge: DefaultFudge}
	query.Reset(key, algo)
	query.OriginalQueryID = 42
	if err := query.Prepare(); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	messageEnd := b.Position()
	if err := query.Update(b.Bytes(), messageEnd); err != nil {
		t.Fatalf("Update: %v", err)
	}
	mac, err := query.Sign(now)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := query.Append(b, mac); err != nil {
		t.Fatalf("Append: %v", err)
	}
	b.Flip()

	found, err := Find(b)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if found == nil {
		t.Fatalf("Find: expected a TSIG RR, got nil")
	}
	if found.MessageEnd != messageEnd {
		t.Errorf("MessageEnd = %d, want %d", found.MessageEnd, messageEnd)
	}

	kind, rc, _, lookedUpKey, lookedUpAlgo := Lookup(reg, found, now)
	if kind != TsigOK {
		t.Fatalf("Lookup: kind = %v (rcode %d), want TsigOK", kind, rc)
	}

	vkind, vrc := Verify(reg, lookedUpKey, lookedUpAlgo, b.PayloadBytes(), found, nil, false)
	if vkind != TsigOK {
		t.Fatalf("Verify: kind = %v (rcode %d), want TsigOK", vkind, vrc)
	}
}

func TestVerifyRejectsTamperedMessage(t *testing.T) {
	reg, key, algo := testRegistry(t)
	now := time.Unix(1700000000, 0)

	b := buildQuery(t, 7)
	query := NewRR(reg)
	query.Reset(key, algo)
	query.OriginalQueryID = 7
	if err := query.Prepare(); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	messageEnd := b.Position()
	if err := query.Update(b.Bytes(), messageEnd); err != nil {
		t.Fatalf("Update: %v", err)
	}
	mac, err := query.Sign(now)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := query.Append(b, mac); err != nil {
		t.Fatalf("Append: %v", err)
	}
	b.Flip()

	found, err := Find(b)
	if err != nil || found == nil {
		t.Fatalf("Find: %v / %v", found, err)
	}

	tampered := append([]byte(nil), b.PayloadBytes()...)
	tampered[HeaderSize] ^= 0xff // flip a bit in the owner name length byte

	vkind, vrc := Verify(reg, key, algo, tampered, found, nil, false)
	if vkind != TsigError || vrc != RcodeBadSig {
		t.Errorf("Verify on tampered message = %v/%d, want TsigError/RcodeBadSig", vkind, vrc)
	}
}

func TestLookupBadTimeOutsideFudge(t *testing.T) {
	reg, key, algo := testRegistry(t)
	signedAt := time.Unix(1700000000, 0)
	checkedAt := signedAt.Add(10 * time.Minute)

	b := buildQuery(t, 99)
	query := NewRR(reg)
	query.Reset(key, algo)
	query.OriginalQueryID = 99
	_ = query.Prepare()
	_ = query.Update(b.Bytes(), b.Position())
	mac, _ := query.Sign(signedAt)
	_ = query.Append(b, mac)
	b.Flip()

	found, err := Find(b)
	if err != nil || found == nil {
		t.Fatalf("Find: %v / %v", found, err)
	}

	kind, rc, other, _, _ := Lookup(reg, found, checkedAt)
	if kind != TsigError || rc != RcodeBadTime {
		t.Fatalf("Lookup = %v/%d, want TsigError/RcodeBadTime", kind, rc)
	}
	if len(other) != 6 {
		t.Errorf("BADTIME other-data length = %d, want 6", len(other))
	}
}

func TestLookupUnknownKeyIsBadKey(t *testing.T) {
	reg, _, _ := testRegistry(t)
	f := &FoundTsig{
		KeyName:       "nonexistent-key.",
		AlgorithmName: HmacSHA256,
		Fudge:         DefaultFudge,
	}
	kind, rc, _, _, _ := Lookup(reg, f, time.Unix(1700000000, 0))
	if kind != TsigError || rc != RcodeBadKey {
		t.Errorf("Lookup with unknown key = %v/%d, want TsigError/RcodeBadKey", kind, rc)
	}
}

func TestFindReturnsNilWhenNoTsigPresent(t *testing.T) {
	b := buildQuery(t, 1)
	b.Flip()
	found, err := Find(b)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if found != nil {
		t.Errorf("Find = %+v, want nil", found)
	}
}

func TestChainedSignaturesUseTimersOnlyAfterFirst(t *testing.T) {
	reg, key, algo := testRegistry(t)
	now := time.Unix(1700000000, 0)

	t1 := NewRR(reg)
	t1.Reset(key, algo)
	if t1.timersOnly() {
		t.Fatalf("first response must not be timers-only before signing")
	}
	if err := t1.Prepare(); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	t1.h.Write([]byte("first message bytes"))
	mac1, err := t1.Sign(now)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if t1.ResponseCount != 1 {
		t.Fatalf("ResponseCount = %d, want 1", t1.ResponseCount)
	}

	t1.SetPriorMAC(mac1)
	if err := t1.Prepare(); err != nil {
		t.Fatalf("Prepare (2nd): %v", err)
	}
	t1.h.Write([]byte("second message bytes"))
	mac2, err := t1.Sign(now)
	if err != nil {
		t.Fatalf("Sign (2nd): %v", err)
	}
	if t1.ResponseCount != 2 {
		t.Fatalf("ResponseCount = %d, want 2", t1.ResponseCount)
	}
	if bytes.Equal(mac1, mac2) {
		t.Errorf("second-message MAC equals first; chaining with prior MAC had no effect")
	}
}

func TestUnsignedResponseToleranceExpires(t *testing.T) {
	reg, key, algo := testRegistry(t)
	r := NewRR(reg)
	r.Reset(key, algo)

	for i := 0; i < MaxUnsignedResponses; i++ {
		if !r.NoteUnsigned() {
			t.Fatalf("NoteUnsigned failed early at i=%d", i)
		}
	}
	if r.NoteUnsigned() {
		t.Errorf("NoteUnsigned should have failed after %d consecutive unsigned responses", MaxUnsignedResponses+1)
	}
	r.NoteSigned()
	if !r.NoteUnsigned() {
		t.Errorf("NoteUnsigned should succeed right after NoteSigned reset the counter")
	}
}
