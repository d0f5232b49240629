package xfrcore

import "testing"

func TestEncodeQueryRoundTrip(t *testing.T) {
	b, err := EncodeQuery(1234, OpcodeQuery, "example.com.", TypeSOA, ClassIN, 512)
	if err != nil {
		t.Fatalf("EncodeQuery: %v", err)
	}
	b.Flip()

	id, _ := b.ID()
	if id != 1234 {
		t.Errorf("ID = %d, want 1234", id)
	}
	qr, _ := b.QR()
	if qr {
		t.Errorf("QR = true, want false for a query")
	}
	opcode, _ := b.Opcode()
	if opcode != OpcodeQuery {
		t.Errorf("Opcode = %d, want %d", opcode, OpcodeQuery)
	}
	qd, _ := b.QDCOUNT()
	an, _ := b.ANCOUNT()
	ns, _ := b.NSCOUNT()
	ar, _ := b.ARCOUNT()
	if qd != 1 || an != 0 || ns != 0 || ar != 0 {
		t.Errorf("counts = %d/%d/%d/%d, want 1/0/0/0", qd, an, ns, ar)
	}

	if err := b.SetPosition(HeaderSize); err != nil {
		t.Fatalf("SetPosition: %v", err)
	}
	name, err := b.ReadDname()
	if err != nil {
		t.Fatalf("ReadDname: %v", err)
	}
	if !EqualNames(name, "example.com.") {
		t.Errorf("qname = %q, want example.com.", name)
	}
	qtype, _ := b.ReadU16()
	qclass, _ := b.ReadU16()
	if qtype != TypeSOA || qclass != ClassIN {
		t.Errorf("qtype/qclass = %d/%d, want %d/%d", qtype, qclass, TypeSOA, ClassIN)
	}
}

func TestEncodeNotifyCarriesSOA(t *testing.T) {
	soa := &SOA{MName: "ns1.example.com.", RName: "hostmaster.example.com.", Serial: 42, Refresh: 3600, Retry: 300, Expire: 604800, Minimum: 3600}
	b, err := EncodeNotify(9, "example.com.", soa, 512)
	if err != nil {
		t.Fatalf("EncodeNotify: %v", err)
	}
	b.Flip()

	opcode, _ := b.Opcode()
	if opcode != OpcodeNotify {
		t.Errorf("Opcode = %d, want %d", opcode, OpcodeNotify)
	}
	aa, _ := b.AA()
	if !aa {
		t.Errorf("AA = false, want true for NOTIFY")
	}
	an, _ := b.ANCOUNT()
	if an != 1 {
		t.Errorf("ANCOUNT = %d, want 1", an)
	}

	if err := b.SetPosition(HeaderSize); err != nil {
		t.Fatalf("SetPosition: %v", err)
	}
	if _, err := b.ReadDname(); err != nil {
		t.Fatalf("skip qname: %v", err)
	}
	if err := b.Skip(4); err != nil {
		t.Fatalf("skip qtype/qclass: %v", err)
	}
	if _, err := b.ReadDname(); err != nil { // answer owner name
		t.Fatalf("answer owner: %v", err)
	}
	rtype, _ := b.ReadU16()
	rclass, _ := b.ReadU16()
	if rtype != TypeSOA || rclass != ClassIN {
		t.Errorf("answer type/class = %d/%d, want SOA/IN", rtype, rclass)
	}
	if err := b.Skip(4); err != nil { // ttl
		t.Fatalf("skip ttl: %v", err)
	}
	if _, err := b.ReadU16(); err != nil { // rdlength
		t.Fatalf("rdlength: %v", err)
	}
	decoded, err := DecodeSOA(b)
	if err != nil {
		t.Fatalf("DecodeSOA: %v", err)
	}
	if decoded.Serial != soa.Serial || decoded.Refresh != soa.Refresh || decoded.Retry != soa.Retry ||
		decoded.Expire != soa.Expire || decoded.Minimum != soa.Minimum {
		t.Errorf("decoded SOA timers = %+v, want %+v", decoded, soa)
	}
	if !EqualNames(decoded.MName, soa.MName) || !EqualNames(decoded.RName, soa.RName) {
		t.Errorf("decoded SOA names = %s/%s, want %s/%s", decoded.MName, decoded.RName, soa.MName, soa.RName)
	}
}

func TestSerialGTWraparound(t *testing.T) {
	cases := []struct {
		a, b uint32
		want bool
	}{
		{2, 1, true},
		{1, 2, false},
		{1, 1, false},
		{0, 0xffffffff, true},   // wraparound: 0 is "greater than" max uint32
		{0xffffffff, 0, false},
	}
	for _, c := range cases {
		if got := SerialGT(c.a, c.b); got != c.want {
			t.Errorf("SerialGT(%d,%d) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestSerialGTShiftInvariant(t *testing.T) {
	a, b := uint32(100), uint32(50)
	base := SerialGT(a, b)
	for _, k := range []uint32{1, 1000, 0x80000000} {
		if got := SerialGT(a+k, b+k); got != base {
			t.Errorf("SerialGT(%d,%d) with shift %d = %v, want %v", a+k, b+k, k, got, base)
		}
	}
}
