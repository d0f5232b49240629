/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package xfrcore

import "fmt"

// DNS opcodes relevant to zone transfer.
const (
	OpcodeQuery  = 0
	OpcodeNotify = 4
)

// DNS query/RR types relevant to zone transfer.
const (
	TypeSOA  = 6
	TypeIXFR = 251
	TypeAXFR = 252
)

const ClassIN = 1

// SOA is the decoded RDATA of a Start-Of-Authority record: owner name is
// carried separately by the caller (the RR's own name), this only holds
// the SOA-specific fields.
type SOA struct {
	MName   string
	RName   string
	Serial  uint32
	Refresh uint32
	Retry   uint32
	Expire  uint32
	Minimum uint32
}

// EncodeQuery writes a standard DNS query: random id (caller-supplied),
// the given opcode, QD=1 with one question, AN=NS=AR=0. Returns the
// buffer positioned at the end of the message (ready to Flip).
func EncodeQuery(id uint16, opcode uint8, qname string, qtype, qclass uint16, capacity int) (*Buffer, error) {
	b, err := NewBuffer(capacity)
	if err != nil {
		return nil, err
	}
	if err := b.SetID(id); err != nil {
		return nil, err
	}
	if err := b.SetOpcode(opcode); err != nil {
		return nil, err
	}
	if err := b.SetQDCOUNT(1); err != nil {
		return nil, err
	}
	if err := b.SetPosition(HeaderSize); err != nil {
		return nil, err
	}
	if err := b.WriteDname(qname); err != nil {
		return nil, err
	}
	if err := b.WriteU16(qtype); err != nil {
		return nil, err
	}
	if err := b.WriteU16(qclass); err != nil {
		return nil, err
	}
	return b, nil
}

// EncodeNotify writes a NOTIFY query (OPCODE=NOTIFY, AA=1). When soa is
// non-nil, the current SOA is placed in the answer section with
// ANCOUNT=1, letting the receiver skip a round-trip to learn the new
// serial.
func EncodeNotify(id uint16, qname string, soa *SOA, capacity int) (*Buffer, error) {
	b, err := EncodeQuery(id, OpcodeNotify, qname, TypeSOA, ClassIN, capacity)
	if err != nil {
		return nil, err
	}
	if err := b.SetAA(true); err != nil {
		return nil, err
	}
	if soa == nil {
		return b, nil
	}
	if err := b.WriteDname(qname); err != nil {
		return nil, err
	}
	if err := b.WriteU16(TypeSOA); err != nil {
		return nil, err
	}
	if err := b.WriteU16(ClassIN); err != nil {
		return nil, err
	}
	if err := b.WriteU32(soa.Refresh); err != nil { // TTL: refresh is a reasonable bound, mirrors typical SOA TTL usage
		return nil, err
	}
	rdlenPos := b.Position()
	if err := b.WriteU16(0); err != nil {
		return nil, err
	}
	rdataStart := b.Position()
	if err := writeSOARdata(b, soa); err != nil {
		return nil, err
	}
	if err := b.WriteU16At(rdlenPos, uint16(b.Position()-rdataStart)); err != nil {
		return nil, err
	}
	return b, b.SetANCOUNT(1)
}

func writeSOARdata(b *Buffer, soa *SOA) error {
	if err := b.WriteDname(soa.MName); err != nil {
		return err
	}
	if err := b.WriteDname(soa.RName); err != nil {
		return err
	}
	for _, v := range []uint32{soa.Serial, soa.Refresh, soa.Retry, soa.Expire, soa.Minimum} {
		if err := b.WriteU32(v); err != nil {
			return err
		}
	}
	return nil
}

// DecodeSOA reads SOA RDATA at the buffer's current position, advancing
// past it, with bounds checks on every field.
func DecodeSOA(b *Buffer) (*SOA, error) {
	mname, err := b.ReadDname()
	if err != nil {
		return nil, fmt.Errorf("xfrcore: decode soa: mname: %w", err)
	}
	rname, err := b.ReadDname()
	if err != nil {
		return nil, fmt.Errorf("xfrcore: decode soa: rname: %w", err)
	}
	vals := make([]uint32, 5)
	names := []string{"serial", "refresh", "retry", "expire", "minimum"}
	for i := range vals {
		v, err := b.ReadU32()
		if err != nil {
			return nil, fmt.Errorf("xfrcore: decode soa: %s: %w", names[i], err)
		}
		vals[i] = v
	}
	return &SOA{
		MName:   mname,
		RName:   rname,
		Serial:  vals[0],
		Refresh: vals[1],
		Retry:   vals[2],
		Expire:  vals[3],
		Minimum: vals[4],
	}, nil
}

// SerialGT implements RFC 1982 serial number comparison with explicit
// 32-bit wraparound: DNS_SERIAL_GT(a,b) = (int32)(a-b) > 0.
func SerialGT(a, b uint32) bool {
	return int32(a-b) > 0
}

// SerialGE is SerialGT(a,b) || a == b.
func SerialGE(a, b uint32) bool {
	return a == b || SerialGT(a, b)
}
