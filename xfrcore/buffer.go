/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

// Package xfrcore implements the zone-transfer subsystem of a DNSSEC signer:
// the inbound transfer client (xfrd), the outbound AXFR/IXFR server, the
// NOTIFY sender, the TSIG engine, and the wire-format primitives they share.
package xfrcore

import (
	"encoding/binary"
	"fmt"
)

// Buffer is a fixed-capacity octet buffer with the position/limit/capacity
// tri-cursor of the original C wire buffer. It is owned by one goroutine at
// a time and is never shared across a channel boundary while still being
// written.
type Buffer struct {
	data     []byte
	position int
	limit    int
}

// NewBuffer allocates a buffer of the given capacity. A 0-byte capacity is
// rejected: every caller needs room for at least a DNS header.
func NewBuffer(capacity int) (*Buffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("xfrcore: buffer capacity must be positive, got %d", capacity)
	}
	return &Buffer{data: make([]byte, capacity), limit: capacity}, nil
}

// WrapBuffer builds a Buffer over an existing slice (e.g. a packet just
// read off the wire), with position 0 and limit == len(b).
func WrapBuffer(b []byte) *Buffer {
	return &Buffer{data: b, limit: len(b)}
}

// Capacity returns the fixed allocation size.
func (b *Buffer) Capacity() int { return len(b.data) }

// Position returns the current read/write cursor.
func (b *Buffer) Position() int { return b.position }

// Limit returns the current limit.
func (b *Buffer) Limit() int { return b.limit }

// Remaining returns the number of octets between position and limit.
func (b *Buffer) Remaining() int { return b.limit - b.position }

// Bytes returns the full backing slice (capacity, not limit). Callers
// writing a response should Flip() first to get the logical payload via
// PayloadBytes.
func (b *Buffer) Bytes() []byte { return b.data }

// PayloadBytes returns the logical [0:limit) slice after Flip.
func (b *Buffer) PayloadBytes() []byte { return b.data[:b.limit] }

// Clear resets position to 0 and limit to capacity, for reuse as a write
// buffer.
func (b *Buffer) Clear() {
	b.position = 0
	b.limit = len(b.data)
}

// Flip prepares a buffer that has just been written for reading: limit
// becomes the current position, position resets to 0.
func (b *Buffer) Flip() {
	b.limit = b.position
	b.position = 0
}

// SetPosition seeks to an absolute position within [0, limit].
func (b *Buffer) SetPosition(pos int) error {
	if pos < 0 || pos > b.limit {
		return fmt.Errorf("xfrcore: buffer: position %d out of [0,%d]", pos, b.limit)
	}
	b.position = pos
	return nil
}

// SetLimit narrows or widens the logical end of the buffer, bounded by
// capacity.
func (b *Buffer) SetLimit(limit int) error {
	if limit < 0 || limit > len(b.data) {
		return fmt.Errorf("xfrcore: buffer: limit %d out of [0,%d]", limit, len(b.data))
	}
	if b.position > limit {
		b.position = limit
	}
	b.limit = limit
	return nil
}

// Skip advances position by n, failing if that would cross limit.
func (b *Buffer) Skip(n int) error {
	if n < 0 || b.position+n > b.limit {
		return fmt.Errorf("xfrcore: buffer: skip(%d) would cross limit (pos=%d limit=%d)", n, b.position, b.limit)
	}
	b.position += n
	return nil
}

func (b *Buffer) checkRead(n int) error {
	if b.position+n > b.limit {
		return fmt.Errorf("xfrcore: buffer: read past limit (pos=%d need=%d limit=%d)", b.position, n, b.limit)
	}
	return nil
}

func (b *Buffer) checkWrite(n int) error {
	if b.position+n > b.limit {
		return fmt.Errorf("xfrcore: buffer: write past limit (pos=%d need=%d limit=%d)", b.position, n, b.limit)
	}
	return nil
}

// ReadU8 reads one octet and advances position.
func (b *Buffer) ReadU8() (uint8, error) {
	if err := b.checkRead(1); err != nil {
		return 0, err
	}
	v := b.data[b.position]
	b.position++
	return v, nil
}

// ReadU16 reads a big-endian uint16 and advances position.
func (b *Buffer) ReadU16() (uint16, error) {
	if err := b.checkRead(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(b.data[b.position:])
	b.position += 2
	return v, nil
}

// ReadU32 reads a big-endian uint32 and advances position.
func (b *Buffer) ReadU32() (uint32, error) {
	if err := b.checkRead(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(b.data[b.position:])
	b.position += 4
	return v, nil
}

// ReadBytes reads n raw octets and advances position.
func (b *Buffer) ReadBytes(n int) ([]byte, error) {
	if err := b.checkRead(n); err != nil {
		return nil, err
	}
	v := b.data[b.position : b.position+n]
	b.position += n
	return v, nil
}

// WriteU8 writes one octet and advances position.
func (b *Buffer) WriteU8(v uint8) error {
	if err := b.checkWrite(1); err != nil {
		return err
	}
	b.data[b.position] = v
	b.position++
	return nil
}

// WriteU16 writes a big-endian uint16 and advances position.
func (b *Buffer) WriteU16(v uint16) error {
	if err := b.checkWrite(2); err != nil {
		return err
	}
	binary.BigEndian.PutUint16(b.data[b.position:], v)
	b.position += 2
	return nil
}

// WriteU32 writes a big-endian uint32 and advances position.
func (b *Buffer) WriteU32(v uint32) error {
	if err := b.checkWrite(4); err != nil {
		return err
	}
	binary.BigEndian.PutUint32(b.data[b.position:], v)
	b.position += 4
	return nil
}

// WriteBytes writes raw octets and advances position.
func (b *Buffer) WriteBytes(v []byte) error {
	if err := b.checkWrite(len(v)); err != nil {
		return err
	}
	copy(b.data[b.position:], v)
	b.position += len(v)
	return nil
}

// WriteU16At writes a big-endian uint16 at an absolute offset without
// touching position. Used to patch ARCOUNT after appending a TSIG RR.
func (b *Buffer) WriteU16At(pos int, v uint16) error {
	if pos < 0 || pos+2 > len(b.data) {
		return fmt.Errorf("xfrcore: buffer: write_at(%d) out of range", pos)
	}
	binary.BigEndian.PutUint16(b.data[pos:], v)
	return nil
}

// ReadU16At reads a big-endian uint16 at an absolute offset without
// touching position.
func (b *Buffer) ReadU16At(pos int) (uint16, error) {
	if pos < 0 || pos+2 > len(b.data) {
		return 0, fmt.Errorf("xfrcore: buffer: read_at(%d) out of range", pos)
	}
	return binary.BigEndian.Uint16(b.data[pos:]), nil
}

// --- DNS header fixed-offset accessors (§4.1) ---

const (
	hdrOffsetID      = 0
	hdrOffsetFlags1  = 2
	hdrOffsetFlags2  = 3
	hdrOffsetQDCOUNT = 4
	hdrOffsetANCOUNT = 6
	hdrOffsetNSCOUNT = 8
	hdrOffsetARCOUNT = 10
	HeaderSize       = 12

	flagQR     = 0x80
	flagOpcode = 0x78
	flagAA     = 0x04
	flagTC     = 0x02
	flagRD     = 0x01
	flagRA     = 0x80
	flagAD     = 0x20
	flagCD     = 0x10
	flagRcode  = 0x0f
)

// ID returns the 16-bit query/response identifier.
func (b *Buffer) ID() (uint16, error) { return b.ReadU16At(hdrOffsetID) }

// SetID writes the 16-bit query/response identifier.
func (b *Buffer) SetID(id uint16) error { return b.WriteU16At(hdrOffsetID, id) }

func (b *Buffer) flagByte(off int) (byte, error) {
	if off >= len(b.data) {
		return 0, fmt.Errorf("xfrcore: buffer: too short for header flags")
	}
	return b.data[off], nil
}

// QR reports the query/response bit.
func (b *Buffer) QR() (bool, error) {
	v, err := b.flagByte(hdrOffsetFlags1)
	return v&flagQR != 0, err
}

// SetQR sets or clears the query/response bit.
func (b *Buffer) SetQR(v bool) error { return b.setFlagBit(hdrOffsetFlags1, flagQR, v) }

// Opcode returns the 4-bit opcode field.
func (b *Buffer) Opcode() (uint8, error) {
	v, err := b.flagByte(hdrOffsetFlags1)
	return (v & flagOpcode) >> 3, err
}

// SetOpcode writes the 4-bit opcode field.
func (b *Buffer) SetOpcode(op uint8) error {
	if len(b.data) <= hdrOffsetFlags1 {
		return fmt.Errorf("xfrcore: buffer: too short for header flags")
	}
	b.data[hdrOffsetFlags1] = (b.data[hdrOffsetFlags1] &^ flagOpcode) | ((op << 3) & flagOpcode)
	return nil
}

// AA reports the authoritative-answer bit.
func (b *Buffer) AA() (bool, error) {
	v, err := b.flagByte(hdrOffsetFlags1)
	return v&flagAA != 0, err
}

// SetAA sets or clears the authoritative-answer bit.
func (b *Buffer) SetAA(v bool) error { return b.setFlagBit(hdrOffsetFlags1, flagAA, v) }

// TC reports the truncation bit.
func (b *Buffer) TC() (bool, error) {
	v, err := b.flagByte(hdrOffsetFlags1)
	return v&flagTC != 0, err
}

// SetTC sets or clears the truncation bit.
func (b *Buffer) SetTC(v bool) error { return b.setFlagBit(hdrOffsetFlags1, flagTC, v) }

// RD reports the recursion-desired bit.
func (b *Buffer) RD() (bool, error) {
	v, err := b.flagByte(hdrOffsetFlags1)
	return v&flagRD != 0, err
}

// SetRD sets or clears the recursion-desired bit.
func (b *Buffer) SetRD(v bool) error { return b.setFlagBit(hdrOffsetFlags1, flagRD, v) }

// RA reports the recursion-available bit.
func (b *Buffer) RA() (bool, error) {
	v, err := b.flagByte(hdrOffsetFlags2)
	return v&flagRA != 0, err
}

// SetRA sets or clears the recursion-available bit.
func (b *Buffer) SetRA(v bool) error { return b.setFlagBit(hdrOffsetFlags2, flagRA, v) }

// AD reports the authentic-data bit.
func (b *Buffer) AD() (bool, error) {
	v, err := b.flagByte(hdrOffsetFlags2)
	return v&flagAD != 0, err
}

// SetAD sets or clears the authentic-data bit.
func (b *Buffer) SetAD(v bool) error { return b.setFlagBit(hdrOffsetFlags2, flagAD, v) }

// CD reports the checking-disabled bit.
func (b *Buffer) CD() (bool, error) {
	v, err := b.flagByte(hdrOffsetFlags2)
	return v&flagCD != 0, err
}

// SetCD sets or clears the checking-disabled bit.
func (b *Buffer) SetCD(v bool) error { return b.setFlagBit(hdrOffsetFlags2, flagCD, v) }

// Rcode returns the 4-bit response code.
func (b *Buffer) Rcode() (uint8, error) {
	v, err := b.flagByte(hdrOffsetFlags2)
	return v & flagRcode, err
}

// SetRcode writes the 4-bit response code.
func (b *Buffer) SetRcode(rc uint8) error {
	if len(b.data) <= hdrOffsetFlags2 {
		return fmt.Errorf("xfrcore: buffer: too short for header flags")
	}
	b.data[hdrOffsetFlags2] = (b.data[hdrOffsetFlags2] &^ flagRcode) | (rc & flagRcode)
	return nil
}

func (b *Buffer) setFlagBit(off int, mask byte, v bool) error {
	if off >= len(b.data) {
		return fmt.Errorf("xfrcore: buffer: too short for header flags")
	}
	if v {
		b.data[off] |= mask
	} else {
		b.data[off] &^= mask
	}
	return nil
}

// QDCOUNT, ANCOUNT, NSCOUNT, ARCOUNT are the four fixed-offset section counts.
func (b *Buffer) QDCOUNT() (uint16, error) { return b.ReadU16At(hdrOffsetQDCOUNT) }
func (b *Buffer) ANCOUNT() (uint16, error) { return b.ReadU16At(hdrOffsetANCOUNT) }
func (b *Buffer) NSCOUNT() (uint16, error) { return b.ReadU16At(hdrOffsetNSCOUNT) }
func (b *Buffer) ARCOUNT() (uint16, error) { return b.ReadU16At(hdrOffsetARCOUNT) }

func (b *Buffer) SetQDCOUNT(v uint16) error { return b.WriteU16At(hdrOffsetQDCOUNT, v) }
func (b *Buffer) SetANCOUNT(v uint16) error { return b.WriteU16At(hdrOffsetANCOUNT, v) }
func (b *Buffer) SetNSCOUNT(v uint16) error { return b.WriteU16At(hdrOffsetNSCOUNT, v) }
func (b *Buffer) SetARCOUNT(v uint16) error { return b.WriteU16At(hdrOffsetARCOUNT, v) }

// IncARCOUNT bumps ARCOUNT by one, used when appending a TSIG RR.
func (b *Buffer) IncARCOUNT() error {
	cur, err := b.ARCOUNT()
	if err != nil {
		return err
	}
	return b.SetARCOUNT(cur + 1)
}
