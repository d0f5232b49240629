/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package xfrcore

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// TCPSetMax is the fixed pool size, §6/§8: "capacity TCPSET_MAX, 50 in
// the source".
const TCPSetMax = 50

// IOResult is the three-way outcome of one non-blocking read/write
// attempt on a TCP connection.
type IOResult int

const (
	IOError IOResult = iota
	IOShort          // would block; state machine stays put, reactor re-arms
	IODone
)

// Conn is one pooled TCP connection running either the read or the write
// state machine (§4.6). It owns exactly one packet Buffer for the
// duration of the transfer.
type Conn struct {
	FD        int
	IsReading bool

	totalBytes uint32 // cumulative bytes incl. the 2-octet length prefix
	msglen     uint16
	lenBuf     [2]byte // accumulates the length prefix across short reads
	packet     *Buffer

	// ZoneID identifies the waiting/holding zone to the Set; opaque to
	// Conn itself.
	ZoneID string
}

// Ready resets a connection for a fresh read, per tcp_conn_ready: clears
// total_bytes/msglen and the packet buffer, leaving fd as already set by
// the caller (post-accept or post-connect).
func (c *Conn) Ready(packet *Buffer) {
	c.totalBytes = 0
	c.msglen = 0
	c.lenBuf = [2]byte{}
	c.packet = packet
	c.packet.Clear()
	c.IsReading = true
}

// PrepareWrite arms a connection for the write state machine: packet must
// already hold the full message at [0:limit), matching "msglen=limit,
// buffer filled" in the header's write contract.
func (c *Conn) PrepareWrite(packet *Buffer) {
	c.totalBytes = 0
	c.msglen = uint16(packet.Limit())
	c.packet = packet
	c.IsReading = false
}

// Read performs one non-blocking read attempt. First two octets are the
// big-endian message length; once total_bytes >= 2, subsequent reads fill
// the packet buffer up to msglen. A message length exceeding the packet's
// capacity is fatal (IOError), matching "message length > buffer capacity
// is fatal."
func (c *Conn) Read() (IOResult, error) {
	for c.totalBytes < 2 {
		n, err := unix.Read(c.FD, c.lenBuf[c.totalBytes:2])
		if res, clean, ok := classifyIOErr(n, err); !ok {
			if clean {
				return res, nil
			}
			return res, err
		}
		if n == 0 {
			return IOError, fmt.Errorf("xfrcore: tcpset: peer closed connection mid length-prefix")
		}
		c.totalBytes += uint32(n)
		if c.totalBytes >= 2 {
			c.msglen = uint16(c.lenBuf[0])<<8 | uint16(c.lenBuf[1])
			if int(c.msglen) > c.packet.Capacity() {
				return IOError, fmt.Errorf("xfrcore: tcpset: message length %d exceeds buffer capacity %d", c.msglen, c.packet.Capacity())
			}
			if err := c.packet.SetLimit(int(c.msglen)); err != nil {
				return IOError, err
			}
			if err := c.packet.SetPosition(0); err != nil {
				return IOError, err
			}
		}
	}

	for uint16(c.totalBytes-2) < c.msglen {
		remaining := int(c.msglen) - c.packet.Position()
		n, err := unix.Read(c.FD, c.packet.Bytes()[c.packet.Position():c.packet.Position()+remaining])
		if res, clean, ok := classifyIOErr(n, err); !ok {
			if clean {
				return res, nil
			}
			return res, err
		}
		if n == 0 {
			return IOError, fmt.Errorf("xfrcore: tcpset: peer closed connection mid message")
		}
		c.totalBytes += uint32(n)
		_ = c.packet.Skip(n)
	}
	return IODone, nil
}

// Write performs one non-blocking write attempt of the length-prefixed
// packet.
func (c *Conn) Write() (IOResult, error) {
	full := make([]byte, 2+c.msglen)
	full[0] = byte(c.msglen >> 8)
	full[1] = byte(c.msglen)
	copy(full[2:], c.packet.PayloadBytes())

	for c.totalBytes < uint32(len(full)) {
		n, err := unix.Write(c.FD, full[c.totalBytes:])
		if res, clean, ok := classifyIOErr(n, err); !ok {
			if clean {
				return res, nil
			}
			return res, err
		}
		if n == 0 {
			return IOError, fmt.Errorf("xfrcore: tcpset: write returned 0 with no error")
		}
		c.totalBytes += uint32(n)
	}
	return IODone, nil
}

// Payload returns the bytes read (or queued for write) in this
// connection's current packet, for a caller that has just observed
// IODone from Read or Write.
func (c *Conn) Payload() []byte { return c.packet.PayloadBytes() }

// Complete reports whether this connection's current I/O phase has
// finished: total_bytes == 2 + msglen.
func (c *Conn) Complete() bool {
	return c.totalBytes == uint32(2)+uint32(c.msglen)
}

// classifyIOErr inspects a raw read/write syscall result. ok=true means
// the caller should keep going with the returned n; ok=false means the
// caller should return immediately with the given (IOResult, error) —
// EAGAIN/EINTR are transparent retries reported as IOShort/nil, per §5
// "Suspension points".
func classifyIOErr(n int, err error) (result IOResult, clean bool, ok bool) {
	if err == nil {
		return IODone, true, true
	}
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
		return IOShort, true, false
	}
	return IOError, false, false
}

// Set is the fixed-capacity pool of TCP connections plus a FIFO of zones
// waiting for a free slot (§4.6, §9: "an explicit FIFO (index-based
// deque) for dynamic queues").
type Set struct {
	slots   [TCPSetMax]*Conn
	count   int
	waiting []string // zone IDs, FIFO order
}

// NewSet builds an empty connection pool.
func NewSet() *Set { return &Set{} }

// Count returns the number of occupied slots.
func (s *Set) Count() int { return s.count }

// Obtain assigns a free slot to conn, or appends zoneID to the waiting
// FIFO if the pool is full. Returns true if a slot was assigned.
func (s *Set) Obtain(zoneID string, conn *Conn) bool {
	for i := range s.slots {
		if s.slots[i] == nil {
			conn.ZoneID = zoneID
			s.slots[i] = conn
			s.count++
			return true
		}
	}
	s.waiting = append(s.waiting, zoneID)
	return false
}

// Release frees conn's slot and returns the next waiting zone ID (if any)
// to be promoted by the caller, which must then call Obtain for it.
func (s *Set) Release(conn *Conn) (string, bool) {
	for i := range s.slots {
		if s.slots[i] == conn {
			s.slots[i] = nil
			s.count--
			break
		}
	}
	if len(s.waiting) == 0 {
		return "", false
	}
	next := s.waiting[0]
	s.waiting = s.waiting[1:]
	return next, true
}

// IsWaiting reports whether zoneID is currently queued (not yet holding a
// slot) — used to enforce the invariant that the waiting list never
// contains a zone that already holds a slot.
func (s *Set) IsWaiting(zoneID string) bool {
	for _, z := range s.waiting {
		if z == zoneID {
			return true
		}
	}
	return false
}

// Conns returns the occupied slots, for the reactor to register read/write
// interest on.
func (s *Set) Conns() []*Conn {
	out := make([]*Conn, 0, s.count)
	for _, c := range s.slots {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}
