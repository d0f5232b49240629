/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package xfrcore

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"hash"
	"strings"
	"time"
)

// TSIG algorithm dnames, RFC 8945 / historical hmac-md5 assignment.
const (
	HmacMD5    = "hmac-md5.sig-alg.reg.int."
	HmacSHA1   = "hmac-sha1."
	HmacSHA256 = "hmac-sha256."
)

// DefaultFudge is the default signed-time tolerance window, seconds.
const DefaultFudge = 300

// TsigErrorKind is the outcome of locating/verifying a TSIG RR on a
// received message.
type TsigErrorKind int

const (
	// TsigNotPresent means the message carried no TSIG RR at all.
	TsigNotPresent TsigErrorKind = iota
	// TsigOK means the TSIG RR verified.
	TsigOK
	// TsigError means the TSIG RR was present but invalid; Error carries
	// the specific sub-code.
	TsigError
)

// TSIG extended error sub-codes, RFC 8945 §2.3. Values below 16 reuse the
// ordinary DNS RCODE space.
const (
	RcodeBadSig  = 16
	RcodeBadKey  = 17
	RcodeBadTime = 18
)

// Algorithm is an entry in the algorithm table: a textual name, its wire
// dname, the maximum digest size, and a factory for a fresh hash.Hash.
type Algorithm struct {
	Name      string
	WireName  string
	MaxDigest int
	New       func() hash.Hash
}

// Key is a named TSIG secret.
type Key struct {
	Name      string // owner dname, e.g. "example-key."
	Secret    []byte // raw (already base64-decoded) secret
	Algorithm string // algorithm name this key was configured with
}

// Registry is the explicit, constructed-at-startup replacement for the C
// source's module-global algorithm/key tables (see spec §9 DESIGN NOTES).
// It is built once at daemon startup and passed to every component that
// needs to sign or verify, never touched again concurrently.
type Registry struct {
	algorithms map[string]*Algorithm
	keys       map[string]*Key
}

// NewRegistry builds a Registry pre-populated with the three mandatory
// algorithms (hmac-md5, hmac-sha1, hmac-sha256).
func NewRegistry() *Registry {
	r := &Registry{
		algorithms: make(map[string]*Algorithm),
		keys:       make(map[string]*Key),
	}
	r.addAlgorithm(&Algorithm{Name: "hmac-md5", WireName: HmacMD5, MaxDigest: md5.Size, New: md5.New})
	r.addAlgorithm(&Algorithm{Name: "hmac-sha1", WireName: HmacSHA1, MaxDigest: sha1.Size, New: sha1.New})
	r.addAlgorithm(&Algorithm{Name: "hmac-sha256", WireName: HmacSHA256, MaxDigest: sha256.Size, New: sha256.New})
	return r
}

func (r *Registry) addAlgorithm(a *Algorithm) {
	r.algorithms[strings.ToLower(strings.TrimSuffix(a.WireName, "."))] = a
	r.algorithms[strings.ToLower(a.Name)] = a
}

// AlgoLookup resolves an algorithm by its textual or wire-form dname.
func (r *Registry) AlgoLookup(name string) (*Algorithm, bool) {
	a, ok := r.algorithms[strings.ToLower(strings.TrimSuffix(name, "."))]
	return a, ok
}

// AddKey registers a named key. secretB64 is the base64-encoded secret as
// it appears in configuration.
func (r *Registry) AddKey(name, algorithm, secretB64 string) error {
	raw, err := base64.StdEncoding.DecodeString(secretB64)
	if err != nil {
		return fmt.Errorf("xfrcore: tsig: key %q: bad base64 secret: %w", name, err)
	}
	r.keys[strings.ToLower(strings.TrimSuffix(name, "."))] = &Key{Name: name, Secret: raw, Algorithm: algorithm}
	return nil
}

// KeyLookup resolves a key by its owner dname.
func (r *Registry) KeyLookup(name string) (*Key, bool) {
	k, ok := r.keys[strings.ToLower(strings.TrimSuffix(name, "."))]
	return k, ok
}

// RR is the per-transaction TSIG state: component 4.2's "TSIG RR
// (transaction state)". One RR is created per connection and Reset per
// exchange; it threads the prior MAC across a multi-packet AXFR/IXFR
// response the way §4.2's "variables-block elision rule" requires.
type RR struct {
	registry *Registry

	Key       *Key
	Algorithm *Algorithm

	h hash.Hash

	priorMAC []byte

	OriginalQueryID uint16
	SignedTimeHigh  uint16
	SignedTimeLow   uint32
	Fudge           uint16
	ErrorCode       uint16
	OtherData       []byte

	ResponseCount          int
	UpdatesSinceLastPrep   int
	unsignedSinceLastCheck int
}

// NewRR builds an unattached TSIG transaction object. Call Reset before
// first use.
func NewRR(reg *Registry) *RR {
	return &RR{registry: reg, Fudge: DefaultFudge}
}

// Reset rebinds the transaction object to a (key, algorithm) pair and
// clears all per-exchange counters, as happens once per TCP connection in
// the C source.
func (t *RR) Reset(key *Key, algo *Algorithm) {
	t.Key = key
	t.Algorithm = algo
	t.h = nil
	t.priorMAC = nil
	t.ResponseCount = 0
	t.UpdatesSinceLastPrep = 0
	t.unsignedSinceLastCheck = 0
	t.ErrorCode = 0
	t.OtherData = nil
}

// Prepare starts a new digest for one message. If priorMAC is non-empty
// (chaining inside a multi-message AXFR/IXFR response) it is fed in first,
// length-prefixed as a 16-bit big-endian count, per RFC 8945 §4.4.
func (t *RR) Prepare() error {
	if t.Key == nil || t.Algorithm == nil {
		return fmt.Errorf("xfrcore: tsig: Prepare called before Reset")
	}
	t.h = hmac.New(t.Algorithm.New, t.Key.Secret)
	if len(t.priorMAC) > 0 {
		var lenBuf [2]byte
		lenBuf[0] = byte(len(t.priorMAC) >> 8)
		lenBuf[1] = byte(len(t.priorMAC))
		t.h.Write(lenBuf[:])
		t.h.Write(t.priorMAC)
	}
	t.UpdatesSinceLastPrep = 0
	return nil
}

// Update feeds the first n octets of wire, with the 16-bit ID field at
// offset 0 temporarily substituted by OriginalQueryID — the C source's
// "update with original query id" rule, needed because a TCP-continuation
// response from the server reuses the query ID but our in-memory copy of
// the outbound query buffer may have been mutated.
func (t *RR) Update(wire []byte, n int) error {
	if t.h == nil {
		return fmt.Errorf("xfrcore: tsig: Update called before Prepare")
	}
	if n > len(wire) {
		return fmt.Errorf("xfrcore: tsig: Update: n=%d exceeds buffer length %d", n, len(wire))
	}
	buf := make([]byte, n)
	copy(buf, wire[:n])
	if n >= 2 {
		buf[0] = byte(t.OriginalQueryID >> 8)
		buf[1] = byte(t.OriginalQueryID)
	}
	t.h.Write(buf)
	t.UpdatesSinceLastPrep++
	return nil
}

// timersOnly implements the §4.2 "variables-block elision rule": only the
// second and later signatures in a response chain use the cheap
// timers-only form.
func (t *RR) timersOnly() bool {
	return t.ResponseCount > 1
}

// variablesBlock builds the TSIG "variables" digested after the wire
// bytes: key name, class=ANY, TTL=0, algorithm name, signed time
// (48 bits, high:u16 || low:u32), fudge, error, other-size/other-data —
// or, when timersOnly, just the signed-time/fudge pair (RFC 8945 §4.3.1).
func (t *RR) variablesBlock(timersOnly bool) []byte {
	var buf []byte
	u16 := func(v uint16) { buf = append(buf, byte(v>>8), byte(v)) }
	u32 := func(v uint32) { buf = append(buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v)) }

	if !timersOnly {
		b, _ := NewBuffer(len(t.Key.Name) + 2)
		_ = b.WriteDname(strings.ToLower(t.Key.Name))
		buf = append(buf, b.PayloadBytes()...)
		u16(255) // CLASS ANY
		u32(0)   // TTL 0
		ab, _ := NewBuffer(len(t.Algorithm.WireName) + 2)
		_ = ab.WriteDname(strings.ToLower(t.Algorithm.WireName))
		buf = append(buf, ab.PayloadBytes()...)
	}
	u16(t.SignedTimeHigh)
	u32(t.SignedTimeLow)
	u16(t.Fudge)
	if !timersOnly {
		u16(t.ErrorCode)
		u16(uint16(len(t.OtherData)))
		buf = append(buf, t.OtherData...)
	}
	return buf
}

// Sign finalises the digest started by Prepare/Update over the variables
// block, stores the result as the new prior MAC (for chaining to the next
// message), and bumps ResponseCount.
func (t *RR) Sign(now time.Time) ([]byte, error) {
	if t.h == nil {
		return nil, fmt.Errorf("xfrcore: tsig: Sign called before Prepare")
	}
	t.SignedTimeHigh = uint16(uint64(now.Unix()) >> 32)
	t.SignedTimeLow = uint32(uint64(now.Unix()))
	t.ResponseCount++
	t.h.Write(t.variablesBlock(t.timersOnly()))
	mac := t.h.Sum(nil)
	t.priorMAC = mac
	t.h = nil
	return mac, nil
}

// Append writes the TSIG RR into buf (already holding the signed message,
// position at end of message) and bumps ARCOUNT. The owner name is the
// key name, TYPE=TSIG(250), CLASS=ANY, TTL=0.
func (t *RR) Append(buf *Buffer, mac []byte) error {
	if err := buf.WriteDname(strings.ToLower(t.Key.Name)); err != nil {
		return err
	}
	if err := buf.WriteU16(250); err != nil { // TYPE TSIG
		return err
	}
	if err := buf.WriteU16(255); err != nil { // CLASS ANY
		return err
	}
	if err := buf.WriteU32(0); err != nil { // TTL
		return err
	}
	rdlenPos := buf.Position()
	if err := buf.WriteU16(0); err != nil { // rdlength placeholder
		return err
	}
	rdataStart := buf.Position()

	if err := buf.WriteDname(strings.ToLower(t.Algorithm.WireName)); err != nil {
		return err
	}
	if err := buf.WriteU16(t.SignedTimeHigh); err != nil {
		return err
	}
	if err := buf.WriteU32(t.SignedTimeLow); err != nil {
		return err
	}
	if err := buf.WriteU16(t.Fudge); err != nil {
		return err
	}
	if err := buf.WriteU16(uint16(len(mac))); err != nil {
		return err
	}
	if err := buf.WriteBytes(mac); err != nil {
		return err
	}
	if err := buf.WriteU16(t.OriginalQueryID); err != nil {
		return err
	}
	if err := buf.WriteU16(t.ErrorCode); err != nil {
		return err
	}
	if err := buf.WriteU16(uint16(len(t.OtherData))); err != nil {
		return err
	}
	if err := buf.WriteBytes(t.OtherData); err != nil {
		return err
	}
	rdlen := buf.Position() - rdataStart
	if err := buf.WriteU16At(rdlenPos, uint16(rdlen)); err != nil {
		return err
	}
	return buf.IncARCOUNT()
}

// FoundTsig is the parsed-out result of Find: the original message limit
// (with the TSIG RR stripped from the logical view) plus the decoded RR
// fields needed to verify it.
type FoundTsig struct {
	MessageEnd      int // buffer offset where the TSIG RR starts
	KeyName         string
	AlgorithmName   string
	SignedTimeHigh  uint16
	SignedTimeLow   uint32
	Fudge           uint16
	MAC             []byte
	OriginalQueryID uint16
	ErrorCode       uint16
	OtherData       []byte
}

// SignedTime reconstructs the 48-bit signed time as a single integer.
func (f *FoundTsig) SignedTime() int64 {
	return (int64(f.SignedTimeHigh) << 32) | int64(f.SignedTimeLow)
}

// Find locates a trailing TSIG RR in a decoded message if ARCOUNT > 0 and
// the last additional RR has TYPE=TSIG. It does not mutate buf; Verify
// adjusts ARCOUNT on its own copy of the message when re-digesting.
func Find(b *Buffer) (*FoundTsig, error) {
	savedPos := b.position
	defer func() { b.position = savedPos }()

	arcount, err := b.ARCOUNT()
	if err != nil {
		return nil, err
	}
	if arcount == 0 {
		return nil, nil
	}

	if err := b.SetPosition(HeaderSize); err != nil {
		return nil, err
	}
	qd, _ := b.QDCOUNT()
	an, _ := b.ANCOUNT()
	ns, _ := b.NSCOUNT()
	for i := uint16(0); i < qd; i++ {
		if err := b.SkipDname(); err != nil {
			return nil, err
		}
		if err := b.Skip(4); err != nil { // type, class
			return nil, err
		}
	}
	for i := uint16(0); i < an+ns; i++ {
		if err := b.SkipRR(); err != nil {
			return nil, err
		}
	}

	var lastTsigStart = -1
	var found *FoundTsig
	for i := uint16(0); i < arcount; i++ {
		rrStart := b.position
		name, err := b.ReadDname()
		if err != nil {
			return nil, err
		}
		rrtype, err := b.ReadU16()
		if err != nil {
			return nil, err
		}
		if err := b.Skip(2 + 4); err != nil { // class, ttl
			return nil, err
		}
		rdlen, err := b.ReadU16()
		if err != nil {
			return nil, err
		}
		rdataStart := b.position
		if rrtype == 250 { // TSIG
			alg, err := b.ReadDname()
			if err != nil {
				return nil, err
			}
			th, err := b.ReadU16()
			if err != nil {
				return nil, err
			}
			tl, err := b.ReadU32()
			if err != nil {
				return nil, err
			}
			fudge, err := b.ReadU16()
			if err != nil {
				return nil, err
			}
			macsize, err := b.ReadU16()
			if err != nil {
				return nil, err
			}
			mac, err := b.ReadBytes(int(macsize))
			if err != nil {
				return nil, err
			}
			origID, err := b.ReadU16()
			if err != nil {
				return nil, err
			}
			errcode, err := b.ReadU16()
			if err != nil {
				return nil, err
			}
			otherlen, err := b.ReadU16()
			if err != nil {
				return nil, err
			}
			other, err := b.ReadBytes(int(otherlen))
			if err != nil {
				return nil, err
			}
			lastTsigStart = rrStart
			found = &FoundTsig{
				MessageEnd:      rrStart,
				KeyName:         name,
				AlgorithmName:   alg,
				SignedTimeHigh:  th,
				SignedTimeLow:   tl,
				Fudge:           fudge,
				MAC:             append([]byte(nil), mac...),
				OriginalQueryID: origID,
				ErrorCode:       errcode,
				OtherData:       append([]byte(nil), other...),
			}
		} else {
			if err := b.SetPosition(rdataStart + int(rdlen)); err != nil {
				return nil, err
			}
		}
	}
	if lastTsigStart < 0 {
		return nil, nil
	}
	return found, nil
}

// Lookup cross-references a FoundTsig's algorithm and key against the
// registry and checks the signed time against the wall clock within
// ±fudge. On a time mismatch it returns TsigError/BADTIME with 6 octets of
// other-data carrying the server's current time, per §4.2.
func Lookup(reg *Registry, f *FoundTsig, now time.Time) (TsigErrorKind, uint16, []byte, *Key, *Algorithm) {
	algo, ok := reg.AlgoLookup(f.AlgorithmName)
	if !ok {
		return TsigError, RcodeBadKey, nil, nil, nil
	}
	key, ok := reg.KeyLookup(f.KeyName)
	if !ok {
		return TsigError, RcodeBadKey, nil, nil, nil
	}
	delta := now.Unix() - f.SignedTime()
	if delta < 0 {
		delta = -delta
	}
	if delta > int64(f.Fudge) {
		nowHigh := uint16(uint64(now.Unix()) >> 32)
		nowLow := uint32(uint64(now.Unix()))
		other := []byte{
			byte(nowHigh >> 8), byte(nowHigh),
			byte(nowLow >> 24), byte(nowLow >> 16), byte(nowLow >> 8), byte(nowLow),
		}
		return TsigError, RcodeBadTime, other, key, algo
	}
	return TsigOK, 0, nil, key, algo
}

// Verify recomputes the HMAC over the stripped message (up to
// f.MessageEnd, with ARCOUNT no longer counting the TSIG RR and the ID
// set back to f.OriginalQueryID, as it was when signed) plus the
// appropriate variables block and byte-compares it
// against f.MAC. priorMAC is the request MAC to chain in (empty for the
// first message of an exchange); timersOnly selects the elided variables
// block for the second-and-later message in a chain.
func Verify(reg *Registry, key *Key, algo *Algorithm, rawMessage []byte, f *FoundTsig, priorMAC []byte, timersOnly bool) (TsigErrorKind, uint16) {
	hm := hmac.New(algo.New, key.Secret)
	if len(priorMAC) > 0 {
		var lenBuf [2]byte
		lenBuf[0] = byte(len(priorMAC) >> 8)
		lenBuf[1] = byte(len(priorMAC))
		hm.Write(lenBuf[:])
		hm.Write(priorMAC)
	}
	msg := append([]byte(nil), rawMessage[:f.MessageEnd]...)
	if len(msg) >= HeaderSize {
		arcount := uint16(msg[10])<<8 | uint16(msg[11])
		arcount--
		msg[10], msg[11] = byte(arcount>>8), byte(arcount)
		msg[0], msg[1] = byte(f.OriginalQueryID>>8), byte(f.OriginalQueryID)
	}
	hm.Write(msg)

	tmp := &RR{
		Key:            key,
		Algorithm:      algo,
		SignedTimeHigh: f.SignedTimeHigh,
		SignedTimeLow:  f.SignedTimeLow,
		Fudge:          f.Fudge,
		ErrorCode:      f.ErrorCode,
		OtherData:      f.OtherData,
	}
	hm.Write(tmp.variablesBlock(timersOnly))

	computed := hm.Sum(nil)
	if !hmac.Equal(computed, f.MAC) {
		return TsigError, RcodeBadSig
	}
	return TsigOK, 0
}

// MaxUnsignedResponses is how many consecutive unsigned responses are
// tolerated within one multi-packet chain once the first response has
// carried a valid TSIG, per §4.2.
const MaxUnsignedResponses = 100

// NoteUnsigned records one more unsigned response in the chain, returning
// false once the tolerance is exceeded.
func (t *RR) NoteUnsigned() bool {
	t.unsignedSinceLastCheck++
	return t.unsignedSinceLastCheck <= MaxUnsignedResponses
}

// NoteSigned resets the unsigned-response counter after a verified TSIG.
func (t *RR) NoteSigned() {
	t.unsignedSinceLastCheck = 0
}

// PriorMAC exposes the chained MAC from the last Sign/Verify, for tests
// and for threading across Buffer boundaries explicitly rather than via a
// shared mutable RR.
func (t *RR) PriorMAC() []byte { return t.priorMAC }

// SetPriorMAC installs a chained MAC, e.g. the request MAC before
// verifying the first response in an AXFR/IXFR exchange.
func (t *RR) SetPriorMAC(mac []byte) { t.priorMAC = mac }
