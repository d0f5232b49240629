/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package main

import (
	"fmt"
	"log"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/opendnssec/xfrd/xfrcore"
)

// udpMaxMessageLen bounds one UDP probe response, §6 EXTERNAL INTERFACES.
const udpMaxMessageLen = 4096

// attemptState is the live state of one zone's in-progress master
// attempt: either a one-shot UDP probe or a pooled TCP connection
// (§4.7's UDP-probe / TCP-xfer-pending / TCP-xfer-read states).
type attemptState struct {
	zone       string
	masterIdx  int
	viaUDP     bool
	retransfer bool

	fd        int
	handlerID xfrcore.HandlerID

	tcpConn *xfrcore.Conn // non-nil once a TCP slot has been obtained
	queued  bool          // true while waiting on tcpset's FIFO

	writeQuery []byte // pending outbound query bytes, TCP connect-in-progress case
}

func masterSockaddr(m xfrcore.MasterConf) (unix.Sockaddr, int, error) {
	ip := net.ParseIP(m.Address)
	if ip == nil {
		return nil, 0, fmt.Errorf("invalid master address %q", m.Address)
	}
	port := int(m.Port)
	if port == 0 {
		port = 53
	}
	if v4 := ip.To4(); v4 != nil {
		var addr [4]byte
		copy(addr[:], v4)
		return &unix.SockaddrInet4{Port: port, Addr: addr}, unix.AF_INET, nil
	}
	var addr [16]byte
	copy(addr[:], ip.To16())
	return &unix.SockaddrInet6{Port: port, Addr: addr}, unix.AF_INET6, nil
}

// scheduleInitialAttempt starts the zone's first attempt at process
// startup: a fresh round from the head of the master list.
func (d *daemon) scheduleInitialAttempt(zr *zoneRuntime) {
	zr.state.StartRound(-1)
	d.startAttempt(zr, false)
}

// startAttempt begins one master attempt for zr: a UDP IXFR probe, a
// pooled TCP AXFR, or a pooled TCP IXFR, per ChooseWire (§4.7).
func (d *daemon) startAttempt(zr *zoneRuntime, retransferForced bool) {
	now := d.clock.Now()
	master := zr.state.CurrentMaster()
	if master == nil {
		log.Printf("xfrd: zone %s: no masters configured", zr.state.Name)
		return
	}

	zr.state.ResetInFlight(retransferForced)
	wire := zr.state.ChooseWire(now, retransferForced)

	tsigRR := d.buildTsigRR(zr, master.Conf)
	id := uint16(now.UnixNano())
	query := xfrcore.BuildQuery(zr.state, wire, id)
	wireBytes, err := xfrcore.SignQuery(query, tsigRR, now)
	if err != nil {
		log.Printf("xfrd: zone %s: sign query: %v", zr.state.Name, err)
		d.advanceOrRetry(zr)
		return
	}
	zr.state.Tsig = tsigRR

	if wire == xfrcore.WireUDPIXFR {
		d.startUDPAttempt(zr, wireBytes)
		return
	}
	d.startTCPAttempt(zr, wireBytes, retransferForced)
}

func (d *daemon) buildTsigRR(zr *zoneRuntime, m xfrcore.MasterConf) *xfrcore.RR {
	if m.NoTSIG || zr.tsigKey == nil {
		return nil
	}
	rr := xfrcore.NewRR(d.registry)
	rr.Reset(zr.tsigKey, zr.tsigAlgo)
	return rr
}

func (d *daemon) startUDPAttempt(zr *zoneRuntime, wireBytes []byte) {
	master := zr.state.CurrentMaster()
	sa, family, err := masterSockaddr(master.Conf)
	if err != nil {
		log.Printf("xfrd: zone %s: %v", zr.state.Name, err)
		d.advanceOrRetry(zr)
		return
	}

	fd, err := unix.Socket(family, unix.SOCK_DGRAM, 0)
	if err != nil {
		log.Printf("xfrd: zone %s: socket: %v", zr.state.Name, err)
		d.advanceOrRetry(zr)
		return
	}
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		log.Printf("xfrd: zone %s: connect udp: %v", zr.state.Name, err)
		d.advanceOrRetry(zr)
		return
	}
	if _, err := unix.Write(fd, wireBytes); err != nil {
		unix.Close(fd)
		log.Printf("xfrd: zone %s: send udp probe: %v", zr.state.Name, err)
		d.advanceOrRetry(zr)
		return
	}

	deadline := d.clock.Now().Add(xfrcore.XfrdUDPTimeout)
	as := &attemptState{zone: zr.state.Name, masterIdx: zr.state.CurrentMasterIdx, viaUDP: true, fd: fd}
	zr.attempt = as

	h := &xfrcore.Handler{
		FD:       fd,
		Deadline: &deadline,
		Interest: xfrcore.EventRead | xfrcore.EventTimeout,
	}
	h.Callback = func(r *xfrcore.Reactor, id xfrcore.HandlerID, fired xfrcore.EventMask, now time.Time) {
		d.onUDPEvent(zr, as, fired, now)
	}
	as.handlerID = d.reactor.Add(h)
}

func (d *daemon) onUDPEvent(zr *zoneRuntime, as *attemptState, fired xfrcore.EventMask, now time.Time) {
	d.reactor.Remove(as.handlerID)
	defer unix.Close(as.fd)
	defer func() {
		// A fallback or follow-up attempt may already have replaced
		// zr.attempt; only clear it if it's still this probe.
		if zr.attempt == as {
			zr.attempt = nil
		}
	}()

	if fired&xfrcore.EventTimeout != 0 && fired&xfrcore.EventRead == 0 {
		log.Printf("xfrd: zone %s: udp probe timed out", zr.state.Name)
		d.advanceOrRetry(zr)
		return
	}

	buf := make([]byte, udpMaxMessageLen)
	n, err := unix.Read(as.fd, buf)
	if err != nil {
		log.Printf("xfrd: zone %s: udp probe read: %v", zr.state.Name, err)
		d.advanceOrRetry(zr)
		return
	}

	d.handleWireResponse(zr, buf[:n], true, now)
}

func (d *daemon) startTCPAttempt(zr *zoneRuntime, wireBytes []byte, retransferForced bool) {
	master := zr.state.CurrentMaster()
	sa, family, err := masterSockaddr(master.Conf)
	if err != nil {
		log.Printf("xfrd: zone %s: %v", zr.state.Name, err)
		d.advanceOrRetry(zr)
		return
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		log.Printf("xfrd: zone %s: socket: %v", zr.state.Name, err)
		d.advanceOrRetry(zr)
		return
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		log.Printf("xfrd: zone %s: set nonblock: %v", zr.state.Name, err)
		d.advanceOrRetry(zr)
		return
	}

	as := &attemptState{
		zone: zr.state.Name, masterIdx: zr.state.CurrentMasterIdx,
		fd: fd, writeQuery: wireBytes, retransfer: retransferForced,
	}
	zr.attempt = as

	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		log.Printf("xfrd: zone %s: connect tcp: %v", zr.state.Name, err)
		d.advanceOrRetry(zr)
		return
	}

	deadline := d.clock.Now().Add(xfrcore.XfrdTCPTimeout)
	h := &xfrcore.Handler{FD: fd, Deadline: &deadline, Interest: xfrcore.EventWrite | xfrcore.EventTimeout}
	h.Callback = func(r *xfrcore.Reactor, id xfrcore.HandlerID, fired xfrcore.EventMask, now time.Time) {
		d.onTCPConnectEvent(zr, as, fired, now)
	}
	as.handlerID = d.reactor.Add(h)
}

// onTCPConnectEvent fires once the nonblocking connect completes (or
// times out). A successful connect promotes the attempt into the tcpset
// pool and arms the write state machine for the outbound query.
func (d *daemon) onTCPConnectEvent(zr *zoneRuntime, as *attemptState, fired xfrcore.EventMask, now time.Time) {
	d.reactor.Remove(as.handlerID)

	if fired&xfrcore.EventTimeout != 0 && fired&xfrcore.EventWrite == 0 {
		unix.Close(as.fd)
		log.Printf("xfrd: zone %s: tcp connect timed out", zr.state.Name)
		d.advanceOrRetry(zr)
		return
	}
	if errno, err := unix.GetsockoptInt(as.fd, unix.SOL_SOCKET, unix.SO_ERROR); err != nil || errno != 0 {
		unix.Close(as.fd)
		log.Printf("xfrd: zone %s: tcp connect failed: errno=%d err=%v", zr.state.Name, errno, err)
		d.advanceOrRetry(zr)
		return
	}

	conn := &xfrcore.Conn{FD: as.fd}
	buf, err := xfrcore.NewBuffer(len(as.writeQuery))
	if err != nil {
		unix.Close(as.fd)
		log.Printf("xfrd: zone %s: alloc write buffer: %v", zr.state.Name, err)
		d.advanceOrRetry(zr)
		return
	}
	_ = buf.WriteBytes(as.writeQuery)
	buf.Flip()
	conn.PrepareWrite(buf)
	as.tcpConn = conn

	if !d.tcp.Obtain(zr.state.Name, conn) {
		as.queued = true
		return // promoted later by releaseTCPSlot when a slot frees up
	}
	d.armTCPWrite(zr, as)
}

func (d *daemon) armTCPWrite(zr *zoneRuntime, as *attemptState) {
	deadline := d.clock.Now().Add(xfrcore.XfrdTCPTimeout)
	h := &xfrcore.Handler{FD: as.fd, Deadline: &deadline, Interest: xfrcore.EventWrite | xfrcore.EventTimeout}
	h.Callback = func(r *xfrcore.Reactor, id xfrcore.HandlerID, fired xfrcore.EventMask, now time.Time) {
		d.onTCPWriteEvent(zr, as, fired, now)
	}
	as.handlerID = d.reactor.Add(h)
}

func (d *daemon) onTCPWriteEvent(zr *zoneRuntime, as *attemptState, fired xfrcore.EventMask, now time.Time) {
	if fired&xfrcore.EventTimeout != 0 && fired&xfrcore.EventWrite == 0 {
		d.reactor.Remove(as.handlerID)
		d.releaseTCPSlot(zr, as)
		log.Printf("xfrd: zone %s: tcp write timed out", zr.state.Name)
		d.advanceOrRetry(zr)
		return
	}
	res, err := as.tcpConn.Write()
	if res == xfrcore.IOShort {
		return // reactor re-arms on next writability
	}
	d.reactor.Remove(as.handlerID)
	if res == xfrcore.IOError {
		d.releaseTCPSlot(zr, as)
		log.Printf("xfrd: zone %s: tcp write: %v", zr.state.Name, err)
		d.advanceOrRetry(zr)
		return
	}
	d.armTCPRead(zr, as)
}

func (d *daemon) armTCPRead(zr *zoneRuntime, as *attemptState) {
	buf, err := xfrcore.NewBuffer(65535)
	if err != nil {
		d.releaseTCPSlot(zr, as)
		log.Printf("xfrd: zone %s: alloc read buffer: %v", zr.state.Name, err)
		d.advanceOrRetry(zr)
		return
	}
	as.tcpConn.Ready(buf)

	deadline := d.clock.Now().Add(xfrcore.XfrdTCPTimeout)
	h := &xfrcore.Handler{FD: as.fd, Deadline: &deadline, Interest: xfrcore.EventRead | xfrcore.EventTimeout}
	h.Callback = func(r *xfrcore.Reactor, id xfrcore.HandlerID, fired xfrcore.EventMask, now time.Time) {
		d.onTCPReadEvent(zr, as, fired, now)
	}
	as.handlerID = d.reactor.Add(h)
}

func (d *daemon) onTCPReadEvent(zr *zoneRuntime, as *attemptState, fired xfrcore.EventMask, now time.Time) {
	if fired&xfrcore.EventTimeout != 0 && fired&xfrcore.EventRead == 0 {
		d.reactor.Remove(as.handlerID)
		d.releaseTCPSlot(zr, as)
		log.Printf("xfrd: zone %s: tcp read timed out", zr.state.Name)
		d.advanceOrRetry(zr)
		return
	}
	res, err := as.tcpConn.Read()
	if res == xfrcore.IOShort {
		return
	}
	d.reactor.Remove(as.handlerID)
	if res == xfrcore.IOError {
		d.releaseTCPSlot(zr, as)
		log.Printf("xfrd: zone %s: tcp read: %v", zr.state.Name, err)
		d.advanceOrRetry(zr)
		return
	}

	wire := append([]byte(nil), as.tcpConn.Payload()...)
	action := d.handleWireResponse(zr, wire, false, now)
	if action == xfrcore.ActionKeepReading {
		d.armTCPRead(zr, as)
		return
	}
	d.releaseTCPSlot(zr, as)
}

// releaseTCPSlot frees as's tcpset slot and promotes the next waiting
// zone's attempt (if any), per §4.6's FIFO acquisition rule.
func (d *daemon) releaseTCPSlot(zr *zoneRuntime, as *attemptState) {
	unix.Close(as.fd)
	// A fallback retry (TC/NOTIMPL) may already have replaced zr.attempt
	// with a fresh attemptState before this release runs; only clear it
	// if it's still this one.
	if zr.attempt == as {
		zr.attempt = nil
	}
	if as.tcpConn == nil {
		return
	}
	zoneName, ok := d.tcp.Release(as.tcpConn)
	if !ok {
		return
	}
	if next, ok := d.zones.Get(zoneName); ok && next.attempt != nil && next.attempt.queued {
		next.attempt.queued = false
		d.tcp.Obtain(zoneName, next.attempt.tcpConn)
		d.armTCPWrite(next, next.attempt)
	}
}

// handleWireResponse classifies one response message via xfrcore and
// acts on the decision (§4.7's per-outcome timer/master-rotation rules).
// It returns the NextAction so TCP callers know whether to keep reading.
func (d *daemon) handleWireResponse(zr *zoneRuntime, wire []byte, viaUDP bool, now time.Time) xfrcore.NextAction {
	cr, action, err := xfrcore.HandleResponse(zr.state, zr.journal, wire, viaUDP, now)
	if err != nil {
		log.Printf("xfrd: zone %s: handle response: %v (classified %v)", zr.state.Name, err, cr)
	}

	switch action {
	case xfrcore.ActionKeepReading:
		return action
	case xfrcore.ActionRetryTCP:
		d.startTCPAttempt(zr, mustResign(zr, xfrcore.WireTCPIXFR, now), zr.attempt.retransfer)
	case xfrcore.ActionRetryTCPNoIxfr:
		d.startTCPAttempt(zr, mustResign(zr, xfrcore.WireTCPAXFR, now), zr.attempt.retransfer)
	case xfrcore.ActionAdvanceMaster:
		d.advanceOrRetry(zr)
	case xfrcore.ActionRoundDone:
		zr.refreshTimerID = d.scheduleNextAttempt(zr, xfrcore.RefreshDeadline(zr.lastSOAOrDefault(), now))
	case xfrcore.ActionRoundContinues:
		d.startAttempt(zr, false)
	case xfrcore.ActionBackoffRetry:
		zr.refreshTimerID = d.scheduleNextAttempt(zr, xfrcore.RetryDeadline(zr.lastSOAOrDefault(), now))
	}
	return action
}

// mustResign rebuilds and signs the fallback query for a same-master
// retry (TC -> TCP, or NOTIMPL -> AXFR); errors here are logged and
// degrade to an unsigned query rather than losing the attempt outright,
// since a signature failure at this point means a local registry
// problem, not a hostile response.
func mustResign(zr *zoneRuntime, wire xfrcore.WireChoice, now time.Time) []byte {
	q := xfrcore.BuildQuery(zr.state, wire, uint16(now.UnixNano()))
	wireBytes, err := xfrcore.SignQuery(q, zr.state.Tsig, now)
	if err != nil {
		log.Printf("xfrd: zone %s: resign fallback query: %v", zr.state.Name, err)
		wireBytes, _ = q.Pack()
	}
	return wireBytes
}

// advanceOrRetry implements the master-rotation half of §4.7: move on to
// the next master, or back off until retry once every master has been
// tried XfrdMaxRounds times.
func (d *daemon) advanceOrRetry(zr *zoneRuntime) {
	now := d.clock.Now()
	if xfrcore.AdvanceOrBackoff(zr.state) == xfrcore.ActionBackoffRetry {
		zr.refreshTimerID = d.scheduleNextAttempt(zr, xfrcore.RetryDeadline(zr.lastSOAOrDefault(), now))
		return
	}
	d.startAttempt(zr, false)
}

// scheduleNextAttempt arms a timer-only reactor handler for the zone's
// next scheduled attempt (refresh or retry), replacing any previous one.
func (d *daemon) scheduleNextAttempt(zr *zoneRuntime, deadline time.Time) xfrcore.HandlerID {
	h := &xfrcore.Handler{FD: -1, Deadline: &deadline, Interest: xfrcore.EventTimeout}
	h.Callback = func(r *xfrcore.Reactor, id xfrcore.HandlerID, fired xfrcore.EventMask, now time.Time) {
		r.Remove(id)
		zr.state.StartRound(-1)
		d.startAttempt(zr, false)
	}
	return d.reactor.Add(h)
}

// lastSOAOrDefault returns the zone's last known SOA timers (nil until
// its first successful transfer), for RefreshDeadline/RetryDeadline,
// which both fall back to a conservative default when given nil.
func (zr *zoneRuntime) lastSOAOrDefault() *xfrcore.SOA { return zr.state.CachedSOA }
