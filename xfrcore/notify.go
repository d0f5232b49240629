/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package xfrcore

import (
	"time"
)

// NotifyMaxUDP is the global cap on concurrent outstanding NOTIFY UDP
// sends, §4.8.
const NotifyMaxUDP = 50

// NotifyMaxRetry is how many times one peer is resent a NOTIFY before
// giving up on it.
const NotifyMaxRetry = 5

// NotifyRetryTimeout is the wait between resends to the same peer.
const NotifyRetryTimeout = 15 * time.Second

// NotifyPeer is one secondary in a zone's NOTIFY peer list.
type NotifyPeer struct {
	Address string
	Port    uint16
	Tsig    string
}

// NotifySession tracks one zone's in-progress NOTIFY round: an ordered
// peer list and an index into it, matching "maintains an ordered list of
// peers and an index into it" in §4.8.
type NotifySession struct {
	Zone  string
	Peers []NotifyPeer
	index int

	attempt    int
	lastSentAt time.Time
	queryID    uint16
}

// NewNotifySession starts a round over peers, positioned at the first one.
func NewNotifySession(zone string, peers []NotifyPeer) *NotifySession {
	return &NotifySession{Zone: zone, Peers: peers}
}

// Done reports whether every peer has been notified or exhausted.
func (s *NotifySession) Done() bool { return s.index >= len(s.Peers) }

// Current returns the peer currently being notified, or nil if Done.
func (s *NotifySession) Current() *NotifyPeer {
	if s.Done() {
		return nil
	}
	return &s.Peers[s.index]
}

// advance moves to the next peer, resetting the per-peer retry state.
func (s *NotifySession) advance() {
	s.index++
	s.attempt = 0
}

// Reply is the minimal shape of a NOTIFY response needed to decide
// whether the current peer is satisfied: "Advance to next peer on any
// valid NOTIFY-reply (QR=1, OPCODE=NOTIFY, id matches, RCODE != NOTIMPL)"
// per §4.8.
type Reply struct {
	QR     bool
	Opcode uint8
	ID     uint16
	Rcode  uint8
}

const rcodeNotImpl = 4

// valid reports whether r satisfies the advance condition for the
// session's current outstanding query.
func (s *NotifySession) valid(r Reply) bool {
	return r.QR && r.Opcode == OpcodeNotify && r.ID == s.queryID && r.Rcode != rcodeNotImpl
}

// OnReply processes a reply for the in-flight query. If it satisfies the
// peer, the session advances; otherwise the reply is ignored (the caller
// keeps waiting for a valid reply or retry-exhaustion).
func (s *NotifySession) OnReply(r Reply) {
	if s.Done() {
		return
	}
	if s.valid(r) {
		s.advance()
	}
}

// Tick evaluates retry/resend/give-up for the current peer against now.
// The action is TickSend on the first attempt or a retry, TickGiveUp
// (the session advances to the next peer) when retries are exhausted, or
// TickWait when neither is due yet.
type TickAction int

const (
	TickWait TickAction = iota
	TickSend
	TickGiveUp
)

// Tick returns what the caller should do now for the current peer, and
// (when TickSend) the query id to use for the outgoing NOTIFY.
func (s *NotifySession) Tick(now time.Time, newID uint16) (TickAction, uint16) {
	if s.Done() {
		return TickWait, 0
	}
	if s.attempt == 0 {
		s.attempt = 1
		s.lastSentAt = now
		s.queryID = newID
		return TickSend, newID
	}
	if now.Sub(s.lastSentAt) < NotifyRetryTimeout {
		return TickWait, 0
	}
	if s.attempt >= NotifyMaxRetry {
		s.advance()
		return TickGiveUp, 0
	}
	s.attempt++
	s.lastSentAt = now
	s.queryID = newID
	return TickSend, newID
}

// Scheduler enforces the global NotifyMaxUDP concurrency cap across all
// zones' NotifySessions, promoting queued zones as slots free, the same
// acquire/release/FIFO shape as the TCP connection Set (§4.8, §9).
type Scheduler struct {
	active  map[string]*NotifySession
	waiting []string
}

// NewScheduler builds an empty notify scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{active: make(map[string]*NotifySession)}
}

// Enqueue admits session's zone if a slot is free, otherwise queues it.
func (sch *Scheduler) Enqueue(session *NotifySession) bool {
	if len(sch.active) < NotifyMaxUDP {
		sch.active[session.Zone] = session
		return true
	}
	sch.waiting = append(sch.waiting, session.Zone)
	return false
}

// Release frees zone's slot and returns the next queued zone name (if
// any) for the caller to re-admit via Enqueue.
func (sch *Scheduler) Release(zone string) (string, bool) {
	delete(sch.active, zone)
	if len(sch.waiting) == 0 {
		return "", false
	}
	next := sch.waiting[0]
	sch.waiting = sch.waiting[1:]
	return next, true
}

// Active returns the zone's session if it currently holds a slot.
func (sch *Scheduler) Active(zone string) (*NotifySession, bool) {
	s, ok := sch.active[zone]
	return s, ok
}
