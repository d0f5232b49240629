package xfrcore

import (
	"testing"
	"time"
)

func TestNotifySessionAdvancesOnValidReply(t *testing.T) {
	s := NewNotifySession("example.com.", []NotifyPeer{
		{Address: "192.0.2.1"},
		{Address: "192.0.2.2"},
	})
	now := time.Unix(1700000000, 0)

	action, id := s.Tick(now, 11)
	if action != TickSend || id != 11 {
		t.Fatalf("Tick = %v/%d, want TickSend/11", action, id)
	}

	s.OnReply(Reply{QR: true, Opcode: OpcodeNotify, ID: 11, Rcode: 0})
	if s.index != 1 {
		t.Fatalf("index = %d, want 1 after valid reply", s.index)
	}
	if s.Done() {
		t.Fatalf("session should not be done with one peer left")
	}
}

func TestNotifySessionIgnoresReplyWithWrongID(t *testing.T) {
	s := NewNotifySession("example.com.", []NotifyPeer{{Address: "192.0.2.1"}})
	now := time.Unix(1700000000, 0)
	s.Tick(now, 11)

	s.OnReply(Reply{QR: true, Opcode: OpcodeNotify, ID: 99, Rcode: 0})
	if s.index != 0 {
		t.Errorf("index = %d, want 0 (reply with mismatched id must not advance)", s.index)
	}
}

func TestNotifySessionRetriesThenGivesUp(t *testing.T) {
	s := NewNotifySession("example.com.", []NotifyPeer{{Address: "192.0.2.1"}, {Address: "192.0.2.2"}})
	now := time.Unix(1700000000, 0)

	action, _ := s.Tick(now, 1)
	if action != TickSend {
		t.Fatalf("first Tick = %v, want TickSend", action)
	}

	// Retries happen every NotifyRetryTimeout up to NotifyMaxRetry times.
	for i := 1; i < NotifyMaxRetry; i++ {
		now = now.Add(NotifyRetryTimeout)
		action, _ = s.Tick(now, uint16(i+1))
		if action != TickSend {
			t.Fatalf("retry %d: Tick = %v, want TickSend", i, action)
		}
	}

	now = now.Add(NotifyRetryTimeout)
	action, _ = s.Tick(now, 99)
	if action != TickGiveUp {
		t.Fatalf("final Tick = %v, want TickGiveUp after %d retries", action, NotifyMaxRetry)
	}
	if s.index != 1 {
		t.Errorf("index = %d, want 1 after giving up on first peer", s.index)
	}
}

func TestNotifySessionWaitsBeforeRetryTimeout(t *testing.T) {
	s := NewNotifySession("example.com.", []NotifyPeer{{Address: "192.0.2.1"}})
	now := time.Unix(1700000000, 0)
	s.Tick(now, 1)

	action, _ := s.Tick(now.Add(time.Second), 2)
	if action != TickWait {
		t.Errorf("Tick before retry timeout = %v, want TickWait", action)
	}
}

func TestSchedulerEnforcesGlobalCap(t *testing.T) {
	sch := NewScheduler()
	for i := 0; i < NotifyMaxUDP; i++ {
		s := NewNotifySession("zone"+itoa(uint32(i)), nil)
		if !sch.Enqueue(s) {
			t.Fatalf("Enqueue should succeed while capacity remains, failed at i=%d", i)
		}
	}
	overflow := NewNotifySession("overflow-zone", nil)
	if sch.Enqueue(overflow) {
		t.Errorf("Enqueue should fail once NotifyMaxUDP sessions are active")
	}

	next, ok := sch.Release("zone0")
	if !ok || next != "overflow-zone" {
		t.Errorf("Release = %q/%v, want overflow-zone/true", next, ok)
	}
}
