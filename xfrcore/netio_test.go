package xfrcore

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestReactorFiresTimeoutHandler(t *testing.T) {
	r := NewReactor(WallClock{})
	deadline := time.Now().Add(10 * time.Millisecond)
	fired := false
	r.Add(&Handler{
		FD:       -1,
		Deadline: &deadline,
		Interest: EventTimeout,
		Callback: func(rr *Reactor, id HandlerID, mask EventMask, now time.Time) {
			if mask&EventTimeout == 0 {
				t.Errorf("callback invoked without EventTimeout set")
			}
			fired = true
		},
	})

	deadlineReached := time.Now().Add(2 * time.Second)
	for !fired && time.Now().Before(deadlineReached) {
		if err := r.Dispatch(50*time.Millisecond, nil); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}
	if !fired {
		t.Errorf("timeout handler never fired")
	}
}

func TestReactorFiresReadHandler(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])
	if err := unix.SetNonblock(fds[0], true); err != nil {
		t.Fatalf("SetNonblock: %v", err)
	}

	r := NewReactor(WallClock{})
	fired := false
	r.Add(&Handler{
		FD:       fds[0],
		Interest: EventRead,
		Callback: func(rr *Reactor, id HandlerID, mask EventMask, now time.Time) {
			fired = true
		},
	})

	if _, err := unix.Write(fds[1], []byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := r.Dispatch(time.Second, nil); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !fired {
		t.Errorf("read handler never fired after peer wrote data")
	}
}

func TestReactorRemoveDuringDispatchSkipsHandler(t *testing.T) {
	r := NewReactor(WallClock{})
	past := time.Now().Add(-time.Second)

	var secondFired bool
	var firstID, secondID HandlerID
	firstID = r.Add(&Handler{
		FD:       -1,
		Deadline: &past,
		Interest: EventTimeout,
		Callback: func(rr *Reactor, id HandlerID, mask EventMask, now time.Time) {
			rr.Remove(secondID)
		},
	})
	secondID = r.Add(&Handler{
		FD:       -1,
		Deadline: &past,
		Interest: EventTimeout,
		Callback: func(rr *Reactor, id HandlerID, mask EventMask, now time.Time) {
			secondFired = true
		},
	})

	if err := r.Dispatch(time.Millisecond, nil); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if secondFired {
		t.Errorf("handler removed by an earlier callback in the same dispatch still fired")
	}
	_ = firstID
}
