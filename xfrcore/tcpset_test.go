package xfrcore

import (
	"testing"

	"golang.org/x/sys/unix"
)

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		t.Fatalf("SetNonblock: %v", err)
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		t.Fatalf("SetNonblock: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestConnWriteThenReadRoundTrip(t *testing.T) {
	writerFD, readerFD := socketPair(t)

	payload, err := NewBuffer(64)
	if err != nil {
		t.Fatalf("NewBuffer: %v", err)
	}
	if err := payload.WriteBytes([]byte("hello zone transfer")); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}
	payload.Flip()

	writer := &Conn{FD: writerFD}
	writer.PrepareWrite(payload)
	for {
		res, err := writer.Write()
		if err != nil {
			t.Fatalf("Write: %v", err)
		}
		if res == IODone {
			break
		}
	}
	if !writer.Complete() {
		t.Errorf("writer should report Complete() after IODone")
	}

	recvBuf, err := NewBuffer(64)
	if err != nil {
		t.Fatalf("NewBuffer: %v", err)
	}
	reader := &Conn{FD: readerFD}
	reader.Ready(recvBuf)
	for {
		res, err := reader.Read()
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if res == IODone {
			break
		}
	}
	if !reader.Complete() {
		t.Errorf("reader should report Complete() after IODone")
	}
	if got := string(recvBuf.PayloadBytes()); got != "hello zone transfer" {
		t.Errorf("received payload = %q, want %q", got, "hello zone transfer")
	}
}

func TestConnReadRejectsOversizeMessage(t *testing.T) {
	writerFD, readerFD := socketPair(t)

	payload, err := NewBuffer(4)
	if err != nil {
		t.Fatalf("NewBuffer: %v", err)
	}
	_ = payload.WriteBytes([]byte("abcd"))
	payload.Flip()

	writer := &Conn{FD: writerFD}
	writer.PrepareWrite(payload)
	for {
		res, err := writer.Write()
		if err != nil {
			t.Fatalf("Write: %v", err)
		}
		if res == IODone {
			break
		}
	}

	tooSmall, err := NewBuffer(2) // smaller than the 4-byte message just sent
	if err != nil {
		t.Fatalf("NewBuffer: %v", err)
	}
	reader := &Conn{FD: readerFD}
	reader.Ready(tooSmall)

	var lastErr error
	var lastRes IOResult
	for i := 0; i < 10; i++ {
		lastRes, lastErr = reader.Read()
		if lastRes != IOShort {
			break
		}
	}
	if lastRes != IOError || lastErr == nil {
		t.Errorf("Read() of oversize message = %v/%v, want IOError with a non-nil error", lastRes, lastErr)
	}
}

func TestSetObtainAndWaitingFIFO(t *testing.T) {
	s := NewSet()
	conns := make([]*Conn, TCPSetMax)
	for i := 0; i < TCPSetMax; i++ {
		conns[i] = &Conn{}
		if !s.Obtain("zone", conns[i]) {
			t.Fatalf("Obtain should succeed while slots remain, failed at i=%d", i)
		}
	}
	if s.Count() != TCPSetMax {
		t.Fatalf("Count = %d, want %d", s.Count(), TCPSetMax)
	}

	overflow := &Conn{}
	if s.Obtain("zone-overflow", overflow) {
		t.Errorf("Obtain should fail once the pool is full")
	}
	if !s.IsWaiting("zone-overflow") {
		t.Errorf("zone-overflow should be queued on the waiting FIFO")
	}

	next, ok := s.Release(conns[0])
	if !ok || next != "zone-overflow" {
		t.Errorf("Release = %q/%v, want zone-overflow/true", next, ok)
	}
	if s.Count() != TCPSetMax-1 {
		t.Errorf("Count after release = %d, want %d", s.Count(), TCPSetMax-1)
	}
}
