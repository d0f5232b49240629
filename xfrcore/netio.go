/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package xfrcore

import (
	"time"

	"golang.org/x/sys/unix"
)

// EventMask is the OR-able set of events a Handler is willing to accept,
// mirroring netio_events_enum.
type EventMask int

const (
	EventNone    EventMask = 0
	EventRead    EventMask = 1 << iota
	EventWrite
	EventExcept
	EventTimeout
)

// HandlerID is a handle/index into the Reactor-local handler arena,
// replacing the cross-thread raw `netio_handler_type*` pointer that
// `xfrd` stored by value in the original source (§9 DESIGN NOTES).
type HandlerID int

// Handler is one registered event source. Callback receives the mask of
// events that actually fired (a subset of Interest) and the time cached
// for this dispatch call.
type Handler struct {
	FD       int // -1 means timer-only
	Deadline *time.Time
	Interest EventMask
	Callback func(r *Reactor, id HandlerID, fired EventMask, now time.Time)

	removed bool
}

// Reactor is the single-threaded cooperative event loop described in
// §4.5, built directly on unix.Pselect — the ecosystem's idiomatic
// binding for the source's pselect(2)-based dispatch, per SPEC_FULL.md
// §B.
type Reactor struct {
	clock Clock

	handlers map[HandlerID]*Handler
	nextID   HandlerID

	now      time.Time
	haveNow  bool
	dispatchNext HandlerID // the handler id the current dispatch loop is about to invoke
	inDispatch   bool
}

// NewReactor builds an empty Reactor. clock is injected per §9 DESIGN
// NOTES ("process-wide mutable time_now override ... model as an
// injected clock").
func NewReactor(clock Clock) *Reactor {
	if clock == nil {
		clock = WallClock{}
	}
	return &Reactor{clock: clock, handlers: make(map[HandlerID]*Handler)}
}

// Add registers a new handler and returns its stable ID.
func (r *Reactor) Add(h *Handler) HandlerID {
	id := r.nextID
	r.nextID++
	r.handlers[id] = h
	return id
}

// Remove cancels a handler. Nulling it in the list (rather than deleting
// outright while a dispatch loop may be mid-iteration) tolerates the
// "dispatched handler may remove itself or its successor" contract
// described in §4.5: if id is the handler the in-progress dispatch was
// about to invoke next, Remove advances dispatchNext past it.
func (r *Reactor) Remove(id HandlerID) {
	h, ok := r.handlers[id]
	if !ok {
		return
	}
	h.removed = true
	delete(r.handlers, id)
	if r.inDispatch && r.dispatchNext == id {
		r.advanceDispatchNext(id)
	}
}

func (r *Reactor) advanceDispatchNext(after HandlerID) {
	// IDs are monotonically increasing; the next live one (if any) is the
	// smallest remaining ID greater than `after`.
	best := HandlerID(-1)
	for id := range r.handlers {
		if id > after && (best == -1 || id < best) {
			best = id
		}
	}
	r.dispatchNext = best
}

// Now returns the time cached for the current dispatch call, or the
// underlying clock's current time if called outside Dispatch.
func (r *Reactor) Now() time.Time {
	if r.haveNow {
		return r.now
	}
	return r.clock.Now()
}

// earliestDeadline scans all handlers for the soonest absolute timeout,
// used to bound the pselect wait.
func (r *Reactor) earliestDeadline(now time.Time) (time.Time, bool) {
	var best time.Time
	found := false
	for _, h := range r.handlers {
		if h.Deadline == nil {
			continue
		}
		if !found || h.Deadline.Before(best) {
			best = *h.Deadline
			found = true
		}
	}
	return best, found
}

// Dispatch computes the wait bound from the earliest handler deadline
// (capped by maxWait), calls pselect once, then invokes every handler
// whose interest intersects the fired events or whose deadline has
// passed. A "now" is cached for the wait computation and taken again
// once pselect returns, so every callback of the call observes the same
// post-wait clock; it is cleared again before returning.
func (r *Reactor) Dispatch(maxWait time.Duration, sigmask *unix.Sigset_t) error {
	now := r.clock.Now()
	r.now = now
	r.haveNow = true
	defer func() { r.haveNow = false }()

	wait := maxWait
	if deadline, ok := r.earliestDeadline(now); ok {
		if d := deadline.Sub(now); d < wait {
			wait = d
		}
	}
	if wait < 0 {
		wait = 0
	}

	var readFDs, writeFDs, exceptFDs unix.FdSet
	maxFD := -1
	for _, h := range r.handlers {
		if h.FD < 0 {
			continue
		}
		if h.Interest&EventRead != 0 {
			fdSet(&readFDs, h.FD)
		}
		if h.Interest&EventWrite != 0 {
			fdSet(&writeFDs, h.FD)
		}
		if h.Interest&EventExcept != 0 {
			fdSet(&exceptFDs, h.FD)
		}
		if h.FD > maxFD {
			maxFD = h.FD
		}
	}

	ts := unix.NsecToTimespec(wait.Nanoseconds())
	if maxFD >= 0 {
		if _, err := unix.Pselect(maxFD+1, &readFDs, &writeFDs, &exceptFDs, &ts, sigmask); err != nil {
			if err == unix.EINTR {
				// Signal delivery; re-check timers/fds on the next loop
				// iteration rather than treating this as fatal.
			} else {
				return NewError(FatalForProcess, "", "", err)
			}
		}
	} else {
		time.Sleep(wait)
	}

	now = r.clock.Now()
	r.haveNow = true
	r.now = now
	r.invokeAll(&readFDs, &writeFDs, &exceptFDs, maxFD, now)
	return nil
}

func (r *Reactor) invokeAll(readFDs, writeFDs, exceptFDs *unix.FdSet, maxFD int, now time.Time) {
	ids := make([]HandlerID, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}
	sortHandlerIDs(ids)

	r.inDispatch = true
	defer func() { r.inDispatch = false }()

	for i := 0; i < len(ids); i++ {
		id := ids[i]
		h, ok := r.handlers[id]
		if !ok || h.removed {
			continue
		}
		r.dispatchNext = idOrNext(ids, i+1)

		var firedMask EventMask
		if h.FD >= 0 && maxFD >= 0 {
			if h.Interest&EventRead != 0 && fdIsSet(readFDs, h.FD) {
				firedMask |= EventRead
			}
			if h.Interest&EventWrite != 0 && fdIsSet(writeFDs, h.FD) {
				firedMask |= EventWrite
			}
			if h.Interest&EventExcept != 0 && fdIsSet(exceptFDs, h.FD) {
				firedMask |= EventExcept
			}
		}
		if h.Interest&EventTimeout != 0 && h.Deadline != nil && !h.Deadline.After(now) {
			firedMask |= EventTimeout
		}
		if firedMask == EventNone {
			continue
		}
		h.Callback(r, id, firedMask, now)
	}
}

func idOrNext(ids []HandlerID, from int) HandlerID {
	if from < len(ids) {
		return ids[from]
	}
	return -1
}

func sortHandlerIDs(ids []HandlerID) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}

func fdSet(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}

func fdIsSet(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/64]&(1<<(uint(fd)%64)) != 0
}
