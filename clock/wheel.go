// SPDX-License-Identifier: MIT
// Copyright (c) 2025 go-udsstack contributors.

// Package clock implements the diagnostic core's timer wheel (C1): a
// monotonic millisecond clock plus a bounded table of one-shot callbacks,
// polled from the single foreground process() loop.
//
// Grounded on the teacher's cs104 client/server run loops, which poll a
// fixed-resolution ticker and compare deadlines with time.Since against
// several named timeouts (t0..t3) — generalized here into a reusable,
// capacity-bounded table of named timers instead of ad hoc fields.
package clock

import (
	"sync/atomic"
	"time"
)

// Kind identifies which subsystem armed a timer, purely for logging/
// debugging; the wheel itself treats it opaquely.
type Kind int

const (
	KindGeneric Kind = iota
	KindSession
	KindSecurityLockout
	KindISOTPRx
	KindISOTPTx
	KindDTCAging
	KindDTCBroadcast
	KindRoutine
	KindP2
)

// ID is a nonzero timer handle. Zero is never a valid id and signals failure
// from Start.
type ID uint32

// State is the lifecycle of one timer entry.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateExpired
)

// Callback is invoked by Process when a timer expires. It may call Start
// again (including restarting its own id) from within the callback; any
// timer armed this way joins the active set but cannot fire until a later
// Process call.
type Callback func(id ID, ctx interface{})

type entry struct {
	id       ID
	kind     Kind
	startTS  uint32
	duration uint32
	cb       Callback
	ctx      interface{}
	state    State
	periodic bool
}

// Wheel is the owned, explicit record C9 constructs first and passes by
// reference to every other component that needs to arm a timeout.
type Wheel struct {
	nowFn        func() uint32
	pollInterval uint32
	capacity     int
	nextID       uint32
	entries      map[ID]*entry
	order        []ID // insertion order, for deterministic Process iteration
}

const defaultCapacity = 64

// New constructs a Wheel. pollIntervalMs is the cadence Process is expected
// to be called at; durations shorter than this are clamped up to it, per
// spec §4.1. capacity bounds the number of simultaneously armed timers
// (minimum 32, per spec); 0 selects the default.
func New(pollIntervalMs uint32, capacity int) *Wheel {
	if capacity < 32 {
		capacity = defaultCapacity
	}
	if pollIntervalMs == 0 {
		pollIntervalMs = 10
	}
	epoch := time.Now()
	return &Wheel{
		nowFn: func() uint32 {
			return uint32(time.Since(epoch).Milliseconds())
		},
		pollInterval: pollIntervalMs,
		capacity:     capacity,
		entries:      make(map[ID]*entry, capacity),
	}
}

// NewWithClock is New but with an injectable time source, for deterministic
// tests: nowFn must return a free-running millisecond counter.
func NewWithClock(pollIntervalMs uint32, capacity int, nowFn func() uint32) *Wheel {
	w := New(pollIntervalMs, capacity)
	w.nowFn = nowFn
	return w
}

// NowMs returns the current value of the monotonic millisecond counter.
func (w *Wheel) NowMs() uint32 { return w.nowFn() }

// elapsedSince computes (now - start) tolerating u32 wraparound, per spec §3.
func elapsedSince(now, start uint32) uint32 { return now - start }

func (w *Wheel) allocID() ID {
	for i := 0; i < 1<<32; i++ {
		id := ID(atomic.AddUint32(&w.nextID, 1))
		if id == 0 {
			continue // wraparound must skip 0
		}
		if _, taken := w.entries[id]; !taken {
			return id
		}
	}
	return 0
}

// Start arms a new one-shot timer. Returns 0 if the bounded table is full;
// callers must handle that per spec §4.1's failure model.
func (w *Wheel) Start(kind Kind, durationMs uint32, cb Callback, ctx interface{}) ID {
	if len(w.entries) >= w.capacity {
		return 0
	}
	if durationMs < w.pollInterval {
		durationMs = w.pollInterval
	}
	id := w.allocID()
	if id == 0 {
		return 0
	}
	e := &entry{
		id:       id,
		kind:     kind,
		startTS:  w.nowFn(),
		duration: durationMs,
		cb:       cb,
		ctx:      ctx,
		state:    StateRunning,
	}
	w.entries[id] = e
	w.order = append(w.order, id)
	return id
}

// StartPeriodic arms a timer that re-arms itself with the same duration
// every time it fires, until Cancel is called.
func (w *Wheel) StartPeriodic(kind Kind, durationMs uint32, cb Callback, ctx interface{}) ID {
	id := w.Start(kind, durationMs, cb, ctx)
	if id != 0 {
		w.entries[id].periodic = true
	}
	return id
}

// Cancel disarms a timer. Canceling an unknown id is a no-op.
func (w *Wheel) Cancel(id ID) {
	if id == 0 {
		return
	}
	if _, ok := w.entries[id]; ok {
		delete(w.entries, id)
		w.removeFromOrder(id)
	}
}

// Restart re-arms an existing timer with a new duration, measured from now.
// Restarting an unknown id is a no-op and returns false.
func (w *Wheel) Restart(id ID, durationMs uint32) bool {
	e, ok := w.entries[id]
	if !ok {
		return false
	}
	if durationMs < w.pollInterval {
		durationMs = w.pollInterval
	}
	e.startTS = w.nowFn()
	e.duration = durationMs
	e.state = StateRunning
	return true
}

func (w *Wheel) removeFromOrder(id ID) {
	for i, v := range w.order {
		if v == id {
			w.order = append(w.order[:i], w.order[i+1:]...)
			return
		}
	}
}

// Process walks the active set and fires every timer whose deadline has
// passed. Timers started from within a fired callback are appended to
// w.order but are excluded from this pass's snapshot, so they cannot fire
// until the next Process call, per spec §5.
func (w *Wheel) Process() {
	now := w.nowFn()
	snapshot := make([]ID, len(w.order))
	copy(snapshot, w.order)

	for _, id := range snapshot {
		e, ok := w.entries[id]
		if !ok {
			continue // canceled during this pass
		}
		if elapsedSince(now, e.startTS) < e.duration {
			continue
		}
		e.state = StateExpired
		if e.periodic {
			e.startTS = now
			e.state = StateRunning
		}
		if e.cb != nil {
			e.cb(id, e.ctx)
		}
		// a one-shot entry is removed after its callback, unless the
		// callback restarted it (Restart sets it Running again)
		if !e.periodic && e.state == StateExpired {
			if cur, ok := w.entries[id]; ok && cur == e {
				delete(w.entries, id)
				w.removeFromOrder(id)
			}
		}
	}
}

// Active reports whether an id is currently armed.
func (w *Wheel) Active(id ID) bool {
	_, ok := w.entries[id]
	return ok
}

// Len reports the number of currently armed timers.
func (w *Wheel) Len() int { return len(w.entries) }
