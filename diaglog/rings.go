// SPDX-License-Identifier: MIT
// Copyright (c) 2025 go-udsstack contributors.

package diaglog

import (
	"runtime"
	"sync"

	"github.com/google/uuid"
)

// SourceLocation is the always-present replacement for the source firmware's
// macro-controlled file/line/function debug fields (spec §9). The payload is
// always populated here; a release build wishing to elide it can zero the
// struct before formatting without changing its shape.
type SourceLocation struct {
	File     string
	Line     int
	Function string
}

// CaptureSourceLocation records the caller `skip` frames up the stack.
func CaptureSourceLocation(skip int) SourceLocation {
	pc, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return SourceLocation{}
	}
	fn := runtime.FuncForPC(pc)
	name := ""
	if fn != nil {
		name = fn.Name()
	}
	return SourceLocation{File: file, Line: line, Function: name}
}

// ErrorCategory classifies a logged error against the taxonomy in spec §7.
type ErrorCategory string

const (
	CategoryProtocol ErrorCategory = "protocol"
	CategoryTiming   ErrorCategory = "timing"
	CategorySession  ErrorCategory = "session"
	CategorySecurity ErrorCategory = "security"
	CategoryResource ErrorCategory = "resource"
	CategoryConfig   ErrorCategory = "config"
	CategoryInternal ErrorCategory = "internal"
)

// ErrorEntry is one record in the bounded error ring.
type ErrorEntry struct {
	Code      string
	Category  ErrorCategory
	Timestamp uint32
	Message   string
	Source    SourceLocation
}

// TransitionEntry is one record in the bounded state-transition ring,
// written by the session state machine and by DTC status changes.
type TransitionEntry struct {
	Component string
	From      string
	To        string
	Timestamp uint32
}

// Exchange is one recorded request/response pair for replay, identified by a
// stable id so external tooling can cross-reference a capture (grounded on
// the original's diag_recorder.c, absent from the distilled spec but named
// under C8 "recorded exchanges (replay)").
type Exchange struct {
	ID        uuid.UUID
	Request   []byte
	Response  []byte
	Timestamp uint32
}

// ring is a fixed-capacity, oldest-overwritten-first history buffer.
// Readers call Snapshot, which copies out whatever has been committed so
// far; a write racing the snapshot may be skipped, matching spec §4.8's
// "concurrent writers are permitted but the snapshot may skip one
// in-progress entry".
type ring[T any] struct {
	mu       sync.Mutex
	entries  []T
	capacity int
	next     int
	filled   bool
}

func newRing[T any](capacity int) *ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &ring[T]{entries: make([]T, capacity), capacity: capacity}
}

func (r *ring[T]) push(v T) {
	r.mu.Lock()
	r.entries[r.next] = v
	r.next = (r.next + 1) % r.capacity
	if r.next == 0 {
		r.filled = true
	}
	r.mu.Unlock()
}

// snapshot returns entries oldest-first.
func (r *ring[T]) snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.filled {
		out := make([]T, r.next)
		copy(out, r.entries[:r.next])
		return out
	}
	out := make([]T, r.capacity)
	copy(out, r.entries[r.next:])
	copy(out[r.capacity-r.next:], r.entries[:r.next])
	return out
}

// Logs owns the three bounded rings described by C8.
type Logs struct {
	Log

	errors      *ring[ErrorEntry]
	transitions *ring[TransitionEntry]
	replay      *ring[Exchange]
}

// NewLogs constructs the error/transition/replay rings with the given
// capacities, plus the embedded level-gated logger.
func NewLogs(prefix string, errorCapacity, transitionCapacity, replayCapacity int) *Logs {
	return &Logs{
		Log:         NewLog(prefix),
		errors:      newRing[ErrorEntry](errorCapacity),
		transitions: newRing[TransitionEntry](transitionCapacity),
		replay:      newRing[Exchange](replayCapacity),
	}
}

// RecordError appends an entry to the bounded error ring and mirrors it to
// the level-gated logger at Error severity.
func (l *Logs) RecordError(now uint32, category ErrorCategory, code, message string) {
	l.errors.push(ErrorEntry{
		Code:      code,
		Category:  category,
		Timestamp: now,
		Message:   message,
		Source:    CaptureSourceLocation(1),
	})
	l.Error("[%s] %s: %s", category, code, message)
}

// RecordTransition appends an entry to the bounded state-transition ring.
func (l *Logs) RecordTransition(now uint32, component, from, to string) {
	l.transitions.push(TransitionEntry{Component: component, From: from, To: to, Timestamp: now})
	l.Debug("%s: %s -> %s", component, from, to)
}

// RecordExchange appends a request/response pair to the replay ring and
// returns the id assigned to it.
func (l *Logs) RecordExchange(now uint32, request, response []byte) uuid.UUID {
	id := uuid.New()
	reqCopy := append([]byte(nil), request...)
	respCopy := append([]byte(nil), response...)
	l.replay.push(Exchange{ID: id, Request: reqCopy, Response: respCopy, Timestamp: now})
	return id
}

// Errors returns a snapshot of the error ring, oldest first.
func (l *Logs) Errors() []ErrorEntry { return l.errors.snapshot() }

// Transitions returns a snapshot of the transition ring, oldest first.
func (l *Logs) Transitions() []TransitionEntry { return l.transitions.snapshot() }

// Replay returns a snapshot of the exchange ring, oldest first.
func (l *Logs) Replay() []Exchange { return l.replay.snapshot() }
