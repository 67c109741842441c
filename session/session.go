// SPDX-License-Identifier: MIT
// Copyright (c) 2025 go-udsstack contributors.

// Package session implements the diagnostic session state machine (C4):
// ownership of the current UDS session, its timing parameters, and the S3
// idle timeout that forces a return to the default session.
//
// Grounded on the teacher's cs104 Client/Server activation handling
// (StartDT/StopDT confirmation flipping an active/inactive flag, IdleTimeout3
// driving a TestFrActive keepalive) — generalized from a binary
// active/inactive flag into the spec's four-or-more-session state machine,
// with the same "idle timer reset on any traffic" discipline.
package session

import (
	"errors"

	"github.com/marrasen/go-udsstack/clock"
	"github.com/marrasen/go-udsstack/diaglog"
)

// ID identifies a diagnostic session. 0x00-0x7F are ISO 14229-1 reserved
// (Default/Programming/Extended/Safety occupy the low values); 0x80-0xFF
// are OEM-custom, resolving spec.md §3's "reserved space for
// implementation-defined custom sessions" (see DESIGN.md/SPEC_FULL.md §5).
type ID byte

const (
	Default     ID = 0x01
	Programming ID = 0x02
	Extended    ID = 0x03
	Safety      ID = 0x04
)

// IsCustom reports whether id is in the OEM-custom range.
func IsCustom(id ID) bool { return id >= 0x80 }

// Record is the timing/security contract for one session.
type Record struct {
	P2Ms             uint32
	P2StarMs         uint32
	S3Ms             uint32
	RequiresSecurity bool
	// AllowedPredecessors restricts which sessions may transition into this
	// one; empty means "accessible from any session".
	AllowedPredecessors []ID
}

// OnSessionChange is invoked synchronously on every accepted transition.
type OnSessionChange func(old, new ID)

// Config is the session-manager configuration surface (spec §6's
// session_timing table).
type Config struct {
	Timing       map[ID]Record
	MaxListeners int
}

var (
	ErrUnknownSession    = errors.New("session: unknown session id")
	ErrInvalidTransition = errors.New("session: transition not allowed from current session")
	ErrTooManyListeners  = errors.New("session: listener registration bound exceeded")
)

const defaultMaxListeners = 8

// Manager owns the current session and its S3 timer.
type Manager struct {
	cfg     Config
	wheel   *clock.Wheel
	logs    *diaglog.Logs
	current ID
	s3Timer clock.ID

	listeners []OnSessionChange

	// onDefaultEntered is invoked whenever the session transitions to
	// Default, so the core can wire C5's "security resets to Locked on
	// transition to Default" rule (spec §4.5) without this package
	// importing the security package.
	onDefaultEntered func()
}

// DefaultTiming is the ISO 14229-1-typical set of per-session timing values
// used when Config.Timing is nil. A non-nil Config.Timing is used as given;
// sessions it omits are rejected by Start.
func DefaultTiming() map[ID]Record {
	return map[ID]Record{
		Default:     {P2Ms: 50, P2StarMs: 5000, S3Ms: 0},
		Programming: {P2Ms: 50, P2StarMs: 5000, S3Ms: 5000, RequiresSecurity: true},
		Extended:    {P2Ms: 50, P2StarMs: 5000, S3Ms: 5000},
		Safety:      {P2Ms: 50, P2StarMs: 5000, S3Ms: 5000, RequiresSecurity: true},
	}
}

// New constructs a Manager starting in Default.
func New(cfg Config, wheel *clock.Wheel, logs *diaglog.Logs, onDefaultEntered func()) *Manager {
	if cfg.Timing == nil {
		cfg.Timing = DefaultTiming()
	}
	if cfg.MaxListeners == 0 {
		cfg.MaxListeners = defaultMaxListeners
	}
	return &Manager{cfg: cfg, wheel: wheel, logs: logs, current: Default, onDefaultEntered: onDefaultEntered}
}

// Current returns the active session.
func (m *Manager) Current() ID { return m.current }

// Record returns the timing record for the active session.
func (m *Manager) Record() Record { return m.cfg.Timing[m.current] }

// AddListener registers a transition observer. Returns false once the
// bounded registration count (spec §4.4: "bounded; excess registrations
// fail deterministically") is exceeded.
func (m *Manager) AddListener(fn OnSessionChange) bool {
	if len(m.listeners) >= m.cfg.MaxListeners {
		return false
	}
	m.listeners = append(m.listeners, fn)
	return true
}

func (m *Manager) notify(old, new ID) {
	for _, l := range m.listeners {
		l(old, new)
	}
	if m.logs != nil {
		m.logs.RecordTransition(m.wheel.NowMs(), "session", sessionName(old), sessionName(new))
	}
}

func sessionName(id ID) string {
	switch id {
	case Default:
		return "Default"
	case Programming:
		return "Programming"
	case Extended:
		return "Extended"
	case Safety:
		return "Safety"
	default:
		if IsCustom(id) {
			return "Custom"
		}
		return "Reserved"
	}
}

// Start attempts a transition to newSession.
func (m *Manager) Start(newSession ID) error {
	record, known := m.cfg.Timing[newSession]
	if !known {
		return ErrUnknownSession
	}
	if newSession != Default && len(record.AllowedPredecessors) > 0 {
		allowed := false
		for _, p := range record.AllowedPredecessors {
			if p == m.current {
				allowed = true
				break
			}
		}
		if !allowed {
			return ErrInvalidTransition
		}
	}

	old := m.current
	m.current = newSession
	m.wheel.Cancel(m.s3Timer)
	if newSession != Default {
		m.armS3(record.S3Ms)
	} else {
		m.s3Timer = 0
	}
	m.notify(old, newSession)
	if newSession == Default && m.onDefaultEntered != nil {
		m.onDefaultEntered()
	}
	return nil
}

// TesterPresent restarts the S3 timer without changing state. Calling it
// any number of times within S3Ms is indistinguishable from calling it
// once, per spec §8.
func (m *Manager) TesterPresent() {
	if m.current == Default {
		return
	}
	m.wheel.Restart(m.s3Timer, m.cfg.Timing[m.current].S3Ms)
}

func (m *Manager) armS3(durationMs uint32) {
	if durationMs == 0 {
		return
	}
	m.s3Timer = m.wheel.Start(clock.KindSession, durationMs, m.onS3Expiry, nil)
}

func (m *Manager) onS3Expiry(id clock.ID, ctx interface{}) {
	if id != m.s3Timer {
		return
	}
	old := m.current
	m.current = Default
	m.s3Timer = 0
	m.notify(old, Default)
	if m.onDefaultEntered != nil {
		m.onDefaultEntered()
	}
}
