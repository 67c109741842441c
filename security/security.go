// SPDX-License-Identifier: MIT
// Copyright (c) 2025 go-udsstack contributors.

// Package security implements the SecurityAccess state machine (C5): the
// seed/key handshake, attempt counting, and lockout-delay rules of ISO
// 14229-1 service 0x27.
//
// Grounded on the teacher's cs104.Config bounds-checking idiom for the
// per-level attempt-limit/delay configuration, and on the request/response
// correlation pattern of other_examples' CANopen SDO server (a pending
// request keyed by session state, resolved or aborted by a later message) —
// here a pending seed is kept until the matching key arrives or the session
// resets.
package security

import (
	"crypto/subtle"
	"errors"

	"github.com/marrasen/go-udsstack/clock"
	"github.com/marrasen/go-udsstack/diaglog"
)

// Level is a security-access ordinal. Locked (0) grants nothing.
type Level byte

const Locked Level = 0

// KeyFunction computes the expected key for a seed at a given level. This
// is the injected seam spec §4.5/§9 deliberately leaves unstandardized.
type KeyFunction func(level Level, seed []byte) []byte

// SeedFunction draws a fresh, nonzero seed for a level. Injected so the
// core never hard-codes an RNG.
type SeedFunction func(level Level) []byte

// LevelConfig is the per-level configuration (spec §6's security_levels table).
type LevelConfig struct {
	AttemptLimit                uint32
	DelayMs                     uint32
	KeyFn                       KeyFunction
	SeedFn                      SeedFunction
	PersistLockoutAcrossSession bool // lockouts/attempts always persist across session change per §4.5; this flag is reserved for future divergence and currently has no effect on that rule
	PersistLockoutAcrossPowerOn bool
}

// Config is the full security-manager configuration.
type Config struct {
	Levels map[Level]LevelConfig
}

var (
	ErrUnknownLevel               = errors.New("security: unknown security level")
	ErrRequiredTimeDelayNotExpired = errors.New("security: lockout delay has not expired")
	ErrInvalidKey                 = errors.New("security: key does not match expected value")
	ErrExceededAttempts           = errors.New("security: attempt limit exceeded, lockout armed")
)

type levelState struct {
	attemptCount uint32
	lockoutUntil uint32
	pendingSeed  []byte
}

// Manager owns the currently granted level and per-level attempt/lockout
// bookkeeping.
type Manager struct {
	cfg   Config
	wheel *clock.Wheel
	logs  *diaglog.Logs

	granted Level
	state   map[Level]*levelState
}

// New constructs a Manager. All levels start Locked.
func New(cfg Config, wheel *clock.Wheel, logs *diaglog.Logs) *Manager {
	m := &Manager{cfg: cfg, wheel: wheel, logs: logs, granted: Locked, state: make(map[Level]*levelState)}
	for lvl := range cfg.Levels {
		m.state[lvl] = &levelState{}
	}
	return m
}

func (m *Manager) levelState(level Level) *levelState {
	st, ok := m.state[level]
	if !ok {
		st = &levelState{}
		m.state[level] = st
	}
	return st
}

// Granted returns the currently granted level.
func (m *Manager) Granted() Level { return m.granted }

// RequestSeed implements step 1 of the §4.5 protocol.
func (m *Manager) RequestSeed(level Level) ([]byte, error) {
	lc, ok := m.cfg.Levels[level]
	if !ok {
		return nil, ErrUnknownLevel
	}
	now := m.wheel.NowMs()
	st := m.levelState(level)

	if beforeDeadline(now, st.lockoutUntil) {
		return nil, ErrRequiredTimeDelayNotExpired
	}
	if m.granted == level {
		return []byte{0x00}, nil
	}
	if st.pendingSeed != nil {
		// re-sending a seed request while one is outstanding returns the
		// same seed, per spec §8's idempotence property.
		return st.pendingSeed, nil
	}
	var seed []byte
	if lc.SeedFn != nil {
		seed = lc.SeedFn(level)
	} else {
		seed = []byte{0x01} // deterministic fallback seed for configs without an RNG
	}
	st.pendingSeed = seed
	return seed, nil
}

// beforeDeadline reports whether now is still before deadline ("now <
// lockout_until_ts[L]"), comparing by difference modulo 2^32 as spec §3
// requires instead of a direct >= comparison.
func beforeDeadline(now, deadline uint32) bool {
	if deadline == 0 {
		return false
	}
	return int32(deadline-now) > 0
}

// VerifyKey implements step 2 of the §4.5 protocol.
func (m *Manager) VerifyKey(level Level, key []byte) error {
	lc, ok := m.cfg.Levels[level]
	if !ok {
		return ErrUnknownLevel
	}
	now := m.wheel.NowMs()
	st := m.levelState(level)

	if beforeDeadline(now, st.lockoutUntil) {
		return ErrRequiredTimeDelayNotExpired
	}

	var expected []byte
	if lc.KeyFn != nil {
		expected = lc.KeyFn(level, st.pendingSeed)
	}
	if len(expected) == len(key) && len(expected) > 0 && subtle.ConstantTimeCompare(expected, key) == 1 {
		m.granted = level
		st.attemptCount = 0
		st.pendingSeed = nil
		return nil
	}

	st.attemptCount++
	if lc.AttemptLimit > 0 && st.attemptCount >= lc.AttemptLimit {
		st.lockoutUntil = now + lc.DelayMs
		st.pendingSeed = nil
		if m.logs != nil {
			m.logs.RecordError(now, diaglog.CategorySecurity, "SecurityAccess", "attempt limit exceeded, lockout armed")
		}
		return ErrExceededAttempts
	}
	return ErrInvalidKey
}

// ResetOnSessionDefault clears only granted flags, per spec §4.5: "attempt
// counters and lockouts persist across session changes."
func (m *Manager) ResetOnSessionDefault() {
	m.granted = Locked
}

// ResetOnPowerOn clears granted flags unconditionally, and clears per-level
// attempt counters/lockouts for levels not configured to persist them
// across power cycles, per spec §4.5: "both options must be supported."
func (m *Manager) ResetOnPowerOn() {
	m.granted = Locked
	for lvl, st := range m.state {
		lc := m.cfg.Levels[lvl]
		if !lc.PersistLockoutAcrossPowerOn {
			st.attemptCount = 0
			st.lockoutUntil = 0
		}
		st.pendingSeed = nil
	}
}
