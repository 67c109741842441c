// SPDX-License-Identifier: MIT
// Copyright (c) 2025 go-udsstack contributors.

package uds

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marrasen/go-udsstack/clock"
	"github.com/marrasen/go-udsstack/diaglog"
	"github.com/marrasen/go-udsstack/security"
	"github.com/marrasen/go-udsstack/session"
)

func newTestRouter(t *testing.T) (*Router, *session.Manager, *security.Manager) {
	t.Helper()
	now := uint32(0)
	wheel := clock.NewWithClock(10, 32, func() uint32 { return now })
	logs := diaglog.NewLogs("test", 8, 8, 8)
	sessions := session.New(session.Config{Timing: session.DefaultTiming()}, wheel, logs, func() {})
	secMgr := security.New(security.Config{Levels: map[security.Level]security.LevelConfig{
		1: {AttemptLimit: 3, DelayMs: 1000},
	}}, wheel, logs)
	r := NewRouter(sessions, secMgr, logs)
	return r, sessions, secMgr
}

func TestDispatchUnknownServiceReturnsServiceNotSupported(t *testing.T) {
	r, _, _ := newTestRouter(t)
	result := r.Dispatch([]byte{0x99}, 0)
	assert.Equal(t, EncodeNegative(0x99, NRCServiceNotSupported), result.Send)
}

func TestDispatchLengthGate(t *testing.T) {
	r, _, _ := newTestRouter(t)
	require.NoError(t, r.Register(&Route{
		SID: 0x10, HasSubFunction: true, LengthOK: Exactly(2),
		Handler: func(req Request) Result { return Result{Outcome: Positive} },
	}))

	result := r.Dispatch([]byte{0x10}, 0)
	assert.Equal(t, EncodeNegative(0x10, NRCIncorrectMessageLengthOrFormat), result.Send)
}

func TestDispatchSubFunctionGate(t *testing.T) {
	r, _, _ := newTestRouter(t)
	require.NoError(t, r.Register(&Route{
		SID: 0x10, HasSubFunction: true, LengthOK: Exactly(2),
		AllowedSubFunctions: map[byte]struct{}{0x01: {}, 0x02: {}},
		Handler:             func(req Request) Result { return Result{Outcome: Positive} },
	}))

	result := r.Dispatch([]byte{0x10, 0x03}, 0)
	assert.Equal(t, EncodeNegative(0x10, NRCSubFunctionNotSupported), result.Send)

	result = r.Dispatch([]byte{0x10, 0x01}, 0)
	assert.Equal(t, EncodePositive(0x10, nil), result.Send)
}

func TestDispatchSessionGate(t *testing.T) {
	r, _, _ := newTestRouter(t)
	require.NoError(t, r.Register(&Route{
		SID: 0x2E, LengthOK: AtLeast(1),
		AllowedSessions: map[session.ID]struct{}{session.Extended: {}},
		Handler:         func(req Request) Result { return Result{Outcome: Positive} },
	}))

	result := r.Dispatch([]byte{0x2E}, 0)
	assert.Equal(t, EncodeNegative(0x2E, NRCServiceNotSupportedInActiveSession), result.Send)
}

func TestDispatchSecurityGate(t *testing.T) {
	r, _, _ := newTestRouter(t)
	require.NoError(t, r.Register(&Route{
		SID: 0x2E, LengthOK: AtLeast(1), RequiredSecurity: 1,
		Handler: func(req Request) Result { return Result{Outcome: Positive} },
	}))

	result := r.Dispatch([]byte{0x2E}, 0)
	assert.Equal(t, EncodeNegative(0x2E, NRCSecurityAccessDenied), result.Send)
}

func TestDispatchSuppressesPositiveWhenRequestedAndAllowed(t *testing.T) {
	r, _, _ := newTestRouter(t)
	require.NoError(t, r.Register(&Route{
		SID: 0x3E, HasSubFunction: true, SuppressAllowed: true, LengthOK: Exactly(2),
		Handler: func(req Request) Result { return Result{Outcome: Positive} },
	}))

	result := r.Dispatch([]byte{0x3E, 0x00 | SuppressPositiveBit}, 0)
	assert.Nil(t, result.Send)
}

func TestDispatchPendingReturnsResponsePendingAndTransaction(t *testing.T) {
	r, _, _ := newTestRouter(t)
	calls := 0
	require.NoError(t, r.Register(&Route{
		SID: 0x31, HasSubFunction: true, LengthOK: AtLeast(4),
		Handler: func(req Request) Result {
			calls++
			if req.FirstCall {
				return Result{Outcome: Pending}
			}
			return Result{Outcome: Positive, Payload: []byte{0x00, 0x01}}
		},
	}))

	result := r.Dispatch([]byte{0x31, 0x01, 0x00, 0x01}, 0)
	assert.Equal(t, EncodeNegative(0x31, NRCResponsePending), result.Send)
	require.NotNil(t, result.Pending)

	final := result.Pending.Poll()
	assert.Equal(t, Positive, final.Outcome)
	assert.Equal(t, 2, calls)
}

func TestRegisterDuplicateRejected(t *testing.T) {
	r, _, _ := newTestRouter(t)
	route := &Route{SID: 0x10, Handler: func(req Request) Result { return Result{} }}
	require.NoError(t, r.Register(route))
	assert.ErrorIs(t, r.Register(route), ErrDuplicateRoute)
}

func TestRegisterAfterSealRejected(t *testing.T) {
	r, _, _ := newTestRouter(t)
	r.Seal()
	err := r.Register(&Route{SID: 0x10, Handler: func(req Request) Result { return Result{} }})
	assert.ErrorIs(t, err, ErrRouterSealed)
}
