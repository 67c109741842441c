// SPDX-License-Identifier: MIT
// Copyright (c) 2025 go-udsstack contributors.

package clock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWheelFiresAfterDuration(t *testing.T) {
	now := uint32(0)
	w := NewWithClock(10, 32, func() uint32 { return now })

	fired := false
	id := w.Start(KindGeneric, 50, func(id ID, ctx interface{}) { fired = true }, nil)
	require.NotZero(t, id)

	now = 40
	w.Process()
	assert.False(t, fired, "must not fire before its duration elapses")

	now = 50
	w.Process()
	assert.True(t, fired)
	assert.False(t, w.Active(id))
}

func TestWheelCancel(t *testing.T) {
	now := uint32(0)
	w := NewWithClock(10, 32, func() uint32 { return now })

	fired := false
	id := w.Start(KindGeneric, 50, func(id ID, ctx interface{}) { fired = true }, nil)
	w.Cancel(id)

	now = 100
	w.Process()
	assert.False(t, fired)
	assert.Equal(t, 0, w.Len())
}

func TestWheelRestartMeasuresFromNow(t *testing.T) {
	now := uint32(0)
	w := NewWithClock(10, 32, func() uint32 { return now })

	fireCount := 0
	id := w.Start(KindGeneric, 50, func(id ID, ctx interface{}) { fireCount++ }, nil)

	now = 40
	ok := w.Restart(id, 50)
	require.True(t, ok)

	now = 80
	w.Process()
	assert.Equal(t, 0, fireCount, "restarted deadline should be 40+50=90, not yet due")

	now = 90
	w.Process()
	assert.Equal(t, 1, fireCount)
}

func TestWheelPeriodicReArms(t *testing.T) {
	now := uint32(0)
	w := NewWithClock(10, 32, func() uint32 { return now })

	fireCount := 0
	w.StartPeriodic(KindDTCBroadcast, 100, func(id ID, ctx interface{}) { fireCount++ }, nil)

	now = 100
	w.Process()
	assert.Equal(t, 1, fireCount)

	now = 200
	w.Process()
	assert.Equal(t, 2, fireCount)
}

func TestWheelCapacityBounded(t *testing.T) {
	now := uint32(0)
	w := NewWithClock(10, 32, func() uint32 { return now })

	for i := 0; i < 32; i++ {
		id := w.Start(KindGeneric, 1000, func(id ID, ctx interface{}) {}, nil)
		require.NotZero(t, id)
	}
	id := w.Start(KindGeneric, 1000, func(id ID, ctx interface{}) {}, nil)
	assert.Zero(t, id, "table at capacity must fail deterministically, not allocate past it")
}

func TestWheelCallbackArmedTimerWaitsForNextProcess(t *testing.T) {
	now := uint32(0)
	w := NewWithClock(10, 32, func() uint32 { return now })

	inner := false
	var outer ID
	outer = w.Start(KindGeneric, 10, func(id ID, ctx interface{}) {
		w.Start(KindGeneric, 0, func(id ID, ctx interface{}) { inner = true }, nil)
	}, nil)
	_ = outer

	now = 10
	w.Process()
	assert.False(t, inner, "a timer armed from within a callback must not fire during the same Process pass")

	now = 20
	w.Process()
	assert.True(t, inner)
}
