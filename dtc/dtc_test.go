// SPDX-License-Identifier: MIT
// Copyright (c) 2025 go-udsstack contributors.

package dtc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marrasen/go-udsstack/clock"
	"github.com/marrasen/go-udsstack/diaglog"
)

func newTestStore(t *testing.T, cfg Config) (*Store, func(ms uint32), *[][]Record) {
	t.Helper()
	now := uint32(0)
	wheel := clock.NewWithClock(10, 32, func() uint32 { return now })
	logs := diaglog.NewLogs("test", 8, 8, 8)
	var broadcasts [][]Record
	s := New(cfg, wheel, logs, nil, func(failing []Record) {
		broadcasts = append(broadcasts, failing)
	})
	advance := func(ms uint32) {
		now += ms
		wheel.Process()
	}
	return s, advance, &broadcasts
}

func TestSetStatusThenGetStatusRoundTrips(t *testing.T) {
	s, _, _ := newTestStore(t, Config{Capacity: 10})
	key := Key{SPN: 100, FMI: 1}

	require.NoError(t, s.SetStatus(key, TestFailed|Pending))
	status, err := s.GetStatus(key)
	require.NoError(t, err)
	assert.Equal(t, TestFailed|Pending, status)
}

func TestClearAllThenGetStatusIsGone(t *testing.T) {
	s, _, _ := newTestStore(t, Config{Capacity: 10})
	key := Key{SPN: 100, FMI: 1}
	require.NoError(t, s.SetStatus(key, TestFailed))

	s.ClearAll()
	_, err := s.GetStatus(key)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, s.Len())
}

func TestTableFullRejectsNewRecordDeterministically(t *testing.T) {
	s, _, _ := newTestStore(t, Config{Capacity: 2})
	require.NoError(t, s.SetStatus(Key{SPN: 1}, TestFailed))
	require.NoError(t, s.SetStatus(Key{SPN: 2}, TestFailed))

	err := s.SetStatus(Key{SPN: 3}, TestFailed)
	assert.ErrorIs(t, err, ErrTableFull)
	assert.Equal(t, 2, s.Len())
}

func TestOnStatusChangeFiresOnBitChange(t *testing.T) {
	now := uint32(0)
	wheel := clock.NewWithClock(10, 32, func() uint32 { return now })
	logs := diaglog.NewLogs("test", 8, 8, 8)
	var gotOld, gotNew Status
	calls := 0
	s := New(Config{Capacity: 10}, wheel, logs, func(key Key, old, new Status) {
		calls++
		gotOld, gotNew = old, new
	}, nil)

	key := Key{SPN: 42, FMI: 3}
	require.NoError(t, s.SetStatus(key, TestFailed))
	assert.Equal(t, 1, calls)
	assert.Equal(t, Status(0), gotOld)
	assert.Equal(t, TestFailed, gotNew)

	require.NoError(t, s.SetStatus(key, TestFailed))
	assert.Equal(t, 1, calls, "writing the same status must not fire the listener again")
}

func TestAgingClearsUnconfirmedRecordAfterThreshold(t *testing.T) {
	s, advance, _ := newTestStore(t, Config{Capacity: 10, AgingThreshold: 2, AgingCycles: 2, AutoClear: true, AgingIntervalMs: 100})
	key := Key{SPN: 7, FMI: 1}
	require.NoError(t, s.SetStatus(key, 0)) // inserted but not failing/confirmed

	for i := 0; i < 4; i++ {
		advance(100)
	}
	_, err := s.GetStatus(key)
	assert.ErrorIs(t, err, ErrNotFound, "a record that ages past aging_cycles with auto_clear set is removed")
}

func TestConfirmedRecordsDoNotAge(t *testing.T) {
	s, advance, _ := newTestStore(t, Config{Capacity: 10, AgingThreshold: 1, AgingCycles: 1, AutoClear: true, AgingIntervalMs: 100})
	key := Key{SPN: 7, FMI: 1}
	require.NoError(t, s.SetStatus(key, Confirmed))

	for i := 0; i < 5; i++ {
		advance(100)
	}
	_, err := s.GetStatus(key)
	assert.NoError(t, err, "confirmed records never age out")
}

func TestBroadcastSuppressedWhenUnchanged(t *testing.T) {
	s, advance, broadcasts := newTestStore(t, Config{Capacity: 10, BroadcastIntervalMs: 100})
	require.NoError(t, s.SetStatus(Key{SPN: 1}, TestFailed))

	advance(100)
	advance(100)
	require.Len(t, *broadcasts, 1, "a second identical broadcast must be suppressed")
}

func TestBroadcastQuietSuppressesEmission(t *testing.T) {
	s, advance, broadcasts := newTestStore(t, Config{Capacity: 10, BroadcastIntervalMs: 100})
	s.SetQuiet(true)
	require.NoError(t, s.SetStatus(Key{SPN: 1}, TestFailed))

	advance(100)
	assert.Len(t, *broadcasts, 0)
}

func TestFreezeFrameCapBounded(t *testing.T) {
	s, _, _ := newTestStore(t, Config{Capacity: 10, FreezeFramesPerDTC: 2})
	key := Key{SPN: 9}
	require.NoError(t, s.SetStatus(key, TestFailed))

	require.NoError(t, s.AddFreezeFrame(key, 1, []byte{1}))
	require.NoError(t, s.AddFreezeFrame(key, 2, []byte{2}))
	require.NoError(t, s.AddFreezeFrame(key, 3, []byte{3}))

	frames, err := s.GetFreezeFrames(key)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, byte(2), frames[0].Data[0])
	assert.Equal(t, byte(3), frames[1].Data[0])
}
