// SPDX-License-Identifier: MIT
// Copyright (c) 2025 go-udsstack contributors.

package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueuePushPopFIFO(t *testing.T) {
	q := NewQueue(4)
	require := assert.New(t)

	require.True(q.Push(Frame{ID: 1, Data: []byte{0x01}}))
	require.True(q.Push(Frame{ID: 2, Data: []byte{0x02}}))

	f, ok := q.Pop()
	require.True(ok)
	require.Equal(uint32(1), f.ID)

	f, ok = q.Pop()
	require.True(ok)
	require.Equal(uint32(2), f.ID)

	_, ok = q.Pop()
	require.False(ok)
}

func TestQueueRoundsCapacityUpToPowerOfTwo(t *testing.T) {
	q := NewQueue(5)
	assert.Equal(t, uint32(15), q.mask) // 16-slot buffer, mask == len-1
}

func TestQueuePushReturnsFalseWhenFull(t *testing.T) {
	q := NewQueue(1) // rounds up to 16 slots
	for i := 0; i < 16; i++ {
		assert.True(t, q.Push(Frame{ID: uint32(i)}))
	}
	assert.False(t, q.Push(Frame{ID: 99}))
}

func TestQueueLenTracksDepth(t *testing.T) {
	q := NewQueue(4)
	assert.Equal(t, 0, q.Len())
	q.Push(Frame{ID: 1})
	q.Push(Frame{ID: 2})
	assert.Equal(t, 2, q.Len())
	q.Pop()
	assert.Equal(t, 1, q.Len())
}
