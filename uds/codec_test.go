// SPDX-License-Identifier: MIT
// Copyright (c) 2025 go-udsstack contributors.

package uds

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodePositive(t *testing.T) {
	out := EncodePositive(0x22, []byte{0xF1, 0x90, 0x01})
	assert.Equal(t, []byte{0x62, 0xF1, 0x90, 0x01}, out)
}

func TestEncodeNegative(t *testing.T) {
	out := EncodeNegative(0x22, NRCRequestOutOfRange)
	assert.Equal(t, []byte{0x7F, 0x22, 0x31}, out)
	assert.True(t, IsNegative(out))
	assert.False(t, IsNegative(EncodePositive(0x22, nil)))
}

func TestRawMessageServiceID(t *testing.T) {
	sid, err := RawMessage{0x10, 0x01}.ServiceID()
	require.NoError(t, err)
	assert.Equal(t, byte(0x10), sid)

	_, err = RawMessage{}.ServiceID()
	assert.Error(t, err)
}
