// SPDX-License-Identifier: MIT
// Copyright (c) 2025 go-udsstack contributors.

package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAcceptanceFilterAcceptsConfiguredIDsOnly(t *testing.T) {
	f := NewAcceptanceFilter(0x7E0, 0x7DF)
	assert.True(t, f.Accepts(0x7E0))
	assert.True(t, f.Accepts(0x7DF))
	assert.False(t, f.Accepts(0x123))
}

func TestAcceptanceFilterEmptyAcceptsEverything(t *testing.T) {
	f := NewAcceptanceFilter()
	assert.True(t, f.Accepts(0x111))
	assert.True(t, f.Accepts(0x222))
}

func TestAcceptanceFilterAddAndRemove(t *testing.T) {
	f := NewAcceptanceFilter(0x7E0)
	assert.False(t, f.Accepts(0x700))

	f.Add(0x700)
	assert.True(t, f.Accepts(0x700))

	f.Remove(0x700)
	assert.False(t, f.Accepts(0x700))
}

func TestNilFilterAcceptsEverything(t *testing.T) {
	var f *AcceptanceFilter
	assert.True(t, f.Accepts(0x555))
}
