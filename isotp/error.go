// SPDX-License-Identifier: MIT
// Copyright (c) 2025 go-udsstack contributors.

package isotp

import "errors"

// Failure kinds exported upward, per spec §4.3 / §7 ProtocolError and
// TimingError.
var (
	ErrSequenceError   = errors.New("isotp: consecutive frame sequence mismatch")
	ErrTimeout         = errors.New("isotp: timeout waiting for next frame")
	ErrOverflow        = errors.New("isotp: flow control overflow")
	ErrInvalidPci      = errors.New("isotp: invalid or malformed PCI byte")
	ErrBufferExhausted = errors.New("isotp: transmit buffer busy with an in-flight message")
)
