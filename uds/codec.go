// SPDX-License-Identifier: MIT
// Copyright (c) 2025 go-udsstack contributors.

// Package uds implements the UDS service router and wire codec (C6):
// length/session/security gating, data-driven service dispatch, and the
// positive/negative response framing of ISO 14229-1.
//
// Grounded on the teacher's asdu package: a typed identifier parsed from
// the first bytes of a message (asdu.Identifier / ASDU.UnmarshalBinary),
// dispatched by Handler.Handle with type assertions, and a Connect.Reply
// helper that mirrors a request's addressing back onto its response. Here
// the "type identification" that asdu reads from byte 0 becomes the UDS
// service id, and the per-TypeID GetXxx() accessors become the per-DID/
// per-routine/per-region read/write/start/stop functions injected through
// Config (spec §6).
package uds

import "errors"

// SuppressPositiveBit is bit 7 of the sub-function byte.
const SuppressPositiveBit byte = 0x80

// Negative Response Codes used by this stack (ISO 14229-1 Annex A).
const (
	NRCGeneralReject                      byte = 0x10
	NRCServiceNotSupported                byte = 0x11
	NRCSubFunctionNotSupported            byte = 0x12
	NRCIncorrectMessageLengthOrFormat     byte = 0x13
	NRCConditionsNotCorrect               byte = 0x22
	NRCRequestOutOfRange                  byte = 0x31
	NRCSecurityAccessDenied               byte = 0x33
	NRCInvalidKey                         byte = 0x35
	NRCExceededNumberOfAttempts           byte = 0x36
	NRCRequiredTimeDelayNotExpired        byte = 0x37
	NRCGeneralProgrammingFailure          byte = 0x72
	NRCRequestSequenceError               byte = 0x24
	NRCResponsePending                    byte = 0x78
	NRCServiceNotSupportedInActiveSession byte = 0x7F
	NRCTransferDataSuspended              byte = 0x71
)

const negativeResponseSID byte = 0x7F

var errMessageTooShort = errors.New("uds: message shorter than 1 byte")

// RawMessage is the bytes handed up from the ISO-TP engine: byte 0 is the
// service id, per spec §6.
type RawMessage []byte

// ServiceID returns byte 0 of the message as-is: the service id of a
// request (for a positive response this is sid+0x40).
func (m RawMessage) ServiceID() (byte, error) {
	if len(m) < 1 {
		return 0, errMessageTooShort
	}
	return m[0], nil
}

// EncodePositive builds `{sid+0x40, payload...}`.
func EncodePositive(sid byte, payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = sid + 0x40
	copy(out[1:], payload)
	return out
}

// EncodeNegative builds `{0x7F, sid, nrc}`.
func EncodeNegative(sid, nrc byte) []byte {
	return []byte{negativeResponseSID, sid, nrc}
}

// IsNegative reports whether resp is a `{0x7F, sid, nrc}` response.
func IsNegative(resp []byte) bool {
	return len(resp) >= 1 && resp[0] == negativeResponseSID
}
