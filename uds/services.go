// SPDX-License-Identifier: MIT
// Copyright (c) 2025 go-udsstack contributors.

// Package uds's services.go wires the concrete, injected-config handlers
// for the required service table (spec §6) onto Route entries. The
// per-DID/per-routine/per-region function tables mirror the teacher's
// asdu package's per-TypeID accessor tables (GetSinglePointInformation,
// GetMeasuredValueScaled, ...): one small function per addressable object,
// looked up by identifier rather than branched on in a giant switch.
package uds

import (
	"encoding/binary"

	"github.com/marrasen/go-udsstack/security"
	"github.com/marrasen/go-udsstack/session"
)

// DataReadFn reads the current value of a data identifier.
type DataReadFn func() ([]byte, error)

// DataWriteFn writes a new value for a data identifier. Nil means
// read-only.
type DataWriteFn func([]byte) error

// DataIdentifier is one entry of the ReadDataByIdentifier/
// WriteDataByIdentifier table.
type DataIdentifier struct {
	DID              uint16
	ReadFn           DataReadFn
	WriteFn          DataWriteFn
	RequiredSecurity security.Level
	Sessions         map[session.ID]struct{} // nil/empty = any
}

func (d DataIdentifier) allowedIn(s session.ID) bool {
	if len(d.Sessions) == 0 {
		return true
	}
	_, ok := d.Sessions[s]
	return ok
}

// Routine is one entry of the RoutineControl table.
type Routine struct {
	RID             uint16
	Start           func(controlOptionRecord []byte) ([]byte, error)
	Stop            func(controlOptionRecord []byte) ([]byte, error)
	RequestResults  func() ([]byte, error)
	RequiredSecurity security.Level
}

// MemoryRegion authorizes a contiguous address range for
// ReadMemoryByAddress.
type MemoryRegion struct {
	Start, End       uint32
	RequiredSecurity security.Level
	ReadFn           func(addr uint32, size uint32) ([]byte, error)
}

func (r MemoryRegion) contains(addr, size uint32) bool {
	if size == 0 {
		return false
	}
	end := addr + size
	return addr >= r.Start && end <= r.End && end >= addr
}

// TransferConfig drives the RequestDownload/TransferData/
// RequestTransferExit sequence (spec §6's memory-transfer table).
type TransferConfig struct {
	MaxBlockLength  uint16
	PrepareDownload func(address uint32, size uint32, dataFormatIdentifier byte) error
	WriteBlock      func(blockSequenceCounter byte, data []byte) error
	FinishTransfer  func() error
}

// ResetAction performs an ECU reset of the given ISO 14229-1 reset type.
type ResetAction func(resetType byte) error

// CommunicationControlFn implements service 0x28.
type CommunicationControlFn func(controlType byte, communicationType byte) error

// DTCClearFn implements service 0x14, given a 3-byte groupOfDTC.
type DTCClearFn func(groupOfDTC uint32) error

// DTCReadFn implements service 0x19: reportType is the sub-function,
// payload is whatever follows it.
type DTCReadFn func(reportType byte, payload []byte) ([]byte, error)

// DTCSettingFn implements service 0x85.
type DTCSettingFn func(on bool) error

// ServiceConfig is the full injected configuration for the standard
// route table (spec §6).
type ServiceConfig struct {
	DataIdentifiers map[uint16]DataIdentifier
	Routines        map[uint16]Routine
	MemoryRegions   []MemoryRegion
	Transfer        TransferConfig
	Reset           ResetAction
	CommControl     CommunicationControlFn
	DTCClear        DTCClearFn
	DTCRead         DTCReadFn
	DTCSetting      DTCSettingFn
}

type transferState struct {
	active           bool
	expectedCounter  byte
}

func securityErr(have, want security.Level) (byte, bool) {
	if have < want {
		return NRCSecurityAccessDenied, false
	}
	return 0, true
}

// BuildStandardRoutes constructs the Route table for every required
// service id (spec §6). Callers Register each into a Router and then
// Seal it.
func BuildStandardRoutes(cfg ServiceConfig, sessions *session.Manager, secMgr *security.Manager) []*Route {
	ts := &transferState{}
	routes := make([]*Route, 0, 16)

	routes = append(routes, &Route{
		SID: 0x10, HasSubFunction: true, SuppressAllowed: true,
		LengthOK: Exactly(2),
		Handler: func(req Request) Result {
			target := session.ID(req.SubFunction)
			if err := sessions.Start(target); err != nil {
				return Result{Outcome: Negative, NRC: NRCSubFunctionNotSupported}
			}
			rec := sessions.Record()
			p2star := rec.P2StarMs / 10
			payload := []byte{
				req.SubFunction,
				byte(rec.P2Ms >> 8), byte(rec.P2Ms),
				byte(p2star >> 8), byte(p2star),
			}
			return Result{Outcome: Positive, Payload: payload}
		},
	})

	routes = append(routes, &Route{
		SID: 0x11, HasSubFunction: true, SuppressAllowed: true,
		LengthOK: Exactly(2),
		Handler: func(req Request) Result {
			if cfg.Reset == nil {
				return Result{Outcome: Negative, NRC: NRCServiceNotSupported}
			}
			if err := cfg.Reset(req.SubFunction); err != nil {
				return Result{Outcome: Negative, NRC: NRCConditionsNotCorrect}
			}
			return Result{Outcome: Positive, Payload: []byte{req.SubFunction}}
		},
	})

	routes = append(routes, &Route{
		SID: 0x14, HasSubFunction: false,
		LengthOK: Exactly(4),
		Handler: func(req Request) Result {
			if cfg.DTCClear == nil {
				return Result{Outcome: Negative, NRC: NRCServiceNotSupported}
			}
			group := uint32(req.Payload[0])<<16 | uint32(req.Payload[1])<<8 | uint32(req.Payload[2])
			if err := cfg.DTCClear(group); err != nil {
				return Result{Outcome: Negative, NRC: NRCGeneralProgrammingFailure}
			}
			return Result{Outcome: Positive}
		},
	})

	routes = append(routes, &Route{
		SID: 0x19, HasSubFunction: true,
		LengthOK: AtLeast(2),
		Handler: func(req Request) Result {
			if cfg.DTCRead == nil {
				return Result{Outcome: Negative, NRC: NRCServiceNotSupported}
			}
			data, err := cfg.DTCRead(req.SubFunction, req.Payload)
			if err != nil {
				return Result{Outcome: Negative, NRC: NRCRequestOutOfRange}
			}
			payload := append([]byte{req.SubFunction}, data...)
			return Result{Outcome: Positive, Payload: payload}
		},
	})

	routes = append(routes, &Route{
		SID: 0x22, HasSubFunction: false,
		LengthOK: Exactly(3),
		Handler: func(req Request) Result {
			did := binary.BigEndian.Uint16(req.Payload[0:2])
			di, ok := cfg.DataIdentifiers[did]
			if !ok || di.ReadFn == nil {
				return Result{Outcome: Negative, NRC: NRCRequestOutOfRange}
			}
			if nrc, allowed := securityErr(req.Security, di.RequiredSecurity); !allowed {
				return Result{Outcome: Negative, NRC: nrc}
			}
			if !di.allowedIn(req.Session) {
				return Result{Outcome: Negative, NRC: NRCConditionsNotCorrect}
			}
			value, err := di.ReadFn()
			if err != nil {
				return Result{Outcome: Negative, NRC: NRCConditionsNotCorrect}
			}
			payload := make([]byte, 2+len(value))
			binary.BigEndian.PutUint16(payload, did)
			copy(payload[2:], value)
			return Result{Outcome: Positive, Payload: payload}
		},
	})

	routes = append(routes, &Route{
		SID: 0x23, HasSubFunction: false,
		LengthOK: AtLeast(4),
		Handler: func(req Request) Result {
			addr, size, ok := decodeAddressAndLength(req.Payload)
			if !ok {
				return Result{Outcome: Negative, NRC: NRCIncorrectMessageLengthOrFormat}
			}
			for _, region := range cfg.MemoryRegions {
				if !region.contains(addr, size) {
					continue
				}
				if nrc, allowed := securityErr(req.Security, region.RequiredSecurity); !allowed {
					return Result{Outcome: Negative, NRC: nrc}
				}
				data, err := region.ReadFn(addr, size)
				if err != nil {
					return Result{Outcome: Negative, NRC: NRCRequestOutOfRange}
				}
				return Result{Outcome: Positive, Payload: data}
			}
			return Result{Outcome: Negative, NRC: NRCRequestOutOfRange}
		},
	})

	routes = append(routes, &Route{
		SID: 0x27, HasSubFunction: true,
		LengthOK: AtLeast(2),
		Handler: func(req Request) Result {
			if req.SubFunction == 0 || req.SubFunction > 0x7E {
				return Result{Outcome: Negative, NRC: NRCSubFunctionNotSupported}
			}
			if req.SubFunction%2 == 1 {
				level := security.Level((req.SubFunction + 1) / 2)
				seed, err := secMgr.RequestSeed(level)
				if err != nil {
					return Result{Outcome: Negative, NRC: securityNRC(err)}
				}
				payload := append([]byte{req.SubFunction}, seed...)
				return Result{Outcome: Positive, Payload: payload}
			}
			level := security.Level(req.SubFunction / 2)
			if err := secMgr.VerifyKey(level, req.Payload); err != nil {
				return Result{Outcome: Negative, NRC: securityNRC(err)}
			}
			return Result{Outcome: Positive, Payload: []byte{req.SubFunction}}
		},
	})

	routes = append(routes, &Route{
		SID: 0x28, HasSubFunction: true, SuppressAllowed: true,
		LengthOK: Exactly(3),
		Handler: func(req Request) Result {
			if cfg.CommControl == nil {
				return Result{Outcome: Negative, NRC: NRCServiceNotSupported}
			}
			if err := cfg.CommControl(req.SubFunction, req.Payload[0]); err != nil {
				return Result{Outcome: Negative, NRC: NRCConditionsNotCorrect}
			}
			return Result{Outcome: Positive, Payload: []byte{req.SubFunction}}
		},
	})

	routes = append(routes, &Route{
		SID: 0x2E, HasSubFunction: false,
		LengthOK: AtLeast(3),
		Handler: func(req Request) Result {
			did := binary.BigEndian.Uint16(req.Payload[0:2])
			di, ok := cfg.DataIdentifiers[did]
			if !ok || di.WriteFn == nil {
				return Result{Outcome: Negative, NRC: NRCRequestOutOfRange}
			}
			if nrc, allowed := securityErr(req.Security, di.RequiredSecurity); !allowed {
				return Result{Outcome: Negative, NRC: nrc}
			}
			if !di.allowedIn(req.Session) {
				return Result{Outcome: Negative, NRC: NRCConditionsNotCorrect}
			}
			if err := di.WriteFn(req.Payload[2:]); err != nil {
				return Result{Outcome: Negative, NRC: NRCGeneralProgrammingFailure}
			}
			return Result{Outcome: Positive, Payload: req.Payload[0:2]}
		},
	})

	routes = append(routes, &Route{
		SID: 0x31, HasSubFunction: true, SuppressAllowed: true,
		LengthOK: AtLeast(4),
		Handler: func(req Request) Result {
			rid := binary.BigEndian.Uint16(req.Payload[0:2])
			routine, ok := cfg.Routines[rid]
			if !ok {
				return Result{Outcome: Negative, NRC: NRCRequestOutOfRange}
			}
			if nrc, allowed := securityErr(req.Security, routine.RequiredSecurity); !allowed {
				return Result{Outcome: Negative, NRC: nrc}
			}
			option := req.Payload[2:]
			var data []byte
			var err error
			switch req.SubFunction {
			case 0x01:
				if routine.Start == nil {
					return Result{Outcome: Negative, NRC: NRCRequestOutOfRange}
				}
				data, err = routine.Start(option)
			case 0x02:
				if routine.Stop == nil {
					return Result{Outcome: Negative, NRC: NRCRequestOutOfRange}
				}
				data, err = routine.Stop(option)
			case 0x03:
				if routine.RequestResults == nil {
					return Result{Outcome: Negative, NRC: NRCRequestOutOfRange}
				}
				data, err = routine.RequestResults()
			default:
				return Result{Outcome: Negative, NRC: NRCSubFunctionNotSupported}
			}
			if err != nil {
				return Result{Outcome: Negative, NRC: NRCConditionsNotCorrect}
			}
			payload := make([]byte, 2+len(data))
			binary.BigEndian.PutUint16(payload, rid)
			copy(payload[2:], data)
			return Result{Outcome: Positive, Payload: payload}
		},
	})

	routes = append(routes, &Route{
		SID: 0x34, HasSubFunction: false,
		LengthOK: AtLeast(3),
		Handler: func(req Request) Result {
			if cfg.Transfer.PrepareDownload == nil {
				return Result{Outcome: Negative, NRC: NRCServiceNotSupported}
			}
			dataFormat := req.Payload[0]
			addr, size, ok := decodeAddressAndLength(req.Payload[1:])
			if !ok {
				return Result{Outcome: Negative, NRC: NRCIncorrectMessageLengthOrFormat}
			}
			if err := cfg.Transfer.PrepareDownload(addr, size, dataFormat); err != nil {
				return Result{Outcome: Negative, NRC: NRCRequestOutOfRange}
			}
			ts.active = true
			ts.expectedCounter = 1
			maxLen := cfg.Transfer.MaxBlockLength
			if maxLen == 0 {
				maxLen = 4096
			}
			return Result{Outcome: Positive, Payload: []byte{0x20, byte(maxLen >> 8), byte(maxLen)}}
		},
	})

	routes = append(routes, &Route{
		SID: 0x36, HasSubFunction: false,
		LengthOK: AtLeast(2),
		Handler: func(req Request) Result {
			if !ts.active || cfg.Transfer.WriteBlock == nil {
				return Result{Outcome: Negative, NRC: NRCRequestSequenceError}
			}
			counter := req.Payload[0]
			if counter != ts.expectedCounter {
				return Result{Outcome: Negative, NRC: NRCRequestSequenceError}
			}
			if err := cfg.Transfer.WriteBlock(counter, req.Payload[1:]); err != nil {
				return Result{Outcome: Negative, NRC: NRCTransferDataSuspended}
			}
			ts.expectedCounter++
			return Result{Outcome: Positive, Payload: []byte{counter}}
		},
	})

	routes = append(routes, &Route{
		SID: 0x37, HasSubFunction: false,
		LengthOK: AtLeast(1),
		Handler: func(req Request) Result {
			if !ts.active {
				return Result{Outcome: Negative, NRC: NRCRequestSequenceError}
			}
			if cfg.Transfer.FinishTransfer != nil {
				if err := cfg.Transfer.FinishTransfer(); err != nil {
					return Result{Outcome: Negative, NRC: NRCGeneralProgrammingFailure}
				}
			}
			ts.active = false
			return Result{Outcome: Positive}
		},
	})

	routes = append(routes, &Route{
		SID: 0x3E, HasSubFunction: true, SuppressAllowed: true,
		LengthOK: Exactly(2),
		Handler: func(req Request) Result {
			sessions.TesterPresent()
			return Result{Outcome: Positive}
		},
	})

	routes = append(routes, &Route{
		SID: 0x85, HasSubFunction: true, SuppressAllowed: true,
		LengthOK: Exactly(2),
		Handler: func(req Request) Result {
			if cfg.DTCSetting == nil {
				return Result{Outcome: Negative, NRC: NRCServiceNotSupported}
			}
			on := req.SubFunction == 0x01
			if err := cfg.DTCSetting(on); err != nil {
				return Result{Outcome: Negative, NRC: NRCConditionsNotCorrect}
			}
			return Result{Outcome: Positive, Payload: []byte{req.SubFunction}}
		},
	})

	return routes
}

// decodeAddressAndLength parses an addressAndLengthFormatIdentifier byte
// followed by a variable-width address and size (ISO 14229-1 Table 71):
// the high nibble gives the memorySize width in bytes, the low nibble the
// memoryAddress width.
func decodeAddressAndLength(data []byte) (addr uint32, size uint32, ok bool) {
	if len(data) < 1 {
		return 0, 0, false
	}
	alfid := data[0]
	sizeLen := int(alfid >> 4)
	addrLen := int(alfid & 0x0F)
	if sizeLen == 0 || sizeLen > 4 || addrLen == 0 || addrLen > 4 {
		return 0, 0, false
	}
	if len(data) < 1+addrLen+sizeLen {
		return 0, 0, false
	}
	pos := 1
	for i := 0; i < addrLen; i++ {
		addr = addr<<8 | uint32(data[pos])
		pos++
	}
	for i := 0; i < sizeLen; i++ {
		size = size<<8 | uint32(data[pos])
		pos++
	}
	return addr, size, true
}

func securityNRC(err error) byte {
	switch err {
	case security.ErrRequiredTimeDelayNotExpired:
		return NRCRequiredTimeDelayNotExpired
	case security.ErrExceededAttempts:
		return NRCExceededNumberOfAttempts
	case security.ErrInvalidKey:
		return NRCInvalidKey
	case security.ErrUnknownLevel:
		return NRCRequestOutOfRange
	default:
		return NRCConditionsNotCorrect
	}
}
