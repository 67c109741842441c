// SPDX-License-Identifier: MIT
// Copyright (c) 2025 go-udsstack contributors.

// Package dtc implements the diagnostic trouble code store (C7): a
// fixed-capacity table of {spn, fmi, status, counts, freeze frames},
// an aging tick, and the periodic DM1-style status broadcast.
//
// Grounded on the teacher's asdu information-object arrays (a capacity-
// bounded slice of typed records, looked up and mutated by an explicit
// key rather than a pointer) generalized here from IEC-104 point/value
// pairs to SPN/FMI fault records, plus the "arrays-with-count become a
// table of records with indices" guidance carried over from the
// original C implementation's dtc_table.c.
package dtc

import (
	"errors"
	"sync"

	"github.com/marrasen/go-udsstack/clock"
	"github.com/marrasen/go-udsstack/diaglog"
)

// Status is the ISO 14229-1 Annex D bitfield.
type Status byte

const (
	TestFailed                   Status = 1 << 0
	TestFailedThisCycle          Status = 1 << 1
	Pending                      Status = 1 << 2
	Confirmed                    Status = 1 << 3
	TestNotCompletedSinceClear   Status = 1 << 4
	TestFailedSinceClear         Status = 1 << 5
	TestNotCompletedThisCycle    Status = 1 << 6
	WarningIndicatorRequested    Status = 1 << 7
)

// Key identifies one DTC by its SPN (suspect parameter number, 24-bit) and
// FMI (failure mode indicator).
type Key struct {
	SPN uint32 // low 24 bits significant
	FMI byte
}

// FreezeFrame is a snapshot of other data captured at the moment a DTC's
// TestFailed bit was first set within the current cycle.
type FreezeFrame struct {
	Timestamp uint32
	Data      []byte
}

// Record is one DTC table entry.
type Record struct {
	Key            Key
	Status         Status
	OccurrenceCount byte
	AgingCounter   uint32
	AgedCounter    uint32
	Severity       byte
	FreezeFrames   []FreezeFrame
}

// OnStatusChange is invoked whenever a status write changes any bit.
type OnStatusChange func(key Key, old, new Status)

// Config is the store's configuration (spec §6's dtc table).
type Config struct {
	Capacity             int
	FreezeFramesPerDTC   int
	AgingThreshold       uint32 // aging ticks (while not Confirmed) per AgedCounter increment; 0 disables aging
	AgingCycles          uint32
	AutoClear            bool
	BroadcastIntervalMs  uint32
	AgingIntervalMs      uint32 // cadence of the 1s aging tick C1 drives; 0 selects 1000ms
}

var (
	ErrTableFull  = errors.New("dtc: table at capacity")
	ErrNotFound   = errors.New("dtc: no record for key")
)

// Store is the C7 fault table plus its broadcast timer.
type Store struct {
	mu      sync.Mutex
	cfg     Config
	wheel   *clock.Wheel
	logs    *diaglog.Logs
	records map[Key]*Record
	order   []Key // insertion order, for deterministic iteration/broadcast

	onChange       OnStatusChange
	broadcastTimer clock.ID
	agingTimer     clock.ID
	lastBroadcast  []Key // keys with TestFailed set as of the last emitted broadcast
	onBroadcast    func(failing []Record)
	quiet          bool
}

// New constructs a Store and arms its broadcast and aging timers.
func New(cfg Config, wheel *clock.Wheel, logs *diaglog.Logs, onChange OnStatusChange, onBroadcast func(failing []Record)) *Store {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	if cfg.AgingIntervalMs == 0 {
		cfg.AgingIntervalMs = 1000
	}
	s := &Store{
		cfg:         cfg,
		wheel:       wheel,
		logs:        logs,
		records:     make(map[Key]*Record, cfg.Capacity),
		onChange:    onChange,
		onBroadcast: onBroadcast,
	}
	s.armBroadcast()
	s.agingTimer = s.wheel.StartPeriodic(clock.KindDTCAging, s.cfg.AgingIntervalMs, func(id clock.ID, ctx interface{}) {
		s.AgingTick()
	}, nil)
	return s
}

func (s *Store) armBroadcast() {
	if s.cfg.BroadcastIntervalMs == 0 {
		return
	}
	s.broadcastTimer = s.wheel.StartPeriodic(clock.KindDTCBroadcast, s.cfg.BroadcastIntervalMs, func(id clock.ID, ctx interface{}) {
		s.emitBroadcast()
	}, nil)
}

// SetStatus overwrites the full status byte for key, inserting a new
// record if key is unknown and the table has room. Returns ErrTableFull if
// key is unknown and the table is at capacity (spec §4.6: "inserting a new
// DTC when full fails with a deterministic no-room result").
func (s *Store) SetStatus(key Key, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[key]
	if !exists {
		if len(s.records) >= s.cfg.Capacity {
			if s.logs != nil {
				s.logs.RecordError(s.wheel.NowMs(), diaglog.CategoryResource, "DtcTableFull", "cannot insert new DTC, table at capacity")
			}
			return ErrTableFull
		}
		rec = &Record{Key: key}
		s.records[key] = rec
		s.order = append(s.order, key)
	}

	old := rec.Status
	if old == status {
		return nil
	}
	if status&TestFailed != 0 && old&TestFailed == 0 {
		rec.OccurrenceCount++
	}
	rec.Status = status
	if s.onChange != nil {
		s.onChange(key, old, status)
	}
	if s.logs != nil {
		s.logs.RecordTransition(s.wheel.NowMs(), "dtc", statusString(old), statusString(status))
	}
	return nil
}

// GetStatus returns the current status for key.
func (s *Store) GetStatus(key Key) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return 0, ErrNotFound
	}
	return rec.Status, nil
}

// AddFreezeFrame appends a freeze frame, dropping the oldest when the
// per-DTC cap is reached.
func (s *Store) AddFreezeFrame(key Key, now uint32, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return ErrNotFound
	}
	cap := s.cfg.FreezeFramesPerDTC
	if cap <= 0 {
		cap = 1
	}
	ff := FreezeFrame{Timestamp: now, Data: append([]byte(nil), data...)}
	rec.FreezeFrames = append(rec.FreezeFrames, ff)
	if len(rec.FreezeFrames) > cap {
		rec.FreezeFrames = rec.FreezeFrames[len(rec.FreezeFrames)-cap:]
	}
	return nil
}

// GetFreezeFrames returns the stored freeze frames for key, oldest first.
func (s *Store) GetFreezeFrames(key Key) ([]FreezeFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]FreezeFrame, len(rec.FreezeFrames))
	copy(out, rec.FreezeFrames)
	return out, nil
}

// ClearAll removes every record, per service 0x14 with groupOfDTC ==
// 0xFFFFFF.
func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[Key]*Record, s.cfg.Capacity)
	s.order = nil
}

// ClearGroup removes every record whose SPN matches groupOfDTC, or every
// record if groupOfDTC is the all-groups sentinel 0xFFFFFF.
func (s *Store) ClearGroup(groupOfDTC uint32) {
	if groupOfDTC == 0xFFFFFF {
		s.ClearAll()
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.order[:0]
	for _, k := range s.order {
		if k.SPN == groupOfDTC {
			delete(s.records, k)
			continue
		}
		kept = append(kept, k)
	}
	s.order = kept
}

// IterateByStatusMask returns every record whose status has at least one
// bit set in mask, insertion order.
func (s *Store) IterateByStatusMask(mask Status) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.order))
	for _, k := range s.order {
		rec := s.records[k]
		if rec.Status&mask != 0 {
			out = append(out, *rec)
		}
	}
	return out
}

// Len returns the number of records currently stored.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// SetQuiet enables or disables the periodic broadcast, driven by service
// 0x85 ControlDTCSetting.
func (s *Store) SetQuiet(quiet bool) {
	s.mu.Lock()
	s.quiet = quiet
	s.mu.Unlock()
}

// AgingTick runs one aging cycle: every record whose Confirmed bit is
// clear has its aging counter advanced; once it reaches AgingThreshold,
// aged_counter increments and aging_counter resets, and once aged_counter
// reaches AgingCycles (with AutoClear set) the record is removed.
// Confirmed records do not age.
func (s *Store) AgingTick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.AgingThreshold == 0 {
		return
	}
	kept := s.order[:0]
	for _, k := range s.order {
		rec := s.records[k]
		if rec.Status&Confirmed != 0 {
			kept = append(kept, k)
			continue
		}
		rec.AgingCounter++
		if rec.AgingCounter >= s.cfg.AgingThreshold {
			rec.AgingCounter = 0
			rec.AgedCounter++
		}
		if s.cfg.AutoClear && rec.AgedCounter >= s.cfg.AgingCycles && s.cfg.AgingCycles > 0 {
			delete(s.records, k)
			continue
		}
		kept = append(kept, k)
	}
	s.order = kept
}

// emitBroadcast formats and delivers the DM1-style summary of failing
// DTCs, suppressed when quiet or when nothing has changed since the last
// emission (spec §4.7).
func (s *Store) emitBroadcast() {
	s.mu.Lock()
	if s.quiet || s.onBroadcast == nil {
		s.mu.Unlock()
		return
	}
	failing := make([]Record, 0)
	keys := make([]Key, 0)
	for _, k := range s.order {
		rec := s.records[k]
		if rec.Status&TestFailed != 0 {
			failing = append(failing, *rec)
			keys = append(keys, k)
		}
	}
	changed := !sameKeys(keys, s.lastBroadcast)
	s.lastBroadcast = keys
	s.mu.Unlock()

	if !changed {
		return
	}
	s.onBroadcast(failing)
}

func sameKeys(a, b []Key) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func statusString(s Status) string {
	if s&TestFailed != 0 {
		return "failed"
	}
	return "clear"
}
