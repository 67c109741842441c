// SPDX-License-Identifier: MIT
// Copyright (c) 2025 go-udsstack contributors.

package frame

// AcceptanceFilter gates which arbitration ids are handed to the core, the
// way a CAN controller's hardware mailbox filter would. Grounded on the
// original's diag_filter.c: a small, separately testable translation unit
// rather than an inline check in the transport.
type AcceptanceFilter struct {
	ids map[uint32]struct{}
}

// NewAcceptanceFilter builds a filter that accepts exactly the given ids
// (typically the configured physical rx_id and a functional/broadcast id).
func NewAcceptanceFilter(ids ...uint32) *AcceptanceFilter {
	f := &AcceptanceFilter{ids: make(map[uint32]struct{}, len(ids))}
	for _, id := range ids {
		f.ids[id] = struct{}{}
	}
	return f
}

// Accepts reports whether id passes the filter.
func (f *AcceptanceFilter) Accepts(id uint32) bool {
	if f == nil || len(f.ids) == 0 {
		return true
	}
	_, ok := f.ids[id]
	return ok
}

// Add admits another id at runtime (e.g. a functionally-addressed request
// id discovered after CommunicationControl reconfigures a subnet).
func (f *AcceptanceFilter) Add(id uint32) {
	if f.ids == nil {
		f.ids = make(map[uint32]struct{})
	}
	f.ids[id] = struct{}{}
}

// Remove revokes acceptance of an id.
func (f *AcceptanceFilter) Remove(id uint32) {
	delete(f.ids, id)
}
