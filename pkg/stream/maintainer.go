// Package stream tracks byte insertions and removals applied to a live
// TCP stream. A ModificationList records the edits made to one packet;
// committing it folds the net edits into the direction's
// ByteStreamMaintainer, whose breakpoint table answers sequence and
// acknowledgment translation queries for the lifetime of the flow.
package stream

import (
	"sort"

	"github.com/irctrakz/tcpmbox/pkg/seqnum"
)

// breakpoint marks the stream position from which a cumulative byte
// delta applies. The table is ordered by position; for any query the
// greatest breakpoint at or before it gives the applicable delta.
type breakpoint struct {
	pos   seqnum.Value
	delta int32
}

// ByteStreamMaintainer accumulates the committed edits of one flow
// direction. It is retained for the whole connection because delayed
// ACKs and retransmissions reference arbitrarily old positions.
//
// Not safe for concurrent use; each flow direction is owned by exactly
// one processing context.
type ByteStreamMaintainer struct {
	bps  []breakpoint
	base seqnum.Value // position of the earliest breakpoint, keys anchor here
}

// NewByteStreamMaintainer returns an empty maintainer.
func NewByteStreamMaintainer() *ByteStreamMaintainer {
	return &ByteStreamMaintainer{}
}

// key maps a position into the flow's monotonic offset space so that
// sort.Search works across 32-bit wraparound. Valid as long as the
// edited span of the connection stays under 2^32 bytes.
func (m *ByteStreamMaintainer) key(p seqnum.Value) uint32 {
	return uint32(p - m.base)
}

// lookup returns the index of the greatest breakpoint at or before v,
// or -1 when no breakpoint applies.
func (m *ByteStreamMaintainer) lookup(v seqnum.Value) int {
	if len(m.bps) == 0 || v.LessThan(m.bps[0].pos) {
		return -1
	}
	k := m.key(v)
	idx := sort.Search(len(m.bps), func(i int) bool {
		return m.key(m.bps[i].pos) > k
	})
	return idx - 1
}

// Translate maps an original sequence number to its position in the
// edited stream. Positions before the first committed edit are
// returned unchanged: no edit applies.
func (m *ByteStreamMaintainer) Translate(v seqnum.Value) seqnum.Value {
	i := m.lookup(v)
	if i < 0 {
		return v
	}
	return v.Add(seqnum.Size(m.bps[i].delta))
}

// Untranslate maps a position in the edited stream back to the
// original sequence space. It is the inverse of Translate wherever the
// edited stream has a unique preimage; positions before the first edit
// come back unchanged.
func (m *ByteStreamMaintainer) Untranslate(v seqnum.Value) seqnum.Value {
	if len(m.bps) == 0 {
		return v
	}
	// Image positions get their own anchor at the first breakpoint's
	// image. Anchoring at m.base would wrap below zero for a negative
	// first delta and break the search's monotonicity.
	imgBase := m.bps[0].pos.Add(seqnum.Size(m.bps[0].delta))
	if v.LessThan(imgBase) {
		return v
	}
	k := uint32(v - imgBase)
	// The predicate is false at i=0 (its image key is zero), so idx >= 1.
	idx := sort.Search(len(m.bps), func(i int) bool {
		return uint32(m.bps[i].pos.Add(seqnum.Size(m.bps[i].delta))-imgBase) > k
	})
	return v.Sub(seqnum.Size(m.bps[idx-1].delta))
}

// applyDelta folds one committed edit into the table: every position
// at or after pos shifts by delta on top of whatever applied before.
// Commits normally arrive at or after the current tail, so the common
// case is a constant-time append.
func (m *ByteStreamMaintainer) applyDelta(pos seqnum.Value, delta int32) {
	if delta == 0 {
		return
	}
	if len(m.bps) == 0 {
		m.base = pos
		m.bps = append(m.bps, breakpoint{pos: pos, delta: delta})
		return
	}
	if last := &m.bps[len(m.bps)-1]; pos.GreaterThanEq(last.pos) {
		if pos == last.pos {
			last.delta += delta
		} else {
			m.bps = append(m.bps, breakpoint{pos: pos, delta: last.delta + delta})
		}
		return
	}
	// Historical insert: an edit landed before the tail. Splice it in
	// and shift every later breakpoint.
	if pos.LessThan(m.bps[0].pos) {
		m.base = pos
	}
	k := m.key(pos)
	idx := sort.Search(len(m.bps), func(i int) bool {
		return m.key(m.bps[i].pos) > k
	})
	if idx > 0 && m.bps[idx-1].pos == pos {
		idx--
		m.bps[idx].delta += delta
	} else {
		prior := int32(0)
		if idx > 0 {
			prior = m.bps[idx-1].delta
		}
		m.bps = append(m.bps, breakpoint{})
		copy(m.bps[idx+1:], m.bps[idx:])
		m.bps[idx] = breakpoint{pos: pos, delta: prior + delta}
	}
	for i := idx + 1; i < len(m.bps); i++ {
		m.bps[i].delta += delta
	}
}

// Breakpoints returns the current table size, for counters and tests.
func (m *ByteStreamMaintainer) Breakpoints() int {
	return len(m.bps)
}
