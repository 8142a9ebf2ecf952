// Package flow keys connection state and owns its lifecycle. Each TCP
// connection gets one FlowState holding, per direction, a segment
// reorderer and a byte stream maintainer. A Table belongs to exactly
// one processing context; the dispatcher must steer both directions of
// a flow to the same context.
package flow

import (
	"fmt"
	"time"

	"github.com/irctrakz/tcpmbox/pkg/core"
	"github.com/irctrakz/tcpmbox/pkg/logging"
	"github.com/irctrakz/tcpmbox/pkg/reorder"
	"github.com/irctrakz/tcpmbox/pkg/seqnum"
	"github.com/irctrakz/tcpmbox/pkg/stream"
)

// Direction identifies one half of a connection. Each direction has
// its own sequence space and edit history.
type Direction uint8

const (
	// DirOriginal is the direction of the first packet seen.
	DirOriginal Direction = 0
	// DirReply is the return direction.
	DirReply Direction = 1
)

// Other returns the opposite direction.
func (d Direction) Other() Direction { return d ^ 1 }

func (d Direction) String() string {
	if d == DirOriginal {
		return "orig"
	}
	return "reply"
}

// Key is the directional 5-tuple identity of a flow (the protocol is
// always TCP here).
type Key struct {
	SrcIP   [4]byte
	DstIP   [4]byte
	SrcPort uint16
	DstPort uint16
}

// KeyFromPacket builds the key as seen from the packet's direction.
func KeyFromPacket(p *core.TCPPacket) Key {
	return Key{SrcIP: p.SrcIP(), DstIP: p.DstIP(), SrcPort: p.SrcPort(), DstPort: p.DstPort()}
}

// Reverse returns the key of the opposite direction.
func (k Key) Reverse() Key {
	return Key{SrcIP: k.DstIP, DstIP: k.SrcIP, SrcPort: k.DstPort, DstPort: k.SrcPort}
}

func (k Key) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d->%d.%d.%d.%d:%d",
		k.SrcIP[0], k.SrcIP[1], k.SrcIP[2], k.SrcIP[3], k.SrcPort,
		k.DstIP[0], k.DstIP[1], k.DstIP[2], k.DstIP[3], k.DstPort)
}

// FlowState is the per-connection state: one reorderer and one byte
// stream maintainer per direction, plus teardown bookkeeping. It is
// exclusively owned by the context whose table created it.
type FlowState struct {
	Key      Key // oriented as the first packet seen (DirOriginal)
	created  time.Time
	lastSeen time.Time

	reorderers  [2]*reorder.Reorderer
	maintainers [2]*stream.ByteStreamMaintainer

	finSeen [2]bool
	rstSeen bool

	editedThrough [2]seqnum.Value
	editedValid   [2]bool
}

// Reorderer returns the segment reorderer for a direction.
func (fs *FlowState) Reorderer(d Direction) *reorder.Reorderer {
	return fs.reorderers[d]
}

// Maintainer returns the byte stream maintainer for a direction.
func (fs *FlowState) Maintainer(d Direction) *stream.ByteStreamMaintainer {
	return fs.maintainers[d]
}

// Touch records activity for idle eviction.
func (fs *FlowState) Touch(now time.Time) { fs.lastSeen = now }

// NoteFlags records teardown-relevant flags of a processed segment.
func (fs *FlowState) NoteFlags(d Direction, p *core.TCPPacket) {
	if p.FIN() {
		fs.finSeen[d] = true
	}
	if p.RST() {
		fs.rstSeen = true
	}
}

// Done reports whether the connection has finished: RST, or FIN seen
// on both directions.
func (fs *FlowState) Done() bool {
	return fs.rstSeen || (fs.finSeen[0] && fs.finSeen[1])
}

// Edited reports whether the stream range ending at end was already
// run through the payload editor on this direction. Retransmissions of
// edited data must not commit their edits a second time.
func (fs *FlowState) Edited(d Direction, end seqnum.Value) bool {
	return fs.editedValid[d] && end.LessThanEq(fs.editedThrough[d])
}

// MarkEdited advances the edited-through high-water mark.
func (fs *FlowState) MarkEdited(d Direction, end seqnum.Value) {
	if !fs.editedValid[d] || end.GreaterThan(fs.editedThrough[d]) {
		fs.editedThrough[d] = end
		fs.editedValid[d] = true
	}
}

// SinkFactory builds the next-stage processor an in-order segment of
// (fs, dir) is emitted into.
type SinkFactory func(fs *FlowState, dir Direction) core.PacketProcessor

// Table maps flow keys to FlowState for one processing context.
// Removed states go to a free list and are reused, gopacket-style, so
// steady state allocates nothing.
type Table struct {
	flows   map[Key]*FlowState
	free    []*FlowState
	arena   *reorder.NodeArena
	policy  reorder.Policy
	sinkFor SinkFactory

	created uint64
	evicted uint64
}

// NewTable creates a table drawing reorder nodes from arena and wiring
// each new flow direction's reorderer to the factory's sink.
func NewTable(arena *reorder.NodeArena, policy reorder.Policy, sinkFor SinkFactory) *Table {
	return &Table{
		flows:   make(map[Key]*FlowState),
		arena:   arena,
		policy:  policy,
		sinkFor: sinkFor,
	}
}

// Len returns the number of live flows.
func (t *Table) Len() int { return len(t.flows) }

// Created returns how many flow states have been handed out.
func (t *Table) Created() uint64 { return t.created }

// Evicted returns how many flows were removed by idle eviction.
func (t *Table) Evicted() uint64 { return t.evicted }

// Lookup finds the flow for a key, creating it on first sight, and
// returns which direction the key corresponds to.
func (t *Table) Lookup(k Key, now time.Time) (*FlowState, Direction) {
	if fs, ok := t.flows[k]; ok {
		return fs, DirOriginal
	}
	if fs, ok := t.flows[k.Reverse()]; ok {
		return fs, DirReply
	}

	var fs *FlowState
	if n := len(t.free); n > 0 {
		fs = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		fs = &FlowState{}
	}
	fs.Key = k
	fs.created = now
	fs.lastSeen = now
	fs.finSeen[0], fs.finSeen[1] = false, false
	fs.rstSeen = false
	fs.editedValid[0], fs.editedValid[1] = false, false
	for d := Direction(0); d < 2; d++ {
		fs.reorderers[d] = reorder.New(t.arena, t.policy, t.sinkFor(fs, d))
		fs.maintainers[d] = stream.NewByteStreamMaintainer()
	}
	t.flows[k] = fs
	t.created++
	logging.Debugf("flow created: %s", k)
	return fs, DirOriginal
}

// Remove tears a flow down, draining any pending reorder nodes back to
// the context pool and recycling the state.
func (t *Table) Remove(fs *FlowState) {
	if _, ok := t.flows[fs.Key]; !ok {
		return
	}
	delete(t.flows, fs.Key)
	for d := Direction(0); d < 2; d++ {
		if n := fs.reorderers[d].Drain(); n > 0 {
			logging.Debugf("flow %s: discarded %d pending segments on teardown", fs.Key, n)
		}
		fs.reorderers[d] = nil
		fs.maintainers[d] = nil
	}
	t.free = append(t.free, fs)
}

// EvictIdle removes flows idle longer than maxAge. The engine never
// times out a stalled reorder queue on its own; the owning pipeline
// calls this to reclaim per-flow pool allocations.
func (t *Table) EvictIdle(now time.Time, maxAge time.Duration) int {
	n := 0
	for _, fs := range t.flows {
		if now.Sub(fs.lastSeen) > maxAge {
			logging.WithFields(map[string]interface{}{
				"flow": fs.Key.String(),
				"idle": now.Sub(fs.lastSeen).String(),
			}).Debug("evicting idle flow")
			t.Remove(fs)
			n++
		}
	}
	t.evicted += uint64(n)
	return n
}
