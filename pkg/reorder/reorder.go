// Package reorder buffers out-of-order TCP segments per flow direction
// and emits them to the next stage in strict sequence order. Segments
// wait in a sequence-sorted list of pooled nodes; whenever the head of
// the list matches the next expected sequence number, a contiguous
// prefix is flushed downstream.
package reorder

import (
	"fmt"

	"github.com/irctrakz/tcpmbox/pkg/core"
	"github.com/irctrakz/tcpmbox/pkg/logging"
	"github.com/irctrakz/tcpmbox/pkg/mempool"
	"github.com/irctrakz/tcpmbox/pkg/seqnum"
)

// Policy selects how incoming segments are placed into the pending
// list. The trade-off is the caller's: direct insertion wins for small
// bursts, merge sort wins when batches are large relative to the list.
type Policy int

const (
	// DirectInsert splices each segment at its sorted position.
	// O(n) per segment, O(k*n) for a batch of k.
	DirectInsert Policy = iota
	// MergeSort prepends a whole batch unsorted, then merge-sorts the
	// combined list once. O((n+k)*log(n+k)) per batch.
	MergeSort
)

// ParsePolicy maps a config string to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "direct":
		return DirectInsert, nil
	case "merge", "":
		return MergeSort, nil
	default:
		return 0, fmt.Errorf("unknown reorder policy: %q", s)
	}
}

// node is one buffered segment. Links are arena indices.
type node struct {
	seq  seqnum.Value
	end  seqnum.Value
	pkt  *core.TCPPacket
	next int32
}

// NodeArena pools reorder nodes for one processing context.
type NodeArena = mempool.Arena[node]

// NewNodeArena creates a node pool with the given capacity, the
// expected maximum outstanding reorder depth across the context's
// flows.
func NewNodeArena(capacity int) *NodeArena {
	return mempool.NewArena[node](capacity)
}

// Stats counts reorderer events. Single-context ownership means plain
// integers are enough.
type Stats struct {
	Emitted         uint64 // segments forwarded in order
	Buffered        uint64 // segments that had to wait in the list
	Retransmissions uint64 // pure retransmissions forwarded directly
	DuplicateDrops  uint64 // covered duplicates discarded at flush/insert
	PoolDrops       uint64 // segments dropped on node pool exhaustion
}

// Reorderer holds the pending list and next-expected sequence for one
// direction of one flow. It is owned by a single processing context;
// no locking.
type Reorderer struct {
	arena       *NodeArena
	sink        core.PacketProcessor
	policy      Policy
	head        int32
	pending     int
	expected    seqnum.Value
	established bool
	stats       Stats
}

// New creates a reorderer emitting in-order segments into sink.
func New(arena *NodeArena, policy Policy, sink core.PacketProcessor) *Reorderer {
	return &Reorderer{arena: arena, sink: sink, policy: policy, head: mempool.NilIndex}
}

// Expected returns the next expected sequence number, and whether the
// baseline has been established yet.
func (r *Reorderer) Expected() (seqnum.Value, bool) {
	return r.expected, r.established
}

// Pending returns the number of buffered segments.
func (r *Reorderer) Pending() int { return r.pending }

// Stats returns a copy of the event counters.
func (r *Reorderer) Stats() Stats { return r.stats }

// Submit processes one segment: establish the baseline if needed,
// forward pure retransmissions directly, otherwise insert in sequence
// order and flush the eligible prefix. Returns an error only when the
// segment had to be dropped on pool exhaustion.
func (r *Reorderer) Submit(p *core.TCPPacket) error {
	r.checkFirstPacket(p)
	if r.checkRetransmission(p) {
		return nil
	}
	if p.Seq().LessThanEq(r.expected) {
		// Already eligible: emit without touching the pending list, so
		// in-order traffic never consumes pool nodes.
		r.expected = p.EndSeq()
		r.stats.Emitted++
		if err := r.sink.ProcessPacket(p); err != nil {
			logging.Errorf("in-order forward failed: %v", err)
		}
		r.sendEligible()
		return nil
	}
	if !r.insert(p) {
		seq := p.Seq()
		core.ReleaseTCPPacket(p)
		return fmt.Errorf("reorder node pool exhausted, segment %d dropped", seq)
	}
	r.sendEligible()
	return nil
}

// SubmitBatch processes a batch of segments. Under MergeSort the batch
// is prepended unsorted and the combined list sorted once; under
// DirectInsert each segment is spliced individually.
func (r *Reorderer) SubmitBatch(pkts []*core.TCPPacket) error {
	if r.policy != MergeSort {
		var firstErr error
		for _, p := range pkts {
			if err := r.Submit(p); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	var firstErr error
	for _, p := range pkts {
		r.checkFirstPacket(p)
		if r.checkRetransmission(p) {
			continue
		}
		idx, ok := r.alloc(p)
		if !ok {
			seq := p.Seq()
			core.ReleaseTCPPacket(p)
			if firstErr == nil {
				firstErr = fmt.Errorf("reorder node pool exhausted, segment %d dropped", seq)
			}
			continue
		}
		r.arena.At(idx).next = r.head
		r.head = idx
		r.pending++
		r.stats.Buffered++
	}
	r.head = r.sortList(r.head)
	r.sendEligible()
	return firstErr
}

// checkFirstPacket establishes the next-expected baseline from the
// first segment seen on this direction. A SYN consumes one sequence
// number; picking up mid-connection starts at the segment's own seq.
func (r *Reorderer) checkFirstPacket(p *core.TCPPacket) {
	if r.established {
		return
	}
	if p.SYN() {
		r.expected = p.Seq().Add(1)
	} else {
		r.expected = p.Seq()
	}
	r.established = true
}

// checkRetransmission forwards a segment directly when its whole range
// sits at or before the next expected sequence. Duplicates must still
// reach downstream (ACK generation may depend on them) but never enter
// the pending list.
func (r *Reorderer) checkRetransmission(p *core.TCPPacket) bool {
	if !p.EndSeq().LessThanEq(r.expected) {
		return false
	}
	r.stats.Retransmissions++
	logging.Debugf("retransmission seq=%d len=%d forwarded, expected=%d", p.Seq(), p.PayloadLen(), r.expected)
	if err := r.sink.ProcessPacket(p); err != nil {
		logging.Errorf("retransmission forward failed: %v", err)
	}
	return true
}

func (r *Reorderer) alloc(p *core.TCPPacket) (int32, bool) {
	idx, ok := r.arena.Alloc()
	if !ok {
		r.stats.PoolDrops++
		logging.Warnf("reorder node pool exhausted, dropping segment seq=%d", p.Seq())
		return mempool.NilIndex, false
	}
	n := r.arena.At(idx)
	n.seq = p.Seq()
	n.end = p.EndSeq()
	n.pkt = p
	n.next = mempool.NilIndex
	return idx, true
}

// insert splices one segment at its sorted position. Segments with a
// starting sequence already present are covered duplicates and are
// discarded here, keeping the list free of overlapping starts.
func (r *Reorderer) insert(p *core.TCPPacket) bool {
	seq := p.Seq()
	if r.head == mempool.NilIndex || seq.LessThan(r.arena.At(r.head).seq) {
		idx, ok := r.alloc(p)
		if !ok {
			return false
		}
		r.arena.At(idx).next = r.head
		r.head = idx
		r.pending++
		r.stats.Buffered++
		return true
	}
	prev := r.head
	for {
		if r.arena.At(prev).seq == seq {
			r.stats.DuplicateDrops++
			core.ReleaseTCPPacket(p)
			return true
		}
		next := r.arena.At(prev).next
		if next == mempool.NilIndex || seq.LessThan(r.arena.At(next).seq) {
			break
		}
		prev = next
	}
	idx, ok := r.alloc(p)
	if !ok {
		return false
	}
	r.arena.At(idx).next = r.arena.At(prev).next
	r.arena.At(prev).next = idx
	r.pending++
	r.stats.Buffered++
	return true
}

// sendEligible pops and emits the contiguous prefix: every head node
// whose range starts at or overlaps the expected sequence, advancing
// expected past it. Fully covered duplicates are freed. Stops at the
// first gap.
func (r *Reorderer) sendEligible() {
	for r.head != mempool.NilIndex {
		n := r.arena.At(r.head)
		if n.end.LessThan(r.expected) || (n.end == r.expected && n.seq != r.expected) {
			// every byte already emitted
			r.stats.DuplicateDrops++
			core.ReleaseTCPPacket(n.pkt)
			r.pop()
			continue
		}
		if n.seq.LessThanEq(r.expected) {
			pkt := n.pkt
			r.expected = n.end
			r.pop()
			r.stats.Emitted++
			if err := r.sink.ProcessPacket(pkt); err != nil {
				logging.Errorf("in-order forward failed: %v", err)
			}
			continue
		}
		return
	}
}

func (r *Reorderer) pop() {
	idx := r.head
	r.head = r.arena.At(idx).next
	r.arena.Free(idx)
	r.pending--
}

// Drain frees every pending node without emitting, for flow teardown,
// returning the buffered frames to the ingest pool. Returns how many
// segments were discarded.
func (r *Reorderer) Drain() int {
	n := 0
	for r.head != mempool.NilIndex {
		core.ReleaseTCPPacket(r.arena.At(r.head).pkt)
		r.pop()
		n++
	}
	return n
}

// sortList merge-sorts an index-linked list by sequence number.
func (r *Reorderer) sortList(head int32) int32 {
	if head == mempool.NilIndex || r.arena.At(head).next == mempool.NilIndex {
		return head
	}

	// Split at the midpoint with slow/fast cursors.
	slow, fast := head, r.arena.At(head).next
	for fast != mempool.NilIndex {
		fast = r.arena.At(fast).next
		if fast != mempool.NilIndex {
			slow = r.arena.At(slow).next
			fast = r.arena.At(fast).next
		}
	}
	second := r.arena.At(slow).next
	r.arena.At(slow).next = mempool.NilIndex

	a := r.sortList(head)
	b := r.sortList(second)
	return r.mergeLists(a, b)
}

func (r *Reorderer) mergeLists(a, b int32) int32 {
	head := mempool.NilIndex
	tail := mempool.NilIndex
	for a != mempool.NilIndex && b != mempool.NilIndex {
		var pick int32
		if r.arena.At(a).seq.LessThanEq(r.arena.At(b).seq) {
			pick, a = a, r.arena.At(a).next
		} else {
			pick, b = b, r.arena.At(b).next
		}
		if tail == mempool.NilIndex {
			head = pick
		} else {
			r.arena.At(tail).next = pick
		}
		tail = pick
	}
	rest := a
	if rest == mempool.NilIndex {
		rest = b
	}
	if tail == mempool.NilIndex {
		return rest
	}
	r.arena.At(tail).next = rest
	return head
}
