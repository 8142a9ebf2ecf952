package reorder

import (
	"bytes"
	"testing"

	"github.com/irctrakz/tcpmbox/pkg/core"
)

var srcIP = [4]byte{10, 0, 0, 1}
var dstIP = [4]byte{10, 0, 0, 2}

func seg(t *testing.T, seq uint32, payloadLen int, flags byte) *core.TCPPacket {
	t.Helper()
	payload := bytes.Repeat([]byte{0xab}, payloadLen)
	b := core.BuildTCPSegment(srcIP, dstIP, 1000, 80, seq, 0, flags, payload)
	p, err := core.ParseTCPPacket(b)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return p
}

type capture struct {
	segs []*core.TCPPacket
}

func (c *capture) ProcessPacket(p *core.TCPPacket) error {
	c.segs = append(c.segs, p)
	return nil
}

func (c *capture) seqs() []uint32 {
	var out []uint32
	for _, p := range c.segs {
		out = append(out, uint32(p.Seq()))
	}
	return out
}

func newReorderer(policy Policy) (*Reorderer, *capture) {
	sink := &capture{}
	return New(NewNodeArena(64), policy, sink), sink
}

func equalU32(a, b []uint32) bool {
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

// Segments [0,100), [300,400), [100,300) arrive in that order: the
// first is emitted immediately, the other two together once the gap
// fills, never [300,400) first.
func TestOutOfOrderEmission(t *testing.T) {
	r, sink := newReorderer(DirectInsert)

	if err := r.Submit(seg(t, 0, 100, core.FlagACK)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !equalU32(sink.seqs(), []uint32{0}) {
		t.Fatalf("after first segment: emitted %v", sink.seqs())
	}

	if err := r.Submit(seg(t, 300, 100, core.FlagACK)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(sink.segs) != 1 {
		t.Fatalf("gap segment must wait, emitted %v", sink.seqs())
	}
	if r.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", r.Pending())
	}

	if err := r.Submit(seg(t, 100, 200, core.FlagACK)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !equalU32(sink.seqs(), []uint32{0, 100, 300}) {
		t.Fatalf("emitted %v, want [0 100 300]", sink.seqs())
	}
	if r.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", r.Pending())
	}
	if exp, _ := r.Expected(); exp != 400 {
		t.Fatalf("expected = %d, want 400", exp)
	}
}

// A pure retransmission after next-expected has advanced is forwarded
// immediately and never enters the pending list.
func TestRetransmissionForwarded(t *testing.T) {
	r, sink := newReorderer(DirectInsert)
	r.Submit(seg(t, 0, 100, core.FlagACK))
	r.Submit(seg(t, 100, 100, core.FlagACK))

	pendingBefore := r.Pending()
	r.Submit(seg(t, 0, 50, core.FlagACK))

	if !equalU32(sink.seqs(), []uint32{0, 100, 0}) {
		t.Fatalf("emitted %v, want the duplicate forwarded last", sink.seqs())
	}
	if r.Pending() != pendingBefore {
		t.Fatalf("pending changed: %d -> %d", pendingBefore, r.Pending())
	}
	st := r.Stats()
	if st.Retransmissions != 1 {
		t.Fatalf("retransmissions = %d, want 1", st.Retransmissions)
	}
	if exp, _ := r.Expected(); exp != 200 {
		t.Fatalf("expected = %d, want 200", exp)
	}
}

func permutations(items []int) [][]int {
	if len(items) <= 1 {
		return [][]int{append([]int(nil), items...)}
	}
	var out [][]int
	for i := range items {
		rest := make([]int, 0, len(items)-1)
		rest = append(rest, items[:i]...)
		rest = append(rest, items[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]int{items[i]}, p...))
		}
	}
	return out
}

// Any arrival permutation converges to the same strictly ordered
// emission once the baseline is pinned by the SYN.
func TestPermutationDeterminism(t *testing.T) {
	type segSpec struct {
		seq uint32
		ln  int
	}
	specs := []segSpec{{0, 100}, {100, 100}, {200, 50}, {250, 150}}
	want := []uint32{0xFFFFFFFF, 0, 100, 200, 250}

	for _, policy := range []Policy{DirectInsert, MergeSort} {
		for _, perm := range permutations([]int{0, 1, 2, 3}) {
			r, sink := newReorderer(policy)
			// SYN consuming one sequence number establishes expected=0.
			r.Submit(seg(t, 0xFFFFFFFF, 0, core.FlagSYN))
			for _, i := range perm {
				if err := r.Submit(seg(t, specs[i].seq, specs[i].ln, core.FlagACK)); err != nil {
					t.Fatalf("perm %v: %v", perm, err)
				}
			}
			if !equalU32(sink.seqs(), want) {
				t.Fatalf("policy %v perm %v: emitted %v, want %v", policy, perm, sink.seqs(), want)
			}
			if r.Pending() != 0 {
				t.Fatalf("perm %v: pending = %d", perm, r.Pending())
			}
		}
	}
}

func TestSynEstablishesBaseline(t *testing.T) {
	r, sink := newReorderer(DirectInsert)
	r.Submit(seg(t, 999, 0, core.FlagSYN))
	if exp, ok := r.Expected(); !ok || exp != 1000 {
		t.Fatalf("expected after SYN = %d (%v), want 1000", exp, ok)
	}
	r.Submit(seg(t, 1000, 10, core.FlagACK))
	if !equalU32(sink.seqs(), []uint32{999, 1000}) {
		t.Fatalf("emitted %v", sink.seqs())
	}
}

// Zero-length control segments order by sequence number but advance
// nothing.
func TestZeroLengthControlSegments(t *testing.T) {
	r, sink := newReorderer(DirectInsert)
	r.Submit(seg(t, 0, 100, core.FlagACK))

	// A pure ACK ahead of the stream waits for the gap to fill.
	r.Submit(seg(t, 200, 0, core.FlagACK))
	if r.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", r.Pending())
	}

	r.Submit(seg(t, 100, 100, core.FlagACK))
	if !equalU32(sink.seqs(), []uint32{0, 100, 200}) {
		t.Fatalf("emitted %v", sink.seqs())
	}
	if exp, _ := r.Expected(); exp != 200 {
		t.Fatalf("zero-length segment advanced expected to %d", exp)
	}
}

func TestSequenceWrapAround(t *testing.T) {
	r, sink := newReorderer(DirectInsert)
	start := uint32(0xFFFFFFF6)

	r.Submit(seg(t, start, 10, core.FlagACK)) // [fff6, 0)
	r.Submit(seg(t, 10, 10, core.FlagACK))    // waits across the wrap
	if r.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", r.Pending())
	}
	r.Submit(seg(t, 0, 10, core.FlagACK))

	if !equalU32(sink.seqs(), []uint32{start, 0, 10}) {
		t.Fatalf("emitted %v", sink.seqs())
	}
	if exp, _ := r.Expected(); exp != 20 {
		t.Fatalf("expected = %d, want 20", exp)
	}
}

func TestPartialOverlapAdvances(t *testing.T) {
	r, sink := newReorderer(DirectInsert)
	r.Submit(seg(t, 0, 100, core.FlagACK))
	// Starts inside already-emitted data but extends past it.
	r.Submit(seg(t, 50, 100, core.FlagACK))
	if !equalU32(sink.seqs(), []uint32{0, 50}) {
		t.Fatalf("emitted %v", sink.seqs())
	}
	if exp, _ := r.Expected(); exp != 150 {
		t.Fatalf("expected = %d, want 150", exp)
	}
}

func TestPoolExhaustionDrops(t *testing.T) {
	sink := &capture{}
	r := New(NewNodeArena(2), DirectInsert, sink)
	r.Submit(seg(t, 0, 100, core.FlagACK)) // emitted, no node held

	r.Submit(seg(t, 200, 100, core.FlagACK))
	r.Submit(seg(t, 400, 100, core.FlagACK))
	err := r.Submit(seg(t, 600, 100, core.FlagACK))
	if err == nil {
		t.Fatal("expected pool exhaustion error")
	}
	if st := r.Stats(); st.PoolDrops != 1 {
		t.Fatalf("poolDrops = %d, want 1", st.PoolDrops)
	}
	if r.Pending() != 2 {
		t.Fatalf("pending = %d, want 2", r.Pending())
	}
	// The flow keeps working: filling the gap flushes the survivors.
	r.Submit(seg(t, 100, 100, core.FlagACK))
	if !equalU32(sink.seqs(), []uint32{0, 100, 200}) {
		t.Fatalf("emitted %v", sink.seqs())
	}
}

func TestPoolExhaustionReleasesFrame(t *testing.T) {
	r := New(NewNodeArena(1), DirectInsert, &capture{})
	r.Submit(seg(t, 0, 100, core.FlagACK))
	r.Submit(seg(t, 200, 100, core.FlagACK)) // takes the only node
	dropped := seg(t, 400, 100, core.FlagACK)
	if err := r.Submit(dropped); err == nil {
		t.Fatal("expected pool exhaustion error")
	}
	if dropped.Buf() != nil {
		t.Fatal("dropped frame must go back to the pool")
	}
}

func TestDuplicatePendingDropped(t *testing.T) {
	r, _ := newReorderer(DirectInsert)
	r.Submit(seg(t, 0, 100, core.FlagACK))
	r.Submit(seg(t, 200, 100, core.FlagACK))
	dup := seg(t, 200, 100, core.FlagACK)
	r.Submit(dup)
	if r.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", r.Pending())
	}
	if st := r.Stats(); st.DuplicateDrops != 1 {
		t.Fatalf("duplicateDrops = %d, want 1", st.DuplicateDrops)
	}
	if dup.Buf() != nil {
		t.Fatal("discarded duplicate frame must go back to the pool")
	}
}

// A buffered segment fully covered by later in-order data is dropped
// at flush time, and its frame released.
func TestCoveredDuplicateReleasedOnFlush(t *testing.T) {
	r, sink := newReorderer(DirectInsert)
	r.Submit(seg(t, 0, 100, core.FlagACK))
	covered := seg(t, 120, 60, core.FlagACK) // waits on the gap at 100
	r.Submit(covered)

	r.Submit(seg(t, 100, 100, core.FlagACK)) // supersedes [120,180)
	if !equalU32(sink.seqs(), []uint32{0, 100}) {
		t.Fatalf("emitted %v", sink.seqs())
	}
	if r.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", r.Pending())
	}
	if st := r.Stats(); st.DuplicateDrops != 1 {
		t.Fatalf("duplicateDrops = %d, want 1", st.DuplicateDrops)
	}
	if covered.Buf() != nil {
		t.Fatal("covered frame must go back to the pool")
	}
}

func TestMergeSortBatch(t *testing.T) {
	r, sink := newReorderer(MergeSort)
	batch := []*core.TCPPacket{
		seg(t, 0, 100, core.FlagACK),
		seg(t, 300, 100, core.FlagACK),
		seg(t, 100, 200, core.FlagACK),
	}
	if err := r.SubmitBatch(batch); err != nil {
		t.Fatalf("batch: %v", err)
	}
	if !equalU32(sink.seqs(), []uint32{0, 100, 300}) {
		t.Fatalf("emitted %v", sink.seqs())
	}
	if r.Pending() != 0 {
		t.Fatalf("pending = %d", r.Pending())
	}
}

func TestDrainReleasesNodesAndFrames(t *testing.T) {
	arena := NewNodeArena(8)
	r := New(arena, DirectInsert, &capture{})
	r.Submit(seg(t, 0, 100, core.FlagACK))
	a := seg(t, 200, 100, core.FlagACK)
	b := seg(t, 400, 100, core.FlagACK)
	r.Submit(a)
	r.Submit(b)
	if arena.InUse() != 2 {
		t.Fatalf("inuse = %d, want 2", arena.InUse())
	}
	if n := r.Drain(); n != 2 {
		t.Fatalf("drained %d, want 2", n)
	}
	if arena.InUse() != 0 {
		t.Fatalf("inuse after drain = %d, want 0", arena.InUse())
	}
	if a.Buf() != nil || b.Buf() != nil {
		t.Fatal("drained frames must go back to the pool")
	}
}
