package stream

import (
	"errors"

	"github.com/irctrakz/tcpmbox/pkg/logging"
	"github.com/irctrakz/tcpmbox/pkg/mempool"
	"github.com/irctrakz/tcpmbox/pkg/seqnum"
)

// ErrCommitted is returned by Commit when the list was already
// committed; a packet's net effect reaches the maintainer exactly once.
var ErrCommitted = errors.New("modification list already committed")

// modNode is one recorded edit: a signed byte delta at a stream
// position. Positive offsets are insertions, negative are removals.
// Nodes chain through arena indices, ordered by position.
type modNode struct {
	position seqnum.Value
	offset   int32
	next     int32
}

// ModNodeArena pools modification nodes for one processing context.
type ModNodeArena = mempool.Arena[modNode]

// NewModNodeArena creates a node pool with the given capacity.
func NewModNodeArena(capacity int) *ModNodeArena {
	return mempool.NewArena[modNode](capacity)
}

// Tracker is the recording surface handed to payload editors. It
// deliberately excludes Commit: only the finalizer that owns the
// concrete ModificationList may fold edits into a maintainer.
type Tracker interface {
	Record(position seqnum.Value, offset int32) bool
	Committed() bool
}

// ModificationList records the byte insertions and removals applied to
// a single in-flight packet. It lives only while the packet is being
// edited: the finalizer commits it into the direction's
// ByteStreamMaintainer before the packet is transmitted.
type ModificationList struct {
	arena     *ModNodeArena
	head      int32
	committed bool
}

// NewModificationList returns an empty list drawing nodes from arena.
func NewModificationList(arena *ModNodeArena) *ModificationList {
	return &ModificationList{arena: arena, head: mempool.NilIndex}
}

// Committed reports whether the list has been committed.
func (l *ModificationList) Committed() bool { return l.committed }

// Record adds an edit at the given stream position. It returns false
// once the list has been committed (caller logic bug) or when the node
// pool is exhausted (the packet should be dropped and counted).
//
// Overlapping edits of the same sign are merged into one node whose
// offset is the sum and whose position is the minimum. Opposite-sign
// overlaps are kept as two distinct instructions, never cancelled:
// cancellation bookkeeping is left to the caller.
func (l *ModificationList) Record(position seqnum.Value, offset int32) bool {
	if l.committed {
		return false
	}
	if offset == 0 {
		return true
	}

	idx, ok := l.arena.Alloc()
	if !ok {
		logging.Warnf("modification node pool exhausted, edit at %d dropped", position)
		return false
	}
	node := l.arena.At(idx)
	node.position = position
	node.offset = offset

	// Splice in position order.
	if l.head == mempool.NilIndex || position.LessThan(l.arena.At(l.head).position) {
		node.next = l.head
		l.head = idx
	} else {
		prev := l.head
		for {
			next := l.arena.At(prev).next
			if next == mempool.NilIndex || position.LessThan(l.arena.At(next).position) {
				break
			}
			prev = next
		}
		node.next = l.arena.At(prev).next
		l.arena.At(prev).next = idx
	}

	l.mergeNodes()
	return true
}

func sameSign(a, b int32) bool {
	return (a >= 0) == (b >= 0)
}

func abs32(v int32) seqnum.Size {
	if v < 0 {
		return seqnum.Size(-v)
	}
	return seqnum.Size(v)
}

// mergeNodes collapses adjacent nodes representing overlapping edits
// of the same kind. A removal or insertion contiguous with a prior one
// extends it rather than creating a second entry.
func (l *ModificationList) mergeNodes() {
	cur := l.head
	for cur != mempool.NilIndex {
		node := l.arena.At(cur)
		next := node.next
		if next == mempool.NilIndex {
			return
		}
		peer := l.arena.At(next)
		if sameSign(node.offset, peer.offset) &&
			peer.position.LessThanEq(node.position.Add(abs32(node.offset))) {
			node.offset += peer.offset
			node.next = peer.next
			l.arena.Free(next)
			// stay on cur, the grown span may now reach the next node
			continue
		}
		cur = next
	}
}

// Commit folds the merged edits, in position order, into the target
// maintainer. Callable exactly once; afterwards the list is immutable
// and every Record returns false.
func (l *ModificationList) Commit(m *ByteStreamMaintainer) error {
	if l.committed {
		return ErrCommitted
	}
	cur := l.head
	for cur != mempool.NilIndex {
		node := l.arena.At(cur)
		next := node.next
		m.applyDelta(node.position, node.offset)
		l.arena.Free(cur)
		cur = next
	}
	l.head = mempool.NilIndex
	l.committed = true
	return nil
}

// Clear releases all nodes without committing, for packets that are
// dropped before transmission. The list remains usable.
func (l *ModificationList) Clear() {
	cur := l.head
	for cur != mempool.NilIndex {
		next := l.arena.At(cur).next
		l.arena.Free(cur)
		cur = next
	}
	l.head = mempool.NilIndex
}

// Pending returns the number of distinct edits currently recorded.
func (l *ModificationList) Pending() int {
	n := 0
	for cur := l.head; cur != mempool.NilIndex; cur = l.arena.At(cur).next {
		n++
	}
	return n
}

// Ops returns the merged (position, delta) operations in order, as
// they would be committed. Used by tests and diagnostics.
func (l *ModificationList) Ops() []Op {
	var ops []Op
	for cur := l.head; cur != mempool.NilIndex; cur = l.arena.At(cur).next {
		node := l.arena.At(cur)
		ops = append(ops, Op{Position: node.position, Delta: node.offset})
	}
	return ops
}

// Op is one committed edit operation.
type Op struct {
	Position seqnum.Value
	Delta    int32
}
