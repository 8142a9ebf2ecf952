// Package rewrite finalizes edited packets before transmission. The
// Finalizer is the single component authorized to commit a packet's
// ModificationList; it then rewrites the wire sequence and
// acknowledgment numbers of every packet, on both directions, from the
// flow's maintainers and recomputes checksums.
package rewrite

import (
	"github.com/irctrakz/tcpmbox/pkg/core"
	"github.com/irctrakz/tcpmbox/pkg/flow"
	"github.com/irctrakz/tcpmbox/pkg/stream"
)

// Editor mutates a packet's payload and records every byte insertion
// or removal into the tracker, positioned in the direction's original
// sequence space.
type Editor interface {
	Edit(p *core.TCPPacket, tr stream.Tracker) error
}

// Finalizer applies committed stream edits to wire headers. It holds
// the only reference path to ModificationList.Commit: editing stages
// see trackers, never concrete lists.
type Finalizer struct {
	commits     uint64
	ackRewrites uint64
}

// NewFinalizer returns a Finalizer.
func NewFinalizer() *Finalizer { return &Finalizer{} }

// Commits returns how many modification lists have been committed.
func (f *Finalizer) Commits() uint64 { return f.commits }

// Finalize commits the packet's edits (if any) into the direction's
// maintainer, translates the outgoing sequence number, untranslates
// the acknowledgment against the opposite direction's edit history,
// and recomputes checksums. Must be called for every packet of the
// flow, edited or not, so unedited packets still get their numbers
// corrected.
func (f *Finalizer) Finalize(fs *flow.FlowState, dir flow.Direction, p *core.TCPPacket, list *stream.ModificationList) error {
	fwd := fs.Maintainer(dir)
	if list != nil {
		if err := list.Commit(fwd); err != nil {
			return err
		}
		f.commits++
	}

	p.SetSeq(fwd.Translate(p.Seq()))

	if p.ACK() {
		// The ack acknowledges the peer's data: a position in the
		// other direction's edited stream, mapped back to the space
		// the original sender expects.
		rev := fs.Maintainer(dir.Other())
		ack := p.Ack()
		if mapped := rev.Untranslate(ack); mapped != ack {
			p.SetAck(mapped)
			f.ackRewrites++
		}
	}

	p.FinalizeChecksums()
	return nil
}
