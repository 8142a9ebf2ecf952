package rewrite

import (
	"bytes"
	"fmt"

	"github.com/irctrakz/tcpmbox/pkg/core"
	"github.com/irctrakz/tcpmbox/pkg/seqnum"
	"github.com/irctrakz/tcpmbox/pkg/stream"
)

// ReplaceEditor rewrites every occurrence of a literal pattern in a
// segment's payload. Length-changing replacements are recorded in the
// tracker as a removal plus an insertion at the match position, so the
// stream maintainer ends up with the net byte delta.
//
// Matches split across segment boundaries are not seen; this editor
// works on whatever payload each in-order segment carries.
type ReplaceEditor struct {
	oldPat []byte
	newPat []byte
}

// NewReplaceEditor builds an editor replacing oldPat with newPat.
func NewReplaceEditor(oldPat, newPat []byte) (*ReplaceEditor, error) {
	if len(oldPat) == 0 {
		return nil, fmt.Errorf("replace pattern must not be empty")
	}
	return &ReplaceEditor{
		oldPat: append([]byte(nil), oldPat...),
		newPat: append([]byte(nil), newPat...),
	}, nil
}

// MultiEditor applies a list of editors in order.
type MultiEditor []Editor

// Edit implements Editor.
func (m MultiEditor) Edit(p *core.TCPPacket, tr stream.Tracker) error {
	for _, e := range m {
		if err := e.Edit(p, tr); err != nil {
			return err
		}
	}
	return nil
}

// Edit implements Editor.
func (e *ReplaceEditor) Edit(p *core.TCPPacket, tr stream.Tracker) error {
	base := p.Seq()
	off := 0
	applied := 0 // net byte delta of edits already applied to this payload
	for {
		payload := p.Payload()
		i := bytes.Index(payload[off:], e.oldPat)
		if i < 0 {
			return nil
		}
		at := off + i
		// at is an offset into the mutated payload; recorded positions
		// must stay in the original sequence space.
		pos := base.Add(seqnum.Size(at - applied))

		if len(e.newPat) == len(e.oldPat) {
			// in-place overwrite, no stream delta
			copy(payload[at:], e.newPat)
		} else {
			p.TrimPayload(at, len(e.oldPat))
			if !tr.Record(pos, -int32(len(e.oldPat))) {
				return fmt.Errorf("edit rejected at %d", pos)
			}
			p.InsertPayload(at, e.newPat)
			if len(e.newPat) > 0 && !tr.Record(pos, int32(len(e.newPat))) {
				return fmt.Errorf("edit rejected at %d", pos)
			}
			applied += len(e.newPat) - len(e.oldPat)
		}
		off = at + len(e.newPat)
	}
}
