// Package core defines the packet abstractions shared by every stage
// of the middlebox pipeline: the parsed TCP segment view, frame buffer
// ownership, and the processor interface stages chain through.
package core

import (
	"sync/atomic"

	"github.com/irctrakz/tcpmbox/pkg/mempool"
)

// Global debug flag that can be set via configuration
var debugMode uint32

// SetDebugMode sets the global debug mode flag. In debug mode frame
// buffers are never recycled, so a stale reference reads GC-kept data
// instead of a reused buffer.
func SetDebugMode(enabled bool) {
	if enabled {
		atomic.StoreUint32(&debugMode, 1)
	} else {
		atomic.StoreUint32(&debugMode, 0)
	}
}

// IsDebugMode returns whether debug mode is enabled
func IsDebugMode() bool {
	return atomic.LoadUint32(&debugMode) == 1
}

// NewFrameBuf copies a raw frame into a pooled buffer, giving the
// pipeline unique ownership so the ingest buffer can be reused by the
// caller immediately.
func NewFrameBuf(frame []byte) []byte {
	buf := mempool.GetBuf(len(frame))
	copy(buf, frame)
	return buf
}

// ReleaseTCPPacket returns a packet's frame buffer to the ingest pool.
// Only terminal owners may call it: the egress stage after the frame
// is on the wire, or a drop path. The packet is unusable afterwards.
func ReleaseTCPPacket(p *TCPPacket) {
	if p == nil || p.buf == nil || IsDebugMode() {
		return
	}
	if mempool.ShouldPut(p.buf) {
		mempool.PutBuf(p.buf)
	}
	p.buf = nil
}
