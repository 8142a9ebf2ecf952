package mempool

import "sync"

// Byte buffer pools for small/medium/large common packet sizes to
// reduce allocations when the pipeline copies frames off the ingest
// path. Callers should only return buffers that originated from Get
// (checked via capacity match).

const (
	bufSmall = 2048
	bufMed   = 4096
	bufLarge = 8192
)

var (
	poolSmall = sync.Pool{New: func() any { b := make([]byte, bufSmall); return &b }}
	poolMed   = sync.Pool{New: func() any { b := make([]byte, bufMed); return &b }}
	poolLarge = sync.Pool{New: func() any { b := make([]byte, bufLarge); return &b }}
)

// GetBuf returns a buffer of length n, pooled when n fits a class.
func GetBuf(n int) []byte {
	switch {
	case n <= bufSmall:
		p := poolSmall.Get().(*[]byte)
		return (*p)[:n]
	case n <= bufMed:
		p := poolMed.Get().(*[]byte)
		return (*p)[:n]
	case n <= bufLarge:
		p := poolLarge.Get().(*[]byte)
		return (*p)[:n]
	default:
		return make([]byte, n)
	}
}

// PutBuf returns a buffer to its pool if it came from one.
func PutBuf(b []byte) {
	switch cap(b) {
	case bufSmall:
		bb := b[:bufSmall]
		poolSmall.Put(&bb)
	case bufMed:
		bb := b[:bufMed]
		poolMed.Put(&bb)
	case bufLarge:
		bb := b[:bufLarge]
		poolLarge.Put(&bb)
	}
}

// ShouldPut reports whether a buffer originated from one of the pools.
func ShouldPut(b []byte) bool {
	switch cap(b) {
	case bufSmall, bufMed, bufLarge:
		return true
	default:
		return false
	}
}
