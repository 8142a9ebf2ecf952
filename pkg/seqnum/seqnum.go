// Package seqnum provides 32-bit TCP sequence number arithmetic that
// stays correct across wraparound. All comparisons use signed modular
// difference; never compare raw uint32 sequence numbers directly.
package seqnum

// Value is a TCP sequence number.
type Value uint32

// Size is the length of a sequence number window.
type Size uint32

// LessThan reports whether v is before w in modular order.
func (v Value) LessThan(w Value) bool {
	return int32(v-w) < 0
}

// LessThanEq reports whether v equals w or is before it.
func (v Value) LessThanEq(w Value) bool {
	return v == w || v.LessThan(w)
}

// GreaterThan reports whether v is after w in modular order.
func (v Value) GreaterThan(w Value) bool {
	return int32(v-w) > 0
}

// GreaterThanEq reports whether v equals w or is after it.
func (v Value) GreaterThanEq(w Value) bool {
	return v == w || v.GreaterThan(w)
}

// InRange reports whether v lies in [a, b).
func (v Value) InRange(a, b Value) bool {
	return v-a < b-a
}

// Add returns the sequence number s bytes after v.
func (v Value) Add(s Size) Value {
	return v + Value(s)
}

// Sub returns the sequence number s bytes before v.
func (v Value) Sub(s Size) Value {
	return v - Value(s)
}

// Size returns the length of the window [v, w).
func (v Value) Size(w Value) Size {
	return Size(w - v)
}

// Diff returns the signed modular distance from w to v.
func (v Value) Diff(w Value) int32 {
	return int32(v - w)
}
