// Package seq implements the 16-bit modular sequence arithmetic shared by
// the send, receive, pull and ack components.
package seq

// Num is a per-partner sequence number. Arithmetic wraps modulo 1<<16, so
// comparisons must go through Before/Diff rather than plain operators.
type Num uint16

// Add returns n+delta, wrapping modulo 1<<16.
func (n Num) Add(delta int) Num {
	return Num(int32(n) + int32(delta))
}

// Diff returns n-other as a signed distance, positive when n is ahead of
// other in sequence order. Only meaningful for numbers within +/-32768 of
// each other, which holds for any in-window comparison.
func (n Num) Diff(other Num) int16 {
	return int16(n - other)
}

// Before reports whether n precedes other in modular sequence order.
func (n Num) Before(other Num) bool {
	return n.Diff(other) < 0
}

// InWindow reports whether n falls in [base, base+size).
func (n Num) InWindow(base Num, size uint16) bool {
	d := n.Diff(base)
	return d >= 0 && uint16(d) < size
}
