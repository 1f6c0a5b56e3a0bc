// Package bitvec implements the dense per-page bit vectors used by image
// sections to track inheritance and dirtiness, one bit per page.
package bitvec

import "math/bits"

// Vector is a fixed-size bit vector. The zero value of a Vector has zero
// length; use New to size one.
type Vector struct {
	words []uint64
	size  uint64
}

// New creates a vector holding the given number of bits, all clear.
func New(size uint64) *Vector {
	return &Vector{
		words: make([]uint64, (size+63)>>6),
		size:  size,
	}
}

// Len returns the number of bits in the vector.
func (v *Vector) Len() uint64 {
	return v.size
}

// Set sets bit i.
func (v *Vector) Set(i uint64) {
	v.words[i>>6] |= 1 << (i & 63)
}

// Clear clears bit i.
func (v *Vector) Clear(i uint64) {
	v.words[i>>6] &^= 1 << (i & 63)
}

// Test returns true if bit i is set.
func (v *Vector) Test(i uint64) bool {
	return v.words[i>>6]&(1<<(i&63)) != 0
}

// SetAll sets every bit in the vector.
func (v *Vector) SetAll() {
	for i := range v.words {
		v.words[i] = ^uint64(0)
	}
	v.trimTail()
}

// ClearAll clears every bit in the vector.
func (v *Vector) ClearAll() {
	for i := range v.words {
		v.words[i] = 0
	}
}

// Count returns the number of set bits.
func (v *Vector) Count() uint64 {
	var total uint64
	for _, word := range v.words {
		total += uint64(bits.OnesCount64(word))
	}
	return total
}

// Any returns true if at least one bit is set.
func (v *Vector) Any() bool {
	for _, word := range v.words {
		if word != 0 {
			return true
		}
	}
	return false
}

// CopyRange copies count bits starting at srcStart in src into this vector
// starting at dstStart. Source and destination may be the same vector only if
// the ranges do not overlap.
func (v *Vector) CopyRange(dstStart uint64, src *Vector, srcStart, count uint64) {
	for i := uint64(0); i < count; i++ {
		if src.Test(srcStart + i) {
			v.Set(dstStart + i)
		} else {
			v.Clear(dstStart + i)
		}
	}
}

// Resize returns a new vector of the requested size carrying over the common
// prefix of bits.
func (v *Vector) Resize(size uint64) *Vector {
	out := New(size)
	keep := v.size
	if size < keep {
		keep = size
	}
	out.CopyRange(0, v, 0, keep)
	return out
}

// trimTail clears the unused bits of the last word so Count stays honest.
func (v *Vector) trimTail() {
	if tail := v.size & 63; tail != 0 && len(v.words) > 0 {
		v.words[len(v.words)-1] &= (1 << tail) - 1
	}
}
