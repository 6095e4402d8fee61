package lease

import "math/bits"

// BitSet is a growable set of small non-negative integers. It is leased by the
// dispatch path to track per-request flags (for example which items of a bulk
// request were applied).
type BitSet struct {
	words []uint64
}

// ResetLeasable clears all bits but keeps the allocated words
func (b *BitSet) ResetLeasable() {
	clear(b.words)
	b.words = b.words[:0]
}

// Set adds i to the set
func (b *BitSet) Set(i int) {
	w := i / 64
	for len(b.words) <= w {
		b.words = append(b.words, 0)
	}
	b.words[w] |= 1 << (uint(i) % 64)
}

// Clear removes i from the set
func (b *BitSet) Clear(i int) {
	w := i / 64
	if w < len(b.words) {
		b.words[w] &^= 1 << (uint(i) % 64)
	}
}

// Has reports whether i is in the set
func (b *BitSet) Has(i int) bool {
	w := i / 64
	return w < len(b.words) && b.words[w]&(1<<(uint(i)%64)) != 0
}

// Count returns the number of set bits
func (b *BitSet) Count() int {
	n := 0
	for _, w := range b.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// Each calls fn for every set bit in ascending order
func (b *BitSet) Each(fn func(i int)) {
	for wi, w := range b.words {
		for w != 0 {
			tz := bits.TrailingZeros64(w)
			fn(wi*64 + tz)
			w &^= 1 << uint(tz)
		}
	}
}
