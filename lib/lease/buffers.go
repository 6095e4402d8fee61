package lease

import (
	"math/bits"
	"sync"
)

const (
	minBufferShift = 9  // 512 B
	maxBufferShift = 20 // 1 MiB
)

// DefaultBufferPool is shared by all pools that were not given their own
var DefaultBufferPool = NewBufferPool()

// BufferPool recycles byte buffers in power-of-two size classes between 512 B
// and 1 MiB. Larger requests are allocated and never pooled.
//
// Thread-safety: safe for concurrent use.
type BufferPool struct {
	classes [maxBufferShift - minBufferShift + 1]sync.Pool
}

// NewBufferPool creates an empty buffer pool
func NewBufferPool() *BufferPool {
	bp := &BufferPool{}
	for i := range bp.classes {
		size := 1 << (i + minBufferShift)
		bp.classes[i].New = func() any {
			b := make([]byte, size)
			return &b
		}
	}
	return bp
}

// Get returns a buffer of length n. Its contents are undefined.
func (bp *BufferPool) Get(n int) []byte {
	class, ok := classFor(n)
	if !ok {
		return make([]byte, n)
	}
	b := *(bp.classes[class].Get().(*[]byte))
	return b[:n]
}

// Put returns a buffer obtained from Get. Buffers whose capacity is not a pool
// size class are dropped.
func (bp *BufferPool) Put(b []byte) {
	c := cap(b)
	class, ok := classFor(c)
	if !ok || 1<<(class+minBufferShift) != c {
		return
	}
	b = b[:c]
	bp.classes[class].Put(&b)
}

// classFor returns the size class index holding buffers of at least n bytes
func classFor(n int) (int, bool) {
	if n <= 1<<minBufferShift {
		return 0, true
	}
	shift := bits.Len(uint(n - 1))
	if shift > maxBufferShift {
		return 0, false
	}
	return shift - minBufferShift, true
}
