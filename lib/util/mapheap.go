package util

import "container/heap"

// heapItem is one element of a MapHeap
type heapItem[K comparable] struct {
	key      K
	priority int64
	index    int // position in the heap slice, maintained by the heap operations
}

// MapHeap is a min-heap ordered by priority that also supports O(1) lookup and
// O(log n) removal by key. It is typically used with timestamps as priorities,
// so that the oldest element can be found and evicted first.
//
// Thread-safety: MapHeap is not thread-safe, callers must synchronize access.
type MapHeap[K comparable] struct {
	items []*heapItem[K]
	index map[K]*heapItem[K]
}

// NewMapHeap creates an empty MapHeap
func NewMapHeap[K comparable]() *MapHeap[K] {
	return &MapHeap[K]{
		items: make([]*heapItem[K], 0),
		index: make(map[K]*heapItem[K]),
	}
}

// --------------------------------------------------------------------------
// Public Methods
// --------------------------------------------------------------------------

// Len returns the number of elements in the heap
func (h *MapHeap[K]) Len() int { return len(h.items) }

// Add inserts key with the given priority. If the key is already present its
// priority is updated and the heap is fixed up.
func (h *MapHeap[K]) Add(key K, priority int64) {
	if it, ok := h.index[key]; ok {
		it.priority = priority
		heap.Fix((*heapAdapter[K])(h), it.index)
		return
	}
	heap.Push((*heapAdapter[K])(h), &heapItem[K]{key: key, priority: priority})
}

// Remove deletes key from the heap and returns its priority
func (h *MapHeap[K]) Remove(key K) (int64, bool) {
	it, ok := h.index[key]
	if !ok {
		return 0, false
	}
	heap.Remove((*heapAdapter[K])(h), it.index)
	return it.priority, true
}

// PeekMin returns the element with the lowest priority without removing it
func (h *MapHeap[K]) PeekMin() (key K, priority int64, ok bool) {
	if len(h.items) == 0 {
		return key, 0, false
	}
	return h.items[0].key, h.items[0].priority, true
}

// PopMin removes and returns the element with the lowest priority
func (h *MapHeap[K]) PopMin() (key K, priority int64, ok bool) {
	if len(h.items) == 0 {
		return key, 0, false
	}
	it := heap.Pop((*heapAdapter[K])(h)).(*heapItem[K])
	return it.key, it.priority, true
}

// Contains reports whether key is in the heap
func (h *MapHeap[K]) Contains(key K) bool {
	_, ok := h.index[key]
	return ok
}

// Priority returns the priority currently stored for key
func (h *MapHeap[K]) Priority(key K) (int64, bool) {
	it, ok := h.index[key]
	if !ok {
		return 0, false
	}
	return it.priority, true
}

// --------------------------------------------------------------------------
// heap.Interface (kept on a separate type so Push/Pop stay unexported)
// --------------------------------------------------------------------------

type heapAdapter[K comparable] MapHeap[K]

func (a *heapAdapter[K]) Len() int { return len(a.items) }

func (a *heapAdapter[K]) Less(i, j int) bool {
	return a.items[i].priority < a.items[j].priority
}

func (a *heapAdapter[K]) Swap(i, j int) {
	a.items[i], a.items[j] = a.items[j], a.items[i]
	a.items[i].index = i
	a.items[j].index = j
}

func (a *heapAdapter[K]) Push(x any) {
	it := x.(*heapItem[K])
	it.index = len(a.items)
	a.items = append(a.items, it)
	a.index[it.key] = it
}

func (a *heapAdapter[K]) Pop() any {
	old := a.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil // avoid memory leak
	it.index = -1
	a.items = old[:n-1]
	delete(a.index, it.key)
	return it
}
