package util

import "sync/atomic"

// mpscNode is a single element of the queue's linked list
type mpscNode[T any] struct {
	next  atomic.Pointer[mpscNode[T]]
	value T
}

// MPSCQueue is an unbounded lock-free multi-producer single-consumer queue.
//
// Producers call Push from any goroutine. Exactly one consumer goroutine calls
// Pop and waits on Signal when the queue is empty:
//
//	for {
//		for v, ok := q.Pop(); ok; v, ok = q.Pop() {
//			handle(v)
//		}
//		if q.IsClosed() {
//			return
//		}
//		<-q.Signal()
//	}
//
// Items pushed by one producer are popped in push order. There is no ordering
// between items of different producers beyond which Push finished first.
type MPSCQueue[T any] struct {
	head   *mpscNode[T] // owned by the consumer
	tail   atomic.Pointer[mpscNode[T]]
	signal chan struct{}
	closed atomic.Bool
	size   atomic.Int64
}

// NewMPSCQueue creates an empty queue
func NewMPSCQueue[T any]() *MPSCQueue[T] {
	sentinel := &mpscNode[T]{}
	q := &MPSCQueue[T]{
		head:   sentinel,
		signal: make(chan struct{}, 1),
	}
	q.tail.Store(sentinel)
	return q
}

// Push appends v to the queue. It returns false if the queue is closed.
//
// Thread-safety: safe for concurrent use by any number of producers.
func (q *MPSCQueue[T]) Push(v T) bool {
	if q.closed.Load() {
		return false
	}
	n := &mpscNode[T]{value: v}
	prev := q.tail.Swap(n)
	prev.next.Store(n)
	q.size.Add(1)
	q.wake()
	return true
}

// Pop removes the oldest visible item. It must only be called by the consumer.
func (q *MPSCQueue[T]) Pop() (T, bool) {
	var zero T
	next := q.head.next.Load()
	if next == nil {
		return zero, false
	}
	v := next.value
	next.value = zero // the node becomes the new sentinel, drop the reference
	q.head = next
	q.size.Add(-1)
	return v, true
}

// Signal returns a channel that receives a value whenever items were pushed or
// the queue was closed since the last receive.
func (q *MPSCQueue[T]) Signal() <-chan struct{} {
	return q.signal
}

// Close stops accepting new items. Items already queued can still be popped.
func (q *MPSCQueue[T]) Close() {
	q.closed.Store(true)
	q.wake()
}

// IsClosed returns true once Close was called
func (q *MPSCQueue[T]) IsClosed() bool {
	return q.closed.Load()
}

// Len returns the approximate number of queued items
func (q *MPSCQueue[T]) Len() int {
	return int(q.size.Load())
}

func (q *MPSCQueue[T]) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
