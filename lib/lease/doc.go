// Package lease supplies short-lived scratch objects to the request dispatch path.
//
// A request touches a handful of temporary objects (request and response
// envelopes, bit-flag sets, entry wrappers, encode buffers). Allocating them per
// request puts measurable pressure on the garbage collector at high request
// rates, so the dispatch path leases them instead.
//
// The package focuses on:
//   - Context-local pools: every execution context (one client connection, one
//     worker) owns exactly one Pool, so acquiring an object never contends with
//     other contexts
//   - Reset on acquisition: every object handed out by Acquire has been reset
//     and carries no state of an earlier borrower
//   - Buffer checkout: byte buffers that outlive one dispatch (queued responses)
//     are checked out from a shared, size-classed buffer pool and returned once
//     the send completed
//
// Key Components:
//
//   - Leasable: interface every leased object type implements (ResetLeasable)
//
//   - Pool: the context-local pool. Acquire[T] returns the context's instance
//     of T, Release optionally clears it before the next use.
//
//   - Registry: lazily creates one Pool per context id and drops it again when
//     the context is torn down
//
//   - BufferPool: size-classed byte buffers backed by sync.Pool
//
// Thread Safety:
//
//	A Pool is deliberately not thread-safe: it must only be used by the context
//	that owns it, and that context runs one operation at a time. The Registry and
//	the BufferPool are safe for concurrent use.
package lease
