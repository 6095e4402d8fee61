// Package node ties the parts of a cache node together.
//
// A Node owns the write path of the store: every mutation is applied to the
// store, appended to the replication log and turned into an event while the
// partition of the key is locked. Holding the same lock while taking a
// partition snapshot makes the snapshot consistent with the log position
// returned alongside it, which is what state transfer relies on.
//
// Data flow of a mutation:
//
//	Mutate ─> store.Mutate ─> replication.Log.Append ─> dedup.Index.Record
//	                                                        │
//	   subscribers <── dispatcher goroutine <── MPSC queue <┘
//
// Multi-step operations (BulkSet, partition resets received from peers) run
// under a rollback.Transaction whose compensations go through the node again,
// so an undo is logged and replicated like any other mutation.
package node
