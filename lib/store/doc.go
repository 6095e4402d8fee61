// Package store defines the key-value store a cache node serves, together with
// the types that describe writes to it.
//
// The package focuses on:
//   - A partitioned store interface (IStore) whose write path reports every
//     applied change as a MutationRecord
//   - Unified error handling through the Error type and its RetCode values
//   - A compact binary codec for key/entry batches, used by snapshots, state
//     transfer and bulk requests
//
// Key Components:
//
//   - IStore / IMutator: The store abstraction. The node wraps the IMutator half
//     to append every mutation to the replication log and the event index.
//
//   - Mutation / MutationRecord: One requested write and its outcome. A record
//     carries the prior entry so that a RollbackTransaction can undo it with a
//     RestoreCompensation.
//
//   - Error System: Typed return codes plus a message, matched with errors.Is.
//
// Implementations:
//
//	- memstore: An in-memory implementation with one concurrent map per
//	  partition. Available in the "github.com/ValentinKolb/dCache/lib/store/memstore"
//	  package.
package store
