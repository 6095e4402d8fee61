// Package replication implements the replication log of a cache node: an
// ordered, per-partition sequence of logged mutations used to bring peers up to
// date by replay.
//
// The package focuses on:
//   - Gap-free, strictly increasing sequence numbers per partition, assigned
//     atomically by Append
//   - Lazy, restartable reads (ReadFrom) that fail with ErrSequenceTooOld once
//     the requested position fell out of the retained window
//   - Read cursors of transfer sessions, which pin entries against truncation
//   - A retention policy (max entries, max age) bounding memory per partition
//
// Key Components:
//
//   - LoggedOperation: one recorded insert, update or remove, with its sequence
//     number. A binary codec (EncodeOperations / DecodeOperations) is used by
//     the transfer protocol.
//
//   - Log: the set of partition logs. Every partition has its own mutex, there
//     is no lock across partitions.
//
// Retention vs. truncation:
//
//	TruncateBefore never removes entries a registered cursor has not consumed.
//	The retention policy is a hard memory bound and may overtake a lagging
//	cursor; that cursor's next read fails with ErrSequenceTooOld and the session
//	falls back to a full snapshot.
//
// Invariant violations (a non-monotonic insert) mark the partition broken:
// the error is logged and returned by every later call on that partition.
package replication
