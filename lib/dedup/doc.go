// Package dedup implements the event deduplication index of a cache node.
//
// Every mutation surfaces as an EventRecord whose id is derived from its content
// (partition, key, version and kind). The index remembers the ids it has seen
// within a sliding time window and reports duplicates, which gives subscribers
// at-most-once notification within that window.
//
// The package focuses on:
//   - Fine-grained locking: records are sharded by a hash of their id
//   - Lazy eviction: expired records are removed on Record and Snapshot, an
//     optional background sweep (Start) bounds memory for idle shards
//   - Optional durable retention through the IRetention interface
//
// Key Components:
//
//   - Index: the sharded window. Each shard keeps a map of records and a
//     util.MapHeap ordered by timestamp, so the oldest record is found in O(1)
//     and removed in O(log n).
//
//   - IRetention / JSONLRetention: an append-only archive of every non-duplicate
//     record, one JSON object per line, rotated once the file reaches a size
//     limit. ReadSince serves replay to reconnecting clients.
//
// Retention writes happen on a single background writer fed by a lock-free
// queue. A failing archive is logged and counted, it never blocks Record and
// never changes its result.
package dedup
