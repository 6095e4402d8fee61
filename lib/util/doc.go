// Package util provides small building blocks shared by the cache node libraries.
//
// The package contains:
//   - hash: the seeded FNV-1a string hash used for partition and shard selection
//   - mapheap: a min-heap with key-based access, used for window based eviction
//   - mpsc: a lock-free multi-producer single-consumer queue used for event fan-out
//
// None of the components depend on other packages of this module, so they can be
// used from the store, the replication log and the rpc layer alike.
package util
