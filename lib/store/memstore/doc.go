// Package memstore provides an in-memory implementation of store.IStore.
//
// Every partition is backed by its own concurrent map, so writes to different
// keys do not contend. Values are copied on write, stored entries are never
// modified in place, which makes it safe to hand them out from Get and from
// partition snapshots without further copying.
//
// Versions are drawn from one atomic counter per store. Replicated writes
// (store.OpApply) keep the version they carry and move the counter forward so
// later local writes still get larger versions.
//
// Expiration is evaluated lazily: Get hides expired values, Has still reports
// the key. Removing expired keys is the job of an eviction policy outside this
// package.
package memstore
