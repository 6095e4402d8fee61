// Package maintenance holds the process-wide maintenance status of a cache node.
//
// The status is a small set of flags toggled by the membership layer and by the
// state transfer coordinator:
//
//   - PerformStateTransfer: at least one state transfer session is streaming
//   - WaitForMaintenance: the membership layer put the node into maintenance,
//     no new transfer session may start
//   - PerformReplication: steady-state replication of new mutations is enabled
//
// PerformReplication is informational. The node sets it at startup and the
// admin status reports it, but no transfer or write path is gated on it:
// state transfer sessions are admitted by WaitForMaintenance alone.
//
// WaitForMaintenance and PerformStateTransfer are mutually exclusive. The
// Status type enforces this on every update instead of relying on callers.
//
// Thread Safety:
//
//	The status is stored in a single atomic word and updated by compare-and-swap,
//	so every reader sees the latest value and every decision is taken on one
//	consistent snapshot (see Status.Snapshot).
package maintenance
