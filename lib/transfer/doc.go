// Package transfer implements state transfer between cache nodes: bringing a
// joining or recovering peer up to date with the partitions of this node.
//
// A transfer runs as a Session per peer. For every partition the session either
// replays the replication log from a sequence number the peer already has, or,
// if that position is no longer retained, streams a point-in-time snapshot of
// the partition followed by a replay of everything logged after it.
//
// Session states:
//
//	Pending ──> Snapshotting ──> Replaying ──> Complete
//	   │             ^  │            │
//	   │             └──┼────────────┘ (sequence too old)
//	   └─────────────────┴────────────────> Failed
//
// A session stays Pending while the maintenance status has WaitForMaintenance
// set and retries on a timer. While any session transfers, PerformStateTransfer
// is set, so maintenance cannot start in the middle of a transfer.
//
// Key Components:
//
//   - Coordinator: owns the sessions (at most one active session per peer),
//     consumes transfer requests of the membership layer and reports failed
//     transfers back to it.
//
//   - IPeerDialer / IPeerStream: the sending side of the transfer protocol.
//     Every call returns once the peer acknowledged it. The rpc layer provides
//     the network implementation, LoopbackDialer connects to in-process
//     receivers.
//
//   - Receiver: the receiving side. It resets a partition before a snapshot,
//     applies each snapshot chunk under a rollback.Transaction and applies
//     replayed operations in sequence order.
//
// Failure handling:
//
//	Errors of the peer stream are transient: the current state is retried up to
//	MaxRetries times with exponential backoff (±10% jitter) on a fresh stream.
//	Exhaustion fails the session with ErrTransferPeerUnreachable. Cancel fails
//	the session with ErrSessionCancelled and releases its log cursors at once.
//	Every other terminal failure is reported to the request source.
//
//	A requested start that is no longer retained, or that lies past the log
//	tail, is answered with a snapshot.
//
// Thread Safety:
//
//	All exported methods of Coordinator, Session and Receiver are safe for
//	concurrent use.
package transfer
