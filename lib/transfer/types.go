package transfer

import (
	"context"
	"errors"

	"github.com/ValentinKolb/dCache/lib/replication"
	"github.com/ValentinKolb/dCache/lib/store"
)

var (
	// ErrSessionAlreadyActive is returned when a peer already has a non-terminal session
	ErrSessionAlreadyActive = errors.New("transfer session already active")
	// ErrTransferPeerUnreachable is returned when the peer failed more often than the retry budget allows
	ErrTransferPeerUnreachable = errors.New("transfer peer unreachable")
	// ErrSessionCancelled is the error of a cancelled session
	ErrSessionCancelled = errors.New("transfer session cancelled")
	// ErrCoordinatorClosed is returned by StartSession after Close
	ErrCoordinatorClosed = errors.New("transfer coordinator closed")
	// ErrUnexpectedTransferID is returned by the receiver for an out-of-order snapshot chunk
	ErrUnexpectedTransferID = errors.New("unexpected transfer id")
	// ErrUnknownStream is returned by the receiver for data of a stream that was never begun
	ErrUnknownStream = errors.New("unknown transfer stream")
)

// TransferRequest authorizes a transfer session with a peer
type TransferRequest struct {
	// Peer is the address of the peer to transfer to
	Peer string
	// Reason is logged with the session (e.g. "join", "recover")
	Reason string
	// Partitions limits the transfer to the given partitions (nil = all)
	Partitions []uint32
	// From maps a partition to the last sequence number the peer already
	// applied. Partitions without an entry start from scratch.
	From map[uint32]uint64
}

// --------------------------------------------------------------------------
// Transfer Protocol
// --------------------------------------------------------------------------

// BeginRequest opens the transfer of one partition
type BeginRequest struct {
	SessionID string
	Source    string
	Partition uint32
	// Snapshot is true if a snapshot follows, the receiver resets the partition
	Snapshot bool
	// From is the sequence number the replay continues after (if Snapshot is false)
	From uint64
}

// SnapshotChunk is one part of a partition snapshot
type SnapshotChunk struct {
	Source     string
	Partition  uint32
	TransferID uint64 // 1 for the first chunk of a snapshot stream
	Entries    []store.KeyEntry
	Last       bool
}

// OperationBatch is a batch of logged operations of one partition in sequence order
type OperationBatch struct {
	Source    string
	Partition uint32
	Ops       []replication.LoggedOperation
}

// Completion marks the end of the transfer of one partition
type Completion struct {
	Source    string
	Partition uint32
	Seq       uint64 // last sequence number sent for the partition
}

// IPeerStream is an open transfer stream to a peer. Every call returns once the
// peer acknowledged the message.
type IPeerStream interface {
	Begin(ctx context.Context, req BeginRequest) error
	SendSnapshot(ctx context.Context, chunk SnapshotChunk) error
	SendOperations(ctx context.Context, batch OperationBatch) error
	Complete(ctx context.Context, c Completion) error
	Close() error
}

// IPeerDialer opens transfer streams
type IPeerDialer interface {
	Dial(ctx context.Context, peer string) (IPeerStream, error)
}

// ISnapshotSource provides consistent partition snapshots
type ISnapshotSource interface {
	// PartitionSnapshot returns a point-in-time copy of one partition and the
	// sequence number of the last logged operation the copy includes
	PartitionSnapshot(partition uint32) ([]store.KeyEntry, uint64, error)
	// Partitions returns the number of partitions
	Partitions() uint32
}

// IRequestSource delivers authorized transfer requests and receives reports of
// failed transfers (implemented by the membership layer)
type IRequestSource interface {
	TransferRequests() <-chan TransferRequest
	ReportTransferFailure(peer string, err error)
}

// ISink is the local write path the receiver applies transfers to
type ISink interface {
	store.IMutator
	ResetPartition(partition uint32) error
}
