package transfer

import (
	"fmt"
	"sync"

	"github.com/ValentinKolb/dCache/lib/rollback"
	"github.com/ValentinKolb/dCache/lib/store"
	"github.com/VictoriaMetrics/metrics"
)

var (
	receivedEntries = metrics.GetOrCreateCounter("dcache_transfer_received_entries_total")
	receivedOps     = metrics.GetOrCreateCounter("dcache_transfer_received_operations_total")
	rejectedChunks  = metrics.GetOrCreateCounter("dcache_transfer_rejected_chunks_total")
)

type streamKey struct {
	source    string
	partition uint32
}

// inbound is the receive state of one partition stream
type inbound struct {
	sessionID string
	nextChunk uint64
	snapshot  bool // a snapshot stream is open
	lastSeq   uint64
	applied   int
}

// Receiver applies the transfer streams of peers to the local node
type Receiver struct {
	sink    ISink
	mu      sync.Mutex
	streams map[streamKey]*inbound
}

// NewReceiver creates a receiver writing to sink
func NewReceiver(sink ISink) *Receiver {
	return &Receiver{
		sink:    sink,
		streams: make(map[streamKey]*inbound),
	}
}

// --------------------------------------------------------------------------
// Public Methods
// --------------------------------------------------------------------------

// Begin opens the stream of one partition. A snapshot stream resets the local
// partition, so a repeated snapshot replaces previously received data.
func (r *Receiver) Begin(req BeginRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := streamKey{req.Source, req.Partition}
	in := &inbound{sessionID: req.SessionID, nextChunk: 1, lastSeq: req.From}
	if req.Snapshot {
		if err := r.sink.ResetPartition(req.Partition); err != nil {
			return fmt.Errorf("failed to reset partition %d: %w", req.Partition, err)
		}
		in.snapshot = true
		in.lastSeq = 0
	} else if prev, ok := r.streams[key]; ok && prev.lastSeq > req.From {
		// a resumed replay may resend operations that were applied already
		in.lastSeq = prev.lastSeq
	}
	r.streams[key] = in
	Logger.Debugf("receiving partition %d from %s (session %s, snapshot=%t, from=%d)", req.Partition, req.Source, req.SessionID, req.Snapshot, req.From)
	return nil
}

// ApplySnapshot applies one snapshot chunk. The chunk is applied completely or
// not at all.
func (r *Receiver) ApplySnapshot(chunk SnapshotChunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	in, err := r.stream(chunk.Source, chunk.Partition)
	if err != nil {
		return err
	}
	if !in.snapshot || chunk.TransferID != in.nextChunk {
		rejectedChunks.Inc()
		return fmt.Errorf("%w: partition %d from %s: got %d, want %d", ErrUnexpectedTransferID, chunk.Partition, chunk.Source, chunk.TransferID, in.nextChunk)
	}

	tx := rollback.New(fmt.Sprintf("snapshot %s/%d#%d", chunk.Source, chunk.Partition, chunk.TransferID))
	for _, e := range chunk.Entries {
		rec, err := r.sink.Mutate(e.Key, &store.Mutation{Op: store.OpApply, Entry: e.Entry})
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				return fmt.Errorf("failed to apply entry %q: %w (rollback: %v)", e.Key, err, rbErr)
			}
			return fmt.Errorf("failed to apply entry %q: %w", e.Key, err)
		}
		tx.AddCompensation(store.RestoreCompensation{Mutator: r.sink, Record: rec})
	}
	tx.Commit()

	in.nextChunk++
	in.applied += len(chunk.Entries)
	if chunk.Last {
		in.snapshot = false
	}
	receivedEntries.Add(len(chunk.Entries))
	return nil
}

// ApplyOperations applies a batch of replayed operations in sequence order.
// Operations at or below the last applied sequence number are skipped.
func (r *Receiver) ApplyOperations(batch OperationBatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	in, err := r.stream(batch.Source, batch.Partition)
	if err != nil {
		return err
	}
	for _, op := range batch.Ops {
		if op.Seq <= in.lastSeq {
			continue
		}
		if _, err := r.sink.Mutate(op.Key, op.Mutation()); err != nil {
			return fmt.Errorf("failed to apply operation %d of partition %d: %w", op.Seq, batch.Partition, err)
		}
		in.lastSeq = op.Seq
		in.applied++
		receivedOps.Inc()
	}
	return nil
}

// Complete closes the stream of one partition
func (r *Receiver) Complete(c Completion) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	in, err := r.stream(c.Source, c.Partition)
	if err != nil {
		return err
	}
	delete(r.streams, streamKey{c.Source, c.Partition})
	Logger.Infof("partition %d from %s complete at seq %d (%d entries applied, session %s)", c.Partition, c.Source, c.Seq, in.applied, in.sessionID)
	return nil
}

// Active returns the number of open streams
func (r *Receiver) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

// must be called with r.mu held
func (r *Receiver) stream(source string, partition uint32) (*inbound, error) {
	in, ok := r.streams[streamKey{source, partition}]
	if !ok {
		return nil, fmt.Errorf("%w: partition %d from %s", ErrUnknownStream, partition, source)
	}
	return in, nil
}
