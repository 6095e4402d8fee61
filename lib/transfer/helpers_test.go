package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dCache/lib/maintenance"
	"github.com/ValentinKolb/dCache/lib/replication"
	"github.com/ValentinKolb/dCache/lib/store"
	"github.com/ValentinKolb/dCache/lib/store/memstore"
	"github.com/stretchr/testify/require"
)

// testNode serializes mutation and logging like the node does
type testNode struct {
	mu    sync.Mutex
	store store.IStore
	log   *replication.Log
}

func newTestNode(partitions uint32, opts replication.Options) *testNode {
	return &testNode{
		store: memstore.NewMemStore(partitions),
		log:   replication.NewLog(partitions, opts),
	}
}

func (n *testNode) set(t *testing.T, key, value string) {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	rec, err := n.store.Mutate(key, &store.Mutation{Op: store.OpSet, Value: []byte(value)})
	require.NoError(t, err)
	_, err = n.log.Append(replication.FromRecord(rec))
	require.NoError(t, err)
}

// fill writes n keys that all land in partition 0 of a single partition node
func (n *testNode) fill(t *testing.T, count int, prefix string) {
	t.Helper()
	for i := 0; i < count; i++ {
		n.set(t, fmt.Sprintf("%s%d", prefix, i), fmt.Sprintf("value-%d", i))
	}
}

func (n *testNode) PartitionSnapshot(partition uint32) ([]store.KeyEntry, uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	seq, err := n.store.SnapshotPartition(partition)
	if err != nil {
		return nil, 0, err
	}
	var out []store.KeyEntry
	for k, e := range seq {
		out = append(out, store.KeyEntry{Key: k, Entry: e})
	}
	return out, n.log.Tail(partition), nil
}

func (n *testNode) Partitions() uint32 {
	return n.store.Partitions()
}

func newStatus(t *testing.T, flags ...maintenance.Flag) *maintenance.Status {
	t.Helper()
	s, err := maintenance.NewStatus(flags...)
	require.NoError(t, err)
	return s
}

func testConfig() Config {
	return Config{
		LocalID:                  "local",
		RetryBackoff:             time.Millisecond,
		MaintenanceRetryInterval: 5 * time.Millisecond,
	}
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session %s did not finish, state %s", s.ID, s.State())
	}
}

func assertSameContent(t *testing.T, a, b store.IStore) {
	t.Helper()
	require.Equal(t, a.Len(), b.Len())
	for p := range a.Partitions() {
		seq, err := a.SnapshotPartition(p)
		require.NoError(t, err)
		for k, e := range seq {
			got, ok, err := b.Get(k)
			require.NoError(t, err)
			require.True(t, ok, "key %s missing", k)
			require.Equal(t, e.Value, got.Value, "key %s", k)
		}
	}
}

// --------------------------------------------------------------------------
// Peer Stream Fakes
// --------------------------------------------------------------------------

// recordingStream records every message and forwards it to an optional receiver
type recordingStream struct {
	mu          sync.Mutex
	receiver    *Receiver
	begins      []BeginRequest
	chunks      []SnapshotChunk
	batches     []OperationBatch
	completions []Completion

	// hooks run before the message is recorded, a non nil error fails the call
	onOps   func(OperationBatch) error
	onBegin func(context.Context, BeginRequest) error
}

func (s *recordingStream) Begin(ctx context.Context, req BeginRequest) error {
	if s.onBegin != nil {
		if err := s.onBegin(ctx, req); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.begins = append(s.begins, req)
	if s.receiver != nil {
		return s.receiver.Begin(req)
	}
	return nil
}

func (s *recordingStream) SendSnapshot(_ context.Context, chunk SnapshotChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, chunk)
	if s.receiver != nil {
		return s.receiver.ApplySnapshot(chunk)
	}
	return nil
}

func (s *recordingStream) SendOperations(_ context.Context, batch OperationBatch) error {
	if s.onOps != nil {
		if err := s.onOps(batch); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	batch.Ops = append([]replication.LoggedOperation(nil), batch.Ops...)
	s.batches = append(s.batches, batch)
	if s.receiver != nil {
		return s.receiver.ApplyOperations(batch)
	}
	return nil
}

func (s *recordingStream) Complete(_ context.Context, c Completion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completions = append(s.completions, c)
	if s.receiver != nil {
		return s.receiver.Complete(c)
	}
	return nil
}

func (s *recordingStream) Close() error { return nil }

func (s *recordingStream) opSeqs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []uint64
	for _, b := range s.batches {
		for _, op := range b.Ops {
			out = append(out, op.Seq)
		}
	}
	return out
}

// streamDialer hands out the same stream on every dial, failing the first
// failDials dials
type streamDialer struct {
	stream    IPeerStream
	failDials int
	dials     atomic.Int64
}

func (d *streamDialer) Dial(context.Context, string) (IPeerStream, error) {
	n := d.dials.Add(1)
	if int(n) <= d.failDials || d.stream == nil {
		return nil, errors.New("connection refused")
	}
	return d.stream, nil
}

// failureReporter is a request source recording reported failures
type failureReporter struct {
	requests chan TransferRequest
	mu       sync.Mutex
	failures map[string]error
}

func newFailureReporter() *failureReporter {
	return &failureReporter{
		requests: make(chan TransferRequest, 8),
		failures: make(map[string]error),
	}
}

func (f *failureReporter) TransferRequests() <-chan TransferRequest {
	return f.requests
}

func (f *failureReporter) ReportTransferFailure(peer string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[peer] = err
}

func (f *failureReporter) failure(peer string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failures[peer]
}
