package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dCache/lib/maintenance"
	"github.com/ValentinKolb/dCache/lib/replication"
	"github.com/ValentinKolb/dCache/lib/store"
	"github.com/ValentinKolb/dCache/lib/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplayOnlyCatchUp(t *testing.T) {
	node := newTestNode(1, replication.Options{})
	node.fill(t, 10, "k")

	stream := &recordingStream{}
	c := NewCoordinator(testConfig(), node, node.log, &streamDialer{stream: stream}, newStatus(t))
	defer c.Close()

	s, err := c.StartSession(TransferRequest{Peer: "peer", From: map[uint32]uint64{0: 3}})
	require.NoError(t, err)
	waitDone(t, s)

	require.Equal(t, StateComplete, s.State(), "err: %v", s.Err())
	assert.Equal(t, []uint64{4, 5, 6, 7, 8, 9, 10}, stream.opSeqs())
	assert.Empty(t, stream.chunks)
	require.Len(t, stream.completions, 1)
	assert.Equal(t, uint64(10), stream.completions[0].Seq)

	info := s.Info()
	require.Len(t, info.Partitions, 1)
	assert.True(t, info.Partitions[0].Done)
	assert.Zero(t, info.Partitions[0].Snapshots)
	assert.Equal(t, int64(7), info.OpsSent)

	_, ok := node.log.MinCursor(0)
	assert.False(t, ok, "cursor not released")
}

func TestTooOldStartFallsBackToSnapshot(t *testing.T) {
	node := newTestNode(1, replication.Options{})
	node.fill(t, 10, "k")
	_, err := node.log.TruncateBefore(0, 5)
	require.NoError(t, err)

	target := memstore.NewMemStore(1)
	stream := &recordingStream{receiver: NewReceiver(target)}
	c := NewCoordinator(testConfig(), node, node.log, &streamDialer{stream: stream}, newStatus(t))
	defer c.Close()

	s, err := c.StartSession(TransferRequest{Peer: "peer", From: map[uint32]uint64{0: 2}})
	require.NoError(t, err)
	waitDone(t, s)

	require.Equal(t, StateComplete, s.State(), "err: %v", s.Err())
	require.NotEmpty(t, stream.begins)
	assert.True(t, stream.begins[0].Snapshot)
	require.NotEmpty(t, stream.chunks)
	assert.Equal(t, uint64(1), stream.chunks[0].TransferID)
	assert.True(t, stream.chunks[len(stream.chunks)-1].Last)
	assert.Empty(t, stream.opSeqs(), "snapshot already contains everything")
	assert.Equal(t, 1, s.Info().Partitions[0].Snapshots)
	assertSameContent(t, node.store, target)
}

func TestStartPastTailFallsBackToSnapshot(t *testing.T) {
	node := newTestNode(1, replication.Options{})
	node.fill(t, 10, "k")

	target := memstore.NewMemStore(1)
	_, err := target.Mutate("stale", &store.Mutation{Op: store.OpSet, Value: []byte("diverged")})
	require.NoError(t, err)
	stream := &recordingStream{receiver: NewReceiver(target)}
	c := NewCoordinator(testConfig(), node, node.log, &streamDialer{stream: stream}, newStatus(t))
	defer c.Close()

	// the peer claims operations this node never logged
	s, err := c.StartSession(TransferRequest{Peer: "peer", From: map[uint32]uint64{0: 50}})
	require.NoError(t, err)
	waitDone(t, s)

	require.Equal(t, StateComplete, s.State(), "err: %v", s.Err())
	require.NotEmpty(t, stream.begins)
	assert.True(t, stream.begins[0].Snapshot)
	require.NotEmpty(t, stream.chunks)
	assert.True(t, stream.chunks[len(stream.chunks)-1].Last)
	assert.Equal(t, 1, s.Info().Partitions[0].Snapshots)
	require.Len(t, stream.completions, 1)
	assert.Equal(t, uint64(10), stream.completions[0].Seq)
	assertSameContent(t, node.store, target)

	ok, err := target.Has("stale")
	require.NoError(t, err)
	assert.False(t, ok, "snapshot must replace the diverged partition")

	_, pinned := node.log.MinCursor(0)
	assert.False(t, pinned, "cursor not released")
}

func TestSnapshotChunking(t *testing.T) {
	node := newTestNode(1, replication.Options{})
	value := strings.Repeat("x", 1000)
	for i := 0; i < 100; i++ {
		node.set(t, fmt.Sprintf("key-%03d", i), value)
	}

	target := memstore.NewMemStore(1)
	stream := &recordingStream{receiver: NewReceiver(target)}
	c := NewCoordinator(testConfig(), node, node.log, &streamDialer{stream: stream}, newStatus(t))
	defer c.Close()

	s, err := c.StartSession(TransferRequest{Peer: "peer"})
	require.NoError(t, err)
	waitDone(t, s)
	require.Equal(t, StateComplete, s.State(), "err: %v", s.Err())

	require.Greater(t, len(stream.chunks), 1)
	total := 0
	for i, chunk := range stream.chunks {
		assert.Equal(t, uint64(i+1), chunk.TransferID)
		assert.Equal(t, i == len(stream.chunks)-1, chunk.Last)
		size := 0
		for _, e := range chunk.Entries {
			size += store.EncodedSize(e)
		}
		assert.LessOrEqual(t, size, DefaultChunkBytes)
		total += len(chunk.Entries)
	}
	assert.Equal(t, 100, total)
	assertSameContent(t, node.store, target)
}

func TestEmptyPartitionSendsEmptyLastChunk(t *testing.T) {
	node := newTestNode(1, replication.Options{})
	stream := &recordingStream{}
	c := NewCoordinator(testConfig(), node, node.log, &streamDialer{stream: stream}, newStatus(t))
	defer c.Close()

	s, err := c.StartSession(TransferRequest{Peer: "peer"})
	require.NoError(t, err)
	waitDone(t, s)

	require.Equal(t, StateComplete, s.State())
	require.Len(t, stream.chunks, 1)
	assert.True(t, stream.chunks[0].Last)
	assert.Empty(t, stream.chunks[0].Entries)
}

func TestMaintenanceKeepsSessionPending(t *testing.T) {
	node := newTestNode(1, replication.Options{})
	node.fill(t, 3, "k")
	status := newStatus(t, maintenance.WaitForMaintenance)

	stream := &recordingStream{}
	c := NewCoordinator(testConfig(), node, node.log, &streamDialer{stream: stream}, status)
	defer c.Close()

	s, err := c.StartSession(TransferRequest{Peer: "peer"})
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StatePending, s.State())
	assert.Empty(t, stream.begins)

	status.ClearWaitForMaintenance()
	waitDone(t, s)
	assert.Equal(t, StateComplete, s.State(), "err: %v", s.Err())
	assert.Zero(t, status.ActiveTransfers())
	assert.False(t, status.Has(maintenance.PerformStateTransfer))
}

func TestTransferBlocksMaintenance(t *testing.T) {
	node := newTestNode(1, replication.Options{})
	node.fill(t, 3, "k")
	status := newStatus(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	stream := &recordingStream{onBegin: func(ctx context.Context, _ BeginRequest) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	}}
	c := NewCoordinator(testConfig(), node, node.log, &streamDialer{stream: stream}, status)
	defer c.Close()

	s, err := c.StartSession(TransferRequest{Peer: "peer"})
	require.NoError(t, err)
	<-entered

	assert.True(t, status.Has(maintenance.PerformStateTransfer))
	assert.ErrorIs(t, status.SetWaitForMaintenance(), maintenance.ErrTransferActive)

	close(release)
	waitDone(t, s)
	assert.NoError(t, status.SetWaitForMaintenance())
}

func TestSessionAlreadyActive(t *testing.T) {
	node := newTestNode(1, replication.Options{})
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	stream := &recordingStream{onBegin: func(ctx context.Context, _ BeginRequest) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}}
	c := NewCoordinator(testConfig(), node, node.log, &streamDialer{stream: stream}, newStatus(t))
	defer c.Close()

	first, err := c.StartSession(TransferRequest{Peer: "peer"})
	require.NoError(t, err)
	<-entered

	_, err = c.StartSession(TransferRequest{Peer: "peer"})
	assert.ErrorIs(t, err, ErrSessionAlreadyActive)

	// other peers are independent
	other, err := c.StartSession(TransferRequest{Peer: "other"})
	require.NoError(t, err)

	close(release)
	waitDone(t, first)
	waitDone(t, other)

	// a terminal session is replaced
	again, err := c.StartSession(TransferRequest{Peer: "peer"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, again.ID)
	waitDone(t, again)

	current, ok := c.Session("peer")
	require.True(t, ok)
	assert.Equal(t, again.ID, current.ID)
	assert.Len(t, c.Sessions(), 2)
}

func TestRetryExhaustionFailsAndReports(t *testing.T) {
	node := newTestNode(1, replication.Options{})
	node.fill(t, 3, "k")
	dialer := &streamDialer{} // every dial fails
	reporter := newFailureReporter()

	c := NewCoordinator(testConfig(), node, node.log, dialer, newStatus(t))
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx, reporter)

	reporter.requests <- TransferRequest{Peer: "peer", Reason: "join"}

	var s *Session
	require.Eventually(t, func() bool {
		var ok bool
		s, ok = c.Session("peer")
		return ok
	}, time.Second, time.Millisecond)
	waitDone(t, s)

	assert.Equal(t, StateFailed, s.State())
	assert.ErrorIs(t, s.Err(), ErrTransferPeerUnreachable)
	assert.Equal(t, DefaultMaxRetries, s.Info().Retries)
	assert.Equal(t, int64(DefaultMaxRetries+1), dialer.dials.Load())

	require.Eventually(t, func() bool { return reporter.failure("peer") != nil }, time.Second, time.Millisecond)
	assert.ErrorIs(t, reporter.failure("peer"), ErrTransferPeerUnreachable)
}

func TestTransientErrorsAreRetried(t *testing.T) {
	node := newTestNode(1, replication.Options{})
	node.fill(t, 5, "k")

	var failures atomic.Int64
	stream := &recordingStream{onOps: func(OperationBatch) error {
		if failures.Add(1) <= 2 {
			return errors.New("connection reset")
		}
		return nil
	}}
	dialer := &streamDialer{stream: stream, failDials: 1}
	c := NewCoordinator(testConfig(), node, node.log, dialer, newStatus(t))
	defer c.Close()

	s, err := c.StartSession(TransferRequest{Peer: "peer", From: map[uint32]uint64{0: 0}})
	require.NoError(t, err)
	waitDone(t, s)

	require.Equal(t, StateComplete, s.State(), "err: %v", s.Err())
	assert.Equal(t, 3, s.Info().Retries)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, stream.opSeqs())
}

func TestCancelReleasesCursor(t *testing.T) {
	node := newTestNode(1, replication.Options{})
	node.fill(t, 5, "k")

	entered := make(chan struct{})
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	stream := &recordingStream{onOps: func(OperationBatch) error {
		close(entered)
		<-block
		return errors.New("connection closed")
	}}
	c := NewCoordinator(testConfig(), node, node.log, &streamDialer{stream: stream}, newStatus(t))

	s, err := c.StartSession(TransferRequest{Peer: "peer", From: map[uint32]uint64{0: 1}})
	require.NoError(t, err)
	<-entered

	seq, ok := node.log.MinCursor(0)
	require.True(t, ok)
	assert.Equal(t, uint64(1), seq)
	assert.Equal(t, StateReplaying, s.State())

	require.True(t, c.Cancel("peer"))
	_, ok = node.log.MinCursor(0)
	assert.False(t, ok, "cursor must be released by Cancel")
	assert.False(t, c.Cancel("unknown"))
}

func TestCancelPendingSession(t *testing.T) {
	node := newTestNode(1, replication.Options{})
	status := newStatus(t, maintenance.WaitForMaintenance)
	c := NewCoordinator(testConfig(), node, node.log, &streamDialer{stream: &recordingStream{}}, status)
	defer c.Close()

	s, err := c.StartSession(TransferRequest{Peer: "peer"})
	require.NoError(t, err)
	require.True(t, c.Cancel("peer"))
	waitDone(t, s)

	assert.Equal(t, StateFailed, s.State())
	assert.ErrorIs(t, s.Err(), ErrSessionCancelled)
	assert.Zero(t, status.ActiveTransfers())
}

func TestReplayOvertakenByRetention(t *testing.T) {
	node := newTestNode(1, replication.Options{MaxEntries: 5})
	node.fill(t, 3, "k")

	target := memstore.NewMemStore(1)
	var once atomic.Bool
	stream := &recordingStream{receiver: NewReceiver(target)}
	stream.onOps = func(OperationBatch) error {
		if once.CompareAndSwap(false, true) {
			// pushes the cursor out of the retained window
			node.fill(t, 10, "late")
		}
		return nil
	}
	cfg := testConfig()
	cfg.ReplayBatch = 1
	c := NewCoordinator(cfg, node, node.log, &streamDialer{stream: stream}, newStatus(t))
	defer c.Close()

	s, err := c.StartSession(TransferRequest{Peer: "peer", From: map[uint32]uint64{0: 0}})
	require.NoError(t, err)
	waitDone(t, s)

	require.Equal(t, StateComplete, s.State(), "err: %v", s.Err())
	assert.Equal(t, 1, s.Info().Partitions[0].Snapshots)
	require.NotEmpty(t, stream.chunks)
	assertSameContent(t, node.store, target)
}

func TestCatchUpExhaustionFailsAndReports(t *testing.T) {
	node := newTestNode(1, replication.Options{MaxEntries: 5})
	node.fill(t, 3, "k")

	var round atomic.Int64
	stream := &recordingStream{onBegin: func(_ context.Context, req BeginRequest) error {
		if req.Snapshot {
			// pushes the pinned snapshot position out of the retained window
			node.fill(t, 10, fmt.Sprintf("late%d-", round.Add(1)))
		}
		return nil
	}}
	reporter := newFailureReporter()
	cfg := testConfig()
	cfg.MaxRetries = 2
	c := NewCoordinator(cfg, node, node.log, &streamDialer{stream: stream}, newStatus(t))
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx, reporter)

	reporter.requests <- TransferRequest{Peer: "peer", Reason: "join"}

	var s *Session
	require.Eventually(t, func() bool {
		var ok bool
		s, ok = c.Session("peer")
		return ok
	}, time.Second, time.Millisecond)
	waitDone(t, s)

	assert.Equal(t, StateFailed, s.State())
	assert.ErrorIs(t, s.Err(), replication.ErrSequenceTooOld)
	assert.Equal(t, cfg.MaxRetries+1, s.Info().Partitions[0].Snapshots)

	require.Eventually(t, func() bool { return reporter.failure("peer") != nil }, time.Second, time.Millisecond)
	assert.ErrorIs(t, reporter.failure("peer"), replication.ErrSequenceTooOld)
}

func TestMultiplePartitionsEndToEnd(t *testing.T) {
	node := newTestNode(8, replication.Options{})
	node.fill(t, 200, "key")

	target := memstore.NewMemStore(8)
	dialer := NewLoopbackDialer()
	receiver := NewReceiver(target)
	dialer.Register("peer", receiver)

	cfg := testConfig()
	cfg.BytesPerSecond = 1 << 30
	c := NewCoordinator(cfg, node, node.log, dialer, newStatus(t))
	defer c.Close()

	s, err := c.StartSession(TransferRequest{Peer: "peer", Partitions: []uint32{0, 1, 2, 3, 4, 5, 6, 7}})
	require.NoError(t, err)
	waitDone(t, s)

	require.Equal(t, StateComplete, s.State(), "err: %v", s.Err())
	assertSameContent(t, node.store, target)
	assert.Zero(t, receiver.Active())
	assert.Equal(t, int64(200), s.Info().EntriesSent)

	_, err = c.StartSession(TransferRequest{Peer: "peer", Partitions: []uint32{9}})
	assert.ErrorIs(t, err, replication.ErrUnknownPartition)
}

func TestStartAfterClose(t *testing.T) {
	node := newTestNode(1, replication.Options{})
	c := NewCoordinator(testConfig(), node, node.log, NewLoopbackDialer(), newStatus(t))
	require.NoError(t, c.Close())

	_, err := c.StartSession(TransferRequest{Peer: "peer"})
	assert.ErrorIs(t, err, ErrCoordinatorClosed)
}

func TestBackoffJitter(t *testing.T) {
	for attempt := 1; attempt <= 4; attempt++ {
		want := 50 * time.Millisecond << (attempt - 1)
		for i := 0; i < 20; i++ {
			d := backoff(50*time.Millisecond, attempt)
			assert.GreaterOrEqual(t, d, want*9/10)
			assert.LessOrEqual(t, d, want*11/10)
		}
	}
}
