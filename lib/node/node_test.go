package node

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dCache/lib/dedup"
	"github.com/ValentinKolb/dCache/lib/replication"
	"github.com/ValentinKolb/dCache/lib/store"
	"github.com/ValentinKolb/dCache/lib/store/memstore"
	"github.com/ValentinKolb/dCache/lib/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNode(t *testing.T, id string, partitions uint32, cfg Config, dialer transfer.IPeerDialer) *Node {
	t.Helper()
	cfg.ID = id
	if dialer == nil {
		dialer = transfer.NewLoopbackDialer()
	}
	n, err := New(cfg, memstore.NewMemStore(partitions), dialer, nil)
	require.NoError(t, err)
	n.Start(context.Background())
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func set(t *testing.T, n *Node, key, value string) store.MutationRecord {
	t.Helper()
	rec, err := n.Mutate(key, &store.Mutation{Op: store.OpSet, Value: []byte(value)})
	require.NoError(t, err)
	return rec
}

type eventSink struct {
	mu     sync.Mutex
	events []dedup.EventRecord
}

func (s *eventSink) deliver(ev dedup.EventRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *eventSink) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for _, ev := range s.events {
		keys = append(keys, ev.Keys...)
	}
	return keys
}

func TestMutateLogsAndPublishes(t *testing.T) {
	n := newTestNode(t, "a", 4, Config{}, nil)

	all, users := &eventSink{}, &eventSink{}
	n.Subscribe("all", nil, all.deliver)
	n.Subscribe("users", []string{"user:"}, users.deliver)

	rec := set(t, n, "user:1", "alice")
	set(t, n, "session:9", "x")
	_, err := n.Mutate("user:1", &store.Mutation{Op: store.OpDelete})
	require.NoError(t, err)

	// unchanged mutations produce neither log entries nor events
	_, err = n.Mutate("missing", &store.Mutation{Op: store.OpDelete})
	require.NoError(t, err)

	assert.Equal(t, uint64(2), n.Log().Tail(rec.Partition), "insert and remove of user:1")
	require.Eventually(t, func() bool { return len(all.keys()) == 3 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(users.keys()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"user:1", "user:1"}, users.keys())

	n.Unsubscribe("users")
	set(t, n, "user:2", "bob")
	require.Eventually(t, func() bool { return len(all.keys()) == 4 }, time.Second, time.Millisecond)
	assert.Len(t, users.keys(), 2)

	replayed, err := n.Replay(time.Time{})
	require.NoError(t, err)
	assert.Len(t, replayed, 4)
}

func TestBulkSetIsAllOrNothing(t *testing.T) {
	n := newTestNode(t, "a", 1, Config{MaxValueSize: 8}, nil)
	set(t, n, "a", "old")
	tail := n.Log().Tail(0)

	err := n.BulkSet([]KeyValue{
		{Key: "a", Value: []byte("new")},
		{Key: "b", Value: []byte("new")},
		{Key: "c", Value: []byte("far too large")},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, &store.Error{Code: store.RetCInvalidOperation})

	e, ok, err := n.Get("a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("old"), e.Value)
	ok, err = n.Has("b")
	require.NoError(t, err)
	assert.False(t, ok)

	// two writes and their two undos were logged
	assert.Equal(t, tail+4, n.Log().Tail(0))

	require.NoError(t, n.BulkSet([]KeyValue{{Key: "x", Value: []byte("1")}, {Key: "y", Value: []byte("2")}}))
	assert.Equal(t, 3, n.Store().Len())
}

func TestSnapshotIsConsistentWithLog(t *testing.T) {
	n := newTestNode(t, "a", 1, Config{}, nil)
	for i := 0; i < 100; i++ {
		set(t, n, fmt.Sprintf("k%d", i), "0")
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", (i*7+w)%120)
				if i%5 == 0 {
					_, _ = n.Mutate(key, &store.Mutation{Op: store.OpDelete})
				} else {
					_, _ = n.Mutate(key, &store.Mutation{Op: store.OpSet, Value: []byte(fmt.Sprintf("%d-%d", w, i))})
				}
			}
		}(w)
	}

	time.Sleep(time.Millisecond)
	entries, seq, err := n.PartitionSnapshot(0)
	require.NoError(t, err)
	wg.Wait()

	// snapshot + every operation logged after seq == final state
	replica := memstore.NewMemStore(1)
	for _, e := range entries {
		_, err := replica.Mutate(e.Key, &store.Mutation{Op: store.OpApply, Entry: e.Entry})
		require.NoError(t, err)
	}
	for op, err := range n.Log().ReadFrom(0, seq) {
		require.NoError(t, err)
		_, err = replica.Mutate(op.Key, op.Mutation())
		require.NoError(t, err)
	}

	require.Equal(t, n.Store().Len(), replica.Len())
	snap, err := n.Store().SnapshotPartition(0)
	require.NoError(t, err)
	for k, e := range snap {
		got, ok, err := replica.Get(k)
		require.NoError(t, err)
		require.True(t, ok, k)
		assert.Equal(t, e.Value, got.Value, k)
	}
}

func TestResetPartitionLogsRemovals(t *testing.T) {
	n := newTestNode(t, "a", 1, Config{}, nil)
	set(t, n, "a", "1")
	set(t, n, "b", "2")

	require.NoError(t, n.ResetPartition(0))
	assert.Zero(t, n.Store().Len())
	assert.Equal(t, uint64(4), n.Log().Tail(0))

	var kinds []store.MutationKind
	for op, err := range n.Log().ReadFrom(0, 2) {
		require.NoError(t, err)
		kinds = append(kinds, op.Kind)
	}
	assert.Equal(t, []store.MutationKind{store.KindRemove, store.KindRemove}, kinds)
	assert.Error(t, n.ResetPartition(3))
}

func TestCompactKeepsRetainedEntries(t *testing.T) {
	n := newTestNode(t, "a", 1, Config{RetainEntries: 3}, nil)
	for i := 0; i < 10; i++ {
		set(t, n, fmt.Sprintf("k%d", i), "v")
	}
	require.NoError(t, n.Log().RegisterCursor(0, "session", 4))

	assert.Equal(t, 4, n.Compact())
	assert.Equal(t, uint64(5), n.Log().Oldest(0))

	n.Log().ReleaseCursor(0, "session")
	assert.Equal(t, 3, n.Compact())
	assert.Equal(t, 3, n.Log().Len(0))
}

func TestTransferBetweenNodes(t *testing.T) {
	dialer := transfer.NewLoopbackDialer()
	a := newTestNode(t, "a", 4, Config{}, dialer)
	b := newTestNode(t, "b", 4, Config{}, nil)
	dialer.Register("b", b.Receiver())

	for i := 0; i < 50; i++ {
		set(t, a, fmt.Sprintf("key-%d", i), fmt.Sprintf("value-%d", i))
	}
	events := &eventSink{}
	b.Subscribe("watch", []string{"key-"}, events.deliver)

	s, err := a.Coordinator().StartSession(transfer.TransferRequest{Peer: "b", Reason: "join"})
	require.NoError(t, err)
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("transfer did not finish")
	}
	require.Equal(t, transfer.StateComplete, s.State(), "err: %v", s.Err())

	assert.Equal(t, 50, b.Store().Len())
	for i := 0; i < 50; i++ {
		e, ok, err := b.Get(fmt.Sprintf("key-%d", i))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("value-%d", i), string(e.Value))
	}
	// applied entries are local mutations of b
	require.Eventually(t, func() bool { return len(events.keys()) == 50 }, time.Second, time.Millisecond)

	// a second transfer from a retained position is replay only
	set(t, a, "key-new", "v")
	p := a.Store().PartitionOf("key-new")
	from := map[uint32]uint64{p: a.Log().Tail(p) - 1}
	s, err = a.Coordinator().StartSession(transfer.TransferRequest{Peer: "b", Partitions: []uint32{p}, From: from})
	require.NoError(t, err)
	<-s.Done()
	require.Equal(t, transfer.StateComplete, s.State(), "err: %v", s.Err())
	assert.Zero(t, s.Info().Partitions[0].Snapshots)
	ok, _ := b.Has("key-new")
	assert.True(t, ok)
}

func TestLogFailureUndoesMutation(t *testing.T) {
	n, err := New(Config{ID: "a", Log: replication.Options{}}, memstore.NewMemStore(1), transfer.NewLoopbackDialer(), nil)
	require.NoError(t, err)
	defer n.Close()

	// a log with fewer partitions than the store rejects every append
	n.log = replication.NewLog(0, replication.Options{})
	_, err = n.Mutate("k", &store.Mutation{Op: store.OpSet, Value: []byte("v")})
	require.ErrorIs(t, err, replication.ErrUnknownPartition)

	ok, _ := n.Has("k")
	assert.False(t, ok)
}
