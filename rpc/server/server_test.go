package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dCache/lib/dedup"
	"github.com/ValentinKolb/dCache/lib/node"
	"github.com/ValentinKolb/dCache/lib/store"
	"github.com/ValentinKolb/dCache/lib/store/memstore"
	"github.com/ValentinKolb/dCache/lib/transfer"
	"github.com/ValentinKolb/dCache/rpc/common"
	"github.com/ValentinKolb/dCache/rpc/pipeline"
	"github.com/ValentinKolb/dCache/rpc/serializer"
	"github.com/ValentinKolb/dCache/rpc/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sinkTransport accepts every write and blocks reads until closed
type sinkTransport struct {
	mu      sync.Mutex
	written bytes.Buffer
	closed  chan struct{}
	once    sync.Once
}

func newSinkTransport() *sinkTransport {
	return &sinkTransport{closed: make(chan struct{})}
}

func (s *sinkTransport) Read([]byte) (int, error) {
	<-s.closed
	return 0, io.EOF
}

func (s *sinkTransport) TryWrite(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written.Write(p)
}

func (s *sinkTransport) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *sinkTransport) frames(t *testing.T) []transport.Frame {
	t.Helper()
	s.mu.Lock()
	r := bytes.NewReader(append([]byte(nil), s.written.Bytes()...))
	s.mu.Unlock()

	var out []transport.Frame
	for {
		f, err := transport.ReadFrame(r, nil)
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, f)
	}
}

type testServer struct {
	*rpcServer
	conn *pipeline.Connection
	sink *sinkTransport
}

func newTestServer(t *testing.T, id string) *testServer {
	t.Helper()
	n, err := node.New(node.Config{ID: id}, memstore.NewMemStore(4), transfer.NewLoopbackDialer(), nil)
	require.NoError(t, err)
	n.Start(context.Background())
	t.Cleanup(func() { _ = n.Close() })

	s := NewRPCServer(common.ServerConfig{NodeID: id}, nil, serializer.NewBinarySerializer(), n)
	sink := newSinkTransport()
	conn := pipeline.NewConnection(sink, s.handle, s.leases, pipeline.Options{IdleInterval: -1})
	t.Cleanup(func() { _ = conn.Close() })
	return &testServer{rpcServer: s, conn: conn, sink: sink}
}

// call runs req through the same path a frame from the socket takes
func (ts *testServer) call(t *testing.T, shard uint64, req *common.Message) *common.Message {
	t.Helper()
	data, err := ts.serializer.Serialize(*req)
	require.NoError(t, err)
	respData := ts.handle(ts.conn, shard, data)
	var resp common.Message
	require.NoError(t, ts.serializer.Deserialize(respData, &resp))
	return &resp
}

func TestCacheAdapterKeyValue(t *testing.T) {
	ts := newTestServer(t, "node-1")

	resp := ts.call(t, common.ShardCache, common.NewSetRequest("a", []byte("1"), 7))
	require.Empty(t, resp.Err)
	assert.Equal(t, common.MsgTKVSet, resp.MsgType)
	assert.True(t, resp.Ok)
	assert.NotZero(t, resp.Version)

	resp = ts.call(t, common.ShardCache, common.NewGetRequest("a"))
	require.Empty(t, resp.Err)
	assert.True(t, resp.Ok)
	assert.Equal(t, []byte("1"), resp.Value)
	assert.Equal(t, uint32(7), resp.Flags)

	t.Run("SetIfUnset on existing key", func(t *testing.T) {
		resp := ts.call(t, common.ShardCache, common.NewSetIfUnsetRequest("a", []byte("2"), 0, 0))
		require.Empty(t, resp.Err)
		assert.False(t, resp.Ok)

		resp = ts.call(t, common.ShardCache, common.NewGetRequest("a"))
		assert.Equal(t, []byte("1"), resp.Value)
	})

	t.Run("Has", func(t *testing.T) {
		assert.True(t, ts.call(t, common.ShardCache, common.NewHasRequest("a")).Ok)
		assert.False(t, ts.call(t, common.ShardCache, common.NewHasRequest("missing")).Ok)
	})

	t.Run("Delete", func(t *testing.T) {
		resp := ts.call(t, common.ShardCache, common.NewDeleteRequest("a"))
		require.Empty(t, resp.Err)
		assert.True(t, resp.Ok)

		resp = ts.call(t, common.ShardCache, common.NewDeleteRequest("a"))
		require.Empty(t, resp.Err)
		assert.False(t, resp.Ok)

		assert.False(t, ts.call(t, common.ShardCache, common.NewGetRequest("a")).Ok)
	})
}

func TestCacheAdapterBulkSet(t *testing.T) {
	ts := newTestServer(t, "node-1")

	resp := ts.call(t, common.ShardCache, common.NewBulkSetRequest([]string{"x", "y"}, [][]byte{[]byte("1"), []byte("2")}, 0))
	require.Empty(t, resp.Err)
	assert.True(t, resp.Ok)
	assert.Equal(t, []byte("2"), ts.call(t, common.ShardCache, common.NewGetRequest("y")).Value)

	resp = ts.call(t, common.ShardCache, common.NewBulkSetRequest([]string{"z"}, nil, 0))
	assert.Equal(t, common.MsgTError, resp.MsgType)
	assert.False(t, ts.call(t, common.ShardCache, common.NewHasRequest("z")).Ok)
}

func TestCacheAdapterSubscribePushesEvents(t *testing.T) {
	ts := newTestServer(t, "node-1")

	resp := ts.call(t, common.ShardCache, common.NewSubscribeRequest("sub", []string{"user/"}))
	require.Empty(t, resp.Err)

	ts.call(t, common.ShardCache, common.NewSetRequest("other", []byte("x"), 0))
	ts.call(t, common.ShardCache, common.NewSetRequest("user/1", []byte("x"), 0))

	require.Eventually(t, func() bool { return ts.conn.QueueLen() == 1 }, time.Second, 5*time.Millisecond)
	flushed, err := ts.conn.DrainSend()
	require.NoError(t, err)
	require.True(t, flushed)

	frames := ts.sink.frames(t)
	require.Len(t, frames, 1)
	assert.Equal(t, transport.PushRequestID, frames[0].RequestID)
	assert.Equal(t, common.ShardCache, frames[0].ShardID)

	var ev common.Message
	require.NoError(t, ts.serializer.Deserialize(frames[0].Data, &ev))
	assert.Equal(t, common.MsgTEvEvent, ev.MsgType)
	assert.Equal(t, "user/1", ev.Key)
	assert.Equal(t, "sub", string(ev.Meta))
	assert.Equal(t, uint32(store.KindInsert), ev.Flags)
	assert.NotEmpty(t, ev.ID)

	t.Run("Unsubscribe", func(t *testing.T) {
		resp := ts.call(t, common.ShardCache, common.NewUnsubscribeRequest("sub"))
		require.Empty(t, resp.Err)
		ts.call(t, common.ShardCache, common.NewSetRequest("user/2", []byte("x"), 0))
		time.Sleep(20 * time.Millisecond)
		assert.Zero(t, ts.conn.QueueLen())
	})
}

func TestCacheAdapterReplay(t *testing.T) {
	ts := newTestServer(t, "node-1")
	since := time.Now().Add(-time.Second)

	ts.call(t, common.ShardCache, common.NewSetRequest("a", []byte("1"), 0))
	ts.call(t, common.ShardCache, common.NewDeleteRequest("a"))

	resp := ts.call(t, common.ShardCache, common.NewReplayRequest(uint64(since.UnixMilli())))
	require.Empty(t, resp.Err)

	var events []dedup.EventRecord
	require.NoError(t, json.Unmarshal(resp.Payload, &events))
	require.Len(t, events, 2)
	assert.Equal(t, store.KindInsert, events[0].Kind)
	assert.Equal(t, store.KindRemove, events[1].Kind)
}

func TestTransferAdapterAppliesSnapshot(t *testing.T) {
	ts := newTestServer(t, "node-2")
	partition := ts.node.Store().PartitionOf("k")

	entries := store.EncodeEntries([]store.KeyEntry{{Key: "k", Entry: store.Entry{Value: []byte("v"), Version: 3}}})

	for _, req := range []*common.Message{
		common.NewXfrBeginRequest("session-1", "node-1", partition, true, 0),
		common.NewXfrSnapshotRequest("node-1", partition, 1, entries, true),
		common.NewXfrCompleteRequest("node-1", partition, 3),
	} {
		resp := ts.call(t, common.ShardTransfer, req)
		require.Empty(t, resp.Err, "%s", req.MsgType)
		assert.Equal(t, req.MsgType, resp.MsgType)
	}

	entry, ok, err := ts.node.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), entry.Value)
	assert.Zero(t, ts.node.Receiver().Active())

	t.Run("Chunk without stream", func(t *testing.T) {
		resp := ts.call(t, common.ShardTransfer, common.NewXfrSnapshotRequest("node-3", partition, 1, entries, true))
		assert.Equal(t, common.MsgTError, resp.MsgType)
		assert.Contains(t, resp.Err, "unknown transfer stream")
	})
}

func TestAdminAdapter(t *testing.T) {
	ts := newTestServer(t, "node-1")

	resp := ts.call(t, common.ShardAdmin, common.NewAdmMaintenanceRequest(true))
	require.Empty(t, resp.Err)
	assert.True(t, ts.node.Status().Snapshot().WaitForMaintenance)

	resp = ts.call(t, common.ShardAdmin, common.NewAdmStatusRequest())
	require.Empty(t, resp.Err)
	assert.Contains(t, string(resp.Value), "node-1")
	assert.Contains(t, string(resp.Value), "maintenance")
	assert.Contains(t, string(resp.Value), "replication", "node starts with replication reported")

	resp = ts.call(t, common.ShardAdmin, common.NewAdmMaintenanceRequest(false))
	require.Empty(t, resp.Err)
	assert.False(t, ts.node.Status().Snapshot().WaitForMaintenance)

	resp = ts.call(t, common.ShardAdmin, common.NewAdmTransferRequest("", nil))
	assert.Equal(t, common.MsgTError, resp.MsgType)

	resp = ts.call(t, common.ShardAdmin, common.NewAdmTransferRequest("node-2", []byte("{")))
	assert.Contains(t, resp.Err, "invalid transfer payload")
}

func TestHandleErrors(t *testing.T) {
	ts := newTestServer(t, "node-1")

	resp := ts.call(t, 42, common.NewGetRequest("a"))
	assert.Equal(t, common.MsgTError, resp.MsgType)
	assert.Contains(t, resp.Err, "shard 42 not found")

	resp = ts.call(t, common.ShardTransfer, common.NewGetRequest("a"))
	assert.Equal(t, common.MsgTError, resp.MsgType)

	var msg common.Message
	require.NoError(t, ts.serializer.Deserialize(ts.handle(ts.conn, common.ShardCache, []byte{0xff}), &msg))
	assert.Equal(t, common.MsgTError, msg.MsgType)
	assert.Contains(t, msg.Err, "failed to deserialize request")
}
