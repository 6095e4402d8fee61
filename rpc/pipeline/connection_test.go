package pipeline

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dCache/lib/lease"
	"github.com/ValentinKolb/dCache/rpc/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport accepts at most budget bytes until it is refilled (budget < 0
// accepts everything). Reads block until the transport is closed.
type fakeTransport struct {
	mu      sync.Mutex
	budget  int
	written bytes.Buffer
	calls   int
	closed  chan struct{}
	once    sync.Once
}

func newFakeTransport(budget int) *fakeTransport {
	return &fakeTransport{budget: budget, closed: make(chan struct{})}
}

func (f *fakeTransport) Read([]byte) (int, error) {
	<-f.closed
	return 0, io.EOF
}

func (f *fakeTransport) TryWrite(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.closed:
		return 0, net.ErrClosed
	default:
	}
	f.calls++
	n := len(p)
	if f.budget >= 0 {
		n = min(n, f.budget)
		f.budget -= n
	}
	f.written.Write(p[:n])
	return n, nil
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) refill(n int) {
	f.mu.Lock()
	f.budget = n
	f.mu.Unlock()
}

func (f *fakeTransport) bytes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.written.Bytes()...)
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func echoHandler(_ *Connection, _ uint64, req []byte) []byte {
	return append([]byte("re:"), req...)
}

func TestDrainSendPartialWrites(t *testing.T) {
	tr := newFakeTransport(0)
	c := NewConnection(tr, echoHandler, nil, Options{IdleInterval: -1})
	defer c.Close()

	// frames of 100, 50 and 200 bytes
	var expected []byte
	for _, payload := range []int{80, 30, 180} {
		rb := NewResponseBuffers(c.LeasePool(), 1, uint64(payload), bytes.Repeat([]byte{byte(payload)}, payload))
		expected = append(expected, rb.Bytes()...)
		require.NoError(t, c.Enqueue(rb))
	}
	require.Len(t, expected, 350)

	var results []bool
	for i := 0; i < 10; i++ {
		tr.refill(80)
		flushed, err := c.DrainSend()
		require.NoError(t, err)
		results = append(results, flushed)
		if flushed {
			break
		}
	}

	assert.Equal(t, []bool{false, false, false, false, true}, results)
	assert.Equal(t, expected, tr.bytes())
	assert.Zero(t, c.QueueLen())
	assert.Zero(t, c.QueuedBytes())
}

func TestDrainSendWouldBlock(t *testing.T) {
	tr := newFakeTransport(0)
	c := NewConnection(tr, echoHandler, nil, Options{IdleInterval: -1})
	defer c.Close()

	require.NoError(t, c.Push(3, []byte("event")))

	flushed, err := c.DrainSend()
	require.NoError(t, err)
	assert.False(t, flushed)
	assert.Equal(t, 1, c.QueueLen())
	assert.Equal(t, transport.HeaderSize+5, c.QueuedBytes())

	tr.refill(-1)
	flushed, err = c.DrainSend()
	require.NoError(t, err)
	assert.True(t, flushed)

	f, err := transport.ReadFrame(bytes.NewReader(tr.bytes()), nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), f.ShardID)
	assert.Equal(t, transport.PushRequestID, f.RequestID)
	assert.Equal(t, []byte("event"), f.Data)
}

func TestDispatch(t *testing.T) {
	c := NewConnection(newFakeTransport(-1), func(_ *Connection, shardID uint64, req []byte) []byte {
		if shardID == 9 {
			return nil
		}
		return echoHandler(nil, shardID, req)
	}, nil, Options{IdleInterval: -1})
	defer c.Close()

	t.Run("request", func(t *testing.T) {
		rb, err := c.Dispatch(transport.Frame{ShardID: 1, RequestID: 42, Data: []byte("ping")})
		require.NoError(t, err)
		require.NotNil(t, rb)
		defer rb.Release()

		f, err := transport.ReadFrame(bytes.NewReader(rb.Bytes()), nil)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), f.ShardID)
		assert.Equal(t, uint64(42), f.RequestID)
		assert.Equal(t, []byte("re:ping"), f.Data)
	})

	t.Run("no response", func(t *testing.T) {
		rb, err := c.Dispatch(transport.Frame{ShardID: 9, RequestID: 1, Data: []byte("x")})
		require.NoError(t, err)
		assert.Nil(t, rb)
	})

	t.Run("probe is echoed", func(t *testing.T) {
		rb, err := c.Dispatch(transport.Frame{ShardID: transport.ProbeShardID, RequestID: 7})
		require.NoError(t, err)
		require.NotNil(t, rb)
		defer rb.Release()

		f, err := transport.ReadFrame(bytes.NewReader(rb.Bytes()), nil)
		require.NoError(t, err)
		assert.Equal(t, transport.EchoShardID, f.ShardID)
		assert.Empty(t, f.Data)
	})

	t.Run("echo", func(t *testing.T) {
		rb, err := c.Dispatch(transport.Frame{ShardID: transport.EchoShardID})
		require.NoError(t, err)
		assert.Nil(t, rb)
	})
}

func TestLargeResponseSpansBuffers(t *testing.T) {
	tr := newFakeTransport(-1)
	c := NewConnection(tr, echoHandler, nil, Options{IdleInterval: -1})
	defer c.Close()

	payload := bytes.Repeat([]byte("abcdefgh"), 20_000) // 160 KB
	rb := NewResponseBuffers(c.LeasePool(), 1, 1, payload)
	assert.Greater(t, len(rb.chunks), 1)
	require.NoError(t, c.Enqueue(rb))

	flushed, err := c.DrainSend()
	require.NoError(t, err)
	assert.True(t, flushed)

	f, err := transport.ReadFrame(bytes.NewReader(tr.bytes()), nil)
	require.NoError(t, err)
	assert.Equal(t, payload, f.Data)
}

func TestOverLimit(t *testing.T) {
	t.Run("depth", func(t *testing.T) {
		registry := lease.NewRegistry(nil)
		tr := newFakeTransport(0)
		c := NewConnection(tr, echoHandler, registry, Options{MaxQueueDepth: 2, IdleInterval: -1})

		var closedWith error
		c.OnClose(func(err error) { closedWith = err })

		require.NoError(t, c.Push(1, []byte("a")))
		require.NoError(t, c.Push(1, []byte("b")))
		assert.ErrorIs(t, c.Push(1, []byte("c")), ErrConnectionOverLimit)

		assert.ErrorIs(t, c.Err(), ErrConnectionOverLimit)
		assert.ErrorIs(t, closedWith, ErrConnectionOverLimit)
		assert.True(t, tr.isClosed())
		assert.Zero(t, c.QueueLen(), "queued buffers are released on teardown")
		assert.Zero(t, registry.Len(), "lease pool is dropped on teardown")

		_, err := c.DrainSend()
		assert.ErrorIs(t, err, ErrConnectionOverLimit)
	})

	t.Run("bytes", func(t *testing.T) {
		c := NewConnection(newFakeTransport(0), echoHandler, nil, Options{MaxQueueBytes: 100, IdleInterval: -1})
		require.NoError(t, c.Push(1, make([]byte, 50)))
		assert.ErrorIs(t, c.Push(1, make([]byte, 20)), ErrConnectionOverLimit)
		assert.ErrorIs(t, c.Err(), ErrConnectionOverLimit)
	})
}

func TestHeartbeat(t *testing.T) {
	opts := Options{IdleInterval: 10 * time.Second, HeartbeatTimeout: 20 * time.Second}

	newConn := func(start time.Time) (*Connection, *time.Time) {
		clock := start
		c := NewConnection(newFakeTransport(-1), echoHandler, nil, opts)
		c.now = func() time.Time { return clock }
		c.lastInbound.Store(start.UnixNano())
		c.lastOutbound.Store(start.UnixNano())
		return c, &clock
	}
	start := time.Unix(1_700_000_000, 0)

	t.Run("probe after idle interval", func(t *testing.T) {
		c, _ := newConn(start)
		defer c.Close()

		c.checkHeartbeat(start.Add(5 * time.Second))
		assert.Zero(t, c.QueueLen())

		c.checkHeartbeat(start.Add(10 * time.Second))
		require.Equal(t, 1, c.QueueLen())
		f, err := transport.ReadFrame(bytes.NewReader(c.queue[0].Bytes()), nil)
		require.NoError(t, err)
		assert.Equal(t, transport.ProbeShardID, f.ShardID)

		// a second check does not send another probe
		c.checkHeartbeat(start.Add(11 * time.Second))
		assert.Equal(t, 1, c.QueueLen())
	})

	t.Run("timeout without answer", func(t *testing.T) {
		c, _ := newConn(start)
		c.checkHeartbeat(start.Add(10 * time.Second))
		c.checkHeartbeat(start.Add(29 * time.Second))
		assert.NoError(t, c.Err())

		c.checkHeartbeat(start.Add(30 * time.Second))
		assert.ErrorIs(t, c.Err(), ErrHeartbeatTimeout)
		assert.Zero(t, c.QueueLen())
	})

	t.Run("answer keeps the connection", func(t *testing.T) {
		c, clock := newConn(start)
		defer c.Close()

		c.checkHeartbeat(start.Add(10 * time.Second))
		*clock = start.Add(12 * time.Second)
		_, err := c.Dispatch(transport.Frame{ShardID: transport.EchoShardID})
		require.NoError(t, err)

		c.checkHeartbeat(start.Add(31 * time.Second))
		assert.NoError(t, c.Err())
		assert.Zero(t, c.probeSent.Load())
	})
}

func TestServe(t *testing.T) {
	server, client := net.Pipe()
	registry := lease.NewRegistry(nil)
	c := NewConnection(NewNetTransport(server, 0), echoHandler, registry, Options{IdleInterval: -1})

	hookErr := make(chan error, 1)
	c.OnClose(func(err error) { hookErr <- err })

	served := make(chan error, 1)
	go func() { served <- c.Serve(context.Background()) }()

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, transport.WriteFrame(client, 5, i, []byte("hello")))
		f, err := transport.ReadFrame(client, nil)
		require.NoError(t, err)
		assert.Equal(t, uint64(5), f.ShardID)
		assert.Equal(t, i, f.RequestID)
		assert.Equal(t, []byte("re:hello"), f.Data)
	}

	// a probe from the client is echoed
	require.NoError(t, transport.WriteFrame(client, transport.ProbeShardID, 99, nil))
	f, err := transport.ReadFrame(client, nil)
	require.NoError(t, err)
	assert.Equal(t, transport.EchoShardID, f.ShardID)

	require.NoError(t, client.Close())
	select {
	case err := <-served:
		assert.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after the client closed")
	}
	assert.ErrorIs(t, <-hookErr, ErrConnectionClosed)
	assert.Zero(t, registry.Len())
}

func TestServeHeartbeatTimeout(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	c := NewConnection(NewNetTransport(server, time.Millisecond), echoHandler, nil, Options{
		IdleInterval:     20 * time.Millisecond,
		HeartbeatTimeout: 40 * time.Millisecond,
	})

	// the client never reads, so the probe is never answered
	served := make(chan error, 1)
	go func() { served <- c.Serve(context.Background()) }()

	select {
	case err := <-served:
		assert.ErrorIs(t, err, ErrHeartbeatTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not torn down")
	}
}

func TestServeCancel(t *testing.T) {
	tr := newFakeTransport(-1)
	c := NewConnection(tr, echoHandler, nil, Options{IdleInterval: -1})

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- c.Serve(ctx) }()

	cancel()
	select {
	case err := <-served:
		assert.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	assert.True(t, tr.isClosed())
}

func TestStaleFlush(t *testing.T) {
	tr := newFakeTransport(0)
	c := NewConnection(tr, echoHandler, nil, Options{IdleInterval: -1, StaleFlushAfter: 20 * time.Millisecond})

	served := make(chan error, 1)
	go func() { served <- c.Serve(context.Background()) }()
	defer func() {
		c.Close()
		<-served
	}()

	require.NoError(t, c.Push(1, []byte("stale")))

	// wait until the drain loop tried and the transport blocked
	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return tr.calls > 0
	}, time.Second, time.Millisecond)

	// no new enqueue: only the stale check can finish the send
	tr.refill(-1)
	require.Eventually(t, func() bool {
		return len(tr.bytes()) == transport.HeaderSize+5
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, c.QueueLen())
}
