package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dCache/lib/lease"
	"github.com/ValentinKolb/dCache/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("pipeline")

var (
	ErrConnectionOverLimit = errors.New("connection over send queue limit")
	ErrHeartbeatTimeout    = errors.New("heartbeat timeout")
	ErrConnectionClosed    = errors.New("connection closed")
)

var (
	connectionsOpened = metrics.GetOrCreateCounter("dcache_pipeline_connections_opened_total")
	connectionsClosed = metrics.GetOrCreateCounter("dcache_pipeline_connections_closed_total")
	framesReceived    = metrics.GetOrCreateCounter("dcache_pipeline_frames_received_total")
	bytesSent         = metrics.GetOrCreateCounter("dcache_pipeline_bytes_sent_total")
	partialWrites     = metrics.GetOrCreateCounter("dcache_pipeline_partial_writes_total")
	overLimit         = metrics.GetOrCreateCounter("dcache_pipeline_over_limit_total")
	probesSent        = metrics.GetOrCreateCounter("dcache_pipeline_heartbeat_probes_total")
	heartbeatTimeouts = metrics.GetOrCreateCounter("dcache_pipeline_heartbeat_timeouts_total")
	staleFlushes      = metrics.GetOrCreateCounter("dcache_pipeline_stale_flushes_total")
	dispatchDuration  = metrics.GetOrCreateHistogram("dcache_pipeline_dispatch_duration_seconds")
)

const (
	DefaultMaxQueueDepth    = 4096
	DefaultMaxQueueBytes    = 64 << 20 // 64 MiB
	DefaultIdleInterval     = 15 * time.Second
	DefaultHeartbeatTimeout = 30 * time.Second
	DefaultStaleFlushAfter  = 250 * time.Millisecond

	readBufferSize = 64 * 1024
)

// Options configures the limits and timings of a connection. Zero values use
// the defaults, a negative IdleInterval disables heartbeats.
type Options struct {
	MaxQueueDepth    int
	MaxQueueBytes    int
	IdleInterval     time.Duration
	HeartbeatTimeout time.Duration
	StaleFlushAfter  time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxQueueDepth <= 0 {
		o.MaxQueueDepth = DefaultMaxQueueDepth
	}
	if o.MaxQueueBytes <= 0 {
		o.MaxQueueBytes = DefaultMaxQueueBytes
	}
	if o.IdleInterval == 0 {
		o.IdleInterval = DefaultIdleInterval
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if o.StaleFlushAfter <= 0 {
		o.StaleFlushAfter = DefaultStaleFlushAfter
	}
	return o
}

// HandlerFunc handles one request frame and returns the response payload, nil
// sends no response. req aliases the read buffer and must not be retained.
// Handlers run on the connection's read goroutine, one at a time, so they may
// use the connection's lease pool.
type HandlerFunc func(c *Connection, shardID uint64, req []byte) []byte

// Connection owns one client socket: it decodes inbound frames, dispatches them,
// queues the responses and drains the queue with partial writes.
type Connection struct {
	id        string
	transport ITransport
	handler   HandlerFunc
	opts      Options
	registry  *lease.Registry
	pool      *lease.Pool
	now       func() time.Time

	sendMu      sync.Mutex // serializes DrainSend and the final cleanup
	mu          sync.Mutex // protects the fields below
	queue       []*ResponseBuffers
	queuedBytes int
	closed      bool
	cleaned     bool
	err         error
	onClose     []func(error)

	wake        chan struct{}
	done        chan struct{}
	closeOnce   sync.Once
	cleanupOnce sync.Once
	serving     atomic.Bool

	lastInbound  atomic.Int64 // unix nanos
	lastOutbound atomic.Int64
	probeSent    atomic.Int64 // unix nanos of the unanswered probe, 0 if none
}

// NewConnection creates a connection on top of t. Leased objects and buffers come
// from the registry's pool for the connection id (nil creates a private registry).
func NewConnection(t ITransport, handler HandlerFunc, registry *lease.Registry, opts Options) *Connection {
	if registry == nil {
		registry = lease.NewRegistry(nil)
	}
	id := uuid.NewString()
	c := &Connection{
		id:        id,
		transport: t,
		handler:   handler,
		opts:      opts.withDefaults(),
		registry:  registry,
		pool:      registry.For(id),
		now:       time.Now,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	now := c.now().UnixNano()
	c.lastInbound.Store(now)
	c.lastOutbound.Store(now)
	connectionsOpened.Inc()
	return c
}

// --------------------------------------------------------------------------
// Public Methods
// --------------------------------------------------------------------------

// ID returns the unique id of the connection
func (c *Connection) ID() string { return c.id }

// LeasePool returns the pool owned by the connection's read goroutine
func (c *Connection) LeasePool() *lease.Pool { return c.pool }

// Done is closed when the connection is torn down
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err returns why the connection was torn down, nil while it is open
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// QueueLen returns the number of queued responses
func (c *Connection) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// QueuedBytes returns the unwritten bytes of all queued responses
func (c *Connection) QueuedBytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.queuedBytes
	if len(c.queue) > 0 {
		n -= c.queue[0].written
	}
	return n
}

// OnClose registers fn to run once the connection is torn down and its
// buffers are released. fn runs immediately if that already happened.
func (c *Connection) OnClose(fn func(err error)) {
	c.mu.Lock()
	if c.cleaned {
		err := c.err
		c.mu.Unlock()
		fn(err)
		return
	}
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

// Dispatch handles one inbound frame and returns the response to enqueue (nil
// if there is none). Heartbeat probes are answered with an echo, echoes only
// count as inbound activity.
func (c *Connection) Dispatch(f transport.Frame) (*ResponseBuffers, error) {
	if err := c.Err(); err != nil {
		return nil, err
	}
	c.lastInbound.Store(c.now().UnixNano())
	framesReceived.Inc()

	switch f.ShardID {
	case transport.ProbeShardID:
		return NewResponseBuffers(c.pool, transport.EchoShardID, f.RequestID, nil), nil
	case transport.EchoShardID:
		return nil, nil
	}

	start := time.Now()
	resp := c.handler(c, f.ShardID, f.Data)
	dispatchDuration.UpdateDuration(start)
	if resp == nil {
		return nil, nil
	}
	return NewResponseBuffers(c.pool, f.ShardID, f.RequestID, resp), nil
}

// Enqueue appends rb to the send queue. If the queue would exceed its depth or
// byte ceiling the connection is torn down with ErrConnectionOverLimit. The
// connection owns rb afterwards, also when an error is returned.
func (c *Connection) Enqueue(rb *ResponseBuffers) error {
	c.mu.Lock()
	if c.closed {
		err := c.err
		c.mu.Unlock()
		rb.Release()
		return err
	}
	if len(c.queue)+1 > c.opts.MaxQueueDepth || c.queuedBytes+rb.Len() > c.opts.MaxQueueBytes {
		depth, bytes := len(c.queue), c.queuedBytes
		c.mu.Unlock()
		rb.Release()
		overLimit.Inc()
		Logger.Warningf("connection %s over limit (%d responses, %d bytes queued), disconnecting", c.id, depth, bytes)
		c.teardown(ErrConnectionOverLimit)
		return ErrConnectionOverLimit
	}
	c.queue = append(c.queue, rb)
	c.queuedBytes += rb.Len()
	c.mu.Unlock()

	c.signal()
	return nil
}

// Push enqueues a frame the client did not request (request id 0). It may be
// called from any goroutine.
func (c *Connection) Push(shardID uint64, payload []byte) error {
	return c.Enqueue(NewResponseBuffers(c.pool, shardID, transport.PushRequestID, payload))
}

// DrainSend writes queued responses in order until the queue is empty or the
// transport would block. It returns true when everything is flushed. A response
// that was only partly written is resumed on the next call. A write error tears
// the connection down.
func (c *Connection) DrainSend() (bool, error) {
	c.sendMu.Lock()
	flushed, err := c.drainLocked()
	c.sendMu.Unlock()

	if err != nil && !errors.Is(err, c.Err()) {
		c.teardown(err)
	}
	return flushed, err
}

// OnHeartbeatTimeout tears the connection down because the peer did not answer
// a probe in time
func (c *Connection) OnHeartbeatTimeout() {
	heartbeatTimeouts.Inc()
	Logger.Warningf("connection %s missed its heartbeat, disconnecting", c.id)
	c.teardown(ErrHeartbeatTimeout)
}

// Serve runs the connection until it is torn down or ctx is cancelled: the read
// loop on the calling goroutine, the drain loop and the heartbeat loop in their
// own. It returns the teardown cause.
func (c *Connection) Serve(ctx context.Context) error {
	c.serving.Store(true)
	ctx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		c.drainLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		c.heartbeatLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			c.teardown(ErrConnectionClosed)
		case <-c.done:
		}
	}()

	c.teardown(c.readLoop())
	cancel()
	wg.Wait()
	c.cleanup()
	return c.Err()
}

// Close tears the connection down
func (c *Connection) Close() error {
	c.teardown(ErrConnectionClosed)
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (c *Connection) drainLocked() (bool, error) {
	for {
		c.mu.Lock()
		if c.closed {
			err := c.err
			c.mu.Unlock()
			return false, err
		}
		if len(c.queue) == 0 {
			c.mu.Unlock()
			return true, nil
		}
		rb := c.queue[0]
		c.mu.Unlock()

		n, err := rb.writeTo(c.transport)
		if n > 0 {
			bytesSent.Add(n)
			c.lastOutbound.Store(c.now().UnixNano())
		}
		if err != nil {
			return false, fmt.Errorf("write to connection %s: %w", c.id, err)
		}
		if !rb.Done() {
			partialWrites.Inc()
			return false, nil
		}

		c.mu.Lock()
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.queuedBytes -= rb.Len()
		c.mu.Unlock()
		rb.Release()
	}
}

// readLoop reads and dispatches frames until the transport fails
func (c *Connection) readLoop() error {
	buf := c.pool.Buffer(readBufferSize)
	defer c.pool.ReleaseBuffer(buf)

	for {
		f, err := transport.ReadFrame(c.transport, buf)
		if err != nil {
			if cause := c.Err(); cause != nil {
				return cause
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return ErrConnectionClosed
			}
			return fmt.Errorf("read from connection %s: %w", c.id, err)
		}

		rb, err := c.Dispatch(f)
		if err != nil {
			return err
		}
		if rb == nil {
			continue
		}
		if err := c.Enqueue(rb); err != nil {
			return err
		}
	}
}

// drainLoop drains the queue whenever a response is enqueued. A periodic check
// flushes responses that waited longer than StaleFlushAfter, which resumes
// sends that stopped because the transport would block.
func (c *Connection) drainLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.StaleFlushAfter / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-c.wake:
		case <-ticker.C:
			if !c.hasStale(c.now()) {
				continue
			}
			staleFlushes.Inc()
		}
		if _, err := c.DrainSend(); err != nil {
			return
		}
	}
}

// hasStale reports whether the oldest queued response is older than StaleFlushAfter
func (c *Connection) hasStale(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue) > 0 && now.Sub(c.queue[0].Created()) >= c.opts.StaleFlushAfter
}

func (c *Connection) heartbeatLoop(ctx context.Context) {
	if c.opts.IdleInterval < 0 {
		return
	}
	ticker := time.NewTicker(min(c.opts.IdleInterval, c.opts.HeartbeatTimeout) / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.checkHeartbeat(c.now())
		}
	}
}

// checkHeartbeat sends a probe after IdleInterval without traffic and tears the
// connection down if nothing arrived within HeartbeatTimeout after the probe
func (c *Connection) checkHeartbeat(now time.Time) {
	nowNs := now.UnixNano()
	inbound := c.lastInbound.Load()

	if probe := c.probeSent.Load(); probe != 0 {
		if inbound > probe {
			c.probeSent.Store(0)
			return
		}
		if nowNs-probe >= int64(c.opts.HeartbeatTimeout) {
			c.OnHeartbeatTimeout()
		}
		return
	}

	if nowNs-max(inbound, c.lastOutbound.Load()) < int64(c.opts.IdleInterval) {
		return
	}
	if err := c.Enqueue(NewResponseBuffers(c.pool, transport.ProbeShardID, 0, nil)); err != nil {
		return
	}
	c.probeSent.Store(nowNs)
	probesSent.Inc()
	Logger.Debugf("connection %s idle, sent heartbeat probe", c.id)
}

func (c *Connection) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// teardown marks the connection closed and closes the transport. Buffers and
// leases are released right away unless Serve runs, which releases them after
// its goroutines stopped.
func (c *Connection) teardown(cause error) {
	if cause == nil {
		cause = ErrConnectionClosed
	}
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.err = cause
		c.mu.Unlock()

		close(c.done)
		if err := c.transport.Close(); err != nil {
			Logger.Debugf("closing transport of connection %s: %v", c.id, err)
		}
		if errors.Is(cause, ErrConnectionClosed) {
			Logger.Debugf("connection %s closed", c.id)
		} else {
			Logger.Infof("connection %s torn down: %v", c.id, cause)
		}
	})
	if !c.serving.Load() {
		c.cleanup()
	}
}

// cleanup releases queued buffers and the lease pool and runs the close hooks
func (c *Connection) cleanup() {
	c.cleanupOnce.Do(func() {
		c.sendMu.Lock()
		c.mu.Lock()
		queue := c.queue
		c.queue = nil
		c.queuedBytes = 0
		c.cleaned = true
		hooks := c.onClose
		c.onClose = nil
		err := c.err
		c.mu.Unlock()
		c.sendMu.Unlock()

		for _, rb := range queue {
			rb.Release()
		}
		c.registry.Drop(c.id)
		connectionsClosed.Inc()

		for _, fn := range hooks {
			fn(err)
		}
	})
}
