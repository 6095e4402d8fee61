package transfer

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/ValentinKolb/dCache/lib/maintenance"
	"github.com/ValentinKolb/dCache/lib/replication"
	"github.com/ValentinKolb/dCache/lib/store"
	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	gometrics "github.com/rcrowley/go-metrics"
	"golang.org/x/time/rate"
)

var Logger = logger.GetLogger("transfer")

var (
	sessionsStarted   = metrics.GetOrCreateCounter("dcache_transfer_sessions_started_total")
	sessionsCompleted = metrics.GetOrCreateCounter(`dcache_transfer_sessions_finished_total{state="complete"}`)
	sessionsFailed    = metrics.GetOrCreateCounter(`dcache_transfer_sessions_finished_total{state="failed"}`)
	retriesTotal      = metrics.GetOrCreateCounter("dcache_transfer_retries_total")
	snapshotsTotal    = metrics.GetOrCreateCounter("dcache_transfer_snapshots_total")
	chunkSize         = metrics.GetOrCreateHistogram("dcache_transfer_chunk_bytes")
)

const (
	DefaultChunkBytes               = 20 * 1024
	DefaultMaxRetries               = 3
	DefaultRetryBackoff             = 50 * time.Millisecond
	DefaultMaintenanceRetryInterval = time.Second
	DefaultReplayBatch              = 512
)

// Config configures a Coordinator
type Config struct {
	// LocalID identifies this node towards receivers
	LocalID string
	// ChunkBytes bounds the encoded size of one snapshot chunk
	ChunkBytes int
	// MaxRetries is the number of retries of a state after a peer error
	MaxRetries int
	// RetryBackoff is the delay before the first retry, doubled for every further one
	RetryBackoff time.Duration
	// MaintenanceRetryInterval is the interval pending sessions re-check the maintenance status
	MaintenanceRetryInterval time.Duration
	// ReplayBatch is the maximum number of operations per replay message
	ReplayBatch int
	// BytesPerSecond throttles snapshot streaming (0 = unlimited)
	BytesPerSecond int
}

func (c Config) withDefaults() Config {
	if c.ChunkBytes <= 0 {
		c.ChunkBytes = DefaultChunkBytes
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.MaintenanceRetryInterval <= 0 {
		c.MaintenanceRetryInterval = DefaultMaintenanceRetryInterval
	}
	if c.ReplayBatch <= 0 {
		c.ReplayBatch = DefaultReplayBatch
	}
	return c
}

// Coordinator runs the transfer sessions of a node
type Coordinator struct {
	cfg      Config
	source   ISnapshotSource
	log      *replication.Log
	dialer   IPeerDialer
	status   *maintenance.Status
	limiter  *rate.Limiter
	registry gometrics.Registry

	sessions *xsync.MapOf[string, *Session]

	mu       sync.Mutex
	reporter IRequestSource
	closed   bool
	wg       sync.WaitGroup
}

// NewCoordinator creates a coordinator. A negative cfg.MaxRetries disables retries.
func NewCoordinator(cfg Config, source ISnapshotSource, log *replication.Log, dialer IPeerDialer, status *maintenance.Status) *Coordinator {
	cfg = cfg.withDefaults()
	c := &Coordinator{
		cfg:      cfg,
		source:   source,
		log:      log,
		dialer:   dialer,
		status:   status,
		registry: gometrics.NewRegistry(),
		sessions: xsync.NewMapOf[string, *Session](),
	}
	if cfg.BytesPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.BytesPerSecond), max(cfg.BytesPerSecond, cfg.ChunkBytes))
	}
	return c
}

// --------------------------------------------------------------------------
// Public Methods
// --------------------------------------------------------------------------

// StartSession starts a transfer session for req.Peer. It fails with
// ErrSessionAlreadyActive if the peer has a non-terminal session, a terminal
// one is replaced.
func (c *Coordinator) StartSession(req TransferRequest) (*Session, error) {
	if req.Peer == "" {
		return nil, fmt.Errorf("transfer request without peer")
	}

	partitions := req.Partitions
	if partitions == nil {
		for p := range c.source.Partitions() {
			partitions = append(partitions, p)
		}
	}
	for _, p := range partitions {
		if p >= c.source.Partitions() {
			return nil, fmt.Errorf("%w: %d", replication.ErrUnknownPartition, p)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrCoordinatorClosed
	}

	var startErr error
	s, _ := c.sessions.Compute(req.Peer, func(old *Session, loaded bool) (*Session, bool) {
		if loaded && !old.State().Terminal() {
			startErr = ErrSessionAlreadyActive
			return old, false
		}
		return c.newSession(req, partitions), false
	})
	if startErr != nil {
		return nil, fmt.Errorf("%w: peer %s (session %s)", startErr, req.Peer, s.ID)
	}

	sessionsStarted.Inc()
	Logger.Infof("starting transfer session %s to %s (reason: %q, %d partitions)", s.ID, s.Peer, s.Reason, len(partitions))

	c.wg.Add(1)
	go c.run(s)
	return s, nil
}

// Cancel cancels the active session of peer. Its log cursors are released
// before Cancel returns. Cancel returns false if the peer has no active session.
func (c *Coordinator) Cancel(peer string) bool {
	s, ok := c.sessions.Load(peer)
	if !ok || s.State().Terminal() {
		return false
	}
	s.releaseCursors(true)
	s.cancel()
	Logger.Infof("cancelled transfer session %s to %s", s.ID, peer)
	return true
}

// Session returns the latest session of peer
func (c *Coordinator) Session(peer string) (*Session, bool) {
	return c.sessions.Load(peer)
}

// Sessions returns information about all known sessions
func (c *Coordinator) Sessions() []SessionInfo {
	var out []SessionInfo
	c.sessions.Range(func(_ string, s *Session) bool {
		out = append(out, s.Info())
		return true
	})
	return out
}

// Metrics returns the registry of the per-peer transfer meters
func (c *Coordinator) Metrics() gometrics.Registry {
	return c.registry
}

// Run starts a session for every request of src until ctx is done or the
// request channel is closed. Failed sessions are reported to src.
func (c *Coordinator) Run(ctx context.Context, src IRequestSource) error {
	c.mu.Lock()
	c.reporter = src
	c.mu.Unlock()

	requests := src.TransferRequests()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req, ok := <-requests:
			if !ok {
				return nil
			}
			if _, err := c.StartSession(req); err != nil {
				Logger.Warningf("transfer request for %s rejected: %v", req.Peer, err)
				if errors.Is(err, ErrCoordinatorClosed) {
					return err
				}
			}
		}
	}
}

// Close cancels all active sessions and waits for them to finish
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.sessions.Range(func(peer string, _ *Session) bool {
		c.Cancel(peer)
		return true
	})
	c.wg.Wait()
	return nil
}

// --------------------------------------------------------------------------
// Session Execution
// --------------------------------------------------------------------------

func (c *Coordinator) newSession(req TransferRequest, partitions []uint32) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	meter := func(name string) gometrics.Meter {
		name = "transfer." + req.Peer + "." + name
		c.registry.Unregister(name)
		return gometrics.GetOrRegisterMeter(name, c.registry)
	}
	c.registry.Unregister("transfer." + req.Peer + ".duration")
	s := &Session{
		ID:       uuid.NewString(),
		Peer:     req.Peer,
		Reason:   req.Reason,
		log:      c.log,
		from:     req.From,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		bytes:    meter("bytes"),
		entries:  meter("entries"),
		ops:      meter("ops"),
		elapsed:  gometrics.GetOrRegisterTimer("transfer."+req.Peer+".duration", c.registry),
		state:    StatePending,
		started:  now,
		updated:  now,
		progress: make(map[uint32]*PartitionProgress, len(partitions)),
		cursors:  make(map[uint32]struct{}),
	}
	for _, p := range partitions {
		s.progress[p] = &PartitionProgress{Partition: p}
	}
	return s
}

// run executes a session until it reaches a terminal state
func (c *Coordinator) run(s *Session) {
	defer c.wg.Done()
	defer close(s.done)
	defer s.cancel()

	err := c.execute(s)
	s.releaseCursors(false)

	if s.ctx.Err() != nil && err != nil && !errors.Is(err, ErrTransferPeerUnreachable) {
		err = ErrSessionCancelled
	}
	if !s.finish(err) {
		return
	}

	if err == nil {
		sessionsCompleted.Inc()
		info := s.Info()
		Logger.Infof("transfer session %s to %s complete: %d entries, %d operations, %d bytes in %s",
			s.ID, s.Peer, info.EntriesSent, info.OpsSent, info.BytesSent, info.Updated.Sub(info.Started).Round(time.Millisecond))
		return
	}

	sessionsFailed.Inc()
	Logger.Warningf("transfer session %s to %s failed: %v", s.ID, s.Peer, err)
	if !errors.Is(err, ErrSessionCancelled) {
		c.mu.Lock()
		reporter := c.reporter
		c.mu.Unlock()
		if reporter != nil {
			reporter.ReportTransferFailure(s.Peer, err)
		}
	}
}

func (c *Coordinator) execute(s *Session) error {
	if err := c.awaitMaintenance(s); err != nil {
		return err
	}
	defer c.status.EndTransfer()

	start := time.Now()
	defer s.elapsed.UpdateSince(start)

	st := &peerConn{coordinator: c, session: s}
	defer st.close()

	for _, p := range s.partitions() {
		if err := c.transferPartition(s, st, p); err != nil {
			return err
		}
	}
	return nil
}

// awaitMaintenance keeps the session pending until the maintenance status
// admits a transfer
func (c *Coordinator) awaitMaintenance(s *Session) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	logged := false
	for {
		select {
		case <-s.ctx.Done():
			return ErrSessionCancelled
		case <-timer.C:
		}

		err := c.status.BeginTransfer()
		if err == nil {
			return nil
		}
		if !errors.Is(err, maintenance.ErrMaintenanceBlocked) {
			return err
		}
		if !logged {
			Logger.Infof("transfer session %s to %s pending: waiting for maintenance to end", s.ID, s.Peer)
			logged = true
		}
		timer.Reset(c.cfg.MaintenanceRetryInterval)
	}
}

// transferPartition brings one partition of the peer up to date
func (c *Coordinator) transferPartition(s *Session, st *peerConn, partition uint32) error {
	snapshot := true
	if from, ok := s.from[partition]; ok {
		if tail := c.log.Tail(partition); from > tail {
			// the peer claims operations this node never logged, its state diverged
			Logger.Infof("session %s: requested start %d of partition %d is past the log tail %d, sending snapshot", s.ID, from, partition, tail)
		} else {
			err := s.registerCursor(partition, from)
			switch {
			case err == nil:
				snapshot = false
			case errors.Is(err, replication.ErrSequenceTooOld):
				Logger.Infof("session %s: requested start %d of partition %d is no longer retained, sending snapshot", s.ID, from, partition)
			default:
				return err
			}
		}
	}

	fallbacks := 0
	for {
		if snapshot {
			s.setState(StateSnapshotting)
			err := st.retry(func(stream IPeerStream) error {
				return c.sendSnapshot(s, stream, partition)
			})
			if errors.Is(err, replication.ErrSequenceTooOld) && fallbacks < c.cfg.MaxRetries {
				// retention overtook the snapshot position before the cursor was registered
				fallbacks++
				continue
			}
			if errors.Is(err, replication.ErrSequenceTooOld) {
				return fmt.Errorf("partition %d did not catch up after %d snapshots: %w", partition, fallbacks+1, err)
			}
			if err != nil {
				return err
			}
		}

		s.setState(StateReplaying)
		err := st.retry(func(stream IPeerStream) error {
			return c.replay(s, stream, partition)
		})
		if errors.Is(err, replication.ErrSequenceTooOld) {
			if fallbacks == c.cfg.MaxRetries {
				return fmt.Errorf("partition %d did not catch up after %d snapshots: %w", partition, fallbacks+1, err)
			}
			fallbacks++
			Logger.Infof("session %s: replay of partition %d fell behind the log, sending snapshot: %v", s.ID, partition, err)
			snapshot = true
			continue
		}
		if err != nil {
			return err
		}

		s.partitionDone(partition)
		return nil
	}
}

// sendSnapshot streams a snapshot of partition and pins the log at the
// snapshot position. Re-snapshotting is overwriting, the receiver resets the
// partition on Begin.
func (c *Coordinator) sendSnapshot(s *Session, stream IPeerStream, partition uint32) error {
	entries, seq, err := c.source.PartitionSnapshot(partition)
	if err != nil {
		return fmt.Errorf("failed to snapshot partition %d: %w", partition, err)
	}
	s.snapshotted(partition, seq)
	snapshotsTotal.Inc()

	// pin the log before sending, the replay continues right after seq
	if err := s.registerCursor(partition, seq); err != nil {
		return err
	}

	if err := transient(stream.Begin(s.ctx, BeginRequest{
		SessionID: s.ID,
		Source:    c.cfg.LocalID,
		Partition: partition,
		Snapshot:  true,
	})); err != nil {
		return err
	}

	chunk := SnapshotChunk{Source: c.cfg.LocalID, Partition: partition}
	size := 0
	send := func(last bool) error {
		chunk.TransferID++
		chunk.Last = last
		if err := c.throttle(s.ctx, size); err != nil {
			return err
		}
		if err := transient(stream.SendSnapshot(s.ctx, chunk)); err != nil {
			return err
		}
		chunkSize.Update(float64(size))
		s.bytes.Mark(int64(size))
		s.entries.Mark(int64(len(chunk.Entries)))
		chunk.Entries = nil
		size = 0
		return nil
	}

	for _, e := range entries {
		n := store.EncodedSize(e)
		if size > 0 && size+n > c.cfg.ChunkBytes {
			if err := send(false); err != nil {
				return err
			}
		}
		chunk.Entries = append(chunk.Entries, e)
		size += n
	}
	return send(true)
}

// replay streams the log of partition after the session cursor until a pass
// yields no further operations
func (c *Coordinator) replay(s *Session, stream IPeerStream, partition uint32) error {
	cursor := s.cursor(partition)
	if err := transient(stream.Begin(s.ctx, BeginRequest{
		SessionID: s.ID,
		Source:    c.cfg.LocalID,
		Partition: partition,
		From:      cursor,
	})); err != nil {
		return err
	}

	batch := make([]replication.LoggedOperation, 0, c.cfg.ReplayBatch)
	for {
		if err := s.ctx.Err(); err != nil {
			return ErrSessionCancelled
		}

		batch = batch[:0]
		for op, err := range c.log.ReadFrom(partition, cursor) {
			if err != nil {
				return err
			}
			batch = append(batch, op)
			if len(batch) == c.cfg.ReplayBatch {
				break
			}
		}
		if len(batch) == 0 {
			return transient(stream.Complete(s.ctx, Completion{
				Source:    c.cfg.LocalID,
				Partition: partition,
				Seq:       cursor,
			}))
		}

		if err := transient(stream.SendOperations(s.ctx, OperationBatch{
			Source:    c.cfg.LocalID,
			Partition: partition,
			Ops:       batch,
		})); err != nil {
			return err
		}

		size := 0
		for _, op := range batch {
			size += op.Size()
		}
		s.bytes.Mark(int64(size))
		s.ops.Mark(int64(len(batch)))

		cursor = batch[len(batch)-1].Seq
		s.advance(partition, cursor)
	}
}

func (c *Coordinator) throttle(ctx context.Context, n int) error {
	if c.limiter == nil || n == 0 {
		return nil
	}
	if err := c.limiter.WaitN(ctx, min(n, c.limiter.Burst())); err != nil {
		return ErrSessionCancelled
	}
	return nil
}

// --------------------------------------------------------------------------
// Peer Connection
// --------------------------------------------------------------------------

// peerError marks errors of the peer stream, which are retried
type peerError struct {
	err error
}

func (e *peerError) Error() string { return e.err.Error() }
func (e *peerError) Unwrap() error { return e.err }

func transient(err error) error {
	if err == nil {
		return nil
	}
	return &peerError{err: err}
}

// peerConn holds the (lazily dialed) stream of a session
type peerConn struct {
	coordinator *Coordinator
	session     *Session
	stream      IPeerStream
}

// retry runs fn on the stream, retrying peer errors with exponential backoff
// on a fresh stream
func (pc *peerConn) retry(fn func(IPeerStream) error) error {
	c, s := pc.coordinator, pc.session
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			s.retried()
			retriesTotal.Inc()
			delay := backoff(c.cfg.RetryBackoff, attempt)
			Logger.Warningf("session %s to %s: retry %d/%d in %s: %v", s.ID, s.Peer, attempt, c.cfg.MaxRetries, delay, lastErr)
			select {
			case <-s.ctx.Done():
				return ErrSessionCancelled
			case <-time.After(delay):
			}
		}
		if s.ctx.Err() != nil {
			return ErrSessionCancelled
		}

		if pc.stream == nil {
			stream, err := c.dialer.Dial(s.ctx, s.Peer)
			if err != nil {
				lastErr = err
				continue
			}
			pc.stream = stream
		}

		err := fn(pc.stream)
		var pe *peerError
		if !errors.As(err, &pe) {
			return err
		}
		lastErr = pe.err
		pc.close()
	}
	return fmt.Errorf("%w: %s after %d retries: %v", ErrTransferPeerUnreachable, s.Peer, c.cfg.MaxRetries, lastErr)
}

func (pc *peerConn) close() {
	if pc.stream == nil {
		return
	}
	if err := pc.stream.Close(); err != nil {
		Logger.Debugf("session %s: failed to close stream: %v", pc.session.ID, err)
	}
	pc.stream = nil
}

// backoff returns base * 2^(attempt-1) with ±10% jitter
func backoff(base time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	jitter := time.Duration(float64(d) * 0.1 * (2*rand.Float64() - 1))
	return d + jitter
}
