package node

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ValentinKolb/dCache/lib/dedup"
	"github.com/ValentinKolb/dCache/lib/maintenance"
	"github.com/ValentinKolb/dCache/lib/membership"
	"github.com/ValentinKolb/dCache/lib/replication"
	"github.com/ValentinKolb/dCache/lib/rollback"
	"github.com/ValentinKolb/dCache/lib/store"
	"github.com/ValentinKolb/dCache/lib/transfer"
	"github.com/ValentinKolb/dCache/lib/util"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("node")

var (
	mutationsTotal  = metrics.GetOrCreateCounter("dcache_node_mutations_total")
	unchangedTotal  = metrics.GetOrCreateCounter("dcache_node_mutations_unchanged_total")
	eventsDelivered = metrics.GetOrCreateCounter("dcache_node_events_delivered_total")
	mutateDuration  = metrics.GetOrCreateHistogram("dcache_node_mutate_duration_seconds")
	bulkRollbacks   = metrics.GetOrCreateCounter("dcache_node_bulk_rollbacks_total")
)

// Config configures a Node
type Config struct {
	// ID identifies the node towards peers
	ID string
	// MaxValueSize rejects values larger than this (0 = unlimited)
	MaxValueSize int
	// RetainEntries is the number of log entries per partition kept by
	// compaction for replay-only catch-up of peers (0 disables compaction)
	RetainEntries uint64
	// CompactInterval is the interval of the log compaction
	CompactInterval time.Duration

	Log      replication.Options
	Dedup    dedup.Options
	Transfer transfer.Config
}

// KeyValue is one entry of a bulk write
type KeyValue struct {
	Key      string
	Value    []byte
	Flags    uint32
	ExpireIn uint64 // milliseconds, 0 = never
}

type subscription struct {
	prefixes []string
	deliver  func(dedup.EventRecord)
}

func (s *subscription) matches(ev dedup.EventRecord) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, key := range ev.Keys {
		for _, p := range s.prefixes {
			if strings.HasPrefix(key, p) {
				return true
			}
		}
	}
	return false
}

// Node is one member of a cache cluster
type Node struct {
	cfg        Config
	store      store.IStore
	log        *replication.Log
	index      *dedup.Index
	membership membership.IMembership
	status     *maintenance.Status

	coordinator *transfer.Coordinator
	receiver    *transfer.Receiver

	locks       []sync.Mutex
	events      *util.MPSCQueue[dedup.EventRecord]
	subscribers *xsync.MapOf[string, *subscription]

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a node serving st. If m is nil a membership.Static is used.
func New(cfg Config, st store.IStore, dialer transfer.IPeerDialer, m membership.IMembership) (*Node, error) {
	if st == nil {
		return nil, fmt.Errorf("node needs a store")
	}
	if cfg.ID == "" {
		return nil, fmt.Errorf("node needs an id")
	}
	if m == nil {
		status, err := maintenance.NewStatus(maintenance.PerformReplication)
		if err != nil {
			return nil, err
		}
		m = membership.NewStatic(status)
	}
	if cfg.CompactInterval <= 0 {
		cfg.CompactInterval = time.Minute
	}
	cfg.Transfer.LocalID = cfg.ID

	n := &Node{
		cfg:         cfg,
		store:       st,
		log:         replication.NewLog(st.Partitions(), cfg.Log),
		index:       dedup.NewIndex(cfg.Dedup),
		membership:  m,
		status:      m.Status(),
		locks:       make([]sync.Mutex, st.Partitions()),
		events:      util.NewMPSCQueue[dedup.EventRecord](),
		subscribers: xsync.NewMapOf[string, *subscription](),
	}
	n.coordinator = transfer.NewCoordinator(cfg.Transfer, n, n.log, dialer, n.status)
	n.receiver = transfer.NewReceiver(n)
	return n, nil
}

// Start runs the background work of the node until ctx is done or Close is called
func (n *Node) Start(ctx context.Context) {
	ctx, n.cancel = context.WithCancel(ctx)

	n.index.Start(ctx)

	n.wg.Add(3)
	go func() {
		defer n.wg.Done()
		n.dispatch()
	}()
	go func() {
		defer n.wg.Done()
		if err := n.coordinator.Run(ctx, n.membership); err != nil && !errors.Is(err, context.Canceled) {
			Logger.Warningf("transfer coordinator stopped: %v", err)
		}
	}()
	go func() {
		defer n.wg.Done()
		n.compactLoop(ctx)
	}()
	Logger.Infof("node %s started with %d partitions (status: %s)", n.cfg.ID, n.store.Partitions(), n.status.Snapshot())
}

// Close stops all background work. Active transfer sessions are cancelled.
func (n *Node) Close() error {
	var err error
	n.closeOnce.Do(func() {
		if n.cancel != nil {
			n.cancel()
		}
		err = n.coordinator.Close()
		n.events.Close()
		n.wg.Wait()
		err = errors.Join(err, n.index.Close(), n.membership.Close())
		Logger.Infof("node %s stopped", n.cfg.ID)
	})
	return err
}

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

func (n *Node) ID() string { return n.cfg.ID }
func (n *Node) Store() store.IStore { return n.store }
func (n *Node) Log() *replication.Log { return n.log }
func (n *Node) Dedup() *dedup.Index { return n.index }
func (n *Node) Status() *maintenance.Status { return n.status }
func (n *Node) Membership() membership.IMembership { return n.membership }
func (n *Node) Coordinator() *transfer.Coordinator { return n.coordinator }
func (n *Node) Receiver() *transfer.Receiver { return n.receiver }
func (n *Node) Partitions() uint32 { return n.store.Partitions() }
func (n *Node) Get(key string) (store.Entry, bool, error) { return n.store.Get(key) }
func (n *Node) Has(key string) (bool, error) { return n.store.Has(key) }

// --------------------------------------------------------------------------
// Write Path
// --------------------------------------------------------------------------

// Mutate applies m to key, logs the change and publishes its event. It
// implements store.IMutator.
func (n *Node) Mutate(key string, m *store.Mutation) (store.MutationRecord, error) {
	if m == nil {
		return store.MutationRecord{}, store.NewError(store.RetCInvalidOperation, "nil mutation")
	}
	if n.cfg.MaxValueSize > 0 && (len(m.Value) > n.cfg.MaxValueSize || len(m.Entry.Value) > n.cfg.MaxValueSize) {
		return store.MutationRecord{}, store.NewError(store.RetCInvalidOperation,
			fmt.Sprintf("value of key %q exceeds the maximum size of %d bytes", key, n.cfg.MaxValueSize))
	}

	start := time.Now()
	defer mutateDuration.UpdateDuration(start)

	p := n.store.PartitionOf(key)
	n.locks[p].Lock()
	rec, err := n.mutateLocked(key, m)
	n.locks[p].Unlock()
	if err != nil || !rec.Changed {
		return rec, err
	}

	n.publish(rec, start)
	return rec, nil
}

// BulkSet writes all entries or none of them
func (n *Node) BulkSet(entries []KeyValue) error {
	tx := rollback.New("bulk set")
	for _, e := range entries {
		rec, err := n.Mutate(e.Key, &store.Mutation{
			Op:       store.OpSet,
			Value:    e.Value,
			Flags:    e.Flags,
			ExpireIn: e.ExpireIn,
		})
		if err != nil {
			bulkRollbacks.Inc()
			if rbErr := tx.Rollback(); rbErr != nil {
				return errors.Join(fmt.Errorf("bulk set failed at key %q: %w", e.Key, err), rbErr)
			}
			return fmt.Errorf("bulk set failed at key %q: %w", e.Key, err)
		}
		tx.AddCompensation(store.RestoreCompensation{Mutator: n, Record: rec})
	}
	tx.Commit()
	return nil
}

// ResetPartition removes every key of a partition. The removals are logged, so
// peers replaying this node's log observe them.
func (n *Node) ResetPartition(partition uint32) error {
	if partition >= n.store.Partitions() {
		return store.NewError(store.RetCInvalidPartition, fmt.Sprintf("partition %d out of range", partition))
	}
	snapshot, err := n.store.SnapshotPartition(partition)
	if err != nil {
		return err
	}

	n.locks[partition].Lock()
	var keys []string
	for key := range snapshot {
		keys = append(keys, key)
	}
	var records []store.MutationRecord
	for _, key := range keys {
		rec, err := n.mutateLocked(key, &store.Mutation{Op: store.OpDelete})
		if err != nil {
			n.locks[partition].Unlock()
			return err
		}
		if rec.Changed {
			records = append(records, rec)
		}
	}
	n.locks[partition].Unlock()

	now := time.Now()
	for _, rec := range records {
		n.publish(rec, now)
	}
	Logger.Debugf("reset partition %d (%d keys)", partition, len(records))
	return nil
}

// PartitionSnapshot returns a copy of one partition and the log position it
// corresponds to. It implements transfer.ISnapshotSource.
func (n *Node) PartitionSnapshot(partition uint32) ([]store.KeyEntry, uint64, error) {
	if partition >= n.store.Partitions() {
		return nil, 0, store.NewError(store.RetCInvalidPartition, fmt.Sprintf("partition %d out of range", partition))
	}
	snapshot, err := n.store.SnapshotPartition(partition)
	if err != nil {
		return nil, 0, err
	}

	n.locks[partition].Lock()
	defer n.locks[partition].Unlock()
	var entries []store.KeyEntry
	for key, e := range snapshot {
		entries = append(entries, store.KeyEntry{Key: key, Entry: e})
	}
	return entries, n.log.Tail(partition), nil
}

// Compact truncates the log of every partition down to RetainEntries entries,
// keeping whatever active transfer sessions still need
func (n *Node) Compact() int {
	if n.cfg.RetainEntries == 0 {
		return 0
	}
	removed := 0
	for p := range n.store.Partitions() {
		tail := n.log.Tail(p)
		if tail <= n.cfg.RetainEntries {
			continue
		}
		k, err := n.log.TruncateBefore(p, tail-n.cfg.RetainEntries)
		if err != nil {
			Logger.Warningf("failed to compact log of partition %d: %v", p, err)
			continue
		}
		removed += k
	}
	return removed
}

// mutateLocked must be called with the partition lock of key held
func (n *Node) mutateLocked(key string, m *store.Mutation) (store.MutationRecord, error) {
	rec, err := n.store.Mutate(key, m)
	if err != nil {
		return rec, err
	}
	if !rec.Changed {
		unchangedTotal.Inc()
		return rec, nil
	}

	if _, err := n.log.Append(replication.FromRecord(rec)); err != nil {
		// an unlogged change would never reach the peers, undo it
		undo := store.RestoreCompensation{Mutator: n.store, Record: rec}
		if undoErr := undo.Execute(); undoErr != nil {
			Logger.Errorf("failed to undo unlogged mutation of %q: %v", key, undoErr)
		}
		return store.MutationRecord{}, fmt.Errorf("failed to log mutation of %q: %w", key, err)
	}
	mutationsTotal.Inc()
	return rec, nil
}

// --------------------------------------------------------------------------
// Events
// --------------------------------------------------------------------------

// Subscribe registers deliver for all events touching keys with one of the
// given prefixes (all events if none are given). deliver is called from a
// single dispatcher goroutine and must not block.
func (n *Node) Subscribe(id string, prefixes []string, deliver func(dedup.EventRecord)) {
	n.subscribers.Store(id, &subscription{prefixes: prefixes, deliver: deliver})
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (n *Node) Unsubscribe(id string) {
	n.subscribers.Delete(id)
}

// Replay returns the events since t, from the durable retention if one is
// configured and from the in-memory window otherwise
func (n *Node) Replay(t time.Time) ([]dedup.EventRecord, error) {
	if r := n.index.Retention(); r != nil {
		return r.ReadSince(t)
	}
	return n.index.Since(t), nil
}

func (n *Node) publish(rec store.MutationRecord, ts time.Time) {
	ev := dedup.FromRecord(rec, ts)
	if n.index.Record(ev) {
		n.events.Push(ev)
	}
}

// dispatch is the single consumer of the event queue
func (n *Node) dispatch() {
	for {
		for ev, ok := n.events.Pop(); ok; ev, ok = n.events.Pop() {
			n.subscribers.Range(func(_ string, s *subscription) bool {
				if s.matches(ev) {
					s.deliver(ev)
					eventsDelivered.Inc()
				}
				return true
			})
		}
		if n.events.IsClosed() && n.events.Len() == 0 {
			return
		}
		<-n.events.Signal()
	}
}

func (n *Node) compactLoop(ctx context.Context) {
	if n.cfg.RetainEntries == 0 {
		return
	}
	ticker := time.NewTicker(n.cfg.CompactInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := n.Compact(); removed > 0 {
				Logger.Debugf("compacted %d log entries", removed)
			}
		}
	}
}
