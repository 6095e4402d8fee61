package dedup

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/ValentinKolb/dCache/lib/util"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("dedup")

var (
	recordedTotal        = metrics.GetOrCreateCounter("dcache_dedup_recorded_total")
	duplicateTotal       = metrics.GetOrCreateCounter("dcache_dedup_duplicates_total")
	evictedTotal         = metrics.GetOrCreateCounter("dcache_dedup_evicted_total")
	retentionErrorsTotal = metrics.GetOrCreateCounter("dcache_dedup_retention_errors_total")
)

const (
	defaultWindow = time.Minute
	defaultShards = 16
)

// Options configures an Index
type Options struct {
	// Window is the width of the deduplication window
	Window time.Duration
	// Shards is the number of lock shards, rounded up to a power of two
	Shards int
	// SweepInterval is the interval of the background sweep started by Start
	// (defaults to Window)
	SweepInterval time.Duration
	// Retention is an optional durable archive of every non-duplicate record
	Retention IRetention
}

// Index is a sliding-window set of event records
type Index struct {
	window    time.Duration
	sweep     time.Duration
	shards    []*shard
	mask      uint64
	seed      uint64
	now       func() time.Time
	retention IRetention

	queue     *util.MPSCQueue[EventRecord]
	writerWg  sync.WaitGroup
	sweepWg   sync.WaitGroup
	stop      chan struct{}
	closeOnce sync.Once
}

type shard struct {
	mu      sync.Mutex
	records map[string]EventRecord
	order   *util.MapHeap[string] // id -> timestamp (unix nanos)
}

// NewIndex creates an index. If opts.Retention is set, a background writer
// archiving records is started; Close stops it.
func NewIndex(opts Options) *Index {
	if opts.Window <= 0 {
		opts.Window = defaultWindow
	}
	if opts.Shards <= 0 {
		opts.Shards = defaultShards
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = opts.Window
	}

	n := 1
	for n < opts.Shards {
		n <<= 1
	}

	idx := &Index{
		window:    opts.Window,
		sweep:     opts.SweepInterval,
		shards:    make([]*shard, n),
		mask:      uint64(n - 1),
		seed:      util.GenerateSeed(),
		now:       time.Now,
		retention: opts.Retention,
		stop:      make(chan struct{}),
	}
	for i := range idx.shards {
		idx.shards[i] = &shard{
			records: make(map[string]EventRecord),
			order:   util.NewMapHeap[string](),
		}
	}

	if idx.retention != nil {
		idx.queue = util.NewMPSCQueue[EventRecord]()
		idx.writerWg.Add(1)
		go idx.archive()
	}
	return idx
}

// --------------------------------------------------------------------------
// Public Methods
// --------------------------------------------------------------------------

// Record adds ev to the window. It returns false if an event with the same id
// is already in the window, in which case nothing changes. A zero timestamp is
// replaced with the current time.
func (idx *Index) Record(ev EventRecord) bool {
	now := idx.now()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}

	s := idx.shardFor(ev.ID)
	s.mu.Lock()
	s.evict(now.Add(-idx.window))
	if _, ok := s.records[ev.ID]; ok {
		s.mu.Unlock()
		duplicateTotal.Inc()
		return false
	}
	s.records[ev.ID] = ev
	s.order.Add(ev.ID, ev.Timestamp.UnixNano())
	s.mu.Unlock()

	recordedTotal.Inc()
	if idx.queue != nil && !idx.queue.Push(ev) {
		retentionErrorsTotal.Inc()
		Logger.Warningf("event %s not archived: index closed", ev.ID)
	}
	return true
}

// Snapshot returns all records currently in the window in timestamp order
func (idx *Index) Snapshot() []EventRecord {
	return idx.collect(time.Time{})
}

// Since returns the records of the window with a timestamp at or after t, in
// timestamp order. Clients that fell further behind use the durable retention.
func (idx *Index) Since(t time.Time) []EventRecord {
	return idx.collect(t)
}

// Len returns the number of records in the window
func (idx *Index) Len() int {
	cutoff := idx.now().Add(-idx.window)
	n := 0
	for _, s := range idx.shards {
		s.mu.Lock()
		s.evict(cutoff)
		n += len(s.records)
		s.mu.Unlock()
	}
	return n
}

// Retention returns the durable archive of the index (nil if none is configured)
func (idx *Index) Retention() IRetention {
	return idx.retention
}

// Start runs the background sweep until ctx is done or the index is closed
func (idx *Index) Start(ctx context.Context) {
	idx.sweepWg.Add(1)
	go func() {
		defer idx.sweepWg.Done()
		ticker := time.NewTicker(idx.sweep)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-idx.stop:
				return
			case <-ticker.C:
				idx.Sweep()
			}
		}
	}()
}

// Sweep evicts expired records from every shard
func (idx *Index) Sweep() {
	cutoff := idx.now().Add(-idx.window)
	for _, s := range idx.shards {
		s.mu.Lock()
		s.evict(cutoff)
		s.mu.Unlock()
	}
}

// Close stops the sweep, flushes pending archive writes and closes the retention
func (idx *Index) Close() error {
	var err error
	idx.closeOnce.Do(func() {
		close(idx.stop)
		idx.sweepWg.Wait()
		if idx.queue != nil {
			idx.queue.Close()
			idx.writerWg.Wait()
			err = idx.retention.Close()
		}
	})
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (idx *Index) shardFor(id string) *shard {
	return idx.shards[util.HashString(id, idx.seed)&idx.mask]
}

func (idx *Index) collect(since time.Time) []EventRecord {
	cutoff := idx.now().Add(-idx.window)
	var out []EventRecord
	for _, s := range idx.shards {
		s.mu.Lock()
		s.evict(cutoff)
		for _, ev := range s.records {
			if !ev.Timestamp.Before(since) {
				out = append(out, ev)
			}
		}
		s.mu.Unlock()
	}
	slices.SortFunc(out, compareRecords)
	return out
}

// archive is the single consumer of the retention queue
func (idx *Index) archive() {
	defer idx.writerWg.Done()
	for {
		for ev, ok := idx.queue.Pop(); ok; ev, ok = idx.queue.Pop() {
			if err := idx.retention.Append(ev); err != nil {
				retentionErrorsTotal.Inc()
				Logger.Errorf("failed to archive event %s: %v", ev.ID, err)
			}
		}
		if idx.queue.IsClosed() && idx.queue.Len() == 0 {
			return
		}
		<-idx.queue.Signal()
	}
}

// evict removes all records older than cutoff. Must be called with s.mu held.
func (s *shard) evict(cutoff time.Time) {
	limit := cutoff.UnixNano()
	for {
		id, ts, ok := s.order.PeekMin()
		if !ok || ts >= limit {
			return
		}
		s.order.PopMin()
		delete(s.records, id)
		evictedTotal.Inc()
	}
}

func compareRecords(a, b EventRecord) int {
	if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
		return c
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}
