package replication

import (
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("replication")

var (
	// ErrSequenceTooOld is returned when a read starts before the oldest
	// retained entry. The caller has to fall back to a full snapshot.
	ErrSequenceTooOld = errors.New("sequence too old")
	// ErrPartitionBroken is returned by every call on a partition whose log
	// detected an internal invariant violation.
	ErrPartitionBroken = errors.New("replication log partition broken")
	// ErrUnknownPartition is returned for partition ids out of range
	ErrUnknownPartition = errors.New("unknown partition")
)

var (
	appendedTotal  = metrics.GetOrCreateCounter("dcache_replication_appended_total")
	truncatedTotal = metrics.GetOrCreateCounter("dcache_replication_truncated_total")
	evictedTotal   = metrics.GetOrCreateCounter("dcache_replication_retention_evicted_total")
)

const defaultReadBatch = 256

// Options configures the retention policy and read behaviour of a Log
type Options struct {
	// MaxEntries bounds the number of retained entries per partition (0 = unbounded)
	MaxEntries int
	// MaxAge bounds the age of retained entries (0 = unbounded)
	MaxAge time.Duration
	// ReadBatch is the number of entries ReadFrom copies per lock acquisition
	ReadBatch int
}

// Log is the replication log of all partitions of one node
type Log struct {
	opts       Options
	partitions []*partitionLog
	now        func() time.Time
}

// partitionLog is the log of one partition. entries[i].Seq == first+i.
type partitionLog struct {
	mu      sync.Mutex
	id      uint32
	entries []LoggedOperation
	first   uint64 // seq of entries[0], equals next when empty
	next    uint64 // next seq to assign
	cursors map[string]uint64
	broken  error
}

// NewLog creates a log for the given number of partitions
func NewLog(partitions uint32, opts Options) *Log {
	if opts.ReadBatch <= 0 {
		opts.ReadBatch = defaultReadBatch
	}
	l := &Log{
		opts:       opts,
		partitions: make([]*partitionLog, partitions),
		now:        time.Now,
	}
	for i := range l.partitions {
		l.partitions[i] = &partitionLog{
			id:      uint32(i),
			first:   1,
			next:    1,
			cursors: make(map[string]uint64),
		}
	}
	return l
}

// Partitions returns the number of partitions
func (l *Log) Partitions() uint32 {
	return uint32(len(l.partitions))
}

// --------------------------------------------------------------------------
// Writes
// --------------------------------------------------------------------------

// Append records op in the log of op.Partition and returns the assigned
// sequence number. Concurrent appenders on one partition observe gap-free,
// strictly increasing numbers.
func (l *Log) Append(op LoggedOperation) (uint64, error) {
	p, err := l.partition(op.Partition)
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.broken != nil {
		return 0, p.broken
	}

	op.Seq = p.next
	if op.Timestamp == 0 {
		op.Timestamp = l.now().UnixMilli()
	}
	if n := len(p.entries); n > 0 && p.entries[n-1].Seq+1 != op.Seq {
		return 0, p.fail(fmt.Errorf("non-monotonic append: last seq %d, next seq %d", p.entries[n-1].Seq, op.Seq))
	}

	p.entries = append(p.entries, op)
	p.next++
	appendedTotal.Inc()

	l.enforceRetention(p)
	return op.Seq, nil
}

// TruncateBefore removes all entries with a sequence number <= seq that every
// registered cursor already consumed. It returns the number of removed entries.
func (l *Log) TruncateBefore(partition uint32, seq uint64) (int, error) {
	p, err := l.partition(partition)
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.broken != nil {
		return 0, p.broken
	}

	limit := seq
	for _, c := range p.cursors {
		limit = min(limit, c)
	}
	if limit < p.first {
		return 0, nil
	}
	n := int(min(limit-p.first+1, uint64(len(p.entries))))
	p.dropFront(n)
	truncatedTotal.Add(n)
	return n, nil
}

// --------------------------------------------------------------------------
// Reads
// --------------------------------------------------------------------------

// ReadFrom returns a lazy sequence of all retained operations with a sequence
// number greater than after, in order. The sequence yields ErrSequenceTooOld
// (and stops) if the next required entry is no longer retained, either right
// away or because retention overtook the reader while iterating. The sequence
// ends once the reader caught up with the tail.
func (l *Log) ReadFrom(partition uint32, after uint64) iter.Seq2[LoggedOperation, error] {
	return func(yield func(LoggedOperation, error) bool) {
		p, err := l.partition(partition)
		if err != nil {
			yield(LoggedOperation{}, err)
			return
		}

		pos := after
		buf := make([]LoggedOperation, 0, l.opts.ReadBatch)
		for {
			buf, err = p.read(pos, buf[:0], l.opts.ReadBatch)
			if err != nil {
				yield(LoggedOperation{}, err)
				return
			}
			if len(buf) == 0 {
				return
			}
			for _, op := range buf {
				if !yield(op, nil) {
					return
				}
				pos = op.Seq
			}
		}
	}
}

// Tail returns the sequence number of the newest entry (0 if nothing was ever appended)
func (l *Log) Tail(partition uint32) uint64 {
	p, err := l.partition(partition)
	if err != nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next - 1
}

// Oldest returns the sequence number of the oldest retained entry. A reader
// positioned at Oldest()-1 or later can still replay.
func (l *Log) Oldest(partition uint32) uint64 {
	p, err := l.partition(partition)
	if err != nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.first
}

// Len returns the number of retained entries of a partition
func (l *Log) Len(partition uint32) int {
	p, err := l.partition(partition)
	if err != nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Err returns the error of a broken partition (nil if healthy)
func (l *Log) Err(partition uint32) error {
	p, err := l.partition(partition)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.broken
}

// --------------------------------------------------------------------------
// Cursors
// --------------------------------------------------------------------------

// RegisterCursor registers a reader positioned after seq. Entries after the
// cursor are kept by TruncateBefore until the cursor advances or is released.
func (l *Log) RegisterCursor(partition uint32, id string, seq uint64) error {
	p, err := l.partition(partition)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.broken != nil {
		return p.broken
	}
	if seq+1 < p.first {
		return fmt.Errorf("%w: cursor %s at %d, oldest retained entry of partition %d is %d", ErrSequenceTooOld, id, seq, p.id, p.first)
	}
	p.cursors[id] = seq
	return nil
}

// AdvanceCursor moves a registered cursor forward to seq. Moving backwards is ignored.
func (l *Log) AdvanceCursor(partition uint32, id string, seq uint64) {
	p, err := l.partition(partition)
	if err != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.cursors[id]; ok && seq > cur {
		p.cursors[id] = seq
	}
}

// ReleaseCursor removes a cursor. Releasing an unknown cursor is a no-op.
func (l *Log) ReleaseCursor(partition uint32, id string) {
	p, err := l.partition(partition)
	if err != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.cursors, id)
}

// MinCursor returns the position of the slowest cursor of a partition
func (l *Log) MinCursor(partition uint32) (uint64, bool) {
	p, err := l.partition(partition)
	if err != nil {
		return 0, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	found := false
	var minSeq uint64
	for _, c := range p.cursors {
		if !found || c < minSeq {
			minSeq, found = c, true
		}
	}
	return minSeq, found
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (l *Log) partition(id uint32) (*partitionLog, error) {
	if id >= uint32(len(l.partitions)) {
		return nil, fmt.Errorf("%w: %d (log has %d partitions)", ErrUnknownPartition, id, len(l.partitions))
	}
	return l.partitions[id], nil
}

// enforceRetention drops entries beyond the retention policy. Must be called
// with p.mu held.
func (l *Log) enforceRetention(p *partitionLog) {
	drop := 0
	if l.opts.MaxEntries > 0 && len(p.entries) > l.opts.MaxEntries {
		drop = len(p.entries) - l.opts.MaxEntries
	}
	if l.opts.MaxAge > 0 {
		cutoff := l.now().Add(-l.opts.MaxAge).UnixMilli()
		for drop < len(p.entries) && p.entries[drop].Timestamp < cutoff {
			drop++
		}
	}
	if drop == 0 {
		return
	}

	newFirst := p.first + uint64(drop)
	for id, c := range p.cursors {
		if c+1 < newFirst {
			Logger.Warningf("retention of partition %d overtakes cursor %s at %d (oldest retained is now %d)", p.id, id, c, newFirst)
		}
	}
	p.dropFront(drop)
	evictedTotal.Add(drop)
}

// read copies up to n entries after pos into buf. Must not be called with p.mu held.
func (p *partitionLog) read(pos uint64, buf []LoggedOperation, n int) ([]LoggedOperation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.broken != nil {
		return buf, p.broken
	}
	if pos+1 < p.first {
		return buf, fmt.Errorf("%w: requested %d, oldest retained entry of partition %d is %d", ErrSequenceTooOld, pos+1, p.id, p.first)
	}
	if pos+1 >= p.next {
		return buf, nil
	}
	start := int(pos + 1 - p.first)
	end := min(start+n, len(p.entries))
	return append(buf, p.entries[start:end]...), nil
}

// dropFront removes the n oldest entries. Must be called with p.mu held.
func (p *partitionLog) dropFront(n int) {
	if n <= 0 {
		return
	}
	clear(p.entries[:n])
	p.entries = p.entries[n:]
	p.first += uint64(n)

	// give the backing array back once most of it is unused
	if cap(p.entries) > 1024 && len(p.entries) < cap(p.entries)/4 {
		p.entries = slices.Clone(p.entries)
	}
}

// fail marks the partition broken. Must be called with p.mu held.
func (p *partitionLog) fail(err error) error {
	p.broken = fmt.Errorf("%w: partition %d: %v", ErrPartitionBroken, p.id, err)
	Logger.Errorf("%v", p.broken)
	return p.broken
}
