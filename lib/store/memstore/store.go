package memstore

import (
	"fmt"
	"iter"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dCache/lib/store"
	"github.com/ValentinKolb/dCache/lib/util"
	"github.com/puzpuzpuz/xsync/v3"
)

type storeImpl struct {
	partitions []*xsync.MapOf[string, store.Entry]
	version    atomic.Uint64
	now        func() time.Time
}

// NewMemStore creates a store with the given number of partitions (at least one)
func NewMemStore(partitions uint32) store.IStore {
	if partitions == 0 {
		partitions = 1
	}
	s := &storeImpl{
		partitions: make([]*xsync.MapOf[string, store.Entry], partitions),
		now:        time.Now,
	}
	for i := range s.partitions {
		s.partitions[i] = xsync.NewMapOf[string, store.Entry]()
	}
	return s
}

// --------------------------------------------------------------------------
// Interface Methods (docu see store/interface.go)
// --------------------------------------------------------------------------

func (s *storeImpl) Mutate(key string, m *store.Mutation) (store.MutationRecord, error) {
	if m == nil {
		return store.MutationRecord{}, store.NewError(store.RetCInvalidOperation, "nil mutation")
	}

	partition := s.PartitionOf(key)
	rec := store.MutationRecord{Partition: partition, Key: key}

	var newEntry store.Entry
	switch m.Op {
	case store.OpSet, store.OpSetIfUnset:
		newEntry = store.Entry{
			Value: copyValue(m.Value),
			Flags: m.Flags,
		}
		if m.ExpireIn > 0 {
			newEntry.ExpireAt = s.now().UnixMilli() + int64(m.ExpireIn)
		}
	case store.OpApply:
		newEntry = m.Entry
		newEntry.Value = copyValue(m.Entry.Value)
	case store.OpDelete:
	default:
		return rec, store.NewError(store.RetCUnsupportedOperation, fmt.Sprintf("unsupported mutation %s", m.Op))
	}

	s.partitions[partition].Compute(key, func(old store.Entry, loaded bool) (store.Entry, bool) {
		if loaded {
			prior := old
			rec.Prior = &prior
		}

		switch m.Op {
		case store.OpDelete:
			if !loaded {
				return old, true
			}
			rec.Kind = store.KindRemove
			rec.Changed = true
			return old, true

		case store.OpSetIfUnset:
			if loaded {
				return old, false
			}

		case store.OpApply:
			s.observeVersion(newEntry.Version)
		}

		if m.Op != store.OpApply {
			newEntry.Version = s.version.Add(1)
		}
		rec.Kind = store.KindInsert
		if loaded {
			rec.Kind = store.KindUpdate
		}
		rec.Entry = newEntry
		rec.Changed = true
		return newEntry, false
	})

	return rec, nil
}

func (s *storeImpl) Get(key string) (store.Entry, bool, error) {
	entry, ok := s.partitions[s.PartitionOf(key)].Load(key)
	if !ok || entry.Expired(s.now()) {
		return store.Entry{}, false, nil
	}
	return entry, true, nil
}

func (s *storeImpl) Has(key string) (bool, error) {
	_, ok := s.partitions[s.PartitionOf(key)].Load(key)
	return ok, nil
}

func (s *storeImpl) SnapshotPartition(id uint32) (iter.Seq2[string, store.Entry], error) {
	if id >= uint32(len(s.partitions)) {
		return nil, store.NewError(store.RetCInvalidPartition, fmt.Sprintf("partition %d out of range", id))
	}
	m := s.partitions[id]
	return func(yield func(string, store.Entry) bool) {
		m.Range(yield)
	}, nil
}

func (s *storeImpl) ResetPartition(id uint32) error {
	if id >= uint32(len(s.partitions)) {
		return store.NewError(store.RetCInvalidPartition, fmt.Sprintf("partition %d out of range", id))
	}
	s.partitions[id].Clear()
	return nil
}

func (s *storeImpl) PartitionOf(key string) uint32 {
	return util.PartitionOf(key, uint32(len(s.partitions)))
}

func (s *storeImpl) Partitions() uint32 {
	return uint32(len(s.partitions))
}

func (s *storeImpl) Len() int {
	n := 0
	for _, p := range s.partitions {
		n += p.Size()
	}
	return n
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// observeVersion moves the version counter to at least v
func (s *storeImpl) observeVersion(v uint64) {
	for {
		cur := s.version.Load()
		if cur >= v || s.version.CompareAndSwap(cur, v) {
			return
		}
	}
}

// copyValue copies the value so the caller may reuse its buffer
func copyValue(v []byte) []byte {
	if v == nil {
		return nil
	}
	c := make([]byte, len(v))
	copy(c, v)
	return c
}
