package store

import (
	"fmt"
	"time"
)

// --------------------------------------------------------------------------
// Entry
// --------------------------------------------------------------------------

// Entry is the stored value of a key plus its metadata
type Entry struct {
	Value    []byte
	Flags    uint32
	ExpireAt int64  // unix milliseconds, 0 = never
	Version  uint64 // assigned by the store, increases with every write
}

// Expired reports whether the entry's value expired at the given time
func (e Entry) Expired(now time.Time) bool {
	return e.ExpireAt > 0 && now.UnixMilli() >= e.ExpireAt
}

// Size returns the approximate memory footprint of the entry's payload
func (e Entry) Size() int {
	return len(e.Value) + 4 + 8 + 8
}

// KeyEntry pairs a key with its entry, used for snapshots and bulk requests
type KeyEntry struct {
	Key   string
	Entry Entry
}

// --------------------------------------------------------------------------
// Mutation
// --------------------------------------------------------------------------

// MutationOp is the write operation requested by a Mutation
type MutationOp uint8

const (
	OpSet        MutationOp = iota // insert or overwrite
	OpSetIfUnset                   // insert only if the key does not exist
	OpDelete                       // remove the key
	OpApply                        // store Entry exactly as given (replicated writes, restores)
)

func (op MutationOp) String() string {
	switch op {
	case OpSet:
		return "Set"
	case OpSetIfUnset:
		return "SetIfUnset"
	case OpDelete:
		return "Delete"
	case OpApply:
		return "Apply"
	default:
		return fmt.Sprintf("Unknown(%d)", op)
	}
}

// Mutation describes one write. It is leased by the dispatch path, so it
// implements ResetLeasable.
type Mutation struct {
	Op       MutationOp
	Value    []byte
	Flags    uint32
	ExpireIn uint64 // milliseconds, 0 = never (OpSet, OpSetIfUnset)
	Entry    Entry  // OpApply only
}

// ResetLeasable clears the mutation for the next request
func (m *Mutation) ResetLeasable() {
	m.Op = OpSet
	m.Value = nil
	m.Flags = 0
	m.ExpireIn = 0
	m.Entry = Entry{}
}

// --------------------------------------------------------------------------
// Mutation Record
// --------------------------------------------------------------------------

// MutationKind classifies what a mutation did to the store
type MutationKind uint8

const (
	KindInsert MutationKind = iota + 1
	KindUpdate
	KindRemove
)

func (k MutationKind) String() string {
	switch k {
	case KindInsert:
		return "insert"
	case KindUpdate:
		return "update"
	case KindRemove:
		return "remove"
	default:
		return "none"
	}
}

// MutationRecord is emitted by the store for every applied mutation
type MutationRecord struct {
	Partition uint32
	Key       string
	Kind      MutationKind
	Entry     Entry  // the new entry (zero for removes)
	Prior     *Entry // the entry before the mutation, nil if the key did not exist
	Changed   bool
}
