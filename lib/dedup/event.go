package dedup

import (
	"fmt"
	"time"

	"github.com/ValentinKolb/dCache/lib/store"
	"github.com/ValentinKolb/dCache/lib/util"
)

// EventRecord describes one change notification
type EventRecord struct {
	ID        string             `json:"id"`
	Partition uint32             `json:"partition"`
	Kind      store.MutationKind `json:"kind"`
	Keys      []string           `json:"keys"`
	Version   uint64             `json:"version"`
	Timestamp time.Time          `json:"timestamp"`
}

// EventID derives the id of the event caused by a mutation. Two nodes
// observing the same mutation derive the same id.
func EventID(partition uint32, key string, version uint64, kind store.MutationKind) string {
	return fmt.Sprintf("%d-%016x-%d-%d", partition, util.HashString(key, 0), version, kind)
}

// FromRecord builds the event of a store mutation
func FromRecord(rec store.MutationRecord, ts time.Time) EventRecord {
	version := rec.Entry.Version
	if rec.Kind == store.KindRemove && rec.Prior != nil {
		version = rec.Prior.Version
	}
	return EventRecord{
		ID:        EventID(rec.Partition, rec.Key, version, rec.Kind),
		Partition: rec.Partition,
		Kind:      rec.Kind,
		Keys:      []string{rec.Key},
		Version:   version,
		Timestamp: ts,
	}
}
