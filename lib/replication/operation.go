package replication

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/dCache/lib/store"
)

// LoggedOperation is one recorded mutation of a partition
type LoggedOperation struct {
	Seq       uint64
	Partition uint32
	Kind      store.MutationKind
	Key       string
	Entry     store.Entry
	Timestamp int64 // unix milliseconds when the operation was logged
}

// FromRecord builds the logged operation of a store mutation. The sequence
// number is assigned by Log.Append.
func FromRecord(rec store.MutationRecord) LoggedOperation {
	return LoggedOperation{
		Partition: rec.Partition,
		Kind:      rec.Kind,
		Key:       rec.Key,
		Entry:     rec.Entry,
	}
}

// Mutation returns the store mutation that replays this operation on a peer
func (op LoggedOperation) Mutation() *store.Mutation {
	if op.Kind == store.KindRemove {
		return &store.Mutation{Op: store.OpDelete}
	}
	return &store.Mutation{Op: store.OpApply, Entry: op.Entry}
}

// Size returns the number of bytes the operation takes in an encoded batch
func (op LoggedOperation) Size() int {
	return 8 + 1 + 8 + store.EncodedSize(store.KeyEntry{Key: op.Key, Entry: op.Entry})
}

// --------------------------------------------------------------------------
// Codec
// --------------------------------------------------------------------------

// EncodeOperations encodes a batch of operations of one partition with the format:
// 4 bytes partition, 4 bytes count, then per operation 8 bytes seq, 1 byte kind,
// 8 bytes timestamp and the key/entry encoding of the store package
func EncodeOperations(partition uint32, ops []LoggedOperation) []byte {
	size := 8
	for _, op := range ops {
		size += op.Size()
	}
	out := make([]byte, 0, size)
	out = binary.BigEndian.AppendUint32(out, partition)
	out = binary.BigEndian.AppendUint32(out, uint32(len(ops)))
	for _, op := range ops {
		out = binary.BigEndian.AppendUint64(out, op.Seq)
		out = append(out, byte(op.Kind))
		out = binary.BigEndian.AppendUint64(out, uint64(op.Timestamp))
		out = store.AppendEntry(out, store.KeyEntry{Key: op.Key, Entry: op.Entry})
	}
	return out
}

// DecodeOperations decodes a batch written by EncodeOperations
func DecodeOperations(data []byte) (uint32, []LoggedOperation, error) {
	if len(data) < 8 {
		return 0, nil, fmt.Errorf("data too short for operation batch header")
	}
	partition := binary.BigEndian.Uint32(data)
	count := int(binary.BigEndian.Uint32(data[4:]))
	pos := 8

	ops := make([]LoggedOperation, 0, min(count, len(data)/17))
	for i := 0; i < count; i++ {
		if len(data) < pos+17 {
			return 0, nil, fmt.Errorf("data too short for operation %d", i)
		}
		op := LoggedOperation{
			Partition: partition,
			Seq:       binary.BigEndian.Uint64(data[pos:]),
			Kind:      store.MutationKind(data[pos+8]),
			Timestamp: int64(binary.BigEndian.Uint64(data[pos+9:])),
		}
		pos += 17
		ke, n, err := store.ReadEntry(data[pos:])
		if err != nil {
			return 0, nil, fmt.Errorf("failed to decode operation %d: %v", i, err)
		}
		op.Key, op.Entry = ke.Key, ke.Entry
		pos += n
		ops = append(ops, op)
	}
	if pos != len(data) {
		return 0, nil, fmt.Errorf("%d trailing bytes after %d operations", len(data)-pos, count)
	}
	return partition, ops, nil
}
