package store

import (
	"fmt"
	"iter"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// IMutator is the write half of a store. It is implemented by stores and by
// anything that wraps a store's write path (e.g. the node, which also logs
// every mutation).
type IMutator interface {
	// Mutate applies m to key and returns what changed. A mutation that leaves
	// the store unchanged (deleting a missing key, SetIfUnset on an existing key)
	// returns a record with Changed == false.
	Mutate(key string, m *Mutation) (MutationRecord, error)
}

// IStore is the partitioned key-value store a cache node serves.
// Hashing, eviction and expiration enforcement are the store's business, the
// node only relies on the methods below.
type IStore interface {
	IMutator

	// Get returns the entry for key. Expired entries are reported as not found.
	Get(key string) (entry Entry, loaded bool, err error)
	// Has reports whether key exists, even if its value expired.
	Has(key string) (loaded bool, err error)
	// SnapshotPartition returns a lazy sequence of all entries of one partition.
	// The sequence is point-in-time only if no mutation of that partition runs
	// concurrently, callers that need consistency serialize with the write path.
	SnapshotPartition(id uint32) (iter.Seq2[string, Entry], error)
	// ResetPartition removes every entry of one partition.
	ResetPartition(id uint32) error
	// PartitionOf returns the partition of key
	PartitionOf(key string) uint32
	// Partitions returns the number of partitions
	Partitions() uint32
	// Len returns the number of stored keys (including expired ones)
	Len() int
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is a custom error type that wraps a return code (of type RetCode)
// and an error message.
type Error struct {
	Code RetCode // The return code
	Msg  string  // The error message.
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("StoreError (code %s): %s", e.Code, e.Msg)
}

// Is matches errors with the same return code, so errors.Is(err, &Error{Code: c}) works
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// NewError creates a new store error with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess              RetCode = iota // 0: Command executed successfully.
	RetCInternalError                       // 1: Command failed due to an internal error.
	RetCUnsupportedOperation                // 2: Operation is not supported by the store.
	RetCInvalidOperation                    // 3: Invalid operation.
	RetCInvalidPartition                    // 4: Partition id out of range.
)

// String returns the name of the return code
func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "Success"
	case RetCInternalError:
		return "InternalError"
	case RetCUnsupportedOperation:
		return "UnsupportedOperation"
	case RetCInvalidOperation:
		return "InvalidOperation"
	case RetCInvalidPartition:
		return "InvalidPartition"
	default:
		return "Unknown"
	}
}
