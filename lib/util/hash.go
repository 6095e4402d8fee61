package util

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

// --------------------------------------------------------------------------
// Seeds
// --------------------------------------------------------------------------

// GenerateSeed creates a random seed for hash distribution inside one process.
// Seeds must never be used for values that are shared between nodes, use seed 0
// (see PartitionOf) for anything that leaves the process.
func GenerateSeed() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint64(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint64(b[:])
}

// --------------------------------------------------------------------------
// Hash Functions
// --------------------------------------------------------------------------

// HashString hashes s with the FNV-1a algorithm, mixing in the given seed.
func HashString(s string, seed uint64) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)

	hash := uint64(offset64) ^ seed
	for i := 0; i < len(s); i++ {
		hash ^= uint64(s[i])
		hash *= prime64
	}
	return hash
}

// PartitionOf maps a key onto one of n partitions.
// The mapping is stable across processes (seed 0), so every node of the
// cluster agrees on the partition of a key. n must be greater than zero.
func PartitionOf(key string, n uint32) uint32 {
	return uint32(HashString(key, 0) % uint64(n))
}
