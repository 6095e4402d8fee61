package store

import (
	"encoding/binary"
	"fmt"
)

// entryHeaderSize is the fixed part of one encoded entry:
// 4 bytes key length, 4 bytes flags, 8 bytes expireAt, 8 bytes version, 4 bytes value length
const entryHeaderSize = 4 + 4 + 8 + 8 + 4

// EncodedSize returns the number of bytes AppendEntry writes for ke
func EncodedSize(ke KeyEntry) int {
	return entryHeaderSize + len(ke.Key) + len(ke.Entry.Value)
}

// AppendEntry appends the binary encoding of ke to dst with the format:
// 4 bytes key length, N bytes key, 4 bytes flags, 8 bytes expireAt,
// 8 bytes version, 4 bytes value length, N bytes value (all big endian)
func AppendEntry(dst []byte, ke KeyEntry) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(ke.Key)))
	dst = append(dst, ke.Key...)
	dst = binary.BigEndian.AppendUint32(dst, ke.Entry.Flags)
	dst = binary.BigEndian.AppendUint64(dst, uint64(ke.Entry.ExpireAt))
	dst = binary.BigEndian.AppendUint64(dst, ke.Entry.Version)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(ke.Entry.Value)))
	return append(dst, ke.Entry.Value...)
}

// ReadEntry decodes one entry from the start of data and returns the number of
// bytes consumed. The returned value is a copy, data can be reused afterwards.
func ReadEntry(data []byte) (KeyEntry, int, error) {
	var ke KeyEntry
	if len(data) < 4 {
		return ke, 0, fmt.Errorf("data too short for key length")
	}
	keyLen := int(binary.BigEndian.Uint32(data))
	pos := 4
	if len(data) < pos+keyLen+entryHeaderSize-4 {
		return ke, 0, fmt.Errorf("data too short for entry with key length %d", keyLen)
	}
	ke.Key = string(data[pos : pos+keyLen])
	pos += keyLen
	ke.Entry.Flags = binary.BigEndian.Uint32(data[pos:])
	ke.Entry.ExpireAt = int64(binary.BigEndian.Uint64(data[pos+4:]))
	ke.Entry.Version = binary.BigEndian.Uint64(data[pos+12:])
	valueLen := int(binary.BigEndian.Uint32(data[pos+20:]))
	pos += 24
	if len(data) < pos+valueLen {
		return ke, 0, fmt.Errorf("data too short for value of key %q", ke.Key)
	}
	ke.Entry.Value = make([]byte, valueLen)
	copy(ke.Entry.Value, data[pos:pos+valueLen])
	return ke, pos + valueLen, nil
}

// EncodeEntries encodes a batch of entries prefixed by a 4 byte count
func EncodeEntries(entries []KeyEntry) []byte {
	size := 4
	for _, ke := range entries {
		size += EncodedSize(ke)
	}
	out := make([]byte, 4, size)
	binary.BigEndian.PutUint32(out, uint32(len(entries)))
	for _, ke := range entries {
		out = AppendEntry(out, ke)
	}
	return out
}

// DecodeEntries decodes a batch written by EncodeEntries
func DecodeEntries(data []byte) ([]KeyEntry, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("data too short for entry count")
	}
	count := int(binary.BigEndian.Uint32(data))
	pos := 4
	entries := make([]KeyEntry, 0, min(count, len(data)/entryHeaderSize))
	for i := 0; i < count; i++ {
		ke, n, err := ReadEntry(data[pos:])
		if err != nil {
			return nil, fmt.Errorf("failed to decode entry %d: %v", i, err)
		}
		entries = append(entries, ke)
		pos += n
	}
	if pos != len(data) {
		return nil, fmt.Errorf("%d trailing bytes after %d entries", len(data)-pos, count)
	}
	return entries, nil
}
