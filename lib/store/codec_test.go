package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryBatchCodec(t *testing.T) {
	batch := []KeyEntry{
		{Key: "a", Entry: Entry{Value: []byte("1"), Flags: 3, ExpireAt: 1700000000000, Version: 7}},
		{Key: "", Entry: Entry{Value: []byte{}}},
		{Key: "binary", Entry: Entry{Value: []byte{0, 1, 2, 255}, Version: 1 << 40}},
	}

	data := EncodeEntries(batch)
	decoded, err := DecodeEntries(data)
	require.NoError(t, err)
	require.Len(t, decoded, len(batch))
	for i := range batch {
		assert.Equal(t, batch[i].Key, decoded[i].Key)
		assert.Equal(t, batch[i].Entry.Flags, decoded[i].Entry.Flags)
		assert.Equal(t, batch[i].Entry.ExpireAt, decoded[i].Entry.ExpireAt)
		assert.Equal(t, batch[i].Entry.Version, decoded[i].Entry.Version)
		assert.Equal(t, len(batch[i].Entry.Value), len(decoded[i].Entry.Value))
	}
}

func TestDecodeEntriesRejectsGarbage(t *testing.T) {
	data := EncodeEntries([]KeyEntry{{Key: "k", Entry: Entry{Value: []byte("value")}}})

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"truncated value", data[:len(data)-2]},
		{"truncated header", data[:10]},
		{"trailing bytes", append(append([]byte{}, data...), 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEntries(tt.data)
			assert.Error(t, err)
		})
	}
}

func TestErrorIs(t *testing.T) {
	err := NewError(RetCInvalidPartition, "partition 9 out of range")
	assert.ErrorIs(t, err, &Error{Code: RetCInvalidPartition})
	assert.NotErrorIs(t, err, &Error{Code: RetCInternalError})
	assert.Contains(t, err.Error(), "InvalidPartition")
}
