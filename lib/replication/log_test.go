package replication

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dCache/lib/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func op(partition uint32, key string) LoggedOperation {
	return LoggedOperation{
		Partition: partition,
		Kind:      store.KindInsert,
		Key:       key,
		Entry:     store.Entry{Value: []byte(key), Version: 1},
	}
}

func appendN(t *testing.T, l *Log, partition uint32, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := l.Append(op(partition, fmt.Sprintf("k%d", i)))
		require.NoError(t, err)
	}
}

func collect(t *testing.T, l *Log, partition uint32, after uint64) ([]uint64, error) {
	t.Helper()
	var seqs []uint64
	for o, err := range l.ReadFrom(partition, after) {
		if err != nil {
			return seqs, err
		}
		seqs = append(seqs, o.Seq)
	}
	return seqs, nil
}

func TestAppendIsGapFreeUnderConcurrency(t *testing.T) {
	l := NewLog(2, Options{})
	const writers, perWriter = 8, 250

	var mu sync.Mutex
	seen := make(map[uint64]bool)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				seq, err := l.Append(op(0, fmt.Sprintf("w%d-%d", w, i)))
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				assert.False(t, seen[seq], "seq %d assigned twice", seq)
				seen[seq] = true
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	total := writers * perWriter
	require.Len(t, seen, total)
	for i := 1; i <= total; i++ {
		assert.True(t, seen[uint64(i)], "seq %d missing", i)
	}
	assert.Equal(t, uint64(total), l.Tail(0))

	// partitions number independently
	seq, err := l.Append(op(1, "other"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
}

func TestReadFrom(t *testing.T) {
	l := NewLog(1, Options{ReadBatch: 3})
	appendN(t, l, 0, 10)

	t.Run("after 3 yields 4 to 10", func(t *testing.T) {
		seqs, err := collect(t, l, 0, 3)
		require.NoError(t, err)
		assert.Equal(t, []uint64{4, 5, 6, 7, 8, 9, 10}, seqs)
	})

	t.Run("at tail yields nothing", func(t *testing.T) {
		seqs, err := collect(t, l, 0, 10)
		require.NoError(t, err)
		assert.Empty(t, seqs)
	})

	t.Run("restartable", func(t *testing.T) {
		var first []uint64
		for o, err := range l.ReadFrom(0, 0) {
			require.NoError(t, err)
			first = append(first, o.Seq)
			if len(first) == 2 {
				break
			}
		}
		assert.Equal(t, []uint64{1, 2}, first)

		seqs, err := collect(t, l, 0, first[len(first)-1])
		require.NoError(t, err)
		assert.Len(t, seqs, 8)
	})

	t.Run("unknown partition", func(t *testing.T) {
		_, err := collect(t, l, 7, 0)
		assert.ErrorIs(t, err, ErrUnknownPartition)
	})
}

func TestReadFromTooOld(t *testing.T) {
	l := NewLog(1, Options{})
	appendN(t, l, 0, 10)

	n, err := l.TruncateBefore(0, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, uint64(6), l.Oldest(0))

	_, err = collect(t, l, 0, 2)
	assert.ErrorIs(t, err, ErrSequenceTooOld)

	// the first missing entry is the truncation boundary
	seqs, err := collect(t, l, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, []uint64{6, 7, 8, 9, 10}, seqs)
}

func TestReadFromOvertakenMidIteration(t *testing.T) {
	l := NewLog(1, Options{ReadBatch: 2, MaxEntries: 4})
	appendN(t, l, 0, 4)

	var got []uint64
	var gotErr error
	for o, err := range l.ReadFrom(0, 0) {
		if err != nil {
			gotErr = err
			break
		}
		got = append(got, o.Seq)
		if o.Seq == 2 {
			// pushes 1..6 out of the window while the reader is at 2
			appendN(t, l, 0, 6)
		}
	}
	assert.Equal(t, []uint64{1, 2}, got)
	assert.ErrorIs(t, gotErr, ErrSequenceTooOld)
}

func TestTruncateRespectsCursors(t *testing.T) {
	l := NewLog(1, Options{})
	appendN(t, l, 0, 10)

	require.NoError(t, l.RegisterCursor(0, "a", 3))
	require.NoError(t, l.RegisterCursor(0, "b", 6))

	slowest, ok := l.MinCursor(0)
	require.True(t, ok)
	assert.Equal(t, uint64(3), slowest)

	n, err := l.TruncateBefore(0, 8)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, uint64(4), l.Oldest(0))

	seqs, err := collect(t, l, 0, 3)
	require.NoError(t, err)
	assert.Len(t, seqs, 7)

	l.AdvanceCursor(0, "a", 7)
	l.AdvanceCursor(0, "a", 2) // backwards, ignored
	n, err = l.TruncateBefore(0, 8)
	require.NoError(t, err)
	assert.Equal(t, 3, n) // bounded by b at 6

	l.ReleaseCursor(0, "b")
	l.ReleaseCursor(0, "unknown")
	n, err = l.TruncateBefore(0, 8)
	require.NoError(t, err)
	assert.Equal(t, 1, n) // bounded by a at 7
	assert.Equal(t, uint64(8), l.Oldest(0))

	l.ReleaseCursor(0, "a")
	_, ok = l.MinCursor(0)
	assert.False(t, ok)

	n, err = l.TruncateBefore(0, 100)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Zero(t, l.Len(0))
	assert.Equal(t, uint64(10), l.Tail(0))

	// numbering continues after the log was emptied
	seq, err := l.Append(op(0, "next"))
	require.NoError(t, err)
	assert.Equal(t, uint64(11), seq)
}

func TestRegisterCursorTooOld(t *testing.T) {
	l := NewLog(1, Options{})
	appendN(t, l, 0, 5)
	_, err := l.TruncateBefore(0, 3)
	require.NoError(t, err)

	assert.ErrorIs(t, l.RegisterCursor(0, "late", 1), ErrSequenceTooOld)
	assert.NoError(t, l.RegisterCursor(0, "ok", 3))
}

func TestRetention(t *testing.T) {
	t.Run("max entries", func(t *testing.T) {
		l := NewLog(1, Options{MaxEntries: 5})
		require.NoError(t, l.RegisterCursor(0, "slow", 0))
		appendN(t, l, 0, 12)

		assert.Equal(t, 5, l.Len(0))
		assert.Equal(t, uint64(8), l.Oldest(0))

		// the overtaken cursor has to fall back to a snapshot
		_, err := collect(t, l, 0, 0)
		assert.ErrorIs(t, err, ErrSequenceTooOld)
	})

	t.Run("max age", func(t *testing.T) {
		now := time.UnixMilli(1_000_000)
		l := NewLog(1, Options{MaxAge: time.Minute})
		l.now = func() time.Time { return now }

		appendN(t, l, 0, 3)
		now = now.Add(2 * time.Minute)
		appendN(t, l, 0, 2)

		assert.Equal(t, 2, l.Len(0))
		assert.Equal(t, uint64(4), l.Oldest(0))
	})
}

func TestBrokenPartition(t *testing.T) {
	l := NewLog(2, Options{})
	appendN(t, l, 0, 3)

	// corrupt the partition state to provoke a non-monotonic insert
	p := l.partitions[0]
	p.mu.Lock()
	p.next = 2
	p.mu.Unlock()

	_, err := l.Append(op(0, "bad"))
	require.ErrorIs(t, err, ErrPartitionBroken)
	assert.ErrorIs(t, l.Err(0), ErrPartitionBroken)

	_, err = l.Append(op(0, "again"))
	assert.ErrorIs(t, err, ErrPartitionBroken)
	_, err = collect(t, l, 0, 0)
	assert.ErrorIs(t, err, ErrPartitionBroken)

	// other partitions keep working
	_, err = l.Append(op(1, "fine"))
	assert.NoError(t, err)
	assert.NoError(t, l.Err(1))
}

func TestOperationCodec(t *testing.T) {
	ops := []LoggedOperation{
		{Seq: 4, Partition: 3, Kind: store.KindInsert, Key: "a", Entry: store.Entry{Value: []byte("1"), Version: 9, Flags: 1}, Timestamp: 100},
		{Seq: 5, Partition: 3, Kind: store.KindRemove, Key: "b", Timestamp: 101},
	}
	data := EncodeOperations(3, ops)

	partition, decoded, err := DecodeOperations(data)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), partition)
	require.Len(t, decoded, 2)
	assert.Equal(t, ops[0].Seq, decoded[0].Seq)
	assert.Equal(t, ops[0].Entry.Value, decoded[0].Entry.Value)
	assert.Equal(t, ops[0].Entry.Version, decoded[0].Entry.Version)
	assert.Equal(t, store.KindRemove, decoded[1].Kind)
	assert.Equal(t, "b", decoded[1].Key)

	assert.Equal(t, store.OpDelete, decoded[1].Mutation().Op)
	assert.Equal(t, store.OpApply, decoded[0].Mutation().Op)

	_, _, err = DecodeOperations(data[:len(data)-1])
	assert.Error(t, err)
}
