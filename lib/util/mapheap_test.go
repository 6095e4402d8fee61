package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapHeapOrdering(t *testing.T) {
	h := NewMapHeap[string]()
	h.Add("b", 200)
	h.Add("a", 100)
	h.Add("c", 50)

	require.Equal(t, 3, h.Len())

	key, prio, ok := h.PeekMin()
	require.True(t, ok)
	assert.Equal(t, "c", key)
	assert.Equal(t, int64(50), prio)

	var order []string
	for h.Len() > 0 {
		k, _, _ := h.PopMin()
		order = append(order, k)
	}
	assert.Equal(t, []string{"c", "a", "b"}, order)

	_, _, ok = h.PopMin()
	assert.False(t, ok)
}

func TestMapHeapUpdateAndRemove(t *testing.T) {
	h := NewMapHeap[uint64]()
	h.Add(1, 10)
	h.Add(2, 20)
	h.Add(3, 30)

	// moving key 1 behind everything else
	h.Add(1, 40)
	prio, ok := h.Priority(1)
	require.True(t, ok)
	assert.Equal(t, int64(40), prio)
	assert.Equal(t, 3, h.Len())

	key, _, _ := h.PeekMin()
	assert.Equal(t, uint64(2), key)

	removed, ok := h.Remove(2)
	require.True(t, ok)
	assert.Equal(t, int64(20), removed)
	assert.False(t, h.Contains(2))

	_, ok = h.Remove(2)
	assert.False(t, ok)

	key, _, _ = h.PeekMin()
	assert.Equal(t, uint64(3), key)
}

func TestMapHeapEmpty(t *testing.T) {
	h := NewMapHeap[int]()
	_, _, ok := h.PeekMin()
	assert.False(t, ok)
	_, ok = h.Priority(7)
	assert.False(t, ok)
}
