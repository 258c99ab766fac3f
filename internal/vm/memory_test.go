package vm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewMemory(t *testing.T) {
	t.Run("buffer mode", func(t *testing.T) {
		mem, err := NewMemory(2, 10, false)
		require.NoError(t, err)
		defer mem.Close()
		require.False(t, mem.Guarded())
		require.Equal(t, uint32(2), mem.Pages())
		require.Equal(t, uint64(2*MemoryPageSize), mem.Len())
		require.Equal(t, uint32(10), mem.Max())
	})

	t.Run("zero max means engine max", func(t *testing.T) {
		mem, err := NewMemory(0, 0, false)
		require.NoError(t, err)
		defer mem.Close()
		require.Equal(t, uint32(MemoryMaxPages), mem.Max())
	})

	t.Run("min above max", func(t *testing.T) {
		_, err := NewMemory(3, 2, false)
		require.Error(t, err)
	})
}

func TestMemory_GrowBuffer(t *testing.T) {
	mem, err := NewMemory(1, 3, false)
	require.NoError(t, err)
	defer mem.Close()

	mem.Bytes()[0] = 0xaa

	require.Equal(t, uint32(1), mem.Grow(0))
	require.Equal(t, uint32(1), mem.Grow(2))
	require.Equal(t, uint32(3), mem.Pages())
	require.Equal(t, byte(0xaa), mem.Bytes()[0])
	require.Zero(t, mem.Bytes()[3*MemoryPageSize-1])

	// Past the maximum.
	require.Equal(t, memoryGrowFailed, mem.Grow(1))
	require.Equal(t, uint32(3), mem.Pages())
}

func TestMemory_GuardRangeBufferMode(t *testing.T) {
	mem, err := NewMemory(1, 4, false)
	require.NoError(t, err)
	defer mem.Close()

	lo, hi := mem.GuardRange()
	require.Zero(t, lo)
	require.Zero(t, hi)
	require.False(t, mem.InGuard(mem.Base()))
}

func TestMemory_hasSize(t *testing.T) {
	mem, err := NewMemory(1, 1, false)
	require.NoError(t, err)
	defer mem.Close()
	size := uint64(MemoryPageSize)

	require.True(t, mem.hasSize(0, size))
	require.True(t, mem.hasSize(size, 0))
	require.True(t, mem.hasSize(size-1, 1))
	require.False(t, mem.hasSize(size, 1))
	require.False(t, mem.hasSize(size+1, 0))
	// offset+length wraps around uint64.
	require.False(t, mem.hasSize(1, ^uint64(0)))
	require.False(t, mem.hasSize(^uint64(0), 1))
}
