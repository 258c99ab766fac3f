package vm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewTable(t *testing.T) {
	tbl := NewTable(3, 5)
	require.Equal(t, uint32(3), tbl.Size())
	require.Equal(t, uint32(5), tbl.Max())
	for _, e := range tbl.Entries() {
		require.Equal(t, NullTableEntry, e)
	}

	// Zero max is unbounded.
	require.Equal(t, uint32(0xffffffff), NewTable(0, 0).Max())
}

func TestTable_Grow(t *testing.T) {
	tbl := NewTable(1, 4)
	tbl.Entries()[0] = TableEntry{Value: 42, TypeID: 7}

	init := TableEntry{Value: 1, TypeID: 2}
	require.Equal(t, uint32(1), tbl.Grow(0, init))
	require.Equal(t, uint32(1), tbl.Grow(2, init))
	require.Equal(t, uint32(3), tbl.Size())

	entries := tbl.Entries()
	require.Equal(t, TableEntry{Value: 42, TypeID: 7}, entries[0])
	require.Equal(t, init, entries[1])
	require.Equal(t, init, entries[2])

	require.Equal(t, tableGrowFailed, tbl.Grow(2, init))
	require.Equal(t, uint32(3), tbl.Size())
}

func TestDataSegment(t *testing.T) {
	src := []byte{1, 2, 3}
	seg := NewDataSegment(src)
	src[0] = 9 // the segment owns a copy
	require.Equal(t, []byte{1, 2, 3}, seg.Bytes())
	require.Equal(t, uint64(3), seg.Len())
	require.False(t, seg.Dropped())

	require.True(t, seg.hasSize(3, 0))
	require.False(t, seg.hasSize(3, 1))

	seg.Drop()
	require.True(t, seg.Dropped())
	require.Zero(t, seg.Len())
	require.True(t, seg.hasSize(0, 0))
	require.False(t, seg.hasSize(0, 1))
	seg.Drop() // idempotent
	require.True(t, seg.Dropped())
}

func TestElementSegment(t *testing.T) {
	src := []TableEntry{{Value: 1, TypeID: 2}}
	seg := NewElementSegment(src)
	src[0].Value = 9
	require.Equal(t, uint64(1), seg.Entries()[0].Value)
	require.Equal(t, uint64(1), seg.Len())

	seg.Drop()
	require.True(t, seg.Dropped())
	require.Zero(t, seg.Len())
	require.Nil(t, seg.Entries())
}
