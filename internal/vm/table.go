package vm

// UnknownTypeID marks a table entry whose function type has not been
// recorded. call_indirect treats it as a forced type-check miss.
const UnknownTypeID = int64(-1)

// TableEntry is one table slot as generated code sees it: the encoded value
// at offset 0 and the type index at offset 8, a 16-byte stride. The two
// halves are always written together.
type TableEntry struct {
	Value  uint64
	TypeID int64
}

// NullTableEntry is the content of an uninitialized slot.
var NullTableEntry = TableEntry{Value: 0, TypeID: UnknownTypeID}

// tableGrowFailed is what Grow returns when the table cannot grow.
const tableGrowFailed = uint32(0xffffffff)

// Table is a table instance. Table 0 additionally has a fast-path alias in
// the execution context, refreshed by the Instance after any mutation that
// can move or resize the backing array.
type Table struct {
	entries []TableEntry
	max     uint32
}

// NewTable allocates a table of min slots, each set to the null entry.
// max of 0 means no declared maximum.
func NewTable(min, max uint32) *Table {
	entries := make([]TableEntry, min)
	for i := range entries {
		entries[i] = NullTableEntry
	}
	if max == 0 {
		max = tableGrowFailed // effectively unbounded for 32-bit sizes
	}
	return &Table{entries: entries, max: max}
}

// Size returns the current number of slots.
func (t *Table) Size() uint32 { return uint32(len(t.entries)) }

// Max returns the declared maximum number of slots.
func (t *Table) Max() uint32 { return t.max }

// Entries exposes the backing slots. Callers must re-fetch after Grow.
func (t *Table) Entries() []TableEntry { return t.entries }

// Grow appends delta slots initialized to init and returns the previous
// size, or 0xffffffff when the result would exceed the declared maximum.
// Growth allocates a new array, copies, then swaps, so a concurrent reader
// of the old array observes either the old or the new table, never a
// partially initialized one.
func (t *Table) Grow(delta uint32, init TableEntry) uint32 {
	prev := t.Size()
	if delta == 0 {
		return prev
	}
	newSize := uint64(prev) + uint64(delta)
	if newSize > uint64(t.max) {
		return tableGrowFailed
	}
	grown := make([]TableEntry, newSize)
	copy(grown, t.entries)
	for i := uint64(prev); i < newSize; i++ {
		grown[i] = init
	}
	t.entries = grown
	return prev
}

// hasSize reports whether [offset, offset+length) slots are in bounds,
// using the wraparound-safe subtraction form.
func (t *Table) hasSize(offset, length uint64) bool {
	size := uint64(t.Size())
	return !(size < offset || size-offset < length)
}
