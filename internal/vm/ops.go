package vm

import (
	"github.com/kaivm/kaivm/internal/trap"
)

// Bulk memory/table operations. Compiled code calls these back through the
// runtime helper table; every one re-checks bounds with the overflow-safe
// subtraction form even in guarded mode, because helper arguments are 32-bit
// values the generated code never validated. Violations abort the call via
// the trap boundary (never an error return), growth failures return -1 to
// the guest (never a trap).

// MemoryGrow grows the memory by delta pages, republishes the base/length
// and returns the previous size in pages or 0xffffffff.
func (i *Instance) MemoryGrow(delta uint32) uint32 {
	if i == nil || i.Memory == nil {
		return memoryGrowFailed
	}
	prev := i.Memory.Grow(delta)
	if prev != memoryGrowFailed {
		i.RefreshMemory()
	}
	return prev
}

// MemorySize returns the current size in pages.
func (i *Instance) MemorySize() uint32 {
	if i == nil || i.Memory == nil {
		return 0
	}
	return i.Memory.Pages()
}

// MemoryFill implements memory.fill: sets length bytes at dst to val.
func (i *Instance) MemoryFill(dst uint32, val byte, length uint32) {
	if i == nil || i.Memory == nil {
		trap.Raise(trap.CodeOutOfBoundsMemoryAccess)
	}
	if !i.Memory.hasSize(uint64(dst), uint64(length)) {
		trap.Raise(trap.CodeOutOfBoundsMemoryAccess)
	}
	if length == 0 {
		return
	}
	buf := i.Memory.Bytes()[dst : uint64(dst)+uint64(length)]
	for idx := range buf {
		buf[idx] = val
	}
}

// MemoryCopy implements memory.copy with move semantics: overlapping ranges
// copy as if through an intermediate buffer.
func (i *Instance) MemoryCopy(dst, src, length uint32) {
	if i == nil || i.Memory == nil {
		trap.Raise(trap.CodeOutOfBoundsMemoryAccess)
	}
	if !i.Memory.hasSize(uint64(dst), uint64(length)) ||
		!i.Memory.hasSize(uint64(src), uint64(length)) {
		trap.Raise(trap.CodeOutOfBoundsMemoryAccess)
	}
	if length == 0 {
		return
	}
	buf := i.Memory.Bytes()
	copy(buf[dst:uint64(dst)+uint64(length)], buf[src:uint64(src)+uint64(length)])
}

// MemoryInit implements memory.init from a data segment. A dropped segment
// has size zero, so only a zero-length init succeeds after a drop.
func (i *Instance) MemoryInit(segIdx, dst, src, length uint32) {
	if i == nil || i.Memory == nil || uint32(len(i.Data)) <= segIdx {
		trap.Raise(trap.CodeOutOfBoundsMemoryAccess)
	}
	seg := i.Data[segIdx]
	if !seg.hasSize(uint64(src), uint64(length)) ||
		!i.Memory.hasSize(uint64(dst), uint64(length)) {
		trap.Raise(trap.CodeOutOfBoundsMemoryAccess)
	}
	if length == 0 {
		return
	}
	copy(i.Memory.Bytes()[dst:uint64(dst)+uint64(length)],
		seg.Bytes()[src:uint64(src)+uint64(length)])
}

// DataDrop implements data.drop. Idempotent; an out-of-range segment index
// is a defensive no-op.
func (i *Instance) DataDrop(segIdx uint32) {
	if i == nil || uint32(len(i.Data)) <= segIdx {
		return
	}
	i.Data[segIdx].Drop()
}

func (i *Instance) table(tableIdx uint32) *Table {
	if i == nil || uint32(len(i.Tables)) <= tableIdx {
		trap.Raise(trap.CodeOutOfBoundsMemoryAccess)
	}
	return i.Tables[tableIdx]
}

// TableFill implements table.fill: writes (val, typeID) into length slots
// starting at dst. Filling table 0 keeps the fast-path alias current.
func (i *Instance) TableFill(tableIdx, dst uint32, val uint64, typeID int64, length uint32) {
	t := i.table(tableIdx)
	if !t.hasSize(uint64(dst), uint64(length)) {
		trap.Raise(trap.CodeOutOfBoundsMemoryAccess)
	}
	entry := TableEntry{Value: val, TypeID: typeID}
	entries := t.Entries()
	for idx := uint64(dst); idx < uint64(dst)+uint64(length); idx++ {
		entries[idx] = entry
	}
	if tableIdx == 0 {
		i.RefreshTable0()
	}
}

// TableCopy implements table.copy with move semantics across tables.
func (i *Instance) TableCopy(dstTable, srcTable, dst, src, length uint32) {
	dt, st := i.table(dstTable), i.table(srcTable)
	if !dt.hasSize(uint64(dst), uint64(length)) ||
		!st.hasSize(uint64(src), uint64(length)) {
		trap.Raise(trap.CodeOutOfBoundsMemoryAccess)
	}
	if length == 0 {
		return
	}
	copy(dt.Entries()[dst:uint64(dst)+uint64(length)],
		st.Entries()[src:uint64(src)+uint64(length)])
	if dstTable == 0 {
		i.RefreshTable0()
	}
}

// TableInit implements table.init from an element segment.
func (i *Instance) TableInit(tableIdx, segIdx, dst, src, length uint32) {
	t := i.table(tableIdx)
	if uint32(len(i.Elems)) <= segIdx {
		trap.Raise(trap.CodeOutOfBoundsMemoryAccess)
	}
	seg := i.Elems[segIdx]
	if !seg.hasSize(uint64(src), uint64(length)) ||
		!t.hasSize(uint64(dst), uint64(length)) {
		trap.Raise(trap.CodeOutOfBoundsMemoryAccess)
	}
	if length == 0 {
		return
	}
	copy(t.Entries()[dst:uint64(dst)+uint64(length)],
		seg.Entries()[src:uint64(src)+uint64(length)])
	if tableIdx == 0 {
		i.RefreshTable0()
	}
}

// ElemDrop implements elem.drop. Idempotent; an out-of-range segment index
// is a defensive no-op.
func (i *Instance) ElemDrop(segIdx uint32) {
	if i == nil || uint32(len(i.Elems)) <= segIdx {
		return
	}
	i.Elems[segIdx].Drop()
}

// TableGrow grows a table by delta slots initialized to (initVal, typeID)
// and returns the previous size or 0xffffffff. Growing never traps.
func (i *Instance) TableGrow(tableIdx, delta uint32, initVal uint64, typeID int64) uint32 {
	if i == nil || uint32(len(i.Tables)) <= tableIdx {
		return tableGrowFailed
	}
	prev := i.Tables[tableIdx].Grow(delta, TableEntry{Value: initVal, TypeID: typeID})
	if prev != tableGrowFailed && tableIdx == 0 {
		i.RefreshTable0()
	}
	return prev
}

// TableGet reads one slot with an explicit bounds check.
func (i *Instance) TableGet(tableIdx, idx uint32) TableEntry {
	t := i.table(tableIdx)
	if uint64(idx) >= uint64(t.Size()) {
		trap.Raise(trap.CodeOutOfBoundsMemoryAccess)
	}
	return t.Entries()[idx]
}

// TableSet writes one slot, both halves together.
func (i *Instance) TableSet(tableIdx, idx uint32, entry TableEntry) {
	t := i.table(tableIdx)
	if uint64(idx) >= uint64(t.Size()) {
		trap.Raise(trap.CodeOutOfBoundsMemoryAccess)
	}
	t.Entries()[idx] = entry
}
