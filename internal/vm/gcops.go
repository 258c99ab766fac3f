package vm

import (
	"github.com/kaivm/kaivm/internal/trap"
)

// Segment-sourced GC array operations. The drop/bounds rules are the same as
// for memory.init/table.init: a dropped segment has size zero, a non-empty
// use of it traps and an empty use succeeds. Element counts are converted to
// byte counts with the type's element width before the data-segment check.

func (i *Instance) gcRuntime() {
	if i == nil || i.GC == nil {
		trap.Raise(trap.CodeUnknown)
	}
}

// ArrayNewData implements array.new_data: build an array of length elements
// from a data segment starting at offset bytes.
func (i *Instance) ArrayNewData(typeIdx int32, segIdx, offset, length uint32) uint64 {
	i.gcRuntime()
	if uint32(len(i.Data)) <= segIdx {
		trap.Raise(trap.CodeOutOfBoundsMemoryAccess)
	}
	width := i.GC.ElemBytes(typeIdx)
	if width == 0 {
		trap.Raise(trap.CodeUnknown)
	}
	seg := i.Data[segIdx]
	byteLen := uint64(length) * uint64(width)
	if !seg.hasSize(uint64(offset), byteLen) {
		trap.Raise(trap.CodeOutOfBoundsMemoryAccess)
	}
	return i.GC.ArrayNewFromBytes(typeIdx, seg.Bytes()[offset:uint64(offset)+byteLen])
}

// ArrayNewElem implements array.new_elem from an element segment.
func (i *Instance) ArrayNewElem(typeIdx int32, segIdx, offset, length uint32) uint64 {
	i.gcRuntime()
	if uint32(len(i.Elems)) <= segIdx {
		trap.Raise(trap.CodeOutOfBoundsMemoryAccess)
	}
	seg := i.Elems[segIdx]
	if !seg.hasSize(uint64(offset), uint64(length)) {
		trap.Raise(trap.CodeOutOfBoundsMemoryAccess)
	}
	values := make([]uint64, length)
	for idx := range values {
		values[idx] = seg.Entries()[uint64(offset)+uint64(idx)].Value
	}
	return i.GC.ArrayNewFromValues(typeIdx, values)
}

// ArrayInitData implements array.init_data into an existing array.
func (i *Instance) ArrayInitData(ref uint64, typeIdx int32, dstIdx, segIdx, srcOffset, length uint32) {
	i.gcRuntime()
	if uint32(len(i.Data)) <= segIdx {
		trap.Raise(trap.CodeOutOfBoundsMemoryAccess)
	}
	width := i.GC.ElemBytes(typeIdx)
	if width == 0 {
		trap.Raise(trap.CodeUnknown)
	}
	seg := i.Data[segIdx]
	byteLen := uint64(length) * uint64(width)
	if !seg.hasSize(uint64(srcOffset), byteLen) {
		trap.Raise(trap.CodeOutOfBoundsMemoryAccess)
	}
	i.GC.ArrayInitFromBytes(ref, dstIdx, typeIdx, seg.Bytes()[srcOffset:uint64(srcOffset)+byteLen])
}

// ArrayInitElem implements array.init_elem into an existing array.
func (i *Instance) ArrayInitElem(ref uint64, dstIdx, segIdx, srcOffset, length uint32) {
	i.gcRuntime()
	if uint32(len(i.Elems)) <= segIdx {
		trap.Raise(trap.CodeOutOfBoundsMemoryAccess)
	}
	seg := i.Elems[segIdx]
	if !seg.hasSize(uint64(srcOffset), uint64(length)) {
		trap.Raise(trap.CodeOutOfBoundsMemoryAccess)
	}
	values := make([]uint64, length)
	for idx := range values {
		values[idx] = seg.Entries()[uint64(srcOffset)+uint64(idx)].Value
	}
	i.GC.ArrayInitFromValues(ref, dstIdx, values)
}
