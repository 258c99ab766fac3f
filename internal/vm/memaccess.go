package vm

import "encoding/binary"

// Checked guest-memory accessors used by the WASI layer and tests. All of
// them return ok=false instead of trapping: a bad guest pointer handed to a
// host call is surfaced as an errno, not an abort.

// MemRead returns the byte range [offset, offset+length) of the memory, or
// false when out of bounds. The slice aliases the memory; it is invalidated
// by Grow.
func (i *Instance) MemRead(offset, length uint32) ([]byte, bool) {
	if i == nil || i.Memory == nil || !i.Memory.hasSize(uint64(offset), uint64(length)) {
		return nil, false
	}
	return i.Memory.Bytes()[offset : uint64(offset)+uint64(length)], true
}

// MemWrite copies data into the memory at offset.
func (i *Instance) MemWrite(offset uint32, data []byte) bool {
	buf, ok := i.MemRead(offset, uint32(len(data)))
	if !ok {
		return false
	}
	copy(buf, data)
	return true
}

// MemReadUint32 reads a little-endian uint32.
func (i *Instance) MemReadUint32(offset uint32) (uint32, bool) {
	buf, ok := i.MemRead(offset, 4)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint32(buf), true
}

// MemWriteUint32 writes a little-endian uint32.
func (i *Instance) MemWriteUint32(offset uint32, v uint32) bool {
	buf, ok := i.MemRead(offset, 4)
	if !ok {
		return false
	}
	binary.LittleEndian.PutUint32(buf, v)
	return true
}

// MemReadUint64 reads a little-endian uint64.
func (i *Instance) MemReadUint64(offset uint32) (uint64, bool) {
	buf, ok := i.MemRead(offset, 8)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint64(buf), true
}

// MemWriteUint64 writes a little-endian uint64.
func (i *Instance) MemWriteUint64(offset uint32, v uint64) bool {
	buf, ok := i.MemRead(offset, 8)
	if !ok {
		return false
	}
	binary.LittleEndian.PutUint64(buf, v)
	return true
}
