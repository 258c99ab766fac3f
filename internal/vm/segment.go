package vm

// DataSegment is a module-level memory initializer. The dropped flag is
// one-way: dropping releases the buffer, and any later non-empty use traps
// while empty uses remain no-ops.
type DataSegment struct {
	data    []byte
	dropped bool
}

func NewDataSegment(data []byte) *DataSegment {
	owned := make([]byte, len(data))
	copy(owned, data)
	return &DataSegment{data: owned}
}

// Drop marks the segment dropped and releases its buffer. Idempotent.
func (s *DataSegment) Drop() {
	s.dropped = true
	s.data = nil
}

func (s *DataSegment) Dropped() bool { return s.dropped }

// Len returns the segment size, 0 once dropped.
func (s *DataSegment) Len() uint64 { return uint64(len(s.data)) }

func (s *DataSegment) Bytes() []byte { return s.data }

// hasSize is the same wraparound-safe bounds form as on Memory: a dropped
// segment has size 0, so only zero-length uses pass.
func (s *DataSegment) hasSize(offset, length uint64) bool {
	size := s.Len()
	return !(size < offset || size-offset < length)
}

// ElementSegment is a module-level table initializer holding owned
// (value, type) pairs. Drop semantics match DataSegment.
type ElementSegment struct {
	entries []TableEntry
	dropped bool
}

func NewElementSegment(entries []TableEntry) *ElementSegment {
	owned := make([]TableEntry, len(entries))
	copy(owned, entries)
	return &ElementSegment{entries: owned}
}

// Drop marks the segment dropped and releases its entries. Idempotent.
func (s *ElementSegment) Drop() {
	s.dropped = true
	s.entries = nil
}

func (s *ElementSegment) Dropped() bool { return s.dropped }

func (s *ElementSegment) Len() uint64 { return uint64(len(s.entries)) }

func (s *ElementSegment) Entries() []TableEntry { return s.entries }

func (s *ElementSegment) hasSize(offset, length uint64) bool {
	size := s.Len()
	return !(size < offset || size-offset < length)
}
