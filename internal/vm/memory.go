package vm

import (
	"fmt"
	"unsafe"
)

const (
	// MemoryPageSize is the unit of memory length in WebAssembly,
	// and is defined as 2^16 = 65536.
	MemoryPageSize = 1 << MemoryPageSizeInBits
	// MemoryMaxPages is the maximum number of pages of a memory.
	MemoryMaxPages = 1 << 16
	// MemoryPageSizeInBits satisfies the relation: "1 << MemoryPageSizeInBits == MemoryPageSize".
	MemoryPageSizeInBits = 16

	// guardReservationSize covers every effective address a 32-bit access can
	// produce: twice the 4GiB index space plus one page for the largest
	// static offset and access width. Any out-of-range address, including one
	// whose offset wrapped past the declared maximum, lands inside the
	// reservation and faults instead of escaping.
	guardReservationSize = 2*(1<<32) + MemoryPageSize
)

// memoryGrowFailed is what Grow returns when the memory cannot grow,
// interpreted as -1 by 32-bit guest code.
const memoryGrowFailed = uint32(0xffffffff)

// Memory is a linear memory instance. In guarded mode the buffer is the
// accessible prefix of one large inaccessible reservation and growing only
// changes page protection, so the base address never moves. In buffer mode
// it is an ordinary Go slice and growing reallocates; every bulk helper
// keeps its explicit bounds checks, so the difference is performance of
// generated loads, not safety.
type Memory struct {
	// buffer always has length pages*MemoryPageSize. Never resliced by
	// compiled code.
	buffer      []byte
	reservation []byte
	max         uint32
}

// NewMemory allocates a memory of minPages, bounded by maxPages. guarded
// selects the reservation-based allocator; it fails on platforms without it
// rather than silently degrading, so the embedder decides the fallback.
func NewMemory(minPages, maxPages uint32, guarded bool) (*Memory, error) {
	if maxPages == 0 || maxPages > MemoryMaxPages {
		maxPages = MemoryMaxPages
	}
	if minPages > maxPages {
		return nil, fmt.Errorf("minimum %d pages exceeds maximum %d", minPages, maxPages)
	}
	m := &Memory{max: maxPages}
	if guarded {
		reservation, err := reserveGuarded()
		if err != nil {
			return nil, fmt.Errorf("failed to reserve guarded memory: %w", err)
		}
		m.reservation = reservation
		if minPages > 0 {
			if err := protectRW(reservation[:int(minPages)*MemoryPageSize]); err != nil {
				_ = releaseGuarded(reservation)
				return nil, fmt.Errorf("failed to commit initial pages: %w", err)
			}
		}
		initial := int(minPages) * MemoryPageSize
		m.buffer = reservation[:initial:initial]
	} else {
		m.buffer = make([]byte, int(minPages)*MemoryPageSize)
	}
	return m, nil
}

// Guarded reports whether this memory is backed by a guard reservation.
func (m *Memory) Guarded() bool { return m.reservation != nil }

// Pages returns the current size in pages.
func (m *Memory) Pages() uint32 {
	return uint32(len(m.buffer) / MemoryPageSize)
}

// Len returns the current size in bytes.
func (m *Memory) Len() uint64 { return uint64(len(m.buffer)) }

// Max returns the declared maximum in pages.
func (m *Memory) Max() uint32 { return m.max }

// Base returns the address of byte 0, the value cached in the execution
// context for generated loads and stores. Zero while the memory is empty.
func (m *Memory) Base() uintptr {
	if len(m.buffer) == 0 {
		if m.reservation != nil {
			return uintptr(unsafe.Pointer(&m.reservation[0]))
		}
		return 0
	}
	return uintptr(unsafe.Pointer(&m.buffer[0]))
}

// Bytes exposes the accessible prefix. Callers must re-fetch it after Grow.
func (m *Memory) Bytes() []byte { return m.buffer }

// Grow extends the memory by delta pages and returns the previous size in
// pages, or 0xffffffff if the memory cannot grow past its maximum or the
// host is out of address space. Growth never shrinks and, in guarded mode,
// never changes the base address.
func (m *Memory) Grow(delta uint32) uint32 {
	prev := m.Pages()
	if delta == 0 {
		return prev
	}
	newPages := uint64(prev) + uint64(delta)
	if newPages > uint64(m.max) {
		return memoryGrowFailed
	}
	newLen := int(newPages) * MemoryPageSize
	if m.reservation != nil {
		if err := protectRW(m.reservation[:newLen]); err != nil {
			return memoryGrowFailed
		}
		m.buffer = m.reservation[:newLen:newLen]
	} else {
		grown := make([]byte, newLen)
		copy(grown, m.buffer)
		m.buffer = grown
	}
	return prev
}

// hasSize reports whether [offset, offset+length) is within the current
// size. The subtraction form stays correct when offset+length would wrap.
func (m *Memory) hasSize(offset, length uint64) bool {
	size := m.Len()
	return !(size < offset || size-offset < length)
}

// InGuard reports whether addr falls inside the inaccessible part of this
// memory's reservation. Used to classify fault addresses.
func (m *Memory) InGuard(addr uintptr) bool {
	if m.reservation == nil {
		return false
	}
	lo := uintptr(unsafe.Pointer(&m.reservation[0])) + uintptr(len(m.buffer))
	hi := uintptr(unsafe.Pointer(&m.reservation[0])) + uintptr(len(m.reservation))
	return lo <= addr && addr < hi
}

// GuardRange returns the half-open address range of the inaccessible part of
// the reservation, or (0, 0) in buffer mode. The range shrinks as the memory
// grows; callers re-fetch it before arming a call.
func (m *Memory) GuardRange() (lo, hi uintptr) {
	if m.reservation == nil {
		return 0, 0
	}
	base := uintptr(unsafe.Pointer(&m.reservation[0]))
	return base + uintptr(len(m.buffer)), base + uintptr(len(m.reservation))
}

// Close releases the reservation. The memory must not be used afterwards.
func (m *Memory) Close() error {
	if m.reservation == nil {
		m.buffer = nil
		return nil
	}
	reservation := m.reservation
	m.reservation, m.buffer = nil, nil
	return releaseGuarded(reservation)
}
