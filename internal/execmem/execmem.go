// Package execmem manages W^X memory for compiled code: pages are mapped
// read-write, filled, then flipped to read-execute. A growable registry maps
// each base address to its true allocation size so Release can unmap exactly
// what was reserved.
package execmem

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
)

var (
	// ErrUnknownHandle is returned when Release or Materialize is called with
	// a base address this manager never handed out.
	ErrUnknownHandle = errors.New("unknown executable memory handle")
	// ErrAlreadyExecutable is returned when Materialize is called twice for
	// the same allocation.
	ErrAlreadyExecutable = errors.New("code segment already executable")
)

// Handle identifies an allocation by its base address. Generated call sites
// use the same value as the code pointer, so no translation table is needed
// between the registry and the function table.
type Handle uintptr

type allocation struct {
	buf        []byte // the full page-rounded mapping
	executable bool
}

// initialRegistryCapacity only sizes the first allocation of the registry
// slice. The registry itself grows without bound.
const initialRegistryCapacity = 256

// Manager owns all executable mappings of a runtime.
type Manager struct {
	log      *zap.Logger
	pageSize int

	allocs map[Handle]*allocation
	// order keeps handles in insertion order with O(1) swap-remove, so
	// CloseAll releases mappings without ranging a map under mutation.
	order []Handle
	index map[Handle]int
}

// NewManager returns an empty manager. logger may be nil.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		log:      logger,
		pageSize: os.Getpagesize(),
		allocs:   make(map[Handle]*allocation, initialRegistryCapacity),
		order:    make([]Handle, 0, initialRegistryCapacity),
		index:    make(map[Handle]int, initialRegistryCapacity),
	}
}

func (m *Manager) roundToPage(size int) int {
	mask := m.pageSize - 1
	return (size + mask) &^ mask
}

// Allocate reserves a page-rounded read-write region big enough for size
// bytes of code and returns its handle. Failure is an ordinary error, never
// a trap.
func (m *Manager) Allocate(size int) (Handle, error) {
	if size <= 0 {
		return 0, fmt.Errorf("invalid code size %d", size)
	}
	rounded := m.roundToPage(size)
	buf, err := mmapRW(rounded)
	if err != nil {
		return 0, fmt.Errorf("failed to map %d bytes of code memory: %w", rounded, err)
	}
	h := Handle(bufBase(buf))
	m.allocs[h] = &allocation{buf: buf}
	m.index[h] = len(m.order)
	m.order = append(m.order, h)
	m.log.Debug("allocated code memory",
		zap.Uintptr("base", uintptr(h)), zap.Int("size", rounded))
	return h, nil
}

// Materialize copies code into the allocation, makes it executable and
// flushes the instruction cache for the written range only.
func (m *Manager) Materialize(h Handle, code []byte) error {
	a, ok := m.allocs[h]
	if !ok {
		return fmt.Errorf("%w: 0x%x", ErrUnknownHandle, uintptr(h))
	}
	if a.executable {
		return fmt.Errorf("%w: 0x%x", ErrAlreadyExecutable, uintptr(h))
	}
	if len(code) > len(a.buf) {
		return fmt.Errorf("code size %d exceeds allocation size %d", len(code), len(a.buf))
	}
	copy(a.buf, code)
	if err := protectRX(a.buf); err != nil {
		return fmt.Errorf("failed to make code executable: %w", err)
	}
	begin := bufBase(a.buf)
	flushInstructionCache(begin, begin+uintptr(len(code)))
	a.executable = true
	m.log.Debug("materialized code",
		zap.Uintptr("base", uintptr(h)), zap.Int("code_size", len(code)))
	return nil
}

// Release unmaps the allocation. Releasing a handle the manager does not know
// is an error, not a crash.
func (m *Manager) Release(h Handle) error {
	a, ok := m.allocs[h]
	if !ok {
		return fmt.Errorf("%w: 0x%x", ErrUnknownHandle, uintptr(h))
	}
	i := m.index[h]
	last := len(m.order) - 1
	m.order[i] = m.order[last]
	m.index[m.order[i]] = i
	m.order = m.order[:last]
	delete(m.index, h)
	delete(m.allocs, h)
	return munmap(a.buf)
}

// Lookup returns the handle of the allocation containing addr, if any.
func (m *Manager) Lookup(addr uintptr) (Handle, bool) {
	for h, a := range m.allocs {
		base := uintptr(h)
		if base <= addr && addr < base+uintptr(len(a.buf)) {
			return h, true
		}
	}
	return 0, false
}

// Len returns the number of live allocations.
func (m *Manager) Len() int {
	return len(m.order)
}

// CloseAll releases every live allocation, keeping the first error.
func (m *Manager) CloseAll() (err error) {
	for len(m.order) > 0 {
		if e := m.Release(m.order[0]); e != nil && err == nil {
			err = e
		}
	}
	return
}
