package trap

import (
	"fmt"
	"sync/atomic"
)

// GuardClass says which guard region a fault address belongs to.
type GuardClass uint32

const (
	GuardNone GuardClass = iota
	// GuardStack is the guard page below a dedicated native stack.
	GuardStack
	// GuardMemory is the inaccessible tail of a linear-memory reservation.
	GuardMemory
)

// GuardRegion is a half-open address range [Lo, Hi) owned by the running
// context, registered with a Boundary so faults inside it can be classified.
type GuardRegion struct {
	Lo, Hi uintptr
	Class  GuardClass
}

func (g GuardRegion) contains(addr uintptr) bool {
	return g.Lo <= addr && addr < g.Hi
}

// Boundary runs closures under trap interception. It is the uniform surfacing
// path: helper-raised panics and exit-status traps decoded by the caller both
// end up as the error returned from Do.
//
// The armed flag and the in-flight code use atomics so that the state stays
// coherent even if an embedder misuses a call engine across goroutines; there
// is no lock on the hot path.
type Boundary struct {
	armed    uint32
	inFlight uint32

	// regions are the guard ranges of the running context, ordered by
	// classification priority (stack before memory). Mutated only while
	// disarmed.
	regions []GuardRegion
}

// SetGuardRegions replaces the registered guard regions. Stack guards must
// come first: classification walks in order and a fault address inside both a
// stack guard and a memory guard is stack exhaustion.
func (b *Boundary) SetGuardRegions(regions ...GuardRegion) {
	if atomic.LoadUint32(&b.armed) == 1 {
		panic(fmt.Errorf("BUG: SetGuardRegions while armed"))
	}
	b.regions = regions
}

// Classify maps a fault address reported by compiled code to a trap code:
// stack guard hits are stack exhaustion, memory guard hits are out-of-bounds,
// anything else is unknown.
func (b *Boundary) Classify(addr uintptr) Code {
	for _, r := range b.regions {
		if !r.contains(addr) {
			continue
		}
		switch r.Class {
		case GuardStack:
			return CodeCallStackExhausted
		case GuardMemory:
			return CodeOutOfBoundsMemoryAccess
		}
	}
	return CodeUnknown
}

// Armed reports whether a protected call is in progress.
func (b *Boundary) Armed() bool {
	return atomic.LoadUint32(&b.armed) == 1
}

// InFlight returns the trap code recorded by the last Do, without clearing it.
func (b *Boundary) InFlight() Code {
	return Code(atomic.LoadUint32(&b.inFlight))
}

// Do arms the boundary, runs fn and returns nil on normal completion, the
// sentinel trap error if fn raised a trap, or the ExitError if the guest
// exited. The in-flight cell is cleared on entry and set before returning, so
// exactly one trap is observable per call. Non-trap panics are repanicked:
// a fault the boundary does not own is never swallowed.
//
// Nested Do on the same boundary recovers at the innermost armed frame, which
// mirrors re-entrant execution where a host function calls back into
// compiled code.
func (b *Boundary) Do(fn func()) (err error) {
	prevArmed := atomic.SwapUint32(&b.armed, 1)
	atomic.StoreUint32(&b.inFlight, uint32(CodeNone))

	defer func() {
		atomic.StoreUint32(&b.armed, prevArmed)
		v := recover()
		if v == nil {
			return
		}
		if exitErr, ok := v.(*ExitError); ok {
			err = exitErr
			return
		}
		if trapErr, ok := v.(error); ok {
			if c := CodeOf(trapErr); c != CodeNone {
				atomic.StoreUint32(&b.inFlight, uint32(c))
				err = trapErr
				return
			}
		}
		panic(v)
	}()

	fn()
	return
}
