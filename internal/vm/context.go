package vm

import (
	"io"
	"reflect"
	"unsafe"

	"github.com/kaivm/kaivm/internal/gc"
)

// ContextLayoutVersion is the version of the Context field layout below.
// It must be bumped on any change to a generated-code-visible field, and the
// code generator must refuse to run against a version it was not built for.
const ContextLayoutVersion = 3

// Context is the fixed-offset record read and written by compiled code
// through raw offset loads. Hot fields sit at the lowest offsets. All fields
// are plain machine words: the Go objects backing them live on Instance, and
// Instance.Refresh republishes their addresses here whenever one may have
// moved.
//
// See TestVerifyContextOffsets for how the offset constants are pinned.
type Context struct {
	// memoryBase is the address of byte 0 of the linear memory.
	memoryBase uintptr
	// memoryLen is the current memory size in bytes.
	memoryLen uint64
	// functionsBase is the address of element 0 of the function-pointer table.
	functionsBase uintptr
	// table0Base is the address of element 0 of table 0's (value, type) pairs.
	table0Base uintptr
	// table0Len is the current number of table 0 slots.
	table0Len uint64
	// globalsBase is the address of element 0 of the globals array.
	globalsBase uintptr
	// stackLimit is the lowest stack address compiled code may use. Function
	// prologues compare against it and exit with a stack-exhausted status.
	stackLimit uintptr
	// exitStatus is written by compiled code just before returning to the
	// trampoline: the low 32 bits select the status, the high 32 bits carry
	// the operand (trap code, builtin index or exit code).
	exitStatus uint64
	// faultAddress is set together with a fault status so the boundary can
	// classify which guard region was hit.
	faultAddress uintptr
	// builtinArg carries the argument of a builtin call status such as the
	// page delta of memory.grow.
	builtinArg uint64
	// resumeAddress is where execution continues after a builtin call.
	resumeAddress uintptr
	// helperArgsBase is the address of the call engine's helper argument
	// buffer. Compiled code writes runtime-helper arguments there before
	// exiting with a builtin or host-call status, and reads results from
	// slot 0 after resuming.
	helperArgsBase uintptr
}

// Native code reads/writes Context with the following constants.
// See TestVerifyContextOffsets for how to derive these values.
const (
	ContextMemoryBaseOffset     = 0
	ContextMemoryLenOffset      = 8
	ContextFunctionsBaseOffset  = 16
	ContextTable0BaseOffset     = 24
	ContextTable0LenOffset      = 32
	ContextGlobalsBaseOffset    = 40
	ContextStackLimitOffset     = 48
	ContextExitStatusOffset     = 56
	ContextFaultAddressOffset   = 64
	ContextBuiltinArgOffset     = 72
	ContextResumeAddressOffset  = 80
	ContextHelperArgsBaseOffset = 88

	// Offsets for TableEntry.
	TableEntryValueOffset  = 0
	TableEntryTypeIDOffset = 8
	TableEntrySize         = 16
)

// ExitStatus returns the raw status word written by compiled code.
func (c *Context) ExitStatus() uint64 { return c.exitStatus }

// SetExitStatus overwrites the status word. The trampoline clears it before
// every entry; runtime helpers use it to request builtin handling.
func (c *Context) SetExitStatus(v uint64) { c.exitStatus = v }

// FaultAddress returns the fault address recorded with the last fault status.
func (c *Context) FaultAddress() uintptr { return c.faultAddress }

// BuiltinArg returns the operand of the pending builtin call.
func (c *Context) BuiltinArg() uint64 { return c.builtinArg }

// ResumeAddress returns where execution continues after a builtin call.
func (c *Context) ResumeAddress() uintptr { return c.resumeAddress }

// SetStackLimit publishes the stack ceiling compared by function prologues.
func (c *Context) SetStackLimit(limit uintptr) { c.stackLimit = limit }

// SetHelperArgsBase publishes the helper argument buffer of the call engine
// about to enter compiled code.
func (c *Context) SetHelperArgsBase(base uintptr) { c.helperArgsBase = base }

// ExceptionHandler is one frame of the exception-handler chain. Handlers are
// pushed when a try block is entered and popped on normal exit; an unwound
// chain is discarded when the instance is closed.
type ExceptionHandler struct {
	Tag    uint32
	Values []uint64
	prev   *ExceptionHandler
}

// Instance owns (or borrows) everything a Context points into. It is the
// Go-side half of the execution context: the raw words in ctx stay valid only
// because the objects here keep their backing arrays alive.
type Instance struct {
	ctx Context

	Memory      *Memory
	memoryOwned bool

	Tables      []*Table
	tablesOwned []bool

	// Functions is the function-pointer table indexed by function index.
	Functions []uintptr

	Globals []uint64

	Data  []*DataSegment
	Elems []*ElementSegment

	// GC is the reference runtime collaborator, nil when the module uses no
	// reference types.
	GC *gc.Runtime

	// FdTable is the WASI descriptor table, closed with the instance when
	// owned. Kept behind io.Closer so this package stays independent of the
	// WASI layer.
	FdTable      io.Closer
	fdTableOwned bool

	Args    []string
	Environ []string

	handlers *ExceptionHandler

	closed bool
}

// NewInstance wires an empty instance. Sub-objects are attached on demand by
// the setters below, then Refresh publishes them to the context.
func NewInstance() *Instance {
	return &Instance{}
}

// Ctx returns the context record passed to compiled code.
func (i *Instance) Ctx() *Context { return &i.ctx }

// SetMemory attaches a memory. owned says whether Close releases it; a
// store-shared memory is borrowed and left alone.
func (i *Instance) SetMemory(m *Memory, owned bool) {
	i.Memory = m
	i.memoryOwned = owned
	i.RefreshMemory()
}

// AddTable appends a table and returns its index. Table 0 gets the fast-path
// alias in the context.
func (i *Instance) AddTable(t *Table, owned bool) uint32 {
	i.Tables = append(i.Tables, t)
	i.tablesOwned = append(i.tablesOwned, owned)
	if len(i.Tables) == 1 {
		i.RefreshTable0()
	}
	return uint32(len(i.Tables) - 1)
}

// SetFunctions publishes the function-pointer table.
func (i *Instance) SetFunctions(fns []uintptr) {
	i.Functions = fns
	header := (*reflect.SliceHeader)(unsafe.Pointer(&i.Functions))
	i.ctx.functionsBase = header.Data
}

// SetGlobals publishes the globals array.
func (i *Instance) SetGlobals(globals []uint64) {
	i.Globals = globals
	header := (*reflect.SliceHeader)(unsafe.Pointer(&i.Globals))
	i.ctx.globalsBase = header.Data
}

// SetFdTable attaches the WASI descriptor table.
func (i *Instance) SetFdTable(t io.Closer, owned bool) {
	i.FdTable = t
	i.fdTableOwned = owned
}

// RefreshMemory republishes the memory base and length after a growth or
// initial attachment. Compiled code may cache the base within one function
// activation only, so publishing here is enough.
func (i *Instance) RefreshMemory() {
	if i.Memory == nil {
		i.ctx.memoryBase, i.ctx.memoryLen = 0, 0
		return
	}
	i.ctx.memoryBase = i.Memory.Base()
	i.ctx.memoryLen = i.Memory.Len()
}

// RefreshTable0 republishes the table-0 fast path. Must be called after any
// mutation that can move or resize table 0's backing array.
func (i *Instance) RefreshTable0() {
	if len(i.Tables) == 0 {
		i.ctx.table0Base, i.ctx.table0Len = 0, 0
		return
	}
	entries := i.Tables[0].Entries()
	header := (*reflect.SliceHeader)(unsafe.Pointer(&entries))
	i.ctx.table0Base = header.Data
	i.ctx.table0Len = uint64(header.Len)
}

// PushExceptionHandler enters a protected block.
func (i *Instance) PushExceptionHandler(tag uint32, values []uint64) {
	i.handlers = &ExceptionHandler{Tag: tag, Values: values, prev: i.handlers}
}

// PopExceptionHandler leaves the innermost protected block. Popping an empty
// chain is a defensive no-op.
func (i *Instance) PopExceptionHandler() *ExceptionHandler {
	h := i.handlers
	if h != nil {
		i.handlers = h.prev
		h.prev = nil
	}
	return h
}

// ExceptionHandlerDepth returns the current chain length.
func (i *Instance) ExceptionHandlerDepth() int {
	n := 0
	for h := i.handlers; h != nil; h = h.prev {
		n++
	}
	return n
}

// Close destroys the instance: the exception-handler chain is unlinked and
// every owned sub-object released. Borrowed objects are left to their owner.
// Closing twice is a no-op.
func (i *Instance) Close() (err error) {
	if i.closed {
		return nil
	}
	i.closed = true

	for h := i.handlers; h != nil; {
		next := h.prev
		h.prev = nil
		h = next
	}
	i.handlers = nil

	if i.FdTable != nil && i.fdTableOwned {
		if e := i.FdTable.Close(); e != nil {
			err = e
		}
	}
	i.FdTable = nil

	for idx := range i.Data {
		i.Data[idx].Drop()
	}
	for idx := range i.Elems {
		i.Elems[idx].Drop()
	}

	i.Tables = nil
	i.tablesOwned = nil

	if i.Memory != nil && i.memoryOwned {
		if e := i.Memory.Close(); e != nil && err == nil {
			err = e
		}
	}
	i.Memory = nil

	i.ctx = Context{}
	return
}
