// Package jit is the invocation layer between the host and compiled code:
// it materializes generated buffers into executable memory, packs call
// arguments per the native contract and decodes exit statuses back into
// results, traps or re-entrant runtime calls.
package jit

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/kaivm/kaivm/internal/execmem"
	"github.com/kaivm/kaivm/internal/vm"
)

// nativeCallStatusCode is the low half of the exit status word written by
// compiled code just before returning to the trampoline. The high half
// carries the operand.
type nativeCallStatusCode uint32

const (
	// nativeCallStatusCodeReturned means the function completed and its
	// results are in the return slots.
	nativeCallStatusCodeReturned nativeCallStatusCode = iota
	// nativeCallStatusCodeTrap aborts the call; the operand is the trap code
	// embedded in the trap instruction that fired.
	nativeCallStatusCodeTrap
	// nativeCallStatusCodeFault reports a guard probe hit; the context's
	// fault address says which guard region, classified by the boundary.
	nativeCallStatusCodeFault
	// nativeCallStatusCodeCallBuiltinFunction re-enters the runtime for one
	// of the builtin helpers; the operand selects it and the helper argument
	// buffer carries its arguments.
	nativeCallStatusCodeCallBuiltinFunction
	// nativeCallStatusCodeCallHostFunction re-enters the runtime for a
	// registered host function such as a WASI call.
	nativeCallStatusCodeCallHostFunction
	// nativeCallStatusCodeExit means the guest requested termination; the
	// operand is the exit code.
	nativeCallStatusCodeExit
)

func (s nativeCallStatusCode) String() (ret string) {
	switch s {
	case nativeCallStatusCodeReturned:
		ret = "returned"
	case nativeCallStatusCodeTrap:
		ret = "trap"
	case nativeCallStatusCodeFault:
		ret = "fault"
	case nativeCallStatusCodeCallBuiltinFunction:
		ret = "call_builtin_function"
	case nativeCallStatusCodeCallHostFunction:
		ret = "call_host_function"
	case nativeCallStatusCodeExit:
		ret = "exit"
	default:
		ret = "unknown"
	}
	return
}

// encodeExitStatus packs a status and operand the way compiled code does.
func encodeExitStatus(s nativeCallStatusCode, operand uint32) uint64 {
	return uint64(s) | uint64(operand)<<32
}

func decodeExitStatus(v uint64) (nativeCallStatusCode, uint32) {
	return nativeCallStatusCode(uint32(v)), uint32(v >> 32)
}

// Builtin helper indexes, the operand of a builtin-call status.
type builtinFunctionIndex uint32

const (
	builtinFunctionIndexMemoryGrow builtinFunctionIndex = iota
	builtinFunctionIndexMemorySize
	builtinFunctionIndexMemoryFill
	builtinFunctionIndexMemoryCopy
	builtinFunctionIndexMemoryInit
	builtinFunctionIndexDataDrop
	builtinFunctionIndexTableGrow
	builtinFunctionIndexTableFill
	builtinFunctionIndexTableCopy
	builtinFunctionIndexTableInit
	builtinFunctionIndexElemDrop
	builtinFunctionIndexTableGet
	builtinFunctionIndexTableSet
	builtinFunctionIndexRefTest
	builtinFunctionIndexRefCast
	builtinFunctionIndexStructNew
	builtinFunctionIndexStructNewDefault
	builtinFunctionIndexStructGet
	builtinFunctionIndexStructSet
	builtinFunctionIndexArrayNew
	builtinFunctionIndexArrayNewDefault
	builtinFunctionIndexArrayNewData
	builtinFunctionIndexArrayNewElem
	builtinFunctionIndexArrayInitData
	builtinFunctionIndexArrayInitElem
	builtinFunctionIndexArrayGet
	builtinFunctionIndexArraySet
	builtinFunctionIndexArrayLen
)

// HostFunction is a runtime-registered function reachable from compiled code
// through the host-call status. Arguments arrive in the helper buffer in
// declaration order; returned values are written back from slot 0.
type HostFunction func(inst *vm.Instance, args []uint64) []uint64

type compiledFunction struct {
	// codeInitialAddress is the entry point, also the value stored in the
	// instance's function-pointer table.
	codeInitialAddress uintptr
	handle             execmem.Handle
	sig                *vm.Signature
}

// Engine owns the compiled functions of a runtime and the executable memory
// backing them.
type Engine struct {
	log       *zap.Logger
	mem       *execmem.Manager
	functions []*compiledFunction
	host      []HostFunction
}

// NewEngine returns an engine backed by its own executable memory manager.
// logger may be nil.
func NewEngine(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		log: logger,
		mem: execmem.NewManager(logger),
	}
}

// AddFunction materializes a generated code buffer and returns its function
// index. The buffer and signature are the whole code-generator contract.
func (e *Engine) AddFunction(code []byte, sig *vm.Signature) (uint32, error) {
	if sig == nil {
		return 0, fmt.Errorf("nil signature")
	}
	h, err := e.mem.Allocate(len(code))
	if err != nil {
		return 0, err
	}
	if err := e.mem.Materialize(h, code); err != nil {
		_ = e.mem.Release(h)
		return 0, err
	}
	e.functions = append(e.functions, &compiledFunction{
		codeInitialAddress: uintptr(h),
		handle:             h,
		sig:                sig,
	})
	idx := uint32(len(e.functions) - 1)
	e.log.Debug("added compiled function",
		zap.Uint32("index", idx),
		zap.Int("code_size", len(code)),
		zap.String("signature", sig.String()))
	return idx, nil
}

// NumFunctions returns the number of compiled functions, which is also the
// index the next AddFunction will return.
func (e *Engine) NumFunctions() int { return len(e.functions) }

// Truncate releases the compiled functions from index n on, undoing a batch
// of AddFunction calls whose indexes were never published.
func (e *Engine) Truncate(n int) error {
	if n < 0 || n > len(e.functions) {
		return fmt.Errorf("truncate index %d out of range", n)
	}
	var firstErr error
	for _, fn := range e.functions[n:] {
		if err := e.mem.Release(fn.handle); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.functions = e.functions[:n]
	return firstErr
}

// RegisterHostFunction registers fn and returns the index compiled code uses
// in host-call statuses.
func (e *Engine) RegisterHostFunction(fn HostFunction) uint32 {
	e.host = append(e.host, fn)
	return uint32(len(e.host) - 1)
}

// FunctionPointer returns the entry address for the function-pointer table.
func (e *Engine) FunctionPointer(idx uint32) (uintptr, bool) {
	if uint32(len(e.functions)) <= idx {
		return 0, false
	}
	return e.functions[idx].codeInitialAddress, true
}

// Signature returns the declared signature of a function.
func (e *Engine) Signature(idx uint32) (*vm.Signature, bool) {
	if uint32(len(e.functions)) <= idx {
		return nil, false
	}
	return e.functions[idx].sig, true
}

// Close releases all executable memory. Compiled functions must not be
// called afterwards.
func (e *Engine) Close() error {
	e.functions = nil
	return e.mem.CloseAll()
}
