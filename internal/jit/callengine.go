package jit

import (
	"fmt"
	"unsafe"

	"go.uber.org/zap"

	"github.com/kaivm/kaivm/internal/trap"
	"github.com/kaivm/kaivm/internal/vm"
)

const (
	// intArgRegisters and floatArgRegisters bound the register-packed part
	// of the generic call path; everything beyond spills to the overflow
	// stack area.
	intArgRegisters   = 8
	floatArgRegisters = 8
	// intResultRegisters and floatResultRegisters bound in-register results.
	// A signature with more engages the overflow result buffer.
	intResultRegisters   = 2
	floatResultRegisters = 2

	// resultBufferSlots is the fixed size of the overflow result buffer.
	resultBufferSlots = 16

	// maxStackArgSlots is the capacity of the entry stub's spill area for
	// overflow arguments. packArgs fails on signatures that need more.
	maxStackArgSlots = 16

	// defaultStackBudget is how much of the goroutine stack compiled code
	// may consume before its prologue check trips.
	defaultStackBudget = 1 << 20
)

// callFrame is the register file handed to the entry stub: the stub loads
// argument registers from it, calls the code and stores the return registers
// back. Field offsets are part of the stub contract, see the constants below
// and TestVerifyCallFrameOffsets.
type callFrame struct {
	intArgs      [intArgRegisters]uint64
	floatArgs    [floatArgRegisters]uint64
	stackArgs    uintptr
	stackArgsLen uint64
	intRets      [intResultRegisters]uint64
	floatRets    [floatResultRegisters]uint64
}

const (
	callFrameIntArgsOffset      = 0
	callFrameFloatArgsOffset    = 64
	callFrameStackArgsOffset    = 128
	callFrameStackArgsLenOffset = 136
	callFrameIntRetsOffset      = 144
	callFrameFloatRetsOffset    = 160
)

// CallEngine drives invocations of compiled functions. One call engine
// serves one chain of possibly re-entrant calls; it is not safe for
// concurrent use, matching the single-thread-per-context model.
type CallEngine struct {
	engine   *Engine
	boundary trap.Boundary

	frame      callFrame
	stackArgs  []uint64
	resultBuf  [resultBufferSlots]uint64
	helperArgs [16]uint64

	stackBudget uintptr
	callDepth   int
	maxDepth    int
}

// NewCallEngine returns a call engine for e. maxDepth of 0 uses a default
// re-entrancy ceiling.
func (e *Engine) NewCallEngine(maxDepth int) *CallEngine {
	if maxDepth <= 0 {
		maxDepth = 2048
	}
	return &CallEngine{
		engine:      e,
		stackBudget: defaultStackBudget,
		maxDepth:    maxDepth,
	}
}

// Call invokes function fnIndex of the engine against inst using the generic
// register-packing path. Results come back as raw 64-bit words in signature
// order, floats as bit patterns. A trap surfaces as the matching sentinel
// error; resource failures surface as ordinary errors.
func (ce *CallEngine) Call(inst *vm.Instance, fnIndex uint32, params ...uint64) ([]uint64, error) {
	if inst == nil {
		return nil, fmt.Errorf("nil instance")
	}
	if uint32(len(ce.engine.functions)) <= fnIndex {
		return nil, fmt.Errorf("function index %d out of range", fnIndex)
	}
	fn := ce.engine.functions[fnIndex]
	if len(params) != len(fn.sig.Params) {
		return nil, fmt.Errorf("expected %d params, but got %d", len(fn.sig.Params), len(params))
	}

	if err := ce.packArgs(inst, fn.sig, params); err != nil {
		return nil, err
	}

	err := ce.protectedCall(inst, func() {
		ce.execFunction(inst, fn.codeInitialAddress)
	})
	if err != nil {
		return nil, err
	}
	return ce.unpackResults(fn.sig), nil
}

// CallWithGlue invokes a function through generator-produced trampoline
// glue, which shuffles registers internally against a flat values vector:
// params are read from values in order, and results overwrite its prefix.
func (ce *CallEngine) CallWithGlue(inst *vm.Instance, glue uintptr, fnIndex uint32, values []uint64) error {
	if inst == nil {
		return fmt.Errorf("nil instance")
	}
	fnPtr, ok := ce.engine.FunctionPointer(fnIndex)
	if !ok {
		return fmt.Errorf("function index %d out of range", fnIndex)
	}
	var valuesPtr unsafe.Pointer
	if len(values) > 0 {
		valuesPtr = unsafe.Pointer(&values[0])
	}
	return ce.protectedCall(inst, func() {
		ce.execGlue(inst, glue, fnPtr, valuesPtr)
	})
}

// protectedCall publishes the per-call context fields, arms the boundary and
// runs fn under it. The trap state is cleared on entry and consumed here, so
// the next call starts clean.
func (ce *CallEngine) protectedCall(inst *vm.Instance, fn func()) error {
	if ce.callDepth >= ce.maxDepth {
		return trap.ErrCallStackExhausted
	}
	ce.callDepth++
	defer func() { ce.callDepth-- }()

	ctx := inst.Ctx()
	ctx.SetHelperArgsBase(uintptr(unsafe.Pointer(&ce.helperArgs[0])))
	var approxSP byte
	ctx.SetStackLimit(uintptr(unsafe.Pointer(&approxSP)) - ce.stackBudget)

	if ce.callDepth == 1 {
		var regions []trap.GuardRegion
		if inst.Memory != nil {
			if lo, hi := inst.Memory.GuardRange(); hi != 0 {
				regions = append(regions, trap.GuardRegion{Lo: lo, Hi: hi, Class: trap.GuardMemory})
			}
		}
		ce.boundary.SetGuardRegions(regions...)
	}

	err := ce.boundary.Do(fn)
	if err != nil {
		ce.engine.log.Debug("call aborted",
			zap.Error(err),
			zap.Uint32("trap_code", uint32(trap.CodeOf(err))))
	}
	return err
}

// execFunction is the native execution loop: enter compiled code, decode the
// exit status, dispatch builtin/host re-entries and resume until the
// function returns or aborts.
func (ce *CallEngine) execFunction(inst *vm.Instance, codePtr uintptr) {
	ctx := inst.Ctx()
	ctx.SetExitStatus(encodeExitStatus(nativeCallStatusCodeReturned, 0))

	entry := codePtr
	for {
		nativecall(entry, unsafe.Pointer(ctx), unsafe.Pointer(&ce.frame))

		status, operand := decodeExitStatus(ctx.ExitStatus())
		switch status {
		case nativeCallStatusCodeReturned:
			return
		case nativeCallStatusCodeTrap:
			trap.Raise(trap.Code(operand))
		case nativeCallStatusCodeFault:
			trap.Raise(ce.boundary.Classify(ctx.FaultAddress()))
		case nativeCallStatusCodeCallBuiltinFunction:
			ce.callBuiltin(inst, builtinFunctionIndex(operand))
		case nativeCallStatusCodeCallHostFunction:
			ce.callHost(inst, operand)
		case nativeCallStatusCodeExit:
			panic(&trap.ExitError{ExitCode: operand})
		default:
			trap.Raise(trap.CodeUnknown)
		}

		// Builtin and host calls resume where the compiled code left off.
		entry = ctx.ResumeAddress()
		if entry == 0 {
			trap.Raise(trap.CodeUnknown)
		}
		ctx.SetExitStatus(encodeExitStatus(nativeCallStatusCodeReturned, 0))
	}
}

// execGlue mirrors execFunction for the glue path. The glue's integer return
// value duplicates the status low word; the context stays authoritative.
func (ce *CallEngine) execGlue(inst *vm.Instance, glue, fnPtr uintptr, values unsafe.Pointer) {
	ctx := inst.Ctx()
	ctx.SetExitStatus(encodeExitStatus(nativeCallStatusCodeReturned, 0))

	entry := fnPtr
	for {
		gluecall(glue, entry, unsafe.Pointer(ctx), values)

		status, operand := decodeExitStatus(ctx.ExitStatus())
		switch status {
		case nativeCallStatusCodeReturned:
			return
		case nativeCallStatusCodeTrap:
			trap.Raise(trap.Code(operand))
		case nativeCallStatusCodeFault:
			trap.Raise(ce.boundary.Classify(ctx.FaultAddress()))
		case nativeCallStatusCodeCallBuiltinFunction:
			ce.callBuiltin(inst, builtinFunctionIndex(operand))
		case nativeCallStatusCodeCallHostFunction:
			ce.callHost(inst, operand)
		case nativeCallStatusCodeExit:
			panic(&trap.ExitError{ExitCode: operand})
		default:
			trap.Raise(trap.CodeUnknown)
		}

		entry = ctx.ResumeAddress()
		if entry == 0 {
			trap.Raise(trap.CodeUnknown)
		}
		ctx.SetExitStatus(encodeExitStatus(nativeCallStatusCodeReturned, 0))
	}
}

// packArgs fills the call frame per the generic contract: the context
// pointer takes the first integer register, then parameters fill integer or
// float registers by type, then the overflow area in declaration order. When
// the static result signature needs the overflow buffer, its address takes
// the next free integer register (or the first overflow slot). The overflow
// area in the stub is maxStackArgSlots wide; a signature spilling more than
// that fails here, before any native code runs.
func (ce *CallEngine) packArgs(inst *vm.Instance, sig *vm.Signature, params []uint64) error {
	ce.frame = callFrame{}
	ce.stackArgs = ce.stackArgs[:0]

	intN := 0
	floatN := 0
	ce.frame.intArgs[intN] = uint64(uintptr(unsafe.Pointer(inst.Ctx())))
	intN++

	for i, p := range params {
		if sig.Params[i].IsFloat() {
			if floatN < floatArgRegisters {
				ce.frame.floatArgs[floatN] = p
				floatN++
				continue
			}
		} else if intN < archIntArgRegisters {
			ce.frame.intArgs[intN] = p
			intN++
			continue
		}
		ce.stackArgs = append(ce.stackArgs, p)
	}

	if needsResultBuffer(sig) {
		bufAddr := uint64(uintptr(unsafe.Pointer(&ce.resultBuf[0])))
		if intN < archIntArgRegisters {
			ce.frame.intArgs[intN] = bufAddr
		} else {
			ce.stackArgs = append(ce.stackArgs, bufAddr)
		}
	}

	if len(ce.stackArgs) > maxStackArgSlots {
		return fmt.Errorf("signature needs %d overflow stack slots, limit is %d", len(ce.stackArgs), maxStackArgSlots)
	}
	if len(ce.stackArgs) > 0 {
		ce.frame.stackArgs = uintptr(unsafe.Pointer(&ce.stackArgs[0]))
		ce.frame.stackArgsLen = uint64(len(ce.stackArgs))
	}
	return nil
}

// needsResultBuffer says whether the overflow result buffer is engaged. It
// depends only on the static signature, never on runtime values.
func needsResultBuffer(sig *vm.Signature) bool {
	intResults, floatResults := resultCounts(sig)
	return intResults > intResultRegisters || floatResults > floatResultRegisters
}

func resultCounts(sig *vm.Signature) (intResults, floatResults int) {
	for _, r := range sig.Results {
		if r.IsFloat() {
			floatResults++
		} else {
			intResults++
		}
	}
	return
}

// unpackResults gathers results in signature order: the first two of each
// category from the return registers, the remainder from the overflow
// buffer, which holds only the extras in signature order.
func (ce *CallEngine) unpackResults(sig *vm.Signature) []uint64 {
	if len(sig.Results) == 0 {
		return nil
	}
	results := make([]uint64, len(sig.Results))
	intN, floatN, overflowN := 0, 0, 0
	for i, r := range sig.Results {
		switch {
		case r.IsFloat() && floatN < floatResultRegisters:
			results[i] = ce.frame.floatRets[floatN]
			floatN++
		case !r.IsFloat() && intN < intResultRegisters:
			results[i] = ce.frame.intRets[intN]
			intN++
		default:
			results[i] = ce.resultBuf[overflowN]
			overflowN++
		}
	}
	return results
}

// callBuiltin dispatches one builtin helper. Arguments sit in the helper
// buffer in declaration order; results are written back starting at slot 0.
func (ce *CallEngine) callBuiltin(inst *vm.Instance, idx builtinFunctionIndex) {
	// The reference builtins start at RefTest; a module without a GC runtime
	// must not reach them.
	if idx >= builtinFunctionIndexRefTest && inst.GC == nil {
		trap.Raise(trap.CodeUnknown)
	}
	args := ce.helperArgs[:]
	switch idx {
	case builtinFunctionIndexMemoryGrow:
		args[0] = uint64(inst.MemoryGrow(uint32(args[0])))
	case builtinFunctionIndexMemorySize:
		args[0] = uint64(inst.MemorySize())
	case builtinFunctionIndexMemoryFill:
		inst.MemoryFill(uint32(args[0]), byte(args[1]), uint32(args[2]))
	case builtinFunctionIndexMemoryCopy:
		inst.MemoryCopy(uint32(args[0]), uint32(args[1]), uint32(args[2]))
	case builtinFunctionIndexMemoryInit:
		inst.MemoryInit(uint32(args[0]), uint32(args[1]), uint32(args[2]), uint32(args[3]))
	case builtinFunctionIndexDataDrop:
		inst.DataDrop(uint32(args[0]))
	case builtinFunctionIndexTableGrow:
		args[0] = uint64(inst.TableGrow(uint32(args[0]), uint32(args[1]), args[2], int64(args[3])))
	case builtinFunctionIndexTableFill:
		inst.TableFill(uint32(args[0]), uint32(args[1]), args[2], int64(args[3]), uint32(args[4]))
	case builtinFunctionIndexTableCopy:
		inst.TableCopy(uint32(args[0]), uint32(args[1]), uint32(args[2]), uint32(args[3]), uint32(args[4]))
	case builtinFunctionIndexTableInit:
		inst.TableInit(uint32(args[0]), uint32(args[1]), uint32(args[2]), uint32(args[3]), uint32(args[4]))
	case builtinFunctionIndexElemDrop:
		inst.ElemDrop(uint32(args[0]))
	case builtinFunctionIndexTableGet:
		entry := inst.TableGet(uint32(args[0]), uint32(args[1]))
		args[0], args[1] = entry.Value, uint64(entry.TypeID)
	case builtinFunctionIndexTableSet:
		inst.TableSet(uint32(args[0]), uint32(args[1]), vm.TableEntry{Value: args[2], TypeID: int64(args[3])})
	case builtinFunctionIndexRefTest:
		args[0] = b2u(inst.GC.RefTest(args[0], int32(args[1]), args[2] != 0))
	case builtinFunctionIndexRefCast:
		args[0] = inst.GC.RefCast(args[0], int32(args[1]), args[2] != 0)
	case builtinFunctionIndexStructNew:
		n := uint32(args[1])
		args[0] = inst.GC.StructNew(int32(args[0]), args[2:2+n])
	case builtinFunctionIndexStructNewDefault:
		args[0] = inst.GC.StructNewDefault(int32(args[0]))
	case builtinFunctionIndexStructGet:
		args[0] = inst.GC.StructGet(args[0], uint32(args[1]))
	case builtinFunctionIndexStructSet:
		inst.GC.StructSet(args[0], uint32(args[1]), args[2])
	case builtinFunctionIndexArrayNew:
		args[0] = inst.GC.ArrayNew(int32(args[0]), args[1], uint32(args[2]))
	case builtinFunctionIndexArrayNewDefault:
		args[0] = inst.GC.ArrayNewDefault(int32(args[0]), uint32(args[1]))
	case builtinFunctionIndexArrayNewData:
		args[0] = inst.ArrayNewData(int32(args[0]), uint32(args[1]), uint32(args[2]), uint32(args[3]))
	case builtinFunctionIndexArrayNewElem:
		args[0] = inst.ArrayNewElem(int32(args[0]), uint32(args[1]), uint32(args[2]), uint32(args[3]))
	case builtinFunctionIndexArrayInitData:
		inst.ArrayInitData(args[0], int32(args[1]), uint32(args[2]), uint32(args[3]), uint32(args[4]), uint32(args[5]))
	case builtinFunctionIndexArrayInitElem:
		inst.ArrayInitElem(args[0], uint32(args[1]), uint32(args[2]), uint32(args[3]), uint32(args[4]))
	case builtinFunctionIndexArrayGet:
		args[0] = inst.GC.ArrayGet(args[0], uint32(args[1]))
	case builtinFunctionIndexArraySet:
		inst.GC.ArraySet(args[0], uint32(args[1]), args[2])
	case builtinFunctionIndexArrayLen:
		args[0] = uint64(inst.GC.ArrayLen(args[0]))
	default:
		trap.Raise(trap.CodeUnknown)
	}
}

func (ce *CallEngine) callHost(inst *vm.Instance, idx uint32) {
	if uint32(len(ce.engine.host)) <= idx {
		trap.Raise(trap.CodeUnknown)
	}
	results := ce.engine.host[idx](inst, ce.helperArgs[:])
	copy(ce.helperArgs[:], results)
}

func b2u(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
