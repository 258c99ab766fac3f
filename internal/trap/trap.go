// Package trap turns faults observed during native execution into typed
// errors. Compiled code reports traps through an exit status written into the
// execution context; runtime helpers raise them by panicking with one of the
// sentinel errors below. Both paths meet at a Boundary, which is the only
// place a trap panic is recovered.
package trap

import (
	"errors"
	"fmt"
)

// Code identifies the reason a call into compiled code aborted.
// The zero value means no trap is in flight.
type Code uint32

const (
	CodeNone                       Code = 0
	CodeOutOfBoundsMemoryAccess    Code = 1
	CodeCallStackExhausted         Code = 2
	CodeUnreachable                Code = 3
	CodeIndirectCallTypeMismatch   Code = 4
	CodeInvalidConversionToInteger Code = 5
	CodeIntegerDivideByZero        Code = 6
	CodeIntegerOverflow            Code = 7
	CodeUnknown                    Code = 99
)

// All the errors below are returned to embedders when the corresponding trap
// aborts the execution of a function. They indicate that the instance's
// execution state is unrecoverable.
var (
	// ErrOutOfBoundsMemoryAccess indicates an access beyond the linear memory.
	ErrOutOfBoundsMemoryAccess = errors.New("out of bounds memory access")
	// ErrCallStackExhausted indicates that there are too many function calls,
	// or that compiled code ran out of its dedicated stack.
	ErrCallStackExhausted = errors.New("call stack exhausted")
	// ErrUnreachable means the unreachable instruction was executed.
	ErrUnreachable = errors.New("unreachable")
	// ErrIndirectCallTypeMismatch indicates a failed type check during
	// call_indirect or ref.cast.
	ErrIndirectCallTypeMismatch = errors.New("indirect call type mismatch")
	// ErrInvalidConversionToInteger indicates a NaN was truncated to an integer.
	ErrInvalidConversionToInteger = errors.New("invalid conversion to integer")
	// ErrIntegerDivideByZero indicates an integer div or rem with 0 divisor.
	ErrIntegerDivideByZero = errors.New("integer divide by zero")
	// ErrIntegerOverflow indicates integer arithmetic resulted in overflow.
	ErrIntegerOverflow = errors.New("integer overflow")
	// ErrUnknown is reported when a fault cannot be classified further.
	ErrUnknown = errors.New("unknown trap")
)

var codeToErr = map[Code]error{
	CodeOutOfBoundsMemoryAccess:    ErrOutOfBoundsMemoryAccess,
	CodeCallStackExhausted:         ErrCallStackExhausted,
	CodeUnreachable:                ErrUnreachable,
	CodeIndirectCallTypeMismatch:   ErrIndirectCallTypeMismatch,
	CodeInvalidConversionToInteger: ErrInvalidConversionToInteger,
	CodeIntegerDivideByZero:        ErrIntegerDivideByZero,
	CodeIntegerOverflow:            ErrIntegerOverflow,
	CodeUnknown:                    ErrUnknown,
}

// Err returns the sentinel error for c, or nil for CodeNone.
// Codes outside the closed set degrade to ErrUnknown.
func (c Code) Err() error {
	if c == CodeNone {
		return nil
	}
	if err, ok := codeToErr[c]; ok {
		return err
	}
	return ErrUnknown
}

func (c Code) String() string {
	if c == CodeNone {
		return "none"
	}
	return c.Err().Error()
}

// CodeOf returns the trap code carried by err, or CodeNone when err is not a
// trap error.
func CodeOf(err error) Code {
	for c, sentinel := range codeToErr {
		if errors.Is(err, sentinel) {
			return c
		}
	}
	return CodeNone
}

// Raise aborts the current call with the given trap code. It must only be
// called from runtime helpers reachable from compiled code; the panic is
// recovered by the Boundary armed around the call. Raising outside an armed
// boundary intentionally crashes the caller.
func Raise(c Code) {
	if c == CodeNone {
		c = CodeUnknown
	}
	panic(c.Err())
}

// ExitError is not a trap: it reports that the guest requested termination
// via proc_exit. It unwinds through the same boundary so an exit inside a
// deeply nested call still stops the whole invocation.
type ExitError struct {
	ExitCode uint32
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("module closed with exit_code(%d)", e.ExitCode)
}
