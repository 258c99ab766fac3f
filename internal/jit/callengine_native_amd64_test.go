//go:build amd64 && (darwin || linux)

package jit

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kaivm/kaivm/internal/trap"
	"github.com/kaivm/kaivm/internal/vm"
)

// statusStub assembles a function that writes the given exit status into the
// context and returns:
//
//	mov rax, status
//	mov [rdi+ContextExitStatusOffset], rax
//	ret
//
// The context pointer arrives in the first integer argument register.
func statusStub(status nativeCallStatusCode, operand uint32) []byte {
	code := make([]byte, 0, 15)
	code = append(code, 0x48, 0xb8)
	code = binary.LittleEndian.AppendUint64(code, encodeExitStatus(status, operand))
	code = append(code, 0x48, 0x89, 0x47, byte(vm.ContextExitStatusOffset))
	code = append(code, 0xc3)
	return code
}

// TestCallEngine_NativeExitStatuses drives real generated code through the
// exit-status dispatch loop.
func TestCallEngine_NativeExitStatuses(t *testing.T) {
	e := NewEngine(nil)
	t.Cleanup(func() { require.NoError(t, e.Close()) })
	ce := e.NewCallEngine(0)
	inst := vm.NewInstance()
	t.Cleanup(func() { require.NoError(t, inst.Close()) })

	sig := &vm.Signature{}
	retIdx, err := e.AddFunction([]byte{0xc3}, sig)
	require.NoError(t, err)
	divIdx, err := e.AddFunction(statusStub(nativeCallStatusCodeTrap, uint32(trap.CodeIntegerDivideByZero)), sig)
	require.NoError(t, err)
	exitIdx, err := e.AddFunction(statusStub(nativeCallStatusCodeExit, 3), sig)
	require.NoError(t, err)

	t.Run("returned", func(t *testing.T) {
		_, err := ce.Call(inst, retIdx)
		require.NoError(t, err)
	})

	t.Run("trap surfaces its code", func(t *testing.T) {
		_, err := ce.Call(inst, divIdx)
		require.ErrorIs(t, err, trap.ErrIntegerDivideByZero)
		require.Equal(t, trap.CodeIntegerDivideByZero, ce.boundary.InFlight())
	})

	t.Run("next call starts clean", func(t *testing.T) {
		_, err := ce.Call(inst, retIdx)
		require.NoError(t, err)
		require.Equal(t, trap.CodeNone, ce.boundary.InFlight())
	})

	t.Run("exit", func(t *testing.T) {
		_, err := ce.Call(inst, exitIdx)
		var exitErr *trap.ExitError
		require.ErrorAs(t, err, &exitErr)
		require.Equal(t, uint32(3), exitErr.ExitCode)
	})
}
