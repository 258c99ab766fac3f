package jit

// The entry stubs below are the only crossing points between Go and compiled
// code. Compiled code follows the platform C calling convention: integer
// arguments in the platform argument registers with the context pointer as
// argument 0, floats as raw bit patterns in float registers, overflow
// arguments on the stack. It returns normally after writing an exit status
// into the context; it never unwinds.
//
// nativecall loads the argument registers from a callFrame, calls code and
// stores the return registers back. gluecall enters generator-produced
// trampoline glue, which does its own register shuffling against the flat
// values vector.
