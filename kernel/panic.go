package kernel

import (
	"github.com/minoca/os-sub007/kernel/kfmt"
)

// Fatal crash codes. These are only ever handed to Panic; they are never
// returned up the stack.
var (
	// ErrPageFault indicates an unhandled page fault in kernel mode.
	ErrPageFault = &Error{Module: "mm", Message: "unhandled kernel-mode page fault"}

	// ErrPageFaultAtHighRunLevel indicates a page fault taken at a run
	// level where paging is forbidden.
	ErrPageFaultAtHighRunLevel = &Error{Module: "mm", Message: "page fault at elevated run level"}

	// ErrOutOfMemory indicates that a physical allocation stalled past its
	// timeout with paging unable to make progress.
	ErrOutOfMemory = &Error{Module: "mm", Message: "out of memory"}

	// ErrPoolCorruption indicates that an allocator found its own
	// structures in an impossible state.
	ErrPoolCorruption = &Error{Module: "mm", Message: "pool corruption detected"}

	// ErrPageInError indicates that a page-in operation failed in a way
	// the fault resolver cannot report to anyone.
	ErrPageInError = &Error{Module: "mm", Message: "unrecoverable page-in failure"}

	errRuntimePanic = &Error{Module: "rt", Message: "unknown cause"}
)

// haltFn is mocked by the package tests.
var haltFn = func(err *Error) {
	panic(err)
}

// Panic outputs the supplied error (if not nil) to the kernel log and halts
// the system. Calls to Panic never return.
func Panic(e interface{}) {
	var err *Error

	switch t := e.(type) {
	case *Error:
		err = t
	case string:
		errRuntimePanic.Message = t
		err = errRuntimePanic
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	kfmt.Printf("\n-----------------------------------\n")
	if err != nil {
		kfmt.Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	kfmt.Printf("*** kernel panic: system halted ***")
	kfmt.Printf("\n-----------------------------------\n")

	haltFn(err)
}
