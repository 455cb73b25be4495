package kernel

import (
	"novakernel/kernel/cpu"
	"novakernel/kernel/kfmt/early"
)

var (
	// cpuHaltFn is mocked by tests and is automatically inlined by the
	// compiler when compiling the kernel.
	cpuHaltFn = cpu.Halt

	// haltOthersFn broadcasts a halt NMI to every other CPU before this one
	// halts. It is wired up by kernel/smp once the CPU topology is known;
	// until then (e.g. while still running on the bootstrap processor
	// alone) it is a no-op.
	haltOthersFn = func() {}

	errRuntimePanic = &Error{Module: "rt", Message: "unknown cause"}
)

// SetHaltOthersFn overrides the function used to halt every other CPU before
// a panic halts the calling one. Called once by kernel/smp during bring-up.
func SetHaltOthersFn(fn func()) {
	haltOthersFn = fn
}

// Panic outputs the supplied error (if not nil) to the console, instructs
// every other CPU to halt, then halts the calling CPU. Calls to Panic never
// return. Panic also works as a redirection target for calls to the builtin
// panic() (resolved via runtime.gopanic), matching spec §7: a fatal error
// aborts the machine with diagnostic output after instructing other CPUs to
// halt.
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

	early.Printf("\n-----------------------------------\n")
	if err != nil {
		early.Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	early.Printf("*** kernel panic: system halted ***")
	early.Printf("\n-----------------------------------\n")

	haltOthersFn()
	cpuHaltFn()
}
