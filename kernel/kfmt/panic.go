package kfmt

import (
	"errors"

	"github.com/rossbamford-xdesign/anos/kernel"
	"github.com/rossbamford-xdesign/anos/kernel/cpu"
)

var (
	// cpuHaltFn is mocked by tests.
	cpuHaltFn = cpu.Halt

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause", Kind: kernel.KindFatal}
)

// Panic outputs the supplied error (if not nil) to the console and halts the
// CPU. It is the single abort path of the kernel: every KindFatal error ends
// up here. Calls to Panic do not return unless the halt hook is mocked.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t, Kind: kernel.KindFatal}
	case error:
		if !errors.As(t, &err) {
			err = &kernel.Error{Module: errRuntimePanic.Module, Message: t.Error(), Kind: kernel.KindFatal}
		}
	case nil:
	default:
		err = errRuntimePanic
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	cpuHaltFn()
}
