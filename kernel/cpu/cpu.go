// Package cpu models the handful of CPU facilities the memory subsystem relies
// on. The kernel runs hosted, so the privileged instructions are replaced by
// state that tests and the simulator can observe.
package cpu

import (
	"os"
	"sync/atomic"
)

// HaltExitCode is the process exit status used when the hosted CPU halts.
const HaltExitCode = 100

var (
	// exitFn is mocked by tests.
	exitFn = os.Exit

	interruptsEnabled atomic.Bool
	cr2               atomic.Uint64
	tlbFlushCount     atomic.Uint64
)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts() { interruptsEnabled.Store(true) }

// DisableInterrupts disables interrupt handling.
func DisableInterrupts() { interruptsEnabled.Store(false) }

// InterruptsEnabled reports whether interrupt handling is enabled.
func InterruptsEnabled() bool { return interruptsEnabled.Load() }

// Halt stops instruction execution. On the hosted machine this terminates the
// process with HaltExitCode.
func Halt() {
	DisableInterrupts()
	exitFn(HaltExitCode)
}

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(_ uintptr) {
	tlbFlushCount.Add(1)
}

// TLBFlushCount returns the number of FlushTLBEntry calls so far.
func TLBFlushCount() uint64 { return tlbFlushCount.Load() }

// ReadCR2 returns the value stored in the CR2 register (the last faulting
// address).
func ReadCR2() uint64 { return cr2.Load() }

// WriteCR2 loads the CR2 register. The trap gate calls it before dispatching
// a page fault.
func WriteCR2(v uint64) { cr2.Store(v) }
