// Package gate implements the kernel's interrupt vector table. Vector
// descriptors are plain data installed by a single loop; handlers are
// registered per vector and invoked by Dispatch.
package gate

import (
	"log/slog"

	"github.com/rossbamford-xdesign/anos/kernel"
	"github.com/rossbamford-xdesign/anos/kernel/cpu"
	"github.com/rossbamford-xdesign/anos/kernel/kfmt"
	"github.com/rossbamford-xdesign/anos/kernel/sync"
)

var (
	// panicFn and writeCR2Fn are mocked by tests.
	panicFn    = kfmt.Panic
	writeCR2Fn = cpu.WriteCR2

	errVectorNotInstalled  = &kernel.Error{Module: "gate", Message: "interrupt vector not installed"}
	errUnhandledException  = &kernel.Error{Module: "gate", Message: "unhandled exception", Kind: kernel.KindFatal}
	errDuplicateVectorSpec = &kernel.Error{Module: "gate", Message: "vector listed more than once", Kind: kernel.KindConfig}
)

type gateEntry struct {
	vector    Vector
	installed bool
	handler   func(*Registers)
}

// Table is an interrupt descriptor table.
type Table struct {
	lock    sync.Spinlock
	log     *slog.Logger
	entries [256]gateEntry
}

// NewTable returns an empty table. All vectors start out not installed.
func NewTable() *Table {
	return &Table{log: slog.With("src", "Gate")}
}

// Install marks the supplied vectors as present. Handlers registered for
// previously installed vectors are kept. No entry is modified if the list
// contains the same vector twice.
func (t *Table) Install(vectors []Vector) *kernel.Error {
	var seen [256]bool
	for _, v := range vectors {
		if seen[v.Number] {
			return errDuplicateVectorSpec
		}
		seen[v.Number] = true
	}

	t.lock.Acquire()
	defer t.lock.Release()

	for _, v := range vectors {
		entry := &t.entries[v.Number]
		entry.vector = v
		entry.installed = true
	}

	t.log.Debug("installed vectors", "count", len(vectors))
	return nil
}

// Vector returns the descriptor for an installed vector.
func (t *Table) Vector(n InterruptNumber) (Vector, bool) {
	t.lock.Acquire()
	defer t.lock.Release()

	entry := t.entries[n]
	return entry.vector, entry.installed
}

// HandleInterrupt ensures that the provided handler will be invoked when a
// particular interrupt number occurs. Passing a nil handler restores the
// default behavior for the vector's kind.
func (t *Table) HandleInterrupt(n InterruptNumber, handler func(*Registers)) *kernel.Error {
	t.lock.Acquire()
	defer t.lock.Release()

	if !t.entries[n].installed {
		return errVectorNotInstalled
	}

	t.entries[n].handler = handler
	return nil
}

// Dispatch routes an interrupt to its registered handler. For exceptions
// that push an error code, regs.Info must hold that code. Trap vectors with
// no handler produce an unhandled exception report and halt; IRQ vectors
// with no handler are ignored.
func (t *Table) Dispatch(n InterruptNumber, regs *Registers) *kernel.Error {
	t.lock.Acquire()
	entry := t.entries[n]
	t.lock.Release()

	switch {
	case !entry.installed:
		return errVectorNotInstalled
	case entry.handler != nil:
		entry.handler(regs)
		return nil
	case entry.vector.Kind == KindIRQ:
		return nil
	}

	unhandledException(entry.vector, regs)
	panicFn(errUnhandledException)
	return errUnhandledException
}

// RaisePageFault loads CR2 with faultAddr and dispatches a page fault with
// the supplied error code.
func (t *Table) RaisePageFault(faultAddr uintptr, errorCode uint64, regs *Registers) *kernel.Error {
	writeCR2Fn(uint64(faultAddr))
	regs.Info = errorCode
	return t.Dispatch(PageFaultException, regs)
}

func unhandledException(v Vector, regs *Registers) {
	kfmt.Printf("\nUnhandled exception (0x%02x: %s)\n", uint8(v.Number), v.Name)
	if v.HasErrorCode {
		kfmt.Printf("Code          : 0x%016x\n", regs.Info)
	}
	kfmt.Printf("Origin IP     : 0x%016x\n", regs.RIP)
	kfmt.Printf("\nRegisters:\n")
	regs.DumpTo(kfmt.GetOutputSink())
}
