package vmm

import (
	"github.com/rossbamford-xdesign/anos/kernel"
	"github.com/rossbamford-xdesign/anos/kernel/cpu"
	"github.com/rossbamford-xdesign/anos/kernel/gate"
	"github.com/rossbamford-xdesign/anos/kernel/kfmt"
	"github.com/rossbamford-xdesign/anos/kernel/mem"
	"github.com/rossbamford-xdesign/anos/kernel/mem/pmm"
)

var (
	// readCR2Fn is mocked by tests.
	readCR2Fn = cpu.ReadCR2

	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page/gpf fault", Kind: kernel.KindFatal}
)

// InstallFaultHandlers registers the page fault and general protection fault
// handlers with the supplied interrupt table.
func (m *Mapper) InstallFaultHandlers(table *gate.Table) *kernel.Error {
	if err := table.HandleInterrupt(gate.PageFaultException, m.pageFaultHandler); err != nil {
		return err
	}

	return table.HandleInterrupt(gate.GPFException, generalProtectionFaultHandler)
}

func (m *Mapper) pageFaultHandler(regs *gate.Registers) {
	_ = m.HandlePageFault(regs.Info, uintptr(readCR2Fn()), uintptr(regs.RIP))
}

// HandlePageFault services a page fault for faultAddr in the active address
// space. Writes to read-only pages flagged with FlagCopyOnWrite are resolved
// by installing a private writable copy of the page; in that case nil is
// returned. Every other fault is reported and routed to the kernel panic
// path.
func (m *Mapper) HandlePageFault(errorCode uint64, faultAddr, originIP uintptr) *kernel.Error {
	m.lock.Acquire()
	err := m.copyOnWrite(faultAddr)
	m.lock.Release()

	if err == nil {
		return nil
	}

	return nonRecoverablePageFault(faultAddr, errorCode, originIP, err)
}

func (m *Mapper) copyOnWrite(faultAddr uintptr) *kernel.Error {
	if !m.activeRoot.Valid() {
		return errUnrecoverableFault
	}

	// CoW is supported for RO pages with the CoW flag set
	pte, err := m.leafFor(m.activeRoot, faultAddr)
	if err != nil || pte.HasFlags(FlagRW) || !pte.HasFlags(FlagCopyOnWrite) {
		return errUnrecoverableFault
	}

	var copyFrame pmm.Frame
	if copyFrame, err = m.allocFn(); err == nil && !copyFrame.Valid() {
		err = errInvalidFrame
	}
	if err != nil {
		return err
	}

	mem.Memcopy(
		m.physMem.Ptr(pte.Frame().KernelAddress()),
		m.physMem.Ptr(copyFrame.KernelAddress()),
		mem.PageSize,
	)

	// Update mapping to point to the new frame, flag it as RW and
	// remove the CoW flag
	pte.ClearFlags(FlagCopyOnWrite)
	pte.SetFlags(FlagPresent | FlagRW)
	pte.SetFrame(copyFrame)
	flushTLBEntryFn(faultAddr & mem.PageMask)

	m.log.Debug("resolved copy-on-write fault", "addr", faultAddr, "frame", uintptr(copyFrame))
	return nil
}

func nonRecoverablePageFault(faultAddress uintptr, errorCode uint64, originIP uintptr, err *kernel.Error) *kernel.Error {
	kfmt.Printf("\nPage fault while accessing address: 0x%016x\nReason: ", faultAddress)
	switch {
	case errorCode == 0:
		kfmt.Printf("read from non-present page")
	case errorCode == 1:
		kfmt.Printf("page protection violation (read)")
	case errorCode == 2:
		kfmt.Printf("write to non-present page")
	case errorCode == 3:
		kfmt.Printf("page protection violation (write)")
	case errorCode == 4:
		kfmt.Printf("page-fault in user-mode")
	case errorCode == 8:
		kfmt.Printf("page table has reserved bit set")
	case errorCode == 16:
		kfmt.Printf("instruction fetch")
	default:
		kfmt.Printf("unknown")
	}

	kfmt.Printf("\nOrigin IP: 0x%016x\n", originIP)

	fatalErr := kernel.Fatal("vmm", err)
	panicFn(fatalErr)
	return fatalErr
}

func generalProtectionFaultHandler(regs *gate.Registers) {
	kfmt.Printf("\nGeneral protection fault while accessing address: 0x%x\n", readCR2Fn())
	kfmt.Printf("Registers:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	panicFn(errUnrecoverableFault)
}
