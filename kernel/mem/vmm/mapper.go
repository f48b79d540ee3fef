// Package vmm implements the kernel's four-level page table walker. A
// Mapper creates translation tables on demand, installs and removes leaf
// mappings and resolves copy-on-write page faults.
package vmm

import (
	"log/slog"

	"github.com/rossbamford-xdesign/anos/kernel"
	"github.com/rossbamford-xdesign/anos/kernel/cpu"
	"github.com/rossbamford-xdesign/anos/kernel/kfmt"
	"github.com/rossbamford-xdesign/anos/kernel/mem"
	"github.com/rossbamford-xdesign/anos/kernel/mem/pmm"
	"github.com/rossbamford-xdesign/anos/kernel/sync"
)

var (
	// flushTLBEntryFn is used by tests to observe TLB flushes.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// panicFn is the abort path for unrecoverable errors. Tests mock it
	// so the walk returns instead of halting.
	panicFn = kfmt.Panic

	errNoHugePageSupport           = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
	errNoActiveRoot                = &kernel.Error{Module: "vmm", Message: "no active page table root", Kind: kernel.KindConfig}
	errInvalidRoot                 = &kernel.Error{Module: "vmm", Message: "invalid page table root frame", Kind: kernel.KindConfig}
	errInvalidFrame                = &kernel.Error{Module: "vmm", Message: "invalid physical frame", Kind: kernel.KindExhausted}
	errAttemptToRWMapReservedFrame = &kernel.Error{Module: "vmm", Message: "reserved blank frame cannot be mapped with a RW flag"}
	errNoZeroedFrame               = &kernel.Error{Module: "vmm", Message: "blank frame has not been reserved", Kind: kernel.KindConfig}
)

// Mapper maintains page tables stored in physical memory. All page table
// walks performed through a Mapper are serialized.
type Mapper struct {
	lock sync.Spinlock
	log  *slog.Logger

	physMem mem.PhysMemory
	allocFn pmm.FrameAllocatorFn

	// activeRoot models the CR3 register.
	activeRoot pmm.Frame

	// zeroFrame is a zero-cleared frame shared by all on-demand
	// mappings. It is InvalidFrame until ReserveZeroedFrame is called.
	zeroFrame pmm.Frame
}

// NewMapper returns a Mapper that reaches physical memory through physMem
// and allocates frames for new translation tables via allocFn.
func NewMapper(physMem mem.PhysMemory, allocFn pmm.FrameAllocatorFn) *Mapper {
	return &Mapper{
		log:        slog.With("src", "Vmm"),
		physMem:    physMem,
		allocFn:    allocFn,
		activeRoot: pmm.InvalidFrame,
		zeroFrame:  pmm.InvalidFrame,
	}
}

// tableAt returns the table stored in frame.
func (m *Mapper) tableAt(frame pmm.Frame) *PageTable {
	return (*PageTable)(m.physMem.Ptr(frame.KernelAddress()))
}

// nextTable returns the table that a present entry points to.
func (m *Mapper) nextTable(pte pageTableEntry) *PageTable {
	return (*PageTable)(m.physMem.Ptr(pte.kernelAddress()))
}

// allocZeroedFrame reserves a frame and clears its contents through the
// kernel-space alias.
func (m *Mapper) allocZeroedFrame() (pmm.Frame, *kernel.Error) {
	frame, err := m.allocFn()
	if err == nil && !frame.Valid() {
		err = errInvalidFrame
	}
	if err != nil {
		return pmm.InvalidFrame, err
	}

	mem.Memset(m.physMem.Ptr(frame.KernelAddress()), 0, mem.PageSize)
	return frame, nil
}

// fatal reports an unrecoverable error through panicFn. The wrapped error
// is returned for the benefit of callers when panicFn returns.
func (m *Mapper) fatal(cause *kernel.Error) *kernel.Error {
	err := kernel.Fatal("vmm", cause)
	m.log.Error("unrecoverable page table error", "err", cause)
	panicFn(err)
	return err
}

// EnsureTable returns the next level table referenced by table[index]. If
// the entry is not present, a frame is allocated, zeroed and stored in the
// entry together with flags before the new table is returned. FlagPresent
// is always set on the new entry and FlagHugePage is never set. Calling
// EnsureTable again for the same entry returns the same table without
// allocating.
//
// Running out of frames while creating a table is unrecoverable: the error
// is routed to the kernel panic path and also returned.
func (m *Mapper) EnsureTable(table *PageTable, index TableIndex, flags PageTableEntryFlag) (*PageTable, *kernel.Error) {
	m.lock.Acquire()
	defer m.lock.Release()

	return m.ensureTable(table, index, flags)
}

func (m *Mapper) ensureTable(table *PageTable, index TableIndex, flags PageTableEntryFlag) (*PageTable, *kernel.Error) {
	pte := table.entry(index)
	if pte.HasFlags(FlagPresent) {
		if pte.HasFlags(FlagHugePage) {
			return nil, errNoHugePageSupport
		}
		return m.nextTable(*pte), nil
	}

	frame, err := m.allocZeroedFrame()
	if err != nil {
		return nil, m.fatal(err)
	}

	// The table is cleared before the entry that links it is written. The
	// entry is always present and never a huge page so later walks find
	// the same table.
	*pte = 0
	pte.SetFrame(frame)
	pte.SetFlags((flags | FlagPresent) &^ FlagHugePage)

	m.log.Debug("created table", "frame", uintptr(frame), "index", index)
	return m.nextTable(*pte), nil
}

// MapPage maps the page containing virtAddr to frame in the active root
// with FlagPresent | FlagRW. Any existing mapping is overwritten.
func (m *Mapper) MapPage(virtAddr uintptr, frame pmm.Frame) *kernel.Error {
	m.lock.Acquire()
	defer m.lock.Release()

	if !m.activeRoot.Valid() {
		return errNoActiveRoot
	}

	return m.mapPage(m.activeRoot, virtAddr, frame, FlagPresent|FlagRW)
}

// MapPageIn maps the page containing virtAddr to frame in the page tables
// stored at root. The leaf entry receives exactly the supplied flags while
// missing intermediate tables are created with FlagPresent | FlagRW. Any
// existing mapping is overwritten.
func (m *Mapper) MapPageIn(root pmm.Frame, virtAddr uintptr, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	m.lock.Acquire()
	defer m.lock.Release()

	return m.mapPage(root, virtAddr, frame, flags)
}

func (m *Mapper) mapPage(root pmm.Frame, virtAddr uintptr, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if !root.Valid() {
		return errInvalidRoot
	}

	if !frame.Valid() {
		return errInvalidFrame
	}

	if m.zeroFrame.Valid() && frame == m.zeroFrame && flags&FlagRW != 0 {
		return errAttemptToRWMapReservedFrame
	}

	var (
		table = m.tableAt(root)
		err   *kernel.Error
	)

	for level := LevelPML4; level < LevelPT; level++ {
		if table, err = m.ensureTable(table, level.Index(virtAddr), FlagPresent|FlagRW); err != nil {
			return err
		}
	}

	pte := table.entry(PTIndex(virtAddr))
	*pte = 0
	pte.SetFrame(frame)
	pte.SetFlags(flags)

	if root == m.activeRoot {
		flushTLBEntryFn(virtAddr & mem.PageMask)
	}

	return nil
}

// MapRegion maps size bytes (rounded up to a page multiple) starting at the
// page that contains virtAddr to consecutive frames starting at frame. It
// stops at the first error; pages mapped before the error stay mapped.
func (m *Mapper) MapRegion(root pmm.Frame, virtAddr uintptr, frame pmm.Frame, size mem.Size, flags PageTableEntryFlag) *kernel.Error {
	m.lock.Acquire()
	defer m.lock.Release()

	virtAddr &= mem.PageMask
	for pageCount := size.Pages(); pageCount > 0; pageCount, virtAddr, frame = pageCount-1, virtAddr+uintptr(mem.PageSize), frame+1 {
		if err := m.mapPage(root, virtAddr, frame, flags); err != nil {
			return err
		}
	}

	return nil
}

// UnmapPage removes the mapping for virtAddr from the active root.
func (m *Mapper) UnmapPage(virtAddr uintptr) (pmm.Frame, *kernel.Error) {
	m.lock.Acquire()
	defer m.lock.Release()

	if !m.activeRoot.Valid() {
		return pmm.InvalidFrame, errNoActiveRoot
	}

	return m.unmapPage(m.activeRoot, virtAddr)
}

// UnmapPageIn clears the leaf entry that maps virtAddr in the page tables
// stored at root and returns the frame it pointed to. The frame is not
// released and intermediate tables are never reclaimed. ErrNotMapped is
// returned if any table along the walk or the leaf itself is not present.
func (m *Mapper) UnmapPageIn(root pmm.Frame, virtAddr uintptr) (pmm.Frame, *kernel.Error) {
	m.lock.Acquire()
	defer m.lock.Release()

	return m.unmapPage(root, virtAddr)
}

func (m *Mapper) unmapPage(root pmm.Frame, virtAddr uintptr) (pmm.Frame, *kernel.Error) {
	if !root.Valid() {
		return pmm.InvalidFrame, errInvalidRoot
	}

	pte, err := m.leafFor(root, virtAddr)
	if err != nil {
		return pmm.InvalidFrame, err
	}

	frame := pte.Frame()
	*pte = 0

	if root == m.activeRoot {
		flushTLBEntryFn(virtAddr & mem.PageMask)
	}

	return frame, nil
}

// Translate returns the physical address that corresponds to the supplied
// virtual address in the active root or ErrNotMapped if the virtual address
// does not correspond to a mapped physical address.
func (m *Mapper) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	m.lock.Acquire()
	defer m.lock.Release()

	if !m.activeRoot.Valid() {
		return 0, errNoActiveRoot
	}

	return m.translate(m.activeRoot, virtAddr)
}

// TranslateIn behaves like Translate but walks the tables stored at root.
func (m *Mapper) TranslateIn(root pmm.Frame, virtAddr uintptr) (uintptr, *kernel.Error) {
	m.lock.Acquire()
	defer m.lock.Release()

	return m.translate(root, virtAddr)
}

func (m *Mapper) translate(root pmm.Frame, virtAddr uintptr) (uintptr, *kernel.Error) {
	if !root.Valid() {
		return 0, errInvalidRoot
	}

	pte, err := m.leafFor(root, virtAddr)
	if err != nil {
		return 0, err
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address
	return pte.Frame().Address() + (virtAddr & ((1 << pageLevelShifts[pageLevels-1]) - 1)), nil
}

// ActiveRoot returns the frame of the active top-level table or
// InvalidFrame if no root has been activated yet.
func (m *Mapper) ActiveRoot() pmm.Frame {
	m.lock.Acquire()
	defer m.lock.Release()
	return m.activeRoot
}

// SwitchRoot activates the top-level table stored in root.
func (m *Mapper) SwitchRoot(root pmm.Frame) *kernel.Error {
	if !root.Valid() {
		return errInvalidRoot
	}

	m.lock.Acquire()
	m.activeRoot = root
	m.lock.Release()

	m.log.Debug("switched page table root", "frame", uintptr(root))
	return nil
}

// ReserveZeroedFrame allocates the shared blank frame used by MapOnDemand.
// Once reserved, the frame can no longer be mapped with FlagRW.
func (m *Mapper) ReserveZeroedFrame() *kernel.Error {
	m.lock.Acquire()
	defer m.lock.Release()

	if m.zeroFrame.Valid() {
		return nil
	}

	frame, err := m.allocZeroedFrame()
	if err != nil {
		return err
	}

	m.zeroFrame = frame
	return nil
}

// ZeroedFrame returns the shared blank frame or InvalidFrame if it has not
// been reserved.
func (m *Mapper) ZeroedFrame() pmm.Frame {
	m.lock.Acquire()
	defer m.lock.Release()
	return m.zeroFrame
}

// MapOnDemand maps pageCount pages starting at the page that contains
// virtAddr to the shared blank frame with FlagCopyOnWrite. No memory is
// reserved for their contents: the first write to each page faults and
// HandlePageFault installs a private copy.
func (m *Mapper) MapOnDemand(root pmm.Frame, virtAddr uintptr, pageCount uint64) *kernel.Error {
	m.lock.Acquire()
	defer m.lock.Release()

	if !m.zeroFrame.Valid() {
		return errNoZeroedFrame
	}

	virtAddr &= mem.PageMask
	for ; pageCount > 0; pageCount, virtAddr = pageCount-1, virtAddr+uintptr(mem.PageSize) {
		if err := m.mapPage(root, virtAddr, m.zeroFrame, FlagPresent|FlagCopyOnWrite); err != nil {
			return err
		}
	}

	return nil
}
