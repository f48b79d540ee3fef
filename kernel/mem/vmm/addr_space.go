package vmm

import (
	"github.com/rossbamford-xdesign/anos/kernel"
	"github.com/rossbamford-xdesign/anos/kernel/mem"
	"github.com/rossbamford-xdesign/anos/kernel/mem/pmm"
)

// AddressSpace is a set of page tables rooted at a single top-level table.
type AddressSpace struct {
	mapper *Mapper
	root   pmm.Frame
}

// NewAddressSpace allocates and clears a new top-level table. Unlike table
// allocations during a walk, failing to allocate the root is reported to the
// caller.
func (m *Mapper) NewAddressSpace() (*AddressSpace, *kernel.Error) {
	m.lock.Acquire()
	defer m.lock.Release()

	root, err := m.allocZeroedFrame()
	if err != nil {
		return nil, err
	}

	m.log.Debug("created address space", "root", uintptr(root))
	return &AddressSpace{mapper: m, root: root}, nil
}

// AddressSpaceAt wraps an existing top-level table.
func (m *Mapper) AddressSpaceAt(root pmm.Frame) *AddressSpace {
	return &AddressSpace{mapper: m, root: root}
}

// Root returns the frame that holds the top-level table.
func (as *AddressSpace) Root() pmm.Frame {
	return as.root
}

// Map establishes a mapping between the page containing virtAddr and frame
// using the supplied flags.
func (as *AddressSpace) Map(virtAddr uintptr, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	return as.mapper.MapPageIn(as.root, virtAddr, frame, flags)
}

// MapPage maps the page containing virtAddr to frame as present and
// writable.
func (as *AddressSpace) MapPage(virtAddr uintptr, frame pmm.Frame) *kernel.Error {
	return as.mapper.MapPageIn(as.root, virtAddr, frame, FlagPresent|FlagRW)
}

// MapRegion maps a contiguous physical region into this address space.
func (as *AddressSpace) MapRegion(virtAddr uintptr, frame pmm.Frame, size mem.Size, flags PageTableEntryFlag) *kernel.Error {
	return as.mapper.MapRegion(as.root, virtAddr, frame, size, flags)
}

// MapOnDemand reserves pageCount copy-on-write pages backed by the shared
// blank frame.
func (as *AddressSpace) MapOnDemand(virtAddr uintptr, pageCount uint64) *kernel.Error {
	return as.mapper.MapOnDemand(as.root, virtAddr, pageCount)
}

// Unmap removes the mapping for the page containing virtAddr and returns
// the frame it pointed to.
func (as *AddressSpace) Unmap(virtAddr uintptr) (pmm.Frame, *kernel.Error) {
	return as.mapper.UnmapPageIn(as.root, virtAddr)
}

// Translate returns the physical address that virtAddr maps to.
func (as *AddressSpace) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	return as.mapper.TranslateIn(as.root, virtAddr)
}

// Activate makes this address space the active one.
func (as *AddressSpace) Activate() *kernel.Error {
	return as.mapper.SwitchRoot(as.root)
}

// IsActive returns true if this address space is the active one.
func (as *AddressSpace) IsActive() bool {
	return as.mapper.ActiveRoot() == as.root
}
