package allocator

import (
	"github.com/rossbamford-xdesign/anos/kernel/mem"
	"github.com/rossbamford-xdesign/anos/kernel/mem/pmm"
)

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs
)

var memoryEntryTypeNames = map[MemoryEntryType]string{
	MemAvailable:       "available",
	MemReserved:        "reserved",
	MemAcpiReclaimable: "ACPI (reclaimable)",
	MemNvs:             "NVS",
}

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	if name, ok := memoryEntryTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// MemoryMapEntry describes a physical memory region reported by the boot
// environment. Entries are expected to be sorted by PhysAddress.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// frameRange returns the first and last (inclusive) whole frames contained in
// the region. Reported addresses may not be page-aligned so the start is
// rounded up and the end rounded down. ok is false if the region does not
// contain a single whole frame.
func (e *MemoryMapEntry) frameRange() (first, last pmm.Frame, ok bool) {
	pageSizeMinus1 := uint64(mem.PageSize - 1)
	start := (e.PhysAddress + pageSizeMinus1) &^ pageSizeMinus1
	end := (e.PhysAddress + e.Length) &^ pageSizeMinus1
	if end <= start {
		return 0, 0, false
	}

	return pmm.Frame(start >> mem.PageShift), pmm.Frame(end>>mem.PageShift) - 1, true
}
