// Package physmem backs the hosted kernel's physical memory with a single
// page-aligned arena. Physical address N lives at byte N of the arena and is
// reached through the kernel-space alias (N | mem.KernelSpaceOffset).
package physmem

import (
	"log/slog"
	"unsafe"

	"github.com/cespare/xxhash"
	"github.com/rossbamford-xdesign/anos/kernel"
	"github.com/rossbamford-xdesign/anos/kernel/mem"
	"github.com/rossbamford-xdesign/anos/kernel/mem/pmm"
	"github.com/rossbamford-xdesign/anos/kernel/mem/pmm/allocator"
)

var (
	// allocSlabFn and freeSlabFn are mocked by tests.
	allocSlabFn = allocSlab
	freeSlabFn  = freeSlab

	errArenaBadSize     = &kernel.Error{Module: "physmem", Message: "arena size must be a non-zero multiple of the page size below the aliased range limit", Kind: kernel.KindConfig}
	errArenaAllocFailed = &kernel.Error{Module: "physmem", Message: "could not reserve host memory for the arena"}
	errArenaOutOfRange  = &kernel.Error{Module: "physmem", Message: "address is outside the physical memory arena", Kind: kernel.KindFatal}

	// zeroPageSum is the digest of a page filled with zeroes.
	zeroPageSum = xxhash.Sum64(make([]byte, mem.PageSize))
)

// Arena is a contiguous block of host memory standing in for physical RAM.
type Arena struct {
	log  *slog.Logger
	raw  []byte
	size mem.Size
}

// New reserves an arena of the requested size.
func New(size mem.Size) (*Arena, *kernel.Error) {
	if size == 0 || !mem.IsPageAligned(uintptr(size)) || uintptr(size) > mem.MaxAliasedPhysAddr {
		return nil, errArenaBadSize
	}

	raw, err := allocSlabFn(int(size))
	if err != nil {
		slog.Error("arena allocation failed", "src", "PhysMem", "size", uint64(size), "err", err)
		return nil, errArenaAllocFailed
	}

	a := &Arena{
		log:  slog.With("src", "PhysMem"),
		raw:  raw,
		size: size,
	}
	a.log.Debug("arena ready", "size", uint64(size), "frames", size.Pages())
	return a, nil
}

// Size returns the arena size in bytes.
func (a *Arena) Size() mem.Size {
	return a.size
}

// FrameCount returns the number of physical frames backed by the arena.
func (a *Arena) FrameCount() uint64 {
	return a.size.Pages()
}

// Ptr implements mem.PhysMemory. It panics if kernelAddr is not a
// kernel-space alias of an address inside the arena.
func (a *Arena) Ptr(kernelAddr uintptr) unsafe.Pointer {
	if kernelAddr&mem.KernelSpaceOffset != mem.KernelSpaceOffset {
		panic(errArenaOutOfRange)
	}

	physAddr := mem.KernelToPhys(kernelAddr)
	if physAddr >= uintptr(a.size) {
		panic(errArenaOutOfRange)
	}

	return unsafe.Pointer(&a.raw[physAddr])
}

// Page returns the contents of a frame as a byte slice sharing the arena's
// memory.
func (a *Arena) Page(frame pmm.Frame) []byte {
	start := frame.Address()
	if !frame.Valid() || start >= uintptr(a.size) {
		panic(errArenaOutOfRange)
	}

	return a.raw[start : start+uintptr(mem.PageSize)]
}

// Checksum returns the xxhash digest of a frame's contents.
func (a *Arena) Checksum(frame pmm.Frame) uint64 {
	return xxhash.Sum64(a.Page(frame))
}

// IsZeroFrame returns true if every byte of frame is zero.
func (a *Arena) IsZeroFrame(frame pmm.Frame) bool {
	return a.Checksum(frame) == zeroPageSum
}

// MemoryMap describes the arena as a boot memory map. Frame 0 is reported
// as reserved so a valid allocation never yields physical address 0.
func (a *Arena) MemoryMap() []allocator.MemoryMapEntry {
	entries := []allocator.MemoryMapEntry{
		{PhysAddress: 0, Length: uint64(mem.PageSize), Type: allocator.MemReserved},
	}

	if a.size > mem.PageSize {
		entries = append(entries, allocator.MemoryMapEntry{
			PhysAddress: uint64(mem.PageSize),
			Length:      uint64(a.size - mem.PageSize),
			Type:        allocator.MemAvailable,
		})
	}

	return entries
}

// Close returns the arena memory to the host. The arena must not be used
// afterwards.
func (a *Arena) Close() *kernel.Error {
	if a.raw == nil {
		return nil
	}

	if err := freeSlabFn(a.raw); err != nil {
		a.log.Error("arena release failed", "err", err)
		return errArenaAllocFailed
	}

	a.raw = nil
	a.size = 0
	return nil
}
