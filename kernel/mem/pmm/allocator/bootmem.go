package allocator

import (
	"github.com/rossbamford-xdesign/anos/kernel"
	"github.com/rossbamford-xdesign/anos/kernel/kfmt"
	"github.com/rossbamford-xdesign/anos/kernel/mem"
	"github.com/rossbamford-xdesign/anos/kernel/mem/pmm"
	"github.com/rossbamford-xdesign/anos/kernel/sync"
)

var (
	errBootAllocOutOfMemory = &kernel.Error{Module: "boot_mem_alloc", Message: "out of memory", Kind: kernel.KindExhausted}
)

// BootMemAllocator implements a rudimentary physical memory allocator which is
// used to bootstrap the kernel.
//
// The allocator walks the memory map supplied at Init time and hands out the
// next available free frame, skipping the frames occupied by the kernel image.
// Allocations are tracked via a cursor that always points to the last
// allocated frame, so frames are returned in strictly increasing order.
//
// It is not possible to free allocated frames. Once the kernel is properly
// initialized, the allocated frames are handed over to the BitmapAllocator
// which does support freeing.
type BootMemAllocator struct {
	lock sync.Spinlock

	regions []MemoryMapEntry

	// allocCount tracks the total number of allocated frames.
	allocCount uint64

	// lastAllocFrame tracks the last allocated frame number.
	lastAllocFrame pmm.Frame

	// Keep track of kernel location so we exclude this region.
	hasKernelImage                   bool
	kernelStartAddr, kernelEndAddr   uintptr
	kernelStartFrame, kernelEndFrame pmm.Frame
}

// Init sets up the boot memory allocator internal state. The [kernelStart,
// kernelEnd) range is never handed out; pass equal values if no kernel image
// occupies physical memory.
func (alloc *BootMemAllocator) Init(regions []MemoryMapEntry, kernelStart, kernelEnd uintptr) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	alloc.regions = regions
	alloc.allocCount = 0
	alloc.lastAllocFrame = 0
	alloc.kernelStartAddr = kernelStart
	alloc.kernelEndAddr = kernelEnd
	alloc.hasKernelImage = kernelEnd > kernelStart

	if alloc.hasKernelImage {
		// round down kernel start to the nearest page and round up
		// kernel end to the nearest page.
		pageSizeMinus1 := uintptr(mem.PageSize - 1)
		alloc.kernelStartFrame = pmm.FrameFromAddress(kernelStart)
		alloc.kernelEndFrame = pmm.FrameFromAddress((kernelEnd+pageSizeMinus1)&^pageSizeMinus1) - 1
	}
}

// AllocFrame reserves the next available free frame. It returns an error if no
// more memory can be allocated.
func (alloc *BootMemAllocator) AllocFrame() (pmm.Frame, *kernel.Error) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	for index := range alloc.regions {
		region := &alloc.regions[index]
		if region.Type != MemAvailable {
			continue
		}

		firstFrame, lastFrame, ok := region.frameRange()
		if !ok {
			continue
		}

		candidate := alloc.lastAllocFrame + 1
		if alloc.allocCount == 0 || candidate < firstFrame {
			candidate = firstFrame
		}

		if alloc.hasKernelImage && candidate >= alloc.kernelStartFrame && candidate <= alloc.kernelEndFrame {
			candidate = alloc.kernelEndFrame + 1
		}

		// Either this region is already exhausted or the kernel image
		// extends to its end.
		if candidate > lastFrame {
			continue
		}

		alloc.lastAllocFrame = candidate
		alloc.allocCount++
		return candidate, nil
	}

	return pmm.InvalidFrame, errBootAllocOutOfMemory
}

// AllocCount returns the number of frames handed out so far.
func (alloc *BootMemAllocator) AllocCount() uint64 {
	alloc.lock.Acquire()
	defer alloc.lock.Release()
	return alloc.allocCount
}

// LastAllocFrame returns the most recently allocated frame. The result is
// only meaningful if AllocCount() > 0.
func (alloc *BootMemAllocator) LastAllocFrame() pmm.Frame {
	alloc.lock.Acquire()
	defer alloc.lock.Release()
	return alloc.lastAllocFrame
}

// PrintMemoryMap outputs the system memory map and kernel image location.
func (alloc *BootMemAllocator) PrintMemoryMap() {
	kfmt.Printf("[boot_mem_alloc] system memory map:\n")
	var totalFree mem.Size
	for _, region := range alloc.regions {
		kfmt.Printf("\t[0x%010x - 0x%010x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type)

		if region.Type == MemAvailable {
			totalFree += mem.Size(region.Length)
		}
	}
	kfmt.Printf("[boot_mem_alloc] available memory: %dKb\n", uint64(totalFree/mem.Kb))

	if alloc.hasKernelImage {
		kfmt.Printf("[boot_mem_alloc] kernel loaded at 0x%x - 0x%x\n", alloc.kernelStartAddr, alloc.kernelEndAddr)
		kfmt.Printf("[boot_mem_alloc] size: %d bytes, reserved pages: %d\n",
			uint64(alloc.kernelEndAddr-alloc.kernelStartAddr),
			uint64(alloc.kernelEndFrame-alloc.kernelStartFrame+1),
		)
	}
}
