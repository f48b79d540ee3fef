package allocator

import (
	"math"
	"math/bits"

	"github.com/rossbamford-xdesign/anos/kernel"
	"github.com/rossbamford-xdesign/anos/kernel/kfmt"
	"github.com/rossbamford-xdesign/anos/kernel/mem/pmm"
	"github.com/rossbamford-xdesign/anos/kernel/sync"
)

var (
	errBitmapAllocOutOfMemory     = &kernel.Error{Module: "bitmap_alloc", Message: "out of memory", Kind: kernel.KindExhausted}
	errBitmapAllocFrameNotManaged = &kernel.Error{Module: "bitmap_alloc", Message: "frame not managed by this allocator"}
	errBitmapAllocDoubleFree      = &kernel.Error{Module: "bitmap_alloc", Message: "frame is already free"}
)

type markAs bool

const (
	markReserved markAs = false
	markFree            = true
)

type framePool struct {
	// startFrame is the frame number for the first page in this pool.
	// each free bitmap entry i corresponds to frame (startFrame + i).
	startFrame pmm.Frame

	// endFrame tracks the last frame in the pool (inclusive).
	endFrame pmm.Frame

	// freeCount tracks the available pages in this pool. The allocator
	// can use this field to skip fully allocated pools without the need
	// to scan the free bitmap.
	freeCount uint32

	// freeBitmap tracks used/free pages in the pool. Bits are stored
	// MSB-first: frame startFrame+i maps to bit (63 - i%64) of word i/64.
	freeBitmap []uint64
}

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations across the available memory pools using bitmaps.
type BitmapAllocator struct {
	lock sync.Spinlock

	// totalPages tracks the total number of pages across all pools.
	totalPages uint32

	// reservedPages tracks the number of reserved pages across all pools.
	reservedPages uint32

	pools []framePool
}

// Init builds one pool per available memory region and flags the frames
// already handed out by the boot allocator (and the kernel image) as
// reserved.
func (alloc *BitmapAllocator) Init(bootAlloc *BootMemAllocator) *kernel.Error {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	alloc.setupPoolBitmaps(bootAlloc.regions)
	alloc.reserveKernelFrames(bootAlloc)
	alloc.reserveEarlyAllocatorFrames(bootAlloc)
	alloc.printStats()
	return nil
}

// setupPoolBitmaps initializes the list of available pools and their free
// bitmap slices.
func (alloc *BitmapAllocator) setupPoolBitmaps(regions []MemoryMapEntry) {
	alloc.pools = alloc.pools[:0]
	alloc.totalPages = 0
	alloc.reservedPages = 0

	for index := range regions {
		if regions[index].Type != MemAvailable {
			continue
		}

		firstFrame, lastFrame, ok := regions[index].frameRange()
		if !ok {
			continue
		}

		pageCount := uint32(lastFrame - firstFrame + 1)
		alloc.totalPages += pageCount

		// To represent the free page bitmap we need pageCount bits
		// rounded up to a multiple of 64.
		pool := framePool{
			startFrame: firstFrame,
			endFrame:   lastFrame,
			freeCount:  pageCount,
			freeBitmap: make([]uint64, (pageCount+63)>>6),
		}

		// Flag the padding bits of the last word as reserved so the
		// allocator never hands out frames past endFrame.
		if tail := pageCount & 63; tail != 0 {
			pool.freeBitmap[len(pool.freeBitmap)-1] = math.MaxUint64 >> tail
		}

		alloc.pools = append(alloc.pools, pool)
	}
}

// markFrame updates the reservation flag for the bitmap entry that
// corresponds to the supplied frame.
func (alloc *BitmapAllocator) markFrame(poolIndex int, frame pmm.Frame, flag markAs) {
	if poolIndex < 0 || frame > alloc.pools[poolIndex].endFrame || frame < alloc.pools[poolIndex].startFrame {
		return
	}

	// The offset in the block is given by: frame % 64. As the bitmap
	// uses a big-endian representation we need to set the bit at index:
	// 63 - offset
	relFrame := frame - alloc.pools[poolIndex].startFrame
	block := relFrame >> 6
	mask := uint64(1 << (63 - (relFrame - block<<6)))
	switch flag {
	case markFree:
		alloc.pools[poolIndex].freeBitmap[block] &^= mask
		alloc.pools[poolIndex].freeCount++
		alloc.reservedPages--
	default:
		alloc.pools[poolIndex].freeBitmap[block] |= mask
		alloc.pools[poolIndex].freeCount--
		alloc.reservedPages++
	}
}

// isReserved returns true if frame is flagged as reserved in its pool.
func (alloc *BitmapAllocator) isReserved(poolIndex int, frame pmm.Frame) bool {
	relFrame := frame - alloc.pools[poolIndex].startFrame
	block := relFrame >> 6
	mask := uint64(1 << (63 - (relFrame - block<<6)))
	return alloc.pools[poolIndex].freeBitmap[block]&mask != 0
}

// poolForFrame returns the index of the pool that contains frame or -1 if
// the frame is not contained in any of the available memory pools (e.g it
// points to a reserved memory region).
func (alloc *BitmapAllocator) poolForFrame(frame pmm.Frame) int {
	for poolIndex, pool := range alloc.pools {
		if frame >= pool.startFrame && frame <= pool.endFrame {
			return poolIndex
		}
	}

	return -1
}

// reserveKernelFrames flags the frames occupied by the kernel image as
// reserved.
func (alloc *BitmapAllocator) reserveKernelFrames(bootAlloc *BootMemAllocator) {
	if !bootAlloc.hasKernelImage {
		return
	}

	for frame := bootAlloc.kernelStartFrame; frame <= bootAlloc.kernelEndFrame; frame++ {
		if poolIndex := alloc.poolForFrame(frame); poolIndex >= 0 && !alloc.isReserved(poolIndex, frame) {
			alloc.markFrame(poolIndex, frame, markReserved)
		}
	}
}

// reserveEarlyAllocatorFrames flags every frame handed out by the boot
// allocator as reserved. As the boot allocator cursor only moves forward,
// these are all available frames up to its last allocated frame.
func (alloc *BitmapAllocator) reserveEarlyAllocatorFrames(bootAlloc *BootMemAllocator) {
	if bootAlloc.allocCount == 0 {
		return
	}

	for poolIndex, pool := range alloc.pools {
		if pool.startFrame > bootAlloc.lastAllocFrame {
			break
		}

		for frame := pool.startFrame; frame <= pool.endFrame && frame <= bootAlloc.lastAllocFrame; frame++ {
			if !alloc.isReserved(poolIndex, frame) {
				alloc.markFrame(poolIndex, frame, markReserved)
			}
		}
	}
}

// AllocFrame reserves and returns the first free physical frame.
func (alloc *BitmapAllocator) AllocFrame() (pmm.Frame, *kernel.Error) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	for poolIndex := range alloc.pools {
		if alloc.pools[poolIndex].freeCount == 0 {
			continue
		}

		for blockIndex, block := range alloc.pools[poolIndex].freeBitmap {
			if block == math.MaxUint64 {
				continue
			}

			// Free bits are zero; the first one from the MSB side
			// is the lowest free frame in this block.
			bitIndex := bits.LeadingZeros64(^block)
			frame := alloc.pools[poolIndex].startFrame + pmm.Frame(blockIndex<<6+bitIndex)
			alloc.markFrame(poolIndex, frame, markReserved)
			return frame, nil
		}
	}

	return pmm.InvalidFrame, errBitmapAllocOutOfMemory
}

// FreeFrame releases a frame previously allocated via a call to AllocFrame.
// Trying to release a frame not part of the allocator pools or a frame that
// is already marked as free will cause an error to be returned.
func (alloc *BitmapAllocator) FreeFrame(frame pmm.Frame) *kernel.Error {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	poolIndex := alloc.poolForFrame(frame)
	if poolIndex < 0 {
		return errBitmapAllocFrameNotManaged
	}

	if !alloc.isReserved(poolIndex, frame) {
		return errBitmapAllocDoubleFree
	}

	alloc.markFrame(poolIndex, frame, markFree)
	return nil
}

// Stats returns the total number of managed frames and how many of them are
// currently reserved.
func (alloc *BitmapAllocator) Stats() (total, reserved uint32) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()
	return alloc.totalPages, alloc.reservedPages
}

// printStats outputs the free/reserved page counts.
func (alloc *BitmapAllocator) printStats() {
	kfmt.Printf(
		"[bitmap_alloc] page stats: free: %d/%d (%d reserved)\n",
		alloc.totalPages-alloc.reservedPages,
		alloc.totalPages,
		alloc.reservedPages,
	)
}
