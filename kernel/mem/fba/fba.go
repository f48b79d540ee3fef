// Package fba implements a fixed-block allocator over a page-aligned
// virtual region. Allocation state is kept in a bitmap stored at the start of
// the region itself, one bit per block.
package fba

import (
	"log/slog"
	"math/bits"

	"github.com/negrel/assert"
	"github.com/rossbamford-xdesign/anos/kernel"
	"github.com/rossbamford-xdesign/anos/kernel/kfmt"
	"github.com/rossbamford-xdesign/anos/kernel/mem"
	"github.com/rossbamford-xdesign/anos/kernel/mem/pmm"
	"github.com/rossbamford-xdesign/anos/kernel/mem/vmm"
	"github.com/rossbamford-xdesign/anos/kernel/sync"
)

const (
	// BlockSize is the size of each block handed out by the allocator.
	BlockSize = mem.PageSize

	// BlocksPerBitmapPage is the number of blocks tracked by a single
	// page of the allocation bitmap. Region sizes must be a multiple of
	// this value.
	BlocksPerBitmapPage = uint64(mem.PageSize) * 8

	bitmapWordsPerPage = uint64(mem.PageSize) / 8

	// blockFlags are used for every mapping the allocator creates.
	blockFlags = vmm.FlagPresent | vmm.FlagRW
)

var (
	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	// ErrUnalignedBegin is returned by Init when the region start is not
	// page aligned.
	ErrUnalignedBegin = &kernel.Error{Module: "fba", Message: "region start is not page aligned", Kind: kernel.KindConfig}

	// ErrBadSize is returned by Init when the region size is not a
	// multiple of BlocksPerBitmapPage.
	ErrBadSize = &kernel.Error{Module: "fba", Message: "region size must be a multiple of 32768 blocks", Kind: kernel.KindConfig}

	// ErrRegionOverflow is returned by Init when the region extends past
	// the end of the address space.
	ErrRegionOverflow = &kernel.Error{Module: "fba", Message: "region extends past the end of the address space", Kind: kernel.KindConfig}

	// ErrNoFreeBlocks is returned by AllocBlock when every block is in use.
	ErrNoFreeBlocks = &kernel.Error{Module: "fba", Message: "no free blocks", Kind: kernel.KindExhausted}

	// ErrInvalidBlock is returned by FreeBlock for addresses that do not
	// name a block managed by the allocator.
	ErrInvalidBlock = &kernel.Error{Module: "fba", Message: "address does not point to an allocatable block"}

	// ErrBlockNotAllocated is returned by FreeBlock for blocks that are
	// not currently allocated.
	ErrBlockNotAllocated = &kernel.Error{Module: "fba", Message: "block is not allocated"}

	errInvalidFrame = &kernel.Error{Module: "fba", Message: "frame allocator returned an invalid frame", Kind: kernel.KindExhausted}
)

// PageMapper is the subset of the page table mapper used by the allocator.
type PageMapper interface {
	MapPageIn(root pmm.Frame, virtAddr uintptr, frame pmm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error
	UnmapPageIn(root pmm.Frame, virtAddr uintptr) (pmm.Frame, *kernel.Error)
}

// Allocator hands out BlockSize blocks from the region
// [begin, begin + size*BlockSize). The first BitmapPages blocks of the region
// hold the allocation bitmap and are never handed out.
type Allocator struct {
	lock sync.Spinlock
	log  *slog.Logger

	mapper    PageMapper
	allocFn   pmm.FrameAllocatorFn
	releaseFn pmm.FrameReleaserFn
	physMem   mem.PhysMemory

	root  pmm.Frame
	begin uintptr
	size  uint64

	// bitmapFrames[i] backs the bitmap page mapped at begin + i*BlockSize.
	bitmapFrames []pmm.Frame
	freeBlocks   uint64
}

// New returns an allocator that maps pages through mapper, reserves frames
// via allocFn and clears them through physMem. The allocator must be
// initialized with Init before use.
func New(mapper PageMapper, allocFn pmm.FrameAllocatorFn, physMem mem.PhysMemory) *Allocator {
	return &Allocator{
		log:     slog.With("src", "Fba"),
		mapper:  mapper,
		allocFn: allocFn,
		physMem: physMem,
		root:    pmm.InvalidFrame,
	}
}

// SetFrameReleaser registers a function that receives the frames backing
// freed blocks. Without one, FreeBlock leaks the frame.
func (a *Allocator) SetFrameReleaser(releaseFn pmm.FrameReleaserFn) {
	a.lock.Acquire()
	a.releaseFn = releaseFn
	a.lock.Release()
}

// Init prepares the allocator to manage sizeInBlocks blocks starting at
// begin in the address space rooted at root. begin must be page aligned and
// sizeInBlocks a multiple of BlocksPerBitmapPage (zero is accepted) and the
// region must end within the address space. On rejection the allocator state is left untouched.
//
// For every 32768 blocks one bitmap page is allocated, mapped at the next
// page of the region and cleared. Failing to allocate or map a bitmap page is
// unrecoverable.
func (a *Allocator) Init(root pmm.Frame, begin uintptr, sizeInBlocks uint64) *kernel.Error {
	if !mem.IsPageAligned(begin) {
		return ErrUnalignedBegin
	}

	if sizeInBlocks%BlocksPerBitmapPage != 0 {
		return ErrBadSize
	}

	// Number of pages between begin and the top of the address space.
	if maxBlocks := uint64((^uintptr(0)-begin)>>mem.PageShift) + 1; sizeInBlocks > maxBlocks {
		return ErrRegionOverflow
	}

	a.lock.Acquire()
	defer a.lock.Release()

	a.root = root
	a.begin = begin
	a.size = sizeInBlocks
	a.bitmapFrames = a.bitmapFrames[:0]

	bitmapPages := (sizeInBlocks + BlocksPerBitmapPage - 1) / BlocksPerBitmapPage
	for page := uint64(0); page < bitmapPages; page++ {
		frame, err := a.allocFn()
		if err == nil && !frame.Valid() {
			err = errInvalidFrame
		}
		if err != nil {
			return a.fatal(err)
		}

		if err = a.mapper.MapPageIn(root, begin+uintptr(page)*uintptr(BlockSize), frame, blockFlags); err != nil {
			return a.fatal(err)
		}

		mem.Memset(a.physMem.Ptr(frame.KernelAddress()), 0, mem.PageSize)
		a.bitmapFrames = append(a.bitmapFrames, frame)
	}

	a.freeBlocks = sizeInBlocks - bitmapPages
	a.log.Debug("initialized", "begin", begin, "blocks", sizeInBlocks, "bitmap_pages", bitmapPages)
	return nil
}

func (a *Allocator) fatal(cause *kernel.Error) *kernel.Error {
	err := kernel.Fatal("fba", cause)
	a.log.Error("bitmap setup failed", "err", cause)
	panicFn(err)
	return err
}

// Begin returns the start address of the managed region.
func (a *Allocator) Begin() uintptr {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.begin
}

// Size returns the number of blocks in the managed region.
func (a *Allocator) Size() uint64 {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.size
}

// BitmapPages returns the number of pages used by the allocation bitmap.
func (a *Allocator) BitmapPages() uint64 {
	a.lock.Acquire()
	defer a.lock.Release()
	return uint64(len(a.bitmapFrames))
}

// FreeBlocks returns the number of blocks that can still be allocated.
func (a *Allocator) FreeBlocks() uint64 {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.freeBlocks
}

// bitmapWord returns the bitmap word that holds the bit for block.
func (a *Allocator) bitmapWord(block uint64) *uint64 {
	assert.Less(block, a.size, "block index out of range")

	frame := a.bitmapFrames[block/BlocksPerBitmapPage]
	word := (block % BlocksPerBitmapPage) / 64
	return (*uint64)(a.physMem.Ptr(frame.KernelAddress() + uintptr(word*8)))
}

func (a *Allocator) blockAddress(block uint64) uintptr {
	return a.begin + uintptr(block)*uintptr(BlockSize)
}

// blockIndex returns the index of the block at addr or false if addr does
// not name an allocatable block.
func (a *Allocator) blockIndex(addr uintptr) (uint64, bool) {
	if addr < a.begin || !mem.IsPageAligned(addr-a.begin) {
		return 0, false
	}

	block := uint64(addr-a.begin) / uint64(BlockSize)
	if block < uint64(len(a.bitmapFrames)) || block >= a.size {
		return 0, false
	}

	return block, true
}

// AllocBlock reserves the lowest free block, backs it with a zeroed frame
// and returns its address.
func (a *Allocator) AllocBlock() (uintptr, *kernel.Error) {
	a.lock.Acquire()
	defer a.lock.Release()

	if a.freeBlocks == 0 {
		return 0, ErrNoFreeBlocks
	}

	block, ok := a.findFreeBlock()
	if !ok {
		return 0, ErrNoFreeBlocks
	}

	frame, err := a.allocFn()
	if err == nil && !frame.Valid() {
		err = errInvalidFrame
	}
	if err != nil {
		return 0, err
	}

	addr := a.blockAddress(block)
	if err = a.mapper.MapPageIn(a.root, addr, frame, blockFlags); err != nil {
		if a.releaseFn != nil {
			_ = a.releaseFn(frame)
		}
		return 0, err
	}

	mem.Memset(a.physMem.Ptr(frame.KernelAddress()), 0, mem.PageSize)
	*a.bitmapWord(block) |= 1 << (block % 64)
	a.freeBlocks--
	return addr, nil
}

// findFreeBlock returns the lowest block whose bitmap bit is clear. The
// search starts after the blocks that hold the bitmap.
func (a *Allocator) findFreeBlock() (uint64, bool) {
	for block := uint64(len(a.bitmapFrames)); block < a.size; {
		bit := block % 64
		free := ^*a.bitmapWord(block) &^ (1<<bit - 1)
		if free == 0 {
			block += 64 - bit
			continue
		}

		return block - bit + uint64(bits.TrailingZeros64(free)), true
	}

	return 0, false
}

// FreeBlock releases a block returned by AllocBlock. The block is unmapped
// and its frame passed to the frame releaser, if one is registered.
func (a *Allocator) FreeBlock(addr uintptr) *kernel.Error {
	a.lock.Acquire()
	defer a.lock.Release()

	block, ok := a.blockIndex(addr)
	if !ok {
		return ErrInvalidBlock
	}

	word := a.bitmapWord(block)
	mask := uint64(1) << (block % 64)
	if *word&mask == 0 {
		return ErrBlockNotAllocated
	}

	frame, err := a.mapper.UnmapPageIn(a.root, addr)
	if err != nil {
		return err
	}

	*word &^= mask
	a.freeBlocks++

	if a.releaseFn != nil {
		return a.releaseFn(frame)
	}
	return nil
}

// IsAllocated returns true if addr points to a block handed out by
// AllocBlock that has not been freed yet.
func (a *Allocator) IsAllocated(addr uintptr) bool {
	a.lock.Acquire()
	defer a.lock.Release()

	block, ok := a.blockIndex(addr)
	if !ok {
		return false
	}

	return *a.bitmapWord(block)&(uint64(1)<<(block%64)) != 0
}
