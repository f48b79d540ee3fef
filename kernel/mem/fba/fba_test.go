package fba

import (
	"testing"

	"github.com/rossbamford-xdesign/anos/kernel"
	"github.com/rossbamford-xdesign/anos/kernel/mem"
	"github.com/rossbamford-xdesign/anos/kernel/mem/physmem"
	"github.com/rossbamford-xdesign/anos/kernel/mem/pmm"
	"github.com/rossbamford-xdesign/anos/kernel/mem/vmm"
	"github.com/rossbamford-xdesign/anos/kernel/mem/vmm/vmmtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testRoot      = pmm.Frame(0x100)
	testFirstFree = pmm.Frame(0x10)
	testBegin     = uintptr(0xffffff8000000000)
)

func newTestAllocator(t *testing.T) (*Allocator, *vmmtest.Harness, *physmem.Arena) {
	arena, err := physmem.New(2 * mem.Mb)
	require.Nil(t, err)
	t.Cleanup(func() { _ = arena.Close() })

	h := vmmtest.New(testFirstFree)
	return New(h, h.AllocFrame, arena), h, arena
}

func TestInitZero(t *testing.T) {
	alloc, h, _ := newTestAllocator(t)

	require.Nil(t, alloc.Init(0, 0, 0))

	assert.Equal(t, uintptr(0), alloc.Begin())
	assert.Equal(t, uint64(0), alloc.Size())
	assert.Equal(t, uint64(0), alloc.BitmapPages())

	// No pages allocated for the bitmap because zero size...
	assert.Zero(t, h.TotalFrameAllocs)
	assert.Zero(t, h.TotalPageMaps)
}

func TestInitUnalignedBegin(t *testing.T) {
	alloc, h, _ := newTestAllocator(t)

	for _, begin := range []uintptr{0x001, 0xfff, 0x1001, 0x1fff} {
		err := alloc.Init(testRoot, begin, 100)
		assert.Equal(t, ErrUnalignedBegin, err, "begin 0x%x", begin)
		assert.Equal(t, kernel.KindConfig, err.Kind)
	}

	assert.Zero(t, h.TotalFrameAllocs)
	assert.Equal(t, uintptr(0), alloc.Begin())
}

func TestInitSizeNotMultiple(t *testing.T) {
	alloc, h, _ := newTestAllocator(t)

	for _, size := range []uint64{1, 32767, 32769, 65535} {
		err := alloc.Init(testRoot, 0x1000, size)
		assert.Equal(t, ErrBadSize, err, "size %d", size)
		assert.Equal(t, kernel.KindConfig, err.Kind)
	}

	assert.Zero(t, h.TotalFrameAllocs)
	assert.Equal(t, uint64(0), alloc.Size())
}

func TestInitRegionOverflow(t *testing.T) {
	alloc, h, _ := newTestAllocator(t)

	regionBytes := uintptr(65536 * BlockSize)
	specs := []struct {
		begin uintptr
		size  uint64
	}{
		{0xfffffffffffff000, 32768},
		{0xfffffffffffff000, 65536},
		{^uintptr(0) - regionBytes + 1 + uintptr(mem.PageSize), 65536},
	}

	for _, spec := range specs {
		err := alloc.Init(testRoot, spec.begin, spec.size)
		assert.Equal(t, ErrRegionOverflow, err, "begin 0x%x size %d", spec.begin, spec.size)
		assert.Equal(t, kernel.KindConfig, err.Kind)
	}

	assert.Zero(t, h.TotalFrameAllocs)
	assert.Zero(t, h.TotalPageMaps)
	assert.Equal(t, uintptr(0), alloc.Begin())
	assert.Equal(t, uint64(0), alloc.Size())

	// A region ending exactly at the top of the address space fits.
	begin := ^uintptr(0) - regionBytes + 1
	require.Nil(t, alloc.Init(testRoot, begin, 65536))
	assert.Equal(t, uint32(2), h.TotalPageMaps)
	assert.Equal(t, begin+uintptr(BlockSize), h.LastMapVirt)
}

func TestInit32768(t *testing.T) {
	alloc, h, arena := newTestAllocator(t)

	// dirty the frame that will hold the bitmap
	page := arena.Page(testFirstFree)
	for i := range page {
		page[i] = 0xff
	}

	require.Nil(t, alloc.Init(testRoot, testBegin, 32768))

	assert.Equal(t, testBegin, alloc.Begin())
	assert.Equal(t, uint64(32768), alloc.Size())

	// One page allocated for bitmap (32768 bits)
	assert.Equal(t, uint32(1), h.TotalFrameAllocs)
	assert.Equal(t, uint32(1), h.TotalPageMaps)
	assert.Equal(t, uint64(1), alloc.BitmapPages())

	// Page was mapped into the correct place (first page in the area)...
	assert.Equal(t, testFirstFree, h.LastMapFrame)
	assert.Equal(t, testBegin, h.LastMapVirt)
	assert.Equal(t, vmm.FlagPresent|vmm.FlagRW, h.LastMapFlags)
	assert.Equal(t, testRoot, h.LastMapRoot)

	// ...and cleared
	assert.True(t, arena.IsZeroFrame(testFirstFree))
	assert.Equal(t, uint64(32767), alloc.FreeBlocks())
}

func TestInit65536(t *testing.T) {
	alloc, h, arena := newTestAllocator(t)

	require.Nil(t, alloc.Init(testRoot, testBegin, 65536))

	assert.Equal(t, testBegin, alloc.Begin())
	assert.Equal(t, uint64(65536), alloc.Size())

	// Two pages allocated for bitmap (65536 bits)
	assert.Equal(t, uint32(2), h.TotalFrameAllocs)
	assert.Equal(t, uint32(2), h.TotalPageMaps)

	// Last page was mapped into the correct place (second page in the area)...
	assert.Equal(t, testFirstFree+1, h.LastMapFrame)
	assert.Equal(t, testBegin+0x1000, h.LastMapVirt)
	assert.Equal(t, vmm.FlagPresent|vmm.FlagRW, h.LastMapFlags)
	assert.Equal(t, testRoot, h.LastMapRoot)

	assert.True(t, arena.IsZeroFrame(testFirstFree))
	assert.True(t, arena.IsZeroFrame(testFirstFree+1))
	assert.Equal(t, uint64(65534), alloc.FreeBlocks())
}

func TestInitBitmapPageCount(t *testing.T) {
	for _, multiple := range []uint64{1, 2, 3, 7} {
		alloc, h, _ := newTestAllocator(t)

		require.Nil(t, alloc.Init(testRoot, testBegin, multiple*BlocksPerBitmapPage))
		assert.Equal(t, uint32(multiple), h.TotalFrameAllocs)
		assert.Equal(t, uint32(multiple), h.TotalPageMaps)
		assert.Equal(t, testBegin+uintptr(multiple-1)*uintptr(BlockSize), h.LastMapVirt)
	}
}

func TestInitFailuresAreFatal(t *testing.T) {
	defer func(orig func(interface{})) { panicFn = orig }(panicFn)

	var panicked interface{}
	panicFn = func(e interface{}) { panicked = e }

	t.Run("frame exhaustion", func(t *testing.T) {
		alloc, h, _ := newTestAllocator(t)
		h.FrameLimit = 1

		err := alloc.Init(testRoot, testBegin, 2*BlocksPerBitmapPage)
		require.True(t, err.IsFatal())
		assert.Equal(t, vmmtest.ErrOutOfFrames, err.Cause)
		assert.Equal(t, err, panicked)
	})

	t.Run("mapping failure", func(t *testing.T) {
		alloc, h, _ := newTestAllocator(t)
		mapErr := &kernel.Error{Module: "test", Message: "map failed"}
		h.MapErr = mapErr

		err := alloc.Init(testRoot, testBegin, BlocksPerBitmapPage)
		require.True(t, err.IsFatal())
		assert.Equal(t, mapErr, err.Cause)
		assert.Equal(t, err, panicked)
	})
}

func TestAllocAndFreeBlocks(t *testing.T) {
	alloc, h, arena := newTestAllocator(t)
	require.Nil(t, alloc.Init(testRoot, testBegin, BlocksPerBitmapPage))

	var releasedFrames []pmm.Frame
	alloc.SetFrameReleaser(func(frame pmm.Frame) *kernel.Error {
		releasedFrames = append(releasedFrames, frame)
		return nil
	})

	// The first block holds the bitmap so allocations start at block 1.
	var blocks []uintptr
	for i := 0; i < 3; i++ {
		addr, err := alloc.AllocBlock()
		require.Nil(t, err)
		assert.Equal(t, testBegin+uintptr(i+1)*uintptr(BlockSize), addr)
		assert.True(t, alloc.IsAllocated(addr))
		assert.Equal(t, addr, h.LastMapVirt)
		assert.Equal(t, vmm.FlagPresent|vmm.FlagRW, h.LastMapFlags)
		assert.True(t, arena.IsZeroFrame(h.LastMapFrame))
		blocks = append(blocks, addr)
	}
	assert.Equal(t, uint64(BlocksPerBitmapPage-4), alloc.FreeBlocks())
	assert.False(t, alloc.IsAllocated(testBegin))

	// Freeing the middle block makes it the next candidate.
	require.Nil(t, alloc.FreeBlock(blocks[1]))
	assert.False(t, alloc.IsAllocated(blocks[1]))
	assert.Equal(t, blocks[1], h.LastUnmapVirt)
	assert.Equal(t, testRoot, h.LastUnmapRoot)
	require.Len(t, releasedFrames, 1)

	assert.Equal(t, ErrBlockNotAllocated, alloc.FreeBlock(blocks[1]))

	addr, err := alloc.AllocBlock()
	require.Nil(t, err)
	assert.Equal(t, blocks[1], addr)

	next, err := alloc.AllocBlock()
	require.Nil(t, err)
	assert.Equal(t, blocks[2]+uintptr(BlockSize), next)
}

func TestFreeBlockValidation(t *testing.T) {
	alloc, _, _ := newTestAllocator(t)
	require.Nil(t, alloc.Init(testRoot, testBegin, BlocksPerBitmapPage))

	specs := []uintptr{
		// before the region
		testBegin - uintptr(BlockSize),
		// bitmap page
		testBegin,
		// not block aligned
		testBegin + uintptr(BlockSize) + 8,
		// past the end of the region
		testBegin + uintptr(BlocksPerBitmapPage)*uintptr(BlockSize),
	}

	for _, addr := range specs {
		assert.Equal(t, ErrInvalidBlock, alloc.FreeBlock(addr), "addr 0x%x", addr)
		assert.False(t, alloc.IsAllocated(addr))
	}

	assert.Equal(t, ErrBlockNotAllocated, alloc.FreeBlock(testBegin+uintptr(BlockSize)))
}

func TestAllocBlockFailures(t *testing.T) {
	t.Run("region full", func(t *testing.T) {
		alloc, _, _ := newTestAllocator(t)
		require.Nil(t, alloc.Init(testRoot, testBegin, 0))

		_, err := alloc.AllocBlock()
		assert.Equal(t, ErrNoFreeBlocks, err)
	})

	t.Run("frame exhaustion", func(t *testing.T) {
		alloc, h, _ := newTestAllocator(t)
		require.Nil(t, alloc.Init(testRoot, testBegin, BlocksPerBitmapPage))
		h.FrameLimit = 1

		_, err := alloc.AllocBlock()
		assert.Equal(t, vmmtest.ErrOutOfFrames, err)
		assert.Equal(t, uint64(BlocksPerBitmapPage-1), alloc.FreeBlocks())
	})

	t.Run("mapping failure", func(t *testing.T) {
		alloc, h, _ := newTestAllocator(t)
		require.Nil(t, alloc.Init(testRoot, testBegin, BlocksPerBitmapPage))

		released := pmm.InvalidFrame
		alloc.SetFrameReleaser(func(frame pmm.Frame) *kernel.Error {
			released = frame
			return nil
		})

		mapErr := &kernel.Error{Module: "test", Message: "map failed"}
		h.MapErr = mapErr

		_, err := alloc.AllocBlock()
		assert.Equal(t, mapErr, err)
		assert.Equal(t, testFirstFree+1, released)
		assert.False(t, alloc.IsAllocated(testBegin+uintptr(BlockSize)))
	})
}

func TestAllocSkipsFullWords(t *testing.T) {
	alloc, _, _ := newTestAllocator(t)
	require.Nil(t, alloc.Init(testRoot, testBegin, BlocksPerBitmapPage))

	// Mark blocks 1-129 as allocated so the search must skip two words.
	for block := uint64(1); block < 130; block++ {
		*alloc.bitmapWord(block) |= 1 << (block % 64)
	}

	addr, err := alloc.AllocBlock()
	require.Nil(t, err)
	assert.Equal(t, testBegin+130*uintptr(BlockSize), addr)
}

func TestAllocatorWithMapper(t *testing.T) {
	arena, err := physmem.New(1 * mem.Mb)
	require.Nil(t, err)
	defer arena.Close()

	next := pmm.Frame(1)
	allocFn := func() (pmm.Frame, *kernel.Error) {
		next++
		return next - 1, nil
	}

	mapper := vmm.NewMapper(arena, allocFn)
	as, err := mapper.NewAddressSpace()
	require.Nil(t, err)

	alloc := New(mapper, allocFn, arena)
	require.Nil(t, alloc.Init(as.Root(), testBegin, BlocksPerBitmapPage))

	// the bitmap page is mapped at the start of the region
	_, err = as.Translate(testBegin)
	require.Nil(t, err)

	addr, err := alloc.AllocBlock()
	require.Nil(t, err)

	physAddr, err := as.Translate(addr)
	require.Nil(t, err)
	assert.True(t, arena.IsZeroFrame(pmm.FrameFromAddress(physAddr)))

	require.Nil(t, alloc.FreeBlock(addr))
	_, err = as.Translate(addr)
	assert.Equal(t, vmm.ErrNotMapped, err)
}
