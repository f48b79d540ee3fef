// Package vmmtest provides an instrumented stand-in for the page table
// mapper and the physical frame allocator. Components that take a mapper
// interface can be tested against a Harness and their page mapping traffic
// inspected afterwards.
package vmmtest

import (
	"github.com/rossbamford-xdesign/anos/kernel"
	"github.com/rossbamford-xdesign/anos/kernel/mem/pmm"
	"github.com/rossbamford-xdesign/anos/kernel/mem/vmm"
	"github.com/rossbamford-xdesign/anos/kernel/sync"
)

// DefaultFirstFrame is the first frame handed out by a Harness created with
// New(0).
const DefaultFirstFrame = pmm.Frame(0x100)

var (
	// ErrOutOfFrames is returned by AllocFrame once FrameLimit frames have
	// been handed out.
	ErrOutOfFrames = &kernel.Error{Module: "vmmtest", Message: "out of frames", Kind: kernel.KindExhausted}
)

// Harness records every map and unmap request it receives. Unmap requests
// return the frame of the most recent map request, mirroring a mapper that
// was just asked to map that page. Mapping requests fail with MapErr if it
// is set.
type Harness struct {
	lock sync.Spinlock

	TotalPageMaps   uint32
	TotalPageUnmaps uint32

	LastMapFrame pmm.Frame
	LastMapVirt  uintptr
	LastMapFlags vmm.PageTableEntryFlag
	LastMapRoot  pmm.Frame

	LastUnmapRoot pmm.Frame
	LastUnmapVirt uintptr

	// MapErr, if set, is returned by MapPageIn without recording the
	// request.
	MapErr *kernel.Error

	// Frame allocator state. Frames are handed out sequentially starting
	// at FirstFrame.
	FirstFrame       pmm.Frame
	TotalFrameAllocs uint32
	TotalFrameFrees  uint32
	LastFreedFrame   pmm.Frame

	// FrameLimit caps the number of frames AllocFrame hands out. Zero
	// means no limit.
	FrameLimit uint32
}

// New returns a harness whose allocator starts at firstFrame, or at
// DefaultFirstFrame if firstFrame is 0.
func New(firstFrame pmm.Frame) *Harness {
	if firstFrame == 0 {
		firstFrame = DefaultFirstFrame
	}

	return &Harness{
		FirstFrame:     firstFrame,
		LastMapFrame:   pmm.InvalidFrame,
		LastMapRoot:    pmm.InvalidFrame,
		LastUnmapRoot:  pmm.InvalidFrame,
		LastFreedFrame: pmm.InvalidFrame,
	}
}

// Reset clears the recorded state and any injected failure. The allocator
// restarts at FirstFrame.
func (h *Harness) Reset() {
	h.lock.Acquire()
	defer h.lock.Release()

	h.TotalPageMaps, h.TotalPageUnmaps = 0, 0
	h.LastMapFrame, h.LastMapVirt, h.LastMapFlags, h.LastMapRoot = pmm.InvalidFrame, 0, 0, pmm.InvalidFrame
	h.LastUnmapRoot, h.LastUnmapVirt = pmm.InvalidFrame, 0
	h.MapErr = nil
	h.TotalFrameAllocs, h.TotalFrameFrees, h.LastFreedFrame = 0, 0, pmm.InvalidFrame
	h.FrameLimit = 0
}

// MapPageIn records a mapping request.
func (h *Harness) MapPageIn(root pmm.Frame, virtAddr uintptr, frame pmm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
	h.lock.Acquire()
	defer h.lock.Release()

	if h.MapErr != nil {
		return h.MapErr
	}

	h.LastMapFrame = frame
	h.LastMapVirt = virtAddr
	h.LastMapFlags = flags
	h.LastMapRoot = root
	h.TotalPageMaps++
	return nil
}

// UnmapPageIn records an unmap request and returns the frame of the last
// map request.
func (h *Harness) UnmapPageIn(root pmm.Frame, virtAddr uintptr) (pmm.Frame, *kernel.Error) {
	h.lock.Acquire()
	defer h.lock.Release()

	h.LastUnmapRoot = root
	h.LastUnmapVirt = virtAddr
	h.TotalPageUnmaps++
	return h.LastMapFrame, nil
}

// AllocFrame hands out the next sequential frame.
func (h *Harness) AllocFrame() (pmm.Frame, *kernel.Error) {
	h.lock.Acquire()
	defer h.lock.Release()

	if h.FrameLimit != 0 && h.TotalFrameAllocs >= h.FrameLimit {
		return pmm.InvalidFrame, ErrOutOfFrames
	}

	frame := h.FirstFrame + pmm.Frame(h.TotalFrameAllocs)
	h.TotalFrameAllocs++
	return frame, nil
}

// FreeFrame records a frame release.
func (h *Harness) FreeFrame(frame pmm.Frame) *kernel.Error {
	h.lock.Acquire()
	defer h.lock.Release()

	h.LastFreedFrame = frame
	h.TotalFrameFrees++
	return nil
}
