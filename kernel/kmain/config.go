package kmain

import (
	"github.com/rossbamford-xdesign/anos/kernel"
	"github.com/rossbamford-xdesign/anos/kernel/mem"
	"github.com/rossbamford-xdesign/anos/kernel/mem/fba"
)

// DefaultFBABegin is the virtual address where the fixed-block region
// starts unless configured otherwise.
const DefaultFBABegin = uintptr(0xffffff8000000000)

var errBadConfig = &kernel.Error{Module: "kmain", Message: "invalid boot configuration", Kind: kernel.KindConfig}

// Config describes the machine the kernel boots on.
type Config struct {
	// MemorySize is the amount of physical memory. It must be a page
	// multiple of at least 1Mb.
	MemorySize mem.Size

	// KernelStart and KernelEnd delimit the physical memory occupied by
	// the kernel image. The image is never handed out by the frame
	// allocators and is mapped at its kernel-space alias.
	KernelStart, KernelEnd uintptr

	// FBABegin and FBABlocks define the fixed-block allocator region.
	FBABegin  uintptr
	FBABlocks uint64
}

// DefaultConfig returns a 16Mb machine with a 1Mb kernel image loaded at
// 1Mb and a single bitmap page worth of fixed blocks.
func DefaultConfig() Config {
	return Config{
		MemorySize:  16 * mem.Mb,
		KernelStart: 0x100000,
		KernelEnd:   0x200000,
		FBABegin:    DefaultFBABegin,
		FBABlocks:   fba.BlocksPerBitmapPage,
	}
}

// Validate checks the machine description. The fixed-block region is
// validated by the allocator itself.
func (c Config) Validate() *kernel.Error {
	switch {
	case c.MemorySize < mem.Mb || !mem.IsPageAligned(uintptr(c.MemorySize)):
		return &kernel.Error{Module: "kmain", Message: "memory size must be a page multiple of at least 1Mb", Kind: kernel.KindConfig, Cause: errBadConfig}
	case c.KernelEnd < c.KernelStart:
		return &kernel.Error{Module: "kmain", Message: "kernel image ends before it starts", Kind: kernel.KindConfig, Cause: errBadConfig}
	case c.KernelEnd > uintptr(c.MemorySize):
		return &kernel.Error{Module: "kmain", Message: "kernel image does not fit in physical memory", Kind: kernel.KindConfig, Cause: errBadConfig}
	}

	return nil
}
