// Package kmain brings up the hosted kernel's memory subsystem in the order
// the real kernel does: physical memory, frame allocators, the kernel
// address space, trap handling and finally the fixed-block allocator.
package kmain

import (
	"log/slog"

	"github.com/rossbamford-xdesign/anos/kernel"
	"github.com/rossbamford-xdesign/anos/kernel/cpu"
	"github.com/rossbamford-xdesign/anos/kernel/gate"
	"github.com/rossbamford-xdesign/anos/kernel/kfmt"
	"github.com/rossbamford-xdesign/anos/kernel/mem"
	"github.com/rossbamford-xdesign/anos/kernel/mem/fba"
	"github.com/rossbamford-xdesign/anos/kernel/mem/physmem"
	"github.com/rossbamford-xdesign/anos/kernel/mem/pmm"
	"github.com/rossbamford-xdesign/anos/kernel/mem/pmm/allocator"
	"github.com/rossbamford-xdesign/anos/kernel/mem/vmm"
)

var (
	// newArenaFn is mocked by tests.
	newArenaFn = physmem.New
)

// Kernel holds the subsystems initialized by Boot.
type Kernel struct {
	log *slog.Logger

	Arena        *physmem.Arena
	BootAlloc    allocator.BootMemAllocator
	FrameAlloc   allocator.BitmapAllocator
	Mapper       *vmm.Mapper
	AddressSpace *vmm.AddressSpace
	Gate         *gate.Table
	FBA          *fba.Allocator

	// allocFn points to the frame allocator in use. It starts out as
	// the boot allocator and switches to the bitmap allocator once that
	// is initialized.
	allocFn pmm.FrameAllocatorFn
}

// AllocFrame reserves a physical frame from the active frame allocator.
func (k *Kernel) AllocFrame() (pmm.Frame, *kernel.Error) {
	return k.allocFn()
}

// Boot initializes every subsystem according to cfg. Errors in the
// configuration are returned; unrecoverable errors during bring-up are
// routed to the kernel panic path.
func Boot(cfg Config) (*Kernel, *kernel.Error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	arena, err := newArenaFn(cfg.MemorySize)
	if err != nil {
		return nil, err
	}

	k := &Kernel{
		log:   slog.With("src", "Kmain"),
		Arena: arena,
	}

	if err = k.initFrameAllocators(cfg); err != nil {
		k.Shutdown()
		return nil, err
	}

	if err = k.initAddressSpace(cfg); err != nil {
		k.Shutdown()
		return nil, err
	}

	if err = k.initGate(); err != nil {
		k.Shutdown()
		return nil, err
	}

	k.FBA = fba.New(k.Mapper, k.AllocFrame, arena)
	k.FBA.SetFrameReleaser(k.FrameAlloc.FreeFrame)
	if err = k.FBA.Init(k.AddressSpace.Root(), cfg.FBABegin, cfg.FBABlocks); err != nil {
		k.Shutdown()
		return nil, err
	}

	cpu.EnableInterrupts()
	k.log.Info("boot complete",
		"memory", uint64(cfg.MemorySize),
		"root", uintptr(k.AddressSpace.Root()),
		"fba_blocks", cfg.FBABlocks,
	)
	return k, nil
}

// initFrameAllocators sets up the boot allocator and uses it to bootstrap
// the bitmap allocator.
func (k *Kernel) initFrameAllocators(cfg Config) *kernel.Error {
	k.BootAlloc.Init(k.Arena.MemoryMap(), cfg.KernelStart, cfg.KernelEnd)
	k.BootAlloc.PrintMemoryMap()
	k.allocFn = k.BootAlloc.AllocFrame

	if err := k.FrameAlloc.Init(&k.BootAlloc); err != nil {
		return err
	}
	k.allocFn = k.FrameAlloc.AllocFrame

	return nil
}

// initAddressSpace creates the kernel page tables, maps the kernel image at
// its kernel-space alias and activates them.
func (k *Kernel) initAddressSpace(cfg Config) *kernel.Error {
	k.Mapper = vmm.NewMapper(k.Arena, k.AllocFrame)

	var err *kernel.Error
	if k.AddressSpace, err = k.Mapper.NewAddressSpace(); err != nil {
		return err
	}

	if cfg.KernelEnd > cfg.KernelStart {
		kernelStart := cfg.KernelStart &^ uintptr(mem.PageSize-1)
		err = k.AddressSpace.MapRegion(
			mem.PhysToKernel(kernelStart),
			pmm.FrameFromAddress(kernelStart),
			mem.Size(cfg.KernelEnd-kernelStart),
			vmm.FlagPresent|vmm.FlagRW|vmm.FlagGlobal,
		)
		if err != nil {
			return err
		}
	}

	if err = k.AddressSpace.Activate(); err != nil {
		return err
	}

	return k.Mapper.ReserveZeroedFrame()
}

// initGate installs the default vector layout and the paging-related
// exception handlers.
func (k *Kernel) initGate() *kernel.Error {
	k.Gate = gate.NewTable()
	if err := k.Gate.Install(gate.DefaultVectors()); err != nil {
		return err
	}

	return k.Mapper.InstallFaultHandlers(k.Gate)
}

// PrintStats outputs frame allocator statistics.
func (k *Kernel) PrintStats() {
	total, reserved := k.FrameAlloc.Stats()
	kfmt.Printf("[kmain] frames: %d total, %d reserved, %d free\n", total, reserved, total-reserved)
	if k.FBA != nil {
		kfmt.Printf("[kmain] fba: %d blocks at 0x%x, %d bitmap pages, %d free\n",
			k.FBA.Size(), k.FBA.Begin(), k.FBA.BitmapPages(), k.FBA.FreeBlocks())
	}
}

// Shutdown releases the physical memory arena.
func (k *Kernel) Shutdown() {
	cpu.DisableInterrupts()
	if k.Arena != nil {
		if err := k.Arena.Close(); err != nil {
			k.log.Error("shutdown", "err", err)
		}
	}
}
