// Command anos-sim boots the hosted memory subsystem and exercises the page
// table mapper, the trap gate and the fixed-block allocator against it.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/rossbamford-xdesign/anos/kernel"
	"github.com/rossbamford-xdesign/anos/kernel/gate"
	"github.com/rossbamford-xdesign/anos/kernel/kfmt"
	"github.com/rossbamford-xdesign/anos/kernel/kmain"
	"github.com/rossbamford-xdesign/anos/kernel/mem"
	"github.com/rossbamford-xdesign/anos/kernel/mem/pmm"
	"github.com/rossbamford-xdesign/anos/kernel/mem/vmm"
)

// userBase is where the simulated workload maps its pages.
const userBase = uintptr(0x0000000040000000)

type options struct {
	memMb     uint
	fbaBlocks uint64
	pages     uint
	blocks    uint
	cow       bool
	verbose   bool
}

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[anos-sim] error: %s\n", err.Error())
	os.Exit(1)
}

func parseOptions() options {
	var opts options
	flag.UintVar(&opts.memMb, "mem", 16, "physical memory size in Mb")
	flag.Uint64Var(&opts.fbaBlocks, "fba-blocks", 32768, "number of blocks managed by the fixed-block allocator")
	flag.UintVar(&opts.pages, "pages", 64, "number of pages to map and unmap")
	flag.UintVar(&opts.blocks, "blocks", 16, "number of fixed blocks to allocate and free")
	flag.BoolVar(&opts.cow, "cow", true, "map a demand-zero page and trigger a copy-on-write fault")
	flag.BoolVar(&opts.verbose, "verbose", false, "enable debug logging")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, "anos-sim: boot the hosted memory subsystem and run a workload against it\n\n")
		fmt.Fprint(os.Stderr, "Usage: anos-sim [options]\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	return opts
}

func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
	})))
}

func runTool() error {
	opts := parseOptions()
	setupLogging(opts.verbose)
	kfmt.SetOutputSink(&kfmt.PrefixWriter{Sink: os.Stdout, Prefix: []byte("[kernel] ")})

	cfg := kmain.DefaultConfig()
	cfg.MemorySize = mem.Size(opts.memMb) * mem.Mb
	cfg.FBABlocks = opts.fbaBlocks

	k, err := kmain.Boot(cfg)
	if err != nil {
		return err
	}
	defer k.Shutdown()

	if err = mapPages(k, opts.pages); err != nil {
		return err
	}

	if err = allocBlocks(k, opts.blocks); err != nil {
		return err
	}

	if opts.cow {
		if err = copyOnWrite(k); err != nil {
			return err
		}
	}

	k.PrintStats()
	kfmt.Printf("[anos-sim] root table 0x%x checksum: %016x\n",
		k.AddressSpace.Root().Address(), k.Arena.Checksum(k.AddressSpace.Root()))

	return nil
}

// mapPages maps count freshly allocated frames starting at userBase, checks
// the translations and unmaps them again, returning each frame.
func mapPages(k *kmain.Kernel, count uint) *kernel.Error {
	log := slog.With("src", "Workload")

	for i := uint(0); i < count; i++ {
		frame, err := k.AllocFrame()
		if err != nil {
			return err
		}

		virt := userBase + uintptr(i)*uintptr(mem.PageSize)
		if err = k.AddressSpace.Map(virt, frame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagUserAccessible); err != nil {
			return err
		}

		phys, err := k.AddressSpace.Translate(virt + 0x10)
		if err != nil {
			return err
		}
		if phys != frame.Address()+0x10 {
			return &kernel.Error{Module: "anos-sim", Message: fmt.Sprintf("translation mismatch for 0x%x", virt)}
		}
	}
	log.Info("mapped pages", "count", count, "base", fmt.Sprintf("0x%x", userBase))

	for i := uint(0); i < count; i++ {
		virt := userBase + uintptr(i)*uintptr(mem.PageSize)
		frame, err := k.AddressSpace.Unmap(virt)
		if err != nil {
			return err
		}

		if err = k.FrameAlloc.FreeFrame(frame); err != nil {
			return err
		}
	}
	log.Info("unmapped pages", "count", count)

	return nil
}

// allocBlocks allocates count fixed blocks, scribbles over them and frees
// them.
func allocBlocks(k *kmain.Kernel, count uint) *kernel.Error {
	log := slog.With("src", "Workload")
	addrs := make([]uintptr, 0, count)

	for i := uint(0); i < count; i++ {
		addr, err := k.FBA.AllocBlock()
		if err != nil {
			return err
		}

		phys, err := k.AddressSpace.Translate(addr)
		if err != nil {
			return err
		}

		page := k.Arena.Page(pmm.FrameFromAddress(phys))
		for j := range page {
			page[j] = byte(i)
		}

		log.Debug("allocated block", "addr", fmt.Sprintf("0x%x", addr), "phys", fmt.Sprintf("0x%x", phys))
		addrs = append(addrs, addr)
	}
	log.Info("allocated blocks", "count", count, "free", k.FBA.FreeBlocks())

	for _, addr := range addrs {
		if err := k.FBA.FreeBlock(addr); err != nil {
			return err
		}
	}
	log.Info("freed blocks", "free", k.FBA.FreeBlocks())

	return nil
}

// copyOnWrite maps a demand-zero page, raises a write fault against it and
// verifies that the page now points to a private copy.
func copyOnWrite(k *kmain.Kernel) *kernel.Error {
	const (
		faultPresent = 1 << 0
		faultWrite   = 1 << 1
	)

	virt := userBase - uintptr(mem.PageSize)
	if err := k.AddressSpace.MapOnDemand(virt, 1); err != nil {
		return err
	}

	var regs gate.Registers
	regs.RIP = 0xffffffff80101000
	if err := k.Gate.RaisePageFault(virt, faultPresent|faultWrite, &regs); err != nil {
		return err
	}

	phys, err := k.AddressSpace.Translate(virt)
	if err != nil {
		return err
	}

	if phys == k.Mapper.ZeroedFrame().Address() {
		return &kernel.Error{Module: "anos-sim", Message: "copy-on-write fault did not remap page"}
	}

	slog.With("src", "Workload").Info("copy-on-write resolved",
		"virt", fmt.Sprintf("0x%x", virt),
		"phys", fmt.Sprintf("0x%x", phys),
	)
	return nil
}

func main() {
	if err := runTool(); err != nil {
		exit(err)
	}
}
