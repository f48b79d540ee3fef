package allocator

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rossbamford-xdesign/anos/kernel/kfmt"
	"github.com/rossbamford-xdesign/anos/kernel/mem/pmm"
)

// testMemoryMap mirrors what qemu reports for a machine with 128M RAM:
//
//	[     0 -   9fc00] available (rounded to frames 0-158)
//	[100000 - 7fe0000] available (frames 256-32735)
var testMemoryMap = []MemoryMapEntry{
	{PhysAddress: 0x0, Length: 0x9fc00, Type: MemAvailable},
	{PhysAddress: 0x9fc00, Length: 0x400, Type: MemReserved},
	{PhysAddress: 0xf0000, Length: 0x10000, Type: MemReserved},
	{PhysAddress: 0x100000, Length: 0x7ee0000, Type: MemAvailable},
	{PhysAddress: 0x7fe0000, Length: 0x20000, Type: MemReserved},
	{PhysAddress: 0xfffc0000, Length: 0x40000, Type: MemReserved},
}

func TestBootMemoryAllocator(t *testing.T) {
	specs := []struct {
		kernelStart, kernelEnd uintptr
		expFrames              uint64
	}{
		// no kernel image
		{0, 0, 159 + 32480},
		// kernel image occupying frames 256-265
		{0x100000, 0x10a000, 159 + 32480 - 10},
		// unaligned kernel image occupying frames 0-1
		{0x10, 0x1010, 159 + 32480 - 2},
	}

	for specIndex, spec := range specs {
		var (
			alloc           BootMemAllocator
			allocFrameCount uint64
			lastFrame       pmm.Frame
		)

		alloc.Init(testMemoryMap, spec.kernelStart, spec.kernelEnd)
		for {
			frame, err := alloc.AllocFrame()
			if err != nil {
				if err == errBootAllocOutOfMemory {
					break
				}
				t.Fatalf("[spec %d] [frame %d] unexpected allocator error: %v", specIndex, allocFrameCount, err)
			}

			if allocFrameCount > 0 && frame <= lastFrame {
				t.Fatalf("[spec %d] expected frames to be allocated in increasing order; got %d after %d", specIndex, frame, lastFrame)
			}

			if spec.kernelEnd > spec.kernelStart && frame.Address() >= spec.kernelStart&^0xfff && frame.Address() < spec.kernelEnd {
				t.Fatalf("[spec %d] allocator handed out frame %d which overlaps the kernel image", specIndex, frame)
			}

			if frame != alloc.LastAllocFrame() {
				t.Errorf("[spec %d] expected allocated frame to be %d; got %d", specIndex, alloc.LastAllocFrame(), frame)
			}

			allocFrameCount++
			lastFrame = frame
		}

		if allocFrameCount != spec.expFrames {
			t.Errorf("[spec %d] expected allocator to allocate %d frames; allocated %d", specIndex, spec.expFrames, allocFrameCount)
		}

		if got := alloc.AllocCount(); got != spec.expFrames {
			t.Errorf("[spec %d] expected AllocCount() to return %d; got %d", specIndex, spec.expFrames, got)
		}
	}
}

func TestBootMemoryAllocatorSequence(t *testing.T) {
	var alloc BootMemAllocator
	alloc.Init([]MemoryMapEntry{
		{PhysAddress: 0x200000, Length: 0x3000, Type: MemAvailable},
	}, 0, 0)

	for i, exp := range []uintptr{0x200000, 0x201000, 0x202000} {
		frame, err := alloc.AllocFrame()
		if err != nil {
			t.Fatal(err)
		}

		if got := frame.Address(); got != exp {
			t.Fatalf("[alloc %d] expected frame at 0x%x; got 0x%x", i, exp, got)
		}
	}

	frame, err := alloc.AllocFrame()
	if err != errBootAllocOutOfMemory {
		t.Fatalf("expected errBootAllocOutOfMemory; got %v", err)
	}

	if frame.Valid() {
		t.Fatal("expected exhausted allocator to return InvalidFrame")
	}
}

func TestBootMemoryAllocatorPrintMemoryMap(t *testing.T) {
	defer kfmt.SetOutputSink(nil)

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	var alloc BootMemAllocator
	alloc.Init(testMemoryMap, 0x100000, 0x10a000)
	alloc.PrintMemoryMap()

	for _, exp := range []string{
		"[boot_mem_alloc] system memory map:",
		"[0x0000100000 - 0x0007fe0000], size:  133038080, type: available",
		"[0x00fffc0000 - 0x0100000000], size:     262144, type: reserved",
		"[boot_mem_alloc] available memory: 130559Kb",
		"[boot_mem_alloc] kernel loaded at 0x100000 - 0x10a000",
		"[boot_mem_alloc] size: 40960 bytes, reserved pages: 10",
	} {
		if !strings.Contains(buf.String(), exp) {
			t.Errorf("expected memory map output to contain %q; got:\n%s", exp, buf.String())
		}
	}
}

func TestMemoryEntryTypeString(t *testing.T) {
	specs := []struct {
		input MemoryEntryType
		exp   string
	}{
		{MemAvailable, "available"},
		{MemReserved, "reserved"},
		{MemAcpiReclaimable, "ACPI (reclaimable)"},
		{MemNvs, "NVS"},
		{MemoryEntryType(123), "unknown"},
	}

	for specIndex, spec := range specs {
		if got := spec.input.String(); got != spec.exp {
			t.Errorf("[spec %d] expected to get %q; got %q", specIndex, spec.exp, got)
		}
	}
}
