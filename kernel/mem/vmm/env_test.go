package vmm

import (
	"testing"

	"github.com/rossbamford-xdesign/anos/kernel"
	"github.com/rossbamford-xdesign/anos/kernel/mem"
	"github.com/rossbamford-xdesign/anos/kernel/mem/physmem"
	"github.com/rossbamford-xdesign/anos/kernel/mem/pmm"
	"github.com/rossbamford-xdesign/anos/kernel/mem/pmm/allocator"
)

var errTestOutOfFrames = &kernel.Error{Module: "test", Message: "out of frames", Kind: kernel.KindExhausted}

// testEnv wires a Mapper to a small arena. Every frame of the arena is
// filled with junk so tests can tell freshly cleared tables apart.
type testEnv struct {
	arena  *physmem.Arena
	boot   allocator.BootMemAllocator
	mapper *Mapper

	// allocLimit caps the number of frames handed out; negative values
	// disable the cap.
	allocLimit int

	// invalidFrame makes the allocator return InvalidFrame without an
	// error once allocLimit is reached.
	invalidFrame bool
}

func newTestEnv(t *testing.T) *testEnv {
	arena, err := physmem.New(1 * mem.Mb)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = arena.Close() })

	for frame := pmm.Frame(0); uint64(frame) < arena.FrameCount(); frame++ {
		page := arena.Page(frame)
		for i := range page {
			page[i] = 0xa5
		}
	}

	env := &testEnv{arena: arena, allocLimit: -1}
	env.boot.Init(arena.MemoryMap(), 0, 0)
	env.mapper = NewMapper(arena, env.allocFrame)
	return env
}

func (env *testEnv) allocFrame() (pmm.Frame, *kernel.Error) {
	switch {
	case env.allocLimit == 0 && env.invalidFrame:
		return pmm.InvalidFrame, nil
	case env.allocLimit == 0:
		return pmm.InvalidFrame, errTestOutOfFrames
	case env.allocLimit > 0:
		env.allocLimit--
	}

	return env.boot.AllocFrame()
}

func (env *testEnv) allocCount() uint64 {
	return env.boot.AllocCount()
}

// activeSpace creates an address space and activates it.
func (env *testEnv) activeSpace(t *testing.T) *AddressSpace {
	as, err := env.mapper.NewAddressSpace()
	if err != nil {
		t.Fatal(err)
	}

	if err = as.Activate(); err != nil {
		t.Fatal(err)
	}

	return as
}

// mockPanic replaces panicFn with a recorder for the duration of the test.
func mockPanic(t *testing.T) *interface{} {
	var got interface{}

	orig := panicFn
	panicFn = func(e interface{}) { got = e }
	t.Cleanup(func() { panicFn = orig })

	return &got
}
