package mem

import "testing"

func TestSizeToPages(t *testing.T) {
	specs := []struct {
		size     Size
		expPages uint64
	}{
		{1023 * Kb, 256},
		{1024 * Kb, 256},
		{1 * Byte, 1},
		{0, 0},
		{PageSize + 1, 2},
	}

	for specIndex, spec := range specs {
		if got := spec.size.Pages(); got != spec.expPages {
			t.Errorf("[spec %d] expected Pages(%d bytes) to equal %d; got %d", specIndex, spec.size, spec.expPages, got)
		}
	}
}

func TestIsPageAligned(t *testing.T) {
	specs := []struct {
		addr uintptr
		exp  bool
	}{
		{0, true},
		{0x1000, true},
		{0x001, false},
		{0xfff, false},
		{0x1001, false},
		{0x1fff, false},
	}

	for specIndex, spec := range specs {
		if got := IsPageAligned(spec.addr); got != spec.exp {
			t.Errorf("[spec %d] expected IsPageAligned(0x%x) to return %t; got %t", specIndex, spec.addr, spec.exp, got)
		}
	}
}

func TestKernelSpaceAlias(t *testing.T) {
	specs := []struct {
		phys   uintptr
		kernel uintptr
	}{
		{0, 0xffffffff80000000},
		{0x1000, 0xffffffff80001000},
		{0x7ffff000, 0xfffffffffffff000},
	}

	for specIndex, spec := range specs {
		if got := PhysToKernel(spec.phys); got != spec.kernel {
			t.Errorf("[spec %d] expected PhysToKernel(0x%x) to return 0x%x; got 0x%x", specIndex, spec.phys, spec.kernel, got)
		}

		if got := KernelToPhys(spec.kernel); got != spec.phys {
			t.Errorf("[spec %d] expected KernelToPhys(0x%x) to return 0x%x; got 0x%x", specIndex, spec.kernel, spec.phys, got)
		}
	}

	if exp := uintptr(0x80000000); MaxAliasedPhysAddr != exp {
		t.Errorf("expected MaxAliasedPhysAddr to be 0x%x; got 0x%x", exp, MaxAliasedPhysAddr)
	}
}
