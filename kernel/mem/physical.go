package mem

import "unsafe"

// KernelSpaceOffset is the base of the kernel-space alias of physical memory.
// Every physical address below 2GiB is also reachable at
// (physAddr | KernelSpaceOffset) without walking any page tables. The offset
// has no bits in common with such addresses so OR and AND-NOT act as add and
// subtract.
const KernelSpaceOffset = uintptr(0xffffffff80000000)

// MaxAliasedPhysAddr is the first physical address that the kernel-space
// alias cannot reach.
const MaxAliasedPhysAddr = ^KernelSpaceOffset + 1

// PhysToKernel returns the kernel-space alias of a physical address.
func PhysToKernel(physAddr uintptr) uintptr {
	return physAddr | KernelSpaceOffset
}

// KernelToPhys reverses PhysToKernel.
func KernelToPhys(kernelAddr uintptr) uintptr {
	return kernelAddr &^ KernelSpaceOffset
}

// PhysMemory resolves kernel-space alias addresses to memory the kernel can
// dereference. On bare metal this is the identity conversion; the hosted
// kernel backs physical memory with an arena (see package physmem).
type PhysMemory interface {
	// Ptr returns a pointer to the byte at kernelAddr. Implementations
	// panic if the address is outside the memory they manage.
	Ptr(kernelAddr uintptr) unsafe.Pointer
}
