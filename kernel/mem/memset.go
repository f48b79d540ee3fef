package mem

import "unsafe"

// Memset sets size bytes starting at ptr to the supplied value. Instead of a
// byte loop it performs log2(size) copy calls which is considerably faster
// for page-sized, page-aligned regions.
func Memset(ptr unsafe.Pointer, value byte, size Size) {
	if size == 0 {
		return
	}

	target := unsafe.Slice((*byte)(ptr), int(size))

	// Set first element and make log2(size) optimized copies
	target[0] = value
	for index := Size(1); index < size; index *= 2 {
		copy(target[index:], target[:index])
	}
}

// Memcopy copies size bytes from src to dst.
func Memcopy(src, dst unsafe.Pointer, size Size) {
	if size == 0 {
		return
	}

	copy(
		unsafe.Slice((*byte)(dst), int(size)),
		unsafe.Slice((*byte)(src), int(size)),
	)
}
