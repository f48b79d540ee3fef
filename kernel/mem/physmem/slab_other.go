//go:build !linux

package physmem

import (
	"unsafe"

	"github.com/rossbamford-xdesign/anos/kernel/mem"
)

// allocSlab over-allocates from the Go heap and trims the slice so that it
// starts on a page boundary.
func allocSlab(size int) ([]byte, error) {
	buf := make([]byte, size+int(mem.PageSize))
	offset := int(-uintptr(unsafe.Pointer(&buf[0])) & uintptr(mem.PageSize-1))
	return buf[offset : offset+size : offset+size], nil
}

func freeSlab(_ []byte) error {
	return nil
}
