//go:build linux

package physmem

import "golang.org/x/sys/unix"

const (
	mmapMode = unix.MAP_ANON | unix.MAP_PRIVATE
	mmapProt = unix.PROT_READ | unix.PROT_WRITE
)

// allocSlab maps size bytes of anonymous memory. The mapping is aligned to
// the host page size and lives outside the Go heap.
func allocSlab(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, mmapProt, mmapMode)
}

func freeSlab(raw []byte) error {
	return unix.Munmap(raw)
}
