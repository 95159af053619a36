//go:build unix

package hvpp

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// allocPages returns a page-aligned, page-multiple region of the given
// size. Hardware control-structure regions and the per-processor stack are
// handed to the platform by pointer, so the backing memory must not move.
func allocPages(size int) ([]byte, error) {
	if size <= 0 || size%PageSize != 0 {
		return nil, fmt.Errorf("hvpp: region size not a page multiple: %d", size)
	}
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("%w: mapping %d bytes: %v", ErrOutOfMemory, size, err)
	}
	return b, nil
}

func freePages(b []byte) {
	if b != nil {
		_ = unix.Munmap(b)
	}
}
