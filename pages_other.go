//go:build !unix

package hvpp

import "fmt"

func allocPages(size int) ([]byte, error) {
	if size <= 0 || size%PageSize != 0 {
		return nil, fmt.Errorf("hvpp: region size not a page multiple: %d", size)
	}
	return make([]byte, size), nil
}

func freePages([]byte) {}
