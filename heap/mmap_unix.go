//go:build unix

package heap

import (
	"golang.org/x/sys/unix"
)

type mmapBacking struct{}

// Mmap returns a Backing that reserves regions with anonymous private mappings.
// Anonymous mappings are zero-filled by the host, which is what makes the freshly
// initialized region safe to hand out without clearing.
func Mmap() Backing {
	return mmapBacking{}
}

func (mmapBacking) PageSize() int {
	return unix.Getpagesize()
}

func (mmapBacking) Reserve(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
}

func (mmapBacking) Release(data []byte) error {
	return unix.Munmap(data)
}
