//go:build windows

package heap

import (
	"os"

	"github.com/cockroachdb/errors"
)

var ErrNotSupported = errors.New("mmap backing not supported on windows")

type mmapBacking struct{}

// Mmap returns a Backing that reserves regions with anonymous private mappings.
// On windows every reservation fails with ErrNotSupported.
func Mmap() Backing {
	return mmapBacking{}
}

func (mmapBacking) PageSize() int {
	return os.Getpagesize()
}

func (mmapBacking) Reserve(size int) ([]byte, error) {
	return nil, ErrNotSupported
}

func (mmapBacking) Release(data []byte) error {
	return nil
}
