package heap

// Backing supplies the raw memory region a Heap manages. Implementations must hand
// out zero-initialized, read/write memory of exactly the requested length and must
// report failure distinctly- a Heap never carves blocks out of a failed reservation.
type Backing interface {
	// PageSize returns the reservation granularity in bytes. It must be a power of
	// two; Heap.Init rounds the requested region size up to a multiple of it.
	PageSize() int
	// Reserve obtains a zero-initialized read/write span of exactly size bytes
	Reserve(size int) ([]byte, error)
	// Release returns a span previously obtained from Reserve to the host
	Release(data []byte) error
}
