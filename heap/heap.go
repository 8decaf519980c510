package heap

import (
	"github.com/axleburr/memfit"
	"github.com/axleburr/memfit/metadata"
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"golang.org/x/exp/slog"
)

var errNotInitialized = errors.New("allocator does not own a region yet")

// Heap is a single fixed-size allocator instance. It owns one region obtained from
// its Backing at Init time and a block ledger partitioning that region. Payload
// references handed out by Alloc are byte offsets into the region, and are validated
// against the ledger before Free or Payload will act on them.
//
// A Heap is not safe for concurrent use. Callers that share one across goroutines
// must serialize every operation; there is no finer locking boundary than the whole
// ledger.
type Heap struct {
	backing Backing
	region  []byte
	meta    metadata.BlockMetadata
	live    *swiss.Map[int, metadata.BlockAllocationHandle]
}

func New(backing Backing) *Heap {
	return &Heap{
		backing: backing,
	}
}

// Init reserves the Heap's region and establishes the initial single free block
// spanning all of it. regionSize is rounded up to the backing's page size. Init may
// succeed at most once per Heap; later calls fail with memfit.ErrAlreadyInitialized
// and leave the existing region untouched.
func (h *Heap) Init(regionSize int) error {
	if h.region != nil {
		return memfit.ErrAlreadyInitialized
	}
	if regionSize <= 0 {
		return errors.Wrapf(memfit.ErrInvalidSize, "region size is %d", regionSize)
	}

	pageSize := h.backing.PageSize()
	if err := memfit.CheckPow2(pageSize, "backing page size"); err != nil {
		return err
	}

	roundedSize := memfit.AlignUp(regionSize, uint(pageSize))
	region, err := h.backing.Reserve(roundedSize)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "reserving %d bytes", roundedSize), memfit.ErrBackingAllocation)
	}

	meta := metadata.NewFirstFitBlockMetadata()
	meta.Init(len(region))

	h.region = region
	h.meta = meta
	h.live = swiss.NewMap[int, metadata.BlockAllocationHandle](42)
	return nil
}

// Alloc reserves size bytes from the region and returns the payload reference: the
// offset of the first payload byte of the chosen block. The usable capacity behind
// the reference is size rounded up to the next multiple of 4. Fails with
// memfit.ErrInvalidSize for non-positive sizes and memfit.ErrNoFit when no free
// block can hold the rounded size; neither failure modifies the ledger.
func (h *Heap) Alloc(size int) (int, error) {
	if h.region == nil {
		return 0, errNotInitialized
	}
	if size <= 0 {
		return 0, errors.Wrapf(memfit.ErrInvalidSize, "allocation size is %d", size)
	}

	found, request, err := h.meta.CreateAllocationRequest(size)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, errors.Wrapf(memfit.ErrNoFit, "allocation size is %d", size)
	}

	// userData keeps the pre-rounding size; DebugLogAllAllocations reports it for
	// leaked blocks.
	if err := h.meta.Alloc(request, size); err != nil {
		return 0, err
	}

	headerOffset, err := h.meta.AllocationOffset(request.BlockAllocationHandle)
	if err != nil {
		return 0, err
	}

	ptr := headerOffset + metadata.HeaderSize
	h.live.Put(ptr, request.BlockAllocationHandle)
	return ptr, nil
}

// Free returns the block behind a payload reference to the free state and merges it
// with any free address-adjacent neighbor. Fails with memfit.ErrNullPointer when ptr
// is zero or negative and with memfit.ErrNotAllocated when ptr does not name the
// payload of a currently busy block- which covers double frees and references that
// were never returned by Alloc. Failures leave the ledger unchanged.
func (h *Heap) Free(ptr int) error {
	if h.region == nil {
		return errNotInitialized
	}
	if ptr <= 0 {
		return memfit.ErrNullPointer
	}

	handle, ok := h.live.Get(ptr)
	if !ok {
		return errors.Wrapf(memfit.ErrNotAllocated, "payload reference %d", ptr)
	}

	if err := h.meta.Free(handle); err != nil {
		return err
	}

	h.live.Delete(ptr)
	return nil
}

// Payload returns the usable bytes behind a payload reference previously returned by
// Alloc. The slice aliases the region; writes through it are how callers use their
// allocation.
func (h *Heap) Payload(ptr int) ([]byte, error) {
	if h.region == nil {
		return nil, errNotInitialized
	}

	handle, ok := h.live.Get(ptr)
	if !ok {
		return nil, errors.Wrapf(memfit.ErrNotAllocated, "payload reference %d", ptr)
	}

	capacity, err := h.meta.AllocationCapacity(handle)
	if err != nil {
		return nil, err
	}

	return h.region[ptr : ptr+capacity : ptr+capacity], nil
}

// Size returns the rounded size of the owned region, or 0 before Init.
func (h *Heap) Size() int {
	return len(h.region)
}

// Validate walks the whole ledger checking its structural invariants.
func (h *Heap) Validate() error {
	if h.region == nil {
		return errNotInitialized
	}
	return h.meta.Validate()
}

// AddStatistics sums this Heap's block statistics into stats.
func (h *Heap) AddStatistics(stats *memfit.Statistics) {
	if h.region == nil {
		return
	}
	h.meta.AddStatistics(stats)
}

// AddDetailedStatistics sums this Heap's block statistics into stats.
func (h *Heap) AddDetailedStatistics(stats *memfit.DetailedStatistics) {
	if h.region == nil {
		return
	}
	h.meta.AddDetailedStatistics(stats)
}

// DebugLogAllAllocations logs one line for every block still allocated. Useful just
// before Close to spot leaks.
func (h *Heap) DebugLogAllAllocations(logger *slog.Logger) {
	if h.region == nil {
		return
	}
	h.meta.DebugLogAllAllocations(logger)
}

// Close releases the region back to the backing. The Heap cannot be reused
// afterward; payload slices previously returned by Payload must not be touched
// again.
func (h *Heap) Close() error {
	if h.region == nil {
		return nil
	}

	region := h.region
	h.region = nil
	h.meta = nil
	h.live = nil
	return h.backing.Release(region)
}
