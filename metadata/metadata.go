package metadata

import (
	"github.com/axleburr/memfit"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slog"
)

// BlockMetadata represents the ledger for a single contiguous region of memory within
// some system. It partitions the region into an address-ordered sequence of blocks,
// each one a fixed-size header span followed by a payload span, and tracks which
// blocks are busy. Allocations can be requested and freed, as well as enumerated and
// queried.
type BlockMetadata interface {
	// Init must be called before the BlockMetadata is used. It informs the
	// implementation of the size in bytes of the region it will be managing, via the
	// size parameter, and establishes a single free block spanning the whole region.
	// The size must be a positive multiple of CapacityAlign large enough for one
	// minimum-size block.
	Init(size int)
	// Size retrieves the size in bytes that the ledger was initialized with
	Size() int

	// Validate performs internal consistency checks on the ledger: blocks must
	// partition the region in ascending address order with no gaps or overlaps,
	// capacities must be multiples of CapacityAlign, no two adjacent blocks may both
	// be free, and the running counters must agree with a full walk. When the
	// implementation is functioning correctly, it should not be possible for this
	// method to return an error, but this may assist in diagnosing issues with the
	// implementation.
	Validate() error
	// AllocationCount returns the number of busy blocks currently live in the ledger.
	// This number should generally be the number of successful allocations minus the
	// number of successful frees.
	AllocationCount() int
	// FreeRegionsCount returns the number of free blocks in the ledger. Adjacent free
	// blocks are always merged, so each counted region is a maximal free span.
	FreeRegionsCount() int
	// SumFreeSize returns the summed payload capacity of all free blocks, excluding
	// their headers.
	SumFreeSize() int

	// IsEmpty will return true if this ledger has no busy blocks
	IsEmpty() bool

	// VisitAllBlocks will call the provided callback once for each block in the
	// ledger, in ascending address order. offset is the block's header offset within
	// the region and capacity is its payload capacity.
	VisitAllBlocks(handleBlock func(handle BlockAllocationHandle, offset, capacity int, userData any, free bool) error) error
	// AllocationOffset accepts a BlockAllocationHandle that maps to a live block
	// within the ledger and returns the header offset in bytes within the region for
	// that block.
	//
	// The implementation must return an error if the provided handle does not map to
	// a live block within this ledger.
	AllocationOffset(allocHandle BlockAllocationHandle) (int, error)
	// AllocationCapacity accepts a BlockAllocationHandle that maps to a live block
	// within the ledger and returns that block's payload capacity in bytes.
	//
	// The implementation must return an error if the provided handle does not map to
	// a live block within this ledger.
	AllocationCapacity(allocHandle BlockAllocationHandle) (int, error)
	// AllocationUserData accepts a BlockAllocationHandle that maps to a busy block
	// within the ledger and returns the userdata value provided by the consumer for
	// that allocation.
	//
	// The implementation must return an error if the provided handle does not map to
	// a busy block within this ledger.
	AllocationUserData(allocHandle BlockAllocationHandle) (any, error)

	// AddDetailedStatistics sums this region's block statistics into the statistics
	// currently present in the provided memfit.DetailedStatistics object.
	AddDetailedStatistics(stats *memfit.DetailedStatistics)
	// AddStatistics sums this region's block statistics into the statistics currently
	// present in the provided memfit.Statistics object.
	AddStatistics(stats *memfit.Statistics)

	// Clear instantly frees all allocations, restoring the single full-region free
	// block that Init established
	Clear()
	// BlockJsonData populates a json object with information about this region's blocks
	BlockJsonData(json jwriter.ObjectState)
	// DebugLogAllAllocations logs one line for every busy block still present in the
	// ledger. Intended for leak diagnosis at teardown.
	DebugLogAllAllocations(logger *slog.Logger)

	// CreateAllocationRequest retrieves an AllocationRequest object indicating where
	// the implementation would prefer to place the requested memory. That object can
	// be passed to Alloc to commit the allocation.
	//
	// allocSize is the size in bytes of the requested allocation and must be positive;
	// it is rounded up to the next multiple of CapacityAlign before the search. The
	// boolean return is false when no free block can hold the rounded size. The ledger
	// is not modified in either case.
	CreateAllocationRequest(allocSize int) (bool, AllocationRequest, error)
	// Alloc commits an AllocationRequest object, marking the chosen block busy and
	// splitting off a free remainder block when the chosen block's capacity exceeds
	// the request by at least a header plus MinCapacity. The implementation must
	// return an error if the allocation is no longer valid- i.e. the chosen block no
	// longer exists, is not free, or is no longer large enough to support the request.
	Alloc(request AllocationRequest, userData any) error

	// Free marks a busy block free again and merges it with its address-adjacent
	// free neighbors, forward neighbor first.
	//
	// The implementation must return an error if the provided handle does not map to
	// a busy block within this ledger, leaving the ledger unchanged.
	Free(allocHandle BlockAllocationHandle) error
}

// BlockMetadataBase is a simple struct that provides a few shared utilities for
// BlockMetadata implementations in the memfit module.
type BlockMetadataBase struct {
	size int
}

// Init prepares this structure for allocations and sizes the region in bytes based on the parameter size.
func (m *BlockMetadataBase) Init(size int) {
	m.size = size
}

// Size returns the size of the region in bytes
func (m *BlockMetadataBase) Size() int { return m.size }

// BlockJsonData populates a json object with information about this region
func (m *BlockMetadataBase) BlockJsonData(json jwriter.ObjectState, unusedBytes, allocationCount, unusedRangeCount int) {
	json.Name("TotalBytes").Int(m.Size())
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}
