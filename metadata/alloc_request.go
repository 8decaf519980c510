package metadata

// AllocationRequestType is an enum that indicates the type of allocation that is being made.
// It is returned in AllocationRequest from CreateAllocationRequest
type AllocationRequestType uint32

const (
	// AllocationRequestFirstFit indicates that the allocation request was sourced from
	// metadata.FirstFitBlockMetadata
	AllocationRequestFirstFit AllocationRequestType = iota
)

var allocationRequestMapping = map[AllocationRequestType]string{
	AllocationRequestFirstFit: "FirstFit",
}

func (t AllocationRequestType) String() string {
	return allocationRequestMapping[t]
}

// AllocationRequest is a type returned from BlockMetadata.CreateAllocationRequest which indicates
// where the metadata intends to place new memory. This placement can be applied to the actual
// memory system consuming the ledger, and then committed to the metadata with BlockMetadata.Alloc
type AllocationRequest struct {
	// BlockAllocationHandle is a numeric handle used to identify the free block the
	// allocation will be carved from. After a successful Alloc the same handle names
	// the busy block.
	BlockAllocationHandle BlockAllocationHandle
	// Size is the total payload size of the allocation, rounded up to a multiple of
	// CapacityAlign and so maybe larger than what was originally requested
	Size int
	// Type identifies the sort of allocation this request represents (and can be used
	// to identify the BlockMetadata implementation used to generate this request).
	Type AllocationRequestType
}
