package metadata

import "math"

type BlockAllocationHandle uint64

const (
	NoAllocation BlockAllocationHandle = math.MaxUint64
)

const (
	// HeaderSize is the number of bytes of each block's region span that are reserved
	// for its header. Block descriptors live outside the region, but the header bytes
	// still participate in every capacity computation so that block spans partition
	// the region exactly.
	HeaderSize = 8
	// CapacityAlign is the granularity of payload capacities. The low bits freed up
	// by this alignment are where the busy flag is packed.
	CapacityAlign = 4
	// MinCapacity is the smallest payload capacity a block may have. A free block is
	// only split when the remainder can hold a header plus MinCapacity bytes.
	MinCapacity = CapacityAlign
)
