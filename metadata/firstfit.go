package metadata

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/axleburr/memfit"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"
)

const statusBusy = 1

var blockAllocator = sync.Pool{
	New: func() any {
		return &ledgerBlock{}
	},
}

// ledgerBlock is one entry in the address-ordered block chain. sizeStatus packs the
// payload capacity with the busy flag in its low-order bit- capacity is always a
// multiple of CapacityAlign, so the low bits carry no size information. The packed
// word must only be touched through the accessors below.
type ledgerBlock struct {
	offset     int
	sizeStatus int

	prev *ledgerBlock
	next *ledgerBlock

	userData    any
	blockHandle BlockAllocationHandle
}

func (b *ledgerBlock) Capacity() int {
	return b.sizeStatus &^ statusBusy
}

func (b *ledgerBlock) IsFree() bool {
	return b.sizeStatus&statusBusy == 0
}

func (b *ledgerBlock) MarkTaken() {
	b.sizeStatus |= statusBusy
}

func (b *ledgerBlock) MarkFree() {
	b.sizeStatus &^= statusBusy
}

func (b *ledgerBlock) setCapacity(capacity int) {
	if capacity&(CapacityAlign-1) != 0 {
		panic(fmt.Sprintf("block capacity %d is not a multiple of %d", capacity, CapacityAlign))
	}
	b.sizeStatus = capacity | (b.sizeStatus & statusBusy)
}

// FirstFitBlockMetadata maintains the region's blocks as a single chain ordered by
// ascending address. Allocation is a first-fit scan from the head of the chain;
// freeing merges the block with its free neighbors so that no two adjacent blocks
// are ever both free.
type FirstFitBlockMetadata struct {
	BlockMetadataBase

	allocCount      int
	blocksFreeCount int
	blocksFreeSize  int

	nextAllocationHandle BlockAllocationHandle
	handleKey            *swiss.Map[BlockAllocationHandle, *ledgerBlock]
	headBlock            *ledgerBlock
}

var _ BlockMetadata = &FirstFitBlockMetadata{}

func NewFirstFitBlockMetadata() *FirstFitBlockMetadata {
	return &FirstFitBlockMetadata{}
}

func (m *FirstFitBlockMetadata) allocateBlock() *ledgerBlock {
	b := blockAllocator.Get().(*ledgerBlock)
	b.offset = 0
	b.sizeStatus = 0
	b.prev = nil
	b.next = nil
	b.userData = nil
	b.blockHandle = BlockAllocationHandle(atomic.AddUint64((*uint64)(&m.nextAllocationHandle), 1))
	m.handleKey.Put(b.blockHandle, b)
	return b
}

func (m *FirstFitBlockMetadata) freeBlock(b *ledgerBlock) {
	m.handleKey.Delete(b.blockHandle)
	blockAllocator.Put(b)
}

func (m *FirstFitBlockMetadata) getBlock(handle BlockAllocationHandle) (*ledgerBlock, error) {
	block, ok := m.handleKey.Get(handle)
	if !ok {
		return nil, errors.New("received a handle that was incompatible with this metadata")
	}
	return block, nil
}

func (m *FirstFitBlockMetadata) Init(size int) {
	if size < HeaderSize+MinCapacity {
		panic(fmt.Sprintf("region size %d cannot hold even a single minimum-size block", size))
	}

	m.BlockMetadataBase.Init(size)
	m.handleKey = swiss.NewMap[BlockAllocationHandle, *ledgerBlock](42)

	m.headBlock = m.allocateBlock()
	m.headBlock.setCapacity(size - HeaderSize)
	m.headBlock.MarkFree()

	m.blocksFreeCount = 1
	m.blocksFreeSize = m.headBlock.Capacity()
}

func (m *FirstFitBlockMetadata) Validate() error {
	if m.headBlock == nil {
		return errors.New("the ledger has not been initialized")
	}

	if m.headBlock.offset != 0 {
		return errors.Errorf("the head block should have an offset of 0, but instead it has an offset of %d", m.headBlock.offset)
	}

	if m.headBlock.prev != nil {
		return errors.New("the head block has a predecessor")
	}

	var allocCount, freeCount, freeSize, calculatedSize int

	for block := m.headBlock; block != nil; block = block.next {
		capacity := block.Capacity()
		if capacity < MinCapacity {
			return errors.Errorf("block at offset %d has capacity %d, smaller than the minimum %d", block.offset, capacity, MinCapacity)
		}
		if capacity&(CapacityAlign-1) != 0 {
			return errors.Errorf("block at offset %d has capacity %d, which is not a multiple of %d", block.offset, capacity, CapacityAlign)
		}

		calculatedSize += HeaderSize + capacity

		if block.IsFree() {
			freeCount++
			freeSize += capacity

			if block.next != nil && block.next.IsFree() {
				return errors.Errorf("blocks at offsets %d and %d are adjacent but both free", block.offset, block.next.offset)
			}
		} else {
			allocCount++
		}

		if block.next != nil {
			if block.next.offset != block.offset+HeaderSize+capacity {
				return errors.Errorf("block at offset %d does not end at the next block's start offset %d", block.offset, block.next.offset)
			}
			if block.next.prev != block {
				return errors.Errorf("block at offset %d has a next block, but the reverse reference is broken", block.offset)
			}
		}
	}

	if calculatedSize != m.Size() {
		return errors.Errorf("the full size of the region is %d, but the blocks only added up to %d", m.Size(), calculatedSize)
	}

	if allocCount != m.allocCount {
		return errors.Errorf("the allocation count of the ledger is %d, but the busy blocks only added up to %d", m.allocCount, allocCount)
	}

	if freeCount != m.blocksFreeCount {
		return errors.Errorf("the free block count of the ledger is %d, but there were only %d free blocks", m.blocksFreeCount, freeCount)
	}

	if freeSize != m.blocksFreeSize {
		return errors.Errorf("the free size of the ledger is %d, but the free blocks only added up to %d", m.blocksFreeSize, freeSize)
	}

	return nil
}

func (m *FirstFitBlockMetadata) AllocationCount() int {
	return m.allocCount
}

func (m *FirstFitBlockMetadata) FreeRegionsCount() int {
	return m.blocksFreeCount
}

func (m *FirstFitBlockMetadata) SumFreeSize() int {
	return m.blocksFreeSize
}

func (m *FirstFitBlockMetadata) IsEmpty() bool {
	return m.headBlock != nil && m.headBlock.IsFree() && m.headBlock.next == nil
}

func (m *FirstFitBlockMetadata) CreateAllocationRequest(allocSize int) (bool, AllocationRequest, error) {
	var allocRequest AllocationRequest

	if allocSize < 1 {
		return false, allocRequest, errors.Errorf("invalid allocSize: %d", allocSize)
	}

	memfit.DebugValidate(m)

	paddedSize := memfit.AlignUp(allocSize, CapacityAlign)

	// Is the region big enough at all?
	if paddedSize > m.blocksFreeSize {
		return false, allocRequest, nil
	}

	for block := m.headBlock; block != nil; block = block.next {
		if block.IsFree() && block.Capacity() >= paddedSize {
			allocRequest.Type = AllocationRequestFirstFit
			allocRequest.BlockAllocationHandle = block.blockHandle
			allocRequest.Size = paddedSize
			return true, allocRequest, nil
		}
	}

	return false, allocRequest, nil
}

func (m *FirstFitBlockMetadata) Alloc(request AllocationRequest, userData any) error {
	if request.Type != AllocationRequestFirstFit {
		return errors.New("allocation request was received by an incompatible metadata")
	}

	block, err := m.getBlock(request.BlockAllocationHandle)
	if err != nil {
		return err
	}

	if !block.IsFree() {
		return errors.Errorf("block at offset %d is already taken", block.offset)
	}

	capacity := block.Capacity()
	if capacity < request.Size {
		return errors.New("allocation request names a block too small for the request")
	}

	m.blocksFreeCount--
	m.blocksFreeSize -= capacity

	// Split off a free remainder when it is big enough to be a valid block.
	// Otherwise the whole block is taken and the excess becomes internal
	// fragmentation.
	if capacity-request.Size >= HeaderSize+MinCapacity {
		newBlock := m.allocateBlock()
		newBlock.setCapacity(capacity - request.Size - HeaderSize)
		newBlock.offset = block.offset + HeaderSize + request.Size
		newBlock.prev = block
		newBlock.next = block.next
		if block.next != nil {
			block.next.prev = newBlock
		}
		block.next = newBlock
		block.setCapacity(request.Size)

		m.blocksFreeCount++
		m.blocksFreeSize += newBlock.Capacity()
	}

	block.MarkTaken()
	block.userData = userData
	m.allocCount++

	memfit.DebugValidate(m)
	return nil
}

func (m *FirstFitBlockMetadata) Free(allocHandle BlockAllocationHandle) error {
	block, err := m.getBlock(allocHandle)
	if err != nil {
		return err
	}
	if block.IsFree() {
		return errors.Errorf("block at offset %d is already free", block.offset)
	}

	block.MarkFree()
	block.userData = nil
	m.allocCount--
	m.blocksFreeCount++
	m.blocksFreeSize += block.Capacity()

	// Merge the forward neighbor first, then the backward neighbor, the way the
	// chain was built. Both merges re-derive the neighbor from the chain at the
	// moment of the splice.
	if block.next != nil && block.next.IsFree() {
		m.mergeBlock(block, block.next)
	}

	if block.prev != nil && block.prev.IsFree() {
		m.mergeBlock(block.prev, block)
	}

	memfit.DebugValidate(m)
	return nil
}

// mergeBlock absorbs from into its immediate predecessor into, so that into spans
// both block spans plus the header that separated them.
func (m *FirstFitBlockMetadata) mergeBlock(into *ledgerBlock, from *ledgerBlock) {
	if into.next != from || from.prev != into {
		panic("cannot merge blocks that are not physically adjacent")
	}
	if !into.IsFree() || !from.IsFree() {
		panic("cannot merge blocks that are not both free")
	}

	into.setCapacity(into.Capacity() + HeaderSize + from.Capacity())
	into.next = from.next
	if from.next != nil {
		from.next.prev = into
	}

	m.blocksFreeCount--
	m.blocksFreeSize += HeaderSize

	m.freeBlock(from)
}

func (m *FirstFitBlockMetadata) VisitAllBlocks(handleBlock func(handle BlockAllocationHandle, offset, capacity int, userData any, free bool) error) error {
	for block := m.headBlock; block != nil; block = block.next {
		err := handleBlock(block.blockHandle, block.offset, block.Capacity(), block.userData, block.IsFree())
		if err != nil {
			return err
		}
	}

	return nil
}

func (m *FirstFitBlockMetadata) AllocationOffset(allocHandle BlockAllocationHandle) (int, error) {
	block, err := m.getBlock(allocHandle)
	if err != nil {
		return 0, err
	}

	return block.offset, nil
}

func (m *FirstFitBlockMetadata) AllocationCapacity(allocHandle BlockAllocationHandle) (int, error) {
	block, err := m.getBlock(allocHandle)
	if err != nil {
		return 0, err
	}

	return block.Capacity(), nil
}

func (m *FirstFitBlockMetadata) AllocationUserData(allocHandle BlockAllocationHandle) (any, error) {
	block, err := m.getBlock(allocHandle)
	if err != nil {
		return nil, err
	}

	if block.IsFree() {
		return nil, errors.New("user data cannot be retrieved for a free block")
	}

	return block.userData, nil
}

func (m *FirstFitBlockMetadata) AddDetailedStatistics(stats *memfit.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.Size()

	for block := m.headBlock; block != nil; block = block.next {
		if block.IsFree() {
			stats.AddUnusedRange(HeaderSize + block.Capacity())
		} else {
			stats.AddAllocation(HeaderSize + block.Capacity())
		}
	}
}

func (m *FirstFitBlockMetadata) AddStatistics(stats *memfit.Statistics) {
	stats.BlockCount++
	stats.AllocationCount += m.allocCount
	stats.BlockBytes += m.Size()
	stats.AllocationBytes += m.Size() - m.blocksFreeSize - m.blocksFreeCount*HeaderSize
}

func (m *FirstFitBlockMetadata) Clear() {
	block := m.headBlock
	for block != nil {
		next := block.next
		m.freeBlock(block)
		block = next
	}

	m.allocCount = 0

	m.headBlock = m.allocateBlock()
	m.headBlock.setCapacity(m.Size() - HeaderSize)
	m.headBlock.MarkFree()

	m.blocksFreeCount = 1
	m.blocksFreeSize = m.headBlock.Capacity()
}

func (m *FirstFitBlockMetadata) BlockJsonData(json jwriter.ObjectState) {
	var stats memfit.DetailedStatistics
	stats.Clear()
	m.AddDetailedStatistics(&stats)

	m.BlockMetadataBase.BlockJsonData(json, stats.BlockBytes-stats.AllocationBytes, stats.AllocationCount, stats.UnusedRangeCount)

	arr := json.Name("Blocks").Array()
	for block := m.headBlock; block != nil; block = block.next {
		obj := arr.Object()
		obj.Name("Offset").Int(block.offset)
		obj.Name("Capacity").Int(block.Capacity())
		obj.Name("Free").Bool(block.IsFree())
		obj.End()
	}
	arr.End()
}

func (m *FirstFitBlockMetadata) DebugLogAllAllocations(logger *slog.Logger) {
	for block := m.headBlock; block != nil; block = block.next {
		if !block.IsFree() {
			logger.Debug("unfreed allocation",
				slog.Int("offset", block.offset),
				slog.Int("capacity", block.Capacity()),
				slog.Any("userData", block.userData),
			)
		}
	}
}
