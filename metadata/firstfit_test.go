package metadata_test

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/axleburr/memfit"
	"github.com/axleburr/memfit/metadata"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

type blockSnapshot struct {
	Offset   int
	Capacity int
	Free     bool
}

func snapshotBlocks(t *testing.T, m metadata.BlockMetadata) []blockSnapshot {
	t.Helper()

	var blocks []blockSnapshot
	err := m.VisitAllBlocks(func(handle metadata.BlockAllocationHandle, offset, capacity int, userData any, free bool) error {
		blocks = append(blocks, blockSnapshot{Offset: offset, Capacity: capacity, Free: free})
		return nil
	})
	require.NoError(t, err)
	return blocks
}

func mustAlloc(t *testing.T, m metadata.BlockMetadata, size int) metadata.BlockAllocationHandle {
	t.Helper()

	success, req, err := m.CreateAllocationRequest(size)
	require.NoError(t, err)
	require.True(t, success)

	err = m.Alloc(req, size)
	require.NoError(t, err)
	return req.BlockAllocationHandle
}

func TestFirstFitBasicAlloc(t *testing.T) {
	firstFit := metadata.NewFirstFitBlockMetadata()
	firstFit.Init(4096)
	require.NoError(t, firstFit.Validate())

	var stats memfit.DetailedStatistics
	stats.Clear()
	firstFit.AddDetailedStatistics(&stats)

	require.Equal(t, memfit.DetailedStatistics{
		Statistics: memfit.Statistics{
			BlockCount:      1,
			BlockBytes:      4096,
			AllocationCount: 0,
			AllocationBytes: 0,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  math.MaxInt,
		AllocationSizeMax:  0,
		UnusedRangeSizeMin: 4096,
		UnusedRangeSizeMax: 4096,
	}, stats)

	success, req, err := firstFit.CreateAllocationRequest(101)
	require.NoError(t, err)
	require.True(t, success)
	require.Equal(t, 104, req.Size)

	alloc1 := req.BlockAllocationHandle
	err = firstFit.Alloc(req, 101)
	require.NoError(t, err)
	require.NoError(t, firstFit.Validate())

	stats.Clear()
	firstFit.AddDetailedStatistics(&stats)

	require.Equal(t, memfit.DetailedStatistics{
		Statistics: memfit.Statistics{
			BlockCount:      1,
			BlockBytes:      4096,
			AllocationCount: 1,
			AllocationBytes: 112,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  112,
		AllocationSizeMax:  112,
		UnusedRangeSizeMin: 3984,
		UnusedRangeSizeMax: 3984,
	}, stats)

	userData, err := firstFit.AllocationUserData(alloc1)
	require.NoError(t, err)
	require.Equal(t, 101, userData)

	err = firstFit.Free(alloc1)
	require.NoError(t, err)
	require.NoError(t, firstFit.Validate())
	require.True(t, firstFit.IsEmpty())

	stats.Clear()
	firstFit.AddDetailedStatistics(&stats)

	require.Equal(t, memfit.DetailedStatistics{
		Statistics: memfit.Statistics{
			BlockCount:      1,
			BlockBytes:      4096,
			AllocationCount: 0,
			AllocationBytes: 0,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  math.MaxInt,
		AllocationSizeMax:  0,
		UnusedRangeSizeMin: 4096,
		UnusedRangeSizeMax: 4096,
	}, stats)
}

func TestFirstFitSizeRounding(t *testing.T) {
	firstFit := metadata.NewFirstFitBlockMetadata()
	firstFit.Init(4096)

	expected := map[int]int{
		1: 4, 2: 4, 3: 4, 4: 4,
		5: 8, 7: 8, 8: 8,
		9: 12, 100: 100, 101: 104,
	}

	for size, rounded := range expected {
		handle := mustAlloc(t, firstFit, size)

		capacity, err := firstFit.AllocationCapacity(handle)
		require.NoError(t, err)
		require.Equal(t, rounded, capacity, "requested size %d", size)

		require.NoError(t, firstFit.Free(handle))
		require.NoError(t, firstFit.Validate())
	}

	require.True(t, firstFit.IsEmpty())
}

func TestFirstFitSplitThreshold(t *testing.T) {
	// 24 usable bytes: a 16-byte allocation leaves 8 bytes of excess, less than a
	// header plus a minimum block, so the whole block must be taken.
	firstFit := metadata.NewFirstFitBlockMetadata()
	firstFit.Init(32)

	handle := mustAlloc(t, firstFit, 16)

	capacity, err := firstFit.AllocationCapacity(handle)
	require.NoError(t, err)
	require.Equal(t, 24, capacity)
	require.Equal(t, 0, firstFit.FreeRegionsCount())
	require.Equal(t, 0, firstFit.SumFreeSize())
	require.NoError(t, firstFit.Validate())

	// 32 usable bytes: a 16-byte allocation leaves 16 bytes of excess, enough for a
	// header plus 8 bytes, so the block must be split.
	firstFit = metadata.NewFirstFitBlockMetadata()
	firstFit.Init(40)

	handle = mustAlloc(t, firstFit, 16)

	capacity, err = firstFit.AllocationCapacity(handle)
	require.NoError(t, err)
	require.Equal(t, 16, capacity)
	require.Equal(t, 1, firstFit.FreeRegionsCount())
	require.Equal(t, 8, firstFit.SumFreeSize())
	require.NoError(t, firstFit.Validate())

	require.Equal(t, []blockSnapshot{
		{Offset: 0, Capacity: 16, Free: false},
		{Offset: 24, Capacity: 8, Free: true},
	}, snapshotBlocks(t, firstFit))
}

func TestFirstFitFragmentationScenario(t *testing.T) {
	firstFit := metadata.NewFirstFitBlockMetadata()
	firstFit.Init(1024)

	mustAlloc(t, firstFit, 100)
	mustAlloc(t, firstFit, 50)

	require.Equal(t, []blockSnapshot{
		{Offset: 0, Capacity: 100, Free: false},
		{Offset: 108, Capacity: 52, Free: false},
		{Offset: 168, Capacity: 848, Free: true},
	}, snapshotBlocks(t, firstFit))
	require.NoError(t, firstFit.Validate())
}

func TestFirstFitCoalesceScenario(t *testing.T) {
	// Three 64-byte blocks carve the region exactly, with nothing left over.
	firstFit := metadata.NewFirstFitBlockMetadata()
	firstFit.Init(216)

	allocA := mustAlloc(t, firstFit, 64)
	allocB := mustAlloc(t, firstFit, 64)
	allocC := mustAlloc(t, firstFit, 64)
	require.Equal(t, 0, firstFit.FreeRegionsCount())

	require.NoError(t, firstFit.Free(allocB))
	require.NoError(t, firstFit.Validate())
	require.Equal(t, 1, firstFit.FreeRegionsCount())
	require.Equal(t, 64, firstFit.SumFreeSize())

	require.NoError(t, firstFit.Free(allocA))
	require.NoError(t, firstFit.Validate())
	require.Equal(t, 1, firstFit.FreeRegionsCount())
	require.Equal(t, 136, firstFit.SumFreeSize())

	require.NoError(t, firstFit.Free(allocC))
	require.NoError(t, firstFit.Validate())
	require.True(t, firstFit.IsEmpty())

	require.Equal(t, []blockSnapshot{
		{Offset: 0, Capacity: 208, Free: true},
	}, snapshotBlocks(t, firstFit))
}

func TestFirstFitRoundTrip(t *testing.T) {
	// When no split occurs, freeing the allocation must restore the exact block
	// boundaries that existed before it.
	firstFit := metadata.NewFirstFitBlockMetadata()
	firstFit.Init(1024)

	allocA := mustAlloc(t, firstFit, 100)
	mustAlloc(t, firstFit, 50)
	require.NoError(t, firstFit.Free(allocA))

	before := snapshotBlocks(t, firstFit)

	// The 100-byte hole fits a 96-byte request without room to split.
	handle := mustAlloc(t, firstFit, 96)

	capacity, err := firstFit.AllocationCapacity(handle)
	require.NoError(t, err)
	require.Equal(t, 100, capacity)

	offset, err := firstFit.AllocationOffset(handle)
	require.NoError(t, err)
	require.Equal(t, 0, offset)

	require.NoError(t, firstFit.Free(handle))
	require.Equal(t, before, snapshotBlocks(t, firstFit))
	require.NoError(t, firstFit.Validate())
}

func TestFirstFitLowestAddressWins(t *testing.T) {
	firstFit := metadata.NewFirstFitBlockMetadata()
	firstFit.Init(1024)

	allocA := mustAlloc(t, firstFit, 16)
	mustAlloc(t, firstFit, 32)
	allocC := mustAlloc(t, firstFit, 16)

	require.NoError(t, firstFit.Free(allocA))
	require.NoError(t, firstFit.Free(allocC))

	// Both the 16-byte hole at offset 0 and the tail space after the second busy
	// block could hold this request- first fit must choose the lower address.
	handle := mustAlloc(t, firstFit, 8)

	offset, err := firstFit.AllocationOffset(handle)
	require.NoError(t, err)
	require.Equal(t, 0, offset)

	capacity, err := firstFit.AllocationCapacity(handle)
	require.NoError(t, err)
	require.Equal(t, 16, capacity)
	require.NoError(t, firstFit.Validate())
}

func TestFirstFitDoubleFree(t *testing.T) {
	firstFit := metadata.NewFirstFitBlockMetadata()
	firstFit.Init(216)

	mustAlloc(t, firstFit, 64)
	allocB := mustAlloc(t, firstFit, 64)
	mustAlloc(t, firstFit, 64)

	require.NoError(t, firstFit.Free(allocB))

	before := snapshotBlocks(t, firstFit)

	err := firstFit.Free(allocB)
	require.Error(t, err)

	require.Equal(t, before, snapshotBlocks(t, firstFit))
	require.NoError(t, firstFit.Validate())
}

func TestFirstFitExhaustion(t *testing.T) {
	firstFit := metadata.NewFirstFitBlockMetadata()
	firstFit.Init(64)

	before := snapshotBlocks(t, firstFit)

	success, _, err := firstFit.CreateAllocationRequest(100)
	require.NoError(t, err)
	require.False(t, success)

	// 57 rounds up to 60, one past the 56 usable bytes.
	success, _, err = firstFit.CreateAllocationRequest(57)
	require.NoError(t, err)
	require.False(t, success)

	_, _, err = firstFit.CreateAllocationRequest(0)
	require.Error(t, err)

	_, _, err = firstFit.CreateAllocationRequest(-8)
	require.Error(t, err)

	require.Equal(t, before, snapshotBlocks(t, firstFit))
	require.NoError(t, firstFit.Validate())
}

func TestFirstFitExhaustionAfterFragmentation(t *testing.T) {
	firstFit := metadata.NewFirstFitBlockMetadata()
	firstFit.Init(216)

	allocA := mustAlloc(t, firstFit, 64)
	mustAlloc(t, firstFit, 64)
	allocC := mustAlloc(t, firstFit, 64)

	require.NoError(t, firstFit.Free(allocA))
	require.NoError(t, firstFit.Free(allocC))

	// 128 usable bytes are free, but no single hole is larger than 64.
	require.Equal(t, 128, firstFit.SumFreeSize())

	success, _, err := firstFit.CreateAllocationRequest(100)
	require.NoError(t, err)
	require.False(t, success)
}

func TestFirstFitClear(t *testing.T) {
	firstFit := metadata.NewFirstFitBlockMetadata()
	firstFit.Init(1024)

	mustAlloc(t, firstFit, 100)
	mustAlloc(t, firstFit, 50)
	require.False(t, firstFit.IsEmpty())

	firstFit.Clear()

	require.True(t, firstFit.IsEmpty())
	require.NoError(t, firstFit.Validate())
	require.Equal(t, []blockSnapshot{
		{Offset: 0, Capacity: 1016, Free: true},
	}, snapshotBlocks(t, firstFit))
}

func TestFirstFitBlockJsonData(t *testing.T) {
	firstFit := metadata.NewFirstFitBlockMetadata()
	firstFit.Init(256)

	mustAlloc(t, firstFit, 100)

	writer := jwriter.NewWriter()
	obj := writer.Object()
	firstFit.BlockJsonData(obj)
	obj.End()

	require.NoError(t, writer.Error())
	require.JSONEq(t,
		`{
			"TotalBytes": 256,
			"UnusedBytes": 148,
			"Allocations": 1,
			"UnusedRanges": 1,
			"Blocks": [
				{"Offset": 0, "Capacity": 100, "Free": false},
				{"Offset": 108, "Capacity": 140, "Free": true}
			]
		}`,
		string(writer.Bytes()))
}

func TestFirstFitDebugLogAllAllocations(t *testing.T) {
	firstFit := metadata.NewFirstFitBlockMetadata()
	firstFit.Init(1024)

	handle := mustAlloc(t, firstFit, 100)
	mustAlloc(t, firstFit, 50)
	require.NoError(t, firstFit.Free(handle))

	var buf bytes.Buffer
	logger := slog.New(slog.HandlerOptions{Level: slog.LevelDebug}.NewTextHandler(&buf))
	firstFit.DebugLogAllAllocations(logger)

	logged := buf.String()
	require.Equal(t, 1, strings.Count(logged, "unfreed allocation"))
	require.Contains(t, logged, "offset=108")
	require.Contains(t, logged, "capacity=52")
	require.Contains(t, logged, "userData=50")
}

func TestFirstFitStaleRequest(t *testing.T) {
	firstFit := metadata.NewFirstFitBlockMetadata()
	firstFit.Init(64)

	success, req, err := firstFit.CreateAllocationRequest(16)
	require.NoError(t, err)
	require.True(t, success)

	// Commit the request once, then try to replay it against the now-busy block.
	require.NoError(t, firstFit.Alloc(req, nil))
	require.Error(t, firstFit.Alloc(req, nil))
	require.NoError(t, firstFit.Validate())
}
