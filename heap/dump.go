package heap

import (
	"fmt"
	"io"

	"github.com/axleburr/memfit/metadata"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// BlockRecord describes one block of the region at the time of a Dump. Offsets are
// byte positions within the region; PayloadEnd is exclusive.
type BlockRecord struct {
	// Index is the 1-based position of the block in address order
	Index int
	// Free reports whether the block was free when the dump was taken
	Free bool
	// HeaderStart is the offset of the first byte of the block
	HeaderStart int
	// PayloadStart is the offset of the first usable byte of the block
	PayloadStart int
	// PayloadEnd is the offset one past the last usable byte of the block
	PayloadEnd int
	// Capacity is the usable size of the block, excluding its header
	Capacity int
	// TotalSize is the full span of the block, header included
	TotalSize int
}

// DumpTotals aggregates the header-inclusive sizes of all blocks in a dump.
// BusySize + FreeSize always equals TotalSize, which always equals the rounded
// region size- capacity is only ever redistributed between blocks, never created
// or destroyed.
type DumpTotals struct {
	BusySize  int
	FreeSize  int
	TotalSize int
}

// Dump produces one record per block in address order plus the aggregate totals.
// It does not modify the ledger.
func (h *Heap) Dump() ([]BlockRecord, DumpTotals) {
	var records []BlockRecord
	var totals DumpTotals

	if h.region == nil {
		return nil, totals
	}

	index := 0
	_ = h.meta.VisitAllBlocks(func(handle metadata.BlockAllocationHandle, offset, capacity int, userData any, free bool) error {
		index++
		totalSize := metadata.HeaderSize + capacity
		records = append(records, BlockRecord{
			Index:        index,
			Free:         free,
			HeaderStart:  offset,
			PayloadStart: offset + metadata.HeaderSize,
			PayloadEnd:   offset + totalSize,
			Capacity:     capacity,
			TotalSize:    totalSize,
		})

		if free {
			totals.FreeSize += totalSize
		} else {
			totals.BusySize += totalSize
		}
		totals.TotalSize += totalSize
		return nil
	})

	return records, totals
}

// DumpJson populates a json object with the per-block records and totals of this
// Heap's ledger.
func (h *Heap) DumpJson(json jwriter.ObjectState) {
	if h.region == nil {
		return
	}

	_, totals := h.Dump()
	json.Name("BusySize").Int(totals.BusySize)
	json.Name("FreeSize").Int(totals.FreeSize)
	json.Name("TotalSize").Int(totals.TotalSize)

	h.meta.BlockJsonData(json)
}

// WriteDump renders the dump as a text table, one row per block followed by the
// busy/free/total accounting.
func (h *Heap) WriteDump(w io.Writer) error {
	records, totals := h.Dump()

	if _, err := fmt.Fprintln(w, "No.\tStatus\tBegin\tEnd\tSize\tt_Size\tt_Begin"); err != nil {
		return err
	}

	for _, record := range records {
		status := "Free"
		if !record.Free {
			status = "Busy"
		}
		_, err := fmt.Fprintf(w, "%d\t%s\t0x%08x\t0x%08x\t%d\t%d\t0x%08x\n",
			record.Index, status, record.PayloadStart, record.PayloadEnd,
			record.Capacity, record.TotalSize, record.HeaderStart)
		if err != nil {
			return err
		}
	}

	_, err := fmt.Fprintf(w, "Total busy size = %d\nTotal free size = %d\nTotal size = %d\n",
		totals.BusySize, totals.FreeSize, totals.TotalSize)
	return err
}
