package typestate

import (
	"github.com/utsaslab/hayleyfs/layout"
	"github.com/utsaslab/hayleyfs/pm"
)

// DataPageFree wraps a free data-region page together with its descriptor
// slot; its PageDesc is all-zero, while the page's contents may still hold
// bytes from a previous owner.
type DataPageFree struct {
	descH handle
	dataH handle
	page  uint64
}

// NewDataPageFree wraps data-region page pageNo, which must currently be
// unallocated.
func NewDataPageFree(dev *pm.Device, l layout.Layout, pageNo uint64) DataPageFree {
	return DataPageFree{
		descH: handle{dev: dev, off: l.PageDescOffset(pageNo)},
		dataH: handle{dev: dev, off: l.PageOffset(pageNo)},
		page:  pageNo,
	}
}

// AllocDataPage initializes the descriptor as a DATA page at the given
// file offset, leaving it Dirty/Alloc. The owner field stays zero until
// SetBackpointer.
func (f DataPageFree) AllocDataPage(offset uint64) DataPageDirtyAlloc {
	f.descH.writePageDesc(layout.PageDesc{Kind: layout.PageKindData, Offset: offset})
	return DataPageDirtyAlloc{descH: f.descH, dataH: f.dataH, page: f.page}
}

// DataPageDirtyAlloc is a newly initialized, not-yet-flushed page
// descriptor.
type DataPageDirtyAlloc struct {
	descH handle
	dataH handle
	page  uint64
}

// Flush issues the descriptor flush without fencing (allocation
// of a run of pages shares one fence at the end).
func (d DataPageDirtyAlloc) Flush() DataPageInFlightAlloc {
	d.descH.flush(layout.PageDescriptorSize)
	return DataPageInFlightAlloc{descH: d.descH, dataH: d.dataH, page: d.page}
}

// DataPageInFlightAlloc is a flushed-but-not-fenced page allocation.
type DataPageInFlightAlloc struct {
	descH handle
	dataH handle
	page  uint64
}

// Fence completes the InFlight -> Clean transition. Most callers reach
// this state only transiently inside DataPageList.AllocatePages, which
// fences once for the whole batch; Fence is still exposed for the
// single-page case.
func (d DataPageInFlightAlloc) Fence() DataPageCleanAlloc {
	d.descH.fence()
	return DataPageCleanAlloc{descH: d.descH, dataH: d.dataH, page: d.page}
}

// DataPageCleanAlloc is a durable, owner-less allocated page.
type DataPageCleanAlloc struct {
	descH handle
	dataH handle
	page  uint64
}

// Page returns the data-region page number.
func (c DataPageCleanAlloc) Page() uint64 { return c.page }

// SetBackpointer sets the descriptor's owning inode.
func (c DataPageCleanAlloc) SetBackpointer(ino uint64) DataPageDirtyWriteable {
	pd := c.descH.readPageDesc()
	pd.Ino = ino
	c.descH.writePageDesc(pd)
	return DataPageDirtyWriteable{descH: c.descH, dataH: c.dataH, page: c.page}
}

// DataPageDirtyWriteable is a page whose backpointer has just been set.
type DataPageDirtyWriteable struct {
	descH handle
	dataH handle
	page  uint64
}

// Flush issues the descriptor flush without fencing, for the same batching
// reason as DataPageDirtyAlloc.Flush.
func (d DataPageDirtyWriteable) Flush() DataPageInFlightWriteable {
	d.descH.flush(layout.PageDescriptorSize)
	return DataPageInFlightWriteable{descH: d.descH, dataH: d.dataH, page: d.page}
}

// DataPageInFlightWriteable is a flushed-but-not-fenced backpointer set.
type DataPageInFlightWriteable struct {
	descH handle
	dataH handle
	page  uint64
}

// Fence completes Dirty/Writeable -> Clean/Writeable.
func (d DataPageInFlightWriteable) Fence() DataPageCleanWriteable {
	d.descH.fence()
	return DataPageCleanWriteable{descH: d.descH, dataH: d.dataH, page: d.page}
}

// DataPageCleanWriteable is a durable, backpointed page ready to receive
// payload bytes.
type DataPageCleanWriteable struct {
	descH handle
	dataH handle
	page  uint64
}

// Page returns the data-region page number.
func (c DataPageCleanWriteable) Page() uint64 { return c.page }

// WriteToPage performs a non-temporal copy of src into the page at
// in-page offset inPageOff, returning the number of bytes that fit. The
// copy itself does not fence; DataPageList fences once after the whole
// request.
func (c DataPageCleanWriteable) WriteToPage(inPageOff int, src []byte) (int, DataPageInFlightWritten) {
	if inPageOff < 0 || inPageOff > layout.PageSize {
		panic("typestate: write_to_page offset out of bounds")
	}
	n := len(src)
	if inPageOff+n > layout.PageSize {
		n = layout.PageSize - inPageOff
	}
	c.dataH.dev.MemcpyNT(int(c.dataH.off)+inPageOff, src[:n], false)
	return n, DataPageInFlightWritten{descH: c.descH, dataH: c.dataH, page: c.page}
}

// ZeroPage performs a non-temporal fill of n bytes starting at inPageOff,
// used to clear freshly allocated pages before a write or a truncate-grow
// lands in them.
func (c DataPageCleanWriteable) ZeroPage(inPageOff, n int) DataPageInFlightWritten {
	if inPageOff < 0 || inPageOff+n > layout.PageSize {
		panic("typestate: zero_page range out of bounds")
	}
	c.dataH.dev.MemsetNT(int(c.dataH.off)+inPageOff, n, 0, false)
	return DataPageInFlightWritten{descH: c.descH, dataH: c.dataH, page: c.page}
}

// DataPageInFlightWritten is a page whose payload has been copied but not
// yet fenced.
type DataPageInFlightWritten struct {
	descH handle
	dataH handle
	page  uint64
}

// Fence completes InFlight/Written -> Clean/Written. DataPageList batches
// this across every page in a write before issuing it once.
func (d DataPageInFlightWritten) Fence() DataPageCleanWritten {
	d.dataH.fence()
	return DataPageCleanWritten{descH: d.descH, dataH: d.dataH, page: d.page}
}

// DataPageCleanWritten is a durable page holding live payload; this is the
// token InodeClean.IncSize requires.
type DataPageCleanWritten struct {
	descH handle
	dataH handle
	page  uint64
}

// Page returns the data-region page number.
func (c DataPageCleanWritten) Page() uint64 { return c.page }

// Read returns a copy of n bytes at in-page offset off, for the read
// path. Go has no non-temporal load; a plain copy out of the mmap'd
// region is the closest analogue.
func (c DataPageCleanWritten) Read(off, n int) []byte {
	out := make([]byte, n)
	copy(out, c.dataH.dev.Bytes(int(c.dataH.off)+off, n))
	return out
}

// ToUnmap re-labels an already-written page as the starting point of the
// unmap/dealloc/free teardown sequence, used by unlink,
// rmdir, and truncate's shrink path.
func (c DataPageCleanWritten) ToUnmap() DataPageCleanToUnmap {
	return DataPageCleanToUnmap{descH: c.descH, dataH: c.dataH, page: c.page}
}

// DataPageCleanToUnmap is a live page about to be reclaimed.
type DataPageCleanToUnmap struct {
	descH handle
	dataH handle
	page  uint64
}

// Page returns the data-region page number.
func (c DataPageCleanToUnmap) Page() uint64 { return c.page }

// Unmap clears the descriptor's owning inode. Flush only; DataPageList
// fences once across the batch.
func (c DataPageCleanToUnmap) Unmap() DataPageDirtyClearIno {
	pd := c.descH.readPageDesc()
	pd.Ino = 0
	c.descH.writePageDesc(pd)
	return DataPageDirtyClearIno{descH: c.descH, dataH: c.dataH, page: c.page}
}

// DataPageDirtyClearIno is a page whose owner has just been cleared.
type DataPageDirtyClearIno struct {
	descH handle
	dataH handle
	page  uint64
}

// Flush issues the descriptor flush.
func (d DataPageDirtyClearIno) Flush() DataPageInFlightClearIno {
	d.descH.flush(layout.PageDescriptorSize)
	return DataPageInFlightClearIno{descH: d.descH, dataH: d.dataH, page: d.page}
}

// DataPageInFlightClearIno is a flushed-but-not-fenced owner clear.
type DataPageInFlightClearIno struct {
	descH handle
	dataH handle
	page  uint64
}

// Fence completes Dirty/ClearIno -> Clean/ClearIno.
func (d DataPageInFlightClearIno) Fence() DataPageCleanClearIno {
	d.descH.fence()
	return DataPageCleanClearIno{descH: d.descH, dataH: d.dataH, page: d.page}
}

// DataPageCleanClearIno is a durably owner-less page, ready for its
// descriptor to be fully cleared.
type DataPageCleanClearIno struct {
	descH handle
	dataH handle
	page  uint64
}

// Page returns the data-region page number.
func (c DataPageCleanClearIno) Page() uint64 { return c.page }

// Dealloc clears the descriptor entirely, the final PM write before the
// page is free. Requires the owner to already be durably zero so a crash
// never shows a free descriptor still naming an inode.
func (c DataPageCleanClearIno) Dealloc() DataPageDirtyDealloc {
	c.descH.writePageDesc(layout.PageDesc{})
	return DataPageDirtyDealloc{descH: c.descH, dataH: c.dataH, page: c.page}
}

// DataPageDirtyDealloc is a page whose descriptor has just been zeroed.
type DataPageDirtyDealloc struct {
	descH handle
	dataH handle
	page  uint64
}

// Flush issues the descriptor flush.
func (d DataPageDirtyDealloc) Flush() DataPageInFlightDealloc {
	d.descH.flush(layout.PageDescriptorSize)
	return DataPageInFlightDealloc{descH: d.descH, dataH: d.dataH, page: d.page}
}

// DataPageInFlightDealloc is a flushed-but-not-fenced descriptor clear.
type DataPageInFlightDealloc struct {
	descH handle
	dataH handle
	page  uint64
}

// Fence completes Dirty/Dealloc -> Clean/Dealloc.
func (d DataPageInFlightDealloc) Fence() DataPageCleanDealloc {
	d.descH.fence()
	return DataPageCleanDealloc{descH: d.descH, dataH: d.dataH, page: d.page}
}

// DataPageCleanDealloc is a page whose descriptor is durably zero; only
// its return to the allocator's free set remains.
type DataPageCleanDealloc struct {
	descH handle
	dataH handle
	page  uint64
}

// Page returns the data-region page number.
func (c DataPageCleanDealloc) Page() uint64 { return c.page }

// MarkFree is the purely volatile final step: no further PM write, the
// page number is simply handed back to the allocator by the caller.
func (c DataPageCleanDealloc) MarkFree() DataPageFree {
	return DataPageFree{descH: c.descH, dataH: c.dataH, page: c.page}
}

// Page returns the data-region page number.
func (f DataPageFree) Page() uint64 { return f.page }

// WrapDataPageWriteable wraps data-region page pageNo, already known to be
// durably backpointed, for writes into an existing page.
func WrapDataPageWriteable(dev *pm.Device, l layout.Layout, pageNo uint64) DataPageCleanWriteable {
	return DataPageCleanWriteable{
		descH: handle{dev: dev, off: l.PageDescOffset(pageNo)},
		dataH: handle{dev: dev, off: l.PageOffset(pageNo)},
		page:  pageNo,
	}
}

// WrapDataPageWritten wraps data-region page pageNo, already known to hold
// durable payload, for reads and teardown.
func WrapDataPageWritten(dev *pm.Device, l layout.Layout, pageNo uint64) DataPageCleanWritten {
	return DataPageCleanWritten{
		descH: handle{dev: dev, off: l.PageDescOffset(pageNo)},
		dataH: handle{dev: dev, off: l.PageOffset(pageNo)},
		page:  pageNo,
	}
}
