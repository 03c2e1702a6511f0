package typestate

import (
	"github.com/utsaslab/hayleyfs/layout"
	"github.com/utsaslab/hayleyfs/pm"
)

// DataPageListInFlightAlloc is a batch of newly allocated, descriptor-
// initialized data pages, flushed but not yet fenced as a group ("Ends in
// InFlight/Alloc").
type DataPageListInFlightAlloc struct {
	dev   *pm.Device
	pages []uint64
}

// AllocatePages consumes a set of already-allocator-drawn free pages
// (the allocator itself lives in package alloc, outside typestate's
// dependency surface) and initializes each one's descriptor as DATA at
// successive page-aligned offsets starting at startOffset. Each
// descriptor write is flushed individually but the group shares one
// fence, issued by Fence.
func AllocatePages(dev *pm.Device, free []DataPageFree, startOffset uint64) DataPageListInFlightAlloc {
	pages := make([]uint64, 0, len(free))
	off := startOffset
	for _, f := range free {
		d := f.AllocDataPage(off).Flush()
		pages = append(pages, d.page)
		off += layout.PageSize
	}
	return DataPageListInFlightAlloc{dev: dev, pages: pages}
}

// Fence completes the batch's InFlight/Alloc -> Clean/Alloc transition
// with a single shared store fence.
func (a DataPageListInFlightAlloc) Fence() DataPageListCleanAlloc {
	a.dev.Fence()
	return DataPageListCleanAlloc{dev: a.dev, pages: a.pages}
}

// DataPageListCleanAlloc is a durable batch of owner-less allocated pages.
type DataPageListCleanAlloc struct {
	dev   *pm.Device
	pages []uint64
}

// Pages returns the page numbers in list order.
func (c DataPageListCleanAlloc) Pages() []uint64 { return c.pages }

// SetBackpointers sets every page's descriptor owner to ino. Pages that
// already carry an owner (pre-existing pages mixed into a write's range)
// are left alone but still flushed so the whole batch shares one fence.
func (c DataPageListCleanAlloc) SetBackpointers(l layout.Layout, ino uint64) DataPageListInFlightWriteable {
	for _, p := range c.pages {
		h := handle{dev: c.dev, off: l.PageDescOffset(p)}
		pd := h.readPageDesc()
		if pd.Ino == 0 {
			pd.Ino = ino
			h.writePageDesc(pd)
		}
		h.flush(layout.PageDescriptorSize)
	}
	return DataPageListInFlightWriteable{dev: c.dev, pages: c.pages}
}

// DataPageListInFlightWriteable is a batch whose backpointers have been
// flushed but not yet fenced.
type DataPageListInFlightWriteable struct {
	dev   *pm.Device
	pages []uint64
}

// Fence completes Dirty/Writeable -> Clean/Writeable for the whole batch.
func (w DataPageListInFlightWriteable) Fence() DataPageListCleanWriteable {
	w.dev.Fence()
	return DataPageListCleanWriteable{dev: w.dev, pages: w.pages}
}

// DataPageListCleanWriteable is a durable, backpointed batch of pages
// ready to receive payload bytes.
type DataPageListCleanWriteable struct {
	dev   *pm.Device
	pages []uint64
}

// Pages returns the page numbers in list order.
func (c DataPageListCleanWriteable) Pages() []uint64 { return c.pages }

// WritePages copies src into the pages covering [offset, offset+len(src)),
// skipping any pages of the list that lie strictly before offset.
// listStartOffset is the file offset the list's first
// page backs. Returns the number of bytes written.
func (c DataPageListCleanWriteable) WritePages(listStartOffset uint64, offset uint64, src []byte) (int, DataPageListInFlightWritten) {
	written := 0
	remaining := src
	for i, p := range c.pages {
		pageFileOff := listStartOffset + uint64(i)*layout.PageSize
		pageEnd := pageFileOff + layout.PageSize
		if pageEnd <= offset || len(remaining) == 0 {
			continue
		}
		inPageOff := 0
		if offset > pageFileOff {
			inPageOff = int(offset - pageFileOff)
		}
		chunk := remaining
		if room := layout.PageSize - inPageOff; len(chunk) > room {
			chunk = chunk[:room]
		}
		h := handle{dev: c.dev, off: p * layout.PageSize}
		h.dev.MemcpyNT(int(h.off)+inPageOff, chunk, false)
		written += len(chunk)
		remaining = remaining[len(chunk):]
	}
	return written, DataPageListInFlightWritten{dev: c.dev, pages: c.pages}
}

// ZeroPages zero-fills the pages covering [offset, offset+n), for
// truncate's grow path.
func (c DataPageListCleanWriteable) ZeroPages(listStartOffset, offset uint64, n int) DataPageListInFlightWritten {
	remaining := n
	for i, p := range c.pages {
		pageFileOff := listStartOffset + uint64(i)*layout.PageSize
		pageEnd := pageFileOff + layout.PageSize
		if pageEnd <= offset || remaining <= 0 {
			continue
		}
		inPageOff := 0
		if offset > pageFileOff {
			inPageOff = int(offset - pageFileOff)
		}
		chunk := layout.PageSize - inPageOff
		if chunk > remaining {
			chunk = remaining
		}
		c.dev.MemsetNT(int(p*layout.PageSize)+inPageOff, chunk, 0, false)
		remaining -= chunk
	}
	return DataPageListInFlightWritten{dev: c.dev, pages: c.pages}
}

// DataPageListInFlightWritten is a batch whose payload has been written
// but not yet fenced.
type DataPageListInFlightWritten struct {
	dev   *pm.Device
	pages []uint64
}

// Fence completes InFlight/Written -> Clean/Written for the whole batch.
// This is the single fence a write request issues, regardless of how many
// pages it touched.
func (w DataPageListInFlightWritten) Fence() DataPageListCleanWritten {
	w.dev.Fence()
	return DataPageListCleanWritten{dev: w.dev, pages: w.pages}
}

// DataPageListCleanWritten is a durable batch holding live payload: the
// token InodeClean.IncSize requires.
type DataPageListCleanWritten struct {
	dev   *pm.Device
	pages []uint64
}

// Pages returns the page numbers in list order.
func (c DataPageListCleanWritten) Pages() []uint64 { return c.pages }

// MsyncPages flushes every page's full contents and fences once, for the
// mmap path.
func (c DataPageListCleanWritten) MsyncPages() DataPageListCleanWritten {
	for _, p := range c.pages {
		c.dev.Flush(int(p*layout.PageSize), layout.PageSize)
	}
	c.dev.Fence()
	return c
}

// Unmap clears the owner field of every page's descriptor, flushing each
// individually without fencing yet.
func (c DataPageListCleanWritten) Unmap(l layout.Layout) DataPageListInFlightClearIno {
	for _, p := range c.pages {
		h := handle{dev: c.dev, off: l.PageDescOffset(p)}
		pd := h.readPageDesc()
		pd.Ino = 0
		h.writePageDesc(pd)
		h.flush(layout.PageDescriptorSize)
	}
	return DataPageListInFlightClearIno{dev: c.dev, pages: c.pages}
}

// DataPageListInFlightClearIno is a batch whose owners have been cleared
// but not yet fenced.
type DataPageListInFlightClearIno struct {
	dev   *pm.Device
	pages []uint64
}

// Fence is the barrier between the unmap and dealloc stages: every
// descriptor must be durably owner-less before any descriptor's kind may
// be cleared.
func (w DataPageListInFlightClearIno) Fence() DataPageListCleanClearIno {
	w.dev.Fence()
	return DataPageListCleanClearIno{dev: w.dev, pages: w.pages}
}

// DataPageListCleanClearIno is a batch of durably owner-less pages.
type DataPageListCleanClearIno struct {
	dev   *pm.Device
	pages []uint64
}

// Dealloc clears every page's descriptor entirely.
func (c DataPageListCleanClearIno) Dealloc(l layout.Layout) DataPageListInFlightDealloc {
	for _, p := range c.pages {
		h := handle{dev: c.dev, off: l.PageDescOffset(p)}
		h.writePageDesc(layout.PageDesc{})
		h.flush(layout.PageDescriptorSize)
	}
	return DataPageListInFlightDealloc{dev: c.dev, pages: c.pages}
}

// DataPageListInFlightDealloc is a batch whose descriptors have just been
// zeroed but not yet fenced.
type DataPageListInFlightDealloc struct {
	dev   *pm.Device
	pages []uint64
}

// Fence completes Dirty/Dealloc -> Clean/Dealloc for the whole batch.
func (d DataPageListInFlightDealloc) Fence() DataPageListCleanDealloc {
	d.dev.Fence()
	return DataPageListCleanDealloc{dev: d.dev, pages: d.pages}
}

// DataPageListCleanDealloc is a batch of pages whose descriptors are
// durably zero; only their return to the allocator remains.
type DataPageListCleanDealloc struct {
	dev   *pm.Device
	pages []uint64
}

// MarkPagesFree is the purely volatile final step: no further PM write.
// The caller uses the returned page numbers to give each page back to the
// page allocator and to drop it from the volatile file index.
func (c DataPageListCleanDealloc) MarkPagesFree() []uint64 {
	return c.pages
}

// FreedToken produces the proof InodeReadyForDealloc.Dealloc requires that
// every page the inode owned has had its descriptor durably zeroed.
func (c DataPageListCleanDealloc) FreedToken() FreedPages { return FreedPages{} }

// WrapWriteablePages assembles a list over pages already known to be
// durably backpointed, in file-offset order, for writes that land (wholly
// or partly) on existing pages.
func WrapWriteablePages(dev *pm.Device, pages []uint64) DataPageListCleanWriteable {
	return DataPageListCleanWriteable{dev: dev, pages: pages}
}

// WrapWrittenPages assembles a list over pages already known to hold
// durable payload, for msync and for the unmap/dealloc teardown driven by
// unlink, truncate, and eviction.
func WrapWrittenPages(dev *pm.Device, pages []uint64) DataPageListCleanWritten {
	return DataPageListCleanWritten{dev: dev, pages: pages}
}

// AllocatePagesAt is AllocatePages for a non-contiguous set of file
// offsets, used when a write lands on a sparse range whose missing pages
// are interleaved with existing ones. offsets[i] becomes free[i]'s file
// offset; the batch shares one fence.
func AllocatePagesAt(dev *pm.Device, free []DataPageFree, offsets []uint64) DataPageListInFlightAlloc {
	if len(free) != len(offsets) {
		panic("typestate: page/offset count mismatch")
	}
	pages := make([]uint64, 0, len(free))
	for i, f := range free {
		d := f.AllocDataPage(offsets[i]).Flush()
		pages = append(pages, d.page)
	}
	return DataPageListInFlightAlloc{dev: dev, pages: pages}
}
