package typestate

import (
	"github.com/utsaslab/hayleyfs/layout"
	"github.com/utsaslab/hayleyfs/pm"
)

// DirPageListInFlightInit is a batch of newly allocated, backpointer-
// initialized directory pages, flushed individually but not yet fenced as
// a group. Directories rarely grow by more than one page per operation,
// but rmdir must reclaim every page a directory ever acquired in one pass,
// so the list shape (and its batched fence) mirrors DataPageList.
type DirPageListInFlightInit struct {
	dev   *pm.Device
	pages []uint64
}

// InitDirPages consumes a set of already-allocator-drawn free pages and
// initializes each one's descriptor as DIR, owned by ino.
func InitDirPages(dev *pm.Device, free []DirPageFree, ino uint64) DirPageListInFlightInit {
	pages := make([]uint64, 0, len(free))
	for _, f := range free {
		d := f.SetBackpointer(ino)
		d.descH.flush(layout.PageDescriptorSize)
		pages = append(pages, d.page)
	}
	return DirPageListInFlightInit{dev: dev, pages: pages}
}

// Fence completes the batch's Dirty/Init -> Clean/Init transition.
func (i DirPageListInFlightInit) Fence() DirPageListCleanInit {
	i.dev.Fence()
	return DirPageListCleanInit{dev: i.dev, pages: i.pages}
}

// DirPageListCleanInit is a durable batch of directory pages ready to host
// dentries.
type DirPageListCleanInit struct {
	dev   *pm.Device
	pages []uint64
}

// Pages returns the page numbers in list order.
func (c DirPageListCleanInit) Pages() []uint64 { return c.pages }

// Unmap clears the owner field of every directory page's descriptor.
// REQUIRES: every page in the list is already empty of live dentries.
func (c DirPageListCleanInit) Unmap(l layout.Layout) DirPageListInFlightClearIno {
	for _, p := range c.pages {
		h := handle{dev: c.dev, off: l.PageDescOffset(p)}
		pd := h.readPageDesc()
		pd.Ino = 0
		h.writePageDesc(pd)
		h.flush(layout.PageDescriptorSize)
	}
	return DirPageListInFlightClearIno{dev: c.dev, pages: c.pages}
}

// DirPageListInFlightClearIno is a batch whose owners have been cleared
// but not yet fenced.
type DirPageListInFlightClearIno struct {
	dev   *pm.Device
	pages []uint64
}

// Fence completes the batch's Dirty/ClearIno -> Clean/ClearIno transition.
func (w DirPageListInFlightClearIno) Fence() DirPageListCleanClearIno {
	w.dev.Fence()
	return DirPageListCleanClearIno{dev: w.dev, pages: w.pages}
}

// DirPageListCleanClearIno is a batch of durably owner-less directory
// pages.
type DirPageListCleanClearIno struct {
	dev   *pm.Device
	pages []uint64
}

// Dealloc clears every directory page's descriptor entirely.
func (c DirPageListCleanClearIno) Dealloc(l layout.Layout) DirPageListInFlightDealloc {
	for _, p := range c.pages {
		h := handle{dev: c.dev, off: l.PageDescOffset(p)}
		h.writePageDesc(layout.PageDesc{})
		h.flush(layout.PageDescriptorSize)
	}
	return DirPageListInFlightDealloc{dev: c.dev, pages: c.pages}
}

// DirPageListInFlightDealloc is a batch whose descriptors have just been
// zeroed but not yet fenced.
type DirPageListInFlightDealloc struct {
	dev   *pm.Device
	pages []uint64
}

// Fence completes Dirty/Dealloc -> Clean/Dealloc for the whole batch.
func (d DirPageListInFlightDealloc) Fence() DirPageListCleanDealloc {
	d.dev.Fence()
	return DirPageListCleanDealloc{dev: d.dev, pages: d.pages}
}

// DirPageListCleanDealloc is a batch of directory pages whose descriptors
// are durably zero; only their return to the allocator remains.
type DirPageListCleanDealloc struct {
	dev   *pm.Device
	pages []uint64
}

// MarkPagesFree is the purely volatile final step: no further PM write.
// The caller uses the returned page numbers to give each page back to the
// page allocator.
func (c DirPageListCleanDealloc) MarkPagesFree() []uint64 {
	return c.pages
}

// FreedToken produces the proof InodeReadyForDealloc.Dealloc requires that
// every directory page the inode owned has had its descriptor durably
// zeroed.
func (c DirPageListCleanDealloc) FreedToken() FreedPages { return FreedPages{} }

// WrapDirPages assembles a list over directory pages already known to be
// durably initialized, for rmdir's full-directory teardown.
func WrapDirPages(dev *pm.Device, pages []uint64) DirPageListCleanInit {
	return DirPageListCleanInit{dev: dev, pages: pages}
}
