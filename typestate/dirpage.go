package typestate

import (
	"github.com/utsaslab/hayleyfs/layout"
	"github.com/utsaslab/hayleyfs/pm"
)

// DirPageFree wraps a free data-region page destined to host directory
// entries: DentriesPerPage zeroed Dentry slots plus a zeroed descriptor.
type DirPageFree struct {
	descH handle
	dataH handle
	page  uint64
}

// NewDirPageFree wraps data-region page pageNo, which must currently be
// unallocated.
func NewDirPageFree(dev *pm.Device, l layout.Layout, pageNo uint64) DirPageFree {
	return DirPageFree{
		descH: handle{dev: dev, off: l.PageDescOffset(pageNo)},
		dataH: handle{dev: dev, off: l.PageOffset(pageNo)},
		page:  pageNo,
	}
}

// SetBackpointer initializes the descriptor as a DIR page owned by ino
// ("DirPage Clean/Zeroed -> set_dir_page_backpointer(&inode@
// Initialized) -> Dirty/Init"; the allocation and backpointer-set are
// folded into one call since a directory page is never handed out without
// an owner).
func (f DirPageFree) SetBackpointer(ino uint64) DirPageDirtyInit {
	f.descH.writePageDesc(layout.PageDesc{Kind: layout.PageKindDir, Ino: ino})
	return DirPageDirtyInit{descH: f.descH, dataH: f.dataH, page: f.page}
}

// DirPageDirtyInit is a newly initialized, not-yet-flushed directory page.
type DirPageDirtyInit struct {
	descH handle
	dataH handle
	page  uint64
}

// FlushFence drives Dirty/Init -> Clean/Init.
func (d DirPageDirtyInit) FlushFence() DirPageCleanInit {
	d.descH.flushFence(layout.PageDescriptorSize)
	return DirPageCleanInit{descH: d.descH, dataH: d.dataH, page: d.page}
}

// DirPageCleanInit is a durable directory page ready to host dentries.
type DirPageCleanInit struct {
	descH handle
	dataH handle
	page  uint64
}

// WrapDirPageCleanInit wraps data-region page pageNo, already known to
// hold a durable, initialized directory page.
func WrapDirPageCleanInit(dev *pm.Device, l layout.Layout, pageNo uint64) DirPageCleanInit {
	return DirPageCleanInit{
		descH: handle{dev: dev, off: l.PageDescOffset(pageNo)},
		dataH: handle{dev: dev, off: l.PageOffset(pageNo)},
		page:  pageNo,
	}
}

// Page returns the data-region page number.
func (c DirPageCleanInit) Page() uint64 { return c.page }

// ToUnmap re-labels an empty, durable directory page as the starting
// point of its teardown sequence. REQUIRES: caller has already verified
// every dentry slot in the page is free.
func (c DirPageCleanInit) ToUnmap() DirPageCleanToUnmap {
	return DirPageCleanToUnmap{descH: c.descH, dataH: c.dataH, page: c.page}
}

// DirPageCleanToUnmap is an empty directory page about to be reclaimed.
type DirPageCleanToUnmap struct {
	descH handle
	dataH handle
	page  uint64
}

// Page returns the data-region page number.
func (c DirPageCleanToUnmap) Page() uint64 { return c.page }

// Unmap clears the descriptor's owning inode.
func (c DirPageCleanToUnmap) Unmap() DirPageDirtyClearIno {
	pd := c.descH.readPageDesc()
	pd.Ino = 0
	c.descH.writePageDesc(pd)
	return DirPageDirtyClearIno{descH: c.descH, dataH: c.dataH, page: c.page}
}

// DirPageDirtyClearIno is a directory page whose owner has just been
// cleared.
type DirPageDirtyClearIno struct {
	descH handle
	dataH handle
	page  uint64
}

// FlushFence drives Dirty/ClearIno -> Clean/ClearIno.
func (d DirPageDirtyClearIno) FlushFence() DirPageCleanClearIno {
	d.descH.flushFence(layout.PageDescriptorSize)
	return DirPageCleanClearIno{descH: d.descH, dataH: d.dataH, page: d.page}
}

// DirPageCleanClearIno is a durably owner-less directory page.
type DirPageCleanClearIno struct {
	descH handle
	dataH handle
	page  uint64
}

// Page returns the data-region page number.
func (c DirPageCleanClearIno) Page() uint64 { return c.page }

// Dealloc clears the descriptor's kind field, the final PM write before
// the page is free.
func (c DirPageCleanClearIno) Dealloc() DirPageDirtyDealloc {
	c.descH.writePageDesc(layout.PageDesc{})
	return DirPageDirtyDealloc{descH: c.descH, dataH: c.dataH, page: c.page}
}

// DirPageDirtyDealloc is a directory page whose descriptor has just been
// zeroed.
type DirPageDirtyDealloc struct {
	descH handle
	dataH handle
	page  uint64
}

// FlushFence drives Dirty/Dealloc -> Clean/Dealloc.
func (d DirPageDirtyDealloc) FlushFence() DirPageCleanDealloc {
	d.descH.flushFence(layout.PageDescriptorSize)
	return DirPageCleanDealloc{descH: d.descH, dataH: d.dataH, page: d.page}
}

// DirPageCleanDealloc is a directory page whose descriptor is durably
// zero; only its return to the allocator's free set remains.
type DirPageCleanDealloc struct {
	descH handle
	dataH handle
	page  uint64
}

// Page returns the data-region page number.
func (c DirPageCleanDealloc) Page() uint64 { return c.page }

// MarkFree is the purely volatile final step: no further PM write, the
// page number is simply handed back to the allocator by the caller.
func (c DirPageCleanDealloc) MarkFree() DirPageFree {
	return DirPageFree{descH: c.descH, dataH: c.dataH, page: c.page}
}

// Page returns the data-region page number.
func (f DirPageFree) Page() uint64 { return f.page }
