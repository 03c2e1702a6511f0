package hayleyfs

import (
	"sort"

	"github.com/utsaslab/hayleyfs/alloc"
	"github.com/utsaslab/hayleyfs/layout"
	"github.com/utsaslab/hayleyfs/typestate"
	"github.com/utsaslab/hayleyfs/volatile"
)

// pageScan is what the descriptor-table scan learned about one non-free
// page.
type pageScan struct {
	kind   uint16
	owner  uint64
	offset uint64
}

// recover rebuilds the volatile indexes and allocators by scanning the
// on-media tables, and, when the previous unmount was unclean, sweeps
// orphans, repairs interrupted renames, and reconciles link counts.
func (fs *Filesystem) recover(cleanUnmount bool, numCPUs int) error {
	recovering := !cleanUnmount

	// Scan the inode table. Every non-free slot is allocated; until the
	// traversal reaches it, it is an orphan candidate.
	allocatedInodes := make(map[uint64]struct{})
	persistLinks := make(map[uint64]uint16)
	orphanInodes := make(map[uint64]struct{})
	for ino := uint64(1); ino < fs.l.NumInodes; ino++ {
		var in layout.Inode
		off := fs.l.InodeOffset(ino)
		if err := layout.Unmarshal(fs.dev.Bytes(int(off), layout.InodeSize), &in); err != nil {
			return err
		}
		if layout.IsFreeInode(&in) {
			continue
		}
		allocatedInodes[ino] = struct{}{}
		persistLinks[ino] = in.LinkCount
		if recovering && ino != layout.RootIno {
			orphanInodes[ino] = struct{}{}
		}
	}

	// Scan the page descriptor table.
	pagesByNo := make(map[uint64]pageScan)
	dirPagesByIno := make(map[uint64][]uint64)
	orphanPages := make(map[uint64]struct{})
	totalPages := uint64(fs.dev.Size()) / layout.PageSize
	for p := fs.l.DataStartPage; p < totalPages; p++ {
		var pd layout.PageDesc
		off := fs.l.PageDescOffset(p)
		if err := layout.Unmarshal(fs.dev.Bytes(int(off), layout.PageDescriptorSize), &pd); err != nil {
			return err
		}
		if layout.IsFreePageDesc(&pd) {
			continue
		}
		pagesByNo[p] = pageScan{kind: pd.Kind, owner: pd.Ino, offset: pd.Offset}
		if pd.Kind == layout.PageKindDir {
			dirPagesByIno[pd.Ino] = append(dirPagesByIno[pd.Ino], p)
		}
		if recovering {
			orphanPages[p] = struct{}{}
		}
	}
	for _, pages := range dirPagesByIno {
		sort.Slice(pages, func(i, j int) bool { return pages[i] < pages[j] })
	}

	// Repair interrupted renames before the traversal, so every dentry the
	// traversal trusts is a settled one.
	if recovering {
		for _, pages := range dirPagesByIno {
			for _, p := range pages {
				for slot := 0; slot < layout.DentriesPerPage; slot++ {
					d := fs.readDentry(p, slot)
					if d.RenamePtr != 0 {
						fs.recoverRename(p, slot, d)
					}
				}
			}
		}
	}

	// Breadth-first traversal from the root: everything it reaches is
	// live; everything it doesn't is an orphan.
	reachableLinks := make(map[uint64]uint16)
	staleDentries := make(map[uint64][]int)
	visited := map[uint64]struct{}{layout.RootIno: {}}
	queue := []uint64{layout.RootIno}
	reachableLinks[layout.RootIno] = 2

	for len(queue) > 0 {
		ino := queue[0]
		queue = queue[1:]

		var in layout.Inode
		off := fs.l.InodeOffset(ino)
		if err := layout.Unmarshal(fs.dev.Bytes(int(off), layout.InodeSize), &in); err != nil {
			return err
		}

		switch in.Kind {
		case layout.KindDir:
			for _, p := range dirPagesByIno[ino] {
				delete(orphanPages, p)
				fs.ix.RecordRecoveredPage(ino, p)
				for slot := 0; slot < layout.DentriesPerPage; slot++ {
					d := fs.readDentry(p, slot)
					if d.Ino == 0 {
						if d != (layout.Dentry{}) {
							staleDentries[p] = append(staleDentries[p], slot)
						}
						continue
					}
					child := d.Ino
					if _, ok := allocatedInodes[child]; !ok {
						// A name pointing at a free inode slot can only be
						// crash debris; sweep it with the stale dentries.
						staleDentries[p] = append(staleDentries[p], slot)
						continue
					}
					fs.ix.RecordRecoveredDentry(ino, volatile.DentryInfo{
						ChildIno: child, PageNo: p, Slot: slot,
						Name: d.NameString(), IsDir: d.IsDir != 0,
					})
					delete(orphanInodes, child)
					if d.IsDir != 0 {
						// A directory counts 2 for itself plus 1 per child
						// directory; this child contributes 1 to its parent.
						reachableLinks[child] = 2
						reachableLinks[ino]++
					} else {
						reachableLinks[child]++
					}
					if _, seen := visited[child]; !seen {
						visited[child] = struct{}{}
						queue = append(queue, child)
					}
				}
			}

		case layout.KindReg, layout.KindSymlink:
			for p, scan := range pagesByNo {
				if scan.kind == layout.PageKindData && scan.owner == ino {
					delete(orphanPages, p)
					fs.ix.RecordRecoveredFilePage(ino, scan.offset, p)
				}
			}
		}
	}

	if recovering {
		// Orphan inodes are swept before orphan pages: a page's backpointer
		// is authoritative, so zeroing owners first would strand pages the
		// second pass still needs to classify.
		for ino := range orphanInodes {
			typestate.WrapInodeClean(fs.dev, fs.l, ino).Zero().FlushFence()
			delete(allocatedInodes, ino)
		}
		for p := range orphanPages {
			scan := pagesByNo[p]
			if scan.kind == layout.PageKindDir {
				typestate.WrapDirPages(fs.dev, []uint64{p}).
					Unmap(fs.l).Fence().Dealloc(fs.l).Fence()
			} else {
				typestate.WrapWrittenPages(fs.dev, []uint64{p}).
					Unmap(fs.l).Fence().Dealloc(fs.l).Fence()
			}
			delete(pagesByNo, p)
		}

		for p, slots := range staleDentries {
			for _, slot := range slots {
				typestate.ZeroRecoveredDentry(fs.dev, fs.l.DentryOffset(p, slot))
			}
		}
		if len(staleDentries) > 0 {
			fs.dev.Fence()
		}

		// Reconcile link counts: a persistent count above the reachable
		// count means a counted operation's later steps never landed. The
		// overwrite only ever lowers a count.
		for ino := range visited {
			if persistLinks[ino] <= reachableLinks[ino] {
				continue
			}
			if dirty, ok := typestate.WrapInodeClean(fs.dev, fs.l, ino).
				OverwritePersistentLinkCount(reachableLinks[ino]); ok {
				dirty.FlushFence()
			}
		}
	}

	// Rebuild the allocators from the definitive allocated sets.
	allocatedPages := make([]uint64, 0, len(pagesByNo))
	for p := range pagesByNo {
		allocatedPages = append(allocatedPages, p)
	}
	sort.Slice(allocatedPages, func(i, j int) bool { return allocatedPages[i] < allocatedPages[j] })

	fs.pages = alloc.RebuildPageAllocator(fs.l.DataStartPage, fs.numDataPages(), numCPUs, allocatedPages)
	fs.inodes = alloc.RebuildInodeAllocator(layout.RootIno+1, fs.l.NumInodes, allocatedInodes)
	return nil
}
