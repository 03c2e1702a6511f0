package hayleyfs

import (
	"github.com/utsaslab/hayleyfs/layout"
	"github.com/utsaslab/hayleyfs/typestate"
	"github.com/utsaslab/hayleyfs/volatile"
)

// Lookup resolves name within directory parent.
func (fs *Filesystem) Lookup(parent uint64, name string) (layout.Inode, error) {
	if _, err := fs.getDir(parent); err != nil {
		return layout.Inode{}, err
	}
	info, ok := fs.ix.Dir(parent).Lookup(name)
	if !ok {
		return layout.Inode{}, ErrNotFound
	}
	return fs.GetInode(info.ChildIno)
}

// getDir returns parent's record, failing unless it is an initialized
// directory.
func (fs *Filesystem) getDir(ino uint64) (layout.Inode, error) {
	in, err := fs.GetInode(ino)
	if err != nil {
		return in, err
	}
	if in.Kind != layout.KindDir {
		return in, ErrInvalid
	}
	return in, nil
}

// ReadDir returns a snapshot of parent's live entries, sorted by name.
func (fs *Filesystem) ReadDir(parent uint64) ([]volatile.DentryInfo, error) {
	if _, err := fs.getDir(parent); err != nil {
		return nil, err
	}
	return fs.ix.Dir(parent).Entries(), nil
}

// allocDentry finds a free dentry slot in one of parent's pages, writing
// name into it and fencing. A new directory page is allocated and
// backpointed first if no existing page has a free slot. The name-length
// check runs before any persistent write.
func (fs *Filesystem) allocDentry(parent uint64, name string, isDir bool) (typestate.DentryCleanAlloc, uint64, int, error) {
	if len(name) >= layout.MaxFilenameLen {
		return typestate.DentryCleanAlloc{}, 0, 0, ErrNameTooLong
	}

	dir := fs.ix.Dir(parent)
	pageNo, slot, ok := fs.findFreeSlot(dir)
	if !ok {
		p, err := fs.pages.Alloc(fs.cpu())
		if err != nil {
			return typestate.DentryCleanAlloc{}, 0, 0, ErrNoSpace
		}
		// A reused page may still hold an earlier owner's bytes; its slots
		// must read as free dentries before the page joins the directory.
		fs.dev.MemsetNT(int(fs.l.PageOffset(p)), layout.PageSize, 0, false)
		free := typestate.NewDirPageFree(fs.dev, fs.l, p)
		free.SetBackpointer(parent).FlushFence()
		dir.AddPage(p)
		pageNo, slot = p, 0
	}

	d, err := typestate.WrapDentryFree(fs.dev, fs.l, pageNo, slot).SetName(name, isDir)
	if err != nil {
		return typestate.DentryCleanAlloc{}, 0, 0, ErrNameTooLong
	}
	return d.FlushFence(), pageNo, slot, nil
}

// findFreeSlot scans parent's pages for a dentry slot with no live entry
// and no leftover name bytes.
func (fs *Filesystem) findFreeSlot(dir *volatile.DirIndex) (uint64, int, bool) {
	for _, p := range dir.Pages() {
		for slot := 0; slot < layout.DentriesPerPage; slot++ {
			d := fs.readDentry(p, slot)
			if d == (layout.Dentry{}) {
				return p, slot, true
			}
		}
	}
	return 0, 0, false
}

func (fs *Filesystem) readDentry(pageNo uint64, slot int) layout.Dentry {
	var d layout.Dentry
	off := fs.l.DentryOffset(pageNo, slot)
	if err := layout.Unmarshal(fs.dev.Bytes(int(off), layout.DentrySize), &d); err != nil {
		panic(err)
	}
	return d
}

// Create makes a regular file named name in parent and returns its inode
// number: name first, then the inode, then the link from name to inode,
// each step fenced before the next so a crash exposes at most an orphan.
func (fs *Filesystem) Create(parent uint64, name string, mode uint16, uid, gid uint32) (uint64, error) {
	if _, err := fs.getDir(parent); err != nil {
		return 0, err
	}
	if _, ok := fs.ix.Dir(parent).Lookup(name); ok {
		return 0, ErrExists
	}

	dentry, pageNo, slot, err := fs.allocDentry(parent, name, false)
	if err != nil {
		return 0, err
	}

	ino, err := fs.inodes.Alloc()
	if err != nil {
		return 0, ErrNoSpace
	}
	typestate.NewInodeFree(fs.dev, fs.l, ino).
		AllocateFile(mode, uid, gid, fs.now()).FlushFence().
		AddLink().FlushFence()

	dentry.SetFileIno(ino).FlushFence()

	fs.ix.Dir(parent).Put(volatile.DentryInfo{
		ChildIno: ino, PageNo: pageNo, Slot: slot, Name: name, IsDir: false,
	})
	return ino, nil
}

// MkDir makes a directory named name in parent. The parent's link count
// gains one for the child's parent reference; the increment is made
// durable before the child becomes visible, so a crash in between leaves
// an over-count that recovery reconciles downward.
func (fs *Filesystem) MkDir(parent uint64, name string, mode uint16, uid, gid uint32) (uint64, error) {
	if _, err := fs.getDir(parent); err != nil {
		return 0, err
	}
	if _, ok := fs.ix.Dir(parent).Lookup(name); ok {
		return 0, ErrExists
	}

	dentry, pageNo, slot, err := fs.allocDentry(parent, name, true)
	if err != nil {
		return 0, err
	}

	ino, err := fs.inodes.Alloc()
	if err != nil {
		return 0, ErrNoSpace
	}
	now := fs.now()
	typestate.NewInodeFree(fs.dev, fs.l, ino).AllocateDir(mode, uid, gid, now).FlushFence()

	parentWrap := typestate.WrapInodeClean(fs.dev, fs.l, parent)
	inc, err := parentWrap.IncLink()
	if err != nil {
		return 0, ErrTooManyLinks
	}
	inc.FlushFence()

	dentry.SetFileIno(ino).FlushFence()

	fs.ix.Dir(parent).Put(volatile.DentryInfo{
		ChildIno: ino, PageNo: pageNo, Slot: slot, Name: name, IsDir: true,
	})
	return ino, nil
}

// Link adds name in parent as another hard link to target. The link-count
// increment is made durable before the dentry, so a crash in between
// leaves an over-count that recovery reconciles downward.
func (fs *Filesystem) Link(target, parent uint64, name string) error {
	if _, err := fs.getDir(parent); err != nil {
		return err
	}
	in, err := fs.GetInode(target)
	if err != nil {
		return err
	}
	if in.Kind == layout.KindDir {
		return ErrInvalid
	}
	if _, ok := fs.ix.Dir(parent).Lookup(name); ok {
		return ErrExists
	}

	inc, err := typestate.WrapInodeClean(fs.dev, fs.l, target).IncLink()
	if err != nil {
		return ErrTooManyLinks
	}
	inc.FlushFence()

	dentry, pageNo, slot, err := fs.allocDentry(parent, name, false)
	if err != nil {
		return err
	}
	dentry.SetFileIno(target).FlushFence()

	fs.ix.Dir(parent).Put(volatile.DentryInfo{
		ChildIno: target, PageNo: pageNo, Slot: slot, Name: name, IsDir: false,
	})
	return nil
}

// Unlink removes name from parent. If that was the inode's last name and
// no handle is open, the inode and its pages are reclaimed immediately;
// otherwise reclamation is deferred to eviction through the pending-free
// set.
func (fs *Filesystem) Unlink(parent uint64, name string) error {
	if _, err := fs.getDir(parent); err != nil {
		return err
	}
	dir := fs.ix.Dir(parent)
	info, ok := dir.Lookup(name)
	if !ok {
		return ErrNotFound
	}
	if info.IsDir {
		return ErrInvalid
	}

	dir.Remove(name)

	cleared := typestate.WrapDentryClean(fs.dev, fs.l, info.PageNo, info.Slot).
		ClearIno().FlushFence()

	dec := typestate.WrapInodeClean(fs.dev, fs.l, info.ChildIno).
		DecLink(cleared.Token()).FlushFence()
	cleared.Dealloc().FlushFence()

	fs.maybeFreeDirPage(dir, info.PageNo)

	outcome := dec.TryCompleteUnlink()
	if outcome.StillLinked {
		return nil
	}
	fs.deferOrReap(info.ChildIno, outcome.ReadyForDealloc)
	return nil
}

// deferOrReap finishes a zero-linked inode's teardown now, or parks it on
// the pending-free set when a handle is still open.
func (fs *Filesystem) deferOrReap(ino uint64, ready typestate.InodeReadyForDealloc) {
	if fs.hasOpenRefs(ino) {
		fs.ix.Pending.Add(ino)
		return
	}
	fs.reap(ino, ready)
}

// reap unmaps and deallocates every page ino owns, then zeroes the inode
// record and returns its number to the allocator.
func (fs *Filesystem) reap(ino uint64, ready typestate.InodeReadyForDealloc) {
	in := typestate.WrapInodeClean(fs.dev, fs.l, ino).Snapshot()

	var token typestate.FreedPages
	if in.Kind == layout.KindDir {
		pages := fs.ix.Dir(ino).Pages()
		if len(pages) == 0 {
			token = typestate.NoPages()
		} else {
			freed := typestate.WrapDirPages(fs.dev, pages).
				Unmap(fs.l).Fence().
				Dealloc(fs.l).Fence()
			token = freed.FreedToken()
			for _, p := range freed.MarkPagesFree() {
				fs.pages.Dealloc(p)
			}
		}
	} else {
		fi := fs.ix.File(ino)
		var pages []uint64
		for _, off := range fi.Offsets() {
			if p, ok := fi.Lookup(off); ok {
				pages = append(pages, p)
			}
		}
		if len(pages) == 0 {
			token = typestate.NoPages()
		} else {
			freed := typestate.WrapWrittenPages(fs.dev, pages).
				Unmap(fs.l).Fence().
				Dealloc(fs.l).Fence()
			token = freed.FreedToken()
			for _, p := range freed.MarkPagesFree() {
				fs.pages.Dealloc(p)
			}
		}
	}

	ready.Dealloc(token).FlushFence()
	fs.inodes.Dealloc(ino)
	fs.ix.Forget(ino)
}

// Evict runs deferred teardown for ino if its reclamation was parked on
// the pending-free set.
func (fs *Filesystem) Evict(ino uint64) {
	if !fs.ix.Pending.Drain(ino) {
		return
	}
	fs.reap(ino, typestate.WrapInodeReadyForDealloc(fs.dev, fs.l, ino))
}

// maybeFreeDirPage reclaims one of dir's pages if removing a dentry left
// it entirely empty. The directory's last page is kept so the next create
// does not have to re-allocate.
func (fs *Filesystem) maybeFreeDirPage(dir *volatile.DirIndex, pageNo uint64) {
	if len(dir.Pages()) <= 1 {
		return
	}
	for slot := 0; slot < layout.DentriesPerPage; slot++ {
		if fs.readDentry(pageNo, slot) != (layout.Dentry{}) {
			return
		}
	}

	freed := typestate.WrapDirPageCleanInit(fs.dev, fs.l, pageNo).
		ToUnmap().Unmap().FlushFence().
		Dealloc().FlushFence().
		MarkFree()
	dir.RemovePage(pageNo)
	fs.pages.Dealloc(freed.Page())
}

// RmDir removes the empty directory named name from parent.
func (fs *Filesystem) RmDir(parent uint64, name string) error {
	if _, err := fs.getDir(parent); err != nil {
		return err
	}
	dir := fs.ix.Dir(parent)
	info, ok := dir.Lookup(name)
	if !ok {
		return ErrNotFound
	}
	if !info.IsDir {
		return ErrInvalid
	}
	if fs.ix.Dir(info.ChildIno).Len() != 0 {
		return ErrNotEmpty
	}

	dir.Remove(name)

	cleared := typestate.WrapDentryClean(fs.dev, fs.l, info.PageNo, info.Slot).
		ClearIno().FlushFence()

	// The parent loses the child's parent reference; the child loses both
	// its self references, reaching zero links.
	typestate.WrapInodeClean(fs.dev, fs.l, parent).
		DecLink(cleared.Token()).FlushFence()

	dec := typestate.WrapInodeClean(fs.dev, fs.l, info.ChildIno).
		DecLink(cleared.Token()).FlushFence()
	outcome := dec.TryCompleteUnlink()
	for outcome.StillLinked {
		outcome = outcome.Remaining.
			DecLink(cleared.Token()).FlushFence().
			TryCompleteUnlink()
	}

	cleared.Dealloc().FlushFence()
	fs.maybeFreeDirPage(dir, info.PageNo)

	fs.deferOrReap(info.ChildIno, outcome.ReadyForDealloc)
	return nil
}
