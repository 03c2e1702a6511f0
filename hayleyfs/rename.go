package hayleyfs

import (
	"github.com/utsaslab/hayleyfs/layout"
	"github.com/utsaslab/hayleyfs/typestate"
	"github.com/utsaslab/hayleyfs/volatile"
)

// Rename moves oldName in oldParent to newName in newParent, atomically
// from the recovery standpoint: the destination dentry first durably
// points back at the source, then takes over its inode, and only then is
// the source torn down. A crash at any fence leaves a state the mount-time
// rename recovery rolls back or forward to one of the two endpoints.
func (fs *Filesystem) Rename(oldParent uint64, oldName string, newParent uint64, newName string) error {
	if _, err := fs.getDir(oldParent); err != nil {
		return err
	}
	if _, err := fs.getDir(newParent); err != nil {
		return err
	}

	srcDir := fs.ix.Dir(oldParent)
	srcInfo, ok := srcDir.Lookup(oldName)
	if !ok {
		return ErrNotFound
	}
	if oldParent == newParent && oldName == newName {
		return nil
	}

	dstDir := fs.ix.Dir(newParent)
	dstInfo, overwriting := dstDir.Lookup(newName)
	if overwriting {
		if dstInfo.ChildIno == srcInfo.ChildIno {
			return nil
		}
		// Directories may only replace empty directories, and files may
		// not replace directories.
		if dstInfo.IsDir {
			if !srcInfo.IsDir {
				return ErrInvalid
			}
			if fs.ix.Dir(dstInfo.ChildIno).Len() != 0 {
				return ErrNotEmpty
			}
		} else if srcInfo.IsDir {
			return ErrInvalid
		}
	}

	crossDir := oldParent != newParent

	// A directory moving between parents shifts its parent reference: the
	// destination parent's count rises before the handshake begins, so a
	// crash in between leaves an over-count recovery reconciles downward.
	if crossDir && srcInfo.IsDir {
		inc, err := typestate.WrapInodeClean(fs.dev, fs.l, newParent).IncLink()
		if err != nil {
			return ErrTooManyLinks
		}
		inc.FlushFence()
	}

	src := typestate.WrapDentryClean(fs.dev, fs.l, srcInfo.PageNo, srcInfo.Slot)

	// Step 1: the destination durably records where its inode will come
	// from. Step 2: it takes the inode over.
	var renaming typestate.DentryRenaming
	var dstSet typestate.DentryDirtySetRenamePointer
	var dstPage uint64
	var dstSlot int
	if overwriting {
		dst := typestate.WrapDentryClean(fs.dev, fs.l, dstInfo.PageNo, dstInfo.Slot)
		renaming, dstSet = dst.SetRenamePointer(src, src.Offset())
		dstPage, dstSlot = dstInfo.PageNo, dstInfo.Slot
	} else {
		dst, pageNo, slot, err := fs.allocDentry(newParent, newName, srcInfo.IsDir)
		if err != nil {
			return err
		}
		renaming, dstSet = dst.SetRenamePointer(src, src.Offset())
		dstPage, dstSlot = pageNo, slot
	}

	renamed, dstInit := dstSet.FlushFence().InitRenamePointer(renaming)
	dstDone := dstInit.FlushFence()

	// The overwritten inode's unlink permission exists only while the
	// destination durably holds the new inode.
	overwrittenToken := dstDone.OverwrittenInodeToken()

	// Steps 3 and 4: the source lets go, then the destination's pointer
	// clears, completing the handshake.
	srcCleared := renamed.ClearIno().FlushFence()
	dstDone.ClearRenamePointer().FlushFence()

	if crossDir && srcInfo.IsDir {
		typestate.WrapInodeClean(fs.dev, fs.l, oldParent).
			DecLink(srcCleared.Token()).FlushFence()
	}

	// Step 5: the replaced inode, if any, loses the name that just got
	// overwritten. An overwritten directory also takes its parent
	// reference with it.
	if overwriting {
		if dstInfo.IsDir {
			typestate.WrapInodeClean(fs.dev, fs.l, newParent).
				DecLink(overwrittenToken).FlushFence()
		}
		fs.unlinkOverwritten(dstInfo, overwrittenToken)
	}

	// Step 6: the source slot is zeroed entirely.
	srcCleared.Dealloc().FlushFence()

	srcDir.Remove(oldName)
	dstDir.Put(volatile.DentryInfo{
		ChildIno: srcInfo.ChildIno, PageNo: dstPage, Slot: dstSlot,
		Name: newName, IsDir: srcInfo.IsDir,
	})
	fs.maybeFreeDirPage(srcDir, srcInfo.PageNo)
	return nil
}

// unlinkOverwritten decrements (to zero, for directories) the link count
// of the inode whose name a rename just took over, then reclaims it or
// parks it on the pending-free set. An overwritten directory's cleanup is
// always deferred through pending-free, since another task may race its
// eviction across directories.
func (fs *Filesystem) unlinkOverwritten(info volatile.DentryInfo, token typestate.DentryClearIno) {
	dec := typestate.WrapInodeClean(fs.dev, fs.l, info.ChildIno).
		DecLink(token).FlushFence()
	outcome := dec.TryCompleteUnlink()

	if info.IsDir {
		for outcome.StillLinked {
			outcome = outcome.Remaining.
				DecLink(token).FlushFence().
				TryCompleteUnlink()
		}
		fs.ix.Pending.Add(info.ChildIno)
		if !fs.hasOpenRefs(info.ChildIno) {
			fs.Evict(info.ChildIno)
		}
		return
	}

	if outcome.StillLinked {
		return
	}
	fs.deferOrReap(info.ChildIno, outcome.ReadyForDealloc)
}

// recoverRename repairs one interrupted handshake found during mount: a
// destination dentry carrying a non-null rename pointer. If the two
// dentries name different inodes (the destination has not yet taken over
// the source's inode, or the source has already let go of it) only the
// destination's pointer is cleared; otherwise the rename rolls forward
// through the remaining steps.
func (fs *Filesystem) recoverRename(dstPage uint64, dstSlot int, dst layout.Dentry) {
	dstOff := fs.l.DentryOffset(dstPage, dstSlot)
	srcOff := dst.RenamePtr

	var src layout.Dentry
	if err := layout.Unmarshal(fs.dev.Bytes(int(srcOff), layout.DentrySize), &src); err != nil {
		panic(err)
	}

	if dst.Ino != src.Ino {
		typestate.WrapRenameDstRollback(fs.dev, dstOff).
			RecoveryRollBack().FlushFence()
		return
	}

	srcCleared := typestate.WrapRenameSrcRenamed(fs.dev, srcOff).
		ClearIno().FlushFence()
	typestate.WrapRenameDstRollForward(fs.dev, dstOff).
		ClearRenamePointer().FlushFence()
	srcCleared.Dealloc().FlushFence()
}
