package typestate

import (
	"fmt"

	"github.com/utsaslab/hayleyfs/layout"
	"github.com/utsaslab/hayleyfs/pm"
)

// ErrNameTooLong is returned by SetName when the name cannot fit in a
// dentry's fixed-width name field with its NUL terminator.
var ErrNameTooLong = fmt.Errorf("typestate: name too long")

func dentryHandle(dev *pm.Device, l layout.Layout, pageNo uint64, slot int) handle {
	if slot < 0 || slot >= layout.DentriesPerPage {
		panic(fmt.Sprintf("typestate: dentry slot %d out of range", slot))
	}
	return handle{dev: dev, off: l.DentryOffset(pageNo, slot)}
}

// DentryFree wraps a free dentry slot (child inode number zero).
type DentryFree struct {
	h handle
}

// WrapDentryFree wraps slot of directory page pageNo, which must currently
// hold no live entry.
func WrapDentryFree(dev *pm.Device, l layout.Layout, pageNo uint64, slot int) DentryFree {
	return DentryFree{h: dentryHandle(dev, l, pageNo, slot)}
}

// SetName writes the name and directory flag into a free slot, leaving the
// dentry Dirty with no child inode yet.
func (f DentryFree) SetName(name string, isDir bool) (DentryDirtyAlloc, error) {
	var d layout.Dentry
	if err := d.SetName(name); err != nil {
		return DentryDirtyAlloc{}, ErrNameTooLong
	}
	if isDir {
		d.IsDir = 1
	}
	f.h.writeDentry(d)
	return DentryDirtyAlloc{h: f.h}, nil
}

// DentryDirtyAlloc is a newly named, not-yet-flushed dentry slot.
type DentryDirtyAlloc struct{ h handle }

// FlushFence drives Dirty/Alloc -> Clean/Alloc.
func (d DentryDirtyAlloc) FlushFence() DentryCleanAlloc {
	d.h.flushFence(layout.DentrySize)
	return DentryCleanAlloc{h: d.h}
}

// DentryCleanAlloc is a durably named dentry not yet pointing at an
// inode.
type DentryCleanAlloc struct{ h handle }

// Offset returns the absolute byte offset of the dentry record, the value
// a rename destination stores in its rename pointer.
func (c DentryCleanAlloc) Offset() uint64 { return c.h.off }

// SetFileIno links the dentry to ino. The caller must have already driven
// the inode itself through AddLink and its flush+fence: a dentry may only
// ever point at an inode that is already durable.
func (c DentryCleanAlloc) SetFileIno(ino uint64) DentryDirtyComplete {
	d := c.h.readDentry()
	d.Ino = ino
	c.h.writeDentry(d)
	return DentryDirtyComplete{h: c.h}
}

// SetRenamePointer stages this newly named (but not yet linked) slot as a
// rename destination. srcOffset is the absolute byte offset of the source
// dentry's record. The source is consumed and re-labeled Renaming; no
// bytes of the source change yet.
func (c DentryCleanAlloc) SetRenamePointer(src DentryClean, srcOffset uint64) (DentryRenaming, DentryDirtySetRenamePointer) {
	return setRenamePointer(c.h, src, srcOffset)
}

// DentryDirtyComplete is a dentry whose child-inode field has just been
// set.
type DentryDirtyComplete struct{ h handle }

// FlushFence drives Dirty/Complete -> Clean/Start, the steady state a live
// dentry occupies between operations.
func (d DentryDirtyComplete) FlushFence() DentryClean {
	d.h.flushFence(layout.DentrySize)
	return DentryClean{h: d.h}
}

// DentryClean is the steady "Clean/Start" state: a durable, live dentry.
type DentryClean struct{ h handle }

// WrapDentryClean wraps slot of directory page pageNo, already known to
// hold a durable, live entry (used when faulting a directory's dentries
// back in from a volatile index entry).
func WrapDentryClean(dev *pm.Device, l layout.Layout, pageNo uint64, slot int) DentryClean {
	return DentryClean{h: dentryHandle(dev, l, pageNo, slot)}
}

// Offset returns the absolute byte offset of the dentry record.
func (c DentryClean) Offset() uint64 { return c.h.off }

// Snapshot returns the current on-media record.
func (c DentryClean) Snapshot() layout.Dentry { return c.h.readDentry() }

// SetRenamePointer stages this live, already-linked slot as a rename
// destination: the overwrite case, where the destination name already
// exists and its inode will be unlinked once the handshake completes.
func (c DentryClean) SetRenamePointer(src DentryClean, srcOffset uint64) (DentryRenaming, DentryDirtySetRenamePointer) {
	return setRenamePointer(c.h, src, srcOffset)
}

func setRenamePointer(dstH handle, src DentryClean, srcOffset uint64) (DentryRenaming, DentryDirtySetRenamePointer) {
	d := dstH.readDentry()
	d.RenamePtr = srcOffset
	dstH.writeDentry(d)
	return DentryRenaming{h: src.h}, DentryDirtySetRenamePointer{h: dstH}
}

// ClearIno clears the child-inode field of a live dentry without
// initiating a rename: the first persistent step of unlink.
func (c DentryClean) ClearIno() DentryDirtyUnlinkClearIno {
	d := c.h.readDentry()
	d.Ino = 0
	c.h.writeDentry(d)
	return DentryDirtyUnlinkClearIno{h: c.h}
}

// DentryDirtyUnlinkClearIno is a dentry whose child-inode field has just
// been cleared as part of a plain unlink (not a rename).
type DentryDirtyUnlinkClearIno struct{ h handle }

// FlushFence drives Dirty/ClearIno -> Clean/ClearIno.
func (d DentryDirtyUnlinkClearIno) FlushFence() DentryCleanClearIno {
	d.h.flushFence(layout.DentrySize)
	return DentryCleanClearIno{h: d.h}
}

// DentryRenaming marks a dentry logically as a rename source once its
// destination's rename pointer has been durably set. No bytes of the
// source are written at this stage.
type DentryRenaming struct{ h handle }

// DentryDirtySetRenamePointer is a rename destination whose rename
// pointer has just been written.
type DentryDirtySetRenamePointer struct{ h handle }

// FlushFence drives Dirty/SetRenamePointer -> Clean/SetRenamePointer, the
// flush+fence after step 1 of the rename handshake (writing the pointer).
func (d DentryDirtySetRenamePointer) FlushFence() DentryCleanSetRenamePointer {
	d.h.flushFence(layout.DentrySize)
	return DentryCleanSetRenamePointer{h: d.h}
}

// DentryCleanSetRenamePointer is a rename destination durably pointing
// back at its source.
type DentryCleanSetRenamePointer struct{ h handle }

// InitRenamePointer copies the source's child-inode field into the
// destination (step 2 of the handshake, dst.inode := src.inode). The
// source moves to Renamed: its inode is now reachable through dst.
func (c DentryCleanSetRenamePointer) InitRenamePointer(src DentryRenaming) (DentryRenamed, DentryDirtyInitRenamePointer) {
	srcRec := src.h.readDentry()
	d := c.h.readDentry()
	d.Ino = srcRec.Ino
	c.h.writeDentry(d)
	return DentryRenamed{h: src.h}, DentryDirtyInitRenamePointer{h: c.h}
}

// DentryRenamed is a rename source whose inode has already been copied to
// the destination and is therefore safe to clear.
type DentryRenamed struct{ h handle }

// ClearIno zeroes the source's child-inode field (step 3 of the
// handshake). Only legal once the destination durably holds the inode.
func (c DentryRenamed) ClearIno() DentryDirtyRenameClearIno {
	d := c.h.readDentry()
	d.Ino = 0
	c.h.writeDentry(d)
	return DentryDirtyRenameClearIno{h: c.h}
}

// DentryDirtyRenameClearIno is a rename source whose child-inode field has
// just been cleared.
type DentryDirtyRenameClearIno struct{ h handle }

// FlushFence drives Dirty/ClearIno -> Clean/ClearIno. This rejoins the
// same Clean/ClearIno state plain unlink reaches, so the same
// Dealloc/Token surface finishes off either path.
func (d DentryDirtyRenameClearIno) FlushFence() DentryCleanClearIno {
	d.h.flushFence(layout.DentrySize)
	return DentryCleanClearIno{h: d.h}
}

// DentryDirtyInitRenamePointer is a rename destination whose inode field
// has just been copied from the source.
type DentryDirtyInitRenamePointer struct{ h handle }

// FlushFence drives Dirty/InitRenamePointer -> Clean/InitRenamePointer.
func (d DentryDirtyInitRenamePointer) FlushFence() DentryCleanInitRenamePointer {
	d.h.flushFence(layout.DentrySize)
	return DentryCleanInitRenamePointer{h: d.h}
}

// DentryCleanInitRenamePointer is a rename destination durably pointing at
// the renamed inode but with a still-nonzero rename pointer: the exact
// window recovery's rename-roll-forward rule has to handle.
type DentryCleanInitRenamePointer struct{ h handle }

// OverwrittenInodeToken grants the caller permission to decrement the link
// count of whatever inode the destination slot pointed to before this
// rename overwrote it. Only available once step 2 is durable, so the
// overwritten inode is never decremented before the new pointer has been
// fenced.
func (c DentryCleanInitRenamePointer) OverwrittenInodeToken() DentryClearIno {
	return DentryClearIno{consumed: false}
}

// ClearRenamePointer zeroes the destination's rename pointer (step 4 of
// the handshake), completing the destination side.
func (c DentryCleanInitRenamePointer) ClearRenamePointer() DentryDirtyComplete {
	d := c.h.readDentry()
	d.RenamePtr = 0
	c.h.writeDentry(d)
	return DentryDirtyComplete{h: c.h}
}

// DentryCleanClearIno is a durable dentry with its child-inode field
// zeroed: the join point of plain unlink and rename-source teardown, and
// the state InodeClean.DecLink requires a token from.
type DentryCleanClearIno struct{ h handle }

// Token produces the proof InodeClean.DecLink requires that this dentry is
// already durably invisible.
func (c DentryCleanClearIno) Token() DentryClearIno { return DentryClearIno{consumed: false} }

// Dealloc zeroes the dentry slot entirely. The rename pointer must
// already be zero; this is also the rename-source teardown step.
func (c DentryCleanClearIno) Dealloc() DentryDirtyFree {
	rec := c.h.readDentry()
	if rec.RenamePtr != 0 {
		panic("typestate: dealloc_dentry with nonzero rename pointer")
	}
	c.h.writeDentry(layout.Dentry{})
	return DentryDirtyFree{h: c.h}
}

// DentryDirtyFree is a zeroed dentry slot not yet flushed.
type DentryDirtyFree struct{ h handle }

// FlushFence drives Dirty/Free -> Free, returning the slot to use.
func (d DentryDirtyFree) FlushFence() DentryFree {
	d.h.flushFence(layout.DentrySize)
	return DentryFree{h: d.h}
}

// RecoveryRollBack clears a destination's stale rename pointer directly,
// used only by mount-time rename recovery when the destination and source
// name different inodes.
func (c DentryCleanSetRenamePointer) RecoveryRollBack() DentryDirtyComplete {
	d := c.h.readDentry()
	d.RenamePtr = 0
	c.h.writeDentry(d)
	return DentryDirtyComplete{h: c.h}
}

// The wrappers below re-enter the rename state machine at mount time,
// when an unclean shutdown left a destination dentry with a non-null
// rename pointer. They are constructed from raw byte offsets because
// recovery discovers the pair by scanning directory pages, not by
// holding wrappers across the crash.

// WrapRenameDstRollback wraps the destination dentry at absolute byte
// offset off for the case where destination and source name different
// inodes (the crash hit before the destination took over the source's
// inode, or after the source let go of it), so only the stale pointer
// needs clearing.
func WrapRenameDstRollback(dev *pm.Device, off uint64) DentryCleanSetRenamePointer {
	return DentryCleanSetRenamePointer{h: handle{dev: dev, off: off}}
}

// WrapRenameDstRollForward wraps the destination dentry at absolute byte
// offset off for the roll-forward case: the destination already holds the
// inode, so the remaining handshake steps are replayed.
func WrapRenameDstRollForward(dev *pm.Device, off uint64) DentryCleanInitRenamePointer {
	return DentryCleanInitRenamePointer{h: handle{dev: dev, off: off}}
}

// WrapRenameSrcRenamed wraps the source dentry at absolute byte offset off
// whose inode is already durably held by its destination.
func WrapRenameSrcRenamed(dev *pm.Device, off uint64) DentryRenamed {
	return DentryRenamed{h: handle{dev: dev, off: off}}
}

// ZeroRecoveredDentry zeroes a dentry slot that a crash left with a name
// but no child inode. Flush only; recovery fences once after the whole
// sweep.
func ZeroRecoveredDentry(dev *pm.Device, off uint64) {
	h := handle{dev: dev, off: off}
	h.writeDentry(layout.Dentry{})
	h.flush(layout.DentrySize)
}
