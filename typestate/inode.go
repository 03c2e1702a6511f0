package typestate

import (
	"fmt"
	"math"

	"github.com/utsaslab/hayleyfs/layout"
	"github.com/utsaslab/hayleyfs/pm"
)

// ErrTooManyLinks is returned by InodeClean.IncLink when the link count is
// already at its u16 maximum.
var ErrTooManyLinks = fmt.Errorf("typestate: too many links")

// InodeFree wraps a free inode-table slot: every field zero.
type InodeFree struct {
	h   handle
	ino uint64
}

// NewInodeFree wraps the inode-table slot for ino, which must currently be
// free (all-zero bytes).
func NewInodeFree(dev *pm.Device, l layout.Layout, ino uint64) InodeFree {
	return InodeFree{h: handle{dev: dev, off: l.InodeOffset(ino)}, ino: ino}
}

// AllocateFile initializes the slot as a regular-file inode and leaves it
// Dirty/Alloc, consuming the Free wrapper.
func (f InodeFree) AllocateFile(mode uint16, uid, gid uint32, now layout.Timespec) InodeDirtyAlloc {
	return f.allocate(layout.KindReg, mode, uid, gid, now)
}

// AllocateDir initializes the slot as a directory inode, starting link
// count at 2 (self plus the "." entry) as directories conventionally do.
func (f InodeFree) AllocateDir(mode uint16, uid, gid uint32, now layout.Timespec) InodeDirtyAlloc {
	d := f.allocate(layout.KindDir, mode, uid, gid, now)
	in := d.h.readInode()
	in.LinkCount = 2
	d.h.writeInode(in)
	return d
}

// AllocateSymlink initializes the slot as a symlink inode.
func (f InodeFree) AllocateSymlink(mode uint16, uid, gid uint32, now layout.Timespec) InodeDirtyAlloc {
	return f.allocate(layout.KindSymlink, mode, uid, gid, now)
}

func (f InodeFree) allocate(kind, mode uint16, uid, gid uint32, now layout.Timespec) InodeDirtyAlloc {
	in := layout.Inode{
		Kind:      kind,
		LinkCount: 0,
		Mode:      mode,
		Uid:       uid,
		Gid:       gid,
		Ctime:     now,
		Atime:     now,
		Mtime:     now,
		Ino:       f.ino,
	}
	f.h.writeInode(in)
	return InodeDirtyAlloc{h: f.h, ino: f.ino}
}

// InodeDirtyAlloc is a freshly initialized inode record, written but not
// yet flushed.
type InodeDirtyAlloc struct {
	h   handle
	ino uint64
}

// FlushFence drives Dirty/Alloc -> Clean/Alloc.
func (d InodeDirtyAlloc) FlushFence() InodeCleanAlloc {
	d.h.flushFence(layout.InodeSize)
	return InodeCleanAlloc{h: d.h, ino: d.ino}
}

// InodeCleanAlloc is a durable, initialized inode not yet linked from any
// dentry (link count still 0 for a file or symlink, 2 for a directory).
type InodeCleanAlloc struct {
	h   handle
	ino uint64
}

// Ino returns the inode number.
func (c InodeCleanAlloc) Ino() uint64 { return c.ino }

// AddLink sets the link count to 1, as the final step of linking the new
// inode's first dentry. Leaves the record Dirty.
func (c InodeCleanAlloc) AddLink() InodeDirtyComplete {
	in := c.h.readInode()
	in.LinkCount++
	c.h.writeInode(in)
	return InodeDirtyComplete{h: c.h, ino: c.ino}
}

// InodeDirtyComplete is an inode whose link count has just been set but
// not yet flushed.
type InodeDirtyComplete struct {
	h   handle
	ino uint64
}

// FlushFence drives Dirty/Complete -> Clean/Start, the steady state an
// inode occupies between filesystem operations.
func (d InodeDirtyComplete) FlushFence() InodeClean {
	d.h.flushFence(layout.InodeSize)
	return InodeClean{h: d.h, ino: d.ino}
}

// InodeClean is the steady "Clean/Start" state: a durable, fully linked
// inode ready to accept the next operation.
type InodeClean struct {
	h   handle
	ino uint64
}

// WrapInodeClean wraps an inode-table slot already known to hold a durable,
// initialized inode (used when faulting an inode back in from the table,
// outside of an allocation just performed in this process).
func WrapInodeClean(dev *pm.Device, l layout.Layout, ino uint64) InodeClean {
	return InodeClean{h: handle{dev: dev, off: l.InodeOffset(ino)}, ino: ino}
}

// Ino returns the inode number.
func (c InodeClean) Ino() uint64 { return c.ino }

// Snapshot returns the current on-media record, for callers (readdir,
// getattr, statfs) that only need to read.
func (c InodeClean) Snapshot() layout.Inode { return c.h.readInode() }

// IncLink increments the link count, failing if it is already at its
// maximum.
func (c InodeClean) IncLink() (InodeDirtyIncLink, error) {
	in := c.h.readInode()
	if in.LinkCount == math.MaxUint16 {
		return InodeDirtyIncLink{}, ErrTooManyLinks
	}
	in.LinkCount++
	c.h.writeInode(in)
	return InodeDirtyIncLink{h: c.h, ino: c.ino}, nil
}

// InodeDirtyIncLink is an inode whose link count has just been incremented.
type InodeDirtyIncLink struct {
	h   handle
	ino uint64
}

// FlushFence drives Dirty/IncLink -> Clean/Start.
func (d InodeDirtyIncLink) FlushFence() InodeClean {
	d.h.flushFence(layout.InodeSize)
	return InodeClean{h: d.h, ino: d.ino}
}

// DentryClearIno is the precondition token required by DecLink: proof that
// a dentry must already be Clean/ClearIno before the inode's link count
// may be decremented. Produced only by DentryCleanClearIno.Token() and
// DentryCleanInitRenamePointer.OverwrittenInodeToken() in dentry.go.
type DentryClearIno struct{ consumed bool }

// DecLink decrements the link count. The DentryClearIno token is the
// proof that some dentry naming this inode has already been durably
// cleared; without it the inode could reach zero links while still
// reachable by name.
func (c InodeClean) DecLink(_ DentryClearIno) InodeDirtyDecLink {
	in := c.h.readInode()
	if in.LinkCount == 0 {
		panic("typestate: dec_link on inode with zero link count")
	}
	in.LinkCount--
	c.h.writeInode(in)
	return InodeDirtyDecLink{h: c.h, ino: c.ino}
}

// InodeDirtyDecLink is an inode whose link count has just been
// decremented.
type InodeDirtyDecLink struct {
	h   handle
	ino uint64
}

// FlushFence drives Dirty/DecLink -> Clean/DecLink.
func (d InodeDirtyDecLink) FlushFence() InodeCleanDecLink {
	d.h.flushFence(layout.InodeSize)
	return InodeCleanDecLink{h: d.h, ino: d.ino}
}

// InodeCleanDecLink is a durable inode immediately after a link-count
// decrement, not yet checked for unlink completion.
type InodeCleanDecLink struct {
	h   handle
	ino uint64
}

// Ino returns the inode number.
func (c InodeCleanDecLink) Ino() uint64 { return c.ino }

// UnlinkOutcome is the branch result of TryCompleteUnlink.
type UnlinkOutcome struct {
	// StillLinked is set when the inode has remaining links; Remaining
	// holds the steady-state wrapper to resume normal operations on.
	StillLinked bool
	Remaining   InodeClean

	// ReadyForDealloc is set when the link count reached zero; the caller
	// must unmap/dealloc every owned page first, then call Dealloc.
	ReadyForDealloc InodeReadyForDealloc
}

// TryCompleteUnlink inspects the link count and branches.
func (c InodeCleanDecLink) TryCompleteUnlink() UnlinkOutcome {
	in := c.h.readInode()
	if in.LinkCount > 0 {
		return UnlinkOutcome{StillLinked: true, Remaining: InodeClean{h: c.h, ino: c.ino}}
	}
	return UnlinkOutcome{ReadyForDealloc: InodeReadyForDealloc{h: c.h, ino: c.ino}}
}

// InodeReadyForDealloc is a zero-linked inode whose pages have not yet
// been reclaimed.
type InodeReadyForDealloc struct {
	h   handle
	ino uint64
}

// Ino returns the inode number.
func (c InodeReadyForDealloc) Ino() uint64 { return c.ino }

// FreedPages is the token proving every page this inode owned has already
// had its descriptor durably zeroed, satisfying Dealloc's precondition.
type FreedPages struct{ consumed bool }

// Dealloc zeroes the inode record entirely, consuming proof that its pages
// are already free.
func (c InodeReadyForDealloc) Dealloc(_ FreedPages) InodeDirtyFree {
	c.h.writeInode(layout.Inode{})
	return InodeDirtyFree{h: c.h}
}

// InodeDirtyFree is a zeroed inode record not yet flushed.
type InodeDirtyFree struct{ h handle }

// FlushFence drives Dirty/Complete (the zeroing write) -> Free, returning
// the slot to the allocator's domain.
func (d InodeDirtyFree) FlushFence() InodeFree {
	d.h.flushFence(layout.InodeSize)
	return InodeFree{h: d.h}
}

// IncSize updates the inode's size field after a write has already driven
// its pages to DataPageListCleanWritten. The size update is the last
// durable step of every write, so a crash never exposes a size that
// exceeds durable payload.
func (c InodeClean) IncSize(newSize uint64, _ DataPageListCleanWritten, now layout.Timespec) InodeDirtyIncSize {
	in := c.h.readInode()
	if newSize > in.Size {
		in.Size = newSize
	}
	in.Mtime = now
	c.h.writeInode(in)
	return InodeDirtyIncSize{h: c.h, ino: c.ino}
}

// SetSize sets the inode's size unconditionally, for truncate.
func (c InodeClean) SetSize(newSize uint64, now layout.Timespec) InodeDirtyIncSize {
	in := c.h.readInode()
	in.Size = newSize
	in.Mtime = now
	c.h.writeInode(in)
	return InodeDirtyIncSize{h: c.h, ino: c.ino}
}

// InodeDirtyIncSize is an inode whose size has just been updated.
type InodeDirtyIncSize struct {
	h   handle
	ino uint64
}

// FlushFence drives Dirty/IncSize -> Clean/Start.
func (d InodeDirtyIncSize) FlushFence() InodeClean {
	d.h.flushFence(layout.InodeSize)
	return InodeClean{h: d.h, ino: d.ino}
}

// Zero overwrites the inode record with zero bytes without any link-count
// or size bookkeeping, used by mount-time recovery to reclaim an orphan
// inode directly.
func (c InodeClean) Zero() InodeDirtyFree {
	c.h.writeInode(layout.Inode{})
	return InodeDirtyFree{h: c.h}
}

// OverwritePersistentLinkCount is used only by recovery's link-count
// reconciliation: the persistent count is replaced by the traversal's
// reachable count only when the persistent count is strictly greater.
func (c InodeClean) OverwritePersistentLinkCount(reachable uint16) (InodeDirtyIncLink, bool) {
	in := c.h.readInode()
	if in.LinkCount <= reachable {
		return InodeDirtyIncLink{}, false
	}
	in.LinkCount = reachable
	c.h.writeInode(in)
	return InodeDirtyIncLink{h: c.h, ino: c.ino}, true
}

// WrapInodeReadyForDealloc re-enters the teardown path for a zero-linked
// inode whose reclamation was deferred past the unlink that zeroed its
// last name (an open file, or a directory overwritten by a rename).
// Panics if the inode still has links.
func WrapInodeReadyForDealloc(dev *pm.Device, l layout.Layout, ino uint64) InodeReadyForDealloc {
	h := handle{dev: dev, off: l.InodeOffset(ino)}
	if in := h.readInode(); in.LinkCount != 0 {
		panic(fmt.Sprintf("typestate: deferred dealloc of inode %d with %d links", ino, in.LinkCount))
	}
	return InodeReadyForDealloc{h: h, ino: ino}
}

// NoPages is the FreedPages proof for an inode that owns no pages at all
// (a never-written regular file).
func NoPages() FreedPages { return FreedPages{} }

// SetAttr updates the inode's mode and/or timestamps in place. Fields left
// nil keep their current value; ctime always advances.
func (c InodeClean) SetAttr(mode *uint16, atime, mtime *layout.Timespec, now layout.Timespec) InodeDirtySetAttr {
	in := c.h.readInode()
	if mode != nil {
		in.Mode = *mode
	}
	if atime != nil {
		in.Atime = *atime
	}
	if mtime != nil {
		in.Mtime = *mtime
	}
	in.Ctime = now
	c.h.writeInode(in)
	return InodeDirtySetAttr{h: c.h, ino: c.ino}
}

// InodeDirtySetAttr is an inode whose attributes have just been updated.
type InodeDirtySetAttr struct {
	h   handle
	ino uint64
}

// FlushFence drives Dirty/SetAttr -> Clean/Start.
func (d InodeDirtySetAttr) FlushFence() InodeClean {
	d.h.flushFence(layout.InodeSize)
	return InodeClean{h: d.h, ino: d.ino}
}
