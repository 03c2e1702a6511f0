// Package hayleyfs implements a crash-consistent file system for
// byte-addressable persistent memory. Every mutation of the persistent
// image is driven through the typestate wrappers in package typestate, so
// the per-object ordering of stores, cache-line flushes, and store fences
// is fixed by the types rather than by caller discipline. The volatile
// indexes in package volatile are caches: they are updated only after the
// corresponding persistent write has fenced, and mount-time recovery can
// always rebuild them by scanning the on-media tables.
package hayleyfs

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
	"golang.org/x/sys/unix"

	"github.com/utsaslab/hayleyfs/alloc"
	"github.com/utsaslab/hayleyfs/layout"
	"github.com/utsaslab/hayleyfs/pm"
	"github.com/utsaslab/hayleyfs/typestate"
	"github.com/utsaslab/hayleyfs/volatile"
)

// Error kinds surfaced to callers. The core performs no local recovery of
// partial writes: a failure midway through a transition chain leaves the
// on-media state in a recovery-legal intermediate, and the next mount
// normalizes it.
var (
	ErrNoSpace      = errors.New("hayleyfs: no space")
	ErrNameTooLong  = errors.New("hayleyfs: name too long")
	ErrNotEmpty     = errors.New("hayleyfs: directory not empty")
	ErrTooManyLinks = errors.New("hayleyfs: too many links")
	ErrInvalid      = errors.New("hayleyfs: invalid argument")
	ErrPermission   = errors.New("hayleyfs: access to uninitialized object")
	ErrNotFound     = errors.New("hayleyfs: no such entry")
	ErrExists       = errors.New("hayleyfs: entry already exists")
	ErrNotSupported = errors.New("hayleyfs: not supported")
	ErrIO           = errors.New("hayleyfs: short transfer")
)

// WriteType selects which of the three write paths Write uses. All three
// produce the same persistence ordering; they differ in how much of the
// bookkeeping is batched.
type WriteType int

const (
	// WriteSinglePage fences once per page touched.
	WriteSinglePage WriteType = iota

	// WriteRuntimeChecked batches the payload fence across pages but
	// re-validates each page's descriptor against the volatile index
	// before writing.
	WriteRuntimeChecked

	// WriteIterator is the default: the page list is assembled once and
	// driven through the batched list transitions.
	WriteIterator
)

// Options mirrors the mount options: Init creates a fresh image, and
// WriteType selects the write path.
type Options struct {
	Init      bool
	WriteType WriteType

	// NumCPUs sets the page-allocator band count. Zero means one band.
	NumCPUs int
}

// Filesystem is one mounted instance.
type Filesystem struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	dev   *pm.Device
	clock timeutil.Clock

	/////////////////////////
	// Constant data
	/////////////////////////

	l         layout.Layout
	writeType WriteType

	/////////////////////////
	// Mutable state
	/////////////////////////

	pages  *alloc.PageAllocator
	inodes *alloc.InodeAllocator
	ix     *volatile.Indexes

	mu syncutil.InvariantMutex

	// Open-handle counts per inode. An inode whose last name is unlinked
	// while a handle is still open goes onto the pending-free set instead
	// of being reclaimed immediately.
	//
	// INVARIANT: all values > 0
	refs map[uint64]int // GUARDED_BY(mu)

	// Round-robin fallback for CPU selection when the kernel won't tell us.
	nextCPU uint32
}

// New mounts a filesystem over dev. With opts.Init set, a fresh image is
// written first; otherwise the existing image is validated and, if the
// previous unmount was unclean, recovered.
func New(dev *pm.Device, opts Options, clock timeutil.Clock) (*Filesystem, error) {
	if clock == nil {
		clock = timeutil.RealClock()
	}
	numCPUs := opts.NumCPUs
	if numCPUs < 1 {
		numCPUs = 1
	}

	l := layout.NewLayout(uint64(dev.Size()))
	if l.NumInodes < 2 || l.DataStartPage >= uint64(dev.Size())/layout.PageSize {
		return nil, fmt.Errorf("hayleyfs: device of %d bytes is too small: %w", dev.Size(), ErrInvalid)
	}

	fs := &Filesystem{
		dev:       dev,
		clock:     clock,
		l:         l,
		writeType: opts.WriteType,
		ix:        volatile.NewIndexes(),
		refs:      make(map[uint64]int),
	}
	fs.mu = syncutil.NewInvariantMutex(fs.checkInvariants)

	if opts.Init {
		if err := fs.mkfs(); err != nil {
			return nil, err
		}
	}

	sb, err := fs.readSuperblock()
	if err != nil {
		return nil, err
	}

	if err := fs.recover(sb.CleanUnmount, numCPUs); err != nil {
		return nil, err
	}

	// The image is now mounted: any crash from here on is unclean.
	sb.CleanUnmount = false
	fs.writeSuperblock(sb)
	return fs, nil
}

func (fs *Filesystem) checkInvariants() {
	for ino, n := range fs.refs {
		if n <= 0 {
			panic(fmt.Sprintf("hayleyfs: inode %d has non-positive ref count %d", ino, n))
		}
	}
}

// Layout returns the on-media region boundaries.
func (fs *Filesystem) Layout() layout.Layout { return fs.l }

// mkfs writes a fresh image: zeroed metadata regions, a superblock, and a
// root directory inode.
func (fs *Filesystem) mkfs() error {
	metaBytes := int(fs.l.DataStartPage * layout.PageSize)
	fs.dev.MemsetNT(0, metaBytes, 0, false)
	fs.dev.Flush(0, metaBytes)
	fs.dev.Fence()

	now := fs.now()
	root := typestate.NewInodeFree(fs.dev, fs.l, layout.RootIno)
	root.AllocateDir(0o755, 0, 0, now).FlushFence()

	fs.writeSuperblock(layout.Superblock{
		Magic:        layout.SuperblockMagic,
		BlockSize:    layout.PageSize,
		Size:         int64(fs.dev.Size()),
		CleanUnmount: true,
	})
	return nil
}

func (fs *Filesystem) readSuperblock() (layout.Superblock, error) {
	var sb layout.Superblock
	if err := layout.Unmarshal(fs.dev.Bytes(0, layout.SuperblockSize), &sb); err != nil {
		return sb, err
	}
	if sb.Magic != layout.SuperblockMagic {
		return sb, fmt.Errorf("hayleyfs: bad superblock magic %#x: %w", sb.Magic, ErrInvalid)
	}
	if sb.Size != int64(fs.dev.Size()) {
		return sb, fmt.Errorf("hayleyfs: superblock size %d does not match device size %d: %w",
			sb.Size, fs.dev.Size(), ErrInvalid)
	}
	return sb, nil
}

func (fs *Filesystem) writeSuperblock(sb layout.Superblock) {
	b := layout.Marshal(sb)
	fs.dev.MemcpyNT(0, b, false)
	fs.dev.Flush(0, len(b))
	fs.dev.Fence()
}

// Unmount marks the image cleanly unmounted. The next mount skips orphan
// and rename recovery.
func (fs *Filesystem) Unmount() error {
	sb, err := fs.readSuperblock()
	if err != nil {
		return err
	}
	sb.CleanUnmount = true
	fs.writeSuperblock(sb)
	return nil
}

// now returns the current time as an on-media timestamp.
func (fs *Filesystem) now() layout.Timespec {
	return toTimespec(fs.clock.Now())
}

func toTimespec(t time.Time) layout.Timespec {
	return layout.Timespec{Sec: t.Unix(), Nsec: int64(t.Nanosecond())}
}

// TimespecToTime converts an on-media timestamp back to a time.Time.
func TimespecToTime(ts layout.Timespec) time.Time {
	return time.Unix(ts.Sec, ts.Nsec)
}

// cpu returns the calling CPU's id for page-allocator band selection,
// falling back to a round-robin counter where the kernel won't say.
func (fs *Filesystem) cpu() int {
	var cpu, node uint32
	if _, _, errno := unix.Syscall(unix.SYS_GETCPU, uintptr(unsafe.Pointer(&cpu)), uintptr(unsafe.Pointer(&node)), 0); errno == 0 {
		return int(cpu)
	}
	return int(atomic.AddUint32(&fs.nextCPU, 1))
}

// numDataPages returns the count of pages in the data region. The
// descriptor table is sized for the nominal page count, which
// over-provisions it slightly since metadata consumes pages from the same
// device; only pages at or beyond DataStartPage are allocatable.
func (fs *Filesystem) numDataPages() uint64 {
	return uint64(fs.dev.Size())/layout.PageSize - fs.l.DataStartPage
}

// IncRef records an open handle on ino.
func (fs *Filesystem) IncRef(ino uint64) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.refs[ino]++
}

// DecRef drops an open handle on ino and reaps the inode if its last name
// was unlinked while the handle was open.
func (fs *Filesystem) DecRef(ino uint64) {
	fs.mu.Lock()
	fs.refs[ino]--
	if fs.refs[ino] <= 0 {
		delete(fs.refs, ino)
	}
	open := fs.refs[ino] > 0
	fs.mu.Unlock()

	if !open {
		fs.Evict(ino)
	}
}

func (fs *Filesystem) hasOpenRefs(ino uint64) bool {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.refs[ino] > 0
}

// GetInode returns a snapshot of ino's on-media record, failing if the
// slot does not hold an initialized inode.
func (fs *Filesystem) GetInode(ino uint64) (layout.Inode, error) {
	if ino == 0 || ino >= fs.l.NumInodes {
		return layout.Inode{}, ErrInvalid
	}
	in := typestate.WrapInodeClean(fs.dev, fs.l, ino).Snapshot()
	if !layout.IsInitializedInode(&in) {
		return layout.Inode{}, ErrPermission
	}
	return in, nil
}

// StatFS reports space usage derived from the allocators' free sets.
type StatFS struct {
	Blocks     uint64
	BlocksFree uint64
	Inodes     uint64
	InodesFree uint64
	BlockSize  uint32
	NameLen    uint32
}

// Statfs returns current usage counts.
func (fs *Filesystem) Statfs() StatFS {
	return StatFS{
		Blocks:     fs.numDataPages(),
		BlocksFree: fs.pages.FreeCount(),
		Inodes:     fs.l.NumInodes,
		InodesFree: fs.inodes.FreeCount(),
		BlockSize:  layout.PageSize,
		NameLen:    layout.MaxFilenameLen - 1,
	}
}
