// Package volatile holds the in-memory indexes: per-inode offset-to-page
// maps, per-directory name-to-dentry maps, and the process-wide
// pending-free set. None of it is itself crash-consistent: it is a cache
// that mount-time recovery can always reconstruct by scanning
// the inode table and page descriptor table, which is why every mutation
// here happens only after the corresponding PM write has already fenced.
//
// Every shared structure is guarded by a syncutil.InvariantMutex so that
// corruption of the volatile cache panics immediately in tests rather than
// silently producing wrong directory listings.
package volatile

import (
	"fmt"
	"sort"

	"github.com/jacobsa/syncutil"
)

// DentryInfo caches what a directory's in-core index knows about one live
// dentry: the child inode, where the dentry lives, and its name.
type DentryInfo struct {
	ChildIno uint64
	PageNo   uint64
	Slot     int
	Name     string
	IsDir    bool
}

// DirIndex is the in-core state for one directory inode: the set of pages
// it owns and a name-to-dentry map.
type DirIndex struct {
	mu syncutil.InvariantMutex

	pages  map[uint64]struct{}   // GUARDED_BY(mu)
	byName map[string]DentryInfo // GUARDED_BY(mu)
}

// NewDirIndex returns an empty directory index.
func NewDirIndex() *DirIndex {
	d := &DirIndex{
		pages:  make(map[uint64]struct{}),
		byName: make(map[string]DentryInfo),
	}
	d.mu = syncutil.NewInvariantMutex(d.checkInvariants)
	return d
}

func (d *DirIndex) checkInvariants() {
	for name, info := range d.byName {
		if info.Name != name {
			panic(fmt.Sprintf("volatile: dir index name mismatch: key %q, info.Name %q", name, info.Name))
		}
		if _, ok := d.pages[info.PageNo]; !ok {
			panic(fmt.Sprintf("volatile: dentry %q references untracked page %d", name, info.PageNo))
		}
	}
}

// AddPage records that the directory owns pageNo.
func (d *DirIndex) AddPage(pageNo uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pages[pageNo] = struct{}{}
}

// RemovePage forgets that the directory owns pageNo. REQUIRES: no dentry in
// byName still references it.
func (d *DirIndex) RemovePage(pageNo uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pages, pageNo)
}

// Pages returns a snapshot of the directory's owned page numbers.
func (d *DirIndex) Pages() []uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]uint64, 0, len(d.pages))
	for p := range d.pages {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Put publishes a live dentry in the directory's volatile index. REQUIRES:
// the underlying write has already been flushed and fenced.
func (d *DirIndex) Put(info DentryInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byName[info.Name] = info
}

// Lookup returns the cached dentry info for name, if any.
func (d *DirIndex) Lookup(name string) (DentryInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	info, ok := d.byName[name]
	return info, ok
}

// Remove deletes name from the directory's volatile index.
func (d *DirIndex) Remove(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.byName, name)
}

// Len returns the number of live (non "."/"..") dentries, used by rmdir's
// emptiness check.
func (d *DirIndex) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byName)
}

// Entries returns a snapshot of every live dentry, for readdir.
func (d *DirIndex) Entries() []DentryInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]DentryInfo, 0, len(d.byName))
	for _, info := range d.byName {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// FileIndex is the in-core state for one regular-file inode: the ordered
// file-offset-to-page-number map. The on-media descriptor offsets are
// authoritative; this is a cache of them.
type FileIndex struct {
	mu syncutil.InvariantMutex

	byOffset map[uint64]uint64 // GUARDED_BY(mu): file offset -> page number
}

// NewFileIndex returns an empty file index.
func NewFileIndex() *FileIndex {
	f := &FileIndex{byOffset: make(map[uint64]uint64)}
	f.mu = syncutil.NewInvariantMutex(f.checkInvariants)
	return f
}

func (f *FileIndex) checkInvariants() {
	for off := range f.byOffset {
		if off%4096 != 0 {
			panic(fmt.Sprintf("volatile: file index offset %d is not page-aligned", off))
		}
	}
}

// Put records that file offset off is backed by pageNo.
func (f *FileIndex) Put(off, pageNo uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byOffset[off] = pageNo
}

// Lookup returns the page backing file offset off, if any.
func (f *FileIndex) Lookup(off uint64) (uint64, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.byOffset[off]
	return p, ok
}

// Remove forgets the page backing file offset off.
func (f *FileIndex) Remove(off uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byOffset, off)
}

// Offsets returns every tracked offset, ascending. Restartable: calling
// this again after no intervening mutation yields an equivalent sequence.
func (f *FileIndex) Offsets() []uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]uint64, 0, len(f.byOffset))
	for off := range f.byOffset {
		out = append(out, off)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// PendingFree is the process-wide set of inode numbers whose last name has
// been unlinked in memory but whose persistent deallocation has not yet
// run. It coordinates cross-directory rmdir/rename.
type PendingFree struct {
	mu syncutil.InvariantMutex
	set map[uint64]struct{}
}

// NewPendingFree returns an empty pending-free set.
func NewPendingFree() *PendingFree {
	pf := &PendingFree{set: make(map[uint64]struct{})}
	pf.mu = syncutil.NewInvariantMutex(func() {})
	return pf
}

// Add enqueues ino for deferred deallocation.
func (pf *PendingFree) Add(ino uint64) {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	pf.set[ino] = struct{}{}
}

// Contains reports whether ino is pending.
func (pf *PendingFree) Contains(ino uint64) bool {
	pf.mu.RLock()
	defer pf.mu.RUnlock()
	_, ok := pf.set[ino]
	return ok
}

// Drain removes and returns ino from the pending set, reporting whether it
// was present. Called by eviction once the inode's real deallocation runs.
func (pf *PendingFree) Drain(ino uint64) bool {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	_, ok := pf.set[ino]
	delete(pf.set, ino)
	return ok
}

// Indexes is the full set of volatile state the filesystem keeps, one
// instance per mount. Directory and file indexes are created lazily as
// inodes are faulted in; recovery stages what its scan finds during mount
// and the per-inode structures drain it lazily on first access.
type Indexes struct {
	mu syncutil.InvariantMutex

	dirs  map[uint64]*DirIndex  // GUARDED_BY(mu)
	files map[uint64]*FileIndex // GUARDED_BY(mu)

	// RecoveredDentries holds, per directory inode, the dentries recovery's
	// BFS discovered before that directory had an in-core DirIndex. Drained
	// into the DirIndex the first time the directory is faulted in.
	recoveredDentries map[uint64][]DentryInfo // GUARDED_BY(mu)
	recoveredPages    map[uint64][]uint64      // GUARDED_BY(mu): dir ino -> owned pages
	recoveredFiles    map[uint64]map[uint64]uint64 // GUARDED_BY(mu): file ino -> offset->page

	Pending *PendingFree
}

// NewIndexes returns an empty set of volatile indexes.
func NewIndexes() *Indexes {
	ix := &Indexes{
		dirs:              make(map[uint64]*DirIndex),
		files:             make(map[uint64]*FileIndex),
		recoveredDentries: make(map[uint64][]DentryInfo),
		recoveredPages:    make(map[uint64][]uint64),
		recoveredFiles:    make(map[uint64]map[uint64]uint64),
		Pending:           NewPendingFree(),
	}
	ix.mu = syncutil.NewInvariantMutex(func() {})
	return ix
}

// RecordRecoveredDentry is called during the mount-time traversal to
// stage a dentry for a directory that may not yet have an in-core index.
func (ix *Indexes) RecordRecoveredDentry(dirIno uint64, info DentryInfo) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.recoveredDentries[dirIno] = append(ix.recoveredDentries[dirIno], info)
}

// RecordRecoveredPage is called during mount-time BFS to stage a page as
// owned by dirIno before its DirIndex exists.
func (ix *Indexes) RecordRecoveredPage(dirIno, pageNo uint64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.recoveredPages[dirIno] = append(ix.recoveredPages[dirIno], pageNo)
}

// RecordRecoveredFilePage stages a regular file's offset->page mapping
// before its FileIndex exists.
func (ix *Indexes) RecordRecoveredFilePage(fileIno, offset, pageNo uint64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	m := ix.recoveredFiles[fileIno]
	if m == nil {
		m = make(map[uint64]uint64)
		ix.recoveredFiles[fileIno] = m
	}
	m[offset] = pageNo
}

// Dir returns (creating if necessary) the DirIndex for ino, draining any
// staged recovery data into it on first access.
func (ix *Indexes) Dir(ino uint64) *DirIndex {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	d, ok := ix.dirs[ino]
	if ok {
		return d
	}

	d = NewDirIndex()
	for _, p := range ix.recoveredPages[ino] {
		d.AddPage(p)
	}
	for _, info := range ix.recoveredDentries[ino] {
		d.Put(info)
	}
	delete(ix.recoveredPages, ino)
	delete(ix.recoveredDentries, ino)
	ix.dirs[ino] = d
	return d
}

// File returns (creating if necessary) the FileIndex for ino, draining any
// staged recovery data into it on first access.
func (ix *Indexes) File(ino uint64) *FileIndex {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	f, ok := ix.files[ino]
	if ok {
		return f
	}

	f = NewFileIndex()
	for off, p := range ix.recoveredFiles[ino] {
		f.Put(off, p)
	}
	delete(ix.recoveredFiles, ino)
	ix.files[ino] = f
	return f
}

// Forget drops the in-core indexes for ino (called on ForgetInode /
// eviction once the kernel has no more references).
func (ix *Indexes) Forget(ino uint64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.dirs, ino)
	delete(ix.files, ino)
}
