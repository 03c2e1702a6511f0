package hayleyfs

import (
	"github.com/utsaslab/hayleyfs/layout"
	"github.com/utsaslab/hayleyfs/typestate"
	"github.com/utsaslab/hayleyfs/volatile"
)

// pageFloor rounds off down to its containing page's file offset.
func pageFloor(off uint64) uint64 { return off &^ (layout.PageSize - 1) }

// pageCeil rounds off up to the next page boundary.
func pageCeil(off uint64) uint64 {
	return (off + layout.PageSize - 1) &^ (layout.PageSize - 1)
}

// getFile returns ino's record, failing unless it is an initialized
// regular file or symlink.
func (fs *Filesystem) getFile(ino uint64) (layout.Inode, error) {
	in, err := fs.GetInode(ino)
	if err != nil {
		return in, err
	}
	if in.Kind != layout.KindReg && in.Kind != layout.KindSymlink {
		return in, ErrInvalid
	}
	return in, nil
}

// ensurePages makes every page covering [off, off+n) exist and carry a
// durable backpointer to ino, allocating and fencing what is missing. It
// returns the full page run for the range, in file-offset order, and the
// file offset its first page backs. The volatile index learns about new
// pages only after their descriptors have fenced.
func (fs *Filesystem) ensurePages(ino uint64, fi *volatile.FileIndex, off uint64, n int) ([]uint64, uint64, error) {
	start := pageFloor(off)
	end := pageCeil(off + uint64(n))

	var missing []uint64
	for o := start; o < end; o += layout.PageSize {
		if _, ok := fi.Lookup(o); !ok {
			missing = append(missing, o)
		}
	}

	if len(missing) > 0 {
		var free []typestate.DataPageFree
		for range missing {
			p, err := fs.pages.Alloc(fs.cpu())
			if err != nil {
				// Give back what this call drew; nothing persistent has
				// been written for these pages yet.
				for _, f := range free {
					fs.pages.Dealloc(f.Page())
				}
				return nil, 0, ErrNoSpace
			}
			free = append(free, typestate.NewDataPageFree(fs.dev, fs.l, p))
		}

		allocated := typestate.AllocatePagesAt(fs.dev, free, missing).Fence()
		writeable := allocated.SetBackpointers(fs.l, ino).Fence()

		// A fresh page's old contents must never show through the parts a
		// partial write leaves untouched. The zeroing shares the caller's
		// payload fence.
		for _, p := range writeable.Pages() {
			typestate.WrapDataPageWriteable(fs.dev, fs.l, p).
				ZeroPage(0, layout.PageSize)
		}

		for i, o := range missing {
			fi.Put(o, writeable.Pages()[i])
		}
	}

	run := make([]uint64, 0, (end-start)/layout.PageSize)
	for o := start; o < end; o += layout.PageSize {
		p, ok := fi.Lookup(o)
		if !ok {
			return nil, 0, ErrInvalid
		}
		run = append(run, p)
	}
	return run, start, nil
}

// Write stores data at byte offset off in file ino. Payload becomes
// durable under a single fence; the size update is the last durable step,
// so a crash never exposes a size beyond durable payload.
func (fs *Filesystem) Write(ino uint64, data []byte, off uint64) (int, error) {
	in, err := fs.getFile(ino)
	if err != nil {
		return 0, err
	}
	if in.Kind != layout.KindReg {
		return 0, ErrInvalid
	}
	if len(data) == 0 {
		return 0, nil
	}

	fi := fs.ix.File(ino)

	var written typestate.DataPageListCleanWritten
	var n int
	switch fs.writeType {
	case WriteSinglePage:
		n, written, err = fs.writeSinglePage(ino, fi, data, off)
	case WriteRuntimeChecked:
		n, written, err = fs.writeRuntimeChecked(ino, fi, data, off)
	default:
		n, written, err = fs.writeIterator(ino, fi, data, off)
	}
	if err != nil {
		return 0, err
	}
	if n != len(data) {
		return n, ErrIO
	}

	typestate.WrapInodeClean(fs.dev, fs.l, ino).
		IncSize(off+uint64(n), written, fs.now()).FlushFence()
	return n, nil
}

// writeIterator is the default path: one page-list assembly, one payload
// fence for the whole request.
func (fs *Filesystem) writeIterator(ino uint64, fi *volatile.FileIndex, data []byte, off uint64) (int, typestate.DataPageListCleanWritten, error) {
	run, start, err := fs.ensurePages(ino, fi, off, len(data))
	if err != nil {
		return 0, typestate.DataPageListCleanWritten{}, err
	}
	n, inflight := typestate.WrapWriteablePages(fs.dev, run).WritePages(start, off, data)
	return n, inflight.Fence(), nil
}

// writeSinglePage fences each page's payload individually. Slowest path,
// kept for debugging ordering issues in the batched paths.
func (fs *Filesystem) writeSinglePage(ino uint64, fi *volatile.FileIndex, data []byte, off uint64) (int, typestate.DataPageListCleanWritten, error) {
	run, start, err := fs.ensurePages(ino, fi, off, len(data))
	if err != nil {
		return 0, typestate.DataPageListCleanWritten{}, err
	}

	written := 0
	for i, p := range run {
		pageOff := start + uint64(i)*layout.PageSize
		inPage := 0
		if off > pageOff {
			inPage = int(off - pageOff)
		}
		chunk := data[written:]
		if room := layout.PageSize - inPage; len(chunk) > room {
			chunk = chunk[:room]
		}
		n, inflight := typestate.WrapDataPageWriteable(fs.dev, fs.l, p).
			WriteToPage(inPage, chunk)
		inflight.Fence()
		written += n
	}
	return written, typestate.WrapWrittenPages(fs.dev, run), nil
}

// writeRuntimeChecked batches the payload fence like the iterator path but
// re-validates each page's descriptor against the index before writing,
// catching a stale volatile mapping before it scribbles on a page that has
// changed owners.
func (fs *Filesystem) writeRuntimeChecked(ino uint64, fi *volatile.FileIndex, data []byte, off uint64) (int, typestate.DataPageListCleanWritten, error) {
	run, start, err := fs.ensurePages(ino, fi, off, len(data))
	if err != nil {
		return 0, typestate.DataPageListCleanWritten{}, err
	}

	for i, p := range run {
		var pd layout.PageDesc
		pdOff := fs.l.PageDescOffset(p)
		if err := layout.Unmarshal(fs.dev.Bytes(int(pdOff), layout.PageDescriptorSize), &pd); err != nil {
			return 0, typestate.DataPageListCleanWritten{}, err
		}
		wantOff := start + uint64(i)*layout.PageSize
		if pd.Kind != layout.PageKindData || pd.Ino != ino || pd.Offset != wantOff {
			return 0, typestate.DataPageListCleanWritten{}, ErrInvalid
		}
	}

	n, inflight := typestate.WrapWriteablePages(fs.dev, run).WritePages(start, off, data)
	return n, inflight.Fence(), nil
}

// Read returns up to n bytes at byte offset off of file ino, bounded by
// the persistent size. Holes read as zeros.
func (fs *Filesystem) Read(ino uint64, off uint64, n int) ([]byte, error) {
	in, err := fs.getFile(ino)
	if err != nil {
		return nil, err
	}
	if off >= in.Size {
		return nil, nil
	}
	if max := in.Size - off; uint64(n) > max {
		n = int(max)
	}

	fi := fs.ix.File(ino)
	out := make([]byte, n)
	read := 0
	for read < n {
		cur := off + uint64(read)
		pageOff := pageFloor(cur)
		inPage := int(cur - pageOff)
		chunk := n - read
		if room := layout.PageSize - inPage; chunk > room {
			chunk = room
		}
		if p, ok := fi.Lookup(pageOff); ok {
			b := typestate.WrapDataPageWritten(fs.dev, fs.l, p).Read(inPage, chunk)
			copy(out[read:], b)
		}
		read += chunk
	}
	return out, nil
}

// Truncate sets file ino's size to newSize. Shrinking makes the new size
// durable before any page is reclaimed; growing zeroes the gap before the
// new size becomes durable. Either order leaves a crash-legal image.
func (fs *Filesystem) Truncate(ino uint64, newSize uint64) error {
	in, err := fs.getFile(ino)
	if err != nil {
		return err
	}
	if in.Kind != layout.KindReg {
		return ErrInvalid
	}
	if newSize == in.Size {
		return nil
	}
	fi := fs.ix.File(ino)

	if newSize < in.Size {
		typestate.WrapInodeClean(fs.dev, fs.l, ino).
			SetSize(newSize, fs.now()).FlushFence()

		keep := pageCeil(newSize)
		var trailing []uint64
		for _, o := range fi.Offsets() {
			if o >= keep {
				if p, ok := fi.Lookup(o); ok {
					trailing = append(trailing, p)
				}
			}
		}
		if len(trailing) > 0 {
			freed := typestate.WrapWrittenPages(fs.dev, trailing).
				Unmap(fs.l).Fence().
				Dealloc(fs.l).Fence()
			for _, p := range freed.MarkPagesFree() {
				fs.pages.Dealloc(p)
			}
			for _, o := range fi.Offsets() {
				if o >= keep {
					fi.Remove(o)
				}
			}
		}
		return nil
	}

	// Grow: the gap [oldSize, newSize) must read as zeros afterward, so
	// every page it touches is zeroed before the size update fences.
	run, start, err := fs.ensurePages(ino, fi, in.Size, int(newSize-in.Size))
	if err != nil {
		return err
	}
	written := typestate.WrapWriteablePages(fs.dev, run).
		ZeroPages(start, in.Size, int(newSize-in.Size)).Fence()

	typestate.WrapInodeClean(fs.dev, fs.l, ino).
		IncSize(newSize, written, fs.now()).FlushFence()
	return nil
}

// Symlink creates a symlink named name in parent whose content is target.
// The target bytes and size become durable before the dentry links the
// inode into the name space.
func (fs *Filesystem) Symlink(parent uint64, name, target string, uid, gid uint32) (uint64, error) {
	if _, err := fs.getDir(parent); err != nil {
		return 0, err
	}
	if _, ok := fs.ix.Dir(parent).Lookup(name); ok {
		return 0, ErrExists
	}
	if len(target) >= layout.PageSize {
		return 0, ErrNameTooLong
	}

	dentry, pageNo, slot, err := fs.allocDentry(parent, name, false)
	if err != nil {
		return 0, err
	}

	ino, err := fs.inodes.Alloc()
	if err != nil {
		return 0, ErrNoSpace
	}
	now := fs.now()
	clean := typestate.NewInodeFree(fs.dev, fs.l, ino).
		AllocateSymlink(0o777, uid, gid, now).FlushFence()

	p, err := fs.pages.Alloc(fs.cpu())
	if err != nil {
		return 0, ErrNoSpace
	}
	free := []typestate.DataPageFree{typestate.NewDataPageFree(fs.dev, fs.l, p)}
	writeable := typestate.AllocatePagesAt(fs.dev, free, []uint64{0}).Fence().
		SetBackpointers(fs.l, ino).Fence()

	// One full-page store: the target bytes NUL-padded to the page end, so
	// the whole page is defined and a later longer target needs no zeroing.
	padded := make([]byte, layout.PageSize)
	copy(padded, target)
	_, inflight := writeable.WritePages(0, 0, padded)
	written := inflight.Fence()

	fs.ix.File(ino).Put(0, p)

	typestate.WrapInodeClean(fs.dev, fs.l, ino).
		IncSize(uint64(len(target)), written, now).FlushFence()

	clean.AddLink().FlushFence()
	dentry.SetFileIno(ino).FlushFence()

	fs.ix.Dir(parent).Put(volatile.DentryInfo{
		ChildIno: ino, PageNo: pageNo, Slot: slot, Name: name, IsDir: false,
	})
	return ino, nil
}

// ReadSymlink returns the target stored in symlink ino.
func (fs *Filesystem) ReadSymlink(ino uint64) (string, error) {
	in, err := fs.getFile(ino)
	if err != nil {
		return "", err
	}
	if in.Kind != layout.KindSymlink {
		return "", ErrInvalid
	}
	b, err := fs.Read(ino, 0, int(in.Size))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// SetAttr updates mode and/or timestamps of ino with one flush+fence.
func (fs *Filesystem) SetAttr(ino uint64, mode *uint16, atime, mtime *layout.Timespec) error {
	if _, err := fs.GetInode(ino); err != nil {
		return err
	}
	typestate.WrapInodeClean(fs.dev, fs.l, ino).
		SetAttr(mode, atime, mtime, fs.now()).FlushFence()
	return nil
}

// Fsync flushes every page of ino and fences. All metadata persistence in
// this filesystem is synchronous, so payload write-back is the only work
// left for fsync; the same path serves the mmap msync case.
func (fs *Filesystem) Fsync(ino uint64) error {
	in, err := fs.getFile(ino)
	if err != nil {
		return err
	}
	if in.Kind != layout.KindReg {
		return nil
	}
	fi := fs.ix.File(ino)
	var pages []uint64
	for _, o := range fi.Offsets() {
		if p, ok := fi.Lookup(o); ok {
			pages = append(pages, p)
		}
	}
	if len(pages) == 0 {
		return nil
	}
	typestate.WrapWrittenPages(fs.dev, pages).MsyncPages()
	return nil
}
