package typestate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utsaslab/hayleyfs/layout"
	"github.com/utsaslab/hayleyfs/pm"
)

func newTestDevice(t *testing.T) (*pm.Device, layout.Layout) {
	t.Helper()
	const size = 8 << 20
	return pm.NewAnon(size), layout.NewLayout(size)
}

func readInode(dev *pm.Device, l layout.Layout, ino uint64) layout.Inode {
	var in layout.Inode
	if err := layout.Unmarshal(dev.Bytes(int(l.InodeOffset(ino)), layout.InodeSize), &in); err != nil {
		panic(err)
	}
	return in
}

func readDesc(dev *pm.Device, l layout.Layout, page uint64) layout.PageDesc {
	var pd layout.PageDesc
	if err := layout.Unmarshal(dev.Bytes(int(l.PageDescOffset(page)), layout.PageDescriptorSize), &pd); err != nil {
		panic(err)
	}
	return pd
}

func readDentryAt(dev *pm.Device, off uint64) layout.Dentry {
	var d layout.Dentry
	if err := layout.Unmarshal(dev.Bytes(int(off), layout.DentrySize), &d); err != nil {
		panic(err)
	}
	return d
}

func TestInodeAllocateFile(t *testing.T) {
	dev, l := newTestDevice(t)
	now := layout.Timespec{Sec: 1000}

	NewInodeFree(dev, l, 2).
		AllocateFile(0o644, 10, 20, now).FlushFence().
		AddLink().FlushFence()

	in := readInode(dev, l, 2)
	assert.Equal(t, layout.KindReg, in.Kind)
	assert.Equal(t, uint16(1), in.LinkCount)
	assert.Equal(t, uint16(0o644), in.Mode)
	assert.Equal(t, uint64(2), in.Ino)
	assert.Equal(t, now, in.Ctime)
	assert.True(t, layout.IsInitializedInode(&in))
}

func TestInodeAllocateDirStartsAtTwoLinks(t *testing.T) {
	dev, l := newTestDevice(t)

	NewInodeFree(dev, l, 3).
		AllocateDir(0o755, 0, 0, layout.Timespec{}).FlushFence()

	in := readInode(dev, l, 3)
	assert.Equal(t, layout.KindDir, in.Kind)
	assert.Equal(t, uint16(2), in.LinkCount)
}

func TestInodeLinkBookkeeping(t *testing.T) {
	dev, l := newTestDevice(t)
	page := l.DataStartPage

	clean := NewInodeFree(dev, l, 2).
		AllocateFile(0o644, 0, 0, layout.Timespec{}).FlushFence().
		AddLink().FlushFence()

	inc, err := clean.IncLink()
	require.NoError(t, err)
	clean = inc.FlushFence()
	assert.Equal(t, uint16(2), readInode(dev, l, 2).LinkCount)

	// A decrement is only reachable through a durably cleared dentry.
	named, err := WrapDentryFree(dev, l, page, 0).SetName("victim", false)
	require.NoError(t, err)
	live := named.FlushFence().SetFileIno(2).FlushFence()
	cleared := live.ClearIno().FlushFence()

	clean.DecLink(cleared.Token()).FlushFence()
	assert.Equal(t, uint16(1), readInode(dev, l, 2).LinkCount)
}

func TestUnlinkCompletion(t *testing.T) {
	dev, l := newTestDevice(t)
	page := l.DataStartPage

	clean := NewInodeFree(dev, l, 2).
		AllocateFile(0o644, 0, 0, layout.Timespec{}).FlushFence().
		AddLink().FlushFence()

	named, err := WrapDentryFree(dev, l, page, 0).SetName("f", false)
	require.NoError(t, err)
	cleared := named.FlushFence().SetFileIno(2).FlushFence().
		ClearIno().FlushFence()

	outcome := clean.DecLink(cleared.Token()).FlushFence().TryCompleteUnlink()
	require.False(t, outcome.StillLinked)

	outcome.ReadyForDealloc.Dealloc(NoPages()).FlushFence()
	in := readInode(dev, l, 2)
	assert.True(t, layout.IsFreeInode(&in))
}

func TestDentryNameTooLong(t *testing.T) {
	dev, l := newTestDevice(t)
	long := make([]byte, layout.MaxFilenameLen)
	for i := range long {
		long[i] = 'x'
	}
	_, err := WrapDentryFree(dev, l, l.DataStartPage, 0).SetName(string(long), false)
	assert.ErrorIs(t, err, ErrNameTooLong)
}

func TestDentryDeallocWithRenamePointerPanics(t *testing.T) {
	dev, l := newTestDevice(t)
	page := l.DataStartPage

	named, err := WrapDentryFree(dev, l, page, 0).SetName("d", false)
	require.NoError(t, err)
	live := named.FlushFence().SetFileIno(2).FlushFence()

	// Stage a rename pointer by hand via a second slot so the dentry is in
	// the state Dealloc must reject.
	srcNamed, err := WrapDentryFree(dev, l, page, 1).SetName("s", false)
	require.NoError(t, err)
	src := srcNamed.FlushFence().SetFileIno(3).FlushFence()
	_, dirty := live.SetRenamePointer(src, src.Offset())
	dirty.FlushFence()

	cleared := WrapDentryClean(dev, l, page, 0).ClearIno().FlushFence()
	assert.Panics(t, func() { cleared.Dealloc() })
}

func TestRenameHandshake(t *testing.T) {
	dev, l := newTestDevice(t)
	page := l.DataStartPage

	// Source: a live dentry naming inode 5. Destination: a fresh slot.
	srcNamed, err := WrapDentryFree(dev, l, page, 0).SetName("old", false)
	require.NoError(t, err)
	src := srcNamed.FlushFence().SetFileIno(5).FlushFence()

	dstNamed, err := WrapDentryFree(dev, l, page, 1).SetName("new", false)
	require.NoError(t, err)
	dst := dstNamed.FlushFence()

	srcOff := l.DentryOffset(page, 0)
	dstOff := l.DentryOffset(page, 1)

	// Step 1: the destination durably points back at the source.
	renaming, dirtySet := dst.SetRenamePointer(src, srcOff)
	cleanSet := dirtySet.FlushFence()
	assert.Equal(t, srcOff, readDentryAt(dev, dstOff).RenamePtr)
	assert.Equal(t, uint64(0), readDentryAt(dev, dstOff).Ino)

	// Step 2: the destination takes over the inode.
	renamed, dirtyInit := cleanSet.InitRenamePointer(renaming)
	cleanInit := dirtyInit.FlushFence()
	assert.Equal(t, uint64(5), readDentryAt(dev, dstOff).Ino)
	assert.Equal(t, uint64(5), readDentryAt(dev, srcOff).Ino, "source untouched so far")

	// Step 3: the source lets go.
	srcCleared := renamed.ClearIno().FlushFence()
	assert.Equal(t, uint64(0), readDentryAt(dev, srcOff).Ino)

	// Step 4: the pointer clears.
	cleanInit.ClearRenamePointer().FlushFence()
	assert.Equal(t, uint64(0), readDentryAt(dev, dstOff).RenamePtr)
	assert.Equal(t, uint64(5), readDentryAt(dev, dstOff).Ino)

	// Step 6: the source slot is zeroed entirely.
	srcCleared.Dealloc().FlushFence()
	assert.Equal(t, layout.Dentry{}, readDentryAt(dev, srcOff))
}

func TestDataPageLifecycle(t *testing.T) {
	dev, l := newTestDevice(t)
	p := l.DataStartPage + 2

	free := []DataPageFree{NewDataPageFree(dev, l, p)}
	writeable := AllocatePagesAt(dev, free, []uint64{8192}).Fence().
		SetBackpointers(l, 7).Fence()

	pd := readDesc(dev, l, p)
	assert.Equal(t, layout.PageKindData, pd.Kind)
	assert.Equal(t, uint64(7), pd.Ino)
	assert.Equal(t, uint64(8192), pd.Offset)

	n, inflight := writeable.WritePages(8192, 8192, []byte("payload"))
	written := inflight.Fence()
	assert.Equal(t, 7, n)
	got := WrapDataPageWritten(dev, l, p).Read(0, 7)
	assert.Equal(t, []byte("payload"), got)

	// Teardown: the owner clears and fences before the descriptor clears.
	cleared := written.Unmap(l).Fence()
	pd = readDesc(dev, l, p)
	assert.Equal(t, layout.PageKindData, pd.Kind)
	assert.Equal(t, uint64(0), pd.Ino)

	freed := cleared.Dealloc(l).Fence()
	pd = readDesc(dev, l, p)
	assert.True(t, layout.IsFreePageDesc(&pd))
	assert.Equal(t, []uint64{p}, freed.MarkPagesFree())
}

func TestDataPageListBatchesOneAllocFence(t *testing.T) {
	dev, l := newTestDevice(t)

	free := []DataPageFree{
		NewDataPageFree(dev, l, l.DataStartPage),
		NewDataPageFree(dev, l, l.DataStartPage+1),
		NewDataPageFree(dev, l, l.DataStartPage+2),
	}
	_, before := dev.Stats()
	AllocatePages(dev, free, 0).Fence()
	_, after := dev.Stats()
	assert.Equal(t, before+1, after, "a batch of allocations shares one fence")

	for i := uint64(0); i < 3; i++ {
		pd := readDesc(dev, l, l.DataStartPage+i)
		assert.Equal(t, i*layout.PageSize, pd.Offset)
	}
}

func TestDirPageLifecycle(t *testing.T) {
	dev, l := newTestDevice(t)
	p := l.DataStartPage + 4

	NewDirPageFree(dev, l, p).SetBackpointer(9).FlushFence()
	pd := readDesc(dev, l, p)
	assert.Equal(t, layout.PageKindDir, pd.Kind)
	assert.Equal(t, uint64(9), pd.Ino)

	freed := WrapDirPageCleanInit(dev, l, p).
		ToUnmap().Unmap().FlushFence().
		Dealloc().FlushFence().
		MarkFree()
	assert.Equal(t, p, freed.Page())

	pd = readDesc(dev, l, p)
	assert.True(t, layout.IsFreePageDesc(&pd))
}

func TestZeroPagesCoversRange(t *testing.T) {
	dev, l := newTestDevice(t)
	p := l.DataStartPage

	free := []DataPageFree{NewDataPageFree(dev, l, p)}
	writeable := AllocatePagesAt(dev, free, []uint64{0}).Fence().
		SetBackpointers(l, 2).Fence()

	_, inflight := writeable.WritePages(0, 0, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	inflight.Fence()

	WrapWriteablePages(dev, []uint64{p}).ZeroPages(0, 2, 4).Fence()
	got := WrapDataPageWritten(dev, l, p).Read(0, 8)
	assert.Equal(t, []byte{1, 2, 0, 0, 0, 0, 7, 8}, got)
}
