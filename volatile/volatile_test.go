package volatile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirIndex(t *testing.T) {
	d := NewDirIndex()
	d.AddPage(100)

	d.Put(DentryInfo{ChildIno: 5, PageNo: 100, Slot: 0, Name: "a"})
	d.Put(DentryInfo{ChildIno: 6, PageNo: 100, Slot: 1, Name: "b", IsDir: true})

	info, ok := d.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, uint64(5), info.ChildIno)

	assert.Equal(t, 2, d.Len())

	entries := d.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Name)
	assert.Equal(t, "b", entries[1].Name)

	d.Remove("a")
	_, ok = d.Lookup("a")
	assert.False(t, ok)
	assert.Equal(t, 1, d.Len())
}

func TestDirIndexPages(t *testing.T) {
	d := NewDirIndex()
	d.AddPage(300)
	d.AddPage(100)
	d.AddPage(200)
	assert.Equal(t, []uint64{100, 200, 300}, d.Pages())

	d.RemovePage(200)
	assert.Equal(t, []uint64{100, 300}, d.Pages())
}

func TestFileIndex(t *testing.T) {
	f := NewFileIndex()
	f.Put(8192, 77)
	f.Put(0, 75)
	f.Put(4096, 76)

	p, ok := f.Lookup(4096)
	require.True(t, ok)
	assert.Equal(t, uint64(76), p)

	assert.Equal(t, []uint64{0, 4096, 8192}, f.Offsets())

	f.Remove(4096)
	_, ok = f.Lookup(4096)
	assert.False(t, ok)
	assert.Equal(t, []uint64{0, 8192}, f.Offsets())
}

func TestPendingFree(t *testing.T) {
	pf := NewPendingFree()
	assert.False(t, pf.Contains(9))

	pf.Add(9)
	assert.True(t, pf.Contains(9))

	assert.True(t, pf.Drain(9))
	assert.False(t, pf.Contains(9))
	assert.False(t, pf.Drain(9), "second drain finds nothing")
}

func TestIndexesLazyDrain(t *testing.T) {
	ix := NewIndexes()

	// Recovery stages state for inodes that have no in-core index yet.
	ix.RecordRecoveredPage(7, 400)
	ix.RecordRecoveredDentry(7, DentryInfo{ChildIno: 8, PageNo: 400, Slot: 0, Name: "x"})
	ix.RecordRecoveredFilePage(8, 4096, 401)

	d := ix.Dir(7)
	assert.Equal(t, []uint64{400}, d.Pages())
	_, ok := d.Lookup("x")
	assert.True(t, ok)

	// The staged state drains exactly once.
	d.Remove("x")
	d2 := ix.Dir(7)
	_, ok = d2.Lookup("x")
	assert.False(t, ok)

	f := ix.File(8)
	p, ok := f.Lookup(4096)
	require.True(t, ok)
	assert.Equal(t, uint64(401), p)
}

func TestIndexesForget(t *testing.T) {
	ix := NewIndexes()
	ix.Dir(3).AddPage(100)
	ix.Forget(3)
	assert.Empty(t, ix.Dir(3).Pages(), "a forgotten inode starts fresh")
}
