package layout

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordSizes(t *testing.T) {
	assert.Equal(t, InodeSize, len(Marshal(Inode{})))
	assert.Equal(t, PageDescriptorSize, len(Marshal(PageDesc{})))
	assert.Equal(t, DentrySize, len(Marshal(Dentry{})))
}

func TestInodeRoundTrip(t *testing.T) {
	in := Inode{
		Kind:      KindReg,
		LinkCount: 3,
		Mode:      0o644,
		Uid:       1000,
		Gid:       1000,
		Ctime:     Timespec{Sec: 1700000000, Nsec: 42},
		Size:      12345,
		Ino:       7,
	}

	var out Inode
	require.NoError(t, Unmarshal(Marshal(in), &out))
	assert.Equal(t, in, out)
}

func TestInodeClassification(t *testing.T) {
	var free Inode
	assert.True(t, IsFreeInode(&free))
	assert.False(t, IsInitializedInode(&free))

	in := Inode{Kind: KindReg, Mode: 0o644, Ino: 2}
	assert.False(t, IsFreeInode(&in))
	assert.True(t, IsInitializedInode(&in))

	// Kind alone is not enough: identity fields must be set too.
	partial := Inode{Kind: KindReg}
	assert.False(t, IsInitializedInode(&partial))
}

func TestDentryName(t *testing.T) {
	var d Dentry
	require.NoError(t, d.SetName("hello"))
	assert.Equal(t, "hello", d.NameString())

	// 109 bytes is the longest name that still fits its NUL terminator.
	longest := strings.Repeat("a", MaxFilenameLen-1)
	require.NoError(t, d.SetName(longest))
	assert.Equal(t, longest, d.NameString())

	assert.Error(t, d.SetName(strings.Repeat("a", MaxFilenameLen)))
}

func TestDentryNameOverwriteShorter(t *testing.T) {
	var d Dentry
	require.NoError(t, d.SetName("longername"))
	require.NoError(t, d.SetName("ab"))
	assert.Equal(t, "ab", d.NameString(), "old name bytes must be NUL-padded away")
}

func TestNewLayoutSizing(t *testing.T) {
	const deviceBytes = 128 << 20
	l := NewLayout(deviceBytes)

	assert.Equal(t, uint64(deviceBytes/(8*PageSize)), l.NumInodes)
	assert.Equal(t, 8*l.NumInodes, l.NumPages)
	assert.Equal(t, uint64(1), l.InodeTableStartPage)
	assert.Equal(t, l.InodeTableStartPage+l.InodeTablePages, l.PageDescTableStartPage)
	assert.Equal(t, l.PageDescTableStartPage+l.PageDescTablePages, l.DataStartPage)

	// Table sizing includes the +1 slack page each.
	assert.Equal(t, (l.NumInodes*InodeSize+PageSize-1)/PageSize+1, l.InodeTablePages)
	assert.Equal(t, (l.NumPages*PageDescriptorSize+PageSize-1)/PageSize+1, l.PageDescTablePages)
}

func TestOffsets(t *testing.T) {
	l := NewLayout(128 << 20)

	assert.Equal(t, l.InodeTableStartPage*PageSize+RootIno*InodeSize, l.InodeOffset(RootIno))
	assert.Equal(t, l.PageDescTableStartPage*PageSize, l.PageDescOffset(l.DataStartPage))
	assert.Equal(t,
		l.PageDescOffset(l.DataStartPage)+PageDescriptorSize,
		l.PageDescOffset(l.DataStartPage+1))

	p := l.DataStartPage + 3
	assert.Equal(t, p*PageSize, l.PageOffset(p))
	assert.Equal(t, p*PageSize+5*DentrySize, l.DentryOffset(p, 5))
}
