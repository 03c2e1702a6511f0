// Package layout defines the on-media record formats and the exact-byte
// codec for them. Every record is encoded with
// encoding/binary in declared-field order and little-endian byte order,
// following the same "binary.Read/Write straight onto a tightly packed
// struct" idiom used for other on-disk filesystem formats in this family
// (cf. an ext4 superblock parser, which decodes a C struct the same way).
// Field order here is part of the wire format: do not reorder fields.
package layout

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Reserved layout constants.
const (
	PageSize            = 4096
	SuperblockMagic      = 0xABCDEF
	RootIno              = 1
	MaxFilenameLen       = 110
	DentriesPerPage      = 32
	InodeSize            = 96
	PageDescriptorSize   = 32
	SuperblockSize       = 4096
	DentrySize           = 128
)

// Kind values for Inode.Kind.
const (
	KindNone uint16 = iota
	KindReg
	KindDir
	KindSymlink
)

// Kind values for PageDesc.Kind.
const (
	PageKindNone uint16 = iota
	PageKindDir
	PageKindData
)

// Timespec mirrors the three timestamp fields carried by an Inode.
type Timespec struct {
	Sec  int64
	Nsec int64
}

// Superblock is the single record stored in page 0.
type Superblock struct {
	Magic        int64
	BlockSize    uint64
	Size         int64
	CleanUnmount bool
}

// Inode is the fixed 96-byte on-media inode record.
type Inode struct {
	Kind      uint16
	LinkCount uint16
	Mode      uint16
	Reserved  uint16
	Uid       uint32
	Gid       uint32
	Ctime     Timespec
	Atime     Timespec
	Mtime     Timespec
	Blocks    uint64
	Size      uint64
	Ino       uint64
	Padding   uint64
}

// PageDesc is the fixed 32-byte page descriptor record.
type PageDesc struct {
	Kind     uint16
	Reserved uint16
	Pad2     uint32
	Ino      uint64
	Offset   uint64
	Padding  uint64
}

// Dentry is the fixed 128-byte directory entry record.
// Name is NUL-terminated within its 110-byte field; unused trailing bytes
// must be zero.
type Dentry struct {
	IsDir     uint16
	Name      [MaxFilenameLen]byte
	Ino       uint64
	RenamePtr uint64
}

func init() {
	if size(Inode{}) != InodeSize {
		panic(fmt.Sprintf("layout: Inode is %d bytes, want %d", size(Inode{}), InodeSize))
	}
	if size(PageDesc{}) != PageDescriptorSize {
		panic(fmt.Sprintf("layout: PageDesc is %d bytes, want %d", size(PageDesc{}), PageDescriptorSize))
	}
	if size(Dentry{}) != DentrySize {
		panic(fmt.Sprintf("layout: Dentry is %d bytes, want %d", size(Dentry{}), DentrySize))
	}
}

func size(v interface{}) int {
	n, err := binaryLen(v)
	if err != nil {
		panic(err)
	}
	return n
}

func binaryLen(v interface{}) (int, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return 0, err
	}
	return buf.Len(), nil
}

// Marshal encodes v (a Superblock, Inode, PageDesc, or Dentry) into its
// on-media byte representation.
func Marshal(v interface{}) []byte {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		panic(fmt.Sprintf("layout: marshal %T: %v", v, err))
	}
	return buf.Bytes()
}

// Unmarshal decodes b into v (a pointer to Superblock, Inode, PageDesc, or
// Dentry).
func Unmarshal(b []byte, v interface{}) error {
	return binary.Read(bytes.NewReader(b), binary.LittleEndian, v)
}

// IsFreeInode reports whether every field of in is zero.
func IsFreeInode(in *Inode) bool {
	return *in == Inode{}
}

// IsInitializedInode reports whether in has its type+identity fields set.
func IsInitializedInode(in *Inode) bool {
	return in.Kind != KindNone && in.Mode != 0 && in.Ino != 0
}

// IsFreePageDesc reports whether every field of pd is zero.
func IsFreePageDesc(pd *PageDesc) bool {
	return *pd == PageDesc{}
}

// IsInitializedPageDesc reports whether pd has its type+owner fields set.
func IsInitializedPageDesc(pd *PageDesc) bool {
	return pd.Kind != PageKindNone && pd.Ino != 0
}

// SetName writes name into a Dentry's fixed-width Name field, NUL-padding
// the remainder. Returns an error if name does not fit (NAME_TOO_LONG
// is len(name) >= 110, i.e. there must be room for the NUL terminator).
func (d *Dentry) SetName(name string) error {
	if len(name) >= MaxFilenameLen {
		return fmt.Errorf("layout: name %q is %d bytes, must be < %d", name, len(name), MaxFilenameLen)
	}
	var buf [MaxFilenameLen]byte
	copy(buf[:], name)
	d.Name = buf
	return nil
}

// NameString returns the Dentry's name as a Go string, trimmed at the first
// NUL byte.
func (d *Dentry) NameString() string {
	i := bytes.IndexByte(d.Name[:], 0)
	if i < 0 {
		i = len(d.Name)
	}
	return string(d.Name[:i])
}

// IsFreeDentry reports whether the slot is unused (child inode number is
// zero).
func IsFreeDentry(d *Dentry) bool {
	return d.Ino == 0
}

// Layout describes the absolute page offsets of each on-media region.
type Layout struct {
	NumInodes uint64
	NumPages  uint64

	InodeTableStartPage uint64
	InodeTablePages     uint64

	PageDescTableStartPage uint64
	PageDescTablePages     uint64

	DataStartPage uint64
}

// NewLayout computes region boundaries for a device of deviceBytes total
// size: one inode per 8 pages of device, 8 pages per inode.
func NewLayout(deviceBytes uint64) Layout {
	numInodes := deviceBytes / (8 * PageSize)
	numPages := 8 * numInodes

	inodeTablePages := ceilDiv(numInodes*InodeSize, PageSize) + 1
	pageDescTablePages := ceilDiv(numPages*PageDescriptorSize, PageSize) + 1

	inodeTableStart := uint64(1)
	pageDescTableStart := inodeTableStart + inodeTablePages
	dataStart := pageDescTableStart + pageDescTablePages

	return Layout{
		NumInodes:              numInodes,
		NumPages:               numPages,
		InodeTableStartPage:    inodeTableStart,
		InodeTablePages:        inodeTablePages,
		PageDescTableStartPage: pageDescTableStart,
		PageDescTablePages:     pageDescTablePages,
		DataStartPage:          dataStart,
	}
}

func ceilDiv(a, b uint64) uint64 {
	return (a + b - 1) / b
}

// InodeOffset returns the absolute byte offset of inode ino's record.
// ino is 1-based (RootIno = 1); slot 0 is never used.
func (l Layout) InodeOffset(ino uint64) uint64 {
	return l.InodeTableStartPage*PageSize + ino*InodeSize
}

// PageDescOffset returns the absolute byte offset of the page descriptor
// for data-region page number pageNo.
func (l Layout) PageDescOffset(pageNo uint64) uint64 {
	return l.PageDescTableStartPage*PageSize + (pageNo-l.DataStartPage)*PageDescriptorSize
}

// PageOffset returns the absolute byte offset of data-region page pageNo.
func (l Layout) PageOffset(pageNo uint64) uint64 {
	return pageNo * PageSize
}

// DentryOffset returns the absolute byte offset of dentry slot index
// (0..DentriesPerPage) within data-region page pageNo.
func (l Layout) DentryOffset(pageNo uint64, slot int) uint64 {
	return l.PageOffset(pageNo) + uint64(slot)*DentrySize
}
