package hayleyfs

import (
	"context"
	"errors"
	"os"

	bazilfuse "bazil.org/fuse"
	"github.com/jacobsa/syncutil"

	fuse "github.com/utsaslab/hayleyfs"
	"github.com/utsaslab/hayleyfs/layout"
)

// NewFileSystem wraps core for mounting through package fuse.
func NewFileSystem(core *Filesystem) fuse.FileSystem {
	a := &fuseAdapter{
		core:    core,
		handles: make(map[fuse.HandleID]uint64),
	}
	a.mu = syncutil.NewInvariantMutex(func() {})
	return a
}

// fuseAdapter translates the kernel-facing request/response surface into
// the core's inode-number API. It owns handle bookkeeping: the core only
// sees open-reference counts, which gate deferred inode reclamation.
type fuseAdapter struct {
	fuse.NotImplementedFileSystem

	core *Filesystem

	mu         syncutil.InvariantMutex
	nextHandle fuse.HandleID            // GUARDED_BY(mu)
	handles    map[fuse.HandleID]uint64 // GUARDED_BY(mu): handle -> inode
}

// errno maps the core's error kinds onto kernel error numbers.
func errno(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return fuse.ENOENT
	case errors.Is(err, ErrExists):
		return fuse.EEXIST
	case errors.Is(err, ErrNameTooLong):
		return fuse.ENAMETOOLONG
	case errors.Is(err, ErrNotEmpty):
		return fuse.ENOTEMPTY
	case errors.Is(err, ErrTooManyLinks):
		return fuse.EMLINK
	case errors.Is(err, ErrNoSpace):
		return fuse.ENOSPC
	case errors.Is(err, ErrPermission):
		return fuse.EACCES
	case errors.Is(err, ErrNotSupported):
		return fuse.ENOTSUP
	case errors.Is(err, ErrIO):
		return fuse.EIO
	default:
		return fuse.EINVAL
	}
}

// toAttributes converts an on-media inode record to the kernel attribute
// shape.
func toAttributes(in layout.Inode) fuse.InodeAttributes {
	mode := os.FileMode(in.Mode & 0o7777)
	switch in.Kind {
	case layout.KindDir:
		mode |= os.ModeDir
	case layout.KindSymlink:
		mode |= os.ModeSymlink
	}
	return fuse.InodeAttributes{
		Size:  in.Size,
		Nlink: uint64(in.LinkCount),
		Mode:  mode,
		Atime: TimespecToTime(in.Atime),
		Mtime: TimespecToTime(in.Mtime),
		Ctime: TimespecToTime(in.Ctime),
		Uid:   in.Uid,
		Gid:   in.Gid,
	}
}

func (a *fuseAdapter) childEntry(ino uint64) (fuse.ChildInodeEntry, error) {
	in, err := a.core.GetInode(ino)
	if err != nil {
		return fuse.ChildInodeEntry{}, err
	}
	return fuse.ChildInodeEntry{
		Child:      fuse.InodeID(ino),
		Attributes: toAttributes(in),
	}, nil
}

func (a *fuseAdapter) openHandle(ino uint64) fuse.HandleID {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextHandle++
	h := a.nextHandle
	a.handles[h] = ino
	a.core.IncRef(ino)
	return h
}

func (a *fuseAdapter) closeHandle(h fuse.HandleID) {
	a.mu.Lock()
	ino, ok := a.handles[h]
	delete(a.handles, h)
	a.mu.Unlock()
	if ok {
		a.core.DecRef(ino)
	}
}

func (a *fuseAdapter) Init(
	ctx context.Context,
	req *fuse.InitRequest) (*fuse.InitResponse, error) {
	return &fuse.InitResponse{}, nil
}

func (a *fuseAdapter) LookUpInode(
	ctx context.Context,
	req *fuse.LookUpInodeRequest) (*fuse.LookUpInodeResponse, error) {
	in, err := a.core.Lookup(uint64(req.Parent), req.Name)
	if err != nil {
		return nil, errno(err)
	}
	return &fuse.LookUpInodeResponse{
		Entry: fuse.ChildInodeEntry{
			Child:      fuse.InodeID(in.Ino),
			Attributes: toAttributes(in),
		},
	}, nil
}

func (a *fuseAdapter) GetInodeAttributes(
	ctx context.Context,
	req *fuse.GetInodeAttributesRequest) (*fuse.GetInodeAttributesResponse, error) {
	in, err := a.core.GetInode(uint64(req.Inode))
	if err != nil {
		return nil, errno(err)
	}
	return &fuse.GetInodeAttributesResponse{Attributes: toAttributes(in)}, nil
}

func (a *fuseAdapter) SetInodeAttributes(
	ctx context.Context,
	req *fuse.SetInodeAttributesRequest) (*fuse.SetInodeAttributesResponse, error) {
	ino := uint64(req.Inode)

	if req.Size != nil {
		if err := a.core.Truncate(ino, *req.Size); err != nil {
			return nil, errno(err)
		}
	}

	var mode *uint16
	if req.Mode != nil {
		m := uint16(*req.Mode & os.ModePerm)
		mode = &m
	}
	var atime, mtime *layout.Timespec
	if req.Atime != nil {
		ts := toTimespec(*req.Atime)
		atime = &ts
	}
	if req.Mtime != nil {
		ts := toTimespec(*req.Mtime)
		mtime = &ts
	}
	if mode != nil || atime != nil || mtime != nil {
		if err := a.core.SetAttr(ino, mode, atime, mtime); err != nil {
			return nil, errno(err)
		}
	}

	in, err := a.core.GetInode(ino)
	if err != nil {
		return nil, errno(err)
	}
	return &fuse.SetInodeAttributesResponse{Attributes: toAttributes(in)}, nil
}

func (a *fuseAdapter) ForgetInode(
	ctx context.Context,
	req *fuse.ForgetInodeRequest) (*fuse.ForgetInodeResponse, error) {
	a.core.Evict(uint64(req.ID))
	return &fuse.ForgetInodeResponse{}, nil
}

func (a *fuseAdapter) MkDir(
	ctx context.Context,
	req *fuse.MkDirRequest) (*fuse.MkDirResponse, error) {
	ino, err := a.core.MkDir(
		uint64(req.Parent), req.Name,
		uint16(req.Mode&os.ModePerm), req.Header.Uid, req.Header.Gid)
	if err != nil {
		return nil, errno(err)
	}
	entry, err := a.childEntry(ino)
	if err != nil {
		return nil, errno(err)
	}
	return &fuse.MkDirResponse{Entry: entry}, nil
}

func (a *fuseAdapter) CreateFile(
	ctx context.Context,
	req *fuse.CreateFileRequest) (*fuse.CreateFileResponse, error) {
	ino, err := a.core.Create(
		uint64(req.Parent), req.Name,
		uint16(req.Mode&os.ModePerm), req.Header.Uid, req.Header.Gid)
	if err != nil {
		return nil, errno(err)
	}
	entry, err := a.childEntry(ino)
	if err != nil {
		return nil, errno(err)
	}
	return &fuse.CreateFileResponse{
		Entry:  entry,
		Handle: a.openHandle(ino),
	}, nil
}

func (a *fuseAdapter) RmDir(
	ctx context.Context,
	req *fuse.RmDirRequest) (*fuse.RmDirResponse, error) {
	if err := a.core.RmDir(uint64(req.Parent), req.Name); err != nil {
		return nil, errno(err)
	}
	return &fuse.RmDirResponse{}, nil
}

func (a *fuseAdapter) Unlink(
	ctx context.Context,
	req *fuse.UnlinkRequest) (*fuse.UnlinkResponse, error) {
	if err := a.core.Unlink(uint64(req.Parent), req.Name); err != nil {
		return nil, errno(err)
	}
	return &fuse.UnlinkResponse{}, nil
}

func (a *fuseAdapter) OpenDir(
	ctx context.Context,
	req *fuse.OpenDirRequest) (*fuse.OpenDirResponse, error) {
	if _, err := a.core.ReadDir(uint64(req.Inode)); err != nil {
		return nil, errno(err)
	}
	return &fuse.OpenDirResponse{Handle: a.openHandle(uint64(req.Inode))}, nil
}

func (a *fuseAdapter) ReadDir(
	ctx context.Context,
	req *fuse.ReadDirRequest) (*fuse.ReadDirResponse, error) {
	entries, err := a.core.ReadDir(uint64(req.Inode))
	if err != nil {
		return nil, errno(err)
	}

	// Dirent offsets are byte positions into the full marshalled listing,
	// so a resumed read slices back in where the kernel left off. The
	// final entry may be truncated by the size limit; the kernel ignores
	// partial records.
	var all []byte
	for _, e := range entries {
		typ := bazilfuse.DT_File
		if e.IsDir {
			typ = bazilfuse.DT_Dir
		}
		all = bazilfuse.AppendDirent(all, bazilfuse.Dirent{
			Inode: e.ChildIno,
			Type:  typ,
			Name:  e.Name,
		})
	}

	off := int(req.Offset)
	if off > len(all) {
		off = len(all)
	}
	end := off + req.Size
	if end > len(all) {
		end = len(all)
	}
	return &fuse.ReadDirResponse{Data: all[off:end]}, nil
}

func (a *fuseAdapter) ReleaseDirHandle(
	ctx context.Context,
	req *fuse.ReleaseDirHandleRequest) (*fuse.ReleaseDirHandleResponse, error) {
	a.closeHandle(req.Handle)
	return &fuse.ReleaseDirHandleResponse{}, nil
}

func (a *fuseAdapter) OpenFile(
	ctx context.Context,
	req *fuse.OpenFileRequest) (*fuse.OpenFileResponse, error) {
	if _, err := a.core.GetInode(uint64(req.Inode)); err != nil {
		return nil, errno(err)
	}
	return &fuse.OpenFileResponse{Handle: a.openHandle(uint64(req.Inode))}, nil
}

func (a *fuseAdapter) ReadFile(
	ctx context.Context,
	req *fuse.ReadFileRequest) (*fuse.ReadFileResponse, error) {
	data, err := a.core.Read(uint64(req.Inode), uint64(req.Offset), req.Size)
	if err != nil {
		return nil, errno(err)
	}
	return &fuse.ReadFileResponse{Data: data}, nil
}

func (a *fuseAdapter) WriteFile(
	ctx context.Context,
	req *fuse.WriteFileRequest) (*fuse.WriteFileResponse, error) {
	if _, err := a.core.Write(uint64(req.Inode), req.Data, uint64(req.Offset)); err != nil {
		return nil, errno(err)
	}
	return &fuse.WriteFileResponse{}, nil
}

func (a *fuseAdapter) SyncFile(
	ctx context.Context,
	req *fuse.SyncFileRequest) (*fuse.SyncFileResponse, error) {
	if err := a.core.Fsync(uint64(req.Inode)); err != nil {
		return nil, errno(err)
	}
	return &fuse.SyncFileResponse{}, nil
}

func (a *fuseAdapter) FlushFile(
	ctx context.Context,
	req *fuse.FlushFileRequest) (*fuse.FlushFileResponse, error) {
	if err := a.core.Fsync(uint64(req.Inode)); err != nil {
		return nil, errno(err)
	}
	return &fuse.FlushFileResponse{}, nil
}

func (a *fuseAdapter) ReleaseFileHandle(
	ctx context.Context,
	req *fuse.ReleaseFileHandleRequest) (*fuse.ReleaseFileHandleResponse, error) {
	a.closeHandle(req.Handle)
	return &fuse.ReleaseFileHandleResponse{}, nil
}

func (a *fuseAdapter) CreateLink(
	ctx context.Context,
	req *fuse.CreateLinkRequest) (*fuse.CreateLinkResponse, error) {
	if err := a.core.Link(uint64(req.Target), uint64(req.Parent), req.Name); err != nil {
		return nil, errno(err)
	}
	entry, err := a.childEntry(uint64(req.Target))
	if err != nil {
		return nil, errno(err)
	}
	return &fuse.CreateLinkResponse{Entry: entry}, nil
}

func (a *fuseAdapter) CreateSymlink(
	ctx context.Context,
	req *fuse.CreateSymlinkRequest) (*fuse.CreateSymlinkResponse, error) {
	ino, err := a.core.Symlink(uint64(req.Parent), req.Name, req.Target, req.Header.Uid, req.Header.Gid)
	if err != nil {
		return nil, errno(err)
	}
	entry, err := a.childEntry(ino)
	if err != nil {
		return nil, errno(err)
	}
	return &fuse.CreateSymlinkResponse{Entry: entry}, nil
}

func (a *fuseAdapter) ReadSymlink(
	ctx context.Context,
	req *fuse.ReadSymlinkRequest) (*fuse.ReadSymlinkResponse, error) {
	target, err := a.core.ReadSymlink(uint64(req.Inode))
	if err != nil {
		return nil, errno(err)
	}
	return &fuse.ReadSymlinkResponse{Target: target}, nil
}

func (a *fuseAdapter) Rename(
	ctx context.Context,
	req *fuse.RenameRequest) (*fuse.RenameResponse, error) {
	err := a.core.Rename(
		uint64(req.OldParent), req.OldName,
		uint64(req.NewParent), req.NewName)
	if err != nil {
		return nil, errno(err)
	}
	return &fuse.RenameResponse{}, nil
}

func (a *fuseAdapter) StatFS(
	ctx context.Context,
	req *fuse.StatFSRequest) (*fuse.StatFSResponse, error) {
	s := a.core.Statfs()
	return &fuse.StatFSResponse{
		Blocks:     s.Blocks,
		BlocksFree: s.BlocksFree,
		BlockSize:  s.BlockSize,
		Inodes:     s.Inodes,
		InodesFree: s.InodesFree,
		NameLen:    s.NameLen,
	}, nil
}
