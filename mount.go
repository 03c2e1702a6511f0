// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fuse

import (
	"context"
	"fmt"
	"runtime"
	"time"

	bazilfuse "bazil.org/fuse"
)

// Server reads and dispatches FUSE ops against a FileSystem until the
// connection closes. This replaces the original Connection/message-provider
// plumbing (the raw kernel-wire marshalling is structurally trivial
// ioctl/seek/fsync glue) with a direct loop over bazil.org/fuse's
// already-decoded Request values.
type Server struct {
	fs     FileSystem
	logger interface {
		Debug(msg string, args ...any)
		Error(msg string, args ...any)
	}
}

// NewServer wraps fs for serving.
func NewServer(fs FileSystem) *Server {
	return &Server{fs: fs, logger: getLogger()}
}

// Serve reads requests from c until it is closed, dispatching each to the
// wrapped FileSystem and responding on the same request. Handlers run
// concurrently, one goroutine per request, matching bazil.org/fuse's own
// concurrency model.
func (s *Server) Serve(c *bazilfuse.Conn) error {
	for {
		req, err := c.ReadRequest()
		if err != nil {
			return err
		}
		go s.handle(req)
	}
}

func (s *Server) handle(req bazilfuse.Request) {
	ctx := context.Background()
	hdr := req.Hdr()
	rh := RequestHeader{Uid: hdr.Uid, Gid: hdr.Gid}

	switch r := req.(type) {
	case *bazilfuse.StatfsRequest:
		resp, err := s.fs.StatFS(ctx, &StatFSRequest{Header: rh})
		if err != nil {
			r.RespondError(err)
			return
		}
		r.Respond(&bazilfuse.StatfsResponse{
			Blocks:  resp.Blocks,
			Bfree:   resp.BlocksFree,
			Bavail:  resp.BlocksFree,
			Files:   resp.Inodes,
			Ffree:   resp.InodesFree,
			Bsize:   resp.BlockSize,
			Namelen: resp.NameLen,
		})

	case *bazilfuse.LookupRequest:
		resp, err := s.fs.LookUpInode(ctx, &LookUpInodeRequest{Header: rh, Parent: InodeID(hdr.Node), Name: r.Name})
		if err != nil {
			r.RespondError(err)
			return
		}
		r.Respond(&bazilfuse.LookupResponse{
			Node:       bazilfuse.NodeID(resp.Entry.Child),
			Generation: uint64(resp.Entry.Generation),
			Attr:       toBazilAttr(resp.Entry.Attributes),
		})

	case *bazilfuse.GetattrRequest:
		resp, err := s.fs.GetInodeAttributes(ctx, &GetInodeAttributesRequest{Header: rh, Inode: InodeID(hdr.Node)})
		if err != nil {
			r.RespondError(err)
			return
		}
		r.Respond(&bazilfuse.GetattrResponse{Attr: toBazilAttr(resp.Attributes)})

	case *bazilfuse.SetattrRequest:
		sreq := &SetInodeAttributesRequest{Header: rh, Inode: InodeID(hdr.Node)}
		if r.Valid.Size() {
			size := r.Size
			sreq.Size = &size
		}
		if r.Valid.Mode() {
			mode := r.Mode
			sreq.Mode = &mode
		}
		if r.Valid.Atime() {
			t := r.Atime
			sreq.Atime = &t
		}
		if r.Valid.Mtime() {
			t := r.Mtime
			sreq.Mtime = &t
		}
		resp, err := s.fs.SetInodeAttributes(ctx, sreq)
		if err != nil {
			r.RespondError(err)
			return
		}
		r.Respond(&bazilfuse.SetattrResponse{Attr: toBazilAttr(resp.Attributes)})

	case *bazilfuse.ForgetRequest:
		if _, err := s.fs.ForgetInode(ctx, &ForgetInodeRequest{Header: rh, ID: InodeID(hdr.Node)}); err != nil {
			r.RespondError(err)
			return
		}
		r.Respond()

	case *bazilfuse.MkdirRequest:
		resp, err := s.fs.MkDir(ctx, &MkDirRequest{Header: rh, Parent: InodeID(hdr.Node), Name: r.Name, Mode: r.Mode})
		if err != nil {
			r.RespondError(err)
			return
		}
		r.Respond(&bazilfuse.MkdirResponse{LookupResponse: bazilfuse.LookupResponse{
			Node: bazilfuse.NodeID(resp.Entry.Child),
			Attr: toBazilAttr(resp.Entry.Attributes),
		}})

	case *bazilfuse.CreateRequest:
		resp, err := s.fs.CreateFile(ctx, &CreateFileRequest{
			Header: rh, Parent: InodeID(hdr.Node), Name: r.Name, Mode: r.Mode, Flags: r.Flags,
		})
		if err != nil {
			r.RespondError(err)
			return
		}
		r.Respond(&bazilfuse.CreateResponse{
			LookupResponse: bazilfuse.LookupResponse{Node: bazilfuse.NodeID(resp.Entry.Child), Attr: toBazilAttr(resp.Entry.Attributes)},
			OpenResponse:   bazilfuse.OpenResponse{Handle: bazilfuse.HandleID(resp.Handle)},
		})

	case *bazilfuse.SymlinkRequest:
		resp, err := s.fs.CreateSymlink(ctx, &CreateSymlinkRequest{Header: rh, Parent: InodeID(hdr.Node), Name: r.NewName, Target: r.Target})
		if err != nil {
			r.RespondError(err)
			return
		}
		r.Respond(&bazilfuse.SymlinkResponse{LookupResponse: bazilfuse.LookupResponse{
			Node: bazilfuse.NodeID(resp.Entry.Child),
			Attr: toBazilAttr(resp.Entry.Attributes),
		}})

	case *bazilfuse.ReadlinkRequest:
		resp, err := s.fs.ReadSymlink(ctx, &ReadSymlinkRequest{Header: rh, Inode: InodeID(hdr.Node)})
		if err != nil {
			r.RespondError(err)
			return
		}
		r.Respond(resp.Target)

	case *bazilfuse.LinkRequest:
		resp, err := s.fs.CreateLink(ctx, &CreateLinkRequest{Header: rh, Target: InodeID(r.OldNode), Parent: InodeID(hdr.Node), Name: r.NewName})
		if err != nil {
			r.RespondError(err)
			return
		}
		r.Respond(&bazilfuse.LookupResponse{Node: bazilfuse.NodeID(resp.Entry.Child), Attr: toBazilAttr(resp.Entry.Attributes)})

	case *bazilfuse.RemoveRequest:
		if r.Dir {
			if _, err := s.fs.RmDir(ctx, &RmDirRequest{Header: rh, Parent: InodeID(hdr.Node), Name: r.Name}); err != nil {
				r.RespondError(err)
				return
			}
		} else {
			if _, err := s.fs.Unlink(ctx, &UnlinkRequest{Header: rh, Parent: InodeID(hdr.Node), Name: r.Name}); err != nil {
				r.RespondError(err)
				return
			}
		}
		r.Respond()

	case *bazilfuse.RenameRequest:
		_, err := s.fs.Rename(ctx, &RenameRequest{
			Header: rh, OldParent: InodeID(hdr.Node), OldName: r.OldName,
			NewParent: InodeID(r.NewDir), NewName: r.NewName,
		})
		if err != nil {
			r.RespondError(err)
			return
		}
		r.Respond()

	case *bazilfuse.OpenRequest:
		if r.Dir {
			resp, err := s.fs.OpenDir(ctx, &OpenDirRequest{Header: rh, Inode: InodeID(hdr.Node), Flags: r.Flags})
			if err != nil {
				r.RespondError(err)
				return
			}
			r.Respond(&bazilfuse.OpenResponse{Handle: bazilfuse.HandleID(resp.Handle)})
			return
		}
		resp, err := s.fs.OpenFile(ctx, &OpenFileRequest{Header: rh, Inode: InodeID(hdr.Node), Flags: r.Flags})
		if err != nil {
			r.RespondError(err)
			return
		}
		r.Respond(&bazilfuse.OpenResponse{Handle: bazilfuse.HandleID(resp.Handle)})

	case *bazilfuse.ReadRequest:
		if r.Dir {
			resp, err := s.fs.ReadDir(ctx, &ReadDirRequest{
				Header: rh, Inode: InodeID(hdr.Node), Handle: HandleID(r.Handle),
				Offset: DirOffset(r.Offset), Size: r.Size,
			})
			if err != nil {
				r.RespondError(err)
				return
			}
			r.Respond(&bazilfuse.ReadResponse{Data: resp.Data})
			return
		}
		resp, err := s.fs.ReadFile(ctx, &ReadFileRequest{
			Header: rh, Inode: InodeID(hdr.Node), Handle: HandleID(r.Handle), Offset: r.Offset, Size: r.Size,
		})
		if err != nil {
			r.RespondError(err)
			return
		}
		r.Respond(&bazilfuse.ReadResponse{Data: resp.Data})

	case *bazilfuse.WriteRequest:
		resp, err := s.fs.WriteFile(ctx, &WriteFileRequest{
			Header: rh, Inode: InodeID(hdr.Node), Handle: HandleID(r.Handle), Offset: r.Offset, Data: r.Data,
		})
		if err != nil {
			r.RespondError(err)
			return
		}
		_ = resp
		r.Respond(&bazilfuse.WriteResponse{Size: len(r.Data)})

	case *bazilfuse.FlushRequest:
		if _, err := s.fs.FlushFile(ctx, &FlushFileRequest{Header: rh, Inode: InodeID(hdr.Node), Handle: HandleID(r.Handle)}); err != nil {
			r.RespondError(err)
			return
		}
		r.Respond()

	case *bazilfuse.FsyncRequest:
		if _, err := s.fs.SyncFile(ctx, &SyncFileRequest{Header: rh, Inode: InodeID(hdr.Node), Handle: HandleID(r.Handle)}); err != nil {
			r.RespondError(err)
			return
		}
		r.Respond()

	case *bazilfuse.ReleaseRequest:
		if r.Dir {
			if _, err := s.fs.ReleaseDirHandle(ctx, &ReleaseDirHandleRequest{Header: rh, Handle: HandleID(r.Handle)}); err != nil {
				r.RespondError(err)
				return
			}
		} else {
			if _, err := s.fs.ReleaseFileHandle(ctx, &ReleaseFileHandleRequest{Header: rh, Handle: HandleID(r.Handle)}); err != nil {
				r.RespondError(err)
				return
			}
		}
		r.Respond()

	case *bazilfuse.DestroyRequest:
		r.Respond()

	default:
		s.logger.Debug("unhandled fuse op", "type", fmt.Sprintf("%T", req))
		req.RespondError(ENOSYS)
	}
}

func toBazilAttr(a InodeAttributes) bazilfuse.Attr {
	return bazilfuse.Attr{
		Size:  a.Size,
		Nlink: uint32(a.Nlink),
		Mode:  a.Mode,
		Atime: a.Atime,
		Mtime: a.Mtime,
		Ctime: a.Ctime,
		Uid:   a.Uid,
		Gid:   a.Gid,
	}
}

// MountConfig controls optional behavior of Mount, following the teacher's
// original jacobsa/bazilfuse option set (novncache / noappledouble are
// OS X-only and harmless no-ops on Linux).
type MountConfig struct {
	EnableVnodeCaching bool
}

func (c *MountConfig) bazilfuseOptions() (opts []bazilfuse.MountOption) {
	opts = append(opts, bazilfuse.FSName("hayleyfs"), bazilfuse.Subtype("hayleyfs"))
	if runtime.GOOS == "darwin" && !c.EnableVnodeCaching {
		opts = append(opts, bazilfuse.NoAppleDouble())
	}
	return opts
}

// MountedFileSystem tracks a live mount and its background serve loop.
type MountedFileSystem struct {
	dir                 string
	conn                *bazilfuse.Conn
	joinStatus          error
	joinStatusAvailable chan struct{}
}

// Dir returns the directory the file system is mounted on.
func (mfs *MountedFileSystem) Dir() string { return mfs.dir }

// Join blocks until the file system has been unmounted.
func (mfs *MountedFileSystem) Join(ctx context.Context) error {
	select {
	case <-mfs.joinStatusAvailable:
		return mfs.joinStatus
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unmount requests that the kernel tear down the mount.
func (mfs *MountedFileSystem) Unmount() error {
	return bazilfuse.Unmount(mfs.dir)
}

// Mount mounts fs on dir and serves requests from it in the background
// until unmounted.
func Mount(dir string, fsys FileSystem, config *MountConfig) (mfs *MountedFileSystem, err error) {
	if config == nil {
		config = &MountConfig{}
	}
	logger := getLogger()

	mfs = &MountedFileSystem{dir: dir, joinStatusAvailable: make(chan struct{})}

	logger.Debug("mounting", "dir", dir)
	conn, err := bazilfuse.Mount(dir, config.bazilfuseOptions()...)
	if err != nil {
		return nil, fmt.Errorf("fuse: mount %s: %w", dir, err)
	}
	mfs.conn = conn

	server := NewServer(fsys)
	go func() {
		mfs.joinStatus = server.Serve(conn)
		close(mfs.joinStatusAvailable)
	}()

	select {
	case <-conn.Ready:
		if conn.MountError != nil {
			return nil, fmt.Errorf("fuse: mount %s: %w", dir, conn.MountError)
		}
	case <-time.After(30 * time.Second):
		return nil, fmt.Errorf("fuse: mount %s: timed out waiting for readiness", dir)
	}

	if _, err := fsys.Init(context.Background(), &InitRequest{}); err != nil {
		return nil, fmt.Errorf("fuse: init %s: %w", dir, err)
	}

	return mfs, nil
}
