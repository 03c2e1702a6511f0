// Copyright 2015 Google Inc. All Rights Reserved.
// Author: jacobsa@google.com (Aaron Jacobs)

package fuse

import (
	"syscall"

	bazilfuse "bazil.org/fuse"
)

const (
	// Errors corresponding to kernel error numbers. These may be treated
	// specially when returned by a FileSystem method.
	EIO          = bazilfuse.EIO
	ENOENT       = bazilfuse.ENOENT
	ENOSYS       = bazilfuse.ENOSYS
	ENOTEMPTY    = bazilfuse.Errno(syscall.ENOTEMPTY)
	EEXIST       = bazilfuse.Errno(syscall.EEXIST)
	ENOTDIR      = bazilfuse.Errno(syscall.ENOTDIR)
	EISDIR       = bazilfuse.Errno(syscall.EISDIR)
	ENAMETOOLONG = bazilfuse.Errno(syscall.ENAMETOOLONG)
	EMLINK       = bazilfuse.Errno(syscall.EMLINK)
	ENOSPC       = bazilfuse.Errno(syscall.ENOSPC)
	EACCES       = bazilfuse.Errno(syscall.EACCES)
	EINVAL       = bazilfuse.Errno(syscall.EINVAL)
	ENOTSUP      = bazilfuse.Errno(syscall.ENOTSUP)
)
