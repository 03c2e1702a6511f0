// Package typestate implements the wrapper protocol: every
// persistent object (Inode, DirPage, DataPage, Dentry, and the page-list
// variants) is reached only through a wrapper type that names both its
// persistence state (Clean/Dirty/InFlight) and its logical operation state.
//
// Go's type parameters cannot specialize method sets per instantiation,
// so a single generic wrapper over two phantom tags cannot restrict which
// operations each state offers. Instead each (persistence, operation)
// pair that the rest of the module actually drives through gets its own
// concrete named type with one or two methods that consume the receiver
// and return the next state's type, the same "affine by convention" shape
// languages without affine types fall back on. Apart from the re-entry
// constructors used by recovery and deferred teardown (WrapRename*,
// WrapInodeReadyForDealloc), the package never hands out a constructor
// for an intermediate state, and none for an InFlight one, so the only way
// to hold, say, an InFlight value is to have performed the mutation that
// produced it. Where several objects must reach InFlight before one shared fence
// (a run of page allocations, a multi-page write), the Dirty types offer
// a Flush that does not fence, and the list types issue the single store
// fence for the whole batch.
//
// Violating the protocol (double-freeing a dealloc'd object, reusing a
// state value after its transition method has already consumed it) is a
// programming error; where the type system cannot catch it the package
// panics rather than returning an error for what should be unreachable,
// the same discipline InvariantMutex applies to the volatile indexes.
package typestate

import (
	"github.com/utsaslab/hayleyfs/layout"
	"github.com/utsaslab/hayleyfs/pm"
)

// handle is the common (device, byte offset) pair every wrapper type closes
// over. It is not exported: callers only ever see the named per-state
// types below.
type handle struct {
	dev *pm.Device
	off uint64
}

func (h handle) flush(n int)  { h.dev.Flush(int(h.off), n) }
func (h handle) fence()       { h.dev.Fence() }
func (h handle) bytes(n int) []byte { return h.dev.Bytes(int(h.off), n) }

func (h handle) readInode() layout.Inode {
	var in layout.Inode
	if err := layout.Unmarshal(h.bytes(layout.InodeSize), &in); err != nil {
		panic(err)
	}
	return in
}

func (h handle) writeInode(in layout.Inode) {
	h.dev.MemcpyNT(int(h.off), layout.Marshal(in), false)
}

func (h handle) readPageDesc() layout.PageDesc {
	var pd layout.PageDesc
	if err := layout.Unmarshal(h.bytes(layout.PageDescriptorSize), &pd); err != nil {
		panic(err)
	}
	return pd
}

func (h handle) writePageDesc(pd layout.PageDesc) {
	h.dev.MemcpyNT(int(h.off), layout.Marshal(pd), false)
}

func (h handle) readDentry() layout.Dentry {
	var d layout.Dentry
	if err := layout.Unmarshal(h.bytes(layout.DentrySize), &d); err != nil {
		panic(err)
	}
	return d
}

func (h handle) writeDentry(d layout.Dentry) {
	h.dev.MemcpyNT(int(h.off), layout.Marshal(d), false)
}

// flushFence performs the Dirty->Clean skeleton step for a single object
// in one call: flush the n bytes at this handle's offset, then fence. The
// list types batch several handles' flushes before a single shared fence
// and so do not use this helper.
func (h handle) flushFence(n int) {
	h.flush(n)
	h.fence()
}
