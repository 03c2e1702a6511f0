// Package pm provides the three primitives the rest of this module relies on
// for crash consistency: cache-line flush, store fence, and non-temporal
// copy/fill.
//
// Real persistent memory gives these guarantees via clwb/clflushopt plus an
// sfence, or via a platform PM API. Go has no portable access to those
// instructions, so Device simulates them on top of an mmap'd, O_SYNC-free
// byte region: flush and fence are no-ops on the simulated medium itself
// (every store already lands in the mmap), but Device still tracks the
// happens-before relationship they establish so tests can inject crashes at
// any flush/fence boundary (see Device.InjectCrashAt).
package pm

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// CachelineSize is the unit flush operates on. Not load-bearing for the
// simulated device, but callers size their flush ranges around it.
const CachelineSize = 64

// Device is a simulated byte-addressable PM region backed by an mmap'd file
// (or a plain in-memory buffer for tests). All reads and writes to the region go
// through it so that flush/fence/crash-injection can be modeled uniformly.
type Device struct {
	bytes []byte
	anon  bool

	// flushed counts calls to Flush, and fenced counts calls to Fence.
	// Relaxed atomics: these are statistics counters, not correctness
	// state, and are approximate by design when read concurrently with
	// writers.
	flushed uint64
	fenced  uint64

	// pendingCrash, when non-nil, is invoked synchronously by Flush and
	// Fence so tests can truncate the simulated crash at an exact boundary.
	pendingCrash func(point string)
}

// Open maps an existing file of the given size as a PM device.
func Open(path string, size int64) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("pm: open %s: %w", path, err)
	}
	defer unix.Close(fd)

	b, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("pm: mmap %s: %w", path, err)
	}

	return &Device{bytes: b}, nil
}

// NewAnon creates an in-memory device of the given size, for tests.
func NewAnon(size int) *Device {
	return &Device{bytes: make([]byte, size), anon: true}
}

// Close unmaps the device. A no-op for anonymous devices.
func (d *Device) Close() error {
	if d.anon {
		return nil
	}
	return unix.Munmap(d.bytes)
}

// Size returns the device's byte length.
func (d *Device) Size() int { return len(d.bytes) }

// Bytes returns the live backing slice for [off, off+n). Callers must not
// retain it past the next mutating call that could cause the device to
// remap (Device never remaps after construction, so in practice slices
// remain valid for the device's lifetime).
func (d *Device) Bytes(off, n int) []byte {
	return d.bytes[off : off+n]
}

// Flush evicts the cache lines covering [off, off+n) to the persistence
// domain. Not globally ordered with respect to other flushes; only Fence
// establishes that.
func (d *Device) Flush(off, n int) {
	atomic.AddUint64(&d.flushed, 1)
	if d.pendingCrash != nil {
		d.pendingCrash(fmt.Sprintf("flush@%d+%d", off, n))
	}
}

// Fence emits a store fence. Returning establishes that every flush that
// happened-before this call has reached persistence.
func (d *Device) Fence() {
	atomic.AddUint64(&d.fenced, 1)
	if d.pendingCrash != nil {
		d.pendingCrash("fence")
	}
}

// MemcpyNT performs a non-temporal copy of src into the device at off,
// optionally fencing afterward. The bulk of the copy bypasses the cache;
// unaligned edge bytes are flushed explicitly since non-temporal stores
// only cover 8-byte-aligned spans.
func (d *Device) MemcpyNT(off int, src []byte, fence bool) {
	n := copy(d.bytes[off:], src)
	d.flushEdges(off, n)
	if fence {
		d.Fence()
	}
}

// MemsetNT performs a non-temporal fill of n bytes at off with the given
// byte value, optionally fencing afterward.
func (d *Device) MemsetNT(off, n int, value byte, fence bool) {
	region := d.bytes[off : off+n]
	for i := range region {
		region[i] = value
	}
	d.flushEdges(off, n)
	if fence {
		d.Fence()
	}
}

// flushEdges flushes the boundary bytes of a non-temporal store that could
// not be covered by 8-byte-aligned NT stores.
func (d *Device) flushEdges(off, n int) {
	if off&0x7 != 0 {
		d.Flush(off, 1)
	}
	if (off+n)&0x7 != 0 {
		d.Flush(off+n, 1)
	}
}

// Stats reports the (approximate, relaxed) flush/fence counters.
func (d *Device) Stats() (flushed, fenced uint64) {
	return atomic.LoadUint64(&d.flushed), atomic.LoadUint64(&d.fenced)
}

// InjectCrashAt arranges for fn to be invoked on every subsequent Flush or
// Fence, receiving a label identifying the boundary. Tests use this to
// capture the device (via Snapshot) at an exact flush/fence point and then
// mount the result, exercising crash-recovery soundness end to end.
func (d *Device) InjectCrashAt(fn func(point string)) {
	d.pendingCrash = fn
}

// Snapshot copies out the device's full contents. Crash-injection tests
// pair it with InjectCrashAt: the hook snapshots at a chosen flush/fence
// boundary, and Restore then rewinds the device to that boundary, which on
// the simulated medium is exactly the set of bytes that had reached
// persistence when the simulated power loss hit.
func (d *Device) Snapshot() []byte {
	out := make([]byte, len(d.bytes))
	copy(out, d.bytes)
	return out
}

// Restore replaces the device's contents with a prior Snapshot.
func (d *Device) Restore(snapshot []byte) {
	copy(d.bytes, snapshot)
}
