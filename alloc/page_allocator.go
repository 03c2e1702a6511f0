// Package alloc implements the per-CPU page allocator and the ordered inode
// allocator.
//
// Each free set is a sorted slice guarded by a syncutil.InvariantMutex,
// with smallest-first removal via sort.Search and duplicate reinsertion
// treated as a bug. A sorted slice is O(log n) to locate and O(n) to
// shift; for free lists that are contiguous runs in practice this beats
// pointer-chasing a balanced tree.
package alloc

import (
	"fmt"
	"sort"

	"github.com/jacobsa/syncutil"
)

// band is one CPU's private free-page set: a sorted, deduplicated slice of
// data-region page numbers in [start, start+count).
type band struct {
	mu syncutil.InvariantMutex

	start uint64
	count uint64

	free []uint64 // GUARDED_BY(mu), sorted ascending
}

func newBand(start, count uint64, free []uint64) *band {
	b := &band{start: start, count: count, free: free}
	b.mu = syncutil.NewInvariantMutex(b.checkInvariants)
	return b
}

func (b *band) checkInvariants() {
	for i := 1; i < len(b.free); i++ {
		if b.free[i] <= b.free[i-1] {
			panic(fmt.Sprintf("alloc: band free list not strictly increasing at %d: %v", i, b.free))
		}
	}
	for _, p := range b.free {
		if p < b.start || p >= b.start+b.count {
			panic(fmt.Sprintf("alloc: page %d out of band [%d,%d)", p, b.start, b.start+b.count))
		}
	}
}

// LOCKS_REQUIRED(b.mu)
func (b *band) len() int { return len(b.free) }

// takeSmallest removes and returns the smallest free page in the band.
//
// EXCLUSIVE_LOCKS_REQUIRED(b.mu)
func (b *band) takeSmallest() (page uint64, ok bool) {
	if len(b.free) == 0 {
		return 0, false
	}
	page = b.free[0]
	b.free = b.free[1:]
	return page, true
}

// insert adds page back to the band's free set. Reinserting a page
// already present is a programmer bug.
//
// EXCLUSIVE_LOCKS_REQUIRED(b.mu)
func (b *band) insert(page uint64) {
	i := sort.Search(len(b.free), func(i int) bool { return b.free[i] >= page })
	if i < len(b.free) && b.free[i] == page {
		panic(fmt.Sprintf("alloc: duplicate free of page %d", page))
	}
	b.free = append(b.free, 0)
	copy(b.free[i+1:], b.free[i:])
	b.free[i] = page
}

// PageAllocator is the per-CPU page allocator : the data region
// is split into N contiguous equal bands, one per CPU, each a balanced
// ordered set for O(log n) smallest-first selection (approximated here by a
// sorted slice, see the package doc comment).
type PageAllocator struct {
	dataStart    uint64
	numPages     uint64
	pagesPerCPU  uint64
	bands        []*band
}

// NewPageAllocator builds a fresh allocator over [dataStart, dataStart+numPages)
// with every page free, split across numCPUs bands. The band-construction
// loop is uniform in numCPUs: pagesPerCPU is a ceiling division and the
// last band absorbs whatever remains, which for numCPUs==1 is the entire
// region.
func NewPageAllocator(dataStart, numPages uint64, numCPUs int) *PageAllocator {
	if numCPUs < 1 {
		numCPUs = 1
	}
	pagesPerCPU := ceilDiv(numPages, uint64(numCPUs))

	pa := &PageAllocator{
		dataStart:   dataStart,
		numPages:    numPages,
		pagesPerCPU: pagesPerCPU,
		bands:       make([]*band, numCPUs),
	}

	remaining := numPages
	start := dataStart
	for i := 0; i < numCPUs; i++ {
		count := pagesPerCPU
		if i == numCPUs-1 || count > remaining {
			count = remaining
		}
		free := make([]uint64, count)
		for j := uint64(0); j < count; j++ {
			free[j] = start + j
		}
		pa.bands[i] = newBand(start, count, free)
		start += count
		remaining -= count
	}

	return pa
}

// RebuildPageAllocator reconstructs the allocator at mount time from the
// list of currently-allocated page numbers: walk bands in order, inserting
// every page number in the band's range that is not present in the
// allocated list; the last band absorbs whatever is left of the device.
func RebuildPageAllocator(dataStart, numPages uint64, numCPUs int, allocated []uint64) *PageAllocator {
	if numCPUs < 1 {
		numCPUs = 1
	}
	pagesPerCPU := ceilDiv(numPages, uint64(numCPUs))

	allocSet := make(map[uint64]struct{}, len(allocated))
	for _, p := range allocated {
		allocSet[p] = struct{}{}
	}

	pa := &PageAllocator{
		dataStart:   dataStart,
		numPages:    numPages,
		pagesPerCPU: pagesPerCPU,
		bands:       make([]*band, numCPUs),
	}

	remaining := numPages
	start := dataStart
	for i := 0; i < numCPUs; i++ {
		count := pagesPerCPU
		if i == numCPUs-1 || count > remaining {
			count = remaining
		}
		var free []uint64
		for j := uint64(0); j < count; j++ {
			p := start + j
			if _, taken := allocSet[p]; !taken {
				free = append(free, p)
			}
		}
		pa.bands[i] = newBand(start, count, free)
		start += count
		remaining -= count
	}

	return pa
}

func ceilDiv(a, b uint64) uint64 { return (a + b - 1) / b }

// bandForCPU maps a CPU id to its band index.
func (pa *PageAllocator) bandForCPU(cpu int) int {
	return cpu % len(pa.bands)
}

// bandForPage maps a page number to its owning band index, clamped to the
// last band for the overflow absorbed there.
func (pa *PageAllocator) bandForPage(page uint64) int {
	idx := int((page - pa.dataStart) / pa.pagesPerCPU)
	if idx >= len(pa.bands) {
		idx = len(pa.bands) - 1
	}
	return idx
}

// Alloc allocates one page, preferring the band for the calling CPU. If
// that band is empty, it falls back to scanning all bands for the one with
// the largest free count. The originating band's lock is dropped before
// any other band's lock is taken, so two CPUs falling back into each
// other's bands cannot deadlock.
func (pa *PageAllocator) Alloc(cpu int) (uint64, error) {
	home := pa.bands[pa.bandForCPU(cpu)]

	home.mu.Lock()
	if page, ok := home.takeSmallest(); ok {
		home.mu.Unlock()
		return page, nil
	}
	home.mu.Unlock()

	// Fallback: find the band with the most free pages.
	var best *band
	bestLen := -1
	for _, b := range pa.bands {
		b.mu.RLock()
		n := b.len()
		b.mu.RUnlock()
		if n > bestLen {
			bestLen = n
			best = b
		}
	}

	if best == nil || bestLen == 0 {
		return 0, ErrNoSpace
	}

	best.mu.Lock()
	defer best.mu.Unlock()
	if page, ok := best.takeSmallest(); ok {
		return page, nil
	}
	return 0, ErrNoSpace
}

// Dealloc returns page to its owning band's free set. Inserting a page
// that is already free is a programmer bug and panics.
func (pa *PageAllocator) Dealloc(page uint64) {
	b := pa.bands[pa.bandForPage(page)]
	b.mu.Lock()
	defer b.mu.Unlock()
	b.insert(page)
}

// FreeCount returns the total number of free pages across all bands, used
// by statfs.
func (pa *PageAllocator) FreeCount() uint64 {
	var total uint64
	for _, b := range pa.bands {
		b.mu.RLock()
		total += uint64(b.len())
		b.mu.RUnlock()
	}
	return total
}

// ErrNoSpace is returned when every band is exhausted.
var ErrNoSpace = fmt.Errorf("alloc: no space")
