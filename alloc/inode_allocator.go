package alloc

import (
	"fmt"
	"sort"

	"github.com/jacobsa/syncutil"
)

// InodeAllocator is the single ordered set of free inode numbers:
// initialized to [firstFree, numInodes), smallest-first removal, duplicate
// insertion is a bug. The root inode is always reserved and never appears
// in the free set.
type InodeAllocator struct {
	mu   syncutil.InvariantMutex
	free []uint64 // GUARDED_BY(mu), sorted ascending
}

// NewInodeAllocator builds a fresh allocator with every inode number in
// [firstFree, numInodes) free.
func NewInodeAllocator(firstFree, numInodes uint64) *InodeAllocator {
	free := make([]uint64, 0, numInodes-firstFree)
	for i := firstFree; i < numInodes; i++ {
		free = append(free, i)
	}
	ia := &InodeAllocator{free: free}
	ia.mu = syncutil.NewInvariantMutex(ia.checkInvariants)
	return ia
}

// RebuildInodeAllocator reconstructs the allocator at mount time from the
// set of currently-allocated inode numbers, analogous to
// RebuildPageAllocator.
func RebuildInodeAllocator(firstFree, numInodes uint64, allocated map[uint64]struct{}) *InodeAllocator {
	var free []uint64
	for i := firstFree; i < numInodes; i++ {
		if _, taken := allocated[i]; !taken {
			free = append(free, i)
		}
	}
	ia := &InodeAllocator{free: free}
	ia.mu = syncutil.NewInvariantMutex(ia.checkInvariants)
	return ia
}

func (ia *InodeAllocator) checkInvariants() {
	for i := 1; i < len(ia.free); i++ {
		if ia.free[i] <= ia.free[i-1] {
			panic(fmt.Sprintf("alloc: inode free list not strictly increasing at %d: %v", i, ia.free))
		}
	}
}

// Alloc removes and returns the smallest free inode number.
func (ia *InodeAllocator) Alloc() (uint64, error) {
	ia.mu.Lock()
	defer ia.mu.Unlock()

	if len(ia.free) == 0 {
		return 0, ErrNoSpace
	}
	ino := ia.free[0]
	ia.free = ia.free[1:]
	return ino, nil
}

// Dealloc returns ino to the free set. Reinserting an inode number already
// free is a programmer bug and panics.
func (ia *InodeAllocator) Dealloc(ino uint64) {
	ia.mu.Lock()
	defer ia.mu.Unlock()

	i := sort.Search(len(ia.free), func(i int) bool { return ia.free[i] >= ino })
	if i < len(ia.free) && ia.free[i] == ino {
		panic(fmt.Sprintf("alloc: duplicate free of inode %d", ino))
	}
	ia.free = append(ia.free, 0)
	copy(ia.free[i+1:], ia.free[i:])
	ia.free[i] = ino
}

// FreeCount returns the number of free inode numbers, used by statfs.
func (ia *InodeAllocator) FreeCount() uint64 {
	ia.mu.RLock()
	defer ia.mu.RUnlock()
	return uint64(len(ia.free))
}
