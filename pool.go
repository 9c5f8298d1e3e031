// SPDX-License-Identifier: Apache-2.0

package alloc

import (
	"fmt"
	"sort"
	"sync"
	"unsafe"
)

// poolNilOffset is the free-list terminator: "a free block's first
// machine word points to the next free block or nil" (spec §4.4).
const poolNilOffset = ^uintptr(0)

// PoolClassSpec describes one (block_size, blocks_per_class) pair used to
// construct a Pool Engine.
type PoolClassSpec struct {
	BlockSize uintptr
	Count     int
}

type poolClass struct {
	blockSize   uintptr
	base        uintptr
	totalBlocks int
	freeBlocks  int
	head        uintptr
}

// PoolEngine is the fixed-block free-list engine described in spec §4.4.
type PoolEngine struct {
	mu sync.Mutex

	arena   *Arena
	specs   []PoolClassSpec // sorted ascending by BlockSize; rebuilt on Reset
	classes []poolClass

	allocMap map[uintptr]int // arena offset -> class index

	counters Counters
	cfg      engineConfig
}

// NewPoolEngine constructs a Pool Engine from a list of classes, held
// sorted by ascending block size. Every block size must be at least
// sizeof(uintptr), room enough for the intrusive free-list pointer, and is
// rounded up to a multiple of naturalAlignment.
func NewPoolEngine(specs []PoolClassSpec, opts ...Option) (*PoolEngine, error) {
	if len(specs) == 0 {
		return nil, ErrConstructionFailed
	}
	sorted := append([]PoolClassSpec(nil), specs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].BlockSize < sorted[j].BlockSize })

	var total uintptr
	for i, s := range sorted {
		if s.BlockSize < uintptr(unsafe.Sizeof(uintptr(0))) || s.Count <= 0 {
			return nil, ErrConstructionFailed
		}
		sorted[i].BlockSize = roundUp(s.BlockSize, naturalAlignment)
		total += sorted[i].BlockSize * uintptr(s.Count)
	}
	if total == 0 {
		return nil, ErrConstructionFailed
	}

	arena, err := newArena(total)
	if err != nil {
		return nil, err
	}

	e := &PoolEngine{arena: arena, specs: sorted, cfg: newEngineConfig("pool", opts...)}
	e.resetLocked()
	return e, nil
}

func (e *PoolEngine) resetLocked() {
	e.classes = e.classes[:0]
	e.allocMap = make(map[uintptr]int)
	e.counters = Counters{}

	var offset uintptr
	for _, s := range e.specs {
		cls := poolClass{blockSize: s.BlockSize, base: offset, totalBlocks: s.Count, freeBlocks: s.Count}
		e.initFreeListLocked(&cls)
		e.classes = append(e.classes, cls)
		offset += s.BlockSize * uintptr(s.Count)
	}
}

func (e *PoolEngine) initFreeListLocked(c *poolClass) {
	for i := 0; i < c.totalBlocks; i++ {
		blockOffset := c.base + uintptr(i)*c.blockSize
		addr := e.arena.addrOf(blockOffset)
		next := poolNilOffset
		if i != c.totalBlocks-1 {
			next = c.base + uintptr(i+1)*c.blockSize
		}
		*(*uintptr)(addr) = next
	}
	c.head = c.base
}

// Allocate satisfies the Engine contract.
func (e *PoolEngine) Allocate(size uintptr) unsafe.Pointer {
	ptr, _ := e.AllocateErr(size)
	return ptr
}

// AllocateErr satisfies VerboseEngine. The smallest class with
// block_size >= size and a free block is used; a size larger than every
// class's block_size is size-rejected rather than arena-exhausted.
func (e *PoolEngine) AllocateErr(size uintptr) (unsafe.Pointer, error) {
	if size == 0 {
		return nil, ErrSizeRejected
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	fits := false
	for i := range e.classes {
		if e.classes[i].blockSize < size {
			continue
		}
		fits = true
		if e.classes[i].freeBlocks > 0 {
			return e.allocFromClassLocked(i), nil
		}
	}
	if !fits {
		return nil, ErrSizeRejected
	}
	return nil, ErrArenaExhausted
}

func (e *PoolEngine) allocFromClassLocked(classIdx int) unsafe.Pointer {
	c := &e.classes[classIdx]

	blockOffset := c.head
	addr := e.arena.addrOf(blockOffset)
	c.head = *(*uintptr)(addr)
	c.freeBlocks--

	e.allocMap[blockOffset] = classIdx
	e.counters.AllocatedBytes += int64(c.blockSize)
	e.counters.AllocationCount++
	e.cfg.publish(e.counters, e.fragmentationLocked())

	return addr
}

// Deallocate satisfies the Engine contract.
func (e *PoolEngine) Deallocate(addr unsafe.Pointer) {
	_ = e.DeallocateErr(addr)
}

// DeallocateErr satisfies VerboseEngine.
func (e *PoolEngine) DeallocateErr(addr unsafe.Pointer) error {
	if addr == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	offset, ok := e.arena.offsetOf(addr)
	if !ok {
		return ErrUnknownPointer
	}
	classIdx, ok := e.allocMap[offset]
	if !ok {
		return ErrUnknownPointer
	}
	c := &e.classes[classIdx]
	if (offset-c.base)%c.blockSize != 0 {
		return ErrUnknownPointer
	}

	*(*uintptr)(addr) = c.head
	c.head = offset
	c.freeBlocks++
	delete(e.allocMap, offset)

	e.counters.AllocatedBytes -= int64(c.blockSize)
	e.counters.DeallocationCount++
	e.cfg.publish(e.counters, e.fragmentationLocked())
	return nil
}

// Reset satisfies the Engine contract.
func (e *PoolEngine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.arena.reset()
	e.resetLocked()
}

// TotalMemory satisfies the Engine contract.
func (e *PoolEngine) TotalMemory() uintptr { return e.arena.Capacity() }

func (e *PoolEngine) fragmentationLocked() int {
	var totalFree, largestFreeClass uintptr
	for _, c := range e.classes {
		freeBytes := uintptr(c.freeBlocks) * c.blockSize
		totalFree += freeBytes
		if freeBytes > largestFreeClass {
			largestFreeClass = freeBytes
		}
	}
	if totalFree == 0 {
		return 0
	}
	return int(100 * (totalFree - largestFreeClass) / totalFree)
}

// Fragmentation satisfies the Engine contract.
func (e *PoolEngine) Fragmentation() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fragmentationLocked()
}

// Stats satisfies the Engine contract.
func (e *PoolEngine) Stats() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := fmt.Sprintf("pool: classes=%d allocated=%d allocations=%d deallocations=%d fragmentation=%d%%\n",
		len(e.classes), e.counters.AllocatedBytes, e.counters.AllocationCount,
		e.counters.DeallocationCount, e.fragmentationLocked())
	for _, c := range e.classes {
		s += fmt.Sprintf("  class %d: free=%d/%d\n", c.blockSize, c.freeBlocks, c.totalBlocks)
	}
	return s
}

// Layout satisfies the Engine contract: every block of every class, in
// ascending block-size then address order.
func (e *PoolEngine) Layout() []LayoutEntry {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []LayoutEntry
	for _, c := range e.classes {
		free := make(map[uintptr]bool, c.freeBlocks)
		for cur := c.head; cur != poolNilOffset; {
			free[cur] = true
			addr := e.arena.addrOf(cur)
			cur = *(*uintptr)(addr)
		}
		for i := 0; i < c.totalBlocks; i++ {
			offset := c.base + uintptr(i)*c.blockSize
			out = append(out, LayoutEntry{
				Offset: offset,
				Size:   c.blockSize,
				Free:   free[offset],
				Label:  fmt.Sprintf("pool-class:%d", c.blockSize),
			})
		}
	}
	return out
}
