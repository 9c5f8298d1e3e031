// SPDX-License-Identifier: Apache-2.0

package alloc

import (
	"fmt"
	"sync"
	"unsafe"

	"go.uber.org/zap"
)

// slabIndexSentinel is the terminal value of the intrusive free-index list
// threaded through slot bytes (spec §4.3: "terminal value ~0").
const slabIndexSentinel = ^uint32(0)

// slabIndexWordSize is sizeof(index): the engine refuses object sizes
// smaller than this, since a free slot must hold one index.
const slabIndexWordSize = uintptr(unsafe.Sizeof(uint32(0)))

// slabHeaderSize is the fixed-layout header every slab reserves ahead of
// its object slots (free_count, first_free_index — two machine words).
const slabHeaderSize = uintptr(2 * unsafe.Sizeof(uint64(0)))

type slabRegion struct {
	start     uintptr
	dataStart uintptr
	freeCount int
	firstFree uint32
	peakUsed  int
}

// SlabEngine is the fixed-size-object engine described in spec §4.3.
type SlabEngine struct {
	mu sync.Mutex

	arena          *Arena
	objectSize     uintptr
	objectsPerSlab int
	slabSize       uintptr
	maxSlabs       int

	slabs   []slabRegion
	sizeMap map[uintptr]uintptr // arena offset -> requested size, for byte accounting

	counters Counters
	cfg      engineConfig
}

// NewSlabEngine constructs a Slab Engine. objectSize must be at least
// sizeof(uint32) to hold the intrusive free-index link, and is rounded up
// to a multiple of naturalAlignment.
func NewSlabEngine(objectSize uintptr, objectsPerSlab int, capacity uintptr, opts ...Option) (*SlabEngine, error) {
	if capacity == 0 || objectsPerSlab <= 0 {
		return nil, ErrConstructionFailed
	}
	if objectSize < slabIndexWordSize {
		return nil, ErrConstructionFailed
	}
	objectSize = roundUp(objectSize, naturalAlignment)

	slabSize := objectSize*uintptr(objectsPerSlab) + slabHeaderSize
	maxSlabs := int(capacity / slabSize)
	if maxSlabs < 1 {
		maxSlabs = 1
	}

	arena, err := newArena(slabSize * uintptr(maxSlabs))
	if err != nil {
		return nil, err
	}

	e := &SlabEngine{
		arena:          arena,
		objectSize:     objectSize,
		objectsPerSlab: objectsPerSlab,
		slabSize:       slabSize,
		maxSlabs:       maxSlabs,
		cfg:            newEngineConfig("slab", opts...),
	}
	e.resetLocked()
	return e, nil
}

func (e *SlabEngine) resetLocked() {
	e.slabs = e.slabs[:0]
	e.sizeMap = make(map[uintptr]uintptr)
	e.counters = Counters{}
	e.createSlabLocked()
}

// createSlabLocked lazily creates the next slab, initialising its
// intrusive free-index list per spec §4.3 "Slab initialisation".
func (e *SlabEngine) createSlabLocked() bool {
	if len(e.slabs) >= e.maxSlabs {
		return false
	}
	start := uintptr(len(e.slabs)) * e.slabSize
	dataStart := start + slabHeaderSize

	for i := 0; i < e.objectsPerSlab; i++ {
		slotAddr := e.arena.addrOf(dataStart + uintptr(i)*e.objectSize)
		next := uint32(i + 1)
		if i == e.objectsPerSlab-1 {
			next = slabIndexSentinel
		}
		*(*uint32)(slotAddr) = next
	}

	e.slabs = append(e.slabs, slabRegion{
		start:     start,
		dataStart: dataStart,
		freeCount: e.objectsPerSlab,
		firstFree: 0,
	})
	return true
}

// Allocate satisfies the Engine contract.
func (e *SlabEngine) Allocate(size uintptr) unsafe.Pointer {
	ptr, _ := e.AllocateErr(size)
	return ptr
}

// AllocateErr satisfies VerboseEngine.
func (e *SlabEngine) AllocateErr(size uintptr) (unsafe.Pointer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if size == 0 || size > e.objectSize {
		return nil, ErrSizeRejected
	}

	for i := range e.slabs {
		if e.slabs[i].freeCount > 0 {
			return e.allocFromSlabLocked(i, size), nil
		}
	}
	if e.createSlabLocked() {
		return e.allocFromSlabLocked(len(e.slabs)-1, size), nil
	}

	e.cfg.logger.Debug("slab allocate: arena exhausted", zap.Int("max_slabs", e.maxSlabs))
	return nil, ErrArenaExhausted
}

func (e *SlabEngine) allocFromSlabLocked(slabIdx int, requested uintptr) unsafe.Pointer {
	s := &e.slabs[slabIdx]

	idx := s.firstFree
	slotOffset := s.dataStart + uintptr(idx)*e.objectSize
	slotAddr := e.arena.addrOf(slotOffset)

	s.firstFree = *(*uint32)(slotAddr)
	s.freeCount--
	if used := e.objectsPerSlab - s.freeCount; used > s.peakUsed {
		s.peakUsed = used
	}
	zeroBytes(slotAddr, e.objectSize)

	e.sizeMap[slotOffset] = requested
	e.counters.AllocatedBytes += int64(requested)
	e.counters.AllocationCount++
	e.cfg.publish(e.counters, e.fragmentationLocked())

	return slotAddr
}

// Deallocate satisfies the Engine contract.
func (e *SlabEngine) Deallocate(addr unsafe.Pointer) {
	_ = e.DeallocateErr(addr)
}

// DeallocateErr satisfies VerboseEngine.
func (e *SlabEngine) DeallocateErr(addr unsafe.Pointer) error {
	if addr == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	offset, ok := e.arena.offsetOf(addr)
	if !ok {
		return ErrUnknownPointer
	}

	for i := range e.slabs {
		s := &e.slabs[i]
		dataEnd := s.dataStart + uintptr(e.objectsPerSlab)*e.objectSize
		if offset < s.dataStart || offset >= dataEnd {
			continue
		}
		rel := offset - s.dataStart
		if rel%e.objectSize != 0 {
			return ErrUnknownPointer
		}
		requested, tracked := e.sizeMap[offset]
		if !tracked {
			return ErrUnknownPointer
		}

		idx := uint32(rel / e.objectSize)
		*(*uint32)(addr) = s.firstFree
		s.firstFree = idx
		s.freeCount++

		delete(e.sizeMap, offset)
		e.counters.AllocatedBytes -= int64(requested)
		e.counters.DeallocationCount++
		e.cfg.publish(e.counters, e.fragmentationLocked())
		return nil
	}
	return ErrUnknownPointer
}

// Reset satisfies the Engine contract.
func (e *SlabEngine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.arena.reset()
	e.resetLocked()
}

// TotalMemory satisfies the Engine contract.
func (e *SlabEngine) TotalMemory() uintptr { return e.arena.Capacity() }

func (e *SlabEngine) fragmentationLocked() int {
	freeBytes := e.arena.Capacity() - uintptr(e.counters.AllocatedBytes)
	if e.counters.AllocationCount > e.counters.DeallocationCount && freeBytes > 0 {
		live := e.counters.AllocationCount - e.counters.DeallocationCount
		return int(100 * live / e.counters.AllocationCount)
	}
	return 0
}

// Fragmentation satisfies the Engine contract.
func (e *SlabEngine) Fragmentation() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fragmentationLocked()
}

// Stats satisfies the Engine contract.
func (e *SlabEngine) Stats() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fmt.Sprintf(
		"slab: object_size=%d objects_per_slab=%d slabs=%d/%d allocated=%d allocations=%d deallocations=%d fragmentation=%d%%",
		e.objectSize, e.objectsPerSlab, len(e.slabs), e.maxSlabs, e.counters.AllocatedBytes,
		e.counters.AllocationCount, e.counters.DeallocationCount, e.fragmentationLocked(),
	)
}

// Layout satisfies the Engine contract: every slot of every slab, in order.
func (e *SlabEngine) Layout() []LayoutEntry {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []LayoutEntry
	for i, s := range e.slabs {
		free := make(map[uint32]bool, e.objectsPerSlab-s.freeCount)
		for cur := s.firstFree; cur != slabIndexSentinel; {
			free[cur] = true
			slotAddr := e.arena.addrOf(s.dataStart + uintptr(cur)*e.objectSize)
			cur = *(*uint32)(slotAddr)
		}
		for obj := 0; obj < e.objectsPerSlab; obj++ {
			out = append(out, LayoutEntry{
				Offset: s.dataStart + uintptr(obj)*e.objectSize,
				Size:   e.objectSize,
				Free:   free[uint32(obj)],
				Label:  fmt.Sprintf("slab#%d", i),
			})
		}
	}
	return out
}

// PeakObjects returns, per slab in creation order, the high-water mark of
// simultaneously live objects. This is a diagnostic addition carried over
// from the original project's per-slab usage tracking; it does not feed
// into Fragmentation() or any allocation decision.
func (e *SlabEngine) PeakObjects() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	peaks := make([]int, len(e.slabs))
	for i, s := range e.slabs {
		peaks[i] = s.peakUsed
	}
	return peaks
}

func zeroBytes(ptr unsafe.Pointer, n uintptr) {
	b := unsafe.Slice((*byte)(ptr), n)
	for i := range b {
		b[i] = 0
	}
}
