// SPDX-License-Identifier: Apache-2.0

package alloc

import (
	"fmt"
	"math/bits"
	"sync"
	"unsafe"

	"go.uber.org/zap"
)

// defaultMinBlock is the smallest leaf a Buddy Engine will ever serve.
const defaultMinBlock uintptr = 32

// noNode marks the absence of a parent/buddy/child relationship in the
// buddy tree. The tree is stored as a growable slice of node records keyed
// by index rather than as pointer-linked nodes: this breaks the
// parent/buddy/child reference cycle the original C++ design expressed with
// raw back-pointers, and makes teardown a single slice drop.
const noNode int32 = -1

type buddyNode struct {
	addr     uintptr
	size     uintptr
	level    int
	free     bool
	parent   int32
	buddyIdx int32
	left     int32
	right    int32
}

func (n *buddyNode) isLeaf() bool { return n.left == noNode && n.right == noNode }

// BuddyEngine is the binary-splitting, power-of-two allocation engine
// described in spec §4.2.
type BuddyEngine struct {
	mu sync.Mutex

	arena    *Arena
	minBlock uintptr
	maxBlock uintptr
	levels   int

	nodes       []buddyNode
	freeNodeIdx []int32 // recycled node slots from destroyed interior children
	freeLists   [][]int32
	allocMap    map[uintptr]int32 // arena offset -> node index

	counters Counters
	cfg      engineConfig
}

// NewBuddyEngine constructs a Buddy Engine over an arena whose capacity is
// rounded up to the nearest power of two. minBlock is fixed at 32 bytes,
// the reference design's compile-time constant.
func NewBuddyEngine(capacity uintptr, opts ...Option) (*BuddyEngine, error) {
	return newBuddyEngine(capacity, defaultMinBlock, opts...)
}

func newBuddyEngine(capacity, minBlock uintptr, opts ...Option) (*BuddyEngine, error) {
	if capacity == 0 {
		return nil, ErrConstructionFailed
	}
	maxBlock := nextPow2(capacity)
	if maxBlock < minBlock {
		maxBlock = minBlock
	}
	arena, err := newArena(maxBlock)
	if err != nil {
		return nil, err
	}
	e := &BuddyEngine{
		arena:    arena,
		minBlock: minBlock,
		maxBlock: maxBlock,
		levels:   log2(maxBlock) - log2(minBlock),
		cfg:      newEngineConfig("buddy", opts...),
	}
	e.resetLocked()
	return e, nil
}

func log2(v uintptr) int { return bits.Len(uint(v)) - 1 }

func (e *BuddyEngine) resetLocked() {
	e.nodes = e.nodes[:0]
	e.freeNodeIdx = e.freeNodeIdx[:0]
	e.freeLists = make([][]int32, e.levels+1)
	e.allocMap = make(map[uintptr]int32)
	e.counters = Counters{}
	root := e.newNode(0, e.maxBlock, 0, noNode)
	e.freeLists[0] = append(e.freeLists[0], root)
}

func (e *BuddyEngine) newNode(addr, size uintptr, level int, parent int32) int32 {
	n := buddyNode{addr: addr, size: size, level: level, free: true, parent: parent, buddyIdx: noNode, left: noNode, right: noNode}
	if len(e.freeNodeIdx) > 0 {
		idx := e.freeNodeIdx[len(e.freeNodeIdx)-1]
		e.freeNodeIdx = e.freeNodeIdx[:len(e.freeNodeIdx)-1]
		e.nodes[idx] = n
		return idx
	}
	e.nodes = append(e.nodes, n)
	return int32(len(e.nodes) - 1)
}

func (e *BuddyEngine) destroyNode(idx int32) {
	e.freeNodeIdx = append(e.freeNodeIdx, idx)
}

func (e *BuddyEngine) pushFree(level int, idx int32) {
	e.freeLists[level] = append(e.freeLists[level], idx)
}

func (e *BuddyEngine) popFree(level int) int32 {
	list := e.freeLists[level]
	idx := list[0]
	e.freeLists[level] = list[1:]
	return idx
}

func (e *BuddyEngine) removeFree(level int, idx int32) {
	list := e.freeLists[level]
	for i, v := range list {
		if v == idx {
			e.freeLists[level] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// splitLocked splits the leaf at idx into two half-size leaves, keeping the
// left child and queuing the right one at its level's free list.
func (e *BuddyEngine) splitLocked(idx int32) {
	node := e.nodes[idx]
	half := node.size / 2
	left := e.newNode(node.addr, half, node.level+1, idx)
	right := e.newNode(node.addr+half, half, node.level+1, idx)
	e.nodes[left].buddyIdx = right
	e.nodes[right].buddyIdx = left
	e.nodes[idx].left = left
	e.nodes[idx].right = right
	e.nodes[idx].free = false
	e.pushFree(node.level+1, right)
	e.counters.Splits++
}

// Allocate satisfies the Engine contract.
func (e *BuddyEngine) Allocate(size uintptr) unsafe.Pointer {
	ptr, _ := e.AllocateErr(size)
	return ptr
}

// AllocateErr satisfies VerboseEngine.
func (e *BuddyEngine) AllocateErr(size uintptr) (unsafe.Pointer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if size == 0 {
		return nil, ErrSizeRejected
	}
	need := nextPow2(size)
	if need < e.minBlock {
		need = e.minBlock
	}
	if need > e.maxBlock {
		e.cfg.logger.Warn("buddy allocate: size exceeds max block", zap.Uint64("size", uint64(size)))
		return nil, ErrArenaExhausted
	}
	target := log2(e.maxBlock) - log2(need)

	level := -1
	for l := 0; l <= target; l++ {
		if len(e.freeLists[l]) > 0 {
			level = l
			break
		}
	}
	if level == -1 {
		return nil, ErrArenaExhausted
	}

	idx := e.popFree(level)
	for e.nodes[idx].size > need {
		e.splitLocked(idx)
		idx = e.nodes[idx].left
	}

	e.nodes[idx].free = false
	e.allocMap[e.nodes[idx].addr] = idx
	e.counters.AllocatedBytes += int64(e.nodes[idx].size)
	e.counters.AllocationCount++
	e.cfg.publish(e.counters, e.fragmentationLocked())

	return e.arena.addrOf(e.nodes[idx].addr), nil
}

// Deallocate satisfies the Engine contract.
func (e *BuddyEngine) Deallocate(addr unsafe.Pointer) {
	_ = e.DeallocateErr(addr)
}

// DeallocateErr satisfies VerboseEngine.
func (e *BuddyEngine) DeallocateErr(addr unsafe.Pointer) error {
	if addr == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	offset, ok := e.arena.offsetOf(addr)
	if !ok {
		e.cfg.logger.Warn("buddy deallocate: pointer outside arena")
		return ErrUnknownPointer
	}
	idx, ok := e.allocMap[offset]
	if !ok {
		e.cfg.logger.Warn("buddy deallocate: unknown or double-freed pointer")
		return ErrUnknownPointer
	}
	delete(e.allocMap, offset)

	e.nodes[idx].free = true
	e.pushFree(e.nodes[idx].level, idx)
	e.counters.AllocatedBytes -= int64(e.nodes[idx].size)
	e.counters.DeallocationCount++

	e.coalesceLocked(idx)
	e.cfg.publish(e.counters, e.fragmentationLocked())
	return nil
}

// coalesceLocked merges idx upward with its buddy while both are free
// leaves, per spec §4.2 step 4.
func (e *BuddyEngine) coalesceLocked(idx int32) {
	for {
		node := e.nodes[idx]
		if node.parent == noNode {
			return
		}
		buddyIdx := node.buddyIdx
		if buddyIdx == noNode {
			return
		}
		buddy := e.nodes[buddyIdx]
		if !buddy.free || !buddy.isLeaf() {
			return
		}

		e.removeFree(node.level, idx)
		e.removeFree(node.level, buddyIdx)
		e.destroyNode(idx)
		e.destroyNode(buddyIdx)

		parent := node.parent
		e.nodes[parent].free = true
		e.nodes[parent].left = noNode
		e.nodes[parent].right = noNode
		e.counters.Coalesces++
		e.pushFree(e.nodes[parent].level, parent)

		idx = parent
	}
}

// Reset satisfies the Engine contract.
func (e *BuddyEngine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.arena.reset()
	e.resetLocked()
}

// TotalMemory satisfies the Engine contract.
func (e *BuddyEngine) TotalMemory() uintptr { return e.maxBlock }

func (e *BuddyEngine) fragmentationLocked() int {
	freeBytes := int64(e.maxBlock) - e.counters.AllocatedBytes
	if e.counters.AllocationCount > e.counters.DeallocationCount && freeBytes > 0 {
		live := e.counters.AllocationCount - e.counters.DeallocationCount
		return int(100 * live / e.counters.AllocationCount)
	}
	return 0
}

// Fragmentation satisfies the Engine contract.
func (e *BuddyEngine) Fragmentation() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fragmentationLocked()
}

// Stats satisfies the Engine contract.
func (e *BuddyEngine) Stats() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fmt.Sprintf(
		"buddy: total=%d min_block=%d allocated=%d allocations=%d deallocations=%d splits=%d coalesces=%d fragmentation=%d%%",
		e.maxBlock, e.minBlock, e.counters.AllocatedBytes, e.counters.AllocationCount,
		e.counters.DeallocationCount, e.counters.Splits, e.counters.Coalesces, e.fragmentationLocked(),
	)
}

// Layout satisfies the Engine contract, walking the tree in address order.
func (e *BuddyEngine) Layout() []LayoutEntry {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []LayoutEntry
	var walk func(idx int32)
	walk = func(idx int32) {
		n := e.nodes[idx]
		if n.isLeaf() {
			out = append(out, LayoutEntry{Offset: n.addr, Size: n.size, Free: n.free, Label: "buddy-leaf"})
			return
		}
		walk(n.left)
		walk(n.right)
	}
	if len(e.nodes) > 0 {
		walk(0)
	}
	return out
}

// leafCount reports the number of leaves currently in the tree, exposed for
// the "leaves = splits + 1 - coalesces" testable property.
func (e *BuddyEngine) leafCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	count := 0
	var walk func(idx int32)
	walk = func(idx int32) {
		n := e.nodes[idx]
		if n.isLeaf() {
			count++
			return
		}
		walk(n.left)
		walk(n.right)
	}
	if len(e.nodes) > 0 {
		walk(0)
	}
	return count
}
