// SPDX-License-Identifier: Apache-2.0

package alloc

import (
	"fmt"
	"sync"
	"unsafe"
)

// hybridPoolMenu and hybridSlabMenu are the fixed size menus spec §3/§4.5
// mandate for the Hybrid Engine's sub-engine composition.
var (
	hybridPoolMenu = []uintptr{8, 16, 32, 64, 128, 256}
	hybridSlabMenu = []uintptr{64, 128, 256, 512}
)

const hybridSlabObjectsPerSlab = 8

// HybridPolicy configures how a Hybrid Engine's capacity is split across
// its Buddy, Pool and Slab sub-engines, and the size thresholds routing
// decisions use.
type HybridPolicy struct {
	PoolRatio   float64
	SlabRatio   float64
	PoolMaxSize uintptr
	SlabMaxSize uintptr
}

// DefaultHybridPolicy returns the documented defaults from spec §4.5.
func DefaultHybridPolicy() HybridPolicy {
	return HybridPolicy{PoolRatio: 0.3, SlabRatio: 0.3, PoolMaxSize: 256, SlabMaxSize: 1024}
}

type routeKind byte

const (
	routeBuddy routeKind = iota
	routePool
	routeSlab
)

type hybridRoute struct {
	kind routeKind
	idx  int
}

type subStat struct {
	Allocations    int64
	Deallocations  int64
	TotalAllocated int64
}

// HybridEngine routes each request to the best-fitting sub-engine by size,
// per spec §4.5.
type HybridEngine struct {
	mu sync.Mutex

	policy HybridPolicy

	buddy       *BuddyEngine
	poolMenu    []uintptr
	poolEngines []*PoolEngine
	slabMenu    []uintptr
	slabEngines []*SlabEngine

	routing map[unsafe.Pointer]hybridRoute
	sizeOf  map[unsafe.Pointer]uintptr

	counters Counters
	subStats map[string]*subStat
	cfg      engineConfig
}

// NewHybridEngine constructs a Hybrid Engine over the given total capacity.
// A nil policy uses DefaultHybridPolicy.
func NewHybridEngine(capacity uintptr, policy *HybridPolicy, opts ...Option) (*HybridEngine, error) {
	if capacity == 0 {
		return nil, ErrConstructionFailed
	}
	p := DefaultHybridPolicy()
	if policy != nil {
		p = *policy
	}

	buddyBytes := uintptr(float64(capacity) * (1 - p.PoolRatio - p.SlabRatio))
	if buddyBytes < 1024 {
		buddyBytes = 1024
	}
	if buddyBytes > capacity {
		buddyBytes = capacity
	}
	remaining := capacity - buddyBytes

	var poolShare, slabShare uintptr
	if ratioSum := p.PoolRatio + p.SlabRatio; ratioSum > 0 {
		poolShare = uintptr(float64(remaining) * (p.PoolRatio / ratioSum))
		slabShare = remaining - poolShare
	}

	e := &HybridEngine{
		policy:   p,
		routing:  make(map[unsafe.Pointer]hybridRoute),
		sizeOf:   make(map[unsafe.Pointer]uintptr),
		subStats: make(map[string]*subStat),
		cfg:      newEngineConfig("hybrid", opts...),
	}

	buddy, err := NewBuddyEngine(buddyBytes, append(append([]Option{}, opts...), WithLabel("hybrid.buddy"))...)
	if err != nil {
		return nil, err
	}
	e.buddy = buddy

	poolBudget := poolShare / uintptr(len(hybridPoolMenu))
	for _, size := range hybridPoolMenu {
		count := int(poolBudget / size)
		if count < 1 {
			continue
		}
		label := fmt.Sprintf("hybrid.pool.%d", size)
		eng, err := NewPoolEngine([]PoolClassSpec{{BlockSize: size, Count: count}},
			append(append([]Option{}, opts...), WithLabel(label))...)
		if err != nil {
			continue
		}
		e.poolMenu = append(e.poolMenu, size)
		e.poolEngines = append(e.poolEngines, eng)
	}

	slabBudget := slabShare / uintptr(len(hybridSlabMenu))
	for _, size := range hybridSlabMenu {
		if slabBudget == 0 {
			continue
		}
		label := fmt.Sprintf("hybrid.slab.%d", size)
		eng, err := NewSlabEngine(size, hybridSlabObjectsPerSlab, slabBudget,
			append(append([]Option{}, opts...), WithLabel(label))...)
		if err != nil {
			continue
		}
		e.slabMenu = append(e.slabMenu, size)
		e.slabEngines = append(e.slabEngines, eng)
	}

	return e, nil
}

// Allocate satisfies the Engine contract.
func (e *HybridEngine) Allocate(size uintptr) unsafe.Pointer {
	ptr, _ := e.AllocateErr(size)
	return ptr
}

// AllocateErr satisfies VerboseEngine.
func (e *HybridEngine) AllocateErr(size uintptr) (unsafe.Pointer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if size == 0 {
		return nil, ErrSizeRejected
	}

	ptr, route, err := e.routeAndAllocateLocked(size)
	if err != nil {
		return nil, err
	}

	e.routing[ptr] = route
	e.sizeOf[ptr] = size
	e.counters.AllocatedBytes += int64(size)
	e.counters.AllocationCount++

	label := e.routeLabel(route)
	sc := e.subStat(label)
	sc.Allocations++
	sc.TotalAllocated += int64(size)

	e.cfg.publish(e.counters, e.fragmentationLocked())
	e.cfg.publishEfficiency(e.efficiencyScoreLocked())
	return ptr, nil
}

// routeAndAllocateLocked implements selectAllocator(size) fused with the
// actual call: trying and failing a candidate sub-engine never mutates its
// state, so attempting in priority order has the same externally visible
// effect as peeking capacity first. The POOL/SLAB -> BUDDY fall-through of
// spec §4.5 and Open Question #2 falls out of this same loop: once pool and
// slab candidates are exhausted, buddy is always tried as the final step.
func (e *HybridEngine) routeAndAllocateLocked(size uintptr) (unsafe.Pointer, hybridRoute, error) {
	if size <= e.policy.PoolMaxSize {
		for i, classSize := range e.poolMenu {
			if classSize < size {
				continue
			}
			if ptr, err := e.poolEngines[i].AllocateErr(size); err == nil {
				return ptr, hybridRoute{kind: routePool, idx: i}, nil
			}
		}
	}
	if size <= e.policy.SlabMaxSize {
		for i, objSize := range e.slabMenu {
			if objSize < size {
				continue
			}
			if ptr, err := e.slabEngines[i].AllocateErr(size); err == nil {
				return ptr, hybridRoute{kind: routeSlab, idx: i}, nil
			}
		}
	}
	if ptr, err := e.buddy.AllocateErr(size); err == nil {
		return ptr, hybridRoute{kind: routeBuddy}, nil
	}
	return nil, hybridRoute{}, ErrArenaExhausted
}

func (e *HybridEngine) routeLabel(r hybridRoute) string {
	switch r.kind {
	case routePool:
		return fmt.Sprintf("pool.%d", e.poolMenu[r.idx])
	case routeSlab:
		return fmt.Sprintf("slab.%d", e.slabMenu[r.idx])
	default:
		return "buddy"
	}
}

func (e *HybridEngine) subStat(label string) *subStat {
	s, ok := e.subStats[label]
	if !ok {
		s = &subStat{}
		e.subStats[label] = s
	}
	return s
}

// Deallocate satisfies the Engine contract.
func (e *HybridEngine) Deallocate(addr unsafe.Pointer) {
	_ = e.DeallocateErr(addr)
}

// DeallocateErr satisfies VerboseEngine.
func (e *HybridEngine) DeallocateErr(addr unsafe.Pointer) error {
	if addr == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	route, ok := e.routing[addr]
	if !ok {
		return ErrUnknownPointer
	}

	var err error
	switch route.kind {
	case routePool:
		err = e.poolEngines[route.idx].DeallocateErr(addr)
	case routeSlab:
		err = e.slabEngines[route.idx].DeallocateErr(addr)
	default:
		err = e.buddy.DeallocateErr(addr)
	}
	if err != nil {
		return err
	}

	size := e.sizeOf[addr]
	delete(e.routing, addr)
	delete(e.sizeOf, addr)
	e.counters.AllocatedBytes -= int64(size)
	e.counters.DeallocationCount++
	e.subStat(e.routeLabel(route)).Deallocations++

	e.cfg.publish(e.counters, e.fragmentationLocked())
	e.cfg.publishEfficiency(e.efficiencyScoreLocked())
	return nil
}

// Reset satisfies the Engine contract.
func (e *HybridEngine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.buddy.Reset()
	for _, p := range e.poolEngines {
		p.Reset()
	}
	for _, s := range e.slabEngines {
		s.Reset()
	}
	e.routing = make(map[unsafe.Pointer]hybridRoute)
	e.sizeOf = make(map[unsafe.Pointer]uintptr)
	e.subStats = make(map[string]*subStat)
	e.counters = Counters{}
}

// TotalMemory satisfies the Engine contract: the sum of every sub-engine's
// own arena capacity.
func (e *HybridEngine) TotalMemory() uintptr {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalMemoryLocked()
}

func (e *HybridEngine) totalMemoryLocked() uintptr {
	total := e.buddy.TotalMemory()
	for _, p := range e.poolEngines {
		total += p.TotalMemory()
	}
	for _, s := range e.slabEngines {
		total += s.TotalMemory()
	}
	return total
}

// fragmentationLocked reuses the universal allocate/deallocate-count
// heuristic (spec §4.2's formula, the simplest one shared across engines),
// since spec §9 leaves an exact Hybrid fragmentation formula unspecified.
func (e *HybridEngine) fragmentationLocked() int {
	total := e.totalMemoryLocked()
	freeBytes := int64(total) - e.counters.AllocatedBytes
	if e.counters.AllocationCount > e.counters.DeallocationCount && freeBytes > 0 {
		live := e.counters.AllocationCount - e.counters.DeallocationCount
		return int(100 * live / e.counters.AllocationCount)
	}
	return 0
}

// Fragmentation satisfies the Engine contract.
func (e *HybridEngine) Fragmentation() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fragmentationLocked()
}

// EfficiencyScore returns utilization * (1 - fragmentation/100), per
// spec §4.5, clamped to [0,1].
func (e *HybridEngine) EfficiencyScore() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.efficiencyScoreLocked()
}

func (e *HybridEngine) efficiencyScoreLocked() float64 {
	total := e.totalMemoryLocked()
	if total == 0 {
		return 0
	}
	utilization := float64(e.counters.AllocatedBytes) / float64(total)
	frag := float64(e.fragmentationLocked()) / 100
	score := utilization * (1 - frag)
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

// Stats satisfies the Engine contract.
func (e *HybridEngine) Stats() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := fmt.Sprintf("hybrid: total=%d allocated=%d allocations=%d deallocations=%d fragmentation=%d%% efficiency=%.3f\n",
		e.totalMemoryLocked(), e.counters.AllocatedBytes, e.counters.AllocationCount,
		e.counters.DeallocationCount, e.fragmentationLocked(), e.efficiencyScoreLocked())
	for label, st := range e.subStats {
		s += fmt.Sprintf("  %s: allocations=%d deallocations=%d total_allocated=%d\n",
			label, st.Allocations, st.Deallocations, st.TotalAllocated)
	}
	return s
}

// Layout satisfies the Engine contract, concatenating every sub-engine's
// layout. Offsets are only meaningful within a sub-engine's own arena; the
// Label disambiguates which one owns each entry.
func (e *HybridEngine) Layout() []LayoutEntry {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []LayoutEntry
	out = append(out, e.buddy.Layout()...)
	for _, p := range e.poolEngines {
		out = append(out, p.Layout()...)
	}
	for _, s := range e.slabEngines {
		out = append(out, s.Layout()...)
	}
	return out
}

// RouteOf reports which sub-engine kind served addr, for tests that check
// the routing map matches the sub-engine whose arena actually contains the
// address (spec §8, Hybrid-specific).
func (e *HybridEngine) RouteOf(addr unsafe.Pointer) (kind string, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.routing[addr]
	if !ok {
		return "", false
	}
	switch r.kind {
	case routePool:
		return "pool", true
	case routeSlab:
		return "slab", true
	default:
		return "buddy", true
	}
}
