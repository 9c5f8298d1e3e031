// SPDX-License-Identifier: Apache-2.0

package alloc

import (
	"fmt"
	"unsafe"
)

// Kind identifies one of the four allocation engines the Factory can build.
type Kind int

const (
	// KindBuddy builds a binary-splitting power-of-two engine.
	KindBuddy Kind = iota
	// KindSlab builds a fixed-size-object slab engine.
	KindSlab
	// KindPool builds a fixed-block free-list engine.
	KindPool
	// KindHybrid builds the size-routing composite engine.
	KindHybrid
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindBuddy:
		return "buddy"
	case KindSlab:
		return "slab"
	case KindPool:
		return "pool"
	case KindHybrid:
		return "hybrid"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Counters holds the shared bookkeeping every engine exposes. Fields that
// don't apply to a given engine kind (e.g. Splits on a Pool Engine) stay at
// zero.
type Counters struct {
	AllocatedBytes    int64
	AllocationCount   int64
	DeallocationCount int64
	Splits            int64
	Coalesces         int64
	FailedCoalesces   int64
}

// LayoutEntry describes one labelled region of an engine's arena, as
// returned by Layout().
type LayoutEntry struct {
	Offset uintptr
	Size   uintptr
	Free   bool
	Label  string
}

// Engine is the common allocator contract (§4.1) every engine kind
// implements: Buddy, Slab, Pool and Hybrid.
type Engine interface {
	// Allocate reserves size bytes and returns their address, or nil if the
	// request cannot be served (size 0, or no free structure can serve it).
	Allocate(size uintptr) unsafe.Pointer

	// Deallocate returns addr to the engine's free structure. addr must have
	// been returned by this same engine and not freed since. A nil address
	// is a silent no-op; an address this engine never served or already
	// freed never mutates state (DeallocateErr reports it as
	// ErrUnknownPointer, and the Buddy Engine also logs a warning for it).
	Deallocate(addr unsafe.Pointer)

	// Reset returns the engine to its just-constructed state.
	Reset()

	// Stats returns a human-readable summary. Buddy and Slab return a single
	// line; Pool and Hybrid return a header line followed by one line per
	// class or sub-engine.
	Stats() string

	// Layout returns an ordered list of {offset, size, free, label}
	// entries covering the arena.
	Layout() []LayoutEntry

	// Fragmentation returns an engine-specific percentage in [0, 100].
	Fragmentation() int

	// TotalMemory returns the arena's capacity in bytes.
	TotalMemory() uintptr
}

// VerboseEngine is the additive error-returning counterpart to Engine: same
// semantics, but callers that want a reason for a nil result can use these
// instead. Every concrete engine in this package implements both.
type VerboseEngine interface {
	Engine

	// AllocateErr behaves like Allocate but also returns the reason for a
	// nil result: ErrSizeRejected or ErrArenaExhausted.
	AllocateErr(size uintptr) (unsafe.Pointer, error)

	// DeallocateErr behaves like Deallocate but reports ErrUnknownPointer
	// instead of merely logging a diagnostic.
	DeallocateErr(addr unsafe.Pointer) error
}
