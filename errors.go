// SPDX-License-Identifier: Apache-2.0

package alloc

import "errors"

// Sentinel errors surfaced by the verbose (*Err) flavour of the allocator
// contract. The plain Allocate/Deallocate methods never return these
// directly — they signal shortage with a nil pointer, as mandated by the
// common allocator contract — but callers that want a reason can use the
// Err-suffixed methods and check with errors.Is.
var (
	// ErrSizeRejected is returned for allocate(0) or a size that exceeds
	// what any class/slot of the engine could ever serve.
	ErrSizeRejected = errors.New("alloc: size rejected")

	// ErrArenaExhausted is returned when no free structure can serve the
	// rounded-up size, even though the size itself is acceptable.
	ErrArenaExhausted = errors.New("alloc: arena exhausted")

	// ErrUnknownPointer is returned by Deallocate when the address was not
	// issued by this engine, or was already freed.
	ErrUnknownPointer = errors.New("alloc: unknown pointer")

	// ErrConstructionFailed is returned by engine constructors for a zero
	// capacity or a failed platform region acquisition.
	ErrConstructionFailed = errors.New("alloc: construction failed")

	// ErrUnknownKind is returned by the Factory for an unrecognised Kind.
	ErrUnknownKind = errors.New("alloc: unknown engine kind")
)
