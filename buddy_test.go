// SPDX-License-Identifier: Apache-2.0

package alloc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuddyEngineRejectsZeroCapacity(t *testing.T) {
	_, err := NewBuddyEngine(0)
	require.ErrorIs(t, err, ErrConstructionFailed)
}

func TestBuddyAllocateZeroIsSizeRejected(t *testing.T) {
	e, err := NewBuddyEngine(1024)
	require.NoError(t, err)

	ptr, err := e.AllocateErr(0)
	require.Nil(t, ptr)
	require.ErrorIs(t, err, ErrSizeRejected)
}

// TestBuddyScenarioSplitAllocateFreeCoalesce walks the worked example from
// spec §8 scenario 1: capacity 1024, min_block 32, three allocations of
// 64/128/32 bytes that must not overlap, followed by freeing everything
// back down to a single coalesced root.
func TestBuddyScenarioSplitAllocateFreeCoalesce(t *testing.T) {
	e, err := newBuddyEngine(1024, 32)
	require.NoError(t, err)

	p1, err := e.AllocateErr(64)
	require.NoError(t, err)
	p2, err := e.AllocateErr(128)
	require.NoError(t, err)
	p3, err := e.AllocateErr(32)
	require.NoError(t, err)

	require.NotEqual(t, p1, p2)
	require.NotEqual(t, p2, p3)
	require.NotEqual(t, p1, p3)

	o1, _ := e.arena.offsetOf(p1)
	o2, _ := e.arena.offsetOf(p2)
	o3, _ := e.arena.offsetOf(p3)
	require.False(t, rangesOverlap(o1, 64, o2, 128))
	require.False(t, rangesOverlap(o2, 128, o3, 32))
	require.False(t, rangesOverlap(o1, 64, o3, 32))

	require.GreaterOrEqual(t, e.counters.Splits, int64(3))

	require.NoError(t, e.DeallocateErr(p1))
	require.NoError(t, e.DeallocateErr(p2))
	require.NoError(t, e.DeallocateErr(p3))

	require.GreaterOrEqual(t, e.counters.Coalesces, int64(3))
	require.EqualValues(t, 0, e.counters.AllocatedBytes)
	require.Equal(t, 1, e.leafCount())
	require.True(t, e.nodes[0].free)
}

func TestBuddyLeafCountInvariant(t *testing.T) {
	e, err := newBuddyEngine(1024, 32)
	require.NoError(t, err)

	_, err = e.AllocateErr(64)
	require.NoError(t, err)
	_, err = e.AllocateErr(128)
	require.NoError(t, err)

	require.Equal(t, int(e.counters.Splits+1-e.counters.Coalesces), e.leafCount())
}

func TestBuddyAllocateBeyondMaxBlockIsArenaExhausted(t *testing.T) {
	e, err := newBuddyEngine(1024, 32)
	require.NoError(t, err)

	ptr, err := e.AllocateErr(4096)
	require.Nil(t, ptr)
	require.ErrorIs(t, err, ErrArenaExhausted)
}

func TestBuddyDeallocateUnknownPointer(t *testing.T) {
	e, err := NewBuddyEngine(1024)
	require.NoError(t, err)

	other, err := NewBuddyEngine(1024)
	require.NoError(t, err)
	foreign, err := other.AllocateErr(32)
	require.NoError(t, err)

	err = e.DeallocateErr(foreign)
	require.ErrorIs(t, err, ErrUnknownPointer)
}

func TestBuddyDeallocateNilIsNoop(t *testing.T) {
	e, err := NewBuddyEngine(1024)
	require.NoError(t, err)
	require.NoError(t, e.DeallocateErr(nil))
}

func TestBuddyResetReturnsToSingleFreeRoot(t *testing.T) {
	e, err := newBuddyEngine(1024, 32)
	require.NoError(t, err)

	_, err = e.AllocateErr(64)
	require.NoError(t, err)

	e.Reset()
	require.Equal(t, 1, e.leafCount())
	require.EqualValues(t, 0, e.counters.AllocatedBytes)
	require.EqualValues(t, 1024, e.TotalMemory())
}

func TestBuddyStatsAndLayoutSmoke(t *testing.T) {
	e, err := newBuddyEngine(1024, 32)
	require.NoError(t, err)

	_, err = e.AllocateErr(64)
	require.NoError(t, err)

	require.Contains(t, e.Stats(), "buddy:")

	layout := e.Layout()
	require.NotEmpty(t, layout)
	for _, entry := range layout {
		require.Equal(t, "buddy-leaf", entry.Label)
	}
}

func rangesOverlap(aStart, aLen, bStart, bLen uintptr) bool {
	aEnd := aStart + aLen
	bEnd := bStart + bLen
	return aStart < bEnd && bStart < aEnd
}
