// SPDX-License-Identifier: Apache-2.0

package alloc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewPoolEngineRejectsEmptySpecs(t *testing.T) {
	_, err := NewPoolEngine(nil)
	require.ErrorIs(t, err, ErrConstructionFailed)
}

func TestNewPoolEngineRejectsBlockSizeTooSmallForFreeListPointer(t *testing.T) {
	_, err := NewPoolEngine([]PoolClassSpec{{BlockSize: 2, Count: 4}})
	require.ErrorIs(t, err, ErrConstructionFailed)
}

// TestPoolScenarioSizeRejectedVsArenaExhausted mirrors spec §8 scenario 4:
// classes {(32,2),(128,2)}; a request larger than every class is rejected
// outright, while a request that fits a class whose blocks are all in use
// is arena-exhausted instead.
func TestPoolScenarioSizeRejectedVsArenaExhausted(t *testing.T) {
	e, err := NewPoolEngine([]PoolClassSpec{{BlockSize: 32, Count: 2}, {BlockSize: 128, Count: 2}})
	require.NoError(t, err)

	_, err = e.AllocateErr(20)
	require.NoError(t, err)
	_, err = e.AllocateErr(100)
	require.NoError(t, err)

	ptr, err := e.AllocateErr(200)
	require.Nil(t, ptr)
	require.ErrorIs(t, err, ErrSizeRejected)

	_, err = e.AllocateErr(32)
	require.NoError(t, err)
	_, err = e.AllocateErr(32)
	require.NoError(t, err)

	ptr, err = e.AllocateErr(10)
	require.Nil(t, ptr)
	require.ErrorIs(t, err, ErrArenaExhausted)
}

func TestPoolAllocateUsesSmallestSufficientClassWithCapacity(t *testing.T) {
	e, err := NewPoolEngine([]PoolClassSpec{{BlockSize: 32, Count: 1}, {BlockSize: 64, Count: 1}})
	require.NoError(t, err)

	p1, err := e.AllocateErr(16)
	require.NoError(t, err)
	off1, _ := e.arena.offsetOf(p1)
	require.Less(t, off1, uintptr(32))

	p2, err := e.AllocateErr(16)
	require.NoError(t, err)
	off2, _ := e.arena.offsetOf(p2)
	require.GreaterOrEqual(t, off2, uintptr(32))
}

func TestPoolDeallocateReturnsBlockToItsClass(t *testing.T) {
	e, err := NewPoolEngine([]PoolClassSpec{{BlockSize: 32, Count: 2}})
	require.NoError(t, err)

	p1, err := e.AllocateErr(32)
	require.NoError(t, err)
	require.NoError(t, e.DeallocateErr(p1))
	require.Equal(t, 2, e.classes[0].freeBlocks)

	p2, err := e.AllocateErr(32)
	require.NoError(t, err)
	require.Equal(t, p1, p2)
}

func TestPoolDeallocateMisalignedOffsetIsUnknownPointer(t *testing.T) {
	e, err := NewPoolEngine([]PoolClassSpec{{BlockSize: 32, Count: 2}})
	require.NoError(t, err)

	p, err := e.AllocateErr(32)
	require.NoError(t, err)

	misaligned := e.arena.addrOf(1)
	_ = p
	require.ErrorIs(t, e.DeallocateErr(misaligned), ErrUnknownPointer)
}

func TestPoolFragmentationFormula(t *testing.T) {
	e, err := NewPoolEngine([]PoolClassSpec{{BlockSize: 32, Count: 2}, {BlockSize: 64, Count: 2}})
	require.NoError(t, err)

	_, err = e.AllocateErr(32)
	require.NoError(t, err)

	totalFree := uintptr(32 + 64*2)
	largest := uintptr(64 * 2)
	want := int(100 * (totalFree - largest) / totalFree)
	require.Equal(t, want, e.Fragmentation())
}

func TestPoolStatsAndLayoutSmoke(t *testing.T) {
	e, err := NewPoolEngine([]PoolClassSpec{{BlockSize: 32, Count: 2}})
	require.NoError(t, err)

	_, err = e.AllocateErr(32)
	require.NoError(t, err)

	require.Contains(t, e.Stats(), "pool:")

	layout := e.Layout()
	require.Len(t, layout, 2)
	require.Equal(t, "pool-class:32", layout[0].Label)
}

func TestPoolResetRestoresAllClasses(t *testing.T) {
	e, err := NewPoolEngine([]PoolClassSpec{{BlockSize: 32, Count: 2}})
	require.NoError(t, err)

	_, err = e.AllocateErr(32)
	require.NoError(t, err)
	e.Reset()

	require.Equal(t, 2, e.classes[0].freeBlocks)
	require.EqualValues(t, 0, e.counters.AllocatedBytes)
}
