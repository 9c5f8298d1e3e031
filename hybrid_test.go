// SPDX-License-Identifier: Apache-2.0

package alloc

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestNewHybridEngineRejectsZeroCapacity(t *testing.T) {
	_, err := NewHybridEngine(0, nil)
	require.ErrorIs(t, err, ErrConstructionFailed)
}

// TestHybridScenarioRoutesBySize mirrors spec §8 scenario 5: a default
// Hybrid(4096) routes a small request to POOL, a mid-size request to SLAB
// and an oversize request to BUDDY.
func TestHybridScenarioRoutesBySize(t *testing.T) {
	e, err := NewHybridEngine(4096, nil)
	require.NoError(t, err)

	pSmall, err := e.AllocateErr(64)
	require.NoError(t, err)
	kind, ok := e.RouteOf(pSmall)
	require.True(t, ok)
	require.Equal(t, "pool", kind)

	pMid, err := e.AllocateErr(512)
	require.NoError(t, err)
	kind, ok = e.RouteOf(pMid)
	require.True(t, ok)
	require.Equal(t, "slab", kind)

	pBig, err := e.AllocateErr(2048)
	require.NoError(t, err)
	kind, ok = e.RouteOf(pBig)
	require.True(t, ok)
	require.Equal(t, "buddy", kind)
}

func TestHybridRoutingMapMatchesServingSubEngine(t *testing.T) {
	e, err := NewHybridEngine(16384, nil)
	require.NoError(t, err)

	for _, sz := range []uintptr{8, 64, 256, 600, 3000} {
		p, err := e.AllocateErr(sz)
		require.NoError(t, err)

		route, ok := e.routing[p]
		require.True(t, ok)

		switch route.kind {
		case routePool:
			require.True(t, e.poolEngines[route.idx].arena.contains(p))
		case routeSlab:
			require.True(t, e.slabEngines[route.idx].arena.contains(p))
		default:
			require.True(t, e.buddy.arena.contains(p))
		}
	}
}

func TestHybridDeallocateUnknownPointer(t *testing.T) {
	e, err := NewHybridEngine(4096, nil)
	require.NoError(t, err)
	require.ErrorIs(t, e.DeallocateErr(e.buddy.arena.addrOf(0)), ErrUnknownPointer)
}

func TestHybridAllocateDeallocateBalancesCounters(t *testing.T) {
	e, err := NewHybridEngine(8192, nil)
	require.NoError(t, err)

	p1, err := e.AllocateErr(32)
	require.NoError(t, err)
	p2, err := e.AllocateErr(600)
	require.NoError(t, err)

	require.NoError(t, e.DeallocateErr(p1))
	require.NoError(t, e.DeallocateErr(p2))

	require.EqualValues(t, 0, e.counters.AllocatedBytes)
	require.EqualValues(t, 2, e.counters.AllocationCount)
	require.EqualValues(t, 2, e.counters.DeallocationCount)
}

func TestHybridEfficiencyScoreIsBounded(t *testing.T) {
	e, err := NewHybridEngine(8192, nil)
	require.NoError(t, err)

	_, err = e.AllocateErr(64)
	require.NoError(t, err)

	score := e.EfficiencyScore()
	require.GreaterOrEqual(t, score, 0.0)
	require.LessOrEqual(t, score, 1.0)
}

// TestHybridStatsDoesNotDeadlock guards against Stats() re-entering the
// engine mutex through a public, re-locking helper (e.g. EfficiencyScore()):
// it must return well before the timeout, not hang forever.
func TestHybridStatsDoesNotDeadlock(t *testing.T) {
	e, err := NewHybridEngine(4096, nil)
	require.NoError(t, err)

	_, err = e.AllocateErr(64)
	require.NoError(t, err)

	done := make(chan string, 1)
	go func() { done <- e.Stats() }()

	select {
	case s := <-done:
		require.Contains(t, s, "hybrid:")
		require.Contains(t, s, "efficiency=")
	case <-time.After(2 * time.Second):
		t.Fatal("HybridEngine.Stats() did not return: suspected mutex re-entry deadlock")
	}
}

func TestHybridLayoutCoversEverySubEngine(t *testing.T) {
	e, err := NewHybridEngine(8192, nil)
	require.NoError(t, err)

	_, err = e.AllocateErr(32)
	require.NoError(t, err)
	_, err = e.AllocateErr(600)
	require.NoError(t, err)
	_, err = e.AllocateErr(3000)
	require.NoError(t, err)

	layout := e.Layout()
	require.NotEmpty(t, layout)

	var sawBuddy, sawPool, sawSlab bool
	for _, entry := range layout {
		switch {
		case strings.HasPrefix(entry.Label, "buddy"):
			sawBuddy = true
		case strings.HasPrefix(entry.Label, "pool"):
			sawPool = true
		case strings.HasPrefix(entry.Label, "slab"):
			sawSlab = true
		}
	}
	require.True(t, sawBuddy)
	require.True(t, sawPool)
	require.True(t, sawSlab)
}

// TestHybridConcurrentAllocateDeallocate exercises the single-mutex
// concurrency model (spec §5): two goroutines racing balanced
// allocate/deallocate pairs must never corrupt the engine's bookkeeping.
func TestHybridConcurrentAllocateDeallocate(t *testing.T) {
	e, err := NewHybridEngine(1 << 20, nil)
	require.NoError(t, err)

	var g errgroup.Group
	for w := 0; w < 2; w++ {
		g.Go(func() error {
			for i := 0; i < 200; i++ {
				p, err := e.AllocateErr(64)
				if err != nil {
					continue
				}
				if err := e.DeallocateErr(p); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.EqualValues(t, 0, e.counters.AllocatedBytes)
}
