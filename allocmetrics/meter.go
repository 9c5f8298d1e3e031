// SPDX-License-Identifier: Apache-2.0

// Package allocmetrics exposes allocator engine counters as Prometheus
// instruments. Wiring a Meter into an engine is optional; engines built
// without one simply skip the Observe/SetEfficiency calls.
package allocmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Meter collects per-engine counters under a single Prometheus registerer.
// One Meter can be shared across several engines; each Observe call is
// labelled by the caller-provided engine name (e.g. "buddy", "hybrid.pool").
type Meter struct {
	allocatedBytes    *prometheus.GaugeVec
	allocationCount   *prometheus.GaugeVec
	deallocationCount *prometheus.GaugeVec
	splits            *prometheus.GaugeVec
	coalesces         *prometheus.GaugeVec
	failedCoalesces   *prometheus.GaugeVec
	efficiency        *prometheus.GaugeVec
	fragmentation     *prometheus.GaugeVec
}

// New creates a Meter that registers its instruments against reg. Passing
// prometheus.NewRegistry() keeps the instruments isolated for tests; passing
// prometheus.DefaultRegisterer wires them into the process-wide /metrics
// endpoint a host application may expose.
func New(reg prometheus.Registerer) *Meter {
	factory := promauto.With(reg)
	return &Meter{
		allocatedBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "memalloc",
			Name:      "allocated_bytes",
			Help:      "Bytes currently allocated by the engine.",
		}, []string{"engine"}),
		allocationCount: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "memalloc",
			Name:      "allocations_total",
			Help:      "Total number of successful allocations observed so far.",
		}, []string{"engine"}),
		deallocationCount: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "memalloc",
			Name:      "deallocations_total",
			Help:      "Total number of deallocations observed so far.",
		}, []string{"engine"}),
		splits: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "memalloc",
			Name:      "buddy_splits_total",
			Help:      "Total number of buddy-block splits observed so far.",
		}, []string{"engine"}),
		coalesces: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "memalloc",
			Name:      "buddy_coalesces_total",
			Help:      "Total number of buddy-block coalesces observed so far.",
		}, []string{"engine"}),
		failedCoalesces: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "memalloc",
			Name:      "buddy_failed_coalesces_total",
			Help:      "Total number of coalesce attempts that could not proceed.",
		}, []string{"engine"}),
		efficiency: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "memalloc",
			Name:      "efficiency_score",
			Help:      "utilization * (1 - fragmentation/100), in [0,1].",
		}, []string{"engine"}),
		fragmentation: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "memalloc",
			Name:      "fragmentation_percent",
			Help:      "Engine-reported fragmentation percentage, in [0,100].",
		}, []string{"engine"}),
	}
}

// Counters mirrors the engine-local bookkeeping fields without importing the
// root allocator package, which would create an import cycle.
type Counters struct {
	AllocatedBytes    int64
	AllocationCount   int64
	DeallocationCount int64
	Splits            int64
	Coalesces         int64
	FailedCoalesces   int64
}

// Observe publishes a Counters snapshot under the given engine label.
func (m *Meter) Observe(engine string, c Counters) {
	if m == nil {
		return
	}
	m.allocatedBytes.WithLabelValues(engine).Set(float64(c.AllocatedBytes))
	m.allocationCount.WithLabelValues(engine).Set(float64(c.AllocationCount))
	m.deallocationCount.WithLabelValues(engine).Set(float64(c.DeallocationCount))
	m.splits.WithLabelValues(engine).Set(float64(c.Splits))
	m.coalesces.WithLabelValues(engine).Set(float64(c.Coalesces))
	m.failedCoalesces.WithLabelValues(engine).Set(float64(c.FailedCoalesces))
}

// SetFragmentation publishes the engine's current fragmentation percentage.
func (m *Meter) SetFragmentation(engine string, percent int) {
	if m == nil {
		return
	}
	m.fragmentation.WithLabelValues(engine).Set(float64(percent))
}

// SetEfficiency publishes the Hybrid engine's efficiency score.
func (m *Meter) SetEfficiency(engine string, score float64) {
	if m == nil {
		return
	}
	m.efficiency.WithLabelValues(engine).Set(score)
}
