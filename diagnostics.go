// SPDX-License-Identifier: Apache-2.0

package alloc

import (
	"sync"

	"go.uber.org/zap"

	"github.com/chudinhhien/memalloc/allocmetrics"
)

// engineConfig carries the ambient, optional concerns every engine
// constructor accepts through functional Options: a diagnostics sink and a
// metrics meter. Neither is required — the core functions with both unset,
// per the "diagnostics must be a pluggable sink" design note.
type engineConfig struct {
	logger *zap.Logger
	meter  *allocmetrics.Meter
	label  string
}

func newEngineConfig(defaultLabel string, opts ...Option) engineConfig {
	cfg := engineConfig{logger: defaultNopLogger(), label: defaultLabel}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Option configures ambient behaviour of an engine or the Factory. It never
// changes allocation semantics — only how an engine reports itself.
type Option func(*engineConfig)

// WithLogger wires a structured logger into an engine's diagnostics. A nil
// logger is ignored, leaving the no-op default in place.
func WithLogger(l *zap.Logger) Option {
	return func(cfg *engineConfig) {
		if l != nil {
			cfg.logger = l
		}
	}
}

// WithMeter wires a Prometheus meter into an engine. Counters are published
// on every successful Allocate/Deallocate when a meter is set.
func WithMeter(m *allocmetrics.Meter) Option {
	return func(cfg *engineConfig) {
		cfg.meter = m
	}
}

// WithLabel overrides the engine label used in diagnostics and metrics
// (e.g. so a Hybrid Engine can label its sub-engines "hybrid.pool.32").
func WithLabel(label string) Option {
	return func(cfg *engineConfig) {
		if label != "" {
			cfg.label = label
		}
	}
}

// publish snapshots counters to the wired meter, if any. Callers hold the
// engine mutex already; this never blocks on I/O.
func (cfg *engineConfig) publish(c Counters, fragmentation int) {
	if cfg.meter == nil {
		return
	}
	cfg.meter.Observe(cfg.label, allocmetrics.Counters{
		AllocatedBytes:    c.AllocatedBytes,
		AllocationCount:   c.AllocationCount,
		DeallocationCount: c.DeallocationCount,
		Splits:            c.Splits,
		Coalesces:         c.Coalesces,
		FailedCoalesces:   c.FailedCoalesces,
	})
	cfg.meter.SetFragmentation(cfg.label, fragmentation)
}

// publishEfficiency snapshots an efficiency score to the wired meter, if
// any. Only the Hybrid Engine has a meaningful efficiency score to report.
func (cfg *engineConfig) publishEfficiency(score float64) {
	if cfg.meter == nil {
		return
	}
	cfg.meter.SetEfficiency(cfg.label, score)
}

// defaultLoggerOnce guards the lazy initialisation of the shared no-op
// logger that defaultNopLogger returns.
var (
	defaultLoggerOnce sync.Once
	defaultLogger     *zap.Logger
)

// defaultNopLogger returns the shared no-op logger used when no Option
// supplies one. Keeping a single shared instance avoids an allocation per
// engine for the overwhelmingly common "diagnostics disabled" case.
func defaultNopLogger() *zap.Logger {
	defaultLoggerOnce.Do(func() {
		defaultLogger = zap.NewNop()
	})
	return defaultLogger
}
