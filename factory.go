// SPDX-License-Identifier: Apache-2.0

package alloc

// defaultSlabObjectSize and defaultSlabObjectsPerSlab are the documented
// Factory defaults for a standalone Slab Engine (spec §4.6).
const (
	defaultSlabObjectSize     uintptr = 64
	defaultSlabObjectsPerSlab int     = 32
)

// defaultPoolClasses is the documented Factory default for a standalone
// Pool Engine (spec §4.6): four classes with decreasing block counts.
func defaultPoolClasses() []PoolClassSpec {
	return []PoolClassSpec{
		{BlockSize: 32, Count: 100},
		{BlockSize: 64, Count: 80},
		{BlockSize: 128, Count: 60},
		{BlockSize: 256, Count: 40},
	}
}

// FactoryConfig overrides the documented per-kind defaults New dispatches
// on. A zero-value field means "use the default for this kind".
type FactoryConfig struct {
	SlabObjectSize     uintptr
	SlabObjectsPerSlab int
	PoolClasses        []PoolClassSpec
	HybridPolicy       *HybridPolicy
}

// FactoryOption customises a FactoryConfig before construction.
type FactoryOption func(*FactoryConfig)

// WithSlabObjectSize overrides the Factory's default Slab object size.
func WithSlabObjectSize(size uintptr) FactoryOption {
	return func(cfg *FactoryConfig) { cfg.SlabObjectSize = size }
}

// WithSlabObjectsPerSlab overrides the Factory's default Slab capacity.
func WithSlabObjectsPerSlab(n int) FactoryOption {
	return func(cfg *FactoryConfig) { cfg.SlabObjectsPerSlab = n }
}

// WithPoolClasses overrides the Factory's default Pool class menu.
func WithPoolClasses(classes []PoolClassSpec) FactoryOption {
	return func(cfg *FactoryConfig) { cfg.PoolClasses = classes }
}

// WithHybridPolicy overrides the Factory's default Hybrid split policy.
func WithHybridPolicy(p HybridPolicy) FactoryOption {
	return func(cfg *FactoryConfig) { cfg.HybridPolicy = &p }
}

// New builds the engine identified by kind over the given capacity,
// applying documented defaults for whichever FactoryOptions are not
// supplied. It is the single entry point spec §4.6 calls the Factory.
// KindPool does not use capacity: a Pool Engine's arena is sized by its
// class table alone.
func New(kind Kind, capacity uintptr, factoryOpts []FactoryOption, opts ...Option) (VerboseEngine, error) {
	cfg := FactoryConfig{
		SlabObjectSize:     defaultSlabObjectSize,
		SlabObjectsPerSlab: defaultSlabObjectsPerSlab,
		PoolClasses:        defaultPoolClasses(),
	}
	for _, fo := range factoryOpts {
		fo(&cfg)
	}
	if cfg.SlabObjectSize == 0 {
		cfg.SlabObjectSize = defaultSlabObjectSize
	}
	if cfg.SlabObjectsPerSlab == 0 {
		cfg.SlabObjectsPerSlab = defaultSlabObjectsPerSlab
	}
	if len(cfg.PoolClasses) == 0 {
		cfg.PoolClasses = defaultPoolClasses()
	}

	switch kind {
	case KindBuddy:
		return NewBuddyEngine(capacity, opts...)
	case KindSlab:
		return NewSlabEngine(cfg.SlabObjectSize, cfg.SlabObjectsPerSlab, capacity, opts...)
	case KindPool:
		return NewPoolEngine(cfg.PoolClasses, opts...)
	case KindHybrid:
		return NewHybridEngine(capacity, cfg.HybridPolicy, opts...)
	default:
		return nil, ErrUnknownKind
	}
}
