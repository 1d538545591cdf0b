package matching

import (
	"hash/fnv"
	"math/rand"
)

// RunKey uniquely identifies a reproducible matching run. Two runs with the
// same RunKey and identical input and configuration MUST produce deeply
// identical results.
type RunKey int64

// NewRunKey creates a RunKey from a seed value.
func NewRunKey(seed int64) RunKey {
	return RunKey(seed)
}

// SubsystemSampling is the RNG subsystem feeding stratified sampling draws.
const SubsystemSampling = "sampling"

// PartitionedRNG provides deterministic, isolated RNG instances per
// subsystem, seeded as masterSeed XOR fnv1a64(subsystemName). Draws in one
// subsystem never shift another subsystem's stream, so adding a randomized
// step cannot change existing results.
//
// Not safe for concurrent use.
type PartitionedRNG struct {
	key        RunKey
	subsystems map[string]*rand.Rand
}

// NewPartitionedRNG creates a PartitionedRNG from a RunKey.
func NewPartitionedRNG(key RunKey) *PartitionedRNG {
	return &PartitionedRNG{
		key:        key,
		subsystems: make(map[string]*rand.Rand),
	}
}

// ForSubsystem returns the deterministically seeded RNG for the named
// subsystem. The same name always returns the same cached instance.
// Never returns nil.
func (p *PartitionedRNG) ForSubsystem(name string) *rand.Rand {
	if rng, ok := p.subsystems[name]; ok {
		return rng
	}
	rng := rand.New(rand.NewSource(int64(p.key) ^ fnv1a64(name)))
	p.subsystems[name] = rng
	return rng
}

// Key returns the RunKey used to create this PartitionedRNG.
func (p *PartitionedRNG) Key() RunKey {
	return p.key
}

// fnv1a64 computes a 64-bit FNV-1a hash of the input string.
func fnv1a64(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}
