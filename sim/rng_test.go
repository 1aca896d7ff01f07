package sim

import (
	"math"
	"math/rand"
	"testing"
)

// === RunKey Tests ===

func TestRunKey_Creation(t *testing.T) {
	tests := []struct {
		name string
		seed int64
	}{
		{"positive seed", 42},
		{"zero seed", 0},
		{"negative seed", -1},
		{"max int64", math.MaxInt64},
		{"min int64", math.MinInt64},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := NewRunKey(tt.seed)
			if int64(key) != tt.seed {
				t.Errorf("NewRunKey(%d) = %d, want %d", tt.seed, key, tt.seed)
			}
		})
	}
}

// === PartitionedRNG Tests ===

func TestPartitionedRNG_DeterministicDerivation(t *testing.T) {
	// BDD: Same key+name produces same sequence
	rng1 := NewPartitionedRNG(NewRunKey(42))
	rng2 := NewPartitionedRNG(NewRunKey(42))

	for i := 0; i < 3; i++ {
		v1 := rng1.ForSubsystem(SubsystemResampler).Float64()
		v2 := rng2.ForSubsystem(SubsystemResampler).Float64()
		if v1 != v2 {
			t.Errorf("Value %d: got %v and %v, want identical", i, v1, v2)
		}
	}
}

func TestPartitionedRNG_SubsystemIsolation(t *testing.T) {
	// BDD: Drawing heuristic values doesn't shift the resampler stream
	rngA := NewPartitionedRNG(NewRunKey(42))
	rngB := NewPartitionedRNG(NewRunKey(42))

	for i := 0; i < 10; i++ {
		rngA.ForSubsystem(SubsystemHeuristic).Float64()
	}
	for i := 0; i < 5; i++ {
		rngB.ForSubsystem(SubsystemResampler).Float64()
	}

	aFirst := rngA.ForSubsystem(SubsystemResampler).Float64()
	bSixth := rngB.ForSubsystem(SubsystemResampler).Float64()

	expectedFirst := NewPartitionedRNG(NewRunKey(42)).ForSubsystem(SubsystemResampler).Float64()
	if aFirst != expectedFirst {
		t.Errorf("A's resampler first value = %v, want %v (isolation broken)", aFirst, expectedFirst)
	}
	if bSixth == expectedFirst {
		t.Error("B's 6th resampler value equals 1st value - unexpected")
	}
}

func TestPartitionedRNG_PriorUsesMasterSeed(t *testing.T) {
	// BDD: "prior" subsystem uses master seed directly
	seed := int64(42)
	prior := NewPartitionedRNG(NewRunKey(seed)).ForSubsystem(SubsystemPrior)
	direct := rand.New(rand.NewSource(seed))

	for i := 0; i < 10; i++ {
		if got, want := prior.Float64(), direct.Float64(); got != want {
			t.Errorf("Value %d: prior RNG = %v, direct RNG = %v", i, got, want)
		}
	}
}

func TestPartitionedRNG_CachesInstance(t *testing.T) {
	rng := NewPartitionedRNG(NewRunKey(42))
	if rng.ForSubsystem(SubsystemBinarize) != rng.ForSubsystem(SubsystemBinarize) {
		t.Error("ForSubsystem returned different instances for same name")
	}
}

func TestPartitionedRNG_Key(t *testing.T) {
	rng := NewPartitionedRNG(NewRunKey(12345))
	if rng.Key() != RunKey(12345) {
		t.Errorf("Key() = %v, want %v", rng.Key(), 12345)
	}
}

func TestPartitionedRNG_ExtremeSeeds(t *testing.T) {
	for _, seed := range []int64{0, math.MinInt64, math.MaxInt64} {
		rng := NewPartitionedRNG(NewRunKey(seed))
		for _, name := range []string{SubsystemPrior, SubsystemResampler, SubsystemHeuristic, SubsystemBinarize, SubsystemApparatus} {
			r := rng.ForSubsystem(name)
			if r == nil {
				t.Fatalf("ForSubsystem(%q) returned nil with seed %d", name, seed)
			}
			if v := r.Float64(); v < 0 || v >= 1 {
				t.Errorf("Float64() returned %v, want [0, 1)", v)
			}
		}
	}
}

func TestPartitionedRNG_LazyInitialization(t *testing.T) {
	rng := NewPartitionedRNG(NewRunKey(42))
	if len(rng.subsystems) != 0 {
		t.Errorf("New PartitionedRNG has %d subsystems, want 0", len(rng.subsystems))
	}
	rng.ForSubsystem(SubsystemApparatus)
	if len(rng.subsystems) != 1 {
		t.Errorf("After one ForSubsystem call, have %d subsystems, want 1", len(rng.subsystems))
	}
}

// === fnv1a64 Tests ===

func TestFnv1a64_Deterministic(t *testing.T) {
	input := "test_subsystem"
	if fnv1a64(input) != fnv1a64(input) {
		t.Errorf("fnv1a64(%q) not deterministic", input)
	}
}

func TestFnv1a64_Collision(t *testing.T) {
	names := []string{SubsystemPrior, SubsystemResampler, SubsystemHeuristic, SubsystemBinarize, SubsystemApparatus, ""}
	hashes := make(map[int64]string)
	for _, name := range names {
		h := fnv1a64(name)
		if existing, ok := hashes[h]; ok {
			t.Errorf("Hash collision: %q and %q both hash to %d", name, existing, h)
		}
		hashes[h] = name
	}
}
