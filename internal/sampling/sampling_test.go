// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package sampling

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/etaopt/pkg/types"
)

func testDomains() []types.VariableDomain {
	return []types.VariableDomain{
		{Name: "thickness", Lower: 0, Upper: 10, Unit: "cm"},
		{Name: "density", Lower: 0.5, Upper: 19.3, Unit: "g/cc"},
		{Name: "segments", Lower: 1, Upper: 8, Step: 1},
	}
}

func newRNG() *rand.Rand {
	return rand.New(rand.NewPCG(42, 42))
}

func TestUniformStaysInDomain(t *testing.T) {
	domains := testDomains()
	samples := Uniform(newRNG(), domains, 200)

	require.Len(t, samples, 200)
	for _, v := range samples {
		assert.True(t, v.InDomain(domains), "sample %v escaped its domain", v)
	}
}

func TestUniformSnapsDiscreteVariables(t *testing.T) {
	domains := testDomains()
	for _, v := range Uniform(newRNG(), domains, 100) {
		k := v[2] - 1 // segments has step 1 from lower bound 1
		assert.InDelta(t, k, float64(int(k+0.5)), 1e-9,
			"discrete variable %g not on step grid", v[2])
	}
}

func TestLatinHypercubeCoversStrata(t *testing.T) {
	domains := []types.VariableDomain{{Name: "x", Lower: 0, Upper: 1}}
	n := 10
	samples := LatinHypercube(newRNG(), domains, n)
	require.Len(t, samples, n)

	// Each of the 10 strata [k/10, (k+1)/10) must hold exactly one sample.
	seen := make(map[int]int)
	for _, v := range samples {
		stratum := int(v[0] * float64(n))
		if stratum == n {
			stratum = n - 1
		}
		seen[stratum]++
	}
	assert.Len(t, seen, n)
	for stratum, count := range seen {
		assert.Equal(t, 1, count, "stratum %d", stratum)
	}
}

func TestLatinHypercubeStaysInDomain(t *testing.T) {
	domains := testDomains()
	for _, v := range LatinHypercube(newRNG(), domains, 50) {
		assert.True(t, v.InDomain(domains))
	}
}

func TestTLFBounded(t *testing.T) {
	rng := newRNG()
	for i := 0; i < 1000; i++ {
		v := TLF(rng, 1.5, 1.0, 20)
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0)
	}
}

func TestLevyProducesHeavyTail(t *testing.T) {
	rng := newRNG()
	large := 0
	for i := 0; i < 5000; i++ {
		if v := Levy(rng, 1.5, 1.0); v > 2 || v < -2 {
			large++
		}
	}
	// A Gaussian would put ~0.2% of mass beyond 2 sigma-equivalents; a
	// Levy-stable draw with alpha=1.5 puts far more.
	assert.Greater(t, large, 50)
}

func TestSamplingIsReproducible(t *testing.T) {
	domains := testDomains()
	a := Uniform(rand.New(rand.NewPCG(7, 7)), domains, 20)
	b := Uniform(rand.New(rand.NewPCG(7, 7)), domains, 20)
	assert.Equal(t, a, b)
}
