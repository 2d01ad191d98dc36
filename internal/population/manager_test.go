// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package population

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/etaopt/pkg/types"
)

func testConfig() *types.RunConfig {
	return &types.RunConfig{
		Seed: 1,
		Domains: []types.VariableDomain{
			{Name: "r_inner", Lower: 0, Upper: 5, Unit: "cm"},
			{Name: "r_outer", Lower: 5, Upper: 20, Unit: "cm"},
			{Name: "layers", Lower: 1, Upper: 6, Step: 1},
		},
		Population: types.PopulationConfig{
			Size:           12,
			Sampling:       types.SamplingLatin,
			EliteCount:     2,
			TournamentSize: 3,
			LevyFraction:   0.4,
			CrossoverRate:  0.6,
			MutationRate:   0.2,
			LevyAlpha:      1.5,
			LevyGamma:      1.0,
			StepScale:      10,
		},
	}
}

func newManager(t *testing.T, cfg *types.RunConfig) *Manager {
	t.Helper()
	return NewManager(cfg, rand.New(rand.NewPCG(uint64(cfg.Seed), uint64(cfg.Seed))))
}

func scored(c *types.Candidate, fitness float64) *types.Candidate {
	c.Status = types.StatusComplete
	c.Feasible = true
	c.Scored = true
	c.Fitness = fitness
	return c
}

func TestInitializeSizeAndDomains(t *testing.T) {
	cfg := testConfig()
	m := newManager(t, cfg)

	pop, err := m.Initialize()
	require.NoError(t, err)

	assert.Equal(t, 0, pop.Generation)
	require.Len(t, pop.Members, cfg.Population.Size)
	for _, c := range pop.Members {
		assert.Equal(t, types.StatusUnsubmitted, c.Status)
		assert.True(t, c.Vector.InDomain(cfg.Domains))
	}
}

func TestInitializeRejectsInvertedDomain(t *testing.T) {
	cfg := testConfig()
	cfg.Domains[1] = types.VariableDomain{Name: "bad", Lower: 10, Upper: 3}
	m := newManager(t, cfg)

	_, err := m.Initialize()
	require.Error(t, err)
	var verr *types.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestSelectPrefersFeasibleByFitness(t *testing.T) {
	cfg := testConfig()
	m := newManager(t, cfg)
	pop, err := m.Initialize()
	require.NoError(t, err)

	for i, c := range pop.Members {
		scored(c, float64(i))
	}

	pool := m.Select(pop)
	require.NotEmpty(t, pool)
	for _, c := range pool {
		assert.True(t, c.Feasible)
	}
}

func TestSelectFallsBackWhenStarved(t *testing.T) {
	cfg := testConfig()
	m := newManager(t, cfg)
	pop, err := m.Initialize()
	require.NoError(t, err)

	// One feasible candidate is not enough to breed; the pool must include
	// least-infeasible candidates ranked by violation.
	scored(pop.Members[0], 1.0)
	for i, c := range pop.Members[1:] {
		c.Status = types.StatusInfeasible
		c.Feasible = false
		c.Violation = float64(len(pop.Members) - i)
	}

	pool := m.Select(pop)
	require.GreaterOrEqual(t, len(pool), 2)
	assert.Contains(t, pool, pop.Members[0])
	// The least-violating infeasible candidate is the last member.
	assert.Contains(t, pool, pop.Members[len(pop.Members)-1])
}

func TestSelectStarvedPrefersMeasuredViolations(t *testing.T) {
	cfg := testConfig()
	m := newManager(t, cfg)
	pop, err := m.Initialize()
	require.NoError(t, err)

	// Half the population crashed the simulator and carries an unknown
	// (infinite) violation; the rest have small measured violations. The
	// fallback pool must breed from the measured ones.
	for i, c := range pop.Members {
		c.Status = types.StatusInfeasible
		c.Feasible = false
		if i < len(pop.Members)/2 {
			c.Violation = math.Inf(1)
		} else {
			c.Violation = 0.2
		}
	}

	pool := m.Select(pop)
	require.NotEmpty(t, pool)
	for _, c := range pool {
		assert.False(t, math.IsInf(c.Violation, 1))
	}
}

func TestVaryStaysInDomainOverManyGenerations(t *testing.T) {
	cfg := testConfig()
	m := newManager(t, cfg)
	pop, err := m.Initialize()
	require.NoError(t, err)
	for i, c := range pop.Members {
		scored(c, float64(i))
	}

	// Property check: no variation sequence may escape the domain.
	for gen := 1; gen <= 25; gen++ {
		pool := m.Select(pop)
		children := m.Vary(pool, gen)
		require.Len(t, children, cfg.Population.Size-cfg.Population.EliteCount)
		for _, c := range children {
			require.True(t, c.Vector.InDomain(cfg.Domains),
				"generation %d produced out-of-domain vector %v", gen, c.Vector)
		}
		pop = m.Merge(pop, children)
		for i, c := range pop.Members {
			if !c.Scored {
				scored(c, float64(i))
			}
		}
	}
}

func TestMergeKeepsPopulationSizeAndElites(t *testing.T) {
	cfg := testConfig()
	m := newManager(t, cfg)
	pop, err := m.Initialize()
	require.NoError(t, err)
	for i, c := range pop.Members {
		scored(c, float64(len(pop.Members)-i)) // best fitness is the last member
	}
	best := pop.Members[len(pop.Members)-1]

	children := m.Vary(m.Select(pop), 1)
	next := m.Merge(pop, children)

	assert.Equal(t, 1, next.Generation)
	require.Len(t, next.Members, cfg.Population.Size)

	// The champion is copied, not aliased.
	champion := next.Members[0]
	assert.Equal(t, best.Vector, champion.Vector)
	assert.Equal(t, best.Fitness, champion.Fitness)
	assert.NotSame(t, best, champion)
	champion.Vector[0] = -999
	assert.NotEqual(t, best.Vector[0], champion.Vector[0])
}

func TestMergePadsWhenChildrenFallShort(t *testing.T) {
	cfg := testConfig()
	m := newManager(t, cfg)
	pop, err := m.Initialize()
	require.NoError(t, err)
	for i, c := range pop.Members {
		scored(c, float64(i))
	}

	next := m.Merge(pop, nil)
	require.Len(t, next.Members, cfg.Population.Size)
	for _, c := range next.Members {
		assert.True(t, c.Vector.InDomain(cfg.Domains))
	}
}

func TestOperatorStatsAccumulate(t *testing.T) {
	cfg := testConfig()
	m := newManager(t, cfg)
	pop, err := m.Initialize()
	require.NoError(t, err)
	for i, c := range pop.Members {
		scored(c, float64(i))
	}

	children := m.Vary(m.Select(pop), 1)
	m.Merge(pop, children)

	stats := m.Stats()
	assert.Equal(t, cfg.Population.Size, stats["init"].Produced)
	total := 0
	for op, s := range stats {
		if op == "init" || op == "elite" {
			continue
		}
		total += s.Produced
	}
	assert.Equal(t, cfg.Population.Size-cfg.Population.EliteCount, total)
}
