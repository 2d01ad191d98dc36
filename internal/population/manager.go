// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package population owns the candidate population: initial sampling,
// fitness-based selection, stochastic variation, and elitist generational
// replacement. All produced design vectors stay inside their declared
// domains; out-of-domain values never propagate downstream.
package population

import (
	"math/rand/v2"
	"sort"

	"github.com/pdiddy/etaopt/internal/sampling"
	"github.com/pdiddy/etaopt/pkg/types"
)

// OperatorStats counts, per variation operator, how many candidates it
// produced and how many of those survived a merge into the population.
type OperatorStats struct {
	Produced int
	Adopted  int
}

// Manager creates and evolves populations. It is the only component that
// mutates the active population; candidates handed to other components are
// mutated by at most one component at a time.
type Manager struct {
	cfg    *types.RunConfig
	rng    *rand.Rand
	nextID int
	stats  map[string]*OperatorStats
}

// NewManager builds a population manager from the immutable run
// configuration and a seeded RNG.
func NewManager(cfg *types.RunConfig, rng *rand.Rand) *Manager {
	return &Manager{
		cfg:   cfg,
		rng:   rng,
		stats: make(map[string]*OperatorStats),
	}
}

// Initialize draws the generation-zero population within each variable's
// domain using the configured sampling method. Domains are validated first;
// an empty or inverted domain is fatal.
func (m *Manager) Initialize() (*types.Population, error) {
	for _, d := range m.cfg.Domains {
		if err := d.Validate(); err != nil {
			return nil, err
		}
	}

	size := m.cfg.Population.Size
	var vectors []types.DesignVector
	switch m.cfg.Population.Sampling {
	case types.SamplingLatin:
		vectors = sampling.LatinHypercube(m.rng, m.cfg.Domains, size)
	default:
		vectors = sampling.Uniform(m.rng, m.cfg.Domains, size)
	}

	pop := &types.Population{Generation: 0, Members: make([]*types.Candidate, size)}
	for i, v := range vectors {
		pop.Members[i] = m.newCandidate(v, 0, opInit)
	}
	return pop, nil
}

// Select builds the breeding pool by tournament selection over scored
// feasible candidates. When fewer than two feasible candidates exist the
// pool is topped up with the least-infeasible candidates ranked by
// violation magnitude, so the search is never starved.
func (m *Manager) Select(pop *types.Population) []*types.Candidate {
	feasible := make([]*types.Candidate, 0, len(pop.Members))
	infeasible := make([]*types.Candidate, 0, len(pop.Members))
	for _, c := range pop.Members {
		if c.Feasible && c.Scored {
			feasible = append(feasible, c)
		} else {
			infeasible = append(infeasible, c)
		}
	}

	poolSize := len(pop.Members) / 2
	if poolSize < 2 {
		poolSize = 2
	}

	if len(feasible) < 2 {
		// Diversification fallback: rank infeasible candidates by how
		// badly they violate and breed from the least-bad ones.
		sort.SliceStable(infeasible, func(i, j int) bool {
			return infeasible[i].Violation < infeasible[j].Violation
		})
		pool := append([]*types.Candidate{}, feasible...)
		for _, c := range infeasible {
			if len(pool) >= poolSize {
				break
			}
			pool = append(pool, c)
		}
		return pool
	}

	pool := make([]*types.Candidate, 0, poolSize)
	for len(pool) < poolSize {
		pool = append(pool, m.tournament(feasible))
	}
	return pool
}

// tournament samples a bracket and returns its best member by fitness.
func (m *Manager) tournament(pool []*types.Candidate) *types.Candidate {
	size := m.cfg.Population.TournamentSize
	if size < 2 {
		size = 2
	}
	if size > len(pool) {
		size = len(pool)
	}

	winner := pool[m.rng.IntN(len(pool))]
	for i := 1; i < size; i++ {
		challenger := pool[m.rng.IntN(len(pool))]
		if challenger.Fitness < winner.Fitness {
			winner = challenger
		}
	}
	return winner
}

// Vary produces the next generation's fresh candidates from the breeding
// pool: a configured fraction by Levy-flight perturbation, the rest by
// blend crossover followed by uniform mutation. Every component of every
// child is reflected or clamped back into its domain.
func (m *Manager) Vary(pool []*types.Candidate, generation int) []*types.Candidate {
	need := m.cfg.Population.Size - m.cfg.Population.EliteCount
	if need < 1 {
		need = 1
	}

	children := make([]*types.Candidate, 0, need)

	nLevy := int(float64(need)*m.cfg.Population.LevyFraction + 0.5)
	for i := 0; i < nLevy && len(children) < need; i++ {
		parent := pool[m.rng.IntN(len(pool))]
		children = append(children,
			m.newCandidate(m.levyFlight(parent.Vector), generation, opLevy))
	}

	for len(children) < need {
		p1 := pool[m.rng.IntN(len(pool))]
		p2 := pool[m.rng.IntN(len(pool))]
		child := m.crossover(p1.Vector, p2.Vector)
		op := opCrossover
		if m.mutate(child) {
			op = opMutate
		}
		children = append(children, m.newCandidate(child, generation, op))
	}

	return children
}

// Merge performs elitist replacement: the best K scored feasible candidates
// of the previous generation are copied (never aliased) into the next
// population alongside the fresh children, truncated or padded to the fixed
// population size.
func (m *Manager) Merge(old *types.Population, children []*types.Candidate) *types.Population {
	size := m.cfg.Population.Size
	next := &types.Population{
		Generation: old.Generation + 1,
		Members:    make([]*types.Candidate, 0, size),
	}

	feasible := make([]*types.Candidate, 0, len(old.Members))
	for _, c := range old.Members {
		if c.Feasible && c.Scored {
			feasible = append(feasible, c)
		}
	}
	sort.SliceStable(feasible, func(i, j int) bool {
		return feasible[i].Fitness < feasible[j].Fitness
	})

	for i := 0; i < m.cfg.Population.EliteCount && i < len(feasible); i++ {
		champion := feasible[i].Clone()
		champion.Generation = next.Generation
		champion.Operator = opElite
		next.Members = append(next.Members, champion)
		m.operatorStats(opElite).Produced++
	}

	for _, c := range children {
		if len(next.Members) >= size {
			break
		}
		next.Members = append(next.Members, c)
		m.operatorStats(c.Operator).Adopted++
	}

	// Pad with fresh uniform samples when elitism plus children fall short.
	for len(next.Members) < size {
		v := sampling.Uniform(m.rng, m.cfg.Domains, 1)[0]
		next.Members = append(next.Members, m.newCandidate(v, next.Generation, opInit))
	}

	return next
}

// Stats returns the per-operator production and adoption counters.
func (m *Manager) Stats() map[string]OperatorStats {
	out := make(map[string]OperatorStats, len(m.stats))
	for op, s := range m.stats {
		out[op] = *s
	}
	return out
}

func (m *Manager) newCandidate(v types.DesignVector, generation int, operator string) *types.Candidate {
	m.nextID++
	m.operatorStats(operator).Produced++
	return &types.Candidate{
		ID:         m.nextID,
		Generation: generation,
		Vector:     v,
		Status:     types.StatusUnsubmitted,
		Operator:   operator,
	}
}

func (m *Manager) operatorStats(op string) *OperatorStats {
	s, ok := m.stats[op]
	if !ok {
		s = &OperatorStats{}
		m.stats[op] = s
	}
	return s
}
