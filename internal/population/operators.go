// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package population

import (
	"github.com/pdiddy/etaopt/internal/sampling"
	"github.com/pdiddy/etaopt/pkg/types"
)

// Variation operator names, recorded on candidates for the audit trail.
const (
	opInit      = "init"
	opLevy      = "levy"
	opCrossover = "crossover"
	opMutate    = "mutate"
	opElite     = "elite"
)

// levyFlight perturbs a parent vector with heavy-tailed steps scaled to
// each variable's domain width. Steps that exit the domain are reflected at
// the violated bound.
func (m *Manager) levyFlight(parent types.DesignVector) types.DesignVector {
	cfg := m.cfg.Population
	alpha, gamma := cfg.LevyAlpha, cfg.LevyGamma
	if alpha <= 0.3 || alpha >= 2 {
		alpha = 1.5
	}
	if gamma <= 0 {
		gamma = 1
	}
	scale := cfg.StepScale
	if scale <= 0 {
		scale = 10
	}

	child := parent.Clone()
	for i, d := range m.cfg.Domains {
		step := sampling.Levy(m.rng, alpha, gamma) * (d.Upper - d.Lower) / scale
		child[i] = d.Reflect(child[i] + step)
	}
	return child
}

// crossover blends two parents component-wise: with the configured rate a
// component is interpolated between the parents, otherwise it is inherited
// from the first parent. Blended components are clamped onto the domain.
func (m *Manager) crossover(p1, p2 types.DesignVector) types.DesignVector {
	rate := m.cfg.Population.CrossoverRate
	if rate <= 0 {
		rate = 0.5
	}

	child := p1.Clone()
	for i, d := range m.cfg.Domains {
		if m.rng.Float64() >= rate {
			continue
		}
		beta := m.rng.Float64()
		child[i] = d.Clamp(p1[i] + beta*(p2[i]-p1[i]))
	}
	return child
}

// mutate resamples components uniformly within their domain at the
// configured per-component rate, using a truncated Levy draw to bias small
// moves over full resets. Reports whether any component changed.
func (m *Manager) mutate(v types.DesignVector) bool {
	rate := m.cfg.Population.MutationRate
	if rate <= 0 {
		return false
	}

	changed := false
	for i, d := range m.cfg.Domains {
		if m.rng.Float64() >= rate {
			continue
		}
		frac := sampling.TLF(m.rng, 1.5, 1.0, 20)
		if m.rng.IntN(2) == 0 {
			frac = -frac
		}
		v[i] = d.Reflect(v[i] + frac*(d.Upper-d.Lower))
		changed = true
	}
	return changed
}
