// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package objective

import "github.com/pdiddy/etaopt/pkg/types"

// Dominates reports whether vector a Pareto-dominates vector b: no worse in
// every component and strictly better in at least one. Lower is better.
func Dominates(a, b []float64) bool {
	if len(a) != len(b) || len(a) == 0 {
		return false
	}
	strict := false
	for i := range a {
		if a[i] > b[i] {
			return false
		}
		if a[i] < b[i] {
			strict = true
		}
	}
	return strict
}

// Rank assigns non-dominated front indices as scalar fitness to every scored
// candidate with a vector fitness: front 0 is the non-dominated set, front 1
// is non-dominated once front 0 is removed, and so on. After ranking, the
// mode-agnostic selection machinery can compare candidates by Fitness alone.
func Rank(candidates []*types.Candidate) {
	pool := make([]*types.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Scored && len(c.Objectives) > 0 {
			pool = append(pool, c)
		}
	}

	front := 0
	remaining := pool
	for len(remaining) > 0 {
		var dominated []*types.Candidate
		for _, c := range remaining {
			isDominated := false
			for _, other := range remaining {
				if other != c && Dominates(other.Objectives, c.Objectives) {
					isDominated = true
					break
				}
			}
			if isDominated {
				dominated = append(dominated, c)
			} else {
				c.Fitness = float64(front)
			}
		}
		if len(dominated) == len(remaining) {
			// Mutual non-strict domination cannot happen, but guard against
			// NaN components leaving the loop stuck.
			for _, c := range dominated {
				c.Fitness = float64(front)
			}
			return
		}
		remaining = dominated
		front++
	}
}
