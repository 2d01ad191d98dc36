// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package objective

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/etaopt/pkg/types"
)

func spectrumResult(id string, values ...float64) *types.TallyResult {
	tally := types.Tally{ID: id}
	total := 0.0
	for i, v := range values {
		tally.Bins = append(tally.Bins, types.TallyBin{Energy: float64(i), Value: v, RelErr: 0.01})
		total += v
	}
	tally.Total = types.TallyBin{Value: total, RelErr: 0.01}
	return &types.TallyResult{Tallies: map[string]types.Tally{id: tally}}
}

func scalarConfig(terms ...types.ObjectiveTerm) types.ObjectiveConfig {
	return types.ObjectiveConfig{Mode: types.ModeScalar, Terms: terms}
}

func TestNewEvaluatorRejectsUnknownFunction(t *testing.T) {
	_, err := NewEvaluator(scalarConfig(types.ObjectiveTerm{Function: "no_such_function"}))
	require.Error(t, err)
	var verr *types.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestRelativeLeastSquaresPerfectMatchIsZero(t *testing.T) {
	term := types.ObjectiveTerm{
		Function: "relative_least_squares",
		TallyID:  "14",
		Target:   []float64{2.5e-3, 7.1e-3, 9.8e-3},
	}
	e, err := NewEvaluator(scalarConfig(term))
	require.NoError(t, err)

	score, err := e.Evaluate(spectrumResult("14", 2.5e-3, 7.1e-3, 9.8e-3), 0)
	require.NoError(t, err)
	assert.Zero(t, score.Fitness)
}

func TestRelativeLeastSquaresZeroTargetBin(t *testing.T) {
	term := types.ObjectiveTerm{
		Function: "relative_least_squares",
		TallyID:  "14",
		Target:   []float64{0, 2.0},
		ZeroNorm: 0.5,
	}
	e, err := NewEvaluator(scalarConfig(term))
	require.NoError(t, err)

	// First bin: target 0, sim 1, normalized by the 0.5 fallback: (1/0.5)^2 = 4.
	// Second bin matches exactly.
	score, err := e.Evaluate(spectrumResult("14", 1, 2), 0)
	require.NoError(t, err)
	assert.InDelta(t, 4, score.Fitness, 1e-12)
}

func TestRelativeLeastSquaresNormalizedComparesShape(t *testing.T) {
	term := types.ObjectiveTerm{
		Function:  "relative_least_squares",
		TallyID:   "14",
		Target:    []float64{1, 3},
		Normalize: true,
	}
	e, err := NewEvaluator(scalarConfig(term))
	require.NoError(t, err)

	// Same shape at ten times the magnitude scores zero once normalized.
	score, err := e.Evaluate(spectrumResult("14", 10, 30), 0)
	require.NoError(t, err)
	assert.InDelta(t, 0, score.Fitness, 1e-12)
}

func TestLeastSquaresAndUOptimality(t *testing.T) {
	res := spectrumResult("14", 3, 5)
	target := []float64{1, 2}

	ls, err := NewEvaluator(scalarConfig(types.ObjectiveTerm{
		Function: "least_squares", TallyID: "14", Target: target,
	}))
	require.NoError(t, err)
	score, err := ls.Evaluate(res, 0)
	require.NoError(t, err)
	assert.InDelta(t, 4+9, score.Fitness, 1e-12)

	uo, err := NewEvaluator(scalarConfig(types.ObjectiveTerm{
		Function: "u_optimality", TallyID: "14", Target: target,
	}))
	require.NoError(t, err)
	score, err = uo.Evaluate(res, 0)
	require.NoError(t, err)
	assert.InDelta(t, 2+3, score.Fitness, 1e-12)
}

func TestRatioObjective(t *testing.T) {
	e, err := NewEvaluator(scalarConfig(types.ObjectiveTerm{
		Function: "ratio", TallyID: "24", Target: []float64{1e-3},
	}))
	require.NoError(t, err)

	// Doubling the simulated total halves the fitness.
	a, err := e.Evaluate(spectrumResult("24", 2e-3), 0)
	require.NoError(t, err)
	b, err := e.Evaluate(spectrumResult("24", 4e-3), 0)
	require.NoError(t, err)
	assert.InDelta(t, a.Fitness/2, b.Fitness, 1e-12)
}

func TestRatioRejectsVectorTarget(t *testing.T) {
	_, err := NewEvaluator(scalarConfig(types.ObjectiveTerm{
		Function: "ratio", TallyID: "24", Target: []float64{1, 2},
	}))
	require.Error(t, err)
}

func TestSoftPenaltyAddsToFitness(t *testing.T) {
	term := types.ObjectiveTerm{
		Function: "relative_least_squares",
		TallyID:  "14",
		Target:   []float64{1, 2},
	}
	e, err := NewEvaluator(scalarConfig(term))
	require.NoError(t, err)

	clean, err := e.Evaluate(spectrumResult("14", 1, 2), 0)
	require.NoError(t, err)
	penalized, err := e.Evaluate(spectrumResult("14", 1, 2), 1800)
	require.NoError(t, err)
	assert.InDelta(t, clean.Fitness+1800, penalized.Fitness, 1e-12)
}

func TestUnreliableTallyGetsStandInPenalty(t *testing.T) {
	good := types.ObjectiveTerm{Function: "least_squares", TallyID: "14", Target: []float64{1}}
	bad := types.ObjectiveTerm{Function: "least_squares", TallyID: "24", Target: []float64{1}}
	e, err := NewEvaluator(scalarConfig(good, bad))
	require.NoError(t, err)

	res := spectrumResult("14", 1)
	res.Tallies["24"] = types.Tally{
		ID:    "24",
		Bins:  []types.TallyBin{{Value: 1, RelErr: 0.5, Unreliable: true}},
		Total: types.TallyBin{Value: 1, RelErr: 0.5, Unreliable: true},
	}

	score, err := e.Evaluate(res, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, score.Unreliable)
	assert.GreaterOrEqual(t, score.Fitness, unreliableTermScore)
}

func TestAllTermsUnreliableIsAnError(t *testing.T) {
	term := types.ObjectiveTerm{Function: "least_squares", TallyID: "14", Target: []float64{1}}
	e, err := NewEvaluator(scalarConfig(term))
	require.NoError(t, err)

	_, err = e.Evaluate(nil, 0)
	require.Error(t, err)
}

func TestParetoModeFillsObjectiveVector(t *testing.T) {
	cfg := types.ObjectiveConfig{
		Mode: types.ModePareto,
		Terms: []types.ObjectiveTerm{
			{Function: "least_squares", TallyID: "14", Target: []float64{1}},
			{Function: "least_squares", TallyID: "24", Target: []float64{2}},
		},
	}
	e, err := NewEvaluator(cfg)
	require.NoError(t, err)

	res := spectrumResult("14", 2)
	res.Tallies["24"] = spectrumResult("24", 2).Tallies["24"]

	score, err := e.Evaluate(res, 0.5)
	require.NoError(t, err)
	require.Len(t, score.Objectives, 2)
	assert.InDelta(t, 1.5, score.Objectives[0], 1e-12)
	assert.InDelta(t, 0.5, score.Objectives[1], 1e-12)
}

func TestDominates(t *testing.T) {
	assert.True(t, Dominates([]float64{1, 1}, []float64{2, 2}))
	assert.True(t, Dominates([]float64{1, 2}, []float64{1, 3}))
	assert.False(t, Dominates([]float64{1, 3}, []float64{2, 1}))
	assert.False(t, Dominates([]float64{1, 1}, []float64{1, 1}))
	assert.False(t, Dominates([]float64{1}, []float64{1, 2}))
}

func TestRankAssignsFronts(t *testing.T) {
	mk := func(obj ...float64) *types.Candidate {
		return &types.Candidate{Scored: true, Objectives: obj}
	}
	a := mk(1, 4) // front 0
	b := mk(4, 1) // front 0, trades off against a
	c := mk(2, 5) // dominated by a
	d := mk(5, 5) // dominated by everything

	Rank([]*types.Candidate{a, b, c, d})
	assert.Equal(t, 0.0, a.Fitness)
	assert.Equal(t, 0.0, b.Fitness)
	assert.Equal(t, 1.0, c.Fitness)
	assert.Equal(t, 2.0, d.Fitness)
}
