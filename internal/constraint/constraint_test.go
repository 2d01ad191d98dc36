// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package constraint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/etaopt/pkg/types"
)

func massConstraint(kind types.ConstraintKind, limit float64) types.ConstraintSpec {
	return types.ConstraintSpec{
		Name:         "structural_mass",
		Kind:         kind,
		Function:     "less_or_equal",
		Threshold:    limit,
		Source:       types.SourceDesign,
		Coefficients: []float64{2.0, 1.0},
	}
}

func reactionConstraint(kind types.ConstraintKind, min float64) types.ConstraintSpec {
	return types.ConstraintSpec{
		Name:      "min_reactions",
		Kind:      kind,
		Function:  "greater_or_equal",
		Threshold: min,
		Source:    types.SourceTally,
		TallyID:   "24",
	}
}

func candidate(vector ...float64) *types.Candidate {
	return &types.Candidate{Vector: vector, Status: types.StatusUnsubmitted}
}

func tallyResult(id string, total float64, relErr float64, unreliable bool) *types.TallyResult {
	return &types.TallyResult{Tallies: map[string]types.Tally{
		id: {ID: id, Total: types.TallyBin{Value: total, RelErr: relErr, Unreliable: unreliable}},
	}}
}

func TestComparators(t *testing.T) {
	tests := []struct {
		name  string
		spec  types.ConstraintSpec
		value float64
		want  float64
	}{
		{"less_or_equal satisfied", types.ConstraintSpec{Function: "less_or_equal", Threshold: 10}, 10, 0},
		{"less_or_equal violated", types.ConstraintSpec{Function: "less_or_equal", Threshold: 10}, 12.5, 2.5},
		{"greater_or_equal satisfied", types.ConstraintSpec{Function: "greater_or_equal", Threshold: 3}, 4, 0},
		{"greater_or_equal violated", types.ConstraintSpec{Function: "greater_or_equal", Threshold: 3}, 1, 2},
		{"equal within tolerance", types.ConstraintSpec{Function: "equal", Threshold: 5, Tolerance: 0.5}, 5.4, 0},
		{"equal outside tolerance", types.ConstraintSpec{Function: "equal", Threshold: 5, Tolerance: 0.5}, 6.5, 1},
		{"range inside", types.ConstraintSpec{Function: "range", Threshold: 1, Upper: 2}, 1.5, 0},
		{"range below", types.ConstraintSpec{Function: "range", Threshold: 1, Upper: 2}, 0.25, 0.75},
		{"range above", types.ConstraintSpec{Function: "range", Threshold: 1, Upper: 2}, 3, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctor, ok := registry[tt.spec.Function]
			require.True(t, ok)
			fn, err := ctor(tt.spec)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, fn.Violation(tt.value), 1e-12)
		})
	}
}

func TestNewEvaluatorRejectsUnknownFunction(t *testing.T) {
	_, err := NewEvaluator([]types.ConstraintSpec{{Name: "x", Function: "no_such_comparator"}})
	require.Error(t, err)
	var verr *types.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestEvaluateDesignHardViolation(t *testing.T) {
	e, err := NewEvaluator([]types.ConstraintSpec{massConstraint(types.ConstraintHard, 100)})
	require.NoError(t, err)

	// mass = 2*60 + 1*10 = 130 > 100
	result := e.EvaluateDesign(candidate(60, 10))
	assert.False(t, result.Feasible)
	require.Len(t, result.Violations, 1)
	assert.InDelta(t, 30, result.Violations[0].Magnitude, 1e-12)
	assert.InDelta(t, 30, result.HardViolation(), 1e-12)
	assert.Zero(t, result.SoftPenalty())
}

func TestEvaluateDesignFeasible(t *testing.T) {
	e, err := NewEvaluator([]types.ConstraintSpec{massConstraint(types.ConstraintHard, 100)})
	require.NoError(t, err)

	result := e.EvaluateDesign(candidate(10, 10))
	assert.True(t, result.Feasible)
	assert.Empty(t, result.Violations)
}

func TestSoftConstraintNeverGatesFeasibility(t *testing.T) {
	spec := massConstraint(types.ConstraintSoft, 100)
	spec.Weight = 2
	e, err := NewEvaluator([]types.ConstraintSpec{spec})
	require.NoError(t, err)

	result := e.EvaluateDesign(candidate(60, 10))
	assert.True(t, result.Feasible)
	require.Len(t, result.Violations, 1)
	// penalty = weight * ceil(30)^2 = 2 * 900
	assert.InDelta(t, 1800, result.SoftPenalty(), 1e-12)
}

func TestEvaluateTalliesHardConstraint(t *testing.T) {
	e, err := NewEvaluator([]types.ConstraintSpec{reactionConstraint(types.ConstraintHard, 1e-3)})
	require.NoError(t, err)

	ok := e.EvaluateTallies(candidate(1), tallyResult("24", 2e-3, 0.01, false))
	assert.True(t, ok.Feasible)

	bad := e.EvaluateTallies(candidate(1), tallyResult("24", 4e-4, 0.01, false))
	assert.False(t, bad.Feasible)
	assert.InDelta(t, 6e-4, bad.HardViolation(), 1e-12)
}

func TestMissingTallySoftConstraintIsPenaltyNotInfeasibility(t *testing.T) {
	spec := reactionConstraint(types.ConstraintSoft, 1e-3)
	spec.Weight = 5
	e, err := NewEvaluator([]types.ConstraintSpec{spec})
	require.NoError(t, err)

	// The referenced tally is absent from the result entirely.
	result := e.EvaluateTallies(candidate(1), &types.TallyResult{Tallies: map[string]types.Tally{}})
	assert.True(t, result.Feasible)
	require.Len(t, result.Violations, 1)
	assert.InDelta(t, 1, result.Violations[0].Magnitude, 1e-12)
	assert.InDelta(t, 5, result.SoftPenalty(), 1e-12)
}

func TestUnreliableTallyViolatesHardConstraint(t *testing.T) {
	e, err := NewEvaluator([]types.ConstraintSpec{reactionConstraint(types.ConstraintHard, 1e-3)})
	require.NoError(t, err)

	// Total satisfies the threshold numerically but is statistically
	// unreliable, so the constraint must treat it as violated.
	result := e.EvaluateTallies(candidate(1), tallyResult("24", 2e-3, 0.4, true))
	assert.False(t, result.Feasible)
}

func TestNilResultViolatesTallyConstraints(t *testing.T) {
	e, err := NewEvaluator([]types.ConstraintSpec{reactionConstraint(types.ConstraintHard, 1e-3)})
	require.NoError(t, err)

	result := e.EvaluateTallies(candidate(1), nil)
	assert.False(t, result.Feasible)
}
