// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package constraint evaluates hard and soft constraints against candidate
// designs. Design-vector-derived constraints are checked before dispatch so
// no simulation budget is spent on statically infeasible candidates;
// tally-derived constraints are checked once a parsed result exists.
//
// Comparators are registered under stable string keys and resolved once
// during configuration parsing, never per evaluation.
package constraint

import (
	"fmt"
	"math"
	"sort"

	"github.com/pdiddy/etaopt/pkg/types"
)

// Function is the comparator capability: it maps a measured value to a
// violation magnitude, zero when the constraint is satisfied.
type Function interface {
	// Violation returns how far value is from satisfying the constraint.
	Violation(value float64) float64

	// Name returns the registry key the function was built from.
	Name() string
}

// Constructor builds a comparator from its spec.
type Constructor func(spec types.ConstraintSpec) (Function, error)

var registry = map[string]Constructor{}

// Register adds a comparator constructor under a stable key. Built-in
// comparators are registered at init; problem-specific ones may be added
// before configuration parsing.
func Register(key string, ctor Constructor) {
	registry[key] = ctor
}

// Keys lists the registered comparator keys, sorted.
func Keys() []string {
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func init() {
	Register("less_or_equal", func(spec types.ConstraintSpec) (Function, error) {
		return &lessOrEqual{threshold: spec.Threshold}, nil
	})
	Register("greater_or_equal", func(spec types.ConstraintSpec) (Function, error) {
		return &greaterOrEqual{threshold: spec.Threshold}, nil
	})
	Register("equal", func(spec types.ConstraintSpec) (Function, error) {
		if spec.Tolerance < 0 {
			return nil, &types.ValidationError{Field: spec.Name, Reason: "negative tolerance"}
		}
		return &equal{target: spec.Threshold, tolerance: spec.Tolerance}, nil
	})
	Register("range", func(spec types.ConstraintSpec) (Function, error) {
		if spec.Upper < spec.Threshold {
			return nil, &types.ValidationError{Field: spec.Name,
				Reason: fmt.Sprintf("inverted range [%g, %g]", spec.Threshold, spec.Upper)}
		}
		return &inRange{lower: spec.Threshold, upper: spec.Upper}, nil
	})
}

type lessOrEqual struct{ threshold float64 }

func (f *lessOrEqual) Name() string { return "less_or_equal" }
func (f *lessOrEqual) Violation(v float64) float64 {
	if v <= f.threshold {
		return 0
	}
	return v - f.threshold
}

type greaterOrEqual struct{ threshold float64 }

func (f *greaterOrEqual) Name() string { return "greater_or_equal" }
func (f *greaterOrEqual) Violation(v float64) float64 {
	if v >= f.threshold {
		return 0
	}
	return f.threshold - v
}

type equal struct{ target, tolerance float64 }

func (f *equal) Name() string { return "equal" }
func (f *equal) Violation(v float64) float64 {
	if d := math.Abs(v - f.target); d > f.tolerance {
		return d - f.tolerance
	}
	return 0
}

type inRange struct{ lower, upper float64 }

func (f *inRange) Name() string { return "range" }
func (f *inRange) Violation(v float64) float64 {
	switch {
	case v < f.lower:
		return f.lower - v
	case v > f.upper:
		return v - f.upper
	default:
		return 0
	}
}

// Violation records one constraint's outcome for a candidate.
type Violation struct {
	// Name is the constraint's configured name.
	Name string

	// Kind is hard or soft.
	Kind types.ConstraintKind

	// Magnitude is how far the measured value missed the constraint.
	Magnitude float64

	// Penalty is the scaled soft-constraint penalty term; zero for hard
	// constraints, which gate feasibility instead.
	Penalty float64
}

// Result aggregates an evaluation stage's outcome.
type Result struct {
	// Feasible is false when any hard constraint is violated.
	Feasible bool

	// Violations lists every violated constraint with magnitudes.
	Violations []Violation
}

// HardViolation sums the violation magnitudes of hard constraints, used to
// rank infeasible candidates.
func (r Result) HardViolation() float64 {
	total := 0.0
	for _, v := range r.Violations {
		if v.Kind == types.ConstraintHard {
			total += v.Magnitude
		}
	}
	return total
}

// SoftPenalty sums the scaled soft-constraint penalty terms for the
// objective function.
func (r Result) SoftPenalty() float64 {
	total := 0.0
	for _, v := range r.Violations {
		if v.Kind == types.ConstraintSoft {
			total += v.Penalty
		}
	}
	return total
}

// bound is one resolved constraint.
type bound struct {
	spec types.ConstraintSpec
	fn   Function
}

// penalty scales a soft violation: weight * ceil(violation)^2, the
// quadratic step penalty the search tolerates near the boundary but climbs
// steeply away from it.
func (b bound) penalty(violation float64) float64 {
	weight := b.spec.Weight
	if weight <= 0 {
		weight = 1
	}
	c := math.Ceil(violation)
	return weight * c * c
}

// Evaluator checks a candidate against the configured constraints.
type Evaluator struct {
	design []bound
	tally  []bound
}

// NewEvaluator resolves every constraint spec against the comparator
// registry. Resolution failures are fatal configuration errors.
func NewEvaluator(specs []types.ConstraintSpec) (*Evaluator, error) {
	e := &Evaluator{}
	for _, spec := range specs {
		ctor, ok := registry[spec.Function]
		if !ok {
			return nil, &types.ValidationError{Field: spec.Name,
				Reason: fmt.Sprintf("unknown constraint function %q", spec.Function)}
		}
		fn, err := ctor(spec)
		if err != nil {
			return nil, err
		}
		b := bound{spec: spec, fn: fn}
		if spec.Source == types.SourceDesign {
			e.design = append(e.design, b)
		} else {
			e.tally = append(e.tally, b)
		}
	}
	return e, nil
}

// EvaluateDesign checks the design-vector-derived constraints. Infeasible
// outcomes here mean the candidate must never be dispatched.
func (e *Evaluator) EvaluateDesign(c *types.Candidate) Result {
	result := Result{Feasible: true}
	for _, b := range e.design {
		value := b.spec.Offset
		for i, coeff := range b.spec.Coefficients {
			if i >= len(c.Vector) {
				break
			}
			value += coeff * c.Vector[i]
		}
		e.apply(&result, b, value, false)
	}
	return result
}

// EvaluateTallies checks the tally-derived constraints against a parsed
// simulation result. A constraint whose tally is missing or statistically
// unreliable counts as violated: hard constraints gate feasibility, soft
// constraints contribute a unit-violation penalty rather than silently
// accepting noisy or absent data.
func (e *Evaluator) EvaluateTallies(c *types.Candidate, res *types.TallyResult) Result {
	result := Result{Feasible: true}
	for _, b := range e.tally {
		value, ok := e.tallyValue(b.spec, res)
		e.apply(&result, b, value, !ok)
	}
	return result
}

// tallyValue resolves the constrained quantity: the named tally's integral
// total, or the parsed system mass when no tally is named.
func (e *Evaluator) tallyValue(spec types.ConstraintSpec, res *types.TallyResult) (float64, bool) {
	if res == nil {
		return 0, false
	}
	tally, ok := res.Get(spec.TallyID)
	if !ok {
		return 0, false
	}
	if tally.Total.Unreliable {
		return tally.Total.Value, false
	}
	return tally.Total.Value, true
}

// apply records the outcome of one constraint. missing forces a unit
// violation regardless of the comparator.
func (e *Evaluator) apply(result *Result, b bound, value float64, missing bool) {
	var violation float64
	if missing {
		violation = 1
	} else {
		violation = b.fn.Violation(value)
	}
	if violation == 0 {
		return
	}

	v := Violation{
		Name:      b.spec.Name,
		Kind:      b.spec.Kind,
		Magnitude: violation,
	}
	if b.spec.Kind == types.ConstraintSoft {
		v.Penalty = b.penalty(violation)
	} else {
		result.Feasible = false
	}
	result.Violations = append(result.Violations, v)
}
