// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package objective scores parsed simulation results into fitness values.
// Scoring functions are registered under stable string keys and resolved
// once at configuration time. A run is either scalar (weighted sum of term
// scores plus soft-constraint penalties) or Pareto (vector fitness ranked
// by dominance); the mode is fixed before the first evaluation.
//
// Lower fitness is better everywhere.
package objective

import (
	"fmt"
	"math"
	"sort"

	"github.com/pdiddy/etaopt/pkg/types"
)

// unreliableTermScore stands in for a term whose tally is missing or
// statistically unreliable, so noisy data is penalized instead of trusted.
const unreliableTermScore = 1e9

// Term scores one tally against its reference target.
type Term interface {
	// Score returns the term's contribution, zero for a perfect match.
	// It fails when the tally is absent or too unreliable to score.
	Score(res *types.TallyResult) (float64, error)

	// Name returns the registry key the term was built from.
	Name() string
}

// Constructor builds a scoring term from its configuration.
type Constructor func(term types.ObjectiveTerm) (Term, error)

var registry = map[string]Constructor{}

// Register adds a scoring-function constructor under a stable key.
func Register(key string, ctor Constructor) {
	registry[key] = ctor
}

// Keys lists the registered scoring-function keys, sorted.
func Keys() []string {
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func init() {
	Register("relative_least_squares", newRelativeLeastSquares)
	Register("least_squares", newLeastSquares)
	Register("u_optimality", newUOptimality)
	Register("ratio", newRatio)
}

// Score is the outcome of evaluating one candidate's result.
type Score struct {
	// Fitness is the scalar fitness. In Pareto mode it is filled in by
	// Rank, not by Evaluate.
	Fitness float64

	// Objectives holds the per-term vector fitness in Pareto mode.
	Objectives []float64

	// Unreliable counts terms that could not be scored from trustworthy
	// data and received the stand-in penalty instead.
	Unreliable int
}

// Evaluator scores results according to the configured combination rule.
type Evaluator struct {
	mode  types.ObjectiveMode
	terms []boundTerm
}

type boundTerm struct {
	cfg types.ObjectiveTerm
	fn  Term
}

// NewEvaluator resolves every objective term against the registry.
func NewEvaluator(cfg types.ObjectiveConfig) (*Evaluator, error) {
	e := &Evaluator{mode: cfg.Mode}
	for i, term := range cfg.Terms {
		ctor, ok := registry[term.Function]
		if !ok {
			return nil, &types.ValidationError{
				Field:  fmt.Sprintf("objective.terms[%d].function", i),
				Reason: fmt.Sprintf("unknown objective function %q", term.Function),
			}
		}
		fn, err := ctor(term)
		if err != nil {
			return nil, err
		}
		e.terms = append(e.terms, boundTerm{cfg: term, fn: fn})
	}
	return e, nil
}

// Mode returns the active combination rule.
func (e *Evaluator) Mode() types.ObjectiveMode { return e.mode }

// Evaluate scores a parsed result. softPenalty carries the summed
// soft-constraint penalties from the constraint evaluator. A term whose
// tally is missing or unreliable contributes the stand-in penalty; when
// every term is in that state the result is unusable and an error is
// returned so the caller can mark the candidate infeasible.
func (e *Evaluator) Evaluate(res *types.TallyResult, softPenalty float64) (Score, error) {
	score := Score{}
	if e.mode == types.ModePareto {
		score.Objectives = make([]float64, len(e.terms))
	}

	for i, t := range e.terms {
		weight := t.cfg.Weight
		if weight <= 0 {
			weight = 1
		}

		value, err := t.fn.Score(res)
		if err != nil {
			value = unreliableTermScore
			score.Unreliable++
		}

		switch e.mode {
		case types.ModePareto:
			score.Objectives[i] = value + softPenalty
		default:
			score.Fitness += weight * value
		}
	}

	if score.Unreliable == len(e.terms) {
		return score, fmt.Errorf("no objective term could be scored from reliable tallies")
	}

	if e.mode == types.ModeScalar {
		score.Fitness += softPenalty
	}
	return score, nil
}

// binValues extracts the scored series for a term, rejecting unreliable
// data rather than silently accepting it.
func binValues(res *types.TallyResult, cfg types.ObjectiveTerm) ([]float64, error) {
	if res == nil {
		return nil, fmt.Errorf("no simulation result")
	}
	tally, ok := res.Get(cfg.TallyID)
	if !ok {
		return nil, fmt.Errorf("tally %s absent from result", cfg.TallyID)
	}
	if !tally.Reliable() {
		return nil, fmt.Errorf("tally %s exceeds the statistical reliability threshold", cfg.TallyID)
	}

	sim := tally.Values()
	if len(sim) != len(cfg.Target) {
		return nil, fmt.Errorf("tally %s has %d bins, target has %d",
			cfg.TallyID, len(sim), len(cfg.Target))
	}
	return sim, nil
}

// normalized scales a spectrum to unit sum so shapes compare independently
// of magnitude. An all-zero spectrum is returned unchanged.
func normalized(s []float64) []float64 {
	sum := 0.0
	for _, v := range s {
		sum += v
	}
	if sum == 0 {
		return s
	}
	out := make([]float64, len(s))
	for i, v := range s {
		out[i] = v / sum
	}
	return out
}

// binWeight returns the per-bin weight, defaulting to uniform.
func binWeight(cfg types.ObjectiveTerm, i int) float64 {
	if i < len(cfg.Weights) && cfg.Weights[i] > 0 {
		return cfg.Weights[i]
	}
	return 1
}

// --- relative least squares (default) ---

type relativeLeastSquares struct{ cfg types.ObjectiveTerm }

func newRelativeLeastSquares(cfg types.ObjectiveTerm) (Term, error) {
	if cfg.ZeroNorm < 0 {
		return nil, &types.ValidationError{Field: "zero_norm", Reason: "must not be negative"}
	}
	return &relativeLeastSquares{cfg: cfg}, nil
}

func (f *relativeLeastSquares) Name() string { return "relative_least_squares" }

// Score sums weighted squared relative differences. Bins whose target is
// exactly zero are normalized by the configured absolute fallback so empty
// target bins never divide by zero yet still penalize spurious counts.
func (f *relativeLeastSquares) Score(res *types.TallyResult) (float64, error) {
	sim, err := binValues(res, f.cfg)
	if err != nil {
		return 0, err
	}
	target := f.cfg.Target
	if f.cfg.Normalize {
		sim = normalized(sim)
		target = normalized(target)
	}

	zeroNorm := f.cfg.ZeroNorm
	if zeroNorm == 0 {
		zeroNorm = 1
	}

	total := 0.0
	for i, s := range sim {
		norm := target[i]
		if norm == 0 {
			norm = zeroNorm
		}
		d := (s - target[i]) / norm
		total += binWeight(f.cfg, i) * d * d
	}
	return total, nil
}

// --- least squares ---

type leastSquares struct{ cfg types.ObjectiveTerm }

func newLeastSquares(cfg types.ObjectiveTerm) (Term, error) {
	return &leastSquares{cfg: cfg}, nil
}

func (f *leastSquares) Name() string { return "least_squares" }

func (f *leastSquares) Score(res *types.TallyResult) (float64, error) {
	sim, err := binValues(res, f.cfg)
	if err != nil {
		return 0, err
	}
	total := 0.0
	for i, s := range sim {
		d := s - f.cfg.Target[i]
		total += binWeight(f.cfg, i) * d * d
	}
	return total, nil
}

// --- u-optimality ---

type uOptimality struct{ cfg types.ObjectiveTerm }

func newUOptimality(cfg types.ObjectiveTerm) (Term, error) {
	return &uOptimality{cfg: cfg}, nil
}

func (f *uOptimality) Name() string { return "u_optimality" }

func (f *uOptimality) Score(res *types.TallyResult) (float64, error) {
	sim, err := binValues(res, f.cfg)
	if err != nil {
		return 0, err
	}
	total := 0.0
	for i, s := range sim {
		total += binWeight(f.cfg, i) * math.Abs(f.cfg.Target[i]-s)
	}
	return total, nil
}

// --- ratio ---

type ratio struct{ cfg types.ObjectiveTerm }

func newRatio(cfg types.ObjectiveTerm) (Term, error) {
	if len(cfg.Target) != 1 {
		return nil, &types.ValidationError{Field: "target",
			Reason: "ratio objective takes exactly one target value"}
	}
	return &ratio{cfg: cfg}, nil
}

func (f *ratio) Name() string { return "ratio" }

// Score rewards a tally total that exceeds the target value: fitness is
// target/simulated, so doubling the simulated quantity halves the fitness.
// A non-positive total is unphysical and gets the stand-in penalty.
func (f *ratio) Score(res *types.TallyResult) (float64, error) {
	if res == nil {
		return 0, fmt.Errorf("no simulation result")
	}
	tally, ok := res.Get(f.cfg.TallyID)
	if !ok {
		return 0, fmt.Errorf("tally %s absent from result", f.cfg.TallyID)
	}
	if tally.Total.Unreliable {
		return 0, fmt.Errorf("tally %s total exceeds the statistical reliability threshold", f.cfg.TallyID)
	}
	if tally.Total.Value <= 0 {
		return unreliableTermScore, nil
	}
	return f.cfg.Target[0] / tally.Total.Value, nil
}
