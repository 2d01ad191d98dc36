// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package types defines shared data structures for the etaopt optimization
// engine: design variables and candidates, tally results, and the immutable
// run configuration passed into every component constructor.
package types

import (
	"fmt"
	"math"
	"time"
)

// VariableDomain declares the legal range of one design variable.
// Variation operators must never emit a value outside [Lower, Upper];
// when Step is nonzero the variable is discrete and values snap to
// Lower + k*Step.
type VariableDomain struct {
	// Name identifies the variable in reports and checkpoints
	// (e.g. "moderator_thickness_cm").
	Name string `json:"name" yaml:"name"`

	// Lower and Upper bound the variable inclusively.
	Lower float64 `json:"lower" yaml:"lower"`
	Upper float64 `json:"upper" yaml:"upper"`

	// Step is the discrete increment for integer-like variables.
	// Zero means the variable is continuous.
	Step float64 `json:"step,omitempty" yaml:"step,omitempty"`

	// Unit is a display unit (e.g. "cm", "g/cc"). Informational only.
	Unit string `json:"unit,omitempty" yaml:"unit,omitempty"`
}

// Validate reports whether the domain is usable for sampling.
func (d VariableDomain) Validate() error {
	if d.Name == "" {
		return &ValidationError{Field: "name", Reason: "variable name is empty"}
	}
	if math.IsNaN(d.Lower) || math.IsNaN(d.Upper) {
		return &ValidationError{Field: d.Name, Reason: "bound is NaN"}
	}
	if d.Upper < d.Lower {
		return &ValidationError{Field: d.Name,
			Reason: fmt.Sprintf("inverted bounds [%g, %g]", d.Lower, d.Upper)}
	}
	if d.Step < 0 {
		return &ValidationError{Field: d.Name, Reason: "negative step"}
	}
	if d.Step > 0 && d.Step > d.Upper-d.Lower {
		return &ValidationError{Field: d.Name, Reason: "step exceeds domain width"}
	}
	return nil
}

// Clamp forces v into the domain and snaps discrete variables to the
// nearest step. The result is always in [Lower, Upper].
func (d VariableDomain) Clamp(v float64) float64 {
	if d.Step > 0 {
		v = d.Lower + math.Round((v-d.Lower)/d.Step)*d.Step
	}
	if v < d.Lower {
		return d.Lower
	}
	if v > d.Upper {
		return d.Upper
	}
	return v
}

// Reflect folds v back into the domain by mirroring at the violated bound,
// then snaps discrete variables. Large excursions degenerate to Clamp.
func (d VariableDomain) Reflect(v float64) float64 {
	width := d.Upper - d.Lower
	if width == 0 {
		return d.Lower
	}
	if v < d.Lower {
		v = d.Lower + (d.Lower - v)
	} else if v > d.Upper {
		v = d.Upper - (v - d.Upper)
	}
	// A step larger than the width after one reflection means the move was
	// more than a full domain width; fall back to the hard bound.
	return d.Clamp(v)
}

// Contains reports whether v lies inside the domain.
func (d VariableDomain) Contains(v float64) bool {
	return v >= d.Lower && v <= d.Upper
}

// DesignVector is an ordered sequence of variable values, positionally
// aligned with a []VariableDomain.
type DesignVector []float64

// Clone returns an independent copy of the vector.
func (v DesignVector) Clone() DesignVector {
	out := make(DesignVector, len(v))
	copy(out, v)
	return out
}

// InDomain reports whether every component lies within its declared domain.
func (v DesignVector) InDomain(domains []VariableDomain) bool {
	if len(v) != len(domains) {
		return false
	}
	for i, x := range v {
		if !domains[i].Contains(x) {
			return false
		}
	}
	return true
}

// CandidateStatus tracks a candidate through its lifecycle. Status advances
// monotonically: unsubmitted -> dispatched -> complete|failed, with
// infeasible as a terminal overlay from either constraint stage or retry
// exhaustion.
type CandidateStatus string

const (
	StatusUnsubmitted CandidateStatus = "unsubmitted"
	StatusDispatched  CandidateStatus = "dispatched"
	StatusComplete    CandidateStatus = "complete"
	StatusFailed      CandidateStatus = "failed"
	StatusInfeasible  CandidateStatus = "infeasible"
)

// Terminal reports whether no further transitions are allowed.
func (s CandidateStatus) Terminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusInfeasible
}

// Candidate is one design under evaluation. It is owned by the generation
// that created it; elitism copies champions into the next generation rather
// than aliasing them.
type Candidate struct {
	// ID is unique within a run (assigned by the population manager).
	ID int `json:"id" yaml:"id"`

	// Generation is the generation that created this candidate.
	Generation int `json:"generation" yaml:"generation"`

	// Vector holds the design variable values.
	Vector DesignVector `json:"vector" yaml:"vector"`

	// Status is the lifecycle state.
	Status CandidateStatus `json:"status" yaml:"status"`

	// Feasible is valid only after constraint evaluation.
	Feasible bool `json:"feasible" yaml:"feasible"`

	// Fitness is undefined until Scored is true. Lower is better.
	Fitness float64 `json:"fitness" yaml:"fitness"`

	// Objectives holds the vector fitness in Pareto mode.
	Objectives []float64 `json:"objectives,omitempty" yaml:"objectives,omitempty"`

	// Scored reports whether Fitness (or Objectives) is defined.
	Scored bool `json:"scored" yaml:"scored"`

	// Violation is the summed hard-constraint violation magnitude, used to
	// rank infeasible candidates when no feasible one exists.
	Violation float64 `json:"violation" yaml:"violation"`

	// JobID is the scheduler job reference while dispatched.
	JobID string `json:"job_id,omitempty" yaml:"job_id,omitempty"`

	// Retries counts resubmissions after dispatch or simulation failures.
	Retries int `json:"retries" yaml:"retries"`

	// Diagnostic records why a candidate ended up failed or infeasible.
	Diagnostic string `json:"diagnostic,omitempty" yaml:"diagnostic,omitempty"`

	// Operator names the variation operator that produced this candidate
	// ("init", "levy", "crossover", "mutate", "elite"). Audit only.
	Operator string `json:"operator,omitempty" yaml:"operator,omitempty"`

	// Tallies is the parsed simulator output, nil until complete.
	Tallies *TallyResult `json:"tallies,omitempty" yaml:"tallies,omitempty"`
}

// Clone deep-copies the candidate so elitism never aliases superseded state.
func (c *Candidate) Clone() *Candidate {
	out := *c
	out.Vector = c.Vector.Clone()
	if c.Objectives != nil {
		out.Objectives = append([]float64(nil), c.Objectives...)
	}
	if c.Tallies != nil {
		out.Tallies = c.Tallies.Clone()
	}
	return &out
}

// Population is one generation's candidate set.
type Population struct {
	// Generation is the zero-based generation counter.
	Generation int `json:"generation" yaml:"generation"`

	// Members holds exactly the configured population size under the
	// default non-resizing policy.
	Members []*Candidate `json:"members" yaml:"members"`
}

// Best returns the best scored feasible candidate, or nil if none exists.
func (p *Population) Best() *Candidate {
	var best *Candidate
	for _, c := range p.Members {
		if !c.Feasible || !c.Scored {
			continue
		}
		if best == nil || c.Fitness < best.Fitness {
			best = c
		}
	}
	return best
}

// LeastInfeasible returns the candidate with the smallest recorded
// violation magnitude, used when a run never produces a feasible design.
func (p *Population) LeastInfeasible() *Candidate {
	var best *Candidate
	for _, c := range p.Members {
		if best == nil || c.Violation < best.Violation {
			best = c
		}
	}
	return best
}

// GenerationStats summarizes one generation for the audit trail.
type GenerationStats struct {
	Generation  int           `json:"generation" yaml:"generation"`
	Evaluated   int           `json:"evaluated" yaml:"evaluated"`
	Retried     int           `json:"retried" yaml:"retried"`
	Failed      int           `json:"failed" yaml:"failed"`
	Infeasible  int           `json:"infeasible" yaml:"infeasible"`
	BestFitness float64       `json:"best_fitness" yaml:"best_fitness"`
	HasBest     bool          `json:"has_best" yaml:"has_best"`
	Elapsed     time.Duration `json:"elapsed" yaml:"elapsed"`
}
