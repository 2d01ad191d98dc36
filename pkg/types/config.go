// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import (
	"fmt"
	"time"
)

// SamplingMethod selects how the initial population is drawn.
type SamplingMethod string

const (
	SamplingUniform SamplingMethod = "uniform"
	SamplingLatin   SamplingMethod = "lhs"
)

// ObjectiveMode selects scalarization or Pareto-dominance ranking for a run.
// The mode is fixed at configuration time; it is never inferred from data.
type ObjectiveMode string

const (
	ModeScalar ObjectiveMode = "scalar"
	ModePareto ObjectiveMode = "pareto"
)

// ConstraintKind distinguishes feasibility gates from penalized deviations.
type ConstraintKind string

const (
	ConstraintHard ConstraintKind = "hard"
	ConstraintSoft ConstraintKind = "soft"
)

// ConstraintSource tells the evaluator when a constraint becomes evaluable.
type ConstraintSource string

const (
	// SourceDesign constraints derive their value from the design vector
	// alone and are checked before dispatch.
	SourceDesign ConstraintSource = "design"

	// SourceTally constraints need a parsed simulation result.
	SourceTally ConstraintSource = "tally"
)

// SchedulerKind selects the batch scheduler implementation.
type SchedulerKind string

const (
	SchedulerSlurm SchedulerKind = "slurm"
	SchedulerLocal SchedulerKind = "local"
)

// PopulationConfig holds settings for population management and variation.
type PopulationConfig struct {
	// Size is the fixed population size P.
	Size int `json:"size" yaml:"size"`

	// Sampling selects the initial sampling method: uniform or lhs.
	Sampling SamplingMethod `json:"sampling" yaml:"sampling"`

	// EliteCount is the number of best feasible candidates copied
	// unchanged into the next generation.
	EliteCount int `json:"elite_count" yaml:"elite_count"`

	// TournamentSize is the bracket size for tournament selection.
	TournamentSize int `json:"tournament_size" yaml:"tournament_size"`

	// LevyFraction is the fraction of new candidates produced by
	// Levy-flight perturbation; the rest come from crossover and mutation.
	LevyFraction float64 `json:"levy_fraction" yaml:"levy_fraction"`

	// CrossoverRate is the per-pair probability of blend crossover.
	CrossoverRate float64 `json:"crossover_rate" yaml:"crossover_rate"`

	// MutationRate is the per-component probability of uniform mutation.
	MutationRate float64 `json:"mutation_rate" yaml:"mutation_rate"`

	// LevyAlpha is the Levy index (tail exponent), typically 1.5.
	LevyAlpha float64 `json:"levy_alpha" yaml:"levy_alpha"`

	// LevyGamma is the Levy scale unit.
	LevyGamma float64 `json:"levy_gamma" yaml:"levy_gamma"`

	// StepScale divides Levy step lengths to match the length scale of
	// the design space.
	StepScale float64 `json:"step_scale" yaml:"step_scale"`
}

// DispatchConfig bounds the interaction with the batch scheduler.
type DispatchConfig struct {
	// Concurrency caps simultaneously active jobs (cluster quota).
	Concurrency int `json:"concurrency" yaml:"concurrency"`

	// RetryLimit is the number of resubmissions after a dispatch,
	// simulation, or timeout failure before a candidate is written off.
	RetryLimit int `json:"retry_limit" yaml:"retry_limit"`

	// PollInterval is the delay between job status checks.
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`

	// JobTimeout is the per-job walltime allowance; jobs running longer
	// are treated as timed out and retried.
	JobTimeout time.Duration `json:"job_timeout" yaml:"job_timeout"`
}

// SchedulerConfig describes the batch scheduler and resource request.
type SchedulerConfig struct {
	// Kind selects the implementation: slurm or local.
	Kind SchedulerKind `json:"kind" yaml:"kind"`

	// Simulator is the executable reference handed to the scheduler
	// (transport code wrapper for slurm, simulator binary for local).
	Simulator string `json:"simulator" yaml:"simulator"`

	// WorkDir is where per-candidate input and output files live.
	WorkDir string `json:"work_dir" yaml:"work_dir"`

	// Slurm resource request.
	Account   string `json:"account,omitempty" yaml:"account,omitempty"`
	Partition string `json:"partition,omitempty" yaml:"partition,omitempty"`
	QOS       string `json:"qos,omitempty" yaml:"qos,omitempty"`
	Tasks     int    `json:"tasks,omitempty" yaml:"tasks,omitempty"`
	Walltime  string `json:"walltime,omitempty" yaml:"walltime,omitempty"`
}

// ConvergenceConfig holds the termination criteria. The first criterion to
// trigger ends the run.
type ConvergenceConfig struct {
	// MaxGenerations caps the generation count.
	MaxGenerations int `json:"max_generations" yaml:"max_generations"`

	// Epsilon is the minimum best-fitness improvement considered progress.
	Epsilon float64 `json:"epsilon" yaml:"epsilon"`

	// Window is the number of consecutive stalled generations tolerated
	// before the run is declared converged.
	Window int `json:"window" yaml:"window"`

	// WallClockBudget bounds total run time. Zero means unlimited.
	WallClockBudget time.Duration `json:"wall_clock_budget" yaml:"wall_clock_budget"`

	// JobBudget bounds total simulation jobs issued. Zero means unlimited.
	JobBudget int `json:"job_budget" yaml:"job_budget"`
}

// ObjectiveTerm configures one scored quantity.
type ObjectiveTerm struct {
	// Function is the registry key: relative_least_squares, least_squares,
	// u_optimality, or ratio.
	Function string `json:"function" yaml:"function"`

	// TallyID names the tally the term reads.
	TallyID string `json:"tally_id" yaml:"tally_id"`

	// Target is the reference spectrum (per-bin) or single target value.
	Target []float64 `json:"target" yaml:"target"`

	// Weights optionally weights each bin; empty means uniform.
	Weights []float64 `json:"weights,omitempty" yaml:"weights,omitempty"`

	// Weight scales the whole term in scalar mode.
	Weight float64 `json:"weight" yaml:"weight"`

	// ZeroNorm is the absolute normalization used for bins whose target
	// is exactly zero, avoiding division by zero while still penalizing
	// spurious counts in empty bins.
	ZeroNorm float64 `json:"zero_norm" yaml:"zero_norm"`

	// Normalize compares spectral shape instead of magnitude by scaling
	// both simulated and target spectra to unit sum before differencing.
	Normalize bool `json:"normalize,omitempty" yaml:"normalize,omitempty"`
}

// ObjectiveConfig selects the combination rule and its terms.
type ObjectiveConfig struct {
	// Mode is scalar (weighted sum) or pareto (vector fitness).
	Mode ObjectiveMode `json:"mode" yaml:"mode"`

	// Terms lists the scored quantities. Scalar mode sums them; Pareto
	// mode keeps one fitness component per term.
	Terms []ObjectiveTerm `json:"terms" yaml:"terms"`
}

// ConstraintSpec configures one constraint.
type ConstraintSpec struct {
	// Name identifies the constraint in diagnostics.
	Name string `json:"name" yaml:"name"`

	// Kind is hard (feasibility gate) or soft (penalty term).
	Kind ConstraintKind `json:"kind" yaml:"kind"`

	// Function is the comparator registry key: less_or_equal,
	// greater_or_equal, equal, or range.
	Function string `json:"function" yaml:"function"`

	// Threshold is the comparison value; Upper is used by range.
	Threshold float64 `json:"threshold" yaml:"threshold"`
	Upper     float64 `json:"upper,omitempty" yaml:"upper,omitempty"`

	// Tolerance is the half-width for the equal comparator.
	Tolerance float64 `json:"tolerance,omitempty" yaml:"tolerance,omitempty"`

	// Source tells when the constrained quantity is available.
	Source ConstraintSource `json:"source" yaml:"source"`

	// TallyID names the tally read by tally-derived constraints; the
	// constrained value is the tally's integral total.
	TallyID string `json:"tally_id,omitempty" yaml:"tally_id,omitempty"`

	// Coefficients and Offset define the linear design-derived quantity
	// value = offset + sum(coefficients[i] * vector[i]), e.g. structural
	// mass from per-variable material densities.
	Coefficients []float64 `json:"coefficients,omitempty" yaml:"coefficients,omitempty"`
	Offset       float64   `json:"offset,omitempty" yaml:"offset,omitempty"`

	// Weight scales the soft-constraint penalty.
	Weight float64 `json:"weight,omitempty" yaml:"weight,omitempty"`
}

// CheckpointConfig locates the per-generation checkpoint database.
type CheckpointConfig struct {
	// Path is the SQLite database file. Empty disables checkpointing.
	Path string `json:"path" yaml:"path"`
}

// RunConfig is the complete, immutable configuration for one optimization
// run. It is constructed once at startup and passed by reference into every
// component constructor; no component reads ambient environment state.
type RunConfig struct {
	// Seed makes the stochastic search reproducible.
	Seed int64 `json:"seed" yaml:"seed"`

	Domains     []VariableDomain  `json:"domains" yaml:"domains"`
	Population  PopulationConfig  `json:"population" yaml:"population"`
	Dispatch    DispatchConfig    `json:"dispatch" yaml:"dispatch"`
	Scheduler   SchedulerConfig   `json:"scheduler" yaml:"scheduler"`
	Convergence ConvergenceConfig `json:"convergence" yaml:"convergence"`
	Objective   ObjectiveConfig   `json:"objective" yaml:"objective"`
	Constraints []ConstraintSpec  `json:"constraints" yaml:"constraints"`
	Tallies     TallySpec         `json:"tallies" yaml:"tallies"`
	Checkpoint  CheckpointConfig  `json:"checkpoint" yaml:"checkpoint"`
}

// Validate checks the configuration before any evaluation is attempted.
// Any failure here is fatal at startup.
func (c *RunConfig) Validate() error {
	if len(c.Domains) == 0 {
		return &ValidationError{Field: "domains", Reason: "no design variables declared"}
	}
	for _, d := range c.Domains {
		if err := d.Validate(); err != nil {
			return err
		}
	}
	if c.Population.Size < 2 {
		return &ValidationError{Field: "population.size",
			Reason: fmt.Sprintf("need at least 2 candidates, got %d", c.Population.Size)}
	}
	if c.Population.EliteCount < 0 || c.Population.EliteCount >= c.Population.Size {
		return &ValidationError{Field: "population.elite_count", Reason: "must be in [0, size)"}
	}
	if f := c.Population.LevyFraction; f < 0 || f > 1 {
		return &ValidationError{Field: "population.levy_fraction", Reason: "must be in [0, 1]"}
	}
	switch c.Population.Sampling {
	case SamplingUniform, SamplingLatin, "":
	default:
		return &ValidationError{Field: "population.sampling",
			Reason: fmt.Sprintf("unknown method %q", c.Population.Sampling)}
	}
	if c.Dispatch.Concurrency < 1 {
		return &ValidationError{Field: "dispatch.concurrency", Reason: "must be at least 1"}
	}
	if c.Dispatch.RetryLimit < 0 {
		return &ValidationError{Field: "dispatch.retry_limit", Reason: "must not be negative"}
	}
	if c.Convergence.MaxGenerations < 1 {
		return &ValidationError{Field: "convergence.max_generations", Reason: "must be at least 1"}
	}
	if c.Convergence.Window < 1 {
		return &ValidationError{Field: "convergence.window", Reason: "must be at least 1"}
	}
	switch c.Objective.Mode {
	case ModeScalar, ModePareto:
	default:
		return &ValidationError{Field: "objective.mode",
			Reason: fmt.Sprintf("must be scalar or pareto, got %q", c.Objective.Mode)}
	}
	if len(c.Objective.Terms) == 0 {
		return &ValidationError{Field: "objective.terms", Reason: "no objective terms declared"}
	}
	for i, t := range c.Objective.Terms {
		if t.TallyID == "" {
			return &ValidationError{Field: fmt.Sprintf("objective.terms[%d].tally_id", i),
				Reason: "tally identifier required"}
		}
		if len(t.Target) == 0 {
			return &ValidationError{Field: fmt.Sprintf("objective.terms[%d].target", i),
				Reason: "target required"}
		}
	}
	for i, cs := range c.Constraints {
		switch cs.Kind {
		case ConstraintHard, ConstraintSoft:
		default:
			return &ValidationError{Field: fmt.Sprintf("constraints[%d].kind", i),
				Reason: fmt.Sprintf("must be hard or soft, got %q", cs.Kind)}
		}
		switch cs.Source {
		case SourceDesign:
			if len(cs.Coefficients) != 0 && len(cs.Coefficients) != len(c.Domains) {
				return &ValidationError{Field: fmt.Sprintf("constraints[%d].coefficients", i),
					Reason: "length must match the number of design variables"}
			}
		case SourceTally:
			if cs.TallyID == "" {
				return &ValidationError{Field: fmt.Sprintf("constraints[%d].tally_id", i),
					Reason: "tally identifier required for tally-derived constraints"}
			}
		default:
			return &ValidationError{Field: fmt.Sprintf("constraints[%d].source", i),
				Reason: fmt.Sprintf("must be design or tally, got %q", cs.Source)}
		}
	}
	return nil
}
