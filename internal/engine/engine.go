// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package engine drives the generation loop: evaluate, select, vary,
// repeat, until a termination condition fires. The engine owns the
// synchronization barrier between generations, the run budgets, and the
// best-so-far bookkeeping; the heavy lifting happens in the population,
// dispatch, constraint, and objective packages it coordinates.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/pdiddy/etaopt/internal/constraint"
	"github.com/pdiddy/etaopt/internal/dispatch"
	"github.com/pdiddy/etaopt/internal/objective"
	"github.com/pdiddy/etaopt/internal/population"
	"github.com/pdiddy/etaopt/pkg/types"
)

// State is the controller's position in the run state machine.
type State string

const (
	StateInitializing State = "initializing"
	StateEvaluating   State = "evaluating"
	StateSelecting    State = "selecting"
	StateVarying      State = "varying"
	StateTerminated   State = "terminated"
)

// Outcome is why a run terminated.
type Outcome string

const (
	OutcomeConverged       Outcome = "converged"
	OutcomeBudgetExhausted Outcome = "budget-exhausted"
	OutcomeNoFeasible      Outcome = "no-feasible-solution"
)

// Report is the final result of a run.
type Report struct {
	Outcome Outcome `yaml:"outcome"`

	// Best is the best feasible candidate found across all generations,
	// or the least-infeasible one when Feasible is false. Nil only when
	// nothing was ever evaluated.
	Best     *types.Candidate `yaml:"best,omitempty"`
	Feasible bool             `yaml:"feasible"`

	Generations int                     `yaml:"generations"`
	JobsUsed    int                     `yaml:"jobs_used"`
	History     []types.GenerationStats `yaml:"history"`
}

// ExitCode maps the outcome onto the process exit contract: 0 converged
// with a feasible solution, 1 budget exhausted with a feasible solution,
// 2 no feasible solution ever found.
func (r *Report) ExitCode() int {
	switch {
	case !r.Feasible:
		return 2
	case r.Outcome == OutcomeConverged:
		return 0
	default:
		return 1
	}
}

// Evaluator runs a generation's candidates to terminal status. Satisfied
// by dispatch.Dispatcher; tests substitute an in-process fake.
type Evaluator interface {
	EvaluateGeneration(ctx context.Context, pop *types.Population) (dispatch.Summary, error)
	JobsUsed() int
}

// Saver persists a fully evaluated generation. Satisfied by
// checkpoint.Store; nil disables checkpointing.
type Saver interface {
	SaveGeneration(pop *types.Population, stats types.GenerationStats,
		jobsUsed int, operators map[string]population.OperatorStats) error
}

// Engine is the convergence controller.
type Engine struct {
	cfg         *types.RunConfig
	manager     *population.Manager
	constraints *constraint.Evaluator
	objectives  *objective.Evaluator
	evaluator   Evaluator
	saver       Saver
	progress    io.Writer
	log         *slog.Logger

	state State

	best            *types.Candidate
	leastInfeasible *types.Candidate
	stall           int
	history         []types.GenerationStats
}

// New wires a controller. progress may be nil to silence per-generation
// reporting; saver may be nil to run without a checkpoint.
func New(cfg *types.RunConfig, manager *population.Manager,
	constraints *constraint.Evaluator, objectives *objective.Evaluator,
	evaluator Evaluator, saver Saver, progress io.Writer, log *slog.Logger) *Engine {
	if progress == nil {
		progress = io.Discard
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		cfg:         cfg,
		manager:     manager,
		constraints: constraints,
		objectives:  objectives,
		evaluator:   evaluator,
		saver:       saver,
		progress:    progress,
		log:         log,
		state:       StateInitializing,
	}
}

// Run executes the generation loop until a termination condition fires.
// resume, when non-nil, is a fully evaluated population loaded from a
// checkpoint; the loop continues from the generation after it. The error
// return covers infrastructure failures (checkpoint writes); optimization
// outcomes, including "nothing feasible was ever found", live in Report.
func (e *Engine) Run(ctx context.Context, resume *types.Population) (*Report, error) {
	if e.cfg.Convergence.WallClockBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Convergence.WallClockBudget)
		defer cancel()
	}

	var pop *types.Population
	if resume != nil {
		e.absorb(resume)
		pop = e.nextGeneration(resume)
	} else {
		var err error
		pop, err = e.manager.Initialize()
		if err != nil {
			return nil, err
		}
	}

	for {
		e.transition(StateEvaluating)
		genStart := time.Now()

		pruned := e.pruneDesign(pop)
		if pruned > 0 {
			e.log.Info("pruned statically infeasible candidates",
				"generation", pop.Generation, "count", pruned)
		}

		summary, err := e.evaluator.EvaluateGeneration(ctx, pop)
		if err != nil {
			// Budget died mid-generation: in-flight results are
			// discarded and the best fully evaluated prior generation
			// stands.
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				e.log.Warn("run budget exhausted mid-generation", "generation", pop.Generation)
				return e.terminate(OutcomeBudgetExhausted), nil
			}
			return nil, fmt.Errorf("evaluating generation %d: %w", pop.Generation, err)
		}

		e.score(pop)
		e.absorb(pop)

		stats := e.generationStats(pop, summary, time.Since(genStart))
		e.history = append(e.history, stats)
		e.report(stats)

		if e.saver != nil {
			if err := e.saver.SaveGeneration(pop, stats, e.evaluator.JobsUsed(), e.manager.Stats()); err != nil {
				return nil, fmt.Errorf("checkpointing generation %d: %w", pop.Generation, err)
			}
		}

		if outcome, done := e.shouldStop(ctx, pop.Generation); done {
			return e.terminate(outcome), nil
		}

		pop = e.nextGeneration(pop)
	}
}

func (e *Engine) transition(next State) {
	e.log.Debug("state transition", "from", string(e.state), "to", string(next))
	e.state = next
}

// pruneDesign marks candidates violating hard design-vector constraints
// infeasible before any simulation budget is spent on them.
func (e *Engine) pruneDesign(pop *types.Population) int {
	pruned := 0
	for _, c := range pop.Members {
		if c.Status != types.StatusUnsubmitted {
			continue
		}
		result := e.constraints.EvaluateDesign(c)
		if !result.Feasible {
			c.Status = types.StatusInfeasible
			c.Feasible = false
			c.Violation = result.HardViolation()
			c.Diagnostic = "hard design constraint violated"
			pruned++
		}
	}
	return pruned
}

// score finalizes feasibility from tally-derived constraints and computes
// fitness for every candidate that completed a simulation.
func (e *Engine) score(pop *types.Population) {
	for _, c := range pop.Members {
		if c.Status != types.StatusComplete || c.Scored {
			continue
		}

		design := e.constraints.EvaluateDesign(c)
		tallies := e.constraints.EvaluateTallies(c, c.Tallies)
		c.Violation = tallies.HardViolation()
		if !tallies.Feasible {
			c.Status = types.StatusInfeasible
			c.Feasible = false
			c.Diagnostic = "hard tally constraint violated"
			continue
		}

		softPenalty := design.SoftPenalty() + tallies.SoftPenalty()
		score, err := e.objectives.Evaluate(c.Tallies, softPenalty)
		if err != nil {
			c.Status = types.StatusInfeasible
			c.Feasible = false
			c.Diagnostic = err.Error()
			continue
		}

		c.Feasible = true
		c.Scored = true
		c.Fitness = score.Fitness
		c.Objectives = score.Objectives
	}

	if e.objectives.Mode() == types.ModePareto {
		objective.Rank(pop.Members)
	}
}

// absorb folds a fully evaluated generation into the cross-run best and
// stall tracking. Champions are cloned, never aliased, so later
// generations cannot mutate them.
func (e *Engine) absorb(pop *types.Population) {
	best := pop.Best()
	if best == nil {
		if e.best != nil {
			// A fully infeasible generation counts as a non-improving one.
			e.stall++
			return
		}
		e.stall = 0
		if li := pop.LeastInfeasible(); li != nil {
			if e.leastInfeasible == nil || li.Violation < e.leastInfeasible.Violation {
				e.leastInfeasible = li.Clone()
			}
		}
		return
	}

	improvement := 0.0
	if e.best == nil {
		improvement = 1 + e.cfg.Convergence.Epsilon
	} else {
		improvement = e.best.Fitness - best.Fitness
	}
	if improvement > 0 {
		e.best = best.Clone()
	}
	if improvement > e.cfg.Convergence.Epsilon {
		e.stall = 0
	} else {
		e.stall++
	}
}

func (e *Engine) generationStats(pop *types.Population, summary dispatch.Summary,
	elapsed time.Duration) types.GenerationStats {
	stats := types.GenerationStats{
		Generation: pop.Generation,
		Evaluated:  summary.Submitted,
		Retried:    summary.Retried,
		Failed:     summary.Failed,
		Elapsed:    elapsed,
	}
	for _, c := range pop.Members {
		if c.Status == types.StatusInfeasible {
			stats.Infeasible++
		}
	}
	if e.best != nil {
		stats.BestFitness = e.best.Fitness
		stats.HasBest = true
	}
	return stats
}

func (e *Engine) report(stats types.GenerationStats) {
	best := "none"
	if stats.HasBest {
		best = fmt.Sprintf("%.6g", stats.BestFitness)
	}
	fmt.Fprintf(e.progress,
		"generation %3d: evaluated %d, retried %d, failed %d, infeasible %d, best %s (%.1fs)\n",
		stats.Generation, stats.Evaluated, stats.Retried, stats.Failed,
		stats.Infeasible, best, stats.Elapsed.Seconds())
}

// shouldStop applies the termination conditions in priority order:
// convergence stall, generation cap, job budget, wall clock.
func (e *Engine) shouldStop(ctx context.Context, generation int) (Outcome, bool) {
	window := e.cfg.Convergence.Window
	if window <= 0 {
		window = 1
	}
	if e.best != nil && e.stall >= window {
		return OutcomeConverged, true
	}
	if limit := e.cfg.Convergence.MaxGenerations; limit > 0 && generation+1 >= limit {
		return OutcomeBudgetExhausted, true
	}
	if budget := e.cfg.Convergence.JobBudget; budget > 0 && e.evaluator.JobsUsed() >= budget {
		return OutcomeBudgetExhausted, true
	}
	if ctx.Err() != nil {
		return OutcomeBudgetExhausted, true
	}
	return "", false
}

func (e *Engine) nextGeneration(pop *types.Population) *types.Population {
	e.transition(StateSelecting)
	pool := e.manager.Select(pop)
	e.transition(StateVarying)
	children := e.manager.Vary(pool, pop.Generation+1)
	return e.manager.Merge(pop, children)
}

func (e *Engine) terminate(outcome Outcome) *Report {
	e.transition(StateTerminated)

	report := &Report{
		Outcome:     outcome,
		Generations: len(e.history),
		JobsUsed:    e.evaluator.JobsUsed(),
		History:     e.history,
	}
	switch {
	case e.best != nil:
		report.Best = e.best
		report.Feasible = true
	default:
		// Nothing feasible was ever produced; report the closest miss
		// explicitly rather than failing silently.
		report.Outcome = OutcomeNoFeasible
		report.Best = e.leastInfeasible
	}
	return report
}
