// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package dispatch evaluates a generation's candidates against the external
// transport simulator. It realizes an input deck per candidate, submits it
// through the scheduler backend, polls to a terminal state, and parses the
// output into tallies. Concurrency is capped at the configured cluster
// quota; failed or timed-out jobs are resubmitted with the same design
// vector up to the retry limit, after which the candidate is written off as
// infeasible with a recorded diagnostic. One candidate failing never stops
// the generation.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pdiddy/etaopt/internal/parse"
	"github.com/pdiddy/etaopt/internal/scheduler"
	"github.com/pdiddy/etaopt/pkg/types"
)

// DispatchError means the scheduler rejected a submission; the job never
// existed, so a retry costs nothing but another submit.
type DispatchError struct {
	Err error
}

func (e *DispatchError) Error() string { return fmt.Sprintf("dispatch rejected: %v", e.Err) }
func (e *DispatchError) Unwrap() error { return e.Err }

// SimulationFailure means the external job ran and died.
type SimulationFailure struct {
	JobID  string
	Detail string
}

func (e *SimulationFailure) Error() string {
	return fmt.Sprintf("simulation job %s failed: %s", e.JobID, e.Detail)
}

// TimeoutError means the job exceeded its walltime allowance and was
// cancelled.
type TimeoutError struct {
	JobID string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("simulation job %s timed out after %s", e.JobID, e.After)
}

// Realizer turns a candidate's design vector into a simulator input deck.
// Deck generation is problem-specific; the dispatcher only needs the path.
type Realizer interface {
	Realize(c *types.Candidate, dir string) (inputPath string, err error)
}

// Summary counts what happened to one generation's worth of candidates.
type Summary struct {
	Submitted int
	Completed int
	Retried   int
	Failed    int
}

// Dispatcher drives candidates through the scheduler to terminal status.
type Dispatcher struct {
	cfg      types.DispatchConfig
	sched    scheduler.Scheduler
	realizer Realizer
	tallies  types.TallySpec
	workDir  string
	log      *slog.Logger

	mu       sync.Mutex
	jobsUsed int
}

// New builds a dispatcher over the given backend.
func New(cfg types.DispatchConfig, sched scheduler.Scheduler, realizer Realizer,
	tallies types.TallySpec, workDir string, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		cfg:      cfg,
		sched:    sched,
		realizer: realizer,
		tallies:  tallies,
		workDir:  workDir,
		log:      log,
	}
}

// JobsUsed returns the total number of submissions across the run,
// including retries, for budget accounting.
func (d *Dispatcher) JobsUsed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.jobsUsed
}

// RestoreJobsUsed seeds the submission counter from a checkpoint so a
// resumed run keeps honoring the original job budget.
func (d *Dispatcher) RestoreJobsUsed(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobsUsed = n
}

// EvaluateGeneration runs every unsubmitted candidate of pop to a terminal
// status. Candidates already pruned as infeasible are skipped. The call
// returns once the whole generation is terminal, preserving the barrier the
// population update depends on; on context cancellation it cancels in-flight
// jobs and returns the context error.
func (d *Dispatcher) EvaluateGeneration(ctx context.Context, pop *types.Population) (Summary, error) {
	summary := Summary{}
	var mu sync.Mutex

	concurrency := d.cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	semaphore := make(chan struct{}, concurrency)

	var wg sync.WaitGroup
	for _, c := range pop.Members {
		if c.Status != types.StatusUnsubmitted {
			continue
		}
		mu.Lock()
		summary.Submitted++
		mu.Unlock()

		wg.Add(1)
		go func(c *types.Candidate) {
			defer wg.Done()
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			retried, err := d.evaluate(ctx, c)

			mu.Lock()
			defer mu.Unlock()
			summary.Retried += retried
			if err != nil {
				summary.Failed++
			} else {
				summary.Completed++
			}
		}(c)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

// evaluate drives one candidate to terminal status, returning how many
// retries it consumed and the terminal error if it was written off.
func (d *Dispatcher) evaluate(ctx context.Context, c *types.Candidate) (int, error) {
	dir := filepath.Join(d.workDir, fmt.Sprintf("gen%03d", c.Generation), fmt.Sprintf("c%04d", c.ID))

	var lastErr error
	for attempt := 0; attempt <= d.cfg.RetryLimit; attempt++ {
		if attempt > 0 {
			c.Retries++
			d.log.Warn("retrying candidate",
				"candidate", c.ID, "attempt", attempt, "cause", lastErr)
			if err := d.backoff(ctx, attempt); err != nil {
				lastErr = err
				break
			}
		}

		err := d.runOnce(ctx, c, dir, attempt)
		if err == nil {
			c.Status = types.StatusComplete
			return c.Retries, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			lastErr = err
			break
		}
		lastErr = err
	}

	c.Status = types.StatusInfeasible
	c.Feasible = false
	// The simulator never produced a measurement, so the violation is
	// unknown. Unknown ranks behind any measured violation when the run
	// reports its closest miss or breeds from a starved population.
	c.Violation = math.Inf(1)
	c.Diagnostic = lastErr.Error()
	d.log.Error("candidate written off", "candidate", c.ID, "cause", lastErr)
	return c.Retries, lastErr
}

// runOnce performs a single submit/poll/fetch/parse cycle.
func (d *Dispatcher) runOnce(ctx context.Context, c *types.Candidate, dir string, attempt int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating job directory: %w", err)
	}

	inputPath, err := d.realizer.Realize(c, dir)
	if err != nil {
		return fmt.Errorf("realizing input deck: %w", err)
	}

	spec := scheduler.JobSpec{
		Name:       fmt.Sprintf("etaopt-g%03d-c%04d-r%d", c.Generation, c.ID, attempt),
		InputPath:  inputPath,
		OutputPath: filepath.Join(dir, fmt.Sprintf("outp-r%d", attempt)),
		WorkDir:    dir,
	}

	id, err := d.sched.Submit(ctx, spec)
	if err != nil {
		return &DispatchError{Err: err}
	}
	c.Status = types.StatusDispatched
	c.JobID = id
	d.mu.Lock()
	d.jobsUsed++
	d.mu.Unlock()

	if err := d.await(ctx, id); err != nil {
		return err
	}

	outputPath, err := d.sched.Fetch(ctx, id)
	if err != nil {
		return &SimulationFailure{JobID: id, Detail: err.Error()}
	}
	return d.parseOutput(c, id, outputPath)
}

// await polls the job until it reaches a terminal state, times out, or the
// run is cancelled. Timed-out and cancelled jobs are cancelled best effort.
func (d *Dispatcher) await(ctx context.Context, id string) error {
	interval := d.cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}

	var deadline <-chan time.Time
	if d.cfg.JobTimeout > 0 {
		timer := time.NewTimer(d.cfg.JobTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := d.sched.Query(ctx, id)
		if err == nil {
			switch status.State {
			case scheduler.StateCompleted:
				return nil
			case scheduler.StateFailed:
				return &SimulationFailure{JobID: id, Detail: status.Detail}
			}
		}

		select {
		case <-ctx.Done():
			d.cancelJob(id)
			return ctx.Err()
		case <-deadline:
			d.cancelJob(id)
			return &TimeoutError{JobID: id, After: d.cfg.JobTimeout}
		case <-ticker.C:
		}
	}
}

// cancelJob cancels best effort under a fresh short-lived context, since
// the run context may already be dead.
func (d *Dispatcher) cancelJob(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.sched.Cancel(ctx, id); err != nil {
		d.log.Warn("cancelling job", "job", id, "error", err)
	}
}

// parseOutput reads the fetched output into the candidate's tallies. A
// partial parse still attaches what was extracted; the constraint and
// objective stages decide whether the remainder is survivable.
func (d *Dispatcher) parseOutput(c *types.Candidate, id, outputPath string) error {
	f, err := os.Open(outputPath)
	if err != nil {
		return &SimulationFailure{JobID: id, Detail: fmt.Sprintf("opening output: %v", err)}
	}
	defer f.Close()

	result, err := parse.Parse(f, d.tallies)
	c.Tallies = result

	var perr *parse.ParseError
	if errors.As(err, &perr) {
		if len(result.Tallies) == 0 {
			return &SimulationFailure{JobID: id, Detail: perr.Error()}
		}
		c.Diagnostic = perr.Error()
		return nil
	}
	if err != nil {
		return &SimulationFailure{JobID: id, Detail: err.Error()}
	}
	return nil
}

// backoff waits before a resubmission, scaling linearly with the attempt.
func (d *Dispatcher) backoff(ctx context.Context, attempt int) error {
	interval := d.cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	timer := time.NewTimer(time.Duration(attempt) * interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
