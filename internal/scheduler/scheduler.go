// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package scheduler submits transport-simulation jobs to a batch backend
// and tracks them to completion. Two backends exist: slurm, which drives a
// cluster through sbatch/squeue/sacct/scancel, and local, which runs the
// simulator binary directly for small studies and tests. Both present the
// same asynchronous submit/status/cancel surface so the dispatcher never
// knows which one it is talking to.
package scheduler

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/pdiddy/etaopt/pkg/types"
)

// JobState is the lifecycle position of a submitted job.
type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateUnknown   JobState = "unknown"
)

// Terminal reports whether the state can no longer change.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// JobSpec describes one simulation run.
type JobSpec struct {
	// Name labels the job in the backend's accounting.
	Name string

	// InputPath is the simulator input deck written for the candidate.
	InputPath string

	// OutputPath is where the simulator writes its tagged text output.
	OutputPath string

	// WorkDir is the job's working directory; batch scripts and backend
	// logs land here.
	WorkDir string
}

// JobStatus is a point-in-time report on a submitted job.
type JobStatus struct {
	State JobState

	// Detail carries the backend's raw state string for diagnostics.
	Detail string
}

// Scheduler is the batch backend capability.
type Scheduler interface {
	// Name identifies the backend ("slurm" or "local").
	Name() string

	// Submit enqueues a job and returns the backend's job identifier.
	// Submission is asynchronous; the job may not have started.
	Submit(ctx context.Context, spec JobSpec) (string, error)

	// Query reports the job's current state. Querying an unknown
	// identifier is an error, not a state.
	Query(ctx context.Context, id string) (JobStatus, error)

	// Fetch returns the path of a completed job's output file. Fetching
	// a job that has not produced output is an error.
	Fetch(ctx context.Context, id string) (string, error)

	// Cancel asks the backend to stop a job. Cancelling a job that
	// already finished is not an error.
	Cancel(ctx context.Context, id string) error
}

// SubmitError reports a failed handoff to the backend. The candidate was
// never running, so the dispatcher may retry it without a new design.
type SubmitError struct {
	Backend string
	Err     error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("submitting to %s: %v", e.Backend, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// executor abstracts command execution for testing.
type executor interface {
	Output(ctx context.Context, name string, args ...string) (string, error)
	Run(ctx context.Context, name string, args ...string) error
}

// osExecutor is the production executor backed by os/exec.
type osExecutor struct{}

func (o *osExecutor) Output(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return string(out), err
}

func (o *osExecutor) Run(ctx context.Context, name string, args ...string) error {
	return exec.CommandContext(ctx, name, args...).Run()
}

var defaultExec executor = &osExecutor{}

// New builds the configured backend.
func New(cfg types.SchedulerConfig) (Scheduler, error) {
	switch cfg.Kind {
	case types.SchedulerSlurm:
		return newSlurm(cfg, defaultExec), nil
	case types.SchedulerLocal:
		return newLocal(cfg, defaultExec), nil
	default:
		return nil, &types.ValidationError{Field: "scheduler.kind",
			Reason: fmt.Sprintf("unknown scheduler %q", cfg.Kind)}
	}
}

// firstField returns the first whitespace-separated token of s.
func firstField(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
