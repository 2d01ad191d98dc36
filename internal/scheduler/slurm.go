// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pdiddy/etaopt/pkg/types"
)

const (
	binSbatch  = "sbatch"
	binSqueue  = "squeue"
	binSacct   = "sacct"
	binScancel = "scancel"
)

// slurm drives a Slurm cluster. Each Submit writes a batch script into the
// job's working directory and hands it to sbatch; state queries go to
// squeue while the job is queued or running and fall back to sacct once it
// leaves the queue.
type slurm struct {
	cfg  types.SchedulerConfig
	exec executor

	mu    sync.Mutex
	specs map[string]JobSpec
}

func newSlurm(cfg types.SchedulerConfig, exec executor) *slurm {
	return &slurm{cfg: cfg, exec: exec, specs: make(map[string]JobSpec)}
}

func (s *slurm) Name() string { return "slurm" }

func (s *slurm) Submit(ctx context.Context, spec JobSpec) (string, error) {
	script := s.batchScript(spec)
	scriptPath := filepath.Join(spec.WorkDir, spec.Name+".sbatch")
	if err := os.WriteFile(scriptPath, []byte(script), 0o644); err != nil {
		return "", &SubmitError{Backend: s.Name(), Err: fmt.Errorf("writing batch script: %w", err)}
	}

	out, err := s.exec.Output(ctx, binSbatch, "--parsable", scriptPath)
	if err != nil {
		return "", &SubmitError{Backend: s.Name(),
			Err: fmt.Errorf("sbatch: %w (%s)", err, strings.TrimSpace(out))}
	}

	// --parsable prints "jobid" or "jobid;cluster".
	id, _, _ := strings.Cut(strings.TrimSpace(out), ";")
	if id == "" {
		return "", &SubmitError{Backend: s.Name(),
			Err: fmt.Errorf("sbatch returned no job id: %q", out)}
	}

	s.mu.Lock()
	s.specs[id] = spec
	s.mu.Unlock()
	return id, nil
}

// batchScript renders the sbatch directives and the simulator invocation.
func (s *slurm) batchScript(spec JobSpec) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	fmt.Fprintf(&b, "#SBATCH --job-name=%s\n", spec.Name)
	fmt.Fprintf(&b, "#SBATCH --chdir=%s\n", spec.WorkDir)
	fmt.Fprintf(&b, "#SBATCH --output=%s.log\n", spec.Name)
	if s.cfg.Account != "" {
		fmt.Fprintf(&b, "#SBATCH --account=%s\n", s.cfg.Account)
	}
	if s.cfg.Partition != "" {
		fmt.Fprintf(&b, "#SBATCH --partition=%s\n", s.cfg.Partition)
	}
	if s.cfg.QOS != "" {
		fmt.Fprintf(&b, "#SBATCH --qos=%s\n", s.cfg.QOS)
	}
	if s.cfg.Tasks > 0 {
		fmt.Fprintf(&b, "#SBATCH --ntasks=%d\n", s.cfg.Tasks)
	}
	if s.cfg.Walltime != "" {
		fmt.Fprintf(&b, "#SBATCH --time=%s\n", s.cfg.Walltime)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "%s i=%s o=%s\n", s.cfg.Simulator, spec.InputPath, spec.OutputPath)
	return b.String()
}

func (s *slurm) Query(ctx context.Context, id string) (JobStatus, error) {
	// squeue answers while the job is still known to the controller.
	out, err := s.exec.Output(ctx, binSqueue, "-h", "-j", id, "-o", "%T")
	if err == nil {
		if state := firstField(out); state != "" {
			return JobStatus{State: mapSlurmState(state), Detail: state}, nil
		}
	}

	// Once the job ages out of the queue only accounting remembers it.
	out, err = s.exec.Output(ctx, binSacct, "-n", "-X", "-j", id, "-o", "State")
	if err != nil {
		return JobStatus{State: StateUnknown}, fmt.Errorf("querying job %s: %w", id, err)
	}
	state := firstField(out)
	if state == "" {
		return JobStatus{State: StateUnknown}, fmt.Errorf("job %s not known to slurm", id)
	}
	return JobStatus{State: mapSlurmState(state), Detail: state}, nil
}

// Fetch returns the output path recorded at submit time, verifying the
// simulator actually wrote it.
func (s *slurm) Fetch(_ context.Context, id string) (string, error) {
	s.mu.Lock()
	spec, ok := s.specs[id]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("unknown slurm job %s", id)
	}
	if _, err := os.Stat(spec.OutputPath); err != nil {
		return "", fmt.Errorf("job %s produced no output: %w", id, err)
	}
	return spec.OutputPath, nil
}

func (s *slurm) Cancel(ctx context.Context, id string) error {
	if err := s.exec.Run(ctx, binScancel, id); err != nil {
		return fmt.Errorf("scancel %s: %w", id, err)
	}
	return nil
}

// mapSlurmState folds Slurm's state vocabulary onto the backend-neutral
// lifecycle. Cancellation markers carry a trailing "+" in sacct output.
func mapSlurmState(state string) JobState {
	switch strings.TrimSuffix(strings.ToUpper(state), "+") {
	case "PENDING", "CONFIGURING", "REQUEUED", "RESIZING", "SUSPENDED":
		return StatePending
	case "RUNNING", "COMPLETING":
		return StateRunning
	case "COMPLETED":
		return StateCompleted
	case "FAILED", "CANCELLED", "TIMEOUT", "NODE_FAIL", "OUT_OF_MEMORY",
		"PREEMPTED", "BOOT_FAIL", "DEADLINE":
		return StateFailed
	default:
		return StateUnknown
	}
}
