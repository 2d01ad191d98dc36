// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/pdiddy/etaopt/pkg/types"
)

// local runs the simulator binary directly on the host. Each job gets a
// goroutine and a cancelable context; the lifecycle mirrors the batch
// backend so the dispatcher's poll loop works unchanged.
type local struct {
	cfg  types.SchedulerConfig
	exec executor

	mu     sync.Mutex
	nextID int
	jobs   map[string]*localJob
}

type localJob struct {
	spec   JobSpec
	state  JobState
	detail string
	cancel context.CancelFunc
}

func newLocal(cfg types.SchedulerConfig, exec executor) *local {
	return &local{cfg: cfg, exec: exec, jobs: make(map[string]*localJob)}
}

func (l *local) Name() string { return "local" }

func (l *local) Submit(ctx context.Context, spec JobSpec) (string, error) {
	if l.cfg.Simulator == "" {
		return "", &SubmitError{Backend: l.Name(), Err: fmt.Errorf("no simulator binary configured")}
	}

	// The job outlives the submit call, so it runs under its own context
	// rather than the caller's.
	jobCtx, cancel := context.WithCancel(context.Background())

	l.mu.Lock()
	l.nextID++
	id := fmt.Sprintf("local-%d", l.nextID)
	job := &localJob{spec: spec, state: StateRunning, cancel: cancel}
	l.jobs[id] = job
	l.mu.Unlock()

	go func() {
		err := l.exec.Run(jobCtx, l.cfg.Simulator,
			"i="+spec.InputPath, "o="+spec.OutputPath)
		cancel()

		l.mu.Lock()
		defer l.mu.Unlock()
		if err != nil {
			job.state = StateFailed
			job.detail = err.Error()
			return
		}
		job.state = StateCompleted
	}()

	return id, nil
}

func (l *local) Query(_ context.Context, id string) (JobStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	job, ok := l.jobs[id]
	if !ok {
		return JobStatus{State: StateUnknown}, fmt.Errorf("unknown local job %s", id)
	}
	return JobStatus{State: job.state, Detail: job.detail}, nil
}

func (l *local) Fetch(_ context.Context, id string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	job, ok := l.jobs[id]
	if !ok {
		return "", fmt.Errorf("unknown local job %s", id)
	}
	if job.state != StateCompleted {
		return "", fmt.Errorf("local job %s is %s, no output to fetch", id, job.state)
	}
	return job.spec.OutputPath, nil
}

func (l *local) Cancel(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	job, ok := l.jobs[id]
	if !ok {
		return fmt.Errorf("unknown local job %s", id)
	}
	job.cancel()
	return nil
}
