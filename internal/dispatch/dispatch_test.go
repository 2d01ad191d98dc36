// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/etaopt/internal/scheduler"
	"github.com/pdiddy/etaopt/pkg/types"
)

const sampleOutput = `
1tally  14  nps =  1000000
 energy
    1.0000E-01   2.5000E-03 0.0210
      total      1.9400E-02 0.0130
`

// fakeSched scripts backend behavior per submission and records calls.
type fakeSched struct {
	mu        sync.Mutex
	submits   int
	failFirst int // the first N jobs report a failed simulation
	rejectAll bool
	hang      bool // jobs never leave the running state
	active    int
	peak      int
	cancelled []string
	states    map[string]scheduler.JobState
	outputs   map[string]string
}

func newFakeSched() *fakeSched {
	return &fakeSched{states: map[string]scheduler.JobState{}, outputs: map[string]string{}}
}

func (f *fakeSched) Name() string { return "fake" }

func (f *fakeSched) Submit(_ context.Context, spec scheduler.JobSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejectAll {
		return "", &scheduler.SubmitError{Backend: "fake", Err: errors.New("quota exceeded")}
	}
	f.submits++
	f.active++
	if f.active > f.peak {
		f.peak = f.active
	}
	id := fmt.Sprintf("job-%d", f.submits)
	switch {
	case f.hang:
		f.states[id] = scheduler.StateRunning
	case f.submits <= f.failFirst:
		f.states[id] = scheduler.StateFailed
	default:
		f.states[id] = scheduler.StateCompleted
		if err := os.WriteFile(spec.OutputPath, []byte(sampleOutput), 0o644); err != nil {
			panic(err)
		}
		f.outputs[id] = spec.OutputPath
	}
	return id, nil
}

func (f *fakeSched) Query(_ context.Context, id string) (scheduler.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[id]
	if !ok {
		return scheduler.JobStatus{State: scheduler.StateUnknown}, fmt.Errorf("unknown job %s", id)
	}
	if state.Terminal() && f.active > 0 {
		f.active--
	}
	return scheduler.JobStatus{State: state, Detail: string(state)}, nil
}

func (f *fakeSched) Fetch(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	path, ok := f.outputs[id]
	if !ok {
		return "", fmt.Errorf("job %s has no output", id)
	}
	return path, nil
}

func (f *fakeSched) Cancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	f.states[id] = scheduler.StateFailed
	return nil
}

// passRealizer writes a trivial deck.
type passRealizer struct{}

func (passRealizer) Realize(c *types.Candidate, dir string) (string, error) {
	path := filepath.Join(dir, "inp")
	return path, os.WriteFile(path, []byte("deck\n"), 0o644)
}

func testConfig(retries int) types.DispatchConfig {
	return types.DispatchConfig{
		Concurrency:  2,
		RetryLimit:   retries,
		PollInterval: time.Millisecond,
		JobTimeout:   time.Second,
	}
}

func population(n int) *types.Population {
	pop := &types.Population{Generation: 1}
	for i := 0; i < n; i++ {
		pop.Members = append(pop.Members, &types.Candidate{
			ID: i + 1, Generation: 1, Vector: types.DesignVector{1},
			Status: types.StatusUnsubmitted,
		})
	}
	return pop
}

func newDispatcher(t *testing.T, sched scheduler.Scheduler, cfg types.DispatchConfig) *Dispatcher {
	t.Helper()
	return New(cfg, sched, passRealizer{}, types.TallySpec{Expected: []string{"14"}}, t.TempDir(), nil)
}

func TestEvaluateGenerationCompletesCandidates(t *testing.T) {
	sched := newFakeSched()
	d := newDispatcher(t, sched, testConfig(0))
	pop := population(3)

	summary, err := d.EvaluateGeneration(context.Background(), pop)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Submitted)
	assert.Equal(t, 3, summary.Completed)
	assert.Zero(t, summary.Failed)
	assert.Equal(t, 3, d.JobsUsed())

	for _, c := range pop.Members {
		assert.Equal(t, types.StatusComplete, c.Status)
		require.NotNil(t, c.Tallies)
		_, ok := c.Tallies.Get("14")
		assert.True(t, ok)
	}
}

func TestFailedJobIsRetriedWithSameVector(t *testing.T) {
	sched := newFakeSched()
	sched.failFirst = 1
	d := newDispatcher(t, sched, testConfig(2))
	pop := population(1)
	original := pop.Members[0].Vector.Clone()

	summary, err := d.EvaluateGeneration(context.Background(), pop)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Completed)
	assert.Equal(t, 1, summary.Retried)

	c := pop.Members[0]
	assert.Equal(t, types.StatusComplete, c.Status)
	assert.Equal(t, 1, c.Retries)
	assert.Equal(t, original, c.Vector)
	assert.Equal(t, 2, d.JobsUsed())
}

func TestRetryExhaustionWritesCandidateOff(t *testing.T) {
	sched := newFakeSched()
	sched.failFirst = 100 // every job fails
	d := newDispatcher(t, sched, testConfig(2))
	pop := population(1)

	summary, err := d.EvaluateGeneration(context.Background(), pop)
	require.NoError(t, err) // a written-off candidate never aborts the generation
	assert.Equal(t, 1, summary.Failed)

	c := pop.Members[0]
	assert.Equal(t, types.StatusInfeasible, c.Status)
	assert.False(t, c.Feasible)
	assert.NotEmpty(t, c.Diagnostic)
	assert.Equal(t, 2, c.Retries)
	// No measurement ever came back, so the violation is unknown and must
	// rank behind any measured constraint violation.
	assert.True(t, math.IsInf(c.Violation, 1))
}

func TestRestoredJobCountFeedsBudget(t *testing.T) {
	sched := newFakeSched()
	d := newDispatcher(t, sched, testConfig(0))
	d.RestoreJobsUsed(30)

	_, err := d.EvaluateGeneration(context.Background(), population(2))
	require.NoError(t, err)
	assert.Equal(t, 32, d.JobsUsed())
}

func TestRejectedSubmissionIsDispatchError(t *testing.T) {
	sched := newFakeSched()
	sched.rejectAll = true
	d := newDispatcher(t, sched, testConfig(0))
	pop := population(1)

	summary, err := d.EvaluateGeneration(context.Background(), pop)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Contains(t, pop.Members[0].Diagnostic, "dispatch rejected")
}

func TestConcurrencyStaysWithinQuota(t *testing.T) {
	sched := newFakeSched()
	cfg := testConfig(0)
	cfg.Concurrency = 2
	d := newDispatcher(t, sched, cfg)

	_, err := d.EvaluateGeneration(context.Background(), population(8))
	require.NoError(t, err)
	assert.LessOrEqual(t, sched.peak, 2)
}

func TestPrunedCandidatesAreNeverSubmitted(t *testing.T) {
	sched := newFakeSched()
	d := newDispatcher(t, sched, testConfig(0))
	pop := population(2)
	pop.Members[0].Status = types.StatusInfeasible
	pop.Members[0].Feasible = false

	summary, err := d.EvaluateGeneration(context.Background(), pop)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Submitted)
	assert.Equal(t, 1, sched.submits)
	assert.Empty(t, pop.Members[0].JobID)
}

func TestCancellationCancelsInFlightJobs(t *testing.T) {
	sched := newFakeSched()
	sched.hang = true
	d := newDispatcher(t, sched, testConfig(0))
	pop := population(1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := d.EvaluateGeneration(ctx, pop)
	require.ErrorIs(t, err, context.Canceled)

	sched.mu.Lock()
	defer sched.mu.Unlock()
	assert.NotEmpty(t, sched.cancelled)
}

func TestJobTimeoutTriggersCancelAndRetry(t *testing.T) {
	sched := newFakeSched()
	sched.hang = true
	cfg := testConfig(0)
	cfg.JobTimeout = 20 * time.Millisecond
	d := newDispatcher(t, sched, cfg)
	pop := population(1)

	summary, err := d.EvaluateGeneration(context.Background(), pop)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Contains(t, pop.Members[0].Diagnostic, "timed out")

	sched.mu.Lock()
	defer sched.mu.Unlock()
	assert.NotEmpty(t, sched.cancelled)
}

func TestDeckTemplateSubstitutesVariables(t *testing.T) {
	dir := t.TempDir()
	tmplPath := filepath.Join(dir, "deck.tmpl")
	require.NoError(t, os.WriteFile(tmplPath,
		[]byte("c shield model\nradius {{.shield_radius}}\nrho {{.density}}\n"), 0o644))

	domains := []types.VariableDomain{
		{Name: "shield_radius", Lower: 0, Upper: 10},
		{Name: "density", Lower: 0, Upper: 20},
	}
	realizer, err := NewDeckTemplate(tmplPath, domains)
	require.NoError(t, err)

	c := &types.Candidate{ID: 7, Vector: types.DesignVector{1.5, 7.9}}
	inputPath, err := realizer.Realize(c, dir)
	require.NoError(t, err)

	deck, err := os.ReadFile(inputPath)
	require.NoError(t, err)
	assert.Contains(t, string(deck), "radius 1.500000E+00")
	assert.Contains(t, string(deck), "rho 7.900000E+00")
}

func TestDeckTemplateRejectsUnknownVariable(t *testing.T) {
	dir := t.TempDir()
	tmplPath := filepath.Join(dir, "deck.tmpl")
	require.NoError(t, os.WriteFile(tmplPath, []byte("{{.no_such_variable}}\n"), 0o644))

	realizer, err := NewDeckTemplate(tmplPath, []types.VariableDomain{{Name: "radius", Upper: 1}})
	require.NoError(t, err)

	_, err = realizer.Realize(&types.Candidate{Vector: types.DesignVector{0.5}}, dir)
	assert.Error(t, err)
}

func TestDeckTemplateVectorLengthMismatch(t *testing.T) {
	dir := t.TempDir()
	tmplPath := filepath.Join(dir, "deck.tmpl")
	require.NoError(t, os.WriteFile(tmplPath, []byte("{{.radius}}\n"), 0o644))

	realizer, err := NewDeckTemplate(tmplPath, []types.VariableDomain{{Name: "radius", Upper: 1}})
	require.NoError(t, err)

	_, err = realizer.Realize(&types.Candidate{Vector: types.DesignVector{0.5, 0.6}}, dir)
	assert.Error(t, err)
}
