// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/etaopt/internal/checkpoint"
	"github.com/pdiddy/etaopt/internal/constraint"
	"github.com/pdiddy/etaopt/internal/dispatch"
	"github.com/pdiddy/etaopt/internal/engine"
	"github.com/pdiddy/etaopt/internal/objective"
	"github.com/pdiddy/etaopt/internal/population"
	"github.com/pdiddy/etaopt/internal/scheduler"
	"github.com/pdiddy/etaopt/pkg/types"
)

var optimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Run the design-space exploration loop",
	Long: `Optimize evaluates generations of candidate designs against the external
transport simulator until the search converges, a budget runs out, or the
generation cap is reached. Every generation is checkpointed; a run resumed
with --resume continues from the last fully evaluated generation.

Exit codes: 0 converged with a feasible solution, 1 budget exhausted with a
feasible solution, 2 no feasible solution ever found, 3 fatal configuration
error before any evaluation.`,
	RunE: runOptimize,
}

func init() {
	optimizeCmd.Flags().Int("population", 0, "population size (overrides config)")
	optimizeCmd.Flags().Int("max-generations", 0, "generation cap (overrides config)")
	optimizeCmd.Flags().Float64("epsilon", 0, "minimum best-fitness improvement counted as progress")
	optimizeCmd.Flags().Int("window", 0, "consecutive stalled generations before convergence")
	optimizeCmd.Flags().Duration("wall-clock-budget", 0, "total run time budget (0 = unlimited)")
	optimizeCmd.Flags().Int("job-budget", 0, "total simulation job budget (0 = unlimited)")
	optimizeCmd.Flags().Int64("seed", 0, "random seed (overrides config)")
	optimizeCmd.Flags().Int("concurrency", 0, "scheduler concurrency limit (overrides config)")
	optimizeCmd.Flags().Int("retry-limit", -1, "resubmissions per failed candidate (overrides config)")
	optimizeCmd.Flags().String("resume", "", "checkpoint database to resume from")
	optimizeCmd.Flags().String("checkpoint", "", "checkpoint database path (overrides config)")
	optimizeCmd.Flags().String("domains", "", "YAML file with variable domains (overrides config)")
	optimizeCmd.Flags().String("tally-spec", "", "YAML file with the expected tally spec (overrides config)")
	optimizeCmd.Flags().String("deck-template", "", "simulator input deck template file")
	optimizeCmd.Flags().Bool("progress", true, "print per-generation progress")

	rootCmd.AddCommand(optimizeCmd)
}

func runOptimize(cmd *cobra.Command, args []string) error {
	cfg, err := loadRunConfig(cmd)
	if err != nil {
		exitCode = 3
		return err
	}
	if err := cfg.Validate(); err != nil {
		exitCode = 3
		return err
	}

	deckPath, _ := cmd.Flags().GetString("deck-template")
	if deckPath == "" {
		deckPath = viper.GetString("deck_template")
	}
	if deckPath == "" {
		exitCode = 3
		return fmt.Errorf("a deck template is required (--deck-template or deck_template in config)")
	}
	realizer, err := dispatch.NewDeckTemplate(deckPath, cfg.Domains)
	if err != nil {
		exitCode = 3
		return err
	}

	sched, err := scheduler.New(cfg.Scheduler)
	if err != nil {
		exitCode = 3
		return err
	}

	constraints, err := constraint.NewEvaluator(cfg.Constraints)
	if err != nil {
		exitCode = 3
		return err
	}
	objectives, err := objective.NewEvaluator(cfg.Objective)
	if err != nil {
		exitCode = 3
		return err
	}

	// Resuming reuses the resume database for further checkpoints unless
	// an explicit checkpoint path says otherwise.
	resumePath, _ := cmd.Flags().GetString("resume")
	if resumePath != "" && cfg.Checkpoint.Path == "" {
		cfg.Checkpoint.Path = resumePath
	}

	var store *checkpoint.Store
	var saver engine.Saver
	if cfg.Checkpoint.Path != "" {
		store, err = checkpoint.Open(cfg.Checkpoint.Path)
		if err != nil {
			exitCode = 3
			return err
		}
		defer store.Close()
		saver = store
	}

	var resume *types.Population
	var priorJobs int
	if resumePath != "" {
		resume, priorJobs, err = loadResume(resumePath, store)
		if err != nil {
			exitCode = 3
			return err
		}
		fmt.Fprintf(os.Stderr, "Resuming from generation %d\n", resume.Generation)
	}

	rng := rand.New(rand.NewPCG(uint64(cfg.Seed), uint64(cfg.Seed)))
	manager := population.NewManager(cfg, rng)

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	dispatcher := dispatch.New(cfg.Dispatch, sched, realizer, cfg.Tallies, cfg.Scheduler.WorkDir, log)
	if resume != nil {
		dispatcher.RestoreJobsUsed(priorJobs)
	}

	var progress io.Writer
	if show, _ := cmd.Flags().GetBool("progress"); show {
		progress = os.Stderr
	}

	eng := engine.New(cfg, manager, constraints, objectives, dispatcher, saver, progress, log)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	report, err := eng.Run(ctx, resume)
	if err != nil {
		return fmt.Errorf("optimization run: %w", err)
	}

	printReport(report, time.Since(start))
	exitCode = report.ExitCode()
	return nil
}

// loadRunConfig builds the immutable run configuration: the YAML config
// file first, then domain/tally-spec file overrides, then flag overrides.
func loadRunConfig(cmd *cobra.Command) (*types.RunConfig, error) {
	cfg := &types.RunConfig{}

	if path := viper.ConfigFileUsed(); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if path, _ := cmd.Flags().GetString("domains"); path != "" {
		if err := readYAML(path, &cfg.Domains); err != nil {
			return nil, fmt.Errorf("loading domains: %w", err)
		}
	}
	if path, _ := cmd.Flags().GetString("tally-spec"); path != "" {
		if err := readYAML(path, &cfg.Tallies); err != nil {
			return nil, fmt.Errorf("loading tally spec: %w", err)
		}
	}

	if v, _ := cmd.Flags().GetInt("population"); v > 0 {
		cfg.Population.Size = v
	}
	if v, _ := cmd.Flags().GetInt("max-generations"); v > 0 {
		cfg.Convergence.MaxGenerations = v
	}
	if v, _ := cmd.Flags().GetFloat64("epsilon"); v > 0 {
		cfg.Convergence.Epsilon = v
	}
	if v, _ := cmd.Flags().GetInt("window"); v > 0 {
		cfg.Convergence.Window = v
	}
	if v, _ := cmd.Flags().GetDuration("wall-clock-budget"); v > 0 {
		cfg.Convergence.WallClockBudget = v
	}
	if v, _ := cmd.Flags().GetInt("job-budget"); v > 0 {
		cfg.Convergence.JobBudget = v
	}
	if v, _ := cmd.Flags().GetInt64("seed"); v != 0 {
		cfg.Seed = v
	}
	if v, _ := cmd.Flags().GetInt("concurrency"); v > 0 {
		cfg.Dispatch.Concurrency = v
	}
	if v, _ := cmd.Flags().GetInt("retry-limit"); v >= 0 {
		cfg.Dispatch.RetryLimit = v
	}
	if v, _ := cmd.Flags().GetString("checkpoint"); v != "" {
		cfg.Checkpoint.Path = v
	}

	return cfg, nil
}

func readYAML(path string, out any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(raw, out)
}

// loadResume reads the last fully persisted generation and the job count
// already spent reaching it. store is reused when the resume database is
// also the checkpoint target.
func loadResume(path string, store *checkpoint.Store) (*types.Population, int, error) {
	s := store
	if s == nil {
		var err error
		s, err = checkpoint.Open(path)
		if err != nil {
			return nil, 0, err
		}
		defer s.Close()
	}

	gen, ok, err := s.LatestGeneration()
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, 0, fmt.Errorf("checkpoint %s holds no completed generation", path)
	}
	jobs, err := s.JobsUsedThrough(gen)
	if err != nil {
		return nil, 0, err
	}
	pop, err := s.LoadPopulation(gen)
	if err != nil {
		return nil, 0, err
	}
	return pop, jobs, nil
}

func printReport(report *engine.Report, elapsed time.Duration) {
	fmt.Printf("outcome:     %s\n", report.Outcome)
	fmt.Printf("generations: %d\n", report.Generations)
	fmt.Printf("jobs used:   %d\n", report.JobsUsed)
	fmt.Printf("elapsed:     %s\n", elapsed.Round(time.Second))

	switch {
	case report.Best == nil:
		fmt.Println("best:        none (nothing evaluated)")
	case report.Feasible:
		fmt.Printf("best:        candidate %d (generation %d), fitness %.6g\n",
			report.Best.ID, report.Best.Generation, report.Best.Fitness)
		fmt.Printf("vector:      %v\n", []float64(report.Best.Vector))
	default:
		fmt.Printf("best:        INFEASIBLE candidate %d (generation %d), violation %.6g\n",
			report.Best.ID, report.Best.Generation, report.Best.Violation)
		fmt.Printf("vector:      %v\n", []float64(report.Best.Vector))
		if report.Best.Diagnostic != "" {
			fmt.Printf("diagnostic:  %s\n", report.Best.Diagnostic)
		}
	}
}
