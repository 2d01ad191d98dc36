// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/etaopt/internal/checkpoint"
	"github.com/pdiddy/etaopt/internal/population"
	"github.com/pdiddy/etaopt/pkg/types"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print the convergence audit from a checkpoint database",
	Long: `Report reads a checkpoint database and prints the per-generation audit:
evaluated, retried, failed, and infeasible counts, the best-fitness trace,
operator effectiveness, and the best candidate found. Failures are part of
the record, not hidden.`,
	RunE: runReport,
}

func init() {
	reportCmd.Flags().String("checkpoint", "", "checkpoint database to read (required)")
	reportCmd.Flags().String("format", "text", "output format: text or yaml")

	rootCmd.AddCommand(reportCmd)
}

// auditReport is the YAML shape of the full audit.
type auditReport struct {
	Generations []checkpoint.GenerationRecord `yaml:"generations"`
	Operators   map[string]operatorRecord     `yaml:"operators,omitempty"`
	Best        *types.Candidate              `yaml:"best,omitempty"`
	Feasible    bool                          `yaml:"feasible"`
}

type operatorRecord struct {
	Produced int `yaml:"produced"`
	Adopted  int `yaml:"adopted"`
}

func runReport(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("checkpoint")
	if path == "" {
		exitCode = 3
		return fmt.Errorf("--checkpoint is required")
	}
	if _, err := os.Stat(path); err != nil {
		exitCode = 3
		return fmt.Errorf("checkpoint database: %w", err)
	}

	store, err := checkpoint.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()

	history, err := store.History()
	if err != nil {
		return err
	}
	operators, err := store.OperatorHistory()
	if err != nil {
		return err
	}
	best, feasible, err := store.BestCandidate()
	if err != nil {
		return err
	}

	format, _ := cmd.Flags().GetString("format")
	switch format {
	case "yaml":
		return printAuditYAML(history, operators, best, feasible)
	case "text":
		printAuditText(history, operators, best, feasible)
		return nil
	default:
		exitCode = 3
		return fmt.Errorf("unknown format %q (want text or yaml)", format)
	}
}

func printAuditYAML(history []checkpoint.GenerationRecord,
	operators map[string]population.OperatorStats, best *types.Candidate, feasible bool) error {
	audit := auditReport{
		Generations: history,
		Best:        best,
		Feasible:    feasible,
	}
	if len(operators) > 0 {
		audit.Operators = make(map[string]operatorRecord, len(operators))
		for name, op := range operators {
			audit.Operators[name] = operatorRecord{Produced: op.Produced, Adopted: op.Adopted}
		}
	}
	return yaml.NewEncoder(os.Stdout).Encode(audit)
}

func printAuditText(history []checkpoint.GenerationRecord,
	operators map[string]population.OperatorStats, best *types.Candidate, feasible bool) {
	fmt.Println("generation  evaluated  retried  failed  infeasible  best fitness")
	for _, rec := range history {
		trace := "-"
		if rec.Stats.HasBest {
			trace = fmt.Sprintf("%.6g", rec.Stats.BestFitness)
		}
		fmt.Printf("%10d  %9d  %7d  %6d  %10d  %s\n",
			rec.Stats.Generation, rec.Stats.Evaluated, rec.Stats.Retried,
			rec.Stats.Failed, rec.Stats.Infeasible, trace)
	}

	if len(operators) > 0 {
		fmt.Println()
		fmt.Println("operator    produced  adopted")
		names := make([]string, 0, len(operators))
		for name := range operators {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			op := operators[name]
			fmt.Printf("%-10s  %8d  %7d\n", name, op.Produced, op.Adopted)
		}
	}

	fmt.Println()
	switch {
	case best == nil:
		fmt.Println("best: none recorded")
	case feasible:
		fmt.Printf("best: candidate %d (generation %d), fitness %.6g, vector %v\n",
			best.ID, best.Generation, best.Fitness, []float64(best.Vector))
	default:
		fmt.Printf("best: INFEASIBLE candidate %d (generation %d), violation %.6g, vector %v\n",
			best.ID, best.Generation, best.Violation, []float64(best.Vector))
	}
}
