// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package checkpoint persists run state to a SQLite database, one
// transaction per generation. A run can resume from the last fully
// persisted generation, and the report command reads the same database for
// the convergence audit. The schema is versioned through a meta table and
// stable across minor releases.
package checkpoint

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pdiddy/etaopt/internal/population"
	"github.com/pdiddy/etaopt/pkg/types"
)

const schemaVersion = 1

// Store manages the checkpoint SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the checkpoint database at path, creating the
// schema when absent and refusing databases written by a newer schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating checkpoint directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint database: %w", err)
	}

	s := &Store{db: db}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating checkpoint schema: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS generations (
			generation INTEGER PRIMARY KEY,
			evaluated INTEGER NOT NULL,
			retried INTEGER NOT NULL,
			failed INTEGER NOT NULL,
			infeasible INTEGER NOT NULL,
			best_fitness REAL,
			has_best INTEGER NOT NULL,
			elapsed_ms INTEGER NOT NULL,
			jobs_used INTEGER NOT NULL,
			created TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS candidates (
			generation INTEGER NOT NULL,
			id INTEGER NOT NULL,
			vector TEXT NOT NULL,
			status TEXT NOT NULL,
			feasible INTEGER NOT NULL,
			fitness REAL,
			objectives TEXT,
			scored INTEGER NOT NULL,
			violation REAL NOT NULL,
			job_id TEXT,
			retries INTEGER NOT NULL,
			diagnostic TEXT,
			operator TEXT,
			tallies TEXT,
			PRIMARY KEY (generation, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_candidates_generation ON candidates(generation)`,
		`CREATE TABLE IF NOT EXISTS operator_stats (
			generation INTEGER NOT NULL,
			operator TEXT NOT NULL,
			produced INTEGER NOT NULL,
			adopted INTEGER NOT NULL,
			PRIMARY KEY (generation, operator)
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("executing schema statement: %w", err)
		}
	}

	var version string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		_, err = s.db.Exec(`INSERT INTO meta (key, value) VALUES ('schema_version', ?)`,
			fmt.Sprintf("%d", schemaVersion))
		return err
	case err != nil:
		return fmt.Errorf("reading schema version: %w", err)
	case version != fmt.Sprintf("%d", schemaVersion):
		return fmt.Errorf("checkpoint schema version %s not supported", version)
	}
	return nil
}

// SaveGeneration persists one fully evaluated generation atomically:
// its candidates, the generation counters, and the cumulative operator
// statistics. A generation already present is overwritten, which makes
// resumed runs idempotent at the boundary generation.
func (s *Store) SaveGeneration(pop *types.Population, stats types.GenerationStats,
	jobsUsed int, operators map[string]population.OperatorStats) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning checkpoint transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM candidates WHERE generation = ?`, pop.Generation); err != nil {
		return fmt.Errorf("clearing generation %d: %w", pop.Generation, err)
	}

	for _, c := range pop.Members {
		vector, err := json.Marshal(c.Vector)
		if err != nil {
			return fmt.Errorf("encoding candidate %d vector: %w", c.ID, err)
		}
		objectives, err := json.Marshal(c.Objectives)
		if err != nil {
			return fmt.Errorf("encoding candidate %d objectives: %w", c.ID, err)
		}
		var tallies []byte
		if c.Tallies != nil {
			if tallies, err = json.Marshal(c.Tallies); err != nil {
				return fmt.Errorf("encoding candidate %d tallies: %w", c.ID, err)
			}
		}

		_, err = tx.Exec(`INSERT INTO candidates
			(generation, id, vector, status, feasible, fitness, objectives,
			 scored, violation, job_id, retries, diagnostic, operator, tallies)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			pop.Generation, c.ID, string(vector), string(c.Status), c.Feasible,
			c.Fitness, string(objectives), c.Scored, c.Violation, c.JobID,
			c.Retries, c.Diagnostic, c.Operator, nullable(tallies))
		if err != nil {
			return fmt.Errorf("inserting candidate %d: %w", c.ID, err)
		}
	}

	_, err = tx.Exec(`INSERT OR REPLACE INTO generations
		(generation, evaluated, retried, failed, infeasible, best_fitness,
		 has_best, elapsed_ms, jobs_used, created)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		stats.Generation, stats.Evaluated, stats.Retried, stats.Failed,
		stats.Infeasible, stats.BestFitness, stats.HasBest,
		stats.Elapsed.Milliseconds(), jobsUsed, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("inserting generation %d: %w", stats.Generation, err)
	}

	for name, op := range operators {
		_, err = tx.Exec(`INSERT OR REPLACE INTO operator_stats
			(generation, operator, produced, adopted) VALUES (?, ?, ?, ?)`,
			pop.Generation, name, op.Produced, op.Adopted)
		if err != nil {
			return fmt.Errorf("inserting operator stats: %w", err)
		}
	}

	return tx.Commit()
}

func nullable(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// LatestGeneration returns the highest persisted generation number, with
// ok false for an empty database.
func (s *Store) LatestGeneration() (int, bool, error) {
	var gen sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(generation) FROM generations`).Scan(&gen)
	if err != nil {
		return 0, false, fmt.Errorf("reading latest generation: %w", err)
	}
	if !gen.Valid {
		return 0, false, nil
	}
	return int(gen.Int64), true, nil
}

// JobsUsedThrough returns the cumulative job count persisted with the
// given generation, so a resumed run keeps counting against its budget.
func (s *Store) JobsUsedThrough(generation int) (int, error) {
	var jobs int
	err := s.db.QueryRow(`SELECT jobs_used FROM generations WHERE generation = ?`,
		generation).Scan(&jobs)
	if err != nil {
		return 0, fmt.Errorf("reading jobs used for generation %d: %w", generation, err)
	}
	return jobs, nil
}

// LoadPopulation reconstructs a persisted generation for resume.
func (s *Store) LoadPopulation(generation int) (*types.Population, error) {
	rows, err := s.db.Query(`SELECT id, vector, status, feasible, fitness,
		objectives, scored, violation, job_id, retries, diagnostic, operator, tallies
		FROM candidates WHERE generation = ? ORDER BY id`, generation)
	if err != nil {
		return nil, fmt.Errorf("loading generation %d: %w", generation, err)
	}
	defer rows.Close()

	pop := &types.Population{Generation: generation}
	for rows.Next() {
		c := &types.Candidate{Generation: generation}
		var vector, objectives string
		var jobID, diagnostic, operator, tallies sql.NullString
		var status string
		if err := rows.Scan(&c.ID, &vector, &status, &c.Feasible, &c.Fitness,
			&objectives, &c.Scored, &c.Violation, &jobID, &c.Retries,
			&diagnostic, &operator, &tallies); err != nil {
			return nil, fmt.Errorf("scanning candidate: %w", err)
		}
		c.Status = types.CandidateStatus(status)
		c.JobID = jobID.String
		c.Diagnostic = diagnostic.String
		c.Operator = operator.String
		if err := json.Unmarshal([]byte(vector), &c.Vector); err != nil {
			return nil, fmt.Errorf("decoding candidate %d vector: %w", c.ID, err)
		}
		if objectives != "" && objectives != "null" {
			if err := json.Unmarshal([]byte(objectives), &c.Objectives); err != nil {
				return nil, fmt.Errorf("decoding candidate %d objectives: %w", c.ID, err)
			}
		}
		if tallies.Valid && tallies.String != "" {
			c.Tallies = &types.TallyResult{}
			if err := json.Unmarshal([]byte(tallies.String), c.Tallies); err != nil {
				return nil, fmt.Errorf("decoding candidate %d tallies: %w", c.ID, err)
			}
		}
		pop.Members = append(pop.Members, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating candidates: %w", err)
	}
	if len(pop.Members) == 0 {
		return nil, fmt.Errorf("no candidates persisted for generation %d", generation)
	}
	return pop, nil
}

// GenerationRecord is one row of the convergence audit.
type GenerationRecord struct {
	Stats    types.GenerationStats `yaml:"stats"`
	JobsUsed int                   `yaml:"jobs_used"`
	Created  string                `yaml:"created"`
}

// History returns the per-generation audit in generation order.
func (s *Store) History() ([]GenerationRecord, error) {
	rows, err := s.db.Query(`SELECT generation, evaluated, retried, failed,
		infeasible, best_fitness, has_best, elapsed_ms, jobs_used, created
		FROM generations ORDER BY generation`)
	if err != nil {
		return nil, fmt.Errorf("reading generation history: %w", err)
	}
	defer rows.Close()

	var out []GenerationRecord
	for rows.Next() {
		var rec GenerationRecord
		var elapsedMS int64
		var best sql.NullFloat64
		if err := rows.Scan(&rec.Stats.Generation, &rec.Stats.Evaluated,
			&rec.Stats.Retried, &rec.Stats.Failed, &rec.Stats.Infeasible,
			&best, &rec.Stats.HasBest, &elapsedMS, &rec.JobsUsed, &rec.Created); err != nil {
			return nil, fmt.Errorf("scanning generation row: %w", err)
		}
		rec.Stats.BestFitness = best.Float64
		rec.Stats.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

// BestCandidate returns the best feasible scored candidate across all
// persisted generations, or the least-infeasible one when no feasible
// candidate was ever produced. ok distinguishes the two cases.
func (s *Store) BestCandidate() (c *types.Candidate, feasible bool, err error) {
	best, err := s.queryOneCandidate(`SELECT generation, id, vector, fitness, violation, diagnostic
		FROM candidates WHERE feasible = 1 AND scored = 1 ORDER BY fitness LIMIT 1`)
	if err != nil {
		return nil, false, err
	}
	if best != nil {
		best.Feasible = true
		best.Scored = true
		best.Status = types.StatusComplete
		return best, true, nil
	}

	fallback, err := s.queryOneCandidate(`SELECT generation, id, vector, fitness, violation, diagnostic
		FROM candidates ORDER BY violation LIMIT 1`)
	if err != nil || fallback == nil {
		return nil, false, err
	}
	fallback.Status = types.StatusInfeasible
	return fallback, false, nil
}

func (s *Store) queryOneCandidate(query string) (*types.Candidate, error) {
	c := &types.Candidate{}
	var vector string
	var diagnostic sql.NullString
	err := s.db.QueryRow(query).Scan(&c.Generation, &c.ID, &vector, &c.Fitness,
		&c.Violation, &diagnostic)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying candidate: %w", err)
	}
	c.Diagnostic = diagnostic.String
	if err := json.Unmarshal([]byte(vector), &c.Vector); err != nil {
		return nil, fmt.Errorf("decoding candidate vector: %w", err)
	}
	return c, nil
}

// OperatorHistory returns the cumulative operator counters persisted with
// the latest generation.
func (s *Store) OperatorHistory() (map[string]population.OperatorStats, error) {
	rows, err := s.db.Query(`SELECT operator, produced, adopted FROM operator_stats
		WHERE generation = (SELECT MAX(generation) FROM operator_stats)`)
	if err != nil {
		return nil, fmt.Errorf("reading operator stats: %w", err)
	}
	defer rows.Close()

	out := make(map[string]population.OperatorStats)
	for rows.Next() {
		var name string
		var op population.OperatorStats
		if err := rows.Scan(&name, &op.Produced, &op.Adopted); err != nil {
			return nil, fmt.Errorf("scanning operator row: %w", err)
		}
		out[name] = op
	}
	return out, rows.Err()
}
