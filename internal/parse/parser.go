// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package parse extracts named tallies from the transport simulator's
// tagged text output. Each tally is a binned quantity with per-bin relative
// statistical uncertainty, closed by an integral "total" row. Bins whose
// uncertainty exceeds the configured reliability threshold are retained but
// flagged unreliable; downstream consumers must treat flagged values as
// violating whatever depends on them.
package parse

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pdiddy/etaopt/pkg/types"
)

// ParseError reports absent or malformed tallies in simulator output. The
// accompanying TallyResult still carries every tally that did parse, so a
// single bad tally degrades rather than aborts an evaluation.
type ParseError struct {
	// Missing lists expected tally identifiers with no marker in the output.
	Missing []string

	// Malformed maps tally identifiers to what went wrong inside their block.
	Malformed map[string]string
}

func (e *ParseError) Error() string {
	parts := make([]string, 0, 2)
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing tallies: %s", strings.Join(e.Missing, ", ")))
	}
	for id, reason := range e.Malformed {
		parts = append(parts, fmt.Sprintf("tally %s: %s", id, reason))
	}
	if len(parts) == 0 {
		return "output parse failed"
	}
	return "output parse: " + strings.Join(parts, "; ")
}

// Parse reads simulator output and extracts every tally named in spec,
// plus the system mass from the cell summary table when present.
//
// A tally block opens with a marker line "1tally <id> nps ..." followed by
// an "energy" header, one "<energy> <value> <relerr>" row per bin, and a
// closing "total <value> <relerr>" row. The returned TallyResult always
// holds the tallies that parsed cleanly; the error, when non-nil, is a
// *ParseError describing the rest.
func Parse(r io.Reader, spec types.TallySpec) (*types.TallyResult, error) {
	result := &types.TallyResult{Tallies: make(map[string]types.Tally)}
	perr := &ParseError{Malformed: make(map[string]string)}

	expected := make(map[string]bool, len(spec.Expected))
	for _, id := range spec.Expected {
		expected[id] = true
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	// pending holds a marker line a malformed block ran into, so the
	// tally it opens still gets parsed.
	var pending string
scan:
	for {
		var text string
		switch {
		case pending != "":
			text, pending = pending, ""
		case scanner.Scan():
			text = scanner.Text()
		default:
			break scan
		}
		fields := strings.Fields(text)

		if isTallyMarker(fields) {
			id := fields[1]
			if !expected[id] {
				continue
			}
			tally, next, err := readTallyBlock(scanner, id)
			if err != nil {
				perr.Malformed[id] = err.Error()
				pending = next
				continue
			}
			flagUnreliable(&tally, spec.MaxRelativeError)
			result.Tallies[id] = tally
			continue
		}

		// Cell summary table carries the total system mass.
		if len(fields) >= 3 && fields[0] == "cell" && fields[1] == "mat" && fields[2] == "density" {
			if mass, ok := readMassTotal(scanner); ok {
				result.Mass = mass
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("reading simulator output: %w", err)
	}

	for _, id := range spec.Expected {
		if _, ok := result.Tallies[id]; !ok {
			if _, malformed := perr.Malformed[id]; !malformed {
				perr.Missing = append(perr.Missing, id)
			}
		}
	}

	if len(perr.Missing) > 0 || len(perr.Malformed) > 0 {
		return result, perr
	}
	return result, nil
}

// isTallyMarker reports whether a line opens a tally block.
func isTallyMarker(fields []string) bool {
	return len(fields) >= 3 && fields[0] == "1tally" && fields[2] == "nps"
}

// readTallyBlock consumes lines after a tally marker: everything up to the
// "energy" header is preamble, then bins accumulate until the total row. A
// new marker inside the block means this tally is malformed; the marker
// line is returned unconsumed so the adjacent tally still parses.
func readTallyBlock(scanner *bufio.Scanner, id string) (types.Tally, string, error) {
	tally := types.Tally{ID: id}

	inBins := false
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		if isTallyMarker(fields) {
			if !inBins {
				return tally, line, fmt.Errorf("no energy header before next tally")
			}
			return tally, line, fmt.Errorf("no total row before next tally")
		}

		if !inBins {
			if fields[0] == "energy" {
				inBins = true
			}
			continue
		}

		if fields[0] == "total" {
			if len(fields) < 3 {
				return tally, "", fmt.Errorf("malformed total row %q", line)
			}
			value, err1 := strconv.ParseFloat(fields[1], 64)
			relErr, err2 := strconv.ParseFloat(fields[2], 64)
			if err1 != nil || err2 != nil {
				return tally, "", fmt.Errorf("malformed total row %q", line)
			}
			tally.Total = types.TallyBin{Value: value, RelErr: relErr}
			return tally, "", nil
		}

		if len(fields) < 3 {
			return tally, "", fmt.Errorf("malformed bin row %q", line)
		}
		energy, err1 := strconv.ParseFloat(fields[0], 64)
		value, err2 := strconv.ParseFloat(fields[1], 64)
		relErr, err3 := strconv.ParseFloat(fields[2], 64)
		if err1 != nil || err2 != nil || err3 != nil {
			return tally, "", fmt.Errorf("malformed bin row %q", line)
		}
		tally.Bins = append(tally.Bins, types.TallyBin{Energy: energy, Value: value, RelErr: relErr})
	}

	return tally, "", fmt.Errorf("output ended before total row")
}

// readMassTotal scans the cell summary table for its total row and returns
// the mass column.
func readMassTotal(scanner *bufio.Scanner) (float64, bool) {
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 3 && fields[0] == "total" {
			mass, err := strconv.ParseFloat(fields[2], 64)
			if err != nil {
				return 0, false
			}
			return mass, true
		}
		// A blank separator after rows means the table ended without a total.
		if len(fields) == 0 {
			return 0, false
		}
	}
	return 0, false
}

// flagUnreliable marks bins and totals whose relative uncertainty exceeds
// the threshold. A zero threshold disables the gate.
func flagUnreliable(t *types.Tally, maxRelErr float64) {
	if maxRelErr <= 0 {
		return
	}
	for i := range t.Bins {
		if t.Bins[i].RelErr > maxRelErr {
			t.Bins[i].Unreliable = true
		}
	}
	if t.Total.RelErr > maxRelErr {
		t.Total.Unreliable = true
	}
}
