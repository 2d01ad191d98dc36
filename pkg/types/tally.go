// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

// TallySpec enumerates the tally identifiers expected in simulator output
// for a run, and the statistical quality gate applied to each.
type TallySpec struct {
	// Expected lists tally identifiers the parser must find
	// (e.g. "14", "24"). A missing identifier is a parse failure for
	// that tally.
	Expected []string `json:"expected" yaml:"expected"`

	// MaxRelativeError is the reliability threshold: a bin whose relative
	// statistical uncertainty exceeds it is retained but flagged
	// unreliable. Zero disables the gate.
	MaxRelativeError float64 `json:"max_relative_error" yaml:"max_relative_error"`
}

// TallyBin is one energy bin of a tally: value plus relative statistical
// uncertainty as reported by the transport code.
type TallyBin struct {
	// Energy is the bin's upper energy boundary (MeV).
	Energy float64 `json:"energy" yaml:"energy"`

	// Value is the tallied quantity (flux, reaction rate, dose).
	Value float64 `json:"value" yaml:"value"`

	// RelErr is the relative statistical uncertainty of Value.
	RelErr float64 `json:"rel_err" yaml:"rel_err"`

	// Unreliable marks bins whose RelErr exceeded the configured threshold.
	// Consumers must treat such bins as violating whatever depends on them.
	Unreliable bool `json:"unreliable,omitempty" yaml:"unreliable,omitempty"`
}

// Tally is one named quantity extracted from simulator output: the binned
// values plus the integral total.
type Tally struct {
	ID   string     `json:"id" yaml:"id"`
	Bins []TallyBin `json:"bins" yaml:"bins"`

	// Total is the integral over all bins with its relative uncertainty.
	Total TallyBin `json:"total" yaml:"total"`
}

// Values returns the bin values in order.
func (t Tally) Values() []float64 {
	out := make([]float64, len(t.Bins))
	for i, b := range t.Bins {
		out[i] = b.Value
	}
	return out
}

// Reliable reports whether every bin and the total passed the
// statistical-quality gate.
func (t Tally) Reliable() bool {
	if t.Total.Unreliable {
		return false
	}
	for _, b := range t.Bins {
		if b.Unreliable {
			return false
		}
	}
	return true
}

// TallyResult maps tally identifiers to parsed tallies for one completed
// simulation. Immutable after creation.
type TallyResult struct {
	// Tallies is keyed by tally identifier.
	Tallies map[string]Tally `json:"tallies" yaml:"tallies"`

	// Mass is the total system mass reported in the output summary table,
	// when present. Used by mass constraints.
	Mass float64 `json:"mass,omitempty" yaml:"mass,omitempty"`
}

// Get returns the tally for id and whether it was parsed.
func (r *TallyResult) Get(id string) (Tally, bool) {
	t, ok := r.Tallies[id]
	return t, ok
}

// Clone deep-copies the result.
func (r *TallyResult) Clone() *TallyResult {
	out := &TallyResult{Tallies: make(map[string]Tally, len(r.Tallies)), Mass: r.Mass}
	for id, t := range r.Tallies {
		tc := t
		tc.Bins = append([]TallyBin(nil), t.Bins...)
		out.Tallies[id] = tc
	}
	return out
}
