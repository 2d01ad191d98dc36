// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package dispatch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/pdiddy/etaopt/pkg/types"
)

// DeckTemplate realizes input decks by substituting a candidate's design
// variables into a problem-supplied template. Variables are referenced by
// their domain name, e.g. {{.moderator_thickness}}, and render in
// scientific notation the simulator accepts.
type DeckTemplate struct {
	tmpl    *template.Template
	domains []types.VariableDomain
}

// NewDeckTemplate parses the template file once, up front, so a malformed
// template is a startup failure rather than a mid-run one.
func NewDeckTemplate(path string, domains []types.VariableDomain) (*DeckTemplate, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading deck template: %w", err)
	}
	tmpl, err := template.New(filepath.Base(path)).Option("missingkey=error").Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parsing deck template: %w", err)
	}
	return &DeckTemplate{tmpl: tmpl, domains: domains}, nil
}

// Realize writes the candidate's input deck into dir and returns its path.
func (t *DeckTemplate) Realize(c *types.Candidate, dir string) (string, error) {
	if len(c.Vector) != len(t.domains) {
		return "", fmt.Errorf("candidate has %d variables, template expects %d",
			len(c.Vector), len(t.domains))
	}

	vars := make(map[string]string, len(t.domains))
	for i, d := range t.domains {
		vars[d.Name] = fmt.Sprintf("%.6E", c.Vector[i])
	}

	var b strings.Builder
	if err := t.tmpl.Execute(&b, vars); err != nil {
		return "", fmt.Errorf("rendering deck for candidate %d: %w", c.ID, err)
	}

	inputPath := filepath.Join(dir, "inp")
	if err := os.WriteFile(inputPath, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("writing deck: %w", err)
	}
	return inputPath, nil
}
