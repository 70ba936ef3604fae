// Package oml parses and validates pipeline documents.
package oml

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Version is the only accepted document version.
const Version = "0.1.0"

// Step modes.
const (
	ModeRead      = "read"
	ModeWrite     = "write"
	ModeTransform = "transform"
)

// Step is one unit of execution in the document's authored order.
type Step struct {
	ID        string            `yaml:"id"`
	Component string            `yaml:"component"`
	Mode      string            `yaml:"mode"`
	Config    map[string]any    `yaml:"config,omitempty"`
	Needs     []string          `yaml:"needs,omitempty"`
	Inputs    map[string]string `yaml:"inputs,omitempty"`
}

// Document is a parsed OML document. TopLevelKeys preserves the raw key set
// so the validator can reject forbidden legacy keys.
type Document struct {
	OMLVersion string `yaml:"oml_version"`
	Name       string `yaml:"name"`
	Steps      []Step `yaml:"steps"`

	TopLevelKeys []string `yaml:"-"`
}

var inputRefPattern = regexp.MustCompile(`^\$\{([A-Za-z0-9_\-]+)\.([A-Za-z0-9_\-]+)\}$`)

// ParseInputRef splits "${upstream_id.output}" into (upstream_id, output).
func ParseInputRef(s string) (stepID, output string, ok bool) {
	m := inputRefPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// Parse decodes an OML document. Structural problems beyond YAML syntax are
// reported by Validate, not here, so callers get diagnostics with stable
// rule codes instead of decode errors.
func Parse(b []byte) (*Document, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("oml: %w", err)
	}
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&doc); err != nil && err != io.EOF {
		return nil, fmt.Errorf("oml: %w", err)
	}
	for k := range raw {
		doc.TopLevelKeys = append(doc.TopLevelKeys, k)
	}
	return &doc, nil
}

// Slug derives the pipeline slug used in filesystem paths.
func (d *Document) Slug() string {
	s := strings.ToLower(strings.TrimSpace(d.Name))
	s = strings.ReplaceAll(s, " ", "-")
	s = strings.ReplaceAll(s, "_", "-")
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		out = "pipeline"
	}
	return out
}

// Step returns the step with the given id, or nil.
func (d *Document) Step(id string) *Step {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// Dependencies returns the union of a step's needs edges and the step ids
// referenced by its inputs, deduplicated in stable order.
func (s *Step) Dependencies() []string {
	seen := map[string]bool{}
	var out []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, n := range s.Needs {
		add(strings.TrimSpace(n))
	}
	// Inputs iterate in sorted key order for determinism.
	for _, k := range sortedKeys(s.Inputs) {
		if id, _, ok := ParseInputRef(s.Inputs[k]); ok {
			add(id)
		}
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
