// Package connections loads the connections file and resolves symbolic
// references ("@family.alias") into credential mappings at execution time.
// Resolution applies the component spec's override policies and expands
// ${ENV} placeholders from the process environment. Manifests and artifacts
// only ever carry the symbolic form.
package connections

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/osiris-etl/osiris/internal/components"
	"github.com/osiris-etl/osiris/internal/secrets"
)

var (
	ErrUnknownFamily     = errors.New("unknown connection family")
	ErrUnknownAlias      = errors.New("unknown connection alias")
	ErrForbiddenOverride = errors.New("forbidden connection override")
	ErrMissingEnv        = errors.New("missing environment variable")
	ErrInvalidRef        = errors.New("invalid connection reference")
)

// Ref is a parsed symbolic connection reference.
type Ref struct {
	Family string
	Alias  string
}

func (r Ref) String() string {
	if r.Alias == "" {
		return "@" + r.Family
	}
	return "@" + r.Family + "." + r.Alias
}

// ParseRef parses "@family.alias". A bare "@family" is accepted and resolves
// through the family's default alias.
func ParseRef(s string) (Ref, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "@") || len(s) < 2 {
		return Ref{}, fmt.Errorf("%w: %q", ErrInvalidRef, s)
	}
	body := s[1:]
	family, alias, _ := strings.Cut(body, ".")
	if family == "" {
		return Ref{}, fmt.Errorf("%w: %q", ErrInvalidRef, s)
	}
	if strings.Contains(alias, ".") {
		return Ref{}, fmt.Errorf("%w: %q", ErrInvalidRef, s)
	}
	return Ref{Family: family, Alias: alias}, nil
}

type fileDoc struct {
	Connections map[string]map[string]map[string]any `yaml:"connections"`
}

// Store is the loaded connections file. Initialized once at startup and
// read-only afterwards.
type Store struct {
	families map[string]map[string]map[string]any
	defaults map[string]string // family -> default alias
}

// Load reads and strictly decodes the connections file.
func Load(path string) (*Store, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse decodes connections file bytes.
func Parse(b []byte) (*Store, error) {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	var doc fileDoc
	if err := dec.Decode(&doc); err != nil {
		if err == io.EOF {
			doc.Connections = map[string]map[string]map[string]any{}
		} else {
			return nil, fmt.Errorf("connections file: %w", err)
		}
	}
	s := &Store{
		families: map[string]map[string]map[string]any{},
		defaults: map[string]string{},
	}
	for family, aliases := range doc.Connections {
		s.families[family] = map[string]map[string]any{}
		for alias, fields := range aliases {
			clean := map[string]any{}
			for k, v := range fields {
				if k == "default" {
					if isTrue(v) {
						s.defaults[family] = alias
					}
					continue
				}
				clean[k] = v
			}
			s.families[family][alias] = clean
		}
		// A single alias is the implicit default.
		if _, ok := s.defaults[family]; !ok && len(aliases) == 1 {
			for alias := range aliases {
				s.defaults[family] = alias
			}
		}
	}
	return s, nil
}

func isTrue(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

// Resolved is the outcome of resolving one reference: the merged credential
// mapping plus any warning diagnostics from override policy.
type Resolved struct {
	Ref      Ref
	Fields   map[string]any
	Warnings []string
}

// SecretValues returns the resolved values of the spec's secret fields, for
// literal-substring redaction of error messages.
func (r *Resolved) SecretValues(keys map[string]struct{}) []string {
	var out []string
	for k, v := range r.Fields {
		if _, hit := keys[strings.ToLower(k)]; !hit {
			continue
		}
		if s, ok := v.(string); ok && s != "" && !secrets.IsPlaceholder(s) {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// Masked returns a display-safe copy of the resolved fields.
func (r *Resolved) Masked(keys map[string]struct{}) map[string]any {
	return secrets.Redact(r.Fields, keys).(map[string]any)
}

// Lookup returns the raw (unresolved) field mapping for a reference. Used by
// the pre-runtime validator, which must stay pure: placeholders are left
// verbatim and no environment reads happen.
func (s *Store) Lookup(ref Ref) (map[string]any, error) {
	aliases, ok := s.families[ref.Family]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFamily, ref.Family)
	}
	alias := ref.Alias
	if alias == "" {
		alias = s.defaults[ref.Family]
		if alias == "" {
			return nil, fmt.Errorf("%w: %s has no default alias", ErrUnknownAlias, ref.Family)
		}
	}
	fields, ok := aliases[alias]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownAlias, ref.Family, alias)
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out, nil
}

// CheckOverrides applies the spec's override policy to the step config
// without resolving anything. Returns warning diagnostics; forbidden
// overrides are errors. Shared by the validator (L3) and Resolve.
func CheckOverrides(spec *components.Spec, connFields, stepConfig map[string]any) ([]string, error) {
	if spec == nil {
		return nil, nil
	}
	keys := make([]string, 0, len(stepConfig))
	for k := range stepConfig {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var warnings []string
	for _, k := range keys {
		if _, fromConn := connFields[k]; !fromConn {
			// Only connection-sourced fields are policed.
			if spec.OverridePolicy(k) == components.OverrideForbidden {
				return warnings, fmt.Errorf("%w: %s", ErrForbiddenOverride, k)
			}
			continue
		}
		switch spec.OverridePolicy(k) {
		case components.OverrideForbidden:
			return warnings, fmt.Errorf("%w: %s", ErrForbiddenOverride, k)
		case components.OverrideWarning:
			warnings = append(warnings, fmt.Sprintf("step overrides connection field %q", k))
		}
	}
	return warnings, nil
}

// Resolve turns a reference into a fully-resolved credential mapping:
// connection fields merged with allowed step overrides, ${ENV} placeholders
// expanded. An empty environment value counts as unset.
func (s *Store) Resolve(ref Ref, stepConfig map[string]any, spec *components.Spec) (*Resolved, error) {
	fields, err := s.Lookup(ref)
	if err != nil {
		return nil, err
	}
	warnings, err := CheckOverrides(spec, fields, stepConfig)
	if err != nil {
		return nil, err
	}
	// Merge step values over connection values (policy already enforced).
	for k, v := range stepConfig {
		if isMetaField(k) {
			continue
		}
		fields[k] = v
	}
	for k, v := range fields {
		str, ok := v.(string)
		if !ok || !secrets.IsPlaceholder(str) {
			continue
		}
		name := strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(str), "${"), "}")
		val := os.Getenv(name)
		if val == "" {
			return nil, fmt.Errorf("%w: %s (field %q of %s)", ErrMissingEnv, name, k, ref)
		}
		fields[k] = val
	}
	return &Resolved{Ref: ref, Fields: fields, Warnings: warnings}, nil
}

// isMetaField filters step-config keys that are runtime plumbing rather than
// connection material.
func isMetaField(k string) bool {
	switch k {
	case "connection", "query", "table", "path", "write_mode", "primary_key", "rows", "newline", "delimiter", "header":
		return true
	}
	return false
}
