package components

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// Spec is one component specification as loaded from a YAML file under the
// registry root. It is the source of truth for driver names, supported
// modes, config schemas, and secret pointers.
type Spec struct {
	Name         string          `yaml:"name" json:"name"`
	Version      string          `yaml:"version" json:"version"`
	Modes        []string        `yaml:"modes" json:"modes"`
	Capabilities map[string]bool `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`

	// ConfigSchema is a JSON Schema (2020-12) kept in dynamic form and
	// compiled lazily.
	ConfigSchema map[string]any `yaml:"configSchema" json:"configSchema"`

	// Secrets are JSON pointers into the resolved config ("/password").
	Secrets []string `yaml:"secrets,omitempty" json:"secrets,omitempty"`

	// Examples are validated against ConfigSchema at the enhanced level.
	Examples []map[string]any `yaml:"examples,omitempty" json:"examples,omitempty"`

	ConnectionFields []ConnectionField `yaml:"x-connection-fields,omitempty" json:"x-connection-fields,omitempty"`
	Runtime          RuntimeBinding    `yaml:"x-runtime" json:"x-runtime"`
}

// ConnectionField declares the override policy for one connection-sourced
// config field.
type ConnectionField struct {
	Name     string `yaml:"name" json:"name"`
	Override string `yaml:"override" json:"override"` // allowed | forbidden | warning
}

// RuntimeBinding binds a component to its driver registry key.
type RuntimeBinding struct {
	Driver string `yaml:"driver" json:"driver"`
}

// Override policies.
const (
	OverrideAllowed   = "allowed"
	OverrideForbidden = "forbidden"
	OverrideWarning   = "warning"
)

// SupportsMode reports whether the component declares the given mode.
func (s *Spec) SupportsMode(mode string) bool {
	for _, m := range s.Modes {
		if strings.EqualFold(m, mode) {
			return true
		}
	}
	return false
}

// OverridePolicy returns the declared policy for a connection field, or
// OverrideAllowed when the field is not declared.
func (s *Spec) OverridePolicy(field string) string {
	for _, cf := range s.ConnectionFields {
		if strings.EqualFold(cf.Name, field) {
			if cf.Override == "" {
				return OverrideAllowed
			}
			return strings.ToLower(cf.Override)
		}
	}
	return OverrideAllowed
}

// ForbiddenFields lists connection fields with override=forbidden. Feeds the
// redaction key set.
func (s *Spec) ForbiddenFields() []string {
	var out []string
	for _, cf := range s.ConnectionFields {
		if strings.EqualFold(cf.Override, OverrideForbidden) {
			out = append(out, cf.Name)
		}
	}
	return out
}

func decodeSpecStrict(b []byte) (*Spec, error) {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	var s Spec
	if err := dec.Decode(&s); err != nil {
		return nil, err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("multiple YAML documents are not allowed")
		}
		return nil, err
	}
	return &s, nil
}
