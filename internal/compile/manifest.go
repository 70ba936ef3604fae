package compile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Meta is the manifest header. manifest_hash is pure hex of the canonical
// manifest bytes with the hash fields elided; manifest_short is its 7-char
// prefix. No algorithm prefix anywhere, ever.
type Meta struct {
	GeneratedAt   string `yaml:"generated_at" json:"generated_at"`
	ManifestHash  string `yaml:"manifest_hash" json:"manifest_hash"`
	ManifestShort string `yaml:"manifest_short" json:"manifest_short"`
	OMLVersion    string `yaml:"oml_version" json:"oml_version"`
	Profile       string `yaml:"profile" json:"profile"`
}

// PipelineMeta identifies the compiled pipeline.
type PipelineMeta struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
}

// Step is one compiled step in execution order. Config holds the canonical
// materialized config; on disk the manifest carries ConfigRef and the config
// itself lives in steps/<id>.yaml.
type Step struct {
	ID        string            `yaml:"id" json:"id"`
	Component string            `yaml:"component" json:"component"`
	Mode      string            `yaml:"mode" json:"mode"`
	Driver    string            `yaml:"driver" json:"driver"`
	ConfigRef string            `yaml:"config_ref" json:"config_ref"`
	Needs     []string          `yaml:"needs" json:"needs"`
	Inputs    map[string]string `yaml:"inputs,omitempty" json:"inputs,omitempty"`

	Config map[string]any `yaml:"-" json:"-"`
}

// Manifest is the immutable compiled form of a pipeline. Connection
// references stay symbolic; no secret value is ever embedded.
type Manifest struct {
	Meta        Meta         `yaml:"meta" json:"meta"`
	Pipeline    PipelineMeta `yaml:"pipeline" json:"pipeline"`
	Steps       []Step       `yaml:"steps" json:"steps"`
	Connections []string     `yaml:"connections" json:"connections"`
}

// Step returns the step with the given id, or nil.
func (m *Manifest) Step(id string) *Step {
	for i := range m.Steps {
		if m.Steps[i].ID == id {
			return &m.Steps[i]
		}
	}
	return nil
}

// tree builds the canonical dynamic form used for both hashing and
// serialization. Map keys serialize in sorted order under yaml.v3, which
// together with LF newlines is the canonicalization contract.
func (m *Manifest) tree(includeHashFields bool) map[string]any {
	meta := map[string]any{
		"oml_version": m.Meta.OMLVersion,
		"profile":     m.Meta.Profile,
	}
	if includeHashFields {
		meta["generated_at"] = m.Meta.GeneratedAt
		meta["manifest_hash"] = m.Meta.ManifestHash
		meta["manifest_short"] = m.Meta.ManifestShort
	}
	steps := make([]any, 0, len(m.Steps))
	for _, s := range m.Steps {
		needs := s.Needs
		if needs == nil {
			needs = []string{}
		}
		st := map[string]any{
			"id":         s.ID,
			"component":  s.Component,
			"mode":       s.Mode,
			"driver":     s.Driver,
			"config_ref": s.ConfigRef,
			"needs":      needs,
		}
		if len(s.Inputs) > 0 {
			st["inputs"] = s.Inputs
		}
		steps = append(steps, st)
	}
	conns := append([]string{}, m.Connections...)
	sort.Strings(conns)
	return map[string]any{
		"meta": meta,
		"pipeline": map[string]any{
			"id":   m.Pipeline.ID,
			"name": m.Pipeline.Name,
		},
		"steps":       steps,
		"connections": conns,
	}
}

// CanonicalBytes serializes the complete manifest (hash fields included).
func (m *Manifest) CanonicalBytes() ([]byte, error) {
	return marshalCanonical(m.tree(true))
}

// HashableBytes serializes the manifest with manifest_hash, manifest_short,
// and generated_at elided. These three are populated after hashing; eliding
// the hash field is the only hashing convention.
func (m *Manifest) HashableBytes() ([]byte, error) {
	return marshalCanonical(m.tree(false))
}

func marshalCanonical(v any) ([]byte, error) {
	b, err := yaml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCanonicalization, err)
	}
	return b, nil
}

// LoadManifest reads a manifest.yaml and the step configs it references.
func LoadManifest(path string) (*Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	dir := filepath.Dir(path)
	for i := range m.Steps {
		ref := m.Steps[i].ConfigRef
		if ref == "" {
			continue
		}
		cb, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(ref)))
		if err != nil {
			return nil, fmt.Errorf("step config %s: %w", ref, err)
		}
		var cfg map[string]any
		if err := yaml.Unmarshal(cb, &cfg); err != nil {
			return nil, fmt.Errorf("step config %s: %w", ref, err)
		}
		m.Steps[i].Config = cfg
	}
	return &m, nil
}
