// Package compile turns a validated OML document into a deterministic,
// content-addressed manifest plus materialized per-step config files.
// Compiling the same document against the same registry twice yields
// byte-identical output (given a fixed clock) and the same manifest hash.
package compile

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/osiris-etl/osiris/internal/components"
	"github.com/osiris-etl/osiris/internal/connections"
	"github.com/osiris-etl/osiris/internal/fscontract"
	"github.com/osiris-etl/osiris/internal/oml"
)

var (
	ErrValidationFailed = errors.New("oml validation failed")
	ErrRegistryLookup   = errors.New("registry lookup failed")
	ErrCanonicalization = errors.New("canonicalization error")
)

// Compiler is configured once and reused. Now is injectable so determinism
// can be tested end to end; it only feeds meta.generated_at, which is not
// part of the hash input.
type Compiler struct {
	Registry    *components.Registry
	Connections *connections.Store
	Contract    *fscontract.Contract
	Profile     string
	Now         func() time.Time
}

// Output is the result of one compilation.
type Output struct {
	Manifest     *Manifest
	ManifestPath string
	BuildDir     string
	Bytes        []byte
	Warnings     []oml.Diagnostic
}

// Compile validates, orders, canonicalizes, hashes, and materializes.
func (c *Compiler) Compile(doc *oml.Document) (*Output, error) {
	res := oml.Validate(doc, c.Registry, c.Connections)
	if !res.OK {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, res.Err())
	}

	ordered, err := topoSort(doc)
	if err != nil {
		return nil, err
	}

	m := &Manifest{
		Meta: Meta{
			OMLVersion: doc.OMLVersion,
			Profile:    c.profile(),
		},
		Pipeline: PipelineMeta{
			ID:   doc.Slug(),
			Name: doc.Name,
		},
	}
	connSeen := map[string]bool{}
	for _, step := range ordered {
		spec, err := c.Registry.Get(step.Component)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRegistryLookup, err)
		}
		cfg, err := canonicalConfig(step, spec)
		if err != nil {
			return nil, err
		}
		if ref, _ := cfg["connection"].(string); ref != "" && !connSeen[ref] {
			connSeen[ref] = true
			m.Connections = append(m.Connections, ref)
		}
		m.Steps = append(m.Steps, Step{
			ID:        step.ID,
			Component: step.Component,
			Mode:      step.Mode,
			Driver:    spec.Runtime.Driver,
			ConfigRef: "steps/" + step.ID + ".yaml",
			Needs:     step.Dependencies(),
			Inputs:    step.Inputs,
			Config:    cfg,
		})
	}

	hashable, err := m.HashableBytes()
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(hashable)
	m.Meta.ManifestHash = hex.EncodeToString(sum[:])
	m.Meta.ManifestShort = m.Meta.ManifestHash[:7]
	m.Meta.GeneratedAt = c.now().UTC().Format(time.RFC3339)

	bytes, err := m.CanonicalBytes()
	if err != nil {
		return nil, err
	}
	out := &Output{Manifest: m, Bytes: bytes, Warnings: res.Warnings}
	if c.Contract != nil {
		if err := c.write(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (c *Compiler) write(out *Output) error {
	m := out.Manifest
	dir := c.Contract.BuildDir(c.profile(), m.Pipeline.ID, m.Meta.ManifestShort, m.Meta.ManifestHash)
	if err := os.MkdirAll(filepath.Join(dir, "steps"), 0o755); err != nil {
		return fmt.Errorf("compile: %w", err)
	}
	for _, s := range m.Steps {
		b, err := marshalCanonical(s.Config)
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, "steps", s.ID+".yaml"), b, 0o644); err != nil {
			return fmt.Errorf("compile: %w", err)
		}
	}
	path := filepath.Join(dir, "manifest.yaml")
	if err := os.WriteFile(path, out.Bytes, 0o644); err != nil {
		return fmt.Errorf("compile: %w", err)
	}
	out.BuildDir = dir
	out.ManifestPath = path
	return nil
}

func (c *Compiler) profile() string {
	if c.Profile == "" {
		return "default"
	}
	return c.Profile
}

func (c *Compiler) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// canonicalConfig produces the step's materialized config: step fields with
// spec-schema defaults filled in for absent properties. Key order is
// irrelevant here; canonical ordering happens at serialization.
func canonicalConfig(step oml.Step, spec *components.Spec) (map[string]any, error) {
	cfg := map[string]any{}
	for k, v := range step.Config {
		cfg[k] = v
	}
	props, _ := spec.ConfigSchema["properties"].(map[string]any)
	for name, raw := range props {
		prop, _ := raw.(map[string]any)
		if prop == nil {
			continue
		}
		def, ok := prop["default"]
		if !ok {
			continue
		}
		if _, present := cfg[name]; !present {
			cfg[name] = def
		}
	}
	return cfg, nil
}

// topoSort orders steps by their needs/inputs edges, breaking ties by
// authored order (stable Kahn).
func topoSort(doc *oml.Document) ([]oml.Step, error) {
	indegree := map[string]int{}
	dependents := map[string][]string{}
	position := map[string]int{}
	for i, s := range doc.Steps {
		position[s.ID] = i
		indegree[s.ID] = 0
	}
	for _, s := range doc.Steps {
		for _, dep := range s.Dependencies() {
			indegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}
	var ready []string
	for _, s := range doc.Steps {
		if indegree[s.ID] == 0 {
			ready = append(ready, s.ID)
		}
	}
	var out []oml.Step
	for len(ready) > 0 {
		// Lowest authored position first.
		best := 0
		for i := 1; i < len(ready); i++ {
			if position[ready[i]] < position[ready[best]] {
				best = i
			}
		}
		id := ready[best]
		ready = append(ready[:best], ready[best+1:]...)
		out = append(out, *doc.Step(id))
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	if len(out) != len(doc.Steps) {
		return nil, fmt.Errorf("%w: dependency cycle", ErrValidationFailed)
	}
	return out, nil
}
