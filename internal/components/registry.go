// Package components loads and validates component specifications and
// exposes lookup by name. The registry is populated once per process and
// treated as read-only afterwards; the mtime cache only matters across
// repeated Load calls in long-lived tooling.
package components

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	ErrSpecParse          = errors.New("component spec parse error")
	ErrSpecSchema         = errors.New("component spec schema error")
	ErrDuplicateComponent = errors.New("duplicate component")
	ErrUnknownComponent   = errors.New("unknown component")
)

// ValidationLevel selects how deeply Validate inspects a spec.
type ValidationLevel string

const (
	LevelBasic    ValidationLevel = "basic"
	LevelEnhanced ValidationLevel = "enhanced"
	LevelStrict   ValidationLevel = "strict"
)

type cacheEntry struct {
	mtime time.Time
	spec  *Spec
}

// Registry holds the loaded component specs keyed by name.
type Registry struct {
	mu      sync.RWMutex
	root    string
	specs   map[string]*Spec
	paths   map[string]string // name -> file path
	cache   map[string]cacheEntry
	schemas map[string]*jsonschema.Schema
}

// Load scans root for *.yaml spec files, parses and basic-validates each,
// and returns a populated registry. Duplicate component names across files
// are rejected.
func Load(root string) (*Registry, error) {
	r := &Registry{
		root:    root,
		specs:   map[string]*Spec{},
		paths:   map[string]string{},
		cache:   map[string]cacheEntry{},
		schemas: map[string]*jsonschema.Schema{},
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("components root: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			// One level of nesting: <root>/<component>/spec.yaml.
			nested := filepath.Join(root, e.Name(), "spec.yaml")
			if _, err := os.Stat(nested); err == nil {
				files = append(files, nested)
			}
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, filepath.Join(root, e.Name()))
		}
	}
	sort.Strings(files)
	for _, path := range files {
		spec, err := r.loadFile(path)
		if err != nil {
			return nil, err
		}
		if _, dup := r.specs[spec.Name]; dup {
			return nil, fmt.Errorf("%w: %s (%s)", ErrDuplicateComponent, spec.Name, path)
		}
		if err := r.validateBasic(spec, path); err != nil {
			return nil, err
		}
		r.specs[spec.Name] = spec
		r.paths[spec.Name] = path
	}
	return r, nil
}

// loadFile parses one spec file through the mtime-keyed cache.
func (r *Registry) loadFile(path string) (*Spec, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSpecParse, path, err)
	}
	if c, ok := r.cache[path]; ok && c.mtime.Equal(fi.ModTime()) {
		return c.spec, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSpecParse, path, err)
	}
	spec, err := decodeSpecStrict(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSpecParse, path, err)
	}
	r.cache[path] = cacheEntry{mtime: fi.ModTime(), spec: spec}
	return spec, nil
}

// Get returns the spec for name or ErrUnknownComponent.
func (r *Registry) Get(name string) (*Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownComponent, name)
	}
	return s, nil
}

// Names returns the registered component names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.specs))
	for n := range r.specs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// CompiledSchema compiles (and caches) the component's configSchema.
func (r *Registry) CompiledSchema(name string) (*jsonschema.Schema, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sch, ok := r.schemas[name]; ok {
		return sch, nil
	}
	spec, ok := r.specs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownComponent, name)
	}
	sch, err := compileSchema(name, spec.ConfigSchema)
	if err != nil {
		return nil, err
	}
	r.schemas[name] = sch
	return sch, nil
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	if schema == nil {
		schema = map[string]any{"type": "object"}
	}
	b, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSpecSchema, name, err)
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := "osiris://components/" + name + "/configSchema.json"
	if err := c.AddResource(url, strings.NewReader(string(b))); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSpecSchema, name, err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSpecSchema, name, err)
	}
	return sch, nil
}

// Validate checks a spec at the given level. Basic checks are always run;
// enhanced additionally validates every example against the configSchema;
// strict additionally requires complete override policies and a driver
// binding.
func (r *Registry) Validate(spec *Spec, level ValidationLevel) error {
	if err := r.validateBasic(spec, r.paths[spec.Name]); err != nil {
		return err
	}
	if level == LevelBasic {
		return nil
	}
	sch, err := compileSchema(spec.Name, spec.ConfigSchema)
	if err != nil {
		return err
	}
	for i, ex := range spec.Examples {
		if err := sch.Validate(normalizeForSchema(ex)); err != nil {
			return fmt.Errorf("%w: %s: example %d: %v", ErrSpecSchema, spec.Name, i, err)
		}
	}
	if level == LevelEnhanced {
		return nil
	}
	// Strict: every declared connection field carries a known policy, and
	// the driver binding is present.
	for _, cf := range spec.ConnectionFields {
		switch strings.ToLower(cf.Override) {
		case OverrideAllowed, OverrideForbidden, OverrideWarning:
		default:
			return fmt.Errorf("%w: %s: x-connection-fields[%s]: unknown override %q",
				ErrSpecSchema, spec.Name, cf.Name, cf.Override)
		}
	}
	if strings.TrimSpace(spec.Runtime.Driver) == "" {
		return fmt.Errorf("%w: %s: x-runtime.driver is required", ErrSpecSchema, spec.Name)
	}
	return nil
}

func (r *Registry) validateBasic(spec *Spec, path string) error {
	if strings.TrimSpace(spec.Name) == "" {
		return fmt.Errorf("%w: %s: name is required", ErrSpecSchema, path)
	}
	if strings.TrimSpace(spec.Version) == "" {
		return fmt.Errorf("%w: %s: version is required", ErrSpecSchema, spec.Name)
	}
	if len(spec.Modes) == 0 {
		return fmt.Errorf("%w: %s: modes must be non-empty", ErrSpecSchema, spec.Name)
	}
	for _, m := range spec.Modes {
		switch strings.ToLower(m) {
		case "read", "write", "transform", "discover":
		default:
			return fmt.Errorf("%w: %s: unknown mode %q", ErrSpecSchema, spec.Name, m)
		}
	}
	if _, err := compileSchema(spec.Name, spec.ConfigSchema); err != nil {
		return err
	}
	return nil
}

// normalizeForSchema round-trips a dynamic value through JSON so yaml.v3
// types (map[string]any with int values, etc.) match what the jsonschema
// validator expects (float64 numbers, plain maps).
func normalizeForSchema(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}
