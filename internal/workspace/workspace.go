// Package workspace loads the engine's own configuration file (osiris.yaml)
// and assembles the process-wide singletons from it: component registry,
// connection store, filesystem contract.
package workspace

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/osiris-etl/osiris/internal/aiop"
	"github.com/osiris-etl/osiris/internal/components"
	"github.com/osiris-etl/osiris/internal/connections"
	"github.com/osiris-etl/osiris/internal/fscontract"
)

// File is the decoded osiris.yaml. Unknown keys are rejected.
type File struct {
	// BasePath roots the filesystem contract. Must be absolute.
	BasePath string `yaml:"base_path"`
	// Profile selects the build namespace. Defaults to "default".
	Profile string `yaml:"profile"`
	// Components is the spec directory, relative to the config file.
	Components string `yaml:"components"`
	// Connections is the connections file, relative to the config file.
	Connections string `yaml:"connections"`
	// AIOP holds the file layer of the export policy.
	AIOP aiop.Overrides `yaml:"aiop"`
}

// Workspace is the assembled environment.
type Workspace struct {
	File     File
	Registry *components.Registry
	Store    *connections.Store
	Contract *fscontract.Contract
}

// Load reads and strictly decodes path, then builds the singletons. A
// missing connections file yields an empty store; a missing components
// directory is an error only when a command actually needs specs, so the
// registry is built lazily by Open.
func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("workspace config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("workspace config %s: %w", path, err)
	}
	// Reject trailing documents.
	var extra any
	if err := dec.Decode(&extra); err == nil {
		return nil, fmt.Errorf("workspace config %s: multiple documents", path)
	}
	if f.Profile == "" {
		f.Profile = "default"
	}
	if f.Components == "" {
		f.Components = "components"
	}
	if f.Connections == "" {
		f.Connections = "osiris_connections.yaml"
	}
	base := filepath.Dir(path)
	if !filepath.IsAbs(f.Components) {
		f.Components = filepath.Join(base, f.Components)
	}
	if !filepath.IsAbs(f.Connections) {
		f.Connections = filepath.Join(base, f.Connections)
	}
	return &f, nil
}

// Open assembles the registry, store, and contract from a loaded file.
func Open(f *File) (*Workspace, error) {
	contract, err := fscontract.New(f.BasePath)
	if err != nil {
		return nil, err
	}
	reg, err := components.Load(f.Components)
	if err != nil {
		return nil, err
	}
	store, err := loadStore(f.Connections)
	if err != nil {
		return nil, err
	}
	return &Workspace{File: *f, Registry: reg, Store: store, Contract: contract}, nil
}

func loadStore(path string) (*connections.Store, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return connections.Parse([]byte("connections: {}\n"))
	}
	return connections.Load(path)
}
