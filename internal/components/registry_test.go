package components

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const mysqlExtractorSpec = `
name: mysql.extractor
version: 1.0.0
modes: [read, discover]
capabilities:
  discover: true
configSchema:
  type: object
  properties:
    connection: {type: string}
    query: {type: string}
    table: {type: string}
  additionalProperties: true
secrets:
  - /password
examples:
  - connection: "@mysql.main"
    table: orders
x-connection-fields:
  - {name: host, override: allowed}
  - {name: password, override: forbidden}
  - {name: port, override: warning}
x-runtime:
  driver: mysql.extractor
`

func writeSpec(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAndGet(t *testing.T) {
	dir := t.TempDir()
	writeSpec(t, dir, "mysql.extractor.yaml", mysqlExtractorSpec)

	reg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	spec, err := reg.Get("mysql.extractor")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if spec.Runtime.Driver != "mysql.extractor" {
		t.Fatalf("driver binding: %q", spec.Runtime.Driver)
	}
	if !spec.SupportsMode("read") || spec.SupportsMode("write") {
		t.Fatalf("modes: %v", spec.Modes)
	}
	if spec.OverridePolicy("password") != OverrideForbidden {
		t.Fatalf("password policy: %q", spec.OverridePolicy("password"))
	}
	if spec.OverridePolicy("database") != OverrideAllowed {
		t.Fatalf("undeclared field policy: %q", spec.OverridePolicy("database"))
	}

	if _, err := reg.Get("nope"); !errors.Is(err, ErrUnknownComponent) {
		t.Fatalf("expected ErrUnknownComponent, got %v", err)
	}
}

func TestLoadRejectsDuplicates(t *testing.T) {
	dir := t.TempDir()
	writeSpec(t, dir, "a.yaml", mysqlExtractorSpec)
	writeSpec(t, dir, "b.yaml", mysqlExtractorSpec)

	_, err := Load(dir)
	if !errors.Is(err, ErrDuplicateComponent) {
		t.Fatalf("expected ErrDuplicateComponent, got %v", err)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	writeSpec(t, dir, "bad.yaml", "name: x\nversion: 1.0.0\nmodes: [read]\nbogus_key: true\nx-runtime: {driver: x}\n")

	_, err := Load(dir)
	if !errors.Is(err, ErrSpecParse) {
		t.Fatalf("expected ErrSpecParse, got %v", err)
	}
}

func TestValidateLevels(t *testing.T) {
	dir := t.TempDir()
	writeSpec(t, dir, "mysql.extractor.yaml", mysqlExtractorSpec)
	reg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	spec, _ := reg.Get("mysql.extractor")

	for _, level := range []ValidationLevel{LevelBasic, LevelEnhanced, LevelStrict} {
		if err := reg.Validate(spec, level); err != nil {
			t.Fatalf("Validate(%s): %v", level, err)
		}
	}

	// Enhanced catches an example violating the schema.
	bad := *spec
	bad.ConfigSchema = map[string]any{
		"type":       "object",
		"properties": map[string]any{"table": map[string]any{"type": "integer"}},
	}
	if err := reg.Validate(&bad, LevelEnhanced); !errors.Is(err, ErrSpecSchema) {
		t.Fatalf("expected ErrSpecSchema for bad example, got %v", err)
	}

	// Strict requires a driver binding.
	noDriver := *spec
	noDriver.Runtime = RuntimeBinding{}
	if err := reg.Validate(&noDriver, LevelStrict); !errors.Is(err, ErrSpecSchema) {
		t.Fatalf("expected ErrSpecSchema for missing driver, got %v", err)
	}
}

func TestMtimeCacheRereadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeSpec(t, dir, "mysql.extractor.yaml", mysqlExtractorSpec)
	reg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	first, _ := reg.loadFile(path)

	// Unchanged mtime: cached pointer is reused.
	again, _ := reg.loadFile(path)
	if first != again {
		t.Fatal("expected cache hit for unchanged mtime")
	}

	// Bump mtime: re-read.
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}
	third, err := reg.loadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if first == third {
		t.Fatal("expected re-read after mtime change")
	}
}
