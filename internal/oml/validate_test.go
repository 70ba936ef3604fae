package oml

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/osiris-etl/osiris/internal/components"
	"github.com/osiris-etl/osiris/internal/connections"
)

const extractorSpec = `
name: mysql.extractor
version: 1.0.0
modes: [read]
configSchema:
  type: object
  properties:
    connection: {type: string}
    query: {type: string}
    table: {type: string}
  additionalProperties: true
secrets: [/password]
x-connection-fields:
  - {name: password, override: forbidden}
  - {name: host, override: allowed}
x-runtime: {driver: mysql.extractor}
`

const csvWriterSpec = `
name: csv.writer
version: 1.0.0
modes: [write]
configSchema:
  type: object
  properties:
    path: {type: string}
    newline: {type: string, enum: [lf, crlf]}
  required: [path]
  additionalProperties: true
x-runtime: {driver: csv.writer}
`

const tableWriterSpec = `
name: mysql.writer
version: 1.0.0
modes: [write]
configSchema:
  type: object
  properties:
    connection: {type: string}
    table: {type: string}
    write_mode: {type: string, enum: [append, replace, upsert]}
    primary_key: {type: array, items: {type: string}}
  additionalProperties: true
secrets: [/password]
x-connection-fields:
  - {name: password, override: forbidden}
x-runtime: {driver: mysql.writer}
`

const connsYAML = `
connections:
  mysql:
    main:
      host: db.example.com
      user: etl
      password: "${MYSQL_PASSWORD}"
      default: true
`

func testEnv(t *testing.T) (*components.Registry, *connections.Store) {
	t.Helper()
	dir := t.TempDir()
	for name, body := range map[string]string{
		"mysql.extractor.yaml": extractorSpec,
		"csv.writer.yaml":      csvWriterSpec,
		"mysql.writer.yaml":    tableWriterSpec,
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	reg, err := components.Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	store, err := connections.Parse([]byte(connsYAML))
	if err != nil {
		t.Fatal(err)
	}
	return reg, store
}

func mustParse(t *testing.T, src string) *Document {
	t.Helper()
	doc, err := Parse([]byte(src))
	if err != nil {
		t.Fatal(err)
	}
	return doc
}

func hasRule(diags []Diagnostic, rule string) bool {
	for _, d := range diags {
		if d.Rule == rule {
			return true
		}
	}
	return false
}

const validOML = `
oml_version: "0.1.0"
name: orders-export
steps:
  - id: extract
    component: mysql.extractor
    mode: read
    config:
      connection: "@mysql.main"
      table: orders
  - id: write
    component: csv.writer
    mode: write
    needs: [extract]
    inputs:
      df: "${extract.df}"
    config:
      path: out.csv
`

func TestValidateHappyPath(t *testing.T) {
	reg, store := testEnv(t)
	res := Validate(mustParse(t, validOML), reg, store)
	if !res.OK {
		t.Fatalf("expected ok, errors: %+v", res.Errors)
	}
}

func TestValidateRejectsLegacyTopLevelKeys(t *testing.T) {
	reg, store := testEnv(t)
	doc := mustParse(t, `
version: "0.1.0"
name: legacy
steps:
  - {id: a, component: mysql.extractor, mode: read, config: {table: t}}
`)
	res := Validate(doc, reg, store)
	if res.OK || !hasRule(res.Errors, "forbidden_top_level_key") {
		t.Fatalf("expected forbidden_top_level_key, got %+v", res.Errors)
	}
	found := false
	for _, d := range res.Errors {
		if d.Rule == "forbidden_top_level_key" && strings.Contains(d.Message, "forbidden_top_level_key=version") {
			found = true
		}
	}
	if !found {
		t.Fatalf("error code should name the key: %+v", res.Errors)
	}
	// L1 failure short-circuits L2/L3.
	if hasRule(res.Errors, "unknown_component") {
		t.Fatalf("L2 should not have run: %+v", res.Errors)
	}
}

func TestValidateUpsertRequiresPrimaryKey(t *testing.T) {
	reg, store := testEnv(t)
	doc := mustParse(t, `
oml_version: "0.1.0"
name: upsert
steps:
  - id: extract
    component: mysql.extractor
    mode: read
    config: {connection: "@mysql.main", table: t}
  - id: load
    component: mysql.writer
    mode: write
    needs: [extract]
    config:
      connection: "@mysql.main"
      table: t
      write_mode: upsert
`)
	res := Validate(doc, reg, store)
	if res.OK || !hasRule(res.Errors, "upsert_requires_primary_key") {
		t.Fatalf("expected upsert_requires_primary_key, got %+v", res.Errors)
	}
}

func TestValidateQueryXorTable(t *testing.T) {
	reg, store := testEnv(t)
	both := mustParse(t, `
oml_version: "0.1.0"
name: both
steps:
  - id: a
    component: mysql.extractor
    mode: read
    config: {connection: "@mysql.main", table: t, query: "select 1"}
`)
	res := Validate(both, reg, store)
	if res.OK || !hasRule(res.Errors, "query_xor_table") {
		t.Fatalf("expected query_xor_table (both), got %+v", res.Errors)
	}
	neither := mustParse(t, `
oml_version: "0.1.0"
name: neither
steps:
  - id: a
    component: mysql.extractor
    mode: read
    config: {connection: "@mysql.main"}
`)
	res = Validate(neither, reg, store)
	if res.OK || !hasRule(res.Errors, "query_xor_table") {
		t.Fatalf("expected query_xor_table (neither), got %+v", res.Errors)
	}
}

func TestValidateForbiddenOverrideDoesNotLeakValue(t *testing.T) {
	reg, store := testEnv(t)
	doc := mustParse(t, `
oml_version: "0.1.0"
name: override
steps:
  - id: a
    component: mysql.extractor
    mode: read
    config:
      connection: "@mysql.main"
      table: t
      password: "hacked"
`)
	res := Validate(doc, reg, store)
	if res.OK || !hasRule(res.Errors, "forbidden_override") {
		t.Fatalf("expected forbidden_override, got %+v", res.Errors)
	}
	for _, d := range res.Errors {
		if strings.Contains(d.Message, "hacked") {
			t.Fatalf("diagnostic leaks secret value: %+v", d)
		}
		if d.Rule == "forbidden_override" && !strings.Contains(d.Message, "forbidden_override=password") {
			t.Fatalf("diagnostic should name the field: %+v", d)
		}
	}
}

func TestValidateCycleDetection(t *testing.T) {
	reg, store := testEnv(t)
	doc := mustParse(t, `
oml_version: "0.1.0"
name: cyclic
steps:
  - id: a
    component: mysql.extractor
    mode: read
    needs: [b]
    config: {connection: "@mysql.main", table: t}
  - id: b
    component: csv.writer
    mode: write
    needs: [a]
    config: {path: out.csv}
`)
	res := Validate(doc, reg, store)
	if res.OK || !hasRule(res.Errors, "dag_cycle") {
		t.Fatalf("expected dag_cycle, got %+v", res.Errors)
	}
}

func TestValidateUnknownNeedsAndInputs(t *testing.T) {
	reg, store := testEnv(t)
	doc := mustParse(t, `
oml_version: "0.1.0"
name: dangling
steps:
  - id: w
    component: csv.writer
    mode: write
    needs: [ghost]
    inputs:
      df: "${phantom.df}"
    config: {path: out.csv}
`)
	res := Validate(doc, reg, store)
	if !hasRule(res.Errors, "needs_unresolved") || !hasRule(res.Errors, "input_unresolved") {
		t.Fatalf("expected needs_unresolved and input_unresolved, got %+v", res.Errors)
	}
}

func TestValidateWriterRequiresPath(t *testing.T) {
	reg, store := testEnv(t)
	doc := mustParse(t, `
oml_version: "0.1.0"
name: nopath
steps:
  - id: w
    component: csv.writer
    mode: write
    config: {}
`)
	res := Validate(doc, reg, store)
	if res.OK || !hasRule(res.Errors, "writer_requires_path") {
		t.Fatalf("expected writer_requires_path, got %+v", res.Errors)
	}
}

func TestParseInputRef(t *testing.T) {
	id, out, ok := ParseInputRef("${extract.df}")
	if !ok || id != "extract" || out != "df" {
		t.Fatalf("ParseInputRef: %q %q %v", id, out, ok)
	}
	if _, _, ok := ParseInputRef("extract.df"); ok {
		t.Fatal("bare ref should not parse")
	}
}

func TestSlug(t *testing.T) {
	doc := &Document{Name: "Orders Export_v2!"}
	if got := doc.Slug(); got != "orders-export-v2" {
		t.Fatalf("slug: %q", got)
	}
}
