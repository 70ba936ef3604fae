package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const testFixtureSpec = `
name: osiris.fixture_extractor
version: 1.0.0
modes: [read]
configSchema:
  type: object
  properties:
    rows: {type: array}
  required: [rows]
  additionalProperties: true
x-runtime: {driver: osiris.fixture_extractor}
`

const testWriterSpec = `
name: csv.writer
version: 1.0.0
modes: [write]
configSchema:
  type: object
  properties:
    path: {type: string}
  required: [path]
  additionalProperties: true
x-runtime: {driver: filesystem.csv_writer}
`

// testWorkspace lays out osiris.yaml plus components and an OML file.
func testWorkspace(t *testing.T) (cfgPath, omlPath, outCSV string) {
	t.Helper()
	dir := t.TempDir()
	specs := filepath.Join(dir, "components")
	require.NoError(t, os.MkdirAll(specs, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(specs, "osiris.fixture_extractor.yaml"), []byte(testFixtureSpec), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(specs, "csv.writer.yaml"), []byte(testWriterSpec), 0o644))

	cfgPath = filepath.Join(dir, "osiris.yaml")
	cfg := fmt.Sprintf("base_path: %s\nprofile: dev\ncomponents: components\n", filepath.Join(dir, "work"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))

	outCSV = filepath.Join(dir, "out.csv")
	omlPath = filepath.Join(dir, "pipeline.yaml")
	src := fmt.Sprintf(`
oml_version: "0.1.0"
name: cli-smoke
steps:
  - id: extract
    component: osiris.fixture_extractor
    mode: read
    config:
      rows:
        - {id: 1}
        - {id: 2}
        - {id: 3}
  - id: write
    component: csv.writer
    mode: write
    needs: [extract]
    inputs:
      df: "${extract.df}"
    config:
      path: %s
`, outCSV)
	require.NoError(t, os.WriteFile(omlPath, []byte(src), 0o644))
	return cfgPath, omlPath, outCSV
}

func execute(t *testing.T, args ...string) (stdout, stderr string, code int) {
	t.Helper()
	a := newApp()
	defer a.close()
	root := a.rootCmd()
	var out, errBuf bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errBuf)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), errBuf.String(), exitCode(err)
}

func TestCompileRunExportFlow(t *testing.T) {
	cfgPath, omlPath, outCSV := testWorkspace(t)

	stdout, _, code := execute(t, "--config", cfgPath, "compile", omlPath)
	require.Equal(t, exitOK, code)
	require.Contains(t, stdout, "manifest.yaml")
	require.Regexp(t, `^[0-9a-f]{64}\t`, stdout)

	stdout, _, code = execute(t, "--config", cfgPath, "run", "--last-compile")
	require.Equal(t, exitOK, code)
	require.Contains(t, stdout, "completed")
	require.Contains(t, stdout, "rows=3")

	b, err := os.ReadFile(outCSV)
	require.NoError(t, err)
	require.Equal(t, "id\n1\n2\n3\n", string(b))

	stdout, _, code = execute(t, "--config", cfgPath, "index", "list")
	require.Equal(t, exitOK, code)
	require.Contains(t, stdout, "cli-smoke")

	stdout, _, code = execute(t, "--config", cfgPath, "aiop", "export", "--last", "--format", "json")
	require.Equal(t, exitOK, code)
	require.Contains(t, stdout, `"first_run": true`)

	stdout, _, code = execute(t, "--config", cfgPath, "aiop", "export", "--last", "--format", "md")
	require.Equal(t, exitOK, code)
	require.Contains(t, stdout, "cli-smoke")
}

func TestValidateOK(t *testing.T) {
	cfgPath, omlPath, _ := testWorkspace(t)
	stdout, _, code := execute(t, "--config", cfgPath, "validate", omlPath)
	require.Equal(t, exitOK, code)
	require.Contains(t, stdout, "ok: cli-smoke")
}

func TestValidateRejectsLegacyKeys(t *testing.T) {
	cfgPath, _, _ := testWorkspace(t)
	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte(`
version: "0.1.0"
name: legacy
steps:
  - {id: a, component: osiris.fixture_extractor, mode: read, config: {rows: []}}
`), 0o644))

	_, stderr, code := execute(t, "--config", cfgPath, "validate", bad)
	require.Equal(t, exitValidation, code)
	require.Contains(t, stderr, "forbidden_top_level_key")
}

func TestRunWithoutManifestIsUsageError(t *testing.T) {
	cfgPath, _, _ := testWorkspace(t)
	_, _, code := execute(t, "--config", cfgPath, "run")
	require.Equal(t, exitUsage, code)
}

func TestUnknownFlagIsUsageError(t *testing.T) {
	cfgPath, _, _ := testWorkspace(t)
	_, _, code := execute(t, "--config", cfgPath, "index", "list", "--bogus")
	require.Equal(t, exitUsage, code)
}

func TestAIOPExportTruncationExitCode(t *testing.T) {
	cfgPath, omlPath, _ := testWorkspace(t)
	_, _, code := execute(t, "--config", cfgPath, "compile", omlPath)
	require.Equal(t, exitOK, code)
	_, _, code = execute(t, "--config", cfgPath, "run", "--last-compile")
	require.Equal(t, exitOK, code)

	t.Setenv("OSIRIS_AIOP_MAX_CORE_BYTES", "600")
	_, _, code = execute(t, "--config", cfgPath, "aiop", "export", "--last", "--format", "json")
	require.Equal(t, exitTruncation, code)
}

func TestAIOPExportRequiresSelector(t *testing.T) {
	cfgPath, _, _ := testWorkspace(t)
	_, _, code := execute(t, "--config", cfgPath, "aiop", "export")
	require.Equal(t, exitUsage, code)
}

func TestExitCodeMapping(t *testing.T) {
	require.Equal(t, exitOK, exitCode(nil))
	require.Equal(t, exitUsage, exitCode(usageError("bad")))
	require.Equal(t, exitInternal, exitCode(errors.New("boom")))
	require.Equal(t, exitValidation, exitCode(&exitError{code: exitValidation}))
}

func TestIndexShowRoundTrip(t *testing.T) {
	cfgPath, omlPath, _ := testWorkspace(t)
	_, _, code := execute(t, "--config", cfgPath, "compile", omlPath)
	require.Equal(t, exitOK, code)
	_, _, code = execute(t, "--config", cfgPath, "run", "--last-compile")
	require.Equal(t, exitOK, code)

	stdout, _, code := execute(t, "--config", cfgPath, "index", "list")
	require.Equal(t, exitOK, code)
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.GreaterOrEqual(t, len(lines), 2)
	runID := strings.Fields(lines[1])[0]

	stdout, _, code = execute(t, "--config", cfgPath, "index", "show", "--run", runID)
	require.Equal(t, exitOK, code)
	require.Contains(t, stdout, `"manifest_hash"`)
	require.NotContains(t, stdout, "sha256:")
}
