package drivers

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingCtx struct {
	events  []string
	metrics map[string]float64
	units   map[string]string
	tags    map[string]map[string]string
	dir     string
}

func (c *recordingCtx) LogEvent(kind string, payload map[string]any) {
	c.events = append(c.events, kind)
}

func (c *recordingCtx) LogMetric(name string, value float64, unit string, tags map[string]string) {
	if c.metrics == nil {
		c.metrics = map[string]float64{}
		c.units = map[string]string{}
		c.tags = map[string]map[string]string{}
	}
	c.metrics[name] = value
	c.units[name] = unit
	c.tags[name] = tags
}

func (c *recordingCtx) ArtifactPath(name string) (string, error) {
	return filepath.Join(c.dir, name), nil
}

func TestCSVWriterByteReproducible(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.csv")
	rc := &recordingCtx{dir: dir}
	req := &Request{
		StepID: "write",
		Config: map[string]any{"path": out},
		Inputs: map[string]Table{"df": {
			Columns: []string{"id"},
			Rows:    []map[string]any{{"id": 1}, {"id": 2}, {"id": 3}},
		}},
		Ctx: rc,
	}

	_, err := CSVWriter{}.Run(context.Background(), req)
	require.NoError(t, err)

	b, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, "id\n1\n2\n3\n", string(b))

	// Same input, same bytes.
	_, err = CSVWriter{}.Run(context.Background(), req)
	require.NoError(t, err)
	again, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, string(b), string(again))

	require.Equal(t, 3.0, rc.metrics[MetricRowsWritten])
	require.Equal(t, UnitRows, rc.units[MetricRowsWritten])
	require.Equal(t, "write", rc.tags[MetricRowsWritten]["step"])
}

func TestCSVWriterSortsColumns(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.csv")
	req := &Request{
		StepID: "write",
		Config: map[string]any{"path": out},
		Inputs: map[string]Table{"df": {
			Rows: []map[string]any{{"name": "a", "id": 1, "amount": 2.5}},
		}},
	}
	_, err := CSVWriter{}.Run(context.Background(), req)
	require.NoError(t, err)

	b, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, "amount,id,name\n2.5,1,a\n", string(b))
}

func TestCSVWriterNewlineAndDelimiter(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.csv")
	req := &Request{
		StepID: "write",
		Config: map[string]any{"path": out, "newline": "crlf", "delimiter": ";"},
		Inputs: map[string]Table{"df": {
			Columns: []string{"a", "b"},
			Rows:    []map[string]any{{"a": 1, "b": 2}},
		}},
	}
	_, err := CSVWriter{}.Run(context.Background(), req)
	require.NoError(t, err)

	b, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, "a;b\r\n1;2\r\n", string(b))
}

func TestCSVWriterRejectsBadNewline(t *testing.T) {
	req := &Request{
		StepID: "write",
		Config: map[string]any{"path": filepath.Join(t.TempDir(), "x.csv"), "newline": "cr"},
		Inputs: map[string]Table{"df": {}},
	}
	_, err := CSVWriter{}.Run(context.Background(), req)
	require.Error(t, err)
}

func TestCSVWriterHeaderOff(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.csv")
	req := &Request{
		StepID: "write",
		Config: map[string]any{"path": out, "header": false},
		Inputs: map[string]Table{"df": {
			Columns: []string{"id"},
			Rows:    []map[string]any{{"id": 7}},
		}},
	}
	_, err := CSVWriter{}.Run(context.Background(), req)
	require.NoError(t, err)
	b, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, "7\n", string(b))
}

func TestFixtureExtractor(t *testing.T) {
	rc := &recordingCtx{dir: t.TempDir()}
	req := &Request{
		StepID: "extract",
		Config: map[string]any{"rows": []any{
			map[string]any{"id": 1, "name": "a"},
			map[string]any{"id": 2, "name": "b"},
		}},
		Inputs: map[string]Table{},
		Ctx:    rc,
	}
	out, err := FixtureExtractor{}.Run(context.Background(), req)
	require.NoError(t, err)
	df := out["df"]
	require.Equal(t, []string{"id", "name"}, df.Columns)
	require.Equal(t, 2, df.NumRows())
	require.Equal(t, 2.0, rc.metrics[MetricRowsRead])
}

func TestFixtureExtractorRejectsNonObjectRows(t *testing.T) {
	req := &Request{
		StepID: "extract",
		Config: map[string]any{"rows": []any{"not-an-object"}},
	}
	_, err := FixtureExtractor{}.Run(context.Background(), req)
	require.Error(t, err)
}

func TestRegistryResolve(t *testing.T) {
	r := BuiltinRegistry()
	d, err := r.Resolve("filesystem.csv_writer")
	require.NoError(t, err)
	require.NotNil(t, d)

	_, err = r.Resolve("mysql.extractor")
	require.ErrorIs(t, err, ErrUnknownDriver)
	require.Contains(t, err.Error(), "mysql.extractor")
}

func TestTableCloneIsIndependent(t *testing.T) {
	orig := Table{Columns: []string{"id"}, Rows: []map[string]any{{"id": 1}}}
	cl := orig.Clone()
	cl.Rows[0]["id"] = 99
	require.Equal(t, 1, orig.Rows[0]["id"])
}
