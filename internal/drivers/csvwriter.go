package drivers

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// CSVWriter is the built-in filesystem.csv_writer driver. Output is
// byte-reproducible: columns in sorted order, one formatting rule per value
// type, newline fixed by config. Writes go to a temp file renamed into
// place so a failed run never leaves a half-written output.
type CSVWriter struct{}

func (CSVWriter) Run(ctx context.Context, req *Request) (map[string]Table, error) {
	path, _ := req.Config["path"].(string)
	if path == "" {
		return nil, fmt.Errorf("csv_writer %s: path is required", req.StepID)
	}
	in, ok := req.Inputs["df"]
	if !ok {
		// Single-input writers accept any one upstream table.
		if len(req.Inputs) != 1 {
			return nil, fmt.Errorf("csv_writer %s: expected exactly one input, got %d", req.StepID, len(req.Inputs))
		}
		for _, t := range req.Inputs {
			in = t
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	delimiter := ','
	if d, _ := req.Config["delimiter"].(string); d != "" {
		delimiter = []rune(d)[0]
	}
	header := true
	if h, ok := req.Config["header"].(bool); ok {
		header = h
	}
	crlf := false
	switch nl, _ := req.Config["newline"].(string); nl {
	case "", "lf":
	case "crlf":
		crlf = true
	default:
		return nil, fmt.Errorf("csv_writer %s: newline must be lf or crlf", req.StepID)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("csv_writer %s: %w", req.StepID, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".osiris-csv-*")
	if err != nil {
		return nil, fmt.Errorf("csv_writer %s: %w", req.StepID, err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	w.Comma = delimiter
	w.UseCRLF = crlf

	cols := in.SortedColumns()
	if header {
		if err := w.Write(cols); err != nil {
			tmp.Close()
			return nil, fmt.Errorf("csv_writer %s: %w", req.StepID, err)
		}
	}
	record := make([]string, len(cols))
	for i, row := range in.Rows {
		if i%1000 == 0 {
			if err := ctx.Err(); err != nil {
				tmp.Close()
				return nil, err
			}
		}
		for j, c := range cols {
			record[j] = formatCSVValue(row[c])
		}
		if err := w.Write(record); err != nil {
			tmp.Close()
			return nil, fmt.Errorf("csv_writer %s: %w", req.StepID, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("csv_writer %s: %w", req.StepID, err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("csv_writer %s: %w", req.StepID, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return nil, fmt.Errorf("csv_writer %s: %w", req.StepID, err)
	}

	if req.Ctx != nil {
		req.Ctx.LogMetric(MetricRowsWritten, float64(in.NumRows()), UnitRows, map[string]string{"step": req.StepID})
		req.Ctx.LogEvent("artifact_written", map[string]any{
			"step": req.StepID,
			"path": path,
			"rows": in.NumRows(),
		})
	}
	return map[string]Table{}, nil
}

// formatCSVValue renders a cell. One rule per type so the same table always
// produces the same bytes.
func formatCSVValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	default:
		return fmt.Sprintf("%v", x)
	}
}
