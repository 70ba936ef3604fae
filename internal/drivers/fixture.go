package drivers

import (
	"context"
	"fmt"
	"sort"
)

// FixtureExtractor is the built-in osiris.fixture_extractor driver: it emits
// the rows declared in its own config. Used for smoke pipelines and for
// exercising the runtime without external systems.
type FixtureExtractor struct{}

func (FixtureExtractor) Run(ctx context.Context, req *Request) (map[string]Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, ok := req.Config["rows"].([]any)
	if !ok {
		return nil, fmt.Errorf("fixture_extractor %s: rows must be a list of objects", req.StepID)
	}
	table := Table{Rows: make([]map[string]any, 0, len(raw))}
	colSeen := map[string]bool{}
	for i, item := range raw {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("fixture_extractor %s: row %d is not an object", req.StepID, i)
		}
		row := make(map[string]any, len(obj))
		for k, v := range obj {
			row[k] = v
			if !colSeen[k] {
				colSeen[k] = true
				table.Columns = append(table.Columns, k)
			}
		}
		table.Rows = append(table.Rows, row)
	}
	sort.Strings(table.Columns)

	if req.Ctx != nil {
		req.Ctx.LogMetric(MetricRowsRead, float64(table.NumRows()), UnitRows, map[string]string{"step": req.StepID})
	}
	return map[string]Table{"df": table}, nil
}

// BuiltinRegistry returns a registry with the drivers that ship in-tree.
func BuiltinRegistry() *Registry {
	r := NewRegistry()
	r.Register("filesystem.csv_writer", CSVWriter{})
	r.Register("csv.writer", CSVWriter{})
	r.Register("osiris.fixture_extractor", FixtureExtractor{})
	return r
}
