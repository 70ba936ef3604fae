// Package drivers defines the in-process contract between the runtime and
// connector implementations. Connector bodies (SQL clients, REST clients)
// live outside this repo; they implement Driver and register themselves at
// startup. The runtime never reaches into a driver beyond Run.
package drivers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrUnknownDriver = errors.New("unknown driver")

// Metric units accepted by the session writers.
const (
	UnitRows    = "rows"
	UnitMS      = "ms"
	UnitBytes   = "bytes"
	UnitSeconds = "seconds"
	UnitFiles   = "files"
	UnitCode    = "code"
	UnitCalls   = "calls"
)

// Row metric names by component role.
const (
	MetricRowsRead      = "rows_read"
	MetricRowsWritten   = "rows_written"
	MetricRowsProcessed = "rows_processed"
)

// Table is the in-memory tabular value passed between steps. Batch-only:
// the whole table is materialized.
type Table struct {
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
}

// NumRows returns the row count.
func (t Table) NumRows() int { return len(t.Rows) }

// Clone returns an independent copy. The runtime hands clones to drivers so
// a misbehaving driver cannot mutate an upstream's cached output.
func (t Table) Clone() Table {
	out := Table{Columns: append([]string{}, t.Columns...)}
	out.Rows = make([]map[string]any, len(t.Rows))
	for i, r := range t.Rows {
		row := make(map[string]any, len(r))
		for k, v := range r {
			row[k] = v
		}
		out.Rows[i] = row
	}
	return out
}

// SortedColumns returns the union of declared and observed columns, sorted.
// Deterministic writers key their output layout on this.
func (t Table) SortedColumns() []string {
	seen := map[string]bool{}
	var cols []string
	for _, c := range t.Columns {
		if !seen[c] {
			seen[c] = true
			cols = append(cols, c)
		}
	}
	for _, r := range t.Rows {
		for c := range r {
			if !seen[c] {
				seen[c] = true
				cols = append(cols, c)
			}
		}
	}
	sort.Strings(cols)
	return cols
}

// StepContext is the runtime surface a driver may touch during Run. Events
// and metrics flow into the session writers; artifact paths live under the
// session's artifact tree.
type StepContext interface {
	LogEvent(kind string, payload map[string]any)
	LogMetric(name string, value float64, unit string, tags map[string]string)
	ArtifactPath(logicalName string) (string, error)
}

// Request carries everything a driver needs for one step execution.
// Inputs maps logical name to an upstream output; extractors receive an
// empty map. Drivers must not mutate Inputs; the runtime passes copies.
type Request struct {
	StepID             string
	Config             map[string]any
	ResolvedConnection map[string]any
	Inputs             map[string]Table
	Ctx                StepContext
}

// Driver executes one step. Outputs map logical names to tables for
// downstream consumers; writers return an empty map. Drivers must emit
// their role's row metric (rows_read / rows_written / rows_processed)
// tagged with the step id after the operation completes, and must honor
// ctx cancellation at batch boundaries.
type Driver interface {
	Run(ctx context.Context, req *Request) (map[string]Table, error)
}

// Registry maps component driver keys to implementations. Populated once at
// startup; a missing driver at execute time is fatal.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

func NewRegistry() *Registry {
	return &Registry{drivers: map[string]Driver{}}
}

// Register binds a driver key. Last registration wins, which lets tests
// substitute fixtures for real connectors.
func (r *Registry) Register(name string, d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[name] = d
}

// Resolve returns the driver for name or ErrUnknownDriver.
func (r *Registry) Resolve(name string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, name)
	}
	return d, nil
}

// Names returns registered driver keys, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.drivers))
	for n := range r.drivers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
