// Package runner executes compiled manifests. The orchestrator drives a
// three-phase Adapter (prepare, execute, collect); the local adapter runs
// drivers in-process, and the remote proxy satisfies the same interface so
// callers cannot tell local and remote runs apart.
package runner

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/osiris-etl/osiris/internal/compile"
	"github.com/osiris-etl/osiris/internal/drivers"
	"github.com/osiris-etl/osiris/internal/fscontract"
	"github.com/osiris-etl/osiris/internal/session"
)

// Run statuses mirrored into the run index.
const (
	StatusCompleted = fscontract.StatusCompleted
	StatusFailed    = fscontract.StatusFailed
	StatusCancelled = fscontract.StatusCancelled
)

// ErrDriverPanic wraps a panic recovered from a driver invocation.
var ErrDriverPanic = errors.New("driver panic")

// ErrorType classifies a step failure for the step_failed event.
func ErrorType(err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Cancelled"
	case errors.Is(err, drivers.ErrUnknownDriver):
		return "UnknownDriver"
	case errors.Is(err, ErrDriverPanic):
		return "DriverPanic"
	default:
		return "StepError"
	}
}

// PreparedRun is the output of the prepare phase: a live session plus the
// identifiers the later phases need.
type PreparedRun struct {
	Manifest     *compile.Manifest
	ManifestPath string
	RunID        string
	Sess         *session.Session
	StartedAt    time.Time
	SecretKeys   map[string]struct{}
}

// StepResult records one step's outcome.
type StepResult struct {
	StepID        string
	Status        string
	RowsRead      float64
	RowsWritten   float64
	RowsProcessed float64
	DurationMS    int64
	Error         string
}

// ExecutionResult aggregates the execute phase. Err is the first fatal
// error; fail-fast means at most one failed step.
type ExecutionResult struct {
	Steps []StepResult
	Err   error
}

// TotalRows is the run's headline row count: the sum of writer rows when
// any step wrote, otherwise the sum of extractor rows.
func (r *ExecutionResult) TotalRows() int64 {
	var written, read float64
	for _, s := range r.Steps {
		written += s.RowsWritten
		read += s.RowsRead
	}
	if written > 0 {
		return int64(written)
	}
	return int64(read)
}

// CollectedRun is the final run outcome: the index record plus artifact
// bookkeeping paths. Failure carries the sanitized fatal error text for a
// failed run; empty on success.
type CollectedRun struct {
	Record        fscontract.RunRecord
	ChecksumsPath string
	Failure       string
}

// Adapter is the execution backend contract. Collect must run even when
// Execute failed, and must leave the session closed.
type Adapter interface {
	Prepare(ctx context.Context, manifest *compile.Manifest, manifestPath string) (*PreparedRun, error)
	Execute(ctx context.Context, run *PreparedRun) *ExecutionResult
	Collect(ctx context.Context, run *PreparedRun, result *ExecutionResult) (*CollectedRun, error)
}

// Runner drives an adapter through the full lifecycle.
type Runner struct {
	Adapter Adapter
}

// Run loads the manifest at path and executes it. A step failure is
// reported through the returned record's status, not as an error; errors
// mean the run could not be carried through to a record.
func (r *Runner) Run(ctx context.Context, manifestPath string) (*CollectedRun, error) {
	m, err := compile.LoadManifest(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}
	prepared, err := r.Adapter.Prepare(ctx, m, manifestPath)
	if err != nil {
		return nil, err
	}
	result := r.Adapter.Execute(ctx, prepared)
	return r.Adapter.Collect(ctx, prepared, result)
}

// NewRunID returns a fresh ULID run id.
func NewRunID() string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
