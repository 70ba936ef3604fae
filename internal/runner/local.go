package runner

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/zeebo/blake3"

	"github.com/osiris-etl/osiris/internal/compile"
	"github.com/osiris-etl/osiris/internal/components"
	"github.com/osiris-etl/osiris/internal/connections"
	"github.com/osiris-etl/osiris/internal/drivers"
	"github.com/osiris-etl/osiris/internal/fscontract"
	"github.com/osiris-etl/osiris/internal/secrets"
	"github.com/osiris-etl/osiris/internal/session"
)

// Local executes steps in-process with the registered drivers, one step at
// a time in manifest order.
type Local struct {
	Registry    *components.Registry
	Connections *connections.Store
	Drivers     *drivers.Registry
	Contract    *fscontract.Contract
	Stream      io.Writer
	Now         func() time.Time
}

func (l *Local) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Prepare builds the secret key set from the manifest's component specs,
// opens the session, and announces the run.
func (l *Local) Prepare(ctx context.Context, m *compile.Manifest, manifestPath string) (*PreparedRun, error) {
	var pointers, forbidden []string
	for _, step := range m.Steps {
		spec, err := l.Registry.Get(step.Component)
		if err != nil {
			return nil, fmt.Errorf("prepare %s: %w", step.ID, err)
		}
		pointers = append(pointers, spec.Secrets...)
		forbidden = append(forbidden, spec.ForbiddenFields()...)
	}
	keys := secrets.KeySet(pointers, forbidden)

	sess, err := session.New(l.Contract, session.Options{Stream: l.Stream, SecretKeys: keys, Now: l.Now})
	if err != nil {
		return nil, err
	}
	run := &PreparedRun{
		Manifest:     m,
		ManifestPath: manifestPath,
		RunID:        NewRunID(),
		Sess:         sess,
		StartedAt:    l.now().UTC(),
		SecretKeys:   keys,
	}
	sess.Event("run_start", map[string]any{
		"run_id":         run.RunID,
		"pipeline":       m.Pipeline.ID,
		"manifest_hash":  m.Meta.ManifestHash,
		"manifest_short": m.Meta.ManifestShort,
		"profile":        m.Meta.Profile,
		"steps":          len(m.Steps),
	})
	return run, nil
}

// Execute runs steps sequentially, caching each step's outputs for its
// dependents. Fail-fast: the first failed step ends the run.
func (l *Local) Execute(ctx context.Context, run *PreparedRun) *ExecutionResult {
	result := &ExecutionResult{}
	cache := map[string]map[string]drivers.Table{}
	for _, step := range run.Manifest.Steps {
		sr := l.executeStep(ctx, run, step, cache)
		result.Steps = append(result.Steps, sr)
		if sr.Status != StatusCompleted {
			result.Err = fmt.Errorf("step %s %s: %s", sr.StepID, sr.Status, sr.Error)
			break
		}
	}
	return result
}

func (l *Local) executeStep(ctx context.Context, run *PreparedRun, step compile.Step, cache map[string]map[string]drivers.Table) StepResult {
	sess := run.Sess
	sr := StepResult{StepID: step.ID, Status: StatusCompleted}
	start := l.now()
	sess.Event("step_start", map[string]any{
		"step_id":   step.ID,
		"component": step.Component,
		"driver":    step.Driver,
	})

	fail := func(err error) StepResult {
		et := ErrorType(err)
		sr.Status = StatusFailed
		if et == "Cancelled" {
			sr.Status = StatusCancelled
		}
		sr.Error = sess.Sanitize(err.Error())
		sr.DurationMS = l.now().Sub(start).Milliseconds()
		sess.Event("step_failed", map[string]any{
			"step_id":     step.ID,
			"error":       sr.Error,
			"error_type":  et,
			"duration_ms": sr.DurationMS,
		})
		return sr
	}

	req := &drivers.Request{
		StepID: step.ID,
		Config: step.Config,
		Inputs: map[string]drivers.Table{},
		Ctx:    session.StepContext{Sess: sess, StepID: step.ID},
	}

	if ref, _ := step.Config["connection"].(string); ref != "" {
		sess.Event("connection_resolve_start", map[string]any{"step_id": step.ID, "connection": ref})
		parsed, err := connections.ParseRef(ref)
		if err != nil {
			return fail(err)
		}
		spec, err := l.Registry.Get(step.Component)
		if err != nil {
			return fail(err)
		}
		resolved, err := l.Connections.Resolve(parsed, step.Config, spec)
		if err != nil {
			return fail(err)
		}
		sess.AddSecretValues(resolved.SecretValues(run.SecretKeys))
		req.ResolvedConnection = resolved.Fields
		sess.Event("connection_resolve_complete", map[string]any{
			"step_id":    step.ID,
			"connection": resolved.Masked(run.SecretKeys),
		})
	}

	inputs, err := AssembleInputs(step, cache)
	if err != nil {
		return fail(err)
	}
	req.Inputs = inputs

	driver, err := l.Drivers.Resolve(step.Driver)
	if err != nil {
		return fail(err)
	}

	outputs, err := runWithRecovery(ctx, driver, req)
	if err != nil {
		return fail(err)
	}
	cache[step.ID] = outputs

	sr.DurationMS = l.now().Sub(start).Milliseconds()
	sr.RowsRead, sr.RowsWritten, sr.RowsProcessed = RowMetrics(run.Sess.Dir(), step.ID)
	sess.Metric("step_duration", float64(sr.DurationMS), drivers.UnitMS, map[string]string{"step": step.ID})
	sess.Event("step_complete", map[string]any{
		"step_id":        step.ID,
		"rows_read":      sr.RowsRead,
		"rows_written":   sr.RowsWritten,
		"rows_processed": sr.RowsProcessed,
		"duration_ms":    sr.DurationMS,
	})
	return sr
}

// runWithRecovery converts a driver panic into an error so one bad driver
// cannot take down the engine.
func runWithRecovery(ctx context.Context, d drivers.Driver, req *drivers.Request) (out map[string]drivers.Table, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", ErrDriverPanic, r, debug.Stack())
		}
	}()
	return d.Run(ctx, req)
}

// RowMetrics reads a step's row counters back from the session's metrics
// stream. Shared by the local adapter and the remote proxy, which both
// persist driver metrics before tallying.
func RowMetrics(sessionDir, stepID string) (read, written, processed float64) {
	lines, err := session.ReadMetrics(sessionDir)
	if err != nil {
		return 0, 0, 0
	}
	for _, m := range lines {
		tags, _ := m["tags"].(map[string]any)
		if tags == nil || tags["step"] != stepID {
			continue
		}
		v, _ := m["value"].(float64)
		switch m["metric"] {
		case drivers.MetricRowsRead:
			read += v
		case drivers.MetricRowsWritten:
			written += v
		case drivers.MetricRowsProcessed:
			processed += v
		}
	}
	return read, written, processed
}

// Collect finalizes the run: checksums the artifact tree, emits the closing
// events, closes the session, and appends the index record. It never skips
// session close.
func (l *Local) Collect(ctx context.Context, run *PreparedRun, result *ExecutionResult) (*CollectedRun, error) {
	sess := run.Sess
	m := run.Manifest
	status := StatusCompleted
	if result.Err != nil {
		status = StatusFailed
		for _, s := range result.Steps {
			if s.Status == StatusCancelled {
				status = StatusCancelled
			}
		}
		sess.SetFatal(result.Err)
	}

	checksums, err := l.writeArtifactChecksums(sess)

	ended := l.now().UTC()
	total := result.TotalRows()
	// cleanup_complete.total_rows is the authoritative aggregate row count;
	// post-processors read it instead of re-summing metrics.
	cleanup := map[string]any{
		"total_rows":  total,
		"duration_ms": ended.Sub(run.StartedAt).Milliseconds(),
	}
	if err != nil {
		cleanup["warning"] = sess.Sanitize(err.Error())
	}
	sess.Event("cleanup_complete", cleanup)

	event := "run_complete"
	if status != StatusCompleted {
		event = "run_failed"
	}
	sess.Event(event, map[string]any{
		"run_id":      run.RunID,
		"status":      status,
		"duration_ms": ended.Sub(run.StartedAt).Milliseconds(),
		"total_rows":  total,
	})
	// Checksum failure was already surfaced as a warning; session close
	// failure would mean lost telemetry and does fail the collect.
	if cerr := sess.Close(); cerr != nil {
		return nil, cerr
	}

	runSeq := 1
	reader := &fscontract.IndexReader{Contract: l.Contract}
	if prior, rerr := reader.List(); rerr == nil {
		for _, p := range prior {
			if p.ManifestHash == m.Meta.ManifestHash {
				runSeq++
			}
		}
	}
	record := fscontract.RunRecord{
		RunID:         run.RunID,
		PipelineSlug:  m.Pipeline.ID,
		ManifestHash:  m.Meta.ManifestHash,
		ManifestShort: m.Meta.ManifestShort,
		Profile:       m.Meta.Profile,
		StartedAt:     run.StartedAt.Format(time.RFC3339),
		EndedAt:       ended.Format(time.RFC3339),
		Status:        status,
		DurationMS:    ended.Sub(run.StartedAt).Milliseconds(),
		TotalRows:     total,
		AIOPPath:      l.Contract.AIOPDir(m.Meta.Profile, m.Pipeline.ID, m.Meta.ManifestShort, m.Meta.ManifestHash, runSeq, run.RunID),
		ArtifactsPath: sess.ArtifactsDir(),
	}
	writer := &fscontract.IndexWriter{Contract: l.Contract}
	if aerr := writer.Append(record); aerr != nil {
		return nil, aerr
	}
	if perr := writer.WriteLatestPointer(m.Pipeline.ID, run.ManifestPath); perr != nil {
		return nil, perr
	}
	collected := &CollectedRun{Record: record, ChecksumsPath: checksums}
	if result.Err != nil {
		collected.Failure = sess.Sanitize(result.Err.Error())
	}
	return collected, nil
}

// writeArtifactChecksums writes artifacts.checksums.json next to the
// artifact tree: relative path to blake3 hex, keys sorted.
func (l *Local) writeArtifactChecksums(sess *session.Session) (string, error) {
	root := sess.ArtifactsDir()
	sums := map[string]string{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		sum := blake3.Sum256(b)
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		sums[filepath.ToSlash(rel)] = hex.EncodeToString(sum[:])
		return nil
	})
	if err != nil {
		return "", err
	}
	if len(sums) == 0 {
		return "", nil
	}
	// encoding/json sorts map keys, so the sidecar is deterministic.
	b, err := json.MarshalIndent(sums, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(sess.Dir(), "artifacts.checksums.json")
	if err := os.WriteFile(path, append(b, '\n'), 0o644); err != nil {
		return "", err
	}
	return path, nil
}
